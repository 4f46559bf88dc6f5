// Package offsetv implements the opaque offset token used to address a
// position within a stream, and the path grammar streams are identified by.
package offsetv

import (
	"fmt"
	"strconv"
	"strings"
)

// Offset identifies a position within a stream: the count of appends that
// preceded it (StreamSeq) and the byte position within the accumulated
// payload stream (ByteOffset).
type Offset struct {
	StreamSeq  uint64
	ByteOffset uint64
}

// Zero is the beginning-of-stream sentinel.
var Zero = Offset{}

// String renders the offset as two 16-digit lowercase hex groups joined by
// an underscore, e.g. "0000000000000001_0000000000000005". This is the
// wire format returned in Stream-Next-Offset and accepted back in the
// offset query parameter.
func (o Offset) String() string {
	return fmt.Sprintf("%016x_%016x", o.StreamSeq, o.ByteOffset)
}

// IsZero reports whether this is the beginning-of-stream offset.
func (o Offset) IsZero() bool {
	return o.StreamSeq == 0 && o.ByteOffset == 0
}

// Add returns the offset advanced by one append of n payload bytes.
func (o Offset) Add(n uint64) Offset {
	return Offset{StreamSeq: o.StreamSeq + 1, ByteOffset: o.ByteOffset + n}
}

// Compare returns -1, 0, or 1 as a is less than, equal to, or greater than b.
// Comparison is lexicographic on (StreamSeq, ByteOffset), which matches the
// lexicographic ordering of the hex string form.
func Compare(a, b Offset) int {
	switch {
	case a.StreamSeq < b.StreamSeq:
		return -1
	case a.StreamSeq > b.StreamSeq:
		return 1
	case a.ByteOffset < b.ByteOffset:
		return -1
	case a.ByteOffset > b.ByteOffset:
		return 1
	default:
		return 0
	}
}

// Less reports whether o sorts before other.
func (o Offset) Less(other Offset) bool { return Compare(o, other) < 0 }

// LessOrEqual reports whether o sorts before or equal to other.
func (o Offset) LessOrEqual(other Offset) bool { return Compare(o, other) <= 0 }

// Equal reports whether o and other address the same position.
func (o Offset) Equal(other Offset) bool { return Compare(o, other) == 0 }

// ErrInvalidOffset is returned by Decode for malformed tokens.
type ErrInvalidOffset struct{ Raw string }

func (e *ErrInvalidOffset) Error() string {
	return fmt.Sprintf("invalid offset %q: must be two 16-hex-digit groups separated by '_'", e.Raw)
}

// Decode parses an opaque offset token. The empty string, "-1", and "now"
// are resolved by Resolve, not here — Decode only understands the literal
// two-group hex form.
func Decode(s string) (Offset, error) {
	if len(s) != 33 || s[16] != '_' {
		return Offset{}, &ErrInvalidOffset{Raw: s}
	}
	hi, err := strconv.ParseUint(s[:16], 16, 64)
	if err != nil {
		return Offset{}, &ErrInvalidOffset{Raw: s}
	}
	lo, err := strconv.ParseUint(s[17:], 16, 64)
	if err != nil {
		return Offset{}, &ErrInvalidOffset{Raw: s}
	}
	return Offset{StreamSeq: hi, ByteOffset: lo}, nil
}

// Encode is the inverse of Decode.
func Encode(streamSeq, byteOffset uint64) string {
	return Offset{StreamSeq: streamSeq, ByteOffset: byteOffset}.String()
}

// ErrOffsetBeyondTail is returned by Resolve when the requested offset is
// strictly ahead of the stream's current tail.
type ErrOffsetBeyondTail struct {
	Requested, Tail Offset
}

func (e *ErrOffsetBeyondTail) Error() string {
	return fmt.Sprintf("offset %s is beyond tail %s", e.Requested, e.Tail)
}

// Resolve interprets a raw offset query-parameter value against a stream's
// current tail. The empty string (parameter omitted) resolves to the
// beginning of the stream (Zero); the literal aliases "-1" and "now"
// resolve to tail ("-1"/"now" are accepted client conveniences).
// Anything else must decode to a concrete offset that is not ahead of tail.
func Resolve(raw string, tail Offset) (Offset, error) {
	switch raw {
	case "":
		return Zero, nil
	case "-1", "now":
		return tail, nil
	}
	off, err := Decode(raw)
	if err != nil {
		return Offset{}, err
	}
	if off.Less(Zero) { // unreachable for uint64 but keeps intent explicit
		return Offset{}, &ErrInvalidOffset{Raw: raw}
	}
	if tail.Less(off) {
		return Offset{}, &ErrOffsetBeyondTail{Requested: off, Tail: tail}
	}
	return off, nil
}

// StreamPath is a validated "<project>/<stream>" path.
type StreamPath struct {
	Project string
	Stream  string
}

func (p StreamPath) String() string { return p.Project + "/" + p.Stream }

// ErrInvalidStreamPath is returned by ParseStreamPath.
type ErrInvalidStreamPath struct{ Raw string }

func (e *ErrInvalidStreamPath) Error() string {
	return fmt.Sprintf("invalid stream path %q: expected <project>/<stream> with segments matching [A-Za-z0-9_.:-]+", e.Raw)
}

func isPathSegmentByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '_' || c == '-' || c == ':' || c == '.':
		return true
	default:
		return false
	}
}

func validSegment(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isPathSegmentByte(s[i]) {
			return false
		}
	}
	return true
}

// ParseStreamPath validates and splits a "<project>/<stream>" request path.
// The input may carry a single leading slash (as seen on an HTTP URL path);
// it is trimmed before validation.
func ParseStreamPath(raw string) (StreamPath, error) {
	raw = strings.TrimPrefix(raw, "/")
	idx := strings.IndexByte(raw, '/')
	if idx <= 0 || idx == len(raw)-1 {
		return StreamPath{}, &ErrInvalidStreamPath{Raw: raw}
	}
	project, stream := raw[:idx], raw[idx+1:]
	// stream may itself not contain additional slashes: stream paths are
	// exactly two segments.
	if strings.ContainsRune(stream, '/') {
		return StreamPath{}, &ErrInvalidStreamPath{Raw: raw}
	}
	if !validSegment(project) || !validSegment(stream) {
		return StreamPath{}, &ErrInvalidStreamPath{Raw: raw}
	}
	return StreamPath{Project: project, Stream: stream}, nil
}
