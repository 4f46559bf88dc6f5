package engine

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/binary"
	"io"

	"github.com/durable-streams/streams-engine/internal/hotstore"
)

// lengthPrefixSize matches the teacher's segment file format: each
// message is [4-byte big-endian length][data], concatenated without
// separators.
const lengthPrefixSize = 4

// encodeLengthPrefixed serialises a run of ops into one cold-storage
// object body.
func encodeLengthPrefixed(ops []hotstore.Op) []byte {
	var total int
	for _, op := range ops {
		total += lengthPrefixSize + len(op.Payload)
	}
	buf := make([]byte, 0, total)
	var lenBuf [lengthPrefixSize]byte
	for _, op := range ops {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(op.Payload)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, op.Payload...)
	}
	return buf
}

// decodeLengthPrefixed reads whole messages from r until at least maxBytes
// of raw input (length prefixes included) has been consumed, or EOF.
// Returns the decoded payloads and
// the number of raw bytes consumed (including length prefixes).
func decodeLengthPrefixed(r io.Reader, maxBytes int64) ([][]byte, int64, error) {
	var payloads [][]byte
	var consumed int64
	var lenBuf [lengthPrefixSize]byte
	for consumed < maxBytes {
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if err == io.EOF {
				break
			}
			return payloads, consumed, err
		}
		length := binary.BigEndian.Uint32(lenBuf[:])
		data := make([]byte, length)
		if _, err := io.ReadFull(r, data); err != nil {
			return payloads, consumed, err
		}
		payloads = append(payloads, data)
		consumed += int64(lengthPrefixSize) + int64(length)
	}
	return payloads, consumed, nil
}

// randomToken returns a URL-safe random token of n base32-encoded bytes.
func randomToken(n int) string {
	raw := make([]byte, n)
	_, _ = rand.Read(raw)
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw)
}
