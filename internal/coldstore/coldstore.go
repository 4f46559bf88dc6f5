// Package coldstore is the shared, content-addressed, write-once object
// store segments are rotated into (spec.md §4.3).
package coldstore

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by Get/OpenRange for a missing key.
var ErrNotFound = errors.New("coldstore: object not found")

// Store is the object-store contract consumed by the stream engine's
// rotation worker and catch-up read path.
type Store interface {
	// Put writes an object once. Keys are content-range-addressed
	// (spec.md §6), so a retried Put with the same key and bytes is safe.
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// Get returns the full object, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// OpenRange returns a reader over the object starting at byteOffset,
	// for resuming a catch-up read mid-segment.
	OpenRange(ctx context.Context, key string, byteOffset int64) (io.ReadCloser, error)

	// Delete removes an object. Deleting a missing key is not an error
	// (best-effort deletes per spec.md §4.4/§4.5).
	Delete(ctx context.Context, key string) error
}

// Key builds the object-store key for a rotated segment, per spec.md §6's
// persisted-state layout: "<project>/<stream>/segments/<start_seq>-<end_seq>.bin".
func Key(project, stream string, startSeq, endSeq uint64) string {
	return project + "/" + stream + "/segments/" + itoa(startSeq) + "-" + itoa(endSeq) + ".bin"
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
