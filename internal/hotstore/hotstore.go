// Package hotstore is the per-stream embedded relational store described in
// spec.md §4.2: streams, ops, segments, and producers tables, one database
// per stream, owned exclusively by that stream's engine.Stream actor.
package hotstore

import (
	"context"
	"time"

	"github.com/durable-streams/streams-engine/internal/offsetv"
)

// StreamMeta is the `streams` table row.
type StreamMeta struct {
	ContentType string
	Closed      bool
	CreatedAt   time.Time
	ExpiresAt   *time.Time
	TailOffset  offsetv.Offset
	StreamSeq   uint64
	ReaderKey   string // empty when the stream is public
}

// Op is one `ops` table row — a single appended message.
type Op struct {
	Offset        offsetv.Offset
	Payload       []byte
	WriteTS       time.Time
	ProducerID    string
	ProducerEpoch int64
	ProducerSeq   int64
	HasProducer   bool
}

// Segment is one `segments` table row — a rotated, immutable range.
type Segment struct {
	Idx         int64
	StartOffset offsetv.Offset
	EndOffset   offsetv.Offset
	StartSeq    uint64
	EndSeq      uint64
	ByteLen     int64
	ObjectKey   string
	ContentType string
}

// ProducerState is one `producers` table row.
type ProducerState struct {
	Epoch       int64
	Seq         int64
	LastUpdated time.Time
}

// AppendInput bundles everything one Append transaction needs.
type AppendInput struct {
	Payload       []byte
	ProducerID    string
	ProducerEpoch int64
	ProducerSeq   int64
	HasProducer   bool
	Close         bool
}

// Stats summarizes the hot ops from a given offset, used by the rotation
// worker to decide whether SEGMENT_MAX_MESSAGES/SEGMENT_MAX_BYTES is
// exceeded without loading payload bytes into memory.
type Stats struct {
	Count      int64
	TotalBytes int64
}

// Store is the hot-storage contract for a single stream. One Store
// instance is owned exclusively by one engine.Stream actor; nothing else
// may touch it concurrently.
type Store interface {
	// CreateStream initializes the `streams` row. Called once, before any
	// Append. On an already-initialized store it returns nil and keeps the
	// existing row (the engine checks existence with GetStreamMeta first).
	CreateStream(ctx context.Context, meta StreamMeta) error

	// GetStreamMeta returns the current stream row, or ErrNotInitialized
	// if CreateStream was never called on this store.
	GetStreamMeta(ctx context.Context) (StreamMeta, error)

	// UpdateStreamMeta persists changes to mutable stream fields (closed,
	// tail, stream_seq, expires_at).
	UpdateStreamMeta(ctx context.Context, meta StreamMeta) error

	// Append inserts one op row and advances tail_offset/stream_seq in a
	// single transaction, optionally upserting producer state and marking
	// the stream closed. Returns the newly assigned offset.
	Append(ctx context.Context, in AppendInput) (offsetv.Offset, error)

	// ListOps returns ops at or after from, in order, up to maxBytes of
	// cumulative payload. The first op is always returned even if it alone
	// exceeds maxBytes; maxBytes <= 0 means no cap.
	ListOps(ctx context.Context, from offsetv.Offset, maxBytes int) ([]Op, error)

	// OpsStats computes Stats over ops at or after `from`, for rotation
	// threshold checks.
	OpsStats(ctx context.Context, from offsetv.Offset) (Stats, error)

	// AddSegment atomically records a new segment row and deletes the ops
	// it covers ([start, end] inclusive). Idempotent: if a segment with
	// the same StartSeq already exists, no second row is recorded and the
	// covered ops are still deleted (see spec.md §4.5's crash-recovery note).
	AddSegment(ctx context.Context, seg Segment, coveredFrom, coveredTo offsetv.Offset) error

	// ListSegments returns all segments in ascending order.
	ListSegments(ctx context.Context) ([]Segment, error)

	// GetProducer returns the state for (streamID, producerID), or
	// ErrProducerNotFound.
	GetProducer(ctx context.Context, producerID string) (ProducerState, error)

	// DeleteAll drops every table's rows for this stream. Used by
	// engine.Delete.
	DeleteAll(ctx context.Context) error

	// Close releases the underlying database handle.
	Close() error
}

// ErrNotInitialized is returned by GetStreamMeta before CreateStream.
type ErrNotInitialized struct{}

func (ErrNotInitialized) Error() string { return "hotstore: stream not initialized" }

// ErrProducerNotFound is returned by GetProducer for an unseen producer id.
type ErrProducerNotFound struct{ ProducerID string }

func (e ErrProducerNotFound) Error() string { return "hotstore: no producer state for " + e.ProducerID }
