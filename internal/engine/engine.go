// Package engine implements the single-writer-per-stream actor of
// spec.md §4.5: one Stream instance owns hot storage for its path,
// serialises mutations, and serves reads by merging cold segments, hot
// ops, and live waiters.
package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/durable-streams/streams-engine/internal/coldstore"
	"github.com/durable-streams/streams-engine/internal/engineerr"
	"github.com/durable-streams/streams-engine/internal/hotstore"
	"github.com/durable-streams/streams-engine/internal/live"
	"github.com/durable-streams/streams-engine/internal/offsetv"
	"github.com/durable-streams/streams-engine/internal/registry"
)

const (
	// DefaultMaxPayloadBytes is spec.md §4.5's "default cap ≈ 1 MiB".
	DefaultMaxPayloadBytes = 1 << 20
	// SegmentMaxMessages triggers rotation once hot storage holds this
	// many ops from the oldest un-rotated offset.
	SegmentMaxMessages = 1000
	// SegmentMaxBytes triggers rotation once hot storage holds this many
	// bytes from the oldest un-rotated offset.
	SegmentMaxBytes = 4 << 20
	// ActorIdleTTL is how long a Stream actor may sit unused in the
	// Manager before it is evicted (spec.md §9's keyed actor map).
	ActorIdleTTL = 10 * time.Minute
	// readByteCap bounds one catch-up read response.
	readByteCap = 1 << 20
)

// Stream is the per-path actor. All mutating operations take s.mu so at
// most one mutation runs at a time; reads do not take the actor lock,
// relying on the hot/cold store's own concurrency safety for a
// consistent snapshot.
type Stream struct {
	Path offsetv.StreamPath

	hot      hotstore.Store
	cold     coldstore.Store
	reg      registry.Registry
	logger   *zap.Logger
	clock    func() time.Time

	mu           sync.Mutex
	lastActivity time.Time

	LongPoll *live.LongPollQueue
	SSE      *live.SSERegistry
	WS       *live.WSSet
}

// NewStream constructs an actor for path backed by hot, cold and reg.
func NewStream(path offsetv.StreamPath, hot hotstore.Store, cold coldstore.Store, reg registry.Registry, logger *zap.Logger) *Stream {
	return &Stream{
		Path:         path,
		hot:          hot,
		cold:         cold,
		reg:          reg,
		logger:       logger,
		clock:        time.Now,
		lastActivity: time.Now(),
		LongPoll:     live.NewLongPollQueue(),
		SSE:          live.NewSSERegistry(),
		WS:           live.NewWSSet(),
	}
}

func (s *Stream) touch() { s.lastActivity = s.clock() }

// IdleSince reports how long the actor has been idle.
func (s *Stream) IdleSince() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock().Sub(s.lastActivity)
}

// CreateInput is the PUT request body, spec.md §4.5 "Create".
type CreateInput struct {
	ContentType string
	TTLSeconds  *int64
	ExpiresAt   *time.Time
	Body        []byte
	Close       bool
	Public      bool
	Producer    ProducerHeaders
}

// CreateResult reports whether a new stream was created or an existing
// one matched idempotently.
type CreateResult struct {
	Created   bool
	Meta      hotstore.StreamMeta
	ReaderKey string
}

// Create implements PUT: idempotent on exact (content-type, closed,
// ttl/expires) match, otherwise a conflict.
func (s *Stream) Create(ctx context.Context, in CreateInput) (*CreateResult, error) {
	if in.TTLSeconds != nil && in.ExpiresAt != nil {
		return nil, engineerr.New(engineerr.CodeInvalidExpiresAt, "Stream-TTL and Stream-Expires-At are mutually exclusive")
	}
	contentType := in.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	var expiresAt *time.Time
	if in.ExpiresAt != nil {
		if in.ExpiresAt.Before(s.clock()) {
			return nil, engineerr.New(engineerr.CodeInvalidExpiresAt, "Stream-Expires-At is in the past")
		}
		expiresAt = in.ExpiresAt
	} else if in.TTLSeconds != nil {
		if *in.TTLSeconds < 0 {
			return nil, engineerr.New(engineerr.CodeInvalidExpiresAt, "Stream-TTL must be non-negative")
		}
		t := s.clock().Add(time.Duration(*in.TTLSeconds) * time.Second)
		expiresAt = &t
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	existing, err := s.hot.GetStreamMeta(ctx)
	switch {
	case err == nil:
		if !strings.EqualFold(strings.TrimSpace(existing.ContentType), strings.TrimSpace(contentType)) {
			return nil, engineerr.New(engineerr.CodeContentTypeMismatch, "stream exists with content-type %q", existing.ContentType)
		}
		if existing.Closed != in.Close {
			return nil, engineerr.New(engineerr.CodeStreamClosedStatusMismatch, "stream exists with closed=%v", existing.Closed)
		}
		if !sameExpiry(existing.ExpiresAt, expiresAt) {
			return nil, engineerr.New(engineerr.CodeStreamTTLMismatch, "stream exists with a different expiry")
		}
		return &CreateResult{Created: false, Meta: existing, ReaderKey: existing.ReaderKey}, nil

	case isNotInitialized(err):
		readerKey := ""
		if !in.Public {
			readerKey = newReaderKey()
		}
		meta := hotstore.StreamMeta{
			ContentType: contentType,
			Closed:      false,
			CreatedAt:   s.clock(),
			ExpiresAt:   expiresAt,
			ReaderKey:   readerKey,
		}
		if err := s.hot.CreateStream(ctx, meta); err != nil {
			return nil, err
		}
		switch {
		case len(in.Body) > 0:
			if _, err := s.appendLocked(ctx, AppendInput{Payload: in.Body, ContentType: contentType, Close: in.Close, Producer: in.Producer}); err != nil {
				return nil, err
			}
		case in.Close:
			meta.Closed = true
			if err := s.hot.UpdateStreamMeta(ctx, meta); err != nil {
				return nil, err
			}
		}
		final, err := s.hot.GetStreamMeta(ctx)
		if err != nil {
			return nil, err
		}
		_ = s.reg.PutStream(ctx, s.Path.String(), registry.StreamRecord{
			Public:      in.Public,
			ContentType: contentType,
			CreatedAt:   s.clock().UnixMilli(),
			ReaderKey:   readerKey,
		})
		return &CreateResult{Created: true, Meta: final, ReaderKey: readerKey}, nil

	default:
		return nil, err
	}
}

func sameExpiry(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func isNotInitialized(err error) bool {
	_, ok := err.(hotstore.ErrNotInitialized)
	return ok
}

// AppendInput is the POST request body, spec.md §4.5 "Append".
type AppendInput struct {
	Payload     []byte
	ContentType string
	Close       bool
	Producer    ProducerHeaders
}

// AppendResult carries the headers POST responds with.
type AppendResult struct {
	Offset              offsetv.Offset
	StreamSeq           uint64
	ProducerReceivedSeq *int64
}

// Append implements POST.
func (s *Stream) Append(ctx context.Context, in AppendInput) (*AppendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()
	return s.appendLocked(ctx, in)
}

func (s *Stream) appendLocked(ctx context.Context, in AppendInput) (*AppendResult, error) {
	meta, err := s.hot.GetStreamMeta(ctx)
	if err != nil {
		if isNotInitialized(err) {
			return nil, engineerr.New(engineerr.CodeStreamNotFound, "stream %s does not exist", s.Path.String())
		}
		return nil, err
	}
	if meta.Closed {
		return nil, engineerr.New(engineerr.CodeStreamClosed, "stream is closed")
	}
	if meta.ExpiresAt != nil && meta.ExpiresAt.Before(s.clock()) {
		return nil, engineerr.New(engineerr.CodeStreamNotFound, "stream has expired")
	}
	if len(in.Payload) == 0 && !in.Close {
		return nil, engineerr.New(engineerr.CodeEmptyBody, "payload may only be empty when close=true")
	}
	if len(in.Payload) > DefaultMaxPayloadBytes {
		return nil, engineerr.New(engineerr.CodePayloadTooLarge, "payload exceeds %d bytes", DefaultMaxPayloadBytes)
	}
	if in.ContentType != "" && !strings.EqualFold(strings.TrimSpace(in.ContentType), strings.TrimSpace(meta.ContentType)) {
		return nil, engineerr.New(engineerr.CodeContentTypeMismatch, "content-type %q does not match stream content-type %q", in.ContentType, meta.ContentType)
	}

	input := hotstore.AppendInput{Payload: in.Payload, Close: in.Close}
	var receivedSeq *int64

	if in.Producer.Present {
		prior, err := s.hot.GetProducer(ctx, in.Producer.ID)
		hadPrior := true
		if err != nil {
			if _, ok := err.(hotstore.ErrProducerNotFound); ok {
				hadPrior = false
			} else {
				return nil, err
			}
		}
		outcome, err := ValidateProducer(in.Producer, prior, hadPrior)
		if err != nil {
			return nil, err
		}
		if outcome.Duplicate {
			seq := outcome.LastSeq
			return &AppendResult{Offset: meta.TailOffset, StreamSeq: meta.StreamSeq, ProducerReceivedSeq: &seq}, nil
		}
		input.ProducerID = in.Producer.ID
		input.ProducerEpoch = in.Producer.Epoch
		input.ProducerSeq = in.Producer.Seq
		input.HasProducer = true
		receivedSeq = &in.Producer.Seq
	}

	_, err = s.hot.Append(ctx, input)
	if err != nil {
		return nil, err
	}
	newMeta, err := s.hot.GetStreamMeta(ctx)
	if err != nil {
		return nil, err
	}

	s.LongPoll.NotifyAppend(newMeta.TailOffset)
	if len(in.Payload) > 0 {
		s.SSE.BroadcastData([][]byte{in.Payload})
		s.WS.Broadcast(live.WSFrame{Type: "data", Payload: string(in.Payload)})
	}
	closedVal := newMeta.Closed
	ctrl := live.SSEControl{StreamNextOffset: newMeta.TailOffset.String(), StreamWriteTimestamp: s.clock().UnixMilli()}
	if closedVal {
		ctrl.StreamClosed = &closedVal
	}
	s.SSE.BroadcastControl(ctrl)

	s.maybeRotate(ctx)

	return &AppendResult{Offset: newMeta.TailOffset, StreamSeq: newMeta.StreamSeq, ProducerReceivedSeq: receivedSeq}, nil
}

// ReadResult is the catch-up read response.
type ReadResult struct {
	Payloads   [][]byte
	NextOffset offsetv.Offset
	UpToDate   bool
	Closed     bool
	Cursor     string
}

// Meta returns the stream's current metadata, for callers (HEAD, estuary
// subscribe) that need stream facts without paying for a catch-up read.
func (s *Stream) Meta(ctx context.Context) (hotstore.StreamMeta, error) {
	meta, err := s.hot.GetStreamMeta(ctx)
	if err != nil {
		if isNotInitialized(err) {
			return hotstore.StreamMeta{}, engineerr.New(engineerr.CodeStreamNotFound, "stream %s does not exist", s.Path.String())
		}
		return hotstore.StreamMeta{}, err
	}
	if meta.ExpiresAt != nil && meta.ExpiresAt.Before(s.clock()) {
		return hotstore.StreamMeta{}, engineerr.New(engineerr.CodeStreamNotFound, "stream has expired")
	}
	return meta, nil
}

// Read implements the catch-up portion of GET: resolve start, open a
// rotated segment if start falls within one, otherwise read hot ops, up
// to readByteCap bytes total.
func (s *Stream) Read(ctx context.Context, start offsetv.Offset) (*ReadResult, error) {
	meta, err := s.hot.GetStreamMeta(ctx)
	if err != nil {
		if isNotInitialized(err) {
			return nil, engineerr.New(engineerr.CodeStreamNotFound, "stream %s does not exist", s.Path.String())
		}
		return nil, err
	}
	if meta.ExpiresAt != nil && meta.ExpiresAt.Before(s.clock()) {
		return nil, engineerr.New(engineerr.CodeStreamNotFound, "stream has expired")
	}
	if offsetv.Compare(start, meta.TailOffset) > 0 {
		return nil, engineerr.New(engineerr.CodeOffsetBeyondTail, "offset is beyond the stream tail")
	}

	var payloads [][]byte
	next := start
	byteBudget := int64(readByteCap)

	segments, err := s.hot.ListSegments(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].Idx < segments[j].Idx })

	for _, seg := range segments {
		if byteBudget <= 0 {
			break
		}
		if offsetv.Compare(start, seg.EndOffset) >= 0 {
			continue
		}
		if offsetv.Compare(start, seg.StartOffset) > 0 {
			// start falls inside this segment's byte range: emit from the
			// requested byte onward.
			segPayloads, consumed, err := s.readSegmentFrom(ctx, seg, start.ByteOffset-seg.StartOffset.ByteOffset, byteBudget)
			if err != nil {
				return nil, err
			}
			payloads = append(payloads, segPayloads...)
			byteBudget -= consumed
			next = seg.EndOffset
			continue
		}
		segPayloads, consumed, err := s.readSegmentFrom(ctx, seg, 0, byteBudget)
		if err != nil {
			return nil, err
		}
		payloads = append(payloads, segPayloads...)
		byteBudget -= consumed
		next = seg.EndOffset
	}

	ops, err := s.hot.ListOps(ctx, next, int(byteBudget))
	if err != nil {
		return nil, err
	}
	for _, op := range ops {
		payloads = append(payloads, op.Payload)
		next = op.Offset.Add(uint64(len(op.Payload)))
	}

	return &ReadResult{
		Payloads:   payloads,
		NextOffset: next,
		UpToDate:   next.Equal(meta.TailOffset),
		Closed:     meta.Closed,
	}, nil
}

func (s *Stream) readSegmentFrom(ctx context.Context, seg hotstore.Segment, fromByte uint64, maxBytes int64) ([][]byte, int64, error) {
	rc, err := s.cold.OpenRange(ctx, seg.ObjectKey, int64(fromByte))
	if err != nil {
		if err == coldstore.ErrNotFound {
			return nil, 0, engineerr.New(engineerr.CodeSegmentMissing, "segment %s is missing from cold storage", seg.ObjectKey)
		}
		return nil, 0, engineerr.New(engineerr.CodeSegmentUnavailable, "segment %s unavailable: %v", seg.ObjectKey, err)
	}
	defer rc.Close()

	payloads, n, err := decodeLengthPrefixed(rc, maxBytes)
	if err != nil {
		return nil, 0, engineerr.New(engineerr.CodeSegmentTruncated, "segment %s is truncated: %v", seg.ObjectKey, err)
	}
	return payloads, n, nil
}

// maybeRotate moves the oldest qualifying run of hot ops into one cold
// segment once SegmentMaxMessages or SegmentMaxBytes is reached. Must be
// called with s.mu held.
func (s *Stream) maybeRotate(ctx context.Context) {
	stats, err := s.hot.OpsStats(ctx, offsetv.Zero)
	if err != nil {
		s.logger.Warn("rotation stats failed", zap.Error(err), zap.String("stream", s.Path.String()))
		return
	}
	if stats.Count < SegmentMaxMessages && stats.TotalBytes < SegmentMaxBytes {
		return
	}

	ops, err := s.hot.ListOps(ctx, offsetv.Zero, 0)
	if err != nil || len(ops) == 0 {
		return
	}
	cut := len(ops)
	if cut > SegmentMaxMessages {
		cut = SegmentMaxMessages
	}
	var total int64
	for i, op := range ops {
		total += int64(len(op.Payload))
		if total > SegmentMaxBytes {
			cut = i
			break
		}
	}
	if cut == 0 {
		cut = 1
	}
	rotating := ops[:cut]

	body := encodeLengthPrefixed(rotating)
	meta, err := s.hot.GetStreamMeta(ctx)
	if err != nil {
		return
	}
	key := coldstore.Key(s.Path.Project, s.Path.Stream, firstSeqOf(rotating), lastSeqOf(rotating))

	if err := s.cold.Put(ctx, key, body, meta.ContentType); err != nil {
		s.logger.Error("rotation cold-store write failed", zap.Error(err), zap.String("stream", s.Path.String()))
		return
	}

	segs, _ := s.hot.ListSegments(ctx)
	seg := hotstore.Segment{
		Idx:         int64(len(segs)),
		StartOffset: rotating[0].Offset,
		EndOffset:   rotating[len(rotating)-1].Offset,
		StartSeq:    firstSeqOf(rotating),
		EndSeq:      lastSeqOf(rotating),
		ByteLen:     int64(len(body)),
		ObjectKey:   key,
		ContentType: meta.ContentType,
	}
	if err := s.hot.AddSegment(ctx, seg, rotating[0].Offset, rotating[len(rotating)-1].Offset); err != nil {
		s.logger.Error("rotation hot-store commit failed", zap.Error(err), zap.String("stream", s.Path.String()))
	}
}

func firstSeqOf(ops []hotstore.Op) uint64 { return ops[0].Offset.StreamSeq }
func lastSeqOf(ops []hotstore.Op) uint64  { return ops[len(ops)-1].Offset.StreamSeq }

// Delete implements DELETE: drop hot storage, best-effort delete every
// segment from cold storage, clear the registry entry, and evict live
// waiters with a stream_closed control frame.
func (s *Stream) Delete(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	if _, err := s.hot.GetStreamMeta(ctx); err != nil {
		if isNotInitialized(err) {
			return engineerr.New(engineerr.CodeStreamNotFound, "stream %s does not exist", s.Path.String())
		}
		return err
	}

	segments, err := s.hot.ListSegments(ctx)
	if err == nil {
		for _, seg := range segments {
			if derr := s.cold.Delete(ctx, seg.ObjectKey); derr != nil {
				s.logger.Warn("best-effort segment delete failed", zap.Error(derr), zap.String("key", seg.ObjectKey))
			}
		}
	}

	if err := s.hot.DeleteAll(ctx); err != nil {
		return err
	}

	closedVal := true
	s.SSE.BroadcastControl(live.SSEControl{StreamClosed: &closedVal})
	s.WS.Broadcast(live.WSFrame{Type: "control", Payload: map[string]bool{"streamClosed": true}})

	// DeleteStream implementations own the retry-with-backoff policy of
	// spec.md §4.4; a failure here leaves the registry entry stale, which
	// the engine tolerates because its own lookups go to hot storage.
	if err := s.reg.DeleteStream(ctx, s.Path.String()); err != nil {
		s.logger.Warn("registry delete failed, entry left stale", zap.Error(err), zap.String("path", s.Path.String()))
	}
	return nil
}

func newReaderKey() string {
	return fmt.Sprintf("rk_%s", randomToken(24))
}
