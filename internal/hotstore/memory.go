package hotstore

import (
	"context"
	"sync"
	"time"

	"github.com/durable-streams/streams-engine/internal/offsetv"
)

// MemStore is an in-memory Store, grounded on the teacher's MemoryStore
// (store/memory_store.go). It backs unit tests and any deployment that
// opts out of the DuckDB-backed implementation.
type MemStore struct {
	mu        sync.RWMutex
	meta      *StreamMeta
	ops       []Op
	segments  []Segment
	producers map[string]ProducerState
}

// NewMemStore returns an empty, uninitialized in-memory hot store.
func NewMemStore() *MemStore {
	return &MemStore{producers: make(map[string]ProducerState)}
}

func (s *MemStore) CreateStream(_ context.Context, meta StreamMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meta != nil {
		return nil // idempotent, matches DuckStore's ON CONFLICT DO NOTHING
	}
	m := meta
	s.meta = &m
	return nil
}

func (s *MemStore) GetStreamMeta(_ context.Context) (StreamMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.meta == nil {
		return StreamMeta{}, ErrNotInitialized{}
	}
	return *s.meta, nil
}

func (s *MemStore) UpdateStreamMeta(_ context.Context, meta StreamMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meta == nil {
		return ErrNotInitialized{}
	}
	m := meta
	s.meta = &m
	return nil
}

func (s *MemStore) Append(_ context.Context, in AppendInput) (offsetv.Offset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meta == nil {
		return offsetv.Offset{}, ErrNotInitialized{}
	}

	offset := s.meta.TailOffset
	newTail := offset.Add(uint64(len(in.Payload)))

	op := Op{Offset: offset, Payload: append([]byte(nil), in.Payload...), WriteTS: time.Now().UTC()}
	if in.HasProducer {
		op.HasProducer = true
		op.ProducerID = in.ProducerID
		op.ProducerEpoch = in.ProducerEpoch
		op.ProducerSeq = in.ProducerSeq
		s.producers[in.ProducerID] = ProducerState{Epoch: in.ProducerEpoch, Seq: in.ProducerSeq, LastUpdated: op.WriteTS}
	}
	s.ops = append(s.ops, op)

	s.meta.TailOffset = newTail
	s.meta.StreamSeq = newTail.StreamSeq
	if in.Close {
		s.meta.Closed = true
	}
	return offset, nil
}

func (s *MemStore) ListOps(_ context.Context, from offsetv.Offset, maxBytes int) ([]Op, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Op
	total := 0
	for _, op := range s.ops {
		if op.Offset.Less(from) {
			continue
		}
		if maxBytes > 0 && total > 0 && total+len(op.Payload) > maxBytes {
			break
		}
		out = append(out, cloneOp(op))
		total += len(op.Payload)
	}
	return out, nil
}

func (s *MemStore) OpsStats(_ context.Context, from offsetv.Offset) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st Stats
	for _, op := range s.ops {
		if op.Offset.Less(from) {
			continue
		}
		st.Count++
		st.TotalBytes += int64(len(op.Payload))
	}
	return st, nil
}

func (s *MemStore) AddSegment(_ context.Context, seg Segment, coveredFrom, coveredTo offsetv.Offset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.segments {
		if existing.StartSeq == seg.StartOffset.StreamSeq {
			seg = existing // already recorded; proceed to (re-)clear ops idempotently
			goto clear
		}
	}
	seg.StartSeq, seg.EndSeq = seg.StartOffset.StreamSeq, seg.EndOffset.StreamSeq
	s.segments = append(s.segments, seg)

clear:
	kept := s.ops[:0]
	for _, op := range s.ops {
		if op.Offset.Less(coveredFrom) || coveredTo.Less(op.Offset) {
			kept = append(kept, op)
		}
	}
	s.ops = kept
	return nil
}

func (s *MemStore) ListSegments(_ context.Context) ([]Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Segment, len(s.segments))
	copy(out, s.segments)
	return out, nil
}

func (s *MemStore) GetProducer(_ context.Context, producerID string) (ProducerState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.producers[producerID]
	if !ok {
		return ProducerState{}, ErrProducerNotFound{ProducerID: producerID}
	}
	return st, nil
}

func (s *MemStore) DeleteAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta = nil
	s.ops = nil
	s.segments = nil
	s.producers = make(map[string]ProducerState)
	return nil
}

func (s *MemStore) Close() error { return nil }

func cloneOp(op Op) Op {
	cp := op
	cp.Payload = append([]byte(nil), op.Payload...)
	return cp
}
