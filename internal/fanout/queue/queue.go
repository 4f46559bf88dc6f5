// Package queue is the "queued batch consumer" interface of spec.md §6,
// used by the fan-out dispatcher's queued path (§4.7 step 4) when a
// publish has more than MAX_INLINE_FANOUT subscribers or the circuit
// breaker is open.
package queue

import (
	"context"
	"encoding/json"
	"sync"
)

// Batch is one queued fan-out unit: a batch of subscribers that should
// each receive the same payload, tagged with the fanout_seq the
// dispatcher assigned so redelivery-safe producer headers can be
// reconstructed by the consumer.
type Batch struct {
	Project        string   `json:"project"`
	SourceStream   string   `json:"source_stream"`
	SubscriberIDs  []string `json:"subscriber_ids"`
	Payload        []byte   `json:"payload"`
	ContentType    string   `json:"content_type"`
	FanoutSeq      uint64   `json:"fanout_seq"`
}

// Queue is the producer side consumed by the dispatcher.
type Queue interface {
	Send(ctx context.Context, batch Batch) error
	Close() error
}

// Handler processes one delivered Batch. ack/retry semantics are the
// caller's responsibility: a returned error means "retry", nil means
// "ack".
type Handler func(ctx context.Context, batch Batch) error

// MemQueue is an in-process, channel-backed Queue used as the default
// backend and in tests. A single goroutine drains it into Handler; an
// error the Handler returns is discarded and the batch is not redelivered.
type MemQueue struct {
	ch     chan Batch
	done   chan struct{}
	once   sync.Once
	handle Handler
}

// NewMemQueue starts a consumer goroutine calling handle for every sent
// batch. Capacity bounds how many batches may be buffered before Send
// blocks.
func NewMemQueue(capacity int, handle Handler) *MemQueue {
	q := &MemQueue{
		ch:     make(chan Batch, capacity),
		done:   make(chan struct{}),
		handle: handle,
	}
	go q.loop()
	return q
}

func (q *MemQueue) loop() {
	for {
		select {
		case b, ok := <-q.ch:
			if !ok {
				close(q.done)
				return
			}
			_ = q.handle(context.Background(), b)
		}
	}
}

func (q *MemQueue) Send(ctx context.Context, batch Batch) error {
	select {
	case q.ch <- batch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemQueue) Close() error {
	q.once.Do(func() { close(q.ch) })
	<-q.done
	return nil
}

func marshal(b Batch) ([]byte, error) { return json.Marshal(b) }
func unmarshal(raw []byte) (Batch, error) {
	var b Batch
	err := json.Unmarshal(raw, &b)
	return b, err
}
