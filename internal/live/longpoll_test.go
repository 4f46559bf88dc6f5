package live

import (
	"testing"
	"time"

	"github.com/durable-streams/streams-engine/internal/offsetv"
)

func TestLongPollQueueNotifyWakesOlderWaiters(t *testing.T) {
	q := NewLongPollQueue()
	w1 := q.Register(offsetv.Zero)
	w2 := q.Register(offsetv.Offset{StreamSeq: 5, ByteOffset: 0})

	if q.Len() != 2 {
		t.Fatalf("expected 2 waiters, got %d", q.Len())
	}

	q.NotifyAppend(offsetv.Offset{StreamSeq: 3, ByteOffset: 0})

	select {
	case <-w1.Notify():
	case <-time.After(time.Second):
		t.Fatal("w1 should have been woken")
	}

	select {
	case <-w2.Notify():
		t.Fatal("w2 should not have been woken yet")
	default:
	}

	if q.Len() != 1 {
		t.Fatalf("expected 1 waiter remaining, got %d", q.Len())
	}
}

func TestLongPollQueueCancel(t *testing.T) {
	q := NewLongPollQueue()
	w := q.Register(offsetv.Zero)
	q.Cancel(w)
	if q.Len() != 0 {
		t.Fatalf("expected 0 waiters after cancel, got %d", q.Len())
	}
	q.NotifyAppend(offsetv.Offset{StreamSeq: 1})
}
