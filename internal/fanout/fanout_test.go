package fanout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/durable-streams/streams-engine/internal/coldstore"
	"github.com/durable-streams/streams-engine/internal/engine"
	"github.com/durable-streams/streams-engine/internal/fanout/queue"
	"github.com/durable-streams/streams-engine/internal/hotstore"
	"github.com/durable-streams/streams-engine/internal/offsetv"
	"github.com/durable-streams/streams-engine/internal/registry"
)

func testManager(t *testing.T) *engine.Manager {
	t.Helper()
	cold, err := coldstore.NewFSStore(t.TempDir())
	require.NoError(t, err)
	factory := func(offsetv.StreamPath) (hotstore.Store, error) { return hotstore.NewMemStore(), nil }
	m := engine.NewManager(factory, cold, registry.NewMemRegistry(), zap.NewNop())
	t.Cleanup(func() { m.Close() })
	return m
}

func createStream(t *testing.T, m *engine.Manager, project, stream string) {
	t.Helper()
	path, err := offsetv.ParseStreamPath(project + "/" + stream)
	require.NoError(t, err)
	actor, err := m.GetOrCreate(path)
	require.NoError(t, err)
	_, err = actor.Create(context.Background(), engine.CreateInput{ContentType: "text/plain", Public: true})
	require.NoError(t, err)
}

func TestSubscriberRegistryAddRemoveList(t *testing.T) {
	reg := NewSubscriberRegistry(registry.NewMemKVStore())
	ctx := context.Background()

	require.NoError(t, reg.AddSubscriber(ctx, "p/src", "a"))
	require.NoError(t, reg.AddSubscriber(ctx, "p/src", "b"))
	assert.ElementsMatch(t, []string{"a", "b"}, reg.List("p/src"))

	require.NoError(t, reg.RemoveSubscriber(ctx, "p/src", "a"))
	assert.Equal(t, []string{"b"}, reg.List("p/src"))
}

func TestDispatchInlineFanout(t *testing.T) {
	ctx := context.Background()
	m := testManager(t)
	createStream(t, m, "p", "src")
	createStream(t, m, "p", "a")
	createStream(t, m, "p", "b")

	subs := NewSubscriberRegistry(registry.NewMemKVStore())
	require.NoError(t, subs.AddSubscriber(ctx, "p/src", "a"))
	require.NoError(t, subs.AddSubscriber(ctx, "p/src", "b"))

	d := NewDispatcher(m, subs, nil, zap.NewNop())
	res, err := d.Publish(ctx, "p", "src", engine.AppendInput{Payload: []byte("ping"), ContentType: "text/plain"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.SubscriberCount)
	assert.Equal(t, 2, res.InlineSuccesses)
	assert.Equal(t, 0, res.InlineFailures)

	for _, sink := range []string{"a", "b"} {
		path, err := offsetv.ParseStreamPath("p/" + sink)
		require.NoError(t, err)
		actor, err := m.GetOrCreate(path)
		require.NoError(t, err)
		read, err := actor.Read(ctx, offsetv.Zero)
		require.NoError(t, err)
		require.Len(t, read.Payloads, 1)
		assert.Equal(t, "ping", string(read.Payloads[0]))
	}
}

func TestDispatchInlineStaleSubscriberIsRemoved(t *testing.T) {
	ctx := context.Background()
	m := testManager(t)
	createStream(t, m, "p", "src")
	// "ghost" is never created, so its append fails with StreamNotFound.

	subs := NewSubscriberRegistry(registry.NewMemKVStore())
	require.NoError(t, subs.AddSubscriber(ctx, "p/src", "ghost"))

	d := NewDispatcher(m, subs, nil, zap.NewNop())
	res, err := d.Publish(ctx, "p", "src", engine.AppendInput{Payload: []byte("ping"), ContentType: "text/plain"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.InlineSuccesses)
	assert.Equal(t, 1, res.InlineFailures)
	assert.Empty(t, subs.List("p/src"))
}

func TestDispatchQueuedPathBeyondMaxInline(t *testing.T) {
	ctx := context.Background()
	m := testManager(t)
	createStream(t, m, "p", "src")

	subs := NewSubscriberRegistry(registry.NewMemKVStore())
	d := NewDispatcher(m, subs, nil, zap.NewNop())
	d.maxInline = 1
	d.batchSize = 1
	require.NoError(t, subs.AddSubscriber(ctx, "p/src", "a"))
	require.NoError(t, subs.AddSubscriber(ctx, "p/src", "b"))
	createStream(t, m, "p", "a")
	createStream(t, m, "p", "b")

	received := make(chan queue.Batch, 8)
	q := queue.NewMemQueue(8, func(ctx context.Context, b queue.Batch) error {
		received <- b
		return d.ConsumeBatch(ctx, b)
	})
	t.Cleanup(func() { q.Close() })
	d.q = q

	res, err := d.Publish(ctx, "p", "src", engine.AppendInput{Payload: []byte("ping"), ContentType: "text/plain"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.QueuedBatches)

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for queued batch to be consumed")
		}
	}

	for _, sink := range []string{"a", "b"} {
		deadline := time.Now().Add(time.Second)
		for {
			path, err := offsetv.ParseStreamPath("p/" + sink)
			require.NoError(t, err)
			actor, err := m.GetOrCreate(path)
			require.NoError(t, err)
			read, err := actor.Read(ctx, offsetv.Zero)
			require.NoError(t, err)
			if len(read.Payloads) == 1 {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("sink %s never received the queued fan-out", sink)
			}
			time.Sleep(time.Millisecond)
		}
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker(2, time.Hour)
	assert.Equal(t, BreakerClosed, b.State())
	b.RecordFailure()
	assert.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerHalfOpenRecoversOnSuccess(t *testing.T) {
	b := NewBreaker(1, 10*time.Millisecond)
	b.RecordFailure()
	require.Equal(t, BreakerOpen, b.State())
	time.Sleep(20 * time.Millisecond)
	assert.True(t, b.Allow())
	b.RecordSuccess()
	assert.Equal(t, BreakerClosed, b.State())
}
