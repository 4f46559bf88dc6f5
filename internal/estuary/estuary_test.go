package estuary

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/durable-streams/streams-engine/internal/coldstore"
	"github.com/durable-streams/streams-engine/internal/engine"
	"github.com/durable-streams/streams-engine/internal/fanout"
	"github.com/durable-streams/streams-engine/internal/hotstore"
	"github.com/durable-streams/streams-engine/internal/offsetv"
	"github.com/durable-streams/streams-engine/internal/registry"
)

func testSetup(t *testing.T) (*engine.Manager, *Manager) {
	t.Helper()
	cold, err := coldstore.NewFSStore(t.TempDir())
	require.NoError(t, err)
	factory := func(offsetv.StreamPath) (hotstore.Store, error) { return hotstore.NewMemStore(), nil }
	em := engine.NewManager(factory, cold, registry.NewMemRegistry(), zap.NewNop())
	t.Cleanup(func() { em.Close() })

	subs := fanout.NewSubscriberRegistry(registry.NewMemKVStore())
	est := NewManager(em, subs, registry.NewMemKVStore(), zap.NewNop())
	t.Cleanup(est.Stop)
	return em, est
}

func createSource(t *testing.T, em *engine.Manager, project, stream string) {
	t.Helper()
	path, err := offsetv.ParseStreamPath(project + "/" + stream)
	require.NoError(t, err)
	actor, err := em.GetOrCreate(path)
	require.NoError(t, err)
	_, err = actor.Create(context.Background(), engine.CreateInput{ContentType: "text/plain", Public: true})
	require.NoError(t, err)
}

func TestSubscribeCreatesSinkStream(t *testing.T) {
	ctx := context.Background()
	em, est := testSetup(t)
	createSource(t, em, "p", "src")

	res, err := est.Subscribe(ctx, "p", "src", "", 3600)
	require.NoError(t, err)
	assert.NotEmpty(t, res.EstuaryID)
	assert.True(t, res.IsNewEstuary)
	assert.Equal(t, "p/src", res.SourceStreamID)

	sources, err := est.List("p", res.EstuaryID)
	require.NoError(t, err)
	assert.Equal(t, []string{"p/src"}, sources)
}

func TestSubscribeThenUnsubscribeRemovesSource(t *testing.T) {
	ctx := context.Background()
	em, est := testSetup(t)
	createSource(t, em, "p", "src")

	res, err := est.Subscribe(ctx, "p", "src", "estA", 3600)
	require.NoError(t, err)

	require.NoError(t, est.Unsubscribe(ctx, "p", "src", res.EstuaryID))
	sources, err := est.List("p", res.EstuaryID)
	require.NoError(t, err)
	assert.Empty(t, sources)
}

func TestExpireUnsubscribesAndDeletesSink(t *testing.T) {
	ctx := context.Background()
	em, est := testSetup(t)
	createSource(t, em, "p", "src")

	res, err := est.Subscribe(ctx, "p", "src", "estA", 3600)
	require.NoError(t, err)

	require.NoError(t, est.Delete(ctx, "p", res.EstuaryID))
	assert.Empty(t, est.subs.List("p/src"), "expected the estuary to be unsubscribed from its source")

	sinkPath, err := offsetv.ParseStreamPath("p/" + res.EstuaryID)
	require.NoError(t, err)
	sinkActor, err := em.GetOrCreate(sinkPath)
	require.NoError(t, err)
	_, err = sinkActor.Meta(ctx)
	assert.Error(t, err, "expected the sink stream to be deleted")
}

func TestSweepExpiresStaleEstuaries(t *testing.T) {
	ctx := context.Background()
	em, est := testSetup(t)
	createSource(t, em, "p", "src")

	res, err := est.Subscribe(ctx, "p", "src", "estA", 1)
	require.NoError(t, err)

	est.mu.Lock()
	st := est.estuaries[estKey("p", res.EstuaryID)]
	st.expiresAt = time.Now().Add(-time.Minute)
	est.mu.Unlock()

	est.sweep()

	_, err = est.List("p", res.EstuaryID)
	assert.Error(t, err)
}
