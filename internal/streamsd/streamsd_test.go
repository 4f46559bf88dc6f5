package streamsd

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/durable-streams/streams-engine/internal/coldstore"
	"github.com/durable-streams/streams-engine/internal/edge"
	"github.com/durable-streams/streams-engine/internal/engine"
	"github.com/durable-streams/streams-engine/internal/estuary"
	"github.com/durable-streams/streams-engine/internal/fanout"
	"github.com/durable-streams/streams-engine/internal/hotstore"
	"github.com/durable-streams/streams-engine/internal/offsetv"
	"github.com/durable-streams/streams-engine/internal/registry"
)

func testHandler(t *testing.T) *Handler {
	t.Helper()
	cold, err := coldstore.NewFSStore(t.TempDir())
	require.NoError(t, err)
	factory := func(offsetv.StreamPath) (hotstore.Store, error) { return hotstore.NewMemStore(), nil }
	reg := registry.NewMemRegistry()
	engineMgr := engine.NewManager(factory, cold, reg, zap.NewNop())
	t.Cleanup(func() { engineMgr.Close() })

	kv := registry.NewMemKVStore()
	subs := fanout.NewSubscriberRegistry(kv)
	dispatcher := fanout.NewDispatcher(engineMgr, subs, nil, zap.NewNop())
	estuaryMgr := estuary.NewManager(engineMgr, subs, kv, zap.NewNop())
	t.Cleanup(estuaryMgr.Stop)

	cache := edge.NewCache()
	coalescer := edge.NewCoalescer(cache, 0, 0, 0)

	return &Handler{
		Engine:   engineMgr,
		Fanout:   dispatcher,
		Subs:     subs,
		Estuary:  estuaryMgr,
		Cache:    cache,
		Coalesce: coalescer,
		Logger:   zap.NewNop(),
	}
}

func doRequest(h *Handler, method, target string, body string, headers map[string]string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestCreateAndReadStream(t *testing.T) {
	h := testHandler(t)

	w := doRequest(h, http.MethodPut, "/v1/stream/p/s1?public=true", "", map[string]string{"Content-Type": "text/plain"})
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.NotEmpty(t, w.Header().Get(HeaderStreamNextOffset))

	w = doRequest(h, http.MethodPost, "/v1/stream/p/s1", "hello", map[string]string{"Content-Type": "text/plain"})
	require.Equal(t, http.StatusOK, w.Code)
	nextOffset := w.Header().Get(HeaderStreamNextOffset)
	assert.NotEmpty(t, nextOffset)

	w = doRequest(h, http.MethodGet, "/v1/stream/p/s1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello", w.Body.String())
	assert.Equal(t, nextOffset, w.Header().Get(HeaderStreamNextOffset))
}

func TestAppendToMissingStreamReturnsNotFound(t *testing.T) {
	h := testHandler(t)
	w := doRequest(h, http.MethodPost, "/v1/stream/p/ghost", "x", map[string]string{"Content-Type": "text/plain"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHeadReportsMetadata(t *testing.T) {
	h := testHandler(t)
	doRequest(h, http.MethodPut, "/v1/stream/p/s2?public=true", "", map[string]string{"Content-Type": "application/json"})

	w := doRequest(h, http.MethodHead, "/v1/stream/p/s2", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}

func TestPrivateStreamRequiresReaderKey(t *testing.T) {
	h := testHandler(t)
	w := doRequest(h, http.MethodPut, "/v1/stream/p/private", "", map[string]string{"Content-Type": "text/plain"})
	require.Equal(t, http.StatusCreated, w.Code)
	readerKey := w.Header().Get(HeaderStreamReaderKey)
	require.NotEmpty(t, readerKey)

	w = doRequest(h, http.MethodGet, "/v1/stream/p/private", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(h, http.MethodGet, "/v1/stream/p/private?rk="+readerKey, "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDeleteStreamPurgesCache(t *testing.T) {
	h := testHandler(t)
	doRequest(h, http.MethodPut, "/v1/stream/p/gone?public=true", "", map[string]string{"Content-Type": "text/plain"})
	h.Cache.Put("/v1/stream/p/gone", &edge.CachedResponse{StatusCode: http.StatusOK}, 0)
	w := doRequest(h, http.MethodDelete, "/v1/stream/p/gone", "", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	_, cached := h.Cache.Get("/v1/stream/p/gone")
	assert.False(t, cached, "expected DELETE to purge the cached response")

	w = doRequest(h, http.MethodHead, "/v1/stream/p/gone", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEstuarySubscribeAndList(t *testing.T) {
	h := testHandler(t)
	doRequest(h, http.MethodPut, "/v1/stream/p/src?public=true", "", map[string]string{"Content-Type": "text/plain"})

	w := doRequest(h, http.MethodPost, "/v1/estuary/subscribe/p/src?estuary_id=e1", "", nil)
	require.Equal(t, http.StatusCreated, w.Code)

	w = doRequest(h, http.MethodGet, "/v1/estuary/p/e1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "p/src")

	w = doRequest(h, http.MethodDelete, "/v1/estuary/subscribe/p/src?estuary_id=e1", "", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestDebugSubscribersRoute(t *testing.T) {
	h := testHandler(t)
	doRequest(h, http.MethodPut, "/v1/stream/p/src2?public=true", "", map[string]string{"Content-Type": "text/plain"})
	doRequest(h, http.MethodPost, "/v1/estuary/subscribe/p/src2?estuary_id=e2", "", nil)

	w := doRequest(h, http.MethodGet, "/v1/debug/fanout/p/src2/subscribers", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "e2")
}

func TestOptionsPreflight(t *testing.T) {
	h := testHandler(t)
	w := doRequest(h, http.MethodOptions, "/v1/stream/p/s1", "", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestFanoutPublishesToSubscriber(t *testing.T) {
	h := testHandler(t)
	doRequest(h, http.MethodPut, "/v1/stream/p/src3?public=true", "", map[string]string{"Content-Type": "text/plain"})
	w := doRequest(h, http.MethodPost, "/v1/estuary/subscribe/p/src3?estuary_id=sink3", "", nil)
	require.Equal(t, http.StatusCreated, w.Code)

	w = doRequest(h, http.MethodHead, "/v1/stream/p/sink3", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	readerKey := w.Header().Get(HeaderStreamReaderKey)
	require.NotEmpty(t, readerKey)

	w = doRequest(h, http.MethodPost, "/v1/stream/p/src3", "payload", map[string]string{"Content-Type": "text/plain"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(h, http.MethodGet, "/v1/stream/p/sink3?rk="+readerKey, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "payload", w.Body.String())
}
