// Package httpapi binds the engine, fan-out, and estuary packages behind
// the HTTP surface of spec.md §6. Framing, CORS, and routing stay out of
// the engine's scope (spec.md §1); this package is the thin layer that
// owns them.
package streamsd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/durable-streams/streams-engine/internal/edge"
	"github.com/durable-streams/streams-engine/internal/engine"
	"github.com/durable-streams/streams-engine/internal/engineerr"
	"github.com/durable-streams/streams-engine/internal/estuary"
	"github.com/durable-streams/streams-engine/internal/fanout"
	"github.com/durable-streams/streams-engine/internal/offsetv"
)

// LongPollTimeout is the default deadline for a ?live=long-poll request.
const LongPollTimeout = 30 * time.Second

// Handler implements the protocol surface of spec.md §6 against an
// already-wired Manager set. It has no Caddy or stdlib-server dependency
// of its own; module.go and cmd/streamsd adapt it to each host.
type Handler struct {
	Engine  *engine.Manager
	Fanout  *fanout.Dispatcher
	Subs    *fanout.SubscriberRegistry
	Estuary *estuary.Manager
	Cache   *edge.Cache
	Coalesce *edge.Coalescer
	Logger  *zap.Logger

	// InternalWSBaseURL is the engine's internal WebSocket base, e.g.
	// "ws://engine-internal:8443". Empty dials back into this same
	// process (the default single-binary deployment).
	InternalWSBaseURL string
}

// ServeHTTP dispatches a request to the matching route handler. It never
// returns a transport error; all failures are written as spec.md §7 error
// bodies.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, HEAD, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Stream-Seq, Stream-TTL, Stream-Expires-At, Producer-Id, Producer-Epoch, Producer-Seq, If-None-Match")
	w.Header().Set("Access-Control-Expose-Headers", "Stream-Next-Offset, Stream-Cursor, Stream-Up-To-Date, Stream-Closed, Stream-Reader-Key, Stream-SSE-Data-Encoding, ETag, Location")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	path := r.URL.Path
	var err error
	switch {
	case strings.HasPrefix(path, "/v1/debug/streams/") && strings.HasSuffix(path, "/segments"):
		err = h.handleDebugSegments(w, r, strings.TrimSuffix(strings.TrimPrefix(path, "/v1/debug/streams/"), "/segments"))
	case strings.HasPrefix(path, "/v1/debug/fanout/") && strings.HasSuffix(path, "/subscribers"):
		err = h.handleDebugSubscribers(w, r, strings.TrimSuffix(strings.TrimPrefix(path, "/v1/debug/fanout/"), "/subscribers"))
	case strings.HasPrefix(path, "/v1/internal/ws/"):
		err = h.handleInternalWS(w, r, strings.TrimPrefix(path, "/v1/internal/ws/"))
	case strings.HasPrefix(path, "/v1/estuary/subscribe/"):
		err = h.handleEstuarySubscribeRoute(w, r, strings.TrimPrefix(path, "/v1/estuary/subscribe/"))
	case strings.HasPrefix(path, "/v1/estuary/"):
		err = h.handleEstuaryRoute(w, r, strings.TrimPrefix(path, "/v1/estuary/"))
	case strings.HasPrefix(path, "/v1/stream/"):
		err = h.handleStreamRoute(w, r, strings.TrimPrefix(path, "/v1/stream/"))
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		h.writeError(w, err)
	}
}

func (h *Handler) handleStreamRoute(w http.ResponseWriter, r *http.Request, rawPath string) error {
	path, err := offsetv.ParseStreamPath(rawPath)
	if err != nil {
		return engineerr.New(engineerr.CodeMissingProjectOrStreamID, "%v", err)
	}
	actor, err := h.Engine.GetOrCreate(path)
	if err != nil {
		return err
	}
	switch r.Method {
	case http.MethodPut:
		return h.handleCreate(w, r, actor)
	case http.MethodPost:
		return h.handleAppend(w, r, actor)
	case http.MethodGet:
		return h.handleRead(w, r, actor)
	case http.MethodHead:
		return h.handleHead(w, r, actor)
	case http.MethodDelete:
		return h.handleDelete(w, r, actor)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return nil
	}
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request, actor *engine.Stream) error {
	ttl, expiresAt, err := parseTTLHeaders(r.Header.Get(HeaderStreamTTL), r.Header.Get(HeaderStreamExpiresAt))
	if err != nil {
		return err
	}
	producer, err := engine.ParseProducerHeaders(r.Header.Get(HeaderProducerID), r.Header.Get(HeaderProducerEpoch), r.Header.Get(HeaderProducerSeq))
	if err != nil {
		return err
	}
	var body []byte
	if r.ContentLength != 0 {
		body, err = io.ReadAll(io.LimitReader(r.Body, engine.DefaultMaxPayloadBytes+1))
		if err != nil {
			return engineerr.New(engineerr.CodeInvalidContentLength, "failed to read body")
		}
	}

	res, err := actor.Create(r.Context(), engine.CreateInput{
		ContentType: r.Header.Get("Content-Type"),
		TTLSeconds:  ttl,
		ExpiresAt:   expiresAt,
		Body:        body,
		Close:       r.Header.Get(HeaderStreamClosed) == "true",
		Public:      r.URL.Query().Get("public") == "true",
		Producer:    producer,
	})
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", res.Meta.ContentType)
	w.Header().Set(HeaderStreamNextOffset, res.Meta.TailOffset.String())
	if res.ReaderKey != "" {
		w.Header().Set(HeaderStreamReaderKey, res.ReaderKey)
	}
	if res.Meta.Closed {
		w.Header().Set(HeaderStreamClosed, "true")
	}

	if res.Created {
		w.Header().Set("Location", requestURL(r))
		w.WriteHeader(http.StatusCreated)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	return nil
}

func (h *Handler) handleAppend(w http.ResponseWriter, r *http.Request, actor *engine.Stream) error {
	producer, err := engine.ParseProducerHeaders(r.Header.Get(HeaderProducerID), r.Header.Get(HeaderProducerEpoch), r.Header.Get(HeaderProducerSeq))
	if err != nil {
		return err
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, engine.DefaultMaxPayloadBytes+1))
	if err != nil {
		return engineerr.New(engineerr.CodeInvalidContentLength, "failed to read body")
	}

	in := engine.AppendInput{
		Payload:     body,
		ContentType: r.Header.Get("Content-Type"),
		Close:       r.Header.Get(HeaderStreamClosed) == "true",
		Producer:    producer,
	}

	var offset, streamSeq, receivedSeq string
	if h.Fanout != nil {
		// Every append checks the subscriber registry for its source path;
		// streams with no subscribers pay only a map lookup before
		// returning.
		published, perr := h.Fanout.Publish(r.Context(), actor.Path.Project, actor.Path.Stream, in)
		if perr != nil {
			return perr
		}
		offset = published.Offset
		streamSeq = strconv.FormatUint(published.StreamSeq, 10)
		if published.ProducerReceivedSeq != nil {
			receivedSeq = strconv.FormatInt(*published.ProducerReceivedSeq, 10)
		}
	} else {
		res, aerr := actor.Append(r.Context(), in)
		if aerr != nil {
			return aerr
		}
		offset = res.Offset.String()
		streamSeq = strconv.FormatUint(res.StreamSeq, 10)
		if res.ProducerReceivedSeq != nil {
			receivedSeq = strconv.FormatInt(*res.ProducerReceivedSeq, 10)
		}
	}

	h.Cache.Purge(edge.Key(r.URL))
	w.Header().Set(HeaderStreamNextOffset, offset)
	w.Header().Set(HeaderStreamSeq, streamSeq)
	if receivedSeq != "" {
		w.Header().Set(HeaderProducerReceivedSeq, receivedSeq)
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *Handler) handleHead(w http.ResponseWriter, r *http.Request, actor *engine.Stream) error {
	meta, err := actor.Meta(r.Context())
	if err != nil {
		return err
	}
	if err := checkReaderKey(meta.ReaderKey, r.URL.Query().Get("rk")); err != nil {
		return err
	}

	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set(HeaderStreamNextOffset, meta.TailOffset.String())
	w.Header().Set("Cache-Control", "no-store")
	if meta.Closed {
		w.Header().Set(HeaderStreamClosed, "true")
	}
	if meta.ExpiresAt != nil {
		w.Header().Set(HeaderStreamExpiresAt, strconv.FormatInt(meta.ExpiresAt.UnixMilli(), 10))
	}
	if meta.ReaderKey != "" {
		w.Header().Set(HeaderStreamReaderKey, meta.ReaderKey)
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, actor *engine.Stream) error {
	meta, err := actor.Meta(r.Context())
	if err != nil {
		return err
	}
	if err := checkReaderKey(meta.ReaderKey, r.URL.Query().Get("rk")); err != nil {
		return err
	}
	if err := actor.Delete(r.Context()); err != nil {
		return err
	}
	h.Cache.Purge(edge.Key(r.URL))
	h.Engine.Evict(actor.Path)
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.Path)
}

func parseTTLHeaders(ttlHeader, expiresHeader string) (*int64, *time.Time, error) {
	if ttlHeader != "" && expiresHeader != "" {
		return nil, nil, engineerr.New(engineerr.CodeInvalidExpiresAt, "cannot specify both Stream-TTL and Stream-Expires-At")
	}
	if ttlHeader != "" {
		v, err := strconv.ParseInt(ttlHeader, 10, 64)
		if err != nil {
			return nil, nil, engineerr.New(engineerr.CodeInvalidExpiresAt, "invalid Stream-TTL")
		}
		return &v, nil, nil
	}
	if expiresHeader != "" {
		ms, err := strconv.ParseInt(expiresHeader, 10, 64)
		if err != nil {
			return nil, nil, engineerr.New(engineerr.CodeInvalidExpiresAt, "invalid Stream-Expires-At")
		}
		t := time.UnixMilli(ms)
		return nil, &t, nil
	}
	return nil, nil, nil
}

func checkReaderKey(streamKey, provided string) error {
	if streamKey == "" {
		return nil
	}
	if provided == "" {
		return engineerr.New(engineerr.CodeUnauthorized, "stream requires ?rk=<reader_key>")
	}
	if provided != streamKey {
		return engineerr.New(engineerr.CodeForbidden, "invalid reader key")
	}
	return nil
}

func (h *Handler) handleDebugSegments(w http.ResponseWriter, r *http.Request, rawPath string) error {
	path, err := offsetv.ParseStreamPath(rawPath)
	if err != nil {
		return engineerr.New(engineerr.CodeMissingProjectOrStreamID, "%v", err)
	}
	actor, err := h.Engine.GetOrCreate(path)
	if err != nil {
		return err
	}
	if _, err := actor.Meta(r.Context()); err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]any{"stream": path.String()})
}

func (h *Handler) handleDebugSubscribers(w http.ResponseWriter, r *http.Request, rawPath string) error {
	path, err := offsetv.ParseStreamPath(rawPath)
	if err != nil {
		return engineerr.New(engineerr.CodeMissingProjectOrStreamID, "%v", err)
	}
	subs := h.Subs.List(path.String())
	return writeJSON(w, http.StatusOK, map[string]any{"subscribers": subs})
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, werr := w.Write(body)
	return werr
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var engErr *engineerr.Error
	if !errors.As(err, &engErr) {
		if e, ok := engineerr.As(err); ok {
			engErr = e
		}
	}
	if engErr == nil {
		h.Logger.Error("internal error", zap.Error(err))
		engErr = engineerr.New(engineerr.CodeInternal, "internal error")
	}
	w.Header().Set("Cache-Control", "no-store")
	for k, v := range engErr.Headers {
		w.Header().Set(k, v)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(engErr.Status)
	body, _ := json.Marshal(errorBody{Code: string(engErr.Code), Error: engErr.Message})
	_, _ = w.Write(body)
}
