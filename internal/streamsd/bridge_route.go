package streamsd

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/durable-streams/streams-engine/internal/edge"
	"github.com/durable-streams/streams-engine/internal/engine"
	"github.com/durable-streams/streams-engine/internal/engineerr"
	"github.com/durable-streams/streams-engine/internal/live"
	"github.com/durable-streams/streams-engine/internal/offsetv"
)

// internalDialer is reused across bridge connections, the pooling
// gorilla/websocket recommends for repeated dials to one host.
var internalDialer = websocket.DefaultDialer

// handleSSEBridge implements GET ?live=sse&transport=ws-bridge: the
// literal split-deployment path of spec.md §4.8, where the edge tier
// reaches the engine over an internal WebSocket and translates each
// live.WSFrame to an SSE event via edge.Bridge. handleSSE is the collapsed
// in-process shortcut used when this transport isn't requested.
// InternalWSBaseURL lets a real split deployment point this at a remote
// engine instance; the zero value dials back into this same process.
// start carries the caller's resolved catch-up offset through to the
// engine side so the bridge replays backlog before live frames, matching
// handleSSE's catch-up semantics.
func (h *Handler) handleSSEBridge(w http.ResponseWriter, r *http.Request, actor *engine.Stream, start offsetv.Offset) error {
	meta, err := actor.Meta(r.Context())
	if err != nil {
		return err
	}
	base64Encoded := requiresBase64(meta.ContentType)

	conn, _, err := internalDialer.DialContext(r.Context(), h.internalWSURL(r, actor.Path.Project+"/"+actor.Path.Stream, start), nil)
	if err != nil {
		return engineerr.New(engineerr.CodeInternal, "edge: could not reach engine over internal websocket: %v", err)
	}
	defer conn.Close()

	bridge, err := edge.NewBridge(w, base64Encoded)
	if err != nil {
		return err
	}
	encoding := ""
	if base64Encoded {
		encoding = "base64"
	}
	bridge.WriteHeader(encoding)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	frames := make(chan live.WSFrame)
	go func() {
		defer close(frames)
		for {
			var frame live.WSFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			select {
			case frames <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()
	return bridge.Pump(ctx, frames)
}

func (h *Handler) internalWSURL(r *http.Request, streamPath string, start offsetv.Offset) string {
	base := h.InternalWSBaseURL
	if base == "" {
		base = "ws://" + r.Host
	}
	return strings.TrimSuffix(base, "/") + "/v1/internal/ws/" + streamPath + "?offset=" + url.QueryEscape(start.String())
}
