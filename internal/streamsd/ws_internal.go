package streamsd

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/durable-streams/streams-engine/internal/engineerr"
	"github.com/durable-streams/streams-engine/internal/live"
	"github.com/durable-streams/streams-engine/internal/offsetv"
)

var internalUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleInternalWS implements GET /v1/internal/ws/<project>/<stream>: the
// engine side of spec.md §4.8's edge-to-engine WebSocket bridge. Before
// attaching to the stream's WSSet for live frames, it replays the same
// catch-up backlog a plain GET or the in-process handleSSE would (spec.md
// line 118/171's "same catch-up semantics"), resolved from the caller's
// ?offset. bridge_route.go is the dialer side.
func (h *Handler) handleInternalWS(w http.ResponseWriter, r *http.Request, rawPath string) error {
	path, err := offsetv.ParseStreamPath(rawPath)
	if err != nil {
		return engineerr.New(engineerr.CodeMissingProjectOrStreamID, "%v", err)
	}
	actor, err := h.Engine.GetOrCreate(path)
	if err != nil {
		return err
	}
	meta, err := actor.Meta(r.Context())
	if err != nil {
		return err
	}
	start, err := offsetv.Resolve(r.URL.Query().Get("offset"), meta.TailOffset)
	if err != nil {
		return engineerr.New(engineerr.CodeInvalidOffset, "%v", err)
	}

	conn, err := internalUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil
	}

	if backlog, rerr := actor.Read(r.Context(), start); rerr == nil {
		if len(backlog.Payloads) > 0 {
			_ = conn.WriteJSON(live.WSFrame{Type: "data", Payload: string(concatPayloads(backlog.Payloads))})
		}
		_ = conn.WriteJSON(live.WSFrame{Type: "control", Payload: map[string]any{"streamNextOffset": backlog.NextOffset.String()}})
	}

	id := clientID(r)
	actor.WS.Attach(id, conn)
	defer actor.WS.Detach(id)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return nil
		}
	}
}
