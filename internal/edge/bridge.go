package edge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/durable-streams/streams-engine/internal/live"
)

// Bridge implements spec.md §4.8's SSE-over-WebSocket bridge: for
// `GET ?live=sse`, the edge opens an internal WebSocket to the engine and
// translates each engine WS frame to an SSE `data` or `control` event, so
// the engine side only ever has to support hibernation-safe WebSocket
// writes.
type Bridge struct {
	w       http.ResponseWriter
	flusher http.Flusher
	base64  bool
}

// NewBridge wraps w for SSE writes. base64Encoded mirrors spec.md §4.5's
// "advertises base64 on binary streams" rule: the caller decides this once
// per request, from the stream's declared content type.
func NewBridge(w http.ResponseWriter, base64Encoded bool) (*Bridge, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("edge: response writer does not support flushing")
	}
	return &Bridge{w: w, flusher: flusher, base64: base64Encoded}, nil
}

// WriteHeader sends the SSE response preamble.
func (b *Bridge) WriteHeader(streamSSEDataEncoding string) {
	h := b.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	if streamSSEDataEncoding != "" {
		h.Set("Stream-SSE-Data-Encoding", streamSSEDataEncoding)
	}
	b.w.WriteHeader(http.StatusOK)
	b.flusher.Flush()
}

// Pump reads engine WS frames from frames until ctx is cancelled, the
// channel is closed, or a write to the client fails, translating each
// frame to an SSE event. Per spec.md §4.8, SSE writes to a closed client
// are non-fatal to the engine side: Pump simply returns.
func (b *Bridge) Pump(ctx context.Context, frames <-chan live.WSFrame) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			if err := b.writeFrame(frame); err != nil {
				return nil
			}
		}
	}
}

func (b *Bridge) writeFrame(frame live.WSFrame) error {
	switch frame.Type {
	case "data":
		return b.writeData(frame.Payload)
	case "control":
		return b.writeControl(frame.Payload)
	default:
		return nil
	}
}

func (b *Bridge) writeData(payload interface{}) error {
	raw, ok := payload.([]byte)
	if !ok {
		if s, ok := payload.(string); ok {
			raw = []byte(s)
		}
	}
	var line string
	if b.base64 {
		line = base64.StdEncoding.EncodeToString(raw)
	} else {
		line = string(raw)
	}
	if _, err := fmt.Fprintf(b.w, "event: data\ndata: %s\n\n", line); err != nil {
		return err
	}
	b.flusher.Flush()
	return nil
}

func (b *Bridge) writeControl(payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	if _, err := fmt.Fprintf(b.w, "event: control\ndata: %s\n\n", body); err != nil {
		return err
	}
	b.flusher.Flush()
	return nil
}
