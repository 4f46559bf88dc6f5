package live

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// SSEWriteBufferLimit is the number of pending frames an SSE client may
// buffer before it is dropped as non-responsive (spec.md §4.6's
// "non-blocking back-pressure").
const SSEWriteBufferLimit = 64

// SSEControl is the JSON payload of a "control" frame.
type SSEControl struct {
	StreamNextOffset    string `json:"streamNextOffset"`
	StreamCursor        string `json:"streamCursor,omitempty"`
	StreamWriteTimestamp int64 `json:"streamWriteTimestamp,omitempty"`
	StreamClosed        *bool `json:"streamClosed,omitempty"`
	UpToDate            *bool `json:"upToDate,omitempty"`
}

// SSEClient is one registered SSE subscriber.
type SSEClient struct {
	id      string
	w       io.Writer
	flusher interface{ Flush() }
	base64  bool
	frames  chan []byte
	done    chan struct{}
	closeFn func()
	mu      sync.Mutex
	closed  bool
}

func (c *SSEClient) writeLoop() {
	for {
		select {
		case frame, ok := <-c.frames:
			if !ok {
				return
			}
			if _, err := c.w.Write(frame); err != nil {
				c.Close()
				return
			}
			if c.flusher != nil {
				c.flusher.Flush()
			}
		case <-c.done:
			return
		}
	}
}

// Close marks the client terminated and stops its write loop. Safe to call
// more than once.
func (c *SSEClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	if c.closeFn != nil {
		c.closeFn()
	}
}

// enqueue performs the fire-and-forget, non-blocking write described in
// spec.md §4.6. Returns false if the client's buffer was full and it was
// dropped.
func (c *SSEClient) enqueue(frame []byte) bool {
	select {
	case c.frames <- frame:
		return true
	default:
		c.Close()
		return false
	}
}

// SSERegistry is the map from client id to writer + serialization
// preference of spec.md §4.6.
type SSERegistry struct {
	mu      sync.Mutex
	clients map[string]*SSEClient
}

// NewSSERegistry returns an empty registry.
func NewSSERegistry() *SSERegistry {
	return &SSERegistry{clients: make(map[string]*SSEClient)}
}

// Register adds a client and starts its write loop. onClose (optional) is
// invoked once when the client is closed: dropped due to back-pressure,
// after a failed write, or on Unregister.
func (r *SSERegistry) Register(id string, w io.Writer, flusher interface{ Flush() }, base64Encoded bool, onClose func()) *SSEClient {
	c := &SSEClient{
		id:      id,
		w:       w,
		flusher: flusher,
		base64:  base64Encoded,
		frames:  make(chan []byte, SSEWriteBufferLimit),
		done:    make(chan struct{}),
		closeFn: onClose,
	}
	r.mu.Lock()
	r.clients[id] = c
	r.mu.Unlock()
	go c.writeLoop()
	return c
}

// Unregister removes and closes a client.
func (r *SSERegistry) Unregister(id string) {
	r.mu.Lock()
	c, ok := r.clients[id]
	delete(r.clients, id)
	r.mu.Unlock()
	if ok {
		c.Close()
	}
}

// BroadcastData encodes one "event: data" frame per client (applying
// base64 per client preference) and enqueues it without blocking.
func (r *SSERegistry) BroadcastData(payloads [][]byte) {
	r.mu.Lock()
	clients := make([]*SSEClient, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()

	for _, c := range clients {
		c.enqueue(FormatDataFrame(payloads, c.base64))
	}
}

// BroadcastControl sends a "control" frame to every client.
func (r *SSERegistry) BroadcastControl(ctrl SSEControl) {
	frame := FormatControlFrame(ctrl)
	r.mu.Lock()
	clients := make([]*SSEClient, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()
	for _, c := range clients {
		c.enqueue(frame)
	}
}

// Len reports the number of registered clients.
func (r *SSERegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// FormatDataFrame renders one "event: data" frame carrying payloads,
// base64-encoding each line when the client requires it. Exported so
// callers writing an initial catch-up backlog use the identical wire
// format the registry uses for subsequent live frames.
func FormatDataFrame(payloads [][]byte, base64Encoded bool) []byte {
	var buf []byte
	buf = append(buf, "event: data\n"...)
	for _, p := range payloads {
		line := p
		if base64Encoded {
			line = []byte(base64.StdEncoding.EncodeToString(p))
		}
		buf = append(buf, fmt.Sprintf("data: %s\n", line)...)
	}
	buf = append(buf, '\n')
	return buf
}

// FormatControlFrame renders one "event: control" frame.
func FormatControlFrame(ctrl SSEControl) []byte {
	body, _ := json.Marshal(ctrl)
	return []byte(fmt.Sprintf("event: control\ndata: %s\n\n", body))
}
