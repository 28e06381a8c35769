package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"pkt.systems/pslog"
)

func testLogger() pslog.Logger {
	return pslog.NewWithOptions(io.Discard, pslog.Options{
		Mode:     pslog.ModeStructured,
		NoColor:  true,
		MinLevel: pslog.InfoLevel,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func successEnvelope(data any) map[string]any {
	return map[string]any{"status": "success", "data": data}
}

func errorEnvelope(id int, message string) map[string]any {
	return map[string]any{"status": "error", "id": id, "message": message}
}

// frameHandler answers one socket request with a status code and body.
type frameHandler func(f socketFrame) (int, any)

// backend is a fake server: CSRF endpoint, routed HTTP handlers and a socket
// endpoint at /socket.
type backend struct {
	t   *testing.T
	srv *httptest.Server

	csrfHits  atomic.Int32
	csrfDelay atomic.Int64 // nanoseconds
	token     atomic.Value
	// rotate hands out "tok-<n>" for the n-th fetch instead of token.
	rotate atomic.Bool

	mu     sync.Mutex
	routes map[string]http.HandlerFunc
	calls  []string
	tokens []string
	frames frameHandler

	wsMu sync.Mutex
	ws   *websocket.Conn
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{t: t, routes: make(map[string]http.HandlerFunc)}
	b.token.Store("tok-1")
	b.srv = httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) handle(method, path string, h http.HandlerFunc) {
	b.mu.Lock()
	b.routes[method+" "+path] = h
	b.mu.Unlock()
}

func (b *backend) onFrame(h frameHandler) {
	b.mu.Lock()
	b.frames = h
	b.mu.Unlock()
}

// dispatched lists "METHOD /path" for every routed request, in arrival order.
func (b *backend) dispatched() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *backend) seenTokens() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.tokens...)
}

func (b *backend) serve(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/csrfToken":
		hit := b.csrfHits.Add(1)
		if d := time.Duration(b.csrfDelay.Load()); d > 0 {
			time.Sleep(d)
		}
		tok := b.token.Load().(string)
		if b.rotate.Load() {
			tok = fmt.Sprintf("tok-%d", hit)
		}
		writeJSON(w, http.StatusOK, map[string]string{"_csrf": tok})
		return
	case "/socket":
		b.serveSocket(w, r)
		return
	}

	key := r.Method + " " + r.URL.Path
	b.mu.Lock()
	b.calls = append(b.calls, key)
	if r.Method != http.MethodGet {
		b.tokens = append(b.tokens, r.Header.Get(CSRFHeader))
	}
	h := b.routes[key]
	b.mu.Unlock()

	if h == nil {
		http.NotFound(w, r)
		return
	}
	h(w, r)
}

func (b *backend) serveSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.t.Errorf("failed to upgrade: %v", err)
		return
	}
	b.wsMu.Lock()
	b.ws = conn
	b.wsMu.Unlock()
	defer conn.Close()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame socketFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			b.t.Errorf("bad frame: %v", err)
			return
		}
		b.mu.Lock()
		b.calls = append(b.calls, "SOCKET "+strings.ToUpper(frame.Method)+" "+frame.URL)
		h := b.frames
		b.mu.Unlock()

		status, body := http.StatusNotFound, any(map[string]string{"error": "no handler"})
		if h != nil {
			status, body = h(frame)
		}
		raw, _ := json.Marshal(body)
		reply, _ := json.Marshal(inboundFrame{ID: frame.ID, Body: raw, StatusCode: status})
		b.wsMu.Lock()
		err = conn.WriteMessage(websocket.TextMessage, reply)
		b.wsMu.Unlock()
		if err != nil {
			return
		}
	}
}

// push sends an unsolicited event to the connected socket client.
func (b *backend) push(event string, data any) {
	b.t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(b.t, err)
	frame, err := json.Marshal(inboundFrame{Event: event, Data: raw})
	require.NoError(b.t, err)

	b.wsMu.Lock()
	defer b.wsMu.Unlock()
	require.NotNil(b.t, b.ws, "socket not connected")
	require.NoError(b.t, b.ws.WriteMessage(websocket.TextMessage, frame))
}

func newTestClient(t *testing.T, b *backend, opts ...Option) *Client {
	t.Helper()
	cfg := Config{}
	if b != nil {
		cfg.BaseURL = b.srv.URL
	}
	cfg.Socket.ReconnectDelaySeconds = 1
	cfg.Socket.RequestTimeoutSeconds = 5
	c, err := New(cfg, append([]Option{WithLogger(testLogger())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

// counter is a Callback that records how often it fired.
type counter struct {
	mu    sync.Mutex
	calls int
	data  json.RawMessage
	err   error
}

func (c *counter) cb(data json.RawMessage, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.data, c.err = data, err
}

func (c *counter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}
