package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait             = 10 * time.Second
	defaultRequestTimeout = 30 * time.Second
	defaultReconnectDelay = 5 * time.Second
)

var errSocketNotConnected = errors.New("socket not connected")

// socketFrame is a request sent to the server.
type socketFrame struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	URL    string          `json:"url"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// inboundFrame is either a reply (ID set) or an unsolicited event (Event set).
type inboundFrame struct {
	ID         string            `json:"id,omitempty"`
	Body       json.RawMessage   `json:"body,omitempty"`
	StatusCode int               `json:"statusCode,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Event      string            `json:"event,omitempty"`
	Data       json.RawMessage   `json:"data,omitempty"`
}

type socketReply struct {
	frame inboundFrame
	err   error
}

// Socket is the persistent WebSocket channel to the backend and the request
// pipeline that runs over it. It also implements Listener for the Router.
type Socket struct {
	ctx            context.Context
	dialer         *websocket.Dialer
	requestTimeout time.Duration
	reconnectDelay time.Duration
	pipe           *pipeline

	ws        *websocket.Conn
	wsMu      sync.Mutex
	connected atomic.Bool
	inflight  sync.Map // request id -> chan socketReply

	lmu       sync.RWMutex
	listeners map[string][]func(json.RawMessage)
	onConnect []func()
}

// Connected reports whether the channel is currently open.
func (s *Socket) Connected() bool {
	return s.connected.Load()
}

// On registers fn for unsolicited events named message. Names are matched
// case-insensitively.
func (s *Socket) On(message string, fn func(data json.RawMessage)) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	if s.listeners == nil {
		s.listeners = make(map[string][]func(json.RawMessage))
	}
	key := strings.ToLower(message)
	s.listeners[key] = append(s.listeners[key], fn)
}

// OnConnect registers fn to run, on its own goroutine, after every successful
// dial.
func (s *Socket) OnConnect(fn func()) {
	s.lmu.Lock()
	s.onConnect = append(s.onConnect, fn)
	s.lmu.Unlock()
}

// Connect dials url once and starts the read pump.
func (s *Socket) Connect(ctx context.Context, url string) error {
	_, err := s.connect(ctx, url)
	return err
}

// Run keeps the channel open until ctx is done, redialing after every
// disconnect.
func (s *Socket) Run(ctx context.Context, url string) {
	s.pipe.log.Info("socket manager started", "url", url)
	for {
		select {
		case <-ctx.Done():
			s.pipe.log.Info("socket manager stopping", "url", url)
			return
		default:
		}

		closed, err := s.connect(ctx, url)
		if err != nil {
			s.pipe.log.Warn("socket dial failed", "url", url, "err", err, "retry_in", s.reconnectDelay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.reconnectDelay):
			}
			continue
		}

		select {
		case <-closed:
			s.pipe.log.Info("socket disconnected", "url", url)
		case <-ctx.Done():
			s.Close()
			<-closed
			return
		}
	}
}

// Close shuts the current connection. Outstanding requests fail with a
// TransportError.
func (s *Socket) Close() {
	s.wsMu.Lock()
	ws := s.ws
	s.wsMu.Unlock()
	if ws != nil {
		_ = ws.Close()
	}
}

func (s *Socket) connect(ctx context.Context, url string) (<-chan struct{}, error) {
	s.wsMu.Lock()
	if s.ws != nil {
		s.wsMu.Unlock()
		return nil, errors.New("socket already connected")
	}
	ws, resp, err := s.dialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		s.wsMu.Unlock()
		if resp != nil {
			return nil, fmt.Errorf("dial failed: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	s.ws = ws
	s.connected.Store(true)
	s.wsMu.Unlock()

	s.pipe.log.Info("socket connected", "url", url)
	closed := make(chan struct{})
	go s.readPump(ws, closed)

	s.lmu.RLock()
	hooks := append([]func(){}, s.onConnect...)
	s.lmu.RUnlock()
	for _, fn := range hooks {
		go fn()
	}
	return closed, nil
}

func (s *Socket) readPump(ws *websocket.Conn, closed chan struct{}) {
	defer close(closed)
	defer s.teardown(ws)

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && s.ctx.Err() == nil {
				s.pipe.log.Warn("socket read failed", "err", err)
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			s.pipe.log.Warn("socket frame decode failed", "err", err)
			continue
		}
		switch {
		case frame.Event != "":
			s.deliver(frame.Event, frame.Data)
		case frame.ID != "":
			if ch, ok := s.inflight.LoadAndDelete(frame.ID); ok {
				ch.(chan socketReply) <- socketReply{frame: frame}
			} else {
				s.pipe.log.Debug("socket reply without request", "id", frame.ID)
			}
		default:
			s.pipe.log.Warn("socket frame ignored", "size", len(msg))
		}
	}
}

// teardown clears the connection and fails every request still waiting on it.
func (s *Socket) teardown(ws *websocket.Conn) {
	s.wsMu.Lock()
	if s.ws == ws {
		s.ws = nil
		s.connected.Store(false)
	}
	s.wsMu.Unlock()
	_ = ws.Close()

	s.inflight.Range(func(key, value any) bool {
		if ch, ok := s.inflight.LoadAndDelete(key); ok {
			ch.(chan socketReply) <- socketReply{err: errors.New("socket closed")}
		}
		return true
	})
}

func (s *Socket) deliver(event string, data json.RawMessage) {
	s.lmu.RLock()
	fns := append([]func(json.RawMessage){}, s.listeners[strings.ToLower(event)]...)
	s.lmu.RUnlock()
	if len(fns) == 0 {
		s.pipe.log.Trace("socket event without listener", "event", event)
		return
	}
	for _, fn := range fns {
		fn(data)
	}
}

// Do starts req over the socket and returns its Future. The contract matches
// Service.Do without the CSRF token or the login exemption.
func (s *Socket) Do(req Request, cb Callback) *Future {
	c := newCall(req, cb)
	if c.req.URL == "" {
		c.done.finish(nil, &ConfigurationError{Reason: "request url is required"})
		return c.done.future
	}
	if c.req.Sync {
		s.run(c)
	} else {
		go s.run(c)
	}
	return c.done.future
}

// Get issues a GET over the socket and waits for its outcome.
func (s *Socket) Get(ctx context.Context, req Request) (json.RawMessage, error) {
	req.Method = http.MethodGet
	return s.Do(req, nil).Wait(ctx)
}

// Post issues a POST over the socket and waits for its outcome.
func (s *Socket) Post(ctx context.Context, req Request) (json.RawMessage, error) {
	req.Method = http.MethodPost
	return s.Do(req, nil).Wait(ctx)
}

// Put issues a PUT over the socket and waits for its outcome.
func (s *Socket) Put(ctx context.Context, req Request) (json.RawMessage, error) {
	req.Method = http.MethodPut
	return s.Do(req, nil).Wait(ctx)
}

// Delete issues a DELETE over the socket and waits for its outcome.
func (s *Socket) Delete(ctx context.Context, req Request) (json.RawMessage, error) {
	req.Method = http.MethodDelete
	return s.Do(req, nil).Wait(ctx)
}

func (s *Socket) run(c *call) {
	defer c.dispatched.fire()
	if s.pipe.blocked() {
		s.pipe.hold(c, s.run)
		return
	}
	s.pipe.settle(c, classify(s.send(c), false), s.run, nil)
}

func (s *Socket) send(c *call) response {
	method := c.req.Method
	fail := func(err error) response {
		return response{op: "socket " + method, url: c.req.URL, err: err, failed: true}
	}

	frame := socketFrame{
		ID:     uuid.NewString(),
		Method: strings.ToLower(method),
		URL:    c.req.URL,
	}
	if c.req.Params != nil {
		data, err := marshalParams(c.req.Params)
		if err != nil {
			return fail(err)
		}
		frame.Data = data
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return fail(fmt.Errorf("encode frame: %w", err))
	}

	ch := make(chan socketReply, 1)
	s.inflight.Store(frame.ID, ch)
	defer s.inflight.Delete(frame.ID)

	s.wsMu.Lock()
	if s.ws == nil {
		s.wsMu.Unlock()
		return fail(errSocketNotConnected)
	}
	_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	err = s.ws.WriteMessage(websocket.TextMessage, payload)
	s.wsMu.Unlock()
	if err != nil {
		return fail(fmt.Errorf("write frame: %w", err))
	}
	c.dispatched.fire()
	s.pipe.log.Debug("socket request", "id", frame.ID, "method", frame.Method, "url", frame.URL)

	timer := time.NewTimer(s.requestTimeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		if reply.err != nil {
			return fail(reply.err)
		}
		body := replyBody(reply.frame.Body)
		return response{
			op:         "socket " + method,
			url:        c.req.URL,
			statusCode: reply.frame.StatusCode,
			body:       body,
			failed:     reply.frame.StatusCode >= 400,
		}
	case <-timer.C:
		return fail(fmt.Errorf("no reply within %s", s.requestTimeout))
	case <-s.ctx.Done():
		return fail(s.ctx.Err())
	}
}

// replyBody unwraps a body the server sent as a JSON-encoded string.
func replyBody(raw json.RawMessage) []byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return trimmed
	}
	var inner string
	if err := json.Unmarshal(trimmed, &inner); err != nil {
		return trimmed
	}
	if json.Valid([]byte(inner)) {
		return []byte(inner)
	}
	return trimmed
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case json.RawMessage:
		return p, nil
	case []byte:
		return p, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	return raw, nil
}
