package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
)

// Service is the HTTP request pipeline. Every call is CSRF-protected, is
// buffered during reauthentication or while the server is unready, and
// settles exactly once with its final outcome.
type Service struct {
	ctx        context.Context
	httpClient *http.Client
	tokens     *TokenManager
	resolve    func(string) (string, error)
	loginPath  string
	pipe       *pipeline
}

// Do starts req and returns its Future. cb, if set, fires exactly once from
// the same point that settles the Future.
func (s *Service) Do(req Request, cb Callback) *Future {
	c := newCall(req, cb)
	if c.req.URL == "" {
		c.done.finish(nil, &ConfigurationError{Reason: "request url is required"})
		return c.done.future
	}
	if _, err := s.resolve(c.req.URL); err != nil {
		c.done.finish(nil, err)
		return c.done.future
	}
	if c.req.Sync {
		s.run(c)
	} else {
		go s.run(c)
	}
	return c.done.future
}

// Get issues a GET and waits for its outcome.
func (s *Service) Get(ctx context.Context, req Request) (json.RawMessage, error) {
	req.Method = http.MethodGet
	return s.Do(req, nil).Wait(ctx)
}

// Post issues a POST and waits for its outcome.
func (s *Service) Post(ctx context.Context, req Request) (json.RawMessage, error) {
	req.Method = http.MethodPost
	return s.Do(req, nil).Wait(ctx)
}

// Put issues a PUT and waits for its outcome.
func (s *Service) Put(ctx context.Context, req Request) (json.RawMessage, error) {
	req.Method = http.MethodPut
	return s.Do(req, nil).Wait(ctx)
}

// Delete issues a DELETE and waits for its outcome.
func (s *Service) Delete(ctx context.Context, req Request) (json.RawMessage, error) {
	req.Method = http.MethodDelete
	return s.Do(req, nil).Wait(ctx)
}

// isLogin reports whether c is the local login submission, the one call that
// must get through while reauthentication is in progress.
func (s *Service) isLogin(c *call) bool {
	return c.req.Method == http.MethodPost && c.req.URL == s.loginPath
}

func (s *Service) run(c *call) {
	defer c.dispatched.fire()
	if s.pipe.blocked() && !s.isLogin(c) {
		s.pipe.hold(c, s.run)
		return
	}

	if c.req.Method != http.MethodGet {
		if _, ok := s.tokens.Token(); !ok {
			if _, err := s.tokens.Ensure(s.ctx); err != nil {
				s.pipe.log.Warn("request aborted without csrf token", "method", c.req.Method, "url", c.req.URL, "err", err)
				c.done.finish(nil, err)
				return
			}
			// Re-evaluate queueing now that the token is here.
			s.run(c)
			return
		}
	}

	resp := s.send(c)
	cls := classify(resp, true)
	if cls.outcome == outcomeAuthExpired && s.isLogin(c) {
		s.pipe.reject(c, cls.err)
		return
	}
	s.pipe.settle(c, cls, s.run, s.retryCSRF)
}

// retryCSRF resubmits c once after a CSRF rejection. It reports false when
// the call already used its retry.
func (s *Service) retryCSRF(c *call) bool {
	s.tokens.Invalidate()
	if c.csrfRetried {
		return false
	}
	c.csrfRetried = true
	s.pipe.log.Info("csrf token rejected, retrying", "method", c.req.Method, "url", c.req.URL)
	s.run(c)
	return true
}

func (s *Service) send(c *call) response {
	method := c.req.Method
	target, err := s.resolve(c.req.URL)
	if err != nil {
		return response{op: method, url: c.req.URL, err: err, failed: true}
	}

	var body io.Reader
	var contentType string
	if method == http.MethodGet {
		target, err = withQuery(target, c.req.Params)
	} else {
		body, contentType, err = encodeBody(c.req.Params, c.req.ContentType)
	}
	if err != nil {
		return response{op: method, url: target, err: err, failed: true}
	}

	ctx := s.ctx
	if sig := c.dispatched; sig != nil {
		ctx = httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
			WroteRequest: func(httptrace.WroteRequestInfo) { sig.fire() },
		})
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return response{op: method, url: target, err: fmt.Errorf("build request: %w", err), failed: true}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-cache")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if method != http.MethodGet {
		if tok, ok := s.tokens.Token(); ok {
			req.Header.Set(CSRFHeader, tok)
		}
	}

	s.pipe.log.Debug("http request", "method", method, "url", target)
	res, err := s.httpClient.Do(req)
	if err != nil {
		return response{op: method, url: target, err: err, failed: true}
	}
	defer res.Body.Close()

	payload, err := io.ReadAll(res.Body)
	if err != nil {
		return response{op: method, url: target, statusCode: res.StatusCode, err: fmt.Errorf("read response: %w", err), failed: true}
	}
	return response{
		op:         method,
		url:        target,
		statusCode: res.StatusCode,
		body:       payload,
		failed:     res.StatusCode < 200 || res.StatusCode >= 300,
	}
}
