package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
	"pkt.systems/pslog"
)

// CSRFHeader carries the anti-forgery token on state-changing requests.
const CSRFHeader = "X-CSRF-Token"

// TokenFetcher retrieves a fresh CSRF token from the backend.
type TokenFetcher interface {
	FetchToken(ctx context.Context) (string, error)
}

// TokenFetcherFunc adapts a function to TokenFetcher.
type TokenFetcherFunc func(ctx context.Context) (string, error)

// FetchToken calls f.
func (f TokenFetcherFunc) FetchToken(ctx context.Context) (string, error) {
	return f(ctx)
}

// TokenManager owns the process-wide CSRF token: fetched once, cached until a
// downstream call reports it invalid, never expired on a timer.
type TokenManager struct {
	mu      sync.RWMutex
	token   string
	fetcher TokenFetcher
	group   singleflight.Group
	log     pslog.Logger
}

// NewTokenManager returns a manager with an empty cache.
func NewTokenManager(fetcher TokenFetcher, logger pslog.Logger) *TokenManager {
	return &TokenManager{fetcher: fetcher, log: logger}
}

// Token returns the cached token, if any.
func (m *TokenManager) Token() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token, m.token != ""
}

// Ensure returns the cached token or fetches one. Concurrent callers that
// find the cache empty share a single fetch.
func (m *TokenManager) Ensure(ctx context.Context) (string, error) {
	if tok, ok := m.Token(); ok {
		return tok, nil
	}
	ch := m.group.DoChan("csrf", func() (interface{}, error) {
		// A flight that finished between the cache check and DoChan already
		// stored a token.
		if tok, ok := m.Token(); ok {
			return tok, nil
		}
		// The fetch outlives any single caller that gives up waiting.
		tok, err := m.fetcher.FetchToken(context.WithoutCancel(ctx))
		if err != nil {
			if m.log != nil {
				m.log.Warn("csrf token fetch failed", "err", err)
			}
			return "", fmt.Errorf("unable to get CSRF token: %w", err)
		}
		m.mu.Lock()
		m.token = tok
		m.mu.Unlock()
		if m.log != nil {
			m.log.Debug("csrf token fetched")
		}
		return tok, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Invalidate clears the cached token. A fetch already in flight still stores
// its result when it completes.
func (m *TokenManager) Invalidate() {
	m.mu.Lock()
	m.token = ""
	m.mu.Unlock()
	if m.log != nil {
		m.log.Debug("csrf token invalidated")
	}
}

// httpTokenFetcher reads {"_csrf": "..."} from the backend's token endpoint.
type httpTokenFetcher struct {
	httpClient *http.Client
	resolve    func(string) (string, error)
	path       string
}

func (f *httpTokenFetcher) FetchToken(ctx context.Context) (string, error) {
	target, err := f.resolve(f.path)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &TransportError{Op: http.MethodGet, URL: target, StatusCode: resp.StatusCode, Body: body}
	}

	var payload struct {
		CSRF string `json:"_csrf"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	tok := strings.TrimSpace(payload.CSRF)
	if tok == "" {
		return "", fmt.Errorf("token response missing _csrf")
	}
	return tok, nil
}
