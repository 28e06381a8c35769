package client

import (
	"net/http"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"
)

// Option mutates a Client during construction.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. Its Jar, when set, is shared with
// the socket dialer so both transports carry the same session cookie.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithLogger sets the logger the client and its components log through.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.log = logger
		}
	}
}

// WithBaseURLStore replaces the store selected from Config.StateFile.
func WithBaseURLStore(store BaseURLStore) Option {
	return func(c *Client) {
		if store != nil {
			c.store = store
		}
	}
}

// WithHub shares an existing notification hub with the client.
func WithHub(h *Hub) Option {
	return func(c *Client) {
		if h != nil {
			c.hub = h
		}
	}
}

// WithTokenFetcher replaces the CSRF endpoint fetcher.
func WithTokenFetcher(f TokenFetcher) Option {
	return func(c *Client) {
		if f != nil {
			c.fetcher = f
		}
	}
}
