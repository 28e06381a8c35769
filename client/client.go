package client

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/publicsuffix"
	"pkt.systems/pslog"
)

const serverReloadMessage = "server-reload"

// Client owns every piece of shared state for one backend: the CSRF token,
// the reauthentication flag, the pending queue and server readiness. The HTTP
// and socket pipelines, the router and the session all hang off it.
type Client struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc
	log    pslog.Logger

	httpClient *http.Client
	dialer     *websocket.Dialer
	store      BaseURLStore
	hub        *Hub
	fetcher    TokenFetcher

	tokens    *TokenManager
	reauth    *Reauth
	readiness *Readiness
	pending   *PendingQueue
	site      *SiteConfig

	service *Service
	socket  *Socket
	router  *Router
	session *Session
}

// New wires a Client for cfg. Missing defaults in cfg are filled in.
func New(cfg Config, opts ...Option) (*Client, error) {
	cfg.applyDefaults()
	c := &Client{cfg: cfg, site: &SiteConfig{}}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.log == nil {
		c.log = pslog.Ctx(context.Background())
	}

	if c.httpClient == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			c.cancel()
			return nil, err
		}
		c.httpClient = &http.Client{Jar: jar, Timeout: cfg.HTTP.Timeout()}
	}
	if c.dialer == nil {
		c.dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 45 * time.Second,
		}
	}
	if c.dialer.Jar == nil && c.httpClient.Jar != nil {
		d := *c.dialer
		d.Jar = c.httpClient.Jar
		c.dialer = &d
	}
	if c.store == nil {
		if cfg.StateFile != "" {
			c.store = NewFileStore(cfg.StateFile)
		} else {
			c.store = NewMemoryStore("")
		}
	}
	if cfg.BaseURL != "" {
		if current, err := c.store.Load(); err == nil && current == "" {
			if err := c.store.Save(strings.TrimRight(cfg.BaseURL, "/")); err != nil {
				c.cancel()
				return nil, err
			}
		}
	}
	if c.hub == nil {
		c.hub = NewHub(c.log.With("component", "hub"))
	}
	if c.fetcher == nil {
		c.fetcher = &httpTokenFetcher{httpClient: c.httpClient, resolve: c.resolve, path: cfg.Paths.CSRFToken}
	}

	c.tokens = NewTokenManager(c.fetcher, c.log.With("component", "csrf"))
	c.reauth = NewReauth(c.log.With("component", "reauth"))
	c.readiness = NewReadiness()
	c.pending = NewPendingQueue(c.gateOpen, c.log.With("component", "pending"))

	c.service = &Service{
		ctx:        c.ctx,
		httpClient: c.httpClient,
		tokens:     c.tokens,
		resolve:    c.resolve,
		loginPath:  cfg.Paths.Login,
		pipe:       c.pipeline("http"),
	}
	c.socket = &Socket{
		ctx:            c.ctx,
		dialer:         c.dialer,
		requestTimeout: cfg.Socket.RequestTimeout(),
		reconnectDelay: cfg.Socket.ReconnectDelay(),
		pipe:           c.pipeline("socket"),
	}
	c.router = NewRouter(c.socket, c.log.With("component", "router"))
	c.session = &Session{
		ctx:        c.ctx,
		service:    c.service,
		socket:     c.socket,
		tokens:     c.tokens,
		reauth:     c.reauth,
		store:      c.store,
		site:       c.site,
		paths:      cfg.Paths,
		socketPath: cfg.Socket.Path,
		httpClient: c.httpClient,
		log:        c.log.With("component", "session"),
	}

	c.reauth.On(EventReauthEnd, func(Event, any) { c.pending.Drain() })
	c.readiness.OnReady(c.pending.Drain)
	c.router.Subscribe(serverReloadMessage, func(_ string, data map[string]any) {
		reloading, _ := data["reloading"].(bool)
		c.log.Info("server reload", "reloading", reloading)
		c.readiness.Set(!reloading)
	})
	return c, nil
}

func (c *Client) pipeline(transport string) *pipeline {
	return &pipeline{
		transport: transport,
		reauth:    c.reauth,
		readiness: c.readiness,
		pending:   c.pending,
		hub:       c.hub,
		log:       c.log.With("component", transport),
	}
}

func (c *Client) gateOpen() bool {
	return !c.reauth.InProgress() && c.readiness.Ready()
}

// resolve turns a request URL into an absolute one. Paths starting with "/"
// are joined to siteBaseURL, or to the stored base URL before the site config
// is known.
func (c *Client) resolve(target string) (string, error) {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return target, nil
	}
	if !strings.HasPrefix(target, "/") {
		return "", &ConfigurationError{Reason: "request url must be absolute or start with '/': " + target}
	}
	base := c.site.String("siteBaseURL")
	if base == "" {
		stored, err := c.store.Load()
		if err != nil {
			return "", err
		}
		base = stored
	}
	if base == "" {
		return "", &ConfigurationError{Reason: "no base URL configured"}
	}
	return strings.TrimRight(base, "/") + target, nil
}

// Request sends req through the HTTP pipeline.
func (c *Client) Request(req Request, cb Callback) *Future {
	return c.service.Do(req, cb)
}

// Subscribe registers handler for inbound socket events matching key.
func (c *Client) Subscribe(key string, handler MessageHandler) int {
	return c.router.Subscribe(key, handler)
}

// Unsubscribe removes the subscription returned by Subscribe. It reports
// whether id was registered.
func (c *Client) Unsubscribe(id int) bool {
	return c.router.Unsubscribe(id)
}

// Service returns the HTTP request pipeline.
func (c *Client) Service() *Service { return c.service }

// Socket returns the socket transport and pipeline.
func (c *Client) Socket() *Socket { return c.socket }

// Router returns the inbound socket message router.
func (c *Client) Router() *Router { return c.router }

// Session returns the session lifecycle driver.
func (c *Client) Session() *Session { return c.session }

// Reauth returns the reauthentication coordinator.
func (c *Client) Reauth() *Reauth { return c.reauth }

// Readiness returns the server readiness flag.
func (c *Client) Readiness() *Readiness { return c.readiness }

// Pending returns the queue of buffered calls.
func (c *Client) Pending() *PendingQueue { return c.pending }

// Tokens returns the CSRF token manager.
func (c *Client) Tokens() *TokenManager { return c.tokens }

// Hub returns the notification hub.
func (c *Client) Hub() *Hub { return c.hub }

// SiteConfig returns the settings loaded on Connect.
func (c *Client) SiteConfig() *SiteConfig { return c.site }

// Config returns the config the client was built with, defaults applied.
func (c *Client) Config() Config { return c.cfg }

// Close stops the socket, fails in-flight transport calls and settles every
// queued request with ErrClosed.
func (c *Client) Close() {
	c.log.Info("client stopping")
	c.cancel()
	c.socket.Close()
	c.pending.Abort(ErrClosed)
}
