package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"pkt.systems/pslog"
)

// ErrInvalidTGT is returned when the CAS server answers a ticket request
// without a ticket-granting-ticket location.
var ErrInvalidTGT = errors.New("invalid TGT from CAS server")

const authTypeCAS = "cas"

// Session drives the connection lifecycle: site bootstrap, socket setup,
// login and logout. Its events are emitted on the goroutine that causes them.
type Session struct {
	ctx        context.Context
	service    *Service
	socket     *Socket
	tokens     *TokenManager
	reauth     *Reauth
	store      BaseURLStore
	site       *SiteConfig
	paths      PathsConfig
	socketPath string
	httpClient *http.Client
	log        pslog.Logger

	obs        observers
	readyOnce  sync.Once
	socketOnce sync.Once
}

// On registers a handler for one of the session events.
func (s *Session) On(event Event, handler EventHandler) {
	s.obs.on(event, handler)
}

// BaseURL returns the stored backend base URL, or "" when none is set.
func (s *Session) BaseURL() (string, error) {
	return s.store.Load()
}

// SetBaseURL validates and stores a new backend base URL.
func (s *Session) SetBaseURL(raw string) error {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	if err := validateBaseURL(raw); err != nil {
		return &ConfigurationError{Reason: fmt.Sprintf("invalid base url %q: %v", raw, err)}
	}
	return s.store.Save(raw)
}

// siteBase is the URL the site is served from: siteBaseURL from the site
// config when known, else the stored base URL.
func (s *Session) siteBase() string {
	if base := s.site.String("siteBaseURL"); base != "" {
		return strings.TrimRight(base, "/")
	}
	base, err := s.store.Load()
	if err != nil {
		return ""
	}
	return strings.TrimRight(base, "/")
}

// Connect loads the site config from the stored base URL and, when the site
// names a siteBaseURL, opens the socket.
func (s *Session) Connect(ctx context.Context) error {
	s.obs.emit(EventConnecting, nil)

	base, err := s.store.Load()
	if err != nil {
		s.fail(EventConnectFailed, err)
		return err
	}
	if base == "" {
		err := &ConfigurationError{Reason: "no base URL configured"}
		s.fail(EventConnectFailed, err)
		return err
	}

	data, err := s.service.Get(ctx, Request{URL: s.paths.SiteConfig})
	if err != nil {
		s.fail(EventConnectFailed, err)
		return fmt.Errorf("load site config: %w", err)
	}
	if err := s.site.merge(data); err != nil {
		s.fail(EventConnectFailed, err)
		return err
	}

	if siteBase := s.site.String("siteBaseURL"); siteBase != "" {
		s.startSocket(siteBase)
	}
	s.log.Info("connected", "base_url", base, "auth_type", s.site.String("authType"))
	s.obs.emit(EventConnected, nil)
	return nil
}

func (s *Session) startSocket(siteBase string) {
	s.socketOnce.Do(func() {
		wsURL, err := socketURL(siteBase, s.socketPath)
		if err != nil {
			s.log.Warn("socket url invalid", "site_base_url", siteBase, "err", err)
			return
		}
		s.socket.OnConnect(func() {
			s.obs.emit(EventSocketConnected, nil)
			s.socket.Do(Request{Method: http.MethodGet, URL: s.paths.SocketRegister}, func(_ json.RawMessage, err error) {
				if err != nil {
					s.log.Warn("socket register failed", "err", err)
					return
				}
				s.log.Debug("socket registered")
			})
		})
		go s.socket.Run(s.ctx, wsURL)
	})
}

// socketURL maps an http(s) site URL onto the ws(s) socket endpoint.
func socketURL(siteBase, path string) (string, error) {
	u, err := url.Parse(siteBase)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String(), nil
}

// CheckSession asks the site whether the current session cookie is still
// valid. It bypasses the request pipeline.
func (s *Session) CheckSession(ctx context.Context) (bool, error) {
	base := s.siteBase()
	if base == "" {
		return false, &ConfigurationError{Reason: "no base URL configured"}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+s.paths.Begin, nil)
	if err != nil {
		return false, fmt.Errorf("build session check: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false, &TransportError{Op: http.MethodGet, URL: req.URL.String(), Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.log.Debug("no valid session", "status", resp.StatusCode)
		return false, nil
	}
	s.markReady()
	return true, nil
}

// Login authenticates with the site's configured method. On success an
// active reauthentication episode is ended, which releases queued requests.
func (s *Session) Login(ctx context.Context, username, password string) (json.RawMessage, error) {
	s.obs.emit(EventLoginStart, nil)

	var (
		data json.RawMessage
		err  error
	)
	if s.site.String("authType") == authTypeCAS {
		data, err = s.LoginCAS(ctx, username, password)
	} else {
		data, err = s.LoginLocal(ctx, username, password)
	}
	if err != nil {
		s.fail(EventLoginFailed, err)
		return nil, err
	}

	s.log.Info("login succeeded", "user", username)
	s.markReady()
	s.obs.emit(EventLoginDone, data)
	if s.reauth.InProgress() {
		s.reauth.End()
	}
	return data, nil
}

// LoginLocal submits credentials to the site's own login endpoint. This call
// is allowed through while reauthentication is in progress.
func (s *Session) LoginLocal(ctx context.Context, username, password string) (json.RawMessage, error) {
	return s.service.Post(ctx, Request{
		URL:    s.paths.Login,
		Params: map[string]string{"username": username, "password": password},
	})
}

// LoginCAS runs the CAS REST ticket exchange and presents the resulting
// service ticket to the site.
func (s *Session) LoginCAS(ctx context.Context, username, password string) (json.RawMessage, error) {
	casURL := strings.TrimRight(s.site.String("casURL"), "/")
	if casURL == "" {
		return nil, &ConfigurationError{Reason: "casURL missing from site config"}
	}
	base := s.siteBase()
	if base == "" {
		return nil, &ConfigurationError{Reason: "no base URL configured"}
	}
	service := base + "/site/begin"

	// The TGT location must be read from the response, not followed.
	noRedirect := *s.httpClient
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	resp, body, err := s.postForm(ctx, &noRedirect, casURL+"/cas/v1/tickets", url.Values{
		"username": {username},
		"password": {password},
	})
	if err != nil {
		return nil, err
	}
	tgt := resp.Header.Get("Location")
	if tgt == "" {
		s.log.Warn("cas ticket request returned no location", "status", resp.StatusCode, "size", len(body))
		return nil, ErrInvalidTGT
	}

	_, body, err = s.postForm(ctx, &noRedirect, tgt, url.Values{"service": {service}})
	if err != nil {
		return nil, err
	}
	ticket := strings.TrimSpace(string(body))
	if ticket == "" {
		return nil, errors.New("empty service ticket from CAS server")
	}

	target := service + "?" + url.Values{"ticket": {ticket}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build ticket validation: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	final, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: http.MethodGet, URL: service, Err: err}
	}
	defer final.Body.Close()
	payload, err := io.ReadAll(final.Body)
	if err != nil {
		return nil, fmt.Errorf("read ticket validation: %w", err)
	}
	if final.StatusCode < 200 || final.StatusCode >= 300 {
		return nil, &TransportError{Op: http.MethodGet, URL: service, StatusCode: final.StatusCode, Body: payload}
	}
	if json.Valid(payload) {
		return payload, nil
	}
	return json.RawMessage("null"), nil
}

func (s *Session) postForm(ctx context.Context, hc *http.Client, target string, form url.Values) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, nil, fmt.Errorf("build cas request: %w", err)
	}
	req.Header.Set("Content-Type", FormContentType)
	resp, err := hc.Do(req)
	if err != nil {
		return nil, nil, &TransportError{Op: http.MethodPost, URL: target, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read cas response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, nil, &TransportError{Op: http.MethodPost, URL: target, StatusCode: resp.StatusCode, Body: body}
	}
	return resp, body, nil
}

// Logout ends the session and drops the CSRF token bound to it.
func (s *Session) Logout(ctx context.Context) error {
	s.obs.emit(EventLogoutStart, nil)
	if _, err := s.service.Post(ctx, Request{URL: s.paths.Logout}); err != nil {
		s.fail(EventLogoutFailed, err)
		return err
	}
	s.tokens.Invalidate()
	s.log.Info("logged out")
	s.obs.emit(EventLogoutDone, nil)
	return nil
}

func (s *Session) markReady() {
	s.readyOnce.Do(func() {
		s.obs.emit(EventSessionReady, nil)
	})
}

func (s *Session) fail(event Event, err error) {
	s.log.Warn(string(event), "err", err)
	s.obs.emit(event, err)
}
