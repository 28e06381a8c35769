package main

import (
	"context"
	"errors"
	"time"

	"github.com/AtDexters-Lab/opsportal-client/client"
	"pkt.systems/pslog"
)

// openClient builds a client for cfg and brings its session up: site config,
// socket, and either the existing session cookie or a fresh login.
func openClient(ctx context.Context, cfg *client.Config) (*client.Client, error) {
	logger := pslog.Ctx(ctx)
	c, err := client.New(*cfg, client.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	logSessionEvents(c.Session(), logger)

	if err := c.Session().Connect(ctx); err != nil {
		c.Close()
		return nil, err
	}
	valid, err := c.Session().CheckSession(ctx)
	if err != nil {
		logger.Warn("session check failed", "err", err)
	}
	if valid {
		return c, nil
	}
	if !hasCredentials(cfg) {
		logger.Warn("no valid session and no credentials configured")
		return c, nil
	}
	if _, err := c.Session().Login(ctx, cfg.Auth.Username, cfg.Auth.Password); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func hasCredentials(cfg *client.Config) bool {
	return cfg.Auth.Username != "" && cfg.Auth.Password != ""
}

func logSessionEvents(s *client.Session, logger pslog.Logger) {
	for _, ev := range []client.Event{
		client.EventConnecting,
		client.EventConnected,
		client.EventSocketConnected,
		client.EventSessionReady,
		client.EventLoginStart,
		client.EventLoginDone,
		client.EventLogoutDone,
	} {
		s.On(ev, func(event client.Event, _ any) {
			logger.Debug("session event", "event", string(event))
		})
	}
}

// relogin logs in again until it succeeds or ctx ends. A successful login
// ends the reauth episode and releases queued requests.
func relogin(ctx context.Context, c *client.Client, cfg *client.Config) error {
	logger := pslog.Ctx(ctx)
	delay := cfg.Socket.ReconnectDelay()
	for {
		_, err := c.Session().Login(ctx, cfg.Auth.Username, cfg.Auth.Password)
		if err == nil {
			return nil
		}
		var appErr *client.ApplicationError
		if errors.As(err, &appErr) && !errors.Is(err, client.ErrAuthExpired) {
			// Rejected credentials will not get better by retrying.
			return err
		}
		logger.Warn("relogin failed", "err", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
