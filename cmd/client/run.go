package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AtDexters-Lab/opsportal-client/client"
	"pkt.systems/pslog"
)

func newRunCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect, keep the session alive and log socket events",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := client.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "config.yaml", "path to the configuration file")
	return cmd
}

func run(ctx context.Context, cfg *client.Config) error {
	logger := pslog.Ctx(ctx)
	c, err := openClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	for _, key := range cfg.Subscriptions {
		c.Subscribe(key, func(key string, data map[string]any) {
			logger.Info("socket event", "key", key, "data", data)
		})
	}

	expired := make(chan struct{}, 1)
	c.Reauth().On(client.EventReauthStart, func(client.Event, any) {
		select {
		case expired <- struct{}{}:
		default:
		}
	})

	notes, stop := c.Hub().Subscribe(client.TopicErrorNotification)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case n, ok := <-notes:
				if !ok {
					return nil
				}
				if notice, ok := n.Data.(client.ErrorNotice); ok {
					logger.Warn("request error", "transport", notice.Transport, "method", notice.Method, "url", notice.URL, "err", notice.Err)
				}
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-expired:
			}
			if !hasCredentials(cfg) {
				logger.Warn("session expired and no credentials configured, requests stay queued")
				continue
			}
			logger.Info("session expired, logging in again", "user", cfg.Auth.Username)
			if err := relogin(gctx, c, cfg); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("relogin gave up", "err", err)
			}
		}
	})

	logger.Info("client running", "subscriptions", len(cfg.Subscriptions))
	return g.Wait()
}
