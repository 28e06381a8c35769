package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AtDexters-Lab/opsportal-client/client"
)

func newRequestCmd() *cobra.Command {
	var (
		cfgPath   string
		data      string
		useSocket bool
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "request METHOD URL",
		Short: "Send one request through the session pipeline and print the result",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := client.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			req := client.Request{Method: args[0], URL: args[1]}
			if strings.TrimSpace(data) != "" {
				if !json.Valid([]byte(data)) {
					return fmt.Errorf("--data must be valid JSON")
				}
				req.Params = json.RawMessage(data)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			c, err := openClient(ctx, cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			var fut *client.Future
			if useSocket {
				if err := waitSocket(ctx, c); err != nil {
					return err
				}
				fut = c.Socket().Do(req, nil)
			} else {
				fut = c.Request(req, nil)
			}
			out, err := fut.Wait(ctx)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "config.yaml", "path to the configuration file")
	cmd.Flags().StringVarP(&data, "data", "d", "", "JSON request parameters")
	cmd.Flags().BoolVar(&useSocket, "socket", false, "send over the socket instead of HTTP")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline")
	return cmd
}

func waitSocket(ctx context.Context, c *client.Client) error {
	if c.Socket().Connected() {
		return nil
	}
	up := make(chan struct{}, 1)
	c.Session().On(client.EventSocketConnected, func(client.Event, any) {
		select {
		case up <- struct{}{}:
		default:
		}
	})
	if c.Socket().Connected() {
		return nil
	}
	select {
	case <-up:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("socket did not connect: %w", ctx.Err())
	}
}
