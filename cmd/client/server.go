package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AtDexters-Lab/opsportal-client/client"
	"pkt.systems/pslog"
)

func newServerCmd() *cobra.Command {
	var (
		cfgPath   string
		statePath string
	)
	cmd := &cobra.Command{
		Use:   "server [URL]",
		Short: "Store the backend base URL and check that the site answers",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := client.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			if statePath != "" {
				cfg.StateFile = statePath
			}
			if cfg.StateFile == "" {
				return errors.New("server needs a state file (stateFile in the config or --state)")
			}

			ctx := cmd.Context()
			c, err := client.New(*cfg, client.WithLogger(pslog.Ctx(ctx)))
			if err != nil {
				return err
			}
			defer c.Close()

			if len(args) == 1 {
				if err := c.Session().SetBaseURL(args[0]); err != nil {
					return err
				}
			}
			base, err := c.Session().BaseURL()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			report := func(event client.Event, payload any) {
				if payload != nil {
					fmt.Fprintf(out, "%s %s: %v\n", event, base, payload)
					return
				}
				fmt.Fprintf(out, "%s %s\n", event, base)
			}
			c.Session().On(client.EventConnected, report)
			c.Session().On(client.EventConnectFailed, report)
			return c.Session().Connect(ctx)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "config.yaml", "path to the configuration file")
	cmd.Flags().StringVar(&statePath, "state", "", "state file holding the base URL (overrides stateFile)")
	return cmd
}
