package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"crate/internal/config"
	"crate/internal/logging"
)

func newRootCommand() *cobra.Command {
	var configFlag, bindFlag string

	cmd := &cobra.Command{
		Use:           "crated",
		Short:         "Membership-gated write proxy for a crate library bucket",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, _, err := config.Load(strings.TrimSpace(configFlag))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if bindFlag != "" {
				cfg.Proxy.Bind = bindFlag
			}
			if err := cfg.EnsureDirectories(); err != nil {
				return err
			}
			logger, err := logging.NewFromConfig(cfg, "crated.log")
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			ctx := cmd.Context()
			d, err := newDaemon(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer d.Close()

			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)
			go d.reloadOn(ctx, hup)

			ln, err := net.Listen("tcp", cfg.Proxy.Bind)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", cfg.Proxy.Bind, err)
			}
			return d.Run(ctx, ln)
		},
	}
	cmd.Flags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")
	cmd.Flags().StringVar(&bindFlag, "bind", "", "Listen address (overrides proxy.bind)")
	return cmd
}
