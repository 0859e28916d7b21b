package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/chutney/internal/agent"
	"github.com/rendis/chutney/internal/logging"
	"github.com/rendis/chutney/pkg/mcp"
)

func newMCPCommand(flags *globalFlags) *cobra.Command {
	var withHTTP bool
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			// stdout carries the protocol.
			logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			n, err := newNode(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := n.closeAll(shutdownTimeout); err != nil {
					logger.Error("shutdown incomplete", slog.Any("error", err))
				}
			}()

			if withHTTP {
				go func() {
					if err := serveHTTP(ctx, cfg.ListenAddr, agent.NewRouter(n.routerDeps()), logger); err != nil {
						logger.Error("http server failed", slog.Any("error", err))
					}
				}()
			}

			srv := mcp.NewServer(mcp.ServerDeps{
				Executions: n.manager,
				Actions:    n.registry,
				Bus:        n.bus,
				Logger:     logger,
				Version:    version,
			})
			go func() {
				if err := srv.Watch(ctx); err != nil {
					logger.Warn("execution notifications disabled", slog.Any("error", err))
				}
			}()
			return srv.Serve(ctx)
		},
	}
	cmd.Flags().BoolVar(&withHTTP, "http", false, "also serve the agent HTTP API on the configured listen address")
	return cmd
}
