package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/chutney/internal/agent"
	"github.com/rendis/chutney/internal/logging"
	"github.com/rendis/chutney/internal/network"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(flags *globalFlags) *cobra.Command {
	var (
		listen    string
		configure bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.ListenAddr = listen
			}
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

			if cfg.RebuildSchedule != "" {
				rebuilder, err := network.NewRebuilder(n.topology, n.topology.Configuration, cfg.RebuildSchedule, logger)
				if err != nil {
					return err
				}
				if err := rebuilder.Start(ctx); err != nil {
					return err
				}
				defer rebuilder.Stop()
			}
			if configure {
				go func() {
					if _, err := n.topology.Configure(ctx, n.topology.Configuration()); err != nil {
						logger.Warn("initial network build failed", slog.Any("error", err))
					}
				}()
			}

			return serveHTTP(ctx, cfg.ListenAddr, agent.NewRouter(n.routerDeps()), logger)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "override the configured listen address")
	cmd.Flags().BoolVar(&configure, "configure", false, "build the agent network once the server is up")
	return cmd
}

// serveHTTP serves handler on addr until ctx is done, then shuts down gracefully.
func serveHTTP(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("agent listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}
