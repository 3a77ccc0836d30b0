package main

import (
	"context"
	"fmt"
	"time"

	"github.com/aixgo-dev/finrag/internal/api"
	"github.com/aixgo-dev/finrag/internal/queue"
	"github.com/aixgo-dev/finrag/pkg/logging"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := opts.build(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			cfg := a.Config

			routerOpts := api.Options{
				Limiter: a.Limiter(),
				Health:  a.Health,
				Debug:   cfg.Server.Debug,
				Logger:  logging.Component(a.Logger, "api"),
			}
			if cfg.Queue.URL != "" {
				pub, err := queue.NewPublisher(cfg.Queue.URL, cfg.Queue.Queue)
				if err != nil {
					return fmt.Errorf("queue: %w", err)
				}
				defer pub.Close()
				routerOpts.Publisher = pub
			}

			srv := api.NewServer(cfg.Server.Addr, api.NewRouter(a.Orchestrator, routerOpts),
				cfg.Server.ReadTimeout, cfg.Server.WriteTimeout)

			errCh := make(chan error, 1)
			go func() {
				a.Logger.Info().Str("addr", cfg.Server.Addr).Msg("http server listening")
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				a.Logger.Info().Msg("shutting down")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}
