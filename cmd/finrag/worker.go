package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/aixgo-dev/finrag/internal/queue"
	"github.com/aixgo-dev/finrag/pkg/logging"
	pkgobs "github.com/aixgo-dev/finrag/pkg/observability"
	"github.com/spf13/cobra"
)

func newWorkerCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Process queued turns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := opts.build(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			cfg := a.Config

			if cfg.Queue.URL == "" {
				return errors.New("queue.url (or AMQP_URL) is required for the worker")
			}
			conn, err := queue.Dial(cfg.Queue.URL)
			if err != nil {
				return fmt.Errorf("queue: %w", err)
			}
			defer conn.Close()

			metrics := pkgobs.NewServer(cfg.Server.MetricsAddr, a.Health)
			go func() {
				if err := metrics.Start(); err != nil {
					a.Logger.Error().Err(err).Msg("metrics server failed")
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = metrics.Shutdown(shutdownCtx)
			}()

			w := queue.NewWorker(a.Orchestrator, cfg.Queue.Concurrency, logging.Component(a.Logger, "worker"))
			return w.Consume(ctx, conn, cfg.Queue.Queue)
		},
	}
}
