package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process the ingestion queues without serving HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		listener, dispatcher := a.workers()

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return dispatcher.Run(ctx) })
		g.Go(func() error { return listener.Run(ctx) })

		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		a.logger.Info("Worker process stopped")
		return nil
	},
}
