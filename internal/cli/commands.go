package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	runtimepkg "github.com/drblury/eventflow/internal/runtime"
	"github.com/drblury/eventflow/internal/runtime/storage"
)

func newServeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP ingress and query API",
		Long: `Accept events over HTTP and append them to the log. Query endpoints read
from storage. No events are consumed; run "eventflow worker" for that.`,
		Args: cobra.NoArgs,
		RunE: withService(a, func(ctx context.Context, svc *runtimepkg.Service) error {
			a.mountAPI(svc)
			a.mountOps(svc)
			return svc.Run(ctx, false)
		}),
	}
}

func newWorkerCommand(a *app) *cobra.Command {
	var recoverFirst bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume the log and process events",
		Args:  cobra.NoArgs,
		RunE: withService(a, func(ctx context.Context, svc *runtimepkg.Service) error {
			if recoverFirst {
				if _, err := svc.Recover(ctx); err != nil {
					return err
				}
			}
			a.mountOps(svc)
			return svc.Run(ctx, true)
		}),
	}
	cmd.Flags().BoolVar(&recoverFirst, "recover", false, "report events stuck in pending or processing before consuming")
	return cmd
}

func newAllCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Run the API and the worker in one process",
		Args:  cobra.NoArgs,
		RunE: withService(a, func(ctx context.Context, svc *runtimepkg.Service) error {
			a.mountAPI(svc)
			a.mountOps(svc)
			return svc.Run(ctx, true)
		}),
	}
}

func newMigrateCommand(a *app) *cobra.Command {
	var down bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.StorageDriver == "memory" {
				return errors.New("migrate: the memory store has no schema")
			}
			if down {
				if err := storage.MigrateDown(a.cfg.StorageDriver, a.cfg.DatabaseURL); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "migrations rolled back")
				return nil
			}
			if err := storage.Migrate(a.cfg.StorageDriver, a.cfg.DatabaseURL); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "roll back every applied migration")
	return cmd
}

func newSeedCommand(a *app) *cobra.Command {
	var (
		count int
		seed  int64
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Publish generated analytics and research events",
		Long: `Generate realistic events with gofakeit and publish them through the
configured transport. A fixed --seed reproduces the same events.`,
		Example: `  eventflow seed --count 1000
  eventflow seed --count 50 --seed 42 --pubsub channel --storage memory`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if count < 1 {
				return fmt.Errorf("seed: --count must be positive, got %d", count)
			}
			return withService(a, func(ctx context.Context, svc *runtimepkg.Service) error {
				published, err := seedEvents(ctx, svc.Publisher(), newGenerator(seed), count)
				fmt.Fprintf(cmd.OutOrStdout(), "published %d of %d events\n", published, count)
				return err
			})(cmd, nil)
		},
	}
	cmd.Flags().IntVar(&count, "count", 100, "number of events to publish")
	cmd.Flags().Int64Var(&seed, "seed", 0, "random seed, 0 picks one")
	return cmd
}
