// Package cli implements the eventflow command line.
package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	runtimepkg "github.com/drblury/eventflow/internal/runtime"
	"github.com/drblury/eventflow/internal/runtime/api"
	configpkg "github.com/drblury/eventflow/internal/runtime/config"
	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
)

// Version is stamped at build time.
var Version = "dev"

// app carries what every subcommand needs once flags and config are read.
type app struct {
	v       *viper.Viper
	cfgFile string

	cfg    *configpkg.Config
	logger loggingpkg.ServiceLogger
}

// NewRootCommand builds the eventflow command tree.
func NewRootCommand() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "eventflow",
		Short: "Ordered event ingestion pipeline",
		Long: `eventflow accepts analytics and chemical research events over HTTP, appends
them to an ordered log and processes them with per-key ordering, bounded
retries and persisted status tracking.

Configuration cascade (priority order):
  1. Command-line flags
  2. EVENTFLOW_* environment variables
  3. --config file, or ./eventflow.yaml, or /etc/eventflow/eventflow.yaml
  4. Built-in defaults`,
		Version:           Version,
		SilenceUsage:      true,
		PersistentPreRunE: a.load,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default: ./eventflow.yaml)")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-format", "json", "log format: json or text")
	flags.String("pubsub", "kafka", "log transport: kafka, channel, nats-jetstream, rabbitmq")
	flags.String("storage", "sqlite3", "storage driver: postgres, sqlite3, memory")
	flags.String("database-url", "", "database connection string")
	for key, flag := range map[string]string{
		"log_level":      "log-level",
		"log_format":     "log-format",
		"pubsub_system":  "pubsub",
		"storage_driver": "storage",
		"database_url":   "database-url",
	} {
		if err := a.v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("eventflow: bind flag %s: %v", flag, err))
		}
	}

	root.AddCommand(
		newServeCommand(a),
		newWorkerCommand(a),
		newAllCommand(a),
		newMigrateCommand(a),
		newSeedCommand(a),
	)
	return root
}

// Execute runs the command tree until ctx is cancelled.
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

func (a *app) load(cmd *cobra.Command, _ []string) error {
	cfg, err := configpkg.LoadWith(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	level, err := loggingpkg.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = loggingpkg.NewSlogServiceLogger(loggingpkg.New(cmd.ErrOrStderr(), level, cfg.LogFormat))
	return nil
}

func (a *app) newService(ctx context.Context) (*runtimepkg.Service, error) {
	return runtimepkg.NewService(ctx, a.cfg, a.logger, runtimepkg.ServiceDependencies{})
}

// mountAPI serves ingress and queries on the HTTP address.
func (a *app) mountAPI(svc *runtimepkg.Service) {
	handler := api.New(svc.Publisher(), svc.Store(),
		api.WithLogger(a.logger),
		api.WithHealth(svc),
	)
	svc.RegisterHTTPHandler(a.cfg.HTTPAddress, "/", handler)
}

// mountOps serves /metrics and /healthz on the metrics port.
func (a *app) mountOps(svc *runtimepkg.Service) {
	if !a.cfg.MetricsEnabled {
		return
	}
	_, gatherer := svc.Metrics()
	addr := ":" + strconv.Itoa(a.cfg.MetricsPort)
	svc.RegisterHTTPHandler(addr, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	svc.RegisterHTTPHandler(addr, "/healthz", api.New(nil, nil, api.WithHealth(svc), api.WithLogger(a.logger)))
}

func withService(a *app, run func(context.Context, *runtimepkg.Service) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		svc, err := a.newService(ctx)
		if err != nil {
			return err
		}
		defer func() {
			if err := svc.Close(); err != nil {
				a.logger.Error("Shutdown incomplete", err, nil)
			}
		}()
		return run(ctx, svc)
	}
}
