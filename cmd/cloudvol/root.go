package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/objectfs/cloudvol/internal/config"
	"github.com/objectfs/cloudvol/internal/metrics"
	"github.com/objectfs/cloudvol/internal/session"
	"github.com/objectfs/cloudvol/internal/vol"
	"github.com/objectfs/cloudvol/pkg/utils"
)

// runtime is what every subcommand works against once the root command's
// PersistentPreRunE has run.
type runtime struct {
	cfgFile     string
	logLevel    string
	withMetrics bool

	// extra session options, used by tests to substitute the backend
	sessionOpts []session.Option

	cfg        *config.Configuration
	logger     *slog.Logger
	collector  *metrics.Collector
	dispatcher *vol.Dispatcher
	table      *vol.CallbackTable
}

func newRootCmd(opts []session.Option) *cobra.Command {
	rt := &runtime{sessionOpts: opts}

	rootCmd := &cobra.Command{
		Use:           "cloudvol",
		Short:         "Object storage as random-access HDF5 files",
		Long:          `Inspect, read and write bucket objects through the cloudvol VOL callbacks.`,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return rt.setup(cmd.Context())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return rt.teardown()
		},
	}

	rootCmd.PersistentFlags().StringVar(&rt.cfgFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&rt.logLevel, "log-level", "", "override log level (DEBUG, INFO, WARN, ERROR)")
	rootCmd.PersistentFlags().BoolVar(&rt.withMetrics, "metrics", false, "serve Prometheus metrics while the command runs")

	rootCmd.AddCommand(
		newCheckCmd(rt),
		newStatCmd(rt),
		newCatCmd(rt),
		newPutCmd(rt),
		newLsCmd(rt),
		newRmCmd(rt),
	)
	return rootCmd
}

func (rt *runtime) setup(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load(rt.cfgFile)
	if err != nil {
		return err
	}
	if rt.logLevel != "" {
		cfg.Global.LogLevel = rt.logLevel
	}
	rt.cfg = cfg

	rt.logger, err = utils.NewLogger(cfg.Global.LogLevel, cfg.Global.LogFormat, nil)
	if err != nil {
		return err
	}

	if rt.withMetrics || cfg.Monitoring.Metrics.Enabled {
		rt.collector, err = metrics.NewCollector(&metrics.Config{
			Enabled:   true,
			Port:      cfg.Global.MetricsPort,
			Path:      "/metrics",
			Namespace: cfg.Monitoring.Metrics.Namespace,
		}, rt.logger)
		if err != nil {
			return err
		}
		if err := rt.collector.Start(ctx); err != nil {
			return err
		}
	}

	opts := append([]session.Option{
		session.WithLogger(rt.logger),
		session.WithMetrics(rt.collector),
	}, rt.sessionOpts...)
	sessions, err := session.NewManager(cfg, opts...)
	if err != nil {
		return err
	}

	rt.dispatcher, err = vol.NewDispatcher(sessions,
		vol.WithLogger(rt.logger),
		vol.WithMetrics(rt.collector),
	)
	if err != nil {
		return err
	}
	rt.table = rt.dispatcher.Table(ctx)
	return nil
}

func (rt *runtime) teardown() error {
	var err error
	if rt.table != nil && rt.table.Terminate() != vol.Succeed {
		err = rt.lastError("terminate")
	}
	if rt.collector != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if stopErr := rt.collector.Stop(ctx); stopErr != nil && err == nil {
			err = stopErr
		}
	}
	return err
}

// check turns a callback status into an error carrying the stack record.
func (rt *runtime) check(status vol.Status, op string) error {
	if status == vol.Succeed {
		return nil
	}
	return rt.lastError(op)
}

func (rt *runtime) lastError(op string) error {
	rec, ok := rt.dispatcher.Errors().Last()
	if !ok {
		return fmt.Errorf("%s failed", op)
	}
	return fmt.Errorf("%s: %s/%s: %w", rec.Op, rec.Major, rec.Minor, rec.Err)
}
