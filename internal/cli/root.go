// Copyright 2016 Aleksandr Demakin. All rights reserved.

//go:build linux

// Package cli implements the ipclab command line.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/nxgtw/ipclab/coordinator"
	"github.com/nxgtw/ipclab/internal/config"
	"github.com/nxgtw/ipclab/internal/logging"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Version is the ipclab version.
const Version = "0.3.0"

// app is the state shared by the subcommands.
type app struct {
	v      *viper.Viper
	cfg    *config.Config
	logger *zap.Logger
}

// NewRootCommand creates the ipclab command tree.
func NewRootCommand() *cobra.Command {
	a := &app{v: viper.New()}
	root := &cobra.Command{
		Use:   "ipclab",
		Short: "ipc mechanisms laboratory",
		Long: fmt.Sprintf(`ipclab (v%s)

Starts, stops and exercises anonymous pipes, unix socket pairs and a sysV
shared memory segment guarded by a readers-writers semaphore set.
Every flag can be set with an environment variable IPCLAB_<FLAG>, e.g. IPCLAB_LOG_LEVEL=debug.`, Version),
		SilenceUsage: true,
	}
	addConfigFlags(root.PersistentFlags())

	root.AddCommand(a.serveCommand())
	root.AddCommand(a.shellCommand())
	root.AddCommand(a.demoCommand())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number of ipclab",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ipclab v%s\n", Version)
		},
	})
	return root
}

// Execute runs the root command and exits on error.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func addConfigFlags(flags *pflag.FlagSet) {
	defaults := config.Default()
	flags.String("log-level", defaults.Level, "log level (debug, info, warn, error)")
	flags.Bool("log-dev", defaults.Development, "human readable console logs")
	flags.Duration("grace-period", defaults.GracePeriod, "time a responder has to exit after SIGTERM before it is killed")
	flags.Duration("settle-delay", defaults.SettleDelay, "delay between stop and start on restart")
	flags.Duration("sem-timeout", defaults.SemaphoreTimeout, "bound of a semaphore wait, negative waits forever")
	flags.Int("log-capacity", defaults.LogCapacity, "activity log entries kept per mechanism")
	flags.Duration("monitor-interval", defaults.MonitorInterval, "interval of responder liveness checks")
}

// setup loads the configuration and builds the logger.
// Environment and .env files are read by config.Load, flags set on the command line win.
func (a *app) setup(cmd *cobra.Command, logOutput string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a.v.SetEnvPrefix("ipclab")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
	a.v.SetDefault("log-level", cfg.Level)
	a.v.SetDefault("log-dev", cfg.Development)
	a.v.SetDefault("grace-period", cfg.GracePeriod)
	a.v.SetDefault("settle-delay", cfg.SettleDelay)
	a.v.SetDefault("sem-timeout", cfg.SemaphoreTimeout)
	a.v.SetDefault("log-capacity", cfg.LogCapacity)
	a.v.SetDefault("monitor-interval", cfg.MonitorInterval)
	a.v.SetDefault("http-addr", cfg.Addr)
	if err := a.v.BindPFlags(cmd.Flags()); err != nil {
		return errors.Wrap(err, "failed to bind flags")
	}

	cfg.Level = a.v.GetString("log-level")
	cfg.Development = a.v.GetBool("log-dev")
	cfg.GracePeriod = a.v.GetDuration("grace-period")
	cfg.SettleDelay = a.v.GetDuration("settle-delay")
	cfg.SemaphoreTimeout = a.v.GetDuration("sem-timeout")
	cfg.LogCapacity = a.v.GetInt("log-capacity")
	cfg.MonitorInterval = a.v.GetDuration("monitor-interval")
	cfg.Addr = a.v.GetString("http-addr")
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	logger, err := logging.New(logging.Config{
		Level:       cfg.Level,
		Development: cfg.Development,
		OutputPaths: []string{logOutput},
	})
	if err != nil {
		return err
	}
	a.logger = logger
	return nil
}

func (a *app) teardown() {
	if a.logger != nil {
		// syncing stderr fails on some terminals.
		_ = a.logger.Sync()
	}
}

func (a *app) newCoordinator(reg prometheus.Registerer) *coordinator.Coordinator {
	return coordinator.New(coordinator.Options{
		Config:     a.cfg.CoordinatorConfig,
		Logger:     a.logger,
		Registerer: reg,
	})
}
