// Copyright 2016 Aleksandr Demakin. All rights reserved.

//go:build linux

package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/nxgtw/ipclab/internal/api"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func (a *app) serveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the coordinator over http",
		Long: `Serve the coordinator commands over http and the metrics at /metrics.
All mechanisms are stopped on SIGINT or SIGTERM.`,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd, "stdout")
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer a.teardown()
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().String("http-addr", ":9000", "address of the http server")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !a.cfg.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	coord := a.newCoordinator(reg)
	defer coord.Shutdown()

	a.logger.Info("ipclab server starting", zap.String("version", Version), zap.String("addr", a.cfg.Addr))
	err := api.New(coord, reg, a.logger).Run(ctx, a.cfg.Addr)
	a.logger.Info("shutting down gracefully")
	return err
}
