// Copyright 2016 Aleksandr Demakin. All rights reserved.

//go:build linux

// Package api exposes the coordinator over http.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/nxgtw/ipclab/coordinator"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

// Server serves the coordinator commands and metrics.
type Server struct {
	coord  *coordinator.Coordinator
	logger *zap.Logger
	router *gin.Engine
}

// New creates a server for coord. Metrics are served from gatherer, if it is not nil.
func New(coord *coordinator.Coordinator, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		coord:  coord,
		logger: logger.Named("api"),
		router: gin.New(),
	}
	s.router.Use(gin.Recovery())
	s.router.Use(requestLogger(s.logger))
	s.router.Use(cors.New(corsConfig()))

	group := s.router.Group("/ipc")
	group.GET("/status", s.status)
	group.POST("/start/:mechanism", s.lifecycle(coordinator.ActionStart))
	group.POST("/stop/:mechanism", s.lifecycle(coordinator.ActionStop))
	group.POST("/restart/:mechanism", s.lifecycle(coordinator.ActionRestart))
	group.POST("/send", s.send)
	group.GET("/logs/:mechanism", s.logs)
	group.GET("/detail/:mechanism", s.detail)
	group.POST("/command", s.command)

	if gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	return s
}

func corsConfig() cors.Config {
	return cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Content-Length", "Accept"},
		MaxAge:          12 * time.Hour,
	}
}

// Handler returns the http handler of the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is done, then shuts the http server down.
// It does not shut the coordinator down.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting http server", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "http server failed")
	case <-ctx.Done():
	}
	s.logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Wrap(srv.Shutdown(shutdownCtx), "http server shutdown failed")
}

// requestLogger logs every request with its status and duration.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}
