// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package adminserver exposes liveness/readiness probes and Prometheus
// metrics on a side channel shared by the cmd/ binaries, so admin traffic
// never mixes with the IPC control/data sockets.
package adminserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/duvitech/iot-edge/pkg/health"
)

// New builds an *http.Server serving /metrics, /live, /ready, and /health
// on addr. extra registers additional routes a binary needs beyond the
// shared admin surface, such as an operator override endpoint.
func New(addr string, checker *health.Checker, extra map[string]http.HandlerFunc) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/live", health.LivenessHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.HandleFunc("/health", checker.HTTPHandler())
	for path, handler := range extra {
		mux.HandleFunc(path, handler)
	}

	return &http.Server{
		Addr:    addr,
		Handler: mux,
	}
}

// Run serves srv until ctx is cancelled, then shuts it down gracefully.
func Run(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin server listening", slog.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
