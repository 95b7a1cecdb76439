package main

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// startMetricsServer exposes reg on addr at /metrics and returns a shutdown
// func. Grounded on the teacher's core/system_health_logging.go, which
// mounts "github.com/prometheus/client_golang/prometheus/promhttp" the same
// way: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}) behind a plain
// net/http server, one registry per process rather than the global
// DefaultRegisterer so a node's metrics never collide with another
// in-process collector.
func startMetricsServer(addr string, reg *prometheus.Registry, logger *logrus.Logger) func(context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Warn("hypermeshd: metrics server stopped")
		}
	}()
	return srv.Shutdown
}
