// File: internal/httpmetrics/httpmetrics.go
// Package httpmetrics exposes the orchestrator's Prometheus series on
// GET /metrics via prometheus/client_golang.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package httpmetrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors holds the exported series, registered against a private
// registry so this package never touches the global default
// registry.
type Collectors struct {
	registry *prometheus.Registry

	ColdStartsTotal       prometheus.Counter
	RestoresTotal         prometheus.Counter
	RestoreDurationSecs   prometheus.Histogram
	WarmPoolSize          prometheus.Gauge
	RouterPacketsTotal    prometheus.Counter
	RouterPacketsMatched  prometheus.Counter
	RouterPacketsPassed   prometheus.Counter
	RouterPacketsDropped  prometheus.Counter
}

// NewCollectors constructs and registers every required series.
func NewCollectors() *Collectors {
	reg := prometheus.NewRegistry()
	c := &Collectors{
		registry: reg,
		ColdStartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "function_cold_starts_total",
			Help: "Total number of cold-spawned (non-warm-pool) function starts.",
		}),
		RestoresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "function_restores_total",
			Help: "Total number of successful warm-pool restores.",
		}),
		RestoreDurationSecs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "function_restore_duration_seconds",
			Help:    "Observed restore latency, in seconds.",
			Buckets: []float64{0.001, 0.002, 0.005, 0.010, 0.015, 0.025, 0.050, 0.100},
		}),
		WarmPoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warm_pool_size",
			Help: "Current number of records in WarmSnapshot state.",
		}),
		RouterPacketsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "router_packets_total",
			Help: "Total packets observed by the XDP router.",
		}),
		RouterPacketsMatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "router_packets_matched",
			Help: "Packets whose destination port matched a routing entry.",
		}),
		RouterPacketsPassed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "router_packets_passed",
			Help: "Packets passed up the stack by the XDP router.",
		}),
		RouterPacketsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "router_packets_dropped",
			Help: "Packets dropped by the XDP router in strict mode.",
		}),
	}
	reg.MustRegister(
		c.ColdStartsTotal, c.RestoresTotal, c.RestoreDurationSecs, c.WarmPoolSize,
		c.RouterPacketsTotal, c.RouterPacketsMatched, c.RouterPacketsPassed, c.RouterPacketsDropped,
	)
	return c
}

// Server serves GET /metrics on addr until the given context is
// cancelled.
type Server struct {
	collectors *Collectors
	httpServer *http.Server
}

// NewServer binds a metrics HTTP server to addr (e.g. ":9090").
func NewServer(addr string, collectors *Collectors) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(collectors.registry, promhttp.HandlerOpts{}))
	return &Server{
		collectors: collectors,
		httpServer: &http.Server{Addr: addr, Handler: mux},
	}
}

// Run blocks serving until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.httpServer.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}
