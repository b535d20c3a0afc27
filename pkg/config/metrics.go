package config

import (
	"github.com/marmos91/gridrpc/internal/logger"
	"github.com/marmos91/gridrpc/pkg/metrics"
	promMetrics "github.com/marmos91/gridrpc/pkg/metrics/prometheus"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// RPC is the collector for the reactor and handlers (never nil, noop if disabled)
	RPC metrics.RPCMetrics
}

// InitializeMetrics creates the metrics components described by cfg.
//
// If metrics are enabled it initializes the global Prometheus registry and
// returns a server plus Prometheus-backed collectors. Otherwise the server
// is nil and the collectors are no-ops.
func InitializeMetrics(cfg *Config, log *logger.Logger) *MetricsResult {
	if !cfg.Metrics.Enabled {
		return &MetricsResult{RPC: metrics.NewNoopRPCMetrics()}
	}

	metrics.InitRegistry()

	return &MetricsResult{
		Server: metrics.NewServer(metrics.ServerConfig{
			Port:   cfg.Metrics.Port,
			Logger: log,
		}),
		RPC: promMetrics.NewRPCMetrics(),
	}
}
