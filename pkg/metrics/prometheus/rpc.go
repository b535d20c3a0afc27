package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/gridrpc/pkg/metrics"
)

// rpcMetrics is the Prometheus implementation of metrics.RPCMetrics.
type rpcMetrics struct {
	callsTotal          *prometheus.CounterVec
	callDuration        *prometheus.HistogramVec
	callsInFlight       *prometheus.GaugeVec
	unauthorizedTotal   *prometheus.CounterVec
	connectionsAccepted *prometheus.CounterVec
	connectionsRejected *prometheus.CounterVec
	activeConnections   prometheus.Gauge
	transferBytes       *prometheus.CounterVec
	renewalsTotal       *prometheus.CounterVec
}

// NewRPCMetrics creates a new Prometheus-backed RPCMetrics instance.
//
// Returns a no-op implementation if metrics are not enabled (InitRegistry not called).
// It registers its collectors, so it must be called once per registry.
func NewRPCMetrics() metrics.RPCMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopRPCMetrics()
	}

	reg := metrics.GetRegistry()

	return &rpcMetrics{
		callsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "gridrpc_calls_total",
				Help: "Total number of RPC calls by service, method and status",
			},
			[]string{"service", "method", "status"},
		),
		callDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "gridrpc_call_duration_seconds",
				Help: "Duration of RPC calls in seconds",
				Buckets: []float64{
					0.001, // 1ms
					0.01,  // 10ms
					0.1,   // 100ms
					1,     // 1s
					10,    // 10s
					60,    // 1m
				},
			},
			[]string{"service", "method"},
		),
		callsInFlight: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gridrpc_calls_in_flight",
				Help: "Current number of RPC calls being processed",
			},
			[]string{"service"},
		),
		unauthorizedTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "gridrpc_unauthorized_total",
				Help: "Total number of denied calls and transfers",
			},
			[]string{"service", "method"},
		),
		connectionsAccepted: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "gridrpc_connections_accepted_total",
				Help: "Total number of connections handed to a request handler",
			},
			[]string{"service"},
		),
		connectionsRejected: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "gridrpc_connections_rejected_total",
				Help: "Total number of connections closed right after accept",
			},
			[]string{"service", "reason"},
		),
		activeConnections: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "gridrpc_active_connections",
				Help: "Current number of connections being handled",
			},
		),
		transferBytes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "gridrpc_transfer_bytes_total",
				Help: "Total payload bytes moved by file transfers",
			},
			[]string{"service", "direction"},
		),
		renewalsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "gridrpc_context_renewals_total",
				Help: "Total number of server context renewals by status",
			},
			[]string{"service", "status"},
		),
	}
}

func (m *rpcMetrics) RecordCall(service, method string, duration time.Duration, ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	m.callsTotal.WithLabelValues(service, method, status).Inc()
	m.callDuration.WithLabelValues(service, method).Observe(duration.Seconds())
}

func (m *rpcMetrics) RecordCallStart(service string) {
	m.callsInFlight.WithLabelValues(service).Inc()
}

func (m *rpcMetrics) RecordCallEnd(service string) {
	m.callsInFlight.WithLabelValues(service).Dec()
}

func (m *rpcMetrics) RecordUnauthorized(service, method string) {
	m.unauthorizedTotal.WithLabelValues(service, method).Inc()
}

func (m *rpcMetrics) RecordConnectionAccepted(service string) {
	m.connectionsAccepted.WithLabelValues(service).Inc()
}

func (m *rpcMetrics) RecordConnectionRejected(service, reason string) {
	m.connectionsRejected.WithLabelValues(service, reason).Inc()
}

func (m *rpcMetrics) SetActiveConnections(count int64) {
	m.activeConnections.Set(float64(count))
}

func (m *rpcMetrics) RecordTransferBytes(service, direction string, bytes int64) {
	m.transferBytes.WithLabelValues(service, direction).Add(float64(bytes))
}

func (m *rpcMetrics) RecordRenewal(service string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.renewalsTotal.WithLabelValues(service, status).Inc()
}
