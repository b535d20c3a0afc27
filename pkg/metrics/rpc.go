package metrics

import "time"

// Reasons a connection is closed right after accept.
const (
	RejectBanned      = "banned"
	RejectRateLimited = "rate_limited"
	RejectCapacity    = "capacity"
)

// Directions of a file transfer.
const (
	DirectionFromClient = "from_client"
	DirectionToClient   = "to_client"
)

// RPCMetrics provides observability for the service reactor and the
// per-connection request handlers.
//
// Implementations can collect metrics about RPC calls, connection
// lifecycle, file transfers and server context renewals. This interface
// is optional: components given nil use NewNoopRPCMetrics.
//
// Example usage:
//
//	// With metrics enabled
//	metrics.InitRegistry()
//	m := prometheus.NewRPCMetrics()
//	r := reactor.New(cfg, catalog, reactor.WithMetrics(m))
//
//	// Without metrics (no-op)
//	r := reactor.New(cfg, catalog)
// UnknownMethod labels calls to names the service does not export, so
// callers cannot create series at will.
const UnknownMethod = "unknown"

type RPCMetrics interface {
	// RecordCall records a completed RPC call.
	//
	// Parameters:
	//   - service: Service name (e.g. "Framework/Gateway")
	//   - method: Method name, or "unknown" when it did not resolve
	//   - duration: Time spent from authorization to the reply
	//   - ok: Whether the returned Outcome was OK
	RecordCall(service, method string, duration time.Duration, ok bool)

	// RecordCallStart increments the in-flight counter for service.
	RecordCallStart(service string)

	// RecordCallEnd decrements the in-flight counter for service.
	RecordCallEnd(service string)

	// RecordUnauthorized counts a denied call or transfer.
	RecordUnauthorized(service, method string)

	// RecordConnectionAccepted counts a connection handed to a handler.
	RecordConnectionAccepted(service string)

	// RecordConnectionRejected counts a connection closed right after
	// accept. reason is one of the Reject* constants.
	RecordConnectionRejected(service, reason string)

	// SetActiveConnections updates the number of connections being handled.
	SetActiveConnections(count int64)

	// RecordTransferBytes adds payload bytes moved by a file transfer.
	RecordTransferBytes(service, direction string, bytes int64)

	// RecordRenewal records an attempt to renew a server context.
	RecordRenewal(service string, err error)
}

// NewNoopRPCMetrics returns an RPCMetrics that discards everything.
func NewNoopRPCMetrics() RPCMetrics {
	return noopRPCMetrics{}
}

// OrNoop returns m, or a no-op implementation when m is nil.
func OrNoop(m RPCMetrics) RPCMetrics {
	if m == nil {
		return noopRPCMetrics{}
	}
	return m
}

type noopRPCMetrics struct{}

func (noopRPCMetrics) RecordCall(string, string, time.Duration, bool) {}
func (noopRPCMetrics) RecordCallStart(string)                         {}
func (noopRPCMetrics) RecordCallEnd(string)                           {}
func (noopRPCMetrics) RecordUnauthorized(string, string)              {}
func (noopRPCMetrics) RecordConnectionAccepted(string)                {}
func (noopRPCMetrics) RecordConnectionRejected(string, string)        {}
func (noopRPCMetrics) SetActiveConnections(int64)                     {}
func (noopRPCMetrics) RecordTransferBytes(string, string, int64)      {}
func (noopRPCMetrics) RecordRenewal(string, error)                    {}
