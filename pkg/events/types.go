// Package events publishes service lifecycle events so external tooling
// can follow what a gridrpc process is doing.
package events

import "time"

// Event types.
const (
	ServiceStarted        = "service.started"
	ServiceStopped        = "service.stopped"
	ContextRenewed        = "context.renewed"
	ContextRenewalFailed  = "context.renewal_failed"
	ConnectionBanned      = "connection.banned"
	ConnectionRateLimited = "connection.rate_limited"
)

// Event is one lifecycle notification.
type Event struct {
	Type      string    `json:"type"`
	Service   string    `json:"service"`
	URL       string    `json:"url,omitempty"`
	Host      string    `json:"host"`
	PID       int       `json:"pid"`
	Clone     int       `json:"clone"`
	Timestamp time.Time `json:"timestamp"`

	// Remote is the peer address for connection events.
	Remote string `json:"remote,omitempty"`

	// Error is set for failure events.
	Error string `json:"error,omitempty"`
}
