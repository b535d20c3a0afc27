package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/marmos91/gridrpc/internal/logger"
)

// DefaultSubject is the subject prefix when none is configured.
const DefaultSubject = "gridrpc.events"

// NATSOptions configures a NATS connection for event publishing.
type NATSOptions struct {
	URL            string
	Name           string
	Subject        string
	ConnectTimeout time.Duration
	Logger         *logger.Logger
}

// NATSPublisher publishes events as JSON to <subject>.<event type>.
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
	owned   bool
	log     *logger.Logger
}

// Connect dials the broker and returns a publisher owning the connection.
func Connect(opts NATSOptions) (*NATSPublisher, error) {
	log := opts.Logger
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	log.Info("Connecting to NATS at %s as %s", opts.URL, opts.Name)
	nc, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.Timeout(timeout),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(60),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", opts.URL, err)
	}

	p := NewNATSPublisher(nc, opts.Subject, log)
	p.owned = true
	return p, nil
}

// NewNATSPublisher publishes on an existing connection. Close does not
// close nc.
func NewNATSPublisher(nc *nats.Conn, subject string, log *logger.Logger) *NATSPublisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSPublisher{nc: nc, subject: strings.TrimSuffix(subject, "."), log: log}
}

// Subject returns the subject an event of the given type is published on.
func (p *NATSPublisher) Subject(eventType string) string {
	return p.subject + "." + eventType
}

// Publish encodes event and publishes it. A zero Timestamp is set to now.
func (p *NATSPublisher) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	subject := p.Subject(event.Type)
	if err := p.nc.Publish(subject, data); err != nil {
		p.log.Error("Failed to publish to %s: %v", subject, err)
		return err
	}
	p.log.Debug("Published %s for %s", event.Type, event.Service)
	return nil
}

// Close flushes pending events and closes the connection if the
// publisher opened it.
func (p *NATSPublisher) Close() error {
	if !p.owned {
		return nil
	}
	if err := p.nc.Flush(); err != nil {
		p.log.Warn("Failed to flush NATS connection: %v", err)
	}
	p.nc.Close()
	return nil
}
