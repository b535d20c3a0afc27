// Package transport provides the connection layer services are served
// over: message framing on top of a byte stream, peer authentication and
// listener lifecycle.
//
// Implementations are registered by protocol name ("tls", "plain") and
// looked up by the reactor when it creates listeners for the configured
// services.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/marmos91/gridrpc/internal/logger"
	"github.com/marmos91/gridrpc/pkg/identity"
)

var (
	ErrUnknownProtocol = errors.New("transport: unknown protocol")
	ErrNotInitialized  = errors.New("transport: listener not initialized")
	ErrClosed          = errors.New("transport: closed")
)

// Transport is one established connection.
//
// Send and Receive exchange CBOR encoded values, one per message.
// SendRaw and ReceiveRaw exchange opaque payloads on the same message
// framing and are used for file transfer chunks.
//
// A Transport is used by a single goroutine at a time.
type Transport interface {
	// Handshake authenticates the peer. It is a no-op for protocols
	// without authentication and is performed implicitly by the first
	// read or write otherwise.
	Handshake(ctx context.Context) error

	Send(v any) error
	Receive(v any) error
	SendRaw(payload []byte) error
	ReceiveRaw() ([]byte, error)

	// PeerCredentials returns the verified identity of the peer. Only
	// meaningful after Handshake.
	PeerCredentials() identity.Credentials

	RemoteAddr() net.Addr
	Close() error
}

// Listener accepts Transports for one service endpoint.
type Listener interface {
	// InitAsServer loads the server security context and binds the socket.
	InitAsServer() error

	Accept() (Transport, error)
	Close() error
	Addr() net.Addr

	// LatestServerRenewTime is when the security context was last loaded.
	LatestServerRenewTime() time.Time

	// RenewServerContext reloads the security context. On failure the
	// previous context stays in use.
	RenewServerContext() error
}

// TLSFiles locates the host credentials and trust anchors.
type TLSFiles struct {
	CertFile string
	KeyFile  string
	CAFile   string
	CADir    string
	CRLDir   string
}

// Options configures a listener.
type Options struct {
	Host string
	Port int

	// SessionTimeout bounds the security handshake.
	SessionTimeout time.Duration

	// IgnoreCRLs disables revocation checks.
	IgnoreCRLs bool

	// Timeout bounds each read and write on accepted connections.
	Timeout time.Duration

	// ReusePort binds with SO_REUSEPORT so clone processes can share the port.
	ReusePort bool

	TLS TLSFiles

	Logger *logger.Logger
}

// Address returns the host:port the listener binds to.
func (o Options) Address() string {
	return net.JoinHostPort(o.Host, fmt.Sprintf("%d", o.Port))
}

// DialOptions configures a client connection.
type DialOptions struct {
	// Certificate files of the client. For proxies, CertFile holds the
	// whole chain, leaf first.
	CertFile string
	KeyFile  string

	CAFile string
	CADir  string

	// ServerName overrides the name used to verify the server certificate.
	ServerName string

	// InsecureSkipVerify disables server certificate verification.
	InsecureSkipVerify bool

	Timeout time.Duration
}

// Protocol creates listeners and client connections for one protocol name.
type Protocol interface {
	NewListener(opts Options) (Listener, error)
	Dial(ctx context.Context, address string, opts DialOptions) (Transport, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Protocol{}
)

// Register makes a protocol available under name, replacing any previous
// registration.
func Register(name string, p Protocol) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = p
}

// Lookup returns the protocol registered under name.
func Lookup(name string) (Protocol, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	p, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProtocol, name)
	}
	return p, nil
}

// Protocols lists the registered protocol names in sorted order.
func Protocols() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	Register("tls", tlsProtocol{})
	Register("plain", plainProtocol{})
}
