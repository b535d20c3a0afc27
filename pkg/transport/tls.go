package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/gridrpc/pkg/identity"
)

// tlsProtocol is mutual TLS where clients authenticate with grid
// certificates, proxies included.
type tlsProtocol struct{}

func (tlsProtocol) NewListener(opts Options) (Listener, error) {
	if opts.TLS.CertFile == "" || opts.TLS.KeyFile == "" {
		return nil, errors.New("tls: host certificate and key are required")
	}
	if opts.TLS.CAFile == "" && opts.TLS.CADir == "" {
		return nil, errors.New("tls: a CA file or CA directory is required")
	}
	return &tlsListener{opts: opts}, nil
}

// serverContext is everything loaded from disk that a handshake needs.
// It is replaced as a whole on renewal.
type serverContext struct {
	cert   tls.Certificate
	trust  *identity.TrustStore
	loaded time.Time
}

type tlsListener struct {
	opts Options

	mu sync.Mutex
	ln net.Listener

	current atomic.Pointer[serverContext]
}

func (l *tlsListener) loadContext() (*serverContext, error) {
	cert, err := tls.LoadX509KeyPair(l.opts.TLS.CertFile, l.opts.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load host certificate: %w", err)
	}

	crlDir := l.opts.TLS.CRLDir
	if l.opts.IgnoreCRLs {
		crlDir = ""
	}
	trust, err := identity.LoadTrustStore(l.opts.TLS.CAFile, l.opts.TLS.CADir, crlDir)
	if err != nil {
		return nil, fmt.Errorf("load trust store: %w", err)
	}

	return &serverContext{cert: cert, trust: trust, loaded: time.Now()}, nil
}

func (l *tlsListener) InitAsServer() error {
	sc, err := l.loadContext()
	if err != nil {
		return err
	}
	l.current.Store(sc)

	ln, err := listen(l.opts)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()
	return nil
}

func (l *tlsListener) Accept() (Transport, error) {
	l.mu.Lock()
	ln := l.ln
	l.mu.Unlock()
	if ln == nil {
		return nil, ErrNotInitialized
	}

	conn, err := ln.Accept()
	if err != nil {
		return nil, err
	}

	var t *framedConn
	base := &tls.Config{
		// The security context in effect is picked when the client hello
		// arrives, so a renewal applies to every later handshake.
		GetConfigForClient: func(*tls.ClientHelloInfo) (*tls.Config, error) {
			return l.configFor(t), nil
		},
	}
	tlsConn := tls.Server(conn, base)
	t = newFramedConn(tlsConn, l.opts.Timeout)
	t.handshake = func(ctx context.Context) error {
		if l.opts.SessionTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, l.opts.SessionTimeout)
			defer cancel()
		}
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return fmt.Errorf("tls handshake with %s: %w", conn.RemoteAddr(), err)
		}
		return nil
	}
	return t, nil
}

// configFor builds the per-connection configuration. Client certificates
// are mandatory but verified by VerifyPeerCertificate, since the standard
// verifier rejects proxy certificates.
func (l *tlsListener) configFor(t *framedConn) *tls.Config {
	sc := l.current.Load()
	return &tls.Config{
		Certificates: []tls.Certificate{sc.cert},
		ClientAuth:   tls.RequireAnyClientCert,
		MinVersion:   tls.VersionTLS12,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			chain := make([]*x509.Certificate, 0, len(rawCerts))
			for _, raw := range rawCerts {
				c, err := x509.ParseCertificate(raw)
				if err != nil {
					return fmt.Errorf("parse client certificate: %w", err)
				}
				chain = append(chain, c)
			}
			creds, err := identity.VerifyChain(chain, identity.VerifyOptions{
				Roots:   sc.trust.Roots,
				Revoked: sc.trust.Revoked,
			})
			if err != nil {
				return err
			}
			t.creds = creds
			return nil
		},
	}
}

func (l *tlsListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	err := l.ln.Close()
	l.ln = nil
	return err
}

func (l *tlsListener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

func (l *tlsListener) LatestServerRenewTime() time.Time {
	sc := l.current.Load()
	if sc == nil {
		return time.Time{}
	}
	return sc.loaded
}

func (l *tlsListener) RenewServerContext() error {
	sc, err := l.loadContext()
	if err != nil {
		return err
	}
	l.current.Store(sc)
	if l.opts.Logger != nil {
		l.opts.Logger.Debug("Security context reloaded for %s (%d CAs, %d revoked serials)",
			l.opts.Address(), len(sc.trust.CAs), sc.trust.Revoked.Len())
	}
	return nil
}

func (tlsProtocol) Dial(ctx context.Context, address string, opts DialOptions) (Transport, error) {
	cfg, err := clientConfig(address, opts)
	if err != nil {
		return nil, err
	}

	d := &tls.Dialer{NetDialer: &net.Dialer{Timeout: opts.Timeout}, Config: cfg}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}

	tlsConn := conn.(*tls.Conn)
	t := newFramedConn(tlsConn, opts.Timeout)
	t.creds = identity.Describe(tlsConn.ConnectionState().PeerCertificates)
	return t, nil
}

func clientConfig(address string, opts DialOptions) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: opts.InsecureSkipVerify,
		ServerName:         opts.ServerName,
	}

	if cfg.ServerName == "" {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			return nil, fmt.Errorf("parse address %s: %w", address, err)
		}
		cfg.ServerName = host
	}

	if opts.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		// Always present the configured chain; proxy chains do not match
		// the server's acceptable CA list on their leaf.
		cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
			return &cert, nil
		}
	}

	if opts.CAFile != "" || opts.CADir != "" {
		trust, err := identity.LoadTrustStore(opts.CAFile, opts.CADir, "")
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = trust.Roots
	}

	return cfg, nil
}
