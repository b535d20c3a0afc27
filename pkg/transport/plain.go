package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// listen binds a TCP socket for opts, with SO_REUSEPORT when requested.
func listen(opts Options) (net.Listener, error) {
	lc := net.ListenConfig{}
	if opts.ReusePort {
		lc.Control = reusePortControl
	}
	ln, err := lc.Listen(context.Background(), "tcp", opts.Address())
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", opts.Address(), err)
	}
	return ln, nil
}

// plainProtocol is TCP without a security layer. Every peer is anonymous.
// Meant for loopback deployments and tests.
type plainProtocol struct{}

func (plainProtocol) NewListener(opts Options) (Listener, error) {
	return &plainListener{opts: opts}, nil
}

func (plainProtocol) Dial(ctx context.Context, address string, opts DialOptions) (Transport, error) {
	d := net.Dialer{Timeout: opts.Timeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	return newFramedConn(conn, opts.Timeout), nil
}

type plainListener struct {
	opts Options

	mu      sync.Mutex
	ln      net.Listener
	renewed time.Time
}

func (l *plainListener) InitAsServer() error {
	ln, err := listen(l.opts)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.ln = ln
	l.renewed = time.Now()
	l.mu.Unlock()
	return nil
}

func (l *plainListener) Accept() (Transport, error) {
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
	return newFramedConn(conn, l.opts.Timeout), nil
}

func (l *plainListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	err := l.ln.Close()
	l.ln = nil
	return err
}

func (l *plainListener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

func (l *plainListener) LatestServerRenewTime() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.renewed
}

// RenewServerContext has nothing to reload; it only advances the renewal time.
func (l *plainListener) RenewServerContext() error {
	l.mu.Lock()
	l.renewed = time.Now()
	l.mu.Unlock()
	return nil
}
