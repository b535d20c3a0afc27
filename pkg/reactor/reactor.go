// Package reactor hosts the services of one process. It builds their
// handlers, binds one listener per service and multiplexes every
// listener in a single loop that hands accepted connections to the
// service's request handler.
//
// Lifecycle:
//  1. New(Options)
//  2. Initialize(ctx, names) builds and initializes the handlers
//  3. CreateListeners() binds the endpoints
//  4. Serve(ctx) runs until ctx is cancelled, then drains connections
package reactor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/marmos91/gridrpc/internal/logger"
	"github.com/marmos91/gridrpc/internal/ratelimiter"
	"github.com/marmos91/gridrpc/pkg/authz"
	"github.com/marmos91/gridrpc/pkg/config"
	"github.com/marmos91/gridrpc/pkg/events"
	"github.com/marmos91/gridrpc/pkg/metrics"
	"github.com/marmos91/gridrpc/pkg/registry"
	"github.com/marmos91/gridrpc/pkg/service"
	"github.com/marmos91/gridrpc/pkg/transport"
)

var (
	ErrNoServices    = errors.New("reactor: no services to serve")
	ErrNoListeners   = errors.New("reactor: listeners not created")
	ErrAlreadyServed = errors.New("reactor: Serve already called")
)

// Options configures a Reactor.
type Options struct {
	// Store is the hierarchical configuration the service descriptors
	// and the registry are read from.
	Store config.Store

	Catalog  *service.Catalog
	Registry *registry.Registry

	Server config.ServerConfig
	TLS    config.TLSConfig

	// Hostname is used in service URLs; empty means os.Hostname.
	Hostname string

	// CloneIndex is 0 in the parent process and the clone number in
	// processes started by a CloneSpawner.
	CloneIndex int

	// Clones starts the extra processes of services with CloneCount > 1.
	// Nil disables cloning.
	Clones CloneSpawner

	Metrics metrics.RPCMetrics
	Events  events.Publisher
	Logger  *logger.Logger
}

// endpoint is one served service.
type endpoint struct {
	descriptor *config.ServiceDescriptor
	handler    *service.Handler
	requests   *service.RequestHandler
	listener   transport.Listener
	limiter    *ratelimiter.RateLimiter
	url        string
}

// Reactor serves a set of services from one process.
//
// Initialize, CreateListeners and Serve are called once, in that order,
// from one goroutine. CloseListeningConnections and Endpoints are safe
// for concurrent use.
type Reactor struct {
	opts     Options
	log      *logger.Logger
	metrics  metrics.RPCMetrics
	events   events.Publisher
	engine   *authz.Engine
	hostname string
	banned   map[string]struct{}

	mu        sync.RWMutex
	endpoints []*endpoint

	closeOnce sync.Once
	closing   atomic.Bool
	served    atomic.Bool

	// Connection tracking.
	conns  sync.WaitGroup
	active atomic.Int64
	sem    chan struct{}
	open   sync.Map // transport.Transport -> remote address
}

// New creates a reactor. Store, Catalog and Registry are required.
func New(opts Options) *Reactor {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	pub := opts.Events
	if pub == nil {
		pub = events.NoopPublisher{}
	}

	hostname := opts.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}

	banned := make(map[string]struct{}, len(opts.Server.BannedIPs))
	for _, ip := range opts.Server.BannedIPs {
		banned[normalizeIP(ip)] = struct{}{}
	}

	r := &Reactor{
		opts:     opts,
		log:      log.With("component", "reactor"),
		metrics:  metrics.OrNoop(opts.Metrics),
		events:   pub,
		engine:   authz.New(opts.Registry, log.With("component", "authz")),
		hostname: hostname,
		banned:   banned,
	}
	if opts.Server.MaxConnections > 0 {
		r.sem = make(chan struct{}, opts.Server.MaxConnections)
	}
	return r
}

// Initialize builds the handler of every named service. The gateway is
// always handled first and duplicate names are ignored. The first error
// aborts initialization and closes the handlers built so far.
func (r *Reactor) Initialize(ctx context.Context, names []string) error {
	names, err := orderServices(names)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return ErrNoServices
	}

	env := service.Environment{
		Store:     r.opts.Store,
		Registry:  r.opts.Registry,
		Directory: r,
		Logger:    r.log,
	}

	var built []*endpoint
	fail := func(err error) error {
		for _, ep := range built {
			if cerr := ep.handler.Close(); cerr != nil {
				r.log.Warn("Closing handler of %s: %v", ep.descriptor.Name, cerr)
			}
		}
		return err
	}

	for _, name := range names {
		d, err := config.BuildServiceDescriptor(r.opts.Store, name, r.hostname)
		if err != nil {
			return fail(fmt.Errorf("service %s: %w", name, err))
		}
		h, err := r.opts.Catalog.Build(d, env)
		if err != nil {
			return fail(err)
		}
		// Registered before Initialize so a failing hook still closes it.
		ep := &endpoint{descriptor: d, handler: h, url: d.URL}
		built = append(built, ep)

		if err := h.Initialize(ctx); err != nil {
			return fail(err)
		}
		ep.requests = service.NewRequestHandler(h, r.engine, service.WithMetrics(r.metrics))
		r.log.Info("Initialized %s (module %s, %d methods)", d.Name, d.Module, len(h.Methods()))
	}

	r.mu.Lock()
	r.endpoints = built
	r.mu.Unlock()
	return nil
}

// orderServices normalizes names, removes duplicates and moves the
// gateway to the front.
func orderServices(names []string) ([]string, error) {
	seen := make(map[string]struct{}, len(names))
	var gateway bool
	out := make([]string, 0, len(names))
	for _, raw := range names {
		system, component, err := config.SplitServiceName(raw)
		if err != nil {
			return nil, err
		}
		name := system + "/" + component
		key := strings.ToLower(name)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if strings.EqualFold(name, config.GatewayServiceName) {
			gateway = true
			continue
		}
		out = append(out, name)
	}
	if gateway {
		out = append([]string{config.GatewayServiceName}, out...)
	}
	return out, nil
}

// CreateListeners binds a listener for every initialized service. On
// error the listeners created so far are closed.
func (r *Reactor) CreateListeners() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.endpoints) == 0 {
		return ErrNoServices
	}

	var created []*endpoint
	fail := func(err error) error {
		for _, ep := range created {
			_ = ep.listener.Close()
			ep.listener = nil
		}
		return err
	}

	for _, ep := range r.endpoints {
		d := ep.descriptor
		if !d.PortSet {
			return fail(fmt.Errorf("service %s: no port configured", d.Name))
		}
		proto, err := transport.Lookup(d.Protocol)
		if err != nil {
			return fail(fmt.Errorf("service %s: %w", d.Name, err))
		}

		l, err := proto.NewListener(r.listenerOptions(d))
		if err != nil {
			return fail(fmt.Errorf("service %s: create listener: %w", d.Name, err))
		}
		if err := l.InitAsServer(); err != nil {
			return fail(fmt.Errorf("service %s: initialize listener: %w", d.Name, err))
		}
		ep.listener = l
		created = append(created, ep)

		ep.limiter = ratelimiter.New(r.opts.Server.AcceptRate, r.opts.Server.AcceptBurst)
		if r.opts.Server.HostAcceptRate > 0 {
			ep.limiter.WithPerHost(r.opts.Server.HostAcceptRate, r.opts.Server.HostAcceptBurst)
		}

		port := d.Port
		if tcp, ok := l.Addr().(*net.TCPAddr); ok {
			port = tcp.Port
		}
		ep.url = fmt.Sprintf("%s://%s:%d/%s", d.Protocol, r.hostname, port, d.Name)
		r.log.Info("Listening for %s on %s (%s)", d.Name, l.Addr(), ep.url)
	}
	return nil
}

func (r *Reactor) listenerOptions(d *config.ServiceDescriptor) transport.Options {
	return transport.Options{
		Host:           r.opts.Server.Host,
		Port:           d.Port,
		SessionTimeout: d.SessionTimeout,
		IgnoreCRLs:     d.IgnoreCRLs,
		Timeout:        d.PacketTimeout,
		ReusePort:      d.CloneCount > 1 || r.opts.CloneIndex > 0,
		TLS: transport.TLSFiles{
			CertFile: r.opts.TLS.CertFile,
			KeyFile:  r.opts.TLS.KeyFile,
			CAFile:   r.opts.TLS.CAFile,
			CADir:    r.opts.TLS.CADir,
			CRLDir:   r.opts.TLS.CRLDir,
		},
		Logger: r.log.With("service", d.Name),
	}
}

// CloseListeningConnections closes every listener. It is idempotent and
// best effort: errors are logged.
func (r *Reactor) CloseListeningConnections() {
	r.closeOnce.Do(func() {
		r.closing.Store(true)
		r.mu.RLock()
		defer r.mu.RUnlock()
		for _, ep := range r.endpoints {
			if ep.listener == nil {
				continue
			}
			if err := ep.listener.Close(); err != nil {
				r.log.Debug("Closing listener of %s: %v", ep.descriptor.Name, err)
			}
		}
	})
}

// Close closes the listeners and the handlers. Serve does this itself;
// Close is for a process that stops before serving.
func (r *Reactor) Close() error {
	r.CloseListeningConnections()
	r.mu.RLock()
	defer r.mu.RUnlock()
	var errs []error
	for _, ep := range r.endpoints {
		if err := ep.handler.Close(); err != nil {
			errs = append(errs, fmt.Errorf("service %s: %w", ep.descriptor.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Endpoints lists the services of the process with their URLs.
func (r *Reactor) Endpoints() []service.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]service.Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, service.Endpoint{Name: ep.descriptor.Name, URL: ep.url})
	}
	return out
}

// Addr returns the bound address of a service, or nil.
func (r *Reactor) Addr(name string) net.Addr {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ep := range r.endpoints {
		if strings.EqualFold(ep.descriptor.Name, name) && ep.listener != nil {
			return ep.listener.Addr()
		}
	}
	return nil
}

// ActiveConnections is the number of connections being served.
func (r *Reactor) ActiveConnections() int64 {
	return r.active.Load()
}

func normalizeIP(s string) string {
	if ip := net.ParseIP(s); ip != nil {
		return ip.String()
	}
	return s
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return normalizeIP(addr.String())
	}
	return normalizeIP(host)
}
