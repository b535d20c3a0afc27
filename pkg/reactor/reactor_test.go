package reactor

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/gridrpc/internal/logger"
	"github.com/marmos91/gridrpc/internal/testutil"
	"github.com/marmos91/gridrpc/pkg/client"
	"github.com/marmos91/gridrpc/pkg/config"
	"github.com/marmos91/gridrpc/pkg/events"
	"github.com/marmos91/gridrpc/pkg/metrics"
	"github.com/marmos91/gridrpc/pkg/outcome"
	"github.com/marmos91/gridrpc/pkg/registry"
	"github.com/marmos91/gridrpc/pkg/service"
	"github.com/marmos91/gridrpc/pkg/services/gateway"
	"github.com/marmos91/gridrpc/pkg/transport"
)

// recorder collects metrics and events emitted by a reactor.
type recorder struct {
	metrics.RPCMetrics

	mu       sync.Mutex
	rejected map[string]int
	accepted int
	renewals int
	events   []events.Event
}

func newRecorder() *recorder {
	return &recorder{RPCMetrics: metrics.NewNoopRPCMetrics(), rejected: map[string]int{}}
}

func (r *recorder) RecordConnectionRejected(_, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected[reason]++
}

func (r *recorder) RecordConnectionAccepted(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accepted++
}

func (r *recorder) RecordRenewal(_ string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		r.renewals++
	}
}

func (r *recorder) publisher() events.Publisher {
	return events.NewCallbackPublisher(func(_ context.Context, e events.Event) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, e)
		return nil
	})
}

func (r *recorder) rejections(reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rejected[reason]
}

func (r *recorder) event(eventType string) (events.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Type == eventType {
			return e, true
		}
	}
	return events.Event{}, false
}

func (r *recorder) count(eventType, service string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == eventType && e.Service == service {
			n++
		}
	}
	return n
}

type setup struct {
	services map[string]any
	users    map[string]any
	server   config.ServerConfig
	tls      config.TLSConfig
	rec      *recorder
}

func echoService(protocol string, auth map[string]any) map[string]any {
	return map[string]any{"Protocol": protocol, "Port": 0, "Authorization": auth}
}

func testCatalog() *service.Catalog {
	c := service.NewCatalog()
	c.Register("Test/Echo", func(d *config.ServiceDescriptor, env service.Environment) (*service.Handler, error) {
		h := service.NewHandler(d, env.Logger)
		h.Export("add", func(_ context.Context, call *service.Call) (outcome.Outcome, error) {
			return outcome.Ok(call.Int(0) + call.Int(1)), nil
		}, service.KindInt, service.KindInt)
		return h, nil
	})
	return c
}

func newTestReactor(t *testing.T, s setup) *Reactor {
	t.Helper()

	if s.server.Host == "" {
		s.server.Host = "127.0.0.1"
	}
	if s.server.SelectTimeout == 0 {
		s.server.SelectTimeout = 50 * time.Millisecond
	}
	if s.server.ShutdownTimeout == 0 {
		s.server.ShutdownTimeout = 2 * time.Second
	}
	if s.rec == nil {
		s.rec = newRecorder()
	}

	store := config.NewMapStore(map[string]any{
		"Services": map[string]any{"Test": s.services},
		"Registry": map[string]any{
			"DefaultGroup": "user",
			"Users":        s.users,
			"Groups": map[string]any{
				"user":       map[string]any{"Users": []any{"alice"}},
				"adminsonly": map[string]any{"Users": []any{}},
			},
		},
	})

	r := New(Options{
		Store:    store,
		Catalog:  testCatalog(),
		Registry: registry.New(store),
		Server:   s.server,
		TLS:      s.tls,
		Hostname: "127.0.0.1",
		Metrics:  s.rec,
		Events:   s.rec.publisher(),
		Logger:   logger.Discard(),
	})
	return r
}

func start(t *testing.T, r *Reactor, names ...string) (stop func() error) {
	t.Helper()

	require.NoError(t, r.Initialize(context.Background(), names))
	require.NoError(t, r.CreateListeners())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx) }()

	var once sync.Once
	var err error
	stop = func() error {
		once.Do(func() {
			cancel()
			select {
			case err = <-done:
			case <-time.After(10 * time.Second):
				err = errors.New("Serve did not return")
			}
		})
		return err
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func endpointURL(t *testing.T, r *Reactor, name string) string {
	t.Helper()
	for _, ep := range r.Endpoints() {
		if ep.Name == name {
			return ep.URL
		}
	}
	t.Fatalf("no endpoint %s", name)
	return ""
}

func dialPlain(t *testing.T, r *Reactor) (*client.Client, error) {
	t.Helper()
	return dialService(t, r, "Test/Echo")
}

func dialService(t *testing.T, r *Reactor, name string) (*client.Client, error) {
	t.Helper()
	c, err := client.Dial(context.Background(), endpointURL(t, r, name),
		transport.DialOptions{Timeout: 2 * time.Second}, client.Options{})
	if err == nil {
		t.Cleanup(func() { _ = c.Close() })
	}
	return c, err
}

func TestScenarioOverTLS(t *testing.T) {
	pki := testutil.NewPKI(t)
	alice := pki.CA.IssueUser(t, "alice")
	certFile, keyFile := alice.WriteFiles(t, t.TempDir(), "usercert")

	tlsCfg := config.TLSConfig{CertFile: pki.HostCert, KeyFile: pki.HostKey, CAFile: pki.CAFile}
	users := map[string]any{"alice": map[string]any{"DN": alice.DN()}}
	dialOpts := transport.DialOptions{
		CertFile:   certFile,
		KeyFile:    keyFile,
		CAFile:     pki.CAFile,
		ServerName: "localhost",
		Timeout:    5 * time.Second,
	}

	call := func(t *testing.T, auth map[string]any) outcome.Outcome {
		r := newTestReactor(t, setup{
			services: map[string]any{"Echo": echoService("tls", auth)},
			users:    users,
			tls:      tlsCfg,
		})
		start(t, r, "Test/Echo")

		c, err := client.Dial(context.Background(), endpointURL(t, r, "Test/Echo"), dialOpts, client.Options{})
		require.NoError(t, err)
		defer c.Close()

		res, err := c.Call(context.Background(), "add", []any{2, 3}, nil)
		require.NoError(t, err)
		return res
	}

	t.Run("authorized for all", func(t *testing.T) {
		res := call(t, map[string]any{"add": "all"})
		require.True(t, res.OK, res.Message)
		assert.Equal(t, int64(5), res.Value)
	})

	t.Run("reconfigured for admins only", func(t *testing.T) {
		res := call(t, map[string]any{"add": "adminsOnly"})
		assert.False(t, res.OK)
		assert.Equal(t, service.MsgUnauthorized, res.Message)
	})
}

func TestBannedAddressIsClosed(t *testing.T) {
	rec := newRecorder()
	other := echoService("plain", map[string]any{"Default": "all"})
	other["Module"] = "Test/Echo"
	r := newTestReactor(t, setup{
		services: map[string]any{
			"Echo":  echoService("plain", map[string]any{"Default": "all"}),
			"Other": other,
		},
		server: config.ServerConfig{BannedIPs: []string{"127.0.0.1"}},
		rec:    rec,
	})
	start(t, r, "Test/Echo", "Test/Other")

	for _, name := range []string{"Test/Echo", "Test/Other"} {
		_, err := dialService(t, r, name)
		require.Error(t, err, name)
	}

	require.Eventually(t, func() bool { return rec.rejections(metrics.RejectBanned) == 2 },
		2*time.Second, 10*time.Millisecond)
	for _, name := range []string{"Test/Echo", "Test/Other"} {
		assert.Equal(t, 1, rec.count(events.ConnectionBanned, name), name)
	}
	ev, ok := rec.event(events.ConnectionBanned)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1", ev.Remote)
	assert.Zero(t, r.ActiveConnections())
}

func TestAcceptRateLimit(t *testing.T) {
	rec := newRecorder()
	r := newTestReactor(t, setup{
		services: map[string]any{"Echo": echoService("plain", map[string]any{"Default": "all"})},
		server:   config.ServerConfig{AcceptRate: 0.001, AcceptBurst: 1},
		rec:      rec,
	})
	start(t, r, "Test/Echo")

	c, err := dialPlain(t, r)
	require.NoError(t, err)
	res, err := c.Call(context.Background(), "add", []any{1, 1}, nil)
	require.NoError(t, err)
	assert.True(t, res.OK)

	_, err = dialPlain(t, r)
	require.Error(t, err)
	assert.Equal(t, 1, rec.rejections(metrics.RejectRateLimited))
	_, ok := rec.event(events.ConnectionRateLimited)
	assert.True(t, ok)
}

func TestConnectionLimit(t *testing.T) {
	rec := newRecorder()
	r := newTestReactor(t, setup{
		services: map[string]any{"Echo": echoService("plain", map[string]any{"Default": "all"})},
		server:   config.ServerConfig{MaxConnections: 1},
		rec:      rec,
	})
	start(t, r, "Test/Echo")

	first, err := dialPlain(t, r)
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.ActiveConnections())

	_, err = dialPlain(t, r)
	require.Error(t, err)
	assert.Equal(t, 1, rec.rejections(metrics.RejectCapacity))

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return r.ActiveConnections() == 0 },
		2*time.Second, 10*time.Millisecond)

	second, err := dialPlain(t, r)
	require.NoError(t, err)
	res, err := second.Call(context.Background(), "add", []any{20, 22}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(42), res.Value)
}

func TestContextRenewal(t *testing.T) {
	rec := newRecorder()
	svc := echoService("plain", map[string]any{"Default": "all"})
	svc["ContextLifeTime"] = "30ms"
	r := newTestReactor(t, setup{
		services: map[string]any{"Echo": svc},
		server:   config.ServerConfig{SelectTimeout: 10 * time.Millisecond},
		rec:      rec,
	})
	start(t, r, "Test/Echo")

	require.Eventually(t, func() bool {
		_, ok := rec.event(events.ContextRenewed)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

// brokenRenewal is the plain protocol with a security context that can
// never be reloaded.
type brokenRenewal struct{}

type brokenRenewalListener struct {
	transport.Listener
}

func (brokenRenewalListener) RenewServerContext() error {
	return errors.New("CRL directory unreadable")
}

func (brokenRenewal) NewListener(opts transport.Options) (transport.Listener, error) {
	plain, err := transport.Lookup("plain")
	if err != nil {
		return nil, err
	}
	l, err := plain.NewListener(opts)
	if err != nil {
		return nil, err
	}
	return brokenRenewalListener{Listener: l}, nil
}

func (brokenRenewal) Dial(ctx context.Context, address string, opts transport.DialOptions) (transport.Transport, error) {
	plain, err := transport.Lookup("plain")
	if err != nil {
		return nil, err
	}
	return plain.Dial(ctx, address, opts)
}

func init() {
	transport.Register("brokenrenewal", brokenRenewal{})
}

func TestFailedRenewalIsIsolated(t *testing.T) {
	rec := newRecorder()
	healthy := echoService("plain", map[string]any{"Default": "all"})
	healthy["ContextLifeTime"] = "30ms"
	broken := echoService("brokenrenewal", map[string]any{"Default": "all"})
	broken["ContextLifeTime"] = "30ms"
	broken["Module"] = "Test/Echo"

	r := newTestReactor(t, setup{
		services: map[string]any{"Echo": healthy, "Broken": broken},
		server:   config.ServerConfig{SelectTimeout: 10 * time.Millisecond},
		rec:      rec,
	})
	start(t, r, "Test/Echo", "Test/Broken")

	// The failing endpoint is retried on later wake-ups while the other
	// one keeps renewing.
	require.Eventually(t, func() bool {
		return rec.count(events.ContextRenewalFailed, "Test/Broken") >= 3 &&
			rec.count(events.ContextRenewed, "Test/Echo") >= 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, rec.count(events.ContextRenewed, "Test/Broken"))
	assert.Zero(t, rec.count(events.ContextRenewalFailed, "Test/Echo"))

	for _, name := range []string{"Test/Echo", "Test/Broken"} {
		c, err := dialService(t, r, name)
		require.NoError(t, err, name)
		res, err := c.Call(context.Background(), "add", []any{2, 2}, nil)
		require.NoError(t, err, name)
		require.True(t, res.OK, res.Message)
		assert.Equal(t, int64(4), res.Value)
	}
}

func TestShutdown(t *testing.T) {
	t.Run("idle reactor stops cleanly", func(t *testing.T) {
		rec := newRecorder()
		r := newTestReactor(t, setup{
			services: map[string]any{"Echo": echoService("plain", map[string]any{"Default": "all"})},
			rec:      rec,
		})
		stop := start(t, r, "Test/Echo")
		addr := r.Addr("Test/Echo").String()

		require.NoError(t, stop())
		_, ok := rec.event(events.ServiceStarted)
		assert.True(t, ok)
		_, ok = rec.event(events.ServiceStopped)
		assert.True(t, ok)

		_, err := net.DialTimeout("tcp", addr, time.Second)
		assert.Error(t, err, "listener still open after shutdown")
	})

	t.Run("idle connections are closed after the timeout", func(t *testing.T) {
		r := newTestReactor(t, setup{
			services: map[string]any{"Echo": echoService("plain", map[string]any{"Default": "all"})},
			server:   config.ServerConfig{ShutdownTimeout: 100 * time.Millisecond},
		})
		stop := start(t, r, "Test/Echo")

		_, err := dialPlain(t, r)
		require.NoError(t, err)

		err = stop()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "force-closed")
		assert.Zero(t, r.ActiveConnections())
	})

	t.Run("serve twice", func(t *testing.T) {
		r := newTestReactor(t, setup{
			services: map[string]any{"Echo": echoService("plain", map[string]any{"Default": "all"})},
		})
		start(t, r, "Test/Echo")
		require.Eventually(t, func() bool { return r.served.Load() }, time.Second, 5*time.Millisecond)
		assert.ErrorIs(t, r.Serve(context.Background()), ErrAlreadyServed)
	})
}

func TestInitializeOrdersServices(t *testing.T) {
	store := config.NewMapStore(map[string]any{
		"Services": map[string]any{
			"Framework": map[string]any{"Gateway": map[string]any{"Port": 0}},
			"Test":      map[string]any{"Echo": map[string]any{"Port": 0}},
		},
	})

	var built []string
	catalog := service.NewCatalog()
	factory := func(d *config.ServiceDescriptor, env service.Environment) (*service.Handler, error) {
		built = append(built, d.Name)
		return service.NewHandler(d, env.Logger), nil
	}
	catalog.Register("Framework/Gateway", factory)
	catalog.Register("Test/Echo", factory)

	r := New(Options{Store: store, Catalog: catalog, Registry: registry.New(store), Logger: logger.Discard()})
	require.NoError(t, r.Initialize(context.Background(), []string{"Test/Echo", "Framework/Gateway", "test/echo"}))

	assert.Equal(t, []string{"Framework/Gateway", "Test/Echo"}, built)
	names := make([]string, 0, 2)
	for _, ep := range r.Endpoints() {
		names = append(names, ep.Name)
	}
	assert.Equal(t, []string{"Framework/Gateway", "Test/Echo"}, names)
}

func TestInitializeErrors(t *testing.T) {
	store := config.NewMapStore(map[string]any{
		"Services": map[string]any{
			"Test": map[string]any{
				"Echo":    map[string]any{"Port": 0},
				"Orphan":  map[string]any{"Port": 0},
				"Failing": map[string]any{"Port": 0},
			},
		},
	})

	var closed []string
	catalog := service.NewCatalog()
	catalog.Register("Test/Echo", func(d *config.ServiceDescriptor, env service.Environment) (*service.Handler, error) {
		h := service.NewHandler(d, env.Logger)
		h.OnClose(func() error { closed = append(closed, d.Name); return nil })
		return h, nil
	})
	catalog.Register("Test/Failing", func(d *config.ServiceDescriptor, env service.Environment) (*service.Handler, error) {
		h := service.NewHandler(d, env.Logger)
		h.OnInitialize(func(context.Context) error { return errors.New("database unreachable") })
		return h, nil
	})
	newReactor := func() *Reactor {
		return New(Options{Store: store, Catalog: catalog, Registry: registry.New(store), Logger: logger.Discard()})
	}

	err := newReactor().Initialize(context.Background(), []string{"Test/Missing"})
	assert.ErrorIs(t, err, config.ErrServiceNotConfigured)

	err = newReactor().Initialize(context.Background(), []string{"Test/Orphan"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no module")

	err = newReactor().Initialize(context.Background(), []string{"NoComponent"})
	assert.ErrorIs(t, err, config.ErrInvalidServiceName)

	err = newReactor().Initialize(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoServices)

	err = newReactor().Initialize(context.Background(), []string{"Test/Echo", "Test/Failing"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database unreachable")
	assert.Equal(t, []string{"Test/Echo"}, closed)
}

func TestCreateListenersErrors(t *testing.T) {
	tests := []struct {
		name    string
		broken  map[string]any
		wantErr string
	}{
		{"missing port", map[string]any{"Protocol": "plain"}, "no port configured"},
		{"unknown protocol", map[string]any{"Protocol": "carrier-pigeon", "Port": 0}, "unknown protocol"},
		{"tls without credentials", map[string]any{"Protocol": "tls", "Port": 0}, "create listener"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := config.NewMapStore(map[string]any{
				"Services": map[string]any{
					"Test": map[string]any{
						"Echo":   echoService("plain", map[string]any{"Default": "all"}),
						"Broken": tt.broken,
					},
				},
			})
			catalog := testCatalog()
			catalog.Register("Test/Broken", func(d *config.ServiceDescriptor, env service.Environment) (*service.Handler, error) {
				return service.NewHandler(d, env.Logger), nil
			})
			r := New(Options{Store: store, Catalog: catalog, Registry: registry.New(store), Logger: logger.Discard()})
			require.NoError(t, r.Initialize(context.Background(), []string{"Test/Echo", "Test/Broken"}))

			err := r.CreateListeners()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "Test/Broken")
			assert.Contains(t, err.Error(), tt.wantErr)

			// The listener created before the failure was closed.
			assert.Nil(t, r.Addr("Test/Echo"))
			assert.ErrorIs(t, r.Serve(context.Background()), ErrNoListeners)
		})
	}
}

func TestCloseListeningConnectionsIsIdempotent(t *testing.T) {
	r := newTestReactor(t, setup{
		services: map[string]any{"Echo": echoService("plain", map[string]any{"Default": "all"})},
	})
	require.NoError(t, r.Initialize(context.Background(), []string{"Test/Echo"}))
	require.NoError(t, r.CreateListeners())
	require.NotNil(t, r.Addr("Test/Echo"))

	r.CloseListeningConnections()
	r.CloseListeningConnections()
	assert.Nil(t, r.Addr("Test/Echo"))
}

func TestOrderServices(t *testing.T) {
	got, err := orderServices([]string{"WMS/JobManager", "Framework/Gateway", "/WMS/JobManager/"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Framework/Gateway", "WMS/JobManager"}, got)
}

type fakeSpawner struct {
	mu      sync.Mutex
	spawned []int
}

type fakeClone struct{ ctx context.Context }

func (c fakeClone) Wait() error {
	<-c.ctx.Done()
	return c.ctx.Err()
}

func (s *fakeSpawner) Spawn(ctx context.Context, _ string, index int) (Clone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spawned = append(s.spawned, index)
	return fakeClone{ctx: ctx}, nil
}

func TestClonesAreSpawnedAndStopped(t *testing.T) {
	svc := echoService("plain", map[string]any{"Default": "all"})
	svc["CloneCount"] = 3
	r := newTestReactor(t, setup{services: map[string]any{"Echo": svc}})
	spawner := &fakeSpawner{}
	r.opts.Clones = spawner

	stop := start(t, r, "Test/Echo")
	require.Eventually(t, func() bool {
		spawner.mu.Lock()
		defer spawner.mu.Unlock()
		return len(spawner.spawned) == 2
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, stop())
	assert.Equal(t, []int{1, 2}, spawner.spawned)
}

func TestGatewayListsProcessEndpoints(t *testing.T) {
	store := config.NewMapStore(map[string]any{
		"Services": map[string]any{
			"Framework": map[string]any{"Gateway": map[string]any{
				"Port": 0, "Protocol": "plain",
				"Authorization": map[string]any{"listServices": "all"},
			}},
			"Test":      map[string]any{"Echo": echoService("plain", map[string]any{"Default": "all"})},
		},
		"Registry": map[string]any{
			"DefaultGroup": "user",
			"Users":        map[string]any{"alice": map[string]any{"DN": "/C=IT/O=Grid/CN=alice"}},
			"Groups":       map[string]any{"user": map[string]any{"Users": []any{"alice"}}},
		},
	})
	catalog := testCatalog()
	catalog.Register(gateway.Module, gateway.New)

	r := New(Options{
		Store:    store,
		Catalog:  catalog,
		Registry: registry.New(store),
		Server:   config.ServerConfig{Host: "127.0.0.1", SelectTimeout: 50 * time.Millisecond, ShutdownTimeout: 2 * time.Second},
		Hostname: "127.0.0.1",
		Logger:   logger.Discard(),
	})
	stop := start(t, r, "Test/Echo", "Framework/Gateway")

	// Plain connections are anonymous, so listing needs an open entry.
	c, err := client.Dial(context.Background(), endpointURL(t, r, "Framework/Gateway"),
		transport.DialOptions{Timeout: 2 * time.Second}, client.Options{})
	require.NoError(t, err)
	defer c.Close()

	res, err := c.Call(context.Background(), "listServices", nil, nil)
	require.NoError(t, err)
	require.True(t, res.OK, res.Message)
	list := res.Value.([]any)
	require.Len(t, list, 2)
	first := list[0].(map[string]any)
	assert.Equal(t, "Framework/Gateway", first["Name"])
	assert.Equal(t, endpointURL(t, r, "Framework/Gateway"), first["URL"])
	assert.Equal(t, endpointURL(t, r, "Test/Echo"), list[1].(map[string]any)["URL"])

	require.NoError(t, stop())
}

func TestCloseBeforeServe(t *testing.T) {
	r := newTestReactor(t, setup{
		services: map[string]any{"Echo": echoService("plain", map[string]any{"Default": "all"})},
	})
	require.NoError(t, r.Initialize(context.Background(), []string{"Test/Echo"}))
	require.NoError(t, r.CreateListeners())

	require.NoError(t, r.Close())
	assert.Nil(t, r.Addr("Test/Echo"))
	require.NoError(t, r.Close())
}
