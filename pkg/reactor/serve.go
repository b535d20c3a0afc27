package reactor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/marmos91/gridrpc/pkg/events"
	"github.com/marmos91/gridrpc/pkg/metrics"
	"github.com/marmos91/gridrpc/pkg/transport"
)

const (
	// acceptBackoff is the pause after an unexpected accept error.
	acceptBackoff = 50 * time.Millisecond

	// publishTimeout bounds the delivery of one lifecycle event.
	publishTimeout = 2 * time.Second

	// hostBucketIdle is how long an idle per-host accept bucket is kept.
	hostBucketIdle = 10 * time.Minute
)

// accepted is a connection handed from an accept goroutine to the loop.
type accepted struct {
	ep *endpoint
	t  transport.Transport
}

// Serve multiplexes the listeners until ctx is cancelled.
//
// Each listener has an accept goroutine feeding one channel. The loop
// waits on that channel for at most SelectTimeout; every wake-up is
// followed by the context renewal check. Connections are screened
// (banned address, accept rate, connection cap) and then served in their
// own goroutine.
//
// On cancellation the listeners are closed, clones are stopped and the
// in-flight connections get ShutdownTimeout to finish before they are
// closed. A non-nil error means the drain timed out.
func (r *Reactor) Serve(ctx context.Context) error {
	if !r.served.CompareAndSwap(false, true) {
		return ErrAlreadyServed
	}

	r.mu.RLock()
	endpoints := append([]*endpoint(nil), r.endpoints...)
	r.mu.RUnlock()
	if len(endpoints) == 0 {
		return ErrNoServices
	}
	for _, ep := range endpoints {
		if ep.listener == nil {
			return fmt.Errorf("%w: %s", ErrNoListeners, ep.descriptor.Name)
		}
	}

	// Connections outlive the accept loop by up to ShutdownTimeout, so
	// they get their own context.
	connCtx, cancelConns := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelConns()

	clones := r.startClones(ctx, endpoints)

	for _, ep := range endpoints {
		r.publish(events.ServiceStarted, ep, "", nil)
	}

	conns := make(chan accepted)
	var acceptors sync.WaitGroup
	for _, ep := range endpoints {
		acceptors.Add(1)
		go func(ep *endpoint) {
			defer acceptors.Done()
			r.acceptLoop(ctx, ep, conns)
		}(ep)
	}

	r.log.Info("Serving %d service(s) (clone %d)", len(endpoints), r.opts.CloneIndex)

	timeout := r.opts.Server.SelectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case a := <-conns:
			r.dispatch(connCtx, a)
		case <-timer.C:
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(timeout)

		r.renewContexts(endpoints)
	}

	r.log.Info("Shutdown signal received: %v", context.Cause(ctx))
	r.CloseListeningConnections()
	acceptors.Wait()

	err := r.drain(cancelConns)
	clones.wait()

	for _, ep := range endpoints {
		if cerr := ep.handler.Close(); cerr != nil {
			r.log.Warn("Closing handler of %s: %v", ep.descriptor.Name, cerr)
		}
		r.publish(events.ServiceStopped, ep, "", nil)
	}
	return err
}

// acceptLoop accepts connections of one endpoint until its listener is
// closed.
func (r *Reactor) acceptLoop(ctx context.Context, ep *endpoint, out chan<- accepted) {
	for {
		t, err := ep.listener.Accept()
		if err != nil {
			if r.closing.Load() || ctx.Err() != nil {
				return
			}
			r.log.Warn("Accept on %s failed: %v", ep.descriptor.Name, err)
			select {
			case <-time.After(acceptBackoff):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case out <- accepted{ep: ep, t: t}:
		case <-ctx.Done():
			_ = t.Close()
			return
		}
	}
}

// dispatch screens a connection and starts serving it.
func (r *Reactor) dispatch(ctx context.Context, a accepted) {
	name := a.ep.descriptor.Name
	remote := a.t.RemoteAddr()
	host := hostOf(remote)

	reject := func(reason, event string) {
		r.metrics.RecordConnectionRejected(name, reason)
		if event != "" {
			r.publish(event, a.ep, host, nil)
		}
		_ = a.t.Close()
	}

	if _, banned := r.banned[host]; banned {
		r.log.Info("Closing connection from banned address %s to %s", host, name)
		reject(metrics.RejectBanned, events.ConnectionBanned)
		return
	}
	if !a.ep.limiter.Allow(host) {
		r.log.Warn("Accept rate exceeded on %s, closing connection from %s", name, host)
		reject(metrics.RejectRateLimited, events.ConnectionRateLimited)
		return
	}
	if r.sem != nil {
		select {
		case r.sem <- struct{}{}:
		default:
			r.log.Warn("Connection limit (%d) reached, closing connection from %s to %s",
				cap(r.sem), host, name)
			reject(metrics.RejectCapacity, "")
			return
		}
	}

	r.conns.Add(1)
	r.open.Store(a.t, host)
	n := r.active.Add(1)
	r.metrics.RecordConnectionAccepted(name)
	r.metrics.SetActiveConnections(n)
	r.log.Debug("Connection from %s to %s accepted (active: %d)", remote, name, n)

	go func() {
		defer func() {
			r.open.Delete(a.t)
			n := r.active.Add(-1)
			r.metrics.SetActiveConnections(n)
			if r.sem != nil {
				<-r.sem
			}
			r.conns.Done()
		}()

		if err := a.ep.requests.HandleConnection(ctx, a.t); err != nil {
			r.log.Warn("Connection from %s to %s ended with error: %v", remote, name, err)
		}
	}()
}

// renewContexts reloads the security context of every endpoint whose
// context is older than its lifetime. A failure is logged and retried on
// the next wake-up; the endpoint keeps serving with its old context.
func (r *Reactor) renewContexts(endpoints []*endpoint) {
	now := time.Now()
	for _, ep := range endpoints {
		if ep.limiter != nil {
			ep.limiter.Prune(hostBucketIdle)
		}

		lifetime := ep.descriptor.ContextLifetime
		if lifetime <= 0 || now.Sub(ep.listener.LatestServerRenewTime()) < lifetime {
			continue
		}

		name := ep.descriptor.Name
		err := ep.listener.RenewServerContext()
		r.metrics.RecordRenewal(name, err)
		if err != nil {
			r.log.Error("Renewing security context of %s failed: %v", name, err)
			r.publish(events.ContextRenewalFailed, ep, "", err)
			continue
		}
		r.log.Info("Renewed security context of %s", name)
		r.publish(events.ContextRenewed, ep, "", nil)
	}
}

// drain waits for in-flight connections. Their context is cancelled
// right away so they stop after the current action; connections still
// open after ShutdownTimeout are closed.
func (r *Reactor) drain(cancelConns context.CancelFunc) error {
	cancelConns()

	done := make(chan struct{})
	go func() {
		r.conns.Wait()
		close(done)
	}()

	timeout := r.opts.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r.log.Info("Waiting for %d active connection(s) (timeout: %v)", r.active.Load(), timeout)
	select {
	case <-done:
		r.log.Info("All connections closed")
		return nil
	case <-time.After(timeout):
	}

	remaining := r.active.Load()
	r.log.Warn("Shutdown timeout exceeded: force-closing %d connection(s)", remaining)
	r.open.Range(func(key, value any) bool {
		if err := key.(transport.Transport).Close(); err != nil {
			r.log.Debug("Force-closing connection from %v: %v", value, err)
		}
		return true
	})
	<-done
	return fmt.Errorf("shutdown timeout: %d connection(s) force-closed", remaining)
}

// publish sends a lifecycle event. Failures are logged and ignored.
func (r *Reactor) publish(eventType string, ep *endpoint, remote string, cause error) {
	ev := events.Event{
		Type:      eventType,
		Service:   ep.descriptor.Name,
		URL:       ep.url,
		Host:      r.hostname,
		PID:       os.Getpid(),
		Clone:     r.opts.CloneIndex,
		Timestamp: time.Now().UTC(),
		Remote:    remote,
	}
	if cause != nil {
		ev.Error = cause.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := r.events.Publish(ctx, ev); err != nil && !errors.Is(err, context.Canceled) {
		r.log.Warn("Publishing %s event for %s failed: %v", eventType, ep.descriptor.Name, err)
	}
}
