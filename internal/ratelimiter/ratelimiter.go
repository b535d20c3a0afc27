package ratelimiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter throttles newly accepted connections of one endpoint.
//
// It keeps a token bucket for the endpoint as a whole and, when a per-host
// rate is configured, one bucket per remote host so a single noisy peer
// cannot starve the others. Idle host buckets are evicted by Prune.
//
// A limiter created with a zero rate allows everything.
//
// Thread safety:
// All methods are safe for concurrent use.
type RateLimiter struct {
	global *rate.Limiter

	mu        sync.Mutex
	hostRate  rate.Limit
	hostBurst int
	hosts     map[string]*hostBucket
}

type hostBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a limiter allowing connectionsPerSecond sustained accepts
// with bursts of up to burst connections.
//
// Parameters:
//   - connectionsPerSecond: sustained accept rate; 0 disables limiting
//   - burst: bucket capacity; raised to 1 when lower
func New(connectionsPerSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		global: newLimiter(connectionsPerSecond, burst),
		hosts:  make(map[string]*hostBucket),
	}
}

func newLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// WithPerHost enables an additional bucket per remote host.
func (r *RateLimiter) WithPerHost(connectionsPerSecond float64, burst int) *RateLimiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if connectionsPerSecond <= 0 {
		r.hostRate = 0
		return r
	}
	if burst < 1 {
		burst = 1
	}
	r.hostRate = rate.Limit(connectionsPerSecond)
	r.hostBurst = burst
	return r
}

// Allow reports whether a connection from host may be handled now. A
// token is consumed from the host bucket only when the endpoint bucket
// admitted the connection.
func (r *RateLimiter) Allow(host string) bool {
	if !r.global.Allow() {
		return false
	}
	hl := r.hostLimiter(host)
	if hl == nil {
		return true
	}
	return hl.Allow()
}

// Wait blocks until the endpoint bucket has a token or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.global.Wait(ctx)
}

func (r *RateLimiter) hostLimiter(host string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hostRate == 0 || host == "" {
		return nil
	}
	b, ok := r.hosts[host]
	if !ok {
		b = &hostBucket{limiter: rate.NewLimiter(r.hostRate, r.hostBurst)}
		r.hosts[host] = b
	}
	b.lastSeen = time.Now()
	return b.limiter
}

// Prune drops host buckets not used for longer than idle and returns how
// many were removed.
func (r *RateLimiter) Prune(idle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-idle)
	removed := 0
	for host, b := range r.hosts {
		if b.lastSeen.Before(cutoff) {
			delete(r.hosts, host)
			removed++
		}
	}
	return removed
}

// SetLimit changes the endpoint rate; 0 disables limiting.
func (r *RateLimiter) SetLimit(connectionsPerSecond float64, burst int) {
	if connectionsPerSecond <= 0 {
		r.global.SetLimit(rate.Inf)
		return
	}
	if burst < 1 {
		burst = 1
	}
	r.global.SetLimit(rate.Limit(connectionsPerSecond))
	r.global.SetBurst(burst)
}

// Tokens returns the tokens currently in the endpoint bucket.
func (r *RateLimiter) Tokens() float64 {
	return r.global.Tokens()
}

// Unlimited reports whether the endpoint bucket admits everything.
func (r *RateLimiter) Unlimited() bool {
	return r.global.Limit() == rate.Inf
}
