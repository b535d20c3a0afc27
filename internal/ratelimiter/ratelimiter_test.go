package ratelimiter

import (
	"context"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		rate      float64
		burst     int
		unlimited bool
	}{
		{name: "standard rate", rate: 100, burst: 200},
		{name: "fractional rate", rate: 0.5, burst: 1},
		{name: "zero burst raised", rate: 10, burst: 0},
		{name: "unlimited (zero rate)", rate: 0, burst: 0, unlimited: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := New(tt.rate, tt.burst)
			if limiter == nil {
				t.Fatal("New() returned nil")
			}
			if limiter.Unlimited() != tt.unlimited {
				t.Fatalf("Unlimited() = %v, want %v", limiter.Unlimited(), tt.unlimited)
			}
			if !limiter.Allow("10.0.0.1") {
				t.Fatal("first connection should be allowed")
			}
		})
	}
}

func TestAllow(t *testing.T) {
	limiter := New(10, 10)

	for i := 0; i < 10; i++ {
		if !limiter.Allow("10.0.0.1") {
			t.Fatalf("connection %d should be allowed (within burst)", i)
		}
	}

	if limiter.Allow("10.0.0.1") {
		t.Fatal("connection should be rejected after burst exhausted")
	}

	// 100ms at 10/s refills one token.
	time.Sleep(110 * time.Millisecond)

	if !limiter.Allow("10.0.0.1") {
		t.Fatal("connection should be allowed after token replenishment")
	}
}

func TestUnlimitedNeverRejects(t *testing.T) {
	limiter := New(0, 0)
	for i := 0; i < 10000; i++ {
		if !limiter.Allow("10.0.0.1") {
			t.Fatalf("connection %d rejected by unlimited limiter", i)
		}
	}
}

func TestPerHost(t *testing.T) {
	limiter := New(0, 0).WithPerHost(1, 2)

	for i := 0; i < 2; i++ {
		if !limiter.Allow("10.0.0.1") {
			t.Fatalf("connection %d from first host should be allowed", i)
		}
	}
	if limiter.Allow("10.0.0.1") {
		t.Fatal("third connection from first host should be rejected")
	}
	if !limiter.Allow("10.0.0.2") {
		t.Fatal("another host has its own bucket")
	}
}

func TestPrune(t *testing.T) {
	limiter := New(0, 0).WithPerHost(5, 5)
	limiter.Allow("10.0.0.1")
	limiter.Allow("10.0.0.2")

	if n := limiter.Prune(time.Hour); n != 0 {
		t.Fatalf("Prune(1h) removed %d buckets, want 0", n)
	}

	time.Sleep(10 * time.Millisecond)
	if n := limiter.Prune(time.Millisecond); n != 2 {
		t.Fatalf("Prune(1ms) removed %d buckets, want 2", n)
	}
}

func TestWaitContextCancellation(t *testing.T) {
	limiter := New(1, 1)

	if !limiter.Allow("") {
		t.Fatal("first connection should be allowed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := limiter.Wait(ctx); err == nil {
		t.Fatal("Wait() should return error when the token cannot arrive in time")
	}
}

func TestSetLimit(t *testing.T) {
	limiter := New(1, 1)
	limiter.Allow("")
	if limiter.Allow("") {
		t.Fatal("bucket should be empty")
	}

	limiter.SetLimit(0, 0)
	if !limiter.Unlimited() {
		t.Fatal("SetLimit(0) should disable limiting")
	}
	if !limiter.Allow("") {
		t.Fatal("unlimited limiter should allow")
	}
}
