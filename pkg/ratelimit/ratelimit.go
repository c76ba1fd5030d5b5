// Package ratelimit provides per-vendor token buckets guarding outbound
// API calls. Acquire blocks until a token is available or the context is
// cancelled.
package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// VendorLimit configures one vendor's bucket.
type VendorLimit struct {
	// RequestsPerSecond is the sustained refill rate.
	RequestsPerSecond float64
	// Burst is the bucket capacity.
	Burst int
}

// Limiter holds one token bucket per vendor name. Unknown vendors fall back
// to a default limit.
type Limiter struct {
	mu           sync.Mutex
	buckets      map[string]*rate.Limiter
	limits       map[string]VendorLimit
	defaultLimit VendorLimit
}

// New creates a limiter with per-vendor limits and a default for vendors
// not listed.
func New(limits map[string]VendorLimit, defaultLimit VendorLimit) *Limiter {
	if defaultLimit.RequestsPerSecond <= 0 {
		defaultLimit = VendorLimit{RequestsPerSecond: 5, Burst: 10}
	}
	return &Limiter{
		buckets:      make(map[string]*rate.Limiter),
		limits:       limits,
		defaultLimit: defaultLimit,
	}
}

func (l *Limiter) bucket(vendor string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[vendor]; ok {
		return b
	}
	lim, ok := l.limits[vendor]
	if !ok || lim.RequestsPerSecond <= 0 {
		lim = l.defaultLimit
	}
	burst := lim.Burst
	if burst < 1 {
		burst = 1
	}
	b := rate.NewLimiter(rate.Limit(lim.RequestsPerSecond), burst)
	l.buckets[vendor] = b
	return b
}

// Acquire blocks until the vendor's bucket grants a token.
func (l *Limiter) Acquire(ctx context.Context, vendor string) error {
	if err := l.bucket(vendor).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit acquire for %s: %w", vendor, err)
	}
	return nil
}

// TryAcquire grants a token only if one is immediately available.
func (l *Limiter) TryAcquire(vendor string) bool {
	return l.bucket(vendor).Allow()
}
