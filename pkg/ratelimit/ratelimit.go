// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides per-peer token bucket rate limiting for the
// registration and bootstrap interfaces.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultMaxClients      = 10000
	DefaultIdleTimeout     = 5 * time.Minute
	DefaultCleanupInterval = time.Minute
)

// TokenBucket implements the token bucket algorithm.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket creates a full bucket holding up to capacity tokens and
// refilling at refillRate tokens per second.
func NewTokenBucket(capacity int64, refillRate float64) *TokenBucket {
	return newTokenBucket(capacity, refillRate, time.Now)
}

func newTokenBucket(capacity int64, refillRate float64, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: refillRate,
		lastRefill: now(),
		now:        now,
	}
}

// Allow takes one token if available.
func (tb *TokenBucket) Allow() bool {
	return tb.AllowN(1)
}

// AllowN takes n tokens if available.
func (tb *TokenBucket) AllowN(n int64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens >= float64(n) {
		tb.tokens -= float64(n)
		return true
	}
	return false
}

// Available returns the number of whole tokens left.
func (tb *TokenBucket) Available() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return int64(tb.tokens)
}

func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}

type client struct {
	bucket   *TokenBucket
	lastSeen time.Time
}

// Config tunes a Limiter.
type Config struct {
	// Burst is the bucket capacity per peer.
	Burst int64
	// Rate is the sustained requests per second per peer.
	Rate float64
	// MaxClients bounds the number of tracked peers. New peers beyond it are refused.
	MaxClients int
	// IdleTimeout evicts peers not seen for this long.
	IdleTimeout time.Duration
	// CleanupInterval is how often Run evicts idle peers.
	CleanupInterval time.Duration
}

// Limiter keeps one token bucket per peer, keyed by remote address.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*client
	config  Config
	now     func() time.Time
}

// NewLimiter creates a per-peer limiter.
func NewLimiter(cfg Config) *Limiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Rate <= 0 {
		cfg.Rate = float64(cfg.Burst)
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = DefaultMaxClients
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	return &Limiter{
		clients: make(map[string]*client),
		config:  cfg,
		now:     time.Now,
	}
}

// Allow reports whether a request from key may proceed. A nil Limiter allows
// everything.
func (l *Limiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	c, ok := l.clients[key]
	if !ok {
		if len(l.clients) >= l.config.MaxClients {
			l.mu.Unlock()
			return false
		}
		c = &client{bucket: newTokenBucket(l.config.Burst, l.config.Rate, l.now)}
		l.clients[key] = c
	}
	c.lastSeen = l.now()
	l.mu.Unlock()

	return c.bucket.Allow()
}

// Remove forgets key.
func (l *Limiter) Remove(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.clients, key)
}

// Cleanup evicts peers idle for longer than the idle timeout and returns how
// many were removed.
func (l *Limiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.config.IdleTimeout)
	removed := 0
	for k, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, k)
			removed++
		}
	}
	return removed
}

// Run evicts idle peers on every cleanup interval until ctx is done.
func (l *Limiter) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.Cleanup()
		}
	}
}

// Clients returns the number of tracked peers.
func (l *Limiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}
