// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Add(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestTokenBucket(t *testing.T) {
	clk := newClock()
	tb := newTokenBucket(3, 2, clk.Now)

	for i := 0; i < 3; i++ {
		if !tb.Allow() {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if tb.Allow() {
		t.Fatal("expected empty bucket to refuse")
	}

	clk.Add(500 * time.Millisecond)
	if !tb.Allow() {
		t.Error("expected one token after half a second at 2/s")
	}
	if tb.Allow() {
		t.Error("expected bucket to be empty again")
	}

	clk.Add(time.Hour)
	if got := tb.Available(); got != 3 {
		t.Errorf("expected refill capped at capacity, got %d", got)
	}
	if tb.AllowN(4) {
		t.Error("AllowN above capacity must fail")
	}
}

func TestLimiter_PerClient(t *testing.T) {
	clk := newClock()
	l := NewLimiter(Config{Burst: 2, Rate: 1})
	l.now = clk.Now

	if !l.Allow("10.0.0.1:5683") || !l.Allow("10.0.0.1:5683") {
		t.Fatal("burst should be allowed")
	}
	if l.Allow("10.0.0.1:5683") {
		t.Error("expected third request to be limited")
	}
	if !l.Allow("10.0.0.2:5683") {
		t.Error("other peers must have their own bucket")
	}

	clk.Add(time.Second)
	if !l.Allow("10.0.0.1:5683") {
		t.Error("expected refill after one second")
	}
}

func TestLimiter_MaxClients(t *testing.T) {
	l := NewLimiter(Config{Burst: 1, MaxClients: 2})
	l.Allow("a")
	l.Allow("b")
	if l.Allow("c") {
		t.Error("expected new peer beyond max clients to be refused")
	}
	l.Remove("a")
	if !l.Allow("c") {
		t.Error("expected room after removal")
	}
}

func TestLimiter_Cleanup(t *testing.T) {
	clk := newClock()
	l := NewLimiter(Config{Burst: 1, IdleTimeout: time.Minute})
	l.now = clk.Now

	l.Allow("a")
	clk.Add(45 * time.Second)
	l.Allow("b")
	clk.Add(30 * time.Second)

	if n := l.Cleanup(); n != 1 {
		t.Errorf("expected one eviction, got %d", n)
	}
	if l.Clients() != 1 {
		t.Errorf("expected one remaining client, got %d", l.Clients())
	}
}

func TestLimiter_Nil(t *testing.T) {
	var l *Limiter
	if !l.Allow("a") {
		t.Error("nil limiter must allow")
	}
}

func TestLimiter_Run(t *testing.T) {
	l := NewLimiter(Config{Burst: 1, IdleTimeout: time.Nanosecond, CleanupInterval: 10 * time.Millisecond})
	l.Allow("a")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for l.Clients() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("idle client was not evicted")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
}
