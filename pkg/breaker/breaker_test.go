// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package breaker

import (
	"errors"
	"testing"
	"time"
)

var errDial = errors.New("dial failed")

func TestCircuitBreaker_Opens(t *testing.T) {
	cb := New(Config{MaxFailures: 3, ResetTimeout: time.Minute})

	for i := 0; i < 3; i++ {
		if err := cb.Call(func() error { return errDial }); !errors.Is(err, errDial) {
			t.Fatalf("call %d: expected dial error, got %v", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	called := false
	err := cb.Call(func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Errorf("expected fast failure, got %v (called=%v)", err, called)
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	now := time.Now()
	cb := New(Config{MaxFailures: 1, ResetTimeout: time.Second, SuccessThreshold: 2})
	cb.now = func() time.Time { return now }

	_ = cb.Call(func() error { return errDial })
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	now = now.Add(2 * time.Second)
	if err := cb.Call(func() error { return nil }); err != nil {
		t.Fatalf("expected half-open call to pass, got %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected half_open, got %s", cb.State())
	}
	_ = cb.Call(func() error { return nil })
	if cb.State() != StateClosed {
		t.Errorf("expected closed after successes, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	cb := New(Config{MaxFailures: 1, ResetTimeout: time.Second})
	cb.now = func() time.Time { return now }

	_ = cb.Call(func() error { return errDial })
	now = now.Add(2 * time.Second)
	_ = cb.Call(func() error { return errDial })

	if cb.State() != StateOpen {
		t.Errorf("expected open, got %s", cb.State())
	}
}

func TestCircuitBreaker_IsFailure(t *testing.T) {
	ignored := errors.New("not found")
	cb := New(Config{
		MaxFailures: 1,
		IsFailure:   func(err error) bool { return !errors.Is(err, ignored) },
	})

	for i := 0; i < 5; i++ {
		_ = cb.Call(func() error { return ignored })
	}
	if cb.State() != StateClosed {
		t.Errorf("expected ignored errors to keep the circuit closed, got %s", cb.State())
	}
}

func TestGroup(t *testing.T) {
	changes := make(chan string, 4)
	g := NewGroup(Config{MaxFailures: 1}, func(key string, from, to State) {
		changes <- key + ":" + to.String()
	})

	_ = g.Call("dev1", func() error { return errDial })

	if g.Get("dev1").State() != StateOpen {
		t.Error("expected dev1 open")
	}
	if g.Get("dev2").State() != StateClosed {
		t.Error("expected dev2 closed")
	}

	select {
	case c := <-changes:
		if c != "dev1:open" {
			t.Errorf("unexpected change %q", c)
		}
	case <-time.After(time.Second):
		t.Error("expected state change callback")
	}

	g.Remove("dev1")
	if g.Get("dev1").State() != StateClosed {
		t.Error("expected fresh breaker after Remove")
	}
}
