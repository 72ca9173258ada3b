// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetrics(t *testing.T) {
	var m *Metrics

	called := false
	err := m.ObserveDeviceRequest("read", func() error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Fatalf("expected f to run on nil metrics, err = %v", err)
	}

	m.SetClients(1, 0)
	m.CountEvent("registration")
	m.SetPool(1, 2)
	m.CountDial(nil)
	m.CountBridgePublish(errors.New("down"))
	m.AddWebSocketClients(1)
	if m.Registry() != nil {
		t.Error("expected nil registry")
	}
}

func TestMetrics_Counters(t *testing.T) {
	m := New("test")

	m.CountEvent("registration")
	m.CountEvent("registration")
	m.CountDial(errors.New("handshake failed"))
	m.SetClients(3, 1)
	m.SetBreakerState("dev1", 2)

	_ = m.ObserveDeviceRequest("read", func() error { return errors.New("timeout") })

	if got := testutil.ToFloat64(m.LifecycleEvents.WithLabelValues("registration")); got != 2 {
		t.Errorf("registration events = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.PoolDials.WithLabelValues("error")); got != 1 {
		t.Errorf("failed dials = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.OfflineClients); got != 1 {
		t.Errorf("offline clients = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CircuitBreakerTrips.WithLabelValues("dev1")); got != 1 {
		t.Errorf("breaker trips = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DeviceRequests.WithLabelValues("read", "error")); got != 1 {
		t.Errorf("failed reads = %v, want 1", got)
	}
}

func TestMetrics_IndependentRegistries(t *testing.T) {
	a := New("test")
	b := New("test")
	a.CountEvent("update")

	if got := testutil.ToFloat64(b.LifecycleEvents.WithLabelValues("update")); got != 0 {
		t.Errorf("expected registries to be independent, got %v", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := New("test")
	m.SetClients(2, 0)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "test_registered_clients 2") {
		t.Error("expected registered clients gauge in output")
	}
}
