// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	gwerrors "github.com/absmach/lwm2m-gw/pkg/errors"
	"github.com/absmach/lwm2m-gw/pkg/events"
	"github.com/absmach/lwm2m-gw/pkg/transport"
	"github.com/absmach/lwm2m-gw/pkg/transport/mocks"
)

type mockConnector struct {
	mu       sync.Mutex
	err      error
	acquired chan string
	closed   []string
}

func newMockConnector(err error) *mockConnector {
	return &mockConnector{err: err, acquired: make(chan string, 8)}
}

func (m *mockConnector) Acquire(ctx context.Context, endpoint, addr string, port int) (transport.Conn, error) {
	m.acquired <- endpoint
	if m.err != nil {
		return nil, m.err
	}
	return mocks.NewConn(nil), nil
}

func (m *mockConnector) Close(endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = append(m.closed, endpoint)
	return nil
}

func (m *mockConnector) closedEndpoints() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.closed...)
}

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

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *events.Subscription, *clock) {
	t.Helper()
	bus := events.NewBus(nil)
	sub := bus.Subscribe(32)
	t.Cleanup(sub.Close)

	clk := &clock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	r := New(nil, append([]Option{WithEvents(bus)}, opts...)...)
	r.now = clk.Now
	return r, sub, clk
}

func drain(sub *events.Subscription) []events.Event {
	var out []events.Event
	for {
		select {
		case e := <-sub.Events():
			out = append(out, e)
		default:
			return out
		}
	}
}

func kinds(evs []events.Event) []events.Kind {
	out := make([]events.Kind, len(evs))
	for i, e := range evs {
		out[i] = e.Kind
	}
	return out
}

func register(t *testing.T, r *Registry, ep string, lifetime int64) Session {
	t.Helper()
	s, err := r.Register(context.Background(), SessionInfo{
		Endpoint: ep,
		Address:  "127.0.0.1",
		Port:     5683,
		Lifetime: lifetime,
		Binding:  "U",
	})
	if err != nil {
		t.Fatalf("Register(%s) error = %v", ep, err)
	}
	return s
}

func TestRegister(t *testing.T) {
	r, sub, _ := newTestRegistry(t)

	s := register(t, r, "dev1", 300)
	if s.Location != "/rd/1" {
		t.Errorf("expected location /rd/1, got %s", s.Location)
	}
	got, ok := r.Get("dev1")
	if !ok || got.Lifetime != 300 || got.Binding != "U" || got.Offline {
		t.Errorf("unexpected session %+v", got)
	}
	if byLoc, ok := r.Lookup(s.Location); !ok || byLoc.Endpoint != "dev1" {
		t.Errorf("Lookup(%s) = %+v, %v", s.Location, byLoc, ok)
	}

	evs := drain(sub)
	if len(evs) != 1 || evs[0].Kind != events.KindRegistration || evs[0].Endpoint != "dev1" {
		t.Errorf("unexpected events %v", kinds(evs))
	}
}

func TestRegister_Validation(t *testing.T) {
	r, sub, _ := newTestRegistry(t)

	tests := []struct {
		name string
		info SessionInfo
	}{
		{"missing endpoint", SessionInfo{Lifetime: 60}},
		{"negative lifetime", SessionInfo{Endpoint: "dev1", Lifetime: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Register(context.Background(), tt.info)
			if !errors.Is(err, gwerrors.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
	if r.Count() != 0 || len(drain(sub)) != 0 {
		t.Error("rejected registrations must not change state")
	}
}

func TestRegister_DefaultLifetime(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	s := register(t, r, "dev1", 0)
	if s.Lifetime != DefaultLifetime {
		t.Errorf("expected default lifetime, got %d", s.Lifetime)
	}
}

func TestRegister_ReplacesSession(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	first := register(t, r, "dev1", 300)
	second := register(t, r, "dev1", 600)

	if r.Count() != 1 {
		t.Fatalf("expected one session, got %d", r.Count())
	}
	if first.Location == second.Location {
		t.Error("expected a new location on re-registration")
	}
	if _, ok := r.Lookup(first.Location); ok {
		t.Error("old location must no longer resolve")
	}
	if _, ok := r.UpdateByLocation(first.Location, Patch{}); ok {
		t.Error("update on old location must fail")
	}
	if s, _ := r.Get("dev1"); s.Lifetime != 600 {
		t.Errorf("expected replaced lifetime 600, got %d", s.Lifetime)
	}
}

func TestUpdateByLocation(t *testing.T) {
	r, sub, _ := newTestRegistry(t)
	s := register(t, r, "dev1", 300)
	drain(sub)

	lt1, lt2 := int64(120), int64(900)
	ep, ok := r.UpdateByLocation(s.Location, Patch{Lifetime: &lt1})
	if !ok || ep != "dev1" {
		t.Fatalf("UpdateByLocation() = %q, %v", ep, ok)
	}
	after1, _ := r.Get("dev1")

	if _, ok := r.UpdateByLocation(s.Location, Patch{Lifetime: &lt2}); !ok {
		t.Fatal("second update failed")
	}
	after2, _ := r.Get("dev1")

	if after2.Lifetime != 900 {
		t.Errorf("expected last lifetime 900, got %d", after2.Lifetime)
	}
	// The clock is frozen; activity must still move forward.
	if !after1.LastActivity.After(s.LastActivity) || !after2.LastActivity.After(after1.LastActivity) {
		t.Errorf("lastActivity not strictly increasing: %v, %v, %v", s.LastActivity, after1.LastActivity, after2.LastActivity)
	}

	evs := drain(sub)
	if len(evs) != 2 || evs[0].Kind != events.KindUpdate || evs[1].Kind != events.KindUpdate {
		t.Errorf("expected two update events, got %v", kinds(evs))
	}

	if _, ok := r.UpdateByLocation("/rd/999", Patch{}); ok {
		t.Error("expected unknown location to fail")
	}
}

func TestUpdateByLocation_Address(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	s := register(t, r, "dev1", 300)

	b := "UQ"
	r.UpdateByLocation(s.Location, Patch{Binding: &b, Address: "10.0.0.2", Port: 6000})

	got, _ := r.Get("dev1")
	if got.Binding != "UQ" || got.Addr() != "10.0.0.2:6000" {
		t.Errorf("unexpected session %+v", got)
	}
}

func TestDeregister(t *testing.T) {
	conns := newMockConnector(nil)
	r, sub, _ := newTestRegistry(t, WithConnector(conns))

	var hooked []string
	r.OnRemove(func(_ context.Context, s Session, reason string) error {
		return errors.New("hook failed")
	})
	r.OnRemove(func(_ context.Context, s Session, reason string) error {
		hooked = append(hooked, s.Endpoint+":"+reason)
		return nil
	})

	s := register(t, r, "dev1", 300)
	register(t, r, "dev2", 300)
	drain(sub)

	ep, ok := r.DeregisterByLocation(s.Location)
	if !ok || ep != "dev1" {
		t.Fatalf("DeregisterByLocation() = %q, %v", ep, ok)
	}
	if _, ok := r.DeregisterByLocation(s.Location); ok {
		t.Error("second deregistration must fail")
	}
	if !r.Deregister("dev2") {
		t.Error("Deregister(dev2) failed")
	}
	if r.Deregister("dev2") {
		t.Error("Deregister of unknown endpoint must report false")
	}

	evs := drain(sub)
	if len(evs) != 2 {
		t.Fatalf("expected 2 events, got %v", kinds(evs))
	}
	for _, e := range evs {
		if e.Kind != events.KindDeregistration || e.Reason != events.ReasonDeregistered {
			t.Errorf("unexpected event %+v", e)
		}
	}
	if got := conns.closedEndpoints(); len(got) != 2 {
		t.Errorf("expected pool entries closed, got %v", got)
	}
	if len(hooked) != 2 || hooked[0] != "dev1:deregistered" {
		t.Errorf("expected removal hooks to run despite failures, got %v", hooked)
	}
}

func TestSecurePreconnect(t *testing.T) {
	conns := newMockConnector(errors.New("handshake failed"))
	r, _, _ := newTestRegistry(t, WithConnector(conns))

	_, err := r.Register(context.Background(), SessionInfo{
		Endpoint: "secure1",
		Address:  "127.0.0.1",
		Port:     5684,
		Mode:     ModeSecure,
		Lifetime: 300,
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	select {
	case ep := <-conns.acquired:
		if ep != "secure1" {
			t.Errorf("pre-connected %q", ep)
		}
	case <-time.After(time.Second):
		t.Fatal("expected eager connection attempt")
	}
	if _, ok := r.Get("secure1"); !ok {
		t.Error("failed pre-connect must not drop the session")
	}

	register(t, r, "plain1", 300)
	select {
	case ep := <-conns.acquired:
		t.Errorf("unexpected pre-connect for %q", ep)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTouchAndMarkOffline(t *testing.T) {
	r, _, clk := newTestRegistry(t)
	register(t, r, "dev1", 300)

	if !r.MarkOffline("dev1") {
		t.Fatal("MarkOffline() = false")
	}
	if r.MarkOffline("dev1") {
		t.Error("MarkOffline() on offline session must report false")
	}
	if r.MarkOffline("unknown") {
		t.Error("MarkOffline() on unknown endpoint must report false")
	}

	clk.Add(time.Second)
	if !r.Touch("dev1") {
		t.Fatal("Touch() = false")
	}
	s, _ := r.Get("dev1")
	if s.Offline {
		t.Error("expected Touch to clear offline")
	}
	if r.Touch("unknown") {
		t.Error("Touch() on unknown endpoint must report false")
	}
}

func TestList(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	for _, ep := range []string{"c", "a", "b"} {
		register(t, r, ep, 300)
	}

	list := r.List()
	if len(list) != 3 || list[0].Endpoint != "a" || list[2].Endpoint != "c" {
		t.Errorf("unexpected list %+v", list)
	}
}

func TestRegister_ConfiguredDefaultLifetime(t *testing.T) {
	r, _, _ := newTestRegistry(t, WithDefaultLifetime(600))
	if s := register(t, r, "dev1", 0); s.Lifetime != 600 {
		t.Errorf("expected lifetime 600, got %d", s.Lifetime)
	}
}
