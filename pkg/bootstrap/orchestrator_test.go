// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bootstrap

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/absmach/lwm2m-gw/pkg/codec"
	gwerrors "github.com/absmach/lwm2m-gw/pkg/errors"
	"github.com/absmach/lwm2m-gw/pkg/events"
	"github.com/absmach/lwm2m-gw/pkg/transport"
	"github.com/absmach/lwm2m-gw/pkg/transport/mocks"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

func testConfig() Config {
	return Config{
		Security: []SecurityInstance{
			{InstanceID: 0, ServerURI: "coap://bs.example.com:5683", Bootstrap: true, Mode: SecurityNoSec},
			{InstanceID: 1, ServerURI: "coaps://lwm2m.example.com:5684", Mode: SecurityPSK, ShortServerID: 101, PSKIdentity: "dev1", PSKKey: "00112233"},
		},
		Servers: []ServerInstance{
			{InstanceID: 0, ShortServerID: 101, Lifetime: 300, Binding: "U"},
		},
	}
}

func deviceHandler(override func(req transport.Request) (transport.Response, bool)) mocks.HandlerFunc {
	return func(req transport.Request) (transport.Response, error) {
		if override != nil {
			if resp, ok := override(req); ok {
				return resp, nil
			}
		}
		switch req.Method {
		case codes.DELETE:
			return transport.Response{Code: codes.Deleted}, nil
		default:
			return transport.Response{Code: codes.Changed}, nil
		}
	}
}

type mockConnector struct {
	mu    sync.Mutex
	conn  *mocks.Conn
	err   error
	calls []string
}

func (m *mockConnector) Acquire(_ context.Context, endpoint, addr string, port int) (transport.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, endpoint)
	if m.err != nil {
		return nil, m.err
	}
	return m.conn, nil
}

func newTestOrchestrator(t *testing.T, c Connector, store Store, cfg OrchestratorConfig, opts ...Option) (*Orchestrator, *events.Subscription) {
	t.Helper()
	bus := events.NewBus(nil)
	sub := bus.Subscribe(32)
	t.Cleanup(sub.Close)
	o := NewOrchestrator(c, store, cfg, nil, append([]Option{WithEvents(bus)}, opts...)...)
	t.Cleanup(o.Close)
	return o, sub
}

func waitEvent(t *testing.T, sub *events.Subscription, kind events.Kind) events.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-sub.Events():
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func TestProvision_Order(t *testing.T) {
	conn := mocks.NewConn(deviceHandler(nil))
	o, sub := newTestOrchestrator(t, nil, nil, OrchestratorConfig{})

	if err := o.Provision(context.Background(), "dev1", conn, testConfig()); err != nil {
		t.Fatalf("Provision() error = %v", err)
	}

	want := []struct {
		method codes.Code
		path   string
	}{
		{codes.DELETE, "/0"},
		{codes.DELETE, "/1"},
		{codes.PUT, "/0/0"},
		{codes.PUT, "/0/1"},
		{codes.PUT, "/1/0"},
		{codes.POST, "/bs"},
	}
	reqs := conn.Requests()
	if len(reqs) != len(want) {
		t.Fatalf("expected %d requests, got %d", len(want), len(reqs))
	}
	for i, w := range want {
		if reqs[i].Method != w.method || reqs[i].Path != w.path {
			t.Errorf("request %d = %v %s, want %v %s", i, reqs[i].Method, reqs[i].Path, w.method, w.path)
		}
	}

	put := reqs[3]
	if put.Format != codec.FormatTLV {
		t.Errorf("expected TLV payload, got %s", put.Format)
	}
	inst, err := codec.DecodeInstances(put.Payload, codec.Hints{0: codec.KindString, 2: codec.KindInteger, 10: codec.KindInteger})
	if err != nil {
		t.Fatalf("failed to decode security payload: %v", err)
	}
	res, ok := inst[1]
	if !ok {
		t.Fatalf("expected instance 1 in payload, got %v", inst)
	}
	if res[0].Str != "coaps://lwm2m.example.com:5684" || res[10].Int != 101 {
		t.Errorf("unexpected security resources %v", res)
	}

	if e := waitEvent(t, sub, events.KindBootstrapFinish); e.Endpoint != "dev1" {
		t.Errorf("unexpected event %+v", e)
	}
	if s := o.Status("dev1"); s != StateFinished {
		t.Errorf("expected finished, got %s", s)
	}
}

func TestProvision_DeleteNotFoundIgnored(t *testing.T) {
	conn := mocks.NewConn(deviceHandler(func(req transport.Request) (transport.Response, bool) {
		if req.Method == codes.DELETE {
			return transport.Response{Code: codes.NotFound}, true
		}
		return transport.Response{}, false
	}))
	o, _ := newTestOrchestrator(t, nil, nil, OrchestratorConfig{})

	if err := o.Provision(context.Background(), "dev1", conn, testConfig()); err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	if n := len(conn.Requests()); n != 6 {
		t.Errorf("expected 6 requests, got %d", n)
	}
}

func TestProvision_AbortsOnFailure(t *testing.T) {
	conn := mocks.NewConn(deviceHandler(func(req transport.Request) (transport.Response, bool) {
		if req.Path == "/0/1" {
			return transport.Response{Code: codes.InternalServerError}, true
		}
		return transport.Response{}, false
	}))
	o, sub := newTestOrchestrator(t, nil, nil, OrchestratorConfig{})

	err := o.Provision(context.Background(), "dev1", conn, testConfig())
	var be *gwerrors.BootstrapError
	if !errors.As(err, &be) {
		t.Fatalf("expected BootstrapError, got %v", err)
	}
	if be.Stage != "create-security/1" || be.Endpoint != "dev1" {
		t.Errorf("unexpected error %+v", be)
	}
	if !errors.Is(err, gwerrors.ErrBootstrap) {
		t.Error("expected ErrBootstrap in chain")
	}
	if n := len(conn.Requests()); n != 4 {
		t.Errorf("expected provisioning to stop after 4 requests, got %d", n)
	}

	e := waitEvent(t, sub, events.KindError)
	if e.Stage != "create-security/1" || e.Endpoint != "dev1" {
		t.Errorf("unexpected error event %+v", e)
	}
	if s := o.Status("dev1"); s != StateFailed {
		t.Errorf("expected failed, got %s", s)
	}
}

func TestProvision_DeleteFailure(t *testing.T) {
	conn := mocks.NewConn(deviceHandler(func(req transport.Request) (transport.Response, bool) {
		if req.Path == "/1" {
			return transport.Response{Code: codes.Unauthorized}, true
		}
		return transport.Response{}, false
	}))
	o, _ := newTestOrchestrator(t, nil, nil, OrchestratorConfig{})

	err := o.Provision(context.Background(), "dev1", conn, testConfig())
	var be *gwerrors.BootstrapError
	if !errors.As(err, &be) || be.Stage != StageDeleteServer {
		t.Fatalf("expected delete-server failure, got %v", err)
	}
}

func TestProvision_ConnectionError(t *testing.T) {
	conn := mocks.NewConn(nil)
	conn.Close()
	o, _ := newTestOrchestrator(t, nil, nil, OrchestratorConfig{})

	err := o.Provision(context.Background(), "dev1", conn, testConfig())
	if !errors.Is(err, gwerrors.ErrConnection) {
		t.Errorf("expected connection error, got %v", err)
	}
	var be *gwerrors.BootstrapError
	if !errors.As(err, &be) || be.Stage != StageDeleteSecurity {
		t.Errorf("expected failure at delete-security, got %v", err)
	}
}

func TestHandleRequest(t *testing.T) {
	conn := mocks.NewConn(deviceHandler(nil))
	connector := &mockConnector{conn: conn}
	store := NewMemoryStore()
	store.Put("dev1", testConfig())

	o, sub := newTestOrchestrator(t, connector, store, OrchestratorConfig{AcceptDelay: 10 * time.Millisecond})

	if err := o.HandleRequest(context.Background(), Request{Endpoint: "dev1", Address: "127.0.0.1", Port: 5683}); err != nil {
		t.Fatalf("HandleRequest() error = %v", err)
	}
	if e := waitEvent(t, sub, events.KindBootstrapRequest); e.Endpoint != "dev1" {
		t.Errorf("unexpected event %+v", e)
	}
	waitEvent(t, sub, events.KindBootstrapFinish)

	if n := len(conn.Requests()); n != 6 {
		t.Errorf("expected 6 device requests, got %d", n)
	}
	if s := o.Status("dev1"); s != StateFinished {
		t.Errorf("expected finished, got %s", s)
	}
}

func TestHandleRequest_Validation(t *testing.T) {
	o, _ := newTestOrchestrator(t, &mockConnector{}, NewMemoryStore(), OrchestratorConfig{})

	tests := []struct {
		name string
		req  Request
	}{
		{"missing endpoint", Request{Address: "127.0.0.1", Port: 5683}},
		{"missing address", Request{Endpoint: "dev1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := o.HandleRequest(context.Background(), tt.req); !errors.Is(err, gwerrors.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestHandleRequest_NoConfig(t *testing.T) {
	connector := &mockConnector{}
	o, _ := newTestOrchestrator(t, connector, NewMemoryStore(), OrchestratorConfig{})

	err := o.HandleRequest(context.Background(), Request{Endpoint: "unknown", Address: "127.0.0.1", Port: 5683})
	if !errors.Is(err, gwerrors.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if s := o.Status("unknown"); s != StateFailed {
		t.Errorf("expected failed, got %s", s)
	}
}

func TestResolveOrder(t *testing.T) {
	storeCfg := testConfig()
	storeCfg.Servers[0].Lifetime = 111
	resolverCfg := testConfig()
	resolverCfg.Servers[0].Lifetime = 222
	defaultCfg := testConfig()
	defaultCfg.Servers[0].Lifetime = 333

	store := NewMemoryStore()
	store.Put("stored", storeCfg)

	resolver := func(_ context.Context, endpoint string) (Config, bool, error) {
		if endpoint == "resolved" || endpoint == "stored-and-resolved" {
			return resolverCfg, true, nil
		}
		return Config{}, false, nil
	}
	store.Put("stored-and-resolved", storeCfg)

	o, _ := newTestOrchestrator(t, nil, store, OrchestratorConfig{Default: &defaultCfg}, WithResolver(resolver))

	tests := []struct {
		endpoint string
		lifetime int64
	}{
		{"resolved", 222},
		{"stored-and-resolved", 222},
		{"stored", 111},
		{"other", 333},
	}
	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			cfg, err := o.resolve(context.Background(), tt.endpoint)
			if err != nil {
				t.Fatalf("resolve() error = %v", err)
			}
			if cfg.Servers[0].Lifetime != tt.lifetime {
				t.Errorf("expected lifetime %d, got %d", tt.lifetime, cfg.Servers[0].Lifetime)
			}
		})
	}
}

func TestHandleRequest_ConnectFailure(t *testing.T) {
	connector := &mockConnector{err: errors.New("handshake failed")}
	o, sub := newTestOrchestrator(t, connector, nil, OrchestratorConfig{
		AcceptDelay: time.Millisecond,
		Default:     func() *Config { c := testConfig(); return &c }(),
	})

	if err := o.HandleRequest(context.Background(), Request{Endpoint: "dev1", Address: "127.0.0.1", Port: 5684}); err != nil {
		t.Fatalf("HandleRequest() error = %v", err)
	}
	if e := waitEvent(t, sub, events.KindError); e.Stage != StageConnect {
		t.Errorf("unexpected error event %+v", e)
	}
}

func TestClose_CancelsPendingRuns(t *testing.T) {
	connector := &mockConnector{conn: mocks.NewConn(deviceHandler(nil))}
	store := NewMemoryStore()
	store.Put("dev1", testConfig())
	o := NewOrchestrator(connector, store, OrchestratorConfig{AcceptDelay: time.Hour}, nil)

	if err := o.HandleRequest(context.Background(), Request{Endpoint: "dev1", Address: "127.0.0.1", Port: 5683}); err != nil {
		t.Fatalf("HandleRequest() error = %v", err)
	}

	done := make(chan struct{})
	go func() {
		o.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close() did not return")
	}
	if len(connector.calls) != 0 {
		t.Error("expected no connection after close")
	}
	if err := o.HandleRequest(context.Background(), Request{Endpoint: "dev1", Address: "127.0.0.1", Port: 5683}); err == nil {
		t.Error("expected error after close")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name  string
		mod   func(*Config)
		valid bool
	}{
		{"valid", func(*Config) {}, true},
		{"no security", func(c *Config) { c.Security = nil }, false},
		{"missing uri", func(c *Config) { c.Security[0].ServerURI = "" }, false},
		{"bad mode", func(c *Config) { c.Security[0].Mode = 9 }, false},
		{"duplicate security", func(c *Config) { c.Security[1].InstanceID = 0 }, false},
		{"bad lifetime", func(c *Config) { c.Servers[0].Lifetime = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mod(&cfg)
			err := cfg.Validate()
			if tt.valid && err != nil {
				t.Errorf("unexpected error %v", err)
			}
			if !tt.valid && !errors.Is(err, gwerrors.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestSecurityResources_BootstrapOmitsSSID(t *testing.T) {
	res, err := testConfig().Security[0].Resources()
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range res {
		if r.ID == resSecuritySSID {
			t.Error("bootstrap server instance must not carry a short server id")
		}
	}
}
