// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	lwm2mgw "github.com/absmach/lwm2m-gw"
	"github.com/absmach/lwm2m-gw/pkg/codec"
	"github.com/absmach/lwm2m-gw/pkg/objects"
	"github.com/absmach/lwm2m-gw/pkg/observe"
	"github.com/absmach/lwm2m-gw/pkg/pool"
	"github.com/absmach/lwm2m-gw/pkg/registry"
	"github.com/absmach/lwm2m-gw/pkg/transport/mocks"
	"github.com/caarlos0/env/v11"
)

func testConfig(t *testing.T, vars map[string]string) lwm2mgw.Config {
	t.Helper()
	environ := map[string]string{
		"LWM2M_COAP_HOST":         "127.0.0.1",
		"LWM2M_COAP_PORT":         "0",
		"LWM2M_ADMIN_PORT":        "0",
		"LWM2M_METRICS_NAMESPACE": "test",
	}
	for k, v := range vars {
		environ[k] = v
	}
	cfg, err := lwm2mgw.NewConfig(env.Options{Prefix: lwm2mgw.DefaultPrefix, Environment: environ})
	if err != nil {
		t.Fatalf("NewConfig() error = %v", err)
	}
	return cfg
}

func TestNewDeviceStore(t *testing.T) {
	rebooted := make(chan struct{}, 1)
	store, err := NewDeviceStore(DeviceInfo{Serial: "SN-1", FirmwareVersion: "1.2.3"}, func(context.Context, string) error {
		rebooted <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("NewDeviceStore() error = %v", err)
	}

	res, err := store.Read(objects.InstancePath(objects.DeviceID, 0))
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	values := make(map[uint16]codec.Value)
	for _, r := range res {
		values[r.ID] = r.Value
	}
	if values[objects.DeviceManufacturer].Str != "Abstract Machines" || values[objects.DeviceSerialNumber].Str != "SN-1" {
		t.Errorf("unexpected values %v", values)
	}
	if values[objects.DeviceFirmwareVersion].Str != "1.2.3" {
		t.Errorf("unexpected firmware version %v", values[objects.DeviceFirmwareVersion])
	}
	now := values[objects.DeviceCurrentTime]
	if now.Kind != codec.KindTime || time.Since(now.Time()) > time.Minute {
		t.Errorf("expected current time, got %v", now)
	}

	if err := store.Execute(context.Background(), objects.ResourcePath(objects.DeviceID, 0, objects.DeviceReboot), ""); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	select {
	case <-rebooted:
	default:
		t.Error("expected reboot callback")
	}
}

func TestUTCOffset(t *testing.T) {
	tests := []struct {
		seconds int
		want    string
	}{
		{0, "+00:00"},
		{7200, "+02:00"},
		{-5 * 3600, "-05:00"},
		{19800, "+05:30"},
		{-9*3600 - 1800, "-09:30"},
	}
	for _, tt := range tests {
		if got := utcOffset(tt.seconds); got != tt.want {
			t.Errorf("utcOffset(%d) = %s, want %s", tt.seconds, got, tt.want)
		}
	}
}

func TestConnectorRouting(t *testing.T) {
	plainDialer, secureDialer := &mocks.Dialer{}, &mocks.Dialer{}
	reg := registry.New(nil)
	c := &connector{
		sessions: reg,
		plain:    pool.New(plainDialer, pool.Config{}, nil),
		secure:   pool.New(secureDialer, pool.Config{}, nil),
	}
	t.Cleanup(func() { _ = c.closeAll() })

	ctx := context.Background()
	if _, err := reg.Register(ctx, registry.SessionInfo{Endpoint: "secure1", Address: "10.0.0.1", Port: 5684, Mode: registry.ModeSecure}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Acquire(ctx, "secure1", "10.0.0.1", 5684); err != nil {
		t.Fatalf("Acquire(secure1) error = %v", err)
	}
	if _, err := c.Acquire(ctx, "unregistered", "10.0.0.2", 5683); err != nil {
		t.Fatalf("Acquire(unregistered) error = %v", err)
	}
	if secureDialer.Dials() != 1 || plainDialer.Dials() != 1 {
		t.Errorf("expected one dial per pool, got plain=%d secure=%d", plainDialer.Dials(), secureDialer.Dials())
	}

	if err := c.Close("secure1"); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if conns := secureDialer.Conns(); len(conns) != 1 || !conns[0].Closed() {
		t.Error("expected secure connection closed")
	}
}

func TestEngine(t *testing.T) {
	e, err := New(testConfig(t, nil), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if e.Bridge != nil {
		t.Error("bridge must stay off without a broker URL")
	}

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	// Removing a session releases its observations.
	ctx := context.Background()
	if _, err := e.Registry.Register(ctx, registry.SessionInfo{Endpoint: "dev1", Address: "127.0.0.1", Port: 5683}); err != nil {
		t.Fatal(err)
	}
	if err := e.Observations.Register(observe.Observation{Token: []byte{1}, Endpoint: "dev1", Path: "/3/0/9", Format: codec.FormatTLV}); err != nil {
		t.Fatal(err)
	}
	if !e.Registry.Deregister("dev1") {
		t.Fatal("Deregister() = false")
	}
	if n := e.Observations.Count(); n != 0 {
		t.Errorf("expected observations cleaned up, got %d", n)
	}

	if err := e.Store.Execute(ctx, objects.ResourcePath(objects.DeviceID, 0, objects.DeviceReboot), ""); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrReboot) {
			t.Errorf("expected ErrReboot, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("engine did not stop on reboot")
	}
}

func TestEngine_InvalidPSK(t *testing.T) {
	_, err := New(testConfig(t, map[string]string{"LWM2M_PSK_KEY": "not-hex"}), nil)
	if err == nil {
		t.Error("expected invalid PSK key to fail")
	}
}
