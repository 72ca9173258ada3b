// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package observe

import (
	"context"
	"errors"
	"testing"

	"github.com/absmach/lwm2m-gw/pkg/codec"
	gwerrors "github.com/absmach/lwm2m-gw/pkg/errors"
	"github.com/absmach/lwm2m-gw/pkg/transport/mocks"
)

type closeErrConn struct {
	*mocks.Conn
}

func (c closeErrConn) Close() error {
	_ = c.Conn.Close()
	return errors.New("already closed")
}

func obs(token, ep, path string) Observation {
	return Observation{Token: []byte(token), Endpoint: ep, Path: path, Format: codec.FormatTLV}
}

func TestRegister_Validation(t *testing.T) {
	r := NewRegistry(nil, nil)

	tests := []struct {
		name string
		o    Observation
	}{
		{"missing token", Observation{Endpoint: "dev1", Path: "/3/0/0", Format: codec.FormatText}},
		{"missing endpoint", Observation{Token: []byte{1}, Path: "/3/0/0", Format: codec.FormatText}},
		{"missing path", Observation{Token: []byte{1}, Endpoint: "dev1", Format: codec.FormatText}},
		{"missing format", Observation{Token: []byte{1}, Endpoint: "dev1", Path: "/3/0/0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := r.Register(tt.o); !errors.Is(err, gwerrors.ErrInvalidArgument) {
				t.Errorf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}
	if r.Count() != 0 {
		t.Error("invalid observations must not be stored")
	}
}

func TestRegister_DuplicateToken(t *testing.T) {
	r := NewRegistry(nil, nil)

	if err := r.Register(obs("tok1", "dev1", "/3303/0/5700")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	err := r.Register(obs("tok1", "dev2", "/3/0/0"))
	if !errors.Is(err, gwerrors.ErrDuplicateToken) {
		t.Fatalf("expected ErrDuplicateToken, got %v", err)
	}

	o, ok := r.Lookup([]byte("tok1"))
	if !ok || o.Endpoint != "dev1" {
		t.Errorf("expected the first registration to be kept, got %+v", o)
	}
}

func TestRegister_CopiesToken(t *testing.T) {
	r := NewRegistry(nil, nil)
	tok := []byte("tok1")
	if err := r.Register(Observation{Token: tok, Endpoint: "dev1", Path: "/3/0/0", Format: codec.FormatText}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	tok[0] = 'X'
	if _, ok := r.Lookup([]byte("tok1")); !ok {
		t.Error("registry must not alias the caller's token")
	}
}

func TestDeregister_ClosesOwnedConn(t *testing.T) {
	r := NewRegistry(nil, nil)
	conn := mocks.NewConn(nil)

	o := obs("tok1", "dev1", "/3303/0/5700")
	o.Conn = closeErrConn{conn}
	canceled := false
	o.Cancel = func(context.Context) error {
		canceled = true
		return nil
	}
	if err := r.Register(o); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if !r.Deregister([]byte("tok1")) {
		t.Fatal("Deregister() = false")
	}
	if !conn.Closed() {
		t.Error("expected owned connection to be closed")
	}
	if canceled {
		t.Error("cancel must not run when the owned connection is closed")
	}
	if r.Deregister([]byte("tok1")) {
		t.Error("second Deregister() must report false")
	}
	if _, ok := r.Lookup([]byte("tok1")); ok {
		t.Error("expected token to be gone")
	}
}

func TestDeregister_Cancels(t *testing.T) {
	r := NewRegistry(nil, nil)

	o := obs("tok1", "dev1", "/3303/0/5700")
	canceled := 0
	o.Cancel = func(ctx context.Context) error {
		canceled++
		return errors.New("device unreachable")
	}
	_ = r.Register(o)

	if !r.Deregister([]byte("tok1")) {
		t.Fatal("Deregister() = false")
	}
	if canceled != 1 {
		t.Errorf("expected cancel once, got %d", canceled)
	}
}

func TestFindByEndpointAndPath(t *testing.T) {
	r := NewRegistry(nil, nil)
	_ = r.Register(obs("a", "dev1", "/3303/0/5700"))
	_ = r.Register(obs("b", "dev1", "/3/0/0"))

	tok, ok := r.FindByEndpointAndPath("dev1", "/3/0/0")
	if !ok || string(tok) != "b" {
		t.Errorf("FindByEndpointAndPath() = %q, %v", tok, ok)
	}
	if _, ok := r.FindByEndpointAndPath("dev2", "/3/0/0"); ok {
		t.Error("expected no match for other endpoint")
	}
}

func TestCleanupAll(t *testing.T) {
	r := NewRegistry(nil, nil)
	c1, c2, c3 := mocks.NewConn(nil), mocks.NewConn(nil), mocks.NewConn(nil)

	for _, o := range []Observation{
		{Token: []byte("a"), Endpoint: "dev1", Path: "/1", Format: codec.FormatTLV, Conn: c1},
		{Token: []byte("b"), Endpoint: "dev1", Path: "/2", Format: codec.FormatTLV, Conn: c2},
		{Token: []byte("c"), Endpoint: "dev2", Path: "/1", Format: codec.FormatTLV, Conn: c3},
	} {
		if err := r.Register(o); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}

	if n := r.CleanupAll("dev1"); n != 2 {
		t.Fatalf("CleanupAll(dev1) = %d, want 2", n)
	}
	if !c1.Closed() || !c2.Closed() || c3.Closed() {
		t.Error("expected only dev1 connections closed")
	}
	if r.Count() != 1 {
		t.Errorf("expected 1 remaining observation, got %d", r.Count())
	}

	if n := r.CleanupAll(""); n != 1 {
		t.Fatalf("CleanupAll(\"\") = %d, want 1", n)
	}
	if !c3.Closed() || r.Count() != 0 {
		t.Error("expected everything cleaned up")
	}
}

func TestList(t *testing.T) {
	r := NewRegistry(nil, nil)
	_ = r.Register(obs("1", "dev2", "/1"))
	_ = r.Register(obs("2", "dev1", "/2"))
	_ = r.Register(obs("3", "dev1", "/1"))

	list := r.List()
	if len(list) != 3 || list[0].Endpoint != "dev1" || list[0].Path != "/1" || list[2].Endpoint != "dev2" {
		t.Errorf("unexpected order %+v", list)
	}
}

func TestNewToken(t *testing.T) {
	a, err := NewToken()
	if err != nil {
		t.Fatalf("NewToken() error = %v", err)
	}
	b, _ := NewToken()
	if len(a) != TokenSize || string(a) == string(b) {
		t.Errorf("unexpected tokens %x, %x", a, b)
	}
}
