// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package lwm2m

import (
	"context"
	"testing"
	"time"

	"github.com/absmach/lwm2m-gw/pkg/registry"
	"github.com/absmach/lwm2m-gw/pkg/transport"
	coapnet "github.com/plgd-dev/go-coap/v3/net"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

func TestServe(t *testing.T) {
	reg := registry.New(nil)
	s := New(Config{}, reg, newTestStore(t), nil)

	l, err := coapnet.NewListenUDP("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.LocalAddr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, l) }()
	defer func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve() error = %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Serve() did not stop")
		}
	}()

	dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dcancel()
	conn, err := transport.NewUDPDialer().Dial(dctx, addr)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	resp, err := conn.Do(dctx, transport.Request{
		Method:  codes.POST,
		Path:    "/rd",
		Queries: []string{"ep=dev1", "lt=300"},
		Payload: []byte("</3/0>"),
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if resp.Code != codes.Created {
		t.Fatalf("expected 2.01, got %v", resp.Code)
	}
	sess, ok := reg.Get("dev1")
	if !ok || sess.Location != "/rd/1" || sess.ObjectLinks != "</3/0>" {
		t.Fatalf("unexpected session %+v", sess)
	}

	resp, err = conn.Do(dctx, transport.Request{Method: codes.GET, Path: "/3/0/0"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.Code != codes.Content || string(resp.Payload) != "Abstract Machines" {
		t.Errorf("unexpected read response %+v", resp)
	}

	resp, err = conn.Do(dctx, transport.Request{Method: codes.DELETE, Path: "/rd/1"})
	if err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if resp.Code != codes.Deleted {
		t.Errorf("expected 2.02, got %v", resp.Code)
	}
	if reg.Count() != 0 {
		t.Error("expected session removed")
	}
}
