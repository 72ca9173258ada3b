// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mocks contains in-memory transport doubles used by tests.
package mocks

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"

	gwerrors "github.com/absmach/lwm2m-gw/pkg/errors"
	"github.com/absmach/lwm2m-gw/pkg/transport"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

var (
	_ transport.Conn   = (*Conn)(nil)
	_ transport.Dialer = (*Dialer)(nil)
)

// HandlerFunc produces the device response for a request.
type HandlerFunc func(req transport.Request) (transport.Response, error)

// Conn is a scripted device connection.
type Conn struct {
	Addr string

	mu        sync.Mutex
	handler   HandlerFunc
	requests  []transport.Request
	observers map[string]func(transport.Response)
	canceled  []string
	closed    bool
	done      chan struct{}
	token     uint32
}

// NewConn creates a connection answering with h. A nil h answers 2.05 Content
// with an empty payload.
func NewConn(h HandlerFunc) *Conn {
	return &Conn{
		handler:   h,
		observers: make(map[string]func(transport.Response)),
		done:      make(chan struct{}),
	}
}

// SetHandler replaces the response handler.
func (c *Conn) SetHandler(h HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

func (c *Conn) Do(ctx context.Context, req transport.Request) (transport.Response, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.Response{}, gwerrors.ErrConnection
	}
	c.requests = append(c.requests, req)
	h := c.handler
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return transport.Response{}, gwerrors.FromContext(err)
	}
	if h == nil {
		return transport.Response{Code: codes.Content}, nil
	}
	return h(req)
}

func (c *Conn) Observe(ctx context.Context, req transport.Request, fn func(transport.Response)) (transport.Observation, transport.Response, error) {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, transport.Response{}, err
	}
	if !resp.Success() {
		return nil, resp, transport.CheckStatus(req.Path, resp)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.token++
	tok := make([]byte, 4)
	binary.BigEndian.PutUint32(tok, c.token)
	c.observers[req.Path] = fn
	return &observation{conn: c, path: req.Path, token: tok}, resp, nil
}

// Notify delivers resp to the observer of path. It reports whether one exists.
func (c *Conn) Notify(path string, resp transport.Response) bool {
	c.mu.Lock()
	fn, ok := c.observers[path]
	c.mu.Unlock()
	if ok {
		fn(resp)
	}
	return ok
}

// Requests returns a copy of the requests seen so far.
func (c *Conn) Requests() []transport.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transport.Request(nil), c.requests...)
}

// Canceled returns the paths whose observations were canceled.
func (c *Conn) Canceled() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.canceled...)
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

type observation struct {
	conn  *Conn
	path  string
	token []byte
}

func (o *observation) Token() []byte {
	return o.token
}

func (o *observation) Cancel(context.Context) error {
	o.conn.mu.Lock()
	defer o.conn.mu.Unlock()
	delete(o.conn.observers, o.path)
	o.conn.canceled = append(o.conn.canceled, o.path)
	return nil
}

// Dialer hands out Conns and counts dials.
type Dialer struct {
	// New builds the connection for addr. Nil yields NewConn(nil).
	New func(addr string) *Conn
	// Err, when set, fails every dial.
	Err error
	// Block, when set, delays each dial until it is closed or ctx ends.
	Block chan struct{}

	dials atomic.Int64
	mu    sync.Mutex
	conns []*Conn
}

func (d *Dialer) Dial(ctx context.Context, addr string) (transport.Conn, error) {
	d.dials.Add(1)
	if d.Block != nil {
		select {
		case <-d.Block:
		case <-ctx.Done():
			return nil, gwerrors.FromContext(ctx.Err())
		}
	}
	if d.Err != nil {
		return nil, d.Err
	}
	var c *Conn
	if d.New != nil {
		c = d.New(addr)
	} else {
		c = NewConn(nil)
	}
	c.Addr = addr

	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

// Dials returns the number of Dial calls.
func (d *Dialer) Dials() int {
	return int(d.dials.Load())
}

// Conns returns the connections created so far.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}
