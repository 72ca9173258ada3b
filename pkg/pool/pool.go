// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package pool keeps one live transport connection per device endpoint so the
// handshake cost is paid once and reused across requests.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/absmach/lwm2m-gw/pkg/breaker"
	gwerrors "github.com/absmach/lwm2m-gw/pkg/errors"
	"github.com/absmach/lwm2m-gw/pkg/metrics"
	"github.com/absmach/lwm2m-gw/pkg/transport"
)

var errClosedWhileConnecting = errors.New("connection closed while connecting")

// State is the lifecycle state of a pooled connection.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config holds connection pool configuration.
type Config struct {
	// HandshakeTimeout bounds a single dial, including the DTLS handshake.
	HandshakeTimeout time.Duration
	// IdleTimeout is how long a connection may stay unused before Run reclaims it.
	IdleTimeout time.Duration
	// SweepInterval is how often Run looks for idle connections.
	SweepInterval time.Duration
}

// Stats is a snapshot of the pool.
type Stats struct {
	Connecting int `json:"connecting"`
	Connected  int `json:"connected"`
}

type entry struct {
	endpoint string
	addr     string
	conn     transport.Conn
	state    State
	lastUsed time.Time
	done     chan struct{}
	err      error
}

// Pool is an endpoint keyed connection pool. Connections are kept after use,
// so there is no release; they leave the pool on idle timeout, transport
// error or explicit close.
type Pool struct {
	mu       sync.Mutex
	entries  map[string]*entry
	dialer   transport.Dialer
	config   Config
	breakers *breaker.Group
	metrics  *metrics.Metrics
	logger   *slog.Logger
	closed   bool
	ctx      context.Context
	cancel   context.CancelFunc
	now      func() time.Time
}

// Option configures optional pool collaborators.
type Option func(*Pool)

// WithBreakers fast-fails dials to endpoints whose handshakes keep failing.
func WithBreakers(g *breaker.Group) Option {
	return func(p *Pool) {
		p.breakers = g
	}
}

// WithMetrics instruments the pool.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) {
		p.metrics = m
	}
}

// New creates a new connection pool.
func New(dialer transport.Dialer, config Config, logger *slog.Logger, opts ...Option) *Pool {
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 5 * time.Minute
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		entries: make(map[string]*entry),
		dialer:  dialer,
		config:  config,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Acquire returns the connection for endpoint, dialing addr:port when none
// exists. Concurrent callers for an endpoint that is still connecting wait for
// that dial instead of starting their own, and all receive its outcome.
func (p *Pool) Acquire(ctx context.Context, endpoint, addr string, port int) (transport.Conn, error) {
	target := net.JoinHostPort(addr, strconv.Itoa(port))

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, gwerrors.ErrPoolClosed
	}

	e, ok := p.entries[endpoint]
	if ok && e.state == StateConnected && e.addr != target {
		// The device came back from a different address.
		p.removeLocked(e)
		go e.conn.Close()
		ok = false
	}
	if !ok {
		e = &entry{
			endpoint: endpoint,
			addr:     target,
			state:    StateConnecting,
			done:     make(chan struct{}),
		}
		p.entries[endpoint] = e
		p.updateMetricsLocked()
		go p.connect(e)
	}
	p.mu.Unlock()

	return p.wait(ctx, e)
}

func (p *Pool) wait(ctx context.Context, e *entry) (transport.Conn, error) {
	select {
	case <-e.done:
	case <-ctx.Done():
		return nil, &gwerrors.ConnectionError{
			Endpoint: e.endpoint,
			Addr:     e.addr,
			Err:      gwerrors.FromContext(ctx.Err()),
		}
	}
	if e.err != nil {
		return nil, e.err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if e.state != StateConnected {
		return nil, &gwerrors.ConnectionError{Endpoint: e.endpoint, Addr: e.addr, Err: errClosedWhileConnecting}
	}
	e.lastUsed = p.now()
	return &Conn{pool: p, entry: e}, nil
}

func (p *Pool) connect(e *entry) {
	ctx, cancel := context.WithTimeout(p.ctx, p.config.HandshakeTimeout)
	defer cancel()

	var conn transport.Conn
	dial := func() error {
		c, err := p.dialer.Dial(ctx, e.addr)
		conn = c
		return err
	}

	var err error
	if p.breakers != nil {
		err = p.breakers.Call(e.endpoint, dial)
	} else {
		err = dial()
	}
	p.metrics.CountDial(err)

	p.mu.Lock()
	defer p.mu.Unlock()
	defer close(e.done)

	if err != nil {
		e.state = StateClosed
		e.err = &gwerrors.ConnectionError{Endpoint: e.endpoint, Addr: e.addr, Err: gwerrors.FromContext(err)}
		p.removeLocked(e)
		p.logger.Warn("failed to connect to device",
			slog.String("endpoint", e.endpoint),
			slog.String("addr", e.addr),
			slog.String("error", err.Error()))
		return
	}

	if p.closed || p.entries[e.endpoint] != e {
		e.state = StateClosed
		e.err = &gwerrors.ConnectionError{Endpoint: e.endpoint, Addr: e.addr, Err: errClosedWhileConnecting}
		go conn.Close()
		return
	}

	e.conn = conn
	e.state = StateConnected
	e.lastUsed = p.now()
	p.updateMetricsLocked()
	go p.watch(e.endpoint, conn)

	p.logger.Debug("connected to device",
		slog.String("endpoint", e.endpoint),
		slog.String("addr", e.addr))
}

// watch drops the entry when the transport terminates on its own.
func (p *Pool) watch(endpoint string, conn transport.Conn) {
	select {
	case <-conn.Done():
		p.Discard(endpoint, conn)
	case <-p.ctx.Done():
	}
}

// Discard removes endpoint's entry if it still holds conn, and closes conn.
// A conn that was already replaced only gets closed.
func (p *Pool) Discard(endpoint string, conn transport.Conn) {
	p.mu.Lock()
	if e, ok := p.entries[endpoint]; ok && e.conn == conn {
		p.removeLocked(e)
	}
	p.mu.Unlock()

	if err := conn.Close(); err != nil {
		p.logger.Debug("failed to close discarded connection",
			slog.String("endpoint", endpoint),
			slog.String("error", err.Error()))
	}
}

// Close closes and removes the connection for endpoint. Closing an endpoint
// that is still connecting makes its waiters fail.
func (p *Pool) Close(endpoint string) error {
	p.mu.Lock()
	e, ok := p.entries[endpoint]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	p.removeLocked(e)
	conn := e.conn
	p.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// SweepIdle closes connections unused for longer than maxIdle and returns how
// many were closed. Connecting entries are left alone.
func (p *Pool) SweepIdle(maxIdle time.Duration) int {
	now := p.now()

	p.mu.Lock()
	var idle []*entry
	for _, e := range p.entries {
		if e.state == StateConnected && now.Sub(e.lastUsed) > maxIdle {
			idle = append(idle, e)
		}
	}
	for _, e := range idle {
		p.removeLocked(e)
	}
	p.mu.Unlock()

	for _, e := range idle {
		if err := e.conn.Close(); err != nil {
			p.logger.Debug("failed to close idle connection",
				slog.String("endpoint", e.endpoint),
				slog.String("error", err.Error()))
		}
	}
	if len(idle) > 0 {
		p.logger.Debug("closed idle connections", slog.Int("count", len(idle)))
	}
	return len(idle)
}

// Run sweeps idle connections every SweepInterval until ctx is done.
func (p *Pool) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.SweepIdle(p.config.IdleTimeout)
		}
	}
}

// CloseAll closes the pool and all connections. Later Acquires fail with
// ErrPoolClosed.
func (p *Pool) CloseAll() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.cancel()

	var conns []transport.Conn
	for _, e := range p.entries {
		if e.conn != nil {
			conns = append(conns, e.conn)
		}
		p.removeLocked(e)
	}
	p.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats returns pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

// State returns the state of endpoint's entry, or StateClosed when absent.
func (p *Pool) State(endpoint string) State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[endpoint]; ok {
		return e.state
	}
	return StateClosed
}

func (p *Pool) touch(e *entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e.lastUsed = p.now()
}

func (p *Pool) removeLocked(e *entry) {
	if cur, ok := p.entries[e.endpoint]; ok && cur == e {
		delete(p.entries, e.endpoint)
	}
	if e.state == StateConnected {
		e.state = StateClosed
	}
	p.updateMetricsLocked()
}

func (p *Pool) statsLocked() Stats {
	var s Stats
	for _, e := range p.entries {
		switch e.state {
		case StateConnecting:
			s.Connecting++
		case StateConnected:
			s.Connected++
		}
	}
	return s
}

func (p *Pool) updateMetricsLocked() {
	if p.metrics == nil {
		return
	}
	s := p.statsLocked()
	p.metrics.SetPool(s.Connecting, s.Connected)
}

// Conn is a pooled connection. Any send error discards the pooled entry so
// the next Acquire dials again; the error is returned to this caller only.
type Conn struct {
	pool  *Pool
	entry *entry
}

var _ transport.Conn = (*Conn)(nil)

func (c *Conn) Do(ctx context.Context, req transport.Request) (transport.Response, error) {
	resp, err := c.entry.conn.Do(ctx, req)
	if err != nil {
		c.pool.Discard(c.entry.endpoint, c.entry.conn)
		return resp, &gwerrors.ConnectionError{Endpoint: c.entry.endpoint, Addr: c.entry.addr, Err: err}
	}
	c.pool.touch(c.entry)
	return resp, nil
}

func (c *Conn) Observe(ctx context.Context, req transport.Request, fn func(transport.Response)) (transport.Observation, transport.Response, error) {
	obs, resp, err := c.entry.conn.Observe(ctx, req, fn)
	if err != nil {
		var se *transport.StatusError
		if errors.As(err, &se) {
			// The device answered; the connection is fine.
			c.pool.touch(c.entry)
			return nil, resp, err
		}
		c.pool.Discard(c.entry.endpoint, c.entry.conn)
		return nil, resp, &gwerrors.ConnectionError{Endpoint: c.entry.endpoint, Addr: c.entry.addr, Err: err}
	}
	c.pool.touch(c.entry)
	return obs, resp, nil
}

func (c *Conn) Done() <-chan struct{} {
	return c.entry.conn.Done()
}

// Close removes the connection from the pool.
func (c *Conn) Close() error {
	c.pool.Discard(c.entry.endpoint, c.entry.conn)
	return nil
}

// Endpoint returns the endpoint the connection belongs to.
func (c *Conn) Endpoint() string {
	return c.entry.endpoint
}
