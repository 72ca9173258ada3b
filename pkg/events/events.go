// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Kind identifies a lifecycle event.
type Kind string

const (
	KindRegistration     Kind = "registration"
	KindUpdate           Kind = "update"
	KindDeregistration   Kind = "deregistration"
	KindClientOffline    Kind = "client_offline"
	KindObservation      Kind = "observation"
	KindBootstrapRequest Kind = "bootstrap-request"
	KindBootstrapFinish  Kind = "bootstrap-finish"
	KindError            Kind = "error"
)

// Deregistration reasons.
const (
	ReasonDeregistered    = "deregistered"
	ReasonLifetimeExpired = "lifetime_expired"
)

// DefaultBuffer is the subscription channel size used when none is given.
const DefaultBuffer = 64

// Event is a lifecycle notification published on the bus.
type Event struct {
	ID       string         `json:"id"`
	Kind     Kind           `json:"kind"`
	Endpoint string         `json:"endpoint,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Path     string         `json:"path,omitempty"`
	Stage    string         `json:"stage,omitempty"`
	Error    string         `json:"error,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Time     time.Time      `json:"time"`
}

// Publisher publishes lifecycle events.
type Publisher interface {
	Publish(e Event)
}

// Handler consumes events delivered by Bus.Serve.
type Handler interface {
	HandleEvent(ctx context.Context, e Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, e Event) error

// HandleEvent calls f(ctx, e).
func (f HandlerFunc) HandleEvent(ctx context.Context, e Event) error {
	return f(ctx, e)
}

// Bus fans events out to subscriptions filtered by kind. Publishing never
// blocks: a subscriber whose buffer is full misses the event and its drop
// counter is incremented.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
	logger *slog.Logger
}

var _ Publisher = (*Bus)(nil)

// NewBus creates an empty event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		logger: logger,
	}
}

// Subscribe registers a subscription for the given kinds (all kinds when none
// are given). The caller owns the subscription and must Close it.
func (b *Bus) Subscribe(buffer int, kinds ...Kind) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := &Subscription{
		bus: b,
		ch:  make(chan Event, buffer),
	}
	if len(kinds) > 0 {
		s.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		s.closed = true
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish stamps e with an id and time when missing and delivers it.
func (b *Bus) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.wants(e.Kind) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
			b.logger.Warn("event subscriber full, dropping event",
				slog.String("kind", string(e.Kind)),
				slog.String("endpoint", e.Endpoint))
		}
	}
}

// Serve subscribes h to the given kinds and delivers events until ctx is
// done. Handler errors are logged and do not stop delivery.
func (b *Bus) Serve(ctx context.Context, h Handler, kinds ...Kind) error {
	sub := b.Subscribe(DefaultBuffer, kinds...)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := h.HandleEvent(ctx, e); err != nil {
				b.logger.Error("event handler error",
					slog.String("kind", string(e.Kind)),
					slog.String("endpoint", e.Endpoint),
					slog.String("error", err.Error()))
			}
		}
	}
}

// Close closes every subscription. Later subscriptions are closed immediately.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.closeLocked()
		delete(b.subs, s)
	}
}

// Count returns the number of live subscriptions.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Subscription is a filtered event stream.
type Subscription struct {
	bus     *Bus
	ch      chan Event
	kinds   map[Kind]struct{}
	closed  bool
	dropped atomic.Uint64
}

// Events returns the channel events are delivered on. It is closed when the
// subscription or the bus is closed.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped returns how many events were missed because the buffer was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs, s)
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

func (s *Subscription) wants(k Kind) bool {
	if s.kinds == nil {
		return true
	}
	_, ok := s.kinds[k]
	return ok
}
