// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	gwerrors "github.com/absmach/lwm2m-gw/pkg/errors"
	"github.com/absmach/lwm2m-gw/pkg/events"
	"github.com/absmach/lwm2m-gw/pkg/metrics"
	"github.com/absmach/lwm2m-gw/pkg/transport"
)

// DefaultLifetime is used when a registration carries no lifetime.
const DefaultLifetime int64 = 86400

// LocationPrefix is the path registration locations live under.
const LocationPrefix = "/rd/"

// Mode is the transport security mode of a session.
type Mode int

const (
	ModePlain Mode = iota
	ModeSecure
)

func (m Mode) String() string {
	if m == ModeSecure {
		return "secure"
	}
	return "plain"
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// Session is the live record of a registered device.
type Session struct {
	Endpoint     string    `json:"endpoint"`
	Address      string    `json:"address"`
	Port         int       `json:"port"`
	Mode         Mode      `json:"mode"`
	Location     string    `json:"location"`
	Lifetime     int64     `json:"lifetime"`
	Binding      string    `json:"binding,omitempty"`
	Version      string    `json:"lwm2m_version,omitempty"`
	ObjectLinks  string    `json:"object_links,omitempty"`
	LastActivity time.Time `json:"last_activity"`
	RegisteredAt time.Time `json:"registered_at"`
	Offline      bool      `json:"offline"`
}

// Addr returns the device address as host:port.
func (s Session) Addr() string {
	return net.JoinHostPort(s.Address, strconv.Itoa(s.Port))
}

// Expired reports whether the session outlived its lifetime at now.
func (s Session) Expired(now time.Time) bool {
	return now.Sub(s.LastActivity) > time.Duration(s.Lifetime)*time.Second
}

// SessionInfo describes a registration request.
type SessionInfo struct {
	Endpoint    string
	Address     string
	Port        int
	Mode        Mode
	Lifetime    int64
	Binding     string
	Version     string
	ObjectLinks string
}

// Patch carries the optional fields of a registration update.
type Patch struct {
	Lifetime    *int64
	Binding     *string
	ObjectLinks *string
	// Address records the address the update came from. Port, when set, is
	// the port the device declared with the update.
	Address string
	Port    int
}

// Connector is the part of the connection pool sessions depend on.
type Connector interface {
	Acquire(ctx context.Context, endpoint, addr string, port int) (transport.Conn, error)
	Close(endpoint string) error
}

// RemoveFunc is called after a session leaves the registry.
type RemoveFunc func(ctx context.Context, s Session, reason string) error

// Registry maps endpoint names to their current session. A Location resolves
// to exactly one live session; re-registering an endpoint replaces its
// session and issues a new Location.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	locations map[string]string
	seq       uint64

	conns    Connector
	events   events.Publisher
	metrics  *metrics.Metrics
	logger   *slog.Logger
	onRemove []RemoveFunc
	lifetime int64
	now      func() time.Time
}

// Option configures optional registry collaborators.
type Option func(*Registry)

// WithConnector enables eager connections for secure sessions and pool
// cleanup on removal.
func WithConnector(c Connector) Option {
	return func(r *Registry) {
		r.conns = c
	}
}

// WithEvents publishes lifecycle events to p.
func WithEvents(p events.Publisher) Option {
	return func(r *Registry) {
		r.events = p
	}
}

// WithMetrics instruments the registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithDefaultLifetime sets the lifetime, in seconds, of registrations that
// carry none.
func WithDefaultLifetime(seconds int64) Option {
	return func(r *Registry) {
		if seconds > 0 {
			r.lifetime = seconds
		}
	}
}

// New creates an empty registry.
func New(logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		sessions:  make(map[string]*Session),
		locations: make(map[string]string),
		logger:    logger,
		lifetime:  DefaultLifetime,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnRemove registers fn to run whenever a session is removed, whatever the
// reason. Errors are logged.
func (r *Registry) OnRemove(fn RemoveFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRemove = append(r.onRemove, fn)
}

// Register creates or replaces the session for info.Endpoint.
func (r *Registry) Register(ctx context.Context, info SessionInfo) (Session, error) {
	if info.Endpoint == "" {
		return Session{}, gwerrors.Validation("missing endpoint name")
	}
	if info.Lifetime < 0 {
		return Session{}, gwerrors.Validation("invalid lifetime %d", info.Lifetime)
	}
	if info.Lifetime == 0 {
		info.Lifetime = r.lifetime
	}

	r.mu.Lock()
	now := r.now()
	replaced := false
	if old, ok := r.sessions[info.Endpoint]; ok {
		delete(r.locations, old.Location)
		replaced = true
	}
	r.seq++
	s := &Session{
		Endpoint:     info.Endpoint,
		Address:      info.Address,
		Port:         info.Port,
		Mode:         info.Mode,
		Location:     fmt.Sprintf("%s%d", LocationPrefix, r.seq),
		Lifetime:     info.Lifetime,
		Binding:      info.Binding,
		Version:      info.Version,
		ObjectLinks:  info.ObjectLinks,
		LastActivity: now,
		RegisteredAt: now,
	}
	r.sessions[s.Endpoint] = s
	r.locations[s.Location] = s.Endpoint
	out := *s
	r.updateMetricsLocked()
	r.mu.Unlock()

	r.logger.Info("client registered",
		slog.String("endpoint", out.Endpoint),
		slog.String("location", out.Location),
		slog.String("addr", out.Addr()),
		slog.Int64("lifetime", out.Lifetime),
		slog.Bool("replaced", replaced))

	r.publish(events.Event{
		Kind:     events.KindRegistration,
		Endpoint: out.Endpoint,
		Data: map[string]any{
			"location": out.Location,
			"lifetime": out.Lifetime,
			"binding":  out.Binding,
			"address":  out.Addr(),
			"mode":     out.Mode.String(),
			"replaced": replaced,
		},
	})

	if out.Mode == ModeSecure && r.conns != nil {
		go r.preconnect(context.WithoutCancel(ctx), out)
	}
	return out, nil
}

func (r *Registry) preconnect(ctx context.Context, s Session) {
	if _, err := r.conns.Acquire(ctx, s.Endpoint, s.Address, s.Port); err != nil {
		r.logger.Warn("failed to pre-connect secure client",
			slog.String("endpoint", s.Endpoint),
			slog.String("addr", s.Addr()),
			slog.String("error", err.Error()))
	}
}

// Get returns the session for endpoint.
func (r *Registry) Get(endpoint string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[endpoint]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Lookup returns the session registered under location.
func (r *Registry) Lookup(location string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.locations[location]
	if !ok {
		return Session{}, false
	}
	return *r.sessions[ep], true
}

// UpdateByLocation applies p to the session under location, refreshing its
// activity and clearing the offline flag.
func (r *Registry) UpdateByLocation(location string, p Patch) (string, bool) {
	r.mu.Lock()
	ep, ok := r.locations[location]
	if !ok {
		r.mu.Unlock()
		return "", false
	}
	s := r.sessions[ep]
	if p.Lifetime != nil && *p.Lifetime > 0 {
		s.Lifetime = *p.Lifetime
	}
	if p.Binding != nil {
		s.Binding = *p.Binding
	}
	if p.ObjectLinks != nil {
		s.ObjectLinks = *p.ObjectLinks
	}
	if p.Address != "" {
		s.Address = p.Address
	}
	if p.Port > 0 {
		s.Port = p.Port
	}
	r.touchLocked(s)
	out := *s
	r.updateMetricsLocked()
	r.mu.Unlock()

	r.logger.Debug("client updated",
		slog.String("endpoint", ep),
		slog.Int64("lifetime", out.Lifetime))

	r.publish(events.Event{
		Kind:     events.KindUpdate,
		Endpoint: ep,
		Data: map[string]any{
			"location": out.Location,
			"lifetime": out.Lifetime,
			"binding":  out.Binding,
		},
	})
	return ep, true
}

// DeregisterByLocation removes the session under location.
func (r *Registry) DeregisterByLocation(location string) (string, bool) {
	r.mu.Lock()
	ep, ok := r.locations[location]
	if !ok {
		r.mu.Unlock()
		return "", false
	}
	s := r.removeLocked(ep)
	r.mu.Unlock()

	r.finishRemoval(s, events.ReasonDeregistered)
	return ep, true
}

// Deregister removes the session for endpoint.
func (r *Registry) Deregister(endpoint string) bool {
	r.mu.Lock()
	if _, ok := r.sessions[endpoint]; !ok {
		r.mu.Unlock()
		return false
	}
	s := r.removeLocked(endpoint)
	r.mu.Unlock()

	r.finishRemoval(s, events.ReasonDeregistered)
	return true
}

// List returns all sessions ordered by endpoint.
func (r *Registry) List() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Endpoint < out[j].Endpoint
	})
	return out
}

// Touch records activity for endpoint. Any successful exchange with an
// offline client brings it back online.
func (r *Registry) Touch(endpoint string) bool {
	r.mu.Lock()
	s, ok := r.sessions[endpoint]
	if !ok {
		r.mu.Unlock()
		return false
	}
	wasOffline := s.Offline
	r.touchLocked(s)
	r.updateMetricsLocked()
	r.mu.Unlock()

	if wasOffline {
		r.logger.Info("client back online", slog.String("endpoint", endpoint))
	}
	return true
}

// MarkOffline flags endpoint offline. It reports false when the endpoint is
// unknown or already offline.
func (r *Registry) MarkOffline(endpoint string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[endpoint]
	if !ok || s.Offline {
		return false
	}
	s.Offline = true
	r.updateMetricsLocked()
	return true
}

// Count returns the number of sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// SweepResult lists the endpoints a sweep transitioned.
type SweepResult struct {
	Expired []string
	Offline []string
}

// sweep applies expiry and offline transitions as of now. Decisions and
// mutations happen under one lock so no session is seen half updated.
func (r *Registry) sweep(now time.Time, offlineTimeout time.Duration) SweepResult {
	var (
		res     SweepResult
		expired []Session
	)

	r.mu.Lock()
	for ep, s := range r.sessions {
		switch {
		case s.Expired(now):
			expired = append(expired, r.removeLocked(ep))
			res.Expired = append(res.Expired, ep)
		case !s.Offline && now.Sub(s.LastActivity) > offlineTimeout:
			s.Offline = true
			res.Offline = append(res.Offline, ep)
		}
	}
	r.updateMetricsLocked()
	r.mu.Unlock()

	sort.Strings(res.Expired)
	sort.Strings(res.Offline)

	for _, s := range expired {
		r.finishRemoval(s, events.ReasonLifetimeExpired)
	}
	for _, ep := range res.Offline {
		r.logger.Warn("client offline", slog.String("endpoint", ep))
		r.publish(events.Event{Kind: events.KindClientOffline, Endpoint: ep})
	}
	return res
}

func (r *Registry) touchLocked(s *Session) {
	now := r.now()
	if !now.After(s.LastActivity) {
		now = s.LastActivity.Add(time.Nanosecond)
	}
	s.LastActivity = now
	s.Offline = false
}

func (r *Registry) removeLocked(endpoint string) Session {
	s := r.sessions[endpoint]
	delete(r.sessions, endpoint)
	delete(r.locations, s.Location)
	r.updateMetricsLocked()
	return *s
}

// finishRemoval runs outside the lock. A failing hook is logged and does not
// prevent the others from running.
func (r *Registry) finishRemoval(s Session, reason string) {
	r.logger.Info("client deregistered",
		slog.String("endpoint", s.Endpoint),
		slog.String("reason", reason))

	if r.conns != nil {
		if err := r.conns.Close(s.Endpoint); err != nil {
			r.logger.Debug("failed to close client connection",
				slog.String("endpoint", s.Endpoint),
				slog.String("error", err.Error()))
		}
	}

	r.mu.RLock()
	hooks := append([]RemoveFunc(nil), r.onRemove...)
	r.mu.RUnlock()
	for _, fn := range hooks {
		if err := fn(context.Background(), s, reason); err != nil {
			r.logger.Error("session removal hook failed",
				slog.String("endpoint", s.Endpoint),
				slog.String("error", err.Error()))
		}
	}

	r.publish(events.Event{
		Kind:     events.KindDeregistration,
		Endpoint: s.Endpoint,
		Reason:   reason,
		Data:     map[string]any{"location": s.Location},
	})
}

func (r *Registry) publish(e events.Event) {
	if r.events != nil {
		r.events.Publish(e)
	}
}

func (r *Registry) updateMetricsLocked() {
	if r.metrics == nil {
		return
	}
	offline := 0
	for _, s := range r.sessions {
		if s.Offline {
			offline++
		}
	}
	r.metrics.SetClients(len(r.sessions), offline)
}
