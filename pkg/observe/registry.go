// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package observe

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/absmach/lwm2m-gw/pkg/codec"
	gwerrors "github.com/absmach/lwm2m-gw/pkg/errors"
	"github.com/absmach/lwm2m-gw/pkg/metrics"
	"github.com/absmach/lwm2m-gw/pkg/transport"
)

// TokenSize is the length of generated observation tokens.
const TokenSize = 8

const defaultCancelTimeout = 5 * time.Second

// Observation is a standing subscription to one resource path.
type Observation struct {
	Token    []byte
	Endpoint string
	Path     string
	Format   codec.Format
	// Conn is owned by the observation and closed when it is destroyed.
	Conn transport.Conn
	// Cancel, when set, withdraws the subscription on the device side. It is
	// not called when an owned Conn is closed instead.
	Cancel    func(ctx context.Context) error
	CreatedAt time.Time
}

// TokenString renders the token in hex.
func (o Observation) TokenString() string {
	return hex.EncodeToString(o.Token)
}

// NewToken returns a random observation token.
func NewToken() ([]byte, error) {
	tok := make([]byte, TokenSize)
	if _, err := rand.Read(tok); err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}
	return tok, nil
}

// Registry maps observation tokens to observations. Tokens are unique:
// registering a token twice is rejected with ErrDuplicateToken.
type Registry struct {
	mu            sync.Mutex
	byToken       map[string]*Observation
	logger        *slog.Logger
	metrics       *metrics.Metrics
	cancelTimeout time.Duration
	now           func() time.Time
}

// NewRegistry creates an empty observation registry.
func NewRegistry(logger *slog.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byToken:       make(map[string]*Observation),
		logger:        logger,
		metrics:       m,
		cancelTimeout: defaultCancelTimeout,
		now:           time.Now,
	}
}

// Register stores o. Token, endpoint, path and format are required.
func (r *Registry) Register(o Observation) error {
	switch {
	case len(o.Token) == 0:
		return fmt.Errorf("%w: missing token", gwerrors.ErrInvalidArgument)
	case o.Endpoint == "":
		return fmt.Errorf("%w: missing endpoint", gwerrors.ErrInvalidArgument)
	case o.Path == "":
		return fmt.Errorf("%w: missing path", gwerrors.ErrInvalidArgument)
	case o.Format == codec.FormatUnknown:
		return fmt.Errorf("%w: missing format", gwerrors.ErrInvalidArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := string(o.Token)
	if _, ok := r.byToken[key]; ok {
		return fmt.Errorf("%w: %x", gwerrors.ErrDuplicateToken, o.Token)
	}
	o.Token = append([]byte(nil), o.Token...)
	if o.CreatedAt.IsZero() {
		o.CreatedAt = r.now()
	}
	r.byToken[key] = &o
	r.metrics.SetObservations(len(r.byToken))

	r.logger.Debug("observation registered",
		slog.String("endpoint", o.Endpoint),
		slog.String("path", o.Path),
		slog.String("token", o.TokenString()))
	return nil
}

// Lookup returns the observation for token.
func (r *Registry) Lookup(token []byte) (Observation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.byToken[string(token)]
	if !ok {
		return Observation{}, false
	}
	return *o, true
}

// Deregister destroys the observation for token, releasing its connection.
// It reports whether the token was known.
func (r *Registry) Deregister(token []byte) bool {
	r.mu.Lock()
	o, ok := r.byToken[string(token)]
	if ok {
		delete(r.byToken, string(token))
		r.metrics.SetObservations(len(r.byToken))
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.release(o)
	return true
}

// FindByEndpointAndPath returns the token observing path on endpoint.
func (r *Registry) FindByEndpointAndPath(endpoint, path string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.byToken {
		if o.Endpoint == endpoint && o.Path == path {
			return append([]byte(nil), o.Token...), true
		}
	}
	return nil, false
}

// CleanupAll destroys every observation of endpoint, or every observation
// when endpoint is empty. It returns how many were removed.
func (r *Registry) CleanupAll(endpoint string) int {
	r.mu.Lock()
	var removed []*Observation
	for key, o := range r.byToken {
		if endpoint != "" && o.Endpoint != endpoint {
			continue
		}
		removed = append(removed, o)
		delete(r.byToken, key)
	}
	r.metrics.SetObservations(len(r.byToken))
	r.mu.Unlock()

	for _, o := range removed {
		r.release(o)
	}
	if len(removed) > 0 {
		r.logger.Debug("observations cleaned up",
			slog.String("endpoint", endpoint),
			slog.Int("count", len(removed)))
	}
	return len(removed)
}

// List returns all observations ordered by endpoint and path.
func (r *Registry) List() []Observation {
	r.mu.Lock()
	out := make([]Observation, 0, len(r.byToken))
	for _, o := range r.byToken {
		out = append(out, *o)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Endpoint != out[j].Endpoint {
			return out[i].Endpoint < out[j].Endpoint
		}
		return out[i].Path < out[j].Path
	})
	return out
}

// Count returns the number of observations.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byToken)
}

// release closes the owned connection first; close errors are swallowed.
func (r *Registry) release(o *Observation) {
	if o.Conn != nil {
		if err := o.Conn.Close(); err != nil {
			r.logger.Debug("failed to close observation connection",
				slog.String("endpoint", o.Endpoint),
				slog.String("error", err.Error()))
		}
		return
	}
	if o.Cancel == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cancelTimeout)
	defer cancel()
	if err := o.Cancel(ctx); err != nil {
		r.logger.Debug("failed to cancel observation",
			slog.String("endpoint", o.Endpoint),
			slog.String("path", o.Path),
			slog.String("error", err.Error()))
	}
}
