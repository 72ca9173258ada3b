// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package health aggregates the gateway's dependency checks behind the
// admin API's readiness and liveness probes.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// DefaultTTL is how long a check result is reused.
const DefaultTTL = 10 * time.Second

const probeTimeout = 5 * time.Second

// Status represents the health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check is the last result of one named check.
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Critical    bool          `json:"critical"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ms"`
}

// Report is the aggregated result.
type Report struct {
	Status Status  `json:"status"`
	Checks []Check `json:"checks"`
}

// CheckFunc performs one health check.
type CheckFunc func(ctx context.Context) error

type entry struct {
	fn       CheckFunc
	critical bool
}

// Checker runs registered checks and caches their results for a TTL.
// A failing critical check makes the gateway unhealthy, any other failure
// only degrades it.
type Checker struct {
	mu     sync.Mutex
	checks map[string]entry
	cache  map[string]Check
	ttl    time.Duration
	now    func() time.Time
}

// NewChecker creates a checker. A zero ttl means DefaultTTL.
func NewChecker(ttl time.Duration) *Checker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Checker{
		checks: make(map[string]entry),
		cache:  make(map[string]Check),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Register adds a non-critical check, replacing any check with the same name.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.register(name, fn, false)
}

// RegisterCritical adds a check whose failure makes the gateway unhealthy.
func (c *Checker) RegisterCritical(name string, fn CheckFunc) {
	c.register(name, fn, true)
}

func (c *Checker) register(name string, fn CheckFunc, critical bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = entry{fn: fn, critical: critical}
	delete(c.cache, name)
}

// Health runs the stale checks and returns the report ordered by check name.
func (c *Checker) Health(ctx context.Context) Report {
	c.mu.Lock()
	defer c.mu.Unlock()

	rep := Report{Status: StatusHealthy, Checks: make([]Check, 0, len(c.checks))}
	for name, e := range c.checks {
		chk, ok := c.cache[name]
		if !ok || c.now().Sub(chk.LastChecked) >= c.ttl {
			chk = c.run(ctx, name, e)
			c.cache[name] = chk
		}
		rep.Checks = append(rep.Checks, chk)

		if chk.Status == StatusHealthy {
			continue
		}
		if e.critical {
			rep.Status = StatusUnhealthy
		} else if rep.Status == StatusHealthy {
			rep.Status = StatusDegraded
		}
	}
	sort.Slice(rep.Checks, func(i, j int) bool { return rep.Checks[i].Name < rep.Checks[j].Name })
	return rep
}

func (c *Checker) run(ctx context.Context, name string, e entry) Check {
	start := c.now()
	err := e.fn(ctx)
	chk := Check{
		Name:        name,
		Status:      StatusHealthy,
		Critical:    e.critical,
		LastChecked: c.now(),
		Duration:    c.now().Sub(start),
	}
	if err != nil {
		chk.Status = StatusUnhealthy
		chk.Message = err.Error()
	}
	return chk
}

// HTTPHandler reports health. Only an unhealthy gateway answers 503.
func (c *Checker) HTTPHandler() http.HandlerFunc {
	return c.handler(func(s Status) bool { return s != StatusUnhealthy })
}

// ReadinessHandler answers 503 unless every check passes.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return c.handler(func(s Status) bool { return s == StatusHealthy })
}

func (c *Checker) handler(ok func(Status) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		defer cancel()

		rep := c.Health(ctx)
		code := http.StatusOK
		if !ok(rep.Status) {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, rep)
	}
}

// LivenessHandler answers 200 while the process serves HTTP.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
