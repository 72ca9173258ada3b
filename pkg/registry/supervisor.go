// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"log/slog"
	"time"
)

const (
	// DefaultOfflineTimeout is the inactivity after which a client is marked offline.
	DefaultOfflineTimeout = 60 * time.Second
	// DefaultSweepInterval is how often the supervisor audits the registry.
	DefaultSweepInterval = 30 * time.Second
)

// SupervisorConfig holds TimeoutSupervisor settings.
type SupervisorConfig struct {
	OfflineTimeout time.Duration
	Interval       time.Duration
}

// Supervisor periodically expires sessions that outlived their lifetime and
// marks silent ones offline. Expiry takes precedence over going offline.
type Supervisor struct {
	registry *Registry
	config   SupervisorConfig
	logger   *slog.Logger
}

// NewSupervisor creates a supervisor for r.
func NewSupervisor(r *Registry, config SupervisorConfig, logger *slog.Logger) *Supervisor {
	if config.OfflineTimeout <= 0 {
		config.OfflineTimeout = DefaultOfflineTimeout
	}
	if config.Interval <= 0 {
		config.Interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		registry: r,
		config:   config,
		logger:   logger,
	}
}

// Sweep audits every session as of now.
func (s *Supervisor) Sweep(now time.Time) SweepResult {
	res := s.registry.sweep(now, s.config.OfflineTimeout)
	if len(res.Expired) > 0 || len(res.Offline) > 0 {
		s.logger.Debug("registry sweep",
			slog.Int("expired", len(res.Expired)),
			slog.Int("offline", len(res.Offline)))
	}
	return res
}

// Run sweeps every Interval until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.Sweep(now)
		}
	}
}
