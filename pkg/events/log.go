// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"log/slog"
)

var _ Handler = (*LogHandler)(nil)

// LogHandler logs every event it receives.
type LogHandler struct {
	logger *slog.Logger
}

// NewLogHandler creates a new logging handler.
func NewLogHandler(logger *slog.Logger) *LogHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogHandler{
		logger: logger,
	}
}

// HandleEvent logs e at a level matching its kind.
func (h *LogHandler) HandleEvent(ctx context.Context, e Event) error {
	attrs := []any{
		slog.String("kind", string(e.Kind)),
		slog.String("endpoint", e.Endpoint),
	}
	if e.Reason != "" {
		attrs = append(attrs, slog.String("reason", e.Reason))
	}
	if e.Path != "" {
		attrs = append(attrs, slog.String("path", e.Path))
	}
	if e.Stage != "" {
		attrs = append(attrs, slog.String("stage", e.Stage))
	}

	switch e.Kind {
	case KindError:
		h.logger.ErrorContext(ctx, "lifecycle error", append(attrs, slog.String("error", e.Error))...)
	case KindClientOffline, KindDeregistration:
		h.logger.WarnContext(ctx, "client lifecycle", attrs...)
	case KindObservation:
		h.logger.DebugContext(ctx, "observation", append(attrs, slog.Any("data", e.Data))...)
	default:
		h.logger.InfoContext(ctx, "client lifecycle", attrs...)
	}
	return nil
}
