// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/absmach/lwm2m-gw/pkg/codec"
	"github.com/absmach/lwm2m-gw/pkg/device"
	"github.com/absmach/lwm2m-gw/pkg/events"
	"github.com/absmach/lwm2m-gw/pkg/health"
	"github.com/absmach/lwm2m-gw/pkg/metrics"
	"github.com/absmach/lwm2m-gw/pkg/objects"
	"github.com/absmach/lwm2m-gw/pkg/observe"
	"github.com/absmach/lwm2m-gw/pkg/registry"
	"github.com/gorilla/websocket"
)

const defaultShutdownTimeout = 30 * time.Second

// Clients exposes registered sessions.
type Clients interface {
	List() []registry.Session
	Get(endpoint string) (registry.Session, bool)
}

// Devices performs device management operations.
type Devices interface {
	Read(ctx context.Context, endpoint, path string, format codec.Format) (device.Content, error)
	Write(ctx context.Context, endpoint, path string, format codec.Format, values []codec.Resource) error
	Execute(ctx context.Context, endpoint, path, args string) error
	Observe(ctx context.Context, endpoint, path string, format codec.Format, fn func(device.Notification)) ([]byte, device.Content, error)
	Cancel(endpoint, path string) error
}

// Observations lists active device observations.
type Observations interface {
	List() []observe.Observation
}

// Config holds the admin HTTP server settings.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
	// Catalog types values written through the API. Defaults to objects.DefaultCatalog.
	Catalog *objects.Catalog
}

// Server is the admin HTTP API.
type Server struct {
	config       Config
	clients      Clients
	devices      Devices
	observations Observations
	bus          *events.Bus
	checker      *health.Checker
	metrics      *metrics.Metrics
	logger       *slog.Logger
	upgrader     websocket.Upgrader
	handler      http.Handler
}

// New creates the admin API. checker and m may be nil.
func New(cfg Config, clients Clients, devices Devices, observations Observations, bus *events.Bus, checker *health.Checker, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.Catalog == nil {
		cfg.Catalog = objects.DefaultCatalog()
	}
	if checker == nil {
		checker = health.NewChecker(0)
	}
	s := &Server{
		config:       cfg,
		clients:      clients,
		devices:      devices,
		observations: observations,
		bus:          bus,
		checker:      checker,
		metrics:      m,
		logger:       logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.handler = s.routes()
	return s
}

// Handler returns the API's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Listen serves the API until ctx is done.
func (s *Server) Listen(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Address,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("admin API started", slog.String("address", s.config.Address))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("error during admin API shutdown", slog.String("error", err.Error()))
			return err
		}
		s.logger.Info("admin API shutdown complete")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin API failed: %w", err)
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /clients", s.listClients)
	mux.HandleFunc("GET /clients/{ep}", s.getClient)
	mux.HandleFunc("GET /clients/{ep}/{obj}/{inst}", s.read)
	mux.HandleFunc("GET /clients/{ep}/{obj}/{inst}/{res}", s.read)
	mux.HandleFunc("PUT /clients/{ep}/{obj}/{inst}/{res}", s.write)
	mux.HandleFunc("POST /clients/{ep}/{obj}/{inst}/{res}", s.execute)
	mux.HandleFunc("POST /clients/{ep}/observe/{obj}/{inst}/{res}", s.observe)
	mux.HandleFunc("DELETE /clients/{ep}/observe/{obj}/{inst}/{res}", s.cancel)
	mux.HandleFunc("GET /observations", s.listObservations)
	mux.HandleFunc("GET /events", s.streamEvents)

	mux.HandleFunc("GET /health", s.checker.HTTPHandler())
	mux.HandleFunc("GET /ready", s.checker.ReadinessHandler())
	mux.HandleFunc("GET /live", health.LivenessHandler())
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	return s.instrument(mux)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack hands the connection to the websocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) instrument(next *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		s.metrics.CountHTTPRequest(r.Method, pattern, fmt.Sprint(rec.code))
	})
}
