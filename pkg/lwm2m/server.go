// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package lwm2m

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/absmach/lwm2m-gw/pkg/bootstrap"
	"github.com/absmach/lwm2m-gw/pkg/metrics"
	"github.com/absmach/lwm2m-gw/pkg/objects"
	"github.com/absmach/lwm2m-gw/pkg/observe"
	"github.com/absmach/lwm2m-gw/pkg/ratelimit"
	"github.com/absmach/lwm2m-gw/pkg/registry"
	piondtls "github.com/pion/dtls/v3"
	"github.com/plgd-dev/go-coap/v3/dtls"
	coapnet "github.com/plgd-dev/go-coap/v3/net"
	"github.com/plgd-dev/go-coap/v3/options"
	"github.com/plgd-dev/go-coap/v3/udp"
	"golang.org/x/sync/errgroup"
)

// Interface labels used for metrics and rate limiting.
const (
	ifaceRegistration = "registration"
	ifaceBootstrap    = "bootstrap"
	ifaceDiscovery    = "discovery"
	ifaceDevice       = "device"
)

// Config holds the listener addresses.
type Config struct {
	// Address is the plain CoAP listen address, e.g. ":5683".
	Address string
	// DTLSAddress is the CoAP over DTLS listen address. DTLS is off when
	// empty or when DTLS is nil.
	DTLSAddress string
	DTLS        *piondtls.Config
}

// Bootstrapper handles bootstrap requests from devices.
type Bootstrapper interface {
	HandleRequest(ctx context.Context, req bootstrap.Request) error
	Finished(endpoint string)
}

// Option configures a Server.
type Option func(*Server)

// WithBootstrap enables the /bs and /bs-finish interfaces.
func WithBootstrap(b Bootstrapper) Option {
	return func(s *Server) {
		s.bootstrap = b
	}
}

// WithNotifier enables observation of local resources.
func WithNotifier(n *observe.Notifier) Option {
	return func(s *Server) {
		s.notifier = n
	}
}

// WithLimiter rate limits registration and bootstrap requests per peer.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(s *Server) {
		s.limiter = l
	}
}

// WithMetrics instruments request handling.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// Server serves the LwM2M registration and bootstrap interfaces and the
// gateway's own objects over CoAP.
type Server struct {
	config    Config
	registry  *registry.Registry
	store     *objects.Store
	bootstrap Bootstrapper
	notifier  *observe.Notifier
	limiter   *ratelimit.Limiter
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New creates a server. store may be nil, in which case only the
// registration and bootstrap interfaces are served.
func New(cfg Config, reg *registry.Registry, store *objects.Store, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:   cfg,
		registry: reg,
		store:    store,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen serves the configured listeners until ctx is done.
func (s *Server) Listen(ctx context.Context) error {
	l, err := coapnet.NewListenUDP("udp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Serve(ctx, l)
	})

	if s.config.DTLS != nil && s.config.DTLSAddress != "" {
		dl, err := coapnet.NewDTLSListener("udp", s.config.DTLSAddress, s.config.DTLS)
		if err != nil {
			_ = l.Close()
			return fmt.Errorf("failed to listen on %s: %w", s.config.DTLSAddress, err)
		}
		g.Go(func() error {
			return s.ServeDTLS(ctx, dl)
		})
	}
	return g.Wait()
}

// Serve serves plain CoAP on l until ctx is done. l is closed on return.
func (s *Server) Serve(ctx context.Context, l *coapnet.UDPConn) error {
	defer l.Close()

	srv := udp.NewServer(options.WithMux(s.handler(registry.ModePlain)))
	s.logger.Info("CoAP server started", slog.String("address", l.LocalAddr().String()))
	return s.run(ctx, func() error { return srv.Serve(l) }, srv.Stop)
}

// ServeDTLS serves CoAP over DTLS on l until ctx is done. Devices registering
// here get secure sessions.
func (s *Server) ServeDTLS(ctx context.Context, l *coapnet.DTLSListener) error {
	defer l.Close()

	srv := dtls.NewServer(options.WithMux(s.handler(registry.ModeSecure)))
	s.logger.Info("CoAP DTLS server started", slog.String("address", l.Addr().String()))
	return s.run(ctx, func() error { return srv.Serve(l) }, srv.Stop)
}

func (s *Server) run(ctx context.Context, serve func() error, stop func()) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- serve()
	}()

	select {
	case <-ctx.Done():
		stop()
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Debug("CoAP server stopped", slog.String("error", err.Error()))
		}
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("CoAP server failed: %w", err)
		}
		return nil
	}
}

func (s *Server) allow(iface, remote string) bool {
	if s.limiter.Allow(remoteHost(remote)) {
		return true
	}
	s.metrics.CountRateLimited(iface)
	s.logger.Warn("rate limit exceeded",
		slog.String("interface", iface),
		slog.String("remote", remote))
	return false
}

func interfaceOf(path string) string {
	seg, _, _ := strings.Cut(strings.Trim(path, "/"), "/")
	switch seg {
	case "rd":
		return ifaceRegistration
	case "bs", "bs-finish":
		return ifaceBootstrap
	case ".well-known":
		return ifaceDiscovery
	default:
		return ifaceDevice
	}
}
