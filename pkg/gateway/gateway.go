// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	lwm2mgw "github.com/absmach/lwm2m-gw"
	"github.com/absmach/lwm2m-gw/pkg/api"
	"github.com/absmach/lwm2m-gw/pkg/bootstrap"
	"github.com/absmach/lwm2m-gw/pkg/breaker"
	mqttbridge "github.com/absmach/lwm2m-gw/pkg/bridge/mqtt"
	"github.com/absmach/lwm2m-gw/pkg/device"
	"github.com/absmach/lwm2m-gw/pkg/events"
	"github.com/absmach/lwm2m-gw/pkg/health"
	"github.com/absmach/lwm2m-gw/pkg/lwm2m"
	"github.com/absmach/lwm2m-gw/pkg/metrics"
	"github.com/absmach/lwm2m-gw/pkg/objects"
	"github.com/absmach/lwm2m-gw/pkg/observe"
	"github.com/absmach/lwm2m-gw/pkg/pool"
	"github.com/absmach/lwm2m-gw/pkg/ratelimit"
	"github.com/absmach/lwm2m-gw/pkg/registry"
	"github.com/absmach/lwm2m-gw/pkg/transport"
	piondtls "github.com/pion/dtls/v3"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// ErrReboot is returned by Run when the Device object's Reboot resource was
// executed. The process is expected to be restarted by its supervisor.
var ErrReboot = errors.New("reboot requested")

const maxGoroutines = 50000

// Engine owns every gateway component and runs them under one errgroup.
type Engine struct {
	Config  lwm2mgw.Config
	Metrics *metrics.Metrics
	Bus     *events.Bus

	Registry     *registry.Registry
	Supervisor   *registry.Supervisor
	Observations *observe.Registry
	Devices      *device.Client
	Bootstrap    *bootstrap.Orchestrator

	// Store holds the gateway's own objects; Notifier serves their observers.
	Store    *objects.Store
	Notifier *observe.Notifier

	CoAP   *lwm2m.Server
	API    *api.Server
	Health *health.Checker
	Bridge *mqttbridge.Bridge

	conns     *connector
	limiter   *ratelimit.Limiter
	fileStore *bootstrap.FileStore
	redis     *bootstrap.RedisStore
	reboot    chan struct{}
	logger    *slog.Logger
}

// New builds an engine from cfg. Nothing is listening until Run.
func New(cfg lwm2mgw.Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		Config:  cfg,
		Metrics: metrics.New(cfg.MetricsNamespace),
		Bus:     events.NewBus(logger),
		Health:  health.NewChecker(0),
		reboot:  make(chan struct{}, 1),
		logger:  logger,
	}

	dtlsCfg, err := e.dtlsConfig()
	if err != nil {
		return nil, err
	}

	breakers := breaker.NewGroup(breaker.Config{}, func(key string, _, to breaker.State) {
		e.Metrics.SetBreakerState(key, int(to))
	})
	poolCfg := pool.Config{
		HandshakeTimeout: cfg.HandshakeTimeout,
		IdleTimeout:      cfg.PoolIdleTimeout,
		SweepInterval:    cfg.PoolSweepInterval,
	}
	e.conns = &connector{
		plain: pool.New(transport.NewUDPDialer(), poolCfg, logger, pool.WithBreakers(breakers), pool.WithMetrics(e.Metrics)),
	}
	if dtlsCfg != nil {
		e.conns.secure = pool.New(transport.NewDTLSDialer(dtlsCfg), poolCfg, logger, pool.WithBreakers(breakers), pool.WithMetrics(e.Metrics))
	}

	e.Registry = registry.New(logger,
		registry.WithConnector(e.conns),
		registry.WithEvents(e.Bus),
		registry.WithMetrics(e.Metrics),
		registry.WithDefaultLifetime(int64(cfg.DefaultLifetime)))
	e.conns.sessions = e.Registry
	e.Supervisor = registry.NewSupervisor(e.Registry, registry.SupervisorConfig{
		OfflineTimeout: cfg.OfflineTimeout,
		Interval:       cfg.SupervisorInterval,
	}, logger)

	e.Observations = observe.NewRegistry(logger, e.Metrics)
	e.Registry.OnRemove(func(_ context.Context, s registry.Session, _ string) error {
		e.Observations.CleanupAll(s.Endpoint)
		return nil
	})

	devOpts := []device.Option{
		device.WithEvents(e.Bus),
		device.WithMetrics(e.Metrics),
		device.WithTimeout(cfg.RequestTimeout),
	}
	if dtlsCfg != nil {
		devOpts = append(devOpts, device.WithDialer(transport.NewDTLSDialer(dtlsCfg)))
	}
	e.Devices = device.New(e.Registry, e.conns, e.Observations, logger, devOpts...)

	store, err := e.bootstrapStore()
	if err != nil {
		return nil, err
	}
	e.Bootstrap = bootstrap.NewOrchestrator(e.conns, store, bootstrap.OrchestratorConfig{
		AcceptDelay: cfg.BootstrapAcceptDelay,
		StepTimeout: cfg.BootstrapStepTimeout,
	}, logger, bootstrap.WithEvents(e.Bus), bootstrap.WithMetrics(e.Metrics))

	e.Store, err = NewDeviceStore(DeviceInfo{}, e.requestReboot)
	if err != nil {
		return nil, err
	}
	// Local observers are keyed by remote address, so they get their own
	// token space apart from device observations.
	e.Notifier = observe.NewNotifier(lwm2m.StoreReader(e.Store), observe.NewRegistry(logger, nil), cfg.ObserveInterval, logger, e.Metrics)

	e.limiter = ratelimit.NewLimiter(ratelimit.Config{
		Burst: cfg.RateLimitCapacity,
		Rate:  float64(cfg.RateLimitRefill),
	})
	e.CoAP = lwm2m.New(lwm2m.Config{
		Address:     cfg.CoAPAddress(),
		DTLSAddress: cfg.DTLSAddress(),
		DTLS:        dtlsCfg,
	}, e.Registry, e.Store, logger,
		lwm2m.WithBootstrap(e.Bootstrap),
		lwm2m.WithNotifier(e.Notifier),
		lwm2m.WithLimiter(e.limiter),
		lwm2m.WithMetrics(e.Metrics))

	if cfg.MQTTBrokerURL != "" {
		bcfg := mqttbridge.Config{
			BrokerURL:   cfg.MQTTBrokerURL,
			ClientID:    cfg.MQTTClientID,
			TopicPrefix: cfg.MQTTTopicPrefix,
		}
		e.Bridge = mqttbridge.New(mqttbridge.NewClient(bcfg), bcfg, logger, e.Metrics)
	}

	e.registerChecks()
	e.API = api.New(api.Config{Address: cfg.AdminAddress()}, e.Registry, e.Devices, e.Observations, e.Bus, e.Health, e.Metrics, logger)
	return e, nil
}

// Run serves every component until ctx is done, one of them fails or a
// reboot is requested, then shuts everything down.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.Bus.Serve(ctx, events.NewLogHandler(e.logger))
	})
	g.Go(func() error {
		return e.Bus.Serve(ctx, events.HandlerFunc(func(_ context.Context, ev events.Event) error {
			e.Metrics.CountEvent(string(ev.Kind))
			return nil
		}))
	})
	g.Go(func() error {
		return e.Supervisor.Run(ctx)
	})
	g.Go(func() error {
		return e.conns.plain.Run(ctx)
	})
	if e.conns.secure != nil {
		g.Go(func() error {
			return e.conns.secure.Run(ctx)
		})
	}
	g.Go(func() error {
		return e.limiter.Run(ctx)
	})
	if e.fileStore != nil {
		g.Go(func() error {
			return e.fileStore.Watch(ctx)
		})
	}
	if e.Bridge != nil {
		g.Go(func() error {
			return e.Bridge.Run(ctx, e.Bus)
		})
	}
	g.Go(func() error {
		return e.CoAP.Listen(ctx)
	})
	g.Go(func() error {
		return e.API.Listen(ctx)
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case <-e.reboot:
			return ErrReboot
		}
	})

	err := g.Wait()
	e.shutdown()
	return err
}

func (e *Engine) shutdown() {
	e.Notifier.Close()
	e.Bootstrap.Close()
	if n := e.Observations.CleanupAll(""); n > 0 {
		e.logger.Info("observations released", slog.Int("count", n))
	}
	if err := e.conns.closeAll(); err != nil {
		e.logger.Warn("failed to close device connections", slog.String("error", err.Error()))
	}
	if e.redis != nil {
		if err := e.redis.Close(); err != nil {
			e.logger.Warn("failed to close redis client", slog.String("error", err.Error()))
		}
	}
	e.Bus.Close()
	e.logger.Info("gateway stopped")
}

func (e *Engine) requestReboot(context.Context, string) error {
	select {
	case e.reboot <- struct{}{}:
	default:
	}
	return nil
}

// dtlsConfig builds the PSK configuration shared by the DTLS listener and
// secure dials. It returns nil when no PSK is configured.
func (e *Engine) dtlsConfig() (*piondtls.Config, error) {
	if e.Config.PSKKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(e.Config.PSKKey)
	if err != nil {
		return nil, fmt.Errorf("invalid PSK key, expected hex: %w", err)
	}
	return &piondtls.Config{
		PSK: func([]byte) ([]byte, error) {
			return key, nil
		},
		PSKIdentityHint: []byte(e.Config.PSKIdentity),
		CipherSuites:    []piondtls.CipherSuiteID{piondtls.TLS_PSK_WITH_AES_128_CCM_8},
	}, nil
}

// bootstrapStore picks Redis, then a TOML file, then an empty in-memory store.
func (e *Engine) bootstrapStore() (bootstrap.Store, error) {
	switch {
	case e.Config.BootstrapRedisAddr != "":
		client := redis.NewClient(&redis.Options{Addr: e.Config.BootstrapRedisAddr})
		s, err := bootstrap.NewRedisStore(client, e.Config.BootstrapRedisPrefix)
		if err != nil {
			return nil, err
		}
		e.redis = s
		return s, nil
	case e.Config.BootstrapConfigFile != "":
		s, err := bootstrap.NewFileStore(e.Config.BootstrapConfigFile, e.logger)
		if err != nil {
			return nil, err
		}
		e.fileStore = s
		return s, nil
	default:
		return bootstrap.NewMemoryStore(), nil
	}
}

func (e *Engine) registerChecks() {
	e.Health.Register("goroutines", func(context.Context) error {
		if n := runtime.NumGoroutine(); n > maxGoroutines {
			return fmt.Errorf("too many goroutines: %d > %d", n, maxGoroutines)
		}
		return nil
	})
	if e.redis != nil {
		e.Health.Register("bootstrap_store", func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, time.Second)
			defer cancel()
			return e.redis.Ping(ctx)
		})
	}
	if e.Bridge != nil {
		e.Health.Register("mqtt", e.Bridge.Check)
	}
}
