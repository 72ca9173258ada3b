// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/lwm2m-gw/pkg/codec"
	gwerrors "github.com/absmach/lwm2m-gw/pkg/errors"
	"github.com/absmach/lwm2m-gw/pkg/events"
	"github.com/absmach/lwm2m-gw/pkg/metrics"
	"github.com/absmach/lwm2m-gw/pkg/transport"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

const (
	DefaultAcceptDelay = 500 * time.Millisecond
	DefaultStepTimeout = 5 * time.Second
)

// Provisioning stages reported in BootstrapError.
const (
	StageConnect        = "connect"
	StageDeleteSecurity = "delete-security"
	StageDeleteServer   = "delete-server"
	StageFinish         = "finish"
)

// State is the provisioning state of one endpoint.
type State int

const (
	StateUnknown State = iota
	StateRequestReceived
	StateAwaitingConfig
	StateProvisioning
	StateFinished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRequestReceived:
		return "request_received"
	case StateAwaitingConfig:
		return "awaiting_config"
	case StateProvisioning:
		return "provisioning"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Request is a device bootstrap request.
type Request struct {
	Endpoint string
	Address  string
	Port     int
}

// Connector opens the connection provisioning runs over.
type Connector interface {
	Acquire(ctx context.Context, endpoint, addr string, port int) (transport.Conn, error)
}

// Resolver returns a config for endpoint ahead of the store. It reports false
// to defer to the store.
type Resolver func(ctx context.Context, endpoint string) (Config, bool, error)

// OrchestratorConfig tunes provisioning runs.
type OrchestratorConfig struct {
	AcceptDelay time.Duration
	StepTimeout time.Duration
	// Default is used when neither the resolver nor the store know the endpoint.
	Default *Config
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithResolver installs a resolver consulted before the store.
func WithResolver(r Resolver) Option {
	return func(o *Orchestrator) {
		o.resolver = r
	}
}

// WithEvents publishes bootstrap events on p.
func WithEvents(p events.Publisher) Option {
	return func(o *Orchestrator) {
		o.events = p
	}
}

// WithMetrics records provisioning outcomes in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// Orchestrator provisions devices that ask to be bootstrapped.
type Orchestrator struct {
	connector Connector
	store     Store
	resolver  Resolver
	config    OrchestratorConfig
	events    events.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu     sync.Mutex
	states map[string]State
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator creates an orchestrator that looks configs up in store and
// reaches devices through connector.
func NewOrchestrator(connector Connector, store Store, config OrchestratorConfig, logger *slog.Logger, opts ...Option) *Orchestrator {
	if config.AcceptDelay < 0 {
		config.AcceptDelay = 0
	} else if config.AcceptDelay == 0 {
		config.AcceptDelay = DefaultAcceptDelay
	}
	if config.StepTimeout <= 0 {
		config.StepTimeout = DefaultStepTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		connector: connector,
		store:     store,
		config:    config,
		logger:    logger,
		states:    make(map[string]State),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// HandleRequest accepts a bootstrap request. It returns once a config is
// resolved; provisioning then runs in the background after the accept delay
// so the device sees its 2.04 first.
func (o *Orchestrator) HandleRequest(ctx context.Context, req Request) error {
	if req.Endpoint == "" {
		return gwerrors.Validation("missing endpoint name")
	}
	if req.Address == "" || req.Port <= 0 {
		return gwerrors.Validation("missing device address")
	}

	o.setState(req.Endpoint, StateRequestReceived)
	o.publish(events.Event{
		Kind:     events.KindBootstrapRequest,
		Endpoint: req.Endpoint,
		Data:     map[string]any{"address": fmt.Sprintf("%s:%d", req.Address, req.Port)},
	})

	o.setState(req.Endpoint, StateAwaitingConfig)
	cfg, err := o.resolve(ctx, req.Endpoint)
	if err != nil {
		o.setState(req.Endpoint, StateFailed)
		return err
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return gwerrors.Wrap(context.Canceled, "bootstrap orchestrator closed")
	}
	o.wg.Add(1)
	o.mu.Unlock()

	go o.run(req, cfg)
	return nil
}

func (o *Orchestrator) resolve(ctx context.Context, endpoint string) (Config, error) {
	if o.resolver != nil {
		cfg, ok, err := o.resolver(ctx, endpoint)
		if err != nil {
			return Config{}, gwerrors.Wrap(err, "bootstrap resolver")
		}
		if ok {
			return cfg, nil
		}
	}
	if o.store != nil {
		cfg, ok, err := o.store.Get(ctx, endpoint)
		if err != nil {
			return Config{}, gwerrors.Wrap(err, "bootstrap store")
		}
		if ok {
			return cfg, nil
		}
		if ds, isDefault := o.store.(DefaultStore); isDefault {
			cfg, ok, err := ds.Default(ctx)
			if err != nil {
				return Config{}, gwerrors.Wrap(err, "bootstrap store default")
			}
			if ok {
				return cfg, nil
			}
		}
	}
	if o.config.Default != nil {
		return o.config.Default.Clone(), nil
	}
	return Config{}, fmt.Errorf("%w: no bootstrap config for %s", gwerrors.ErrNotFound, endpoint)
}

func (o *Orchestrator) run(req Request, cfg Config) {
	defer o.wg.Done()

	select {
	case <-time.After(o.config.AcceptDelay):
	case <-o.ctx.Done():
		return
	}

	ctx, cancel := context.WithTimeout(o.ctx, o.config.StepTimeout)
	conn, err := o.connector.Acquire(ctx, req.Endpoint, req.Address, req.Port)
	cancel()
	if err != nil {
		o.fail(&gwerrors.BootstrapError{Endpoint: req.Endpoint, Stage: StageConnect, Err: err})
		return
	}

	if err := o.Provision(o.ctx, req.Endpoint, conn, cfg); err != nil {
		o.logger.Debug("bootstrap run ended with error", slog.String("endpoint", req.Endpoint))
	}
}

// Provision writes cfg to the device over conn: the Security and Server
// objects are cleared, each configured instance is written, then the device
// is told bootstrap is finished.
func (o *Orchestrator) Provision(ctx context.Context, endpoint string, conn transport.Conn, cfg Config) error {
	o.setState(endpoint, StateProvisioning)
	start := time.Now()

	err := o.provision(ctx, endpoint, conn, cfg)
	o.metrics.CountBootstrap(err)
	if err != nil {
		o.fail(err)
		return err
	}

	o.setState(endpoint, StateFinished)
	o.logger.Info("bootstrap finished",
		slog.String("endpoint", endpoint),
		slog.Int("security_instances", len(cfg.Security)),
		slog.Int("server_instances", len(cfg.Servers)),
		slog.Duration("duration", time.Since(start)))
	o.publish(events.Event{
		Kind:     events.KindBootstrapFinish,
		Endpoint: endpoint,
	})
	return nil
}

func (o *Orchestrator) provision(ctx context.Context, endpoint string, conn transport.Conn, cfg Config) error {
	stageErr := func(stage string, err error) error {
		return &gwerrors.BootstrapError{Endpoint: endpoint, Stage: stage, Err: gwerrors.FromContext(err)}
	}

	deletes := []struct {
		stage string
		path  string
	}{
		{StageDeleteSecurity, fmt.Sprintf("/%d", SecurityObject)},
		{StageDeleteServer, fmt.Sprintf("/%d", ServerObject)},
	}
	for _, d := range deletes {
		resp, err := o.step(ctx, conn, transport.Request{Method: codes.DELETE, Path: d.path})
		if err != nil {
			return stageErr(d.stage, err)
		}
		if resp.Code == codes.NotFound {
			continue
		}
		if err := transport.CheckStatus(d.path, resp); err != nil {
			return stageErr(d.stage, err)
		}
	}

	for _, s := range cfg.Security {
		stage := "create-security/" + fmt.Sprint(s.InstanceID)
		res, err := s.Resources()
		if err != nil {
			return stageErr(stage, err)
		}
		if err := o.write(ctx, conn, securityPath(s.InstanceID), s.InstanceID, res); err != nil {
			return stageErr(stage, err)
		}
	}
	for _, s := range cfg.Servers {
		stage := "create-server/" + fmt.Sprint(s.InstanceID)
		if err := o.write(ctx, conn, serverPath(s.InstanceID), s.InstanceID, s.Resources()); err != nil {
			return stageErr(stage, err)
		}
	}

	resp, err := o.step(ctx, conn, transport.Request{Method: codes.POST, Path: "/bs"})
	if err != nil {
		return stageErr(StageFinish, err)
	}
	if err := transport.CheckStatus("/bs", resp); err != nil {
		return stageErr(StageFinish, err)
	}
	return nil
}

func (o *Orchestrator) write(ctx context.Context, conn transport.Conn, path string, id uint16, res []codec.Resource) error {
	payload, err := codec.EncodeInstance(id, res)
	if err != nil {
		return err
	}
	resp, err := o.step(ctx, conn, transport.Request{
		Method:  codes.PUT,
		Path:    path,
		Format:  codec.FormatTLV,
		Payload: payload,
	})
	if err != nil {
		return err
	}
	return transport.CheckStatus(path, resp)
}

func (o *Orchestrator) step(ctx context.Context, conn transport.Conn, req transport.Request) (transport.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, o.config.StepTimeout)
	defer cancel()
	return conn.Do(ctx, req)
}

func (o *Orchestrator) fail(err error) {
	var be *gwerrors.BootstrapError
	if !gwerrors.As(err, &be) {
		return
	}
	if be.Stage == StageConnect {
		o.metrics.CountBootstrap(err)
	}
	o.setState(be.Endpoint, StateFailed)
	o.logger.Error("bootstrap failed",
		slog.String("endpoint", be.Endpoint),
		slog.String("stage", be.Stage),
		slog.String("error", be.Err.Error()))
	o.publish(events.Event{
		Kind:     events.KindError,
		Endpoint: be.Endpoint,
		Stage:    be.Stage,
		Error:    err.Error(),
	})
}

// Finished records a device-initiated bootstrap-finish.
func (o *Orchestrator) Finished(endpoint string) {
	if endpoint != "" {
		o.setState(endpoint, StateFinished)
	}
	o.publish(events.Event{
		Kind:     events.KindBootstrapFinish,
		Endpoint: endpoint,
		Data:     map[string]any{"source": "device"},
	})
}

// Status returns the provisioning state of endpoint.
func (o *Orchestrator) Status(endpoint string) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.states[endpoint]
}

// Close cancels pending runs and waits for them to return.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) setState(endpoint string, s State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states[endpoint] = s
}

func (o *Orchestrator) publish(e events.Event) {
	if o.events != nil {
		o.events.Publish(e)
	}
}
