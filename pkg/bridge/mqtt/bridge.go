// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/absmach/lwm2m-gw/pkg/breaker"
	gwerrors "github.com/absmach/lwm2m-gw/pkg/errors"
	"github.com/absmach/lwm2m-gw/pkg/events"
	"github.com/absmach/lwm2m-gw/pkg/metrics"
	paho "github.com/eclipse/paho.mqtt.golang"
)

const (
	// DefaultTopicPrefix is the first topic level of published events.
	DefaultTopicPrefix = "lwm2m"
	// DefaultPublishTimeout bounds a single publish.
	DefaultPublishTimeout = 5 * time.Second

	// gatewayTopic stands in for the endpoint of events without one.
	gatewayTopic      = "_gateway"
	breakerTarget     = "mqtt"
	disconnectQuiesce = 250
)

// ErrNotConnected is reported by Check while the broker is unreachable.
var ErrNotConnected = errors.New("mqtt broker not connected")

// Client is the part of a paho client the bridge uses.
type Client interface {
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload any) paho.Token
	IsConnectionOpen() bool
}

// Config holds the bridge settings.
type Config struct {
	BrokerURL      string
	ClientID       string
	TopicPrefix    string
	QoS            byte
	PublishTimeout time.Duration
	Breaker        breaker.Config
}

// NewClient creates a paho client that reconnects on its own.
func NewClient(cfg Config) paho.Client {
	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(10 * time.Second).
		SetOrderMatters(false)
	return paho.NewClient(opts)
}

// Bridge publishes gateway events to an MQTT broker as JSON on
// <prefix>/<endpoint>/<kind>. Publishing is guarded by a circuit breaker so
// an unreachable broker costs one fast failure per event.
type Bridge struct {
	client  Client
	config  Config
	breaker *breaker.CircuitBreaker
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a bridge publishing through client.
func New(client Client, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}
	cb := breaker.New(cfg.Breaker)
	cb.OnStateChange(func(from, to breaker.State) {
		m.SetBreakerState(breakerTarget, int(to))
		logger.Warn("mqtt bridge circuit changed",
			slog.String("from", from.String()),
			slog.String("to", to.String()))
	})
	return &Bridge{
		client:  client,
		config:  cfg,
		breaker: cb,
		logger:  logger,
		metrics: m,
	}
}

// Topic returns the topic e is published on.
func (b *Bridge) Topic(e events.Event) string {
	ep := e.Endpoint
	if ep == "" {
		ep = gatewayTopic
	}
	// MQTT wildcards and separators in endpoint names would split the topic.
	ep = strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(ep)
	return b.config.TopicPrefix + "/" + ep + "/" + string(e.Kind)
}

// HandleEvent publishes e.
func (b *Bridge) HandleEvent(_ context.Context, e events.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	topic := b.Topic(e)

	err = b.breaker.Call(func() error {
		t := b.client.Publish(topic, b.config.QoS, false, payload)
		if !t.WaitTimeout(b.config.PublishTimeout) {
			return fmt.Errorf("%w: publish to %s", gwerrors.ErrTimeout, topic)
		}
		return t.Error()
	})
	b.metrics.CountBridgePublish(err)
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", topic, err)
	}
	return nil
}

// Run connects to the broker and forwards bus events until ctx is done.
func (b *Bridge) Run(ctx context.Context, bus *events.Bus) error {
	t := b.client.Connect()
	go func() {
		select {
		case <-t.Done():
			if err := t.Error(); err != nil {
				b.logger.Error("mqtt bridge failed to connect",
					slog.String("broker", b.config.BrokerURL),
					slog.String("error", err.Error()))
				return
			}
			b.logger.Info("mqtt bridge connected", slog.String("broker", b.config.BrokerURL))
		case <-ctx.Done():
		}
	}()
	defer b.client.Disconnect(disconnectQuiesce)

	return bus.Serve(ctx, b)
}

// Check reports whether events can currently be delivered.
func (b *Bridge) Check(context.Context) error {
	if b.breaker.State() == breaker.StateOpen {
		return breaker.ErrCircuitOpen
	}
	if !b.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	return nil
}
