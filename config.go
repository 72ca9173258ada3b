// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package lwm2mgw holds the environment configuration of the LwM2M gateway.
package lwm2mgw

import (
	"fmt"
	"net"
	"time"

	"github.com/caarlos0/env/v11"
)

// DefaultPrefix is the environment variable prefix used by the gateway binary.
const DefaultPrefix = "LWM2M_"

// Config holds the gateway configuration.
type Config struct {
	// CoAP listeners
	Host     string `env:"COAP_HOST"      envDefault:""`
	Port     string `env:"COAP_PORT"      envDefault:"5683"`
	DTLSPort string `env:"COAP_DTLS_PORT" envDefault:""`

	// PSK credentials used by the DTLS listener and by secure device dials.
	PSKIdentity string `env:"PSK_IDENTITY" envDefault:""`
	PSKKey      string `env:"PSK_KEY"      envDefault:""`

	// Admin HTTP API (clients, health, metrics, live events)
	AdminPort        string `env:"ADMIN_PORT"        envDefault:"8080"`
	MetricsNamespace string `env:"METRICS_NAMESPACE" envDefault:"lwm2m_gw"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Client lifecycle
	DefaultLifetime    int           `env:"DEFAULT_LIFETIME"    envDefault:"86400"`
	OfflineTimeout     time.Duration `env:"OFFLINE_TIMEOUT"     envDefault:"60s"`
	SupervisorInterval time.Duration `env:"SUPERVISOR_INTERVAL" envDefault:"30s"`

	// Connection pool
	PoolIdleTimeout   time.Duration `env:"POOL_IDLE_TIMEOUT"   envDefault:"5m"`
	PoolSweepInterval time.Duration `env:"POOL_SWEEP_INTERVAL" envDefault:"1m"`
	HandshakeTimeout  time.Duration `env:"HANDSHAKE_TIMEOUT"   envDefault:"10s"`
	RequestTimeout    time.Duration `env:"REQUEST_TIMEOUT"     envDefault:"5s"`

	// Bootstrap
	BootstrapAcceptDelay time.Duration `env:"BOOTSTRAP_ACCEPT_DELAY" envDefault:"500ms"`
	BootstrapStepTimeout time.Duration `env:"BOOTSTRAP_STEP_TIMEOUT" envDefault:"5s"`
	BootstrapConfigFile  string        `env:"BOOTSTRAP_CONFIG_FILE"  envDefault:""`
	BootstrapRedisAddr   string        `env:"BOOTSTRAP_REDIS_ADDR"   envDefault:""`
	BootstrapRedisPrefix string        `env:"BOOTSTRAP_REDIS_PREFIX" envDefault:"lwm2m:bootstrap:"`

	// Observation notifications
	ObserveInterval time.Duration `env:"OBSERVE_INTERVAL" envDefault:"2s"`

	// Rate limiting of /rd and /bs requests per remote address
	RateLimitCapacity int64 `env:"RATE_LIMIT_CAPACITY" envDefault:"20"`
	RateLimitRefill   int64 `env:"RATE_LIMIT_REFILL"   envDefault:"5"`

	// MQTT event bridge; disabled when the broker URL is empty.
	MQTTBrokerURL   string `env:"MQTT_BROKER_URL"   envDefault:""`
	MQTTClientID    string `env:"MQTT_CLIENT_ID"    envDefault:"lwm2m-gw"`
	MQTTTopicPrefix string `env:"MQTT_TOPIC_PREFIX" envDefault:"lwm2m"`
}

// NewConfig parses the configuration from the environment using opts.
func NewConfig(opts env.Options) (Config, error) {
	c := Config{}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}
	if c.OfflineTimeout <= 0 {
		return Config{}, fmt.Errorf("offline timeout must be positive, got %s", c.OfflineTimeout)
	}
	if c.DefaultLifetime <= 0 {
		return Config{}, fmt.Errorf("default lifetime must be positive, got %d", c.DefaultLifetime)
	}
	return c, nil
}

// CoAPAddress returns the plain CoAP listen address.
func (c Config) CoAPAddress() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// DTLSAddress returns the DTLS listen address, or an empty string when DTLS is disabled.
func (c Config) DTLSAddress() string {
	if c.DTLSPort == "" {
		return ""
	}
	return net.JoinHostPort(c.Host, c.DTLSPort)
}

// AdminAddress returns the admin HTTP listen address.
func (c Config) AdminAddress() string {
	return net.JoinHostPort(c.Host, c.AdminPort)
}
