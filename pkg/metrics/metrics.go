// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the LwM2M gateway.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gateway. Every method is safe
// to call on a nil *Metrics so components can run uninstrumented.
type Metrics struct {
	registry *prometheus.Registry

	// Client lifecycle metrics
	RegisteredClients prometheus.Gauge
	OfflineClients    prometheus.Gauge
	LifecycleEvents   *prometheus.CounterVec

	// CoAP server metrics
	CoAPMessages    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Device request metrics
	DeviceRequests        *prometheus.CounterVec
	DeviceRequestDuration *prometheus.HistogramVec

	// Connection pool metrics
	PoolConnections *prometheus.GaugeVec
	PoolDials       *prometheus.CounterVec

	// Observation metrics
	ActiveObservations prometheus.Gauge
	Notifications      *prometheus.CounterVec

	BootstrapRuns *prometheus.CounterVec
	CodecErrors   *prometheus.CounterVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec

	RateLimitedRequests *prometheus.CounterVec

	BridgePublishes  *prometheus.CounterVec
	HTTPRequests     *prometheus.CounterVec
	WebSocketClients prometheus.Gauge
}

// New creates a Metrics instance backed by its own registry, which also
// carries the Go runtime and process collectors.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "lwm2m"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RegisteredClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registered_clients",
			Help:      "Number of registered LwM2M clients",
		}),
		OfflineClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "offline_clients",
			Help:      "Number of registered clients currently marked offline",
		}),
		LifecycleEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lifecycle_events_total",
				Help:      "Total number of lifecycle events published",
			},
			[]string{"kind"},
		),
		CoAPMessages: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "coap_messages_total",
				Help:      "Total number of CoAP requests handled",
			},
			[]string{"method", "code"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "CoAP request handling duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"interface"},
		),
		DeviceRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "device_requests_total",
				Help:      "Total number of requests sent to devices",
			},
			[]string{"operation", "status"},
		),
		DeviceRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "device_request_duration_seconds",
				Help:      "Device request duration in seconds",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"operation"},
		),
		PoolConnections: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_connections",
				Help:      "Number of pooled device connections by state",
			},
			[]string{"state"},
		),
		PoolDials: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_dials_total",
				Help:      "Total number of device dials",
			},
			[]string{"status"},
		),
		ActiveObservations: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_observations",
			Help:      "Number of registered observations",
		}),
		Notifications: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Total number of observe notifications",
			},
			[]string{"direction", "result"},
		),
		BootstrapRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bootstrap_runs_total",
				Help:      "Total number of bootstrap provisioning runs",
			},
			[]string{"status"},
		),
		CodecErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "codec_errors_total",
				Help:      "Total number of payload encode or decode failures",
			},
			[]string{"format"},
		),
		CircuitBreakerState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
			[]string{"target"},
		),
		CircuitBreakerTrips: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of circuit breaker trips",
			},
			[]string{"target"},
		),
		RateLimitedRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_requests_total",
				Help:      "Total number of rate limited requests",
			},
			[]string{"interface"},
		),
		BridgePublishes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bridge_publishes_total",
				Help:      "Total number of events published to the MQTT bridge",
			},
			[]string{"status"},
		),
		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of admin HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		WebSocketClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Number of connected event stream clients",
		}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveDeviceRequest tracks a request sent to a device.
func (m *Metrics) ObserveDeviceRequest(operation string, f func() error) error {
	if m == nil {
		return f()
	}
	start := time.Now()
	err := f()
	m.DeviceRequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	m.DeviceRequests.WithLabelValues(operation, status(err)).Inc()
	return err
}

// ObserveRequest tracks a CoAP request handled by the server.
func (m *Metrics) ObserveRequest(iface, method string, f func() string) {
	if m == nil {
		f()
		return
	}
	start := time.Now()
	code := f()
	m.RequestDuration.WithLabelValues(iface).Observe(time.Since(start).Seconds())
	m.CoAPMessages.WithLabelValues(method, code).Inc()
}

// SetClients records registry occupancy.
func (m *Metrics) SetClients(registered, offline int) {
	if m == nil {
		return
	}
	m.RegisteredClients.Set(float64(registered))
	m.OfflineClients.Set(float64(offline))
}

// CountEvent counts a published lifecycle event.
func (m *Metrics) CountEvent(kind string) {
	if m == nil {
		return
	}
	m.LifecycleEvents.WithLabelValues(kind).Inc()
}

// SetPool records pool occupancy.
func (m *Metrics) SetPool(connecting, connected int) {
	if m == nil {
		return
	}
	m.PoolConnections.WithLabelValues("connecting").Set(float64(connecting))
	m.PoolConnections.WithLabelValues("connected").Set(float64(connected))
}

// CountDial counts a dial attempt outcome.
func (m *Metrics) CountDial(err error) {
	if m == nil {
		return
	}
	m.PoolDials.WithLabelValues(status(err)).Inc()
}

// SetObservations records the number of registered observations.
func (m *Metrics) SetObservations(n int) {
	if m == nil {
		return
	}
	m.ActiveObservations.Set(float64(n))
}

// CountNotification counts an observe notification. Direction is "in" for
// notifications received from devices and "out" for those the gateway sends.
func (m *Metrics) CountNotification(direction string, err error) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(direction, status(err)).Inc()
}

// CountBootstrap counts a finished provisioning run.
func (m *Metrics) CountBootstrap(err error) {
	if m == nil {
		return
	}
	m.BootstrapRuns.WithLabelValues(status(err)).Inc()
}

// CountCodecError counts a payload that could not be encoded or decoded.
func (m *Metrics) CountCodecError(format string) {
	if m == nil {
		return
	}
	m.CodecErrors.WithLabelValues(format).Inc()
}

// SetBreakerState records a circuit breaker transition. Trips are counted
// when the state becomes open (2).
func (m *Metrics) SetBreakerState(target string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(target).Set(float64(state))
	if state == 2 {
		m.CircuitBreakerTrips.WithLabelValues(target).Inc()
	}
}

// CountRateLimited counts a rejected request.
func (m *Metrics) CountRateLimited(iface string) {
	if m == nil {
		return
	}
	m.RateLimitedRequests.WithLabelValues(iface).Inc()
}

// CountBridgePublish counts an MQTT publish outcome.
func (m *Metrics) CountBridgePublish(err error) {
	if m == nil {
		return
	}
	m.BridgePublishes.WithLabelValues(status(err)).Inc()
}

// CountHTTPRequest counts an admin API request.
func (m *Metrics) CountHTTPRequest(method, path, code string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, path, code).Inc()
}

// AddWebSocketClients adjusts the connected event stream client gauge.
func (m *Metrics) AddWebSocketClients(delta int) {
	if m == nil {
		return
	}
	m.WebSocketClients.Add(float64(delta))
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
