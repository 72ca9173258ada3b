// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/absmach/lwm2m-gw/pkg/codec"
	gwerrors "github.com/absmach/lwm2m-gw/pkg/errors"
	"github.com/absmach/lwm2m-gw/pkg/events"
	"github.com/absmach/lwm2m-gw/pkg/metrics"
	"github.com/absmach/lwm2m-gw/pkg/objects"
	"github.com/absmach/lwm2m-gw/pkg/observe"
	"github.com/absmach/lwm2m-gw/pkg/registry"
	"github.com/absmach/lwm2m-gw/pkg/transport"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// DefaultTimeout bounds each exchange with a device.
const DefaultTimeout = 10 * time.Second

// Sessions resolves registered devices.
type Sessions interface {
	Get(endpoint string) (registry.Session, bool)
	Touch(endpoint string) bool
}

// Connector hands out connections to devices.
type Connector interface {
	Acquire(ctx context.Context, endpoint, addr string, port int) (transport.Conn, error)
}

// Content is a device payload together with its decoded values.
type Content struct {
	Format  codec.Format
	Payload []byte
	Values  map[uint16]codec.Value
}

// Notification is one observe notification received from a device.
type Notification struct {
	Endpoint string
	Path     string
	Token    []byte
	Content  Content
	Err      error
}

// Option configures a Client.
type Option func(*Client)

// WithDialer gives observations of secure sessions a dedicated connection
// from d instead of the shared pooled one.
func WithDialer(d transport.Dialer) Option {
	return func(c *Client) {
		c.dialer = d
	}
}

// WithCatalog sets the object definitions used to decode payloads.
func WithCatalog(cat *objects.Catalog) Option {
	return func(c *Client) {
		c.catalog = cat
	}
}

// WithEvents publishes observation events on p.
func WithEvents(p events.Publisher) Option {
	return func(c *Client) {
		c.events = p
	}
}

// WithMetrics instruments device requests.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithTimeout sets the per-exchange timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// Client issues resource operations to registered devices.
type Client struct {
	sessions     Sessions
	conns        Connector
	observations *observe.Registry
	dialer       transport.Dialer
	catalog      *objects.Catalog
	events       events.Publisher
	metrics      *metrics.Metrics
	logger       *slog.Logger
	timeout      time.Duration
}

// New creates a device client.
func New(sessions Sessions, conns Connector, observations *observe.Registry, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		sessions:     sessions,
		conns:        conns,
		observations: observations,
		catalog:      objects.DefaultCatalog(),
		logger:       logger,
		timeout:      DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Read fetches path from endpoint. An unknown format leaves the choice to the device.
func (c *Client) Read(ctx context.Context, endpoint, path string, format codec.Format) (Content, error) {
	p, err := objects.ParsePath(path)
	if err != nil {
		return Content{}, err
	}
	resp, err := c.exchange(ctx, "read", endpoint, transport.Request{
		Method: codes.GET,
		Path:   p.String(),
		Accept: format,
	})
	if err != nil {
		return Content{}, err
	}
	content, err := c.decode(p, resp)
	if err != nil {
		return content, gwerrors.New("read", endpoint, err)
	}
	return content, nil
}

// Write replaces the value of path with values, encoded as format (TLV when unset).
func (c *Client) Write(ctx context.Context, endpoint, path string, format codec.Format, values []codec.Resource) error {
	p, err := objects.ParsePath(path)
	if err != nil {
		return err
	}
	if len(values) == 0 {
		return gwerrors.Validation("no values to write")
	}
	if format == codec.FormatUnknown {
		format = codec.FormatTLV
	}
	payload, err := codec.Encode(format, values)
	if err != nil {
		c.metrics.CountCodecError(format.String())
		return gwerrors.New("write", endpoint, err)
	}
	_, err = c.exchange(ctx, "write", endpoint, transport.Request{
		Method:  codes.PUT,
		Path:    p.String(),
		Format:  format,
		Payload: payload,
	})
	return err
}

// Execute triggers executable resource path with optional arguments.
func (c *Client) Execute(ctx context.Context, endpoint, path, args string) error {
	p, err := objects.ParsePath(path)
	if err != nil {
		return err
	}
	if p.Depth != 3 {
		return gwerrors.Validation("execute needs a resource path, got %s", p)
	}
	req := transport.Request{Method: codes.POST, Path: p.String()}
	if args != "" {
		req.Format = codec.FormatText
		req.Payload = []byte(args)
	}
	_, err = c.exchange(ctx, "execute", endpoint, req)
	return err
}

// Observe starts observing path on endpoint and returns the observation token
// with the initial value. fn, when set, receives every later notification.
// An existing observation of the same path is replaced.
func (c *Client) Observe(ctx context.Context, endpoint, path string, format codec.Format, fn func(Notification)) ([]byte, Content, error) {
	p, err := objects.ParsePath(path)
	if err != nil {
		return nil, Content{}, err
	}
	if format == codec.FormatUnknown {
		format = codec.FormatTLV
	}

	var (
		token   []byte
		content Content
	)
	err = c.metrics.ObserveDeviceRequest("observe", func() error {
		s, ok := c.sessions.Get(endpoint)
		if !ok {
			return fmt.Errorf("%w: endpoint %s", gwerrors.ErrNotFound, endpoint)
		}
		if old, ok := c.observations.FindByEndpointAndPath(endpoint, p.String()); ok {
			c.observations.Deregister(old)
		}

		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		conn, owned, err := c.observeConn(ctx, s)
		if err != nil {
			return err
		}
		handler := func(resp transport.Response) {
			c.notify(endpoint, p, resp, fn)
		}
		obs, resp, err := conn.Observe(ctx, transport.Request{
			Method: codes.GET,
			Path:   p.String(),
			Accept: format,
		}, handler)
		if err != nil {
			if owned {
				_ = conn.Close()
			}
			return gwerrors.FromContext(err)
		}
		c.sessions.Touch(endpoint)

		o := observe.Observation{
			Token:    obs.Token(),
			Endpoint: endpoint,
			Path:     p.String(),
			Format:   format,
		}
		if owned {
			o.Conn = conn
		} else {
			o.Cancel = obs.Cancel
		}
		if err := c.observations.Register(o); err != nil {
			if owned {
				_ = conn.Close()
			} else {
				_ = obs.Cancel(ctx)
			}
			return err
		}
		token = o.Token

		if content, err = c.decode(p, resp); err != nil {
			c.logger.Warn("failed to decode initial observe response",
				slog.String("endpoint", endpoint),
				slog.String("path", p.String()),
				slog.String("error", err.Error()))
		}
		return nil
	})
	if err != nil {
		return nil, content, gwerrors.New("observe", endpoint, err)
	}

	c.logger.Info("observation started",
		slog.String("endpoint", endpoint),
		slog.String("path", p.String()),
		slog.String("token", hex.EncodeToString(token)))
	c.publish(events.Event{
		Kind:     events.KindObservation,
		Endpoint: endpoint,
		Path:     p.String(),
		Data:     map[string]any{"state": "started", "token": hex.EncodeToString(token)},
	})
	return token, content, nil
}

// Cancel stops observing path on endpoint.
func (c *Client) Cancel(endpoint, path string) error {
	p, err := objects.ParsePath(path)
	if err != nil {
		return err
	}
	token, ok := c.observations.FindByEndpointAndPath(endpoint, p.String())
	if !ok {
		return fmt.Errorf("%w: no observation of %s on %s", gwerrors.ErrNotFound, p, endpoint)
	}
	c.observations.Deregister(token)

	c.publish(events.Event{
		Kind:     events.KindObservation,
		Endpoint: endpoint,
		Path:     p.String(),
		Data:     map[string]any{"state": "canceled", "token": hex.EncodeToString(token)},
	})
	return nil
}

// observeConn returns the connection an observation runs on. Secure sessions
// get a dedicated connection owned by the observation.
func (c *Client) observeConn(ctx context.Context, s registry.Session) (transport.Conn, bool, error) {
	if s.Mode == registry.ModeSecure && c.dialer != nil {
		conn, err := c.dialer.Dial(ctx, s.Addr())
		if err != nil {
			return nil, false, &gwerrors.ConnectionError{Endpoint: s.Endpoint, Addr: s.Addr(), Err: gwerrors.FromContext(err)}
		}
		return conn, true, nil
	}
	conn, err := c.conns.Acquire(ctx, s.Endpoint, s.Address, s.Port)
	return conn, false, err
}

func (c *Client) notify(endpoint string, p objects.Path, resp transport.Response, fn func(Notification)) {
	c.sessions.Touch(endpoint)

	n := Notification{Endpoint: endpoint, Path: p.String()}
	n.Token, _ = c.observations.FindByEndpointAndPath(endpoint, n.Path)
	if err := transport.CheckStatus(n.Path, resp); err != nil {
		n.Err = err
	} else {
		n.Content, n.Err = c.decode(p, resp)
	}
	c.metrics.CountNotification("in", n.Err)

	e := events.Event{
		Kind:     events.KindObservation,
		Endpoint: endpoint,
		Path:     n.Path,
		Data: map[string]any{
			"state":  "notification",
			"token":  hex.EncodeToString(n.Token),
			"format": n.Content.Format.String(),
		},
	}
	if n.Err != nil {
		e.Error = n.Err.Error()
		c.logger.Warn("invalid notification",
			slog.String("endpoint", endpoint),
			slog.String("path", n.Path),
			slog.String("error", n.Err.Error()))
	} else {
		e.Data["values"] = valuesMap(n.Content.Values)
	}
	c.publish(e)

	if fn != nil {
		fn(n)
	}
}

func (c *Client) exchange(ctx context.Context, op, endpoint string, req transport.Request) (transport.Response, error) {
	var resp transport.Response
	err := c.metrics.ObserveDeviceRequest(op, func() error {
		s, ok := c.sessions.Get(endpoint)
		if !ok {
			return fmt.Errorf("%w: endpoint %s", gwerrors.ErrNotFound, endpoint)
		}

		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		conn, err := c.conns.Acquire(ctx, endpoint, s.Address, s.Port)
		if err != nil {
			return err
		}
		resp, err = conn.Do(ctx, req)
		if err != nil {
			return gwerrors.FromContext(err)
		}
		// Any answer, even a rejection, proves the device is reachable.
		c.sessions.Touch(endpoint)
		return transport.CheckStatus(req.Path, resp)
	})
	if err != nil {
		c.logger.Debug("device request failed",
			slog.String("operation", op),
			slog.String("endpoint", endpoint),
			slog.String("path", req.Path),
			slog.String("error", err.Error()))
		return resp, gwerrors.New(op, endpoint, err)
	}
	return resp, nil
}

func (c *Client) decode(p objects.Path, resp transport.Response) (Content, error) {
	content := Content{Format: resp.Format, Payload: resp.Payload}
	switch resp.Format {
	case codec.FormatUnknown, codec.FormatLinkFormat:
		return content, nil
	}
	if len(resp.Payload) == 0 {
		return content, nil
	}
	values, err := codec.Decode(resp.Format, resp.Payload, c.catalog.Hints(p.Object), p.Resource)
	if err != nil {
		c.metrics.CountCodecError(resp.Format.String())
		return content, err
	}
	content.Values = values
	return content, nil
}

func (c *Client) publish(e events.Event) {
	if c.events != nil {
		c.events.Publish(e)
	}
}

func valuesMap(values map[uint16]codec.Value) map[string]any {
	out := make(map[string]any, len(values))
	for id, v := range values {
		out[strconv.Itoa(int(id))] = v.Any()
	}
	return out
}
