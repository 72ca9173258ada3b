// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/absmach/lwm2m-gw/pkg/codec"
	gwerrors "github.com/absmach/lwm2m-gw/pkg/errors"
	piondtls "github.com/pion/dtls/v3"
	dtlsnet "github.com/pion/dtls/v3/pkg/net"
	"github.com/plgd-dev/go-coap/v3/dtls"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/options"
	"github.com/plgd-dev/go-coap/v3/udp"
	udpClient "github.com/plgd-dev/go-coap/v3/udp/client"
)

// CoAPDialer dials devices over plain CoAP/UDP, or over DTLS when a DTLS
// configuration is set.
type CoAPDialer struct {
	dtls *piondtls.Config
}

var _ Dialer = (*CoAPDialer)(nil)

// NewUDPDialer creates a dialer for plain CoAP.
func NewUDPDialer() *CoAPDialer {
	return &CoAPDialer{}
}

// NewDTLSDialer creates a dialer for CoAP over DTLS.
func NewDTLSDialer(cfg *piondtls.Config) *CoAPDialer {
	return &CoAPDialer{dtls: cfg}
}

// Secure reports whether the dialer performs a DTLS handshake.
func (d *CoAPDialer) Secure() bool {
	return d.dtls != nil
}

// Dial connects to addr (host:port). ctx bounds the dial and, for DTLS, the
// handshake; the returned connection lives until Close.
func (d *CoAPDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	life := options.WithContext(context.WithoutCancel(ctx))
	if d.dtls == nil {
		cc, err := udp.Dial(addr, life)
		if err != nil {
			return nil, gwerrors.FromContext(err)
		}
		return &coapConn{cc: cc}, nil
	}

	var dialer net.Dialer
	c, err := dialer.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, gwerrors.FromContext(err)
	}
	dc, err := piondtls.Client(dtlsnet.PacketConnFromConn(c), c.RemoteAddr(), d.dtls)
	if err != nil {
		c.Close()
		return nil, err
	}
	if err := dc.HandshakeContext(ctx); err != nil {
		dc.Close()
		if ctx.Err() != nil {
			return nil, gwerrors.FromContext(ctx.Err())
		}
		return nil, fmt.Errorf("dtls handshake with %s failed: %w", addr, err)
	}
	return &coapConn{cc: dtls.Client(dc, life, options.WithCloseSocket())}, nil
}

// NewPSKConfig builds a client DTLS configuration from a PSK identity and a
// hex encoded key.
func NewPSKConfig(identity, keyHex string) (*piondtls.Config, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid PSK key: %w", err)
	}
	if identity == "" || len(key) == 0 {
		return nil, fmt.Errorf("PSK identity and key are required")
	}
	return &piondtls.Config{
		PSK: func([]byte) ([]byte, error) {
			return key, nil
		},
		PSKIdentityHint: []byte(identity),
		CipherSuites:    []piondtls.CipherSuiteID{piondtls.TLS_PSK_WITH_AES_128_CCM_8},
	}, nil
}

// KeyLookup returns the PSK for a client identity.
type KeyLookup func(identity []byte) ([]byte, error)

// NewPSKServerConfig builds a listener DTLS configuration resolving keys per
// client identity.
func NewPSKServerConfig(lookup KeyLookup) *piondtls.Config {
	return &piondtls.Config{
		PSK:          piondtls.PSKCallback(lookup),
		CipherSuites: []piondtls.CipherSuiteID{piondtls.TLS_PSK_WITH_AES_128_CCM_8},
	}
}

type coapConn struct {
	cc *udpClient.Conn
}

func (c *coapConn) Do(ctx context.Context, req Request) (Response, error) {
	opts := requestOptions(req)

	var payload io.ReadSeeker
	if len(req.Payload) > 0 {
		payload = bytes.NewReader(req.Payload)
	}

	var (
		resp *pool.Message
		err  error
	)
	switch req.Method {
	case codes.GET:
		resp, err = c.cc.Get(ctx, req.Path, opts...)
	case codes.PUT:
		resp, err = c.cc.Put(ctx, req.Path, req.Format.MediaType(), payload, opts...)
	case codes.POST:
		resp, err = c.cc.Post(ctx, req.Path, req.Format.MediaType(), payload, opts...)
	case codes.DELETE:
		resp, err = c.cc.Delete(ctx, req.Path, opts...)
	default:
		return Response{}, fmt.Errorf("%w: unsupported method %s", gwerrors.ErrValidation, req.Method)
	}
	if err != nil {
		return Response{}, gwerrors.FromContext(err)
	}
	return toResponse(resp)
}

func (c *coapConn) Observe(ctx context.Context, req Request, fn func(Response)) (Observation, Response, error) {
	first := make(chan initial, 1)
	var seen atomic.Bool

	obs, err := c.cc.Observe(ctx, req.Path, func(m *pool.Message) {
		resp, err := toResponse(m)
		if !seen.Swap(true) {
			first <- initial{resp: resp, token: append([]byte(nil), m.Token()...), err: err}
			return
		}
		if err == nil {
			fn(resp)
		}
	}, requestOptions(req)...)
	if err != nil {
		if in, ok := c.rejection(ctx, first); ok {
			return nil, in.resp, &StatusError{Path: req.Path, Code: in.resp.Code}
		}
		return nil, Response{}, gwerrors.FromContext(err)
	}

	select {
	case in := <-first:
		if in.err != nil {
			_ = obs.Cancel(context.Background())
			return nil, Response{}, in.err
		}
		return &coapObservation{cancel: func(ctx context.Context) error { return obs.Cancel(ctx) }, token: in.token}, in.resp, nil
	case <-ctx.Done():
		_ = obs.Cancel(context.Background())
		return nil, Response{}, gwerrors.FromContext(ctx.Err())
	}
}

type initial struct {
	resp  Response
	token []byte
	err   error
}

// rejectionWait bounds how long a failed observe waits for the device's
// answer to reach the callback.
const rejectionWait = 100 * time.Millisecond

// rejection reports the device's non-success answer to a failed observe. The
// answer is handed to the callback after go-coap has already failed the call.
func (c *coapConn) rejection(ctx context.Context, first <-chan initial) (initial, bool) {
	if ctx.Err() != nil || c.cc.Context().Err() != nil {
		return initial{}, false
	}
	timer := time.NewTimer(rejectionWait)
	defer timer.Stop()
	select {
	case in := <-first:
		return in, in.err == nil && !in.resp.Success()
	case <-timer.C:
		return initial{}, false
	case <-ctx.Done():
		return initial{}, false
	}
}

func (c *coapConn) Done() <-chan struct{} {
	return c.cc.Done()
}

func (c *coapConn) Close() error {
	return c.cc.Close()
}

type coapObservation struct {
	cancel func(ctx context.Context) error
	token  []byte
}

func (o *coapObservation) Token() []byte {
	return o.token
}

func (o *coapObservation) Cancel(ctx context.Context) error {
	return gwerrors.FromContext(o.cancel(ctx))
}

func toResponse(m *pool.Message) (Response, error) {
	resp := Response{Code: m.Code(), Format: codec.FormatText}
	if mt, err := m.ContentFormat(); err == nil {
		if f, ok := codec.FormatFromMediaType(mt); ok {
			resp.Format = f
		}
	}
	if m.Body() != nil {
		body, err := m.ReadBody()
		if err != nil {
			return Response{}, fmt.Errorf("failed to read response body: %w", err)
		}
		resp.Payload = body
	}
	return resp, nil
}

func requestOptions(req Request) []message.Option {
	opts := make([]message.Option, 0, len(req.Queries)+1)
	for _, q := range req.Queries {
		opts = append(opts, message.Option{ID: message.URIQuery, Value: []byte(q)})
	}
	if req.Accept != codec.FormatUnknown {
		opts = append(opts, UintOption(message.Accept, uint32(req.Accept.MediaType())))
	}
	return opts
}

// UintOption encodes v as a minimal-length CoAP uint option.
func UintOption(id message.OptionID, v uint32) message.Option {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	i := 0
	for i < len(buf) && buf[i] == 0 {
		i++
	}
	return message.Option{ID: id, Value: append([]byte(nil), buf[i:]...)}
}
