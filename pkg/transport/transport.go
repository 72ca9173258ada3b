// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"

	"github.com/absmach/lwm2m-gw/pkg/codec"
	gwerrors "github.com/absmach/lwm2m-gw/pkg/errors"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Request is an outbound request towards a device.
type Request struct {
	Method  codes.Code
	Path    string
	Queries []string
	// Format is the content format of Payload.
	Format codec.Format
	// Accept asks the device for a content format; FormatUnknown omits the option.
	Accept  codec.Format
	Payload []byte
}

// Response is a device response.
type Response struct {
	Code    codes.Code
	Format  codec.Format
	Payload []byte
}

// Success reports whether the response carries a 2.xx code.
func (r Response) Success() bool {
	return r.Code >= codes.Created && r.Code < codes.BadRequest
}

// Observation is a live observe relationship on a device resource.
type Observation interface {
	// Token is the CoAP token notifications are matched on.
	Token() []byte
	// Cancel sends an observe cancellation to the device.
	Cancel(ctx context.Context) error
}

// Conn is a connection to one device.
type Conn interface {
	// Do sends req and waits for the response or ctx expiry.
	Do(ctx context.Context, req Request) (Response, error)
	// Observe starts an observation. The initial response is returned; later
	// notifications are passed to fn.
	Observe(ctx context.Context, req Request, fn func(Response)) (Observation, Response, error)
	// Done is closed when the underlying transport terminates.
	Done() <-chan struct{}
	Close() error
}

// Dialer establishes connections to devices.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, addr string) (Conn, error)

// Dial calls f(ctx, addr).
func (f DialerFunc) Dial(ctx context.Context, addr string) (Conn, error) {
	return f(ctx, addr)
}

// StatusError reports a non-success device response.
type StatusError struct {
	Path string
	Code codes.Code
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected response %s", e.Path, e.Code)
}

// Unwrap maps device rejections onto the error taxonomy where one fits.
func (e *StatusError) Unwrap() error {
	switch e.Code {
	case codes.NotFound:
		return gwerrors.ErrNotFound
	case codes.BadRequest, codes.UnsupportedMediaType, codes.MethodNotAllowed:
		return gwerrors.ErrValidation
	case codes.GatewayTimeout:
		return gwerrors.ErrTimeout
	default:
		return nil
	}
}

// CheckStatus converts a non-2.xx response into a *StatusError.
func CheckStatus(path string, resp Response) error {
	if resp.Success() {
		return nil
	}
	return &StatusError{Path: path, Code: resp.Code}
}
