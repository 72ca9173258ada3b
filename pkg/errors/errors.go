// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides the error taxonomy of the LwM2M gateway and its
// mapping onto CoAP response codes.
package errors

import (
	"context"
	"errors"
	"fmt"

	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Taxonomy sentinels. Typed errors below unwrap to one of these.
var (
	// ErrValidation indicates missing or malformed request parameters.
	ErrValidation = errors.New("validation error")

	// ErrNotFound indicates an unknown session, location or token.
	ErrNotFound = errors.New("not found")

	// ErrCodec indicates malformed TLV or CBOR content.
	ErrCodec = errors.New("codec error")

	// ErrConnection indicates a handshake or transport failure.
	ErrConnection = errors.New("connection error")

	// ErrTimeout indicates an exchange exceeded its deadline.
	ErrTimeout = errors.New("timeout")

	// ErrBootstrap indicates a provisioning step failure.
	ErrBootstrap = errors.New("bootstrap error")

	// ErrInvalidArgument indicates a caller passed an incomplete value.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrDuplicateToken indicates an observation token is already registered.
	ErrDuplicateToken = errors.New("duplicate observation token")

	// ErrPoolClosed is returned when the connection pool is closed.
	ErrPoolClosed = errors.New("connection pool is closed")

	// ErrRateLimited indicates rate limit exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// GatewayError wraps an error with the operation and endpoint it concerns.
type GatewayError struct {
	Op       string // Operation that failed
	Endpoint string // Device endpoint name
	Err      error  // Underlying error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("%s [%s]: %v", e.Op, e.Endpoint, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *GatewayError) Unwrap() error {
	return e.Err
}

// New creates a new GatewayError.
func New(op, endpoint string, err error) error {
	if err == nil {
		return nil
	}
	return &GatewayError{
		Op:       op,
		Endpoint: endpoint,
		Err:      err,
	}
}

// ConnectionError reports a failed dial or send towards a device.
type ConnectionError struct {
	Endpoint string
	Addr     string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s (%s) failed: %v", e.Endpoint, e.Addr, e.Err)
}

// Unwrap exposes both the taxonomy sentinel and the cause.
func (e *ConnectionError) Unwrap() []error {
	return []error{ErrConnection, e.Err}
}

// BootstrapError reports the provisioning stage that failed for an endpoint.
type BootstrapError struct {
	Endpoint string
	Stage    string
	Err      error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("bootstrap of %s failed at %s: %v", e.Endpoint, e.Stage, e.Err)
}

// Unwrap exposes both the taxonomy sentinel and the cause.
func (e *BootstrapError) Unwrap() []error {
	return []error{ErrBootstrap, e.Err}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Validation returns an ErrValidation carrying a formatted detail.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// FromContext converts an expired deadline into ErrTimeout so callers can
// tell "no answer" apart from "rejected".
func FromContext(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

// CodeFor maps err onto the nearest CoAP response code.
func CodeFor(err error) codes.Code {
	switch {
	case err == nil:
		return codes.Content
	case errors.Is(err, ErrValidation), errors.Is(err, ErrCodec), errors.Is(err, ErrInvalidArgument):
		return codes.BadRequest
	case errors.Is(err, ErrNotFound):
		return codes.NotFound
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return codes.GatewayTimeout
	case errors.Is(err, ErrConnection), errors.Is(err, ErrRateLimited):
		return codes.ServiceUnavailable
	default:
		return codes.InternalServerError
	}
}
