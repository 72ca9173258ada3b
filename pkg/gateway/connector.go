// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"

	"github.com/absmach/lwm2m-gw/pkg/pool"
	"github.com/absmach/lwm2m-gw/pkg/registry"
	"github.com/absmach/lwm2m-gw/pkg/transport"
)

// connector routes connections to the plain or the DTLS pool by the mode
// the device registered with. Endpoints without a session, such as devices
// being bootstrapped, use the plain pool.
type connector struct {
	sessions *registry.Registry
	plain    *pool.Pool
	secure   *pool.Pool
}

func (c *connector) Acquire(ctx context.Context, endpoint, addr string, port int) (transport.Conn, error) {
	return c.poolFor(endpoint).Acquire(ctx, endpoint, addr, port)
}

func (c *connector) Close(endpoint string) error {
	err := c.plain.Close(endpoint)
	if c.secure != nil {
		err = errors.Join(err, c.secure.Close(endpoint))
	}
	return err
}

func (c *connector) poolFor(endpoint string) *pool.Pool {
	if c.secure == nil || c.sessions == nil {
		return c.plain
	}
	if s, ok := c.sessions.Get(endpoint); ok && s.Mode == registry.ModeSecure {
		return c.secure
	}
	return c.plain
}

func (c *connector) closeAll() error {
	err := c.plain.CloseAll()
	if c.secure != nil {
		err = errors.Join(err, c.secure.CloseAll())
	}
	return err
}
