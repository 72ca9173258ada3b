// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bootstrap provisions LwM2M devices with their Security and Server
// objects. Configs come from a resolver, a Store (in memory, a TOML file or
// Redis) or a static default, in that order.
package bootstrap
