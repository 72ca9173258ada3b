// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package api implements the gateway's admin HTTP interface: registered
// clients, device management, observations, a websocket stream of lifecycle
// events, health probes and Prometheus metrics.
package api
