// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package device sends read, write, execute and observe requests to
// registered devices over pooled connections.
package device
