// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package objects holds the LwM2M object definitions the gateway knows and
// the store of object instances it serves to CoAP peers.
package objects
