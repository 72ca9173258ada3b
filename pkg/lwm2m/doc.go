// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package lwm2m serves the CoAP side of the gateway: the registration
// interface (/rd), the bootstrap interface (/bs, /bs-finish), resource
// discovery and the gateway's own LwM2M objects, which remote peers may
// read, write, execute and observe.
package lwm2m
