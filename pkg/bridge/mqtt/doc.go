// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mqtt bridges gateway lifecycle events to an MQTT broker.
package mqtt
