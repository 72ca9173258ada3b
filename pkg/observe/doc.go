// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package observe keeps track of CoAP observations.
//
// Registry indexes observations by token, both those the gateway holds on
// devices and those clients hold on the gateway's own resources. Notifier
// drives periodic notifications for the latter.
package observe
