// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package events provides the typed lifecycle event bus of the gateway.
//
// Components publish Event values keyed by Kind (registration, update,
// deregistration, client_offline, observation, bootstrap-request,
// bootstrap-finish, error). Consumers either hold a Subscription, which they
// must Close, or hand a Handler to Bus.Serve, which owns the subscription for
// the lifetime of its context.
//
// Publishing never blocks the publisher: slow subscribers lose events once
// their buffer is full, and Subscription.Dropped reports how many.
//
// # Example
//
//	bus := events.NewBus(logger)
//	sub := bus.Subscribe(16, events.KindClientOffline)
//	defer sub.Close()
//	for e := range sub.Events() {
//		fmt.Println(e.Endpoint, "went offline")
//	}
package events
