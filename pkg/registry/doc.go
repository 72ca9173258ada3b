// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package registry tracks registered LwM2M clients.
//
// A session moves between Registered and Offline as activity stops and
// resumes, and leaves the registry on explicit deregistration or when it
// outlives its declared lifetime. The Supervisor drives the time based
// transitions; every transition is published on the event bus.
package registry
