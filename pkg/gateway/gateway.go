// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package gateway defines the module contract the broker calls on any
// pluggable unit in the pipeline. pkg/proxy.Proxy is this binding's
// implementation, standing in for the remote module.
package gateway

import (
	"github.com/duvitech/iot-edge/pkg/broker"
	"github.com/duvitech/iot-edge/pkg/message"
)

// Config is the parsed form handed back by ParseConfiguration. This binding
// does not interpret configuration text; Raw wraps whatever the caller
// passed in so FreeConfiguration has a symmetric release path. Parsed
// carries the real structured configuration the caller builds directly,
// bypassing text parsing entirely — this is the "caller supplies the
// parsed struct through the create path" the module contract's
// ParseConfiguration leaves unhandled.
type Config struct {
	Raw    string
	Parsed any
}

// Module is the capability set the broker drives. It replaces the single
// exported vtable struct the original binding used with a polymorphic
// interface bound at attach time, so a Proxy is just one implementation
// among any number of future ones.
type Module interface {
	// ParseConfiguration clones text into a Config, or returns a zero Config
	// if text is empty. It does not parse structure.
	ParseConfiguration(text string) (Config, error)

	// FreeConfiguration releases resources held by cfg. A no-op for the
	// zero Config.
	FreeConfiguration(cfg Config)

	// Create establishes a handle bound to b using cfg. Returns an opaque
	// handle, or an error if creation fails synchronously.
	Create(b broker.Broker, cfg Config) (any, error)

	// Start begins active operation of a previously created handle.
	Start(handle any) error

	// Receive hands msg to the module for eventual delivery to the remote
	// process. Ownership of msg stays with the caller.
	Receive(handle any, msg message.Message) error

	// Destroy tears a handle down. Always succeeds from the caller's
	// perspective.
	Destroy(handle any) error
}
