// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package broker defines the gateway's message bus as seen by this binding.
// The broker itself is an external collaborator; this package only states
// the contract the Proxy calls through.
package broker

import "github.com/duvitech/iot-edge/pkg/message"

// Broker is the in-process message bus that the Proxy publishes decoded
// data frames into. Its own thread-safety rules, not this binding's, govern
// concurrent calls to Publish.
type Broker interface {
	// Publish delivers msg on behalf of the module identified by handle.
	// handle is opaque to the broker; it is whatever the module contract's
	// Create returned.
	Publish(handle any, msg message.Message) error
}
