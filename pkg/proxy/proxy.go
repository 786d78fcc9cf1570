// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package proxy implements the in-process half of the out-of-process
// module binding: it presents the standard module contract to the broker
// while forwarding control and data to a remote process over paired
// datagram sockets.
package proxy

import (
	"fmt"

	"github.com/duvitech/iot-edge/pkg/broker"
	"github.com/duvitech/iot-edge/pkg/gateway"
	"github.com/duvitech/iot-edge/pkg/ioerr"
	"github.com/duvitech/iot-edge/pkg/message"
)

// Proxy is the module-contract adapter the broker holds. It carries no
// per-session state itself — every Create call produces an independent
// *Handle, which is what Start/Receive/Destroy actually operate on. This
// replaces the corpus's single exported vtable struct with a polymorphic
// interface (gateway.Module) bound once at attach time.
type Proxy struct{}

var _ gateway.Module = (*Proxy)(nil)

// New returns a Proxy module adapter.
func New() *Proxy {
	return &Proxy{}
}

// ParseConfiguration clones text into a gateway.Config, or returns the
// zero Config if text is empty. It does not parse structure — the
// caller supplies the structured proxy.Config through Create's
// gateway.Config.Parsed field instead.
func (p *Proxy) ParseConfiguration(text string) (gateway.Config, error) {
	if text == "" {
		return gateway.Config{}, nil
	}
	return gateway.Config{Raw: text}, nil
}

// FreeConfiguration is a no-op: gateway.Config holds no resources beyond
// what Go's garbage collector already reclaims.
func (p *Proxy) FreeConfiguration(gateway.Config) {}

// Create validates cfg.Parsed carries a proxy.Config and runs the full
// create() sequence of §4.D.
func (p *Proxy) Create(b broker.Broker, cfg gateway.Config) (any, error) {
	pc, ok := cfg.Parsed.(Config)
	if !ok {
		return nil, fmt.Errorf("%w: gateway.Config.Parsed must carry a proxy.Config", ioerr.ErrInvalidModule)
	}
	return createHandle(b, pc)
}

// Start spawns the receiver, sender, and supervisor threads for handle and
// sends the Start control frame.
func (p *Proxy) Start(handle any) error {
	h, ok := handle.(*Handle)
	if !ok || h == nil {
		return nil
	}
	return h.start()
}

// Receive clones msg and enqueues it for the sender thread to forward.
func (p *Proxy) Receive(handle any, msg message.Message) error {
	h, ok := handle.(*Handle)
	if !ok || h == nil {
		return nil
	}
	return h.receive(msg)
}

// Destroy tears handle down. Always succeeds from the caller's
// perspective, and is safe to call more than once.
func (p *Proxy) Destroy(handle any) error {
	h, ok := handle.(*Handle)
	if !ok || h == nil {
		return nil
	}
	return h.destroy()
}

// Alive reports whether handle is still usable, for callers that want a
// real readiness probe instead of an always-healthy placeholder. It
// returns an error once Destroy has run, or while the supervisor is
// waiting to reattach to a remote that failed its last handshake.
func Alive(handle any) error {
	h, ok := handle.(*Handle)
	if !ok || h == nil {
		return fmt.Errorf("%w: handle is not a *proxy.Handle", ioerr.ErrInvalidModule)
	}
	return h.alive()
}

// ForceReattach runs a reattach handshake immediately, bypassing the
// breaker's open-state backoff. It exists for an operator override — e.g.
// an admin endpoint — that needs to retry now rather than wait out the
// breaker's reset timeout.
func ForceReattach(handle any) error {
	h, ok := handle.(*Handle)
	if !ok || h == nil {
		return fmt.Errorf("%w: handle is not a *proxy.Handle", ioerr.ErrInvalidModule)
	}
	return h.manualReattach()
}
