// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport wraps a nanomsg paired datagram socket: the same
// symmetric, one-to-one socket type both the Proxy (always dialing) and the
// Host (always listening) use for the control and message channels.
package transport

import (
	"errors"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pair"

	// Register every transport (ipc, tcp, inproc, ...) so callers can use
	// whichever scheme appears in their endpoint URI without importing
	// transport packages themselves.
	_ "go.nanomsg.org/mangos/v3/transport/all"
)

// ErrTimeout is returned by Recv when no message arrived before the
// configured deadline. It is not fatal: callers on the data path treat it
// like EAGAIN/ETIMEDOUT and simply retry.
var ErrTimeout = mangos.ErrRecvTimeout

// ErrSendTimeout is returned by Send when the peer did not accept the
// message before the configured send deadline. Callers on the handshake
// path treat this as EAGAIN: sleep and retry the send.
var ErrSendTimeout = mangos.ErrSendTimeout

// Endpoint is a paired datagram socket bound to one rendezvous address. Its
// lifetime is scoped: once Close returns, the underlying descriptor is
// released and every blocked Send/Recv on it has been woken with an error.
type Endpoint struct {
	socket mangos.Socket
}

// Dial opens a pair socket and connects it to addr. This is the role the
// Proxy always takes: it never binds.
func Dial(addr string) (*Endpoint, error) {
	sock, err := pair.NewSocket()
	if err != nil {
		return nil, err
	}
	if err := sock.Dial(addr); err != nil {
		sock.Close()
		return nil, err
	}
	return &Endpoint{socket: sock}, nil
}

// Listen opens a pair socket and binds it to addr. This is the role the
// Host always takes: it always answers in the reply position.
func Listen(addr string) (*Endpoint, error) {
	sock, err := pair.NewSocket()
	if err != nil {
		return nil, err
	}
	if err := sock.Listen(addr); err != nil {
		sock.Close()
		return nil, err
	}
	return &Endpoint{socket: sock}, nil
}

// SetRecvTimeout bounds how long Recv blocks before returning ErrTimeout.
// A zero duration waits forever.
func (e *Endpoint) SetRecvTimeout(d time.Duration) error {
	return e.socket.SetOption(mangos.OptionRecvDeadline, d)
}

// Send transmits data. mangos has no separate EAGAIN/non-blocking mode for
// pair sockets; callers that need the corpus's "non-blocking send with
// retry" behavior achieve it by bounding the attempt with SetSendTimeout
// before calling Send and treating ErrSendTimeout as the retry signal.
func (e *Endpoint) Send(data []byte) error {
	return e.socket.Send(data)
}

// SetSendTimeout bounds how long Send blocks before giving up with
// mangos.ErrSendTimeout.
func (e *Endpoint) SetSendTimeout(d time.Duration) error {
	return e.socket.SetOption(mangos.OptionSendDeadline, d)
}

// Recv blocks for the next message, honoring whatever deadline
// SetRecvTimeout last configured. A timeout surfaces as ErrTimeout for the
// caller to treat as non-fatal, matching the original's EAGAIN/ETIMEDOUT
// tolerance on the data path.
func (e *Endpoint) Recv() ([]byte, error) {
	return e.socket.Recv()
}

// Close releases the socket. Any goroutine blocked in Recv/Send on this
// endpoint wakes with an error.
func (e *Endpoint) Close() error {
	err := e.socket.Close()
	if errors.Is(err, mangos.ErrClosed) {
		// Already closed by a racing caller; Close is idempotent from the
		// perspective of every caller in this binding.
		return nil
	}
	return err
}
