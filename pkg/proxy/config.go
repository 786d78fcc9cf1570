// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"log/slog"
	"time"

	"github.com/duvitech/iot-edge/pkg/breaker"
	"github.com/duvitech/iot-edge/pkg/message"
	"github.com/duvitech/iot-edge/pkg/metrics"
)

// LifecycleMode selects whether Create blocks for the initial handshake.
type LifecycleMode int

const (
	// Sync makes Create block until the handshake succeeds or fails.
	Sync LifecycleMode = iota
	// Async makes Create return immediately; the handshake runs in the
	// background and failures surface later as dropped sends.
	Async
)

func (m LifecycleMode) String() string {
	if m == Async {
		return "async"
	}
	return "sync"
}

// Config is the structured configuration a caller builds directly and
// threads through gateway.Config.Parsed to Create. parse_configuration's
// text-cloning contract only covers the broker-facing bookkeeping string;
// the binding's own structured settings arrive this way instead.
type Config struct {
	// ControlURL and MessageURL are the two IPC rendezvous points this
	// Proxy dials. Required.
	ControlURL string
	MessageURL string

	// ModuleArgs is handed to the remote module verbatim inside the Create
	// frame; this binding never interprets it.
	ModuleArgs []byte

	// LifecycleMode selects synchronous or asynchronous Create.
	LifecycleMode LifecycleMode

	// DefaultWait bounds both the handshake's per-attempt send/recv
	// deadline and the sleep between retries. Default 100ms.
	DefaultWait time.Duration

	// DestroyRetries is the number of additional Destroy-frame send
	// attempts after the first (11 total by default), matching the
	// corpus's retry_count > 10 bound.
	DestroyRetries int

	// DataPollInterval is the sleep between receiver/sender loop
	// iterations. Default 1ms.
	DataPollInterval time.Duration

	// DataRecvTimeout bounds how long the receiver blocks in Recv before
	// rechecking its stop flag. Default 200ms.
	DataRecvTimeout time.Duration

	// SupervisorInterval is the sleep between supervisor loop iterations.
	// Default 250ms.
	SupervisorInterval time.Duration

	// SupervisorPollTimeout bounds the supervisor's control-channel poll,
	// emulating a non-blocking recv. Default 10ms.
	SupervisorPollTimeout time.Duration

	// Decoder turns received message-channel bytes into message.Message.
	// Default message.DecodeBytes.
	Decoder message.Decoder

	// Breaker configures the reattach circuit breaker guarding the
	// supervisor's re-Create attempts.
	Breaker breaker.Config

	// Logger receives structured state-transition logs. Default
	// slog.Default().
	Logger *slog.Logger

	// Metrics, if set, receives Prometheus observations for this handle.
	Metrics *metrics.Metrics
}

func (cfg Config) withDefaults() Config {
	if cfg.DefaultWait <= 0 {
		cfg.DefaultWait = 100 * time.Millisecond
	}
	if cfg.DestroyRetries <= 0 {
		cfg.DestroyRetries = 10
	}
	if cfg.DataPollInterval <= 0 {
		cfg.DataPollInterval = time.Millisecond
	}
	if cfg.DataRecvTimeout <= 0 {
		cfg.DataRecvTimeout = 200 * time.Millisecond
	}
	if cfg.SupervisorInterval <= 0 {
		cfg.SupervisorInterval = 250 * time.Millisecond
	}
	if cfg.SupervisorPollTimeout <= 0 {
		cfg.SupervisorPollTimeout = 10 * time.Millisecond
	}
	if cfg.Decoder == nil {
		cfg.Decoder = message.DecodeBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}
