// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package host implements the out-of-process half of the module binding: it
// listens on the same two endpoints the Proxy dials, drives a caller-supplied
// module's lifecycle on incoming control directives, and forwards data both
// ways between the wire and the module.
package host

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/duvitech/iot-edge/internal/threadslot"
	"github.com/duvitech/iot-edge/pkg/ioerr"
	"github.com/duvitech/iot-edge/pkg/message"
	"github.com/duvitech/iot-edge/pkg/metrics"
	"github.com/duvitech/iot-edge/pkg/queue"
	"github.com/duvitech/iot-edge/pkg/transport"
)

// ModuleCapabilities is the minimum vtable Attach requires of the remote
// module: create, destroy, and receive. Start, ParseConfiguration, and
// FreeConfiguration are optional and detected with the Starter,
// ConfigParser, and ConfigFreer interfaces below — mirroring the original
// loader's runtime check that the vtable "has at least create/destroy/
// receive" rather than requiring every method.
type ModuleCapabilities interface {
	Create(cfg []byte) (any, error)
	Destroy(handle any) error
	Receive(handle any, msg message.Message) error
}

// Starter is implemented by modules that do work on Start.
type Starter interface {
	Start(handle any) error
}

// ConfigParser is implemented by modules that interpret the Create frame's
// args before Create runs.
type ConfigParser interface {
	ParseConfiguration(args []byte) ([]byte, error)
}

// ConfigFreer releases resources ParseConfiguration allocated.
type ConfigFreer interface {
	FreeConfiguration(cfg []byte)
}

// Config configures a Host attachment.
type Config struct {
	ControlURL string
	MessageURL string

	ControlPollTimeout time.Duration
	DataPollTimeout    time.Duration
	WorkerInterval     time.Duration

	Decoder message.Decoder
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.ControlPollTimeout == 0 {
		c.ControlPollTimeout = 10 * time.Millisecond
	}
	if c.DataPollTimeout == 0 {
		c.DataPollTimeout = 10 * time.Millisecond
	}
	if c.WorkerInterval == 0 {
		c.WorkerInterval = time.Millisecond
	}
	if c.Decoder == nil {
		c.Decoder = message.DecodeBytes
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Host is a single attachment: one control listener, one module handle, and
// the data-path state that exists once the module has been created. It
// mirrors pkg/proxy.Handle on the remote side.
type Host struct {
	cfg          Config
	logger       *slog.Logger
	attachmentID string
	module       ModuleCapabilities
	moduleHandle any

	handleMu  sync.Mutex
	controlEP *transport.Endpoint
	messageEP *transport.Endpoint
	outgoing  *queue.Queue
	closed    bool

	workerSlot  *threadslot.Slot
	workerMu    sync.Mutex
	workerAttrs atomicRunning
}

type atomicRunning struct {
	mu      sync.Mutex
	running bool
}

func (a *atomicRunning) set(v bool) {
	a.mu.Lock()
	a.running = v
	a.mu.Unlock()
}

func (a *atomicRunning) get() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Attach validates module and connectionID, opens the control socket in the
// reply role (bound, per §4.E's component-table "listens... in the reply
// role"), and returns a Host ready to serve do_work or a worker thread.
// The message socket is opened later, once a Create frame carries the URI.
func Attach(module ModuleCapabilities, connectionID string, cfg Config) (*Host, error) {
	if module == nil {
		return nil, fmt.Errorf("attach: %w", errors.New("nil module vtable"))
	}
	if connectionID == "" || len(connectionID) > 256 {
		return nil, fmt.Errorf("attach: %w", errors.New("connection id must be non-empty and bounded"))
	}
	if cfg.ControlURL == "" {
		return nil, fmt.Errorf("attach: %w", errors.New("control url is required"))
	}
	cfg = cfg.withDefaults()

	ctl, err := transport.Listen(cfg.ControlURL)
	if err != nil {
		return nil, ioerr.New("attach", "control", connectionID, err)
	}

	h := &Host{
		cfg:          cfg,
		logger:       cfg.Logger,
		attachmentID: connectionID,
		module:       module,
		controlEP:    ctl,
		outgoing:     queue.New(),
	}

	if cfg.Metrics != nil {
		cfg.Metrics.ActiveSessions.WithLabelValues("host").Inc()
	}
	h.logger.Info("module attached", slog.String("attachment", h.attachmentID))
	return h, nil
}

// Detach halts the worker thread if one is running, notifies the module via
// Destroy, closes both sockets, and releases resources. Safe to call more
// than once.
func (h *Host) Detach() error {
	h.HaltWorkerThread()

	h.handleMu.Lock()
	if h.closed {
		h.handleMu.Unlock()
		return nil
	}
	h.closed = true
	ctl := h.controlEP
	msgEP := h.messageEP
	handle := h.moduleHandle
	h.controlEP = nil
	h.messageEP = nil
	h.handleMu.Unlock()

	if handle != nil {
		if err := h.module.Destroy(handle); err != nil {
			h.logger.Warn("module destroy returned an error during detach",
				slog.String("attachment", h.attachmentID), slog.String("error", err.Error()))
		}
	}

	if ctl != nil {
		ctl.Close()
	}
	if msgEP != nil {
		msgEP.Close()
	}

	if h.cfg.Metrics != nil {
		h.cfg.Metrics.ActiveSessions.WithLabelValues("host").Dec()
	}
	h.logger.Info("module detached", slog.String("attachment", h.attachmentID))
	return nil
}

// Alive reports whether this attachment is still usable: not yet detached,
// and its message socket established (i.e. a Create handshake completed).
func (h *Host) Alive() error {
	h.handleMu.Lock()
	defer h.handleMu.Unlock()
	if h.closed {
		return ioerr.ErrClosed
	}
	if h.moduleHandle == nil {
		return ioerr.ErrNotAttached
	}
	return nil
}

// NewAttachmentID generates a bounded, unique connection id for callers
// that don't supply their own (e.g. demo binaries attaching anonymous
// modules).
func NewAttachmentID() string {
	return uuid.New().String()
}
