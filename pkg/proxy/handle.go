// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/duvitech/iot-edge/internal/threadslot"
	"github.com/duvitech/iot-edge/pkg/breaker"
	"github.com/duvitech/iot-edge/pkg/broker"
	"github.com/duvitech/iot-edge/pkg/ioerr"
	"github.com/duvitech/iot-edge/pkg/message"
	"github.com/duvitech/iot-edge/pkg/queue"
	"github.com/duvitech/iot-edge/pkg/transport"
	"github.com/duvitech/iot-edge/pkg/wire"
)

// Handle is the in-process half's owning struct: sockets, queue, four
// worker slots, and the cloned configuration strings. It is the handle the
// broker receives from Create and passes back into Start/Receive/Destroy.
type Handle struct {
	cfg       Config
	logger    *slog.Logger
	sessionID string
	b         broker.Broker

	handleMu   sync.Mutex
	messageEP  *transport.Endpoint
	controlEP  *transport.Endpoint
	queue      *queue.Queue
	controlURL string
	messageURL string
	moduleArgs []byte
	closed     bool

	receiverSlot   threadslot.Slot
	senderSlot     threadslot.Slot
	supervisorSlot threadslot.Slot
	creatorSlot    threadslot.Slot

	needsReattach atomic.Bool
	started       atomic.Bool
	destroyOnce   sync.Once

	cb *breaker.CircuitBreaker
}

// createHandle runs the ordered create() steps of §4.D: validate inputs,
// open both sockets (this side always connects, never binds), initialize
// the queue, clone the endpoint strings, then run the Create handshake
// synchronously or in the background depending on LifecycleMode. Every
// step rolls back everything allocated before it on failure.
func createHandle(b broker.Broker, cfg Config) (*Handle, error) {
	if b == nil {
		return nil, fmt.Errorf("create: %w", errors.New("nil broker"))
	}
	if cfg.ControlURL == "" || cfg.MessageURL == "" {
		return nil, fmt.Errorf("create: %w", errors.New("control and message URLs are required"))
	}
	cfg = cfg.withDefaults()

	h := &Handle{
		cfg:        cfg,
		logger:     cfg.Logger,
		sessionID:  uuid.New().String(),
		b:          b,
		queue:      queue.New(),
		controlURL: cfg.ControlURL,
		messageURL: cfg.MessageURL,
		moduleArgs: cfg.ModuleArgs,
	}

	msgEP, err := transport.Dial(cfg.MessageURL)
	if err != nil {
		return nil, ioerr.New("create", "message", h.sessionID, err)
	}
	ctlEP, err := transport.Dial(cfg.ControlURL)
	if err != nil {
		msgEP.Close()
		return nil, ioerr.New("create", "control", h.sessionID, err)
	}
	h.messageEP = msgEP
	h.controlEP = ctlEP

	h.cb = breaker.New(cfg.Breaker)
	if cfg.Metrics != nil {
		sessionID := h.sessionID
		m := cfg.Metrics
		h.cb.OnStateChange(func(_, to breaker.State) {
			m.CircuitBreakerState.WithLabelValues(sessionID).Set(float64(to))
			if to == breaker.StateOpen {
				m.CircuitBreakerTrips.WithLabelValues(sessionID).Inc()
			}
		})
	}

	resultCh := make(chan error, 1)
	h.creatorSlot.Go(func() {
		if cfg.Metrics != nil {
			resultCh <- cfg.Metrics.ObserveHandshake(h.runCreateHandshake)
			return
		}
		resultCh <- h.runCreateHandshake()
	})

	switch cfg.LifecycleMode {
	case Sync:
		if err := <-resultCh; err != nil {
			h.messageEP.Close()
			h.controlEP.Close()
			h.creatorSlot.Join()
			return nil, fmt.Errorf("create: %w", err)
		}
	default: // Async
		go func() {
			if err := <-resultCh; err != nil {
				h.needsReattach.Store(true)
				h.logger.Warn("async create handshake failed; peer unreachable until supervisor reattach",
					slog.String("session", h.sessionID), slog.String("error", err.Error()))
			}
		}()
	}

	if cfg.Metrics != nil {
		cfg.Metrics.ActiveSessions.WithLabelValues("proxy").Inc()
	}

	return h, nil
}

// runCreateHandshake implements the Create handshake shared by the
// async-creator thread and the supervisor's reattach branch (factored into
// one routine per the corpus's duplicated-handshake redesign note). A send
// or receive timeout resends the Create frame; after maxAttempts sends
// without an answer the handshake fails with ioerr.ErrHandshakeFailed.
func (h *Handle) runCreateHandshake() error {
	const maxAttempts = 20

	h.handleMu.Lock()
	ep := h.controlEP
	wait := h.cfg.DefaultWait
	messageURL := h.messageURL
	args := h.moduleArgs
	h.handleMu.Unlock()

	if ep == nil {
		return ioerr.ErrClosed
	}

	frame := &wire.CreateFrame{
		GatewayMessageVersion: wire.Version,
		URI:                   messageURL,
		URIType:               wire.SocketTypePair,
		Args:                  args,
	}
	buf := wire.EncodeFrame(frame)

	if err := ep.SetSendTimeout(wait); err != nil {
		return ioerr.New("create", "control", h.sessionID, err)
	}
	if err := ep.SetRecvTimeout(wait); err != nil {
		return ioerr.New("create", "control", h.sessionID, err)
	}

	for attempt := 1; ; attempt++ {
		if attempt > maxAttempts {
			return fmt.Errorf("%w: no reply after %d attempts", ioerr.ErrHandshakeFailed, maxAttempts)
		}
		switch err := ep.Send(buf); {
		case err == nil:
			// fall through to recv
		case errors.Is(err, transport.ErrSendTimeout):
			time.Sleep(wait)
			continue
		default:
			return ioerr.New("create", "control", h.sessionID, err)
		}

		data, err := ep.Recv()
		switch {
		case err == nil:
			// fall through to decode
		case errors.Is(err, transport.ErrTimeout):
			continue
		default:
			return ioerr.New("create", "control", h.sessionID, err)
		}

		f, err := wire.Decode(data)
		if err != nil {
			return fmt.Errorf("%w: %v", ioerr.ErrHandshakeFailed, err)
		}
		reply, ok := f.(*wire.ReplyFrame)
		if !ok || reply.Status != 0 {
			return ioerr.ErrHandshakeFailed
		}
		return nil
	}
}

// start spawns the receiver, sender, and supervisor threads in order, then
// sends the Start frame. A second call without an intervening destroy is
// rejected rather than double-spawning threads.
func (h *Handle) start() error {
	if !h.started.CompareAndSwap(false, true) {
		return ioerr.ErrAlreadyStarted
	}

	h.receiverSlot.Go(h.runReceiver)
	h.senderSlot.Go(h.runSender)
	h.supervisorSlot.Go(h.runSupervisor)

	return h.sendStart()
}

func (h *Handle) sendStart() error {
	h.handleMu.Lock()
	ep := h.controlEP
	h.handleMu.Unlock()
	if ep == nil {
		return nil
	}

	buf := wire.EncodeFrame(&wire.StartFrame{})
	if err := ep.Send(buf); err != nil {
		h.logger.Warn("start send failed, worker threads continue regardless",
			slog.String("session", h.sessionID), slog.String("error", err.Error()))
	}
	return nil
}

// receive clones msg, preserving the caller's ownership of the original,
// and pushes the clone onto the outgoing queue under handleMu.
func (h *Handle) receive(msg message.Message) error {
	if msg == nil {
		return nil
	}
	clone := msg.Clone()

	h.handleMu.Lock()
	defer h.handleMu.Unlock()
	if h.closed {
		return ioerr.ErrClosed
	}
	h.queue.Push(clone)
	return nil
}

// destroy is idempotent: the second and subsequent calls are no-ops. It
// best-effort sends Destroy, closes both sockets so any blocked worker
// wakes with an error, signals every slot to stop, joins them all, and
// drains whatever remained queued.
func (h *Handle) destroy() error {
	h.destroyOnce.Do(func() {
		h.sendDestroyBestEffort()

		h.handleMu.Lock()
		ctl := h.controlEP
		msgEP := h.messageEP
		h.controlEP = nil
		h.messageEP = nil
		h.closed = true
		h.handleMu.Unlock()

		if ctl != nil {
			if err := ctl.Close(); err != nil {
				h.logger.Warn("error closing control socket", slog.String("session", h.sessionID), slog.String("error", err.Error()))
			}
		}
		if msgEP != nil {
			if err := msgEP.Close(); err != nil {
				h.logger.Warn("error closing message socket", slog.String("session", h.sessionID), slog.String("error", err.Error()))
			}
		}

		h.receiverSlot.Stop()
		h.senderSlot.Stop()
		h.supervisorSlot.Stop()
		h.creatorSlot.Stop()

		h.receiverSlot.Join()
		h.senderSlot.Join()
		h.supervisorSlot.Join()
		h.creatorSlot.Join()

		h.handleMu.Lock()
		dropped := h.queue.Drain()
		h.handleMu.Unlock()
		if len(dropped) > 0 {
			h.logger.Info("destroyed handle with undelivered messages",
				slog.String("session", h.sessionID), slog.Int("count", len(dropped)))
		}

		if h.cfg.Metrics != nil {
			h.cfg.Metrics.ActiveSessions.WithLabelValues("proxy").Dec()
		}
	})
	return nil
}

// alive reports whether this session is still usable: not destroyed, and
// not currently waiting on the supervisor to reattach to a failed remote.
func (h *Handle) alive() error {
	h.handleMu.Lock()
	closed := h.closed
	h.handleMu.Unlock()
	if closed {
		return ioerr.ErrClosed
	}
	if h.needsReattach.Load() {
		return errors.New("session awaiting reattach")
	}
	return nil
}

func (h *Handle) sendDestroyBestEffort() {
	h.handleMu.Lock()
	ep := h.controlEP
	h.handleMu.Unlock()
	if ep == nil {
		return
	}

	buf := wire.EncodeFrame(&wire.DestroyFrame{})
	_ = ep.SetSendTimeout(h.cfg.DefaultWait)

	attempts := h.cfg.DestroyRetries + 1
	for i := 0; i < attempts; i++ {
		err := ep.Send(buf)
		if err == nil {
			return
		}
		if !errors.Is(err, transport.ErrSendTimeout) {
			h.logger.Warn("destroy send failed, proceeding with teardown",
				slog.String("session", h.sessionID), slog.String("error", err.Error()))
			return
		}
	}
	h.logger.Warn("destroy send exhausted retries, proceeding with teardown",
		slog.String("session", h.sessionID), slog.Int("attempts", attempts))
}
