// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"errors"
	"log/slog"
	"time"

	"github.com/duvitech/iot-edge/pkg/breaker"
	"github.com/duvitech/iot-edge/pkg/transport"
	"github.com/duvitech/iot-edge/pkg/wire"
)

// runReceiver implements §4.D's receiver thread: read the message socket
// off the handle on every iteration (it may have been torn down under
// destroy), block for the next data frame, decode it, and publish it to
// the broker.
func (h *Handle) runReceiver() {
	h.handleMu.Lock()
	ep := h.messageEP
	h.handleMu.Unlock()
	if ep == nil {
		return
	}
	if err := ep.SetRecvTimeout(h.cfg.DataRecvTimeout); err != nil {
		h.logger.Warn("receiver could not set recv timeout", slog.String("session", h.sessionID), slog.String("error", err.Error()))
	}

	for {
		if h.receiverSlot.Stopped() {
			return
		}

		h.handleMu.Lock()
		ep := h.messageEP
		h.handleMu.Unlock()
		if ep == nil {
			return
		}

		data, err := ep.Recv()
		switch {
		case err == nil:
			h.handleIncoming(data)
		case errors.Is(err, transport.ErrTimeout):
			// non-fatal; recheck stop flag and try again
		default:
			return
		}

		time.Sleep(h.cfg.DataPollInterval)
	}
}

func (h *Handle) handleIncoming(data []byte) {
	msg, err := h.cfg.Decoder(data)
	if err != nil {
		h.logger.Warn("dropping undecodable data frame", slog.String("session", h.sessionID), slog.String("error", err.Error()))
		return
	}
	if err := h.b.Publish(h, msg); err != nil {
		h.logger.Warn("broker rejected published message", slog.String("session", h.sessionID), slog.String("error", err.Error()))
	}
}

// runSender implements §4.D's sender thread: pop the queue under
// handleMu, serialize and send outside the lock, and drop the message on
// any send failure rather than retrying it (§7: data-send errors are
// logged and the next message is attempted).
func (h *Handle) runSender() {
	for {
		if h.senderSlot.Stopped() {
			return
		}

		h.handleMu.Lock()
		msg, ok := h.queue.Pop()
		ep := h.messageEP
		depth := h.queue.Len()
		h.handleMu.Unlock()

		if h.cfg.Metrics != nil {
			h.cfg.Metrics.QueueDepth.WithLabelValues(h.sessionID).Set(float64(depth))
		}

		if ok {
			h.sendOutgoing(ep, msg.ToBytes())
		}

		time.Sleep(h.cfg.DataPollInterval)
	}
}

func (h *Handle) sendOutgoing(ep *transport.Endpoint, data []byte) {
	if ep == nil {
		if h.cfg.Metrics != nil {
			h.cfg.Metrics.MessagesDropped.WithLabelValues("outbound", "closed").Inc()
		}
		return
	}
	if err := ep.Send(data); err != nil {
		h.logger.Warn("dropping data frame after send failure", slog.String("session", h.sessionID), slog.String("error", err.Error()))
		if h.cfg.Metrics != nil {
			h.cfg.Metrics.MessagesDropped.WithLabelValues("outbound", "send_error").Inc()
		}
		return
	}
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.MessagesSent.WithLabelValues("outbound").Inc()
	}
}

// runSupervisor implements §4.D's supervisor thread: reattach when
// needsReattach is set (wrapped in the circuit breaker so a permanently
// dead remote stops hammering the control channel), then poll the control
// channel for a failing Reply that would set needsReattach again.
func (h *Handle) runSupervisor() {
	for {
		if h.supervisorSlot.Stopped() {
			return
		}

		if h.needsReattach.Load() {
			h.attemptReattach()
		}

		h.handleMu.Lock()
		ep := h.controlEP
		h.handleMu.Unlock()
		if ep == nil {
			return
		}

		if err := ep.SetRecvTimeout(h.cfg.SupervisorPollTimeout); err != nil {
			h.logger.Warn("supervisor could not set recv timeout", slog.String("session", h.sessionID), slog.String("error", err.Error()))
		}

		data, err := ep.Recv()
		switch {
		case err == nil:
			h.handleControlPoll(data)
		case errors.Is(err, transport.ErrTimeout):
			// expected: this is the "EAGAIN, proceed to sleep" branch
		default:
			return
		}

		time.Sleep(h.cfg.SupervisorInterval)
	}
}

func (h *Handle) attemptReattach() {
	err := h.cb.Call(h.runCreateHandshake)
	switch {
	case err == nil:
		if sendErr := h.sendStart(); sendErr != nil {
			h.logger.Warn("reattach succeeded but start send failed", slog.String("session", h.sessionID), slog.String("error", sendErr.Error()))
		}
		h.needsReattach.Store(false)
		if h.cfg.Metrics != nil {
			h.cfg.Metrics.ReattachTotal.WithLabelValues("success").Inc()
		}
		h.logger.Info("reattached to remote module", slog.String("session", h.sessionID))
	default:
		h.logger.Warn("reattach attempt failed, will retry", slog.String("session", h.sessionID), slog.String("error", err.Error()))
		if h.cfg.Metrics != nil {
			outcome := "failure"
			if errors.Is(err, breaker.ErrCircuitOpen) {
				outcome = "breaker_open"
			}
			h.cfg.Metrics.ReattachTotal.WithLabelValues(outcome).Inc()
		}
	}
}

// manualReattach lets an operator force an out-of-band reattach attempt,
// bypassing the breaker's open-state backoff entirely. On success it resets
// the breaker so the override's result, not whatever tripped it before, is
// what the next ordinary supervisor cycle sees.
func (h *Handle) manualReattach() error {
	if err := h.runCreateHandshake(); err != nil {
		h.needsReattach.Store(true)
		if h.cfg.Metrics != nil {
			h.cfg.Metrics.ReattachTotal.WithLabelValues("manual_override_failure").Inc()
		}
		return err
	}

	h.cb.Reset()
	h.needsReattach.Store(false)
	if err := h.sendStart(); err != nil {
		h.logger.Warn("manual reattach succeeded but start send failed", slog.String("session", h.sessionID), slog.String("error", err.Error()))
	}
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.ReattachTotal.WithLabelValues("manual_override_success").Inc()
	}
	h.logger.Info("operator-forced reattach succeeded", slog.String("session", h.sessionID))
	return nil
}

func (h *Handle) handleControlPoll(data []byte) {
	f, err := wire.Decode(data)
	if err != nil {
		h.logger.Warn("dropping undecodable control frame", slog.String("session", h.sessionID), slog.String("error", err.Error()))
		return
	}
	reply, ok := f.(*wire.ReplyFrame)
	if !ok {
		return // other control frames are ignored on this path
	}
	if reply.Status != 0 {
		h.needsReattach.Store(true)
		h.logger.Warn("remote module reported failure, scheduling reattach",
			slog.String("session", h.sessionID), slog.Int("status", int(reply.Status)))
	}
}
