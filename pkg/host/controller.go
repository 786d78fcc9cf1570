// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package host

import (
	"errors"
	"log/slog"
	"time"

	"github.com/duvitech/iot-edge/internal/threadslot"
	"github.com/duvitech/iot-edge/pkg/ioerr"
	"github.com/duvitech/iot-edge/pkg/message"
	"github.com/duvitech/iot-edge/pkg/transport"
	"github.com/duvitech/iot-edge/pkg/wire"
)

// DoWork services one non-blocking control poll and one non-blocking data
// poll, per §4.E's caller-owned-loop scheduling mode. It never blocks longer
// than the configured poll timeouts.
func (h *Host) DoWork() {
	h.pollControl()
	h.pollData()
}

func (h *Host) pollControl() {
	h.handleMu.Lock()
	ctl := h.controlEP
	h.handleMu.Unlock()
	if ctl == nil {
		return
	}

	if err := ctl.SetRecvTimeout(h.cfg.ControlPollTimeout); err != nil {
		h.logger.Warn("could not set control poll timeout", slog.String("attachment", h.attachmentID), slog.String("error", err.Error()))
		return
	}

	data, err := ctl.Recv()
	switch {
	case err == nil:
		h.handleControlFrame(ctl, data)
	case errors.Is(err, transport.ErrTimeout):
		return
	default:
		h.logger.Warn("control recv failed", slog.String("attachment", h.attachmentID), slog.String("error", err.Error()))
	}
}

func (h *Host) handleControlFrame(ctl *transport.Endpoint, data []byte) {
	f, err := wire.Decode(data)
	if err != nil {
		h.logger.Warn("dropping undecodable control frame", slog.String("attachment", h.attachmentID), slog.String("error", err.Error()))
		return
	}

	switch frame := f.(type) {
	case *wire.CreateFrame:
		h.handleCreate(ctl, frame)
	case *wire.StartFrame:
		h.handleStart(ctl)
	case *wire.DestroyFrame:
		h.handleDestroy(ctl)
	default:
		h.logger.Warn("unexpected control frame on host side", slog.String("attachment", h.attachmentID))
	}
}

// handleCreate implements §4.E's ModuleCreate branch: parse args if the
// module supports it, create, open the message socket with the URI the
// frame carried, free the parsed config, and reply with a status.
func (h *Host) handleCreate(ctl *transport.Endpoint, frame *wire.CreateFrame) {
	args := frame.Args
	if parser, ok := h.module.(ConfigParser); ok {
		parsed, err := parser.ParseConfiguration(args)
		if err != nil {
			h.logger.Warn("module config parse failed", slog.String("attachment", h.attachmentID), slog.String("error", err.Error()))
			h.replyStatus(ctl, 1)
			return
		}
		args = parsed
	}

	handle, err := h.module.Create(args)
	if err != nil {
		h.logger.Warn("module create failed", slog.String("attachment", h.attachmentID), slog.String("error", err.Error()))
		h.replyStatus(ctl, 1)
		return
	}

	// The Create frame's URI overrides any configured default.
	messageURL := frame.URI
	if messageURL == "" {
		messageURL = h.cfg.MessageURL
	}
	msgEP, err := transport.Listen(messageURL)
	if err != nil {
		h.logger.Warn("message socket listen failed", slog.String("attachment", h.attachmentID), slog.String("error", err.Error()))
		if destroyErr := h.module.Destroy(handle); destroyErr != nil {
			h.logger.Warn("module destroy after failed listen also failed",
				slog.String("attachment", h.attachmentID), slog.String("error", destroyErr.Error()))
		}
		h.replyStatus(ctl, 1)
		return
	}

	if freer, ok := h.module.(ConfigFreer); ok {
		freer.FreeConfiguration(args)
	}

	h.handleMu.Lock()
	h.moduleHandle = handle
	h.messageEP = msgEP
	h.handleMu.Unlock()

	h.logger.Info("module created", slog.String("attachment", h.attachmentID))
	h.replyStatus(ctl, 0)
}

func (h *Host) handleStart(ctl *transport.Endpoint) {
	h.handleMu.Lock()
	handle := h.moduleHandle
	h.handleMu.Unlock()

	if starter, ok := h.module.(Starter); ok && handle != nil {
		if err := starter.Start(handle); err != nil {
			h.logger.Warn("module start failed", slog.String("attachment", h.attachmentID), slog.String("error", err.Error()))
			h.replyStatus(ctl, 1)
			return
		}
	}
	h.replyStatus(ctl, 0)
}

// handleDestroy implements §4.E's ModuleDestroy branch: destroy the module,
// close the message socket, but keep the control socket open to continue
// serving until Detach runs.
func (h *Host) handleDestroy(ctl *transport.Endpoint) {
	h.handleMu.Lock()
	handle := h.moduleHandle
	msgEP := h.messageEP
	h.moduleHandle = nil
	h.messageEP = nil
	h.handleMu.Unlock()

	if handle != nil {
		if err := h.module.Destroy(handle); err != nil {
			h.logger.Warn("module destroy failed", slog.String("attachment", h.attachmentID), slog.String("error", err.Error()))
		}
	}
	if msgEP != nil {
		msgEP.Close()
	}
	h.replyStatus(ctl, 0)
}

func (h *Host) replyStatus(ctl *transport.Endpoint, status int32) {
	if err := ctl.Send(wire.EncodeFrame(&wire.ReplyFrame{Status: status})); err != nil {
		h.logger.Warn("control reply send failed", slog.String("attachment", h.attachmentID), slog.String("error", err.Error()))
	}
}

// pollData implements §4.E's data channel: one non-blocking receive handed
// to module.Receive, and one non-blocking send of whatever the module has
// queued via Send.
func (h *Host) pollData() {
	h.handleMu.Lock()
	ep := h.messageEP
	h.handleMu.Unlock()
	if ep == nil {
		return
	}

	if err := ep.SetRecvTimeout(h.cfg.DataPollTimeout); err == nil {
		data, err := ep.Recv()
		switch {
		case err == nil:
			h.handleIncoming(data)
		case errors.Is(err, transport.ErrTimeout):
		default:
			h.logger.Warn("data recv failed", slog.String("attachment", h.attachmentID), slog.String("error", err.Error()))
		}
	}

	h.handleMu.Lock()
	msg, ok := h.outgoing.Pop()
	h.handleMu.Unlock()
	if ok {
		h.sendOutgoing(ep, msg)
	}
}

func (h *Host) handleIncoming(data []byte) {
	msg, err := h.cfg.Decoder(data)
	if err != nil {
		h.logger.Warn("dropping undecodable data frame", slog.String("attachment", h.attachmentID), slog.String("error", err.Error()))
		return
	}

	h.handleMu.Lock()
	handle := h.moduleHandle
	h.handleMu.Unlock()
	if handle == nil {
		return
	}

	if err := h.module.Receive(handle, msg); err != nil {
		h.logger.Warn("module receive returned an error", slog.String("attachment", h.attachmentID), slog.String("error", err.Error()))
	}
}

func (h *Host) sendOutgoing(ep *transport.Endpoint, msg message.Message) {
	if err := ep.Send(msg.ToBytes()); err != nil {
		h.logger.Warn("dropping outbound data frame after send failure",
			slog.String("attachment", h.attachmentID), slog.String("error", err.Error()))
		if h.cfg.Metrics != nil {
			h.cfg.Metrics.MessagesDropped.WithLabelValues("host_outbound", "send_error").Inc()
		}
		return
	}
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.MessagesSent.WithLabelValues("host_outbound").Inc()
	}
}

// Send queues msg for the next data poll to push out over the message
// socket. The module calls this to push data toward the broker, per §4.E's
// "outbound path lets the module push messages out via serialize+send."
func (h *Host) Send(msg message.Message) error {
	if msg == nil {
		return nil
	}
	h.handleMu.Lock()
	defer h.handleMu.Unlock()
	if h.closed {
		return ioerr.ErrClosed
	}
	h.outgoing.Push(msg.Clone())
	return nil
}

// StartWorkerThread spawns a goroutine that calls DoWork in a loop, sleeping
// WorkerInterval between calls, until HaltWorkerThread is called, per §6's
// convenience API. No lock is held around each DoWork call.
func (h *Host) StartWorkerThread() error {
	h.workerMu.Lock()
	defer h.workerMu.Unlock()
	if h.workerAttrs.get() {
		return ioerr.ErrAlreadyStarted
	}
	h.workerAttrs.set(true)

	slot := &threadslot.Slot{}
	h.workerSlot = slot
	slot.Go(func() {
		for {
			if slot.Stopped() {
				return
			}
			h.DoWork()
			time.Sleep(h.cfg.WorkerInterval)
		}
	})
	return nil
}

// HaltWorkerThread stops the worker thread started by StartWorkerThread and
// waits for it to exit. Safe to call even if no worker thread is running,
// and safe to call more than once.
func (h *Host) HaltWorkerThread() error {
	h.workerMu.Lock()
	defer h.workerMu.Unlock()
	if !h.workerAttrs.get() {
		return nil
	}
	slot := h.workerSlot
	slot.Stop()
	slot.Join()
	h.workerSlot = nil
	h.workerAttrs.set(false)
	return nil
}
