// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"log/slog"

	"github.com/duvitech/iot-edge/pkg/host"
	"github.com/duvitech/iot-edge/pkg/message"
)

var (
	_ host.ModuleCapabilities = (*loggingModule)(nil)
	_ host.Starter            = (*loggingModule)(nil)
)

// loggingModule is a demonstration user module: it logs every lifecycle call
// and every received message instead of driving real hardware or backend
// logic. Real modules implement the same four methods against their own
// state.
type loggingModule struct {
	logger *slog.Logger
}

func newLoggingModule(logger *slog.Logger) *loggingModule {
	if logger == nil {
		logger = slog.Default()
	}
	return &loggingModule{logger: logger}
}

func (m *loggingModule) Create(cfg []byte) (any, error) {
	m.logger.Info("module create", slog.Int("args_len", len(cfg)))
	return "demo-handle", nil
}

func (m *loggingModule) Start(handle any) error {
	m.logger.Info("module start")
	return nil
}

func (m *loggingModule) Destroy(handle any) error {
	m.logger.Info("module destroy")
	return nil
}

func (m *loggingModule) Receive(handle any, msg message.Message) error {
	m.logger.Info("module receive", slog.Int("payload_size", len(msg.ToBytes())))
	return nil
}
