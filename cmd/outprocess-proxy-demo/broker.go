// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"log/slog"

	"github.com/duvitech/iot-edge/pkg/broker"
	"github.com/duvitech/iot-edge/pkg/message"
)

var _ broker.Broker = (*loggingBroker)(nil)

// loggingBroker is a demonstration broker: it logs every message the Proxy
// publishes instead of routing it into a real pipeline.
type loggingBroker struct {
	logger *slog.Logger
}

func newLoggingBroker(logger *slog.Logger) *loggingBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &loggingBroker{logger: logger}
}

func (b *loggingBroker) Publish(handle any, msg message.Message) error {
	b.logger.Info("broker publish", slog.Int("payload_size", len(msg.ToBytes())))
	return nil
}
