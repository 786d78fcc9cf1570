// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/duvitech/iot-edge/internal/adminserver"
	"github.com/duvitech/iot-edge/pkg/health"
	"github.com/duvitech/iot-edge/pkg/host"
	"github.com/duvitech/iot-edge/pkg/metrics"
)

// Config is populated from the OUTPROCESS_HOST_ environment prefix, mirroring
// the corpus's env-prefixed, .env-backed configuration loading.
type Config struct {
	ControlURL string `env:"CONTROL_URL" envDefault:"ipc:///tmp/outprocess-control.ipc"`
	MessageURL string `env:"MESSAGE_URL" envDefault:"ipc:///tmp/outprocess-message.ipc"`
	Attachment string `env:"ATTACHMENT_ID"`
	AdminAddr  string `env:"ADMIN_ADDR" envDefault:":9091"`
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	logHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(logHandler)

	if err := godotenv.Load(); err != nil {
		logger.Warn("no .env file found, using environment variables")
	}

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "OUTPROCESS_HOST_"}); err != nil {
		logger.Error("failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if cfg.Attachment == "" {
		cfg.Attachment = host.NewAttachmentID()
	}

	m := metrics.New("")
	module := newLoggingModule(logger)

	h, err := host.Attach(module, cfg.Attachment, host.Config{
		ControlURL: cfg.ControlURL,
		MessageURL: cfg.MessageURL,
		Logger:     logger,
		Metrics:    m,
	})
	if err != nil {
		logger.Error("attach failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := h.StartWorkerThread(); err != nil {
		logger.Error("start worker thread failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	checker := health.NewChecker(5 * time.Second)
	checker.RegisterAttachment(cfg.Attachment, func(context.Context) error { return h.Alive() })
	admin := adminserver.New(cfg.AdminAddr, checker, nil)

	g.Go(func() error {
		return stopSignalHandler(ctx, cancel, logger)
	})
	g.Go(func() error {
		return adminserver.Run(ctx, admin, logger)
	})

	logger.Info("outprocess host attached",
		slog.String("attachment", cfg.Attachment),
		slog.String("control", cfg.ControlURL))

	<-ctx.Done()
	if err := h.HaltWorkerThread(); err != nil {
		logger.Warn("halt worker thread returned an error", slog.String("error", err.Error()))
	}
	if err := h.Detach(); err != nil {
		logger.Warn("detach returned an error", slog.String("error", err.Error()))
	}
	checker.ForgetAttachment(cfg.Attachment)

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("outprocess host terminated with error: %s", err))
	} else {
		logger.Info("outprocess host stopped")
	}
}

func stopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGABRT)
	select {
	case <-c:
		logger.Info("received shutdown signal")
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
