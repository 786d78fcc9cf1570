// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/duvitech/iot-edge/internal/adminserver"
	"github.com/duvitech/iot-edge/pkg/gateway"
	"github.com/duvitech/iot-edge/pkg/health"
	"github.com/duvitech/iot-edge/pkg/message"
	"github.com/duvitech/iot-edge/pkg/metrics"
	"github.com/duvitech/iot-edge/pkg/proxy"
)

// Config is populated from the OUTPROCESS_PROXY_ environment prefix.
type Config struct {
	ControlURL string `env:"CONTROL_URL" envDefault:"ipc:///tmp/outprocess-control.ipc"`
	MessageURL string `env:"MESSAGE_URL" envDefault:"ipc:///tmp/outprocess-message.ipc"`
	Async      bool   `env:"ASYNC" envDefault:"false"`
	AdminAddr  string `env:"ADMIN_ADDR" envDefault:":9092"`
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
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "OUTPROCESS_PROXY_"}); err != nil {
		logger.Error("failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	mode := proxy.Sync
	if cfg.Async {
		mode = proxy.Async
	}

	b := newLoggingBroker(logger)
	mod := proxy.New()
	gwCfg := gateway.Config{
		Parsed: proxy.Config{
			ControlURL:    cfg.ControlURL,
			MessageURL:    cfg.MessageURL,
			ModuleArgs:    []byte(`{}`),
			LifecycleMode: mode,
			Logger:        logger,
			Metrics:       metrics.New(""),
		},
	}

	handle, err := mod.Create(b, gwCfg)
	if err != nil {
		logger.Error("create failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := mod.Start(handle); err != nil {
		logger.Error("start failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	checker := health.NewChecker(5 * time.Second)
	checker.RegisterAttachment("handle", func(context.Context) error { return proxy.Alive(handle) })
	admin := adminserver.New(cfg.AdminAddr, checker, map[string]http.HandlerFunc{
		"/reattach": func(w http.ResponseWriter, r *http.Request) {
			if err := proxy.ForceReattach(handle); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusAccepted)
		},
	})

	g.Go(func() error {
		return stopSignalHandler(ctx, cancel, logger)
	})
	g.Go(func() error {
		return adminserver.Run(ctx, admin, logger)
	})

	logger.Info("outprocess proxy demo created",
		slog.String("control", cfg.ControlURL), slog.Bool("async", cfg.Async))

	g.Go(func() error {
		return demoPublisher(ctx, mod, handle, logger)
	})

	<-ctx.Done()
	if err := mod.Destroy(handle); err != nil {
		logger.Warn("destroy returned an error", slog.String("error", err.Error()))
	}
	checker.ForgetAttachment("handle")

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("outprocess proxy demo terminated with error: %s", err))
	} else {
		logger.Info("outprocess proxy demo stopped")
	}
}

// demoPublisher feeds one message through the proxy every second,
// standing in for a broker thread calling Receive on a real pipeline.
func demoPublisher(ctx context.Context, mod *proxy.Proxy, handle any, logger *slog.Logger) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	n := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n++
			payload := message.Bytes(fmt.Sprintf("demo-%d", n))
			if err := mod.Receive(handle, payload); err != nil {
				logger.Warn("receive failed", slog.String("error", err.Error()))
			}
		}
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
