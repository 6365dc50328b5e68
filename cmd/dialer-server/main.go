package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/arzzra/web_dialer/pkg/api"
	"github.com/arzzra/web_dialer/pkg/config"
	"github.com/arzzra/web_dialer/pkg/metrics"
)

func main() {
	if err := run(); err != nil {
		slog.Error("dialer server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadServer(os.Args[1:], os.Getenv)
	if cfg == nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if err != nil {
		var missing *config.MissingError
		if !errors.As(err, &missing) || !cfg.IsDevelopment() {
			return err
		}
		// в разработке сервер поднимается, /api/debug покажет недостающее
		logger.Warn("provider configuration incomplete", slog.Any("missing", missing.Names))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg, metrics.DefaultConfig())

	opts := []api.Option{
		api.WithLogger(logger),
		api.WithMetrics(collector, reg),
	}
	if cfg.Twilio.AccountSID != "" && cfg.Twilio.AuthToken != "" {
		opts = append(opts, api.WithAccountChecker(api.NewTwilioAccounts(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken)))
	}
	server := api.NewServer(cfg, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Start(); err != nil {
		return errors.Wrap(err, "start server")
	}
	logger.Info("dialer server started",
		slog.String("addr", cfg.Addr()),
		slog.String("environment", cfg.Environment))

	<-ctx.Done()
	logger.Info("shutting down")
	return server.Stop(context.Background())
}
