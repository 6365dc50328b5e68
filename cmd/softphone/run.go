package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/arzzra/web_dialer/pkg/metrics"
	"github.com/arzzra/web_dialer/pkg/session"
	"github.com/arzzra/web_dialer/pkg/sipdevice"
	"github.com/arzzra/web_dialer/pkg/token"
)

func newRunCmd(a *app) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Register the device and accept commands from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, metricsAddr)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	return cmd
}

func (a *app) run(cmd *cobra.Command, metricsAddr string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	store, closeStore, err := a.openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg, metrics.DefaultConfig())
	if metricsAddr != "" {
		stop := serveMetrics(metricsAddr, reg, a.logger)
		defer stop()
	}

	primary, secondary := a.cfg.TokenURLs()
	fetcher := token.NewFetcher(primary, secondary,
		token.WithFetcherLogger(a.logger),
		token.WithFetcherMetrics(collector))
	devices := sipdevice.NewFactory(a.cfg.SIP,
		sipdevice.WithLogger(a.logger),
		sipdevice.WithMetrics(collector))

	mgr := session.NewManager(fetcher, devices, store,
		session.WithLogger(a.logger),
		session.WithMetrics(collector),
		session.WithIncomingHistory(a.cfg.RecordIncoming))
	defer func() {
		if err := mgr.Close(); err != nil {
			a.logger.Warn("session close", slog.String("error", err.Error()))
		}
	}()

	var (
		printMu sync.Mutex
		last    session.Snapshot
	)
	mgr.OnChange(func(s session.Snapshot) {
		printMu.Lock()
		defer printMu.Unlock()
		// тики таймера печатаются только по команде status
		if s.Status == last.Status && s.Muted == last.Muted && s.LastError == last.LastError {
			last = s
			return
		}
		last = s
		fmt.Fprintln(out, formatSnapshot(s))
	})

	if err := mgr.Start(ctx); err != nil {
		// устройство можно переинициализировать командой retry
		fmt.Fprintln(out, "setup failed:", err)
	}

	con := &console{ctl: mgr, out: out, loc: time.Local}
	fmt.Fprintln(out, `Type "help" for commands.`)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := con.execute(ctx, line)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				fmt.Fprintln(out, "error:", err)
			}
		}
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) func() {
	srv := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server", slog.String("error", err.Error()))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
