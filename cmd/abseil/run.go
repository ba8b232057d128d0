package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/CZERTAINLY/abseil/internal/abseil"
	"github.com/CZERTAINLY/abseil/internal/command"
	"github.com/CZERTAINLY/abseil/internal/log"
	"github.com/CZERTAINLY/abseil/internal/metrics"
	"github.com/CZERTAINLY/abseil/internal/model"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	flagMaxRuntime  string
	flagWorkers     int
	flagMetricsAddr string
)

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "run executes every line of file (or stdin) as a shell command",
	Args:  cobra.MaximumNArgs(1),
	RunE:  doRun,
}

func init() {
	runCmd.Flags().StringVar(&flagMaxRuntime, "max-runtime", "", "maximum runtime, overrides runtime.max_runtime")
	runCmd.Flags().IntVar(&flagWorkers, "workers", 0, "number of workers, overrides pool.workers")
	runCmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "serve prometheus metrics on this address, overrides service.metrics_addr")
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ctx = log.ContextAttrs(ctx, slog.Group("abseil",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	))

	cfg := config
	if flagMaxRuntime != "" {
		cfg.Runtime.MaxRuntime = flagMaxRuntime
	}
	if flagWorkers != 0 {
		cfg.Pool.Workers = flagWorkers
	}
	if flagMetricsAddr != "" {
		cfg.Service.MetricsAddr = flagMetricsAddr
	}

	commandTimeout, err := model.ParseDuration(cfg.Service.CommandTimeout)
	if err != nil {
		return fmt.Errorf("parsing service.command_timeout: %w", err)
	}

	in, name, err := input(args)
	if err != nil {
		return err
	}
	defer func() {
		_ = in.Close()
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New("", reg)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}
	stopMetrics := serveMetrics(ctx, cfg.Service.MetricsAddr, reg)
	defer stopMetrics()

	c, err := abseil.FromConfig(cfg, abseil.WithMetrics(m))
	if err != nil {
		return err
	}
	ctx = log.ContextAttrs(ctx, slog.String("input", name))

	src := command.Lines(in, cfg.Service.Shell, commandTimeout, cmd.OutOrStdout())
	if err := c.Process(ctx, src); err != nil {
		return err
	}
	state, err := c.Wait(ctx)
	if err != nil {
		return err
	}

	tally := src.Tally()
	slog.InfoContext(ctx, "abseil run done",
		"state", state.String(),
		"ok", tally.OK(),
		"failed", tally.Failed(),
		"stats", c.Stats(),
	)
	if err := src.Err(); err != nil {
		return fmt.Errorf("reading %s: %w", name, err)
	}
	if state != abseil.StateShutdown {
		return fmt.Errorf("run ended in state %s", state)
	}
	return nil
}

func input(args []string) (io.ReadCloser, string, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.NopCloser(os.Stdin), "stdin", nil
	}
	f, err := os.Open(args[0])
	if err != nil {
		return nil, "", fmt.Errorf("opening commands: %w", err)
	}
	return f, args[0], nil
}

// serveMetrics starts the /metrics endpoint unless addr is empty. The
// returned function stops the server.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) func() {
	if addr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.InfoContext(ctx, "serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.ErrorContext(ctx, "metrics server failed", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.WarnContext(ctx, "stopping metrics server", "error", err)
		}
	}
}
