package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	metricshttp "cpuload/pkg/http/metrics"
	statushttp "cpuload/pkg/http/status"
	"cpuload/pkg/lifecycle"
	"cpuload/pkg/shape"
)

// consoleRecorder forwards lifecycle progress to the exporter and announces
// the running state on the console once.
type consoleRecorder struct {
	*metricshttp.Exporter

	once      sync.Once
	onRunning func()
}

func (r *consoleRecorder) SetState(state string) {
	r.Exporter.SetState(state)

	if state == lifecycle.StateRunning.String() && r.onRunning != nil {
		r.once.Do(r.onRunning)
	}
}

func runCoordinator(
	ctx context.Context,
	opts options,
	cfg runtimeConfig,
	deps runDeps,
	logger *zap.Logger,
	stderr io.Writer,
) int {
	cores := lifecycle.ResolveCores(cfg.Cores)
	colored := deps.colorOutput()
	out := newConsole(deps.stdout, colored)

	exporter := metricshttp.NewExporter()
	exporter.SetTarget(opts.percent)
	exporter.SetCycleWindow(shape.DefaultWindow)
	exporter.CountExitStats(cfg.Isolation == isolationProcess)

	launcher, err := deps.newLauncher(launchSpec{
		percent:       opts.percent,
		isolation:     cfg.Isolation,
		pin:           cfg.Pin,
		logLevel:      cfg.LogLevel,
		logger:        logger,
		cycleObserver: exporter.ObserveCycle,
		stderr:        stderr,
	})
	if err != nil {
		return writeError(stderr, fmt.Errorf("failed to build launcher: %w", err), exitCodeRuntimeError)
	}

	stop := shape.NewStopSignal()

	coordinator, err := lifecycle.NewCoordinator(
		lifecycle.Config{
			Workers:     cores,
			Duration:    opts.runDuration(),
			GracePeriod: cfg.GracePeriod,
		},
		launcher,
		stop,
		lifecycle.WithLogger(logger.Named("coordinator")),
		lifecycle.WithRecorder(&consoleRecorder{
			Exporter:  exporter,
			onRunning: func() { out.running(cores) },
		}),
	)
	if err != nil {
		return writeError(stderr, fmt.Errorf("failed to build coordinator: %w", err), exitCodeRuntimeError)
	}

	out.summary(opts.percent, cores, opts.duration)

	cleanup := deps.installSignals(stop, func(sig os.Signal, first bool) {
		if first {
			out.stopping()
		}

		logger.Info("signal received", zap.String("signal", sig.String()), zap.Bool("first", first))
	})
	defer cleanup()

	group, groupCtx := errgroup.WithContext(ctx)
	serveCtx, stopServing := context.WithCancel(groupCtx)

	defer stopServing()

	var report lifecycle.Report

	group.Go(func() error {
		defer stopServing()

		var runErr error

		report, runErr = coordinator.Run(groupCtx)

		return runErr //nolint:wrapcheck // already wrapped by the coordinator
	})

	if cfg.MetricsAddr != "" {
		mux := newMetricsMux(exporter, statushttp.NewHandler(coordinator, opts.percent))

		group.Go(func() error {
			return deps.serveMetrics(serveCtx, cfg.MetricsAddr, mux, logger.Named("metrics"))
		})
	}

	if opts.progress && opts.duration > 0 {
		bar := newDurationBar(stderr, opts.runDuration(), colored)
		started := time.Now()

		group.Go(func() error {
			bar.run(started, serveCtx.Done())

			return nil
		})
	}

	err = group.Wait()

	out.stopped()

	if opts.report {
		out.report(report)
	}

	if err != nil {
		logger.Error("load generation failed", zap.Error(err))

		return writeError(stderr, err, exitCodeRuntimeError)
	}

	return exitCodeSuccess
}
