package main

import (
	"context"
	"encoding/json"
	"io"

	"go.uber.org/zap"

	"cpuload/pkg/shape"
)

// runWorker is the hidden child mode used by process isolation. It runs one
// duty-cycle loop until stdin closes or a termination signal arrives, then
// prints its stats as a single JSON line.
func runWorker(ctx context.Context, opts options, cfg runtimeConfig, deps runDeps, logger *zap.Logger) int {
	logger = logger.Named("worker").With(zap.Int("worker", opts.workerIndex))

	stop := shape.NewStopSignal()

	cleanup := deps.installSignals(stop, nil)
	defer cleanup()

	pool, err := shape.NewPool(opts.percent, shape.DefaultWindow)
	if err != nil {
		logger.Error("failed to build worker", zap.Error(err))

		return exitCodeRuntimeError
	}

	if cfg.Pin {
		pool.EnablePinning()
		pool.SetWorkerStartErrorHandler(func(_ int, err error) {
			logger.Warn("failed to pin worker", zap.Error(err))
		})
	}

	handle, err := pool.Launch(ctx, opts.workerIndex, stop)
	if err != nil {
		logger.Error("failed to start worker", zap.Error(err))

		return exitCodeRuntimeError
	}

	go func() {
		_, _ = io.Copy(io.Discard, deps.stdin)

		stop.Set()
	}()

	select {
	case <-handle.Done():
	case <-ctx.Done():
		stop.Set()
		<-handle.Done()
	}

	stats := handle.Stats()
	logger.Debug(
		"worker stopped",
		zap.Uint64("cycles", stats.Cycles),
		zap.Uint64("invocations", stats.Invocations),
	)

	err = json.NewEncoder(deps.stdout).Encode(stats)
	if err != nil {
		logger.Error("failed to write worker stats", zap.Error(err))

		return exitCodeRuntimeError
	}

	return exitCodeSuccess
}
