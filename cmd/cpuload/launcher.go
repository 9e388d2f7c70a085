package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"cpuload/pkg/lifecycle"
	"cpuload/pkg/shape"
)

var errExecutableUnavailable = errors.New("locate cpuload executable")

// launchSpec carries what a launcher needs to start workers.
type launchSpec struct {
	percent       float64
	isolation     string
	pin           bool
	logLevel      string
	logger        *zap.Logger
	cycleObserver func(index int, cycle shape.Cycle)
	stderr        io.Writer
	executable    func() (string, error)
}

//nolint:ireturn // the isolation mode picks the implementation
func newLauncher(spec launchSpec) (lifecycle.Launcher, error) {
	logger := spec.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if spec.isolation == isolationProcess {
		return newProcessLauncher(spec, logger)
	}

	pool, err := shape.NewPool(spec.percent, shape.DefaultWindow)
	if err != nil {
		return nil, fmt.Errorf("build worker pool: %w", err)
	}

	if spec.pin {
		pool.EnablePinning()
		pool.SetWorkerStartErrorHandler(func(index int, err error) {
			logger.Warn("failed to pin worker", zap.Int("worker", index), zap.Error(err))
		})
	}

	pool.SetCycleObserver(throttledCycleLog(logger.Named("worker"), spec.cycleObserver))

	return pool, nil
}

func newProcessLauncher(spec launchSpec, logger *zap.Logger) (*lifecycle.ProcessLauncher, error) {
	executable := spec.executable
	if executable == nil {
		executable = os.Executable
	}

	path, err := executable()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errExecutableUnavailable, err)
	}

	stderr := spec.stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	launcher, err := lifecycle.NewProcessLauncher(
		path,
		func(index int) []string { return workerArgs(index, spec) },
		lifecycle.WithProcessStderr(stderr),
		lifecycle.WithProcessLogger(logger.Named("launcher")),
	)
	if err != nil {
		return nil, fmt.Errorf("build process launcher: %w", err)
	}

	return launcher, nil
}

// workerArgs builds the hidden worker-mode command line for child index.
func workerArgs(index int, spec launchSpec) []string {
	args := []string{
		"--worker-index", strconv.Itoa(index),
		"--log-level", spec.logLevel,
	}

	if spec.pin {
		args = append(args, "--pin")
	}

	return append(args, "--", strconv.FormatFloat(spec.percent, 'f', -1, 64))
}

// throttledCycleLog forwards every cycle to next and logs at most one cycle
// per second across all workers.
func throttledCycleLog(logger *zap.Logger, next func(int, shape.Cycle)) func(int, shape.Cycle) {
	sometimes := &rate.Sometimes{Interval: time.Second}

	return func(index int, cycle shape.Cycle) {
		if next != nil {
			next(index, cycle)
		}

		sometimes.Do(func() {
			logger.Debug(
				"duty cycle completed",
				zap.Int("worker", index),
				zap.Uint64("sequence", cycle.Sequence),
				zap.Duration("busy", cycle.Busy),
				zap.Duration("idle", cycle.Idle),
				zap.Uint64("invocations", cycle.Invocations),
			)
		})
	}
}
