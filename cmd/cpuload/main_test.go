package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cpuload/internal/buildinfo"
	"cpuload/pkg/lifecycle"
	"cpuload/pkg/shape"
)

var errLaunchRefused = errors.New("launch refused")

// syncBuffer guards a bytes.Buffer shared by the console and the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.String()
}

type countingLauncher struct {
	inner    lifecycle.Launcher
	launched atomic.Int32
	spec     launchSpec
}

func (l *countingLauncher) Launch(ctx context.Context, index int, stop *shape.StopSignal) (shape.Handle, error) {
	l.launched.Add(1)

	return l.inner.Launch(ctx, index, stop) //nolint:wrapcheck // test passthrough
}

func newTestDeps(stdout io.Writer, launcher *countingLauncher) runDeps {
	return runDeps{
		newLogger:        func(string) (*zap.Logger, error) { return zap.NewNop(), nil },
		loadConfig:       func(string) (runtimeConfig, error) { return defaultRuntimeConfig(), nil },
		currentBuildInfo: func() buildinfo.Info { return buildinfo.Info{Version: "test", GitCommit: "abc"} },
		newLauncher: func(spec launchSpec) (lifecycle.Launcher, error) {
			inner, err := newLauncher(spec)
			if err != nil {
				return nil, err
			}

			launcher.inner = inner
			launcher.spec = spec

			return launcher, nil
		},
		serveMetrics: func(ctx context.Context, _ string, _ http.Handler, _ *zap.Logger) error {
			<-ctx.Done()

			return nil
		},
		installSignals: func(*shape.StopSignal, func(os.Signal, bool)) func() { return func() {} },
		stdin:          strings.NewReader(""),
		stdout:         stdout,
		colorOutput:    func() bool { return false },
	}
}

func TestParseArgsDefaults(t *testing.T) {
	t.Parallel()

	opts, err := parseArgs([]string{"50"})
	require.NoError(t, err)

	require.InDelta(t, 50.0, opts.percent, 1e-9)
	require.Equal(t, 0, opts.cores)
	require.Zero(t, opts.duration)
	require.Equal(t, lifecycle.DefaultGracePeriod, opts.grace)
	require.Equal(t, isolationThread, opts.isolation)
	require.Equal(t, defaultLogLevel, opts.logLevel)
	require.Equal(t, noWorkerIndex, opts.workerIndex)
	require.Empty(t, opts.configPath)
	require.False(t, opts.set("cores"))
}

func TestParseArgsShorthands(t *testing.T) {
	t.Parallel()

	opts, err := parseArgs([]string{"-c", "2", "-d", "1.5", "37.5", "--pin", "--isolation", " Process "})
	require.NoError(t, err)

	require.InDelta(t, 37.5, opts.percent, 1e-9)
	require.Equal(t, 2, opts.cores)
	require.InDelta(t, 1.5, opts.duration, 1e-9)
	require.Equal(t, 1500*time.Millisecond, opts.runDuration())
	require.True(t, opts.pin)
	require.Equal(t, isolationProcess, opts.isolation)
	require.True(t, opts.set("cores"))
	require.True(t, opts.set("isolation"))
	require.False(t, opts.set("grace"))
}

func TestParseArgsAcceptsNegativePercentage(t *testing.T) {
	t.Parallel()

	for _, args := range [][]string{
		{"-5"},
		{"-c", "2", "-5"},
		{"-5", "--duration", "3"},
		{"--", "-5"},
	} {
		opts, err := parseArgs(args)
		require.NoError(t, err, "args %v", args)
		require.InDelta(t, -5.0, opts.percent, 1e-9, "args %v", args)
	}
}

func TestParseArgsRejectsNegativeDuration(t *testing.T) {
	t.Parallel()

	_, err := parseArgs([]string{"-d", "-3", "50"})
	require.ErrorIs(t, err, errInvalidDuration)
}

func TestParseArgsRejectsBadInput(t *testing.T) {
	t.Parallel()

	_, err := parseArgs(nil)
	require.ErrorIs(t, err, errPercentageRequired)

	_, err = parseArgs([]string{"50", "60"})
	require.ErrorIs(t, err, errUnexpectedArguments)

	_, err = parseArgs([]string{"fifty"})
	require.ErrorIs(t, err, errInvalidPercentage)

	_, err = parseArgs([]string{"--isolation", "fiber", "50"})
	require.ErrorIs(t, err, errUnsupportedIsolation)

	_, err = parseArgs([]string{"--unknown-flag", "50"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown flag")

	_, err = parseArgs([]string{"--help"})
	require.ErrorIs(t, err, pflag.ErrHelp)
}

func TestParseArgsVersionSkipsPercentage(t *testing.T) {
	t.Parallel()

	opts, err := parseArgs([]string{"--version"})
	require.NoError(t, err)
	require.True(t, opts.version)
}

func TestWorkerArgsRoundTrip(t *testing.T) {
	t.Parallel()

	args := workerArgs(3, launchSpec{percent: 42.5, pin: true, logLevel: "info"})
	require.Equal(t, []string{"--worker-index", "3", "--log-level", "info", "--pin", "--", "42.5"}, args)

	opts, err := parseArgs(args)
	require.NoError(t, err)
	require.Equal(t, 3, opts.workerIndex)
	require.InDelta(t, 42.5, opts.percent, 1e-9)
	require.True(t, opts.pin)
	require.Equal(t, "info", opts.logLevel)
}

func TestNewLoggerRejectsInvalidLevel(t *testing.T) {
	t.Parallel()

	_, err := newLogger("not-a-level")
	require.ErrorIs(t, err, errInvalidLogLevel)
}

func TestNewLoggerAppliesLevel(t *testing.T) {
	t.Parallel()

	logger, err := newLogger("debug")
	require.NoError(t, err)

	defer func() {
		_ = logger.Sync()
	}()

	require.True(t, logger.Core().Enabled(zap.DebugLevel))

	fallback, err := newLogger("")
	require.NoError(t, err)
	require.False(t, fallback.Core().Enabled(zap.InfoLevel))
	require.True(t, fallback.Core().Enabled(zap.WarnLevel))
}

func TestRunRejectsOutOfRangePercentage(t *testing.T) {
	t.Parallel()

	for _, percent := range []string{"150", "-5"} {
		var stdout, stderr bytes.Buffer

		launcher := new(countingLauncher)

		code := run(context.Background(), []string{percent}, newTestDeps(&stdout, launcher), &stderr)

		require.Equal(t, exitCodeRuntimeError, code, "percentage %s", percent)
		require.Equal(t, percentRangeMessage+"\n", stderr.String())
		require.Empty(t, stdout.String())
		require.Zero(t, launcher.launched.Load())
	}
}

func TestRunReturnsParseErrorCode(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer

	code := run(context.Background(), []string{"abc"}, newTestDeps(&stdout, new(countingLauncher)), &stderr)

	require.Equal(t, exitCodeParseError, code)
	require.Contains(t, stderr.String(), "invalid percentage")
}

func TestRunPrintsVersionAndUsage(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer

	code := run(context.Background(), []string{"--version"}, newTestDeps(&stdout, new(countingLauncher)), &stderr)
	require.Equal(t, exitCodeSuccess, code)
	require.Contains(t, stdout.String(), "cpuload test (commit abc")

	stdout.Reset()

	code = run(context.Background(), []string{"-h"}, newTestDeps(&stdout, new(countingLauncher)), &stderr)
	require.Equal(t, exitCodeSuccess, code)
	require.Contains(t, stdout.String(), "--cores")
	require.NotContains(t, stdout.String(), "worker-index")
}

func TestRunConfigErrorsUseRuntimeExitCode(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer

	deps := newTestDeps(&stdout, new(countingLauncher))
	deps.loadConfig = loadConfig

	code := run(context.Background(), []string{"--config", "testdata/missing.yaml", "50"}, deps, &stderr)
	require.Equal(t, exitCodeRuntimeError, code)
	require.Contains(t, stderr.String(), "failed to load configuration")

	stderr.Reset()

	deps = newTestDeps(&stdout, new(countingLauncher))
	deps.newLogger = newLogger

	code = run(context.Background(), []string{"--log-level", "loud", "50"}, deps, &stderr)
	require.Equal(t, exitCodeRuntimeError, code)
	require.Contains(t, stderr.String(), "failed to configure logger")
}

func TestRunIdleLoadForDuration(t *testing.T) {
	t.Parallel()

	var stdout, stderr syncBuffer

	launcher := new(countingLauncher)
	started := time.Now()

	code := run(
		context.Background(),
		[]string{"0", "-c", "2", "-d", "1", "--report"},
		newTestDeps(&stdout, launcher),
		&stderr,
	)
	elapsed := time.Since(started)

	require.Equal(t, exitCodeSuccess, code, stderr.String())
	require.Equal(t, int32(2), launcher.launched.Load())
	require.GreaterOrEqual(t, elapsed, time.Second)
	require.Less(t, elapsed, time.Second+lifecycle.DefaultGracePeriod+time.Second)

	output := stdout.String()
	require.Contains(t, output, "Starting CPU load generator:\n")
	require.Contains(t, output, "  Target CPU usage: 0.0%\n")
	require.Contains(t, output, "  Number of cores: 2\n")
	require.Contains(t, output, "  Duration: 1.0 seconds\n")
	require.Contains(t, output, "Running on 2 cores. Press Ctrl+C to stop.\n")
	require.Contains(t, output, "CPU load generator stopped.\n")
	require.Contains(t, output, "voluntary")
	require.NotContains(t, output, "Stopping CPU load generator...")
	require.Less(t, strings.Index(output, "Running on"), strings.Index(output, "stopped."))
}

func TestRunFullLoadForHalfSecond(t *testing.T) {
	t.Parallel()

	var stdout, stderr syncBuffer

	launcher := new(countingLauncher)
	started := time.Now()

	code := run(
		context.Background(),
		[]string{"100", "--cores", "1", "--duration", "0.5"},
		newTestDeps(&stdout, launcher),
		&stderr,
	)
	elapsed := time.Since(started)

	require.Equal(t, exitCodeSuccess, code, stderr.String())
	require.Equal(t, int32(1), launcher.launched.Load())
	require.GreaterOrEqual(t, elapsed, 500*time.Millisecond)
	require.Less(t, elapsed, 500*time.Millisecond+lifecycle.DefaultGracePeriod+time.Second)
	require.InDelta(t, 100.0, launcher.spec.percent, 1e-9)
	require.Equal(t, isolationThread, launcher.spec.isolation)
	require.Contains(t, stdout.String(), "  Target CPU usage: 100.0%\n")
}

func TestRunStopsOnSignal(t *testing.T) {
	t.Parallel()

	var stdout, stderr syncBuffer

	launcher := new(countingLauncher)
	deps := newTestDeps(&stdout, launcher)
	deps.installSignals = func(stop *shape.StopSignal, onSignal func(os.Signal, bool)) func() {
		go func() {
			time.Sleep(100 * time.Millisecond)
			onSignal(os.Interrupt, stop.Set())
			onSignal(os.Interrupt, stop.Set())
		}()

		return func() {}
	}

	code := run(context.Background(), []string{"25", "-c", "1"}, deps, &stderr)

	require.Equal(t, exitCodeSuccess, code, stderr.String())

	output := stdout.String()
	require.Contains(t, output, "  Duration: Until Ctrl+C\n")
	require.Equal(t, 1, strings.Count(output, "\nStopping CPU load generator...\n"))
	require.Contains(t, output, "CPU load generator stopped.\n")
}

func TestRunInterruptedDuringStartupExitsCleanly(t *testing.T) {
	t.Parallel()

	var stdout, stderr syncBuffer

	launcher := new(countingLauncher)
	deps := newTestDeps(&stdout, launcher)
	deps.installSignals = func(stop *shape.StopSignal, onSignal func(os.Signal, bool)) func() {
		onSignal(os.Interrupt, stop.Set())

		return func() {}
	}

	code := run(context.Background(), []string{"25", "-c", "2"}, deps, &stderr)

	require.Equal(t, exitCodeSuccess, code, stderr.String())
	require.Empty(t, stderr.String())
	require.Zero(t, launcher.launched.Load())

	output := stdout.String()
	require.Contains(t, output, "Stopping CPU load generator...\n")
	require.Contains(t, output, "CPU load generator stopped.\n")
}

func TestRunServesMetricsWhileRunning(t *testing.T) {
	t.Parallel()

	var stdout, stderr syncBuffer

	var (
		metricsBody string
		statusBody  string
		servedAddr  string
	)

	deps := newTestDeps(&stdout, new(countingLauncher))
	deps.serveMetrics = func(ctx context.Context, addr string, handler http.Handler, _ *zap.Logger) error {
		servedAddr = addr

		for _, target := range []string{"/metrics", "/status"} {
			recorder := httptest.NewRecorder()
			handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, target, nil))

			if target == "/metrics" {
				metricsBody = recorder.Body.String()
			} else {
				statusBody = recorder.Body.String()
			}
		}

		<-ctx.Done()

		return nil
	}

	code := run(
		context.Background(),
		[]string{"25", "-c", "1", "-d", "0.2", "--metrics-addr", "127.0.0.1:0"},
		deps,
		&stderr,
	)

	require.Equal(t, exitCodeSuccess, code, stderr.String())
	require.Equal(t, "127.0.0.1:0", servedAddr)
	require.Contains(t, metricsBody, "cpuload_target_percent 25")
	require.Contains(t, statusBody, `"targetPercent":25`)
}

func TestRunFailsWhenLaunchFails(t *testing.T) {
	t.Parallel()

	var stdout, stderr syncBuffer

	deps := newTestDeps(&stdout, new(countingLauncher))
	deps.newLauncher = func(launchSpec) (lifecycle.Launcher, error) {
		return refusingLauncher{}, nil
	}

	code := run(context.Background(), []string{"50", "-c", "2", "-d", "5"}, deps, &stderr)

	require.Equal(t, exitCodeRuntimeError, code)
	require.Contains(t, stderr.String(), errLaunchRefused.Error())
	require.NotContains(t, stdout.String(), "Running on")
}

type refusingLauncher struct{}

func (refusingLauncher) Launch(context.Context, int, *shape.StopSignal) (shape.Handle, error) {
	return nil, errLaunchRefused
}

func TestRunWorkerModeWritesStats(t *testing.T) {
	t.Parallel()

	var stdout, stderr syncBuffer

	launcher := new(countingLauncher)

	code := run(
		context.Background(),
		[]string{"--worker-index", "1", "--", "30"},
		newTestDeps(&stdout, launcher),
		&stderr,
	)

	require.Equal(t, exitCodeSuccess, code, stderr.String())
	require.Zero(t, launcher.launched.Load())

	var stats shape.Stats

	require.NoError(t, json.Unmarshal([]byte(stdout.String()), &stats))
	require.NotContains(t, stdout.String(), "Starting CPU load generator")
}
