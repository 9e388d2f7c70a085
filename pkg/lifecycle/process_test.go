//nolint:testpackage // helper process shares the package test binary
package lifecycle

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cpuload/pkg/shape"
)

const helperModeEnv = "CPULOAD_LIFECYCLE_HELPER"

// TestHelperProcess is not a real test. It acts as a worker child when the
// test binary re-executes itself.
//
//nolint:paralleltest // helper entry point.
func TestHelperProcess(t *testing.T) {
	mode := os.Getenv(helperModeEnv)
	if mode == "" {
		t.Skip("helper process only")
	}

	if mode == "hang" {
		for {
			time.Sleep(time.Hour)
		}
	}

	_, _ = io.Copy(io.Discard, bufio.NewReader(os.Stdin))

	_, _ = os.Stdout.WriteString("not json\n")
	_ = json.NewEncoder(os.Stdout).Encode(shape.Stats{Cycles: 7, Invocations: 11})

	os.Exit(0)
}

func newHelperLauncher(t *testing.T, mode string) *ProcessLauncher {
	t.Helper()

	launcher, err := NewProcessLauncher(
		os.Args[0],
		func(int) []string { return []string{"-test.run=^TestHelperProcess$"} },
		WithProcessEnv(append(os.Environ(), helperModeEnv+"="+mode)),
		WithProcessStderr(io.Discard),
		WithProcessLogger(nil),
	)
	require.NoError(t, err)

	return launcher
}

func TestProcessLauncherStopsChildOnSignal(t *testing.T) {
	t.Parallel()

	launcher := newHelperLauncher(t, "cooperative")
	stop := shape.NewStopSignal()

	handle, err := launcher.Launch(context.Background(), 3, stop)
	require.NoError(t, err)
	require.Equal(t, 3, handle.Index())

	stop.Set()

	select {
	case <-handle.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("worker process did not exit after stop")
	}

	require.Equal(t, shape.Stats{Cycles: 7, Invocations: 11}, handle.Stats())
}

func TestProcessLauncherTerminateKillsChild(t *testing.T) {
	t.Parallel()

	launcher := newHelperLauncher(t, "hang")
	stop := shape.NewStopSignal()

	handle, err := launcher.Launch(context.Background(), 0, stop)
	require.NoError(t, err)

	stop.Set()
	require.NoError(t, handle.Terminate())

	select {
	case <-handle.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("worker process survived termination")
	}

	require.Equal(t, shape.Stats{}, handle.Stats())
	require.NoError(t, handle.Terminate())
}

func TestCoordinatorDrainsProcessWorkers(t *testing.T) {
	t.Parallel()

	launcher := newHelperLauncher(t, "cooperative")

	coordinator, err := NewCoordinator(
		Config{Workers: 2, Duration: 50 * time.Millisecond, GracePeriod: 5 * time.Second},
		launcher,
		shape.NewStopSignal(),
	)
	require.NoError(t, err)

	report, err := coordinator.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Workers, 2)
	require.Equal(t, 0, report.Forced())
}

func TestNewProcessLauncherRequiresExecutable(t *testing.T) {
	t.Parallel()

	_, err := NewProcessLauncher("", nil)
	require.ErrorIs(t, err, errExecutableRequired)
}

func TestProcessLauncherRejectsNilStopAndCancelledContext(t *testing.T) {
	t.Parallel()

	launcher := newHelperLauncher(t, "cooperative")

	_, err := launcher.Launch(context.Background(), 0, nil)
	require.ErrorIs(t, err, errStopSignalRequired)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = launcher.Launch(ctx, 0, shape.NewStopSignal())
	require.ErrorIs(t, err, context.Canceled)
}
