package lifecycle

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync/atomic"

	"go.uber.org/zap"

	"cpuload/pkg/shape"
)

var errExecutableRequired = errors.New("lifecycle: worker executable is required")

// ProcessLauncher runs every worker in its own child process. The child is
// expected to run a single duty-cycle loop, exit once its stdin reaches EOF
// and print its final shape.Stats as a JSON line on stdout.
type ProcessLauncher struct {
	executable string
	argsFor    func(index int) []string
	env        []string
	stderr     io.Writer
	logger     *zap.Logger
}

// ProcessOption customises a ProcessLauncher.
type ProcessOption func(*ProcessLauncher)

// WithProcessEnv sets the child environment. Nil inherits the parent's.
func WithProcessEnv(env []string) ProcessOption {
	return func(l *ProcessLauncher) {
		l.env = env
	}
}

// WithProcessStderr forwards child stderr to w.
func WithProcessStderr(w io.Writer) ProcessOption {
	return func(l *ProcessLauncher) {
		l.stderr = w
	}
}

// WithProcessLogger attaches a structured logger.
func WithProcessLogger(logger *zap.Logger) ProcessOption {
	return func(l *ProcessLauncher) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewProcessLauncher builds a launcher that execs executable with argsFor(index).
func NewProcessLauncher(
	executable string,
	argsFor func(index int) []string,
	opts ...ProcessOption,
) (*ProcessLauncher, error) {
	if executable == "" {
		return nil, errExecutableRequired
	}

	if argsFor == nil {
		argsFor = func(int) []string { return nil }
	}

	launcher := &ProcessLauncher{
		executable: executable,
		argsFor:    argsFor,
		stderr:     os.Stderr,
		logger:     zap.NewNop(),
	}

	for _, opt := range opts {
		opt(launcher)
	}

	return launcher, nil
}

// Launch starts one child process bound to stop.
func (l *ProcessLauncher) Launch(ctx context.Context, index int, stop *shape.StopSignal) (shape.Handle, error) {
	if stop == nil {
		return nil, errStopSignalRequired
	}

	err := ctx.Err()
	if err != nil {
		return nil, fmt.Errorf("launch worker process %d: %w", index, err)
	}

	//nolint:gosec // executable and arguments are built by this program.
	cmd := exec.Command(l.executable, l.argsFor(index)...)
	cmd.Env = l.env
	cmd.Stderr = l.stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker process %d stdin: %w", index, err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker process %d stdout: %w", index, err)
	}

	err = cmd.Start()
	if err != nil {
		return nil, fmt.Errorf("start worker process %d: %w", index, err)
	}

	handle := &processWorker{
		index: index,
		cmd:   cmd,
		stdin: stdin,
		done:  make(chan struct{}),
	}

	l.logger.Debug("worker process started", zap.Int("worker", index), zap.Int("pid", cmd.Process.Pid))

	go handle.forwardStop(stop)
	go handle.wait(stdout, l.logger)

	return handle, nil
}

type processWorker struct {
	index int
	cmd   *exec.Cmd
	stdin io.WriteCloser
	done  chan struct{}
	stats atomic.Pointer[shape.Stats]
}

func (w *processWorker) Index() int {
	return w.index
}

func (w *processWorker) Done() <-chan struct{} {
	return w.done
}

func (w *processWorker) Stats() shape.Stats {
	stats := w.stats.Load()
	if stats == nil {
		return shape.Stats{}
	}

	return *stats
}

// Terminate kills the child process.
func (w *processWorker) Terminate() error {
	err := w.cmd.Process.Kill()
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill worker process %d: %w", w.index, err)
	}

	return nil
}

// forwardStop closes the child's stdin once the shared stop signal is raised.
func (w *processWorker) forwardStop(stop *shape.StopSignal) {
	select {
	case <-stop.Done():
	case <-w.done:
	}

	_ = w.stdin.Close()
}

func (w *processWorker) wait(stdout io.Reader, logger *zap.Logger) {
	defer close(w.done)

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		var stats shape.Stats

		err := json.Unmarshal(scanner.Bytes(), &stats)
		if err != nil {
			logger.Debug("ignoring worker output", zap.Int("worker", w.index), zap.Error(err))

			continue
		}

		w.stats.Store(&stats)
	}

	err := w.cmd.Wait()
	if err != nil {
		logger.Debug("worker process exited", zap.Int("worker", w.index), zap.Error(err))
	}
}
