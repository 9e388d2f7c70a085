// Package main wires the cpuload CLI entrypoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"cpuload/internal/buildinfo"
	"cpuload/pkg/lifecycle"
	"cpuload/pkg/shape"
)

const (
	defaultLogLevel  = "warn"
	isolationThread  = "thread"
	isolationProcess = "process"

	noWorkerIndex = -1

	exitCodeSuccess      = 0
	exitCodeRuntimeError = 1
	exitCodeParseError   = 2

	percentRangeMessage = "Error: Percentage must be between 0 and 100"
)

func main() {
	code := run(context.Background(), os.Args[1:], defaultRunDeps(), os.Stderr)
	if code != 0 {
		exitProcess(code)
	}
}

var exitProcess = os.Exit //nolint:gochecknoglobals // replaceable for tests

type runDeps struct {
	newLogger        func(level string) (*zap.Logger, error)
	loadConfig       func(path string) (runtimeConfig, error)
	currentBuildInfo func() buildinfo.Info
	newLauncher      func(spec launchSpec) (lifecycle.Launcher, error)
	serveMetrics     func(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) error
	installSignals   func(stop *shape.StopSignal, onSignal func(os.Signal, bool)) func()
	stdin            io.Reader
	stdout           io.Writer
	colorOutput      func() bool
}

func defaultRunDeps() runDeps {
	return runDeps{
		newLogger:        newLogger,
		loadConfig:       loadConfig,
		currentBuildInfo: buildinfo.Current,
		newLauncher:      newLauncher,
		serveMetrics:     serveMetrics,
		installSignals:   lifecycle.InstallSignalHandlers,
		stdin:            os.Stdin,
		stdout:           os.Stdout,
		colorOutput:      func() bool { return !color.NoColor },
	}
}

var (
	errInvalidLogLevel       = errors.New("invalid log level")
	errUnsupportedIsolation  = errors.New("unsupported isolation mode")
	errPercentageRequired    = errors.New("the following arguments are required: percentage")
	errUnexpectedArguments   = errors.New("unrecognized arguments")
	errInvalidPercentage     = errors.New("invalid percentage")
	errInvalidDuration       = errors.New("duration must be a non-negative number of seconds")
	errNegativeGracePeriod   = errors.New("grace period must not be negative")
	errWorkerIndexOutOfRange = errors.New("worker index must not be negative")
)

func run(ctx context.Context, args []string, deps runDeps, stderr io.Writer) int {
	opts, err := parseArgs(args)
	if errors.Is(err, pflag.ErrHelp) {
		_, _ = io.WriteString(deps.stdout, usage())

		return exitCodeSuccess
	}

	if err != nil {
		return writeError(stderr, fmt.Errorf("cpuload: error: %w", err), exitCodeParseError)
	}

	if opts.version {
		_, _ = fmt.Fprintln(deps.stdout, deps.currentBuildInfo().String())

		return exitCodeSuccess
	}

	err = shape.ValidatePercent(opts.percent)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, percentRangeMessage)

		return exitCodeRuntimeError
	}

	cfg, err := deps.loadConfig(opts.configPath)
	if err != nil {
		return writeError(
			stderr,
			fmt.Errorf("failed to load configuration: %w", err),
			exitCodeRuntimeError,
		)
	}

	cfg = applyFlagOverrides(cfg, opts)

	logger, err := deps.newLogger(cfg.LogLevel)
	if err != nil {
		return writeError(
			stderr,
			fmt.Errorf("failed to configure logger: %w", err),
			exitCodeRuntimeError,
		)
	}

	defer func() {
		_ = logger.Sync()
	}()

	if opts.workerIndex != noWorkerIndex {
		return runWorker(ctx, opts, cfg, deps, logger)
	}

	info := deps.currentBuildInfo()
	logger.Info(
		"starting cpuload",
		zap.String("version", info.Version),
		zap.String("commit", info.GitCommit),
		zap.Float64("percent", opts.percent),
		zap.Int("cores", cfg.Cores),
		zap.Float64("durationSeconds", opts.duration),
		zap.String("isolation", cfg.Isolation),
		zap.Bool("pin", cfg.Pin),
		zap.String("configPath", opts.configPath),
	)

	return runCoordinator(ctx, opts, cfg, deps, logger, stderr)
}

func writeError(dst io.Writer, err error, code int) int {
	if err == nil {
		return code
	}

	_, ferr := fmt.Fprintf(dst, "%v\n", err)
	if ferr != nil {
		return code
	}

	return code
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "" {
		level = defaultLogLevel
	}

	cfg := zap.NewProductionConfig()

	err := cfg.Level.UnmarshalText([]byte(level))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errInvalidLogLevel, err)
	}

	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.CallerKey = "caller"

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}

	return logger, nil
}

type options struct {
	percent     float64
	cores       int
	duration    float64
	grace       time.Duration
	isolation   string
	pin         bool
	logLevel    string
	configPath  string
	metricsAddr string
	progress    bool
	report      bool
	version     bool
	workerIndex int

	changed map[string]bool
}

func (o options) set(name string) bool {
	return o.changed[name]
}

func (o options) runDuration() time.Duration {
	return time.Duration(o.duration * float64(time.Second))
}

func newFlagSet(opts *options) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("cpuload", pflag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.SortFlags = false

	flagSet.IntVarP(&opts.cores, "cores", "c", 0, "Number of cores to use (default: all cores)")
	flagSet.Float64VarP(
		&opts.duration,
		"duration",
		"d",
		0,
		"Duration in seconds (default: run until Ctrl+C)",
	)
	flagSet.DurationVar(
		&opts.grace,
		"grace",
		lifecycle.DefaultGracePeriod,
		"How long to wait for workers to stop before terminating them",
	)
	flagSet.StringVar(
		&opts.isolation,
		"isolation",
		isolationThread,
		"Worker isolation (thread, process)",
	)
	flagSet.BoolVar(&opts.pin, "pin", false, "Pin each worker to its own CPU")
	flagSet.StringVar(
		&opts.logLevel,
		"log-level",
		defaultLogLevel,
		"Structured log level (debug, info, warn, error)",
	)
	flagSet.StringVar(&opts.configPath, "config", "", "Path to an optional YAML configuration file")
	flagSet.StringVar(
		&opts.metricsAddr,
		"metrics-addr",
		"",
		"Serve /metrics and /status on this address",
	)
	flagSet.BoolVar(&opts.progress, "progress", false, "Show a progress bar when a duration is set")
	flagSet.BoolVar(&opts.report, "report", false, "Print a per-worker report after stopping")
	flagSet.BoolVar(&opts.version, "version", false, "Print version information and exit")
	flagSet.IntVar(&opts.workerIndex, "worker-index", noWorkerIndex, "Run as worker process")
	_ = flagSet.MarkHidden("worker-index")

	return flagSet
}

func usage() string {
	var opts options

	flagSet := newFlagSet(&opts)

	return "usage: cpuload [flags] percentage\n\n" +
		"Generate CPU load at a specified percentage across all cores.\n\n" +
		"positional arguments:\n" +
		"  percentage   Target CPU usage percentage (0-100)\n\n" +
		"flags:\n" + flagSet.FlagUsages()
}

func parseArgs(args []string) (options, error) {
	var opts options

	flagSet := newFlagSet(&opts)

	err := flagSet.Parse(splitNegativePositionals(flagSet, args))
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return options{}, pflag.ErrHelp
		}

		return options{}, fmt.Errorf("parse CLI arguments: %w", err)
	}

	opts.changed = make(map[string]bool)
	flagSet.Visit(func(f *pflag.Flag) {
		opts.changed[f.Name] = true
	})

	if opts.version {
		return opts, nil
	}

	positional := flagSet.Args()

	switch {
	case len(positional) == 0:
		return options{}, errPercentageRequired
	case len(positional) > 1:
		return options{}, fmt.Errorf("%w: %s", errUnexpectedArguments, strings.Join(positional[1:], " "))
	}

	opts.percent, err = strconv.ParseFloat(strings.TrimSpace(positional[0]), 64)
	if err != nil {
		return options{}, fmt.Errorf("%w: %q", errInvalidPercentage, positional[0])
	}

	if opts.duration < 0 || math.IsNaN(opts.duration) || math.IsInf(opts.duration, 0) {
		return options{}, fmt.Errorf("%w: %v", errInvalidDuration, opts.duration)
	}

	if opts.grace < 0 {
		return options{}, fmt.Errorf("%w: %s", errNegativeGracePeriod, opts.grace)
	}

	if opts.workerIndex < noWorkerIndex {
		return options{}, fmt.Errorf("%w: %d", errWorkerIndexOutOfRange, opts.workerIndex)
	}

	opts.isolation = strings.ToLower(strings.TrimSpace(opts.isolation))
	if !isValidIsolation(opts.isolation) {
		return options{}, fmt.Errorf(
			"%w: %q (supported: %s, %s)",
			errUnsupportedIsolation,
			opts.isolation,
			isolationThread,
			isolationProcess,
		)
	}

	opts.logLevel = strings.TrimSpace(opts.logLevel)
	if opts.logLevel == "" {
		opts.logLevel = defaultLogLevel
	}

	opts.configPath = strings.TrimSpace(opts.configPath)
	opts.metricsAddr = strings.TrimSpace(opts.metricsAddr)

	return opts, nil
}

func isValidIsolation(mode string) bool {
	return mode == isolationThread || mode == isolationProcess
}

// splitNegativePositionals moves negative numbers that are not flag values
// behind a "--" terminator so they reach the positional percentage.
func splitNegativePositionals(flagSet *pflag.FlagSet, args []string) []string {
	flags := make([]string, 0, len(args))
	positionals := make([]string, 0, 1)
	expectValue := false

	for position, arg := range args {
		switch {
		case expectValue:
			flags = append(flags, arg)
			expectValue = false
		case arg == "--":
			positionals = append(positionals, args[position+1:]...)

			return joinArgs(flags, positionals)
		case isNegativeNumber(arg):
			positionals = append(positionals, arg)
		case strings.HasPrefix(arg, "--"):
			flags = append(flags, arg)
			expectValue = takesSeparateValue(flagSet.Lookup(strings.TrimPrefix(arg, "--")))
		case strings.HasPrefix(arg, "-") && len(arg) == 2:
			flags = append(flags, arg)
			expectValue = takesSeparateValue(flagSet.ShorthandLookup(arg[1:]))
		case strings.HasPrefix(arg, "-") && len(arg) > 2:
			flags = append(flags, arg)
		default:
			positionals = append(positionals, arg)
		}
	}

	return joinArgs(flags, positionals)
}

func joinArgs(flags, positionals []string) []string {
	if len(positionals) == 0 {
		return flags
	}

	joined := append(flags, "--")

	return append(joined, positionals...)
}

func takesSeparateValue(flag *pflag.Flag) bool {
	return flag != nil && flag.NoOptDefVal == ""
}

func isNegativeNumber(arg string) bool {
	if len(arg) < 2 || arg[0] != '-' {
		return false
	}

	_, err := strconv.ParseFloat(arg, 64)

	return err == nil
}
