package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"cpuload/pkg/lifecycle"
)

const (
	envCores       = "CPULOAD_CORES"
	envGracePeriod = "CPULOAD_GRACE_PERIOD"
	envIsolation   = "CPULOAD_ISOLATION"
	envPin         = "CPULOAD_PIN"
	envMetricsAddr = "CPULOAD_METRICS_ADDR"
	envLogLevel    = "CPULOAD_LOG_LEVEL"
)

type runtimeConfig struct {
	Cores       int
	GracePeriod time.Duration
	Isolation   string
	Pin         bool
	LogLevel    string
	MetricsAddr string
}

type fileConfig struct {
	Workers workersFileConfig `yaml:"workers"`
	Logging loggingFileConfig `yaml:"logging"`
	Metrics metricsFileConfig `yaml:"metrics"`
}

type workersFileConfig struct {
	Cores       *int           `yaml:"cores"`
	GracePeriod *time.Duration `yaml:"gracePeriod"`
	Isolation   *string        `yaml:"isolation"`
	Pin         *bool          `yaml:"pin"`
}

type loggingFileConfig struct {
	Level *string `yaml:"level"`
}

type metricsFileConfig struct {
	Addr *string `yaml:"addr"`
}

func defaultRuntimeConfig() runtimeConfig {
	return runtimeConfig{
		Cores:       0,
		GracePeriod: lifecycle.DefaultGracePeriod,
		Isolation:   isolationThread,
		Pin:         false,
		LogLevel:    defaultLogLevel,
		MetricsAddr: "",
	}
}

// loadConfig layers an optional YAML file and CPULOAD_* environment variables
// over the defaults. An empty path skips the file.
func loadConfig(path string) (runtimeConfig, error) {
	cfg := defaultRuntimeConfig()

	trimmed := strings.TrimSpace(path)
	if trimmed != "" {
		data, err := os.ReadFile(trimmed)
		if err != nil {
			return runtimeConfig{}, fmt.Errorf("read config file %q: %w", trimmed, err)
		}

		var fileCfg fileConfig

		err = yaml.Unmarshal(data, &fileCfg)
		if err != nil {
			return runtimeConfig{}, fmt.Errorf("decode config file %q: %w", trimmed, err)
		}

		mergeWorkersConfig(&cfg, fileCfg.Workers)
		assignString(&cfg.LogLevel, fileCfg.Logging.Level)
		assignString(&cfg.MetricsAddr, fileCfg.Metrics.Addr)
	}

	applyEnvOverrides(&cfg)

	cfg.Isolation = strings.ToLower(cfg.Isolation)
	if !isValidIsolation(cfg.Isolation) {
		return runtimeConfig{}, fmt.Errorf("%w: %q", errUnsupportedIsolation, cfg.Isolation)
	}

	return cfg, nil
}

func mergeWorkersConfig(dst *runtimeConfig, src workersFileConfig) {
	assignInt(&dst.Cores, src.Cores)
	assignDuration(&dst.GracePeriod, src.GracePeriod)
	assignString(&dst.Isolation, src.Isolation)

	if src.Pin != nil {
		dst.Pin = *src.Pin
	}
}

func applyEnvOverrides(cfg *runtimeConfig) {
	cfg.Cores = envInt(envCores, cfg.Cores)
	cfg.GracePeriod = envDuration(envGracePeriod, cfg.GracePeriod)
	cfg.Isolation = envString(envIsolation, cfg.Isolation)
	cfg.Pin = envBool(envPin, cfg.Pin)
	cfg.MetricsAddr = envString(envMetricsAddr, cfg.MetricsAddr)
	cfg.LogLevel = envString(envLogLevel, cfg.LogLevel)

	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = lifecycle.DefaultGracePeriod
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
}

// applyFlagOverrides gives explicitly set command-line flags the last word.
func applyFlagOverrides(cfg runtimeConfig, opts options) runtimeConfig {
	if opts.set("cores") {
		cfg.Cores = opts.cores
	}

	if opts.set("grace") && opts.grace > 0 {
		cfg.GracePeriod = opts.grace
	}

	if opts.set("isolation") {
		cfg.Isolation = opts.isolation
	}

	if opts.set("pin") {
		cfg.Pin = opts.pin
	}

	if opts.set("log-level") {
		cfg.LogLevel = opts.logLevel
	}

	if opts.set("metrics-addr") {
		cfg.MetricsAddr = opts.metricsAddr
	}

	return cfg
}

var lookupEnv = os.LookupEnv //nolint:gochecknoglobals // overridden in tests

func assignDuration(target *time.Duration, value *time.Duration) {
	if value != nil {
		*target = *value
	}
}

func assignInt(target *int, value *int) {
	if value != nil {
		*target = *value
	}
}

func assignString(target *string, value *string) {
	if value != nil {
		*target = strings.TrimSpace(*value)
	}
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value, ok := lookupEnv(key)
	if !ok {
		return fallback
	}

	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}

	duration, err := time.ParseDuration(trimmed)
	if err != nil {
		return fallback
	}

	return duration
}

func envInt(key string, fallback int) int {
	value, ok := lookupEnv(key)
	if !ok {
		return fallback
	}

	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}

	parsed, err := strconv.Atoi(trimmed)
	if err != nil || parsed < 0 {
		return fallback
	}

	return parsed
}

func envBool(key string, fallback bool) bool {
	value, ok := lookupEnv(key)
	if !ok {
		return fallback
	}

	parsed, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}

	return parsed
}

func envString(key, fallback string) string {
	value, ok := lookupEnv(key)
	if !ok {
		return fallback
	}

	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}

	return trimmed
}
