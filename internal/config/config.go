// Package config manages the session runtime's configuration using
// koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/accelsess/rpcsession/internal/pool"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete sessiond configuration.
type Config struct {
	Runtime RuntimeConfig  `koanf:"runtime"`
	Pool    PoolConfig     `koanf:"pool"`
	Metrics MetricsConfig  `koanf:"metrics"`
	Log     LogConfig      `koanf:"log"`
	Listen  []ListenConfig `koanf:"listen"`
}

// RuntimeConfig holds the per-context event-loop configuration (§5).
type RuntimeConfig struct {
	// Contexts is the number of ctxloop.Context run loops the process
	// starts. Transports are not assigned to these contexts.
	Contexts int `koanf:"contexts"`

	// QueueDepth is the default queue depth. It is loaded and validated but
	// not read elsewhere: a Context's queue is unbounded and Post never
	// blocks.
	QueueDepth int `koanf:"queue_depth"`

	// PollTimeout is loaded and validated but not passed to ctxloop: each
	// Context's poll loop waits up to a fixed 200 ms for a wake event
	// before re-checking its queue.
	PollTimeout time.Duration `koanf:"poll_timeout"`
}

// SlabConfig controls one fixed size class's growth behavior, mirroring
// pool.SlabConfig.
type SlabConfig struct {
	// Initial is the number of blocks carved out when the slab is created.
	Initial int `koanf:"initial"`

	// Max is the maximum number of blocks the slab may grow to. Zero
	// means use Initial as the max (no growth).
	Max int `koanf:"max"`

	// Growth is the number of blocks added per expansion.
	Growth int `koanf:"growth"`
}

// PoolConfig holds the task-pool slab sizing configuration (§3 "Task free
// list"), one entry per fixed size class plus a bound on the unlimited
// overflow class.
type PoolConfig struct {
	Class16KiB  SlabConfig `koanf:"class_16kib"`
	Class64KiB  SlabConfig `koanf:"class_64kib"`
	Class256KiB SlabConfig `koanf:"class_256kib"`
	Class1MiB   SlabConfig `koanf:"class_1mib"`

	// UnlimitedMax bounds a single ClassUnlimited allocation in bytes.
	// Zero means no bound beyond available memory.
	UnlimitedMax int `koanf:"unlimited_max"`
}

// ToPoolConfig converts the configuration's pool section to a pool.Config
// ready to pass to pool.New.
func (p PoolConfig) ToPoolConfig() pool.Config {
	conv := func(sc SlabConfig) pool.SlabConfig {
		return pool.SlabConfig{Initial: sc.Initial, Max: sc.Max, Growth: sc.Growth}
	}
	return pool.Config{
		Class16KiB:   conv(p.Class16KiB),
		Class64KiB:   conv(p.Class64KiB),
		Class256KiB:  conv(p.Class256KiB),
		Class1MiB:    conv(p.Class1MiB),
		UnlimitedMax: p.UnlimitedMax,
	}
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// ListenConfig describes one Server Binder listen endpoint created on
// daemon startup (§4.7).
type ListenConfig struct {
	// URI is the endpoint the binder binds, e.g. "rdma://0.0.0.0:9999".
	URI string `koanf:"uri"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Runtime: RuntimeConfig{
			Contexts:    4,
			QueueDepth:  1024,
			PollTimeout: 100 * time.Millisecond,
		},
		Pool: PoolConfig{
			Class16KiB:   SlabConfig{Initial: 1280, Max: 10240, Growth: 256},
			Class64KiB:   SlabConfig{Initial: 1280, Max: 5120, Growth: 256},
			Class256KiB:  SlabConfig{Initial: 1280, Max: 2560, Growth: 256},
			Class1MiB:    SlabConfig{Initial: 1280, Max: 1280, Growth: 256},
			UnlimitedMax: 0,
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for sessiond configuration.
// Variables are named SESSIOND_<section>_<key>, e.g. SESSIOND_RUNTIME_CONTEXTS.
const envPrefix = "SESSIOND_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (SESSIOND_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	SESSIOND_RUNTIME_CONTEXTS -> runtime.contexts
//	SESSIOND_METRICS_ADDR     -> metrics.addr
//	SESSIOND_METRICS_PATH     -> metrics.path
//	SESSIOND_LOG_LEVEL        -> log.level
//	SESSIOND_LOG_FORMAT       -> log.format
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load YAML file on top of defaults.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	// Load environment variable overrides on top of YAML.
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms SESSIOND_RUNTIME_CONTEXTS -> runtime.contexts.
// Strips the SESSIOND_ prefix, lowercases, and replaces _ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"runtime.contexts":         defaults.Runtime.Contexts,
		"runtime.queue_depth":      defaults.Runtime.QueueDepth,
		"runtime.poll_timeout":     defaults.Runtime.PollTimeout.String(),
		"pool.class_16kib.initial": defaults.Pool.Class16KiB.Initial,
		"pool.class_16kib.max":     defaults.Pool.Class16KiB.Max,
		"pool.class_16kib.growth":  defaults.Pool.Class16KiB.Growth,
		"pool.class_64kib.initial": defaults.Pool.Class64KiB.Initial,
		"pool.class_64kib.max":     defaults.Pool.Class64KiB.Max,
		"pool.class_64kib.growth":  defaults.Pool.Class64KiB.Growth,
		"pool.class_256kib.initial": defaults.Pool.Class256KiB.Initial,
		"pool.class_256kib.max":     defaults.Pool.Class256KiB.Max,
		"pool.class_256kib.growth":  defaults.Pool.Class256KiB.Growth,
		"pool.class_1mib.initial": defaults.Pool.Class1MiB.Initial,
		"pool.class_1mib.max":     defaults.Pool.Class1MiB.Max,
		"pool.class_1mib.growth":  defaults.Pool.Class1MiB.Growth,
		"pool.unlimited_max":      defaults.Pool.UnlimitedMax,
		"metrics.addr":            defaults.Metrics.Addr,
		"metrics.path":            defaults.Metrics.Path,
		"log.level":               defaults.Log.Level,
		"log.format":              defaults.Log.Format,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrInvalidContexts indicates runtime.contexts is not positive.
	ErrInvalidContexts = errors.New("runtime.contexts must be >= 1")

	// ErrInvalidQueueDepth indicates runtime.queue_depth is not positive.
	ErrInvalidQueueDepth = errors.New("runtime.queue_depth must be >= 1")

	// ErrInvalidPollTimeout indicates runtime.poll_timeout is not positive.
	ErrInvalidPollTimeout = errors.New("runtime.poll_timeout must be > 0")

	// ErrInvalidSlabInitial indicates a pool size class has a non-positive
	// initial block count.
	ErrInvalidSlabInitial = errors.New("pool.class_*.initial must be >= 1")

	// ErrEmptyListenURI indicates a listen entry has an empty uri.
	ErrEmptyListenURI = errors.New("listen[].uri must not be empty")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Runtime.Contexts < 1 {
		return ErrInvalidContexts
	}

	if cfg.Runtime.QueueDepth < 1 {
		return ErrInvalidQueueDepth
	}

	if cfg.Runtime.PollTimeout <= 0 {
		return ErrInvalidPollTimeout
	}

	for _, sc := range []SlabConfig{
		cfg.Pool.Class16KiB, cfg.Pool.Class64KiB, cfg.Pool.Class256KiB, cfg.Pool.Class1MiB,
	} {
		if sc.Initial < 1 {
			return ErrInvalidSlabInitial
		}
	}

	return validateListeners(cfg.Listen)
}

// validateListeners checks each declarative listen entry for correctness.
func validateListeners(listeners []ListenConfig) error {
	seen := make(map[string]struct{}, len(listeners))

	for i, l := range listeners {
		if l.URI == "" {
			return fmt.Errorf("listen[%d]: %w", i, ErrEmptyListenURI)
		}
		if _, dup := seen[l.URI]; dup {
			return fmt.Errorf("listen[%d] uri %q: duplicate listen uri", i, l.URI)
		}
		seen[l.URI] = struct{}{}
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
