// Package config resolves the process-wide configuration for the tick
// counter subsystem. The configuration is read once, at startup, and frozen:
// every later read observes the same values, so all counter managers in the
// process agree on which optional counters exist.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"
)

// Environment variables overriding file and default values.
const (
	envExtraCounters = "TICKS_EXTRA_COUNTERS"
	envSignalFilter  = "TICKS_SIGNAL_FILTER"
	envLogLevel      = "TICKS_LOG_LEVEL"
	envLogFormat     = "TICKS_LOG_FORMAT"
)

// Log controls the logging output of the whole module.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// Config is the process-wide configuration.
type Config struct {
	// ExtraCounters opens the auxiliary counters (page faults, hardware
	// interrupts, instructions retired) alongside the tick counters.
	ExtraCounters bool `yaml:"extraCounters"`

	// SignalFilter permits the in-kernel breakpoint signal filter where the
	// platform supports it.
	SignalFilter bool `yaml:"signalFilter"`

	Log Log `yaml:"log"`
}

// Default returns the built-in configuration: auxiliary counters off, signal
// filter allowed, text logging at info level.
func Default() *Config {
	return &Config{
		SignalFilter: true,
		Log:          Log{Level: "info", Format: "text"},
	}
}

// Load parses a YAML configuration from r on top of the defaults.
func Load(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile loads a YAML configuration file.
func FromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()
	return Load(f)
}

func (c *Config) validate() error {
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// withEnv applies environment overrides and returns c.
func (c *Config) withEnv() *Config {
	c.ExtraCounters = envBool(envExtraCounters, c.ExtraCounters)
	c.SignalFilter = envBool(envSignalFilter, c.SignalFilter)
	c.Log.Level = envString(envLogLevel, c.Log.Level)
	c.Log.Format = envString(envLogFormat, c.Log.Format)
	return c
}

var (
	activeOnce sync.Once
	active     *Config
)

// Set installs cfg as the process-wide configuration. Only the first Set (or
// the first read, whichever happens sooner) takes effect; the environment
// still overrides individual values.
func Set(cfg *Config) {
	activeOnce.Do(func() { active = cfg.withEnv() })
}

// Active returns the process-wide configuration, resolving defaults and
// environment overrides on first use.
func Active() *Config {
	activeOnce.Do(func() { active = Default().withEnv() })
	return active
}

// ExtraPerfCountersEnabled reports whether the auxiliary counters should be
// opened. Resolved once per process.
func ExtraPerfCountersEnabled() bool {
	return Active().ExtraCounters
}

// SignalFilterEnabled reports whether the breakpoint signal filter may be
// used. Resolved once per process.
func SignalFilterEnabled() bool {
	return Active().SignalFilter
}

func envBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
