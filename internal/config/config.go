// Package config loads the broker's configuration in layers: compiled
// defaults, an optional YAML file, then environment variable
// overrides — the standard koanf layering order (confmap → file →
// env), composed the way koanf's own examples chain providers.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the broker's fully-resolved runtime configuration.
type Config struct {
	HTTPAddr string `koanf:"http_addr"`

	OperationalDBPath string `koanf:"operational_db_path"`
	TelemetryDBPath   string `koanf:"telemetry_db_path"`

	DefaultExecutionTimeoutMs int `koanf:"default_execution_timeout_ms"`
	MaxMemoryMB               int `koanf:"max_memory_mb"`
	MaxCPUPercent             float64 `koanf:"max_cpu_percent"`

	CircuitThreshold int           `koanf:"circuit_threshold"`
	CircuitResetTime time.Duration `koanf:"circuit_reset_time"`

	MetricsRetentionDays int `koanf:"metrics_retention_days"`

	LogLevel string `koanf:"log_level"`
}

func defaults() map[string]any {
	return map[string]any{
		"http_addr":                    ":8080",
		"operational_db_path":          "broker-operational.db",
		"telemetry_db_path":            "broker-telemetry.db",
		"default_execution_timeout_ms": 5 * 60 * 1000,
		"max_memory_mb":                512,
		"max_cpu_percent":              90.0,
		"circuit_threshold":            5,
		"circuit_reset_time":           60 * time.Second,
		"metrics_retention_days":       30,
		"log_level":                    "info",
	}
}

// Load builds a Config from compiled defaults, optionally overlaid by
// a YAML file at path (skipped silently if path is empty or the file
// doesn't exist), then overlaid by BROKER_-prefixed environment
// variables (BROKER_HTTP_ADDR maps to http_addr).
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, err
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, err
			}
		}
	}

	if err := k.Load(env.Provider("BROKER_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "BROKER_"))
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
