// Package ntconfig loads the broker's YAML configuration, following the
// teacher's internal/config convention of a single Load(filename) entry
// point that fills in defaults after unmarshaling.
package ntconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds everything needed to start an NT4 broker server.
type Config struct {
	// Port the WebSocket listener binds, e.g. ":5810" (§6 default 5810).
	Port string `yaml:"port"`

	// Debug gates verbose per-message logging, matching the teacher's
	// BrokerConfig.Debug convention.
	Debug bool `yaml:"debug"`

	// OutboundQueueDepth is loaded and defaulted but not passed to the
	// broker or listener; every connection's outbound queue is bounded by
	// conn.DefaultQueueDepth regardless of this value.
	OutboundQueueDepth int `yaml:"outbound_queue_depth"`

	// DefaultPeriodicSeconds is loaded and defaulted but not passed to the
	// broker; a subscribe request that omits options.periodic uses
	// wire.DefaultPeriodic (0.1) regardless of this value.
	DefaultPeriodicSeconds float64 `yaml:"default_periodic_seconds"`
}

// Defaults matches §6 (port 5810) and §3 (periodic default 0.1s).
func Defaults() Config {
	return Config{
		Port:                   ":5810",
		Debug:                  false,
		OutboundQueueDepth:     256,
		DefaultPeriodicSeconds: 0.1,
	}
}

// Load reads and parses a YAML config file, filling in any field left at
// its zero value with the value from Defaults().
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("ntconfig: read %s: %w", filename, err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("ntconfig: parse %s: %w", filename, err)
	}

	if cfg.Port == "" {
		cfg.Port = Defaults().Port
	}
	if cfg.OutboundQueueDepth <= 0 {
		cfg.OutboundQueueDepth = Defaults().OutboundQueueDepth
	}
	if cfg.DefaultPeriodicSeconds <= 0 {
		cfg.DefaultPeriodicSeconds = Defaults().DefaultPeriodicSeconds
	}

	return &cfg, nil
}
