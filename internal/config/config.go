package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models foundry.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Scheduler struct {
		TickSeconds          int `yaml:"tick_seconds"`
		MaxInFlightPerPhase  int `yaml:"max_in_flight_per_phase"`
		MaxInFlightPerProj   int `yaml:"max_in_flight_per_project"`
		BackpressureHigh     int `yaml:"backpressure_high"`
		BackpressureLow      int `yaml:"backpressure_low"`
		JanitorSweepSeconds  int `yaml:"janitor_sweep_seconds"`
		ClaimIdleSeconds     int `yaml:"claim_idle_seconds"`
		DispatchRetries      int `yaml:"dispatch_retries"`
	} `yaml:"scheduler"`
	Workers struct {
		HeartbeatSeconds   int `yaml:"heartbeat_seconds"`
		LivenessMultiplier int `yaml:"liveness_multiplier"`
	} `yaml:"workers"`
	Timeouts struct {
		StoreMillis   int `yaml:"store_millis"`
		PublishMillis int `yaml:"publish_millis"`
		ConsumeMillis int `yaml:"consume_millis"`
	} `yaml:"timeouts"`
}

// Default returns the built-in configuration.
func Default() *Config {
	var c Config
	c.Server.Addr = "127.0.0.1:8080"
	c.Server.BasePath = "/api/v1"
	c.Scheduler.TickSeconds = 5
	c.Scheduler.MaxInFlightPerPhase = 1
	c.Scheduler.MaxInFlightPerProj = 4
	c.Scheduler.BackpressureHigh = 1000
	c.Scheduler.BackpressureLow = 500
	c.Scheduler.JanitorSweepSeconds = 30
	c.Scheduler.ClaimIdleSeconds = 60
	c.Scheduler.DispatchRetries = 3
	c.Workers.HeartbeatSeconds = 30
	c.Workers.LivenessMultiplier = 2
	c.Timeouts.StoreMillis = 5000
	c.Timeouts.PublishMillis = 2000
	c.Timeouts.ConsumeMillis = 1000
	return &c
}

// Validate ensures the tunables are coherent.
func (c *Config) Validate() error {
	if c.Scheduler.TickSeconds <= 0 {
		return fmt.Errorf("scheduler.tick_seconds must be positive")
	}
	if c.Scheduler.MaxInFlightPerPhase <= 0 || c.Scheduler.MaxInFlightPerProj <= 0 {
		return fmt.Errorf("scheduler in-flight limits must be positive")
	}
	if c.Scheduler.BackpressureLow >= c.Scheduler.BackpressureHigh {
		return fmt.Errorf("scheduler.backpressure_low must be below backpressure_high")
	}
	if c.Workers.HeartbeatSeconds <= 0 {
		return fmt.Errorf("workers.heartbeat_seconds must be positive")
	}
	if c.Workers.LivenessMultiplier < 2 {
		return fmt.Errorf("workers.liveness_multiplier must be at least 2")
	}
	return nil
}

func (c *Config) Tick() time.Duration      { return time.Duration(c.Scheduler.TickSeconds) * time.Second }
func (c *Config) Heartbeat() time.Duration { return time.Duration(c.Workers.HeartbeatSeconds) * time.Second }
func (c *Config) LivenessCutoff() time.Duration {
	return time.Duration(c.Workers.LivenessMultiplier) * c.Heartbeat()
}
func (c *Config) JanitorSweep() time.Duration {
	return time.Duration(c.Scheduler.JanitorSweepSeconds) * time.Second
}
func (c *Config) ClaimIdle() time.Duration {
	return time.Duration(c.Scheduler.ClaimIdleSeconds) * time.Second
}
func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.Timeouts.StoreMillis) * time.Millisecond
}
func (c *Config) PublishTimeout() time.Duration {
	return time.Duration(c.Timeouts.PublishMillis) * time.Millisecond
}
func (c *Config) ConsumeBlock() time.Duration {
	return time.Duration(c.Timeouts.ConsumeMillis) * time.Millisecond
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "foundry.yml")
}

// Load reads foundry.yml from the workspace, falling back to defaults when absent.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Omitted fields
// keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
