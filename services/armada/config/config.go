// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the service configuration from a
// YAML file, with environment-friendly defaults for every section.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/armada/services/armada/health"
	"github.com/AleutianAI/armada/services/armada/metrics"
	"github.com/AleutianAI/armada/services/armada/pool"
	"github.com/AleutianAI/armada/services/armada/restart"
	"github.com/AleutianAI/armada/services/armada/runner"
	"github.com/AleutianAI/armada/services/armada/shutdown"
)

// Config is the root service configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Logging  LoggingConfig  `yaml:"logging"`
	Server   ServerConfig   `yaml:"server"`
	Runner   RunnerConfig   `yaml:"runner"`
	Restart  RestartConfig  `yaml:"restart"`
	Health   HealthConfig   `yaml:"health"`
	Pool     PoolConfig     `yaml:"pool"`
	Shutdown ShutdownConfig `yaml:"shutdown"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServiceConfig names the deployment.
type ServiceConfig struct {
	Name string `yaml:"name"`
	Node string `yaml:"node"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// RunnerConfig configures agent runners.
type RunnerConfig struct {
	MailboxSize  int           `yaml:"mailbox_size"`
	StartupGrace time.Duration `yaml:"startup_grace"`
}

// RestartConfig configures the restart tracker.
type RestartConfig struct {
	MaxRestarts    int           `yaml:"max_restarts"`
	HistoryWindow  time.Duration `yaml:"history_window"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
}

// HealthConfig configures the health monitor.
type HealthConfig struct {
	CheckInterval     time.Duration `yaml:"check_interval"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`
	FailureThreshold  int           `yaml:"failure_threshold"`
	RecoveryThreshold int           `yaml:"recovery_threshold"`
	AlertThreshold    int           `yaml:"alert_threshold"`
	AlertInterval     time.Duration `yaml:"alert_interval"`
	CircuitCooldown   time.Duration `yaml:"circuit_cooldown"`
}

// PoolConfig configures agent pools.
type PoolConfig struct {
	// Module names the agent module the shared pool hosts. Empty runs
	// the service without a pool.
	Module string `yaml:"module"`

	MinSize            int           `yaml:"min_size"`
	MaxSize            int           `yaml:"max_size"`
	TargetSize         int           `yaml:"target_size"`
	Strategy           string        `yaml:"strategy"`
	Overflow           string        `yaml:"overflow"`
	QueueSize          int           `yaml:"queue_size"`
	ScaleInterval      time.Duration `yaml:"scale_interval"`
	ScaleUpThreshold   float64       `yaml:"scale_up_threshold"`
	ScaleDownThreshold float64       `yaml:"scale_down_threshold"`
	ScaleCooldown      time.Duration `yaml:"scale_cooldown"`
}

// ShutdownConfig configures the shutdown coordinator.
type ShutdownConfig struct {
	Deadline time.Duration `yaml:"deadline"`
}

// MetricsConfig configures aggregation and resource sampling.
type MetricsConfig struct {
	AggregationInterval    time.Duration `yaml:"aggregation_interval"`
	BufferSlots            int           `yaml:"buffer_slots"`
	ResourceSampleInterval time.Duration `yaml:"resource_sample_interval"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Service: ServiceConfig{Name: "armada", Node: hostname()},
		Logging: LoggingConfig{Level: "info", JSON: true},
		Server:  ServerConfig{Host: "0.0.0.0", Port: 12410},
	}
}

// Load reads and validates a YAML configuration file. Unset fields keep
// their zero values; components substitute their own defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the components would misbehave on.
func (c Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q unknown", c.Logging.Level)
	}
	if c.Pool.MinSize < 0 || c.Pool.MaxSize < 0 {
		return fmt.Errorf("pool sizes must be non-negative")
	}
	if c.Pool.MaxSize > 0 && c.Pool.MinSize > c.Pool.MaxSize {
		return fmt.Errorf("pool.min_size %d exceeds pool.max_size %d", c.Pool.MinSize, c.Pool.MaxSize)
	}
	switch pool.Strategy(c.Pool.Strategy) {
	case "", pool.StrategyRoundRobin, pool.StrategyRandom, pool.StrategyLeastLoaded:
	default:
		return fmt.Errorf("pool.strategy %q unknown", c.Pool.Strategy)
	}
	switch pool.OverflowPolicy(c.Pool.Overflow) {
	case "", pool.OverflowQueue, pool.OverflowFail, pool.OverflowSpawn:
	default:
		return fmt.Errorf("pool.overflow %q unknown", c.Pool.Overflow)
	}
	if c.Pool.ScaleUpThreshold < 0 || c.Pool.ScaleUpThreshold > 1 {
		return fmt.Errorf("pool.scale_up_threshold must be within [0, 1]")
	}
	if c.Pool.ScaleDownThreshold < 0 || c.Pool.ScaleDownThreshold > 1 {
		return fmt.Errorf("pool.scale_down_threshold must be within [0, 1]")
	}
	if c.Restart.Multiplier != 0 && c.Restart.Multiplier < 1 {
		return fmt.Errorf("restart.multiplier must be at least 1")
	}
	if c.Health.RecoveryThreshold < 0 || c.Health.FailureThreshold < 0 {
		return fmt.Errorf("health thresholds must be non-negative")
	}
	return nil
}

// RunnerOptions maps the section onto the runner's configuration.
func (c Config) RunnerOptions() runner.Config {
	return runner.Config{
		MailboxSize:  c.Runner.MailboxSize,
		StartupGrace: c.Runner.StartupGrace,
	}
}

// RestartOptions maps the section onto the tracker's configuration.
func (c Config) RestartOptions() restart.Config {
	return restart.Config{
		MaxRestarts:    c.Restart.MaxRestarts,
		HistoryWindow:  c.Restart.HistoryWindow,
		InitialBackoff: c.Restart.InitialBackoff,
		MaxBackoff:     c.Restart.MaxBackoff,
		Multiplier:     c.Restart.Multiplier,
	}
}

// HealthOptions maps the section onto the monitor's configuration.
func (c Config) HealthOptions() health.Config {
	return health.Config{
		CheckInterval:     c.Health.CheckInterval,
		ProbeTimeout:      c.Health.ProbeTimeout,
		FailureThreshold:  c.Health.FailureThreshold,
		RecoveryThreshold: c.Health.RecoveryThreshold,
		AlertThreshold:    c.Health.AlertThreshold,
		AlertInterval:     c.Health.AlertInterval,
		CircuitCooldown:   c.Health.CircuitCooldown,
	}
}

// PoolOptions maps the section onto the pool's configuration.
func (c Config) PoolOptions() pool.Config {
	return pool.Config{
		MinSize:            c.Pool.MinSize,
		MaxSize:            c.Pool.MaxSize,
		TargetSize:         c.Pool.TargetSize,
		Strategy:           pool.Strategy(c.Pool.Strategy),
		Overflow:           pool.OverflowPolicy(c.Pool.Overflow),
		QueueSize:          c.Pool.QueueSize,
		ScaleInterval:      c.Pool.ScaleInterval,
		ScaleUpThreshold:   c.Pool.ScaleUpThreshold,
		ScaleDownThreshold: c.Pool.ScaleDownThreshold,
		ScaleCooldown:      c.Pool.ScaleCooldown,
	}
}

// ShutdownOptions maps the section onto the coordinator's configuration.
func (c Config) ShutdownOptions() shutdown.Config {
	return shutdown.Config{Deadline: c.Shutdown.Deadline}
}

// MetricsOptions maps the section onto the aggregator's configuration.
func (c Config) MetricsOptions() metrics.AggregatorConfig {
	return metrics.AggregatorConfig{
		AggregationInterval: c.Metrics.AggregationInterval,
		BufferSlots:         c.Metrics.BufferSlots,
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
