// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "armada.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_FullFile(t *testing.T) {
	path := writeConfig(t, `
service:
  name: armada-prod
  node: node-7
logging:
  level: debug
  json: true
server:
  host: 127.0.0.1
  port: 9000
restart:
  max_restarts: 5
  history_window: 2m
  initial_backoff: 500ms
  multiplier: 2.5
health:
  check_interval: 15s
  failure_threshold: 4
pool:
  module: echo
  min_size: 2
  max_size: 10
  target_size: 4
  strategy: least_loaded
  overflow: spawn
shutdown:
  deadline: 45s
metrics:
  aggregation_interval: 2s
  buffer_slots: 120
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "armada-prod", cfg.Service.Name)
	assert.Equal(t, "node-7", cfg.Service.Node)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 5, cfg.RestartOptions().MaxRestarts)
	assert.Equal(t, 2*time.Minute, cfg.RestartOptions().HistoryWindow)
	assert.Equal(t, 2.5, cfg.RestartOptions().Multiplier)
	assert.Equal(t, 15*time.Second, cfg.HealthOptions().CheckInterval)
	assert.Equal(t, "echo", cfg.Pool.Module)
	assert.Equal(t, 4, cfg.PoolOptions().TargetSize)
	assert.Equal(t, "least_loaded", string(cfg.PoolOptions().Strategy))
	assert.Equal(t, 45*time.Second, cfg.ShutdownOptions().Deadline)
	assert.Equal(t, 120, cfg.MetricsOptions().BufferSlots)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8080
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "armada", cfg.Service.Name)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	assert.Error(t, err)
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"bad level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"min above max", func(c *Config) { c.Pool.MinSize = 5; c.Pool.MaxSize = 2 }},
		{"bad strategy", func(c *Config) { c.Pool.Strategy = "fastest" }},
		{"bad overflow", func(c *Config) { c.Pool.Overflow = "explode" }},
		{"threshold above one", func(c *Config) { c.Pool.ScaleUpThreshold = 1.5 }},
		{"multiplier below one", func(c *Config) { c.Restart.Multiplier = 0.5 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_DefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}
