// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/armada/pkg/logging"
	"github.com/AleutianAI/armada/services/armada/agent"
	"github.com/AleutianAI/armada/services/armada/config"
	"github.com/AleutianAI/armada/services/armada/health"
	"github.com/AleutianAI/armada/services/armada/metrics"
	"github.com/AleutianAI/armada/services/armada/pool"
	"github.com/AleutianAI/armada/services/armada/registry"
	"github.com/AleutianAI/armada/services/armada/restart"
	"github.com/AleutianAI/armada/services/armada/runner"
	"github.com/AleutianAI/armada/services/armada/server"
	"github.com/AleutianAI/armada/services/armada/shutdown"
	"github.com/AleutianAI/armada/services/armada/supervisor"
	"github.com/AleutianAI/armada/services/armada/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the supervision service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

// builtinModules are the agent behaviors the service can host out of the
// box. Deployments extend this set by linking their own modules in.
func builtinModules() map[string]server.ModuleFactory {
	return map[string]server.ModuleFactory{
		"echo": func() (agent.Agent, any) {
			return agent.New("echo", func(_ context.Context, state any, _ string, params agent.Params) (any, any, error) {
				return params["message"], state, nil
			}), nil
		},
		"counter": func() (agent.Agent, any) {
			return agent.New("counter", func(_ context.Context, state any, action string, _ agent.Params) (any, any, error) {
				n, _ := state.(int)
				if action == "increment" {
					n++
				}
				return n, n, nil
			}), 0
		},
	}
}

// serve wires every component and blocks until a signal arrives.
func serve(ctx context.Context) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	level := logging.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = logging.LevelDebug
	case "warn":
		level = logging.LevelWarn
	case "error":
		level = logging.LevelError
	}
	logger := logging.New(logging.Config{
		Level:   level,
		Service: cfg.Service.Name,
		JSON:    cfg.Logging.JSON,
	})
	logger.Info("starting armada",
		"node", cfg.Service.Node,
		"port", cfg.Server.Port,
	)

	provider, meter, err := server.NewMeterProvider(cfg.Service.Name)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	defer provider.Shutdown(context.Background())

	otelMetrics, err := telemetry.NewMetrics(meter)
	if err != nil {
		return fmt.Errorf("create instruments: %w", err)
	}

	bus := telemetry.NewBus()

	reg := registry.New(logger, bus)
	defer reg.Close()

	tracker := restart.NewTracker(cfg.RestartOptions(), logger)
	defer tracker.Close()

	coordinator := shutdown.NewCoordinator(cfg.ShutdownOptions(), logger, bus, otelMetrics)

	monitor := health.NewMonitor(cfg.HealthOptions(), logger, bus, otelMetrics)
	defer monitor.Close()

	// Gauge the worst probing circuit across the fleet.
	if _, err := otelMetrics.RegisterCircuitState(meter, func() int64 {
		worst := int64(0)
		for id := range monitor.Statuses() {
			if cs, ok := monitor.CircuitState(id); ok && int64(cs) > worst {
				worst = int64(cs)
			}
		}
		return worst
	}); err != nil {
		return fmt.Errorf("register circuit gauge: %w", err)
	}

	aggregator := metrics.NewAggregator(cfg.MetricsOptions(), logger)
	aggregator.Start()
	aggregator.Observe(bus)
	defer aggregator.Close()

	sampler := metrics.NewResourceSampler(aggregator, cfg.Metrics.ResourceSampleInterval, logger)
	sampler.Start()
	defer sampler.Close()

	sup := supervisor.New(supervisor.Config{
		Node:          cfg.Service.Node,
		DefaultRunner: cfg.RunnerOptions(),
	}, supervisor.Deps{
		Registry:    reg,
		Tracker:     tracker,
		Coordinator: coordinator,
		Monitor:     monitor,
		Logger:      logger,
		Bus:         bus,
		Metrics:     otelMetrics,
	})
	defer sup.Close()

	modules := builtinModules()

	// The shared pool is optional; a configured module turns it on.
	var workPool *pool.Pool
	if cfg.Pool.Module != "" {
		factory, ok := modules[cfg.Pool.Module]
		if !ok {
			return fmt.Errorf("pool.module %q is not a registered module", cfg.Pool.Module)
		}
		spawn := func(_ context.Context) (*runner.Runner, error) {
			ag, state := factory()
			return runner.New("pool-"+uuid.NewString(), ag, state, cfg.RunnerOptions(), runner.Options{
				Logger:  logger,
				Bus:     bus,
				Metrics: otelMetrics,
			}), nil
		}
		workPool, err = pool.New(ctx, cfg.PoolOptions(), spawn, pool.Options{
			Logger:  logger,
			Bus:     bus,
			Metrics: otelMetrics,
		})
		if err != nil {
			return fmt.Errorf("warm up pool: %w", err)
		}
		defer workPool.Close()
	}

	srv := server.New(server.Config{Host: cfg.Server.Host, Port: cfg.Server.Port}, server.Deps{
		Logger:     logger,
		Registry:   reg,
		Supervisor: sup,
		Monitor:    monitor,
		Aggregator: aggregator,
		Pool:       workPool,
		Modules:    modules,
	})

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(runCtx); err != nil {
		return fmt.Errorf("http server: %w", err)
	}

	// Drain every supervised agent before letting the deferred closes run.
	logger.Info("shutting down, stopping supervised agents")
	for _, id := range sup.Agents() {
		if _, err := sup.StopAgent(context.Background(), id); err != nil {
			logger.Warn("agent stop failed during shutdown", "agent_id", id, "error", err)
		}
	}
	logger.Info("armada stopped")
	return nil
}
