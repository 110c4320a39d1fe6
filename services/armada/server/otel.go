// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"fmt"

	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// NewMeterProvider wires an OpenTelemetry meter into the default
// Prometheus registry so /metrics serves every instrument.
//
// # Outputs
//
//   - *sdkmetric.MeterProvider: Call Shutdown on service exit.
//   - metric.Meter: The meter instruments are created from.
//   - error: Non-nil when the exporter cannot register.
func NewMeterProvider(serviceName string) (*sdkmetric.MeterProvider, metric.Meter, error) {
	exporter, err := otelprom.New()
	if err != nil {
		return nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	return provider, provider.Meter(serviceName), nil
}
