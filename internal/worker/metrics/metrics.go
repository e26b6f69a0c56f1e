// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics wires the worker agent's OTel metric instruments to a
// Prometheus exporter served on the ambient health/metrics endpoint.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Instruments groups the counters and histograms the scheduler and
// credentials packages report against.
type Instruments struct {
	ActionsCompleted metric.Int64Counter
	ActionsFailed    metric.Int64Counter
	ActiveSessions   metric.Int64UpDownCounter
	ScheduleLatency  metric.Float64Histogram
	CredentialRefreshFailures metric.Int64Counter
}

// Provider bundles the MeterProvider and its Prometheus HTTP handler.
type Provider struct {
	MeterProvider *sdkmetric.MeterProvider
	Handler       http.Handler
}

// New builds a Provider using the OTel Prometheus exporter as the sole
// reader, and constructs Instruments from it.
func New(meterName string) (*Provider, *Instruments, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := mp.Meter(meterName)

	actionsCompleted, err := meter.Int64Counter("worker_actions_completed_total")
	if err != nil {
		return nil, nil, err
	}
	actionsFailed, err := meter.Int64Counter("worker_actions_failed_total")
	if err != nil {
		return nil, nil, err
	}
	activeSessions, err := meter.Int64UpDownCounter("worker_active_sessions")
	if err != nil {
		return nil, nil, err
	}
	scheduleLatency, err := meter.Float64Histogram("worker_schedule_poll_latency_seconds")
	if err != nil {
		return nil, nil, err
	}
	credFailures, err := meter.Int64Counter("worker_credential_refresh_failures_total")
	if err != nil {
		return nil, nil, err
	}

	return &Provider{
			MeterProvider: mp,
			Handler:       promhttp.Handler(),
		}, &Instruments{
			ActionsCompleted:          actionsCompleted,
			ActionsFailed:             actionsFailed,
			ActiveSessions:            activeSessions,
			ScheduleLatency:           scheduleLatency,
			CredentialRefreshFailures: credFailures,
		}, nil
}
