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

// Package shutdownmonitor polls the EC2 instance metadata service for the
// instance's target lifecycle state and pending spot interruption
// notices, triggering a graceful drain when either indicates the host is
// about to be reclaimed.
package shutdownmonitor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	defaultMetadataBaseURL = "http://169.254.169.254"
	tokenTTLHeader         = "X-aws-ec2-metadata-token-ttl-seconds"
	tokenHeader            = "X-aws-ec2-metadata-token"
	tokenTTLSeconds        = "21600"
)

// DrainFunc is invoked when the monitor detects imminent termination.
// reason is a short human-readable description (e.g. "spot-interruption",
// "target-state-stopped").
type DrainFunc func(ctx context.Context, reason string)

// Monitor polls instance metadata at a fixed cadence (the documented 1 Hz
// for spot interruption notices) for shutdown signals.
type Monitor struct {
	baseURL      string
	httpClient   *http.Client
	pollInterval time.Duration
	onDrain      DrainFunc
	logger       *slog.Logger

	token       string
	tokenExpiry time.Time
}

// Config configures a Monitor.
type Config struct {
	BaseURL      string
	PollInterval time.Duration
	OnDrain      DrainFunc
	Logger       *slog.Logger
}

// New constructs a Monitor.
func New(cfg Config) *Monitor {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultMetadataBaseURL
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Monitor{
		baseURL:      cfg.BaseURL,
		httpClient:   &http.Client{Timeout: 2 * time.Second},
		pollInterval: cfg.PollInterval,
		onDrain:      cfg.OnDrain,
		logger:       cfg.Logger,
	}
}

// Run polls until ctx is cancelled. Metadata-service errors (e.g. the
// worker is not actually running on EC2) are logged at debug level and do
// not stop the loop, since bare-metal or on-prem deployments simply never
// see a shutdown signal this way.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	fired := make(map[string]bool)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pollOnce(ctx, fired)
		}
	}
}

func (m *Monitor) pollOnce(ctx context.Context, fired map[string]bool) {
	targetState, err := m.get(ctx, "/latest/meta-data/autoscaling/target-lifecycle-state")
	if err == nil && (targetState == "Terminated" || targetState == "Stopped") {
		m.fireOnce(ctx, fired, "target-lifecycle-state:"+targetState)
		return
	}

	if _, err := m.get(ctx, "/latest/meta-data/spot/instance-action"); err == nil {
		m.fireOnce(ctx, fired, "spot-interruption")
		return
	}
}

func (m *Monitor) fireOnce(ctx context.Context, fired map[string]bool, reason string) {
	if fired[reason] {
		return
	}
	fired[reason] = true
	m.logger.Warn("shutdown signal detected", slog.String("reason", reason))
	if m.onDrain != nil {
		m.onDrain(ctx, reason)
	}
}

func (m *Monitor) ensureToken(ctx context.Context) (string, error) {
	if m.token != "" && time.Now().Before(m.tokenExpiry) {
		return m.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, m.baseURL+"/latest/api/token", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set(tokenTTLHeader, tokenTTLSeconds)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("imds token request returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	m.token = string(body)
	m.tokenExpiry = time.Now().Add(6 * time.Hour)
	return m.token, nil
}

func (m *Monitor) get(ctx context.Context, path string) (string, error) {
	token, err := m.ensureToken(ctx)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+path, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set(tokenHeader, token)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("not found")
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("imds request %s returned status %d", path, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}
