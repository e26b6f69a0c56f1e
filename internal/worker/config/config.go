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

// Package config builds the worker agent's frozen, validated runtime
// configuration by layering defaults, an optional YAML file, environment
// variables, and CLI flag overrides, in that order of increasing priority.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the worker agent's fully resolved, immutable configuration.
// Once built by a Builder it is never mutated.
type Config struct {
	FarmID          string        `yaml:"farm_id"`
	FleetID         string        `yaml:"fleet_id"`
	Region          string        `yaml:"region"`
	DispatchBaseURL string        `yaml:"dispatch_base_url"`
	WorkerStateDir  string        `yaml:"worker_state_dir"`
	NoShutdown      bool          `yaml:"no_shutdown"`
	Profile         string        `yaml:"profile"`

	AdvisoryRefresh  time.Duration `yaml:"advisory_refresh"`
	MandatoryRefresh time.Duration `yaml:"mandatory_refresh"`

	LogDispatchInterval time.Duration `yaml:"log_dispatch_interval"`

	ShutdownPollInterval time.Duration `yaml:"shutdown_poll_interval"`

	MaxConcurrentSessions int `yaml:"max_concurrent_sessions"`
}

// Defaults returns the built-in configuration defaults, derived from the
// dispatch service's documented refresh thresholds and batching limits.
func Defaults() Config {
	return Config{
		Region:                "us-west-2",
		WorkerStateDir:        "/var/lib/worker-agent",
		AdvisoryRefresh:       15 * time.Minute,
		MandatoryRefresh:      10 * time.Minute,
		LogDispatchInterval:   5 * time.Second,
		ShutdownPollInterval:  time.Second,
		MaxConcurrentSessions: 1,
	}
}

// Builder accumulates configuration layers and produces a frozen Config.
type Builder struct {
	cfg Config
}

// NewBuilder starts a Builder seeded with Defaults.
func NewBuilder() *Builder {
	return &Builder{cfg: Defaults()}
}

// ApplyFile loads a YAML configuration file and overlays any fields it
// sets onto the current layer. A missing file is not an error.
func (b *Builder) ApplyFile(path string) (*Builder, error) {
	if path == "" {
		return b, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return b, nil
		}
		return b, fmt.Errorf("reading config file %s: %w", path, err)
	}
	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return b, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	b.merge(fileCfg)
	return b, nil
}

// ApplyEnv overlays recognized WORKER_AGENT_* environment variables.
func (b *Builder) ApplyEnv() *Builder {
	if v := os.Getenv("WORKER_AGENT_FARM_ID"); v != "" {
		b.cfg.FarmID = v
	}
	if v := os.Getenv("WORKER_AGENT_FLEET_ID"); v != "" {
		b.cfg.FleetID = v
	}
	if v := os.Getenv("WORKER_AGENT_REGION"); v != "" {
		b.cfg.Region = v
	}
	if v := os.Getenv("WORKER_AGENT_DISPATCH_BASE_URL"); v != "" {
		b.cfg.DispatchBaseURL = v
	}
	if v := os.Getenv("WORKER_AGENT_STATE_DIR"); v != "" {
		b.cfg.WorkerStateDir = v
	}
	if v := os.Getenv("WORKER_AGENT_PROFILE"); v != "" {
		b.cfg.Profile = v
	}
	if v := os.Getenv("WORKER_AGENT_NO_SHUTDOWN"); v == "1" || v == "true" {
		b.cfg.NoShutdown = true
	}
	return b
}

// Override applies an explicit field mutation, used for CLI flag overrides
// (the highest priority layer).
func (b *Builder) Override(fn func(*Config)) *Builder {
	fn(&b.cfg)
	return b
}

func (b *Builder) merge(other Config) {
	if other.FarmID != "" {
		b.cfg.FarmID = other.FarmID
	}
	if other.FleetID != "" {
		b.cfg.FleetID = other.FleetID
	}
	if other.Region != "" {
		b.cfg.Region = other.Region
	}
	if other.DispatchBaseURL != "" {
		b.cfg.DispatchBaseURL = other.DispatchBaseURL
	}
	if other.WorkerStateDir != "" {
		b.cfg.WorkerStateDir = other.WorkerStateDir
	}
	if other.Profile != "" {
		b.cfg.Profile = other.Profile
	}
	if other.AdvisoryRefresh != 0 {
		b.cfg.AdvisoryRefresh = other.AdvisoryRefresh
	}
	if other.MandatoryRefresh != 0 {
		b.cfg.MandatoryRefresh = other.MandatoryRefresh
	}
	if other.LogDispatchInterval != 0 {
		b.cfg.LogDispatchInterval = other.LogDispatchInterval
	}
	if other.ShutdownPollInterval != 0 {
		b.cfg.ShutdownPollInterval = other.ShutdownPollInterval
	}
	if other.MaxConcurrentSessions != 0 {
		b.cfg.MaxConcurrentSessions = other.MaxConcurrentSessions
	}
	b.cfg.NoShutdown = b.cfg.NoShutdown || other.NoShutdown
}

// Build validates the accumulated configuration and returns the frozen
// result.
func (b *Builder) Build() (Config, error) {
	if b.cfg.FarmID == "" {
		return Config{}, fmt.Errorf("farm_id is required")
	}
	if b.cfg.FleetID == "" {
		return Config{}, fmt.Errorf("fleet_id is required")
	}
	if b.cfg.DispatchBaseURL == "" {
		return Config{}, fmt.Errorf("dispatch_base_url is required")
	}
	if b.cfg.MandatoryRefresh >= b.cfg.AdvisoryRefresh {
		return Config{}, fmt.Errorf("mandatory_refresh (%s) must be less than advisory_refresh (%s)", b.cfg.MandatoryRefresh, b.cfg.AdvisoryRefresh)
	}
	if b.cfg.MaxConcurrentSessions < 1 {
		return Config{}, fmt.Errorf("max_concurrent_sessions must be at least 1")
	}
	return b.cfg, nil
}
