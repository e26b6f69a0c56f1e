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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestBuild_RequiresFarmID(t *testing.T) {
	_, err := NewBuilder().Override(func(c *Config) {
		c.FleetID = "fleet-1"
		c.DispatchBaseURL = "https://dispatch.example.com"
	}).Build()
	if err == nil {
		t.Fatal("expected an error when farm_id is missing")
	}
}

func TestBuild_RequiresFleetID(t *testing.T) {
	_, err := NewBuilder().Override(func(c *Config) {
		c.FarmID = "farm-1"
		c.DispatchBaseURL = "https://dispatch.example.com"
	}).Build()
	if err == nil {
		t.Fatal("expected an error when fleet_id is missing")
	}
}

func TestBuild_RequiresDispatchBaseURL(t *testing.T) {
	_, err := NewBuilder().Override(func(c *Config) {
		c.FarmID = "farm-1"
		c.FleetID = "fleet-1"
	}).Build()
	if err == nil {
		t.Fatal("expected an error when dispatch_base_url is missing")
	}
}

func TestBuild_RejectsMandatoryRefreshNotLessThanAdvisory(t *testing.T) {
	_, err := NewBuilder().Override(func(c *Config) {
		c.FarmID = "farm-1"
		c.FleetID = "fleet-1"
		c.DispatchBaseURL = "https://dispatch.example.com"
		c.MandatoryRefresh = 15 * time.Minute
		c.AdvisoryRefresh = 15 * time.Minute
	}).Build()
	if err == nil {
		t.Fatal("expected an error when mandatory_refresh is not less than advisory_refresh")
	}
}

func TestBuild_RejectsZeroMaxConcurrentSessions(t *testing.T) {
	_, err := NewBuilder().Override(func(c *Config) {
		c.FarmID = "farm-1"
		c.FleetID = "fleet-1"
		c.DispatchBaseURL = "https://dispatch.example.com"
		c.MaxConcurrentSessions = 0
	}).Build()
	if err == nil {
		t.Fatal("expected an error when max_concurrent_sessions is less than 1")
	}
}

func TestBuild_SucceedsWithDefaultsAndRequiredFields(t *testing.T) {
	cfg, err := NewBuilder().Override(func(c *Config) {
		c.FarmID = "farm-1"
		c.FleetID = "fleet-1"
		c.DispatchBaseURL = "https://dispatch.example.com"
	}).Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if cfg.Region != "us-west-2" {
		t.Errorf("Region = %q, want default us-west-2", cfg.Region)
	}
	if cfg.MaxConcurrentSessions != 1 {
		t.Errorf("MaxConcurrentSessions = %d, want default 1", cfg.MaxConcurrentSessions)
	}
}

func TestApplyFile_MissingFileIsNotAnError(t *testing.T) {
	b, err := NewBuilder().ApplyFile(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("ApplyFile() error = %v, want nil for a missing file", err)
	}
	if b == nil {
		t.Fatal("ApplyFile() returned a nil Builder")
	}
}

func TestApplyFile_OverlaysSetFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "farm_id: farm-from-file\nregion: us-east-1\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	b, err := NewBuilder().ApplyFile(path)
	if err != nil {
		t.Fatalf("ApplyFile() error = %v", err)
	}
	cfg, err := b.Override(func(c *Config) {
		c.FleetID = "fleet-1"
		c.DispatchBaseURL = "https://dispatch.example.com"
	}).Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if cfg.FarmID != "farm-from-file" {
		t.Errorf("FarmID = %q, want farm-from-file", cfg.FarmID)
	}
	if cfg.Region != "us-east-1" {
		t.Errorf("Region = %q, want us-east-1", cfg.Region)
	}
}

func TestApplyEnv_OverlaysRecognizedVariables(t *testing.T) {
	t.Setenv("WORKER_AGENT_FARM_ID", "farm-from-env")
	t.Setenv("WORKER_AGENT_NO_SHUTDOWN", "true")

	cfg, err := NewBuilder().ApplyEnv().Override(func(c *Config) {
		c.FleetID = "fleet-1"
		c.DispatchBaseURL = "https://dispatch.example.com"
	}).Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if cfg.FarmID != "farm-from-env" {
		t.Errorf("FarmID = %q, want farm-from-env", cfg.FarmID)
	}
	if !cfg.NoShutdown {
		t.Error("NoShutdown = false, want true")
	}
}

func TestOverride_TakesPriorityOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("region: us-east-1\n"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	b, err := NewBuilder().ApplyFile(path)
	if err != nil {
		t.Fatalf("ApplyFile() error = %v", err)
	}
	cfg, err := b.Override(func(c *Config) {
		c.FarmID = "farm-1"
		c.FleetID = "fleet-1"
		c.DispatchBaseURL = "https://dispatch.example.com"
		c.Region = "eu-west-1"
	}).Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if cfg.Region != "eu-west-1" {
		t.Errorf("Region = %q, want eu-west-1 (Override should win over the file layer)", cfg.Region)
	}
}
