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

package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// FleetCredentialSource calls AssumeFleetRoleForWorker to mint the
// worker-identity-scoped credentials used for every dispatch-service call
// other than the initial CreateWorker/bootstrap handshake.
type FleetCredentialSource func(ctx context.Context) (Credentials, error)

// FleetManager keeps the worker's fleet-scoped credentials current on disk
// at <stateDir>/credentials/fleet.json and its credential_process shim at
// <stateDir>/credentials/fleet_credential_process.sh.
type FleetManager struct {
	stateDir  string
	refresher *Refresher
}

// NewFleetManager constructs a FleetManager backed by source, writing
// credentials under stateDir as they rotate.
func NewFleetManager(stateDir string, source FleetCredentialSource, logger *slog.Logger) *FleetManager {
	m := &FleetManager{stateDir: stateDir}
	m.refresher = New(FetchFunc(source), Config{
		Name:   "fleet",
		Logger: logger,
		OnRotate: func(creds Credentials) {
			if err := m.persist(creds); err != nil && logger != nil {
				logger.Error("failed to persist fleet credentials", slog.Any("error", err))
			}
		},
	})
	return m
}

func (m *FleetManager) credentialsPath() string {
	return filepath.Join(m.stateDir, "credentials", "fleet.json")
}

func (m *FleetManager) scriptPath() string {
	return filepath.Join(m.stateDir, "credentials", "fleet_credential_process.sh")
}

func (m *FleetManager) persist(creds Credentials) error {
	if err := WriteToDisk(m.credentialsPath(), creds, 0600); err != nil {
		return err
	}
	return WriteCredentialProcessScript(m.scriptPath(), m.credentialsPath())
}

// Bootstrap fetches the first set of fleet credentials synchronously,
// persists them, and starts the background refresh loop.
func (m *FleetManager) Bootstrap(ctx context.Context) (Credentials, error) {
	creds, err := m.refresher.fetch(ctx)
	if err != nil {
		return Credentials{}, fmt.Errorf("fetching initial fleet credentials: %w", err)
	}
	m.refresher.Seed(creds)
	if err := m.persist(creds); err != nil {
		return Credentials{}, fmt.Errorf("persisting initial fleet credentials: %w", err)
	}
	m.refresher.Start(ctx)
	return creds, nil
}

// Current returns the most recently refreshed fleet credentials.
func (m *FleetManager) Current() Credentials {
	return m.refresher.Current()
}

// Stop halts the refresh loop and, unless keepOnDisk is set, removes the
// persisted credential artifacts so a stale identity cannot outlive the
// worker process.
func (m *FleetManager) Stop(keepOnDisk bool) {
	m.refresher.Stop()
	if !keepOnDisk {
		_ = os.Remove(m.credentialsPath())
		_ = os.Remove(m.scriptPath())
	}
}
