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

// Package bootstrap loads or creates the worker's persistent identity,
// obtains its first set of fleet credentials, and reports STARTED to the
// dispatch service before handing off to the scheduler.
package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/render-farm/worker-agent/internal/worker/apiclient"
	"github.com/render-farm/worker-agent/internal/worker/apierrors"
	"github.com/render-farm/worker-agent/internal/worker/credentials"
)

// Identity is the worker's on-disk, durable identity: once a worker is
// created it keeps the same WorkerID across agent restarts on the same
// host, so a crash-and-restart resumes the same logical worker rather
// than registering a duplicate.
type Identity struct {
	FleetID  string `json:"fleetId"`
	WorkerID string `json:"workerId"`
}

func identityPath(stateDir string) string {
	return filepath.Join(stateDir, "worker.json")
}

// loadIdentity reads a previously persisted Identity, if any.
func loadIdentity(stateDir string) (*Identity, error) {
	data, err := os.ReadFile(identityPath(stateDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading worker identity: %w", err)
	}
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("parsing worker identity: %w", err)
	}
	return &id, nil
}

// saveIdentity atomically persists id to stateDir/worker.json, mode 0600,
// via a temp-file-plus-rename so a concurrent reader never observes a
// partial write.
func saveIdentity(stateDir string, id Identity) error {
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return fmt.Errorf("creating worker state dir: %w", err)
	}

	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling worker identity: %w", err)
	}

	tmp, err := os.CreateTemp(stateDir, ".worker-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp identity file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("setting identity file mode: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing identity file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing identity file: %w", err)
	}

	return os.Rename(tmpPath, identityPath(stateDir))
}

// Result is the outcome of a successful Bootstrap.
type Result struct {
	Identity         Identity
	FleetCredentials credentials.Credentials
}

// Bootstrap loads an existing worker identity or creates a new one, then
// obtains fleet credentials and reports the worker's status as STARTED.
// If the service reports the worker as STOPPED (e.g. an operator stopped
// it out-of-band while the agent was down), Bootstrap creates a brand new
// worker rather than attempting to resurrect the stopped one.
func Bootstrap(ctx context.Context, stateDir, fleetID string, createClient func(creds credentials.Credentials) *apiclient.Client, initialClient *apiclient.Client, fleetSource func(client *apiclient.Client, fleetID, workerID string) credentials.FleetCredentialSource, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slog.Default()
	}

	existing, err := loadIdentity(stateDir)
	if err != nil {
		return nil, err
	}

	var id Identity
	if existing != nil && existing.FleetID == fleetID {
		id = *existing
		logger.Info("resuming existing worker identity", slog.String("worker_id", id.WorkerID))
	} else {
		out, err := initialClient.CreateWorker(ctx, apiclient.CreateWorkerInput{FleetID: fleetID})
		if err != nil {
			return nil, fmt.Errorf("creating worker: %w", err)
		}
		id = Identity{FleetID: fleetID, WorkerID: out.WorkerID}
		if err := saveIdentity(stateDir, id); err != nil {
			return nil, fmt.Errorf("persisting new worker identity: %w", err)
		}
		logger.Info("created new worker identity", slog.String("worker_id", id.WorkerID))
	}

	fleetMgr := credentials.NewFleetManager(stateDir, fleetSource(initialClient, id.FleetID, id.WorkerID), logger)
	fleetCreds, err := fleetMgr.Bootstrap(ctx)
	if err != nil {
		return nil, fmt.Errorf("bootstrapping fleet credentials: %w", err)
	}

	fleetClient := createClient(fleetCreds)

	_, err = fleetClient.UpdateWorker(ctx, apiclient.UpdateWorkerInput{
		FleetID:  id.FleetID,
		WorkerID: id.WorkerID,
		Status:   apiclient.StatusStarted,
	})
	if isWorkerOfflineOrStopped(err) {
		logger.Warn("worker was stopped out-of-band, creating a fresh worker identity", slog.String("old_worker_id", id.WorkerID))
		out, createErr := initialClient.CreateWorker(ctx, apiclient.CreateWorkerInput{FleetID: fleetID})
		if createErr != nil {
			return nil, fmt.Errorf("re-creating worker after STOPPED: %w", createErr)
		}
		id = Identity{FleetID: fleetID, WorkerID: out.WorkerID}
		if err := saveIdentity(stateDir, id); err != nil {
			return nil, fmt.Errorf("persisting re-created worker identity: %w", err)
		}

		fleetMgr = credentials.NewFleetManager(stateDir, fleetSource(initialClient, id.FleetID, id.WorkerID), logger)
		fleetCreds, err = fleetMgr.Bootstrap(ctx)
		if err != nil {
			return nil, fmt.Errorf("bootstrapping fleet credentials after re-create: %w", err)
		}
		fleetClient = createClient(fleetCreds)
		if _, err := fleetClient.UpdateWorker(ctx, apiclient.UpdateWorkerInput{
			FleetID:  id.FleetID,
			WorkerID: id.WorkerID,
			Status:   apiclient.StatusStarted,
		}); err != nil {
			return nil, fmt.Errorf("reporting STARTED after re-create: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("reporting STARTED: %w", err)
	}

	return &Result{Identity: id, FleetCredentials: fleetCreds}, nil
}

func isWorkerOfflineOrStopped(err error) bool {
	return apierrors.IsClass(err, apierrors.ClassWorkerOffline)
}
