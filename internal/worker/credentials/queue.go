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
	"sync"
)

// QueueCredentialSource calls AssumeQueueRoleForWorker for a specific
// queue ID.
type QueueCredentialSource func(ctx context.Context, queueID string) (Credentials, error)

// QueueManager holds one Refresher per queue the worker currently has a
// session running against, writing each queue's credentials to its own
// file under <stateDir>/credentials/queues/<queueID>/.
type QueueManager struct {
	stateDir  string
	source    QueueCredentialSource
	logger    *slog.Logger
	onFailure FailureCallback

	mu         sync.Mutex
	refreshers map[string]*Refresher
}

// NewQueueManager constructs a QueueManager.
func NewQueueManager(stateDir string, source QueueCredentialSource, logger *slog.Logger) *QueueManager {
	return &QueueManager{
		stateDir:   stateDir,
		source:     source,
		logger:     logger,
		refreshers: make(map[string]*Refresher),
	}
}

// OnRefreshFailure registers a callback invoked whenever a queue's
// background refresh attempt exhausts its retries, typically wired to a
// metrics counter.
func (m *QueueManager) OnRefreshFailure(cb FailureCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFailure = cb
}

func (m *QueueManager) credentialsPath(queueID string) string {
	return filepath.Join(m.stateDir, "credentials", "queues", queueID, "credentials.json")
}

func (m *QueueManager) scriptPath(queueID string) string {
	return filepath.Join(m.stateDir, "credentials", "queues", queueID, "credential_process.sh")
}

// Acquire starts (or reuses) a refresh loop for queueID, scoped to the
// lifetime of a single session against that queue, and returns its
// initial credentials.
func (m *QueueManager) Acquire(ctx context.Context, queueID string) (Credentials, error) {
	m.mu.Lock()
	if r, ok := m.refreshers[queueID]; ok {
		m.mu.Unlock()
		return r.Current(), nil
	}
	m.mu.Unlock()

	credPath := m.credentialsPath(queueID)
	scriptPath := m.scriptPath(queueID)

	m.mu.Lock()
	onFailure := m.onFailure
	m.mu.Unlock()

	r := New(func(ctx context.Context) (Credentials, error) {
		return m.source(ctx, queueID)
	}, Config{
		Name:      fmt.Sprintf("queue/%s", queueID),
		Logger:    m.logger,
		OnFailure: onFailure,
		OnRotate: func(creds Credentials) {
			if err := WriteToDisk(credPath, creds, 0640); err != nil && m.logger != nil {
				m.logger.Error("failed to persist queue credentials", slog.String("queue_id", queueID), slog.Any("error", err))
				return
			}
			if err := WriteCredentialProcessScript(scriptPath, credPath); err != nil && m.logger != nil {
				m.logger.Error("failed to persist queue credential script", slog.String("queue_id", queueID), slog.Any("error", err))
			}
		},
	})

	creds, err := m.source(ctx, queueID)
	if err != nil {
		return Credentials{}, fmt.Errorf("fetching initial queue %s credentials: %w", queueID, err)
	}
	r.Seed(creds)
	if err := WriteToDisk(credPath, creds, 0640); err != nil {
		return Credentials{}, fmt.Errorf("persisting initial queue %s credentials: %w", queueID, err)
	}
	if err := WriteCredentialProcessScript(scriptPath, credPath); err != nil {
		return Credentials{}, fmt.Errorf("persisting queue %s credential script: %w", queueID, err)
	}
	r.Start(ctx)

	m.mu.Lock()
	m.refreshers[queueID] = r
	m.mu.Unlock()

	return creds, nil
}

// ScriptPath returns the credential_process shim path for queueID, for
// injection into a session's environment as AWS_CREDENTIAL_PROCESS-style
// profile configuration.
func (m *QueueManager) ScriptPath(queueID string) string {
	return m.scriptPath(queueID)
}

// Release stops the refresh loop for queueID once no session references
// it any longer, and removes its on-disk credential artifacts.
func (m *QueueManager) Release(queueID string) {
	m.mu.Lock()
	r, ok := m.refreshers[queueID]
	if ok {
		delete(m.refreshers, queueID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	r.Stop()

	dir := filepath.Dir(m.credentialsPath(queueID))
	_ = os.RemoveAll(dir)
}
