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

package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/render-farm/worker-agent/internal/worker/apierrors"
)

// WorkerStatus mirrors the dispatch service's worker lifecycle states.
type WorkerStatus string

const (
	StatusStarting WorkerStatus = "STARTING"
	StatusStarted  WorkerStatus = "STARTED"
	StatusStopping WorkerStatus = "STOPPING"
	StatusStopped  WorkerStatus = "STOPPED"
)

// CreateWorkerInput registers a new worker with a fleet.
type CreateWorkerInput struct {
	FleetID string            `json:"fleetId"`
	HostProperties map[string]string `json:"hostProperties,omitempty"`
}

// CreateWorkerOutput contains the service-assigned worker identity.
type CreateWorkerOutput struct {
	WorkerID string       `json:"workerId"`
	Status   WorkerStatus `json:"status"`
}

// CreateWorker registers a new worker in the given fleet.
func (c *Client) CreateWorker(ctx context.Context, in CreateWorkerInput) (*CreateWorkerOutput, error) {
	body, err := c.do(ctx, "CreateWorker", "POST", fmt.Sprintf("/2023-10-12/fleets/%s/workers", in.FleetID), in)
	if err != nil {
		return nil, err
	}
	var out CreateWorkerOutput
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decoding CreateWorker response: %w", err)
	}
	return &out, nil
}

// UpdateWorkerInput reports a worker's lifecycle status and host metrics.
type UpdateWorkerInput struct {
	FleetID  string       `json:"fleetId"`
	WorkerID string       `json:"workerId"`
	Status   WorkerStatus `json:"status"`
	CapabilitiesUpdate map[string]string `json:"capabilities,omitempty"`
}

// UpdateWorkerOutput echoes the service's acknowledged state.
type UpdateWorkerOutput struct {
	Status WorkerStatus `json:"status"`
}

// UpdateWorker reports worker status to the dispatch service. Used both
// for the STARTING->STARTED transition and ongoing heartbeats.
func (c *Client) UpdateWorker(ctx context.Context, in UpdateWorkerInput) (*UpdateWorkerOutput, error) {
	body, err := c.do(ctx, "UpdateWorker", "PATCH",
		fmt.Sprintf("/2023-10-12/fleets/%s/workers/%s", in.FleetID, in.WorkerID), in)
	if err != nil {
		return nil, err
	}
	var out UpdateWorkerOutput
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decoding UpdateWorker response: %w", err)
	}
	return &out, nil
}

// ScheduledAction is a single server-assigned unit of work for a session.
type ScheduledAction struct {
	ActionID   string         `json:"actionId"`
	SessionID  string         `json:"sessionId"`
	Type       string         `json:"type"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// UpdateWorkerScheduleInput reports completed action results and polls for
// newly assigned work in a single round trip.
type UpdateWorkerScheduleInput struct {
	FleetID        string              `json:"fleetId"`
	WorkerID       string              `json:"workerId"`
	UpdatedActions []ActionUpdate      `json:"updatedActions,omitempty"`
}

// MaxProgressMessageBytes is the longest progressMessage the dispatch
// service accepts on an ActionUpdate; longer messages are truncated before
// the request is sent.
const MaxProgressMessageBytes = 4096

// ActionUpdate reports the outcome of a single completed or in-progress
// action.
type ActionUpdate struct {
	ActionID        string  `json:"actionId"`
	Status          string  `json:"status"`
	ProgressPercent float32 `json:"progressPercent,omitempty"`
	ProgressMessage string  `json:"progressMessage,omitempty"`
	ProcessExitCode *int    `json:"processExitCode,omitempty"`
	StartedAt       *int64  `json:"startedAt,omitempty"`
	EndedAt         *int64  `json:"endedAt,omitempty"`
}

// UpdateWorkerScheduleOutput carries newly assigned actions, any
// cancellations of previously assigned ones, and the cadence the worker
// should use for its next poll.
type UpdateWorkerScheduleOutput struct {
	AssignedActions     []ScheduledAction `json:"assignedActions,omitempty"`
	CancelledActionIDs  []string          `json:"cancelledActionIds,omitempty"`
	UpdateIntervalSeconds int             `json:"updateIntervalSeconds,omitempty"`
	DesiredWorkerStatus WorkerStatus      `json:"desiredWorkerStatus,omitempty"`
}

// UpdateWorkerSchedule is the worker's main polling call: it reports
// progress on in-flight actions and receives newly assigned ones in reply.
func (c *Client) UpdateWorkerSchedule(ctx context.Context, in UpdateWorkerScheduleInput) (*UpdateWorkerScheduleOutput, error) {
	body, err := c.do(ctx, "UpdateWorkerSchedule", "POST",
		fmt.Sprintf("/2023-10-12/fleets/%s/workers/%s/schedule", in.FleetID, in.WorkerID), in)
	if err != nil {
		return nil, err
	}
	var out UpdateWorkerScheduleOutput
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decoding UpdateWorkerSchedule response: %w", err)
	}
	return &out, nil
}

// DeleteWorker deregisters a worker that has fully stopped.
func (c *Client) DeleteWorker(ctx context.Context, fleetID, workerID string) error {
	_, err := c.do(ctx, "DeleteWorker", "DELETE",
		fmt.Sprintf("/2023-10-12/fleets/%s/workers/%s", fleetID, workerID), nil)
	return err
}

// AssumeFleetRoleForWorkerInput requests short-lived credentials scoped to
// the worker's fleet role.
type AssumeFleetRoleForWorkerInput struct {
	FleetID  string `json:"fleetId"`
	WorkerID string `json:"workerId"`
}

// AssumeQueueRoleForWorkerInput requests short-lived credentials scoped to
// a specific queue's role, used while the worker has a session assigned
// from that queue.
type AssumeQueueRoleForWorkerInput struct {
	FleetID  string `json:"fleetId"`
	WorkerID string `json:"workerId"`
	QueueID  string `json:"queueId"`
}

// AssumedRoleCredentials is the wire shape of temporary credentials
// returned by the Assume*RoleForWorker calls.
type AssumedRoleCredentials struct {
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	SessionToken    string `json:"sessionToken"`
	ExpirationUnix  int64  `json:"expiration"`
}

// AssumeFleetRoleForWorker returns the worker's fleet-scoped credentials.
func (c *Client) AssumeFleetRoleForWorker(ctx context.Context, in AssumeFleetRoleForWorkerInput) (*AssumedRoleCredentials, error) {
	body, err := c.do(ctx, "AssumeFleetRoleForWorker", "POST",
		fmt.Sprintf("/2023-10-12/fleets/%s/workers/%s/fleetRole", in.FleetID, in.WorkerID), in)
	if err != nil {
		return nil, err
	}
	var out AssumedRoleCredentials
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decoding AssumeFleetRoleForWorker response: %w", err)
	}
	return &out, nil
}

// queueStatusConflictBudget bounds how long AssumeQueueRoleForWorker will
// retry a queue-resource STATUS_CONFLICT in place before giving up and
// downgrading to ConditionallyRecoverable, per the dispatch service's
// documented queue-role handshake.
const queueStatusConflictBudget = 10 * time.Second

func isQueueStatusConflict(err error) bool {
	var apiErr *apierrors.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == "ConflictException" && apiErr.Reason == "STATUS_CONFLICT" && apiErr.Resource == "queue"
}

// AssumeQueueRoleForWorker returns credentials scoped to a session's queue.
// A queue STATUS_CONFLICT (the queue's own role assumption is still
// settling) is retried in place with bounded backoff for up to
// queueStatusConflictBudget before being downgraded to
// ConditionallyRecoverable.
func (c *Client) AssumeQueueRoleForWorker(ctx context.Context, in AssumeQueueRoleForWorkerInput) (*AssumedRoleCredentials, error) {
	path := fmt.Sprintf("/2023-10-12/fleets/%s/workers/%s/queues/%s/queueRole", in.FleetID, in.WorkerID, in.QueueID)

	deadline := time.Now().Add(queueStatusConflictBudget)
	backoff := 200 * time.Millisecond

	for {
		body, err := c.do(ctx, "AssumeQueueRoleForWorker", "POST", path, in)
		if err == nil {
			var out AssumedRoleCredentials
			if uerr := json.Unmarshal(body, &out); uerr != nil {
				return nil, fmt.Errorf("decoding AssumeQueueRoleForWorker response: %w", uerr)
			}
			return &out, nil
		}

		if !isQueueStatusConflict(err) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, apierrors.Downgrade(err, apierrors.ClassConditionallyRecoverable)
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, apierrors.New("AssumeQueueRoleForWorker", apierrors.ClassInterrupted, "interrupted", ctx.Err().Error(), "", ctx.Err())
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
}

// JobEntityIdentifier names a job-related entity to fetch in a batch.
type JobEntityIdentifier struct {
	JobID         string `json:"jobId"`
	EnvironmentID string `json:"environmentId,omitempty"`
	TaskID        string `json:"taskId,omitempty"`
}

// MaxIdentifiersPerBatch is the most identifiers a single BatchGetJobEntity
// call may request; callers must chunk larger requests across multiple
// calls.
const MaxIdentifiersPerBatch = 100

// BatchGetJobEntityInput requests details for a set of job entities
// referenced by assigned actions (job, environment, and step/task
// templates) so the session runtime can materialize them locally.
type BatchGetJobEntityInput struct {
	FleetID     string                 `json:"fleetId"`
	WorkerID    string                 `json:"workerId"`
	Identifiers []JobEntityIdentifier  `json:"identifiers"`
}

// JobEntity is a single resolved job, environment, or task definition.
type JobEntity struct {
	Identifier JobEntityIdentifier `json:"identifier"`
	Kind       string              `json:"kind"`
	Definition json.RawMessage     `json:"definition"`
}

// BatchGetJobEntityOutput separates successfully resolved entities from
// identifiers the service could not (yet) resolve.
type BatchGetJobEntityOutput struct {
	Entities []JobEntity           `json:"entities"`
	Errors   []JobEntityIdentifier `json:"errors,omitempty"`
}

// BatchGetJobEntity resolves job/environment/task definitions referenced
// by assigned actions, for caching by the session runtime.
func (c *Client) BatchGetJobEntity(ctx context.Context, in BatchGetJobEntityInput) (*BatchGetJobEntityOutput, error) {
	body, err := c.do(ctx, "BatchGetJobEntity", "POST",
		fmt.Sprintf("/2023-10-12/fleets/%s/workers/%s/jobEntities:batchGet", in.FleetID, in.WorkerID), in)
	if err != nil {
		return nil, err
	}
	var out BatchGetJobEntityOutput
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decoding BatchGetJobEntity response: %w", err)
	}
	return &out, nil
}
