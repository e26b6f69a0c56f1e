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

// Package interpreter defines the boundary between the session runtime
// and whatever executes a single action's actual work (a render
// application plugin, a shell command, or an environment script). The
// worker agent ships no interpreter implementations itself; it is
// supplied by the render application integration layer.
package interpreter

import "context"

// ActionKind distinguishes the four action types the session runtime
// dispatches.
type ActionKind string

const (
	KindEnvEnter              ActionKind = "ENV_ENTER"
	KindEnvExit               ActionKind = "ENV_EXIT"
	KindTaskRun               ActionKind = "TASK_RUN"
	KindSyncInputJobAttachments ActionKind = "SYNC_INPUT_JOB_ATTACHMENTS"
)

// Action is a single unit of work assigned to a session.
type Action struct {
	ID         string
	Kind       ActionKind
	Parameters map[string]any
}

// ProgressFunc reports incremental progress (0-100) for a running action.
type ProgressFunc func(percent float32)

// Result is the outcome of executing an Action.
type Result struct {
	Success bool
	Message string
	// ExitCode is meaningful only for KindTaskRun.
	ExitCode int
}

// Interpreter executes a single Action within the OS-level session
// established for a given queue, reporting progress as it runs and
// honoring context cancellation as a request to interrupt the action at
// its next safe suspension point.
type Interpreter interface {
	// Execute runs action to completion, blocking until done or ctx is
	// cancelled. report may be called zero or more times before Execute
	// returns.
	Execute(ctx context.Context, action Action, report ProgressFunc) (Result, error)
}
