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

package session

import "time"

// ActionStatus is a session action's terminal (or in-progress) status, as
// reported to the dispatch service.
type ActionStatus string

const (
	StatusSucceeded     ActionStatus = "SUCCEEDED"
	StatusFailed        ActionStatus = "FAILED"
	StatusCanceled      ActionStatus = "CANCELED"
	StatusInterrupted   ActionStatus = "INTERRUPTED"
	StatusNeverAttempted ActionStatus = "NEVER_ATTEMPTED"
)

// Outcome describes how an action concluded. Unlike interpreter.Result,
// which only the interpreter can produce, an Outcome can also describe an
// action that was cancelled before the interpreter ever ran.
type Outcome struct {
	Status    ActionStatus
	Message   string
	ExitCode  int
	StartedAt time.Time
	EndedAt   time.Time
}
