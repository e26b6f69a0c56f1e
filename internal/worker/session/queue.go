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

// Package session runs a single queue's assigned actions serially, in the
// append-only order the dispatch service assigns them, enforcing the
// single-action-per-session invariant.
package session

import (
	"context"
	"sync"

	"github.com/render-farm/worker-agent/internal/worker/interpreter"
)

// ActionQueue holds a FIFO of actions assigned to one session, supporting
// cancellation of a specific pending action or of every pending action
// except ENV_EXITs (which must still run to balance a prior ENV_ENTER).
type ActionQueue struct {
	mu      sync.Mutex
	actions []interpreter.Action
	signal  chan struct{}
	closed  bool
}

// NewActionQueue constructs an empty ActionQueue.
func NewActionQueue() *ActionQueue {
	return &ActionQueue{signal: make(chan struct{}, 1)}
}

// Enqueue appends action to the tail of the queue, preserving the
// dispatch service's assignment order.
func (q *ActionQueue) Enqueue(action interpreter.Action) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.actions = append(q.actions, action)
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Dequeue blocks until an action is available or ctx is cancelled.
func (q *ActionQueue) Dequeue(ctx context.Context) (interpreter.Action, bool) {
	for {
		q.mu.Lock()
		if len(q.actions) > 0 {
			a := q.actions[0]
			q.actions = q.actions[1:]
			q.mu.Unlock()
			return a, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return interpreter.Action{}, false
		}

		select {
		case <-ctx.Done():
			return interpreter.Action{}, false
		case <-q.signal:
		}
	}
}

// CancelAction removes a specific not-yet-started action from the queue
// by ID, returning it so the caller can report its outcome. ok is false if
// the action was not found pending (it may already be running or
// complete).
func (q *ActionQueue) CancelAction(actionID string) (action interpreter.Action, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, a := range q.actions {
		if a.ID == actionID {
			q.actions = append(q.actions[:i], q.actions[i+1:]...)
			return a, true
		}
	}
	return interpreter.Action{}, false
}

// CancelAllExceptEnvExit removes every pending action except ENV_EXIT
// actions, which must still run to balance any ENV_ENTER that already
// executed, and returns the removed actions so the caller can report each
// as cancelled without running.
func (q *ActionQueue) CancelAllExceptEnvExit() []interpreter.Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.actions[:0]
	var removed []interpreter.Action
	for _, a := range q.actions {
		if a.Kind == interpreter.KindEnvExit {
			kept = append(kept, a)
		} else {
			removed = append(removed, a)
		}
	}
	q.actions = kept
	return removed
}

// Len reports the number of actions currently queued.
func (q *ActionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions)
}

// Close marks the queue closed; Dequeue calls in progress return false
// once drained.
func (q *ActionQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
