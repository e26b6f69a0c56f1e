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

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/render-farm/worker-agent/internal/worker/interpreter"
	"github.com/render-farm/worker-agent/pkg/secrets"
)

// masker scrubs values that look like secrets (by key suffix, e.g. an
// ENV_ENTER action's environment variables) out of the parameters logged
// alongside an action.
var masker = secrets.NewMasker()

func loggableParameters(params map[string]any) map[string]any {
	if len(params) == 0 {
		return params
	}
	return masker.MaskMap(params)
}

// StatusReporter reports an action's outcome back to the scheduler, which
// in turn reports it to the dispatch service on the next
// UpdateWorkerSchedule call.
type StatusReporter interface {
	ReportActionProgress(sessionID, actionID string, percent float32)
	ReportActionComplete(sessionID, actionID string, outcome Outcome)
}

// Session runs exactly one action at a time against a single queue's
// interpreter, maintaining the LIFO stack of entered environments so that
// EnvExit actions unwind in the correct order.
type Session struct {
	ID      string
	QueueID string

	queue       *ActionQueue
	interp      interpreter.Interpreter
	reporter    StatusReporter
	logger      *slog.Logger

	mu          sync.Mutex
	envStack    []string // environment identifiers, innermost last
	currentID   string
	cancel      atomic.Pointer[context.CancelFunc]
	// cancelOutcome is set by CancelAction when it cancels the action
	// currently running, so runOne can distinguish an explicit cancel
	// (CANCELED) from the run context itself ending (INTERRUPTED).
	cancelOutcome ActionStatus

	draining atomic.Bool
	done     chan struct{}
}

// New constructs a Session. Call Run in its own goroutine to begin
// processing its ActionQueue.
func New(id, queueID string, interp interpreter.Interpreter, reporter StatusReporter, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		ID:       id,
		QueueID:  queueID,
		queue:    NewActionQueue(),
		interp:   interp,
		reporter: reporter,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Enqueue appends an assigned action to the session's queue.
func (s *Session) Enqueue(action interpreter.Action) {
	s.queue.Enqueue(action)
}

// CancelAction cancels a specific queued or currently-running action. A
// still-queued action is reported NEVER_ATTEMPTED immediately, since it
// will now never run; a currently-running action is asked to stop
// cooperatively and reports CANCELED once it returns.
func (s *Session) CancelAction(actionID, message string) {
	if action, ok := s.queue.CancelAction(actionID); ok {
		if s.reporter != nil {
			now := time.Now()
			s.reporter.ReportActionComplete(s.ID, action.ID, Outcome{
				Status:    StatusNeverAttempted,
				Message:   message,
				StartedAt: now,
				EndedAt:   now,
			})
		}
		return
	}
	s.mu.Lock()
	isCurrent := s.currentID == actionID
	cancelFn := s.cancel.Load()
	if isCurrent {
		s.cancelOutcome = StatusCanceled
	}
	s.mu.Unlock()
	if isCurrent && cancelFn != nil {
		(*cancelFn)()
	}
}

// CancelAllPending drops every queued action except ENV_EXIT actions,
// used when the dispatch service revokes the rest of a session's work but
// open environments must still be torn down. Each dropped action is
// reported NEVER_ATTEMPTED.
func (s *Session) CancelAllPending(message string) {
	for _, action := range s.queue.CancelAllExceptEnvExit() {
		if s.reporter != nil {
			now := time.Now()
			s.reporter.ReportActionComplete(s.ID, action.ID, Outcome{
				Status:    StatusNeverAttempted,
				Message:   message,
				StartedAt: now,
				EndedAt:   now,
			})
		}
	}
}

// Run processes actions serially until ctx is cancelled or the queue is
// closed and drained.
func (s *Session) Run(ctx context.Context) {
	defer close(s.done)
	for {
		action, ok := s.queue.Dequeue(ctx)
		if !ok {
			return
		}
		s.runOne(ctx, action)
	}
}

func (s *Session) runOne(ctx context.Context, action interpreter.Action) {
	actionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.currentID = action.ID
	cancelFn := context.CancelFunc(cancel)
	s.cancel.Store(&cancelFn)
	s.mu.Unlock()

	logger := s.logger.With(slog.String("action_id", action.ID), slog.String("kind", string(action.Kind)))
	logger.Info("action starting", slog.Any("parameters", loggableParameters(action.Parameters)))

	startedAt := time.Now()
	result, err := s.interp.Execute(actionCtx, action, func(percent float32) {
		if s.reporter != nil {
			s.reporter.ReportActionProgress(s.ID, action.ID, percent)
		}
	})
	endedAt := time.Now()

	s.mu.Lock()
	cancelOutcome := s.cancelOutcome
	s.cancelOutcome = ""
	switch action.Kind {
	case interpreter.KindEnvEnter:
		if err == nil && result.Success {
			s.envStack = append(s.envStack, action.ID)
		}
	case interpreter.KindEnvExit:
		if n := len(s.envStack); n > 0 {
			s.envStack = s.envStack[:n-1]
		}
	}
	s.currentID = ""
	s.cancel.Store(nil)
	s.mu.Unlock()

	outcome := Outcome{ExitCode: result.ExitCode, StartedAt: startedAt, EndedAt: endedAt}
	switch {
	case cancelOutcome != "":
		outcome.Status = cancelOutcome
		outcome.Message = "action cancelled"
	case err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		outcome.Status = StatusInterrupted
		outcome.Message = err.Error()
	case err != nil:
		outcome.Status = StatusFailed
		outcome.Message = err.Error()
	case !result.Success:
		outcome.Status = StatusFailed
		outcome.Message = result.Message
	default:
		outcome.Status = StatusSucceeded
		outcome.Message = result.Message
	}

	if err != nil {
		logger.Error("action failed", slog.Any("error", err))
	} else {
		logger.Info("action complete", slog.String("status", string(outcome.Status)))
	}

	if s.reporter != nil {
		s.reporter.ReportActionComplete(s.ID, action.ID, outcome)
	}
}

// OpenEnvironmentCount reports how many environments are currently
// entered (i.e. pending a balancing ENV_EXIT), used to decide whether
// CancelAllPending needs to synthesize exit actions during an emergency
// teardown.
func (s *Session) OpenEnvironmentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.envStack)
}

// Drain marks the session draining and waits for the action queue to
// empty (including any still-queued ENV_EXIT actions) or for ctx to be
// cancelled.
func (s *Session) Drain(ctx context.Context) error {
	s.draining.Store(true)
	s.queue.Close()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session %s did not drain before deadline: %w", s.ID, ctx.Err())
	}
}
