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

// Package scheduler is the worker agent's top-level reconciliation loop:
// it polls UpdateWorkerSchedule, fans newly assigned actions out to the
// right per-queue Session, reports completions back, and coordinates
// graceful draining when the worker is told to stop.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/render-farm/worker-agent/internal/worker/apiclient"
	"github.com/render-farm/worker-agent/internal/worker/credentials"
	"github.com/render-farm/worker-agent/internal/worker/interpreter"
	"github.com/render-farm/worker-agent/internal/worker/metrics"
	"github.com/render-farm/worker-agent/internal/worker/osuser"
	"github.com/render-farm/worker-agent/internal/worker/session"
)

// maxProgressMessageBytes truncates an outgoing progressMessage to the
// dispatch service's documented limit.
func truncateProgressMessage(s string) string {
	if len(s) <= apiclient.MaxProgressMessageBytes {
		return s
	}
	// Truncate on a rune boundary so the message stays valid UTF-8.
	b := []byte(s)[:apiclient.MaxProgressMessageBytes]
	for len(b) > 0 && !utf8.RuneStart(b[len(b)-1]) {
		b = b[:len(b)-1]
	}
	return string(b)
}

// InterpreterFactory builds the Interpreter used for a session against a
// given queue; supplied by the deployment's render-application
// integration layer.
type InterpreterFactory func(queueID string) (interpreter.Interpreter, error)

// Config configures the Scheduler's polling cadence and concurrency.
type Config struct {
	FleetID               string
	WorkerID              string
	PollInterval          time.Duration
	MaxConcurrentSessions int
	SessionUserUID        func(sessionID string) (int, bool)
	Metrics               *metrics.Instruments
}

// Scheduler owns the set of active Sessions and the polling loop that
// feeds them.
type Scheduler struct {
	cfg       Config
	client    *apiclient.Client
	queueMgr  *credentials.QueueManager
	interpFor InterpreterFactory
	logger    *slog.Logger

	group *errgroup.Group

	mu       sync.Mutex
	sessions map[string]*session.Session // keyed by session ID

	pendingUpdates []apiclient.ActionUpdate
	updatesMu      sync.Mutex

	// pollInterval is the cadence the scheduler waits between
	// UpdateWorkerSchedule calls; it starts at cfg.PollInterval and is
	// replaced by the server's updateIntervalSeconds after every poll.
	pollInterval atomic.Int64 // nanoseconds

	draining atomic.Bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a Scheduler.
func New(cfg Config, client *apiclient.Client, queueMgr *credentials.QueueManager, interpFor InterpreterFactory, logger *slog.Logger) *Scheduler {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxConcurrentSessions == 0 {
		cfg.MaxConcurrentSessions = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	group := &errgroup.Group{}
	group.SetLimit(cfg.MaxConcurrentSessions)

	s := &Scheduler{
		cfg:       cfg,
		client:    client,
		queueMgr:  queueMgr,
		interpFor: interpFor,
		logger:    logger,
		group:     group,
		sessions:  make(map[string]*session.Session),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	s.pollInterval.Store(int64(cfg.PollInterval))
	return s
}

// Run begins the polling loop and blocks until ctx is cancelled or Stop
// is called.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.doneCh)

	timer := time.NewTimer(time.Duration(s.pollInterval.Load()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return nil
		case <-timer.C:
			if err := s.poll(ctx); err != nil {
				s.logger.Error("schedule poll failed", slog.Any("error", err))
			}
			// The server's updateIntervalSeconds (if any) governs the
			// next wait; poll() has already updated pollInterval.
			timer.Reset(time.Duration(s.pollInterval.Load()))
		}
	}
}

// Stop halts the polling loop without draining active sessions; callers
// that want a graceful shutdown should call Drain first.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Scheduler) poll(ctx context.Context) error {
	start := time.Now()
	s.updatesMu.Lock()
	updates := s.pendingUpdates
	s.pendingUpdates = nil
	s.updatesMu.Unlock()

	for i := range updates {
		updates[i].ProgressMessage = truncateProgressMessage(updates[i].ProgressMessage)
	}

	out, err := s.client.UpdateWorkerSchedule(ctx, apiclient.UpdateWorkerScheduleInput{
		FleetID:        s.cfg.FleetID,
		WorkerID:       s.cfg.WorkerID,
		UpdatedActions: updates,
	})
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ScheduleLatency.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		// Re-queue the updates we failed to report so they are not lost.
		s.updatesMu.Lock()
		s.pendingUpdates = append(updates, s.pendingUpdates...)
		s.updatesMu.Unlock()
		return fmt.Errorf("polling schedule: %w", err)
	}

	if out.UpdateIntervalSeconds > 0 {
		s.pollInterval.Store(int64(time.Duration(out.UpdateIntervalSeconds) * time.Second))
	}

	for _, actionID := range out.CancelledActionIDs {
		s.cancelAction(actionID)
	}

	for _, assigned := range out.AssignedActions {
		s.dispatch(ctx, assigned)
	}

	// desiredWorkerStatus == STOPPED is the dispatch service's own signal
	// to shut down (ServiceShutdown); unlike a host-initiated drain (spot
	// interruption, instance termination) it carries no grace deadline,
	// so the worker waits indefinitely for in-flight actions to finish.
	if out.DesiredWorkerStatus == apiclient.StatusStopped && !s.draining.Load() {
		s.logger.Info("dispatch service requested worker shutdown")
		go func() {
			_ = s.Drain(context.Background())
		}()
	}

	return nil
}

func (s *Scheduler) dispatch(ctx context.Context, action apiclient.ScheduledAction) {
	s.mu.Lock()
	sess, ok := s.sessions[action.SessionID]
	s.mu.Unlock()

	if !ok {
		if s.draining.Load() {
			s.logger.Warn("ignoring new session assignment while draining", slog.String("session_id", action.SessionID))
			return
		}
		var err error
		sess, err = s.startSession(ctx, action.SessionID)
		if err != nil {
			s.logger.Error("failed to start session", slog.String("session_id", action.SessionID), slog.Any("error", err))
			return
		}
	}

	sess.Enqueue(interpreter.Action{
		ID:         action.ActionID,
		Kind:       interpreter.ActionKind(action.Type),
		Parameters: action.Parameters,
	})
}

func (s *Scheduler) startSession(ctx context.Context, sessionID string) (*session.Session, error) {
	// Queue ID resolution is a property of the session assignment; in
	// practice it arrives alongside the first action for a new session.
	queueID := sessionID

	if _, err := s.queueMgr.Acquire(ctx, queueID); err != nil {
		return nil, fmt.Errorf("acquiring queue credentials: %w", err)
	}

	interp, err := s.interpFor(queueID)
	if err != nil {
		return nil, fmt.Errorf("building interpreter: %w", err)
	}

	sess := session.New(sessionID, queueID, interp, s, s.logger)

	s.mu.Lock()
	s.sessions[sessionID] = sess
	s.mu.Unlock()

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveSessions.Add(ctx, 1)
	}

	s.group.Go(func() error {
		sess.Run(ctx)
		s.finishSession(sessionID, queueID)
		return nil
	})

	return sess, nil
}

func (s *Scheduler) finishSession(sessionID, queueID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	s.queueMgr.Release(queueID)

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveSessions.Add(context.Background(), -1)
	}

	if s.cfg.SessionUserUID != nil {
		if uid, ok := s.cfg.SessionUserUID(sessionID); ok {
			if err := osuser.Cleanup(uid, osuser.CleanupConfig{Logger: s.logger}); err != nil {
				s.logger.Error("session user cleanup failed", slog.String("session_id", sessionID), slog.Any("error", err))
			}
		}
	}
}

func (s *Scheduler) cancelAction(actionID string) {
	s.mu.Lock()
	sessions := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.CancelAction(actionID, "cancelled by dispatch service")
	}
}

// ReportActionProgress implements session.StatusReporter by queuing an
// update for the next UpdateWorkerSchedule call.
func (s *Scheduler) ReportActionProgress(sessionID, actionID string, percent float32) {
	s.updatesMu.Lock()
	defer s.updatesMu.Unlock()
	s.pendingUpdates = append(s.pendingUpdates, apiclient.ActionUpdate{
		ActionID:        actionID,
		Status:          "RUNNING",
		ProgressPercent: percent,
	})
}

// ReportActionComplete implements session.StatusReporter.
func (s *Scheduler) ReportActionComplete(sessionID, actionID string, outcome session.Outcome) {
	if s.cfg.Metrics != nil {
		switch outcome.Status {
		case session.StatusFailed:
			s.cfg.Metrics.ActionsFailed.Add(context.Background(), 1)
		case session.StatusSucceeded:
			s.cfg.Metrics.ActionsCompleted.Add(context.Background(), 1)
		}
	}

	update := apiclient.ActionUpdate{
		ActionID:        actionID,
		Status:          string(outcome.Status),
		ProgressMessage: truncateProgressMessage(outcome.Message),
	}
	if !outcome.StartedAt.IsZero() {
		startedAt := outcome.StartedAt.Unix()
		update.StartedAt = &startedAt
	}
	if !outcome.EndedAt.IsZero() {
		endedAt := outcome.EndedAt.Unix()
		update.EndedAt = &endedAt
	}
	if outcome.Status == session.StatusSucceeded || outcome.Status == session.StatusFailed {
		exitCode := outcome.ExitCode
		update.ProcessExitCode = &exitCode
	}

	s.updatesMu.Lock()
	defer s.updatesMu.Unlock()
	s.pendingUpdates = append(s.pendingUpdates, update)
}
