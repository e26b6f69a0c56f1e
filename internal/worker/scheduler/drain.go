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

package scheduler

import (
	"context"
	"fmt"
	"log/slog"
)

// Drain stops accepting new session assignments, cancels every pending
// action across active sessions except balancing ENV_EXITs, and waits for
// all sessions to finish or for ctx's deadline to pass. It distinguishes
// a host-initiated drain (spot interruption, instance termination) from a
// service-initiated one only in the caller's choice of ctx deadline: both
// follow the same local teardown path.
func (s *Scheduler) Drain(ctx context.Context) error {
	if !s.draining.CompareAndSwap(false, true) {
		return nil // already draining
	}

	s.mu.Lock()
	sessions := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		sessions = append(sessions, id)
	}
	s.mu.Unlock()

	s.logger.Info("draining worker", slog.Int("active_sessions", len(sessions)))

	s.mu.Lock()
	for _, sess := range s.sessions {
		sess.CancelAllPending("worker is draining")
	}
	s.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- s.group.Wait()
	}()

	select {
	case err := <-done:
		s.logger.Info("drain complete")
		return err
	case <-ctx.Done():
		remaining := s.ActiveSessionCount()
		return fmt.Errorf("drain deadline exceeded with %d sessions still active: %w", remaining, ctx.Err())
	}
}

// IsDraining reports whether the worker has begun draining.
func (s *Scheduler) IsDraining() bool {
	return s.draining.Load()
}

// ActiveSessionCount returns the number of sessions currently running.
func (s *Scheduler) ActiveSessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
