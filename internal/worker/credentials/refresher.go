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

// Package credentials manages the worker's fleet- and queue-scoped AWS
// credentials: fetching them from the dispatch service, persisting them to
// disk for child render processes to pick up via a credential_process
// shim, and rescheduling refresh ahead of expiration.
package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/render-farm/worker-agent/internal/worker/apierrors"
)

// TimeoutError is delivered to the failure callback when a Refresher gives
// up without a successful refresh before the credentials' mandatory
// refresh window elapses: there is no longer enough runway left to retry
// again, so the caller (typically a bootstrap/re-bootstrap path) must act
// directly rather than wait for a future refresh.
type TimeoutError struct {
	Name       string
	Expiration time.Time
	Cause      error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: credentials refresh did not succeed before the mandatory window (expiring %s): %v", e.Name, e.Expiration, e.Cause)
}

func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// FetchFunc retrieves a fresh set of temporary credentials from the
// dispatch service. Implemented separately for fleet-scoped and
// queue-scoped credentials.
type FetchFunc func(ctx context.Context) (Credentials, error)

// Credentials is a set of temporary AWS-shaped credentials with an
// expiration.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Expiration      time.Time
}

// FailureCallback is invoked when a refresh attempt exhausts its retries.
// The caller decides whether this is fatal (e.g. re-bootstrap, or fail the
// current session).
type FailureCallback func(err error)

// Refresher keeps a single set of Credentials current by polling a
// FetchFunc on a schedule derived from how close the current credentials
// are to expiring: refreshes are scheduled for the later of "halfway
// between now and the advisory threshold" or "one minute from now" once
// inside the advisory window, matching the dispatch service's documented
// rotation cadence.
type Refresher struct {
	name          string
	fetch         FetchFunc
	onFailure     FailureCallback
	advisoryAhead time.Duration
	mandatoryAhead time.Duration
	logger        *slog.Logger

	mu      sync.RWMutex
	current Credentials

	timer  *time.Timer
	stopCh chan struct{}
	doneCh chan struct{}

	onRotate func(Credentials)
}

// Config configures a Refresher's advisory/mandatory refresh windows.
// Defaults mirror the dispatch service: 15 minutes advisory, 10 minutes
// mandatory.
type Config struct {
	Name                string
	AdvisoryRefreshAhead  time.Duration
	MandatoryRefreshAhead time.Duration
	OnFailure             FailureCallback
	OnRotate              func(Credentials)
	Logger                *slog.Logger
}

// New constructs a Refresher. Call Start to begin the refresh loop after
// seeding it with an initial credential set via Seed.
func New(fetch FetchFunc, cfg Config) *Refresher {
	if cfg.AdvisoryRefreshAhead == 0 {
		cfg.AdvisoryRefreshAhead = 15 * time.Minute
	}
	if cfg.MandatoryRefreshAhead == 0 {
		cfg.MandatoryRefreshAhead = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Refresher{
		name:           cfg.Name,
		fetch:          fetch,
		onFailure:      cfg.OnFailure,
		advisoryAhead:  cfg.AdvisoryRefreshAhead,
		mandatoryAhead: cfg.MandatoryRefreshAhead,
		logger:         cfg.Logger,
		onRotate:       cfg.OnRotate,
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

// Seed installs the initial credentials (typically obtained synchronously
// during bootstrap) and returns them.
func (r *Refresher) Seed(creds Credentials) {
	r.mu.Lock()
	r.current = creds
	r.mu.Unlock()
}

// Current returns the most recently refreshed credentials.
func (r *Refresher) Current() Credentials {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Start begins the background refresh loop, scheduling the first refresh
// based on the seeded credentials' expiration.
func (r *Refresher) Start(ctx context.Context) {
	r.mu.RLock()
	next := r.nextRefreshDelay(time.Now())
	r.mu.RUnlock()

	r.timer = time.NewTimer(next)
	go r.run(ctx)
}

// Stop halts the refresh loop.
func (r *Refresher) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Refresher) run(ctx context.Context) {
	defer close(r.doneCh)
	defer r.timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-r.timer.C:
			err := r.refreshOnce(ctx)
			if err == nil {
				r.mu.RLock()
				delay := r.nextRefreshDelay(time.Now())
				r.mu.RUnlock()
				r.timer.Reset(delay)
				continue
			}

			if apierrors.IsClass(err, apierrors.ClassInterrupted) {
				// Interrupted: the caller (shutdown, context cancellation)
				// owns what happens next; stay silent and stop the loop.
				return
			}

			r.mu.RLock()
			mandatory := r.inMandatoryWindow(time.Now())
			expiration := r.current.Expiration
			r.mu.RUnlock()

			if mandatory {
				r.logger.Error("credential refresh failed inside the mandatory window", slog.String("name", r.name), slog.Any("error", err))
				if r.onFailure != nil {
					r.onFailure(&TimeoutError{Name: r.name, Expiration: expiration, Cause: err})
				}
				return
			}

			r.logger.Error("credential refresh failed", slog.String("name", r.name), slog.Any("error", err))
			if r.onFailure != nil {
				r.onFailure(err)
			}

			if !apierrors.IsClass(err, apierrors.ClassConditionallyRecoverable) {
				// Unrecoverable, or a class we don't otherwise recognize:
				// retrying blindly would just repeat the same failure.
				return
			}

			r.timer.Reset(30 * time.Second)
		}
	}
}

func (r *Refresher) refreshOnce(ctx context.Context) error {
	creds, err := r.fetch(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.current = creds
	r.mu.Unlock()
	if r.onRotate != nil {
		r.onRotate(creds)
	}
	return nil
}

// nextRefreshDelay implements the dispatch service's scheduling rule:
// outside the advisory window, wait until halfway between now and the
// advisory threshold; once inside the advisory window, refresh every
// minute until the credentials actually rotate.
func (r *Refresher) nextRefreshDelay(now time.Time) time.Duration {
	timeToExpiry := r.current.Expiration.Sub(now)

	if timeToExpiry <= r.advisoryAhead {
		return time.Minute
	}

	timeToAdvisory := timeToExpiry - r.advisoryAhead
	return timeToAdvisory / 2
}

// inMandatoryWindow reports whether now falls inside the mandatory refresh
// window, where a failed refresh attempt means giving up and notifying the
// caller via TimeoutError rather than scheduling another retry.
func (r *Refresher) inMandatoryWindow(now time.Time) bool {
	return r.current.Expiration.Sub(now) <= r.mandatoryAhead
}
