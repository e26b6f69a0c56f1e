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

package logstream

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/render-farm/worker-agent/internal/worker/apierrors"
)

// PutFunc uploads a single Batch to the dispatch service's log sink,
// using sequenceToken for ordering (empty for a stream's first call) and
// returning the token to use for the stream's next call.
type PutFunc func(ctx context.Context, batch *Batch, sequenceToken string) (nextSequenceToken string, err error)

// Uploader drains Batches from a Partitioner through a PutFunc, honoring
// the sink's per-stream call rate and retrying indefinitely (short of the
// worker draining) on recoverable failures.
type Uploader struct {
	put     PutFunc
	logger  *slog.Logger
	limiter *rate.Limiter

	mu      sync.Mutex
	tokens  map[string]string

	draining func() bool
}

// NewUploader constructs an Uploader that never issues more than
// MaxCallsPerStreamPerSec PutFunc calls per second in aggregate.
func NewUploader(put PutFunc, draining func() bool, logger *slog.Logger) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{
		put:      put,
		logger:   logger,
		limiter:  rate.NewLimiter(rate.Limit(MaxCallsPerStreamPerSec), MaxCallsPerStreamPerSec),
		tokens:   make(map[string]string),
		draining: draining,
	}
}

// Upload sends batch, retrying with exponential backoff and jitter on
// throttled or conditionally-recoverable errors. It gives up only when
// ctx is cancelled or the worker has entered draining, in which case the
// caller is expected to have already stopped accepting new log lines.
func (u *Uploader) Upload(ctx context.Context, batch *Batch) error {
	attempt := 0
	for {
		if err := u.limiter.Wait(ctx); err != nil {
			return err
		}

		u.mu.Lock()
		token := u.tokens[batch.StreamKey]
		u.mu.Unlock()

		next, err := u.put(ctx, batch, token)
		if err == nil {
			u.mu.Lock()
			u.tokens[batch.StreamKey] = next
			u.mu.Unlock()
			return nil
		}

		attempt++
		if !apierrors.IsRetryable(err) {
			u.logger.Error("log batch upload failed, not retryable",
				slog.String("stream", batch.StreamKey), slog.Any("error", err))
			return err
		}

		if u.draining != nil && u.draining() {
			u.logger.Warn("dropping log batch upload retry: worker draining",
				slog.String("stream", batch.StreamKey))
			return err
		}

		backoff := calculateBackoff(attempt)
		u.logger.Warn("retrying log batch upload",
			slog.String("stream", batch.StreamKey), slog.Int("attempt", attempt), slog.Duration("backoff", backoff))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func calculateBackoff(attempt int) time.Duration {
	base := 500 * time.Millisecond
	maxBackoff := 30 * time.Second

	backoff := base << uint(attempt-1)
	if backoff > maxBackoff || backoff <= 0 {
		backoff = maxBackoff
	}

	jitter := time.Duration(rand.Float64() * 0.2 * float64(backoff))
	return backoff + jitter
}
