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

// Package apierrors classifies errors returned by the dispatch service so
// callers can decide whether to retry, back off, re-bootstrap, or give up.
package apierrors

import (
	"errors"
	"fmt"
)

// Class is the outcome of classifying a dispatch-service error.
type Class int

const (
	// ClassUnknown means the error could not be classified; treat as
	// Unrecoverable.
	ClassUnknown Class = iota
	// ClassInterrupted means the call was interrupted by local shutdown or
	// context cancellation and should be retried once, if at all, by the
	// caller's own judgement.
	ClassInterrupted
	// ClassThrottled means the service asked the caller to slow down.
	// Retry after the advertised delay.
	ClassThrottled
	// ClassConditionallyRecoverable means the call failed for a reason that
	// may resolve itself (e.g. a conflicting concurrent update) and is
	// safe to retry with backoff.
	ClassConditionallyRecoverable
	// ClassWorkerOffline means the service has deregistered or does not
	// recognize this worker; the caller must re-bootstrap.
	ClassWorkerOffline
	// ClassUnrecoverable means the error will not resolve by retrying.
	ClassUnrecoverable
)

func (c Class) String() string {
	switch c {
	case ClassInterrupted:
		return "interrupted"
	case ClassThrottled:
		return "throttled"
	case ClassConditionallyRecoverable:
		return "conditionally_recoverable"
	case ClassWorkerOffline:
		return "worker_offline"
	case ClassUnrecoverable:
		return "unrecoverable"
	default:
		return "unknown"
	}
}

// APIError wraps an error returned from a dispatch-service call with its
// classification, the operation that produced it, and (if the service
// supplied one) a request ID for support correlation.
type APIError struct {
	Operation string
	Class     Class
	Code      string
	Message   string
	RequestID string
	Retryable bool
	Cause     error

	// Reason and Resource carry a ConflictException's detail, e.g.
	// Reason "STATUS_CONFLICT" on Resource "queue". Empty unless the
	// underlying error was a conflict.
	Reason   string
	Resource string
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("%s: %s (%s, class=%s, request-id=%s)", e.Operation, e.Message, e.Code, e.Class, e.RequestID)
	}
	return fmt.Sprintf("%s: %s (%s, class=%s)", e.Operation, e.Message, e.Code, e.Class)
}

func (e *APIError) Unwrap() error {
	return e.Cause
}

// IsClass reports whether err is an *APIError of the given class.
func IsClass(err error, class Class) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Class == class
	}
	return false
}

// IsRetryable reports whether the error, if it is an *APIError, indicates
// the call is safe to retry.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable
	}
	return false
}

// New builds an APIError with the given classification.
func New(operation string, class Class, code, message, requestID string, cause error) *APIError {
	retryable := class == ClassThrottled || class == ClassConditionallyRecoverable || class == ClassInterrupted
	return &APIError{
		Operation: operation,
		Class:     class,
		Code:      code,
		Message:   message,
		RequestID: requestID,
		Retryable: retryable,
		Cause:     cause,
	}
}

// Downgrade returns a copy of err reclassified to class, preserving its
// other fields. Used when a bounded in-place retry budget (e.g. the
// AssumeQueueRoleForWorker queue-status-conflict window) is exhausted and
// the caller must fall back to a less optimistic classification. If err is
// not an *APIError, it is returned unchanged.
func Downgrade(err error, class Class) error {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	clone := *apiErr
	clone.Class = class
	clone.Retryable = class == ClassThrottled || class == ClassConditionallyRecoverable || class == ClassInterrupted
	return &clone
}
