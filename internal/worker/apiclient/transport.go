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

// Package apiclient is the worker agent's SigV4-signed HTTP client for the
// dispatch service: CreateWorker, UpdateWorker, UpdateWorkerSchedule,
// DeleteWorker, AssumeFleetRoleForWorker, AssumeQueueRoleForWorker, and
// BatchGetJobEntity, each wrapped with the service's error classification.
package apiclient

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/render-farm/worker-agent/internal/util"
	"github.com/render-farm/worker-agent/internal/worker/apierrors"
	"github.com/render-farm/worker-agent/pkg/httpclient"
)

// serverErrorStatuses are 5xx codes the dispatch service is known to use
// for transient backend failures, treated as conditionally recoverable
// even without a recognized error Code in the body.
var serverErrorStatuses = []int{500, 502, 503, 504}

// Config describes how to reach and authenticate against the dispatch
// service.
type Config struct {
	BaseURL string
	Region  string
	Service string // SigV4 service name, e.g. "render-dispatch"
	Timeout time.Duration
}

func (c Config) validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base url is required")
	}
	if c.Region == "" {
		return fmt.Errorf("region is required")
	}
	if c.Service == "" {
		return fmt.Errorf("service is required")
	}
	return nil
}

// Client is a SigV4-authenticated client for the dispatch service's worker
// control-plane API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	awsConfig  aws.Config
	signer     *v4.Signer

	credMutex   sync.RWMutex
	credentials aws.Credentials
	credExpiry  time.Time
}

// New constructs a Client and verifies the ambient AWS credential chain can
// produce a caller identity before returning.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	httpCfg := httpclient.DefaultConfig()
	httpCfg.Timeout = cfg.Timeout
	// Every dispatch-service call is POST/PATCH/DELETE, but the service's
	// own error classification (not raw HTTP idempotency) governs retry
	// safety here: Throttled/ConditionallyRecoverable errors are safe to
	// retry regardless of method. Let the retry transport act on them.
	httpCfg.AllowNonIdempotentRetry = true
	baseClient, err := httpclient.New(httpCfg)
	if err != nil {
		return nil, fmt.Errorf("building http client: %w", err)
	}

	c := &Client{
		cfg:        cfg,
		httpClient: baseClient,
		awsConfig:  awsCfg,
		signer:     v4.NewSigner(),
	}

	stsClient := sts.NewFromConfig(awsCfg)
	if _, err := stsClient.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{}); err != nil {
		return nil, fmt.Errorf("verifying aws credentials: %w", err)
	}

	return c, nil
}

// WithCredentials swaps the client's signing credentials for a fixed set,
// used when a BootstrapClient must sign with fleet- or queue-scoped
// credentials rather than the ambient credential chain.
func WithCredentials(c *Client, creds aws.Credentials) *Client {
	clone := *c
	clone.credentials = creds
	clone.credExpiry = creds.Expires
	return &clone
}

func (c *Client) refreshCredentials(ctx context.Context) (aws.Credentials, error) {
	c.credMutex.RLock()
	if c.credentials.AccessKeyID != "" && time.Now().Before(c.credExpiry) {
		creds := c.credentials
		c.credMutex.RUnlock()
		return creds, nil
	}
	c.credMutex.RUnlock()

	creds, err := c.awsConfig.Credentials.Retrieve(ctx)
	if err != nil {
		return aws.Credentials{}, fmt.Errorf("retrieving credentials: %w", err)
	}

	expiry := creds.Expires
	if !creds.CanExpire || expiry.IsZero() {
		expiry = time.Now().Add(time.Hour)
	}

	c.credMutex.Lock()
	c.credentials = creds
	c.credExpiry = expiry
	c.credMutex.Unlock()

	return creds, nil
}

// do signs and executes a single HTTP request, classifying any failure
// into the operation's apierrors.Class.
func (c *Client) do(ctx context.Context, operation, method, path string, body any) ([]byte, error) {
	var payload []byte
	var err error
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, apierrors.New(operation, apierrors.ClassUnrecoverable, "marshal_error", err.Error(), "", err)
		}
	}

	creds, err := c.refreshCredentials(ctx)
	if err != nil {
		return nil, apierrors.New(operation, apierrors.ClassInterrupted, "credentials_error", err.Error(), "", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, apierrors.New(operation, apierrors.ClassUnrecoverable, "request_build_error", err.Error(), "", err)
	}
	req.Header.Set("Content-Type", "application/json")

	sum := sha256.Sum256(payload)
	payloadHash := hex.EncodeToString(sum[:])

	if err := c.signer.SignHTTP(ctx, creds, req, payloadHash, c.cfg.Service, c.cfg.Region, time.Now()); err != nil {
		return nil, apierrors.New(operation, apierrors.ClassUnrecoverable, "sign_error", err.Error(), "", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(operation, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierrors.New(operation, apierrors.ClassInterrupted, "read_error", err.Error(), "", err)
	}

	requestID := resp.Header.Get("x-amzn-RequestId")

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, nil
	}

	return nil, classifyStatusError(operation, resp.StatusCode, respBody, requestID)
}

func classifyTransportError(operation string, err error) error {
	return apierrors.New(operation, apierrors.ClassInterrupted, "transport_error", err.Error(), "", err)
}

// serviceError is the dispatch service's error body shape. Code is the
// exception name (e.g. ConflictException, ResourceNotFoundException).
// Reason/Resource/Detail further qualify a ConflictException: Reason is
// "STATUS_CONFLICT" or "CONCURRENT_MODIFICATION"; Resource names the
// conflicting entity ("worker", "queue", or "fleet"); Detail carries the
// specific status-conflict cause (e.g. "CREATE_IN_PROGRESS", "ASSOCIATED",
// a worker lifecycle state) when Reason is "STATUS_CONFLICT".
type serviceError struct {
	Code      string `json:"Code" xml:"Code"`
	Message   string `json:"Message" xml:"Message"`
	RequestID string `json:"RequestId" xml:"RequestId"`
	Reason    string `json:"reason,omitempty" xml:"reason,omitempty"`
	Resource  string `json:"resourceType,omitempty" xml:"resourceType,omitempty"`
	Detail    string `json:"statusConflictDetail,omitempty" xml:"statusConflictDetail,omitempty"`
}

func parseServiceError(body []byte) serviceError {
	var se serviceError
	if err := json.Unmarshal(body, &se); err == nil && se.Code != "" {
		return se
	}
	var xmlErr struct {
		XMLName xml.Name `xml:"ErrorResponse"`
		Error   struct {
			Code    string `xml:"Code"`
			Message string `xml:"Message"`
		} `xml:"Error"`
		RequestID string `xml:"RequestId"`
	}
	if err := xml.Unmarshal(body, &xmlErr); err == nil && xmlErr.Error.Code != "" {
		return serviceError{Code: xmlErr.Error.Code, Message: xmlErr.Error.Message, RequestID: xmlErr.RequestID}
	}
	return serviceError{Code: "Unknown", Message: sanitize(string(body))}
}

func isThrottleOrServerError(status int, se serviceError) bool {
	return status == 429 || se.Code == "ThrottlingException" || se.Code == "TooManyRequestsException" ||
		util.Contains(serverErrorStatuses, status) || status >= 500
}

func isResourceNotFound(se serviceError) bool {
	return se.Code == "ResourceNotFoundException" || se.Code == "WorkerNotFoundException"
}

func isConcurrentModification(se serviceError) bool {
	return se.Code == "ConflictException" && se.Reason == "CONCURRENT_MODIFICATION"
}

// isStatusConflict reports whether se is a ConflictException with reason
// STATUS_CONFLICT against the given resource ("worker", "queue", "fleet").
// If details are given, the conflict's Detail must match one of them;
// with no details, any (or no) Detail matches.
func isStatusConflict(se serviceError, resource string, details ...string) bool {
	if se.Code != "ConflictException" || se.Reason != "STATUS_CONFLICT" {
		return false
	}
	if resource != "" && se.Resource != resource {
		return false
	}
	if len(details) == 0 {
		return true
	}
	for _, d := range details {
		if se.Detail == d {
			return true
		}
	}
	return false
}

// classifyByOperation implements the dispatch service's per-endpoint error
// classification table: the same status code or exception means different
// things depending on which call produced it.
func classifyByOperation(operation string, status int, se serviceError) apierrors.Class {
	switch operation {
	case "CreateWorker":
		switch {
		case isThrottleOrServerError(status, se):
			return apierrors.ClassThrottled
		case isStatusConflict(se, "fleet", "CREATE_IN_PROGRESS"):
			return apierrors.ClassThrottled
		default:
			return apierrors.ClassUnrecoverable
		}

	case "UpdateWorker":
		switch {
		case isThrottleOrServerError(status, se):
			return apierrors.ClassThrottled
		case isConcurrentModification(se):
			return apierrors.ClassThrottled
		case isStatusConflict(se, "worker", "ASSOCIATED"):
			return apierrors.ClassThrottled
		case isResourceNotFound(se):
			return apierrors.ClassConditionallyRecoverable
		default:
			return apierrors.ClassUnrecoverable
		}

	case "UpdateWorkerSchedule":
		switch {
		case isThrottleOrServerError(status, se):
			return apierrors.ClassThrottled
		case isStatusConflict(se, "worker"):
			return apierrors.ClassWorkerOffline
		default:
			return apierrors.ClassUnrecoverable
		}

	case "DeleteWorker":
		switch {
		case isThrottleOrServerError(status, se):
			return apierrors.ClassThrottled
		case isStatusConflict(se, "worker", "STARTED", "STOPPING", "NOT_RESPONDING", "NOT_COMPATIBLE", "RUNNING", "IDLE"):
			return apierrors.ClassConditionallyRecoverable
		default:
			return apierrors.ClassUnrecoverable
		}

	case "AssumeFleetRoleForWorker":
		switch {
		case isThrottleOrServerError(status, se):
			return apierrors.ClassThrottled
		case isResourceNotFound(se):
			return apierrors.ClassConditionallyRecoverable
		default:
			return apierrors.ClassUnrecoverable
		}

	case "AssumeQueueRoleForWorker":
		switch {
		case isThrottleOrServerError(status, se):
			return apierrors.ClassThrottled
		case isStatusConflict(se, "queue"):
			// Retried in-place against a bounded wall-clock budget by the
			// caller; see AssumeQueueRoleForWorker's retry loop.
			return apierrors.ClassThrottled
		case isStatusConflict(se, "worker"):
			return apierrors.ClassWorkerOffline
		case isResourceNotFound(se):
			return apierrors.ClassUnrecoverable
		case se.Code == "AccessDeniedException", se.Code == "ValidationException", se.Code == "ConflictException":
			return apierrors.ClassConditionallyRecoverable
		default:
			return apierrors.ClassUnrecoverable
		}

	case "BatchGetJobEntity":
		switch {
		case isThrottleOrServerError(status, se):
			return apierrors.ClassThrottled
		default:
			return apierrors.ClassUnrecoverable
		}

	default:
		// Unrecognized operation: fall back to a conservative generic
		// mapping rather than silently treating everything as fatal.
		switch {
		case isThrottleOrServerError(status, se):
			return apierrors.ClassThrottled
		case isStatusConflict(se, "worker"):
			return apierrors.ClassWorkerOffline
		case isResourceNotFound(se):
			return apierrors.ClassConditionallyRecoverable
		default:
			return apierrors.ClassUnrecoverable
		}
	}
}

func classifyStatusError(operation string, status int, body []byte, requestID string) error {
	se := parseServiceError(body)
	if se.RequestID != "" {
		requestID = se.RequestID
	}

	class := classifyByOperation(operation, status, se)

	apiErr := apierrors.New(operation, class, se.Code, sanitize(se.Message), requestID, nil)
	apiErr.Reason = se.Reason
	apiErr.Resource = se.Resource
	return apiErr
}

var accessKeyPattern = regexp.MustCompile(`AKIA[0-9A-Z]{16}`)

func sanitize(s string) string {
	return accessKeyPattern.ReplaceAllString(s, "AKIA****")
}
