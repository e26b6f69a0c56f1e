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

package jobcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/render-farm/worker-agent/internal/worker/apiclient"
)

func TestCache_GetFetchesOnMiss(t *testing.T) {
	var calls int32
	id := apiclient.JobEntityIdentifier{JobID: "job-1"}
	c := New(func(ctx context.Context, identifiers []apiclient.JobEntityIdentifier) (*apiclient.BatchGetJobEntityOutput, error) {
		atomic.AddInt32(&calls, 1)
		return &apiclient.BatchGetJobEntityOutput{
			Entities: []apiclient.JobEntity{{Identifier: id, Kind: "JOB", Definition: json.RawMessage(`{"name":"render"}`)}},
		}, nil
	})

	entity, err := c.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if entity.Kind != "JOB" {
		t.Errorf("Kind = %q, want JOB", entity.Kind)
	}
	if calls != 1 {
		t.Errorf("fetch called %d times, want 1", calls)
	}
}

func TestCache_GetUsesCacheOnSecondCall(t *testing.T) {
	var calls int32
	id := apiclient.JobEntityIdentifier{JobID: "job-1"}
	c := New(func(ctx context.Context, identifiers []apiclient.JobEntityIdentifier) (*apiclient.BatchGetJobEntityOutput, error) {
		atomic.AddInt32(&calls, 1)
		return &apiclient.BatchGetJobEntityOutput{
			Entities: []apiclient.JobEntity{{Identifier: id, Kind: "JOB"}},
		}, nil
	})

	if _, err := c.Get(context.Background(), id); err != nil {
		t.Fatalf("first Get() error = %v", err)
	}
	if _, err := c.Get(context.Background(), id); err != nil {
		t.Fatalf("second Get() error = %v", err)
	}

	if calls != 1 {
		t.Errorf("fetch called %d times, want 1 (second Get should hit the cache)", calls)
	}
}

func TestCache_GetBatchFetchesOnlyMissingIdentifiers(t *testing.T) {
	jobID := apiclient.JobEntityIdentifier{JobID: "job-1"}
	envID := apiclient.JobEntityIdentifier{JobID: "job-1", EnvironmentID: "env-1"}

	var fetched []apiclient.JobEntityIdentifier
	c := New(func(ctx context.Context, identifiers []apiclient.JobEntityIdentifier) (*apiclient.BatchGetJobEntityOutput, error) {
		fetched = append(fetched, identifiers...)
		entities := make([]apiclient.JobEntity, len(identifiers))
		for i, id := range identifiers {
			entities[i] = apiclient.JobEntity{Identifier: id, Kind: "X"}
		}
		return &apiclient.BatchGetJobEntityOutput{Entities: entities}, nil
	})

	if _, err := c.Get(context.Background(), jobID); err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	result, err := c.GetBatch(context.Background(), []apiclient.JobEntityIdentifier{jobID, envID})
	if err != nil {
		t.Fatalf("GetBatch() error = %v", err)
	}
	if len(result) != 2 {
		t.Fatalf("GetBatch() returned %d entries, want 2", len(result))
	}
	if len(fetched) != 1 || fetched[0] != envID {
		t.Errorf("fetch was called with %v, want only the missing identifier %v", fetched, envID)
	}
}

func TestCache_GetBatchChunksAtMaxIdentifiersPerBatch(t *testing.T) {
	var calls [][]apiclient.JobEntityIdentifier
	c := New(func(ctx context.Context, identifiers []apiclient.JobEntityIdentifier) (*apiclient.BatchGetJobEntityOutput, error) {
		calls = append(calls, append([]apiclient.JobEntityIdentifier(nil), identifiers...))
		entities := make([]apiclient.JobEntity, len(identifiers))
		for i, id := range identifiers {
			entities[i] = apiclient.JobEntity{Identifier: id, Kind: "X"}
		}
		return &apiclient.BatchGetJobEntityOutput{Entities: entities}, nil
	})

	n := apiclient.MaxIdentifiersPerBatch + 1
	ids := make([]apiclient.JobEntityIdentifier, n)
	for i := range ids {
		ids[i] = apiclient.JobEntityIdentifier{JobID: fmt.Sprintf("job-%d", i)}
	}

	result, err := c.GetBatch(context.Background(), ids)
	if err != nil {
		t.Fatalf("GetBatch() error = %v", err)
	}
	if len(result) != n {
		t.Fatalf("GetBatch() returned %d entries, want %d", len(result), n)
	}
	if len(calls) != 2 {
		t.Fatalf("fetch was called %d times, want 2 chunks for %d identifiers", len(calls), n)
	}
	if len(calls[0]) != apiclient.MaxIdentifiersPerBatch {
		t.Errorf("first chunk had %d identifiers, want %d", len(calls[0]), apiclient.MaxIdentifiersPerBatch)
	}
	if len(calls[1]) != 1 {
		t.Errorf("second chunk had %d identifiers, want 1", len(calls[1]))
	}
}

func TestCache_GetBatchAccumulatesErrorsAcrossChunks(t *testing.T) {
	c := New(func(ctx context.Context, identifiers []apiclient.JobEntityIdentifier) (*apiclient.BatchGetJobEntityOutput, error) {
		return &apiclient.BatchGetJobEntityOutput{Errors: identifiers}, nil
	})

	n := apiclient.MaxIdentifiersPerBatch + 5
	ids := make([]apiclient.JobEntityIdentifier, n)
	for i := range ids {
		ids[i] = apiclient.JobEntityIdentifier{JobID: fmt.Sprintf("job-%d", i)}
	}

	_, err := c.GetBatch(context.Background(), ids)
	if err == nil {
		t.Fatal("expected an error accumulated across both chunks")
	}
}

func TestCache_GetBatchReturnsErrorOnPartialFailure(t *testing.T) {
	missingID := apiclient.JobEntityIdentifier{JobID: "job-missing"}
	c := New(func(ctx context.Context, identifiers []apiclient.JobEntityIdentifier) (*apiclient.BatchGetJobEntityOutput, error) {
		return &apiclient.BatchGetJobEntityOutput{Errors: []apiclient.JobEntityIdentifier{missingID}}, nil
	})

	_, err := c.GetBatch(context.Background(), []apiclient.JobEntityIdentifier{missingID})
	if err == nil {
		t.Fatal("expected an error when the service reports unresolvable identifiers")
	}
}

func TestCache_GetPropagatesFetchError(t *testing.T) {
	wantErr := errors.New("network error")
	c := New(func(ctx context.Context, identifiers []apiclient.JobEntityIdentifier) (*apiclient.BatchGetJobEntityOutput, error) {
		return nil, wantErr
	})

	_, err := c.Get(context.Background(), apiclient.JobEntityIdentifier{JobID: "job-1"})
	if !errors.Is(err, wantErr) {
		t.Errorf("Get() error = %v, want it to wrap %v", err, wantErr)
	}
}

func TestCache_Invalidate(t *testing.T) {
	var calls int32
	id := apiclient.JobEntityIdentifier{JobID: "job-1"}
	c := New(func(ctx context.Context, identifiers []apiclient.JobEntityIdentifier) (*apiclient.BatchGetJobEntityOutput, error) {
		atomic.AddInt32(&calls, 1)
		return &apiclient.BatchGetJobEntityOutput{
			Entities: []apiclient.JobEntity{{Identifier: id, Kind: "JOB"}},
		}, nil
	})

	if _, err := c.Get(context.Background(), id); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	c.Invalidate(id)
	if _, err := c.Get(context.Background(), id); err != nil {
		t.Fatalf("Get() after invalidate error = %v", err)
	}

	if calls != 2 {
		t.Errorf("fetch called %d times, want 2 (invalidate should force a re-fetch)", calls)
	}
}

func TestDecode(t *testing.T) {
	entity := apiclient.JobEntity{Kind: "JOB", Definition: json.RawMessage(`{"name":"render"}`)}
	var v struct {
		Name string `json:"name"`
	}
	if err := Decode(entity, &v); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if v.Name != "render" {
		t.Errorf("Name = %q, want render", v.Name)
	}
}

func TestDecode_InvalidJSON(t *testing.T) {
	entity := apiclient.JobEntity{Kind: "JOB", Definition: json.RawMessage(`not json`)}
	var v struct{}
	if err := Decode(entity, &v); err == nil {
		t.Fatal("expected an error decoding invalid JSON")
	}
}
