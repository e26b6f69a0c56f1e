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

// Package jobcache caches job, environment, and task entity definitions
// fetched via BatchGetJobEntity, keyed by their logical identifier, so
// that repeated references to the same job across multiple assigned
// actions do not trigger redundant dispatch-service calls.
package jobcache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/render-farm/worker-agent/internal/worker/apiclient"
)

// key identifies a cached entity by the same fields the service uses to
// identify it in BatchGetJobEntityInput.
type key struct {
	jobID         string
	environmentID string
	taskID        string
}

func keyFor(id apiclient.JobEntityIdentifier) key {
	return key{jobID: id.JobID, environmentID: id.EnvironmentID, taskID: id.TaskID}
}

// Fetcher resolves identifiers not already present in the cache.
type Fetcher func(ctx context.Context, identifiers []apiclient.JobEntityIdentifier) (*apiclient.BatchGetJobEntityOutput, error)

// Cache deduplicates and caches job entity lookups for the lifetime of a
// session (or longer, if the same job spans multiple sessions on this
// worker).
type Cache struct {
	fetch Fetcher

	mu      sync.Mutex
	entries map[key]apiclient.JobEntity
}

// New constructs a Cache backed by fetch.
func New(fetch Fetcher) *Cache {
	return &Cache{fetch: fetch, entries: make(map[key]apiclient.JobEntity)}
}

// Get resolves a single identifier, using the cache if possible and
// otherwise delegating to fetch and caching the result.
func (c *Cache) Get(ctx context.Context, id apiclient.JobEntityIdentifier) (apiclient.JobEntity, error) {
	out, err := c.GetBatch(ctx, []apiclient.JobEntityIdentifier{id})
	if err != nil {
		return apiclient.JobEntity{}, err
	}
	entity, ok := out[keyFor(id)]
	if !ok {
		return apiclient.JobEntity{}, fmt.Errorf("entity not found: job=%s environment=%s task=%s", id.JobID, id.EnvironmentID, id.TaskID)
	}
	return entity, nil
}

// GetBatch resolves multiple identifiers in one round trip for any that
// are not already cached.
func (c *Cache) GetBatch(ctx context.Context, identifiers []apiclient.JobEntityIdentifier) (map[key]apiclient.JobEntity, error) {
	result := make(map[key]apiclient.JobEntity, len(identifiers))

	var missing []apiclient.JobEntityIdentifier
	c.mu.Lock()
	for _, id := range identifiers {
		k := keyFor(id)
		if entity, ok := c.entries[k]; ok {
			result[k] = entity
		} else {
			missing = append(missing, id)
		}
	}
	c.mu.Unlock()

	if len(missing) == 0 {
		return result, nil
	}

	var errCount int
	for _, chunk := range chunkIdentifiers(missing, apiclient.MaxIdentifiersPerBatch) {
		out, err := c.fetch(ctx, chunk)
		if err != nil {
			return nil, fmt.Errorf("fetching job entities: %w", err)
		}

		c.mu.Lock()
		for _, entity := range out.Entities {
			k := keyFor(entity.Identifier)
			c.entries[k] = entity
			result[k] = entity
		}
		c.mu.Unlock()

		errCount += len(out.Errors)
	}

	if errCount > 0 {
		return result, fmt.Errorf("could not resolve %d job entities", errCount)
	}

	return result, nil
}

// chunkIdentifiers splits identifiers into groups of at most size,
// matching the server-declared limit on a single BatchGetJobEntity call.
func chunkIdentifiers(identifiers []apiclient.JobEntityIdentifier, size int) [][]apiclient.JobEntityIdentifier {
	if size <= 0 || len(identifiers) <= size {
		return [][]apiclient.JobEntityIdentifier{identifiers}
	}
	var chunks [][]apiclient.JobEntityIdentifier
	for len(identifiers) > 0 {
		n := size
		if n > len(identifiers) {
			n = len(identifiers)
		}
		chunks = append(chunks, identifiers[:n])
		identifiers = identifiers[n:]
	}
	return chunks
}

// Decode unmarshals entity's definition into v.
func Decode(entity apiclient.JobEntity, v any) error {
	if err := json.Unmarshal(entity.Definition, v); err != nil {
		return fmt.Errorf("decoding %s entity: %w", entity.Kind, err)
	}
	return nil
}

// Invalidate removes a single identifier's cached entry, e.g. after the
// dispatch service signals the underlying job definition changed.
func (c *Cache) Invalidate(id apiclient.JobEntityIdentifier) {
	c.mu.Lock()
	delete(c.entries, keyFor(id))
	c.mu.Unlock()
}
