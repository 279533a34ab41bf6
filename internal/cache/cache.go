// Copyright 2025 Flux Authors
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

// Package cache memoizes parsed workflow specifications keyed by workflow
// id, invalidated by the workflow's modification timestamp. Stale entries
// are harmless: the old specification is a valid interpretation until
// superseded.
package cache

import (
	"sync"
	"time"

	"github.com/fluxhq/flux/internal/model"
	"github.com/fluxhq/flux/internal/spec"
)

type entry struct {
	modified      time.Time
	specification *spec.Specification
}

// SpecCache is a process-local parsed-specification cache. It is safe for
// concurrent use; the cache is the unique mutator of its own map and
// parsed specifications are shared read-only.
type SpecCache struct {
	mu      sync.Mutex
	entries map[string]entry
}

// New creates an empty cache.
func New() *SpecCache {
	return &SpecCache{entries: make(map[string]entry)}
}

// Acquire returns the parsed specification for the workflow, parsing on
// miss or when the workflow's Modified timestamp has changed.
func (c *SpecCache) Acquire(w *model.Workflow) (*spec.Specification, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[w.ID]; ok && e.modified.Equal(w.Modified) {
		return e.specification, nil
	}

	s, err := spec.Parse(w.Specification)
	if err != nil {
		return nil, err
	}
	c.entries[w.ID] = entry{modified: w.Modified, specification: s}
	return s, nil
}

// Invalidate drops the entry for a workflow, typically on delete.
func (c *SpecCache) Invalidate(workflowID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, workflowID)
}

// Len reports the number of cached specifications.
func (c *SpecCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
