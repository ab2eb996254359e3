package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// InMemoryBackend keeps artifacts in a map. It backs private ephemeral
// memory and stands in for vector stores in tests. Search scores by term
// overlap with the query.
type InMemoryBackend struct {
	mu        sync.RWMutex
	artifacts map[string]Artifact
}

// NewInMemoryBackend returns an empty backend.
func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{artifacts: make(map[string]Artifact)}
}

func (b *InMemoryBackend) Connect(context.Context) error     { return nil }
func (b *InMemoryBackend) Disconnect(context.Context) error  { return nil }
func (b *InMemoryBackend) HealthCheck(context.Context) error { return nil }

// Store inserts or replaces a.
func (b *InMemoryBackend) Store(_ context.Context, a Artifact) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.artifacts[a.ID] = a.Clone()
	return nil
}

// Retrieve returns the artifact with id.
func (b *InMemoryBackend) Retrieve(_ context.Context, id string) (Artifact, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	a, ok := b.artifacts[id]
	if !ok {
		return Artifact{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a.Clone(), nil
}

// Search ranks artifacts by the share of query terms found in their content.
func (b *InMemoryBackend) Search(_ context.Context, q Query) ([]SearchResult, error) {
	terms := strings.Fields(strings.ToLower(q.Text))

	b.mu.RLock()
	var out []SearchResult
	for _, a := range b.artifacts {
		if !matchesQuery(a, q) {
			continue
		}
		score := termOverlap(terms, strings.ToLower(a.Content))
		if len(terms) > 0 && score == 0 {
			continue
		}
		out = append(out, SearchResult{Artifact: a.Clone(), Score: score})
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Artifact.CreatedAt.After(out[j].Artifact.CreatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Delete removes id. Deleting a missing id is not an error.
func (b *InMemoryBackend) Delete(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.artifacts, id)
	return nil
}

// ListByTask returns the artifacts of taskID, oldest first.
func (b *InMemoryBackend) ListByTask(_ context.Context, taskID string) ([]Artifact, error) {
	b.mu.RLock()
	var out []Artifact
	for _, a := range b.artifacts {
		if a.TaskID == taskID {
			out = append(out, a.Clone())
		}
	}
	b.mu.RUnlock()
	sortByCreated(out)
	return out, nil
}

func matchesQuery(a Artifact, q Query) bool {
	if q.TaskID != "" && a.TaskID != q.TaskID {
		return false
	}
	for k, v := range q.Filter {
		if a.Metadata[k] != v {
			return false
		}
	}
	return true
}

func termOverlap(terms []string, content string) float32 {
	if len(terms) == 0 {
		return 1
	}
	hits := 0
	for _, t := range terms {
		if strings.Contains(content, t) {
			hits++
		}
	}
	return float32(hits) / float32(len(terms))
}

func sortByCreated(as []Artifact) {
	sort.SliceStable(as, func(i, j int) bool { return as[i].CreatedAt.Before(as[j].CreatedAt) })
}
