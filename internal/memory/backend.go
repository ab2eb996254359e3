package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Query is a similarity search with optional metadata filtering.
type Query struct {
	Text   string
	Limit  int
	TaskID string
	// Filter matches artifact metadata exactly.
	Filter map[string]string
}

// SearchResult is one hit of a Search.
type SearchResult struct {
	Artifact Artifact `json:"artifact"`
	Score    float32  `json:"score"`
}

// Backend stores the artifacts of one memory kind. Backends do not enforce
// write policy; the Gateway does that before calling Store.
type Backend interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	HealthCheck(ctx context.Context) error
	Store(ctx context.Context, a Artifact) error
	Retrieve(ctx context.Context, id string) (Artifact, error)
	Search(ctx context.Context, q Query) ([]SearchResult, error)
	Delete(ctx context.Context, id string) error
	ListByTask(ctx context.Context, taskID string) ([]Artifact, error)
}

// Registry maps memory kinds to backends. One registry is built at startup
// and injected where needed.
type Registry struct {
	mu       sync.RWMutex
	backends map[Kind]Backend
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[Kind]Backend)}
}

// Register binds b to kind.
func (r *Registry) Register(kind Kind, b Backend) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidArtifact, kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.backends[kind]; ok {
		return fmt.Errorf("%w: %s", ErrBackendExists, kind)
	}
	r.backends[kind] = b
	return nil
}

// Get returns the backend of kind.
func (r *Registry) Get(kind Kind) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoBackend, kind)
	}
	return b, nil
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.backends))
	for k := range r.backends {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// ConnectAll connects every backend, stopping at the first failure.
func (r *Registry) ConnectAll(ctx context.Context) error {
	for _, k := range r.Kinds() {
		b, _ := r.Get(k)
		if err := b.Connect(ctx); err != nil {
			return fmt.Errorf("connect %s backend: %w", k, err)
		}
	}
	return nil
}

// DisconnectAll disconnects every backend and joins the errors.
func (r *Registry) DisconnectAll(ctx context.Context) error {
	var errs []error
	for _, k := range r.Kinds() {
		b, _ := r.Get(k)
		if err := b.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("disconnect %s backend: %w", k, err))
		}
	}
	return errors.Join(errs...)
}

// HealthCheck returns the health error of every backend, nil when healthy.
func (r *Registry) HealthCheck(ctx context.Context) map[Kind]error {
	out := make(map[Kind]error)
	for _, k := range r.Kinds() {
		b, _ := r.Get(k)
		out[k] = b.HealthCheck(ctx)
	}
	return out
}
