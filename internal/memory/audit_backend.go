package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/cogflow/internal/audit"
)

// AuditBackend keeps append_only_audit artifacts in the audit store.
// Artifacts become entries of type audit.EventArtifact; entries are never
// updated, so Store of an existing id and Delete both fail.
type AuditBackend struct {
	store audit.Store
}

// NewAuditBackend wraps store.
func NewAuditBackend(store audit.Store) *AuditBackend {
	return &AuditBackend{store: store}
}

func (b *AuditBackend) Connect(context.Context) error     { return nil }
func (b *AuditBackend) Disconnect(context.Context) error  { return nil }
func (b *AuditBackend) HealthCheck(context.Context) error { return nil }

// Store appends a as an audit entry.
func (b *AuditBackend) Store(ctx context.Context, a Artifact) error {
	data := make(map[string]any, len(a.Metadata)+2)
	data["content"] = a.Content
	data["content_type"] = a.ContentType
	meta := make(map[string]any, len(a.Metadata))
	for k, v := range a.Metadata {
		meta[k] = v
	}
	e := audit.Entry{
		ID:          a.ID,
		TaskID:      a.TaskID,
		EventType:   audit.EventArtifact,
		AgentName:   a.CreatedBy,
		Description: "audit artifact",
		Data:        data,
		Context:     meta,
		Timestamp:   a.CreatedAt,
	}
	if err := b.store.Append(ctx, e); err != nil {
		if errors.Is(err, audit.ErrDuplicateEntry) {
			return fmt.Errorf("%w: %s", ErrAppendOnly, a.ID)
		}
		return err
	}
	return nil
}

// Retrieve returns the artifact stored under id.
func (b *AuditBackend) Retrieve(ctx context.Context, id string) (Artifact, error) {
	e, err := b.store.Get(ctx, id)
	if errors.Is(err, audit.ErrNotFound) {
		return Artifact{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Artifact{}, err
	}
	if e.EventType != audit.EventArtifact {
		return Artifact{}, fmt.Errorf("%w: %s is not an artifact entry", ErrNotFound, id)
	}
	return entryToArtifact(e), nil
}

// Search matches query terms against artifact content.
func (b *AuditBackend) Search(ctx context.Context, q Query) ([]SearchResult, error) {
	entries, err := b.store.Query(ctx, audit.Filter{TaskID: q.TaskID, EventType: audit.EventArtifact})
	if err != nil {
		return nil, err
	}
	terms := strings.Fields(strings.ToLower(q.Text))
	var out []SearchResult
	for _, e := range entries {
		a := entryToArtifact(e)
		if !matchesQuery(a, q) {
			continue
		}
		score := termOverlap(terms, strings.ToLower(a.Content))
		if len(terms) > 0 && score == 0 {
			continue
		}
		out = append(out, SearchResult{Artifact: a, Score: score})
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// Delete always fails.
func (b *AuditBackend) Delete(_ context.Context, id string) error {
	return fmt.Errorf("%w: cannot delete %s", ErrAppendOnly, id)
}

// ListByTask returns the audit artifacts of taskID.
func (b *AuditBackend) ListByTask(ctx context.Context, taskID string) ([]Artifact, error) {
	entries, err := b.store.Query(ctx, audit.Filter{TaskID: taskID, EventType: audit.EventArtifact})
	if err != nil {
		return nil, err
	}
	out := make([]Artifact, len(entries))
	for i, e := range entries {
		out[i] = entryToArtifact(e)
	}
	return out, nil
}

func entryToArtifact(e audit.Entry) Artifact {
	a := Artifact{
		ID:        e.ID,
		TaskID:    e.TaskID,
		Kind:      KindAudit,
		Scope:     ScopeNone,
		CreatedBy: e.AgentName,
		CreatedAt: e.Timestamp,
	}
	a.Content, _ = e.Data["content"].(string)
	a.ContentType, _ = e.Data["content_type"].(string)
	for k, v := range e.Context {
		if s, ok := v.(string); ok {
			if a.Metadata == nil {
				a.Metadata = make(map[string]string)
			}
			a.Metadata[k] = s
		}
	}
	return a
}
