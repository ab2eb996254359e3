package memory

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Kind is the memory an artifact belongs to.
type Kind string

const (
	KindPrivateEphemeral Kind = "private_ephemeral"
	KindSharedSemantic   Kind = "shared_semantic"
	KindSharedProcedural Kind = "shared_procedural"
	KindAudit            Kind = "append_only_audit"
)

// Kinds lists every memory kind.
var Kinds = []Kind{KindPrivateEphemeral, KindSharedSemantic, KindSharedProcedural, KindAudit}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindPrivateEphemeral, KindSharedSemantic, KindSharedProcedural, KindAudit:
		return true
	}
	return false
}

// Scope is the visibility of an artifact.
type Scope string

const (
	ScopePrivate Scope = "private"
	ScopeShared  Scope = "shared"
	// ScopeNone is used by audit artifacts, which have no scope.
	ScopeNone Scope = ""
)

// DefaultScope returns the scope artifacts of kind k are created with.
func (k Kind) DefaultScope() Scope {
	switch k {
	case KindPrivateEphemeral:
		return ScopePrivate
	case KindSharedSemantic, KindSharedProcedural:
		return ScopeShared
	default:
		return ScopeNone
	}
}

// Artifact is a unit of content produced by a stage.
type Artifact struct {
	ID          string            `json:"id"`
	TaskID      string            `json:"task_id"`
	Content     string            `json:"content"`
	ContentType string            `json:"content_type"`
	Kind        Kind              `json:"kind"`
	Scope       Scope             `json:"scope,omitempty"`
	Validated   bool              `json:"validated"`
	ValidatedBy string            `json:"validated_by,omitempty"`
	ValidatedAt time.Time         `json:"validated_at,omitzero"`
	CreatedBy   string            `json:"created_by"`
	CreatedAt   time.Time         `json:"created_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// NewArtifact returns an unvalidated artifact with the default scope of kind.
func NewArtifact(taskID string, kind Kind, contentType, content, creator string) Artifact {
	return Artifact{
		ID:          "art_" + uuid.New().String(),
		TaskID:      taskID,
		Content:     content,
		ContentType: contentType,
		Kind:        kind,
		Scope:       kind.DefaultScope(),
		CreatedBy:   creator,
		CreatedAt:   time.Now().UTC(),
	}
}

// Clone returns a copy that shares no maps with a.
func (a Artifact) Clone() Artifact {
	a.Metadata = maps.Clone(a.Metadata)
	return a
}

// WithMetadata returns a copy with key set.
func (a Artifact) WithMetadata(key, value string) Artifact {
	n := a.Clone()
	if n.Metadata == nil {
		n.Metadata = make(map[string]string)
	}
	n.Metadata[key] = value
	return n
}

// Check verifies the artifact is well formed.
func (a Artifact) Check() error {
	switch {
	case a.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidArtifact)
	case a.TaskID == "":
		return fmt.Errorf("%w: task_id is required", ErrInvalidArtifact)
	case !a.Kind.Valid():
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidArtifact, a.Kind)
	case a.Kind == KindAudit && a.Scope != ScopeNone:
		return fmt.Errorf("%w: audit artifacts have no scope", ErrInvalidArtifact)
	case a.Kind != KindAudit && a.Scope != a.Kind.DefaultScope():
		return fmt.Errorf("%w: kind %s requires scope %s", ErrInvalidArtifact, a.Kind, a.Kind.DefaultScope())
	case a.Validated && a.ValidatedBy == "":
		return fmt.Errorf("%w: validated artifact without validator", ErrInvalidArtifact)
	}
	return nil
}
