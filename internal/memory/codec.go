package memory

import (
	"strconv"
	"strings"
	"time"
)

// Flat metadata keys used by vector backends, which store string maps only.
const (
	metaArtifactID  = "artifact_id"
	metaTaskID      = "task_id"
	metaKind        = "kind"
	metaScope       = "scope"
	metaContentType = "content_type"
	metaValidated   = "validated"
	metaValidatedBy = "validated_by"
	metaValidatedAt = "validated_at"
	metaCreatedBy   = "created_by"
	metaCreatedAt   = "created_at"

	// User metadata is namespaced so it cannot shadow the fields above.
	userMetaPrefix = "meta."
)

func encodeMetadata(a Artifact) map[string]string {
	m := map[string]string{
		metaArtifactID:  a.ID,
		metaTaskID:      a.TaskID,
		metaKind:        string(a.Kind),
		metaScope:       string(a.Scope),
		metaContentType: a.ContentType,
		metaValidated:   strconv.FormatBool(a.Validated),
		metaValidatedBy: a.ValidatedBy,
		metaCreatedBy:   a.CreatedBy,
		metaCreatedAt:   a.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if !a.ValidatedAt.IsZero() {
		m[metaValidatedAt] = a.ValidatedAt.UTC().Format(time.RFC3339Nano)
	}
	for k, v := range a.Metadata {
		m[userMetaPrefix+k] = v
	}
	return m
}

func decodeArtifact(content string, m map[string]string) Artifact {
	a := Artifact{
		ID:          m[metaArtifactID],
		TaskID:      m[metaTaskID],
		Content:     content,
		ContentType: m[metaContentType],
		Kind:        Kind(m[metaKind]),
		Scope:       Scope(m[metaScope]),
		ValidatedBy: m[metaValidatedBy],
		CreatedBy:   m[metaCreatedBy],
	}
	a.Validated, _ = strconv.ParseBool(m[metaValidated])
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, m[metaCreatedAt])
	if v, ok := m[metaValidatedAt]; ok {
		a.ValidatedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	for k, v := range m {
		if name, ok := strings.CutPrefix(k, userMetaPrefix); ok {
			if a.Metadata == nil {
				a.Metadata = make(map[string]string)
			}
			a.Metadata[name] = v
		}
	}
	return a
}

// queryFilter converts a Query into a flat metadata filter.
func queryFilter(q Query) map[string]string {
	if q.TaskID == "" && len(q.Filter) == 0 {
		return nil
	}
	f := make(map[string]string, len(q.Filter)+1)
	if q.TaskID != "" {
		f[metaTaskID] = q.TaskID
	}
	for k, v := range q.Filter {
		f[userMetaPrefix+k] = v
	}
	return f
}
