package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec_MetadataCannotShadowFields(t *testing.T) {
	a := NewArtifact("task-1", KindSharedSemantic, "text/plain", "x", "executor").
		WithMetadata("task_id", "spoofed")

	m := encodeMetadata(a)
	assert.Equal(t, "task-1", m[metaTaskID])
	assert.Equal(t, "spoofed", m["meta.task_id"])

	got := decodeArtifact("x", m)
	assert.Equal(t, "task-1", got.TaskID)
	assert.Equal(t, "spoofed", got.Metadata["task_id"])
}

func TestCodec_QdrantPayload(t *testing.T) {
	a := NewArtifact("task-1", KindSharedProcedural, "text/markdown", "# steps", "executor").WithMetadata("lang", "go")
	a.Validated, a.ValidatedBy = true, "validator"
	a.ValidatedAt = time.Date(2026, 2, 3, 4, 5, 6, 7, time.UTC)

	payload := toPayload(a)
	assert.Equal(t, "# steps", payload[payloadContent].GetStringValue())

	got := fromPayload(payload)
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, a.Content, got.Content)
	assert.Equal(t, a.Kind, got.Kind)
	assert.Equal(t, a.Scope, got.Scope)
	assert.True(t, got.Validated)
	assert.Equal(t, "validator", got.ValidatedBy)
	assert.True(t, a.ValidatedAt.Equal(got.ValidatedAt))
	assert.Equal(t, map[string]string{"lang": "go"}, got.Metadata)
}

func TestCodec_QueryFilter(t *testing.T) {
	assert.Nil(t, queryFilter(Query{Text: "x"}))
	assert.Equal(t,
		map[string]string{metaTaskID: "task-1", "meta.lang": "go"},
		queryFilter(Query{TaskID: "task-1", Filter: map[string]string{"lang": "go"}}),
	)
}

func TestQdrant_KeywordFilterAndPointID(t *testing.T) {
	assert.Nil(t, keywordFilter(nil))

	f := keywordFilter(map[string]string{metaTaskID: "task-1"})
	require.Len(t, f.GetMust(), 1)
	field := f.GetMust()[0].GetField()
	assert.Equal(t, metaTaskID, field.GetKey())
	assert.Equal(t, "task-1", field.GetMatch().GetKeyword())

	assert.Equal(t, pointID("art_1").GetUuid(), pointID("art_1").GetUuid())
	assert.NotEqual(t, pointID("art_1").GetUuid(), pointID("art_2").GetUuid())
}

func TestArtifact_Check(t *testing.T) {
	ok := NewArtifact("task-1", KindPrivateEphemeral, "text/plain", "x", "executor")
	require.NoError(t, ok.Check())

	tests := []struct {
		name   string
		mutate func(*Artifact)
	}{
		{"missing id", func(a *Artifact) { a.ID = "" }},
		{"missing task", func(a *Artifact) { a.TaskID = "" }},
		{"unknown kind", func(a *Artifact) { a.Kind = "bogus" }},
		{"wrong scope", func(a *Artifact) { a.Scope = ScopeShared }},
		{"audit with scope", func(a *Artifact) { a.Kind = KindAudit }},
		{"validated without validator", func(a *Artifact) { a.Validated = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := ok.Clone()
			tt.mutate(&a)
			assert.ErrorIs(t, a.Check(), ErrInvalidArtifact)
		})
	}
}

func TestArtifact_WithMetadataCopies(t *testing.T) {
	a := NewArtifact("task-1", KindPrivateEphemeral, "text/plain", "x", "executor").WithMetadata("k", "v1")
	b := a.WithMetadata("k", "v2")
	assert.Equal(t, "v1", a.Metadata["k"])
	assert.Equal(t, "v2", b.Metadata["k"])
	assert.Equal(t, ScopePrivate, a.Scope)
	assert.Equal(t, ScopeNone, KindAudit.DefaultScope())
}
