package audit

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// EventType classifies an audit entry.
type EventType string

const (
	EventTaskSubmitted      EventType = "task_submitted"
	EventStageStarted       EventType = "stage_started"
	EventStageCompleted     EventType = "stage_completed"
	EventRouteDecided       EventType = "route_decided"
	EventChildSpawned       EventType = "child_spawned"
	EventArtifactWritten    EventType = "artifact_written"
	EventWriteRejected      EventType = "write_rejected"
	EventEscalationCreated  EventType = "escalation_created"
	EventEscalationResolved EventType = "escalation_resolved"
	EventTaskCommitted      EventType = "task_committed"
	EventTaskFailed         EventType = "task_failed"
	EventTaskCancelled      EventType = "task_cancelled"
	// EventArtifact holds an audit-kind memory artifact.
	EventArtifact EventType = "artifact"
)

// Entry is one immutable audit record.
type Entry struct {
	ID            string         `json:"id"`
	TaskID        string         `json:"task_id"`
	SessionID     string         `json:"session_id"`
	EventType     EventType      `json:"event_type"`
	AgentName     string         `json:"agent_name"`
	NodeName      string         `json:"node_name"`
	Description   string         `json:"description"`
	Data          map[string]any `json:"data"`
	Context       map[string]any `json:"context"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id"`
	DurationMS    int64          `json:"duration_ms"`
	TokenCount    int            `json:"token_count"`
}

// NewEntry returns an entry with a fresh id and the current time.
func NewEntry(taskID string, eventType EventType, description string) Entry {
	return Entry{
		ID:          newEntryID(),
		TaskID:      taskID,
		EventType:   eventType,
		Description: description,
		Timestamp:   time.Now().UTC(),
	}
}

func newEntryID() string {
	return "aud_" + uuid.New().String()
}

// Validate checks required fields.
func (e Entry) Validate() error {
	switch {
	case e.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidEntry)
	case e.TaskID == "":
		return fmt.Errorf("%w: task_id is required", ErrInvalidEntry)
	case e.EventType == "":
		return fmt.Errorf("%w: event_type is required", ErrInvalidEntry)
	case e.Timestamp.IsZero():
		return fmt.Errorf("%w: timestamp is required", ErrInvalidEntry)
	}
	return nil
}

// Clone copies the entry maps so the stored value cannot be changed
// through the caller's references.
func (e Entry) Clone() Entry {
	e.Data = maps.Clone(e.Data)
	e.Context = maps.Clone(e.Context)
	return e
}
