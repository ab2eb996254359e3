package http

import (
	"github.com/fyrsmithlabs/cogflow/internal/audit"
	"github.com/fyrsmithlabs/cogflow/internal/engine"
	"github.com/fyrsmithlabs/cogflow/internal/escalation"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// StatusResponse is the response body for GET /api/v1/status.
type StatusResponse struct {
	Status             string       `json:"status"`
	Version            string       `json:"version,omitempty"`
	Tasks              StatusCounts `json:"tasks"`
	PendingEscalations int          `json:"pending_escalations"`
}

// StatusCounts counts tasks per status.
type StatusCounts struct {
	Total     int `json:"total"`
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Paused    int `json:"paused"`
	Committed int `json:"committed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// TaskListResponse is the response body for GET /api/v1/tasks.
type TaskListResponse struct {
	Tasks []engine.Snapshot `json:"tasks"`
	Count int               `json:"count"`
}

// AuditResponse is the response body for GET /api/v1/tasks/:id/audit.
type AuditResponse struct {
	TaskID  string        `json:"task_id"`
	Entries []audit.Entry `json:"entries"`
	Count   int           `json:"count"`
}

// EscalationListResponse is the response body for GET /api/v1/escalations.
type EscalationListResponse struct {
	Escalations []escalation.Escalation `json:"escalations"`
	Count       int                     `json:"count"`
}

// RespondResponse is the response body for
// POST /api/v1/escalations/:id/response. Delivered is false when no task
// was waiting; the response is then kept for the next resume.
type RespondResponse struct {
	EscalationID string `json:"escalation_id"`
	Delivered    bool   `json:"delivered"`
}
