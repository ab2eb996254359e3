package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fyrsmithlabs/cogflow/internal/audit"
	"github.com/fyrsmithlabs/cogflow/internal/engine"
	"github.com/fyrsmithlabs/cogflow/internal/escalation"
	"github.com/fyrsmithlabs/cogflow/internal/execution"
	"github.com/fyrsmithlabs/cogflow/internal/generator"
	"github.com/fyrsmithlabs/cogflow/internal/logging"
	"github.com/fyrsmithlabs/cogflow/internal/memory"
	"github.com/fyrsmithlabs/cogflow/internal/pipeline"
	"github.com/fyrsmithlabs/cogflow/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// answer approves at validate and echoes something plausible elsewhere.
func answer(msgs []generator.Message) (generator.Response, error) {
	if strings.HasPrefix(msgs[0].Content, "You review the output of an automated") {
		return generator.Response{Text: `{"valid": true}`}, nil
	}
	return generator.Response{Text: "- do the work", InputTokens: 3}, nil
}

func newTestServices(t *testing.T) services.Registry {
	t.Helper()
	reg := memory.NewRegistry()
	for _, kind := range []memory.Kind{memory.KindPrivateEphemeral, memory.KindSharedSemantic, memory.KindSharedProcedural} {
		require.NoError(t, reg.Register(kind, memory.NewInMemoryBackend()))
	}
	store := audit.NewMemoryStore()
	require.NoError(t, reg.Register(memory.KindAudit, memory.NewAuditBackend(store)))
	gateway := memory.NewGateway(reg)
	recorder := audit.NewRecorder(store)
	gen := &generator.Fake{Handler: answer}

	stages := engine.NewStages(gen, gateway, nil)
	runner, err := engine.NewRunner(pipeline.NewDefaultRouter(), gateway, stages.Handlers(), engine.WithRecorder(recorder))
	require.NoError(t, err)
	manager := engine.NewManager(runner, engine.WithLimits(execution.Limits{
		MaxTokens: 10000, MaxTime: time.Minute, MaxDepth: 1, MaxParallel: 1, MaxIterations: 3,
	}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})

	return services.NewRegistry(services.Options{
		Tasks:       manager,
		Escalations: escalation.NewCoordinator(),
		Gateway:     gateway,
		Audit:       recorder,
		Generator:   gen,
	})
}

func setupTestServer(t *testing.T) (*Server, services.Registry) {
	t.Helper()
	reg := newTestServices(t)
	server, err := NewServer(reg, logging.NewTestLogger().Logger, &Config{Host: "localhost", Port: 0, Version: "test"})
	require.NoError(t, err)
	return server, reg
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestNewServer(t *testing.T) {
	logger := logging.NewNop()

	t.Run("creates server with valid config", func(t *testing.T) {
		reg := newTestServices(t)
		cfg := &Config{Host: "localhost", Port: 9000}
		server, err := NewServer(reg, logger, cfg)
		require.NoError(t, err)
		assert.NotNil(t, server.echo)
		assert.Equal(t, cfg, server.config)
	})

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server, err := NewServer(newTestServices(t), logger, nil)
		require.NoError(t, err)
		assert.Equal(t, "localhost", server.config.Host)
		assert.Equal(t, 9191, server.config.Port)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(newTestServices(t), nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error without a task manager", func(t *testing.T) {
		_, err := NewServer(services.NewRegistry(services.Options{}), logger, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "task manager cannot be nil")
	})

	t.Run("returns error without a coordinator", func(t *testing.T) {
		reg := newTestServices(t)
		_, err := NewServer(services.NewRegistry(services.Options{Tasks: reg.Tasks()}), logger, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "escalation coordinator cannot be nil")
	})
}

func TestHandleHealth(t *testing.T) {
	server, _ := setupTestServer(t)
	rec := do(t, server, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[HealthResponse](t, rec).Status)
}

func TestHandleMetrics(t *testing.T) {
	server, _ := setupTestServer(t)
	rec := do(t, server, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cogflow_engine_tasks_running")
}

func TestTaskLifecycle(t *testing.T) {
	server, reg := setupTestServer(t)

	rec := do(t, server, http.MethodPost, "/api/v1/tasks", engine.SubmitRequest{
		Description: "summarise the report",
		SessionID:   "sess-1",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	submitted := decode[engine.Snapshot](t, rec)
	require.NotEmpty(t, submitted.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := reg.Tasks().Wait(ctx, submitted.ID)
	require.NoError(t, err)

	t.Run("get", func(t *testing.T) {
		rec := do(t, server, http.MethodGet, "/api/v1/tasks/"+submitted.ID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		snap := decode[engine.Snapshot](t, rec)
		assert.Equal(t, engine.TaskCommitted, snap.Status)
		assert.Equal(t, pipeline.StageCommit, snap.State.Stage)
		assert.Equal(t, "sess-1", snap.State.SessionID)
		assert.Equal(t, execution.StatusCompleted, snap.Context.Status)
	})

	t.Run("list", func(t *testing.T) {
		rec := do(t, server, http.MethodGet, "/api/v1/tasks", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		list := decode[TaskListResponse](t, rec)
		assert.Equal(t, 1, list.Count)
		assert.Equal(t, submitted.ID, list.Tasks[0].ID)
	})

	t.Run("audit", func(t *testing.T) {
		rec := do(t, server, http.MethodGet, "/api/v1/tasks/"+submitted.ID+"/audit", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		trail := decode[AuditResponse](t, rec)
		require.NotEmpty(t, trail.Entries)
		assert.Equal(t, trail.Count, len(trail.Entries))
		assert.Equal(t, audit.EventTaskSubmitted, trail.Entries[0].EventType)
		assert.Equal(t, audit.EventTaskCommitted, trail.Entries[len(trail.Entries)-1].EventType)
	})

	t.Run("status", func(t *testing.T) {
		rec := do(t, server, http.MethodGet, "/api/v1/status", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		status := decode[StatusResponse](t, rec)
		assert.Equal(t, "test", status.Version)
		assert.Equal(t, StatusCounts{Total: 1, Committed: 1}, status.Tasks)
	})

	t.Run("finished tasks conflict", func(t *testing.T) {
		assert.Equal(t, http.StatusConflict, do(t, server, http.MethodPost, "/api/v1/tasks/"+submitted.ID+"/cancel", nil).Code)
		assert.Equal(t, http.StatusConflict, do(t, server, http.MethodPost, "/api/v1/tasks/"+submitted.ID+"/resume", nil).Code)
	})
}

func TestSubmitTask_BadRequests(t *testing.T) {
	server, _ := setupTestServer(t)

	tests := []struct {
		name string
		body any
	}{
		{"malformed json", `{"description":`},
		{"missing description", engine.SubmitRequest{}},
		{"negative iterations", engine.SubmitRequest{Description: "x", MaxIterations: -2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, server, http.MethodPost, "/api/v1/tasks", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestUnknownTask(t *testing.T) {
	server, _ := setupTestServer(t)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/tasks/task_missing"},
		{http.MethodGet, "/api/v1/tasks/task_missing/audit"},
		{http.MethodPost, "/api/v1/tasks/task_missing/cancel"},
		{http.MethodPost, "/api/v1/tasks/task_missing/resume"},
	} {
		rec := do(t, server, tc.method, tc.path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, tc.path)
	}
}

func TestEscalationEndpoints(t *testing.T) {
	server, reg := setupTestServer(t)
	esc, err := reg.Escalations().CreateEscalation(context.Background(), escalation.Escalation{
		TaskID:   "task_x",
		Stage:    "plan",
		Question: "Is the plan right?",
	})
	require.NoError(t, err)

	rec := do(t, server, http.MethodGet, "/api/v1/escalations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[EscalationListResponse](t, rec)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, esc.ID, list.Escalations[0].ID)

	t.Run("invalid response", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/api/v1/escalations/"+esc.ID+"/response",
			escalation.HumanResponse{Type: "maybe", Responder: "op"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown escalation", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/api/v1/escalations/esc_missing/response",
			escalation.HumanResponse{Type: escalation.ResponseApprove, Responder: "op"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("stored for the next wait", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/api/v1/escalations/"+esc.ID+"/response",
			escalation.HumanResponse{Type: escalation.ResponseApprove, Responder: "op"})
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[RespondResponse](t, rec)
		assert.Equal(t, esc.ID, resp.EscalationID)
		assert.False(t, resp.Delivered, "nobody was waiting")

		rec = do(t, server, http.MethodGet, "/api/v1/escalations", nil)
		assert.Equal(t, 0, decode[EscalationListResponse](t, rec).Count)
	})
}
