// Package events publishes task lifecycle and audit events on NATS.
//
// Subjects:
//
//	{prefix}.tasks.{task_id}.{event}   task lifecycle (submitted, stage, committed, failed, ...)
//	{prefix}.audit.{task_id}           every audit entry of a task
//	{prefix}.escalations.{task_id}     escalations waiting on a human
//
// Payloads are JSON.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/cogflow/internal/audit"
	"github.com/fyrsmithlabs/cogflow/internal/config"
	"github.com/fyrsmithlabs/cogflow/internal/logging"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// TaskEvent is the payload of a task lifecycle event.
type TaskEvent struct {
	TaskID    string         `json:"task_id"`
	SessionID string         `json:"session_id,omitempty"`
	Event     string         `json:"event"`
	Stage     string         `json:"stage,omitempty"`
	Status    string         `json:"status,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Publisher emits events. Implementations must be safe for concurrent use.
type Publisher interface {
	PublishTask(ctx context.Context, ev TaskEvent) error
	PublishAudit(ctx context.Context, e audit.Entry) error
	PublishEscalation(ctx context.Context, taskID string, payload any) error
	Close()
}

// NATSPublisher publishes on a NATS connection.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	logger *logging.Logger
	owned  bool
}

// Connect dials cfg.URL and returns a publisher that owns the connection.
func Connect(cfg config.EventsConfig, logger *logging.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("cogflow"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	p := NewNATSPublisher(nc, cfg.SubjectPrefix, logger)
	p.owned = true
	logger.Info(context.Background(), "connected to NATS", zap.String("url", cfg.URL))
	return p, nil
}

// NewNATSPublisher wraps an existing connection; Close leaves it open.
func NewNATSPublisher(nc *nats.Conn, prefix string, logger *logging.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = "cogflow"
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger.Named("events")}
}

// TaskSubject returns the subject of a task lifecycle event.
func (p *NATSPublisher) TaskSubject(taskID, event string) string {
	return fmt.Sprintf("%s.tasks.%s.%s", p.prefix, token(taskID), token(event))
}

// AuditSubject returns the subject audit entries of taskID are sent on.
func (p *NATSPublisher) AuditSubject(taskID string) string {
	return fmt.Sprintf("%s.audit.%s", p.prefix, token(taskID))
}

// EscalationSubject returns the subject escalations of taskID are sent on.
func (p *NATSPublisher) EscalationSubject(taskID string) string {
	return fmt.Sprintf("%s.escalations.%s", p.prefix, token(taskID))
}

// PublishTask implements Publisher.
func (p *NATSPublisher) PublishTask(ctx context.Context, ev TaskEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return p.publish(ctx, p.TaskSubject(ev.TaskID, ev.Event), ev)
}

// PublishAudit implements Publisher and audit.Sink.
func (p *NATSPublisher) PublishAudit(ctx context.Context, e audit.Entry) error {
	return p.publish(ctx, p.AuditSubject(e.TaskID), e)
}

// PublishEscalation implements Publisher.
func (p *NATSPublisher) PublishEscalation(ctx context.Context, taskID string, payload any) error {
	return p.publish(ctx, p.EscalationSubject(taskID), payload)
}

func (p *NATSPublisher) publish(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.logger.Trace(ctx, "event published", zap.String("subject", subject), zap.Int("bytes", len(data)))
	return nil
}

// Close drains and closes the connection if the publisher owns it.
func (p *NATSPublisher) Close() {
	if !p.owned {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
	}
}

// token makes s safe as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

// Nop discards every event.
type Nop struct{}

func (Nop) PublishTask(context.Context, TaskEvent) error         { return nil }
func (Nop) PublishAudit(context.Context, audit.Entry) error      { return nil }
func (Nop) PublishEscalation(context.Context, string, any) error { return nil }
func (Nop) Close()                                               {}

var (
	_ Publisher  = (*NATSPublisher)(nil)
	_ Publisher  = Nop{}
	_ audit.Sink = (*NATSPublisher)(nil)
)
