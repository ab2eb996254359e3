package escalation

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/cogflow/internal/logging"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("cogflow.escalation")

// DefaultSessionTTL is used when no TTL is configured.
const DefaultSessionTTL = 30 * time.Minute

// Resolution outcomes.
const (
	outcomeResponded = "responded"
	outcomeTimedOut  = "timed_out"
	outcomeWithdrawn = "withdrawn"
	outcomeRetained  = "retained"
)

type state int

const (
	stateCreated state = iota
	stateResponded
)

// pending is the future bound to an escalation id. ch is buffered so the
// single response can be delivered whether or not anyone waits yet. An
// entry created by a response or a wait before CreateEscalation is
// unregistered until CreateEscalation fills in esc.
type pending struct {
	esc        Escalation
	registered bool
	state      state
	waiting    bool
	ch         chan HumanResponse
	since      time.Time
}

// WaitOption configures one WaitForResponse call.
type WaitOption func(*waitConfig)

type waitConfig struct {
	retain bool
}

// RetainOnTimeout keeps the escalation registered when the wait times out,
// so a later response is stored for the next wait. A cancelled wait still
// discards it.
func RetainOnTimeout() WaitOption {
	return func(w *waitConfig) {
		w.retain = true
	}
}

// Coordinator owns collaborative sessions and the escalation futures.
// It is safe for concurrent use.
type Coordinator struct {
	ttl     time.Duration
	now     func() time.Time
	logger  *logging.Logger
	metrics *Metrics
	notify  func(context.Context, Escalation)

	mu          sync.Mutex
	sessions    map[string]*Session
	byTask      map[string]string
	escalations map[string]*pending
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithSessionTTL sets how long sessions stay active.
func WithSessionTTL(ttl time.Duration) Option {
	return func(c *Coordinator) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock overrides time.Now for session expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithLogger sets the coordinator logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l.Named("escalation")
	}
}

// WithMetrics sets the coordinator metrics.
func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithNotifier calls fn after every escalation is registered, so it can
// be announced to operators. fn must not block.
func WithNotifier(fn func(ctx context.Context, e Escalation)) Option {
	return func(c *Coordinator) {
		c.notify = fn
	}
}

// NewCoordinator returns an empty coordinator.
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		ttl:         DefaultSessionTTL,
		now:         time.Now,
		sessions:    make(map[string]*Session),
		byTask:      make(map[string]string),
		escalations: make(map[string]*pending),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateSession returns the active, unexpired session of taskID, or
// creates one for responder.
func (c *Coordinator) CreateSession(ctx context.Context, taskID, responder string) Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if id, ok := c.byTask[taskID]; ok {
		s := c.sessions[id]
		if s.Status == SessionActive && now.Before(s.ExpiresAt) {
			return s.clone()
		}
		if s.Status == SessionActive {
			s.Status = SessionExpired
			c.metrics.recordSessions(ctx, -1)
		}
	}

	s := &Session{
		ID:        "sess_" + uuid.New().String(),
		TaskID:    taskID,
		Responder: responder,
		Status:    SessionActive,
		CreatedAt: now,
		ExpiresAt: now.Add(c.ttl),
	}
	c.sessions[s.ID] = s
	c.byTask[taskID] = s.ID
	c.metrics.recordSessions(ctx, 1)
	c.logger.Debug(ctx, "session created",
		zap.String("session_id", s.ID),
		zap.String("task_id", taskID),
		zap.String("responder", responder),
	)
	return s.clone()
}

// Session returns the current session of taskID.
func (c *Coordinator) Session(taskID string) (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byTask[taskID]
	if !ok {
		return Session{}, false
	}
	return c.sessions[id].clone(), true
}

// AddMessage appends to the transcript of the active session of taskID.
func (c *Coordinator) AddMessage(taskID, role, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byTask[taskID]
	if !ok {
		return fmt.Errorf("%w: task %s", ErrSessionNotFound, taskID)
	}
	s := c.sessions[id]
	if s.Status != SessionActive {
		return fmt.Errorf("%w: %s is %s", ErrSessionClosed, s.ID, s.Status)
	}
	s.Messages = append(s.Messages, Message{Role: role, Content: content, Timestamp: c.now()})
	return nil
}

// CloseSession closes the session of taskID and forgets the mapping.
func (c *Coordinator) CloseSession(ctx context.Context, taskID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byTask[taskID]
	if !ok {
		return fmt.Errorf("%w: task %s", ErrSessionNotFound, taskID)
	}
	s := c.sessions[id]
	if s.Status == SessionActive {
		c.metrics.recordSessions(ctx, -1)
	}
	s.Status = SessionClosed
	delete(c.byTask, taskID)
	delete(c.sessions, id)
	return nil
}

// CleanupExpired marks sessions past their expiry as expired and drops
// their task mapping, so the next checkpoint opens a fresh session. Stored
// responses nobody registered or waited for within the TTL are dropped
// too. It returns the number of sessions expired.
func (c *Coordinator) CleanupExpired(ctx context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for id, s := range c.sessions {
		if s.Status != SessionActive {
			// Expired by an earlier sweep or replaced by CreateSession.
			delete(c.sessions, id)
			continue
		}
		if now.Before(s.ExpiresAt) {
			continue
		}
		s.Status = SessionExpired
		n++
		if c.byTask[s.TaskID] == id {
			delete(c.byTask, s.TaskID)
		}
	}
	for id, p := range c.escalations {
		if !p.registered && !p.waiting && !now.Before(p.since.Add(c.ttl)) {
			delete(c.escalations, id)
		}
	}
	c.metrics.recordSessions(ctx, -int64(n))
	if n > 0 {
		c.logger.Info(ctx, "expired sessions cleaned up", zap.Int("count", n))
	}
	return n
}

// RunJanitor calls CleanupExpired every interval until ctx is done.
func (c *Coordinator) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CleanupExpired(ctx)
		}
	}
}

// CreateEscalation registers e in the created state. An empty ID is
// generated. A caller-supplied ID binds to a response already stored
// under it.
func (c *Coordinator) CreateEscalation(ctx context.Context, e Escalation) (Escalation, error) {
	if e.TaskID == "" || e.Stage == "" {
		return Escalation{}, fmt.Errorf("%w: task_id and stage are required", ErrInvalidEscalation)
	}
	if e.ID == "" {
		e.ID = "esc_" + uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = c.now()
	}
	if e.Priority == "" {
		e.Priority = PriorityFor(e.Confidence)
	}
	e.Context = maps.Clone(e.Context)

	c.mu.Lock()
	p, ok := c.escalations[e.ID]
	if ok && p.registered {
		c.mu.Unlock()
		return Escalation{}, fmt.Errorf("%w: %s already pending", ErrInvalidEscalation, e.ID)
	}
	if !ok {
		p = c.entry(e.ID)
	}
	p.esc = e
	p.registered = true
	c.mu.Unlock()

	c.metrics.recordCreated(ctx, e.Stage, e.Priority)
	c.logger.Info(ctx, "escalation created",
		zap.String("escalation_id", e.ID),
		zap.String("task_id", e.TaskID),
		zap.String("stage", e.Stage),
		zap.String("priority", string(e.Priority)),
		zap.Float64("confidence", e.Confidence),
	)
	if c.notify != nil {
		c.notify(ctx, e)
	}
	return e, nil
}

// Get returns a registered escalation that has not been resolved yet.
func (c *Coordinator) Get(id string) (Escalation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.escalations[id]
	if !ok || !p.registered {
		return Escalation{}, false
	}
	return p.esc, true
}

// entry returns the future of id, creating it unregistered. c.mu is held.
func (c *Coordinator) entry(id string) *pending {
	p, ok := c.escalations[id]
	if !ok {
		p = &pending{ch: make(chan HumanResponse, 1), since: c.now()}
		c.escalations[id] = p
	}
	return p
}

// Pending lists unanswered escalations, oldest first.
func (c *Coordinator) Pending() []Escalation {
	c.mu.Lock()
	out := make([]Escalation, 0, len(c.escalations))
	for _, p := range c.escalations {
		if p.registered && p.state == stateCreated {
			out = append(out, p.esc)
		}
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// SubmitResponse resolves escalation id with r. It returns true when a
// waiter was signalled and false when the response was stored for a later
// wait, including a wait on an id not created yet. A second response to
// the same escalation is ignored and also returns false.
func (c *Coordinator) SubmitResponse(ctx context.Context, id string, r HumanResponse) bool {
	if r.RespondedAt.IsZero() {
		r.RespondedAt = c.now()
	}

	c.mu.Lock()
	p := c.entry(id)
	if p.state != stateCreated {
		c.mu.Unlock()
		c.logger.Warn(ctx, "response for answered escalation ignored",
			zap.String("escalation_id", id),
			zap.String("responder", r.Responder),
		)
		return false
	}
	if !p.registered {
		c.logger.Debug(ctx, "response stored before escalation was created", zap.String("escalation_id", id))
	}
	p.state = stateResponded
	p.ch <- r
	delivered := p.waiting
	c.mu.Unlock()

	c.logger.Info(ctx, "escalation response submitted",
		zap.String("escalation_id", id),
		zap.String("response_type", string(r.Type)),
		zap.String("responder", r.Responder),
		zap.Bool("delivered", delivered),
	)
	return delivered
}

// WaitForResponse suspends until escalation id is answered or timeout
// elapses. On timeout it returns nil, false and discards the escalation
// unless RetainOnTimeout is given. Cancelling ctx ends the wait and always
// discards it. A response submitted before the wait started, even before
// the escalation was created, is returned immediately.
func (c *Coordinator) WaitForResponse(ctx context.Context, id string, timeout time.Duration, opts ...WaitOption) (*HumanResponse, bool) {
	var cfg waitConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, span := tracer.Start(ctx, "Coordinator.WaitForResponse")
	defer span.End()
	span.SetAttributes(attribute.String("escalation_id", id), attribute.String("timeout", timeout.String()))

	c.mu.Lock()
	p := c.entry(id)
	p.waiting = true
	ch := p.ch
	c.mu.Unlock()

	start := time.Now()
	timer := time.NewTimer(max(timeout, 0))
	defer timer.Stop()

	select {
	case r := <-ch:
		c.resolve(ctx, id, outcomeResponded, start)
		span.SetAttributes(attribute.String("outcome", outcomeResponded))
		return &r, true
	case <-timer.C:
	case <-ctx.Done():
	}

	// A response may have raced the timer.
	cancelled := ctx.Err() != nil
	retained := cfg.retain && !cancelled
	c.mu.Lock()
	select {
	case r := <-ch:
		c.mu.Unlock()
		c.resolve(ctx, id, outcomeResponded, start)
		return &r, true
	default:
	}
	if retained {
		p.waiting = false
	} else {
		delete(c.escalations, id)
	}
	c.mu.Unlock()

	outcome := outcomeTimedOut
	switch {
	case cancelled:
		outcome = outcomeWithdrawn
	case retained:
		outcome = outcomeRetained
	}
	c.metrics.recordResolved(ctx, outcome, time.Since(start))
	span.SetAttributes(attribute.String("outcome", outcome))
	c.logger.Warn(ctx, "escalation wait ended without a response",
		zap.String("escalation_id", id),
		zap.Duration("timeout", timeout),
		zap.Bool("cancelled", cancelled),
		zap.Bool("retained", retained),
	)
	return nil, false
}

// Withdraw discards an escalation nobody will wait for again, such as the
// retained escalation of a cancelled task. It reports whether id existed.
func (c *Coordinator) Withdraw(ctx context.Context, id string) bool {
	c.mu.Lock()
	_, ok := c.escalations[id]
	delete(c.escalations, id)
	c.mu.Unlock()
	if ok {
		c.metrics.recordResolved(ctx, outcomeWithdrawn, 0)
		c.logger.Info(ctx, "escalation withdrawn", zap.String("escalation_id", id))
	}
	return ok
}

func (c *Coordinator) resolve(ctx context.Context, id, outcome string, start time.Time) {
	c.mu.Lock()
	delete(c.escalations, id)
	c.mu.Unlock()
	c.metrics.recordResolved(ctx, outcome, time.Since(start))
}
