package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/cogflow/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var gatewayTracer = otel.Tracer("cogflow.memory.gateway")

// Default identities.
const (
	DefaultCommitAuthority = "publisher"
	DefaultSystemWriter    = "system"
)

// Gateway enforces who may write what to which memory.
//
// The gateway decides; it does not search or index. Accepted artifacts are
// handed to the backend registered for their kind.
type Gateway struct {
	registry         *Registry
	defaultAuthority string
	systemWriter     string
	scrubber         Scrubber
	logger           *logging.Logger
	now              func() time.Time

	mu          sync.RWMutex
	authorities map[string]string
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithDefaultCommitAuthority sets the authority used for tasks without one.
func WithDefaultCommitAuthority(identity string) GatewayOption {
	return func(g *Gateway) {
		g.defaultAuthority = identity
	}
}

// WithSystemWriter sets the only identity allowed to write audit memory.
func WithSystemWriter(identity string) GatewayOption {
	return func(g *Gateway) {
		g.systemWriter = identity
	}
}

// WithScrubber scrubs shared content before it is stored.
func WithScrubber(s Scrubber) GatewayOption {
	return func(g *Gateway) {
		g.scrubber = s
	}
}

// WithLogger sets the gateway logger.
func WithLogger(l *logging.Logger) GatewayOption {
	return func(g *Gateway) {
		g.logger = l.Named("gateway")
	}
}

// WithClock overrides time.Now for validation timestamps.
func WithClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) {
		g.now = now
	}
}

// NewGateway returns a gateway writing through registry.
func NewGateway(registry *Registry, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		registry:         registry,
		defaultAuthority: DefaultCommitAuthority,
		systemWriter:     DefaultSystemWriter,
		scrubber:         NopScrubber{},
		now:              time.Now,
		authorities:      make(map[string]string),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Registry returns the backend registry, for reads.
func (g *Gateway) Registry() *Registry {
	return g.registry
}

// SystemWriter returns the audit writer identity.
func (g *Gateway) SystemWriter() string {
	return g.systemWriter
}

// SetCommitAuthority designates the single identity allowed to write
// validated shared artifacts of taskID.
func (g *Gateway) SetCommitAuthority(taskID, identity string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.authorities[taskID] = identity
}

// CommitAuthority returns the commit authority of taskID.
func (g *Gateway) CommitAuthority(taskID string) string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if id, ok := g.authorities[taskID]; ok {
		return id
	}
	return g.defaultAuthority
}

// ReleaseTask forgets the authority of a finished task.
func (g *Gateway) ReleaseTask(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.authorities, taskID)
}

// Decide applies the write rules to a without touching any backend.
// It returns nil when the write is allowed.
func (g *Gateway) Decide(a Artifact, writer string) *ViolationError {
	reject := func(r Reason) *ViolationError {
		return &ViolationError{Reason: r, ArtifactID: a.ID, Kind: a.Kind, Writer: writer}
	}
	if a.Kind == KindAudit {
		if writer != g.systemWriter {
			return reject(ReasonSystemOnly)
		}
		if a.Validated {
			return reject(ReasonImmutable)
		}
		return nil
	}
	switch a.Scope {
	case ScopePrivate:
		return nil
	case ScopeShared:
		if !a.Validated {
			return reject(ReasonUnvalidated)
		}
		if writer != g.CommitAuthority(a.TaskID) {
			return reject(ReasonUnauthorized)
		}
		return nil
	}
	return reject(ReasonUnauthorized)
}

// Write stores a on behalf of writer if the rules allow it. Rejections
// are returned as *ViolationError and are never retried or dropped.
func (g *Gateway) Write(ctx context.Context, a Artifact, writer string) error {
	ctx, span := gatewayTracer.Start(ctx, "Gateway.Write")
	defer span.End()
	span.SetAttributes(
		attribute.String("artifact_id", a.ID),
		attribute.String("kind", string(a.Kind)),
		attribute.String("writer", writer),
	)

	if err := a.Check(); err != nil {
		GatewayWrites.WithLabelValues(string(a.Kind), "error", "invalid").Inc()
		return err
	}
	if v := g.Decide(a, writer); v != nil {
		return g.rejected(ctx, span, v)
	}

	backend, err := g.registry.Get(a.Kind)
	if err != nil {
		GatewayWrites.WithLabelValues(string(a.Kind), "error", "no_backend").Inc()
		span.RecordError(err)
		return err
	}

	stored := a.Clone()
	switch a.Scope {
	case ScopePrivate:
		// Private artifacts may be overwritten only by their own task.
		if existing, err := backend.Retrieve(ctx, a.ID); err == nil && existing.TaskID != a.TaskID {
			return g.rejected(ctx, span, &ViolationError{Reason: ReasonUnauthorized, ArtifactID: a.ID, Kind: a.Kind, Writer: writer})
		}
	case ScopeShared:
		clean, rules := g.scrubber.Scrub(stored.Content)
		if len(rules) > 0 {
			stored.Content = clean
			for _, r := range rules {
				SecretsRedacted.WithLabelValues(r).Inc()
			}
			g.logger.Warn(ctx, "secrets redacted from shared artifact",
				zap.String("artifact_id", a.ID),
				zap.Strings("rules", rules),
			)
		}
	}
	if a.Kind == KindAudit {
		if _, err := backend.Retrieve(ctx, a.ID); err == nil {
			return g.rejected(ctx, span, &ViolationError{Reason: ReasonImmutable, ArtifactID: a.ID, Kind: a.Kind, Writer: writer})
		}
	}

	start := time.Now()
	err = backend.Store(ctx, stored)
	BackendStoreDuration.WithLabelValues(string(a.Kind)).Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, ErrAppendOnly) {
			return g.rejected(ctx, span, &ViolationError{Reason: ReasonImmutable, ArtifactID: a.ID, Kind: a.Kind, Writer: writer})
		}
		GatewayWrites.WithLabelValues(string(a.Kind), "error", "backend").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("storing %s artifact %s: %w", a.Kind, a.ID, err)
	}

	GatewayWrites.WithLabelValues(string(a.Kind), "accepted", "").Inc()
	span.SetStatus(codes.Ok, "accepted")
	g.logger.Debug(ctx, "artifact written",
		zap.String("artifact_id", a.ID),
		zap.String("kind", string(a.Kind)),
		zap.String("writer", writer),
	)
	return nil
}

func (g *Gateway) rejected(ctx context.Context, span trace.Span, v *ViolationError) error {
	GatewayWrites.WithLabelValues(string(v.Kind), "rejected", string(v.Reason)).Inc()
	span.SetStatus(codes.Error, string(v.Reason))
	g.logger.Warn(ctx, "memory write rejected",
		zap.String("artifact_id", v.ArtifactID),
		zap.String("kind", string(v.Kind)),
		zap.String("writer", v.Writer),
		zap.String("reason", string(v.Reason)),
	)
	return v
}

// Validate returns a copy of a marked validated by validator. a itself is
// not changed. Validation happens once: validating a validated artifact,
// or any audit artifact, is an error.
func (g *Gateway) Validate(a Artifact, validator string) (Artifact, error) {
	if a.Kind == KindAudit {
		return Artifact{}, fmt.Errorf("%w: %s", ErrNotValidatable, a.ID)
	}
	if a.Validated {
		return Artifact{}, fmt.Errorf("%w: %s by %s", ErrAlreadyValidated, a.ID, a.ValidatedBy)
	}
	if validator == "" {
		return Artifact{}, fmt.Errorf("%w: validator identity is required", ErrInvalidArtifact)
	}
	n := a.Clone()
	n.Validated = true
	n.ValidatedBy = validator
	n.ValidatedAt = g.now().UTC()
	GatewayValidations.WithLabelValues(string(a.Kind)).Inc()
	return n, nil
}
