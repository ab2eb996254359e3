package generator

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/cogflow/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("cogflow.generator")

// Limited wraps a Generator with a request rate limit, a per-call timeout,
// tracing and logging.
type Limited struct {
	next     Generator
	provider string
	limiter  *rate.Limiter
	timeout  time.Duration
	logger   *logging.Logger
}

// NewLimited allows rps requests per second with burst. A non-positive rps
// disables limiting; a non-positive timeout disables the call deadline.
func NewLimited(next Generator, provider string, rps float64, burst int, timeout time.Duration, logger *logging.Logger) *Limited {
	l := &Limited{
		next:     next,
		provider: provider,
		timeout:  timeout,
		logger:   logger.Named("generator"),
	}
	if rps > 0 {
		l.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
	}
	return l
}

// Generate implements Generator.
func (l *Limited) Generate(ctx context.Context, msgs []Message) (Response, error) {
	ctx, span := tracer.Start(ctx, "Generator.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("provider", l.provider), attribute.Int("messages", len(msgs)))

	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			span.RecordError(err)
			return Response{}, fmt.Errorf("waiting for %s rate limit: %w", l.provider, err)
		}
	}
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := l.next.Generate(ctx, msgs)
	elapsed := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.logger.Warn(ctx, "generation failed",
			zap.String("provider", l.provider),
			zap.Duration("duration", elapsed),
			zap.Error(err),
		)
		return Response{}, err
	}

	span.SetAttributes(
		attribute.Int("input_tokens", resp.InputTokens),
		attribute.Int("output_tokens", resp.OutputTokens),
	)
	span.SetStatus(codes.Ok, "success")
	l.logger.Debug(ctx, "generation complete",
		zap.String("provider", l.provider),
		zap.String("model", resp.Model),
		zap.Int("tokens", resp.TotalTokens()),
		zap.Duration("duration", elapsed),
	)
	return resp, nil
}
