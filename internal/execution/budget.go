package execution

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Fraction bounds for AllocateChild.
const (
	MinChildFraction = 0.01
	MaxChildFraction = 1.0
)

// Limits are the quotas of a ResourceBudget.
type Limits struct {
	MaxTokens     int           `json:"max_tokens"`
	MaxTime       time.Duration `json:"max_time"`
	MaxDepth      int           `json:"max_depth"`
	MaxParallel   int           `json:"max_parallel"`
	MaxIterations int           `json:"max_iterations"`
}

// Validate checks the limits are usable.
func (l Limits) Validate() error {
	if l.MaxTokens < 0 || l.MaxTime < 0 || l.MaxDepth < 0 || l.MaxParallel < 1 || l.MaxIterations < 1 {
		return fmt.Errorf("%w: %+v", ErrInvalidLimits, l)
	}
	return nil
}

// ResourceBudget tracks consumption against Limits. Counters only grow;
// exceeding a limit is detected by IsExhausted, never enforced here.
//
// A budget belongs to one ExecutionContext. AllocateChild derives a new,
// independent budget: the child's consumption is never charged back to the
// parent.
type ResourceBudget struct {
	mu sync.RWMutex

	limits         Limits
	tokensUsed     int
	iterationsUsed int
	currentDepth   int
	startedAt      time.Time

	now func() time.Time
}

// BudgetOption configures a ResourceBudget.
type BudgetOption func(*ResourceBudget)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) BudgetOption {
	return func(b *ResourceBudget) {
		b.now = now
	}
}

// WithDepth sets the starting recursion depth.
func WithDepth(depth int) BudgetOption {
	return func(b *ResourceBudget) {
		b.currentDepth = depth
	}
}

// NewResourceBudget starts a budget clock now.
func NewResourceBudget(limits Limits, opts ...BudgetOption) *ResourceBudget {
	b := &ResourceBudget{limits: limits, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	b.startedAt = b.now()
	return b
}

// Limits returns the quotas.
func (b *ResourceBudget) Limits() Limits {
	return b.limits
}

// ConsumeTokens adds n to the token counter. Negative n is ignored.
func (b *ResourceBudget) ConsumeTokens(n int) {
	if n <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tokensUsed > math.MaxInt-n {
		b.tokensUsed = math.MaxInt
		return
	}
	b.tokensUsed += n
}

// IncrementIteration counts one plan/execute/validate loop.
func (b *ResourceBudget) IncrementIteration() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.iterationsUsed++
}

// TokensUsed returns the token counter.
func (b *ResourceBudget) TokensUsed() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tokensUsed
}

// IterationsUsed returns the iteration counter.
func (b *ResourceBudget) IterationsUsed() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.iterationsUsed
}

// CurrentDepth returns the recursion depth of this budget.
func (b *ResourceBudget) CurrentDepth() int {
	return b.currentDepth
}

// Elapsed returns wall-clock time since the budget started.
func (b *ResourceBudget) Elapsed() time.Duration {
	return b.now().Sub(b.startedAt)
}

// RemainingTokens returns max(0, MaxTokens - used).
func (b *ResourceBudget) RemainingTokens() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return max(0, b.limits.MaxTokens-b.tokensUsed)
}

// RemainingTime returns max(0, MaxTime - elapsed).
func (b *ResourceBudget) RemainingTime() time.Duration {
	return max(0, b.limits.MaxTime-b.Elapsed())
}

// IsExhausted reports whether any single limit is met or exceeded.
func (b *ResourceBudget) IsExhausted() bool {
	_, exhausted := b.ExhaustedBy()
	return exhausted
}

// ExhaustedBy names the first limit that is met: "tokens", "time", "depth"
// or "iterations".
func (b *ResourceBudget) ExhaustedBy() (string, bool) {
	b.mu.RLock()
	tokens, iterations := b.tokensUsed, b.iterationsUsed
	b.mu.RUnlock()

	switch {
	case tokens >= b.limits.MaxTokens:
		return "tokens", true
	case b.Elapsed() >= b.limits.MaxTime:
		return "time", true
	case b.currentDepth > b.limits.MaxDepth:
		return "depth", true
	case iterations >= b.limits.MaxIterations:
		return "iterations", true
	}
	return "", false
}

// AllocateChild derives a budget for a nested pipeline from this budget's
// remaining capacity. fraction is clamped to [0.01, 1.0].
//
//	max_tokens     = floor(remaining_tokens * f)
//	max_time       = remaining_time * f
//	max_iterations = max(1, floor(max_iterations * f))
//	max_depth, max_parallel inherited; depth = parent depth + 1
func (b *ResourceBudget) AllocateChild(fraction float64) *ResourceBudget {
	f := ClampFraction(fraction)

	limits := Limits{
		MaxTokens:     int(math.Floor(float64(b.RemainingTokens()) * f)),
		MaxTime:       time.Duration(float64(b.RemainingTime()) * f),
		MaxDepth:      b.limits.MaxDepth,
		MaxParallel:   b.limits.MaxParallel,
		MaxIterations: max(1, int(math.Floor(float64(b.limits.MaxIterations)*f))),
	}
	return NewResourceBudget(limits, WithClock(b.now), WithDepth(b.currentDepth+1))
}

// ClampFraction clamps f into [MinChildFraction, MaxChildFraction]. NaN
// maps to the minimum.
func ClampFraction(f float64) float64 {
	if math.IsNaN(f) || f < MinChildFraction {
		return MinChildFraction
	}
	if f > MaxChildFraction {
		return MaxChildFraction
	}
	return f
}

// BudgetSnapshot is a point-in-time copy for reporting.
type BudgetSnapshot struct {
	Limits
	TokensUsed      int           `json:"tokens_used"`
	IterationsUsed  int           `json:"iterations_used"`
	CurrentDepth    int           `json:"current_depth"`
	StartedAt       time.Time     `json:"started_at"`
	Elapsed         time.Duration `json:"elapsed"`
	Exhausted       bool          `json:"exhausted"`
	ExhaustedReason string        `json:"exhausted_reason,omitempty"`
}

// Snapshot copies the budget state.
func (b *ResourceBudget) Snapshot() BudgetSnapshot {
	reason, exhausted := b.ExhaustedBy()
	b.mu.RLock()
	defer b.mu.RUnlock()
	return BudgetSnapshot{
		Limits:          b.limits,
		TokensUsed:      b.tokensUsed,
		IterationsUsed:  b.iterationsUsed,
		CurrentDepth:    b.currentDepth,
		StartedAt:       b.startedAt,
		Elapsed:         b.now().Sub(b.startedAt),
		Exhausted:       exhausted,
		ExhaustedReason: reason,
	}
}
