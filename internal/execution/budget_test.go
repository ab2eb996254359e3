package execution

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testLimits() Limits {
	return Limits{
		MaxTokens:     10000,
		MaxTime:       10 * time.Minute,
		MaxDepth:      3,
		MaxParallel:   4,
		MaxIterations: 10,
	}
}

func TestResourceBudget_IsExhausted(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(b *ResourceBudget, clock *fakeClock)
		depth  int
		want   bool
		reason string
	}{
		{"fresh budget", func(*ResourceBudget, *fakeClock) {}, 0, false, ""},
		{"tokens just under", func(b *ResourceBudget, _ *fakeClock) { b.ConsumeTokens(9999) }, 0, false, ""},
		{"tokens met", func(b *ResourceBudget, _ *fakeClock) { b.ConsumeTokens(10000) }, 0, true, "tokens"},
		{"tokens exceeded", func(b *ResourceBudget, _ *fakeClock) { b.ConsumeTokens(12000) }, 0, true, "tokens"},
		{"time met", func(_ *ResourceBudget, c *fakeClock) { c.Advance(10 * time.Minute) }, 0, true, "time"},
		{"depth equal to max is fine", func(*ResourceBudget, *fakeClock) {}, 3, false, ""},
		{"depth over max", func(*ResourceBudget, *fakeClock) {}, 4, true, "depth"},
		{"iterations met", func(b *ResourceBudget, _ *fakeClock) {
			for i := 0; i < 10; i++ {
				b.IncrementIteration()
			}
		}, 0, true, "iterations"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			b := NewResourceBudget(testLimits(), WithClock(clock.Now), WithDepth(tt.depth))
			tt.setup(b, clock)

			assert.Equal(t, tt.want, b.IsExhausted())
			reason, _ := b.ExhaustedBy()
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestResourceBudget_CountersAreMonotonic(t *testing.T) {
	b := NewResourceBudget(testLimits())
	b.ConsumeTokens(100)
	b.ConsumeTokens(-50)
	b.ConsumeTokens(0)
	assert.Equal(t, 100, b.TokensUsed())

	b.ConsumeTokens(math.MaxInt)
	assert.Equal(t, math.MaxInt, b.TokensUsed(), "saturates instead of overflowing")
	assert.Equal(t, 0, b.RemainingTokens())
}

func TestResourceBudget_AllocateChild(t *testing.T) {
	clock := newFakeClock()
	parent := NewResourceBudget(testLimits(), WithClock(clock.Now), WithDepth(1))
	parent.ConsumeTokens(4000)
	clock.Advance(2 * time.Minute)

	child := parent.AllocateChild(0.5)

	limits := child.Limits()
	assert.Equal(t, 3000, limits.MaxTokens)
	assert.Equal(t, 4*time.Minute, limits.MaxTime)
	assert.Equal(t, 3, limits.MaxDepth, "inherited")
	assert.Equal(t, 4, limits.MaxParallel, "inherited")
	assert.Equal(t, 5, limits.MaxIterations)
	assert.Equal(t, 2, child.CurrentDepth())
	assert.Zero(t, child.TokensUsed())
	assert.Zero(t, child.IterationsUsed())
	assert.Zero(t, child.Elapsed())
}

func TestResourceBudget_AllocateChildIsIndependent(t *testing.T) {
	parent := NewResourceBudget(testLimits())
	child := parent.AllocateChild(0.5)

	child.ConsumeTokens(2500)
	child.IncrementIteration()

	assert.Zero(t, parent.TokensUsed(), "child consumption is not charged to the parent")
	assert.Zero(t, parent.IterationsUsed())
}

func TestResourceBudget_AllocateChildClampsFraction(t *testing.T) {
	tests := []struct {
		name       string
		fraction   float64
		wantTokens int
		wantIters  int
	}{
		{"zero clamps to minimum", 0.0, 60, 1},
		{"negative clamps to minimum", -3, 60, 1},
		{"NaN clamps to minimum", math.NaN(), 60, 1},
		{"above one clamps to remaining", 2.0, 6000, 10},
		{"exactly one", 1.0, 6000, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parent := NewResourceBudget(testLimits())
			parent.ConsumeTokens(4000)

			child := parent.AllocateChild(tt.fraction)
			assert.Equal(t, tt.wantTokens, child.Limits().MaxTokens)
			assert.Greater(t, child.Limits().MaxTokens, 0)
			assert.Equal(t, tt.wantIters, child.Limits().MaxIterations)
		})
	}
}

func TestResourceBudget_AllocateChildFromSpentParent(t *testing.T) {
	clock := newFakeClock()
	parent := NewResourceBudget(testLimits(), WithClock(clock.Now))
	parent.ConsumeTokens(20000)
	clock.Advance(time.Hour)

	child := parent.AllocateChild(0.5)
	assert.Zero(t, child.Limits().MaxTokens)
	assert.Zero(t, child.Limits().MaxTime)
	assert.True(t, child.IsExhausted())
}

func TestResourceBudget_Snapshot(t *testing.T) {
	clock := newFakeClock()
	b := NewResourceBudget(testLimits(), WithClock(clock.Now))
	b.ConsumeTokens(10000)
	clock.Advance(time.Second)

	s := b.Snapshot()
	assert.Equal(t, 10000, s.TokensUsed)
	assert.Equal(t, time.Second, s.Elapsed)
	assert.True(t, s.Exhausted)
	assert.Equal(t, "tokens", s.ExhaustedReason)
}

func TestLimits_Validate(t *testing.T) {
	require.NoError(t, testLimits().Validate())

	bad := testLimits()
	bad.MaxParallel = 0
	assert.ErrorIs(t, bad.Validate(), ErrInvalidLimits)
}

func TestResourceBudget_ConcurrentConsume(t *testing.T) {
	b := NewResourceBudget(testLimits())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.ConsumeTokens(10)
			b.IncrementIteration()
		}()
	}
	wg.Wait()
	assert.Equal(t, 500, b.TokensUsed())
	assert.Equal(t, 50, b.IterationsUsed())
}
