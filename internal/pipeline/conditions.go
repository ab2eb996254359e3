package pipeline

import (
	"fmt"
	"sort"
	"sync"
)

// Built-in condition names.
const (
	CondIsFailed            = "is_failed"
	CondIterationsExhausted = "iterations_exhausted"
	CondIsValidated         = "is_validated"
	CondShouldReplan        = "should_replan"
	CondAlways              = "always"
)

// Condition is a predicate over a task state. Conditions must be pure.
type Condition func(TaskState) bool

// ConditionRegistry maps condition names to predicates. It is safe for
// concurrent use, but is meant to be filled at startup and read afterwards.
type ConditionRegistry struct {
	mu         sync.RWMutex
	conditions map[string]Condition
}

// NewConditionRegistry returns a registry holding the built-in conditions.
func NewConditionRegistry() *ConditionRegistry {
	r := &ConditionRegistry{conditions: make(map[string]Condition)}
	r.conditions[CondIsFailed] = func(s TaskState) bool { return s.Failed }
	r.conditions[CondIterationsExhausted] = TaskState.IterationsExhausted
	r.conditions[CondIsValidated] = func(s TaskState) bool { return s.Validated }
	r.conditions[CondShouldReplan] = func(s TaskState) bool { return s.ShouldReplan }
	r.conditions[CondAlways] = func(TaskState) bool { return true }
	return r
}

// Register adds a named condition. Names are unique.
func (r *ConditionRegistry) Register(name string, cond Condition) error {
	if name == "" || cond == nil {
		return fmt.Errorf("%w: name and predicate are required", ErrInvalidCondition)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conditions[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateCondition, name)
	}
	r.conditions[name] = cond
	return nil
}

// Lookup returns the condition registered under name.
func (r *ConditionRegistry) Lookup(name string) (Condition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conditions[name]
	return c, ok
}

// Names returns registered names in sorted order.
func (r *ConditionRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.conditions))
	for n := range r.conditions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
