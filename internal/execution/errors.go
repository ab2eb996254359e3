package execution

import "errors"

// Budget errors.
var (
	ErrBudgetExhausted = errors.New("resource budget exhausted")
	ErrDepthExceeded   = errors.New("maximum execution depth exceeded")
	ErrInvalidLimits   = errors.New("invalid budget limits")
)

// Context lifecycle errors.
var (
	ErrInvalidTransition = errors.New("invalid execution status transition")
	ErrNotTerminal       = errors.New("status is not terminal")
	ErrContextNotFound   = errors.New("execution context not found")
	ErrContextExists     = errors.New("execution context already registered")
)
