package pipeline

import "errors"

// Routing errors.
var (
	ErrUnknownCondition   = errors.New("unknown condition")
	ErrDuplicateCondition = errors.New("condition already registered")
	ErrInvalidCondition   = errors.New("invalid condition")
	ErrUnknownStage       = errors.New("unknown stage")
	ErrNoRoute            = errors.New("no route matched")
	ErrTerminalStage      = errors.New("stage is terminal")
)
