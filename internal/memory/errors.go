package memory

import (
	"errors"
	"fmt"
)

var (
	// ErrValidationViolation matches every *ViolationError.
	ErrValidationViolation = errors.New("validation violation")

	ErrNotFound         = errors.New("artifact not found")
	ErrNoBackend        = errors.New("no backend registered for memory kind")
	ErrBackendExists    = errors.New("backend already registered for memory kind")
	ErrAlreadyValidated = errors.New("artifact already validated")
	ErrNotValidatable   = errors.New("audit artifacts are never validated")
	ErrAppendOnly       = errors.New("audit memory is append-only")
	ErrInvalidArtifact  = errors.New("invalid artifact")
	ErrInvalidConfig    = errors.New("invalid memory configuration")
)

// Reason says why the gateway refused a write.
type Reason string

const (
	ReasonUnvalidated  Reason = "unvalidated_artifact"
	ReasonUnauthorized Reason = "unauthorized_writer"
	ReasonSystemOnly   Reason = "system_writer_only"
	ReasonImmutable    Reason = "immutable"
)

// ViolationError is returned when a write breaks the gateway rules.
type ViolationError struct {
	Reason     Reason
	ArtifactID string
	Kind       Kind
	Writer     string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("memory write rejected: %s (artifact=%s kind=%s writer=%s)",
		e.Reason, e.ArtifactID, e.Kind, e.Writer)
}

// Unwrap lets errors.Is match ErrValidationViolation.
func (e *ViolationError) Unwrap() error {
	return ErrValidationViolation
}

// IsViolation reports whether err is a gateway rejection and returns it.
func IsViolation(err error) (*ViolationError, bool) {
	var v *ViolationError
	ok := errors.As(err, &v)
	return v, ok
}
