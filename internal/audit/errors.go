package audit

import "errors"

var (
	ErrNotFound       = errors.New("audit entry not found")
	ErrDuplicateEntry = errors.New("audit entry already exists")
	ErrInvalidEntry   = errors.New("invalid audit entry")
	ErrUnknownDriver  = errors.New("unknown audit driver")
)
