package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/cogflow/internal/config"
)

// Filter narrows a Query. Zero fields match everything.
type Filter struct {
	TaskID    string
	SessionID string
	EventType EventType
	Since     time.Time
	Limit     int
}

func (f Filter) matches(e Entry) bool {
	if f.TaskID != "" && e.TaskID != f.TaskID {
		return false
	}
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// Store is an append-only audit log.
type Store interface {
	// Append writes e. Appending an id twice fails with ErrDuplicateEntry.
	Append(ctx context.Context, e Entry) error
	// Get returns the entry with id or ErrNotFound.
	Get(ctx context.Context, id string) (Entry, error)
	// Query returns matching entries oldest first.
	Query(ctx context.Context, f Filter) ([]Entry, error)
	Close() error
}

// NewStore opens the store selected by cfg.Driver.
func NewStore(cfg config.AuditConfig) (Store, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "":
		path, err := config.EnsureDataDir(cfg.Path)
		if err != nil {
			return nil, err
		}
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}
