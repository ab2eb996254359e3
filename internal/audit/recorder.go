package audit

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/cogflow/internal/logging"
	"go.uber.org/zap"
)

// Sink receives entries after they are stored.
type Sink interface {
	PublishAudit(ctx context.Context, e Entry) error
}

// Recorder appends entries to a Store and forwards them to a Sink.
// Sink failures are logged, never returned: the store is the record.
type Recorder struct {
	store  Store
	sink   Sink
	logger *logging.Logger
	now    func() time.Time
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithSink forwards recorded entries to sink.
func WithSink(sink Sink) RecorderOption {
	return func(r *Recorder) {
		r.sink = sink
	}
}

// WithLogger sets the recorder logger.
func WithLogger(l *logging.Logger) RecorderOption {
	return func(r *Recorder) {
		r.logger = l.Named("audit")
	}
}

// NewRecorder returns a recorder over store.
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{store: store, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store returns the underlying store.
func (r *Recorder) Store() Store {
	return r.store
}

// Record fills in missing id, timestamp and correlation fields from ctx,
// then appends e.
func (r *Recorder) Record(ctx context.Context, e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = newEntryID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = r.now().UTC()
	}
	if e.SessionID == "" {
		e.SessionID = logging.SessionIDFromContext(ctx)
	}
	if e.CorrelationID == "" {
		e.CorrelationID = logging.CorrelationIDFromContext(ctx)
	}

	if err := r.store.Append(ctx, e); err != nil {
		r.logger.Error(ctx, "audit append failed",
			zap.String("entry_id", e.ID),
			zap.String("event_type", string(e.EventType)),
			zap.Error(err),
		)
		return e, err
	}

	r.logger.Trace(ctx, "audit entry recorded",
		zap.String("entry_id", e.ID),
		zap.String("event_type", string(e.EventType)),
	)

	if r.sink != nil {
		if err := r.sink.PublishAudit(ctx, e); err != nil {
			r.logger.Warn(ctx, "audit publish failed",
				zap.String("entry_id", e.ID),
				zap.Error(err),
			)
		}
	}
	return e, nil
}

// ForTask returns the audit trail of taskID, oldest first.
func (r *Recorder) ForTask(ctx context.Context, taskID string) ([]Entry, error) {
	return r.store.Query(ctx, Filter{TaskID: taskID})
}
