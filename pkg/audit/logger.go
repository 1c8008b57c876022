// Package audit records state-changing requests to the index store's
// audit log. Best effort: a failed audit write is logged but never fails
// the request it describes.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ubl-labs/ubl-core/pkg/store"
)

// Logger appends audit rows.
type Logger struct {
	idx    store.Index
	logger *slog.Logger
	clock  func() time.Time
}

// NewLogger creates an audit logger over the index store.
func NewLogger(idx store.Index) *Logger {
	return &Logger{
		idx:    idx,
		logger: slog.Default().With("component", "audit"),
		clock:  time.Now,
	}
}

// WithClock overrides the clock for testing.
func (l *Logger) WithClock(clock func() time.Time) *Logger {
	l.clock = clock
	return l
}

// Record appends one audit row. Metadata is marshaled to JSON; a nil map
// records an empty object.
func (l *Logger) Record(ctx context.Context, tenantID, actorID, action, resource string, metadata map[string]any) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		l.logger.Error("audit metadata marshal failed", "action", action, "error", err)
		raw = []byte("{}")
	}
	row := store.AuditRow{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		ActorID:  actorID,
		Action:   action,
		Resource: resource,
		At:       l.clock().UTC(),
		Metadata: string(raw),
	}
	if err := l.idx.AppendAudit(ctx, row); err != nil {
		l.logger.Error("audit append failed", "action", action, "resource", resource, "error", err)
	}
}
