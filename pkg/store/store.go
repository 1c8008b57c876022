// Package store provides the two persistence surfaces of the core: KV, the
// keyed single-writer store holding each coordinator's owned state, and
// Index, the tabular secondary sink (spans, agreements, audit). The KV
// store is the source of truth; the index is a reader-side convenience and
// must tolerate duplicate inserts idempotently.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ubl-labs/ubl-core/pkg/contracts"
)

// ErrNotFound is returned when a key or row is absent.
var ErrNotFound = errors.New("not found")

// KV is the durable keyed store backing coordinators. One document per
// coordinator key; a Put is atomic.
type KV interface {
	// Get unmarshals the document at key into out.
	Get(ctx context.Context, key string, out any) error
	// Put marshals value and stores it at key, replacing any prior value.
	Put(ctx context.Context, key string, value any) error
	// Delete removes the document at key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error
}

// SpanRow mirrors one ledger atom into the index store.
type SpanRow struct {
	ID       string // "span:<seq>"
	TenantID string
	UserID   string
	Seq      int64
	Kind     string
	Hash     string // atom cid
	Size     int64
	Metadata string // JSON: {seq, head_hash, atom}
}

// AuditRow is one audit log entry.
type AuditRow struct {
	ID       string
	TenantID string
	ActorID  string
	Action   string
	Resource string
	At       time.Time
	Metadata string
}

// PolicyRow caches one policy decision.
type PolicyRow struct {
	ID       string
	TenantID string
	Decision string
	Reason   string
	At       time.Time
	Metadata string
}

// Index is the tabular mirror written from multiple coordinators.
type Index interface {
	UpsertTenant(ctx context.Context, tenant contracts.Tenant) error
	UpsertAgreement(ctx context.Context, agreement contracts.Agreement) error
	GetAgreement(ctx context.Context, id string) (contracts.Agreement, error)
	InsertRoom(ctx context.Context, tenantID string, summary contracts.RoomSummary) error
	InsertDocument(ctx context.Context, document contracts.Document) error
	InsertSpan(ctx context.Context, span SpanRow) error
	SpanBySeq(ctx context.Context, tenantID string, seq int64) (SpanRow, error)
	RecentSpans(ctx context.Context, tenantID string, beforeSeq int64, limit int) ([]SpanRow, error)
	AppendAudit(ctx context.Context, row AuditRow) error
	InsertSession(ctx context.Context, id string, createdAt time.Time) error
	InsertPolicyDecision(ctx context.Context, row PolicyRow) error
}
