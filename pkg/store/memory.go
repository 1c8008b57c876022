package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/ubl-labs/ubl-core/pkg/contracts"
)

// MemoryKV is an in-process KV store. Values round-trip through JSON so
// callers observe the same semantics as the durable backends.
type MemoryKV struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// NewMemoryKV creates an empty in-memory KV store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{docs: make(map[string][]byte)}
}

func (m *MemoryKV) Get(ctx context.Context, key string, out any) error {
	m.mu.RLock()
	raw, ok := m.docs[key]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(raw, out)
}

func (m *MemoryKV) Put(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.docs[key] = raw
	m.mu.Unlock()
	return nil
}

func (m *MemoryKV) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.docs, key)
	m.mu.Unlock()
	return nil
}

// MemoryIndex is an in-process Index implementation used by tests and
// single-node development runs.
type MemoryIndex struct {
	mu         sync.RWMutex
	tenants    map[string]contracts.Tenant
	agreements map[string]contracts.Agreement
	rooms      map[string]map[string]contracts.RoomSummary
	documents  map[string]contracts.Document
	spans      map[string]map[string]SpanRow // tenant -> span id -> row
	audit      []AuditRow
	sessions   map[string]time.Time
	policies   []PolicyRow
}

// NewMemoryIndex creates an empty in-memory index store.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		tenants:    make(map[string]contracts.Tenant),
		agreements: make(map[string]contracts.Agreement),
		rooms:      make(map[string]map[string]contracts.RoomSummary),
		documents:  make(map[string]contracts.Document),
		spans:      make(map[string]map[string]SpanRow),
		sessions:   make(map[string]time.Time),
	}
}

func (m *MemoryIndex) UpsertTenant(ctx context.Context, tenant contracts.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[tenant.TenantID] = tenant
	return nil
}

func (m *MemoryIndex) UpsertAgreement(ctx context.Context, agreement contracts.Agreement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agreements[agreement.ID] = agreement
	return nil
}

func (m *MemoryIndex) GetAgreement(ctx context.Context, id string) (contracts.Agreement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agreements[id]
	if !ok {
		return contracts.Agreement{}, ErrNotFound
	}
	return a, nil
}

func (m *MemoryIndex) InsertRoom(ctx context.Context, tenantID string, summary contracts.RoomSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rooms[tenantID] == nil {
		m.rooms[tenantID] = make(map[string]contracts.RoomSummary)
	}
	if _, exists := m.rooms[tenantID][summary.RoomID]; !exists {
		m.rooms[tenantID][summary.RoomID] = summary
	}
	return nil
}

func (m *MemoryIndex) InsertDocument(ctx context.Context, document contracts.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.documents[document.DocumentID]; !exists {
		m.documents[document.DocumentID] = document
	}
	return nil
}

func (m *MemoryIndex) InsertSpan(ctx context.Context, span SpanRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.spans[span.TenantID] == nil {
		m.spans[span.TenantID] = make(map[string]SpanRow)
	}
	// duplicate inserts are a no-op, matching ON CONFLICT DO NOTHING
	if _, exists := m.spans[span.TenantID][span.ID]; !exists {
		m.spans[span.TenantID][span.ID] = span
	}
	return nil
}

func (m *MemoryIndex) SpanBySeq(ctx context.Context, tenantID string, seq int64) (SpanRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, row := range m.spans[tenantID] {
		if row.Seq == seq {
			return row, nil
		}
	}
	return SpanRow{}, ErrNotFound
}

func (m *MemoryIndex) RecentSpans(ctx context.Context, tenantID string, beforeSeq int64, limit int) ([]SpanRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := make([]SpanRow, 0, limit)
	for _, row := range m.spans[tenantID] {
		if beforeSeq <= 0 || row.Seq < beforeSeq {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Seq > rows[j].Seq })
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (m *MemoryIndex) AppendAudit(ctx context.Context, row AuditRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, row)
	return nil
}

func (m *MemoryIndex) InsertSession(ctx context.Context, id string, createdAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id] = createdAt
	return nil
}

func (m *MemoryIndex) InsertPolicyDecision(ctx context.Context, row PolicyRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies = append(m.policies, row)
	return nil
}

// SpanCount reports how many spans a tenant has mirrored. Test helper.
func (m *MemoryIndex) SpanCount(tenantID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.spans[tenantID])
}

// AuditLen reports the number of audit rows. Test helper.
func (m *MemoryIndex) AuditLen() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.audit)
}
