package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ubl-labs/ubl-core/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteIndex implements Index on SQLite.
type SQLiteIndex struct {
	db *sql.DB
}

// NewSQLiteIndex creates the index store and runs its migrations.
func NewSQLiteIndex(db *sql.DB) (*SQLiteIndex, error) {
	s := &SQLiteIndex{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteIndex) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS tenants (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			metadata JSON
		)`,
		`CREATE TABLE IF NOT EXISTS agreements (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			created_by TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			metadata JSON
		)`,
		`CREATE TABLE IF NOT EXISTS rooms (
			tenant_id TEXT NOT NULL,
			room_id TEXT NOT NULL,
			name TEXT NOT NULL,
			mode TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (tenant_id, room_id)
		)`,
		`CREATE TABLE IF NOT EXISTS documents (
			tenant_id TEXT NOT NULL,
			document_id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			title TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			created_by TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (tenant_id, document_id)
		)`,
		`CREATE TABLE IF NOT EXISTS spans (
			tenant_id TEXT NOT NULL,
			id TEXT NOT NULL,
			user_id TEXT,
			seq INTEGER NOT NULL,
			kind TEXT NOT NULL,
			hash TEXT NOT NULL,
			size INTEGER NOT NULL,
			metadata JSON NOT NULL,
			PRIMARY KEY (tenant_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			action TEXT NOT NULL,
			resource TEXT NOT NULL,
			at DATETIME NOT NULL,
			metadata JSON
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS policy_cache (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT,
			at DATETIME NOT NULL,
			metadata JSON
		)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(context.Background(), q); err != nil {
			return fmt.Errorf("index migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteIndex) UpsertTenant(ctx context.Context, tenant contracts.Tenant) error {
	meta, _ := json.Marshal(tenant)
	query := `
	INSERT INTO tenants (id, type, created_at, metadata) VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET metadata = excluded.metadata`
	_, err := s.db.ExecContext(ctx, query, tenant.TenantID, tenant.Type, tenant.CreatedAt.UTC(), string(meta))
	return err
}

func (s *SQLiteIndex) UpsertAgreement(ctx context.Context, agreement contracts.Agreement) error {
	meta, _ := json.Marshal(agreement.Metadata)
	query := `
	INSERT INTO agreements (id, type, tenant_id, created_by, created_at, metadata)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET metadata = excluded.metadata`
	_, err := s.db.ExecContext(ctx, query,
		agreement.ID, agreement.Type, agreement.TenantID, agreement.CreatedBy, agreement.CreatedAt.UTC(), string(meta))
	return err
}

func (s *SQLiteIndex) GetAgreement(ctx context.Context, id string) (contracts.Agreement, error) {
	query := `SELECT id, type, tenant_id, created_by, created_at, metadata FROM agreements WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, id)

	var a contracts.Agreement
	var meta sql.NullString
	if err := row.Scan(&a.ID, &a.Type, &a.TenantID, &a.CreatedBy, &a.CreatedAt, &meta); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return contracts.Agreement{}, ErrNotFound
		}
		return contracts.Agreement{}, err
	}
	if meta.Valid && meta.String != "" {
		_ = json.Unmarshal([]byte(meta.String), &a.Metadata)
	}
	return a, nil
}

func (s *SQLiteIndex) InsertRoom(ctx context.Context, tenantID string, summary contracts.RoomSummary) error {
	query := `
	INSERT INTO rooms (tenant_id, room_id, name, mode, created_at) VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(tenant_id, room_id) DO NOTHING`
	_, err := s.db.ExecContext(ctx, query, tenantID, summary.RoomID, summary.Name, summary.Mode, summary.CreatedAt.UTC())
	return err
}

func (s *SQLiteIndex) InsertDocument(ctx context.Context, document contracts.Document) error {
	query := `
	INSERT INTO documents (tenant_id, document_id, workspace_id, title, content_hash, created_by, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(tenant_id, document_id) DO NOTHING`
	_, err := s.db.ExecContext(ctx, query,
		document.TenantID, document.DocumentID, document.WorkspaceID, document.Title,
		document.ContentHash, document.CreatedBy, document.CreatedAt)
	return err
}

func (s *SQLiteIndex) InsertSpan(ctx context.Context, span SpanRow) error {
	query := `
	INSERT INTO spans (tenant_id, id, user_id, seq, kind, hash, size, metadata)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(tenant_id, id) DO NOTHING`
	_, err := s.db.ExecContext(ctx, query,
		span.TenantID, span.ID, span.UserID, span.Seq, span.Kind, span.Hash, span.Size, span.Metadata)
	return err
}

func (s *SQLiteIndex) SpanBySeq(ctx context.Context, tenantID string, seq int64) (SpanRow, error) {
	query := `SELECT tenant_id, id, user_id, seq, kind, hash, size, metadata FROM spans WHERE tenant_id = ? AND seq = ?`
	return scanSpan(s.db.QueryRowContext(ctx, query, tenantID, seq))
}

func (s *SQLiteIndex) RecentSpans(ctx context.Context, tenantID string, beforeSeq int64, limit int) ([]SpanRow, error) {
	query := `SELECT tenant_id, id, user_id, seq, kind, hash, size, metadata FROM spans
	WHERE tenant_id = ? AND (? <= 0 OR seq < ?) ORDER BY seq DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, tenantID, beforeSeq, beforeSeq, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]SpanRow, 0, limit)
	for rows.Next() {
		span, err := scanSpanRows(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, span)
	}
	return result, rows.Err()
}

func (s *SQLiteIndex) AppendAudit(ctx context.Context, row AuditRow) error {
	query := `
	INSERT INTO audit_log (id, tenant_id, actor_id, action, resource, at, metadata)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO NOTHING`
	_, err := s.db.ExecContext(ctx, query,
		row.ID, row.TenantID, row.ActorID, row.Action, row.Resource, row.At.UTC(), row.Metadata)
	return err
}

func (s *SQLiteIndex) InsertSession(ctx context.Context, id string, createdAt time.Time) error {
	query := `INSERT INTO sessions (id, created_at) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`
	_, err := s.db.ExecContext(ctx, query, id, createdAt.UTC())
	return err
}

func (s *SQLiteIndex) InsertPolicyDecision(ctx context.Context, row PolicyRow) error {
	query := `
	INSERT INTO policy_cache (id, tenant_id, decision, reason, at, metadata)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO NOTHING`
	_, err := s.db.ExecContext(ctx, query,
		row.ID, row.TenantID, row.Decision, row.Reason, row.At.UTC(), row.Metadata)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSpan(row *sql.Row) (SpanRow, error) {
	span, err := scanSpanRows(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SpanRow{}, ErrNotFound
		}
		return SpanRow{}, err
	}
	return span, nil
}

func scanSpanRows(row rowScanner) (SpanRow, error) {
	var span SpanRow
	var userID sql.NullString
	if err := row.Scan(&span.TenantID, &span.ID, &userID, &span.Seq, &span.Kind, &span.Hash, &span.Size, &span.Metadata); err != nil {
		return SpanRow{}, err
	}
	span.UserID = userID.String
	return span, nil
}
