package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresInsertSpanConflictIsNoOp(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	idx := &PostgresIndex{db: db}
	span := SpanRow{
		ID: "span:1", TenantID: "t:ex.com", UserID: "u:alice",
		Seq: 1, Kind: "action.v1", Hash: "c:abc", Size: 128, Metadata: "{}",
	}

	mock.ExpectExec("INSERT INTO spans").
		WithArgs(span.TenantID, span.ID, span.UserID, span.Seq, span.Kind, span.Hash, span.Size, span.Metadata).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// second insert conflicts; ON CONFLICT DO NOTHING affects zero rows
	mock.ExpectExec("INSERT INTO spans").
		WithArgs(span.TenantID, span.ID, span.UserID, span.Seq, span.Kind, span.Hash, span.Size, span.Metadata).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ctx := context.Background()
	require.NoError(t, idx.InsertSpan(ctx, span))
	require.NoError(t, idx.InsertSpan(ctx, span))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSpanBySeqNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	idx := &PostgresIndex{db: db}
	mock.ExpectQuery("SELECT tenant_id, id, user_id, seq, kind, hash, size, metadata FROM spans").
		WithArgs("t:ex.com", int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "id", "user_id", "seq", "kind", "hash", "size", "metadata"}))

	_, err = idx.SpanBySeq(context.Background(), "t:ex.com", 9)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSpanBySeqScans(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	idx := &PostgresIndex{db: db}
	rows := sqlmock.NewRows([]string{"tenant_id", "id", "user_id", "seq", "kind", "hash", "size", "metadata"}).
		AddRow("t:ex.com", "span:2", nil, int64(2), "effect.v1", "c:def", int64(64), `{"seq":2}`)
	mock.ExpectQuery("SELECT tenant_id, id, user_id, seq, kind, hash, size, metadata FROM spans").
		WithArgs("t:ex.com", int64(2)).
		WillReturnRows(rows)

	span, err := idx.SpanBySeq(context.Background(), "t:ex.com", 2)
	require.NoError(t, err)
	assert.Equal(t, "effect.v1", span.Kind)
	assert.Equal(t, "", span.UserID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
