package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/dbx"
)

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const selectColumns = `SELECT type, key, value, version, deleted, dirty, local_rev, updated_at FROM records`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*models.Record, error) {
	var (
		r         models.Record
		value     []byte
		updatedAt int64
	)
	if err := s.Scan(&r.Type, &r.Key, &value, &r.Version, &r.Deleted, &r.Dirty, &r.LocalRev, &updatedAt); err != nil {
		return nil, err
	}
	if value != nil {
		r.Value = value
	}
	r.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &r, nil
}

func (r *SQLiteRepository) Get(ctx context.Context, typ, key string) (*models.Record, error) {
	rec, err := scanRecord(r.db.QueryRowContext(ctx, selectColumns+` WHERE type = ? AND key = ?`, typ, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s/%s: %w", typ, key, err)
	}
	return rec, nil
}

func (r *SQLiteRepository) query(ctx context.Context, q string, args ...any) ([]*models.Record, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var result []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record row: %w", err)
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate record rows: %w", err)
	}
	return result, nil
}

func (r *SQLiteRepository) List(ctx context.Context, typ string) ([]*models.Record, error) {
	return r.query(ctx, selectColumns+` WHERE type = ? AND deleted = 0 ORDER BY key`, typ)
}

func (r *SQLiteRepository) ListDirty(ctx context.Context) ([]*models.Record, error) {
	return r.query(ctx, selectColumns+` WHERE dirty = 1 ORDER BY updated_at, type, key`)
}

func (r *SQLiteRepository) PutLocal(ctx context.Context, typ, key string, value []byte, deleted bool) error {
	if deleted {
		value = nil
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO records (type, key, value, version, deleted, dirty, local_rev, updated_at)
		VALUES (?, ?, ?, 0, ?, 1, 1, ?)
		ON CONFLICT(type, key) DO UPDATE SET
			value = excluded.value,
			deleted = excluded.deleted,
			dirty = 1,
			local_rev = records.local_rev + 1,
			updated_at = excluded.updated_at
	`, typ, key, value, deleted, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to put record %s/%s: %w", typ, key, err)
	}
	return nil
}

func (r *SQLiteRepository) MarkPushed(ctx context.Context, typ, key string, localRev, version int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE records SET
			version = MAX(version, ?),
			dirty = CASE WHEN local_rev = ? THEN 0 ELSE dirty END
		WHERE type = ? AND key = ?
	`, version, localRev, typ, key)
	if err != nil {
		return fmt.Errorf("failed to mark record %s/%s pushed: %w", typ, key, err)
	}
	return nil
}

func (r *SQLiteRepository) ApplyRemote(ctx context.Context, rec *models.Record, expectRev int64) (bool, error) {
	var value []byte
	if !rec.Deleted {
		value = rec.Value
	}
	bump := 0
	if rec.Dirty {
		bump = 1
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO records (type, key, value, version, deleted, dirty, local_rev, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(type, key) DO UPDATE SET
			value = excluded.value,
			version = excluded.version,
			deleted = excluded.deleted,
			dirty = excluded.dirty,
			local_rev = records.local_rev + ?,
			updated_at = excluded.updated_at
		WHERE records.local_rev = ?
	`, rec.Type, rec.Key, value, rec.Version, rec.Deleted, rec.Dirty, expectRev+int64(bump), time.Now().UnixMilli(), bump, expectRev)
	if err != nil {
		return false, fmt.Errorf("failed to apply record %s/%s: %w", rec.Type, rec.Key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to apply record %s/%s: %w", rec.Type, rec.Key, err)
	}
	return n > 0, nil
}

func (r *SQLiteRepository) Clear(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM records`)
	if err != nil {
		return fmt.Errorf("failed to clear records: %w", err)
	}
	return nil
}
