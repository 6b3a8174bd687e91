package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/dbx"
	"github.com/dmitrijs2005/gophsync/internal/server/models"
	"github.com/google/uuid"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Get(ctx context.Context, accountID uuid.UUID, typ, key string) (*models.Record, error) {
	query :=
		`SELECT value, version, deleted, updated_by, updated_at FROM records
		 WHERE account_id = $1 AND type = $2 AND key = $3`

	rec := &models.Record{AccountID: accountID, Type: typ, Key: key}
	var value []byte
	err := r.db.QueryRowContext(ctx, query, accountID, typ, key).
		Scan(&value, &rec.Version, &rec.Deleted, &rec.UpdatedBy, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	rec.Value = value
	return rec, nil
}

func (r *PostgresRepository) Put(ctx context.Context, rec *models.Record) error {
	query :=
		`INSERT INTO records (account_id, type, key, value, version, deleted, updated_by, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		 ON CONFLICT (account_id, type, key) DO UPDATE
		 SET value = EXCLUDED.value, version = EXCLUDED.version, deleted = EXCLUDED.deleted,
		     updated_by = EXCLUDED.updated_by, updated_at = EXCLUDED.updated_at
		 RETURNING updated_at`

	err := r.db.QueryRowContext(ctx, query,
		rec.AccountID, rec.Type, rec.Key, []byte(rec.Value), rec.Version, rec.Deleted, rec.UpdatedBy).
		Scan(&rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListLive(ctx context.Context, accountID uuid.UUID) ([]*models.Record, error) {
	query :=
		`SELECT type, key, value, version, updated_by, updated_at FROM records
		 WHERE account_id = $1 AND NOT deleted ORDER BY type, key`

	rows, err := r.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []*models.Record
	for rows.Next() {
		rec := &models.Record{AccountID: accountID}
		var value []byte
		if err := rows.Scan(&rec.Type, &rec.Key, &value, &rec.Version, &rec.UpdatedBy, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		rec.Value = value
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}
