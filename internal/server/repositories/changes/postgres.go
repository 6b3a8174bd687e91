package changes

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

const entryColumns = `seq, type, key, value, version, deleted, origin, conflict, conflict_value, conflict_version, conflict_deleted`

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Put(ctx context.Context, e *models.ChangeEntry) error {
	query :=
		`INSERT INTO changes (account_id, device_id, type, key, value, version, deleted, origin,
		                      conflict, conflict_value, conflict_version, conflict_deleted)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (account_id, device_id, type, key) DO UPDATE
		 SET seq = nextval('change_seq'), value = EXCLUDED.value, version = EXCLUDED.version,
		     deleted = EXCLUDED.deleted, origin = EXCLUDED.origin, conflict = EXCLUDED.conflict,
		     conflict_value = EXCLUDED.conflict_value, conflict_version = EXCLUDED.conflict_version,
		     conflict_deleted = EXCLUDED.conflict_deleted
		 RETURNING seq`

	err := r.db.QueryRowContext(ctx, query,
		e.AccountID, e.DeviceID, e.Type, e.Key, []byte(e.Value), e.Version, e.Deleted, e.Origin,
		e.Conflict, []byte(e.ConflictValue), e.ConflictVersion, e.ConflictDeleted).Scan(&e.Seq)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) PutIfAbsent(ctx context.Context, e *models.ChangeEntry) (bool, error) {
	query :=
		`INSERT INTO changes (account_id, device_id, type, key, value, version, deleted, origin,
		                      conflict, conflict_value, conflict_version, conflict_deleted)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (account_id, device_id, type, key) DO NOTHING
		 RETURNING seq`

	err := r.db.QueryRowContext(ctx, query,
		e.AccountID, e.DeviceID, e.Type, e.Key, []byte(e.Value), e.Version, e.Deleted, e.Origin,
		e.Conflict, []byte(e.ConflictValue), e.ConflictVersion, e.ConflictDeleted).Scan(&e.Seq)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return true, nil
}

func (r *PostgresRepository) Get(ctx context.Context, accountID, deviceID uuid.UUID, typ, key string) (*models.ChangeEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM changes
		 WHERE account_id = $1 AND device_id = $2 AND type = $3 AND key = $4`

	e, err := scanEntry(r.db.QueryRowContext(ctx, query, accountID, deviceID, typ, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	e.AccountID, e.DeviceID = accountID, deviceID
	return e, nil
}

func (r *PostgresRepository) List(ctx context.Context, accountID, deviceID uuid.UUID) ([]*models.ChangeEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM changes
		 WHERE account_id = $1 AND device_id = $2 ORDER BY seq`

	rows, err := r.db.QueryContext(ctx, query, accountID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []*models.ChangeEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		e.AccountID, e.DeviceID = accountID, deviceID
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, accountID, deviceID uuid.UUID, typ, key string, maxVersion int64) (bool, error) {
	query :=
		`DELETE FROM changes
		 WHERE account_id = $1 AND device_id = $2 AND type = $3 AND key = $4 AND version <= $5`

	res, err := r.db.ExecContext(ctx, query, accountID, deviceID, typ, key, maxVersion)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return n > 0, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*models.ChangeEntry, error) {
	e := &models.ChangeEntry{}
	var value, conflictValue []byte
	err := s.Scan(&e.Seq, &e.Type, &e.Key, &value, &e.Version, &e.Deleted, &e.Origin,
		&e.Conflict, &conflictValue, &e.ConflictVersion, &e.ConflictDeleted)
	if err != nil {
		return nil, err
	}
	e.Value = value
	e.ConflictValue = conflictValue
	return e, nil
}
