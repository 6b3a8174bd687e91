package accounts

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

func (r *PostgresRepository) Create(ctx context.Context, id uuid.UUID) error {
	query := `INSERT INTO accounts (id) VALUES ($1)`

	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) UpsertDevice(ctx context.Context, d *models.Device) error {
	query :=
		`INSERT INTO devices (account_id, id, name, public_key, fingerprint)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (account_id, id) DO UPDATE
		 SET name = EXCLUDED.name, public_key = EXCLUDED.public_key, fingerprint = EXCLUDED.fingerprint
		 RETURNING created_at`

	err := r.db.QueryRowContext(ctx, query, d.AccountID, d.ID, d.Name, d.PublicKey, d.Fingerprint).Scan(&d.CreatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetDevice(ctx context.Context, accountID, deviceID uuid.UUID) (*models.Device, error) {
	query :=
		`SELECT account_id, id, name, public_key, fingerprint, created_at FROM devices
		 WHERE account_id = $1 AND id = $2`

	d := &models.Device{}
	err := r.db.QueryRowContext(ctx, query, accountID, deviceID).
		Scan(&d.AccountID, &d.ID, &d.Name, &d.PublicKey, &d.Fingerprint, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return d, nil
}

func (r *PostgresRepository) ListDevices(ctx context.Context, accountID uuid.UUID) ([]*models.Device, error) {
	query :=
		`SELECT account_id, id, name, public_key, fingerprint, created_at FROM devices
		 WHERE account_id = $1 ORDER BY created_at, id`

	rows, err := r.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []*models.Device
	for rows.Next() {
		d := &models.Device{}
		if err := rows.Scan(&d.AccountID, &d.ID, &d.Name, &d.PublicKey, &d.Fingerprint, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}
