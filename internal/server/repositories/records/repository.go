// Package records stores the current value of every (account, type, key).
package records

import (
	"context"

	"github.com/dmitrijs2005/gophsync/internal/server/models"
	"github.com/google/uuid"
)

type Repository interface {
	// Get returns the record including tombstones, or common.ErrorNotFound.
	Get(ctx context.Context, accountID uuid.UUID, typ, key string) (*models.Record, error)
	// Put inserts or overwrites the record as given.
	Put(ctx context.Context, rec *models.Record) error
	// ListLive returns the non-deleted records of an account.
	ListLive(ctx context.Context, accountID uuid.UUID) ([]*models.Record, error)
}
