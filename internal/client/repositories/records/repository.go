// Package records stores the device's copy of the synchronized data set.
package records

import (
	"context"

	"github.com/dmitrijs2005/gophsync/internal/client/models"
)

type Repository interface {
	// Get returns the record including tombstones, or common.ErrorNotFound.
	Get(ctx context.Context, typ, key string) (*models.Record, error)
	// List returns live records of typ ordered by key.
	List(ctx context.Context, typ string) ([]*models.Record, error)
	// ListDirty returns records with unacknowledged local writes, oldest first.
	ListDirty(ctx context.Context) ([]*models.Record, error)
	// PutLocal records a local write and marks it dirty.
	PutLocal(ctx context.Context, typ, key string, value []byte, deleted bool) error
	// MarkPushed stores the server version of a pushed write. The dirty flag
	// is cleared only if no local write happened after localRev.
	MarkPushed(ctx context.Context, typ, key string, localRev, version int64) error
	// ApplyRemote stores rec unless a local write moved the row past
	// expectRev. It reports whether the row was written.
	ApplyRemote(ctx context.Context, rec *models.Record, expectRev int64) (bool, error)
	Clear(ctx context.Context) error
}
