// Package changes stores the per-device log of unacknowledged writes.
package changes

import (
	"context"

	"github.com/dmitrijs2005/gophsync/internal/server/models"
	"github.com/google/uuid"
)

// AnyVersion makes Delete ignore the entry version.
const AnyVersion int64 = 1<<63 - 1

type Repository interface {
	// Put inserts or replaces the entry for its (account, device, type, key)
	// and assigns a fresh Seq, so a replaced entry moves to the end of the log.
	Put(ctx context.Context, e *models.ChangeEntry) error
	// PutIfAbsent inserts e only when the device has no entry for the key
	// and reports whether it did.
	PutIfAbsent(ctx context.Context, e *models.ChangeEntry) (bool, error)
	// Get returns one pending entry or common.ErrorNotFound.
	Get(ctx context.Context, accountID, deviceID uuid.UUID, typ, key string) (*models.ChangeEntry, error)
	// List returns a device's pending entries ordered by Seq.
	List(ctx context.Context, accountID, deviceID uuid.UUID) ([]*models.ChangeEntry, error)
	// Delete drops the entry if its version is <= maxVersion and reports
	// whether anything was deleted.
	Delete(ctx context.Context, accountID, deviceID uuid.UUID, typ, key string, maxVersion int64) (bool, error)
}
