// Package datastore is the device-facing API over the local records. Every
// write is marked dirty and nudges the syncer.
package datastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/client/repositories/records"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/logging"
)

type Nudger interface {
	Nudge()
}

type Datastore struct {
	records records.Repository
	nudger  Nudger
	logger  logging.Logger
}

// New builds a Datastore. nudger may be nil when nothing syncs.
func New(r records.Repository, nudger Nudger, logger logging.Logger) *Datastore {
	return &Datastore{records: r, nudger: nudger, logger: logger.With("module", "datastore")}
}

func validateKey(typ, key string) error {
	if typ == "" || key == "" {
		return fmt.Errorf("%w: type and key are required", common.ErrValidation)
	}
	return nil
}

func (d *Datastore) Put(ctx context.Context, typ, key string, value json.RawMessage) error {
	if err := validateKey(typ, key); err != nil {
		return err
	}
	if !json.Valid(value) {
		return fmt.Errorf("%w: value of %s/%s is not JSON", common.ErrValidation, typ, key)
	}
	if err := d.records.PutLocal(ctx, typ, key, value, false); err != nil {
		return err
	}
	d.logger.Debug(ctx, "record stored", "type", typ, "key", key)
	d.nudge()
	return nil
}

// Get returns the value, or common.ErrorNotFound for missing and deleted
// records.
func (d *Datastore) Get(ctx context.Context, typ, key string) (json.RawMessage, error) {
	if err := validateKey(typ, key); err != nil {
		return nil, err
	}
	rec, err := d.records.Get(ctx, typ, key)
	if err != nil {
		return nil, err
	}
	if rec.Deleted {
		return nil, common.ErrorNotFound
	}
	return rec.Value, nil
}

// Delete leaves a tombstone so the removal reaches the other devices.
func (d *Datastore) Delete(ctx context.Context, typ, key string) error {
	if _, err := d.Get(ctx, typ, key); err != nil {
		return err
	}
	if err := d.records.PutLocal(ctx, typ, key, nil, true); err != nil {
		return err
	}
	d.logger.Debug(ctx, "record deleted", "type", typ, "key", key)
	d.nudge()
	return nil
}

func (d *Datastore) List(ctx context.Context, typ string) ([]*models.Record, error) {
	if typ == "" {
		return nil, fmt.Errorf("%w: type is required", common.ErrValidation)
	}
	return d.records.List(ctx, typ)
}

// Pending reports how many local writes the server has not acknowledged.
func (d *Datastore) Pending(ctx context.Context) (int, error) {
	dirty, err := d.records.ListDirty(ctx)
	if err != nil {
		return 0, err
	}
	return len(dirty), nil
}

func (d *Datastore) nudge() {
	if d.nudger != nil {
		d.nudger.Nudge()
	}
}

// IsNotFound is a convenience for callers printing lookups.
func IsNotFound(err error) bool {
	return errors.Is(err, common.ErrorNotFound)
}
