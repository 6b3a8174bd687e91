// Package changestore keeps the current value of every record and, for each
// device of an account, the log of writes that device has not acknowledged.
//
// Every Save or Remove bumps the record version and leaves one ChangeEntry
// per other device. An entry stays until its device calls MarkUnchanged or a
// newer write of the same (type, key) replaces it.
package changestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/server/models"
	"github.com/dmitrijs2005/gophsync/internal/server/repositories/changes"
	"github.com/dmitrijs2005/gophsync/internal/server/repositories/repomanager"
	"github.com/google/uuid"
)

type Store struct {
	repos  repomanager.RepositoryManager
	locks  *keyLock
	logger logging.Logger
}

func New(repos repomanager.RepositoryManager, logger logging.Logger) *Store {
	return &Store{
		repos:  repos,
		locks:  newKeyLock(),
		logger: logger.With("module", "changestore"),
	}
}

func validate(accountID, deviceID uuid.UUID, typ, key string) error {
	if accountID == uuid.Nil || deviceID == uuid.Nil {
		return fmt.Errorf("%w: account and device are required", common.ErrValidation)
	}
	if typ == "" || key == "" {
		return fmt.Errorf("%w: type and key must not be empty", common.ErrValidation)
	}
	return nil
}

func lockKey(accountID uuid.UUID, typ, key string) string {
	return accountID.String() + "/" + typ + "/" + key
}

// Save stores value under (typ, key) and returns the new version.
func (s *Store) Save(ctx context.Context, accountID, deviceID uuid.UUID, typ, key string, value json.RawMessage) (int64, error) {
	if len(value) == 0 {
		return 0, fmt.Errorf("%w: value is required", common.ErrValidation)
	}
	return s.write(ctx, accountID, deviceID, typ, key, value, false)
}

// Remove leaves a tombstone for (typ, key) and returns its version.
func (s *Store) Remove(ctx context.Context, accountID, deviceID uuid.UUID, typ, key string) (int64, error) {
	return s.write(ctx, accountID, deviceID, typ, key, nil, true)
}

func (s *Store) write(ctx context.Context, accountID, deviceID uuid.UUID, typ, key string, value json.RawMessage, deleted bool) (int64, error) {
	if err := validate(accountID, deviceID, typ, key); err != nil {
		return 0, err
	}

	lk := lockKey(accountID, typ, key)
	unlock := s.locks.Lock(lk)
	defer unlock()

	var version int64
	err := s.repos.InTx(ctx, []string{lk}, func(ctx context.Context, r repomanager.Repositories) error {
		prev, err := r.Records.Get(ctx, accountID, typ, key)
		switch {
		case errors.Is(err, common.ErrorNotFound):
			version = 1
		case err != nil:
			return err
		default:
			version = prev.Version + 1
		}

		rec := &models.Record{
			AccountID: accountID,
			Type:      typ,
			Key:       key,
			Value:     value,
			Version:   version,
			Deleted:   deleted,
			UpdatedBy: deviceID,
		}
		if err := r.Records.Put(ctx, rec); err != nil {
			return err
		}

		// An unacknowledged entry of the writer means it has not seen that
		// value yet, so the other devices must reconcile both.
		unseen, err := r.Changes.Get(ctx, accountID, deviceID, typ, key)
		if err != nil && !errors.Is(err, common.ErrorNotFound) {
			return err
		}

		devices, err := r.Accounts.ListDevices(ctx, accountID)
		if err != nil {
			return err
		}
		for _, d := range devices {
			if d.ID == deviceID {
				continue
			}
			e := &models.ChangeEntry{
				AccountID: accountID,
				DeviceID:  d.ID,
				Type:      typ,
				Key:       key,
				Value:     value,
				Version:   version,
				Deleted:   deleted,
				Origin:    deviceID,
			}
			if unseen != nil {
				e.Conflict = true
				e.ConflictValue = unseen.Value
				e.ConflictVersion = unseen.Version
				e.ConflictDeleted = unseen.Deleted
			}
			if err := r.Changes.Put(ctx, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Debug(ctx, "record written",
		"account", accountID, "device", deviceID, "type", typ, "key", key,
		"version", version, "deleted", deleted)
	return version, nil
}

// Load returns the live record, or common.ErrorNotFound when it is missing or
// removed.
func (s *Store) Load(ctx context.Context, accountID uuid.UUID, typ, key string) (*models.Record, error) {
	if typ == "" || key == "" {
		return nil, fmt.Errorf("%w: type and key must not be empty", common.ErrValidation)
	}
	rec, err := s.repos.Repositories().Records.Get(ctx, accountID, typ, key)
	if err != nil {
		return nil, err
	}
	if rec.Deleted {
		return nil, common.ErrorNotFound
	}
	return rec, nil
}

// MarkUnchanged acknowledges the device's entry for (typ, key). With a nil
// version any entry is cleared; otherwise only an entry not newer than
// *version, so a write that arrived after the one being acknowledged stays.
// Acknowledging a missing entry is not an error.
func (s *Store) MarkUnchanged(ctx context.Context, accountID, deviceID uuid.UUID, typ, key string, version *int64) error {
	if err := validate(accountID, deviceID, typ, key); err != nil {
		return err
	}
	maxVersion := changes.AnyVersion
	if version != nil {
		maxVersion = *version
	}
	deleted, err := s.repos.Repositories().Changes.Delete(ctx, accountID, deviceID, typ, key, maxVersion)
	if err != nil {
		return err
	}
	if !deleted {
		s.logger.Debug(ctx, "nothing to acknowledge", "device", deviceID, "type", typ, "key", key)
	}
	return nil
}

// LoadChanges returns the device's pending entries, oldest first.
func (s *Store) LoadChanges(ctx context.Context, accountID, deviceID uuid.UUID) ([]*models.ChangeEntry, error) {
	if accountID == uuid.Nil || deviceID == uuid.Nil {
		return nil, fmt.Errorf("%w: account and device are required", common.ErrValidation)
	}
	return s.repos.Repositories().Changes.List(ctx, accountID, deviceID)
}

// SeedDevice queues every live record of the account for a device that just
// joined it. A key the device already has an entry for is left alone, since
// that entry is at least as new as the record read here and may carry a
// conflict.
func (s *Store) SeedDevice(ctx context.Context, accountID, deviceID uuid.UUID) error {
	return s.repos.InTx(ctx, nil, func(ctx context.Context, r repomanager.Repositories) error {
		live, err := r.Records.ListLive(ctx, accountID)
		if err != nil {
			return err
		}
		seeded := 0
		for _, rec := range live {
			e := &models.ChangeEntry{
				AccountID: accountID,
				DeviceID:  deviceID,
				Type:      rec.Type,
				Key:       rec.Key,
				Value:     rec.Value,
				Version:   rec.Version,
				Origin:    rec.UpdatedBy,
			}
			inserted, err := r.Changes.PutIfAbsent(ctx, e)
			if err != nil {
				return err
			}
			if inserted {
				seeded++
			}
		}
		s.logger.Info(ctx, "device seeded", "account", accountID, "device", deviceID,
			"records", len(live), "queued", seeded)
		return nil
	})
}
