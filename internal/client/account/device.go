package account

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/client/repositories/settings"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/google/uuid"
)

// DeviceID returns the device's id, creating one on first use.
func DeviceID(ctx context.Context, s settings.Repository) (uuid.UUID, error) {
	v, err := s.Get(ctx, settings.KeyDeviceID)
	if err != nil {
		return uuid.Nil, err
	}
	if v != nil {
		id, err := uuid.ParseBytes(v)
		if err == nil && id != uuid.Nil {
			return id, nil
		}
	}
	id := uuid.New()
	if err := s.Set(ctx, settings.KeyDeviceID, []byte(id.String())); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// AccountID returns the account the device belongs to, or uuid.Nil.
func AccountID(ctx context.Context, s settings.Repository) (uuid.UUID, error) {
	v, err := s.Get(ctx, settings.KeyUserID)
	if err != nil || v == nil {
		return uuid.Nil, err
	}
	id, err := uuid.ParseBytes(v)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: stored account id: %v", common.ErrMalformed, err)
	}
	return id, nil
}

func loadPending(ctx context.Context, s settings.Repository) (*models.PendingAccess, error) {
	v, err := s.Get(ctx, settings.KeyPendingAccess)
	if err != nil || v == nil {
		return nil, err
	}
	var p models.PendingAccess
	if err := json.Unmarshal(v, &p); err != nil {
		return nil, fmt.Errorf("%w: pending access: %v", common.ErrMalformed, err)
	}
	return &p, nil
}

func storePending(ctx context.Context, s settings.Repository, p models.PendingAccess) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.Set(ctx, settings.KeyPendingAccess, b)
}
