// Package accounts stores accounts and the devices registered under them.
package accounts

import (
	"context"

	"github.com/dmitrijs2005/gophsync/internal/server/models"
	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, id uuid.UUID) error
	UpsertDevice(ctx context.Context, d *models.Device) error
	GetDevice(ctx context.Context, accountID, deviceID uuid.UUID) (*models.Device, error)
	ListDevices(ctx context.Context, accountID uuid.UUID) ([]*models.Device, error)
}
