package accounts

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/server/models"
	"github.com/google/uuid"
)

// MemoryRepository keeps accounts in process memory. Used when no DSN is
// configured and in tests.
type MemoryRepository struct {
	mu       sync.RWMutex
	accounts map[uuid.UUID]time.Time
	devices  map[uuid.UUID]map[uuid.UUID]models.Device
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		accounts: make(map[uuid.UUID]time.Time),
		devices:  make(map[uuid.UUID]map[uuid.UUID]models.Device),
	}
}

func (r *MemoryRepository) Create(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[id]; ok {
		return fmt.Errorf("account %s already exists", id)
	}
	r.accounts[id] = time.Now()
	r.devices[id] = make(map[uuid.UUID]models.Device)
	return nil
}

func (r *MemoryRepository) UpsertDevice(_ context.Context, d *models.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	devs, ok := r.devices[d.AccountID]
	if !ok {
		return fmt.Errorf("account %s: %w", d.AccountID, common.ErrorNotFound)
	}
	if prev, ok := devs[d.ID]; ok {
		d.CreatedAt = prev.CreatedAt
	} else {
		d.CreatedAt = time.Now()
	}
	stored := *d
	devs[d.ID] = stored
	return nil
}

func (r *MemoryRepository) GetDevice(_ context.Context, accountID, deviceID uuid.UUID) (*models.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[accountID][deviceID]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return &d, nil
}

func (r *MemoryRepository) ListDevices(_ context.Context, accountID uuid.UUID) ([]*models.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.Device
	for _, d := range r.devices[accountID] {
		d := d
		out = append(out, &d)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}
