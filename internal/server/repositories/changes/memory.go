package changes

import (
	"context"
	"sort"
	"sync"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/server/models"
	"github.com/google/uuid"
)

type entryKey struct {
	account uuid.UUID
	device  uuid.UUID
	typ     string
	key     string
}

type MemoryRepository struct {
	mu   sync.RWMutex
	seq  int64
	data map[entryKey]models.ChangeEntry
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{data: make(map[entryKey]models.ChangeEntry)}
}

func (r *MemoryRepository) Put(_ context.Context, e *models.ChangeEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	e.Seq = r.seq
	stored := *e
	stored.Value = append([]byte(nil), e.Value...)
	stored.ConflictValue = append([]byte(nil), e.ConflictValue...)
	r.data[entryKey{e.AccountID, e.DeviceID, e.Type, e.Key}] = stored
	return nil
}

func (r *MemoryRepository) PutIfAbsent(_ context.Context, e *models.ChangeEntry) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := entryKey{e.AccountID, e.DeviceID, e.Type, e.Key}
	if _, ok := r.data[k]; ok {
		return false, nil
	}
	r.seq++
	e.Seq = r.seq
	stored := *e
	stored.Value = append([]byte(nil), e.Value...)
	stored.ConflictValue = append([]byte(nil), e.ConflictValue...)
	r.data[k] = stored
	return true, nil
}

func (r *MemoryRepository) Get(_ context.Context, accountID, deviceID uuid.UUID, typ, key string) (*models.ChangeEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.data[entryKey{accountID, deviceID, typ, key}]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return &e, nil
}

func (r *MemoryRepository) List(_ context.Context, accountID, deviceID uuid.UUID) ([]*models.ChangeEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.ChangeEntry
	for k, e := range r.data {
		if k.account == accountID && k.device == deviceID {
			e := e
			out = append(out, &e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (r *MemoryRepository) Delete(_ context.Context, accountID, deviceID uuid.UUID, typ, key string, maxVersion int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := entryKey{accountID, deviceID, typ, key}
	e, ok := r.data[k]
	if !ok || e.Version > maxVersion {
		return false, nil
	}
	delete(r.data, k)
	return true, nil
}
