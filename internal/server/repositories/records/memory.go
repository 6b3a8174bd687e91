package records

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/server/models"
	"github.com/google/uuid"
)

type recordKey struct {
	account uuid.UUID
	typ     string
	key     string
}

type MemoryRepository struct {
	mu   sync.RWMutex
	data map[recordKey]models.Record
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{data: make(map[recordKey]models.Record)}
}

func (r *MemoryRepository) Get(_ context.Context, accountID uuid.UUID, typ, key string) (*models.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.data[recordKey{accountID, typ, key}]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return &rec, nil
}

func (r *MemoryRepository) Put(_ context.Context, rec *models.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec.UpdatedAt = time.Now().UTC()
	stored := *rec
	stored.Value = append([]byte(nil), rec.Value...)
	r.data[recordKey{rec.AccountID, rec.Type, rec.Key}] = stored
	return nil
}

func (r *MemoryRepository) ListLive(_ context.Context, accountID uuid.UUID) ([]*models.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.Record
	for k, rec := range r.data {
		if k.account != accountID || rec.Deleted {
			continue
		}
		rec := rec
		out = append(out, &rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}
