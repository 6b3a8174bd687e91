package repomanager

import (
	"context"
	"sync"

	"github.com/dmitrijs2005/gophsync/internal/server/repositories/accounts"
	"github.com/dmitrijs2005/gophsync/internal/server/repositories/changes"
	"github.com/dmitrijs2005/gophsync/internal/server/repositories/records"
)

// MemoryRepositoryManager keeps everything in process memory. Transactions
// are serialized by one mutex and are not rolled back on error.
type MemoryRepositoryManager struct {
	mu    sync.Mutex
	repos Repositories
}

func NewMemoryRepositoryManager() *MemoryRepositoryManager {
	return &MemoryRepositoryManager{
		repos: Repositories{
			Accounts: accounts.NewMemoryRepository(),
			Records:  records.NewMemoryRepository(),
			Changes:  changes.NewMemoryRepository(),
		},
	}
}

func (m *MemoryRepositoryManager) RunMigrations(context.Context) error {
	return nil
}

func (m *MemoryRepositoryManager) Repositories() Repositories {
	return m.repos
}

func (m *MemoryRepositoryManager) InTx(ctx context.Context, _ []string, fn func(ctx context.Context, r Repositories) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(ctx, m.repos)
}

func (m *MemoryRepositoryManager) Ping(context.Context) error {
	return nil
}

func (m *MemoryRepositoryManager) Close() error {
	return nil
}
