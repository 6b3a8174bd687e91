// Package repomanager wires the repositories together, runs schema
// migrations and scopes repository calls to a transaction.
package repomanager

import (
	"context"

	"github.com/dmitrijs2005/gophsync/internal/server/repositories/accounts"
	"github.com/dmitrijs2005/gophsync/internal/server/repositories/changes"
	"github.com/dmitrijs2005/gophsync/internal/server/repositories/records"
)

// Repositories is a set of repositories bound to one connection or
// transaction.
type Repositories struct {
	Accounts accounts.Repository
	Records  records.Repository
	Changes  changes.Repository
}

type RepositoryManager interface {
	RunMigrations(ctx context.Context) error
	// Repositories returns repositories outside of any transaction.
	Repositories() Repositories
	// InTx runs fn with repositories bound to a single transaction. Writers
	// holding the same lock key are serialized until the transaction ends.
	InTx(ctx context.Context, lockKeys []string, fn func(ctx context.Context, r Repositories) error) error
	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error
	Close() error
}
