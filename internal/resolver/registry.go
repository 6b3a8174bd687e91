// Package resolver merges two versions of the same record. Resolvers are
// registered per record type at startup and looked up on every conflict;
// they are pure and never persist anything.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/logging"
)

// ResolveFunc merges older and newer into one value. Returning
// common.ErrConflictUnresolved declines and passes the pair down the chain.
type ResolveFunc func(ctx context.Context, older, newer json.RawMessage) (json.RawMessage, error)

// Registry dispatches conflicts by record type.
type Registry struct {
	mu        sync.RWMutex
	byType    map[string]ResolveFunc
	fallbacks []ResolveFunc
	logger    logging.Logger
}

func New(logger logging.Logger) *Registry {
	return &Registry{
		byType: make(map[string]ResolveFunc),
		logger: logger.With("module", "resolver"),
	}
}

// Register installs fn for typeID, replacing any earlier registration.
func (r *Registry) Register(typeID string, fn ResolveFunc) error {
	if typeID == "" || fn == nil {
		return fmt.Errorf("register resolver: %w", common.ErrValidation)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[typeID] = fn
	return nil
}

// AddFallback appends a resolver consulted for every type after the
// type-specific one declined or was missing.
func (r *Registry) AddFallback(fn ResolveFunc) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks = append(r.fallbacks, fn)
}

// Resolve walks the chain for typeID. When every resolver declines it logs a
// warning and returns common.ErrConflictUnresolved with a nil value.
func (r *Registry) Resolve(ctx context.Context, typeID string, older, newer json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	chain := make([]ResolveFunc, 0, 1+len(r.fallbacks))
	if fn, ok := r.byType[typeID]; ok {
		chain = append(chain, fn)
	}
	chain = append(chain, r.fallbacks...)
	r.mu.RUnlock()

	for _, fn := range chain {
		merged, err := fn(ctx, older, newer)
		if errors.Is(err, common.ErrConflictUnresolved) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", typeID, err)
		}
		return merged, nil
	}

	r.logger.Warn(ctx, "no resolver accepted the conflict", "type", typeID)
	return nil, common.ErrConflictUnresolved
}

// Typed adapts a merge function over a concrete type. Values that do not
// decode as T make the resolver decline.
func Typed[T any](fn func(ctx context.Context, older, newer T) (T, error)) ResolveFunc {
	return func(ctx context.Context, olderRaw, newerRaw json.RawMessage) (json.RawMessage, error) {
		var older, newer T
		if err := json.Unmarshal(olderRaw, &older); err != nil {
			return nil, common.ErrConflictUnresolved
		}
		if err := json.Unmarshal(newerRaw, &newer); err != nil {
			return nil, common.ErrConflictUnresolved
		}
		merged, err := fn(ctx, older, newer)
		if err != nil {
			return nil, err
		}
		return json.Marshal(merged)
	}
}

// Candidate is one side of a conflict as seen by the caller.
type Candidate struct {
	Value   json.RawMessage
	Version int64
	Deleted bool
}

// LastWriteWins picks the candidate with the higher version, b on a tie.
// Callers use it when Resolve declined.
func LastWriteWins(a, b Candidate) Candidate {
	if a.Version > b.Version {
		return a
	}
	return b
}
