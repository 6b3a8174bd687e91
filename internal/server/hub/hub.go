// Package hub tracks the identified sessions of every account and fans out
// notifications between them.
package hub

import (
	"context"
	"sync"

	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/protocol"
	"github.com/google/uuid"
)

// Peer is an identified session. Sends must not block.
type Peer interface {
	ID() string
	DeviceID() uuid.UUID
	PushFrame(m protocol.Message) bool
	PushCommand(name string, payload any) bool
}

type Hub struct {
	mu       sync.RWMutex
	accounts map[uuid.UUID]map[string]Peer
	logger   logging.Logger
}

func New(logger logging.Logger) *Hub {
	return &Hub{
		accounts: make(map[uuid.UUID]map[string]Peer),
		logger:   logger.With("module", "hub"),
	}
}

func (h *Hub) Join(accountID uuid.UUID, p Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers, ok := h.accounts[accountID]
	if !ok {
		peers = make(map[string]Peer)
		h.accounts[accountID] = peers
	}
	peers[p.ID()] = p
}

func (h *Hub) Leave(accountID uuid.UUID, p Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers := h.accounts[accountID]
	delete(peers, p.ID())
	if len(peers) == 0 {
		delete(h.accounts, accountID)
	}
}

// Online returns the number of sessions joined for an account.
func (h *Hub) Online(accountID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.accounts[accountID])
}

func (h *Hub) each(accountID, except uuid.UUID, fn func(Peer) bool) int {
	h.mu.RLock()
	peers := make([]Peer, 0, len(h.accounts[accountID]))
	for _, p := range h.accounts[accountID] {
		if p.DeviceID() != except {
			peers = append(peers, p)
		}
	}
	h.mu.RUnlock()

	n := 0
	for _, p := range peers {
		if fn(p) {
			n++
		}
	}
	return n
}

// ForwardLoginRequest sends req to every online device of the account except
// the one asking.
func (h *Hub) ForwardLoginRequest(ctx context.Context, accountID uuid.UUID, req *protocol.LoginRequest) int {
	n := h.each(accountID, req.Device.ID, func(p Peer) bool { return p.PushFrame(req) })
	h.logger.Debug(ctx, "login request forwarded", "account", accountID, "device", req.Device.ID, "peers", n)
	return n
}

// NotifyChanged tells the other devices of the account that origin wrote
// (typ, key).
func (h *Hub) NotifyChanged(ctx context.Context, accountID, origin uuid.UUID, typ, key string) int {
	data := protocol.ChangedData{Type: typ, Key: key, Origin: origin.String()}
	n := h.each(accountID, origin, func(p Peer) bool { return p.PushCommand(protocol.CmdChanged, data) })
	if n > 0 {
		h.logger.Debug(ctx, "change announced", "account", accountID, "type", typ, "key", key, "peers", n)
	}
	return n
}
