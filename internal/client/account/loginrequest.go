package account

import (
	"fmt"
	"sync"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/protocol"
)

// LoginRequest is a new device asking to join the account. The first
// decision is final.
type LoginRequest struct {
	Device protocol.DeviceInfo

	mu       sync.Mutex
	acted    bool
	accepted bool
	reply    func(accepted bool) error
}

func (r *LoginRequest) Accept() error { return r.decide(true) }

func (r *LoginRequest) Reject() error { return r.decide(false) }

func (r *LoginRequest) decide(accepted bool) error {
	r.mu.Lock()
	if r.acted {
		r.mu.Unlock()
		return fmt.Errorf("%w: login request of %s already decided", common.ErrValidation, r.Device.ID)
	}
	r.acted = true
	r.accepted = accepted
	r.mu.Unlock()
	return r.reply(accepted)
}

// Decided returns the decision and whether one was made.
func (r *LoginRequest) Decided() (accepted, acted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accepted, r.acted
}
