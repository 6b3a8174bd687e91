package session

import (
	"context"
	"errors"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/protocol"
	"github.com/dmitrijs2005/gophsync/internal/server/identity"
	"github.com/google/uuid"
)

func (s *Session) handleFrame(ctx context.Context, data []byte) {
	msg, err := protocol.DecodeFrame(data)
	if err != nil {
		s.logger.Warn(ctx, "ignoring undecodable frame", "err", err)
		return
	}

	switch m := msg.(type) {
	case *protocol.Register:
		accountID, err := s.deps.Identity.Register(ctx, m.Device, m.PublicKey)
		if err != nil {
			s.reject(ctx, err)
			return
		}
		s.welcome(ctx, accountID, m.Device.ID)

	case *protocol.Login:
		if err := s.deps.Identity.Login(ctx, m.AccountID, m.DeviceID, s.nonce, m.Signature); err != nil {
			s.reject(ctx, err)
			return
		}
		s.welcome(ctx, m.AccountID, m.DeviceID)
		for _, req := range s.deps.Identity.Pending(m.AccountID) {
			if req.Device.ID != m.DeviceID {
				s.sendFrame(req)
			}
		}

	case *protocol.Access:
		done, err := s.deps.Identity.Access(ctx, identity.AccessRequest{
			AccountID:  m.AccountID,
			Device:     m.Device,
			PublicKey:  m.PublicKey,
			IssuerID:   m.IssuerID,
			TrustToken: m.TrustToken,
			Signature:  m.Signature,
			Nonce:      s.nonce,
		})
		if err != nil {
			s.reject(ctx, err)
			return
		}
		s.mu.Lock()
		s.access = &accessKey{account: m.AccountID, device: m.Device.ID}
		s.mu.Unlock()
		go s.awaitAccess(ctx, m.AccountID, m.Device.ID, done)

	case *protocol.LoginReply:
		accountID, deviceID, ok := s.identity()
		if !ok {
			s.logger.Warn(ctx, "login reply before identification")
			return
		}
		if err := s.deps.Identity.Decide(ctx, accountID, deviceID, m.DeviceID, m.Accepted); err != nil {
			s.logger.Warn(ctx, "login reply not applied", "device", m.DeviceID, "err", err)
		}

	default:
		s.logger.Debug(ctx, "ignoring frame", "frame", msg.FrameName())
	}
}

// awaitAccess waits for the decision on a parked access request. The channel
// always yields, on close too, so this goroutine never outlives the session.
func (s *Session) awaitAccess(ctx context.Context, accountID, deviceID uuid.UUID, done <-chan error) {
	err := <-done

	s.mu.Lock()
	s.access = nil
	s.mu.Unlock()

	if err != nil {
		s.reject(ctx, err)
		return
	}
	s.welcome(ctx, accountID, deviceID)
}

func (s *Session) welcome(ctx context.Context, accountID, deviceID uuid.UUID) {
	s.setIdentity(ctx, accountID, deviceID)
	s.sendFrame(&protocol.Welcome{AccountID: accountID, DeviceID: deviceID})
}

// reject reports a failed handshake and closes the connection.
func (s *Session) reject(ctx context.Context, err error) {
	msg := common.ErrorUnauthorized.Error()
	switch {
	case errors.Is(err, common.ErrValidation), errors.Is(err, common.ErrLoginRejected), errors.Is(err, common.ErrorNotFound):
		msg = err.Error()
	case !errors.Is(err, common.ErrorUnauthorized):
		s.logger.Error(ctx, "handshake failed", "err", err)
		msg = common.ErrorInternal.Error()
	}
	s.logger.Info(ctx, "handshake rejected", "reason", msg)
	s.closeAfterFlush(&protocol.Error{Message: msg})
}
