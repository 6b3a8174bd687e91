package account

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/dmitrijs2005/gophsync/internal/client/connector"
	"github.com/dmitrijs2005/gophsync/internal/client/repositories/settings"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/cryptox"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/protocol"
	"github.com/google/uuid"
)

var _ connector.Handshaker = (*Handshake)(nil)

type DeviceKeys interface {
	DeviceKey() ed25519.PrivateKey
	GenerateDeviceKey(ctx context.Context) (ed25519.PublicKey, error)
	BindAccount(ctx context.Context, accountID uuid.UUID) error
}

// AccessObserver learns how an access request of an imported account ended.
type AccessObserver interface {
	AccessGranted(ctx context.Context, accountID uuid.UUID)
	AccessDenied(ctx context.Context, err error)
}

type Handshake struct {
	settings   settings.Repository
	keys       DeviceKeys
	deviceName string
	observer   AccessObserver
	logger     logging.Logger
}

func NewHandshake(s settings.Repository, keys DeviceKeys, deviceName string, logger logging.Logger) *Handshake {
	return &Handshake{
		settings:   s,
		keys:       keys,
		deviceName: deviceName,
		logger:     logger.With("module", "handshake"),
	}
}

// SetObserver must be called before the connector starts.
func (h *Handshake) SetObserver(o AccessObserver) {
	h.observer = o
}

func (h *Handshake) Handshake(ctx context.Context, fc connector.FrameConn) error {
	first, err := fc.ReadFrame(ctx)
	if err != nil {
		return err
	}
	identify, ok := first.(*protocol.Identify)
	if !ok {
		return fmt.Errorf("%w: expected %s, got %s", common.ErrMalformed, protocol.FrameIdentify, first.FrameName())
	}
	if identify.ProtocolVersion != common.ProtocolVersion {
		h.logger.Warn(ctx, "protocol version mismatch", "server", identify.ProtocolVersion, "device", common.ProtocolVersion)
	}

	deviceID, err := DeviceID(ctx, h.settings)
	if err != nil {
		return err
	}
	accountID, err := AccountID(ctx, h.settings)
	if err != nil {
		return err
	}
	pending, err := loadPending(ctx, h.settings)
	if err != nil {
		return err
	}

	var hello protocol.Message
	switch {
	case pending != nil:
		priv, pub, err := h.deviceKey(ctx, true)
		if err != nil {
			return err
		}
		hello = &protocol.Access{
			AccountID:  pending.AccountID,
			Device:     h.info(deviceID, pub),
			PublicKey:  pub,
			IssuerID:   pending.IssuerID,
			TrustToken: pending.TrustToken,
			Signature:  cryptox.SignChallenge(priv, identify.Nonce, deviceID),
		}
		h.logger.Info(ctx, "requesting access", "account", pending.AccountID, "trusted", len(pending.TrustToken) > 0)

	case accountID == uuid.Nil:
		pub, err := h.keys.GenerateDeviceKey(ctx)
		if err != nil {
			return err
		}
		hello = &protocol.Register{Device: h.info(deviceID, pub), PublicKey: pub}
		h.logger.Info(ctx, "registering new account")

	default:
		priv, _, err := h.deviceKey(ctx, false)
		if err != nil {
			return err
		}
		hello = &protocol.Login{
			AccountID: accountID,
			DeviceID:  deviceID,
			Signature: cryptox.SignChallenge(priv, identify.Nonce, deviceID),
		}
	}

	if err := fc.WriteFrame(hello); err != nil {
		return fmt.Errorf("%w: %w", common.ErrTransport, err)
	}

	for {
		m, err := fc.ReadFrame(ctx)
		if err != nil {
			return err
		}
		switch m := m.(type) {
		case *protocol.Welcome:
			return h.welcomed(ctx, m, deviceID, pending != nil)
		case *protocol.Error:
			err := fmt.Errorf("%w: %s", common.ErrLoginRejected, m.Message)
			if pending != nil {
				if derr := h.settings.Delete(ctx, settings.KeyPendingAccess); derr != nil {
					h.logger.Error(ctx, "clear pending access", "err", derr)
				}
				if h.observer != nil {
					h.observer.AccessDenied(ctx, err)
				}
			}
			return err
		default:
			h.logger.Debug(ctx, "ignoring frame during handshake", "frame", m.FrameName())
		}
	}
}

func (h *Handshake) welcomed(ctx context.Context, m *protocol.Welcome, deviceID uuid.UUID, accessing bool) error {
	if m.DeviceID != deviceID || m.AccountID == uuid.Nil {
		return fmt.Errorf("%w: welcome for device %s", common.ErrMalformed, m.DeviceID)
	}
	if err := h.settings.Set(ctx, settings.KeyUserID, []byte(m.AccountID.String())); err != nil {
		return err
	}
	if err := h.keys.BindAccount(ctx, m.AccountID); err != nil {
		return err
	}
	h.logger.Info(ctx, "device authenticated", "account", m.AccountID, "device", deviceID)

	if accessing {
		if err := h.settings.Delete(ctx, settings.KeyPendingAccess); err != nil {
			return err
		}
		if h.observer != nil {
			h.observer.AccessGranted(ctx, m.AccountID)
		}
	}
	return nil
}

// deviceKey returns the loaded key, generating one only when allowed.
func (h *Handshake) deviceKey(ctx context.Context, generate bool) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	priv := h.keys.DeviceKey()
	if priv == nil {
		if !generate {
			return nil, nil, fmt.Errorf("no device key: %w", common.ErrKeyAccess)
		}
		if _, err := h.keys.GenerateDeviceKey(ctx); err != nil {
			return nil, nil, err
		}
		priv = h.keys.DeviceKey()
	}
	return priv, priv.Public().(ed25519.PublicKey), nil
}

func (h *Handshake) info(id uuid.UUID, pub ed25519.PublicKey) protocol.DeviceInfo {
	return protocol.DeviceInfo{ID: id, Name: h.deviceName, Fingerprint: cryptox.Fingerprint(pub)}
}
