// Package keystore keeps the device's ed25519 key sealed in the settings
// store under a key derived from the user's password.
package keystore

import (
	"context"
	"crypto/ed25519"
	"crypto/subtle"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/gophsync/internal/client/repositories/settings"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/cryptox"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/google/uuid"
)

const (
	keySalt        = "keys/salt"
	keyVerifier    = "keys/verifier"
	keyDevice      = "keys/device"
	keyDeviceNonce = "keys/deviceNonce"
)

type sealedKey struct {
	AccountID uuid.UUID `json:"accountId"`
	Private   []byte    `json:"private"`
}

type Keystore struct {
	mu        sync.RWMutex
	settings  settings.Repository
	masterKey []byte
	device    ed25519.PrivateKey
	accountID uuid.UUID
	logger    logging.Logger
}

func New(s settings.Repository, logger logging.Logger) *Keystore {
	return &Keystore{settings: s, logger: logger.With("module", "keystore")}
}

// Unlock derives the master key from password. The first unlock on a fresh
// device sets the password; later ones must match it.
func (k *Keystore) Unlock(ctx context.Context, password []byte) error {
	if len(password) == 0 {
		return fmt.Errorf("empty password: %w", common.ErrValidation)
	}

	salt, err := k.settings.Get(ctx, keySalt)
	if err != nil {
		return err
	}
	verifier, err := k.settings.Get(ctx, keyVerifier)
	if err != nil {
		return err
	}

	if salt == nil {
		salt = common.GenerateRandByteArray(cryptox.SaltSize)
		key := cryptox.DeriveKey(password, salt)
		if err := k.settings.Set(ctx, keySalt, salt); err != nil {
			return err
		}
		if err := k.settings.Set(ctx, keyVerifier, cryptox.MakeVerifier(key)); err != nil {
			return err
		}
		k.setMaster(key)
		k.logger.Info(ctx, "keystore initialized")
		return nil
	}

	key := cryptox.DeriveKey(password, salt)
	if subtle.ConstantTimeCompare(cryptox.MakeVerifier(key), verifier) != 1 {
		common.WipeByteArray(key)
		return fmt.Errorf("wrong password: %w", common.ErrKeyAccess)
	}
	k.setMaster(key)
	return nil
}

func (k *Keystore) setMaster(key []byte) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.masterKey = key
}

// Lock forgets the master key and the loaded device key.
func (k *Keystore) Lock() {
	k.mu.Lock()
	defer k.mu.Unlock()
	common.WipeByteArray(k.masterKey)
	common.WipeByteArray(k.device)
	k.masterKey = nil
	k.device = nil
	k.accountID = uuid.Nil
}

// CanAccess reports whether the keystore is unlocked.
func (k *Keystore) CanAccess() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.masterKey != nil
}

func (k *Keystore) master() ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.masterKey == nil {
		return nil, fmt.Errorf("keystore locked: %w", common.ErrKeyAccess)
	}
	return k.masterKey, nil
}

// LoadKeyMaterial loads the device key. It returns false when no key was
// generated yet. A key bound to another account is not accessible.
func (k *Keystore) LoadKeyMaterial(ctx context.Context, accountID uuid.UUID) (bool, error) {
	master, err := k.master()
	if err != nil {
		return false, err
	}

	sealed, err := k.settings.Get(ctx, keyDevice)
	if err != nil {
		return false, err
	}
	if sealed == nil {
		return false, nil
	}
	nonce, err := k.settings.Get(ctx, keyDeviceNonce)
	if err != nil {
		return false, err
	}

	var sk sealedKey
	if err := cryptox.Open(sealed, nonce, master, &sk); err != nil {
		return false, fmt.Errorf("device key: %w: %w", common.ErrKeyAccess, err)
	}
	if accountID != uuid.Nil && sk.AccountID != uuid.Nil && sk.AccountID != accountID {
		return false, fmt.Errorf("device key belongs to account %s: %w", sk.AccountID, common.ErrKeyAccess)
	}
	if len(sk.Private) != ed25519.PrivateKeySize {
		return false, fmt.Errorf("device key corrupted: %w", common.ErrKeyAccess)
	}

	k.mu.Lock()
	k.device = ed25519.PrivateKey(sk.Private)
	k.accountID = sk.AccountID
	k.mu.Unlock()
	return true, nil
}

// GenerateDeviceKey replaces the device key with a fresh one.
func (k *Keystore) GenerateDeviceKey(ctx context.Context) (ed25519.PublicKey, error) {
	pub, priv, err := cryptox.GenerateDeviceKey()
	if err != nil {
		return nil, err
	}
	if err := k.store(ctx, sealedKey{Private: priv}); err != nil {
		return nil, err
	}
	k.mu.Lock()
	k.device = priv
	k.accountID = uuid.Nil
	k.mu.Unlock()
	k.logger.Info(ctx, "device key generated", "fingerprint", fmt.Sprintf("%x", cryptox.Fingerprint(pub)))
	return pub, nil
}

// BindAccount ties the loaded device key to accountID.
func (k *Keystore) BindAccount(ctx context.Context, accountID uuid.UUID) error {
	priv := k.DeviceKey()
	if priv == nil {
		return fmt.Errorf("no device key loaded: %w", common.ErrKeyAccess)
	}
	if err := k.store(ctx, sealedKey{AccountID: accountID, Private: priv}); err != nil {
		return err
	}
	k.mu.Lock()
	k.accountID = accountID
	k.mu.Unlock()
	return nil
}

func (k *Keystore) store(ctx context.Context, sk sealedKey) error {
	master, err := k.master()
	if err != nil {
		return err
	}
	sealed, nonce, err := cryptox.Seal(sk, master)
	if err != nil {
		return err
	}
	if err := k.settings.Set(ctx, keyDevice, sealed); err != nil {
		return err
	}
	return k.settings.Set(ctx, keyDeviceNonce, nonce)
}

// DeviceKey returns the loaded private key, or nil.
func (k *Keystore) DeviceKey() ed25519.PrivateKey {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.device
}
