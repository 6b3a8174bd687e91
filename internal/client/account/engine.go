package account

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/client/repositories/settings"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/cryptox"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/google/uuid"
)

var _ Engine = (*LocalEngine)(nil)

// RecordClearer drops the local data set before joining another account.
type RecordClearer interface {
	Clear(ctx context.Context) error
}

type EngineKeys interface {
	DeviceKey() ed25519.PrivateKey
	GenerateDeviceKey(ctx context.Context) (ed25519.PublicKey, error)
}

// LocalEngine exports and imports using the device's own stores.
type LocalEngine struct {
	settings settings.Repository
	records  RecordClearer
	keys     EngineKeys
	// defaults fill in the server config of exports when settings are unset.
	defaults models.ServerConfig
	logger   logging.Logger
}

func NewLocalEngine(s settings.Repository, r RecordClearer, keys EngineKeys, defaults models.ServerConfig, logger logging.Logger) *LocalEngine {
	return &LocalEngine{settings: s, records: r, keys: keys, defaults: defaults, logger: logger.With("module", "engine")}
}

func (e *LocalEngine) Export(ctx context.Context, req ExportRequest) (*models.ExportBundle, error) {
	accountID, err := AccountID(ctx, e.settings)
	if err != nil {
		return nil, err
	}
	if accountID == uuid.Nil {
		return nil, fmt.Errorf("%w: device has no account yet", common.ErrValidation)
	}
	deviceID, err := DeviceID(ctx, e.settings)
	if err != nil {
		return nil, err
	}

	var server *models.ServerConfig
	if req.IncludeServer {
		server, err = e.serverConfig(ctx)
		if err != nil {
			return nil, err
		}
	}

	if !req.Trusted {
		return &models.ExportBundle{AccountID: accountID, IssuerDeviceID: deviceID, Server: server}, nil
	}

	if len(req.Password) == 0 {
		return nil, fmt.Errorf("%w: a trusted export needs a password", common.ErrValidation)
	}
	priv := e.keys.DeviceKey()
	if priv == nil {
		return nil, fmt.Errorf("no device key: %w", common.ErrKeyAccess)
	}

	salt := common.GenerateRandByteArray(cryptox.SaltSize)
	key := cryptox.DeriveKey(req.Password, salt)
	defer common.WipeByteArray(key)

	sealed, nonce, err := cryptox.Seal(models.BundleSecrets{
		AccountID:  accountID,
		TrustToken: cryptox.TrustToken(priv, accountID),
		Server:     server,
	}, key)
	if err != nil {
		return nil, err
	}
	e.logger.Info(ctx, "trusted bundle exported", "account", accountID)
	return &models.ExportBundle{
		Trusted:        true,
		IssuerDeviceID: deviceID,
		Salt:           salt,
		Nonce:          nonce,
		Sealed:         sealed,
	}, nil
}

func (e *LocalEngine) serverConfig(ctx context.Context) (*models.ServerConfig, error) {
	cfg := e.defaults
	if v, err := e.settings.Get(ctx, settings.KeyRemoteURL); err != nil {
		return nil, err
	} else if v != nil {
		cfg.URL = string(v)
	}
	if v, err := e.settings.Get(ctx, settings.KeyAccessKey); err != nil {
		return nil, err
	} else if v != nil {
		cfg.AccessKey = string(v)
	}
	if cfg.URL == "" {
		return nil, nil
	}
	return &cfg, nil
}

// Import stores what the next handshake needs to request access and
// gives the device a fresh key.
func (e *LocalEngine) Import(ctx context.Context, b *models.ExportBundle, password []byte, keepData bool) error {
	pending := models.PendingAccess{AccountID: b.AccountID, IssuerID: b.IssuerDeviceID}
	server := b.Server

	if b.Trusted {
		if len(password) == 0 {
			return fmt.Errorf("%w: a trusted import needs a password", common.ErrValidation)
		}
		key := cryptox.DeriveKey(password, b.Salt)
		defer common.WipeByteArray(key)

		var secrets models.BundleSecrets
		if err := cryptox.Open(b.Sealed, b.Nonce, key, &secrets); err != nil {
			return fmt.Errorf("wrong password or damaged bundle: %w", common.ErrKeyAccess)
		}
		pending.AccountID = secrets.AccountID
		pending.TrustToken = secrets.TrustToken
		server = secrets.Server
	}
	if pending.AccountID == uuid.Nil || pending.IssuerID == uuid.Nil {
		return fmt.Errorf("%w: bundle without account or issuer", common.ErrValidation)
	}

	if !keepData {
		if err := e.records.Clear(ctx); err != nil {
			return err
		}
	}
	if server != nil && server.URL != "" {
		if err := e.settings.Set(ctx, settings.KeyRemoteURL, []byte(server.URL)); err != nil {
			return err
		}
		if server.AccessKey != "" {
			if err := e.settings.Set(ctx, settings.KeyAccessKey, []byte(server.AccessKey)); err != nil {
				return err
			}
		}
	}
	if err := e.settings.Delete(ctx, settings.KeyUserID); err != nil {
		return err
	}
	if err := storePending(ctx, e.settings, pending); err != nil {
		return err
	}
	if _, err := e.keys.GenerateDeviceKey(ctx); err != nil {
		return err
	}
	e.logger.Info(ctx, "account imported", "account", pending.AccountID, "keepData", keepData)
	return nil
}
