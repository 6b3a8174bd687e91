package models

import "github.com/google/uuid"

// ServerConfig is the remote a bundle can carry so the importing device
// does not have to be configured by hand.
type ServerConfig struct {
	URL       string `json:"url"`
	AccessKey string `json:"accessKey,omitempty"`
}

// BundleSecrets is the part of a trusted bundle that is sealed.
type BundleSecrets struct {
	AccountID  uuid.UUID     `json:"accountId"`
	TrustToken []byte        `json:"trustToken"`
	Server     *ServerConfig `json:"server,omitempty"`
}

// ExportBundle moves an account to another device. An untrusted bundle is
// readable as is and the new device needs approval from an existing one. A
// trusted bundle seals BundleSecrets under a password-derived key.
type ExportBundle struct {
	Trusted        bool          `json:"trusted"`
	AccountID      uuid.UUID     `json:"accountId,omitempty"`
	IssuerDeviceID uuid.UUID     `json:"issuerDeviceId"`
	Server         *ServerConfig `json:"server,omitempty"`
	Salt           []byte        `json:"salt,omitempty"`
	Nonce          []byte        `json:"nonce,omitempty"`
	Sealed         []byte        `json:"sealed,omitempty"`
}

// PendingAccess is stored between an import and the handshake that asks
// the server to admit this device to the imported account.
type PendingAccess struct {
	AccountID  uuid.UUID `json:"accountId"`
	IssuerID   uuid.UUID `json:"issuerId"`
	TrustToken []byte    `json:"trustToken,omitempty"`
}
