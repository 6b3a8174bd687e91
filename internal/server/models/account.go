// Package models defines server-side data models persisted by the
// repositories.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Account owns one synchronized data set shared by its devices.
type Account struct {
	ID        uuid.UUID
	CreatedAt time.Time
}

// Device is one authenticated endpoint of an account. The pair
// (AccountID, ID) is unique; registering it again updates Name and keys.
type Device struct {
	AccountID   uuid.UUID
	ID          uuid.UUID
	Name        string
	PublicKey   []byte
	Fingerprint []byte
	CreatedAt   time.Time
}
