package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Record is the current value of (AccountID, Type, Key). Removal leaves a
// tombstone so versions keep increasing.
type Record struct {
	AccountID uuid.UUID
	Type      string
	Key       string
	Value     json.RawMessage
	Version   int64
	Deleted   bool
	UpdatedBy uuid.UUID
	UpdatedAt time.Time
}

// ChangeEntry is a write that DeviceID has not acknowledged yet. There is at
// most one per (AccountID, DeviceID, Type, Key); a newer write replaces it
// and moves it to the end of the log (Seq).
//
// Conflict is set when Origin wrote the value while holding its own
// unacknowledged entry for the key. ConflictValue is that unseen value, so
// both sides reach the resolver.
type ChangeEntry struct {
	Seq             int64
	AccountID       uuid.UUID
	DeviceID        uuid.UUID
	Type            string
	Key             string
	Value           json.RawMessage
	Version         int64
	Deleted         bool
	Origin          uuid.UUID
	Conflict        bool
	ConflictValue   json.RawMessage
	ConflictVersion int64
	ConflictDeleted bool
}
