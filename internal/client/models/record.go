// Package models defines the device-side data models of gophsync.
package models

import (
	"encoding/json"
	"time"
)

// Record is one value of the local data set.
type Record struct {
	Type    string
	Key     string
	Value   json.RawMessage
	Version int64
	Deleted bool

	// Dirty marks a local write the server has not acknowledged yet.
	Dirty bool
	// LocalRev counts local writes so an acknowledgement for an older
	// write does not clear a newer one.
	LocalRev  int64
	UpdatedAt time.Time
}
