// Package settings persists the device's key/value settings. Keys are
// slash-separated paths such as "remote/url" or "remote/headers/X-Token".
package settings

import (
	"context"
)

// Well-known keys.
const (
	KeyEnabled       = "enabled"
	KeyRemoteURL     = "remote/url"
	KeyAccessKey     = "remote/accessKey"
	GroupHeaders     = "remote/headers"
	KeyUserID        = "userId"
	KeyDeviceID      = "deviceId"
	KeyPendingAccess = "import/pending"
)

type Repository interface {
	// Get returns nil without an error when key is not set.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) (map[string][]byte, error)
	// ChildKeys returns the sorted names directly below group.
	ChildKeys(ctx context.Context, group string) ([]string, error)
	Clear(ctx context.Context) error
}
