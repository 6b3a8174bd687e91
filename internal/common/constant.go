// Package common contains shared constants and sentinel errors used across
// gophsync components.
package common

const (
	// AuthorizationHeader carries the access key on the websocket upgrade.
	AuthorizationHeader = "Authorization"

	// BearerPrefix precedes the access key inside AuthorizationHeader.
	BearerPrefix = "Bearer "

	// ProtocolVersion is announced by the server in the Identify frame.
	ProtocolVersion = 1
)
