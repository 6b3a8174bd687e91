// Package protocol implements the two wire formats spoken between devices and
// the relay server.
//
// Text websocket messages carry JSON commands:
//
//	{"command": "save", "data": {"type": "profile", "key": "main", "value": {...}}}
//
// Binary websocket messages carry name-tagged frames used by the identity
// handshake. A frame is a uvarint length followed by a protobuf-wire body
// whose field 1 is the frame name and field 2 the encoded payload. Decoding
// is all-or-nothing: a caller never sees a partially filled message and the
// Decoder only advances past complete frames.
package protocol
