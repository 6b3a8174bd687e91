// Package account authenticates the device on every connection and moves
// accounts between devices.
//
// Handshake answers the server's Identify frame with Register, Login or
// Access depending on what the settings store knows about the device.
// Manager runs exports and imports, relays login requests of new devices
// to a decision handler and transfers bundles through presigned URLs.
package account
