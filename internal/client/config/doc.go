// Package config loads runtime configuration for the gophsync device client.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file (see parseJson) selected via flags: -c or -config.
//  3. GOPHSYNC_ environment variables (see parseEnv).
//  4. Command-line flags (see parseFlags), which override earlier values.
//
// Supported flags
//
//	-a string   websocket URL of the relay (e.g., "ws://127.0.0.1:8080/sync")
//	-k string   access key sent as a bearer token
//	-d string   path of the local sqlite database
//	-n string   device name shown to other devices
//	-e bool     enable synchronization
//	-v bool     require a verifiable server certificate
//	-ca string  extra CA certificates (PEM)
//	-l string   log level
//	-ri int     first retry delay (seconds)
//	-rm int     longest retry delay (minutes)
//
// # JSON schema
//
// Intervals use timex.Duration, so values can be either strings like "3s" or
// integer nanoseconds:
//
//	{
//	  "server_url": "wss://sync.example.com/sync",
//	  "db_path": "/var/lib/gophsync/device.db",
//	  "retry_max_interval": "5m"
//	}
//
// The keystore password is only read from GOPHSYNC_PASSWORD; without it the
// client prompts for one.
package config
