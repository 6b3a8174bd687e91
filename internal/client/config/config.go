package config

import (
	"os"
	"time"
)

// Config holds runtime settings for the device client.
//
// Fields:
//   - ServerURL / AccessKey: relay endpoint and access key. Values stored
//     in the device settings win over these.
//   - DBPath: sqlite file with settings, keys and records.
//   - DeviceName: name announced when registering or requesting access.
//   - Enabled: whether the connector dials at all.
//   - VerifyPeer / CAFile: TLS trust policy.
//   - HandshakeTimeout: websocket handshake bound.
//   - RetryInitialInterval / RetryMaxInterval: reconnect backoff bounds.
//   - Password: keystore password (environment only).
type Config struct {
	ServerURL            string        `env:"SERVER_URL"`
	AccessKey            string        `env:"ACCESS_KEY"`
	DBPath               string        `env:"DB_PATH"`
	DeviceName           string        `env:"DEVICE_NAME"`
	Enabled              bool          `env:"ENABLED"`
	VerifyPeer           bool          `env:"VERIFY_PEER"`
	CAFile               string        `env:"CA_FILE"`
	HandshakeTimeout     time.Duration `env:"HANDSHAKE_TIMEOUT"`
	RetryInitialInterval time.Duration `env:"RETRY_INITIAL_INTERVAL"`
	RetryMaxInterval     time.Duration `env:"RETRY_MAX_INTERVAL"`
	LogLevel             string        `env:"LOG_LEVEL"`
	Password             string        `env:"PASSWORD"`
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.ServerURL = "ws://127.0.0.1:8080/sync"
	c.AccessKey = ""
	c.DBPath = "gophsync.db"
	c.DeviceName, _ = os.Hostname()
	c.Enabled = true
	c.VerifyPeer = true
	c.CAFile = ""
	c.HandshakeTimeout = 10 * time.Second
	c.RetryInitialInterval = time.Second
	c.RetryMaxInterval = 5 * time.Minute
	c.LogLevel = "warn"
	c.Password = ""
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// JSON, the environment and command-line flags. Later sources take
// precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseEnv(cfg)
	parseFlags(cfg)
	return cfg
}
