// Package config handles configuration for the relay server: defaults,
// then a JSON file, then GOPHSYNC_ environment variables, then flags.
package config

import "time"

// Config holds runtime settings for the relay server.
//
// Fields:
//   - EndpointAddr: bind address of the websocket sync endpoint.
//   - HealthAddrGRPC: bind address of the gRPC health endpoint; empty disables it.
//   - DatabaseDSN: PostgreSQL DSN (pgx). Empty keeps all state in memory.
//   - SecretKey: HMAC secret for access keys (HS256).
//   - RequireAccessKey: reject websocket upgrades without a valid access key.
//   - LoginRequestTimeout: how long a pending login request waits for a decision.
//   - Workers: size of the shared session worker pool.
//   - TLSCertFile / TLSKeyFile: serve TLS when both are set.
//   - S3*: object storage for bundle transfer; an empty bucket disables it.
type Config struct {
	EndpointAddr        string        `env:"ENDPOINT_ADDR"`
	HealthAddrGRPC      string        `env:"HEALTH_ADDR_GRPC"`
	DatabaseDSN         string        `env:"DATABASE_DSN"`
	SecretKey           string        `env:"SECRET_KEY"`
	RequireAccessKey    bool          `env:"REQUIRE_ACCESS_KEY"`
	LoginRequestTimeout time.Duration `env:"LOGIN_REQUEST_TIMEOUT"`
	Workers             int           `env:"WORKERS"`
	TLSCertFile         string        `env:"TLS_CERT_FILE"`
	TLSKeyFile          string        `env:"TLS_KEY_FILE"`
	LogLevel            string        `env:"LOG_LEVEL"`
	S3RootUser          string        `env:"S3_ROOT_USER"`
	S3RootPassword      string        `env:"S3_ROOT_PASSWORD"`
	S3Bucket            string        `env:"S3_BUCKET"`
	S3Region            string        `env:"S3_REGION"`
	S3BaseEndpoint      string        `env:"S3_BASE_ENDPOINT"`
}

// LoadDefaults populates Config with development defaults.
// NOTE: These values are insecure for production and should be overridden.
func (c *Config) LoadDefaults() {
	c.EndpointAddr = ":8080"
	c.HealthAddrGRPC = ":50051"
	c.DatabaseDSN = ""
	c.SecretKey = "secretKey"
	c.RequireAccessKey = false
	c.LoginRequestTimeout = 5 * time.Minute
	c.Workers = 16
	c.LogLevel = "info"
	c.S3RootUser = "admin"
	c.S3RootPassword = "secretpassword"
	c.S3Bucket = ""
	c.S3Region = "us-east-1"
	c.S3BaseEndpoint = "http://127.0.0.1:9000/"
}

// LoadConfig builds a Config by applying defaults, then overlaying values
// from an optional JSON file, the environment and finally command-line flags.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseEnv(cfg)
	parseFlags(cfg)
	return cfg
}
