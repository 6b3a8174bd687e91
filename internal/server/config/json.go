package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/gophsync/internal/flagx"
	"github.com/dmitrijs2005/gophsync/internal/timex"
)

// JsonConfig is the on-disk shape of the server configuration. Durations
// accept both strings such as "5m" and integer nanoseconds.
type JsonConfig struct {
	EndpointAddr        string         `json:"endpoint_addr"`
	HealthAddrGRPC      string         `json:"health_addr_grpc"`
	DatabaseDSN         string         `json:"database_dsn"`
	SecretKey           string         `json:"secret_key"`
	RequireAccessKey    bool           `json:"require_access_key"`
	LoginRequestTimeout timex.Duration `json:"login_request_timeout"`
	Workers             int            `json:"workers"`
	TLSCertFile         string         `json:"tls_cert_file"`
	TLSKeyFile          string         `json:"tls_key_file"`
	LogLevel            string         `json:"log_level"`
	S3RootUser          string         `json:"s3_root_user"`
	S3RootPassword      string         `json:"s3_root_password"`
	S3Bucket            string         `json:"s3_bucket"`
	S3Region            string         `json:"s3_region"`
	S3BaseEndpoint      string         `json:"s3_base_endpoint"`
}

// parseJson loads the file named by -c/-config into config. Keys absent from
// the file keep their current value. Unreadable or invalid files panic.
func parseJson(config *Config) {

	// try flags
	jsonConfigFile := flagx.JsonConfigFlags()

	// nothing to load
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{
		EndpointAddr:        config.EndpointAddr,
		HealthAddrGRPC:      config.HealthAddrGRPC,
		DatabaseDSN:         config.DatabaseDSN,
		SecretKey:           config.SecretKey,
		RequireAccessKey:    config.RequireAccessKey,
		LoginRequestTimeout: timex.Duration{Duration: config.LoginRequestTimeout},
		Workers:             config.Workers,
		TLSCertFile:         config.TLSCertFile,
		TLSKeyFile:          config.TLSKeyFile,
		LogLevel:            config.LogLevel,
		S3RootUser:          config.S3RootUser,
		S3RootPassword:      config.S3RootPassword,
		S3Bucket:            config.S3Bucket,
		S3Region:            config.S3Region,
		S3BaseEndpoint:      config.S3BaseEndpoint,
	}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	err = json.Unmarshal(file, c)
	if err != nil {
		panic(err)
	}

	config.EndpointAddr = c.EndpointAddr
	config.HealthAddrGRPC = c.HealthAddrGRPC
	config.DatabaseDSN = c.DatabaseDSN
	config.SecretKey = c.SecretKey
	config.RequireAccessKey = c.RequireAccessKey
	config.LoginRequestTimeout = c.LoginRequestTimeout.Duration
	config.Workers = c.Workers
	config.TLSCertFile = c.TLSCertFile
	config.TLSKeyFile = c.TLSKeyFile
	config.LogLevel = c.LogLevel
	config.S3RootUser = c.S3RootUser
	config.S3RootPassword = c.S3RootPassword
	config.S3Bucket = c.S3Bucket
	config.S3Region = c.S3Region
	config.S3BaseEndpoint = c.S3BaseEndpoint
}
