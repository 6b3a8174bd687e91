package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/gophsync/internal/flagx"
	"github.com/dmitrijs2005/gophsync/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. The password
// is deliberately absent.
type JsonConfig struct {
	ServerURL            string         `json:"server_url"`
	AccessKey            string         `json:"access_key"`
	DBPath               string         `json:"db_path"`
	DeviceName           string         `json:"device_name"`
	Enabled              bool           `json:"enabled"`
	VerifyPeer           bool           `json:"verify_peer"`
	CAFile               string         `json:"ca_file"`
	HandshakeTimeout     timex.Duration `json:"handshake_timeout"`
	RetryInitialInterval timex.Duration `json:"retry_initial_interval"`
	RetryMaxInterval     timex.Duration `json:"retry_max_interval"`
	LogLevel             string         `json:"log_level"`
}

// parseJson overlays Config with values loaded from the file named by -c or
// -config. Keys absent from the file keep their current value. Panics on
// read or unmarshal errors.
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	jc := JsonConfig{
		ServerURL:            cfg.ServerURL,
		AccessKey:            cfg.AccessKey,
		DBPath:               cfg.DBPath,
		DeviceName:           cfg.DeviceName,
		Enabled:              cfg.Enabled,
		VerifyPeer:           cfg.VerifyPeer,
		CAFile:               cfg.CAFile,
		HandshakeTimeout:     timex.Duration{Duration: cfg.HandshakeTimeout},
		RetryInitialInterval: timex.Duration{Duration: cfg.RetryInitialInterval},
		RetryMaxInterval:     timex.Duration{Duration: cfg.RetryMaxInterval},
		LogLevel:             cfg.LogLevel,
	}

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	cfg.ServerURL = jc.ServerURL
	cfg.AccessKey = jc.AccessKey
	cfg.DBPath = jc.DBPath
	cfg.DeviceName = jc.DeviceName
	cfg.Enabled = jc.Enabled
	cfg.VerifyPeer = jc.VerifyPeer
	cfg.CAFile = jc.CAFile
	cfg.HandshakeTimeout = jc.HandshakeTimeout.Duration
	cfg.RetryInitialInterval = jc.RetryInitialInterval.Duration
	cfg.RetryMaxInterval = jc.RetryMaxInterval.Duration
	cfg.LogLevel = jc.LogLevel
}
