package config

import "github.com/caarlos0/env/v11"

// EnvPrefix namespaces every environment variable read by the client.
const EnvPrefix = "GOPHSYNC_"

func parseEnv(cfg *Config) {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		panic(err)
	}
}
