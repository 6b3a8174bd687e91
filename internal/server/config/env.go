package config

import "github.com/caarlos0/env/v11"

// EnvPrefix namespaces every environment variable read by the server.
const EnvPrefix = "GOPHSYNC_"

// parseEnv overlays variables that are set; unset ones keep their value.
func parseEnv(config *Config) {
	if err := env.ParseWithOptions(config, env.Options{Prefix: EnvPrefix}); err != nil {
		panic(err)
	}
}
