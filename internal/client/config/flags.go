package config

import (
	"flag"
	"os"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/flagx"
)

// ValuedFlags lists the flags that take a value, so the subcommand can be
// told apart from flag values.
var ValuedFlags = []string{"-c", "-config", "-a", "-k", "-d", "-n", "-ca", "-l", "-ri", "-rm"}

// parseFlags populates selected Config fields from command-line flags.
//
// The function filters os.Args to only include the flags it knows about,
// using flagx.FilterArgs, so subcommand arguments do not interfere.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-k", "-d", "-n", "-e", "-v", "-ca", "-l", "-ri", "-rm"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.ServerURL, "a", cfg.ServerURL, "websocket URL of the relay")
	fs.StringVar(&cfg.AccessKey, "k", cfg.AccessKey, "access key")
	fs.StringVar(&cfg.DBPath, "d", cfg.DBPath, "local database path")
	fs.StringVar(&cfg.DeviceName, "n", cfg.DeviceName, "device name")
	fs.BoolVar(&cfg.Enabled, "e", cfg.Enabled, "enable synchronization")
	fs.BoolVar(&cfg.VerifyPeer, "v", cfg.VerifyPeer, "verify the server certificate")
	fs.StringVar(&cfg.CAFile, "ca", cfg.CAFile, "CA certificates file")
	fs.StringVar(&cfg.LogLevel, "l", cfg.LogLevel, "log level")
	retryInitial := fs.Int("ri", int(cfg.RetryInitialInterval.Seconds()), "first retry delay (in seconds)")
	retryMax := fs.Int("rm", int(cfg.RetryMaxInterval.Minutes()), "longest retry delay (in minutes)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	cfg.RetryInitialInterval = time.Duration(*retryInitial) * time.Second
	cfg.RetryMaxInterval = time.Duration(*retryMax) * time.Minute
}
