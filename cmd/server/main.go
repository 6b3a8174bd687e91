package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/buildinfo"
	"github.com/dmitrijs2005/gophsync/internal/flagx"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/server"
	"github.com/dmitrijs2005/gophsync/internal/server/auth"
	"github.com/dmitrijs2005/gophsync/internal/server/config"
)

// issueKeyFlags reads "-issue-key <holder>" and "-key-validity <duration>".
// When a holder is given the binary prints an access key and exits.
func issueKeyFlags() (string, time.Duration) {
	var holder string
	var validity time.Duration

	args := flagx.FilterArgs(os.Args[1:], []string{"-issue-key", "-key-validity"})
	fs := flag.NewFlagSet("keys", flag.ContinueOnError)
	fs.StringVar(&holder, "issue-key", "", "print an access key for the given holder and exit")
	fs.DurationVar(&validity, "key-validity", 0, "access key validity, 0 for no expiry")
	if err := fs.Parse(args); err != nil {
		log.Fatal(err)
	}
	return holder, validity
}

func main() {

	buildinfo.PrintBuildData(os.Stdout)

	ctx := context.Background()
	cfg := config.LoadConfig()

	if holder, validity := issueKeyFlags(); holder != "" {
		key, err := auth.GenerateToken(holder, []byte(cfg.SecretKey), validity)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(key)
		return
	}

	logger := logging.NewJSONLogger(os.Stdout, logging.ParseLevel(cfg.LogLevel))

	app, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		log.Printf("%v", err)
		return
	}

	if err := app.Run(ctx); err != nil {
		logger.Error(ctx, "server stopped with error", "err", err)
		os.Exit(1)
	}
}
