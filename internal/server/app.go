// Package server assembles the relay: storage, identity, the session hub,
// the websocket endpoint and the gRPC health endpoint.
package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/server/bundles"
	"github.com/dmitrijs2005/gophsync/internal/server/changestore"
	"github.com/dmitrijs2005/gophsync/internal/server/config"
	"github.com/dmitrijs2005/gophsync/internal/server/hub"
	"github.com/dmitrijs2005/gophsync/internal/server/identity"
	"github.com/dmitrijs2005/gophsync/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/gophsync/internal/server/session"
	"github.com/dmitrijs2005/gophsync/internal/server/ws"
	"golang.org/x/sync/errgroup"

	gs "github.com/dmitrijs2005/gophsync/internal/server/grpc"
)

type App struct {
	config *config.Config
	logger logging.Logger
	repos  repomanager.RepositoryManager
	pool   *session.Pool
	ws     *ws.Server
	health *gs.HealthServer
}

// openRepositories picks Postgres when a DSN is configured and the
// in-memory store otherwise.
var openRepositories = func(ctx context.Context, dsn string) (repomanager.RepositoryManager, error) {
	if dsn == "" {
		return repomanager.NewMemoryRepositoryManager(), nil
	}
	return repomanager.OpenPostgres(ctx, dsn)
}

func NewApp(ctx context.Context, c *config.Config, logger logging.Logger) (*App, error) {
	repos, err := openRepositories(ctx, c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}
	if err := repos.RunMigrations(ctx); err != nil {
		_ = repos.Close()
		return nil, fmt.Errorf("db migration error: %w", err)
	}
	if c.DatabaseDSN == "" {
		logger.Warn(ctx, "no database configured, state is kept in memory")
	}

	store := changestore.New(repos, logger)
	ids := identity.NewService(repos, store, c.LoginRequestTimeout, logger)
	h := hub.New(logger)
	ids.SetNotifier(h)

	pool := session.NewPool(c.Workers)
	deps := session.Deps{
		Store:    store,
		Identity: ids,
		Hub:      h,
		Pool:     pool,
		Logger:   logger,
	}

	bs := bundles.NewService(bundles.Config{
		RootUser:     c.S3RootUser,
		RootPassword: c.S3RootPassword,
		Bucket:       c.S3Bucket,
		Region:       c.S3Region,
		BaseEndpoint: c.S3BaseEndpoint,
	}, logger)
	if bs.Enabled() {
		deps.Bundles = bs
	}

	app := &App{
		config: c,
		logger: logger,
		repos:  repos,
		pool:   pool,
		ws: ws.NewServer(ws.Config{
			Addr:             c.EndpointAddr,
			SecretKey:        c.SecretKey,
			RequireAccessKey: c.RequireAccessKey,
			TLSCertFile:      c.TLSCertFile,
			TLSKeyFile:       c.TLSKeyFile,
		}, deps, logger),
	}

	if c.HealthAddrGRPC != "" {
		secret := ""
		if c.RequireAccessKey {
			secret = c.SecretKey
		}
		app.health = gs.NewHealthServer(c.HealthAddrGRPC, repos, logger, secret)
	}

	return app, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// Run serves until a signal arrives or one of the endpoints fails. The
// first failure stops the others.
func (app *App) Run(ctx context.Context) error {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return app.ws.Run(gctx)
	})

	if app.health != nil {
		g.Go(func() error {
			return app.health.Run(gctx)
		})
	}

	err := g.Wait()
	app.pool.Wait()
	if cerr := app.repos.Close(); cerr != nil {
		app.logger.Error(ctx, "failed to close storage", "err", cerr)
	}
	app.logger.Info(ctx, "App stopped")
	return err
}
