package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dmitrijs2005/gophsync/internal/client/account"
	"github.com/dmitrijs2005/gophsync/internal/client/config"
	"github.com/dmitrijs2005/gophsync/internal/client/connector"
	"github.com/dmitrijs2005/gophsync/internal/client/datastore"
	"github.com/dmitrijs2005/gophsync/internal/client/keystore"
	"github.com/dmitrijs2005/gophsync/internal/client/localdb"
	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/client/syncer"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/resolver"
)

// Test seams.
var (
	openLocal = localdb.Open
	newDialer = func(cfg *config.Config, logger logging.Logger) (connector.Dialer, error) {
		d, err := connector.NewWSDialer(connector.TLSPolicy{VerifyPeer: cfg.VerifyPeer, CAFile: cfg.CAFile}, cfg.HandshakeTimeout, logger)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
)

type App struct {
	config *config.Config
	logger logging.Logger

	repos     *localdb.Repositories
	keys      *keystore.Keystore
	registry  *resolver.Registry
	syncer    *syncer.Syncer
	store     *datastore.Datastore
	handshake *account.Handshake
	accounts  *account.Manager
	conn      *connector.Connector

	reader *bufio.Reader
	out    io.Writer

	mu       sync.Mutex
	requests []*account.LoginRequest
	last     connector.StateEvent
}

// NewApp opens the local database and wires the device components. The
// keystore stays locked until Run.
func NewApp(ctx context.Context, cfg *config.Config, logger logging.Logger) (*App, error) {
	return newApp(ctx, cfg, logger, os.Stdin, os.Stdout)
}

func newApp(ctx context.Context, cfg *config.Config, logger logging.Logger, in io.Reader, out io.Writer) (*App, error) {
	repos, err := openLocal(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open local database: %w", err)
	}

	dialer, err := newDialer(cfg, logger)
	if err != nil {
		_ = repos.Close()
		return nil, err
	}

	a := &App{
		config: cfg,
		logger: logger.With("module", "cli"),
		repos:  repos,
		reader: bufio.NewReader(in),
		out:    &syncWriter{w: out},
	}

	a.keys = keystore.New(repos.Settings, logger)

	a.registry = resolver.New(logger)
	if err := a.registry.Register("set", resolver.UnionStrings); err != nil {
		_ = repos.Close()
		return nil, err
	}
	a.registry.AddFallback(resolver.MergeObjects)

	a.syncer = syncer.New(repos.Records, a.registry, logger)
	a.store = datastore.New(repos.Records, a.syncer, logger)

	a.handshake = account.NewHandshake(repos.Settings, a.keys, cfg.DeviceName, logger)
	engine := account.NewLocalEngine(repos.Settings, repos.Records, a.keys,
		models.ServerConfig{URL: cfg.ServerURL, AccessKey: cfg.AccessKey}, logger)
	a.accounts = account.NewManager(engine, nil, a.syncer, logger)

	a.conn = connector.New(connector.Options{
		Defaults:   connector.Defaults{Enabled: cfg.Enabled, URL: cfg.ServerURL, AccessKey: cfg.AccessKey},
		Dialer:     dialer,
		Settings:   repos.Settings,
		Keys:       a.keys,
		Handshaker: a.handshake,
		Syncer:     a.syncer,
		Frames:     a.accounts,
		NewBackOff: a.backOff,
		Logger:     logger,
	})

	a.accounts.SetReconnector(a.conn)
	a.handshake.SetObserver(a.accounts)
	a.accounts.SetLoginRequestHandler(a.loginRequested)
	a.accounts.SetErrorHandler(func(err error) {
		fmt.Fprintln(a.out, "error:", err)
	})

	return a, nil
}

func (a *App) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.config.RetryInitialInterval
	b.MaxInterval = a.config.RetryMaxInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (a *App) loginRequested(r *account.LoginRequest) {
	a.mu.Lock()
	a.requests = append(a.requests, r)
	n := len(a.requests)
	a.mu.Unlock()
	fmt.Fprintf(a.out, "\ndevice %q asks to join this account, see 'requests' and 'approve %d'\n", r.Device.Name, n)
}

// Unlock opens the keystore with the configured password or asks for one.
func (a *App) Unlock(ctx context.Context) error {
	var pw []byte
	if a.config.Password != "" {
		pw = []byte(a.config.Password)
	} else {
		var err error
		pw, err = GetPassword(a.out, "Keystore password")
		if err != nil {
			return err
		}
	}
	defer common.WipeByteArray(pw)
	return a.keys.Unlock(ctx, pw)
}

// Run unlocks the keystore and then either starts the interactive shell or,
// when args name a command, runs it once against a settled connection.
func (a *App) Run(ctx context.Context, args []string) error {
	defer a.close()

	if err := a.Unlock(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)

	shell := len(args) == 0 || args[0] == "run"
	events := a.conn.Subscribe()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.conn.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		a.watch(ctx, events, shell)
	}()
	defer wg.Wait()
	defer cancel()

	if shell {
		a.conn.Reconnect()
		runREPL(ctx, a, a.Status, a.reader)
		a.conn.Disconnect()
		return nil
	}
	return a.runOnce(ctx, args)
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func (a *App) close() {
	a.keys.Lock()
	if err := a.repos.Close(); err != nil {
		a.logger.Warn(context.Background(), "closing local database", "err", err)
	}
}

// runOnce connects, waits for the remote state to load and runs one
// command. Writes are pushed before returning.
func (a *App) runOnce(ctx context.Context, args []string) error {
	wait := a.config.HandshakeTimeout * 3
	a.conn.Reconnect()
	a.settle(ctx, wait)

	if err := a.Exec(ctx, args); err != nil {
		return err
	}

	switch args[0] {
	case "put", "delete":
		return a.flush(ctx, wait)
	}
	return nil
}

// settle waits until the connector is idle or gave up.
func (a *App) settle(ctx context.Context, timeout time.Duration) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		if a.settled() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			a.logger.Warn(ctx, "connection did not settle", "state", a.conn.State().String())
			return
		case <-tick.C:
		}
	}
}

func (a *App) settled() bool {
	a.mu.Lock()
	ev := a.last
	a.mu.Unlock()
	switch ev.State {
	case connector.Idle:
		return true
	case connector.Disconnected:
		return ev.Reason != connector.ReasonNone && ev.Reason != connector.ReasonReconnect
	}
	return false
}

// flush waits until every local write was acknowledged.
func (a *App) flush(ctx context.Context, timeout time.Duration) error {
	if a.conn.State() != connector.Idle {
		fmt.Fprintln(a.out, "offline, changes will be pushed on the next connection")
		return nil
	}
	a.syncer.Nudge()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		n, err := a.store.Pending(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			fmt.Fprintf(a.out, "%d change(s) not pushed yet\n", n)
			return nil
		case <-tick.C:
		}
	}
}

// watch records connector transitions, passes them to the account manager
// and, in the shell, reports the ones the user cares about.
func (a *App) watch(ctx context.Context, events <-chan connector.StateEvent, verbose bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			a.mu.Lock()
			a.last = ev
			a.mu.Unlock()
			a.accounts.ConnectionChanged(ctx, ev)
			if !verbose {
				continue
			}
			switch ev.State {
			case connector.Idle:
				fmt.Fprintln(a.out, "\nin sync")
			case connector.Disconnected:
				fmt.Fprintln(a.out, "\n"+describe(ev))
			}
		}
	}
}

func describe(ev connector.StateEvent) string {
	s := ev.State.String()
	if ev.Reason != connector.ReasonNone {
		s += ": " + ev.Reason.String()
	}
	if ev.Err != nil {
		s += " (" + ev.Err.Error() + ")"
	}
	if ev.RetryIn > 0 {
		s += fmt.Sprintf(", retrying in %s", ev.RetryIn.Round(time.Second))
	}
	return s
}

// Status is the shell prompt.
func (a *App) Status() string {
	a.mu.Lock()
	n := 0
	for _, r := range a.requests {
		if _, acted := r.Decided(); !acted {
			n++
		}
	}
	a.mu.Unlock()

	s := a.conn.State().String()
	if n > 0 {
		s += fmt.Sprintf(", %d request(s)", n)
	}
	return s
}
