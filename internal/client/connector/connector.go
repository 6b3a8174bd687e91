// Package connector keeps the device connected to the relay. All state
// lives on one command-queue goroutine; the reader goroutine of each
// connection only posts what it receives.
package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dmitrijs2005/gophsync/internal/client/repositories/settings"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const subscriberBuffer = 64

// Settings is the read side of the device settings store.
type Settings interface {
	Get(ctx context.Context, key string) ([]byte, error)
	ChildKeys(ctx context.Context, group string) ([]string, error)
}

type Keys interface {
	CanAccess() bool
	LoadKeyMaterial(ctx context.Context, accountID uuid.UUID) (bool, error)
}

// Handshaker authenticates the device on a fresh connection.
type Handshaker interface {
	Handshake(ctx context.Context, fc FrameConn) error
}

// Syncer applies remote state once connected. HandleCommand runs on the
// command queue and must not block.
type Syncer interface {
	Begin(ctx context.Context, l Link)
	HandleCommand(ctx context.Context, cmd protocol.Command)
}

// FrameHandler receives binary frames after the handshake.
type FrameHandler interface {
	HandleFrame(ctx context.Context, m protocol.Message, l Link)
}

// Defaults apply when the settings store has no value.
type Defaults struct {
	Enabled   bool
	URL       string
	AccessKey string
}

type Options struct {
	Defaults   Defaults
	Dialer     Dialer
	Settings   Settings
	Keys       Keys
	Handshaker Handshaker
	Syncer     Syncer
	Frames     FrameHandler
	// NewBackOff builds the retry policy; DefaultBackOff when nil.
	NewBackOff func() backoff.BackOff
	Logger     logging.Logger
}

// DefaultBackOff retries forever: 1s doubling up to 5m with 50% jitter.
func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	b.MaxInterval = 5 * time.Minute
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

type remote struct {
	url    string
	header http.Header
}

type Connector struct {
	opts   Options
	logger logging.Logger

	qmu   sync.Mutex
	queue []func()
	wake  chan struct{}

	smu  sync.Mutex
	subs []chan StateEvent

	current atomic.Int32

	// Owned by the command-queue goroutine.
	ctx                context.Context
	state              State
	handle             *handle
	changingConnection bool
	stopping           bool
	gen                uint64
	dialCancel         context.CancelFunc
	retry              *time.Timer
	bo                 backoff.BackOff
}

func New(opts Options) *Connector {
	if opts.NewBackOff == nil {
		opts.NewBackOff = DefaultBackOff
	}
	return &Connector{
		opts:   opts,
		logger: opts.Logger.With("module", "connector"),
		ctx:    context.Background(),
		wake:   make(chan struct{}, 1),
		bo:     opts.NewBackOff(),
	}
}

// Run drains the command queue until ctx is done, then drops the
// connection.
func (c *Connector) Run(ctx context.Context) {
	c.ctx = ctx
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return
		case <-c.wake:
		}
		for _, fn := range c.take() {
			fn()
		}
	}
}

func (c *Connector) post(fn func()) {
	c.qmu.Lock()
	c.queue = append(c.queue, fn)
	c.qmu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Connector) take() []func() {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	q := c.queue
	c.queue = nil
	return q
}

// Subscribe returns a channel receiving every later transition. A
// subscriber that falls behind misses events.
func (c *Connector) Subscribe() <-chan StateEvent {
	ch := make(chan StateEvent, subscriberBuffer)
	c.smu.Lock()
	c.subs = append(c.subs, ch)
	c.smu.Unlock()
	return ch
}

func (c *Connector) State() State {
	return State(c.current.Load())
}

func (c *Connector) setState(ev StateEvent) {
	if c.state == ev.State && ev.Reason == ReasonNone {
		return
	}
	c.state = ev.State
	c.current.Store(int32(ev.State))
	c.logger.Debug(c.ctx, "state changed", "state", ev.State.String(), "reason", ev.Reason.String())

	c.smu.Lock()
	defer c.smu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.logger.Warn(c.ctx, "state subscriber is not keeping up")
		}
	}
}

// Reconnect dials when disconnected and cycles the connection otherwise.
func (c *Connector) Reconnect() {
	c.post(c.reconnect)
}

// Disconnect closes the connection without scheduling a retry.
func (c *Connector) Disconnect() {
	c.post(c.disconnect)
}

func (c *Connector) reconnect() {
	if h := c.handle; h != nil {
		if h.closed.Load() {
			c.logger.Debug(c.ctx, "discarding closed connection")
			c.handle = nil
			h.close()
			reason := ReasonTransport
			if c.stopping {
				reason = ReasonOperator
			}
			c.setState(StateEvent{State: Disconnected, Reason: reason})
			go c.Reconnect()
			return
		}
		c.changingConnection = true
		c.setState(StateEvent{State: Reconnecting})
		c.setState(StateEvent{State: ClosingForReconnect})
		h.close()
		return
	}

	// A dial in flight is abandoned; its result carries a stale gen.
	if c.state == Connecting {
		c.endDial()
		c.gen++
		c.setState(StateEvent{State: Reconnecting})
	}

	c.stopRetry()
	c.stopping = false

	r, reason, err := c.loadRemote(c.ctx)
	if reason != ReasonNone {
		c.logger.Info(c.ctx, "not connecting", "reason", reason.String(), "err", err)
		c.setState(StateEvent{State: Disconnected, Reason: reason, Err: err})
		return
	}

	c.gen++
	gen := c.gen
	dctx, cancel := context.WithCancel(c.ctx)
	c.dialCancel = cancel
	c.setState(StateEvent{State: Connecting})
	go c.dial(dctx, gen, r)
}

func (c *Connector) disconnect() {
	c.stopping = true
	c.changingConnection = false
	c.stopRetry()
	c.endDial()
	if c.handle != nil {
		c.handle.close()
		return
	}
	if c.state != Disconnected {
		c.setState(StateEvent{State: Disconnected, Reason: ReasonOperator})
	}
}

func (c *Connector) shutdown() {
	c.stopping = true
	c.stopRetry()
	c.endDial()
	if c.handle != nil {
		c.handle.close()
		c.handle = nil
	}
}

func (c *Connector) loadRemote(ctx context.Context) (remote, Reason, error) {
	s := c.opts.Settings

	enabled := c.opts.Defaults.Enabled
	if v, err := s.Get(ctx, settings.KeyEnabled); err != nil {
		return remote{}, ReasonDisabled, err
	} else if v != nil {
		b, err := strconv.ParseBool(string(v))
		if err != nil {
			return remote{}, ReasonDisabled, fmt.Errorf("setting %s: %w", settings.KeyEnabled, err)
		}
		enabled = b
	}
	if !enabled {
		return remote{}, ReasonDisabled, nil
	}

	rawURL, err := c.setting(ctx, settings.KeyRemoteURL, c.opts.Defaults.URL)
	if err != nil {
		return remote{}, ReasonNoAddress, err
	}
	if err := validateURL(rawURL); err != nil {
		return remote{}, ReasonNoAddress, err
	}

	if !c.opts.Keys.CanAccess() {
		return remote{}, ReasonKeyAccess, common.ErrKeyAccess
	}
	var accountID uuid.UUID
	if v, err := s.Get(ctx, settings.KeyUserID); err == nil && v != nil {
		accountID, _ = uuid.ParseBytes(v)
	}
	if _, err := c.opts.Keys.LoadKeyMaterial(ctx, accountID); err != nil {
		return remote{}, ReasonKeyAccess, err
	}

	header := http.Header{}
	names, err := s.ChildKeys(ctx, settings.GroupHeaders)
	if err != nil {
		return remote{}, ReasonNoAddress, err
	}
	for _, name := range names {
		v, err := s.Get(ctx, settings.GroupHeaders+"/"+name)
		if err != nil {
			return remote{}, ReasonNoAddress, err
		}
		header.Set(name, string(v))
	}
	accessKey, err := c.setting(ctx, settings.KeyAccessKey, c.opts.Defaults.AccessKey)
	if err != nil {
		return remote{}, ReasonNoAddress, err
	}
	if accessKey != "" {
		header.Set(common.AuthorizationHeader, common.BearerPrefix+accessKey)
	}

	return remote{url: rawURL, header: header}, ReasonNone, nil
}

func (c *Connector) setting(ctx context.Context, key, def string) (string, error) {
	v, err := c.opts.Settings.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if v == nil {
		return def, nil
	}
	return string(v), nil
}

func validateURL(raw string) error {
	if raw == "" {
		return errors.New("remote url not configured")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("invalid remote url %q", raw)
	}
	return nil
}

func (c *Connector) dial(ctx context.Context, gen uint64, r remote) {
	conn, err := c.opts.Dialer.Dial(ctx, r.url, r.header)
	if err != nil {
		c.post(func() { c.dialFailed(gen, err) })
		return
	}

	h := newHandle(c, conn)
	stop := context.AfterFunc(ctx, h.close)
	err = c.opts.Handshaker.Handshake(ctx, h)
	stop()
	if err != nil {
		h.close()
		c.post(func() { c.dialFailed(gen, err) })
		return
	}
	c.post(func() { c.connected(gen, h) })
}

func (c *Connector) dialFailed(gen uint64, err error) {
	if gen != c.gen || c.state != Connecting {
		return
	}
	c.endDial()

	switch {
	case c.stopping:
		c.setState(StateEvent{State: Disconnected, Reason: ReasonOperator})
	case errors.Is(err, common.ErrLoginRejected), errors.Is(err, common.ErrKeyAccess):
		c.logger.Warn(c.ctx, "handshake rejected", "err", err)
		c.setState(StateEvent{State: Disconnected, Reason: ReasonRejected, Err: err})
	default:
		c.logger.Warn(c.ctx, "connection failed", "err", err)
		c.setState(StateEvent{State: Disconnected, Reason: ReasonTransport, Err: err, RetryIn: c.scheduleRetry()})
	}
}

func (c *Connector) connected(gen uint64, h *handle) {
	if gen != c.gen || c.stopping || c.state != Connecting {
		h.close()
		return
	}
	c.endDial()
	c.handle = h
	h.ctx, h.cancel = context.WithCancel(c.ctx)
	c.bo.Reset()

	c.setState(StateEvent{State: Connected})
	go c.read(h)

	c.setState(StateEvent{State: LoadingRemoteState})
	if c.opts.Syncer == nil {
		c.setState(StateEvent{State: Idle})
		return
	}
	c.opts.Syncer.Begin(h.ctx, h)
}

func (c *Connector) read(h *handle) {
	for {
		mt, data, err := h.conn.ReadMessage()
		if err != nil {
			h.closed.Store(true)
			c.post(func() { c.closed(h, err) })
			return
		}
		c.post(func() { c.received(h, mt, data) })
	}
}

func (c *Connector) received(h *handle, mt int, data []byte) {
	if h != c.handle {
		return
	}
	switch mt {
	case websocket.TextMessage:
		cmd, err := protocol.DecodeCommand(data)
		if err != nil {
			c.logger.Warn(c.ctx, "dropping command", "err", err)
			return
		}
		if c.opts.Syncer != nil {
			c.opts.Syncer.HandleCommand(h.ctx, cmd)
		}
	case websocket.BinaryMessage:
		m, err := protocol.DecodeFrame(data)
		if err != nil {
			c.logger.Warn(c.ctx, "dropping frame", "err", err)
			return
		}
		if c.opts.Frames != nil {
			c.opts.Frames.HandleFrame(h.ctx, m, h)
		}
	}
}

func (c *Connector) closed(h *handle, err error) {
	if h != c.handle {
		return
	}
	c.handle = nil
	h.close()

	switch {
	case c.changingConnection:
		c.changingConnection = false
		c.setState(StateEvent{State: Disconnected, Reason: ReasonReconnect})
		c.reconnect()
	case c.stopping:
		c.setState(StateEvent{State: Disconnected, Reason: ReasonOperator})
	default:
		c.logger.Warn(c.ctx, "unexpected disconnect", "err", err)
		c.setState(StateEvent{State: Disconnected, Reason: ReasonTransport, Err: fmt.Errorf("%w: %w", common.ErrTransport, err), RetryIn: c.scheduleRetry()})
	}
}

func (c *Connector) remoteLoaded(h *handle, err error) {
	if h != c.handle {
		return
	}
	if err != nil {
		c.logger.Warn(c.ctx, "loading remote state failed, dropping connection", "err", err)
		h.close()
		return
	}
	if c.state == LoadingRemoteState {
		c.setState(StateEvent{State: Idle})
	}
}

func (c *Connector) endDial() {
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
}

func (c *Connector) scheduleRetry() time.Duration {
	c.stopRetry()
	d := c.bo.NextBackOff()
	if d == backoff.Stop {
		return 0
	}
	c.retry = time.AfterFunc(d, func() { c.post(c.retryNow) })
	return d
}

// retryNow reconnects unless something else already did.
func (c *Connector) retryNow() {
	if c.handle != nil || c.stopping || c.state != Disconnected {
		return
	}
	c.reconnect()
}

func (c *Connector) stopRetry() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}
