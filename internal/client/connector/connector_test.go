package connector

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dmitrijs2005/gophsync/internal/client/repositories/settings"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type message struct {
	mt   int
	data []byte
}

type fakeConn struct {
	in        chan message
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan message, 8), done: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case m := <-c.in:
		return m.mt, m.data, nil
	case <-c.done:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(int, []byte) error { return nil }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

type fakeDialer struct {
	mu      sync.Mutex
	conns   []*fakeConn
	headers []http.Header
	err     error
}

func (d *fakeDialer) Dial(_ context.Context, _ string, header http.Header) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.headers = append(d.headers, header)
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.headers)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

type fakeSettings map[string]string

func (s fakeSettings) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := s[key]
	if !ok {
		return nil, nil
	}
	return []byte(v), nil
}

func (s fakeSettings) ChildKeys(_ context.Context, group string) ([]string, error) {
	var names []string
	for k := range s {
		if name, ok := strings.CutPrefix(k, group+"/"); ok {
			names = append(names, name)
		}
	}
	return names, nil
}

type fakeKeys struct {
	canAccess bool
	loadErr   error
}

func (k fakeKeys) CanAccess() bool { return k.canAccess }
func (k fakeKeys) LoadKeyMaterial(context.Context, uuid.UUID) (bool, error) {
	return k.loadErr == nil, k.loadErr
}

type fakeHandshaker struct{ err error }

func (h fakeHandshaker) Handshake(context.Context, FrameConn) error { return h.err }

// stallingHandshaker hangs on the first handshake until its dial is
// cancelled.
type stallingHandshaker struct{ calls atomic.Int32 }

func (h *stallingHandshaker) Handshake(ctx context.Context, _ FrameConn) error {
	if h.calls.Add(1) == 1 {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

type fakeSyncer struct {
	commands chan string
}

func (s *fakeSyncer) Begin(_ context.Context, l Link) { l.Loaded(nil) }
func (s *fakeSyncer) HandleCommand(_ context.Context, cmd protocol.Command) {
	s.commands <- cmd.Name
}

type fixture struct {
	c      *Connector
	dialer *fakeDialer
	syncer *fakeSyncer
	events <-chan StateEvent
	cancel context.CancelFunc
}

func newFixture(t *testing.T, s fakeSettings, keys fakeKeys, hs Handshaker) *fixture {
	t.Helper()
	f := &fixture{dialer: &fakeDialer{}, syncer: &fakeSyncer{commands: make(chan string, 8)}}
	f.c = New(Options{
		Defaults:   Defaults{Enabled: true},
		Dialer:     f.dialer,
		Settings:   s,
		Keys:       keys,
		Handshaker: hs,
		Syncer:     f.syncer,
		NewBackOff: func() backoff.BackOff { return backoff.NewConstantBackOff(20 * time.Millisecond) },
		Logger:     logging.NewNoopLogger(),
	})
	f.events = f.c.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go f.c.Run(ctx)
	t.Cleanup(cancel)
	return f
}

func connectable() fakeSettings {
	return fakeSettings{settings.KeyRemoteURL: "ws://relay.example:8080/sync"}
}

// await reads events until one in state arrives and returns the events seen.
func (f *fixture) await(t *testing.T, state State) []StateEvent {
	t.Helper()
	var seen []StateEvent
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-f.events:
			seen = append(seen, ev)
			if ev.State == state {
				return seen
			}
		case <-timeout:
			t.Fatalf("no %s event, saw %v", state, seen)
		}
	}
}

func states(evs []StateEvent) []State {
	var out []State
	for _, ev := range evs {
		out = append(out, ev.State)
	}
	return out
}

func TestReconnect_NotAttempted(t *testing.T) {
	tests := []struct {
		name     string
		settings fakeSettings
		keys     fakeKeys
		reason   Reason
	}{
		{
			name:     "sync disabled",
			settings: fakeSettings{settings.KeyEnabled: "false", settings.KeyRemoteURL: "ws://relay.example/sync"},
			keys:     fakeKeys{canAccess: true},
			reason:   ReasonDisabled,
		},
		{
			name:     "no address",
			settings: fakeSettings{},
			keys:     fakeKeys{canAccess: true},
			reason:   ReasonNoAddress,
		},
		{
			name:     "not a websocket url",
			settings: fakeSettings{settings.KeyRemoteURL: "http://relay.example/sync"},
			keys:     fakeKeys{canAccess: true},
			reason:   ReasonNoAddress,
		},
		{
			name:     "keystore locked",
			settings: connectable(),
			keys:     fakeKeys{},
			reason:   ReasonKeyAccess,
		},
		{
			name:     "key material unreadable",
			settings: connectable(),
			keys:     fakeKeys{canAccess: true, loadErr: common.ErrKeyAccess},
			reason:   ReasonKeyAccess,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.settings, tt.keys, fakeHandshaker{})
			f.c.Reconnect()

			evs := f.await(t, Disconnected)
			assert.Equal(t, tt.reason, evs[len(evs)-1].Reason)
			assert.Zero(t, f.dialer.dials())
			assert.Equal(t, Disconnected, f.c.State())
		})
	}
}

func TestReconnect_ConnectsAndLoads(t *testing.T) {
	s := connectable()
	s[settings.KeyAccessKey] = "jwt-token"
	s[settings.GroupHeaders+"/X-Tenant"] = "acme"
	f := newFixture(t, s, fakeKeys{canAccess: true}, fakeHandshaker{})

	f.c.Reconnect()
	evs := f.await(t, Idle)
	assert.Equal(t, []State{Connecting, Connected, LoadingRemoteState, Idle}, states(evs))

	require.Equal(t, 1, f.dialer.dials())
	h := f.dialer.headers[0]
	assert.Equal(t, "Bearer jwt-token", h.Get("Authorization"))
	assert.Equal(t, "acme", h.Get("X-Tenant"))
}

func TestOperatorReconnect_DoesNotScheduleRetry(t *testing.T) {
	f := newFixture(t, connectable(), fakeKeys{canAccess: true}, fakeHandshaker{})
	f.c.Reconnect()
	f.await(t, Idle)

	f.c.Reconnect()
	evs := f.await(t, Idle)
	assert.Equal(t, []State{Reconnecting, ClosingForReconnect, Disconnected, Connecting, Connected, LoadingRemoteState, Idle}, states(evs))
	for _, ev := range evs {
		assert.Zero(t, ev.RetryIn)
		if ev.State == Disconnected {
			assert.Equal(t, ReasonReconnect, ev.Reason)
		}
	}
	assert.Equal(t, 2, f.dialer.dials())
}

func TestTransportClose_SchedulesRetry(t *testing.T) {
	f := newFixture(t, connectable(), fakeKeys{canAccess: true}, fakeHandshaker{})
	f.c.Reconnect()
	f.await(t, Idle)

	require.NoError(t, f.dialer.last().Close())
	evs := f.await(t, Disconnected)
	last := evs[len(evs)-1]
	assert.Equal(t, ReasonTransport, last.Reason)
	assert.ErrorIs(t, last.Err, common.ErrTransport)
	assert.Equal(t, 20*time.Millisecond, last.RetryIn)

	f.await(t, Idle)
	assert.Equal(t, 2, f.dialer.dials())
}

func TestDisconnect_IsFinal(t *testing.T) {
	f := newFixture(t, connectable(), fakeKeys{canAccess: true}, fakeHandshaker{})
	f.c.Reconnect()
	f.await(t, Idle)

	f.c.Disconnect()
	evs := f.await(t, Disconnected)
	assert.Equal(t, ReasonOperator, evs[len(evs)-1].Reason)
	assert.Zero(t, evs[len(evs)-1].RetryIn)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, f.dialer.dials())
	assert.Equal(t, Disconnected, f.c.State())
}

func TestDialFailure(t *testing.T) {
	t.Run("transport error retries", func(t *testing.T) {
		f := newFixture(t, connectable(), fakeKeys{canAccess: true}, fakeHandshaker{})
		f.dialer.err = common.ErrTransport
		f.c.Reconnect()

		evs := f.await(t, Disconnected)
		assert.Equal(t, ReasonTransport, evs[len(evs)-1].Reason)
		assert.NotZero(t, evs[len(evs)-1].RetryIn)
		require.Eventually(t, func() bool { return f.dialer.dials() >= 2 }, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("rejected handshake does not retry", func(t *testing.T) {
		f := newFixture(t, connectable(), fakeKeys{canAccess: true}, fakeHandshaker{err: common.ErrLoginRejected})
		f.c.Reconnect()

		evs := f.await(t, Disconnected)
		assert.Equal(t, ReasonRejected, evs[len(evs)-1].Reason)
		assert.Zero(t, evs[len(evs)-1].RetryIn)
		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, 1, f.dialer.dials())
	})
}

func TestReceived_UndecodableFramesAreDropped(t *testing.T) {
	f := newFixture(t, connectable(), fakeKeys{canAccess: true}, fakeHandshaker{})
	f.c.Reconnect()
	f.await(t, Idle)

	conn := f.dialer.last()
	conn.in <- message{mt: websocket.BinaryMessage, data: []byte{0xff, 0xff, 0xff}}
	conn.in <- message{mt: websocket.TextMessage, data: []byte("{not json")}
	conn.in <- message{mt: websocket.TextMessage, data: []byte(`{"command":"changed","data":{"type":"t","key":"k","origin":"o"}}`)}

	select {
	case name := <-f.syncer.commands:
		assert.Equal(t, protocol.CmdChanged, name)
	case <-time.After(2 * time.Second):
		t.Fatal("command not delivered")
	}
	assert.Equal(t, Idle, f.c.State())
	assert.Equal(t, 1, f.dialer.dials())
}

func TestReconnect_StaleClosedHandle(t *testing.T) {
	f := newFixture(t, connectable(), fakeKeys{canAccess: true}, fakeHandshaker{})
	f.c.Reconnect()
	f.await(t, Idle)

	// mark the transport closed before the reader gets to report it
	f.c.post(func() {
		f.c.handle.closed.Store(true)
		f.c.reconnect()
	})

	evs := f.await(t, Idle)
	assert.Contains(t, states(evs), Disconnected)
	assert.NotContains(t, states(evs), ClosingForReconnect)
	assert.Equal(t, 2, f.dialer.dials())
}

func TestReconnect_WhileConnectingRedials(t *testing.T) {
	hs := &stallingHandshaker{}
	f := newFixture(t, connectable(), fakeKeys{canAccess: true}, hs)
	f.c.Reconnect()
	f.await(t, Connecting)
	require.Eventually(t, func() bool { return hs.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	f.c.Reconnect()
	evs := f.await(t, Idle)
	assert.Equal(t, []State{Reconnecting, Connecting, Connected, LoadingRemoteState, Idle}, states(evs))
	assert.Equal(t, 2, f.dialer.dials())
	assert.Equal(t, int32(2), hs.calls.Load())
}

func TestReconnect_AfterDisconnectIsOperatorClose(t *testing.T) {
	f := newFixture(t, connectable(), fakeKeys{canAccess: true}, fakeHandshaker{})
	f.c.Reconnect()
	f.await(t, Idle)

	f.c.post(func() {
		f.c.disconnect()
		f.c.reconnect()
	})

	evs := f.await(t, Disconnected)
	assert.Equal(t, ReasonOperator, evs[len(evs)-1].Reason)
	f.await(t, Idle)
	assert.Equal(t, 2, f.dialer.dials())
}

func TestDefaultBackOff(t *testing.T) {
	b := DefaultBackOff().(*backoff.ExponentialBackOff)
	assert.Equal(t, time.Second, b.InitialInterval)
	assert.Equal(t, 5*time.Minute, b.MaxInterval)
	assert.Equal(t, 0.5, b.RandomizationFactor)
	assert.Zero(t, b.MaxElapsedTime)

	for range 50 {
		d := b.NextBackOff()
		require.NotEqual(t, backoff.Stop, d)
		assert.LessOrEqual(t, d, 5*time.Minute+5*time.Minute/2)
	}
}
