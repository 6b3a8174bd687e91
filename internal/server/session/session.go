// Package session serves one sync connection: it answers the JSON commands
// and binary handshake frames a device sends, in arrival order.
//
// Messages are queued per session and drained by a worker of a shared Pool,
// so a slow store call on one connection never stalls another one.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/protocol"
	"github.com/dmitrijs2005/gophsync/internal/server/hub"
	"github.com/dmitrijs2005/gophsync/internal/server/identity"
	"github.com/dmitrijs2005/gophsync/internal/server/models"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

const (
	outboundQueueSize = 64
	maxQueuedInbound  = 256
	nonceSize         = 32
)

// Conn is the part of *websocket.Conn a session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type Store interface {
	Save(ctx context.Context, accountID, deviceID uuid.UUID, typ, key string, value json.RawMessage) (int64, error)
	Remove(ctx context.Context, accountID, deviceID uuid.UUID, typ, key string) (int64, error)
	Load(ctx context.Context, accountID uuid.UUID, typ, key string) (*models.Record, error)
	MarkUnchanged(ctx context.Context, accountID, deviceID uuid.UUID, typ, key string, version *int64) error
	LoadChanges(ctx context.Context, accountID, deviceID uuid.UUID) ([]*models.ChangeEntry, error)
}

type Identity interface {
	CreateIdentity(ctx context.Context, deviceID uuid.UUID) (uuid.UUID, error)
	Identify(ctx context.Context, accountID, deviceID uuid.UUID) error
	Register(ctx context.Context, device protocol.DeviceInfo, publicKey []byte) (uuid.UUID, error)
	Login(ctx context.Context, accountID, deviceID uuid.UUID, nonce, signature []byte) error
	Access(ctx context.Context, in identity.AccessRequest) (<-chan error, error)
	Decide(ctx context.Context, accountID, decider, deviceID uuid.UUID, accepted bool) error
	Cancel(accountID, deviceID uuid.UUID)
	Pending(accountID uuid.UUID) []*protocol.LoginRequest
}

type Hub interface {
	Join(accountID uuid.UUID, p hub.Peer)
	Leave(accountID uuid.UUID, p hub.Peer)
	NotifyChanged(ctx context.Context, accountID, origin uuid.UUID, typ, key string) int
}

// Bundles presigns bundle transfers. A nil Bundles disables the commands.
type Bundles interface {
	PresignUpload(ctx context.Context, accountID uuid.UUID) (string, string, error)
	PresignDownload(ctx context.Context, key string) (string, error)
}

type Deps struct {
	Store    Store
	Identity Identity
	Hub      Hub
	Bundles  Bundles
	Pool     *Pool
	Logger   logging.Logger
}

type inbound struct {
	messageType int
	data        []byte
}

type outbound struct {
	messageType int
	data        []byte
	closeAfter  bool
}

type accessKey struct {
	account uuid.UUID
	device  uuid.UUID
}

type Session struct {
	id     string
	conn   Conn
	deps   Deps
	logger logging.Logger
	nonce  []byte

	ctx      context.Context
	cancel   context.CancelFunc
	out      chan outbound
	stopping atomic.Bool

	qmu      sync.Mutex
	queue    []inbound
	draining bool

	mu         sync.RWMutex
	accountID  uuid.UUID
	deviceID   uuid.UUID
	identified bool
	access     *accessKey

	closeOnce sync.Once
}

func New(conn Conn, remote string, deps Deps) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	id := ulid.Make().String()
	return &Session{
		id:     id,
		conn:   conn,
		deps:   deps,
		logger: deps.Logger.With("module", "session", "session", id, "remote", remote),
		nonce:  common.GenerateRandByteArray(nonceSize),
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan outbound, outboundQueueSize),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) DeviceID() uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceID
}

func (s *Session) identity() (uuid.UUID, uuid.UUID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accountID, s.deviceID, s.identified
}

func (s *Session) setIdentity(ctx context.Context, accountID, deviceID uuid.UUID) {
	s.mu.Lock()
	prev, was := s.accountID, s.identified
	s.accountID, s.deviceID, s.identified = accountID, deviceID, true
	s.mu.Unlock()

	if was && prev != accountID {
		s.deps.Hub.Leave(prev, s)
	}
	s.deps.Hub.Join(accountID, s)
	s.logger.Info(ctx, "session identified", "account", accountID, "device", deviceID)
}

// Run serves the connection until it closes or ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	stop := context.AfterFunc(ctx, s.Close)
	defer stop()
	defer s.Close()

	s.logger.Info(s.ctx, "session opened")
	go s.writeLoop()

	s.sendFrame(&protocol.Identify{Nonce: s.nonce, ProtocolVersion: common.ProtocolVersion})

	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Debug(s.ctx, "read failed", "err", err)
			}
			return
		}
		if !s.enqueue(inbound{messageType: mt, data: data}) {
			return
		}
	}
}

// Close cancels queued work and drops the connection. Store calls already
// running finish; their replies are discarded.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.conn.Close()

		s.mu.RLock()
		acc, identified, access := s.accountID, s.identified, s.access
		s.mu.RUnlock()
		if identified {
			s.deps.Hub.Leave(acc, s)
		}
		if access != nil {
			s.deps.Identity.Cancel(access.account, access.device)
		}
		s.logger.Info(context.Background(), "session closed")
	})
}

// closeAfterFlush sends m and closes once it is written. Queued messages are
// no longer processed.
func (s *Session) closeAfterFlush(m protocol.Message) {
	s.stopping.Store(true)
	if !s.send(outbound{messageType: websocket.BinaryMessage, data: protocol.EncodeFrame(m), closeAfter: true}) {
		s.Close()
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case m := <-s.out:
			if err := s.conn.WriteMessage(m.messageType, m.data); err != nil {
				s.logger.Warn(s.ctx, "write failed", "err", err)
				s.Close()
				return
			}
			if m.closeAfter {
				s.Close()
				return
			}
		}
	}
}

// send queues a reply, waiting for room unless the session is closed.
func (s *Session) send(m outbound) bool {
	select {
	case s.out <- m:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// push queues a notification without waiting.
func (s *Session) push(m outbound) bool {
	if s.ctx.Err() != nil {
		return false
	}
	select {
	case s.out <- m:
		return true
	default:
		s.logger.Warn(s.ctx, "outbound queue full, dropping notification")
		return false
	}
}

func (s *Session) sendFrame(m protocol.Message) bool {
	return s.send(outbound{messageType: websocket.BinaryMessage, data: protocol.EncodeFrame(m)})
}

func (s *Session) sendCommand(name string, payload any) bool {
	data, err := protocol.EncodeCommand(name, payload)
	if err != nil {
		s.logger.Error(s.ctx, "encode reply", "command", name, "err", err)
		return false
	}
	return s.send(outbound{messageType: websocket.TextMessage, data: data})
}

func (s *Session) PushFrame(m protocol.Message) bool {
	return s.push(outbound{messageType: websocket.BinaryMessage, data: protocol.EncodeFrame(m)})
}

func (s *Session) PushCommand(name string, payload any) bool {
	data, err := protocol.EncodeCommand(name, payload)
	if err != nil {
		return false
	}
	return s.push(outbound{messageType: websocket.TextMessage, data: data})
}

func (s *Session) enqueue(in inbound) bool {
	s.qmu.Lock()
	if len(s.queue) >= maxQueuedInbound {
		s.qmu.Unlock()
		s.logger.Warn(s.ctx, "inbound queue overflow, closing")
		return false
	}
	s.queue = append(s.queue, in)
	start := !s.draining
	s.draining = true
	s.qmu.Unlock()

	if start {
		s.deps.Pool.Go(s.drain)
	}
	return true
}

func (s *Session) drain() {
	for {
		s.qmu.Lock()
		if len(s.queue) == 0 {
			s.draining = false
			s.qmu.Unlock()
			return
		}
		in := s.queue[0]
		s.queue[0] = inbound{}
		s.queue = s.queue[1:]
		s.qmu.Unlock()

		if s.ctx.Err() != nil || s.stopping.Load() {
			continue
		}
		s.handle(in)
	}
}

func (s *Session) handle(in inbound) {
	ctx := context.WithoutCancel(s.ctx)
	switch in.messageType {
	case websocket.TextMessage:
		s.handleCommand(ctx, in.data)
	case websocket.BinaryMessage:
		s.handleFrame(ctx, in.data)
	default:
		s.logger.Debug(ctx, "ignoring message", "type", in.messageType)
	}
}
