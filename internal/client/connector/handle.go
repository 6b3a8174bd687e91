package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/protocol"
	"github.com/gorilla/websocket"
)

const closeWriteTimeout = time.Second

// Link is what the syncer and the account manager see of the live
// connection.
type Link interface {
	SendCommand(name string, payload any) error
	SendFrame(m protocol.Message) error
	// Loaded reports that the remote state was applied, or failed to be.
	Loaded(err error)
}

// FrameConn reads and writes binary frames during the handshake, before
// the reader goroutine takes over.
type FrameConn interface {
	ReadFrame(ctx context.Context) (protocol.Message, error)
	WriteFrame(m protocol.Message) error
}

var errConnClosed = errors.New("connection closed")

// handle owns one transport connection.
type handle struct {
	c      *Connector
	conn   Conn
	wmu    sync.Mutex
	closed atomic.Bool
	once   sync.Once

	ctx    context.Context
	cancel context.CancelFunc
}

func newHandle(c *Connector, conn Conn) *handle {
	return &handle{c: c, conn: conn}
}

func (h *handle) write(mt int, data []byte) error {
	if h.closed.Load() {
		return errConnClosed
	}
	h.wmu.Lock()
	defer h.wmu.Unlock()
	return h.conn.WriteMessage(mt, data)
}

func (h *handle) SendCommand(name string, payload any) error {
	b, err := protocol.EncodeCommand(name, payload)
	if err != nil {
		return err
	}
	return h.write(websocket.TextMessage, b)
}

func (h *handle) SendFrame(m protocol.Message) error {
	return h.write(websocket.BinaryMessage, protocol.EncodeFrame(m))
}

func (h *handle) WriteFrame(m protocol.Message) error {
	return h.SendFrame(m)
}

func (h *handle) Loaded(err error) {
	h.c.post(func() { h.c.remoteLoaded(h, err) })
}

// ReadFrame returns the next decodable binary frame. Text messages and
// undecodable frames are skipped.
func (h *handle) ReadFrame(ctx context.Context) (protocol.Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mt, data, err := h.conn.ReadMessage()
		if err != nil {
			h.closed.Store(true)
			return nil, fmt.Errorf("read frame: %w", err)
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		m, err := protocol.DecodeFrame(data)
		if err != nil {
			h.c.logger.Warn(ctx, "dropping frame", "err", err)
			continue
		}
		return m, nil
	}
}

// close shuts the connection down, announcing it to the peer first.
func (h *handle) close() {
	h.once.Do(func() {
		if cw, ok := h.conn.(interface {
			WriteControl(messageType int, data []byte, deadline time.Time) error
		}); ok && !h.closed.Load() {
			h.wmu.Lock()
			_ = cw.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(closeWriteTimeout))
			h.wmu.Unlock()
		}
		h.closed.Store(true)
		_ = h.conn.Close()
		if h.cancel != nil {
			h.cancel()
		}
	})
}
