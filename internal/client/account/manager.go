package account

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/gophsync/internal/client/connector"
	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/netx"
	"github.com/dmitrijs2005/gophsync/internal/protocol"
	"github.com/google/uuid"
)

var (
	_ connector.FrameHandler = (*Manager)(nil)
	_ AccessObserver         = (*Manager)(nil)
)

// ExportRequest describes one export. Password is only used when Trusted.
type ExportRequest struct {
	IncludeServer bool
	Trusted       bool
	Password      []byte
}

// Engine does the actual work of exports and imports.
type Engine interface {
	Export(ctx context.Context, req ExportRequest) (*models.ExportBundle, error)
	Import(ctx context.Context, bundle *models.ExportBundle, password []byte, keepData bool) error
}

type Reconnector interface {
	Reconnect()
}

// Requester sends a command over the live connection, see syncer.Syncer.
type Requester interface {
	Request(ctx context.Context, name string, payload any) (protocol.Reply, error)
}

type exportOp struct {
	onDone  func([]byte)
	onError func(error)
}

type Manager struct {
	engine      Engine
	reconnector Reconnector
	requester   Requester
	logger      logging.Logger

	mu             sync.Mutex
	exports        map[uint32]exportOp
	importing      func(ok bool, msg string)
	awaitingAccess bool
	onLoginRequest func(*LoginRequest)
	onError        func(error)
}

func NewManager(engine Engine, reconnector Reconnector, requester Requester, logger logging.Logger) *Manager {
	return &Manager{
		engine:      engine,
		reconnector: reconnector,
		requester:   requester,
		logger:      logger.With("module", "account"),
		exports:     make(map[uint32]exportOp),
	}
}

// SetReconnector wires the connector once it exists; it needs the Manager
// as its frame handler.
func (m *Manager) SetReconnector(r Reconnector) {
	m.mu.Lock()
	m.reconnector = r
	m.mu.Unlock()
}

// SetErrorHandler receives errors nobody else is waiting for. Without one
// they are logged.
func (m *Manager) SetErrorHandler(fn func(error)) {
	m.mu.Lock()
	m.onError = fn
	m.mu.Unlock()
}

// SetLoginRequestHandler receives login requests of new devices. It is
// called on the connector's goroutine and must not block.
func (m *Manager) SetLoginRequestHandler(fn func(*LoginRequest)) {
	m.mu.Lock()
	m.onLoginRequest = fn
	m.mu.Unlock()
}

// ExportAccount produces a bundle a new device imports and then waits for
// approval with. onDone receives the encoded bundle.
func (m *Manager) ExportAccount(ctx context.Context, includeServer bool, onDone func([]byte), onError func(error)) (uint32, error) {
	return m.export(ctx, ExportRequest{IncludeServer: includeServer}, onDone, onError)
}

// ExportAccountTrusted produces a password-sealed bundle that admits the
// importing device without approval.
func (m *Manager) ExportAccountTrusted(ctx context.Context, includeServer bool, password []byte, onDone func([]byte), onError func(error)) (uint32, error) {
	if onDone == nil {
		return 0, fmt.Errorf("%w: export needs a completion callback", common.ErrValidation)
	}
	if len(password) == 0 {
		err := fmt.Errorf("%w: a trusted export needs a password", common.ErrValidation)
		m.reportError(ctx, onError, err)
		return 0, err
	}
	return m.export(ctx, ExportRequest{IncludeServer: includeServer, Trusted: true, Password: password}, onDone, onError)
}

func (m *Manager) export(ctx context.Context, req ExportRequest, onDone func([]byte), onError func(error)) (uint32, error) {
	if onDone == nil {
		return 0, fmt.Errorf("%w: export needs a completion callback", common.ErrValidation)
	}

	m.mu.Lock()
	id := m.nextIDLocked()
	m.exports[id] = exportOp{onDone: onDone, onError: onError}
	m.mu.Unlock()

	go func() {
		bundle, err := m.engine.Export(ctx, req)
		var data []byte
		if err == nil {
			data, err = json.Marshal(bundle)
		}
		m.finishExport(ctx, id, data, err)
	}()
	return id, nil
}

// nextIDLocked picks a random id no in-flight export uses.
func (m *Manager) nextIDLocked() uint32 {
	for {
		id := binary.BigEndian.Uint32(common.GenerateRandByteArray(4))
		if _, taken := m.exports[id]; id != 0 && !taken {
			return id
		}
	}
}

func (m *Manager) finishExport(ctx context.Context, id uint32, data []byte, err error) {
	m.mu.Lock()
	op, ok := m.exports[id]
	delete(m.exports, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	if err != nil {
		m.reportError(ctx, op.onError, fmt.Errorf("export %d: %w", id, err))
		return
	}
	op.onDone(data)
}

func (m *Manager) reportError(ctx context.Context, onError func(error), err error) {
	if onError == nil {
		m.mu.Lock()
		onError = m.onError
		m.mu.Unlock()
	}
	if onError == nil {
		m.logger.Error(ctx, "account operation failed", "err", err)
		return
	}
	onError(err)
}

// ImportAccount joins the account of an untrusted bundle. onDone fires
// once an existing device approved or rejected the request.
func (m *Manager) ImportAccount(ctx context.Context, bundle []byte, keepData bool, onDone func(ok bool, msg string)) error {
	return m.startImport(ctx, bundle, nil, keepData, onDone)
}

// ImportAccountTrusted joins the account of a password-sealed bundle.
func (m *Manager) ImportAccountTrusted(ctx context.Context, bundle []byte, password []byte, keepData bool, onDone func(ok bool, msg string)) error {
	if len(password) == 0 {
		if onDone != nil {
			onDone(false, "a trusted import needs a password")
		}
		return fmt.Errorf("%w: a trusted import needs a password", common.ErrValidation)
	}
	return m.startImport(ctx, bundle, password, keepData, onDone)
}

func (m *Manager) startImport(ctx context.Context, data []byte, password []byte, keepData bool, onDone func(bool, string)) error {
	if onDone == nil {
		return fmt.Errorf("%w: import needs a completion callback", common.ErrValidation)
	}

	m.mu.Lock()
	if m.importing != nil {
		m.mu.Unlock()
		onDone(false, common.ErrConcurrentImport.Error())
		return nil
	}
	m.importing = onDone
	m.mu.Unlock()

	go func() {
		var bundle models.ExportBundle
		if err := json.Unmarshal(data, &bundle); err != nil {
			m.finishImport(false, fmt.Sprintf("%v: %v", common.ErrMalformed, err))
			return
		}
		if bundle.Trusted != (password != nil) {
			m.finishImport(false, "bundle trust does not match the import mode")
			return
		}
		if err := m.engine.Import(ctx, &bundle, password, keepData); err != nil {
			m.logger.Warn(ctx, "import failed", "err", err)
			m.finishImport(false, err.Error())
			return
		}
		m.logger.Info(ctx, "bundle imported, requesting access", "trusted", bundle.Trusted)
		m.mu.Lock()
		rc := m.reconnector
		m.awaitingAccess = true
		m.mu.Unlock()
		if rc != nil {
			rc.Reconnect()
		}
	}()
	return nil
}

// Importing reports whether an import waits for completion.
func (m *Manager) Importing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.importing != nil
}

func (m *Manager) finishImport(ok bool, msg string) {
	m.mu.Lock()
	cb := m.importing
	m.importing = nil
	m.awaitingAccess = false
	m.mu.Unlock()
	if cb != nil {
		cb(ok, msg)
	}
}

func (m *Manager) AccessGranted(ctx context.Context, accountID uuid.UUID) {
	m.logger.Info(ctx, "access granted", "account", accountID)
	m.finishImport(true, "")
}

func (m *Manager) AccessDenied(ctx context.Context, err error) {
	m.logger.Warn(ctx, "access denied", "err", err)
	m.finishImport(false, err.Error())
}

// ConnectionChanged fails an import that waits for access once the
// connector stops without trying to reach the server.
func (m *Manager) ConnectionChanged(ctx context.Context, ev connector.StateEvent) {
	if ev.State != connector.Disconnected {
		return
	}
	switch ev.Reason {
	case connector.ReasonDisabled, connector.ReasonNoAddress, connector.ReasonKeyAccess:
	default:
		return
	}
	m.mu.Lock()
	waiting := m.awaitingAccess
	m.mu.Unlock()
	if !waiting {
		return
	}
	m.logger.Warn(ctx, "import abandoned, not connecting", "reason", ev.Reason.String())
	m.finishImport(false, "not connecting: "+ev.Reason.String())
}

// HandleFrame picks up login requests forwarded by the server.
func (m *Manager) HandleFrame(ctx context.Context, msg protocol.Message, l connector.Link) {
	req, ok := msg.(*protocol.LoginRequest)
	if !ok {
		m.logger.Debug(ctx, "ignoring frame", "frame", msg.FrameName())
		return
	}
	m.LoginRequested(ctx, req.Device, func(accepted bool) error {
		return l.SendFrame(&protocol.LoginReply{DeviceID: req.Device.ID, Accepted: accepted})
	})
}

// LoginRequested hands a request to the decision handler. Nothing is sent
// for a request nobody decides on; the server rejects it after a timeout.
func (m *Manager) LoginRequested(ctx context.Context, device protocol.DeviceInfo, reply func(accepted bool) error) {
	m.mu.Lock()
	fn := m.onLoginRequest
	m.mu.Unlock()
	if fn == nil {
		m.logger.Warn(ctx, "login request without a handler", "device", device.ID, "name", device.Name)
		return
	}
	fn(&LoginRequest{Device: device, reply: reply})
}

// UploadBundle stores data in the server's bundle storage and returns the
// key another device fetches it with.
func (m *Manager) UploadBundle(ctx context.Context, data []byte) (string, error) {
	b, err := m.bundleRequest(ctx, protocol.CmdUploadBundle, nil)
	if err != nil {
		return "", err
	}
	if err := netx.UploadToPresignedURL(ctx, b.URL, data); err != nil {
		return "", err
	}
	return b.Key, nil
}

func (m *Manager) FetchBundle(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: bundle key is required", common.ErrValidation)
	}
	b, err := m.bundleRequest(ctx, protocol.CmdFetchBundle, protocol.BundleData{Key: key})
	if err != nil {
		return nil, err
	}
	return netx.DownloadFromPresignedURL(ctx, b.URL)
}

func (m *Manager) bundleRequest(ctx context.Context, name string, payload any) (protocol.BundleData, error) {
	if m.requester == nil {
		return protocol.BundleData{}, errors.New("bundle transfer is not available")
	}
	reply, err := m.requester.Request(ctx, name, payload)
	if err != nil {
		return protocol.BundleData{}, err
	}
	if !reply.Success {
		return protocol.BundleData{}, fmt.Errorf("%s: %s", name, reply.Error)
	}
	var b protocol.BundleData
	if err := json.Unmarshal(reply.Data, &b); err != nil {
		return protocol.BundleData{}, fmt.Errorf("%w: %s reply: %v", common.ErrMalformed, name, err)
	}
	if b.URL == "" {
		return protocol.BundleData{}, fmt.Errorf("%w: %s reply without url", common.ErrMalformed, name)
	}
	return b, nil
}
