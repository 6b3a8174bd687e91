// Package identity creates accounts, authenticates devices and admits new
// devices into existing accounts.
//
// A device joining an account either presents a trust token issued by one of
// the account's devices, or waits until an online device approves the
// forwarded login request. Requests nobody decides on are rejected after the
// configured timeout.
package identity

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/cryptox"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/protocol"
	"github.com/dmitrijs2005/gophsync/internal/server/models"
	"github.com/dmitrijs2005/gophsync/internal/server/repositories/repomanager"
	"github.com/google/uuid"
)

// DefaultLoginRequestTimeout bounds how long an access request waits for a
// decision.
const DefaultLoginRequestTimeout = 5 * time.Minute

// Notifier delivers login requests to the online devices of an account and
// reports how many received it.
type Notifier interface {
	ForwardLoginRequest(ctx context.Context, accountID uuid.UUID, req *protocol.LoginRequest) int
}

// Seeder queues the current data set for a newly admitted device.
type Seeder interface {
	SeedDevice(ctx context.Context, accountID, deviceID uuid.UUID) error
}

type pendingKey struct {
	account uuid.UUID
	device  uuid.UUID
}

type pendingLogin struct {
	req       *protocol.LoginRequest
	device    models.Device
	done      chan error
	timer     *time.Timer
	createdAt time.Time
}

type Service struct {
	repos    repomanager.RepositoryManager
	seeder   Seeder
	notifier Notifier
	timeout  time.Duration
	logger   logging.Logger

	mu      sync.Mutex
	pending map[pendingKey]*pendingLogin
}

func NewService(repos repomanager.RepositoryManager, seeder Seeder, timeout time.Duration, logger logging.Logger) *Service {
	if timeout <= 0 {
		timeout = DefaultLoginRequestTimeout
	}
	return &Service{
		repos:   repos,
		seeder:  seeder,
		timeout: timeout,
		logger:  logger.With("module", "identity"),
		pending: make(map[pendingKey]*pendingLogin),
	}
}

// SetNotifier wires the component that forwards login requests. The hub
// depends on sessions which depend on this service, so it is set after
// construction.
func (s *Service) SetNotifier(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

// CreateIdentity binds deviceID to a brand new account.
func (s *Service) CreateIdentity(ctx context.Context, deviceID uuid.UUID) (uuid.UUID, error) {
	if deviceID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: device id is required", common.ErrValidation)
	}
	accountID := uuid.New()
	err := s.repos.InTx(ctx, nil, func(ctx context.Context, r repomanager.Repositories) error {
		if err := r.Accounts.Create(ctx, accountID); err != nil {
			return err
		}
		return r.Accounts.UpsertDevice(ctx, &models.Device{AccountID: accountID, ID: deviceID})
	})
	if err != nil {
		return uuid.Nil, err
	}
	s.logger.Info(ctx, "identity created", "account", accountID, "device", deviceID)
	return accountID, nil
}

// Identify checks that deviceID belongs to accountID.
func (s *Service) Identify(ctx context.Context, accountID, deviceID uuid.UUID) error {
	if accountID == uuid.Nil || deviceID == uuid.Nil {
		return common.ErrorUnauthorized
	}
	_, err := s.repos.Repositories().Accounts.GetDevice(ctx, accountID, deviceID)
	if errors.Is(err, common.ErrorNotFound) {
		return common.ErrorUnauthorized
	}
	return err
}

func checkDevice(d protocol.DeviceInfo, pub []byte) error {
	if d.ID == uuid.Nil {
		return fmt.Errorf("%w: device id is required", common.ErrValidation)
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: bad public key", common.ErrValidation)
	}
	if len(d.Fingerprint) > 0 && !bytes.Equal(d.Fingerprint, cryptox.Fingerprint(pub)) {
		return fmt.Errorf("%w: fingerprint does not match public key", common.ErrValidation)
	}
	return nil
}

func deviceModel(accountID uuid.UUID, d protocol.DeviceInfo, pub []byte) models.Device {
	return models.Device{
		AccountID:   accountID,
		ID:          d.ID,
		Name:        d.Name,
		PublicKey:   append([]byte(nil), pub...),
		Fingerprint: cryptox.Fingerprint(pub),
	}
}

// Register creates an account owned by a device with a key pair.
func (s *Service) Register(ctx context.Context, device protocol.DeviceInfo, publicKey []byte) (uuid.UUID, error) {
	if err := checkDevice(device, publicKey); err != nil {
		return uuid.Nil, err
	}
	accountID := uuid.New()
	d := deviceModel(accountID, device, publicKey)
	err := s.repos.InTx(ctx, nil, func(ctx context.Context, r repomanager.Repositories) error {
		if err := r.Accounts.Create(ctx, accountID); err != nil {
			return err
		}
		return r.Accounts.UpsertDevice(ctx, &d)
	})
	if err != nil {
		return uuid.Nil, err
	}
	s.logger.Info(ctx, "device registered", "account", accountID, "device", device.ID, "name", device.Name)
	return accountID, nil
}

// Login verifies the device's signature over the connection nonce.
func (s *Service) Login(ctx context.Context, accountID, deviceID uuid.UUID, nonce, signature []byte) error {
	if accountID == uuid.Nil || deviceID == uuid.Nil {
		return common.ErrorUnauthorized
	}
	d, err := s.repos.Repositories().Accounts.GetDevice(ctx, accountID, deviceID)
	if errors.Is(err, common.ErrorNotFound) {
		return common.ErrorUnauthorized
	}
	if err != nil {
		return err
	}
	if !cryptox.VerifyChallenge(d.PublicKey, nonce, deviceID, signature) {
		s.logger.Warn(ctx, "bad login signature", "account", accountID, "device", deviceID)
		return common.ErrorUnauthorized
	}
	return nil
}

// AccessRequest is a new device asking to join AccountID.
type AccessRequest struct {
	AccountID  uuid.UUID
	Device     protocol.DeviceInfo
	PublicKey  []byte
	IssuerID   uuid.UUID
	TrustToken []byte
	Signature  []byte
	Nonce      []byte
}

// Access admits the device or parks the request until a decision. The
// returned channel yields exactly one value: nil once the device is admitted,
// common.ErrLoginRejected otherwise.
func (s *Service) Access(ctx context.Context, in AccessRequest) (<-chan error, error) {
	if err := checkDevice(in.Device, in.PublicKey); err != nil {
		return nil, err
	}
	if !cryptox.VerifyChallenge(in.PublicKey, in.Nonce, in.Device.ID, in.Signature) {
		return nil, common.ErrorUnauthorized
	}

	repos := s.repos.Repositories()
	devices, err := repos.Accounts.ListDevices(ctx, in.AccountID)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("account %s: %w", in.AccountID, common.ErrorNotFound)
	}

	d := deviceModel(in.AccountID, in.Device, in.PublicKey)
	done := make(chan error, 1)

	if len(in.TrustToken) > 0 {
		issuer, err := repos.Accounts.GetDevice(ctx, in.AccountID, in.IssuerID)
		if err != nil || !cryptox.VerifyTrustToken(issuer.PublicKey, in.AccountID, in.TrustToken) {
			s.logger.Warn(ctx, "trust token rejected", "account", in.AccountID, "device", in.Device.ID)
			return nil, common.ErrorUnauthorized
		}
		if err := s.admit(ctx, d); err != nil {
			return nil, err
		}
		done <- nil
		return done, nil
	}

	key := pendingKey{in.AccountID, in.Device.ID}
	p := &pendingLogin{
		req:       &protocol.LoginRequest{Device: in.Device},
		device:    d,
		done:      done,
		createdAt: time.Now(),
	}

	s.mu.Lock()
	if prev, ok := s.pending[key]; ok {
		s.finishLocked(key, prev, common.ErrLoginRejected)
	}
	s.pending[key] = p
	p.timer = time.AfterFunc(s.timeout, func() {
		s.logger.Info(context.Background(), "login request timed out", "account", in.AccountID, "device", in.Device.ID)
		s.mu.Lock()
		defer s.mu.Unlock()
		if cur, ok := s.pending[key]; ok && cur == p {
			s.finishLocked(key, p, common.ErrLoginRejected)
		}
	})
	notifier := s.notifier
	s.mu.Unlock()

	reached := 0
	if notifier != nil {
		reached = notifier.ForwardLoginRequest(ctx, in.AccountID, p.req)
	}
	s.logger.Info(ctx, "login request pending", "account", in.AccountID, "device", in.Device.ID, "reached", reached)
	return done, nil
}

// Decide records the first decision for a pending login request. decider
// must be a device of the account other than the requester.
func (s *Service) Decide(ctx context.Context, accountID, decider, deviceID uuid.UUID, accepted bool) error {
	if decider == deviceID {
		return fmt.Errorf("%w: a device cannot approve itself", common.ErrValidation)
	}
	if err := s.Identify(ctx, accountID, decider); err != nil {
		return err
	}

	key := pendingKey{accountID, deviceID}
	s.mu.Lock()
	p, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
		p.timer.Stop()
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("login request for %s: %w", deviceID, common.ErrorNotFound)
	}

	s.logger.Info(ctx, "login request decided", "account", accountID, "device", deviceID, "by", decider, "accepted", accepted)
	if !accepted {
		p.done <- common.ErrLoginRejected
		return nil
	}
	if err := s.admit(ctx, p.device); err != nil {
		p.done <- common.ErrLoginRejected
		return err
	}
	p.done <- nil
	return nil
}

// Cancel drops a pending request whose connection went away.
func (s *Service) Cancel(accountID, deviceID uuid.UUID) {
	key := pendingKey{accountID, deviceID}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pending[key]; ok {
		s.finishLocked(key, p, common.ErrLoginRejected)
	}
}

// Pending returns the undecided requests of an account, oldest first, so a
// device that logs in later can still answer them.
func (s *Service) Pending(accountID uuid.UUID) []*protocol.LoginRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ps []*pendingLogin
	for k, p := range s.pending {
		if k.account == accountID {
			ps = append(ps, p)
		}
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].createdAt.Before(ps[j].createdAt) })
	out := make([]*protocol.LoginRequest, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.req)
	}
	return out
}

func (s *Service) finishLocked(key pendingKey, p *pendingLogin, err error) {
	delete(s.pending, key)
	p.timer.Stop()
	p.done <- err
}

func (s *Service) admit(ctx context.Context, d models.Device) error {
	err := s.repos.InTx(ctx, nil, func(ctx context.Context, r repomanager.Repositories) error {
		return r.Accounts.UpsertDevice(ctx, &d)
	})
	if err != nil {
		return err
	}
	if s.seeder != nil {
		if err := s.seeder.SeedDevice(ctx, d.AccountID, d.ID); err != nil {
			return err
		}
	}
	s.logger.Info(ctx, "device admitted", "account", d.AccountID, "device", d.ID, "name", d.Name)
	return nil
}
