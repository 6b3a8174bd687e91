package protocol

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// Frame names.
const (
	FrameIdentify     = "identify"
	FrameRegister     = "register"
	FrameLogin        = "login"
	FrameAccess       = "access"
	FrameWelcome      = "welcome"
	FrameLoginRequest = "loginRequest"
	FrameLoginReply   = "loginReply"
	FrameError        = "error"
)

func init() {
	register(func() Message { return &Identify{} })
	register(func() Message { return &Register{} })
	register(func() Message { return &Login{} })
	register(func() Message { return &Access{} })
	register(func() Message { return &Welcome{} })
	register(func() Message { return &LoginRequest{} })
	register(func() Message { return &LoginReply{} })
	register(func() Message { return &Error{} })
}

// DeviceInfo describes a device to the user approving a login.
type DeviceInfo struct {
	ID          uuid.UUID
	Name        string
	Fingerprint []byte
}

// Equal compares all fields.
func (d DeviceInfo) Equal(o DeviceInfo) bool {
	return d.ID == o.ID && d.Name == o.Name && bytes.Equal(d.Fingerprint, o.Fingerprint)
}

func (d DeviceInfo) appendFields(b []byte) []byte {
	b = appendUUID(b, 1, d.ID)
	b = appendString(b, 2, d.Name)
	return appendBytes(b, 3, d.Fingerprint)
}

func (d *DeviceInfo) consumeFields(b []byte) error {
	return walkFields(b, func(num protowire.Number, v []byte) error {
		switch num {
		case 1:
			return parseUUID(v, &d.ID)
		case 2:
			d.Name = string(v)
		case 3:
			d.Fingerprint = clone(v)
		}
		return nil
	}, nil)
}

// Identify is the first frame of every connection; devices sign Nonce.
type Identify struct {
	Nonce           []byte
	ProtocolVersion uint32
}

func (*Identify) FrameName() string { return FrameIdentify }

func (m *Identify) appendFields(b []byte) []byte {
	b = appendBytes(b, 1, m.Nonce)
	return appendVarint(b, 2, uint64(m.ProtocolVersion))
}

func (m *Identify) consumeFields(b []byte) error {
	return walkFields(b, func(num protowire.Number, v []byte) error {
		if num == 1 {
			m.Nonce = clone(v)
		}
		return nil
	}, func(num protowire.Number, v uint64) error {
		if num == 2 {
			m.ProtocolVersion = uint32(v)
		}
		return nil
	})
}

// Register creates a new account for a device that has none.
type Register struct {
	Device    DeviceInfo
	PublicKey []byte
}

func (*Register) FrameName() string { return FrameRegister }

func (m *Register) appendFields(b []byte) []byte {
	b = appendMessage(b, 1, m.Device.appendFields(nil))
	return appendBytes(b, 2, m.PublicKey)
}

func (m *Register) consumeFields(b []byte) error {
	return walkFields(b, func(num protowire.Number, v []byte) error {
		switch num {
		case 1:
			return m.Device.consumeFields(v)
		case 2:
			m.PublicKey = clone(v)
		}
		return nil
	}, nil)
}

// Login authenticates a known device by signing the Identify nonce.
type Login struct {
	AccountID uuid.UUID
	DeviceID  uuid.UUID
	Signature []byte
}

func (*Login) FrameName() string { return FrameLogin }

func (m *Login) appendFields(b []byte) []byte {
	b = appendUUID(b, 1, m.AccountID)
	b = appendUUID(b, 2, m.DeviceID)
	return appendBytes(b, 3, m.Signature)
}

func (m *Login) consumeFields(b []byte) error {
	return walkFields(b, func(num protowire.Number, v []byte) error {
		switch num {
		case 1:
			return parseUUID(v, &m.AccountID)
		case 2:
			return parseUUID(v, &m.DeviceID)
		case 3:
			m.Signature = clone(v)
		}
		return nil
	}, nil)
}

// Access asks to join an existing account with a new device. With a trust
// token from an export bundle the server admits the device directly,
// otherwise online devices of the account are asked to approve.
type Access struct {
	AccountID  uuid.UUID
	Device     DeviceInfo
	PublicKey  []byte
	IssuerID   uuid.UUID
	TrustToken []byte
	Signature  []byte
}

func (*Access) FrameName() string { return FrameAccess }

func (m *Access) appendFields(b []byte) []byte {
	b = appendUUID(b, 1, m.AccountID)
	b = appendMessage(b, 2, m.Device.appendFields(nil))
	b = appendBytes(b, 3, m.PublicKey)
	b = appendUUID(b, 4, m.IssuerID)
	b = appendBytes(b, 5, m.TrustToken)
	return appendBytes(b, 6, m.Signature)
}

func (m *Access) consumeFields(b []byte) error {
	return walkFields(b, func(num protowire.Number, v []byte) error {
		switch num {
		case 1:
			return parseUUID(v, &m.AccountID)
		case 2:
			return m.Device.consumeFields(v)
		case 3:
			m.PublicKey = clone(v)
		case 4:
			return parseUUID(v, &m.IssuerID)
		case 5:
			m.TrustToken = clone(v)
		case 6:
			m.Signature = clone(v)
		}
		return nil
	}, nil)
}

// Welcome completes the handshake.
type Welcome struct {
	AccountID uuid.UUID
	DeviceID  uuid.UUID
}

func (*Welcome) FrameName() string { return FrameWelcome }

func (m *Welcome) appendFields(b []byte) []byte {
	b = appendUUID(b, 1, m.AccountID)
	return appendUUID(b, 2, m.DeviceID)
}

func (m *Welcome) consumeFields(b []byte) error {
	return walkFields(b, func(num protowire.Number, v []byte) error {
		switch num {
		case 1:
			return parseUUID(v, &m.AccountID)
		case 2:
			return parseUUID(v, &m.DeviceID)
		}
		return nil
	}, nil)
}

// LoginRequest is forwarded to online devices when a new device asks for access.
type LoginRequest struct {
	Device DeviceInfo
}

func (*LoginRequest) FrameName() string { return FrameLoginRequest }

func (m *LoginRequest) appendFields(b []byte) []byte {
	return appendMessage(b, 1, m.Device.appendFields(nil))
}

func (m *LoginRequest) consumeFields(b []byte) error {
	return walkFields(b, func(num protowire.Number, v []byte) error {
		if num == 1 {
			return m.Device.consumeFields(v)
		}
		return nil
	}, nil)
}

// LoginReply carries the decision of an existing device.
type LoginReply struct {
	DeviceID uuid.UUID
	Accepted bool
}

func (*LoginReply) FrameName() string { return FrameLoginReply }

func (m *LoginReply) appendFields(b []byte) []byte {
	b = appendUUID(b, 1, m.DeviceID)
	return appendVarint(b, 2, protowire.EncodeBool(m.Accepted))
}

func (m *LoginReply) consumeFields(b []byte) error {
	return walkFields(b, func(num protowire.Number, v []byte) error {
		if num == 1 {
			return parseUUID(v, &m.DeviceID)
		}
		return nil
	}, func(num protowire.Number, v uint64) error {
		if num == 2 {
			m.Accepted = protowire.DecodeBool(v)
		}
		return nil
	})
}

// Error reports a handshake failure before the server closes the connection.
type Error struct {
	Message string
}

func (*Error) FrameName() string { return FrameError }

func (m *Error) appendFields(b []byte) []byte {
	return appendString(b, 1, m.Message)
}

func (m *Error) consumeFields(b []byte) error {
	return walkFields(b, func(num protowire.Number, v []byte) error {
		if num == 1 {
			m.Message = string(v)
		}
		return nil
	}, nil)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendMessage(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendUUID(b []byte, num protowire.Number, id uuid.UUID) []byte {
	if id == uuid.Nil {
		return b
	}
	return appendBytes(b, num, id[:])
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func parseUUID(v []byte, dst *uuid.UUID) error {
	id, err := uuid.FromBytes(v)
	if err != nil {
		return fmt.Errorf("uuid field: %w", err)
	}
	*dst = id
	return nil
}

func clone(v []byte) []byte {
	return append([]byte(nil), v...)
}
