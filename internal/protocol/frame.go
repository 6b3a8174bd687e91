package protocol

import (
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dmitrijs2005/gophsync/internal/common"
)

// DefaultMaxFrameSize bounds the body length accepted by a Decoder.
const DefaultMaxFrameSize = 1 << 20

const (
	fieldFrameName    protowire.Number = 1
	fieldFramePayload protowire.Number = 2
)

// Message is implemented by every binary frame type.
type Message interface {
	FrameName() string
	appendFields(b []byte) []byte
	consumeFields(b []byte) error
}

var registry = map[string]func() Message{}

func register(newFn func() Message) {
	registry[newFn().FrameName()] = newFn
}

// EncodeFrame serialises m including its length prefix.
func EncodeFrame(m Message) []byte {
	var body []byte
	body = protowire.AppendTag(body, fieldFrameName, protowire.BytesType)
	body = protowire.AppendString(body, m.FrameName())
	body = protowire.AppendTag(body, fieldFramePayload, protowire.BytesType)
	body = protowire.AppendBytes(body, m.appendFields(nil))

	size := uint64(len(body))
	out := protowire.AppendVarint(make([]byte, 0, protowire.SizeVarint(size)+len(body)), size)
	return append(out, body...)
}

// Decoder reassembles frames from arbitrarily split byte chunks.
// It is not safe for concurrent use.
type Decoder struct {
	buf          []byte
	MaxFrameSize int
}

// Feed appends received bytes.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered reports how many bytes wait for the next frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next decodes the next complete frame.
//
// It returns common.ErrIncomplete without consuming anything while a frame
// is still partial. A complete but inconsistent frame is consumed and
// reported as common.ErrMalformed; an unregistered name is consumed and
// reported as common.ErrUnknownFrame. A corrupt or oversized length prefix
// leaves no way to find the next boundary, so the buffer is discarded.
func (d *Decoder) Next() (Message, error) {
	if len(d.buf) == 0 {
		return nil, common.ErrIncomplete
	}

	size, n := protowire.ConsumeVarint(d.buf)
	if n < 0 {
		if errors.Is(protowire.ParseError(n), io.ErrUnexpectedEOF) {
			return nil, common.ErrIncomplete
		}
		d.buf = nil
		return nil, fmt.Errorf("%w: bad length prefix", common.ErrMalformed)
	}

	limit := d.MaxFrameSize
	if limit <= 0 {
		limit = DefaultMaxFrameSize
	}
	if size > uint64(limit) {
		d.buf = nil
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds %d", common.ErrMalformed, size, limit)
	}

	if uint64(len(d.buf)-n) < size {
		return nil, common.ErrIncomplete
	}

	end := n + int(size)
	body := d.buf[n:end]
	msg, err := decodeBody(body)

	rest := d.buf[end:]
	if len(rest) == 0 {
		d.buf = nil
	} else {
		d.buf = append([]byte(nil), rest...)
	}

	if err != nil {
		return nil, err
	}
	return msg, nil
}

// DecodeFrame decodes a buffer holding exactly one frame, as delivered by a
// websocket binary message.
func DecodeFrame(b []byte) (Message, error) {
	var d Decoder
	d.Feed(b)
	m, err := d.Next()
	if errors.Is(err, common.ErrIncomplete) {
		return nil, fmt.Errorf("%w: truncated frame", common.ErrMalformed)
	}
	if err != nil {
		return nil, err
	}
	if d.Buffered() > 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", common.ErrMalformed, d.Buffered())
	}
	return m, nil
}

func decodeBody(body []byte) (Message, error) {
	var name string
	var payload []byte
	var haveName, havePayload bool

	err := walkFields(body, func(num protowire.Number, v []byte) error {
		switch num {
		case fieldFrameName:
			name, haveName = string(v), true
		case fieldFramePayload:
			payload, havePayload = v, true
		}
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}
	if !haveName || !havePayload {
		return nil, fmt.Errorf("%w: frame without name or payload", common.ErrMalformed)
	}

	newFn, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", common.ErrUnknownFrame, name)
	}

	m := newFn()
	if err := m.consumeFields(payload); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", common.ErrMalformed, name, err)
	}
	return m, nil
}

// walkFields iterates protobuf-wire fields, handing length-delimited values
// to onBytes and varints to onVarint. Other wire types are skipped.
func walkFields(b []byte, onBytes func(protowire.Number, []byte) error, onVarint func(protowire.Number, uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", common.ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", common.ErrMalformed, protowire.ParseError(n))
			}
			if onBytes != nil {
				if err := onBytes(num, v); err != nil {
					return err
				}
			}
			b = b[n:]
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", common.ErrMalformed, protowire.ParseError(n))
			}
			if onVarint != nil {
				if err := onVarint(num, v); err != nil {
					return err
				}
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %v", common.ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}
