package protocol

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dmitrijs2005/gophsync/internal/common"
)

func sampleFrames() []Message {
	dev := DeviceInfo{ID: uuid.New(), Name: "laptop", Fingerprint: []byte{0xde, 0xad, 0xbe, 0xef}}
	return []Message{
		&Identify{Nonce: []byte("0123456789abcdef"), ProtocolVersion: 1},
		&Register{Device: dev, PublicKey: make([]byte, 32)},
		&Login{AccountID: uuid.New(), DeviceID: dev.ID, Signature: []byte("sig")},
		&Access{AccountID: uuid.New(), Device: dev, PublicKey: []byte("pk"), IssuerID: uuid.New(), TrustToken: []byte("tt"), Signature: []byte("s")},
		&Welcome{AccountID: uuid.New(), DeviceID: dev.ID},
		&LoginRequest{Device: dev},
		&LoginReply{DeviceID: dev.ID, Accepted: true},
		&Error{Message: "unknown device"},
	}
}

func encodeAll(frames []Message) []byte {
	var stream []byte
	for _, f := range frames {
		stream = append(stream, EncodeFrame(f)...)
	}
	return stream
}

func drain(t *testing.T, d *Decoder) []Message {
	t.Helper()
	var out []Message
	for {
		m, err := d.Next()
		if err == common.ErrIncomplete {
			return out
		}
		require.NoError(t, err)
		out = append(out, m)
	}
}

func TestDecoder_WholeStream(t *testing.T) {
	frames := sampleFrames()

	var d Decoder
	d.Feed(encodeAll(frames))

	got := drain(t, &d)
	assert.Empty(t, cmp.Diff(frames, got))
	assert.Zero(t, d.Buffered())
}

func TestDecoder_EverySplitPointMatchesWholeDelivery(t *testing.T) {
	frames := sampleFrames()
	stream := encodeAll(frames)

	for cut := 0; cut <= len(stream); cut++ {
		var d Decoder
		d.Feed(stream[:cut])
		got := drain(t, &d)
		d.Feed(stream[cut:])
		got = append(got, drain(t, &d)...)

		if diff := cmp.Diff(frames, got); diff != "" {
			t.Fatalf("split at %d changed the result:\n%s", cut, diff)
		}
	}
}

func TestDecoder_RandomChunking(t *testing.T) {
	frames := sampleFrames()
	stream := encodeAll(frames)
	rnd := rand.New(rand.NewSource(7))

	for round := 0; round < 200; round++ {
		var d Decoder
		var got []Message
		for rest := stream; len(rest) > 0; {
			n := 1 + rnd.Intn(len(rest))
			d.Feed(rest[:n])
			rest = rest[n:]
			got = append(got, drain(t, &d)...)
		}
		require.Empty(t, cmp.Diff(frames, got), "round %d", round)
	}
}

func TestDecoder_IncompleteLeavesBufferUntouched(t *testing.T) {
	frame := EncodeFrame(&Welcome{AccountID: uuid.New(), DeviceID: uuid.New()})

	var d Decoder
	d.Feed(frame[:len(frame)-1])

	_, err := d.Next()
	require.ErrorIs(t, err, common.ErrIncomplete)
	assert.Equal(t, len(frame)-1, d.Buffered())

	_, err = d.Next()
	require.ErrorIs(t, err, common.ErrIncomplete)
	assert.Equal(t, len(frame)-1, d.Buffered())
}

func rawFrame(body []byte) []byte {
	return append(protowire.AppendVarint(nil, uint64(len(body))), body...)
}

func rawBody(name string, payload []byte, withPayload bool) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, name)
	if withPayload {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, payload)
	}
	return b
}

func TestDecoder_MalformedFrameIsConsumedAndNextDecodes(t *testing.T) {
	badUUID := protowire.AppendTag(nil, 1, protowire.BytesType)
	badUUID = protowire.AppendBytes(badUUID, []byte{1, 2, 3})

	tests := []struct {
		name string
		raw  []byte
		want error
	}{
		{"unknown name", rawFrame(rawBody("teleport", nil, true)), common.ErrUnknownFrame},
		{"missing payload", rawFrame(rawBody(FrameWelcome, nil, false)), common.ErrMalformed},
		{"short uuid", rawFrame(rawBody(FrameWelcome, badUUID, true)), common.ErrMalformed},
		{"garbage body", rawFrame([]byte{0xff, 0xff, 0xff}), common.ErrMalformed},
	}

	next := &Error{Message: "after"}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Decoder
			d.Feed(tt.raw)
			d.Feed(EncodeFrame(next))

			m, err := d.Next()
			require.ErrorIs(t, err, tt.want)
			require.Nil(t, m)

			m, err = d.Next()
			require.NoError(t, err)
			assert.Equal(t, next, m)
		})
	}
}

func TestDecoder_OversizedLengthDropsBuffer(t *testing.T) {
	d := Decoder{MaxFrameSize: 16}
	d.Feed(protowire.AppendVarint(nil, 17))
	d.Feed([]byte("whatever"))

	_, err := d.Next()
	require.ErrorIs(t, err, common.ErrMalformed)
	assert.Zero(t, d.Buffered())
}

func TestDecoder_BadLengthPrefix(t *testing.T) {
	var d Decoder
	d.Feed([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x01})

	_, err := d.Next()
	require.ErrorIs(t, err, common.ErrMalformed)
}

func TestDecodeFrame(t *testing.T) {
	in := &LoginReply{DeviceID: uuid.New(), Accepted: true}
	frame := EncodeFrame(in)

	got, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, in, got)

	_, err = DecodeFrame(frame[:len(frame)-2])
	require.ErrorIs(t, err, common.ErrMalformed)

	_, err = DecodeFrame(append(frame, 0x00))
	require.ErrorIs(t, err, common.ErrMalformed)
}

func TestDecode_UnknownPayloadFieldsAreSkipped(t *testing.T) {
	payload := protowire.AppendTag(nil, 1, protowire.BytesType)
	payload = protowire.AppendString(payload, "boom")
	payload = protowire.AppendTag(payload, 9, protowire.Fixed32Type)
	payload = protowire.AppendFixed32(payload, 42)

	got, err := DecodeFrame(rawFrame(rawBody(FrameError, payload, true)))
	require.NoError(t, err)
	assert.Equal(t, &Error{Message: "boom"}, got)
}

func TestDeviceInfo_Equal(t *testing.T) {
	a := DeviceInfo{ID: uuid.New(), Name: "phone", Fingerprint: []byte{1}}
	b := a
	b.Fingerprint = []byte{1}
	assert.True(t, a.Equal(b))

	b.Name = "tablet"
	assert.False(t, a.Equal(b))
}
