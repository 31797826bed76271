package wire

import (
	"testing"

	"github.com/AsyncNomad/wsPrism/internal/wserr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEnvelope_RoundTrip(t *testing.T) {
	room := "party"
	seq := uint64(42)
	env := Envelope{
		V: 1, Svc: "chat", Type: "send",
		Flags: 3, Seq: &seq, Room: &room,
		Data: []byte(`{"msg":"hi"}`),
	}

	encoded, err := EncodeEnvelope(env)
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(encoded)
	require.NoError(t, err)

	assert.Equal(t, env.V, decoded.V)
	assert.Equal(t, env.Svc, decoded.Svc)
	assert.Equal(t, env.Type, decoded.Type)
	assert.Equal(t, env.Flags, decoded.Flags)
	require.NotNil(t, decoded.Seq)
	assert.Equal(t, *env.Seq, *decoded.Seq)
	require.NotNil(t, decoded.Room)
	assert.Equal(t, *env.Room, *decoded.Room)
	assert.JSONEq(t, string(env.Data), string(decoded.Data))
}

func TestDecodeEnvelope_UnknownField(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"v":1,"svc":"chat","type":"send","bogus":true}`))
	require.Error(t, err)
	e, ok := wserr.As(err)
	require.True(t, ok)
	assert.Equal(t, wserr.BadRequest, e.Code)
}

func TestDecodeEnvelope_MissingRequired(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"v":1,"svc":"chat"}`))
	require.Error(t, err)
	e, ok := wserr.As(err)
	require.True(t, ok)
	assert.Equal(t, wserr.BadRequest, e.Code)
}

func TestDecodeHot_RoundTrip(t *testing.T) {
	seq := uint32(4)
	frame := HotFrame{V: 1, SvcID: 1, Opcode: 0x2A, Flags: HotFlagSeqPresent, Seq: &seq, Payload: []byte("ping")}

	encoded := EncodeHot(frame)
	decoded, err := DecodeHot(encoded)
	require.NoError(t, err)

	assert.Equal(t, frame.V, decoded.V)
	assert.Equal(t, frame.SvcID, decoded.SvcID)
	assert.Equal(t, frame.Opcode, decoded.Opcode)
	assert.Equal(t, frame.Flags, decoded.Flags)
	require.NotNil(t, decoded.Seq)
	assert.Equal(t, *frame.Seq, *decoded.Seq)
	assert.Equal(t, frame.Payload, decoded.Payload)
}

func TestDecodeHot_UnsupportedVersion(t *testing.T) {
	_, err := DecodeHot([]byte{2, 1, 1, 0})
	e, ok := wserr.As(err)
	require.True(t, ok)
	assert.Equal(t, wserr.UnsupportedVersion, e.Code)
}

func TestDecodeHot_ShortSeqBuffer(t *testing.T) {
	// header says seq present but fewer than 4 bytes follow.
	_, err := DecodeHot([]byte{1, 1, 1, HotFlagSeqPresent, 0, 0})
	e, ok := wserr.As(err)
	require.True(t, ok)
	assert.Equal(t, wserr.BadRequest, e.Code)
}

func TestDecodeHot_TooShort(t *testing.T) {
	_, err := DecodeHot([]byte{1, 1})
	e, ok := wserr.As(err)
	require.True(t, ok)
	assert.Equal(t, wserr.BadRequest, e.Code)
}
