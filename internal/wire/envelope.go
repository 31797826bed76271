// Package wire implements the two wire lanes wsPrism accepts: the Ext
// (JSON) envelope and the Hot (binary) frame. Decoding never panics and
// never eagerly parses the Ext envelope's "data" field, so a service that
// doesn't need the body pays nothing for it.
package wire

import (
	"encoding/binary"
	"encoding/json"

	"github.com/AsyncNomad/wsPrism/internal/wserr"
)

// Lane identifies which wire channel a frame travelled on.
type Lane string

const (
	LaneExt Lane = "ext"
	LaneHot Lane = "hot"
)

// Envelope is one Ext Lane (JSON) message. Data is kept as raw JSON; only
// the service that handles the message decides whether and how to parse it.
type Envelope struct {
	V     uint8           `json:"v"`
	Svc   string          `json:"svc"`
	Type  string          `json:"type"`
	Flags uint32          `json:"flags,omitempty"`
	Seq   *uint64         `json:"seq,omitempty"`
	Room  *string         `json:"room,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

var extAllowedFields = map[string]bool{
	"v": true, "svc": true, "type": true,
	"flags": true, "seq": true, "room": true, "data": true,
}

// DecodeEnvelope parses one Ext Lane frame. Unknown top-level fields and
// missing required fields (v, svc, type) are rejected.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Envelope{}, wserr.Newf(wserr.BadRequest, "invalid json: %v", err)
	}
	for k := range fields {
		if !extAllowedFields[k] {
			return Envelope{}, wserr.Newf(wserr.BadRequest, "unknown field: %s", k)
		}
	}

	var env Envelope
	vRaw, ok := fields["v"]
	if !ok {
		return Envelope{}, wserr.New(wserr.BadRequest, "missing field: v")
	}
	if err := json.Unmarshal(vRaw, &env.V); err != nil {
		return Envelope{}, wserr.Newf(wserr.BadRequest, "invalid field v: %v", err)
	}

	svcRaw, ok := fields["svc"]
	if !ok {
		return Envelope{}, wserr.New(wserr.BadRequest, "missing field: svc")
	}
	if err := json.Unmarshal(svcRaw, &env.Svc); err != nil {
		return Envelope{}, wserr.Newf(wserr.BadRequest, "invalid field svc: %v", err)
	}

	typeRaw, ok := fields["type"]
	if !ok {
		return Envelope{}, wserr.New(wserr.BadRequest, "missing field: type")
	}
	if err := json.Unmarshal(typeRaw, &env.Type); err != nil {
		return Envelope{}, wserr.Newf(wserr.BadRequest, "invalid field type: %v", err)
	}

	if flagsRaw, ok := fields["flags"]; ok {
		if err := json.Unmarshal(flagsRaw, &env.Flags); err != nil {
			return Envelope{}, wserr.Newf(wserr.BadRequest, "invalid field flags: %v", err)
		}
	}
	if seqRaw, ok := fields["seq"]; ok {
		var seq uint64
		if err := json.Unmarshal(seqRaw, &seq); err != nil {
			return Envelope{}, wserr.Newf(wserr.BadRequest, "invalid field seq: %v", err)
		}
		env.Seq = &seq
	}
	if roomRaw, ok := fields["room"]; ok {
		var room string
		if err := json.Unmarshal(roomRaw, &room); err != nil {
			return Envelope{}, wserr.Newf(wserr.BadRequest, "invalid field room: %v", err)
		}
		env.Room = &room
	}
	if dataRaw, ok := fields["data"]; ok {
		env.Data = dataRaw
	}

	return env, nil
}

// EncodeEnvelope serializes env back to JSON. Data is re-emitted from its
// raw bytes, never decoded into Go values; encoding/json compacts it, so
// insignificant whitespace inside data is not preserved.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// HotFlagSeqPresent marks that a little-endian u32 sequence number follows
// the fixed 4-byte Hot Lane header.
const HotFlagSeqPresent uint8 = 0x01

// HotFrame is one decoded Hot Lane (binary) frame.
type HotFrame struct {
	V       uint8
	SvcID   uint8
	Opcode  uint8
	Flags   uint8
	Seq     *uint32
	Payload []byte
}

// DecodeHot parses a Hot Lane frame. It never indexes past a checked
// remaining-length and never panics on short or malformed input.
func DecodeHot(buf []byte) (HotFrame, error) {
	if len(buf) < 4 {
		return HotFrame{}, wserr.New(wserr.BadRequest, "hot frame too short")
	}
	v := buf[0]
	if v != 1 {
		return HotFrame{}, wserr.New(wserr.UnsupportedVersion, "")
	}
	svcID, opcode, flags := buf[1], buf[2], buf[3]
	rest := buf[4:]

	var seq *uint32
	if flags&HotFlagSeqPresent != 0 {
		if len(rest) < 4 {
			return HotFrame{}, wserr.New(wserr.BadRequest, "seq flag set but missing u32")
		}
		s := binary.LittleEndian.Uint32(rest[:4])
		seq = &s
		rest = rest[4:]
	}

	payload := make([]byte, len(rest))
	copy(payload, rest)

	return HotFrame{V: v, SvcID: svcID, Opcode: opcode, Flags: flags, Seq: seq, Payload: payload}, nil
}

// EncodeHot serializes f back to its wire form.
func EncodeHot(f HotFrame) []byte {
	size := 4
	if f.Seq != nil {
		size += 4
	}
	size += len(f.Payload)

	buf := make([]byte, size)
	buf[0], buf[1], buf[2], buf[3] = f.V, f.SvcID, f.Opcode, f.Flags
	off := 4
	if f.Seq != nil {
		binary.LittleEndian.PutUint32(buf[off:], *f.Seq)
		off += 4
	}
	copy(buf[off:], f.Payload)
	return buf
}
