package protocol

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/harveybc/doin-core/pkgs/crypto"
	"github.com/harveybc/doin-core/pkgs/doinerr"
)

// EnvelopeVersion is the current wire envelope version.
const EnvelopeVersion = 1

// DefaultTTL is the hop budget a flood message starts with.
const DefaultTTL = 5

// envelopeOverhead is the fixed byte count around the payload:
// version(1) + type(1) + message_id(16) + ttl(1) + origin(32) +
// payload_len(4) + sig(64).
const envelopeOverhead = 1 + 1 + 16 + 1 + 32 + 4 + crypto.SignatureSize

// MaxPayloadBytes bounds a single envelope payload.
const MaxPayloadBytes = 8 << 20

// Envelope is the canonical binary wire frame:
//
//	version:u8 || type:u8 || message_id:16B || ttl:u8
//	|| origin:32B || payload_len:u32 || payload || sig:64B
type Envelope struct {
	Version   uint8
	Type      MsgType
	MessageID [16]byte
	TTL       uint8
	Origin    string // hex peer id
	Payload   []byte
	Signature []byte
}

// NewEnvelope frames a payload with a fresh message id.
func NewEnvelope(msgType MsgType, origin string, payload []byte) *Envelope {
	return &Envelope{
		Version:   EnvelopeVersion,
		Type:      msgType,
		MessageID: [16]byte(uuid.New()),
		TTL:       DefaultTTL,
		Origin:    origin,
		Payload:   payload,
	}
}

// SigningBytes returns the bytes covered by the envelope signature:
// everything except the signature itself, with TTL zeroed so relays
// can decrement it without invalidating the origin's signature.
func (e *Envelope) SigningBytes() []byte {
	enc := crypto.NewEncoder()
	enc.U8(e.Version)
	enc.U8(uint8(e.Type))
	enc.VarBytes(e.MessageID[:])
	enc.U8(0) // TTL excluded from the signature
	origin := crypto.PeerIDTo32(e.Origin)
	enc.Bytes32(origin[:])
	enc.VarBytes(e.Payload)
	return enc.Bytes()
}

// Encode serializes the envelope to its canonical binary form.
func (e *Envelope) Encode() ([]byte, error) {
	if len(e.Payload) > MaxPayloadBytes {
		return nil, doinerr.Newf(doinerr.Protocol, "payload %d bytes exceeds cap", len(e.Payload))
	}
	if len(e.Signature) != crypto.SignatureSize {
		return nil, doinerr.Newf(doinerr.Protocol, "signature must be %d bytes, got %d",
			crypto.SignatureSize, len(e.Signature))
	}

	out := make([]byte, 0, envelopeOverhead+len(e.Payload))
	enc := crypto.NewEncoder()
	enc.U8(e.Version)
	enc.U8(uint8(e.Type))
	out = append(out, enc.Bytes()...)
	out = append(out, e.MessageID[:]...)
	out = append(out, e.TTL)
	origin := crypto.PeerIDTo32(e.Origin)
	out = append(out, origin[:]...)

	lenEnc := crypto.NewEncoder()
	lenEnc.U32(uint32(len(e.Payload)))
	out = append(out, lenEnc.Bytes()...)
	out = append(out, e.Payload...)
	out = append(out, e.Signature...)
	return out, nil
}

// DecodeEnvelope parses the canonical binary form back into an
// Envelope. Round-trips with Encode.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	if len(data) < envelopeOverhead {
		return nil, doinerr.Newf(doinerr.Protocol, "envelope too short: %d bytes", len(data))
	}

	e := &Envelope{}
	off := 0
	e.Version = data[off]
	off++
	e.Type = MsgType(data[off])
	off++
	copy(e.MessageID[:], data[off:off+16])
	off += 16
	e.TTL = data[off]
	off++
	var origin [32]byte
	copy(origin[:], data[off:off+32])
	e.Origin = crypto.PeerIDFrom32(origin)
	off += 32

	payloadLen := uint32(data[off])<<24 | uint32(data[off+1])<<16 | uint32(data[off+2])<<8 | uint32(data[off+3])
	off += 4
	if payloadLen > MaxPayloadBytes {
		return nil, doinerr.Newf(doinerr.Protocol, "declared payload %d bytes exceeds cap", payloadLen)
	}
	if len(data) != off+int(payloadLen)+crypto.SignatureSize {
		return nil, doinerr.Newf(doinerr.Protocol,
			"envelope length %d does not match declared payload %d", len(data), payloadLen)
	}

	e.Payload = make([]byte, payloadLen)
	copy(e.Payload, data[off:off+int(payloadLen)])
	off += int(payloadLen)
	e.Signature = make([]byte, crypto.SignatureSize)
	copy(e.Signature, data[off:])

	if e.Version != EnvelopeVersion {
		return nil, doinerr.Newf(doinerr.Protocol, "unsupported envelope version %d", e.Version)
	}
	if !e.Type.Valid() {
		return nil, doinerr.Newf(doinerr.Protocol, "unknown message type 0x%02x", uint8(e.Type))
	}
	return e, nil
}

// MessageIDString returns the message id in uuid form.
func (e *Envelope) MessageIDString() string {
	id, err := uuid.FromBytes(e.MessageID[:])
	if err != nil {
		return fmt.Sprintf("%x", e.MessageID)
	}
	return id.String()
}
