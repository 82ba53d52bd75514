package protocol

import (
	"bytes"
	"testing"

	"github.com/harveybc/doin-core/pkgs/crypto"
	"github.com/harveybc/doin-core/pkgs/doinerr"
)

func testIdentity(t *testing.T) *crypto.Identity {
	t.Helper()
	id, err := crypto.GenerateIdentity()
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func signedEnvelope(t *testing.T, id *crypto.Identity, msgType MsgType, payload []byte) *Envelope {
	t.Helper()
	env := NewEnvelope(msgType, id.PeerID(), payload)
	sig, err := id.Sign(env.SigningBytes())
	if err != nil {
		t.Fatal(err)
	}
	env.Signature = sig
	return env
}

func TestEnvelopeRoundTrip(t *testing.T) {
	id := testIdentity(t)
	payload := []byte(`{"optima_id":"o1"}`)
	env := signedEnvelope(t, id, MsgOptimaeCommit, payload)

	data, err := env.Encode()
	if err != nil {
		t.Fatal(err)
	}

	decoded, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Version != EnvelopeVersion || decoded.Type != MsgOptimaeCommit {
		t.Fatal("header fields lost in round trip")
	}
	if decoded.MessageID != env.MessageID || decoded.TTL != DefaultTTL {
		t.Fatal("message id or ttl lost in round trip")
	}
	if decoded.Origin != id.PeerID() {
		t.Fatalf("origin lost: %s vs %s", decoded.Origin, id.PeerID())
	}
	if !bytes.Equal(decoded.Payload, payload) {
		t.Fatal("payload lost in round trip")
	}
	if !bytes.Equal(decoded.Signature, env.Signature) {
		t.Fatal("signature lost in round trip")
	}
}

func TestEnvelopeSignatureSurvivesTTLDecrement(t *testing.T) {
	id := testIdentity(t)
	env := signedEnvelope(t, id, MsgVote, []byte("{}"))

	// A relay decrements the TTL; the origin signature must still hold.
	env.TTL--
	if !crypto.Verify(id.PublicKeyBytes(), env.SigningBytes(), env.Signature) {
		t.Fatal("ttl decrement invalidated the signature")
	}
}

func TestEnvelopeTamperDetection(t *testing.T) {
	id := testIdentity(t)
	env := signedEnvelope(t, id, MsgVote, []byte(`{"measured_metric":1.0}`))

	env.Payload = []byte(`{"measured_metric":9.0}`)
	if crypto.Verify(id.PublicKeyBytes(), env.SigningBytes(), env.Signature) {
		t.Fatal("payload tampering not detected")
	}
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte("short"),
		bytes.Repeat([]byte{0xff}, 200),
	}
	for i, data := range cases {
		if _, err := DecodeEnvelope(data); err == nil {
			t.Fatalf("case %d: malformed envelope accepted", i)
		} else if doinerr.KindOf(err) != doinerr.Protocol {
			t.Fatalf("case %d: expected protocol kind, got %v", i, err)
		}
	}
}

func TestDecodeEnvelopeLengthMismatch(t *testing.T) {
	id := testIdentity(t)
	env := signedEnvelope(t, id, MsgVote, []byte("payload"))
	data, err := env.Encode()
	if err != nil {
		t.Fatal(err)
	}

	// Truncating the frame breaks the declared length.
	if _, err := DecodeEnvelope(data[:len(data)-3]); err == nil {
		t.Fatal("truncated envelope accepted")
	}
	// Appending junk does too.
	if _, err := DecodeEnvelope(append(data, 0x00)); err == nil {
		t.Fatal("oversized envelope accepted")
	}
}

func TestMsgTypeCodesStable(t *testing.T) {
	// Wire codes are a published contract.
	codes := map[MsgType]uint8{
		MsgOptimaeCommit: 0x01,
		MsgOptimaeReveal: 0x02,
		MsgVote:          0x03,
		MsgBlockAnnounce: 0x04,
		MsgChainStatus:   0x05,
		MsgBlockRequest:  0x06,
		MsgBlockResponse: 0x07,
		MsgTaskCreated:   0x08,
		MsgTaskClaimed:   0x09,
		MsgTaskCompleted: 0x0A,
		MsgPeerDiscovery: 0x0B,
	}
	for typ, code := range codes {
		if uint8(typ) != code {
			t.Fatalf("%s code drifted: 0x%02x", typ, uint8(typ))
		}
		if !typ.Valid() {
			t.Fatalf("%s should be valid", typ)
		}
	}
	if MsgType(0x0C).Valid() || MsgType(0x00).Valid() {
		t.Fatal("types outside the closed set should be invalid")
	}
}

func TestPayloadMarshalRoundTrip(t *testing.T) {
	in := OptimaeCommit{
		OptimaID:       "o1",
		DomainID:       "quadratic",
		OptimizerID:    "peerA",
		CommitHash:     "abcd",
		ReportedMetric: -100.0,
		Timestamp:      1700000000,
	}
	data, err := Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	var out OptimaeCommit
	if err := Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Fatalf("payload round trip changed the value: %+v", out)
	}
}
