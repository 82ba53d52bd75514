package crypto

import (
	"bytes"
	"testing"
)

func TestHashHexDeterministic(t *testing.T) {
	a := HashHex([]byte("hello"))
	b := HashHex([]byte("hello"))
	if a != b {
		t.Fatalf("same input hashed differently: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
	if a == HashHex([]byte("hellx")) {
		t.Fatal("different inputs produced the same digest")
	}
}

func TestMerkleRootEmpty(t *testing.T) {
	if root := MerkleRoot(nil); root != ZeroDigest {
		t.Fatalf("empty merkle root should be zero digest, got %s", root)
	}
}

func TestMerkleRootSingleAndPair(t *testing.T) {
	single := MerkleRoot([][]byte{[]byte("a")})
	pair := MerkleRoot([][]byte{[]byte("a"), []byte("b")})
	if single == pair {
		t.Fatal("adding a leaf did not change the root")
	}

	// Odd leaf count duplicates the last leaf.
	odd := MerkleRoot([][]byte{[]byte("a"), []byte("b"), []byte("c")})
	padded := MerkleRoot([][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("c")})
	if odd != padded {
		t.Fatal("odd leaf count should hash like the duplicated-last form")
	}
}

func TestMerkleRootOrderSensitive(t *testing.T) {
	ab := MerkleRoot([][]byte{[]byte("a"), []byte("b")})
	ba := MerkleRoot([][]byte{[]byte("b"), []byte("a")})
	if ab == ba {
		t.Fatal("merkle root must depend on leaf order")
	}
}

func TestCanonicalRoundTrip(t *testing.T) {
	enc := NewEncoder()
	enc.U8(7)
	enc.U32(123456)
	enc.U64(1 << 40)
	enc.I64(-42)
	enc.F64(-99.99)
	enc.Bool(true)
	enc.VarBytes([]byte{1, 2, 3})
	enc.String("doin")
	enc.StringMap(map[string]string{"b": "2", "a": "1"})
	enc.StringSlice([]string{"x", "y"})

	dec := NewDecoder(enc.Bytes())
	if got := dec.U8(); got != 7 {
		t.Fatalf("U8: got %d", got)
	}
	if got := dec.U32(); got != 123456 {
		t.Fatalf("U32: got %d", got)
	}
	if got := dec.U64(); got != 1<<40 {
		t.Fatalf("U64: got %d", got)
	}
	if got := dec.I64(); got != -42 {
		t.Fatalf("I64: got %d", got)
	}
	if got := dec.F64(); got != -99.99 {
		t.Fatalf("F64: got %f", got)
	}
	if !dec.Bool() {
		t.Fatal("Bool: got false")
	}
	if got := dec.VarBytes(); !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Fatalf("VarBytes: got %v", got)
	}
	if got := dec.String(); got != "doin" {
		t.Fatalf("String: got %q", got)
	}
	m := dec.StringMap()
	if m["a"] != "1" || m["b"] != "2" {
		t.Fatalf("StringMap: got %v", m)
	}
	ss := dec.StringSlice()
	if len(ss) != 2 || ss[0] != "x" || ss[1] != "y" {
		t.Fatalf("StringSlice: got %v", ss)
	}
	if dec.Err() != nil {
		t.Fatalf("decode error: %v", dec.Err())
	}
	if dec.Remaining() != 0 {
		t.Fatalf("%d bytes left over", dec.Remaining())
	}
}

func TestCanonicalMapOrderIndependent(t *testing.T) {
	a := NewEncoder()
	a.StringMap(map[string]string{"k1": "v1", "k2": "v2", "k3": "v3"})
	b := NewEncoder()
	b.StringMap(map[string]string{"k3": "v3", "k1": "v1", "k2": "v2"})
	if !bytes.Equal(a.Bytes(), b.Bytes()) {
		t.Fatal("map encoding must not depend on insertion order")
	}
}

func TestDecoderTruncated(t *testing.T) {
	enc := NewEncoder()
	enc.U64(99)
	dec := NewDecoder(enc.Bytes()[:4])
	dec.U64()
	if dec.Err() == nil {
		t.Fatal("truncated input should poison the decoder")
	}
}

func TestSignVerify(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatal(err)
	}

	msg := []byte("signed payload")
	sig, err := id.Sign(msg)
	if err != nil {
		t.Fatal(err)
	}
	if len(sig) != SignatureSize {
		t.Fatalf("expected %d-byte signature, got %d", SignatureSize, len(sig))
	}

	if !Verify(id.PublicKeyBytes(), msg, sig) {
		t.Fatal("valid signature failed to verify")
	}
	if Verify(id.PublicKeyBytes(), []byte("other payload"), sig) {
		t.Fatal("signature verified against wrong payload")
	}

	other, _ := GenerateIdentity()
	if Verify(other.PublicKeyBytes(), msg, sig) {
		t.Fatal("signature verified against wrong key")
	}
}

func TestPeerIDStable(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatal(err)
	}
	if len(id.PeerID()) != PeerIDSize {
		t.Fatalf("peer id should be %d hex chars, got %d", PeerIDSize, len(id.PeerID()))
	}
	if PeerIDFromCompressed(id.PublicKeyBytes()) != id.PeerID() {
		t.Fatal("peer id not derivable from compressed public key")
	}

	wire := PeerIDTo32(id.PeerID())
	if PeerIDFrom32(wire) != id.PeerID() {
		t.Fatal("peer id does not round-trip through the 32-byte wire form")
	}
}

func TestIdentityPersistence(t *testing.T) {
	path := t.TempDir() + "/identity.key"

	first, err := LoadOrGenerateIdentity(path)
	if err != nil {
		t.Fatal(err)
	}
	second, err := LoadOrGenerateIdentity(path)
	if err != nil {
		t.Fatal(err)
	}
	if first.PeerID() != second.PeerID() {
		t.Fatalf("peer id changed across restarts: %s vs %s", first.PeerID(), second.PeerID())
	}
}
