package crypto

import (
	"crypto/sha256"
	"encoding/hex"
)

// DigestSize is the size of every hash digest in the network (SHA-256).
const DigestSize = 32

// ZeroDigest is the hex digest used for empty Merkle roots and the
// genesis previous-hash.
var ZeroDigest = hex.EncodeToString(make([]byte, DigestSize))

// Hash computes the SHA-256 digest of data.
func Hash(data []byte) [DigestSize]byte {
	return sha256.Sum256(data)
}

// HashHex computes the SHA-256 digest of data and returns it hex-encoded.
func HashHex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// HashConcatHex hashes the concatenation of the given byte slices.
func HashConcatHex(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// MerkleRoot computes the Merkle root over the canonical encodings of
// the given leaves. The last node is duplicated at odd levels. An empty
// list hashes to the zero digest.
func MerkleRoot(leaves [][]byte) string {
	if len(leaves) == 0 {
		return ZeroDigest
	}

	level := make([][DigestSize]byte, len(leaves))
	for i, leaf := range leaves {
		level[i] = sha256.Sum256(leaf)
	}

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([][DigestSize]byte, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			combined := make([]byte, 0, 2*DigestSize)
			combined = append(combined, level[i][:]...)
			combined = append(combined, level[i+1][:]...)
			next = append(next, sha256.Sum256(combined))
		}
		level = next
	}

	return hex.EncodeToString(level[0][:])
}
