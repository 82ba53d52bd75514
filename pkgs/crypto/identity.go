package crypto

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	log "github.com/sirupsen/logrus"
)

// SignatureSize is the length of a wire signature (secp256k1 R || S).
const SignatureSize = 64

// PeerIDSize is the length of a hex peer identifier (20 bytes).
const PeerIDSize = 40

// Identity is a peer's cryptographic identity. The peer ID is derived
// from the SHA-256 hash of the compressed public key and is stable
// across restarts when the key is persisted.
type Identity struct {
	privateKey *ecdsa.PrivateKey
	peerID     string
}

// NewIdentity wraps an existing secp256k1 private key.
func NewIdentity(privateKey *ecdsa.PrivateKey) *Identity {
	return &Identity{
		privateKey: privateKey,
		peerID:     PeerIDFromPublicKey(&privateKey.PublicKey),
	}
}

// GenerateIdentity creates a fresh random identity.
func GenerateIdentity() (*Identity, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity key: %w", err)
	}
	return NewIdentity(key), nil
}

// IdentityFromHex loads an identity from a hex-encoded private key.
func IdentityFromHex(privKeyHex string) (*Identity, error) {
	privKeyHex = strings.TrimPrefix(strings.TrimSpace(privKeyHex), "0x")
	key, err := ethcrypto.HexToECDSA(privKeyHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key hex: %w", err)
	}
	return NewIdentity(key), nil
}

// LoadOrGenerateIdentity loads the identity key from path, or generates
// and persists a new one. Keeping the key on disk ensures the same peer
// ID persists across restarts.
func LoadOrGenerateIdentity(path string) (*Identity, error) {
	if data, err := os.ReadFile(path); err == nil {
		identity, err := IdentityFromHex(string(data))
		if err != nil {
			return nil, fmt.Errorf("failed to load identity from %s: %w", path, err)
		}
		log.Infof("Loaded identity %s from %s", identity.PeerID(), path)
		return identity, nil
	}

	identity, err := GenerateIdentity()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create identity dir: %w", err)
	}
	keyHex := hex.EncodeToString(ethcrypto.FromECDSA(identity.privateKey))
	if err := os.WriteFile(path, []byte(keyHex), 0o600); err != nil {
		return nil, fmt.Errorf("failed to persist identity key: %w", err)
	}

	log.Infof("Generated new identity %s, key saved to %s", identity.PeerID(), path)
	return identity, nil
}

// PeerID returns the peer's unique identifier (hex SHA-256 of the
// compressed public key, truncated to 20 bytes).
func (id *Identity) PeerID() string {
	return id.peerID
}

// PublicKey returns the peer's public key.
func (id *Identity) PublicKey() *ecdsa.PublicKey {
	return &id.privateKey.PublicKey
}

// PublicKeyBytes returns the compressed public key bytes.
func (id *Identity) PublicKeyBytes() []byte {
	return ethcrypto.CompressPubkey(&id.privateKey.PublicKey)
}

// Sign signs the SHA-256 digest of data and returns a 64-byte R || S
// signature.
func (id *Identity) Sign(data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	sig, err := ethcrypto.Sign(digest[:], id.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	// Drop the recovery byte; verification goes through the peer registry.
	return sig[:SignatureSize], nil
}

// Verify checks a 64-byte signature over data against a compressed
// public key.
func Verify(compressedPubKey, data, sig []byte) bool {
	if len(sig) < SignatureSize {
		return false
	}
	digest := sha256.Sum256(data)
	return ethcrypto.VerifySignature(compressedPubKey, digest[:], sig[:SignatureSize])
}

// PeerIDFromPublicKey derives a peer ID from a public key.
func PeerIDFromPublicKey(pub *ecdsa.PublicKey) string {
	digest := sha256.Sum256(ethcrypto.CompressPubkey(pub))
	return hex.EncodeToString(digest[:])[:PeerIDSize]
}

// PeerIDFromCompressed derives a peer ID from compressed public key bytes.
func PeerIDFromCompressed(compressed []byte) string {
	digest := sha256.Sum256(compressed)
	return hex.EncodeToString(digest[:])[:PeerIDSize]
}

// PeerIDTo32 zero-pads a hex peer ID to the fixed 32-byte wire form.
func PeerIDTo32(peerID string) [32]byte {
	var out [32]byte
	decoded, err := hex.DecodeString(peerID)
	if err != nil {
		copy(out[:], peerID)
		return out
	}
	copy(out[:], decoded)
	return out
}

// PeerIDFrom32 recovers the hex peer ID from its 32-byte wire form.
func PeerIDFrom32(b [32]byte) string {
	return hex.EncodeToString(b[:PeerIDSize/2])
}
