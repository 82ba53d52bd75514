package chain

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/harveybc/doin-core/pkgs/crypto"
	"github.com/harveybc/doin-core/pkgs/doinerr"
)

// MaxClockSkew bounds how far a received block's timestamp may sit
// ahead of the local clock.
const MaxClockSkew = 2 * time.Hour

// Block is the unit of the DOIN chain. The block hash commits to
// index, previous hash, Merkle root and timestamp; the Merkle root
// commits to the canonical encoding of every transaction.
type Block struct {
	Index         uint64        `json:"index"`
	PreviousHash  string        `json:"previous_hash"`
	Timestamp     int64         `json:"timestamp"`
	Transactions  []Transaction `json:"transactions"`
	MerkleRoot    string        `json:"merkle_root"`
	ThresholdUsed float64       `json:"threshold_used"`
	GeneratorID   string        `json:"generator_id"`
	BlockHash     string        `json:"block_hash"`
}

// NewBlock assembles a block over the given transactions, computing
// the Merkle root and block hash.
func NewBlock(index uint64, previousHash string, timestamp int64, txs []Transaction, threshold float64, generatorID string) *Block {
	b := &Block{
		Index:         index,
		PreviousHash:  previousHash,
		Timestamp:     timestamp,
		Transactions:  txs,
		ThresholdUsed: threshold,
		GeneratorID:   generatorID,
	}
	b.MerkleRoot = ComputeMerkleRoot(txs)
	b.BlockHash = b.ComputeHash()
	return b
}

// Genesis returns the fixed genesis block. The Unix-epoch timestamp
// makes every node produce an identical genesis hash.
func Genesis() *Block {
	return NewBlock(0, crypto.ZeroDigest, 0, nil, 0, "genesis")
}

// ComputeMerkleRoot derives the Merkle root over the canonical
// encodings of the transactions.
func ComputeMerkleRoot(txs []Transaction) string {
	leaves := make([][]byte, len(txs))
	for i := range txs {
		leaves[i] = txs[i].Canonical()
	}
	return crypto.MerkleRoot(leaves)
}

// ComputeHash derives the block hash:
// H(index || previous_hash || merkle_root || timestamp).
func (b *Block) ComputeHash() string {
	enc := crypto.NewEncoder()
	enc.U64(b.Index)
	enc.Bytes32(mustHex(b.PreviousHash))
	enc.Bytes32(mustHex(b.MerkleRoot))
	enc.I64(b.Timestamp)
	return enc.HashHex()
}

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		return []byte(s)
	}
	return b
}

// Validate checks the block's internal invariants and its linkage to
// the parent. now is the local clock for skew checking; pass zero to
// skip the skew check (e.g. when replaying the chain log).
func (b *Block) Validate(parent *Block, now int64) error {
	if parent != nil {
		if b.Index != parent.Index+1 {
			return doinerr.Newf(doinerr.Consistency,
				"non-monotone index: block %d after parent %d", b.Index, parent.Index)
		}
		if b.PreviousHash != parent.BlockHash {
			return doinerr.Newf(doinerr.Consistency,
				"previous_hash %s does not chain to parent %s", short(b.PreviousHash), short(parent.BlockHash))
		}
		if b.Timestamp < parent.Timestamp {
			return doinerr.Newf(doinerr.Consistency,
				"timestamp %d precedes parent %d", b.Timestamp, parent.Timestamp)
		}
	}

	if root := ComputeMerkleRoot(b.Transactions); root != b.MerkleRoot {
		return doinerr.Newf(doinerr.Consistency,
			"merkle root mismatch: computed %s, header %s", short(root), short(b.MerkleRoot))
	}
	if h := b.ComputeHash(); h != b.BlockHash {
		return doinerr.Newf(doinerr.Consistency,
			"block hash mismatch: computed %s, header %s", short(h), short(b.BlockHash))
	}
	if now > 0 && b.Timestamp > now+int64(MaxClockSkew.Seconds()) {
		return doinerr.Newf(doinerr.Consistency,
			"block timestamp %d beyond allowed clock skew", b.Timestamp)
	}

	// Commit-reveal invariant for contained accepted optimae.
	for i := range b.Transactions {
		tx := &b.Transactions[i]
		if tx.Type != TxAcceptedOptima {
			continue
		}
		o := tx.Optima
		if o == nil {
			return doinerr.Newf(doinerr.Consistency, "accepted optima tx without optima body")
		}
		if !VerifyCommitHash(o.CommitHash, o.Parameters, o.Nonce) {
			return doinerr.Newf(doinerr.Consistency,
				"optima %s commit hash does not bind revealed parameters", o.ID)
		}
		if o.RevealHeight > 0 && o.CommitHeight >= o.RevealHeight {
			return doinerr.Newf(doinerr.Consistency,
				"optima %s reveal height %d does not follow commit height %d",
				o.ID, o.RevealHeight, o.CommitHeight)
		}
	}

	return nil
}

// WeightedIncrement sums the effective increments of all accepted
// optimae in the block as recorded; domain weights are not applied.
func (b *Block) WeightedIncrement() float64 {
	total := 0.0
	for i := range b.Transactions {
		if b.Transactions[i].Type == TxAcceptedOptima {
			total += b.Transactions[i].EffectiveIncrement
		}
	}
	return total
}

// EncodeCanonical writes the whole block in canonical form, suitable
// for the chain log.
func (b *Block) EncodeCanonical(enc *crypto.Encoder) {
	enc.U64(b.Index)
	enc.Bytes32(mustHex(b.PreviousHash))
	enc.I64(b.Timestamp)
	enc.Bytes32(mustHex(b.MerkleRoot))
	enc.F64(b.ThresholdUsed)
	enc.String(b.GeneratorID)
	enc.Bytes32(mustHex(b.BlockHash))
	enc.U32(uint32(len(b.Transactions)))
	for i := range b.Transactions {
		b.Transactions[i].EncodeCanonical(enc)
	}
}

// Canonical returns the block's canonical encoding.
func (b *Block) Canonical() []byte {
	enc := crypto.NewEncoder()
	b.EncodeCanonical(enc)
	return enc.Bytes()
}

// DecodeBlock reads a block back from canonical form.
func DecodeBlock(data []byte) (*Block, error) {
	dec := crypto.NewDecoder(data)
	b := &Block{}
	b.Index = dec.U64()
	prev := dec.Bytes32()
	b.PreviousHash = hex.EncodeToString(prev[:])
	b.Timestamp = dec.I64()
	root := dec.Bytes32()
	b.MerkleRoot = hex.EncodeToString(root[:])
	b.ThresholdUsed = dec.F64()
	b.GeneratorID = dec.String()
	hash := dec.Bytes32()
	b.BlockHash = hex.EncodeToString(hash[:])

	n := dec.U32()
	b.Transactions = make([]Transaction, 0, n)
	for i := uint32(0); i < n; i++ {
		tx, err := DecodeTransaction(dec)
		if err != nil {
			return nil, fmt.Errorf("failed to decode transaction %d of block %d: %w", i, b.Index, err)
		}
		b.Transactions = append(b.Transactions, tx)
	}
	if err := dec.Err(); err != nil {
		return nil, fmt.Errorf("failed to decode block: %w", err)
	}
	return b, nil
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
