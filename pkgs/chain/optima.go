package chain

import (
	"github.com/google/uuid"

	"github.com/harveybc/doin-core/pkgs/crypto"
)

// OptimaStatus is the lifecycle state of an optima. Terminal states are
// immutable and recorded in exactly one block.
type OptimaStatus string

const (
	OptimaCommitted OptimaStatus = "COMMITTED"
	OptimaRevealed  OptimaStatus = "REVEALED"
	OptimaVoting    OptimaStatus = "VOTING"
	OptimaAccepted  OptimaStatus = "ACCEPTED"
	OptimaRejected  OptimaStatus = "REJECTED"
	OptimaExpired   OptimaStatus = "EXPIRED"
)

// Optima is a unit of optimization work moving through commit-reveal
// and quorum verification.
type Optima struct {
	ID             string       `json:"id"`
	DomainID       string       `json:"domain_id"`
	OptimizerID    string       `json:"optimizer_id"`
	CommitHash     string       `json:"commit_hash"`
	ReportedMetric float64      `json:"reported_metric"`
	Timestamp      int64        `json:"timestamp"`
	Status         OptimaStatus `json:"status"`

	// Populated after reveal.
	Parameters []byte `json:"parameters,omitempty"`
	Nonce      []byte `json:"nonce,omitempty"`

	// Block heights establishing commit-reveal ordering on-chain.
	CommitHeight uint64 `json:"commit_height"`
	RevealHeight uint64 `json:"reveal_height,omitempty"`
}

// NewOptimaID returns a fresh optima identifier.
func NewOptimaID() string {
	return uuid.New().String()
}

// ComputeCommitHash binds parameters and nonce:
// H(canonical(parameters) || nonce).
func ComputeCommitHash(parameters, nonce []byte) string {
	enc := crypto.NewEncoder()
	enc.VarBytes(parameters)
	return crypto.HashConcatHex(enc.Bytes(), nonce)
}

// VerifyCommitHash checks a reveal against its commitment.
func VerifyCommitHash(commitHash string, parameters, nonce []byte) bool {
	return ComputeCommitHash(parameters, nonce) == commitHash
}

// EncodeCanonical writes the optima's consensus fields in canonical form.
func (o *Optima) EncodeCanonical(enc *crypto.Encoder) {
	enc.String(o.ID)
	enc.String(o.DomainID)
	enc.String(o.OptimizerID)
	enc.String(o.CommitHash)
	enc.F64(o.ReportedMetric)
	enc.I64(o.Timestamp)
	enc.VarBytes(o.Parameters)
	enc.VarBytes(o.Nonce)
	enc.U64(o.CommitHeight)
	enc.U64(o.RevealHeight)
}

// DecodeOptima reads an optima back from canonical form.
func DecodeOptima(dec *crypto.Decoder) Optima {
	var o Optima
	o.ID = dec.String()
	o.DomainID = dec.String()
	o.OptimizerID = dec.String()
	o.CommitHash = dec.String()
	o.ReportedMetric = dec.F64()
	o.Timestamp = dec.I64()
	o.Parameters = dec.VarBytes()
	o.Nonce = dec.VarBytes()
	o.CommitHeight = dec.U64()
	o.RevealHeight = dec.U64()
	return o
}

// Terminal reports whether the optima has reached an immutable state.
func (s OptimaStatus) Terminal() bool {
	return s == OptimaAccepted || s == OptimaRejected || s == OptimaExpired
}
