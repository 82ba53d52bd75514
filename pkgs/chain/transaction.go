package chain

import (
	"fmt"
	"sort"

	"github.com/harveybc/doin-core/pkgs/crypto"
)

// TxType tags the transaction variants recorded on-chain.
type TxType uint8

const (
	TxAcceptedOptima TxType = iota + 1
	TxRejectedOptima
	TxCompletedTask
	TxReputationUpdate
	TxCoinDistribution
)

func (t TxType) String() string {
	switch t {
	case TxAcceptedOptima:
		return "accepted_optima"
	case TxRejectedOptima:
		return "rejected_optima"
	case TxCompletedTask:
		return "completed_task"
	case TxReputationUpdate:
		return "reputation_update"
	case TxCoinDistribution:
		return "coin_distribution"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Rejection reasons carried by REJECTED_OPTIMA transactions.
const (
	ReasonHashMismatch       = "hash_mismatch"
	ReasonInsufficientQuorum = "insufficient_quorum"
	ReasonReportDivergence   = "report_divergence"
	ReasonBoundsExceeded     = "bounds_exceeded"
	ReasonExpired            = "expired"
	ReasonSeedMismatch       = "seed_mismatch"
)

// Transaction is a tagged on-chain event. Exactly the fields of the
// tagged variant are populated; everything else stays zero.
type Transaction struct {
	Type      TxType `json:"type"`
	Timestamp int64  `json:"timestamp"`

	// ACCEPTED_OPTIMA
	Optima             *Optima           `json:"optima,omitempty"`
	EffectiveIncrement float64           `json:"effective_increment,omitempty"`
	RewardFraction     float64           `json:"reward_fraction,omitempty"`
	ExperimentMeta     map[string]string `json:"experiment_meta,omitempty"`

	// REJECTED_OPTIMA
	OptimaID string `json:"optima_id,omitempty"`
	Reason   string `json:"reason,omitempty"`

	// COMPLETED_TASK
	TaskID     string `json:"task_id,omitempty"`
	ResultHash string `json:"result_hash,omitempty"`

	// REPUTATION_UPDATE
	PeerID string  `json:"peer_id,omitempty"`
	Delta  float64 `json:"delta,omitempty"`

	// COIN_DISTRIBUTION: peer id -> amount in base units
	Shares map[string]uint64 `json:"shares,omitempty"`

	// DomainID set on optima and task transactions for weight tracking.
	DomainID string `json:"domain_id,omitempty"`
}

// AcceptedOptimaTx builds an ACCEPTED_OPTIMA transaction.
func AcceptedOptimaTx(o *Optima, effectiveIncrement, rewardFraction float64, meta map[string]string, ts int64) Transaction {
	return Transaction{
		Type:               TxAcceptedOptima,
		Timestamp:          ts,
		Optima:             o,
		EffectiveIncrement: effectiveIncrement,
		RewardFraction:     rewardFraction,
		ExperimentMeta:     meta,
		DomainID:           o.DomainID,
	}
}

// RejectedOptimaTx builds a REJECTED_OPTIMA transaction.
func RejectedOptimaTx(optimaID, domainID, reason string, ts int64) Transaction {
	return Transaction{
		Type:      TxRejectedOptima,
		Timestamp: ts,
		OptimaID:  optimaID,
		DomainID:  domainID,
		Reason:    reason,
	}
}

// CompletedTaskTx builds a COMPLETED_TASK transaction.
func CompletedTaskTx(taskID, domainID, peerID, resultHash string, ts int64) Transaction {
	return Transaction{
		Type:       TxCompletedTask,
		Timestamp:  ts,
		TaskID:     taskID,
		DomainID:   domainID,
		PeerID:     peerID,
		ResultHash: resultHash,
	}
}

// ReputationUpdateTx builds a REPUTATION_UPDATE transaction.
func ReputationUpdateTx(peerID string, delta float64, ts int64) Transaction {
	return Transaction{
		Type:      TxReputationUpdate,
		Timestamp: ts,
		PeerID:    peerID,
		Delta:     delta,
	}
}

// CoinDistributionTx builds a COIN_DISTRIBUTION transaction.
func CoinDistributionTx(shares map[string]uint64, ts int64) Transaction {
	return Transaction{
		Type:      TxCoinDistribution,
		Timestamp: ts,
		Shares:    shares,
	}
}

// EncodeCanonical writes the transaction in canonical form.
func (tx *Transaction) EncodeCanonical(enc *crypto.Encoder) {
	enc.U8(uint8(tx.Type))
	enc.I64(tx.Timestamp)

	switch tx.Type {
	case TxAcceptedOptima:
		tx.Optima.EncodeCanonical(enc)
		enc.F64(tx.EffectiveIncrement)
		enc.F64(tx.RewardFraction)
		enc.StringMap(tx.ExperimentMeta)
	case TxRejectedOptima:
		enc.String(tx.OptimaID)
		enc.String(tx.DomainID)
		enc.String(tx.Reason)
	case TxCompletedTask:
		enc.String(tx.TaskID)
		enc.String(tx.DomainID)
		enc.String(tx.PeerID)
		enc.String(tx.ResultHash)
	case TxReputationUpdate:
		enc.String(tx.PeerID)
		enc.F64(tx.Delta)
	case TxCoinDistribution:
		keys := make([]string, 0, len(tx.Shares))
		for k := range tx.Shares {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		enc.U32(uint32(len(keys)))
		for _, k := range keys {
			enc.String(k)
			enc.U64(tx.Shares[k])
		}
	}
}

// Canonical returns the full canonical encoding of the transaction.
func (tx *Transaction) Canonical() []byte {
	enc := crypto.NewEncoder()
	tx.EncodeCanonical(enc)
	return enc.Bytes()
}

// ID is the hex hash of the canonical encoding.
func (tx *Transaction) ID() string {
	return crypto.HashHex(tx.Canonical())
}

// DecodeTransaction reads a transaction back from canonical form.
func DecodeTransaction(dec *crypto.Decoder) (Transaction, error) {
	var tx Transaction
	tx.Type = TxType(dec.U8())
	tx.Timestamp = dec.I64()

	switch tx.Type {
	case TxAcceptedOptima:
		o := DecodeOptima(dec)
		tx.Optima = &o
		tx.EffectiveIncrement = dec.F64()
		tx.RewardFraction = dec.F64()
		tx.ExperimentMeta = dec.StringMap()
		tx.DomainID = o.DomainID
	case TxRejectedOptima:
		tx.OptimaID = dec.String()
		tx.DomainID = dec.String()
		tx.Reason = dec.String()
	case TxCompletedTask:
		tx.TaskID = dec.String()
		tx.DomainID = dec.String()
		tx.PeerID = dec.String()
		tx.ResultHash = dec.String()
	case TxReputationUpdate:
		tx.PeerID = dec.String()
		tx.Delta = dec.F64()
	case TxCoinDistribution:
		n := dec.U32()
		shares := make(map[string]uint64, n)
		for i := uint32(0); i < n && dec.Err() == nil; i++ {
			k := dec.String()
			shares[k] = dec.U64()
		}
		tx.Shares = shares
	default:
		return tx, fmt.Errorf("unknown transaction type %d", tx.Type)
	}

	return tx, dec.Err()
}
