// Package protocol defines the typed P2P message set and the canonical
// binary envelope they travel in.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/harveybc/doin-core/pkgs/chain"
	"github.com/harveybc/doin-core/pkgs/quorum"
	"github.com/harveybc/doin-core/pkgs/tasks"
)

// MsgType is the stable wire type code of a message.
type MsgType uint8

const (
	MsgOptimaeCommit MsgType = 0x01
	MsgOptimaeReveal MsgType = 0x02
	MsgVote          MsgType = 0x03
	MsgBlockAnnounce MsgType = 0x04
	MsgChainStatus   MsgType = 0x05
	MsgBlockRequest  MsgType = 0x06
	MsgBlockResponse MsgType = 0x07
	MsgTaskCreated   MsgType = 0x08
	MsgTaskClaimed   MsgType = 0x09
	MsgTaskCompleted MsgType = 0x0A
	MsgPeerDiscovery MsgType = 0x0B
)

func (t MsgType) String() string {
	switch t {
	case MsgOptimaeCommit:
		return "OPTIMAE_COMMIT"
	case MsgOptimaeReveal:
		return "OPTIMAE_REVEAL"
	case MsgVote:
		return "VOTE"
	case MsgBlockAnnounce:
		return "BLOCK_ANNOUNCEMENT"
	case MsgChainStatus:
		return "CHAIN_STATUS"
	case MsgBlockRequest:
		return "BLOCK_REQUEST"
	case MsgBlockResponse:
		return "BLOCK_RESPONSE"
	case MsgTaskCreated:
		return "TASK_CREATED"
	case MsgTaskClaimed:
		return "TASK_CLAIMED"
	case MsgTaskCompleted:
		return "TASK_COMPLETED"
	case MsgPeerDiscovery:
		return "PEER_DISCOVERY"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
	}
}

// Valid reports whether the type code is part of the closed set.
func (t MsgType) Valid() bool {
	return t >= MsgOptimaeCommit && t <= MsgPeerDiscovery
}

// OptimaeCommit is phase one of commit-reveal.
type OptimaeCommit struct {
	OptimaID        string  `json:"optima_id"`
	DomainID        string  `json:"domain_id"`
	OptimizerID     string  `json:"optimizer_id"`
	CommitHash      string  `json:"commit_hash"`
	ReportedMetric  float64 `json:"reported_metric"`
	Timestamp       int64   `json:"timestamp"`
	TrainingSeconds float64 `json:"training_seconds,omitempty"`
	MemoryMB        float64 `json:"memory_mb,omitempty"`
}

// OptimaeReveal is phase two of commit-reveal.
type OptimaeReveal struct {
	OptimaID   string `json:"optima_id"`
	Parameters []byte `json:"parameters"`
	Nonce      []byte `json:"nonce"`
}

// Vote carries one evaluator's measured metric for an optima.
type Vote = quorum.Vote

// BlockAnnouncement advertises a freshly generated block.
type BlockAnnouncement struct {
	Index         uint64  `json:"index"`
	BlockHash     string  `json:"block_hash"`
	PreviousHash  string  `json:"previous_hash"`
	GeneratorID   string  `json:"generator_id"`
	TxCount       int     `json:"tx_count"`
	ThresholdUsed float64 `json:"threshold_used"`
}

// ChainStatus exchanges tip info for sync negotiation.
type ChainStatus struct {
	Height          uint64 `json:"height"`
	TipHash         string `json:"tip_hash"`
	FinalizedHeight uint64 `json:"finalized_height"`
}

// MaxBlocksPerResponse caps a single BLOCK_RESPONSE.
const MaxBlocksPerResponse = 50

// BlockRequest asks for a canonical block range, inclusive.
type BlockRequest struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// BlockResponse returns requested blocks in ascending order.
type BlockResponse struct {
	Blocks  []*chain.Block `json:"blocks"`
	HasMore bool           `json:"has_more"`
}

// TaskCreated floods a new work item.
type TaskCreated struct {
	Task tasks.Task `json:"task"`
}

// TaskClaimed floods a claim on a pending task.
type TaskClaimed struct {
	TaskID string      `json:"task_id"`
	Claim  tasks.Claim `json:"claim"`
}

// TaskCompleted floods a completed task with its result hash.
type TaskCompleted struct {
	TaskID     string `json:"task_id"`
	PeerID     string `json:"peer_id"`
	DomainID   string `json:"domain_id"`
	ResultHash string `json:"result_hash"`
}

// PeerDiscovery announces a peer, its public key and its roles.
type PeerDiscovery struct {
	PeerID    string   `json:"peer_id"`
	PublicKey []byte   `json:"public_key"` // compressed secp256k1
	Addresses []string `json:"addresses,omitempty"`
	Domains   []string `json:"domains,omitempty"`
	Roles     []string `json:"roles,omitempty"`
}

// Marshal serializes a payload body for the envelope.
func Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return data, nil
}

// Unmarshal deserializes a payload body.
func Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return nil
}
