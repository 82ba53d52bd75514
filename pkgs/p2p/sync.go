package p2p

import (
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
	log "github.com/sirupsen/logrus"

	"github.com/harveybc/doin-core/pkgs/chain"
	"github.com/harveybc/doin-core/pkgs/protocol"
)

// Syncer drives the block sync handshake: on seeing an announcement
// ahead of the local tip it exchanges CHAIN_STATUS and requests the
// missing range in bounded chunks, validating every block before
// append.
type Syncer struct {
	mu    sync.Mutex
	flood *Flood
	store *chain.Store

	syncing      bool
	targetHeight uint64

	// onBlock lets the node apply side effects (threshold observation,
	// finality, weights) for each appended block.
	onBlock func(*chain.Block)
	nowUnix func() int64
}

// NewSyncer creates a syncer over the flood protocol and chain store.
func NewSyncer(flood *Flood, store *chain.Store, onBlock func(*chain.Block), nowUnix func() int64) *Syncer {
	return &Syncer{flood: flood, store: store, onBlock: onBlock, nowUnix: nowUnix}
}

// Syncing reports whether a catch-up is in progress.
func (s *Syncer) Syncing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncing
}

// OnAnnouncement handles a BLOCK_ANNOUNCEMENT. An announcement exactly
// one ahead is left to the regular block flood path; anything further
// ahead starts a range sync.
func (s *Syncer) OnAnnouncement(ann protocol.BlockAnnouncement) {
	local := s.store.Height()
	if ann.Index <= local+1 {
		return
	}

	s.mu.Lock()
	if s.syncing && ann.Index <= s.targetHeight {
		s.mu.Unlock()
		return
	}
	s.syncing = true
	s.targetHeight = ann.Index
	s.mu.Unlock()

	log.Infof("Behind by %d block(s) (local %d, announced %d), starting sync",
		ann.Index-local, local, ann.Index)
	s.publishStatus()
	s.requestNextRange()
}

// OnStatus answers a peer's CHAIN_STATUS: if they are behind and we
// are ahead, nothing to do (they will request); if we are behind,
// request the gap.
func (s *Syncer) OnStatus(status protocol.ChainStatus) {
	local := s.store.Height()
	if status.Height > local {
		s.mu.Lock()
		if !s.syncing || status.Height > s.targetHeight {
			s.syncing = true
			s.targetHeight = status.Height
		}
		s.mu.Unlock()
		s.requestNextRange()
	}
}

// OnRequest serves a BLOCK_REQUEST from the canonical chain, capped at
// MaxBlocksPerResponse.
func (s *Syncer) OnRequest(req protocol.BlockRequest) {
	if req.To < req.From {
		return
	}
	to := req.To
	if to-req.From+1 > protocol.MaxBlocksPerResponse {
		to = req.From + protocol.MaxBlocksPerResponse - 1
	}

	blocks := s.store.Range(req.From, to)
	if len(blocks) == 0 {
		return
	}
	resp := protocol.BlockResponse{
		Blocks:  blocks,
		HasMore: s.store.Height() > to,
	}
	payload, err := protocol.Marshal(resp)
	if err != nil {
		log.WithError(err).Error("Failed to marshal block response")
		return
	}
	if _, err := s.flood.Publish(protocol.MsgBlockResponse, payload); err != nil {
		log.WithError(err).Error("Failed to publish block response")
	}
}

// OnResponse validates and appends each received block in order. A
// peer serving an invalid block is marked untrusted.
func (s *Syncer) OnResponse(resp protocol.BlockResponse, from peer.ID) {
	for _, b := range resp.Blocks {
		if b.Index <= s.store.Height() {
			continue // already have it
		}
		if b.Index != s.store.Height()+1 {
			break // gap; wait for the missing range
		}
		if err := s.store.Append(b, s.nowUnix()); err != nil {
			log.WithError(err).Errorf("Rejecting invalid sync block %d from %s", b.Index, from.ShortString())
			s.flood.MarkUntrusted(from)
			return
		}
		if s.onBlock != nil {
			s.onBlock(b)
		}
	}

	s.mu.Lock()
	done := s.store.Height() >= s.targetHeight
	if done {
		s.syncing = false
	}
	s.mu.Unlock()

	if done {
		log.Infof("Sync complete at height %d", s.store.Height())
	} else {
		s.requestNextRange()
	}
}

// publishStatus floods our chain status.
func (s *Syncer) publishStatus() {
	status := protocol.ChainStatus{
		Height:          s.store.Height(),
		TipHash:         s.store.TipHash(),
		FinalizedHeight: s.store.FinalizedHeight(),
	}
	payload, err := protocol.Marshal(status)
	if err != nil {
		return
	}
	if _, err := s.flood.Publish(protocol.MsgChainStatus, payload); err != nil {
		log.WithError(err).Debug("Failed to publish chain status")
	}
}

// requestNextRange asks for the next missing chunk.
func (s *Syncer) requestNextRange() {
	s.mu.Lock()
	target := s.targetHeight
	s.mu.Unlock()

	from := s.store.Height() + 1
	if from > target {
		return
	}
	to := from + protocol.MaxBlocksPerResponse - 1
	if to > target {
		to = target
	}

	payload, err := protocol.Marshal(protocol.BlockRequest{From: from, To: to})
	if err != nil {
		return
	}
	if _, err := s.flood.Publish(protocol.MsgBlockRequest, payload); err != nil {
		log.WithError(err).Error("Failed to publish block request")
	}
	log.Debugf("Requested blocks [%d, %d]", from, to)
}
