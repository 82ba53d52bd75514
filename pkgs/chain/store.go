package chain

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/harveybc/doin-core/pkgs/doinerr"
)

// Store holds the chain in memory, indexed by both height and block
// hash, plus any competing fork tips. All mutation happens on the node
// main loop; the mutex only guards read access from the API and
// metrics goroutines.
type Store struct {
	mu sync.RWMutex

	byHash   map[string]*Block
	canon    []string // height -> block hash on the canonical chain
	parentOf map[string]string

	finalizedHeight uint64
	tips            map[string]struct{} // competing tips besides the canonical one
}

// NewStore creates a store seeded with the genesis block.
func NewStore() *Store {
	genesis := Genesis()
	s := &Store{
		byHash:   map[string]*Block{genesis.BlockHash: genesis},
		canon:    []string{genesis.BlockHash},
		parentOf: map[string]string{},
		tips:     map[string]struct{}{},
	}
	return s
}

// Height returns the canonical chain height (genesis = 0).
func (s *Store) Height() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.canon) - 1)
}

// TipHash returns the canonical tip hash.
func (s *Store) TipHash() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.canon[len(s.canon)-1]
}

// Tip returns the canonical tip block.
func (s *Store) Tip() *Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byHash[s.canon[len(s.canon)-1]]
}

// FinalizedHeight returns the height at or below which no block may be
// reverted.
func (s *Store) FinalizedHeight() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.finalizedHeight
}

// SetFinalizedHeight advances finality. Finality never moves backwards.
func (s *Store) SetFinalizedHeight(h uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h > s.finalizedHeight {
		s.finalizedHeight = h
	}
}

// ByHash returns the block with the given hash, canonical or not.
func (s *Store) ByHash(hash string) (*Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.byHash[hash]
	return b, ok
}

// AtHeight returns the canonical block at the given height.
func (s *Store) AtHeight(h uint64) (*Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if h >= uint64(len(s.canon)) {
		return nil, false
	}
	return s.byHash[s.canon[h]], true
}

// Range returns canonical blocks in [from, to], clamped to the chain.
func (s *Store) Range(from, to uint64) []*Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if from >= uint64(len(s.canon)) {
		return nil
	}
	if to >= uint64(len(s.canon)) {
		to = uint64(len(s.canon) - 1)
	}
	out := make([]*Block, 0, to-from+1)
	for h := from; h <= to; h++ {
		out = append(out, s.byHash[s.canon[h]])
	}
	return out
}

// Append validates the block against the canonical tip and appends it.
func (s *Store) Append(b *Block, now int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tip := s.byHash[s.canon[len(s.canon)-1]]
	if err := b.Validate(tip, now); err != nil {
		return err
	}

	s.byHash[b.BlockHash] = b
	s.parentOf[b.BlockHash] = b.PreviousHash
	s.canon = append(s.canon, b.BlockHash)
	return nil
}

// AddSideBlock records a non-canonical block (a fork candidate). The
// block must chain to a known block at or above the finalized height.
func (s *Store) AddSideBlock(b *Block, now int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.byHash[b.PreviousHash]
	if !ok {
		return doinerr.Newf(doinerr.Consistency, "side block %s has unknown parent", short(b.BlockHash))
	}
	if parent.Index < s.finalizedHeight {
		return doinerr.Newf(doinerr.Consistency,
			"fork branching at height %d crosses finalized height %d", parent.Index, s.finalizedHeight)
	}
	if err := b.Validate(parent, now); err != nil {
		return err
	}

	s.byHash[b.BlockHash] = b
	s.parentOf[b.BlockHash] = b.PreviousHash
	delete(s.tips, b.PreviousHash)
	s.tips[b.BlockHash] = struct{}{}
	return nil
}

// Tips returns competing fork tips (excluding the canonical tip).
func (s *Store) Tips() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.tips))
	for t := range s.tips {
		out = append(out, t)
	}
	return out
}

// BranchTo walks back from tipHash to the canonical chain and returns
// the fork point height and the branch blocks in ascending order.
func (s *Store) BranchTo(tipHash string) (uint64, []*Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var branch []*Block
	cur := tipHash
	for {
		b, ok := s.byHash[cur]
		if !ok {
			return 0, nil, doinerr.Newf(doinerr.Consistency, "branch walk hit unknown block %s", short(cur))
		}
		if b.Index < uint64(len(s.canon)) && s.canon[b.Index] == b.BlockHash {
			// Reached the canonical chain.
			for i, j := 0, len(branch)-1; i < j; i, j = i+1, j-1 {
				branch[i], branch[j] = branch[j], branch[i]
			}
			return b.Index, branch, nil
		}
		branch = append(branch, b)
		cur = b.PreviousHash
	}
}

// Reorg replaces the canonical chain above forkHeight with the given
// branch. Refuses to cross finality; the swap is all-or-nothing.
func (s *Store) Reorg(forkHeight uint64, branch []*Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if forkHeight < s.finalizedHeight {
		return doinerr.Newf(doinerr.Consistency,
			"reorg to height %d would cross finalized height %d", forkHeight, s.finalizedHeight)
	}

	// Validate linkage of the whole branch before touching the canon index.
	parent := s.byHash[s.canon[forkHeight]]
	for _, b := range branch {
		if err := b.Validate(parent, 0); err != nil {
			return err
		}
		parent = b
	}

	abandoned := append([]string(nil), s.canon[forkHeight+1:]...)
	s.canon = s.canon[:forkHeight+1]
	for _, b := range branch {
		s.byHash[b.BlockHash] = b
		s.parentOf[b.BlockHash] = b.PreviousHash
		s.canon = append(s.canon, b.BlockHash)
		delete(s.tips, b.BlockHash)
	}
	if len(abandoned) > 0 {
		s.tips[abandoned[len(abandoned)-1]] = struct{}{}
	}

	log.Infof("Reorged %d block(s) above height %d, new tip %s",
		len(abandoned), forkHeight, short(s.canon[len(s.canon)-1]))
	return nil
}

// CanonicalHashes returns the block hashes of the canonical chain in
// order, for state-root comparison and anchoring.
func (s *Store) CanonicalHashes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.canon))
	copy(out, s.canon)
	return out
}

// IsCanonical reports whether the hash sits on the canonical chain.
func (s *Store) IsCanonical(hash string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.byHash[hash]
	if !ok {
		return false
	}
	return b.Index < uint64(len(s.canon)) && s.canon[b.Index] == hash
}
