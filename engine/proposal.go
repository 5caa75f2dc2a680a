package engine

import (
	"fmt"
	"sync"

	"github.com/blockberries/overlord/leader"
	"github.com/blockberries/overlord/types"
)

// ProposalManager validates, stores and builds the proposals of one height.
// Validation only reads immutable fields and may run on any goroutine.
type ProposalManager struct {
	chainID  string
	height   types.Height
	valSet   *types.ValidatorSet
	selector leader.Selector
	crypto   Crypto

	mu        sync.Mutex
	proposals map[types.Round]*types.Proposal
	contents  map[types.Hash][]byte
}

// NewProposalManager creates the manager for height
func NewProposalManager(chainID string, height types.Height, vs *types.ValidatorSet, sel leader.Selector, crypto Crypto) *ProposalManager {
	return &ProposalManager{
		chainID:   chainID,
		height:    height,
		valSet:    vs,
		selector:  sel,
		crypto:    crypto,
		proposals: make(map[types.Round]*types.Proposal),
		contents:  make(map[types.Hash][]byte),
	}
}

// Leader returns the expected proposer of round
func (pm *ProposalManager) Leader(round types.Round) types.Address {
	return pm.selector.Leader(pm.height, round, pm.valSet)
}

// ValidateProposal checks a proposal of this height: shape, proposer,
// signature, content hash and, for re-proposals, the proof of lock.
func (pm *ProposalManager) ValidateProposal(p *types.Proposal) error {
	if p == nil {
		return fmt.Errorf("%w: nil proposal", ErrInvalidProposal)
	}
	if p.Height != pm.height {
		return fmt.Errorf("%w: proposal for %d, deciding %d", ErrInvalidHeight, p.Height, pm.height)
	}
	if err := p.ValidateBasic(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProposal, err)
	}
	if expected := pm.Leader(p.Round); p.Proposer != expected {
		return fmt.Errorf("%w: round %d expects %s, got %s", ErrNotProposer, p.Round, expected.Short(), p.Proposer.Short())
	}
	_, val := pm.valSet.GetByAddress(p.Proposer)
	if val == nil {
		return ErrUnknownValidator
	}
	if err := pm.crypto.Verify(val.PubKey, p.SignBytes(pm.chainID), p.Signature); err != nil {
		return fmt.Errorf("%w: proposal: %v", ErrInvalidSignature, err)
	}
	if h := pm.crypto.Hash(p.Content); h != p.ContentHash {
		return fmt.Errorf("%w: declared %s, content hashes to %s", ErrContentMismatch, p.ContentHash.Short(), h.Short())
	}
	if p.HasPOL() {
		if err := types.VerifyQC(pm.chainID, pm.valSet, p.POL, pm.crypto); err != nil {
			return fmt.Errorf("%w: proof of lock: %v", ErrInvalidProposal, err)
		}
	}
	return nil
}

// AddProposal stores a validated proposal. It returns false for a repeat of
// the stored proposal of that round. A different proposal for an occupied
// round is not stored and is returned as evidence.
func (pm *ProposalManager) AddProposal(p *types.Proposal) (bool, *types.DuplicateProposalEvidence) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if existing, ok := pm.proposals[p.Round]; ok {
		if existing.SameContent(p) {
			return false, nil
		}
		return false, types.NewDuplicateProposalEvidence(existing, p)
	}

	cp := p.Copy()
	pm.proposals[p.Round] = cp
	pm.contents[cp.ContentHash] = cp.Content
	return true, nil
}

// Get returns the stored proposal of round, or nil
func (pm *ProposalManager) Get(round types.Round) *types.Proposal {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.proposals[round].Copy()
}

// Content returns the content of any stored proposal with hash value
func (pm *ProposalManager) Content(value types.Hash) ([]byte, bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	c, ok := pm.contents[value]
	return c, ok
}

// Reproposal builds the proposal for round from a held value: the valid
// value if any, else the locked one, with the prevote certificate of its
// round as proof of lock. It returns nil when nothing is held or the
// certificate is unknown.
func (pm *ProposalManager) Reproposal(round types.Round, proposer types.Address, lock *LockedState, agg *VoteAggregator) *types.Proposal {
	var (
		vr    int32
		value types.Hash
	)
	switch {
	case lock.HasValid():
		vr, value = lock.ValidRound, lock.ValidValue
	case lock.IsLocked():
		vr, value = lock.LockedRound, lock.LockedValue
	default:
		return nil
	}
	if vr >= int32(round) {
		return nil
	}
	content, ok := lock.Content(value)
	if !ok {
		if content, ok = pm.Content(value); !ok {
			return nil
		}
	}

	pol := agg.PrevoteQC(types.Round(vr))
	if pol == nil || pol.Value != value {
		return nil
	}
	return &types.Proposal{
		Height:      pm.height,
		Round:       round,
		Content:     content,
		ContentHash: value,
		Proposer:    proposer,
		ValidRound:  vr,
		POL:         pol,
	}
}

// NewProposal builds a fresh, unsigned proposal for content
func (pm *ProposalManager) NewProposal(round types.Round, proposer types.Address, content []byte) *types.Proposal {
	return &types.Proposal{
		Height:      pm.height,
		Round:       round,
		Content:     content,
		ContentHash: pm.crypto.Hash(content),
		Proposer:    proposer,
		ValidRound:  types.NoValidRound,
	}
}
