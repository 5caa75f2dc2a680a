package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/blockberries/overlord/types"
)

// VoteSet tracks the votes of one (height, round, step). It is guarded by
// the owning VoteAggregator.
type VoteSet struct {
	round types.Round
	step  types.Step

	votes   map[int]*types.Vote // by validator index
	byValue map[types.Hash]*valueVotes
	sum     uint64

	// qc is the certificate for this (round, step), formed locally or
	// received; at most one ever exists
	qc *types.QuorumCertificate
}

type valueVotes struct {
	weight  uint64
	indices []int
}

func newVoteSet(round types.Round, step types.Step) *VoteSet {
	return &VoteSet{
		round:   round,
		step:    step,
		votes:   make(map[int]*types.Vote),
		byValue: make(map[types.Hash]*valueVotes),
	}
}

type roundVotes struct {
	prevotes   *VoteSet
	precommits *VoteSet
	chokes     *VoteSet
	// voters that cast any vote in this round, for round skipping
	voters map[int]struct{}
	weight uint64
}

// VoteAggregator collects the votes of one height and emits a quorum
// certificate on the vote that first crosses the quorum weight of a
// (round, step). It is discarded wholesale when the height advances.
type VoteAggregator struct {
	mu      sync.Mutex
	chainID string
	height  types.Height
	valSet  *types.ValidatorSet
	crypto  Crypto

	rounds map[types.Round]*roundVotes
}

// NewVoteAggregator creates an aggregator for height, weighing votes with vs
func NewVoteAggregator(chainID string, height types.Height, vs *types.ValidatorSet, crypto Crypto) *VoteAggregator {
	return &VoteAggregator{
		chainID: chainID,
		height:  height,
		valSet:  vs,
		crypto:  crypto,
		rounds:  make(map[types.Round]*roundVotes),
	}
}

// Height returns the aggregator's height
func (a *VoteAggregator) Height() types.Height {
	return a.height
}

// ValidatorSet returns the validator set votes are weighed with
func (a *VoteAggregator) ValidatorSet() *types.ValidatorSet {
	return a.valSet
}

// VerifyVote checks the vote's shape, voter and signature without recording it
func (a *VoteAggregator) VerifyVote(v *types.Vote) error {
	if err := v.ValidateBasic(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidVote, err)
	}
	if v.Height != a.height {
		return fmt.Errorf("%w: vote for %d, aggregating %d", ErrInvalidHeight, v.Height, a.height)
	}
	_, val := a.valSet.GetByAddress(v.Voter)
	if val == nil {
		return ErrUnknownValidator
	}
	if err := a.crypto.Verify(val.PubKey, v.SignBytes(a.chainID), v.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// AddVote verifies v and records it. See AddVerifiedVote.
func (a *VoteAggregator) AddVote(v *types.Vote) (*types.QuorumCertificate, error) {
	if err := a.VerifyVote(v); err != nil {
		return nil, err
	}
	return a.AddVerifiedVote(v)
}

// AddVerifiedVote records a vote whose signature was already checked.
//
// It returns a certificate only on the call whose vote first brings one
// value to quorum weight in the vote's (round, step). A repeated vote is a
// no-op. A second, different vote from the same voter returns
// *ConflictingVoteError and is not counted.
func (a *VoteAggregator) AddVerifiedVote(v *types.Vote) (*types.QuorumCertificate, error) {
	if v.Height != a.height {
		return nil, fmt.Errorf("%w: vote for %d, aggregating %d", ErrInvalidHeight, v.Height, a.height)
	}
	if !v.Step.IsVoteStep() {
		return nil, fmt.Errorf("%w: step %s", ErrInvalidVote, v.Step)
	}
	if v.Step == types.StepChoke && !v.IsNil() {
		return nil, fmt.Errorf("%w: choke for %s", ErrInvalidVote, v.Value.Short())
	}
	idx, val := a.valSet.GetByAddress(v.Voter)
	if val == nil {
		return nil, ErrUnknownValidator
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	rv := a.round(v.Round)
	set := rv.set(v.Step)

	if existing, ok := set.votes[idx]; ok {
		if existing.Value == v.Value {
			return nil, nil
		}
		return nil, &ConflictingVoteError{Existing: existing.Copy(), Conflicting: v.Copy()}
	}

	vote := v.Copy()
	set.votes[idx] = vote
	set.sum += val.VoteWeight
	if _, ok := rv.voters[idx]; !ok {
		rv.voters[idx] = struct{}{}
		rv.weight += val.VoteWeight
	}

	vv, ok := set.byValue[vote.Value]
	if !ok {
		vv = &valueVotes{}
		set.byValue[vote.Value] = vv
	}
	vv.weight += val.VoteWeight
	vv.indices = append(vv.indices, idx)

	if vv.weight < a.valSet.QuorumWeight() {
		return nil, nil
	}
	if set.qc != nil {
		if set.qc.Value != vote.Value {
			return nil, fmt.Errorf("%w: quorum for %s and %s at %d/%d/%s",
				ErrInvariantViolation, set.qc.Value.Short(), vote.Value.Short(), a.height, v.Round, v.Step)
		}
		return nil, nil
	}

	qc, err := a.buildQC(set, vote.Value, vv)
	if err != nil {
		return nil, err
	}
	set.qc = qc
	return qc.Copy(), nil
}

// buildQC aggregates the signatures for value in signer index order
func (a *VoteAggregator) buildQC(set *VoteSet, value types.Hash, vv *valueVotes) (*types.QuorumCertificate, error) {
	indices := append([]int(nil), vv.indices...)
	sort.Ints(indices)

	sigs := make([]types.Signature, len(indices))
	signers := make([]uint64, len(indices))
	for i, idx := range indices {
		sigs[i] = set.votes[idx].Signature
		signers[i] = uint64(idx)
	}

	agg, err := a.crypto.Aggregate(sigs)
	if err != nil {
		return nil, fmt.Errorf("aggregate signatures: %w", err)
	}
	bits, err := types.EncodeSigners(signers)
	if err != nil {
		return nil, err
	}
	return &types.QuorumCertificate{
		Height:    a.height,
		Round:     set.round,
		Step:      set.step,
		Value:     value,
		Signers:   bits,
		Signature: agg,
		Weight:    vv.weight,
	}, nil
}

// VerifyQC checks a certificate of this height against the validator set
func (a *VoteAggregator) VerifyQC(qc *types.QuorumCertificate) error {
	if qc.Height != a.height {
		return fmt.Errorf("%w: qc for %d, aggregating %d", ErrInvalidHeight, qc.Height, a.height)
	}
	return types.VerifyQC(a.chainID, a.valSet, qc, a.crypto)
}

// AddQC verifies and records a certificate. See AddVerifiedQC.
func (a *VoteAggregator) AddQC(qc *types.QuorumCertificate) (bool, error) {
	if err := a.VerifyQC(qc); err != nil {
		return false, err
	}
	return a.AddVerifiedQC(qc)
}

// AddVerifiedQC records a certificate received from a peer. It returns true
// if no certificate was known for its (round, step). A certificate for the
// same value is a no-op; one for a different value is an invariant
// violation.
func (a *VoteAggregator) AddVerifiedQC(qc *types.QuorumCertificate) (bool, error) {
	if qc.Height != a.height {
		return false, fmt.Errorf("%w: qc for %d, aggregating %d", ErrInvalidHeight, qc.Height, a.height)
	}
	if !qc.Step.IsVoteStep() {
		return false, fmt.Errorf("%w: step %s", types.ErrInvalidQC, qc.Step)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	set := a.round(qc.Round).set(qc.Step)
	if set.qc != nil {
		if set.qc.Value != qc.Value {
			return false, fmt.Errorf("%w: conflicting certificates %s and %s",
				ErrInvariantViolation, set.qc, qc)
		}
		return false, nil
	}
	set.qc = qc.Copy()
	return true, nil
}

// QC returns the certificate known for (round, step), or nil
func (a *VoteAggregator) QC(round types.Round, step types.Step) *types.QuorumCertificate {
	a.mu.Lock()
	defer a.mu.Unlock()

	rv, ok := a.rounds[round]
	if !ok {
		return nil
	}
	return rv.set(step).qc.Copy()
}

// PrevoteQC returns the prevote certificate of round, or nil
func (a *VoteAggregator) PrevoteQC(round types.Round) *types.QuorumCertificate {
	return a.QC(round, types.StepPrevote)
}

// PrecommitQC returns the precommit certificate of round, or nil
func (a *VoteAggregator) PrecommitQC(round types.Round) *types.QuorumCertificate {
	return a.QC(round, types.StepPrecommit)
}

// ChokeQC returns the choke certificate of round, or nil
func (a *VoteAggregator) ChokeQC(round types.Round) *types.QuorumCertificate {
	return a.QC(round, types.StepChoke)
}

// LatestPrevoteQC returns the highest-round non-nil prevote certificate for
// value at a round in [from, to], or nil.
func (a *VoteAggregator) LatestPrevoteQC(value types.Hash, from, to types.Round) *types.QuorumCertificate {
	a.mu.Lock()
	defer a.mu.Unlock()

	var best *types.QuorumCertificate
	for r, rv := range a.rounds {
		if r < from || r > to {
			continue
		}
		qc := rv.prevotes.qc
		if qc == nil || qc.Value != value {
			continue
		}
		if best == nil || qc.Round > best.Round {
			best = qc
		}
	}
	return best.Copy()
}

// RoundWeight returns the vote weight of distinct validators that voted in
// round, counting each validator once across both steps.
func (a *VoteAggregator) RoundWeight(round types.Round) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	if rv, ok := a.rounds[round]; ok {
		return rv.weight
	}
	return 0
}

// SkipRound returns the highest round above after in which validators with
// at least the skip weight have voted or for which a certificate is known.
func (a *VoteAggregator) SkipRound(after types.Round) (types.Round, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var (
		best  types.Round
		found bool
	)
	skip := a.valSet.SkipWeight()
	for r, rv := range a.rounds {
		if r <= after || (found && r <= best) {
			continue
		}
		if rv.weight >= skip || rv.prevotes.qc != nil || rv.precommits.qc != nil || rv.chokes.qc != nil {
			best, found = r, true
		}
	}
	return best, found
}

// DecisionQC returns a non-nil precommit certificate of any round, or nil
func (a *VoteAggregator) DecisionQC() *types.QuorumCertificate {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, rv := range a.rounds {
		if qc := rv.precommits.qc; qc != nil && !qc.IsNil() {
			return qc.Copy()
		}
	}
	return nil
}

// ConflictingDecision returns a non-nil precommit certificate of any round
// whose value differs from value, or nil
func (a *VoteAggregator) ConflictingDecision(value types.Hash) *types.QuorumCertificate {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, rv := range a.rounds {
		if qc := rv.precommits.qc; qc != nil && !qc.IsNil() && qc.Value != value {
			return qc.Copy()
		}
	}
	return nil
}

// StepWeight returns the total weight that voted in (round, step)
func (a *VoteAggregator) StepWeight(round types.Round, step types.Step) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	if rv, ok := a.rounds[round]; ok {
		return rv.set(step).sum
	}
	return 0
}

// Vote returns the vote of voter at (round, step), or nil
func (a *VoteAggregator) Vote(round types.Round, step types.Step, voter types.Address) *types.Vote {
	idx, _ := a.valSet.GetByAddress(voter)
	if idx < 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	rv, ok := a.rounds[round]
	if !ok {
		return nil
	}
	return rv.set(step).votes[idx].Copy()
}

// round returns the votes of r, creating them. Caller holds a.mu.
func (a *VoteAggregator) round(r types.Round) *roundVotes {
	rv, ok := a.rounds[r]
	if !ok {
		rv = &roundVotes{
			prevotes:   newVoteSet(r, types.StepPrevote),
			precommits: newVoteSet(r, types.StepPrecommit),
			chokes:     newVoteSet(r, types.StepChoke),
			voters:     make(map[int]struct{}),
		}
		a.rounds[r] = rv
	}
	return rv
}

func (rv *roundVotes) set(step types.Step) *VoteSet {
	switch step {
	case types.StepPrecommit:
		return rv.precommits
	case types.StepChoke:
		return rv.chokes
	}
	return rv.prevotes
}
