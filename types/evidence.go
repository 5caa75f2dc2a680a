package types

import (
	"bytes"
	"errors"
	"fmt"
)

// ErrInvalidEvidence is returned for malformed evidence
var ErrInvalidEvidence = errors.New("invalid evidence")

// Evidence is proof of Byzantine behavior by one validator
type Evidence interface {
	Height() Height
	Offender() Address
	Hash() Hash
	ValidateBasic() error
	String() string
}

// DuplicateVoteEvidence holds two distinct signed votes from one voter at the
// same (height, round, step).
type DuplicateVoteEvidence struct {
	_ struct{} `cbor:",toarray"`

	VoteA *Vote
	VoteB *Vote
}

// NewDuplicateVoteEvidence orders the votes by value so that the same pair
// always produces the same evidence hash.
func NewDuplicateVoteEvidence(a, b *Vote) *DuplicateVoteEvidence {
	if bytes.Compare(a.Value[:], b.Value[:]) > 0 {
		a, b = b, a
	}
	return &DuplicateVoteEvidence{VoteA: a.Copy(), VoteB: b.Copy()}
}

func (e *DuplicateVoteEvidence) Height() Height    { return e.VoteA.Height }
func (e *DuplicateVoteEvidence) Offender() Address { return e.VoteA.Voter }

// Hash identifies the evidence
func (e *DuplicateVoteEvidence) Hash() Hash {
	return HashBytes(mustMarshal(e))
}

// ValidateBasic checks the two votes really conflict
func (e *DuplicateVoteEvidence) ValidateBasic() error {
	if e.VoteA == nil || e.VoteB == nil {
		return fmt.Errorf("%w: missing vote", ErrInvalidEvidence)
	}
	if err := e.VoteA.ValidateBasic(); err != nil {
		return fmt.Errorf("%w: vote A: %v", ErrInvalidEvidence, err)
	}
	if err := e.VoteB.ValidateBasic(); err != nil {
		return fmt.Errorf("%w: vote B: %v", ErrInvalidEvidence, err)
	}
	if e.VoteA.HRS() != e.VoteB.HRS() {
		return fmt.Errorf("%w: votes at different height/round/step", ErrInvalidEvidence)
	}
	if e.VoteA.Voter != e.VoteB.Voter {
		return fmt.Errorf("%w: votes from different voters", ErrInvalidEvidence)
	}
	if e.VoteA.Value == e.VoteB.Value {
		return fmt.Errorf("%w: votes for the same value", ErrInvalidEvidence)
	}
	return nil
}

func (e *DuplicateVoteEvidence) String() string {
	return fmt.Sprintf("DuplicateVote{%s %s: %s vs %s}",
		e.VoteA.HRS(), e.VoteA.Voter.Short(), e.VoteA.Value.Short(), e.VoteB.Value.Short())
}

// DuplicateProposalEvidence holds two distinct signed proposals from one
// leader at the same (height, round).
type DuplicateProposalEvidence struct {
	_ struct{} `cbor:",toarray"`

	ProposalA *Proposal
	ProposalB *Proposal
}

// NewDuplicateProposalEvidence orders the proposals by content hash
func NewDuplicateProposalEvidence(a, b *Proposal) *DuplicateProposalEvidence {
	if bytes.Compare(a.ContentHash[:], b.ContentHash[:]) > 0 {
		a, b = b, a
	}
	pa, pb := a.Copy(), b.Copy()
	// The content is covered by its hash; keep evidence small.
	pa.Content, pb.Content = nil, nil
	return &DuplicateProposalEvidence{ProposalA: pa, ProposalB: pb}
}

func (e *DuplicateProposalEvidence) Height() Height    { return e.ProposalA.Height }
func (e *DuplicateProposalEvidence) Offender() Address { return e.ProposalA.Proposer }

// Hash identifies the evidence
func (e *DuplicateProposalEvidence) Hash() Hash {
	return HashBytes(mustMarshal(e))
}

// ValidateBasic checks the two proposals really conflict
func (e *DuplicateProposalEvidence) ValidateBasic() error {
	a, b := e.ProposalA, e.ProposalB
	if a == nil || b == nil {
		return fmt.Errorf("%w: missing proposal", ErrInvalidEvidence)
	}
	if a.Height != b.Height || a.Round != b.Round {
		return fmt.Errorf("%w: proposals at different height/round", ErrInvalidEvidence)
	}
	if a.Proposer != b.Proposer {
		return fmt.Errorf("%w: proposals from different proposers", ErrInvalidEvidence)
	}
	if a.SameContent(b) {
		return fmt.Errorf("%w: proposals are identical", ErrInvalidEvidence)
	}
	if len(a.Signature) == 0 || len(b.Signature) == 0 {
		return fmt.Errorf("%w: missing signature", ErrInvalidEvidence)
	}
	return nil
}

func (e *DuplicateProposalEvidence) String() string {
	return fmt.Sprintf("DuplicateProposal{%d/%d %s: %s vs %s}",
		e.ProposalA.Height, e.ProposalA.Round, e.ProposalA.Proposer.Short(),
		e.ProposalA.ContentHash.Short(), e.ProposalB.ContentHash.Short())
}
