package types

import (
	"errors"
	"fmt"
)

// Errors
var (
	ErrInvalidVote     = errors.New("invalid vote")
	ErrInvalidProposal = errors.New("invalid proposal")
)

// Vote is a signed prevote, precommit or choke. A zero Value is a vote for
// nil; chokes are always nil.
type Vote struct {
	_ struct{} `cbor:",toarray"`

	Height    Height
	Round     Round
	Step      Step
	Voter     Address
	Value     Hash
	Signature Signature
}

// canonicalVote is what validators sign. The voter is left out so every
// validator signs the same bytes for the same (height, round, step, value),
// which is what makes the signatures aggregatable into a QC.
type canonicalVote struct {
	_ struct{} `cbor:",toarray"`

	ChainID string
	Height  Height
	Round   Round
	Step    Step
	Value   Hash
}

// VoteSignBytes returns the bytes signed by every voter for the given
// (height, round, step, value).
func VoteSignBytes(chainID string, height Height, round Round, step Step, value Hash) []byte {
	return mustMarshal(&canonicalVote{
		ChainID: chainID,
		Height:  height,
		Round:   round,
		Step:    step,
		Value:   value,
	})
}

// SignBytes returns the bytes to sign for this vote
func (v *Vote) SignBytes(chainID string) []byte {
	return VoteSignBytes(chainID, v.Height, v.Round, v.Step, v.Value)
}

// IsNil returns true if the vote is for nil
func (v *Vote) IsNil() bool {
	return v.Value.IsNil()
}

// HRS returns the vote's (height, round, step)
func (v *Vote) HRS() HRS {
	return HRS{Height: v.Height, Round: v.Round, Step: v.Step}
}

// ValidateBasic performs stateless checks
func (v *Vote) ValidateBasic() error {
	if v == nil {
		return fmt.Errorf("%w: nil vote", ErrInvalidVote)
	}
	if !v.Step.IsVoteStep() {
		return fmt.Errorf("%w: step %s", ErrInvalidVote, v.Step)
	}
	if v.Step == StepChoke && !v.IsNil() {
		return fmt.Errorf("%w: choke for %s", ErrInvalidVote, v.Value.Short())
	}
	if v.Voter.IsZero() {
		return fmt.Errorf("%w: empty voter", ErrInvalidVote)
	}
	if len(v.Signature) == 0 {
		return fmt.Errorf("%w: missing signature", ErrInvalidVote)
	}
	return nil
}

// SameBallot returns true if both votes are from the same voter for the same
// (height, round, step) and value. Signatures are not compared.
func (v *Vote) SameBallot(other *Vote) bool {
	return v.Height == other.Height &&
		v.Round == other.Round &&
		v.Step == other.Step &&
		v.Voter == other.Voter &&
		v.Value == other.Value
}

// Copy returns a deep copy of the vote
func (v *Vote) Copy() *Vote {
	if v == nil {
		return nil
	}
	cp := *v
	cp.Signature = v.Signature.Copy()
	return &cp
}

func (v *Vote) String() string {
	return fmt.Sprintf("Vote{%s %s %s}", v.HRS(), v.Voter.Short(), v.Value.Short())
}
