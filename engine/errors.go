package engine

import (
	"errors"
	"fmt"

	"github.com/blockberries/overlord/types"
)

// Consensus errors
var (
	ErrInvalidVote        = errors.New("invalid vote")
	ErrUnknownValidator   = errors.New("unknown validator")
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrConflictingVote    = errors.New("conflicting vote (equivocation)")
	ErrInvalidProposal    = errors.New("invalid proposal")
	ErrInvalidHeight      = errors.New("invalid height")
	ErrNotProposer        = errors.New("not the proposer for this round")
	ErrContentMismatch    = errors.New("content hash mismatch")
	ErrInvariantViolation = errors.New("consensus invariant violation")
	ErrInvalidConfig      = errors.New("invalid consensus config")
	ErrWALWrite           = errors.New("WAL write failed")
	ErrWALReplay          = errors.New("WAL replay failed")
	ErrMissingAdapter     = errors.New("missing adapter")
	ErrAlreadyStarted     = errors.New("consensus already started")
	ErrNotStarted         = errors.New("consensus not started")
	ErrInvalidMessage     = errors.New("invalid consensus message")
	ErrInvalidCommit      = errors.New("invalid committed value")
)

// ConflictingVoteError is returned when a validator signs two different
// values for the same (height, round, step). The first vote stays counted.
type ConflictingVoteError struct {
	Existing    *types.Vote
	Conflicting *types.Vote
}

func (e *ConflictingVoteError) Error() string {
	return fmt.Sprintf("%v: %s vs %s", ErrConflictingVote, e.Existing, e.Conflicting)
}

// Is reports ErrConflictingVote as the sentinel.
func (e *ConflictingVoteError) Is(target error) bool {
	return target == ErrConflictingVote
}

// Evidence converts the conflict into duplicate-vote evidence.
func (e *ConflictingVoteError) Evidence() *types.DuplicateVoteEvidence {
	return types.NewDuplicateVoteEvidence(e.Existing, e.Conflicting)
}
