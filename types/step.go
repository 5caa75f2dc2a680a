package types

import "fmt"

// Height identifies one instance of the decision problem.
type Height uint64

// Round is one attempt within a height. It resets to 0 at each new height.
type Round uint32

// Step is a sub-phase of a round. Steps are totally ordered within a round.
type Step uint8

const (
	StepPropose Step = iota
	StepPrevote
	StepPrecommit
	StepCommit

	// StepChoke is a vote kind, never a controller step. A validator signs a
	// nil choke for a round it leaves without a decision; a quorum of chokes
	// lets lagging validators move past that round.
	StepChoke
)

func (s Step) String() string {
	switch s {
	case StepPropose:
		return "propose"
	case StepPrevote:
		return "prevote"
	case StepPrecommit:
		return "precommit"
	case StepCommit:
		return "commit"
	case StepChoke:
		return "choke"
	default:
		return fmt.Sprintf("step(%d)", uint8(s))
	}
}

// IsVoteStep returns true for the steps that carry votes
func (s Step) IsVoteStep() bool {
	return s == StepPrevote || s == StepPrecommit || s == StepChoke
}

// HRS is a (height, round, step) triple. Comparisons follow lexicographic order.
type HRS struct {
	Height Height
	Round  Round
	Step   Step
}

// Compare returns -1, 0 or 1 as hrs is before, equal to or after other
func (hrs HRS) Compare(other HRS) int {
	switch {
	case hrs.Height < other.Height:
		return -1
	case hrs.Height > other.Height:
		return 1
	case hrs.Round < other.Round:
		return -1
	case hrs.Round > other.Round:
		return 1
	case hrs.Step < other.Step:
		return -1
	case hrs.Step > other.Step:
		return 1
	}
	return 0
}

func (hrs HRS) String() string {
	return fmt.Sprintf("%d/%d/%s", hrs.Height, hrs.Round, hrs.Step)
}
