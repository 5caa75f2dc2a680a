package engine

import (
	"github.com/blockberries/overlord/types"
)

// LockedState is the safety state of one height. The lock only moves to
// higher rounds; it is cleared when the height is committed.
type LockedState struct {
	LockedRound   int32
	LockedValue   types.Hash
	LockedContent []byte

	ValidRound   int32
	ValidValue   types.Hash
	ValidContent []byte
}

// NewLockedState returns an unlocked state
func NewLockedState() LockedState {
	return LockedState{
		LockedRound: types.NoValidRound,
		ValidRound:  types.NoValidRound,
	}
}

// IsLocked returns true once a value has been locked at this height
func (l *LockedState) IsLocked() bool {
	return l.LockedRound >= 0
}

// HasValid returns true if a value with a known prevote quorum is held
func (l *LockedState) HasValid() bool {
	return l.ValidRound >= 0
}

// Lock locks value at round. Locks at or below the current lock round are
// ignored, which keeps the lock monotonic.
func (l *LockedState) Lock(round types.Round, value types.Hash, content []byte) bool {
	if int32(round) <= l.LockedRound {
		return false
	}
	l.LockedRound = int32(round)
	l.LockedValue = value
	l.LockedContent = content
	return true
}

// SetValid records value as the most recent value with a prevote quorum
func (l *LockedState) SetValid(round types.Round, value types.Hash, content []byte) bool {
	if int32(round) <= l.ValidRound {
		return false
	}
	l.ValidRound = int32(round)
	l.ValidValue = value
	l.ValidContent = content
	return true
}

// AllowsPrevote decides whether a proposal for value may be prevoted.
// polRound is the highest round below the current one with a prevote quorum
// for value, either the proposal's valid round or a certificate this node
// saw; NoValidRound if there is none.
func (l *LockedState) AllowsPrevote(value types.Hash, polRound int32) bool {
	if !l.IsLocked() || l.LockedValue == value {
		return true
	}
	return polRound > l.LockedRound
}

// Content returns the content held for value, if any
func (l *LockedState) Content(value types.Hash) ([]byte, bool) {
	switch {
	case l.IsLocked() && l.LockedValue == value && l.LockedContent != nil:
		return l.LockedContent, true
	case l.HasValid() && l.ValidValue == value && l.ValidContent != nil:
		return l.ValidContent, true
	}
	return nil, false
}
