package types

import (
	"errors"
	"fmt"
)

const (
	// MaxValidators is the maximum number of validators in a set
	MaxValidators = 65535

	// MaxTotalWeight bounds the sum of vote (and of propose) weights so quorum
	// arithmetic cannot overflow.
	MaxTotalWeight = uint64(1) << 60
)

// Errors
var (
	ErrValidatorNotFound   = errors.New("validator not found")
	ErrDuplicateValidator  = errors.New("duplicate validator")
	ErrEmptyValidatorSet   = errors.New("empty validator set")
	ErrInvalidWeight       = errors.New("invalid validator weight")
	ErrTooManyValidators   = errors.New("too many validators")
	ErrTotalWeightOverflow = errors.New("total validator weight overflow")
	ErrInvalidPublicKey    = errors.New("invalid validator public key")
)

// Validator is one member of a validator set. ProposeWeight drives leader
// selection, VoteWeight drives quorum accounting.
type Validator struct {
	_ struct{} `cbor:",toarray"`

	Address       Address
	PubKey        PublicKey
	ProposeWeight uint64
	VoteWeight    uint64
}

// Copy returns a deep copy of the validator
func (v *Validator) Copy() *Validator {
	cp := *v
	cp.PubKey = v.PubKey.Copy()
	return &cp
}

// ValidatorSet is an immutable, ordered set of validators bound to a height.
// Index order is the order given at construction and is the order used by
// QC signer bitmaps.
type ValidatorSet struct {
	validators         []*Validator
	byAddress          map[Address]int
	totalVoteWeight    uint64
	totalProposeWeight uint64
}

// ValidatorSetData is the serializable form of a ValidatorSet
type ValidatorSetData struct {
	_ struct{} `cbor:",toarray"`

	Validators []*Validator
}

// NewValidatorSet validates and copies validators into a new set.
// A zero address is derived from the public key.
func NewValidatorSet(validators []*Validator) (*ValidatorSet, error) {
	if len(validators) == 0 {
		return nil, ErrEmptyValidatorSet
	}
	if len(validators) > MaxValidators {
		return nil, fmt.Errorf("%w: %d (max %d)", ErrTooManyValidators, len(validators), MaxValidators)
	}

	vs := &ValidatorSet{
		validators: make([]*Validator, len(validators)),
		byAddress:  make(map[Address]int, len(validators)),
	}

	for i, v := range validators {
		if v == nil || len(v.PubKey) == 0 {
			return nil, fmt.Errorf("%w: validator %d", ErrInvalidPublicKey, i)
		}
		if v.VoteWeight == 0 {
			return nil, fmt.Errorf("%w: validator %d has zero vote weight", ErrInvalidWeight, i)
		}

		val := v.Copy()
		if val.Address.IsZero() {
			val.Address = AddressFromPubKey(val.PubKey)
		}
		if _, exists := vs.byAddress[val.Address]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateValidator, val.Address)
		}

		if vs.totalVoteWeight > MaxTotalWeight-val.VoteWeight ||
			vs.totalProposeWeight > MaxTotalWeight-val.ProposeWeight {
			return nil, fmt.Errorf("%w: exceeds %d", ErrTotalWeightOverflow, MaxTotalWeight)
		}

		vs.validators[i] = val
		vs.byAddress[val.Address] = i
		vs.totalVoteWeight += val.VoteWeight
		vs.totalProposeWeight += val.ProposeWeight
	}

	if vs.totalProposeWeight == 0 {
		return nil, fmt.Errorf("%w: no validator can propose", ErrInvalidWeight)
	}

	return vs, nil
}

// ValidatorSetFromData rebuilds a set from its serialized form
func ValidatorSetFromData(data *ValidatorSetData) (*ValidatorSet, error) {
	if data == nil {
		return nil, ErrEmptyValidatorSet
	}
	return NewValidatorSet(data.Validators)
}

// ToData converts to serializable form
func (vs *ValidatorSet) ToData() *ValidatorSetData {
	return &ValidatorSetData{Validators: vs.Validators()}
}

// Size returns the number of validators
func (vs *ValidatorSet) Size() int {
	return len(vs.validators)
}

// Validators returns copies of the validators in index order
func (vs *ValidatorSet) Validators() []*Validator {
	out := make([]*Validator, len(vs.validators))
	for i, v := range vs.validators {
		out[i] = v.Copy()
	}
	return out
}

// GetByIndex returns the validator at index, or nil.
// The returned validator must not be modified.
func (vs *ValidatorSet) GetByIndex(index int) *Validator {
	if index < 0 || index >= len(vs.validators) {
		return nil
	}
	return vs.validators[index]
}

// GetByAddress returns the index and validator for addr, or (-1, nil).
// The returned validator must not be modified.
func (vs *ValidatorSet) GetByAddress(addr Address) (int, *Validator) {
	idx, ok := vs.byAddress[addr]
	if !ok {
		return -1, nil
	}
	return idx, vs.validators[idx]
}

// Has returns true if addr is a member of the set
func (vs *ValidatorSet) Has(addr Address) bool {
	_, ok := vs.byAddress[addr]
	return ok
}

// TotalVoteWeight returns W, the sum of vote weights
func (vs *ValidatorSet) TotalVoteWeight() uint64 {
	return vs.totalVoteWeight
}

// TotalProposeWeight returns the sum of propose weights
func (vs *ValidatorSet) TotalProposeWeight() uint64 {
	return vs.totalProposeWeight
}

// QuorumWeight returns the smallest weight strictly greater than 2W/3.
// 2W/3 is computed as W/3 + W/3 plus a remainder adjustment so that 2*W is
// never formed.
func (vs *ValidatorSet) QuorumWeight() uint64 {
	third := vs.totalVoteWeight / 3
	remainder := vs.totalVoteWeight % 3

	twoThirds := third + third
	if remainder == 2 {
		twoThirds++
	}

	return twoThirds + 1
}

// SkipWeight returns the smallest weight strictly greater than W/3: votes
// from that much weight at a higher round include at least one honest
// validator.
func (vs *ValidatorSet) SkipWeight() uint64 {
	return vs.totalVoteWeight/3 + 1
}

// Hash computes a deterministic hash of the set (order-sensitive, since
// index order is part of the QC format).
func (vs *ValidatorSet) Hash() Hash {
	return HashBytes(mustMarshal(vs.ToData()))
}

// Equal returns true if both sets have the same members, weights and order
func (vs *ValidatorSet) Equal(other *ValidatorSet) bool {
	if other == nil || vs.Size() != other.Size() {
		return false
	}
	return vs.Hash() == other.Hash()
}
