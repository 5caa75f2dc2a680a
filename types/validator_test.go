package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeValidator(seed byte, weight uint64) *Validator {
	pub := make([]byte, PublicKeySize)
	pub[0] = seed
	return &Validator{
		PubKey:        PublicKey(pub),
		ProposeWeight: weight,
		VoteWeight:    weight,
	}
}

func TestNewValidatorSet(t *testing.T) {
	vs, err := NewValidatorSet([]*Validator{
		makeValidator(1, 100),
		makeValidator(2, 100),
		makeValidator(3, 100),
	})
	require.NoError(t, err)

	assert.Equal(t, 3, vs.Size())
	assert.Equal(t, uint64(300), vs.TotalVoteWeight())
	assert.Equal(t, uint64(300), vs.TotalProposeWeight())

	// addresses are derived from the key when absent
	v := vs.GetByIndex(1)
	require.NotNil(t, v)
	assert.Equal(t, AddressFromPubKey(v.PubKey), v.Address)

	idx, found := vs.GetByAddress(v.Address)
	assert.Equal(t, 1, idx)
	assert.Equal(t, v, found)

	idx, found = vs.GetByAddress(Address{9})
	assert.Equal(t, -1, idx)
	assert.Nil(t, found)
	assert.Nil(t, vs.GetByIndex(3))
}

func TestNewValidatorSetErrors(t *testing.T) {
	_, err := NewValidatorSet(nil)
	assert.ErrorIs(t, err, ErrEmptyValidatorSet)

	_, err = NewValidatorSet([]*Validator{makeValidator(1, 1), makeValidator(1, 1)})
	assert.ErrorIs(t, err, ErrDuplicateValidator)

	_, err = NewValidatorSet([]*Validator{makeValidator(1, 0)})
	assert.ErrorIs(t, err, ErrInvalidWeight)

	_, err = NewValidatorSet([]*Validator{{VoteWeight: 1, ProposeWeight: 1}})
	assert.ErrorIs(t, err, ErrInvalidPublicKey)

	noProposer := makeValidator(1, 1)
	noProposer.ProposeWeight = 0
	_, err = NewValidatorSet([]*Validator{noProposer})
	assert.ErrorIs(t, err, ErrInvalidWeight)

	_, err = NewValidatorSet([]*Validator{makeValidator(1, MaxTotalWeight), makeValidator(2, 1)})
	assert.ErrorIs(t, err, ErrTotalWeightOverflow)
}

func TestQuorumWeight(t *testing.T) {
	cases := []struct {
		weights []uint64
		quorum  uint64
		skip    uint64
	}{
		{[]uint64{1, 1, 1, 1}, 3, 2},
		{[]uint64{1, 1, 1}, 3, 2},
		{[]uint64{100, 100, 100}, 201, 101},
		{[]uint64{1, 1, 1, 1, 1}, 4, 2},
		{[]uint64{3, 2}, 4, 2},
		{[]uint64{10}, 7, 4},
	}

	for _, tc := range cases {
		vals := make([]*Validator, len(tc.weights))
		for i, w := range tc.weights {
			vals[i] = makeValidator(byte(i+1), w)
		}
		vs, err := NewValidatorSet(vals)
		require.NoError(t, err)

		assert.Equal(t, tc.quorum, vs.QuorumWeight(), "weights %v", tc.weights)
		assert.Equal(t, tc.skip, vs.SkipWeight(), "weights %v", tc.weights)
		// quorum is the smallest weight strictly above 2W/3
		w := vs.TotalVoteWeight()
		assert.True(t, 3*vs.QuorumWeight() > 2*w)
		assert.False(t, 3*(vs.QuorumWeight()-1) > 2*w)
	}
}

func TestValidatorSetImmutable(t *testing.T) {
	input := makeValidator(1, 10)
	vs, err := NewValidatorSet([]*Validator{input})
	require.NoError(t, err)

	input.VoteWeight = 999
	input.PubKey[1] = 0xff
	assert.Equal(t, uint64(10), vs.TotalVoteWeight())
	assert.Equal(t, byte(0), vs.GetByIndex(0).PubKey[1])

	copies := vs.Validators()
	copies[0].VoteWeight = 5
	assert.Equal(t, uint64(10), vs.GetByIndex(0).VoteWeight)
}

func TestValidatorSetHash(t *testing.T) {
	a, err := NewValidatorSet([]*Validator{makeValidator(1, 1), makeValidator(2, 2)})
	require.NoError(t, err)
	b, err := ValidatorSetFromData(a.ToData())
	require.NoError(t, err)
	c, err := NewValidatorSet([]*Validator{makeValidator(2, 2), makeValidator(1, 1)})
	require.NoError(t, err)

	assert.Equal(t, a.Hash(), b.Hash())
	assert.True(t, a.Equal(b))
	// order matters for signer bitmaps
	assert.False(t, a.Equal(c))
}
