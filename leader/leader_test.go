package leader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockberries/overlord/types"
)

func makeSet(t *testing.T, proposeWeights ...uint64) *types.ValidatorSet {
	vals := make([]*types.Validator, len(proposeWeights))
	for i, w := range proposeWeights {
		pub := make([]byte, types.PublicKeySize)
		pub[0] = byte(i + 1)
		vals[i] = &types.Validator{PubKey: pub, ProposeWeight: w, VoteWeight: 1}
	}
	vs, err := types.NewValidatorSet(vals)
	require.NoError(t, err)
	return vs
}

func countLeaders(sel Selector, vs *types.ValidatorSet, height types.Height, rounds int) map[types.Address]int {
	counts := make(map[types.Address]int)
	for r := 0; r < rounds; r++ {
		counts[sel.Leader(height, types.Round(r), vs)]++
	}
	return counts
}

func TestNew(t *testing.T) {
	sel, err := New(ModeInTurn)
	require.NoError(t, err)
	assert.IsType(t, InTurn{}, sel)

	sel, err = New(ModeRandom)
	require.NoError(t, err)
	assert.IsType(t, Random{}, sel)

	_, err = New("round_robin")
	assert.Error(t, err)
}

func TestLeaderDeterminism(t *testing.T) {
	vs := makeSet(t, 1, 2, 3, 4)
	// a second set built independently from the same inputs
	vs2 := makeSet(t, 1, 2, 3, 4)

	for _, sel := range []Selector{InTurn{}, Random{}} {
		for h := types.Height(1); h < 20; h++ {
			for r := types.Round(0); r < 5; r++ {
				assert.Equal(t, sel.Leader(h, r, vs), sel.Leader(h, r, vs2))
			}
		}
	}
}

func TestInTurnExactProportions(t *testing.T) {
	vs := makeSet(t, 1, 2, 3, 4)
	counts := countLeaders(InTurn{}, vs, 1, 10)
	for i := 0; i < vs.Size(); i++ {
		v := vs.GetByIndex(i)
		assert.Equal(t, int(v.ProposeWeight), counts[v.Address])
	}
}

func TestInTurnRotatesEqualWeights(t *testing.T) {
	vs := makeSet(t, 1, 1, 1, 1)
	sel := InTurn{}

	// a silent leader at round 0 is replaced at round 1
	assert.NotEqual(t, sel.Leader(1, 0, vs), sel.Leader(1, 1, vs))
	// and leadership moves on with the height
	assert.NotEqual(t, sel.Leader(1, 0, vs), sel.Leader(2, 0, vs))
	assert.Equal(t, sel.Leader(1, 1, vs), sel.Leader(2, 0, vs))
}

func TestRandomApproximateProportions(t *testing.T) {
	vs := makeSet(t, 1, 3)
	const rounds = 4000
	counts := countLeaders(Random{}, vs, 9, rounds)

	heavy := counts[vs.GetByIndex(1).Address]
	// expected 3000; allow generous slack
	assert.InDelta(t, 3000, heavy, 200)
}

func TestZeroProposeWeightNeverLeads(t *testing.T) {
	vs := makeSet(t, 0, 5, 0, 5)
	for _, sel := range []Selector{InTurn{}, Random{}} {
		counts := countLeaders(sel, vs, 3, 200)
		assert.Zero(t, counts[vs.GetByIndex(0).Address])
		assert.Zero(t, counts[vs.GetByIndex(2).Address])
	}
}

func TestBinarySearchStrictlyBigger(t *testing.T) {
	sums := []uint64{0, 2, 2, 5}
	assert.Equal(t, 1, binarySearchStrictlyBigger(0, sums))
	assert.Equal(t, 1, binarySearchStrictlyBigger(1, sums))
	assert.Equal(t, 3, binarySearchStrictlyBigger(2, sums))
	assert.Equal(t, 3, binarySearchStrictlyBigger(4, sums))
	assert.Equal(t, 0, binarySearchStrictlyBigger(0, []uint64{7}))
}
