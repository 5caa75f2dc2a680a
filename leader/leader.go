// Package leader implements deterministic, weight-aware proposer selection.
//
// A Selector is a pure function of (height, round, validator set): every
// honest node given the same inputs computes the same leader, and over many
// rounds each validator leads in proportion to its propose weight.
package leader

import (
	"encoding/binary"
	"fmt"

	"github.com/onflow/flow-go/crypto/hash"
	"github.com/onflow/flow-go/crypto/random"

	"github.com/blockberries/overlord/types"
)

// Mode names a leader selection scheme
type Mode string

const (
	// ModeInTurn walks the cumulative propose weights slot by slot
	ModeInTurn Mode = "in_turn"
	// ModeRandom draws the slot from a ChaCha20 stream seeded by (height, round)
	ModeRandom Mode = "random"
)

// randomCustomizer diversifies the PRG stream; at most 12 bytes.
var randomCustomizer = []byte("overlord-ldr")

// Selector computes the proposer for a (height, round)
type Selector interface {
	Leader(height types.Height, round types.Round, vs *types.ValidatorSet) types.Address
}

// New returns the selector for mode
func New(mode Mode) (Selector, error) {
	switch mode {
	case ModeInTurn, "":
		return InTurn{}, nil
	case ModeRandom:
		return Random{}, nil
	default:
		return nil, fmt.Errorf("unknown leader mode %q", mode)
	}
}

// InTurn maps slot (height + round) mod W onto the cumulative propose weights,
// so over W consecutive slots every validator leads exactly ProposeWeight
// times.
type InTurn struct{}

// Leader implements Selector
func (InTurn) Leader(height types.Height, round types.Round, vs *types.ValidatorSet) types.Address {
	sums := weightSums(vs)
	total := sums[len(sums)-1]
	slot := (uint64(height)%total + uint64(round)%total) % total
	return vs.GetByIndex(binarySearchStrictlyBigger(slot, sums)).Address
}

// Random performs fitness proportionate selection with a PRG seeded by
// SHA3-256(height || round). Only public inputs feed the seed.
type Random struct{}

// Leader implements Selector
func (Random) Leader(height types.Height, round types.Round, vs *types.ValidatorSet) types.Address {
	sums := weightSums(vs)

	var src [12]byte
	binary.BigEndian.PutUint64(src[:8], uint64(height))
	binary.BigEndian.PutUint32(src[8:], uint32(round))

	var seed [hash.HashLenSHA3_256]byte
	hash.ComputeSHA3_256(&seed, src[:])

	rng, err := random.NewChacha20PRG(seed[:], randomCustomizer)
	if err != nil {
		// seed and customizer lengths are constants
		panic(fmt.Sprintf("leader: cannot create ChaCha20 PRG: %v", err))
	}

	draw := rng.UintN(sums[len(sums)-1])
	return vs.GetByIndex(binarySearchStrictlyBigger(draw, sums)).Address
}

// weightSums returns the running sum of propose weights in index order.
// A validator set always has a positive total propose weight.
func weightSums(vs *types.ValidatorSet) []uint64 {
	sums := make([]uint64, vs.Size())
	var cumsum uint64
	for i := 0; i < vs.Size(); i++ {
		cumsum += vs.GetByIndex(i).ProposeWeight
		sums[i] = cumsum
	}
	return sums
}

// binarySearchStrictlyBigger finds the index of the first item in arr that is
// strictly bigger than value. arr must be non-empty and non-decreasing, and
// value must be less than its last item.
func binarySearchStrictlyBigger(value uint64, arr []uint64) int {
	left := 0
	right := len(arr) - 1
	for left < right {
		mid := (left + right) >> 1
		if arr[mid] <= value {
			left = mid + 1
		} else {
			right = mid
		}
	}
	return left
}
