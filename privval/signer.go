package privval

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/blockberries/overlord/crypto"
	"github.com/blockberries/overlord/types"
)

// Errors
var (
	ErrDoubleSign       = errors.New("double sign attempt")
	ErrHeightRegression = errors.New("height regression")
	ErrRoundRegression  = errors.New("round regression")
	ErrStepRegression   = errors.New("step regression")
	ErrInvalidKey       = errors.New("invalid key file")
)

// PrivValidator signs consensus messages and refuses to sign two different
// messages at the same (height, round, step).
type PrivValidator interface {
	PubKey() types.PublicKey
	Address() types.Address
	SignVote(chainID string, vote *types.Vote) error
	SignProposal(chainID string, proposal *types.Proposal) error
}

// Sign steps. Proposals come before votes in a round.
const (
	StepProposal  int8 = 0
	StepPrevote   int8 = 1
	StepPrecommit int8 = 2
	StepChoke     int8 = 3
)

// LastSignState tracks the last signed message for double-sign prevention
type LastSignState struct {
	Height        types.Height
	Round         types.Round
	Step          int8
	Signature     types.Signature
	SignBytesHash types.Hash
	// Signed is false until the first signature
	Signed bool
}

// CheckHRS returns nil if signing at (height, round, step) moves forward.
// ErrDoubleSign is returned for the same position, the caller decides
// whether it is an idempotent re-sign.
func (lss *LastSignState) CheckHRS(height types.Height, round types.Round, step int8) error {
	if !lss.Signed {
		return nil
	}
	if lss.Height > height {
		return ErrHeightRegression
	}
	if lss.Height == height {
		if lss.Round > round {
			return ErrRoundRegression
		}
		if lss.Round == round {
			if lss.Step > step {
				return ErrStepRegression
			}
			if lss.Step == step {
				return ErrDoubleSign
			}
		}
	}
	return nil
}

// VoteStep returns the sign step for a vote step. It panics on a non-vote
// step since that indicates a programming error in the caller.
func VoteStep(step types.Step) int8 {
	switch step {
	case types.StepPrevote:
		return StepPrevote
	case types.StepPrecommit:
		return StepPrecommit
	case types.StepChoke:
		return StepChoke
	default:
		panic(fmt.Sprintf("privval: invalid vote step: %v", step))
	}
}

// guard holds the key and the last sign state shared by the file-backed and
// in-memory validators. persist is called with the new state before a
// signature is released.
type guard struct {
	pubKey  types.PublicKey
	address types.Address
	privKey ed25519.PrivateKey
	last    LastSignState
	persist func(LastSignState) error
}

func newGuard(priv ed25519.PrivateKey, persist func(LastSignState) error) guard {
	pub := types.PublicKey(priv.Public().(ed25519.PublicKey))
	return guard{
		pubKey:  pub,
		address: types.AddressFromPubKey(pub),
		privKey: priv,
		persist: persist,
	}
}

// sign returns a signature over signBytes at (h, r, step), or the cached one
// if exactly the same bytes were signed there before.
func (g *guard) sign(h types.Height, r types.Round, step int8, signBytes []byte) (types.Signature, error) {
	digest := types.HashBytes(signBytes)

	if err := g.last.CheckHRS(h, r, step); err != nil {
		if errors.Is(err, ErrDoubleSign) && g.last.SignBytesHash == digest {
			return g.last.Signature.Copy(), nil
		}
		return nil, fmt.Errorf("%w: at %d/%d/%d, last %d/%d/%d",
			err, h, r, step, g.last.Height, g.last.Round, g.last.Step)
	}

	sig := crypto.Sign(g.privKey, signBytes)
	next := LastSignState{
		Height:        h,
		Round:         r,
		Step:          step,
		Signature:     sig,
		SignBytesHash: digest,
		Signed:        true,
	}
	if g.persist != nil {
		if err := g.persist(next); err != nil {
			return nil, err
		}
	}
	g.last = next
	return sig.Copy(), nil
}
