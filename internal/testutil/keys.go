// Package testutil builds deterministic validator sets and signed messages
// for package tests.
package testutil

import (
	"crypto/ed25519"
	"sort"

	"github.com/blockberries/overlord/crypto"
	"github.com/blockberries/overlord/types"
)

// ChainID is the chain identifier used by fixtures
const ChainID = "test-chain"

// Keys is a validator set together with its private keys, index aligned
type Keys struct {
	Set   *types.ValidatorSet
	Privs []ed25519.PrivateKey
}

// NewKeys creates one validator per weight, used for both proposing and
// voting. Keys are derived from fixed seeds so runs are reproducible.
func NewKeys(weights ...uint64) *Keys {
	vals := make([]*types.Validator, len(weights))
	privs := make([]ed25519.PrivateKey, len(weights))
	for i, w := range weights {
		privs[i] = PrivKey(i)
		vals[i] = &types.Validator{
			PubKey:        types.PublicKey(privs[i].Public().(ed25519.PublicKey)),
			ProposeWeight: w,
			VoteWeight:    w,
		}
	}
	vs, err := types.NewValidatorSet(vals)
	if err != nil {
		panic(err)
	}
	return &Keys{Set: vs, Privs: privs}
}

// EqualKeys creates n validators of weight 1
func EqualKeys(n int) *Keys {
	weights := make([]uint64, n)
	for i := range weights {
		weights[i] = 1
	}
	return NewKeys(weights...)
}

// PrivKey returns the deterministic key for validator i
func PrivKey(i int) ed25519.PrivateKey {
	seed := make([]byte, ed25519.SeedSize)
	seed[0] = byte(i + 1)
	seed[1] = byte((i + 1) >> 8)
	return ed25519.NewKeyFromSeed(seed)
}

// Address returns the address of validator i
func (k *Keys) Address(i int) types.Address {
	return k.Set.GetByIndex(i).Address
}

// Vote returns a vote by validator i, signed
func (k *Keys) Vote(i int, h types.Height, r types.Round, step types.Step, value types.Hash) *types.Vote {
	v := &types.Vote{
		Height: h,
		Round:  r,
		Step:   step,
		Voter:  k.Address(i),
		Value:  value,
	}
	v.Signature = crypto.Sign(k.Privs[i], v.SignBytes(ChainID))
	return v
}

// Proposal returns a proposal by validator i for content, signed
func (k *Keys) Proposal(i int, h types.Height, r types.Round, content []byte) *types.Proposal {
	p := &types.Proposal{
		Height:      h,
		Round:       r,
		Content:     content,
		ContentHash: types.HashBytes(content),
		Proposer:    k.Address(i),
		ValidRound:  types.NoValidRound,
	}
	k.SignProposal(i, p)
	return p
}

// SignProposal (re)signs p with validator i's key
func (k *Keys) SignProposal(i int, p *types.Proposal) {
	p.Signature = crypto.Sign(k.Privs[i], p.SignBytes(ChainID))
}

// QC builds a quorum certificate signed by the given validator indices
func (k *Keys) QC(h types.Height, r types.Round, step types.Step, value types.Hash, signers ...int) *types.QuorumCertificate {
	c := crypto.NewEd25519()
	msg := types.VoteSignBytes(ChainID, h, r, step, value)

	sorted := append([]int(nil), signers...)
	sort.Ints(sorted)

	var (
		sigs    []types.Signature
		indices []uint64
		weight  uint64
	)
	for _, i := range sorted {
		sigs = append(sigs, crypto.Sign(k.Privs[i], msg))
		indices = append(indices, uint64(i))
		weight += k.Set.GetByIndex(i).VoteWeight
	}
	agg, err := c.Aggregate(sigs)
	if err != nil {
		panic(err)
	}
	bits, err := types.EncodeSigners(indices)
	if err != nil {
		panic(err)
	}
	return &types.QuorumCertificate{
		Height:    h,
		Round:     r,
		Step:      step,
		Value:     value,
		Signers:   bits,
		Signature: agg,
		Weight:    weight,
	}
}
