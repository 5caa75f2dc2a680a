package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageEnvelope(t *testing.T) {
	vote := &Vote{
		Height:    7,
		Round:     2,
		Step:      StepPrecommit,
		Voter:     Address{1},
		Value:     HashBytes([]byte("x")),
		Signature: Signature{1, 2, 3},
	}

	data, err := EncodeMessage(vote)
	require.NoError(t, err)
	assert.Equal(t, WireVersion, data[0])
	assert.Equal(t, byte(MsgTypeVote), data[1])

	msg, err := DecodeMessage(data)
	require.NoError(t, err)
	decoded, ok := msg.(*Vote)
	require.True(t, ok)
	assert.True(t, vote.SameBallot(decoded))
	assert.Equal(t, vote.Signature, decoded.Signature)
}

func TestDecodeMessageRejectsUnknown(t *testing.T) {
	data, err := EncodeMessage(&Status{Height: 3, Sender: Address{2}})
	require.NoError(t, err)

	future := append([]byte(nil), data...)
	future[0] = WireVersion + 1
	_, err = DecodeMessage(future)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)

	unknown := append([]byte(nil), data...)
	unknown[1] = 0x7f
	_, err = DecodeMessage(unknown)
	assert.ErrorIs(t, err, ErrUnknownMessageType)

	_, err = DecodeMessage([]byte{WireVersion})
	assert.ErrorIs(t, err, ErrMessageTooShort)

	_, err = DecodeMessage([]byte{WireVersion, byte(MsgTypeVote), 0xff, 0x00})
	assert.Error(t, err)
}

func TestProposalValidateBasic(t *testing.T) {
	value := HashBytes([]byte("B3"))
	base := func() *Proposal {
		return &Proposal{
			Height:      1,
			Round:       5,
			Content:     []byte("B3"),
			ContentHash: value,
			Proposer:    Address{1},
			ValidRound:  NoValidRound,
			Signature:   Signature{1},
		}
	}

	require.NoError(t, base().ValidateBasic())

	p := base()
	p.ContentHash = NilHash
	assert.ErrorIs(t, p.ValidateBasic(), ErrInvalidProposal)

	p = base()
	p.ValidRound = 2
	assert.ErrorIs(t, p.ValidateBasic(), ErrInvalidProposal, "valid round without POL")

	p = base()
	p.ValidRound = 2
	p.POL = &QuorumCertificate{Height: 1, Round: 2, Step: StepPrevote, Value: value}
	assert.NoError(t, p.ValidateBasic())
	assert.True(t, p.HasPOL())

	p.POL.Step = StepPrecommit
	assert.ErrorIs(t, p.ValidateBasic(), ErrInvalidProposal)

	p = base()
	p.ValidRound = 5
	p.POL = &QuorumCertificate{Height: 1, Round: 5, Step: StepPrevote, Value: value}
	assert.ErrorIs(t, p.ValidateBasic(), ErrInvalidProposal, "valid round must be below round")

	p = base()
	p.POL = &QuorumCertificate{Height: 1, Round: 2, Step: StepPrevote, Value: value}
	assert.ErrorIs(t, p.ValidateBasic(), ErrInvalidProposal, "POL without valid round")
}

func TestSignBytesExcludeVoter(t *testing.T) {
	a := &Vote{Height: 1, Round: 0, Step: StepPrevote, Voter: Address{1}, Value: HashBytes([]byte("v"))}
	b := a.Copy()
	b.Voter = Address{2}
	assert.Equal(t, a.SignBytes("c"), b.SignBytes("c"))
	assert.NotEqual(t, a.SignBytes("c"), a.SignBytes("d"))

	qc := &QuorumCertificate{Height: 1, Round: 0, Step: StepPrevote, Value: a.Value}
	assert.Equal(t, a.SignBytes("c"), qc.SignBytes("c"))
}

func TestDuplicateVoteEvidence(t *testing.T) {
	a := &Vote{Height: 1, Step: StepPrevote, Voter: Address{1}, Value: HashBytes([]byte("B1")), Signature: Signature{1}}
	b := a.Copy()
	b.Value = HashBytes([]byte("B2"))
	b.Signature = Signature{2}

	ev1 := NewDuplicateVoteEvidence(a, b)
	ev2 := NewDuplicateVoteEvidence(b, a)
	require.NoError(t, ev1.ValidateBasic())
	assert.Equal(t, ev1.Hash(), ev2.Hash())
	assert.Equal(t, Address{1}, ev1.Offender())

	same := NewDuplicateVoteEvidence(a, a)
	assert.ErrorIs(t, same.ValidateBasic(), ErrInvalidEvidence)

	other := b.Copy()
	other.Voter = Address{2}
	assert.ErrorIs(t, NewDuplicateVoteEvidence(a, other).ValidateBasic(), ErrInvalidEvidence)
}
