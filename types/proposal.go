package types

import "fmt"

// NoValidRound marks a proposal whose content was not carried over from an
// earlier round.
const NoValidRound int32 = -1

// Proposal is a leader's signed value for one (height, round). When the
// content is re-proposed from an earlier round, ValidRound names that round and
// POL is the prevote QC that justifies it.
type Proposal struct {
	_ struct{} `cbor:",toarray"`

	Height      Height
	Round       Round
	Content     []byte
	ContentHash Hash
	Proposer    Address
	ValidRound  int32
	POL         *QuorumCertificate
	Signature   Signature
}

type canonicalProposal struct {
	_ struct{} `cbor:",toarray"`

	ChainID     string
	Height      Height
	Round       Round
	ContentHash Hash
	Proposer    Address
	ValidRound  int32
}

// SignBytes returns the bytes to sign for a proposal. The content is covered
// through its hash and the POL authenticates itself.
func (p *Proposal) SignBytes(chainID string) []byte {
	return mustMarshal(&canonicalProposal{
		ChainID:     chainID,
		Height:      p.Height,
		Round:       p.Round,
		ContentHash: p.ContentHash,
		Proposer:    p.Proposer,
		ValidRound:  p.ValidRound,
	})
}

// HasPOL returns true if this proposal re-proposes a value from an earlier round
func (p *Proposal) HasPOL() bool {
	return p.ValidRound >= 0 && p.POL != nil
}

// ValidateBasic performs stateless checks. It does not verify signatures or
// that ContentHash is the hash of Content, which needs the crypto adapter.
func (p *Proposal) ValidateBasic() error {
	if p == nil {
		return fmt.Errorf("%w: nil proposal", ErrInvalidProposal)
	}
	if p.ContentHash.IsNil() {
		return fmt.Errorf("%w: empty content hash", ErrInvalidProposal)
	}
	if p.Proposer.IsZero() {
		return fmt.Errorf("%w: empty proposer", ErrInvalidProposal)
	}
	if len(p.Signature) == 0 {
		return fmt.Errorf("%w: missing signature", ErrInvalidProposal)
	}
	if p.ValidRound < NoValidRound {
		return fmt.Errorf("%w: valid round %d", ErrInvalidProposal, p.ValidRound)
	}
	if p.ValidRound == NoValidRound {
		if p.POL != nil {
			return fmt.Errorf("%w: POL without valid round", ErrInvalidProposal)
		}
		return nil
	}
	if int64(p.ValidRound) >= int64(p.Round) {
		return fmt.Errorf("%w: valid round %d not below round %d", ErrInvalidProposal, p.ValidRound, p.Round)
	}
	if p.POL == nil {
		return fmt.Errorf("%w: valid round %d without POL", ErrInvalidProposal, p.ValidRound)
	}
	if p.POL.Height != p.Height || p.POL.Round != Round(p.ValidRound) ||
		p.POL.Step != StepPrevote || p.POL.Value != p.ContentHash {
		return fmt.Errorf("%w: POL does not match proposal", ErrInvalidProposal)
	}
	return nil
}

// SameContent returns true if both proposals commit to the same signed payload
func (p *Proposal) SameContent(other *Proposal) bool {
	return p.Height == other.Height &&
		p.Round == other.Round &&
		p.Proposer == other.Proposer &&
		p.ContentHash == other.ContentHash &&
		p.ValidRound == other.ValidRound
}

// Copy returns a deep copy of the proposal
func (p *Proposal) Copy() *Proposal {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Content = append([]byte(nil), p.Content...)
	cp.POL = p.POL.Copy()
	cp.Signature = p.Signature.Copy()
	return &cp
}

func (p *Proposal) String() string {
	return fmt.Sprintf("Proposal{%d/%d %s by %s vr=%d}",
		p.Height, p.Round, p.ContentHash.Short(), p.Proposer.Short(), p.ValidRound)
}
