package types

import (
	"errors"
	"fmt"
	"sort"

	"github.com/filecoin-project/go-bitfield"
	rlepluslazy "github.com/filecoin-project/go-bitfield/rle"
)

// QC verification errors
var (
	ErrInvalidQC          = errors.New("invalid quorum certificate")
	ErrInsufficientWeight = errors.New("insufficient weight in quorum certificate")
	ErrInvalidQCSignature = errors.New("invalid quorum certificate signature")
)

// AggregateVerifier checks an aggregated signature against the public keys of
// its signers, given in signer-index order.
type AggregateVerifier interface {
	VerifyAggregate(pubKeys []PublicKey, msg []byte, agg Signature) error
}

// QuorumCertificate proves that validators holding at least the quorum weight
// voted for Value at (Height, Round, Step). Signers is an RLE+ encoded bitmap
// of validator indices.
type QuorumCertificate struct {
	_ struct{} `cbor:",toarray"`

	Height    Height
	Round     Round
	Step      Step
	Value     Hash
	Signers   []byte
	Signature Signature
	Weight    uint64
}

// HRS returns the QC's (height, round, step)
func (qc *QuorumCertificate) HRS() HRS {
	return HRS{Height: qc.Height, Round: qc.Round, Step: qc.Step}
}

// IsNil returns true if the QC certifies nil
func (qc *QuorumCertificate) IsNil() bool {
	return qc.Value.IsNil()
}

// SignBytes returns the message every signer signed
func (qc *QuorumCertificate) SignBytes(chainID string) []byte {
	return VoteSignBytes(chainID, qc.Height, qc.Round, qc.Step, qc.Value)
}

// SignerIndices decodes the signer bitmap. Indices must be below size.
func (qc *QuorumCertificate) SignerIndices(size int) ([]uint64, error) {
	return DecodeSigners(qc.Signers, size)
}

// Copy returns a deep copy of the QC
func (qc *QuorumCertificate) Copy() *QuorumCertificate {
	if qc == nil {
		return nil
	}
	cp := *qc
	cp.Signers = append([]byte(nil), qc.Signers...)
	cp.Signature = qc.Signature.Copy()
	return &cp
}

func (qc *QuorumCertificate) String() string {
	return fmt.Sprintf("QC{%s %s w=%d}", qc.HRS(), qc.Value.Short(), qc.Weight)
}

// EncodeSigners builds the RLE+ bitmap of the given validator indices
func EncodeSigners(indices []uint64) ([]byte, error) {
	sorted := append([]uint64(nil), indices...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	bf := bitfield.NewFromSet(sorted)
	ri, err := bf.RunIterator()
	if err != nil {
		return nil, fmt.Errorf("signer bitmap: %w", err)
	}
	return rlepluslazy.EncodeRuns(ri, nil)
}

// DecodeSigners decodes an RLE+ signer bitmap into sorted validator indices,
// rejecting indices outside [0, size).
func DecodeSigners(data []byte, size int) ([]uint64, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty signer bitmap", ErrInvalidQC)
	}
	bf, err := bitfield.NewFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQC, err)
	}
	indices, err := bf.All(uint64(size))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQC, err)
	}
	for _, idx := range indices {
		if idx >= uint64(size) {
			return nil, fmt.Errorf("%w: signer index %d out of range", ErrInvalidQC, idx)
		}
	}
	return indices, nil
}

// VerifyQC checks a QC against the validator set of its height: the signer
// weight must reach the quorum and the aggregate signature must verify.
func VerifyQC(chainID string, vs *ValidatorSet, qc *QuorumCertificate, verifier AggregateVerifier) error {
	if qc == nil {
		return fmt.Errorf("%w: nil", ErrInvalidQC)
	}
	if !qc.Step.IsVoteStep() {
		return fmt.Errorf("%w: step %s", ErrInvalidQC, qc.Step)
	}
	if qc.Step == StepChoke && !qc.IsNil() {
		return fmt.Errorf("%w: choke certificate for %s", ErrInvalidQC, qc.Value.Short())
	}
	if len(qc.Signature) == 0 {
		return fmt.Errorf("%w: missing signature", ErrInvalidQC)
	}

	indices, err := qc.SignerIndices(vs.Size())
	if err != nil {
		return err
	}

	var weight uint64
	pubKeys := make([]PublicKey, 0, len(indices))
	for _, idx := range indices {
		val := vs.GetByIndex(int(idx))
		weight += val.VoteWeight
		pubKeys = append(pubKeys, val.PubKey)
	}

	if weight != qc.Weight {
		return fmt.Errorf("%w: claimed weight %d, signers hold %d", ErrInvalidQC, qc.Weight, weight)
	}
	if required := vs.QuorumWeight(); weight < required {
		return fmt.Errorf("%w: got %d, need %d", ErrInsufficientWeight, weight, required)
	}

	if err := verifier.VerifyAggregate(pubKeys, qc.SignBytes(chainID), qc.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidQCSignature, err)
	}
	return nil
}
