package types

import (
	"errors"
	"fmt"
)

// WireVersion is the only encoding version this node speaks
const WireVersion byte = 1

// MaxMessageBytes bounds a single encoded message
const MaxMessageBytes = 32 << 20

// Wire errors
var (
	ErrUnsupportedVersion = errors.New("unsupported message version")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrMessageTooShort    = errors.New("message too short")
	ErrMessageTooLarge    = errors.New("message too large")
)

// MsgType is the one-byte type code following the version byte
type MsgType byte

const (
	MsgTypeProposal MsgType = iota + 1
	MsgTypeVote
	MsgTypeQC
	MsgTypeSyncRequest
	MsgTypeSyncResponse
	MsgTypeStatus
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeProposal:
		return "proposal"
	case MsgTypeVote:
		return "vote"
	case MsgTypeQC:
		return "qc"
	case MsgTypeSyncRequest:
		return "sync_request"
	case MsgTypeSyncResponse:
		return "sync_response"
	case MsgTypeStatus:
		return "status"
	default:
		return fmt.Sprintf("msg(%d)", byte(t))
	}
}

// Message is any consensus wire message
type Message interface {
	MsgType() MsgType
}

func (*Proposal) MsgType() MsgType          { return MsgTypeProposal }
func (*Vote) MsgType() MsgType              { return MsgTypeVote }
func (*QuorumCertificate) MsgType() MsgType { return MsgTypeQC }
func (*SyncRequest) MsgType() MsgType       { return MsgTypeSyncRequest }
func (*SyncResponse) MsgType() MsgType      { return MsgTypeSyncResponse }
func (*Status) MsgType() MsgType            { return MsgTypeStatus }

// CommittedValue is a decided value together with the precommit QC proving it
type CommittedValue struct {
	_ struct{} `cbor:",toarray"`

	Height  Height
	Content []byte
	QC      *QuorumCertificate
}

// ValidateBasic performs stateless checks
func (cv *CommittedValue) ValidateBasic() error {
	if cv == nil || cv.QC == nil {
		return fmt.Errorf("%w: committed value without QC", ErrInvalidQC)
	}
	if cv.QC.Height != cv.Height {
		return fmt.Errorf("%w: QC height %d for committed height %d", ErrInvalidQC, cv.QC.Height, cv.Height)
	}
	if cv.QC.Step != StepPrecommit || cv.QC.IsNil() {
		return fmt.Errorf("%w: commit needs a non-nil precommit QC", ErrInvalidQC)
	}
	return nil
}

// SyncRequest asks a peer for committed values in [From, To]
type SyncRequest struct {
	_ struct{} `cbor:",toarray"`

	RequestID uint64
	From      Height
	To        Height
	Requester Address
}

// SyncResponse answers a SyncRequest, commits in ascending height order
type SyncResponse struct {
	_ struct{} `cbor:",toarray"`

	RequestID uint64
	Responder Address
	Commits   []*CommittedValue
}

// Status announces the height a validator is working on
type Status struct {
	_ struct{} `cbor:",toarray"`

	Height Height
	Sender Address
}

// EncodeMessage produces [version][type][cbor payload]
func EncodeMessage(msg Message) ([]byte, error) {
	payload, err := Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.MsgType(), err)
	}
	out := make([]byte, 0, len(payload)+2)
	out = append(out, WireVersion, byte(msg.MsgType()))
	return append(out, payload...), nil
}

// DecodeMessage parses an encoded message. Unknown versions and types are
// rejected rather than coerced.
func DecodeMessage(data []byte) (Message, error) {
	if len(data) < 2 {
		return nil, ErrMessageTooShort
	}
	if len(data) > MaxMessageBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data))
	}
	if data[0] != WireVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, data[0])
	}

	var msg Message
	switch MsgType(data[1]) {
	case MsgTypeProposal:
		msg = &Proposal{}
	case MsgTypeVote:
		msg = &Vote{}
	case MsgTypeQC:
		msg = &QuorumCertificate{}
	case MsgTypeSyncRequest:
		msg = &SyncRequest{}
	case MsgTypeSyncResponse:
		msg = &SyncResponse{}
	case MsgTypeStatus:
		msg = &Status{}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, data[1])
	}

	if err := Unmarshal(data[2:], msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", msg.MsgType(), err)
	}
	return msg, nil
}
