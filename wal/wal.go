package wal

import (
	"errors"
	"fmt"
	"io"

	"github.com/blockberries/overlord/types"
)

// Errors
var (
	ErrWALClosed    = errors.New("WAL is closed")
	ErrWALCorrupted = errors.New("WAL is corrupted")
	ErrWALNotFound  = errors.New("WAL file not found")
	ErrUnknownType  = errors.New("unknown WAL message type")
)

// MessageType identifies the type of WAL message
type MessageType uint8

const (
	MsgTypeUnknown MessageType = iota
	MsgTypeProposal
	MsgTypeVote
	MsgTypeQC
	MsgTypeEndHeight
	MsgTypeState
	MsgTypeTimeout
)

func (t MessageType) String() string {
	switch t {
	case MsgTypeProposal:
		return "proposal"
	case MsgTypeVote:
		return "vote"
	case MsgTypeQC:
		return "qc"
	case MsgTypeEndHeight:
		return "end_height"
	case MsgTypeState:
		return "state"
	case MsgTypeTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Message is one WAL record. Data holds the CBOR payload for Type.
type Message struct {
	_      struct{} `cbor:",toarray"`
	Type   MessageType
	Height types.Height
	Round  types.Round
	Data   []byte
}

// StateRecord snapshots the controller's position and lock. It is written on
// every step transition so replay can resume without re-deriving the lock
// from individual votes.
type StateRecord struct {
	_           struct{} `cbor:",toarray"`
	Height      types.Height
	Round       types.Round
	Step        types.Step
	LockedRound int32
	LockedValue types.Hash
	ValidRound  int32
	ValidValue  types.Hash
}

// TimeoutRecord notes that a step timeout was acted upon
type TimeoutRecord struct {
	_      struct{} `cbor:",toarray"`
	Height types.Height
	Round  types.Round
	Step   types.Step
}

// WAL interface for write-ahead logging
type WAL interface {
	// Write writes a message to the WAL
	Write(msg *Message) error

	// WriteSync writes a message and ensures it's synced to disk
	WriteSync(msg *Message) error

	// FlushAndSync flushes and syncs all pending writes
	FlushAndSync() error

	// SearchForEndHeight returns a Reader positioned after the EndHeight
	// marker for height, or false if the marker is absent
	SearchForEndHeight(height types.Height) (Reader, bool, error)

	// Start starts the WAL
	Start() error

	// Stop stops the WAL
	Stop() error
}

// Reader interface for reading from WAL
type Reader interface {
	// Read reads the next message; io.EOF at the end
	Read() (*Message, error)

	// Close closes the reader
	Close() error
}

func newMessage(t MessageType, h types.Height, r types.Round, payload interface{}) (*Message, error) {
	data, err := types.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", t, err)
	}
	return &Message{Type: t, Height: h, Round: r, Data: data}, nil
}

// NewProposalMessage creates a WAL message for a proposal
func NewProposalMessage(p *types.Proposal) (*Message, error) {
	return newMessage(MsgTypeProposal, p.Height, p.Round, p)
}

// NewVoteMessage creates a WAL message for a vote
func NewVoteMessage(v *types.Vote) (*Message, error) {
	return newMessage(MsgTypeVote, v.Height, v.Round, v)
}

// NewQCMessage creates a WAL message for a quorum certificate
func NewQCMessage(qc *types.QuorumCertificate) (*Message, error) {
	return newMessage(MsgTypeQC, qc.Height, qc.Round, qc)
}

// NewEndHeightMessage creates a WAL message marking end of height
func NewEndHeightMessage(height types.Height) *Message {
	return &Message{
		Type:   MsgTypeEndHeight,
		Height: height,
	}
}

// NewStateMessage creates a WAL message for consensus state
func NewStateMessage(state *StateRecord) (*Message, error) {
	return newMessage(MsgTypeState, state.Height, state.Round, state)
}

// NewTimeoutMessage creates a WAL message for a timeout
func NewTimeoutMessage(height types.Height, round types.Round, step types.Step) (*Message, error) {
	return newMessage(MsgTypeTimeout, height, round, &TimeoutRecord{
		Height: height,
		Round:  round,
		Step:   step,
	})
}

// DecodeProposal decodes a proposal from WAL message data
func DecodeProposal(data []byte) (*types.Proposal, error) {
	p := &types.Proposal{}
	if err := types.Unmarshal(data, p); err != nil {
		return nil, err
	}
	return p, nil
}

// DecodeVote decodes a vote from WAL message data
func DecodeVote(data []byte) (*types.Vote, error) {
	v := &types.Vote{}
	if err := types.Unmarshal(data, v); err != nil {
		return nil, err
	}
	return v, nil
}

// DecodeQC decodes a quorum certificate from WAL message data
func DecodeQC(data []byte) (*types.QuorumCertificate, error) {
	qc := &types.QuorumCertificate{}
	if err := types.Unmarshal(data, qc); err != nil {
		return nil, err
	}
	return qc, nil
}

// DecodeState decodes consensus state from WAL message data
func DecodeState(data []byte) (*StateRecord, error) {
	s := &StateRecord{}
	if err := types.Unmarshal(data, s); err != nil {
		return nil, err
	}
	return s, nil
}

// DecodeTimeout decodes a timeout from WAL message data
func DecodeTimeout(data []byte) (*TimeoutRecord, error) {
	t := &TimeoutRecord{}
	if err := types.Unmarshal(data, t); err != nil {
		return nil, err
	}
	return t, nil
}

// NopWAL is a no-op WAL implementation for testing
type NopWAL struct{}

func (w *NopWAL) Write(msg *Message) error     { return nil }
func (w *NopWAL) WriteSync(msg *Message) error { return nil }
func (w *NopWAL) FlushAndSync() error          { return nil }
func (w *NopWAL) Start() error                 { return nil }
func (w *NopWAL) Stop() error                  { return nil }
func (w *NopWAL) SearchForEndHeight(types.Height) (Reader, bool, error) {
	return nil, false, nil
}

// Ensure NopWAL implements WAL
var _ WAL = (*NopWAL)(nil)

// NopReader is a no-op reader
type NopReader struct{}

func (r *NopReader) Read() (*Message, error) { return nil, io.EOF }
func (r *NopReader) Close() error            { return nil }

var _ Reader = (*NopReader)(nil)
