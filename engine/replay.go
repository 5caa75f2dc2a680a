package engine

import (
	"errors"
	"fmt"
	"io"

	"github.com/blockberries/overlord/types"
	"github.com/blockberries/overlord/wal"
)

// ReplayResult describes what a WAL replay recovered
type ReplayResult struct {
	Height    types.Height
	Round     types.Round
	Step      types.Step
	Proposals int
	Votes     int
	QCs       int
	State     *wal.StateRecord
}

// replay restores the in-progress height from the WAL: proposals, votes and
// certificates go back into the arena, and the last state record restores
// round, lock and valid value. It returns false when there is nothing to
// resume.
func (cs *ConsensusState) replay() (bool, error) {
	res, err := replayHeight(cs.wal, cs.height, cs.votes, cs.proposals)
	if err != nil {
		return false, err
	}
	if res == nil {
		// fresh log, or a crash between the application commit and the
		// end-height marker
		if err := cs.wal.WriteSync(wal.NewEndHeightMessage(cs.height - 1)); err != nil {
			return false, fmt.Errorf("%w: %v", ErrWALWrite, err)
		}
		return false, nil
	}
	if res.State == nil && res.Proposals+res.Votes+res.QCs == 0 {
		return false, nil
	}

	if st := res.State; st != nil {
		cs.round = st.Round
		if st.LockedRound >= 0 {
			content, _ := cs.proposals.Content(st.LockedValue)
			cs.lock.Lock(types.Round(st.LockedRound), st.LockedValue, content)
		}
		if st.ValidRound >= 0 {
			content, _ := cs.proposals.Content(st.ValidValue)
			cs.lock.SetValid(types.Round(st.ValidRound), st.ValidValue, content)
		}
	}

	cs.log.Info().
		Uint64("height", uint64(cs.height)).
		Uint32("round", uint32(cs.round)).
		Int32("locked_round", cs.lock.LockedRound).
		Int("proposals", res.Proposals).
		Int("votes", res.Votes).
		Int("qcs", res.QCs).
		Msg("replayed WAL")
	cs.updateSnapshot()
	return true, nil
}

// replayHeight feeds the records of height into votes and proposals. It
// returns nil if the WAL has no end-height marker for height-1.
func replayHeight(w wal.WAL, height types.Height, votes *VoteAggregator, proposals *ProposalManager) (*ReplayResult, error) {
	reader, found, err := w.SearchForEndHeight(height - 1)
	if err != nil {
		return nil, fmt.Errorf("%w: search end of height %d: %v", ErrWALReplay, height-1, err)
	}
	if !found {
		return nil, nil
	}
	defer reader.Close()

	res := &ReplayResult{Height: height}
	for {
		msg, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrWALReplay, err)
		}
		if msg.Height != height {
			continue
		}

		switch msg.Type {
		case wal.MsgTypeProposal:
			p, err := wal.DecodeProposal(msg.Data)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrWALReplay, err)
			}
			proposals.AddProposal(p)
			res.Proposals++

		case wal.MsgTypeVote:
			v, err := wal.DecodeVote(msg.Data)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrWALReplay, err)
			}
			if _, err := votes.AddVerifiedVote(v); errors.Is(err, ErrInvariantViolation) {
				return nil, err
			}
			res.Votes++

		case wal.MsgTypeQC:
			qc, err := wal.DecodeQC(msg.Data)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrWALReplay, err)
			}
			if _, err := votes.AddVerifiedQC(qc); errors.Is(err, ErrInvariantViolation) {
				return nil, err
			}
			res.QCs++

		case wal.MsgTypeState:
			st, err := wal.DecodeState(msg.Data)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrWALReplay, err)
			}
			res.State = st
			res.Round = st.Round
			res.Step = st.Step
		}
	}
	return res, nil
}
