package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/blockberries/overlord/types"
)

const (
	// syncRequestTimeout is how long a request may stay unanswered before
	// it is sent again
	syncRequestTimeout = 2 * time.Second

	// maxSyncBuffer bounds how far above the current height received
	// commits are kept
	maxSyncBuffer = 1024
)

type syncRequest struct {
	id     uint64
	peer   types.Address
	from   types.Height
	to     types.Height
	sentAt time.Time
}

// syncer fetches decided values this node is missing. It is owned by the
// controller and only runs on receiveRoutine.
type syncer struct {
	cs      *ConsensusState
	log     zerolog.Logger
	limiter *rate.Limiter
	batch   uint64

	peers *PeerSet

	nextID   uint64
	inflight *syncRequest
	buffered map[types.Height]*types.CommittedValue
}

func newSyncer(cs *ConsensusState, cfg *Config, log zerolog.Logger) *syncer {
	return &syncer{
		cs:       cs,
		log:      log.With().Str("component", "sync").Logger(),
		limiter:  rate.NewLimiter(rate.Every(cfg.SyncRequestRate), 1),
		batch:    cfg.SyncBatchSize,
		peers:    NewPeerSet(),
		buffered: make(map[types.Height]*types.CommittedValue),
	}
}

// behind returns true while a peer is known to have committed our height
func (s *syncer) behind() bool {
	return s.peers.MaxCommitted() >= s.cs.height
}

// onPeerHeight notes that peer is working on height, so every height below
// it can be fetched from peer.
func (s *syncer) onPeerHeight(peer types.Address, height types.Height) {
	if height <= s.cs.height {
		return
	}
	before := s.peers.MaxCommitted()
	s.peers.Update(peer, height-1)
	if height-1 > before {
		s.log.Debug().
			Str("peer", peer.Short()).
			Uint64("peer_height", uint64(height)).
			Uint64("height", uint64(s.cs.height)).
			Msg("peer is ahead")
	}
	s.maybeRequest()
}

// request asks peer for height even if no height announcement was seen,
// for a decision whose content never arrived.
func (s *syncer) request(peer types.Address, height types.Height) {
	s.peers.Update(peer, height)
	s.maybeRequest()
}

// maybeRequest sends the next batch request when behind, nothing is
// outstanding and the rate limit allows it. An unanswered request counts
// against its peer so the next one goes elsewhere.
func (s *syncer) maybeRequest() {
	if !s.behind() {
		return
	}
	if s.inflight != nil {
		if time.Since(s.inflight.sentAt) < syncRequestTimeout {
			return
		}
		s.peers.MarkFailed(s.inflight.peer)
		s.log.Debug().Str("peer", s.inflight.peer.Short()).Msg("sync request timed out")
		s.inflight = nil
	}
	peer, ok := s.peers.Best(s.cs.height)
	if !ok {
		return
	}
	if !s.limiter.Allow() {
		return
	}

	from := s.cs.height
	to := from + types.Height(s.batch) - 1
	if to > peer.Committed {
		to = peer.Committed
	}

	s.nextID++
	req := &types.SyncRequest{RequestID: s.nextID, From: from, To: to}
	if s.cs.signer != nil {
		req.Requester = s.cs.signer.Address()
	}
	s.inflight = &syncRequest{id: req.RequestID, peer: peer.Address, from: from, to: to, sentAt: time.Now()}

	s.log.Debug().
		Str("peer", peer.Address.Short()).
		Uint64("from", uint64(from)).
		Uint64("to", uint64(to)).
		Msg("requesting committed values")
	s.cs.out.unicast(peer.Address, req)
}

// onResponse buffers the commits of resp and applies every contiguous one
// starting at the current height through the commit path.
func (s *syncer) onResponse(from types.Address, resp *types.SyncResponse) error {
	if s.inflight != nil && s.inflight.id == resp.RequestID && s.inflight.peer == from {
		s.inflight = nil
		s.peers.MarkResponded(from)
	}

	var rejected *multierror.Error
	for _, cv := range resp.Commits {
		if err := cv.ValidateBasic(); err != nil {
			rejected = multierror.Append(rejected, err)
			continue
		}
		if cv.Height < s.cs.height || cv.Height > s.cs.height+maxSyncBuffer {
			continue
		}
		s.buffered[cv.Height] = cv
	}

	applied := 0
	for {
		cv, ok := s.buffered[s.cs.height]
		if !ok {
			break
		}
		delete(s.buffered, cv.Height)

		if err := s.verify(cv); err != nil {
			rejected = multierror.Append(rejected, fmt.Errorf("height %d: %w", cv.Height, err))
			break
		}
		if err := s.cs.finalizeCommit(cv.Content, cv.QC, true); err != nil {
			return err
		}
		applied++
	}
	for h := range s.buffered {
		if h < s.cs.height {
			delete(s.buffered, h)
		}
	}

	if err := rejected.ErrorOrNil(); err != nil {
		s.cs.metrics.InvalidMessage("sync_response")
		s.log.Warn().Err(err).Str("peer", from.Short()).Msg("rejected committed values")
	}
	if applied > 0 {
		s.log.Info().
			Int("applied", applied).
			Uint64("height", uint64(s.cs.height)).
			Uint64("target", uint64(s.peers.MaxCommitted())).
			Msg("applied synced commits")
	}

	s.maybeRequest()
	return nil
}

// verify checks a commit of the current height against its validator set
func (s *syncer) verify(cv *types.CommittedValue) error {
	if h := s.cs.crypto.Hash(cv.Content); h != cv.QC.Value {
		return fmt.Errorf("%w: content hashes to %s, decision is %s", ErrContentMismatch, h.Short(), cv.QC.Value.Short())
	}
	if err := s.cs.votes.VerifyQC(cv.QC); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCommit, err)
	}
	return nil
}

// serveSync answers a peer's request from the application's committed
// values. It runs on the verification pool.
func serveSync(ctx context.Context, app Application, batch uint64, self types.Address, req *types.SyncRequest) (*types.SyncResponse, error) {
	if req.From == 0 || req.To < req.From {
		return nil, fmt.Errorf("%w: sync range [%d, %d]", ErrInvalidMessage, req.From, req.To)
	}
	to := req.To
	if limit := req.From + types.Height(batch) - 1; to > limit {
		to = limit
	}

	commits, err := app.GetCommitted(ctx, req.From, to)
	if err != nil {
		return nil, err
	}
	return &types.SyncResponse{
		RequestID: req.RequestID,
		Responder: self,
		Commits:   commits,
	}, nil
}
