package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ef-ds/deque"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/blockberries/overlord/evidence"
	"github.com/blockberries/overlord/leader"
	"github.com/blockberries/overlord/types"
	"github.com/blockberries/overlord/wal"
)

// maxRoundsAhead bounds how far above the current round votes and
// proposals are kept.
const maxRoundsAhead = 1024

// RoundState is a snapshot of the controller's position
type RoundState struct {
	Height      types.Height
	Round       types.Round
	Step        types.Step
	LockedRound int32
	LockedValue types.Hash
	ValidRound  int32
	ValidValue  types.Hash
	Proposer    types.Address
	StartTime   time.Time
}

// Events consumed by receiveRoutine. Proposals, votes and certificates are
// verified against the validator set of their height before they arrive.
type (
	proposalEvent struct {
		proposal *types.Proposal
	}
	voteEvent struct {
		vote *types.Vote
		own  bool
	}
	qcEvent struct {
		qc   *types.QuorumCertificate
		from types.Address
	}
	contentEvent struct {
		height  types.Height
		round   types.Round
		content []byte
		err     error
	}
	futureEvent struct {
		msg    types.Message
		height types.Height
		from   types.Address
	}
	statusEvent struct {
		status *types.Status
		from   types.Address
	}
	syncResponseEvent struct {
		resp *types.SyncResponse
		from types.Address
	}
)

// ConsensusState is the height-round controller. A single goroutine,
// receiveRoutine, owns every field below the inbox; other goroutines only
// read the snapshot.
type ConsensusState struct {
	config   *Config
	log      zerolog.Logger
	metrics  *Metrics
	app      Application
	crypto   Crypto
	signer   Signer
	wal      wal.WAL
	evpool   *evidence.Pool
	selector leader.Selector
	timeouts *TimeoutScheduler
	out      *outbound
	verify   *verifier

	inbox chan interface{}
	// events raised while handling another event
	queue []interface{}

	height    types.Height
	round     types.Round
	step      types.Step
	valSet    *types.ValidatorSet
	votes     *VoteAggregator
	proposals *ProposalManager
	lock      LockedState
	startTime time.Time
	resumed   bool

	// a decision whose content has not been seen yet
	pendingCommit *types.QuorumCertificate

	// messages for heights above ours, oldest first
	future deque.Deque
	sync   *syncer

	mu       sync.RWMutex
	snapshot RoundState

	ctx  context.Context
	done chan struct{}
	err  *atomic.Error
}

func newConsensusState(cfg *Config, opts *Options, sel leader.Selector, out *outbound, verify *verifier, log zerolog.Logger) *ConsensusState {
	cs := &ConsensusState{
		config:   cfg,
		log:      log.With().Str("component", "consensus").Logger(),
		metrics:  opts.Metrics,
		app:      opts.App,
		crypto:   opts.Crypto,
		signer:   opts.Signer,
		wal:      opts.WAL,
		evpool:   opts.Evidence,
		selector: sel,
		timeouts: NewTimeoutScheduler(cfg.Timeouts, log),
		out:      out,
		verify:   verify,
		inbox:    make(chan interface{}, cfg.InboxSize),
		lock:     NewLockedState(),
		done:     make(chan struct{}),
		err:      atomic.NewError(nil),
	}
	cs.sync = newSyncer(cs, cfg, log)
	return cs
}

// start loads the height to decide, replays the WAL and launches
// receiveRoutine.
func (cs *ConsensusState) start(ctx context.Context) error {
	cs.ctx = ctx

	var latest types.Height
	err := retryAdapter(ctx, cs.config, cs.log, "latest_height", func(ctx context.Context) error {
		var err error
		latest, err = cs.app.LatestHeight(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("load latest height: %w", err)
	}
	if err := cs.enterHeight(latest + 1); err != nil {
		return err
	}

	resumed, err := cs.replay()
	if err != nil {
		return err
	}
	cs.resumed = resumed

	cs.timeouts.Start()
	go cs.receiveRoutine(ctx)
	return nil
}

func (cs *ConsensusState) stop() {
	cs.timeouts.Stop()
}

// deliver hands an event to receiveRoutine, blocking while the inbox is full
func (cs *ConsensusState) deliver(ctx context.Context, ev interface{}) error {
	select {
	case cs.inbox <- ev:
		return nil
	case <-cs.done:
		return ErrNotStarted
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue schedules an event raised by the controller itself
func (cs *ConsensusState) enqueue(ev interface{}) {
	cs.queue = append(cs.queue, ev)
}

// GetState returns a snapshot of the controller
func (cs *ConsensusState) GetState() RoundState {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.snapshot
}

// Err returns the error that halted the controller, if any
func (cs *ConsensusState) Err() error {
	return cs.err.Load()
}

func (cs *ConsensusState) updateSnapshot() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.snapshot = RoundState{
		Height:      cs.height,
		Round:       cs.round,
		Step:        cs.step,
		LockedRound: cs.lock.LockedRound,
		LockedValue: cs.lock.LockedValue,
		ValidRound:  cs.lock.ValidRound,
		ValidValue:  cs.lock.ValidValue,
		Proposer:    cs.proposals.Leader(cs.round),
		StartTime:   cs.startTime,
	}
}

func (cs *ConsensusState) receiveRoutine(ctx context.Context) {
	defer close(cs.done)

	syncTicker := time.NewTicker(cs.config.SyncRequestRate)
	defer syncTicker.Stop()

	err := cs.resume()
	for err == nil {
		if err = cs.drainQueue(); err != nil {
			break
		}

		select {
		case <-ctx.Done():
			return
		case ev := <-cs.inbox:
			err = cs.handleEvent(ev)
		case ti := <-cs.timeouts.Chan():
			err = cs.handleTimeout(ti)
		case <-syncTicker.C:
			cs.sync.maybeRequest()
		}
	}

	cs.err.Store(err)
	if errors.Is(err, ErrInvariantViolation) {
		cs.log.Error().Err(err).
			Uint64("height", uint64(cs.height)).
			Uint32("round", uint32(cs.round)).
			Msg("consensus halted: invariant violation")
		return
	}
	cs.log.Error().Err(err).Msg("consensus halted")
}

func (cs *ConsensusState) drainQueue() error {
	for len(cs.queue) > 0 {
		ev := cs.queue[0]
		cs.queue[0] = nil
		cs.queue = cs.queue[1:]
		if err := cs.handleEvent(ev); err != nil {
			return err
		}
	}
	return nil
}

func (cs *ConsensusState) handleEvent(ev interface{}) error {
	switch ev := ev.(type) {
	case *proposalEvent:
		return cs.handleProposal(ev.proposal)
	case *voteEvent:
		return cs.handleVote(ev.vote, ev.own)
	case *qcEvent:
		return cs.handleQC(ev.qc, ev.from)
	case *contentEvent:
		return cs.handleContent(ev)
	case *futureEvent:
		cs.handleFuture(ev)
	case *statusEvent:
		cs.sync.onPeerHeight(ev.from, ev.status.Height)
	case *syncResponseEvent:
		return cs.sync.onResponse(ev.from, ev.resp)
	default:
		cs.log.Warn().Str("type", fmt.Sprintf("%T", ev)).Msg("unknown event")
	}
	return nil
}

// --- Height and round transitions ---

// enterHeight loads the validators of height and resets the per-height
// arena. The controller waits in the commit step until round 0 starts.
func (cs *ConsensusState) enterHeight(height types.Height) error {
	var vs *types.ValidatorSet
	err := retryAdapter(cs.ctx, cs.config, cs.log, "validator_set", func(ctx context.Context) error {
		var err error
		vs, err = cs.app.GetValidatorSet(ctx, height)
		return err
	})
	if err != nil {
		return fmt.Errorf("load validator set for height %d: %w", height, err)
	}

	cs.height = height
	cs.round = 0
	cs.step = types.StepCommit
	cs.valSet = vs
	cs.votes = NewVoteAggregator(cs.config.ChainID, height, vs, cs.crypto)
	cs.proposals = NewProposalManager(cs.config.ChainID, height, vs, cs.selector, cs.crypto)
	cs.lock = NewLockedState()
	cs.pendingCommit = nil
	cs.startTime = time.Now()

	cs.verify.setView(height, cs.votes, cs.proposals)
	cs.metrics.HeightEntered(height, 0)
	cs.updateSnapshot()
	cs.releaseFuture()
	return nil
}

// resume starts the first round after start, continuing a replayed round
// when the WAL had one.
func (cs *ConsensusState) resume() error {
	if !cs.resumed {
		return cs.enterNewRound(0)
	}
	if qc := cs.votes.DecisionQC(); qc != nil {
		return cs.tryCommit(qc, types.Address{})
	}

	round := cs.round
	var prevote, precommit *types.Vote
	if cs.isValidator() {
		prevote = cs.votes.Vote(round, types.StepPrevote, cs.signer.Address())
		precommit = cs.votes.Vote(round, types.StepPrecommit, cs.signer.Address())
	}

	cs.log.Info().
		Uint64("height", uint64(cs.height)).
		Uint32("round", uint32(round)).
		Bool("prevoted", prevote != nil).
		Bool("precommitted", precommit != nil).
		Msg("resuming round from WAL")

	switch {
	case precommit != nil:
		cs.step = types.StepPrecommit
		if prevote != nil {
			cs.out.broadcast(prevote)
		}
		cs.out.broadcast(precommit)
		cs.scheduleTimeout(types.StepPrecommit)
		cs.updateSnapshot()
		return nil

	case prevote != nil:
		cs.step = types.StepPrevote
		cs.out.broadcast(prevote)
		cs.scheduleTimeout(types.StepPrevote)
		cs.updateSnapshot()
		if qc := cs.votes.PrevoteQC(round); qc != nil {
			return cs.onPrevoteQC(qc)
		}
		return nil

	default:
		cs.step = types.StepCommit
		return cs.enterNewRound(round)
	}
}

// enterNewRound moves to Propose of round. Round 0 is entered from the
// commit wait of a fresh height.
func (cs *ConsensusState) enterNewRound(round types.Round) error {
	if round < cs.round || (round == cs.round && cs.step != types.StepCommit) {
		return nil
	}

	cs.round = round
	cs.step = types.StepPropose
	cs.metrics.RoundEntered(round)

	proposer := cs.proposals.Leader(round)
	cs.log.Info().
		Uint64("height", uint64(cs.height)).
		Uint32("round", uint32(round)).
		Str("proposer", proposer.Short()).
		Msg("entering new round")

	cs.writeState()
	cs.updateSnapshot()
	cs.scheduleTimeout(types.StepPropose)

	// f+1 weight already moved on
	if r, ok := cs.votes.SkipRound(round); ok {
		cs.metrics.RoundSkipped()
		cs.log.Info().Uint32("from", uint32(round)).Uint32("to", uint32(r)).Msg("skipping to higher round")
		return cs.enterNewRound(r)
	}

	if cs.isValidator() && proposer == cs.signer.Address() {
		if err := cs.propose(round); err != nil {
			return err
		}
	}

	if qc := cs.votes.PrecommitQC(round); qc != nil && qc.IsNil() {
		return cs.enterNewRound(round + 1)
	}
	if qc := cs.votes.ChokeQC(round); qc != nil {
		return cs.enterNewRound(round + 1)
	}
	if p := cs.proposals.Get(round); p != nil {
		return cs.enterPrevote(round, false)
	}
	return nil
}

// propose re-broadcasts a proposal replayed from the WAL, re-proposes a
// held value, or asks the application for fresh content. A locked leader
// never proposes a new value: without the locked content or its proof of
// lock it stays silent and the round times out.
func (cs *ConsensusState) propose(round types.Round) error {
	addr := cs.signer.Address()

	if p := cs.proposals.Get(round); p != nil && p.Proposer == addr {
		cs.out.broadcast(p)
		return nil
	}
	if p := cs.proposals.Reproposal(round, addr, &cs.lock, cs.votes); p != nil {
		cs.log.Info().
			Uint32("round", uint32(round)).
			Int32("valid_round", p.ValidRound).
			Str("value", p.ContentHash.Short()).
			Msg("re-proposing held value")
		return cs.signAndSendProposal(p)
	}
	if cs.lock.IsLocked() {
		cs.log.Warn().
			Uint32("round", uint32(round)).
			Int32("locked_round", cs.lock.LockedRound).
			Str("locked", cs.lock.LockedValue.Short()).
			Msg("locked value cannot be re-proposed, skipping proposal")
		return nil
	}

	height := cs.height
	cs.verify.submitTask(func() {
		var content []byte
		err := retryAdapter(cs.ctx, cs.config, cs.log, "content", func(ctx context.Context) error {
			var err error
			content, err = cs.app.GetContentToPropose(ctx, height)
			return err
		})
		_ = cs.deliver(cs.ctx, &contentEvent{height: height, round: round, content: content, err: err})
	})
	return nil
}

func (cs *ConsensusState) handleContent(ev *contentEvent) error {
	if ev.height != cs.height || ev.round != cs.round || cs.step != types.StepPropose {
		cs.log.Debug().Uint64("height", uint64(ev.height)).Uint32("round", uint32(ev.round)).Msg("discarding late proposal content")
		return nil
	}
	if ev.err != nil {
		cs.log.Warn().Err(ev.err).Msg("application returned no content to propose")
		return nil
	}
	if cs.proposals.Get(ev.round) != nil {
		return nil
	}
	p := cs.proposals.NewProposal(ev.round, cs.signer.Address(), ev.content)
	return cs.signAndSendProposal(p)
}

// enterPrevote casts this round's prevote. On timeout the prevote is nil.
func (cs *ConsensusState) enterPrevote(round types.Round, timedOut bool) error {
	if round != cs.round || cs.step >= types.StepPrevote {
		return nil
	}
	cs.step = types.StepPrevote

	value := types.NilHash
	if !timedOut {
		value = cs.prevoteValue(round)
	}
	cs.log.Debug().
		Uint32("round", uint32(round)).
		Str("value", value.Short()).
		Bool("timeout", timedOut).
		Msg("prevoting")

	cs.writeState()
	cs.updateSnapshot()
	cs.scheduleTimeout(types.StepPrevote)
	if err := cs.signAndSendVote(types.StepPrevote, value); err != nil {
		return err
	}

	if qc := cs.votes.PrevoteQC(round); qc != nil {
		return cs.onPrevoteQC(qc)
	}
	return nil
}

// prevoteValue applies the lock rule to the proposal of round
func (cs *ConsensusState) prevoteValue(round types.Round) types.Hash {
	p := cs.proposals.Get(round)
	if p == nil {
		return types.NilHash
	}
	if err := cs.app.CheckContent(cs.ctx, cs.height, p.Content); err != nil {
		cs.log.Warn().Err(err).Str("value", p.ContentHash.Short()).Msg("application rejected proposal content")
		return types.NilHash
	}

	polRound := types.NoValidRound
	if p.HasPOL() {
		polRound = p.ValidRound
	}
	if cs.lock.IsLocked() && int32(round) > cs.lock.LockedRound {
		from := types.Round(cs.lock.LockedRound + 1)
		if qc := cs.votes.LatestPrevoteQC(p.ContentHash, from, round); qc != nil && int32(qc.Round) > polRound {
			polRound = int32(qc.Round)
		}
	}

	if !cs.lock.AllowsPrevote(p.ContentHash, polRound) {
		cs.log.Info().
			Int32("locked_round", cs.lock.LockedRound).
			Str("locked", cs.lock.LockedValue.Short()).
			Str("proposed", p.ContentHash.Short()).
			Msg("locked on another value, prevoting nil")
		return types.NilHash
	}
	return p.ContentHash
}

// onPrevoteQC reacts to the prevote certificate of the current round
func (cs *ConsensusState) onPrevoteQC(qc *types.QuorumCertificate) error {
	if qc.Round != cs.round {
		return nil
	}

	// in Propose the certificate is picked up once this node prevotes
	switch cs.step {
	case types.StepPrevote:
		if !qc.IsNil() {
			content, _ := cs.contentFor(qc.Value)
			if cs.lock.Lock(qc.Round, qc.Value, content) {
				cs.log.Info().
					Uint32("round", uint32(qc.Round)).
					Str("value", qc.Value.Short()).
					Msg("locked value")
			}
			cs.lock.SetValid(qc.Round, qc.Value, content)
		}
		return cs.enterPrecommit(qc.Round, qc.Value)

	case types.StepPrecommit:
		if !qc.IsNil() {
			content, _ := cs.contentFor(qc.Value)
			cs.lock.SetValid(qc.Round, qc.Value, content)
			cs.updateSnapshot()
		}
	}
	return nil
}

func (cs *ConsensusState) enterPrecommit(round types.Round, value types.Hash) error {
	if round != cs.round || cs.step >= types.StepPrecommit {
		return nil
	}
	cs.step = types.StepPrecommit

	cs.log.Debug().Uint32("round", uint32(round)).Str("value", value.Short()).Msg("precommitting")
	cs.writeState()
	cs.updateSnapshot()
	cs.scheduleTimeout(types.StepPrecommit)
	return cs.signAndSendVote(types.StepPrecommit, value)
}

func (cs *ConsensusState) handleTimeout(ti TimeoutInfo) error {
	if ti.Height != cs.height || ti.Round != cs.round || ti.Step != cs.step {
		cs.log.Debug().Stringer("timeout", ti).Msg("ignoring stale timeout")
		return nil
	}

	cs.log.Debug().Stringer("timeout", ti).Msg("timeout fired")
	cs.metrics.TimeoutFired(ti.Step)
	cs.walWrite(wal.NewTimeoutMessage(ti.Height, ti.Round, ti.Step))

	switch ti.Step {
	case types.StepPropose:
		return cs.enterPrevote(ti.Round, true)
	case types.StepPrevote:
		return cs.enterPrecommit(ti.Round, types.NilHash)
	case types.StepPrecommit:
		if err := cs.signAndSendVote(types.StepChoke, types.NilHash); err != nil {
			return err
		}
		return cs.enterNewRound(ti.Round + 1)
	case types.StepCommit:
		return cs.enterNewRound(0)
	}
	return nil
}

func (cs *ConsensusState) scheduleTimeout(step types.Step) {
	cs.timeouts.Schedule(TimeoutInfo{Height: cs.height, Round: cs.round, Step: step})
}

// --- Inbound messages ---

func (cs *ConsensusState) handleProposal(p *types.Proposal) error {
	if p.Height != cs.height || p.Round > cs.round+maxRoundsAhead {
		return nil
	}

	added, ev := cs.proposals.AddProposal(p)
	if ev != nil {
		cs.metrics.Equivocation()
		cs.log.Warn().Stringer("evidence", ev).Msg("proposer equivocated")
		if err := cs.evpool.AddDuplicateProposal(ev, cs.valSet); err != nil && !errors.Is(err, evidence.ErrDuplicateEvidence) {
			cs.log.Warn().Err(err).Msg("failed to record proposal evidence")
		}
		return nil
	}
	if !added {
		return nil
	}
	cs.walWrite(wal.NewProposalMessage(p))

	cs.log.Debug().
		Uint32("round", uint32(p.Round)).
		Str("proposer", p.Proposer.Short()).
		Str("value", p.ContentHash.Short()).
		Int32("valid_round", p.ValidRound).
		Msg("received proposal")

	if qc := cs.pendingCommit; qc != nil && qc.Value == p.ContentHash {
		return cs.finalizeCommit(p.Content, qc, false)
	}
	if p.Round == cs.round && cs.step == types.StepPropose {
		return cs.enterPrevote(p.Round, false)
	}
	return nil
}

func (cs *ConsensusState) handleVote(v *types.Vote, own bool) error {
	if v.Height != cs.height || v.Round > cs.round+maxRoundsAhead {
		return nil
	}
	if !own {
		cs.walWrite(wal.NewVoteMessage(v))
	}

	qc, err := cs.votes.AddVerifiedVote(v)
	var conflict *ConflictingVoteError
	switch {
	case errors.As(err, &conflict):
		cs.metrics.Equivocation()
		cs.log.Warn().Stringer("existing", conflict.Existing).Stringer("conflicting", conflict.Conflicting).Msg("validator equivocated")
		if err := cs.evpool.AddDuplicateVote(conflict.Evidence(), cs.valSet); err != nil && !errors.Is(err, evidence.ErrDuplicateEvidence) {
			cs.log.Warn().Err(err).Msg("failed to record vote evidence")
		}
		return nil
	case errors.Is(err, ErrInvariantViolation):
		return err
	case err != nil:
		cs.metrics.InvalidMessage("vote")
		cs.log.Warn().Err(err).Stringer("vote", v).Msg("rejected vote")
		return nil
	}

	if qc != nil {
		cs.metrics.QCFormed(qc.Step)
		cs.log.Debug().Stringer("qc", qc).Msg("formed quorum certificate")
		cs.walWrite(wal.NewQCMessage(qc))
		cs.out.broadcast(qc)
		if err := cs.onQC(qc, types.Address{}); err != nil {
			return err
		}
	}

	if v.Height == cs.height && v.Round > cs.round && cs.step != types.StepCommit &&
		cs.votes.RoundWeight(v.Round) >= cs.valSet.SkipWeight() {
		cs.metrics.RoundSkipped()
		cs.log.Info().Uint32("from", uint32(cs.round)).Uint32("to", uint32(v.Round)).Msg("skipping to higher round")
		return cs.enterNewRound(v.Round)
	}
	return nil
}

func (cs *ConsensusState) handleQC(qc *types.QuorumCertificate, from types.Address) error {
	if qc.Height != cs.height || qc.Round > cs.round+maxRoundsAhead {
		return nil
	}
	added, err := cs.votes.AddVerifiedQC(qc)
	if err != nil {
		if errors.Is(err, ErrInvariantViolation) {
			return err
		}
		cs.metrics.InvalidMessage("qc")
		cs.log.Warn().Err(err).Stringer("qc", qc).Msg("rejected quorum certificate")
		return nil
	}
	if !added {
		return nil
	}
	cs.walWrite(wal.NewQCMessage(qc))
	return cs.onQC(qc, from)
}

// onQC drives the state machine from a new certificate of this height
func (cs *ConsensusState) onQC(qc *types.QuorumCertificate, from types.Address) error {
	if qc.Step == types.StepPrecommit && !qc.IsNil() {
		return cs.tryCommit(qc, from)
	}

	switch {
	case qc.Round < cs.round:
		if qc.Step == types.StepPrevote && !qc.IsNil() {
			content, _ := cs.contentFor(qc.Value)
			cs.lock.SetValid(qc.Round, qc.Value, content)
		}
		return nil

	case cs.step == types.StepCommit:
		// reconciled when the round starts
		return nil

	case qc.Round > cs.round:
		target := qc.Round
		if qc.Step != types.StepPrevote {
			target++
		}
		cs.metrics.RoundSkipped()
		cs.log.Info().Uint32("from", uint32(cs.round)).Uint32("to", uint32(target)).Stringer("qc", qc).Msg("certificate from higher round")
		return cs.enterNewRound(target)
	}

	if qc.Step == types.StepPrevote {
		return cs.onPrevoteQC(qc)
	}
	return cs.enterNewRound(cs.round + 1)
}

func (cs *ConsensusState) handleFuture(ev *futureEvent) {
	switch {
	case ev.height < cs.height:
		return
	case ev.height == cs.height:
		cs.verify.submit(ev.from, ev.msg)
		return
	}

	if cs.future.Len() >= cs.config.MaxFutureMessages {
		cs.future.PopFront()
	}
	cs.future.PushBack(ev)
	cs.sync.onPeerHeight(ev.from, ev.height)
}

// releaseFuture re-submits buffered messages of the current height for
// verification and drops those below it.
func (cs *ConsensusState) releaseFuture() {
	for n := cs.future.Len(); n > 0; n-- {
		item, ok := cs.future.PopFront()
		if !ok {
			return
		}
		ev := item.(*futureEvent)
		switch {
		case ev.height == cs.height:
			cs.verify.submit(ev.from, ev.msg)
		case ev.height > cs.height:
			cs.future.PushBack(ev)
		}
	}
}

// --- Commit ---

// tryCommit commits qc's value once its content is known
func (cs *ConsensusState) tryCommit(qc *types.QuorumCertificate, from types.Address) error {
	if qc.Height != cs.height {
		return nil
	}
	if err := cs.checkDecision(qc); err != nil {
		return err
	}
	content, ok := cs.contentFor(qc.Value)
	if !ok {
		cs.pendingCommit = qc
		cs.log.Info().Stringer("qc", qc).Msg("decided, waiting for content")
		if !from.IsZero() {
			cs.sync.request(from, cs.height)
		}
		return nil
	}
	return cs.finalizeCommit(content, qc, false)
}

// checkDecision fails when this height already holds a decision for another
// value, whether waiting for its content or certified in another round.
func (cs *ConsensusState) checkDecision(qc *types.QuorumCertificate) error {
	other := cs.votes.ConflictingDecision(qc.Value)
	if p := cs.pendingCommit; p != nil && p.Value != qc.Value {
		other = p
	}
	if other == nil {
		return nil
	}
	cs.log.Error().
		Uint64("height", uint64(cs.height)).
		Stringer("decided", other).
		Stringer("conflicting", qc).
		Msg("two decisions at one height")
	return fmt.Errorf("%w: height %d decided %s at round %d and %s at round %d",
		ErrInvariantViolation, cs.height, other.Value.Short(), other.Round, qc.Value.Short(), qc.Round)
}

// finalizeCommit hands the decision to the application and moves to the
// next height. It is shared by consensus and sync.
func (cs *ConsensusState) finalizeCommit(content []byte, qc *types.QuorumCertificate, synced bool) error {
	height := cs.height
	if qc.Height != height || qc.Step != types.StepPrecommit || qc.IsNil() {
		return fmt.Errorf("%w: commit of %s at height %d", ErrInvariantViolation, qc, height)
	}
	if h := cs.crypto.Hash(content); h != qc.Value {
		return fmt.Errorf("%w: committing content %s for decision %s", ErrInvariantViolation, h.Short(), qc.Value.Short())
	}
	if err := cs.checkDecision(qc); err != nil {
		return err
	}

	err := retryAdapter(cs.ctx, cs.config, cs.log, "commit", func(ctx context.Context) error {
		return cs.app.Commit(ctx, height, content, qc)
	})
	if err != nil {
		return fmt.Errorf("commit height %d: %w", height, err)
	}
	if err := cs.wal.WriteSync(wal.NewEndHeightMessage(height)); err != nil {
		return fmt.Errorf("%w: end height %d: %v", ErrWALWrite, height, err)
	}

	took := time.Since(cs.startTime)
	cs.metrics.HeightCommitted(took)
	if synced {
		cs.metrics.HeightSynced()
	}
	cs.evpool.Update(height)
	cs.log.Info().
		Uint64("height", uint64(height)).
		Uint32("round", uint32(qc.Round)).
		Str("value", qc.Value.Short()).
		Dur("took", took).
		Bool("synced", synced).
		Msg("committed")

	if err := cs.enterHeight(height + 1); err != nil {
		return err
	}

	status := &types.Status{Height: cs.height}
	if cs.signer != nil {
		status.Sender = cs.signer.Address()
	}
	cs.out.broadcast(status)

	if cs.config.Timeouts.Commit == 0 {
		return cs.enterNewRound(0)
	}
	cs.scheduleTimeout(types.StepCommit)
	return nil
}

// --- Signing and persistence ---

func (cs *ConsensusState) isValidator() bool {
	return cs.signer != nil && cs.valSet.Has(cs.signer.Address())
}

func (cs *ConsensusState) signAndSendVote(step types.Step, value types.Hash) error {
	if !cs.isValidator() {
		return nil
	}
	vote := &types.Vote{
		Height: cs.height,
		Round:  cs.round,
		Step:   step,
		Voter:  cs.signer.Address(),
		Value:  value,
	}
	if err := cs.signer.SignVote(cs.config.ChainID, vote); err != nil {
		cs.log.Error().Err(err).Stringer("vote", vote).Msg("failed to sign vote")
		return nil
	}
	if err := cs.walWriteSync(wal.NewVoteMessage(vote)); err != nil {
		return err
	}

	cs.out.broadcast(vote)
	cs.enqueue(&voteEvent{vote: vote, own: true})
	return nil
}

func (cs *ConsensusState) signAndSendProposal(p *types.Proposal) error {
	if err := cs.signer.SignProposal(cs.config.ChainID, p); err != nil {
		cs.log.Error().Err(err).Uint32("round", uint32(p.Round)).Msg("failed to sign proposal")
		return nil
	}
	if err := cs.walWriteSync(wal.NewProposalMessage(p)); err != nil {
		return err
	}

	cs.log.Info().
		Uint64("height", uint64(p.Height)).
		Uint32("round", uint32(p.Round)).
		Str("value", p.ContentHash.Short()).
		Msg("proposing")
	cs.out.broadcast(p)
	cs.enqueue(&proposalEvent{proposal: p})
	return nil
}

// contentFor returns the content of value from the lock or any proposal of
// this height
func (cs *ConsensusState) contentFor(value types.Hash) ([]byte, bool) {
	if c, ok := cs.lock.Content(value); ok {
		return c, true
	}
	return cs.proposals.Content(value)
}

func (cs *ConsensusState) writeState() {
	cs.walWrite(wal.NewStateMessage(&wal.StateRecord{
		Height:      cs.height,
		Round:       cs.round,
		Step:        cs.step,
		LockedRound: cs.lock.LockedRound,
		LockedValue: cs.lock.LockedValue,
		ValidRound:  cs.lock.ValidRound,
		ValidValue:  cs.lock.ValidValue,
	}))
}

// walWrite records an inbound message or transition. Failures are logged.
func (cs *ConsensusState) walWrite(msg *wal.Message, err error) {
	if err == nil {
		if cs.config.WALSync {
			err = cs.wal.WriteSync(msg)
		} else {
			err = cs.wal.Write(msg)
		}
	}
	if err != nil {
		cs.log.Error().Err(err).Msg("failed to write WAL")
	}
}

// walWriteSync persists a message this node signed before it is sent
func (cs *ConsensusState) walWriteSync(msg *wal.Message, err error) error {
	if err == nil {
		err = cs.wal.WriteSync(msg)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWALWrite, err)
	}
	return nil
}
