package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockberries/overlord/crypto"
	"github.com/blockberries/overlord/internal/testutil"
	"github.com/blockberries/overlord/leader"
	"github.com/blockberries/overlord/privval"
	"github.com/blockberries/overlord/types"
	"github.com/blockberries/overlord/wal"
)

type nopNetwork struct{}

func (nopNetwork) Broadcast(context.Context, []byte) error              { return nil }
func (nopNetwork) Unicast(context.Context, types.Address, []byte) error { return nil }

// harness drives one controller from the test goroutine, without
// receiveRoutine, so every transition is deterministic.
type harness struct {
	t    *testing.T
	keys *testutil.Keys
	idx  int
	app  *testutil.App
	eng  *Engine
	cs   *ConsensusState
}

func harnessConfig() *Config {
	cfg := DefaultConfig()
	cfg.ChainID = testutil.ChainID
	cfg.WALPath = ""
	cfg.Timeouts = TimeoutConfig{
		Propose:          time.Hour,
		Prevote:          time.Hour,
		Precommit:        time.Hour,
		Commit:           time.Hour,
		Backoff:          BackoffLinear,
		MaxBackoffRounds: 10,
	}
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxAttempts = 1
	return cfg
}

func newHarness(t *testing.T, keys *testutil.Keys, idx int, w wal.WAL) *harness {
	t.Helper()

	app := testutil.NewApp("h", keys.Set)
	eng, err := NewEngine(harnessConfig(), Options{
		App:     app,
		Network: nopNetwork{},
		Crypto:  crypto.NewEd25519(),
		Signer:  privval.NewMemoryPV(keys.Privs[idx]),
		WAL:     w,
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)

	cs := eng.state
	cs.ctx = context.Background()
	eng.verify.ctx = cs.ctx
	require.NoError(t, cs.enterHeight(1))
	cs.timeouts.Start()
	t.Cleanup(func() {
		cs.timeouts.Stop()
		eng.verify.stop()
	})

	return &harness{t: t, keys: keys, idx: idx, app: app, eng: eng, cs: cs}
}

// process handles ev and everything it raises
func (h *harness) process(ev interface{}) {
	h.t.Helper()
	require.NoError(h.t, h.cs.handleEvent(ev))
	require.NoError(h.t, h.cs.drainQueue())
}

func (h *harness) vote(i int, r types.Round, step types.Step, value types.Hash) {
	h.t.Helper()
	h.process(&voteEvent{vote: h.keys.Vote(i, h.cs.height, r, step, value)})
}

func (h *harness) timeout(step types.Step) {
	h.t.Helper()
	require.NoError(h.t, h.cs.handleTimeout(TimeoutInfo{Height: h.cs.height, Round: h.cs.round, Step: step}))
	require.NoError(h.t, h.cs.drainQueue())
}

// awaitInbox processes the next event delivered by a pool task
func (h *harness) awaitInbox() {
	h.t.Helper()
	select {
	case ev := <-h.cs.inbox:
		h.process(ev)
	case <-time.After(5 * time.Second):
		h.t.Fatal("no event delivered")
	}
}

// sent drains and decodes the outbound queue
func (h *harness) sent() []types.Message {
	h.t.Helper()
	var out []types.Message
	for {
		select {
		case m := <-h.eng.out.queue:
			msg, err := types.DecodeMessage(m.data)
			require.NoError(h.t, err)
			out = append(out, msg)
		default:
			return out
		}
	}
}

func votesOf(msgs []types.Message, step types.Step) []*types.Vote {
	var out []*types.Vote
	for _, m := range msgs {
		if v, ok := m.(*types.Vote); ok && v.Step == step {
			out = append(out, v)
		}
	}
	return out
}

func proposalsOf(msgs []types.Message) []*types.Proposal {
	var out []*types.Proposal
	for _, m := range msgs {
		if p, ok := m.(*types.Proposal); ok {
			out = append(out, p)
		}
	}
	return out
}

func leaderIndex(k *testutil.Keys, h types.Height, r types.Round) int {
	idx, _ := k.Set.GetByAddress(leader.InTurn{}.Leader(h, r, k.Set))
	return idx
}

// others returns validator indices other than the excluded ones
func others(n int, exclude ...int) []int {
	skip := make(map[int]bool)
	for _, e := range exclude {
		skip[e] = true
	}
	var out []int
	for i := 0; i < n; i++ {
		if !skip[i] {
			out = append(out, i)
		}
	}
	return out
}

func TestCommitOnQuorum(t *testing.T) {
	k := testutil.EqualKeys(4)
	l := leaderIndex(k, 1, 0)
	me := others(4, l)[0]
	h := newHarness(t, k, me, nil)

	require.NoError(t, h.cs.enterNewRound(0))
	assert.Equal(t, types.StepPropose, h.cs.step)

	content := []byte("B1")
	b1 := types.HashBytes(content)
	h.process(&proposalEvent{proposal: k.Proposal(l, 1, 0, content)})

	prevotes := votesOf(h.sent(), types.StepPrevote)
	require.Len(t, prevotes, 1)
	assert.Equal(t, b1, prevotes[0].Value)
	assert.Equal(t, types.StepPrevote, h.cs.step)

	// leader plus one more make three with our own
	h.vote(l, 0, types.StepPrevote, b1)
	third := others(4, l, me)[0]
	h.vote(third, 0, types.StepPrevote, b1)

	assert.Equal(t, int32(0), h.cs.lock.LockedRound)
	assert.Equal(t, b1, h.cs.lock.LockedValue)
	assert.Equal(t, types.StepPrecommit, h.cs.step)
	msgs := h.sent()
	precommits := votesOf(msgs, types.StepPrecommit)
	require.Len(t, precommits, 1)
	assert.Equal(t, b1, precommits[0].Value)

	h.vote(l, 0, types.StepPrecommit, b1)
	h.vote(third, 0, types.StepPrecommit, b1)

	require.Equal(t, types.Height(1), h.app.Height())
	committed := h.app.Committed()[0]
	assert.Equal(t, content, committed.Content)
	assert.Equal(t, b1, committed.QC.Value)

	assert.Equal(t, types.Height(2), h.cs.height)
	assert.Equal(t, types.StepCommit, h.cs.step)
	assert.False(t, h.cs.lock.IsLocked())

	var status *types.Status
	for _, m := range h.sent() {
		if s, ok := m.(*types.Status); ok {
			status = s
		}
	}
	require.NotNil(t, status)
	assert.Equal(t, types.Height(2), status.Height)
}

func TestEquivocatingVoteBecomesEvidence(t *testing.T) {
	k := testutil.EqualKeys(4)
	l := leaderIndex(k, 1, 0)
	me := others(4, l)[0]
	h := newHarness(t, k, me, nil)
	require.NoError(t, h.cs.enterNewRound(0))

	content := []byte("B1")
	b1 := types.HashBytes(content)
	b2 := types.HashBytes([]byte("B2"))
	h.process(&proposalEvent{proposal: k.Proposal(l, 1, 0, content)})

	byz := others(4, l, me)[0]
	h.vote(byz, 0, types.StepPrevote, b1)
	h.vote(byz, 0, types.StepPrevote, b2)

	assert.Equal(t, 1, h.eng.Evidence().Size())
	assert.Equal(t, float64(1), promtest.ToFloat64(h.cs.metrics.equivocations))
	assert.Equal(t, uint64(2), h.cs.votes.StepWeight(0, types.StepPrevote))

	h.vote(l, 0, types.StepPrevote, b1)
	qc := h.cs.votes.PrevoteQC(0)
	require.NotNil(t, qc)
	assert.Equal(t, b1, qc.Value)
	assert.Equal(t, uint64(3), qc.Weight)
}

func TestProposeTimeoutAdvancesRound(t *testing.T) {
	k := testutil.EqualKeys(4)
	l := leaderIndex(k, 1, 0)
	me := others(4, l)[0]
	h := newHarness(t, k, me, nil)
	require.NoError(t, h.cs.enterNewRound(0))

	h.timeout(types.StepPropose)
	prevotes := votesOf(h.sent(), types.StepPrevote)
	require.Len(t, prevotes, 1)
	assert.True(t, prevotes[0].IsNil())

	rest := others(4, me)
	h.vote(rest[0], 0, types.StepPrevote, types.NilHash)
	h.vote(rest[1], 0, types.StepPrevote, types.NilHash)
	require.NotNil(t, h.cs.votes.PrevoteQC(0))
	assert.Equal(t, types.StepPrecommit, h.cs.step)
	precommits := votesOf(h.sent(), types.StepPrecommit)
	require.Len(t, precommits, 1)
	assert.True(t, precommits[0].IsNil())

	h.vote(rest[0], 0, types.StepPrecommit, types.NilHash)
	h.vote(rest[1], 0, types.StepPrecommit, types.NilHash)

	assert.Equal(t, types.Round(1), h.cs.round)
	assert.Equal(t, types.StepPropose, h.cs.step)
	assert.Equal(t, types.Height(0), h.app.Height())
	assert.Equal(t, k.Address(leaderIndex(k, 1, 1)), h.cs.GetState().Proposer)
}

func TestPrevoteTimeoutPrecommitsNil(t *testing.T) {
	k := testutil.EqualKeys(4)
	h := newHarness(t, k, others(4, leaderIndex(k, 1, 0))[0], nil)
	require.NoError(t, h.cs.enterNewRound(0))

	h.timeout(types.StepPropose)
	h.timeout(types.StepPrevote)
	precommits := votesOf(h.sent(), types.StepPrecommit)
	require.Len(t, precommits, 1)
	assert.True(t, precommits[0].IsNil())

	h.timeout(types.StepPrecommit)
	assert.Equal(t, types.Round(1), h.cs.round)
	assert.Equal(t, float64(1), promtest.ToFloat64(h.cs.metrics.timeoutsFired.WithLabelValues(types.StepPrecommit.String())))

	chokes := votesOf(h.sent(), types.StepChoke)
	require.Len(t, chokes, 1, "leaving a round undecided is announced")
	assert.Equal(t, types.Round(0), chokes[0].Round)
	assert.True(t, chokes[0].IsNil())
}

func TestChokeQuorumMovesLaggingNode(t *testing.T) {
	k := testutil.EqualKeys(4)
	me := others(4, leaderIndex(k, 1, 0))[0]
	h := newHarness(t, k, me, nil)
	require.NoError(t, h.cs.enterNewRound(0))
	h.timeout(types.StepPropose)
	h.sent()

	peers := others(4, me)
	h.vote(peers[0], 0, types.StepChoke, types.NilHash)
	h.vote(peers[1], 0, types.StepChoke, types.NilHash)
	assert.Equal(t, types.Round(0), h.cs.round)

	h.vote(peers[2], 0, types.StepChoke, types.NilHash)
	assert.Equal(t, types.Round(1), h.cs.round)

	var chokeQCs int
	for _, m := range h.sent() {
		if qc, ok := m.(*types.QuorumCertificate); ok && qc.Step == types.StepChoke {
			chokeQCs++
			assert.Equal(t, types.Round(0), qc.Round)
		}
	}
	assert.Equal(t, 1, chokeQCs, "the certificate is relayed")
}

func TestChokeCertificateFromHigherRound(t *testing.T) {
	k := testutil.EqualKeys(4)
	h := newHarness(t, k, 0, nil)
	require.NoError(t, h.cs.enterNewRound(0))

	h.process(&qcEvent{qc: k.QC(1, 2, types.StepChoke, types.NilHash, 1, 2, 3)})
	assert.Equal(t, types.Round(3), h.cs.round)
}

func TestStaleTimeoutIgnored(t *testing.T) {
	k := testutil.EqualKeys(4)
	h := newHarness(t, k, others(4, leaderIndex(k, 1, 0))[0], nil)
	require.NoError(t, h.cs.enterNewRound(1))

	for _, ti := range []TimeoutInfo{
		{Height: 1, Round: 1, Step: types.StepPrevote},
		{Height: 1, Round: 0, Step: types.StepPropose},
		{Height: 2, Round: 1, Step: types.StepPropose},
	} {
		require.NoError(t, h.cs.handleTimeout(ti))
	}
	assert.Equal(t, types.Round(1), h.cs.round)
	assert.Equal(t, types.StepPropose, h.cs.step)
	assert.Empty(t, votesOf(h.sent(), types.StepPrevote))
}

func TestLockReleasedByHigherPrevoteQC(t *testing.T) {
	k := testutil.EqualKeys(4)
	b3, b4 := []byte("B3"), []byte("B4")
	h3, h4 := types.HashBytes(b3), types.HashBytes(b4)

	t.Run("certificate after nil prevote", func(t *testing.T) {
		l := leaderIndex(k, 1, 5)
		me := others(4, l)[0]
		h := newHarness(t, k, me, nil)
		h.cs.lock.Lock(2, h3, b3)
		require.NoError(t, h.cs.enterNewRound(5))

		h.process(&proposalEvent{proposal: k.Proposal(l, 1, 5, b4)})
		prevotes := votesOf(h.sent(), types.StepPrevote)
		require.Len(t, prevotes, 1)
		assert.True(t, prevotes[0].IsNil(), "locked node must not prevote another value")

		h.process(&qcEvent{qc: k.QC(1, 5, types.StepPrevote, h4, others(4, me)...)})
		assert.Equal(t, int32(5), h.cs.lock.LockedRound)
		assert.Equal(t, h4, h.cs.lock.LockedValue)
		assert.Equal(t, b4, h.cs.lock.LockedContent)
		precommits := votesOf(h.sent(), types.StepPrecommit)
		require.Len(t, precommits, 1)
		assert.Equal(t, h4, precommits[0].Value)
	})

	t.Run("certificate before proposal", func(t *testing.T) {
		l := leaderIndex(k, 1, 5)
		me := others(4, l)[0]
		h := newHarness(t, k, me, nil)
		h.cs.lock.Lock(2, h3, b3)
		require.NoError(t, h.cs.enterNewRound(5))

		h.process(&qcEvent{qc: k.QC(1, 5, types.StepPrevote, h4, others(4, me)...)})
		assert.Equal(t, types.StepPropose, h.cs.step)

		h.process(&proposalEvent{proposal: k.Proposal(l, 1, 5, b4)})
		msgs := h.sent()
		prevotes := votesOf(msgs, types.StepPrevote)
		require.Len(t, prevotes, 1)
		assert.Equal(t, h4, prevotes[0].Value)
		precommits := votesOf(msgs, types.StepPrecommit)
		require.Len(t, precommits, 1)
		assert.Equal(t, h4, precommits[0].Value)
		assert.Equal(t, int32(5), h.cs.lock.LockedRound)
	})
}

func TestLockedNodePrevotesProposalWithNewerPOL(t *testing.T) {
	k := testutil.EqualKeys(4)
	l := leaderIndex(k, 1, 4)
	me := others(4, l)[0]
	h := newHarness(t, k, me, nil)

	b3, b4 := []byte("B3"), []byte("B4")
	h.cs.lock.Lock(2, types.HashBytes(b3), b3)
	require.NoError(t, h.cs.enterNewRound(4))

	p := k.Proposal(l, 1, 4, b4)
	p.ValidRound = 3
	p.POL = k.QC(1, 3, types.StepPrevote, p.ContentHash, others(4, me)...)
	k.SignProposal(l, p)
	require.NoError(t, h.cs.proposals.ValidateProposal(p))

	h.process(&proposalEvent{proposal: p})
	prevotes := votesOf(h.sent(), types.StepPrevote)
	require.Len(t, prevotes, 1)
	assert.Equal(t, p.ContentHash, prevotes[0].Value)
}

func TestLeaderProposesFreshContent(t *testing.T) {
	k := testutil.EqualKeys(4)
	l := leaderIndex(k, 1, 0)
	h := newHarness(t, k, l, nil)

	require.NoError(t, h.cs.enterNewRound(0))
	h.awaitInbox()

	msgs := h.sent()
	props := proposalsOf(msgs)
	require.Len(t, props, 1)
	assert.Equal(t, []byte("h/1"), props[0].Content)
	assert.Equal(t, int32(types.NoValidRound), props[0].ValidRound)
	require.NoError(t, h.cs.proposals.ValidateProposal(props[0]))

	prevotes := votesOf(msgs, types.StepPrevote)
	require.Len(t, prevotes, 1)
	assert.Equal(t, props[0].ContentHash, prevotes[0].Value)
}

func TestLeaderReproposesValidValue(t *testing.T) {
	k := testutil.EqualKeys(4)
	l0 := leaderIndex(k, 1, 0)
	me := leaderIndex(k, 1, 1)
	require.NotEqual(t, l0, me)
	h := newHarness(t, k, me, nil)
	require.NoError(t, h.cs.enterNewRound(0))

	content := []byte("B1")
	b1 := types.HashBytes(content)
	h.process(&proposalEvent{proposal: k.Proposal(l0, 1, 0, content)})
	pol := k.QC(1, 0, types.StepPrevote, b1, others(4, me)...)
	h.process(&qcEvent{qc: pol})
	require.True(t, h.cs.lock.IsLocked())
	h.sent()

	h.timeout(types.StepPrecommit)
	require.Equal(t, types.Round(1), h.cs.round)

	props := proposalsOf(h.sent())
	require.Len(t, props, 1)
	assert.Equal(t, content, props[0].Content)
	assert.Equal(t, int32(0), props[0].ValidRound)
	require.NotNil(t, props[0].POL)
	assert.Equal(t, b1, props[0].POL.Value)
	require.NoError(t, h.cs.proposals.ValidateProposal(props[0]))
}

func TestLockedLeaderWithoutContentDoesNotPropose(t *testing.T) {
	k := testutil.EqualKeys(4)
	me := leaderIndex(k, 1, 1)
	h := newHarness(t, k, me, nil)
	require.NoError(t, h.cs.enterNewRound(0))

	h.timeout(types.StepPropose)
	x := types.HashBytes([]byte("X"))
	h.process(&qcEvent{qc: k.QC(1, 0, types.StepPrevote, x, others(4, me)...)})
	require.True(t, h.cs.lock.IsLocked())
	require.Nil(t, h.cs.lock.LockedContent)
	h.sent()

	h.timeout(types.StepPrecommit)
	require.Equal(t, types.Round(1), h.cs.round)
	assert.Never(t, func() bool { return len(h.cs.inbox) > 0 }, 100*time.Millisecond, 10*time.Millisecond,
		"no content is requested while locked")
	assert.Empty(t, proposalsOf(h.sent()))
	assert.Equal(t, x, h.cs.lock.LockedValue)

	h.timeout(types.StepPropose)
	prevotes := votesOf(h.sent(), types.StepPrevote)
	require.Len(t, prevotes, 1)
	assert.True(t, prevotes[0].Value.IsNil())
}

func TestRoundSkipOnWeightAtHigherRound(t *testing.T) {
	k := testutil.EqualKeys(4)
	h := newHarness(t, k, 0, nil)
	require.NoError(t, h.cs.enterNewRound(0))

	h.vote(1, 3, types.StepPrevote, types.NilHash)
	assert.Equal(t, types.Round(0), h.cs.round, "one validator is below the skip weight")

	h.vote(2, 3, types.StepPrecommit, types.NilHash)
	assert.Equal(t, types.Round(3), h.cs.round)
	assert.Equal(t, float64(1), promtest.ToFloat64(h.cs.metrics.roundsSkipped))
}

func TestHigherRoundNilPrecommitQCJumps(t *testing.T) {
	k := testutil.EqualKeys(4)
	h := newHarness(t, k, 0, nil)
	require.NoError(t, h.cs.enterNewRound(0))

	h.process(&qcEvent{qc: k.QC(1, 2, types.StepPrecommit, types.NilHash, 1, 2, 3)})
	assert.Equal(t, types.Round(3), h.cs.round)
}

func TestCertificateDuringCommitWaitIsReconciled(t *testing.T) {
	k := testutil.EqualKeys(4)
	x := types.HashBytes([]byte("X"))

	cases := []struct {
		name  string
		qc    *types.QuorumCertificate
		round types.Round
	}{
		{"prevote certificate", k.QC(1, 2, types.StepPrevote, x, 1, 2, 3), 2},
		{"nil precommit certificate", k.QC(1, 2, types.StepPrecommit, types.NilHash, 1, 2, 3), 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, k, 0, nil)
			require.Equal(t, types.StepCommit, h.cs.step)

			h.process(&qcEvent{qc: tc.qc})
			assert.Equal(t, types.Round(0), h.cs.round, "held until the round starts")

			require.NoError(t, h.cs.enterNewRound(0))
			require.NoError(t, h.cs.drainQueue())
			assert.Equal(t, tc.round, h.cs.round)
		})
	}
}

func TestDecisionWaitsForContent(t *testing.T) {
	k := testutil.EqualKeys(4)
	l := leaderIndex(k, 1, 0)
	me := others(4, l)[0]
	h := newHarness(t, k, me, nil)
	require.NoError(t, h.cs.enterNewRound(0))

	content := []byte("B1")
	b1 := types.HashBytes(content)
	peer := k.Address(l)
	h.process(&qcEvent{qc: k.QC(1, 0, types.StepPrecommit, b1, others(4, me)...), from: peer})
	assert.Equal(t, types.Height(0), h.app.Height())
	require.NotNil(t, h.cs.pendingCommit)

	var req *types.SyncRequest
	for _, m := range h.sent() {
		if r, ok := m.(*types.SyncRequest); ok {
			req = r
		}
	}
	require.NotNil(t, req, "missing content is requested from the certificate's sender")
	assert.Equal(t, types.Height(1), req.From)

	h.process(&proposalEvent{proposal: k.Proposal(l, 1, 0, content)})
	assert.Equal(t, types.Height(1), h.app.Height())
	assert.Equal(t, types.Height(2), h.cs.height)
}

func TestConflictingQCsHalt(t *testing.T) {
	k := testutil.EqualKeys(4)
	h := newHarness(t, k, 0, nil)
	require.NoError(t, h.cs.enterNewRound(0))

	a, b := types.HashBytes([]byte("A")), types.HashBytes([]byte("B"))
	h.process(&qcEvent{qc: k.QC(1, 0, types.StepPrevote, a, 1, 2, 3)})
	err := h.cs.handleEvent(&qcEvent{qc: k.QC(1, 0, types.StepPrevote, b, 0, 1, 2)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvariantViolation))
}

func TestSecondDecisionAtHeightHalts(t *testing.T) {
	k := testutil.EqualKeys(4)
	h := newHarness(t, k, 0, nil)
	require.NoError(t, h.cs.enterNewRound(0))

	x, y := types.HashBytes([]byte("X")), types.HashBytes([]byte("Y"))
	h.process(&qcEvent{qc: k.QC(1, 0, types.StepPrecommit, x, 1, 2, 3)})
	require.NotNil(t, h.cs.pendingCommit, "content of x is unknown")

	err := h.cs.handleEvent(&qcEvent{qc: k.QC(1, 1, types.StepPrecommit, y, 0, 1, 2)})
	require.ErrorIs(t, err, ErrInvariantViolation)
	assert.Equal(t, x, h.cs.pendingCommit.Value)
	assert.Equal(t, types.Height(0), h.app.Height())
}

func TestSyncedCommitConflictingWithDecisionHalts(t *testing.T) {
	k := testutil.EqualKeys(4)
	h := newHarness(t, k, 0, nil)
	require.NoError(t, h.cs.enterNewRound(0))

	h.process(&qcEvent{qc: k.QC(1, 0, types.StepPrecommit, types.HashBytes([]byte("X")), 1, 2, 3)})
	require.NotNil(t, h.cs.pendingCommit)

	peer := k.Address(2)
	err := h.cs.handleEvent(&syncResponseEvent{
		from: peer,
		resp: &types.SyncResponse{Responder: peer, Commits: []*types.CommittedValue{committedValue(k, 1, []byte("c1"))}},
	})
	require.ErrorIs(t, err, ErrInvariantViolation)
	assert.Equal(t, types.Height(0), h.app.Height())
}

func TestObserverDoesNotVote(t *testing.T) {
	k := testutil.EqualKeys(4)
	outsider := testutil.NewKeys(1, 1, 1, 1, 1)

	app := testutil.NewApp("obs", k.Set)
	eng, err := NewEngine(harnessConfig(), Options{
		App:     app,
		Network: nopNetwork{},
		Crypto:  crypto.NewEd25519(),
		Signer:  privval.NewMemoryPV(outsider.Privs[4]),
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	cs := eng.state
	cs.ctx = context.Background()
	eng.verify.ctx = cs.ctx
	require.NoError(t, cs.enterHeight(1))
	cs.timeouts.Start()
	defer cs.timeouts.Stop()
	defer eng.verify.stop()

	require.NoError(t, cs.enterNewRound(0))
	require.NoError(t, cs.handleTimeout(TimeoutInfo{Height: 1, Round: 0, Step: types.StepPropose}))
	require.NoError(t, cs.drainQueue())
	assert.Equal(t, types.StepPrevote, cs.step)
	assert.Empty(t, eng.out.queue)
}
