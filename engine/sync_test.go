package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/blockberries/overlord/internal/testutil"
	"github.com/blockberries/overlord/types"
)

func committedValue(k *testutil.Keys, h types.Height, content []byte) *types.CommittedValue {
	return &types.CommittedValue{
		Height:  h,
		Content: content,
		QC:      k.QC(h, 0, types.StepPrecommit, types.HashBytes(content), 0, 1, 2),
	}
}

func syncRequests(msgs []types.Message) []*types.SyncRequest {
	var out []*types.SyncRequest
	for _, m := range msgs {
		if r, ok := m.(*types.SyncRequest); ok {
			out = append(out, r)
		}
	}
	return out
}

func TestFutureMessageTriggersSync(t *testing.T) {
	k := testutil.EqualKeys(4)
	h := newHarness(t, k, 0, nil)
	require.NoError(t, h.cs.enterNewRound(0))

	peer := k.Address(1)
	v := k.Vote(1, 3, 0, types.StepPrevote, types.NilHash)
	h.process(&futureEvent{msg: v, height: v.Height, from: peer})

	assert.Equal(t, 1, h.cs.future.Len())
	reqs := syncRequests(h.sent())
	require.Len(t, reqs, 1)
	assert.Equal(t, types.Height(1), reqs[0].From)
	assert.Equal(t, types.Height(2), reqs[0].To)
	assert.Equal(t, k.Address(0), reqs[0].Requester)

	// a second announcement while the request is outstanding is absorbed
	h.process(&statusEvent{status: &types.Status{Height: 3, Sender: peer}, from: peer})
	assert.Empty(t, syncRequests(h.sent()))

	h.process(&syncResponseEvent{
		from: peer,
		resp: &types.SyncResponse{
			RequestID: reqs[0].RequestID,
			Responder: peer,
			Commits: []*types.CommittedValue{
				committedValue(k, 2, []byte("c2")),
				committedValue(k, 1, []byte("c1")),
			},
		},
	})

	require.Equal(t, types.Height(2), h.app.Height())
	assert.Equal(t, []byte("c1"), h.app.Committed()[0].Content)
	assert.Equal(t, []byte("c2"), h.app.Committed()[1].Content)
	assert.Equal(t, types.Height(3), h.cs.height)
	assert.Equal(t, float64(2), promtest.ToFloat64(h.cs.metrics.syncedHeights))
	assert.Zero(t, h.cs.future.Len(), "buffered message is released at its height")
	assert.Nil(t, h.cs.sync.inflight)
}

func TestSyncFailsOverToAnotherPeer(t *testing.T) {
	k := testutil.EqualKeys(4)
	h := newHarness(t, k, 0, nil)
	require.NoError(t, h.cs.enterNewRound(0))
	h.cs.sync.limiter = rate.NewLimiter(rate.Inf, 1)

	slow, other := k.Address(1), k.Address(2)
	h.process(&statusEvent{status: &types.Status{Height: 4, Sender: slow}, from: slow})
	h.process(&statusEvent{status: &types.Status{Height: 3, Sender: other}, from: other})
	reqs := h.sent()
	require.Len(t, syncRequests(reqs), 1)
	require.NotNil(t, h.cs.sync.inflight)
	assert.Equal(t, slow, h.cs.sync.inflight.peer, "highest peer is asked first")
	assert.Equal(t, types.Height(3), h.cs.sync.inflight.to)

	h.cs.sync.inflight.sentAt = time.Now().Add(-2 * syncRequestTimeout)
	h.cs.sync.maybeRequest()
	require.Len(t, syncRequests(h.sent()), 1)
	assert.Equal(t, other, h.cs.sync.inflight.peer)
	assert.Equal(t, types.Height(2), h.cs.sync.inflight.to)

	p, ok := h.cs.sync.peers.Get(slow)
	require.True(t, ok)
	assert.Equal(t, 1, p.Failures)
}

func TestSyncRejectsInvalidCommits(t *testing.T) {
	k := testutil.EqualKeys(4)
	peer := k.Address(1)

	cases := []struct {
		name string
		cv   *types.CommittedValue
	}{
		{
			name: "content does not match decision",
			cv: &types.CommittedValue{
				Height:  1,
				Content: []byte("forged"),
				QC:      k.QC(1, 0, types.StepPrecommit, types.HashBytes([]byte("c1")), 0, 1, 2),
			},
		},
		{
			name: "certificate below quorum",
			cv: &types.CommittedValue{
				Height:  1,
				Content: []byte("c1"),
				QC:      k.QC(1, 0, types.StepPrecommit, types.HashBytes([]byte("c1")), 0, 1),
			},
		},
		{
			name: "prevote certificate",
			cv: &types.CommittedValue{
				Height:  1,
				Content: []byte("c1"),
				QC:      k.QC(1, 0, types.StepPrevote, types.HashBytes([]byte("c1")), 0, 1, 2),
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, k, 0, nil)
			require.NoError(t, h.cs.enterNewRound(0))

			h.process(&syncResponseEvent{
				from: peer,
				resp: &types.SyncResponse{Responder: peer, Commits: []*types.CommittedValue{tc.cv}},
			})
			assert.Equal(t, types.Height(0), h.app.Height())
			assert.Equal(t, types.Height(1), h.cs.height)
			assert.Equal(t, float64(1), promtest.ToFloat64(h.cs.metrics.invalidMessages.WithLabelValues("sync_response")))
		})
	}
}

func TestSyncIgnoresGapsAndOldHeights(t *testing.T) {
	k := testutil.EqualKeys(4)
	h := newHarness(t, k, 0, nil)
	require.NoError(t, h.cs.enterNewRound(0))
	peer := k.Address(2)

	h.process(&syncResponseEvent{
		from: peer,
		resp: &types.SyncResponse{Commits: []*types.CommittedValue{committedValue(k, 2, []byte("c2"))}},
	})
	assert.Equal(t, types.Height(1), h.cs.height)
	assert.Len(t, h.cs.sync.buffered, 1)

	h.process(&syncResponseEvent{
		from: peer,
		resp: &types.SyncResponse{Commits: []*types.CommittedValue{committedValue(k, 1, []byte("c1"))}},
	})
	assert.Equal(t, types.Height(3), h.cs.height)
	assert.Empty(t, h.cs.sync.buffered)

	h.process(&syncResponseEvent{
		from: peer,
		resp: &types.SyncResponse{Commits: []*types.CommittedValue{committedValue(k, 1, []byte("c1"))}},
	})
	assert.Equal(t, types.Height(2), h.app.Height())
}

func TestStatusFromPeerAtSameHeightIsIgnored(t *testing.T) {
	k := testutil.EqualKeys(4)
	h := newHarness(t, k, 0, nil)
	require.NoError(t, h.cs.enterNewRound(0))

	h.process(&statusEvent{status: &types.Status{Height: 1}, from: k.Address(3)})
	assert.Empty(t, syncRequests(h.sent()))
	assert.False(t, h.cs.sync.behind())
}

func TestServeSync(t *testing.T) {
	k := testutil.EqualKeys(4)
	app := testutil.NewApp("s", k.Set)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		cv := committedValue(k, types.Height(i), []byte(fmt.Sprintf("c%d", i)))
		require.NoError(t, app.Commit(ctx, cv.Height, cv.Content, cv.QC))
	}
	self := k.Address(0)

	resp, err := serveSync(ctx, app, 3, self, &types.SyncRequest{RequestID: 7, From: 2, To: 10})
	require.NoError(t, err)
	assert.Equal(t, uint64(7), resp.RequestID)
	assert.Equal(t, self, resp.Responder)
	require.Len(t, resp.Commits, 3)
	assert.Equal(t, types.Height(2), resp.Commits[0].Height)
	assert.Equal(t, types.Height(4), resp.Commits[2].Height)

	resp, err = serveSync(ctx, app, 64, self, &types.SyncRequest{From: 5, To: 9})
	require.NoError(t, err)
	assert.Len(t, resp.Commits, 1)

	_, err = serveSync(ctx, app, 64, self, &types.SyncRequest{From: 0, To: 3})
	assert.ErrorIs(t, err, ErrInvalidMessage)
	_, err = serveSync(ctx, app, 64, self, &types.SyncRequest{From: 4, To: 3})
	assert.ErrorIs(t, err, ErrInvalidMessage)
}
