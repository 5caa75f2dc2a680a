package salon

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockberries/overlord/config"
	"github.com/blockberries/overlord/engine"
	"github.com/blockberries/overlord/types"
)

func testConfig(home string, heights uint64) *config.NodeConfig {
	cfg := config.Default()
	cfg.Home = home
	cfg.Salon.Validators = 4
	cfg.Salon.Heights = heights
	cfg.Consensus.ChainID = "salon-test"
	cfg.Consensus.Timeouts = engine.TimeoutConfig{
		Propose:          300 * time.Millisecond,
		ProposeDelta:     50 * time.Millisecond,
		Prevote:          150 * time.Millisecond,
		PrevoteDelta:     50 * time.Millisecond,
		Precommit:        150 * time.Millisecond,
		PrecommitDelta:   50 * time.Millisecond,
		Commit:           10 * time.Millisecond,
		Backoff:          engine.BackoffLinear,
		MaxBackoffRounds: 10,
	}
	cfg.Consensus.SyncRequestRate = 50 * time.Millisecond
	return cfg
}

func runSalon(t *testing.T, cfg *config.NodeConfig) *Salon {
	t.Helper()
	s, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx))
	require.NoError(t, ctx.Err(), "salon did not reach its target height")
	return s
}

func assertSameChain(t *testing.T, s *Salon, upTo types.Height) {
	t.Helper()
	ctx := context.Background()
	ref, err := s.Nodes[0].App.GetCommitted(ctx, 1, upTo)
	require.NoError(t, err)
	require.Len(t, ref, int(upTo))

	for _, n := range s.Nodes[1:] {
		got, err := n.App.GetCommitted(ctx, 1, upTo)
		require.NoError(t, err)
		require.Len(t, got, int(upTo))
		for i := range ref {
			assert.True(t, bytes.Equal(ref[i].Content, got[i].Content), "%s differs at height %d", n.Name, i+1)
		}
	}
}

func TestSalonDecidesAndRestarts(t *testing.T) {
	if testing.Short() {
		t.Skip("runs a four node network")
	}
	home := t.TempDir()

	s := runSalon(t, testConfig(home, 3))
	assertSameChain(t, s, 3)
	require.NoError(t, s.Close())

	// keys, stores and WALs are reopened from home
	s = runSalon(t, testConfig(home, 5))
	assertSameChain(t, s, 5)
	require.NoError(t, s.Close())
}

func TestSalonWithLossyNetwork(t *testing.T) {
	if testing.Short() {
		t.Skip("runs a four node network")
	}
	cfg := testConfig(t.TempDir(), 3)
	cfg.Salon.DropRate = 0.1

	s := runSalon(t, cfg)
	assertSameChain(t, s, 3)
	require.NoError(t, s.Close())
}
