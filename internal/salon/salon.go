package salon

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/blockberries/overlord/config"
	"github.com/blockberries/overlord/crypto"
	"github.com/blockberries/overlord/engine"
	"github.com/blockberries/overlord/internal/memnet"
	"github.com/blockberries/overlord/privval"
	"github.com/blockberries/overlord/store"
	"github.com/blockberries/overlord/types"
)

// Node is one validator of the salon
type Node struct {
	Name   string
	App    *App
	Engine *engine.Engine

	pv       *privval.FilePV
	store    *store.BadgerStore
	endpoint *memnet.Endpoint
}

// Salon runs every validator of the demo network in this process
type Salon struct {
	cfg      *config.NodeConfig
	log      zerolog.Logger
	hub      *memnet.Hub
	registry *prometheus.Registry
	Nodes    []*Node
}

// New loads or creates the keys, stores and WALs of cfg.Salon.Validators
// nodes under cfg.Home.
func New(cfg *config.NodeConfig, log zerolog.Logger) (*Salon, error) {
	s := &Salon{
		cfg:      cfg,
		log:      log.With().Str("component", "salon").Logger(),
		hub:      memnet.NewHub(log),
		registry: prometheus.NewRegistry(),
	}

	pvs := make([]*privval.FilePV, cfg.Salon.Validators)
	vals := make([]*types.Validator, cfg.Salon.Validators)
	for i := range pvs {
		dir := s.nodeDir(i)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
		pv, err := privval.LoadOrGenFilePV(filepath.Join(dir, "key.json"), filepath.Join(dir, "sign_state.json"))
		if err != nil {
			return nil, fmt.Errorf("node %d key: %w", i, err)
		}
		pvs[i] = pv
		vals[i] = &types.Validator{PubKey: pv.PubKey(), ProposeWeight: 1, VoteWeight: 1}
	}
	genesis, err := types.NewValidatorSet(vals)
	if err != nil {
		return nil, err
	}

	if rate := cfg.Salon.DropRate; rate > 0 {
		s.hub.SetFilter(func(from, to types.Address, data []byte) bool {
			return rand.Float64() >= rate
		})
	}

	for i, pv := range pvs {
		n, err := s.newNode(i, pv, genesis)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.Nodes = append(s.Nodes, n)
	}
	return s, nil
}

func (s *Salon) nodeDir(i int) string {
	return filepath.Join(s.cfg.Home, fmt.Sprintf("node%d", i))
}

func (s *Salon) newNode(i int, pv *privval.FilePV, genesis *types.ValidatorSet) (*Node, error) {
	name := fmt.Sprintf("node%d", i)
	log := s.log.With().Str("node", name).Logger()

	st, err := store.Open(filepath.Join(s.nodeDir(i), "store"), log)
	if err != nil {
		return nil, err
	}
	app, err := NewApp(name, st, genesis, log)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	cfg := *s.cfg.Consensus
	cfg.WALPath = filepath.Join(s.nodeDir(i), "wal")
	ep := s.hub.Join(pv.Address())
	eng, err := engine.NewEngine(&cfg, engine.Options{
		App:        app,
		Network:    ep,
		Crypto:     crypto.NewEd25519(),
		Signer:     pv,
		Registerer: prometheus.WrapRegistererWith(prometheus.Labels{"node": name}, s.registry),
		Logger:     log,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return &Node{Name: name, App: app, Engine: eng, pv: pv, store: st, endpoint: ep}, nil
}

// Run starts every node and returns once all of them committed
// cfg.Salon.Heights heights (0 runs until ctx is done) or one halted.
func (s *Salon) Run(ctx context.Context) error {
	if addr := s.cfg.MetricsAddr; addr != "" {
		srv := &http.Server{Addr: addr, Handler: promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error().Err(err).Msg("metrics server failed")
			}
		}()
		defer srv.Close()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	for _, n := range s.Nodes {
		n := n
		if err := n.Engine.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", n.Name, err)
		}
		n.endpoint.Serve(n.Engine.HandleMessage)
		g.Go(func() error { return s.watch(ctx, n) })
	}
	if target := types.Height(s.cfg.Salon.Heights); target > 0 {
		g.Go(func() error {
			s.awaitHeight(ctx, target)
			cancel()
			return nil
		})
	}

	err := g.Wait()
	for _, n := range s.Nodes {
		if stopErr := n.Engine.Stop(); stopErr != nil && !errors.Is(stopErr, engine.ErrNotStarted) {
			err = multierror.Append(err, fmt.Errorf("stop %s: %w", n.Name, stopErr))
		}
	}
	return err
}

// watch returns an error if the node halts before ctx is done
func (s *Salon) watch(ctx context.Context, n *Node) error {
	select {
	case <-ctx.Done():
		return nil
	case <-n.Engine.Done():
		if err := n.Engine.Err(); err != nil {
			return fmt.Errorf("%s halted: %w", n.Name, err)
		}
		return nil
	}
}

// awaitHeight blocks until every node committed target or ctx is done
func (s *Salon) awaitHeight(ctx context.Context, target types.Height) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		done := true
		for _, n := range s.Nodes {
			if h, err := n.App.LatestHeight(ctx); err != nil || h < target {
				done = false
				break
			}
		}
		if done {
			s.log.Info().Uint64("height", uint64(target)).Msg("every node reached the target height")
			return
		}
	}
}

// Close releases the network endpoints and stores
func (s *Salon) Close() error {
	var result *multierror.Error
	for _, n := range s.Nodes {
		n.endpoint.Close()
		if err := n.store.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s store: %w", n.Name, err))
		}
	}
	return result.ErrorOrNil()
}
