package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/gammazero/workerpool"
	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"go.uber.org/atomic"

	"github.com/blockberries/overlord/evidence"
	"github.com/blockberries/overlord/leader"
	"github.com/blockberries/overlord/types"
	"github.com/blockberries/overlord/wal"
)

// Options carries the adapters and ambient dependencies of an Engine.
// App, Network and Crypto are required.
type Options struct {
	App     Application
	Network Network
	Crypto  Crypto

	// Signer signs this node's messages; nil runs a non-voting observer
	Signer Signer

	// WAL defaults to a file WAL at Config.WALPath, or none if it is empty
	WAL wal.WAL

	// Evidence defaults to a pool with evidence.DefaultConfig
	Evidence *evidence.Pool

	// Metrics defaults to collectors on Registerer, or unregistered ones
	Metrics    *Metrics
	Registerer prometheus.Registerer

	Logger zerolog.Logger
}

// Engine runs the consensus core of one node
type Engine struct {
	mu sync.Mutex

	config *Config
	log    zerolog.Logger
	opts   Options

	state  *ConsensusState
	verify *verifier
	out    *outbound
	seen   *lru.Cache

	running *atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewEngine creates a consensus engine
func NewEngine(config *Config, opts Options) (*Engine, error) {
	if err := config.ValidateBasic(); err != nil {
		return nil, err
	}
	switch {
	case opts.App == nil:
		return nil, fmt.Errorf("%w: application", ErrMissingAdapter)
	case opts.Network == nil:
		return nil, fmt.Errorf("%w: network", ErrMissingAdapter)
	case opts.Crypto == nil:
		return nil, fmt.Errorf("%w: crypto", ErrMissingAdapter)
	}

	log := opts.Logger.With().Str("chain_id", config.ChainID).Logger()
	if opts.Signer != nil {
		log = log.With().Str("node", opts.Signer.Address().Short()).Logger()
	}

	sel, err := leader.New(config.LeaderMode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if opts.Metrics == nil {
		if opts.Registerer != nil {
			opts.Metrics = NewMetrics(opts.Registerer)
		} else {
			opts.Metrics = NopMetrics()
		}
	}
	if opts.Evidence == nil {
		opts.Evidence, err = evidence.NewPool(evidence.DefaultConfig(), config.ChainID, opts.Crypto, log)
		if err != nil {
			return nil, err
		}
	}
	if opts.WAL == nil {
		if config.WALPath == "" {
			opts.WAL = &wal.NopWAL{}
		} else {
			opts.WAL, err = wal.NewFileWAL(config.WALPath, wal.WithLogger(log))
			if err != nil {
				return nil, fmt.Errorf("open WAL: %w", err)
			}
		}
	}

	seen, err := lru.New(config.DedupCacheSize)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		config:  config,
		log:     log,
		opts:    opts,
		seen:    seen,
		running: atomic.NewBool(false),
	}
	e.out = newOutbound(config, opts.Network, log)
	e.verify = newVerifier(config.VerifyWorkers, opts.Metrics, log)
	e.state = newConsensusState(config, &opts, sel, e.out, e.verify, log)
	e.verify.cs = e.state
	return e, nil
}

// Start replays the WAL and starts deciding the height after the
// application's latest one. It returns once the controller is running.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running.Load() || e.ctx != nil {
		return ErrAlreadyStarted
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.verify.ctx = e.ctx

	if err := e.opts.WAL.Start(); err != nil {
		e.cancel()
		return fmt.Errorf("start WAL: %w", err)
	}
	go e.out.run(e.ctx)

	if err := e.state.start(e.ctx); err != nil {
		e.cancel()
		e.verify.stop()
		return multierror.Append(err, e.opts.WAL.Stop()).ErrorOrNil()
	}
	e.running.Store(true)

	st := e.state.GetState()
	e.log.Info().
		Uint64("height", uint64(st.Height)).
		Uint32("round", uint32(st.Round)).
		Bool("validator", e.opts.Signer != nil).
		Msg("consensus started")
	return nil
}

// Stop halts the controller and releases the WAL
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running.Load() {
		return ErrNotStarted
	}
	e.running.Store(false)

	e.cancel()
	<-e.state.done
	e.state.stop()
	e.verify.stop()

	var result *multierror.Error
	if err := e.opts.WAL.FlushAndSync(); err != nil {
		result = multierror.Append(result, fmt.Errorf("flush WAL: %w", err))
	}
	if err := e.opts.WAL.Stop(); err != nil {
		result = multierror.Append(result, fmt.Errorf("stop WAL: %w", err))
	}
	e.log.Info().Msg("consensus stopped")
	return result.ErrorOrNil()
}

// Wait blocks until the controller exits and returns the error that halted
// it, such as ErrInvariantViolation. It returns nil after Stop.
func (e *Engine) Wait() error {
	<-e.state.done
	return e.state.Err()
}

// Err returns the error that halted the controller, or nil while it runs
func (e *Engine) Err() error {
	return e.state.Err()
}

// Done is closed when the controller exits
func (e *Engine) Done() <-chan struct{} {
	return e.state.done
}

// HandleMessage accepts an encoded message from peer from. Consensus
// messages are verified on the worker pool before the controller sees them.
func (e *Engine) HandleMessage(from types.Address, data []byte) error {
	if !e.running.Load() {
		return ErrNotStarted
	}
	if seen, _ := e.seen.ContainsOrAdd(types.HashBytes(data), struct{}{}); seen {
		return nil
	}

	msg, err := types.DecodeMessage(data)
	if err != nil {
		e.opts.Metrics.InvalidMessage("decode")
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	switch m := msg.(type) {
	case *types.Proposal, *types.Vote, *types.QuorumCertificate:
		e.verify.submit(from, msg)
	case *types.Status:
		return e.state.deliver(e.ctx, &statusEvent{status: m, from: from})
	case *types.SyncResponse:
		return e.state.deliver(e.ctx, &syncResponseEvent{resp: m, from: from})
	case *types.SyncRequest:
		e.verify.submitTask(func() { e.serveSync(from, m) })
	}
	return nil
}

func (e *Engine) serveSync(from types.Address, req *types.SyncRequest) {
	var self types.Address
	if e.opts.Signer != nil {
		self = e.opts.Signer.Address()
	}
	resp, err := serveSync(e.ctx, e.opts.App, e.config.SyncBatchSize, self, req)
	if err != nil {
		e.log.Warn().Err(err).Str("peer", from.Short()).Msg("failed to serve sync request")
		return
	}
	e.out.unicast(from, resp)
}

// State returns a snapshot of the controller
func (e *Engine) State() RoundState {
	return e.state.GetState()
}

// Evidence returns the evidence pool
func (e *Engine) Evidence() *evidence.Pool {
	return e.opts.Evidence
}

// ChainID returns the chain ID
func (e *Engine) ChainID() string {
	return e.config.ChainID
}

// --- Verification pool ---

// heightView is what inbound messages of one height are verified against
type heightView struct {
	height    types.Height
	votes     *VoteAggregator
	proposals *ProposalManager
}

type verifier struct {
	mu      sync.RWMutex
	stopped bool
	pool    *workerpool.WorkerPool
	view    atomic.Value
	cs      *ConsensusState
	metrics *Metrics
	log     zerolog.Logger
	ctx     context.Context
}

func newVerifier(workers int, metrics *Metrics, log zerolog.Logger) *verifier {
	return &verifier{
		pool:    workerpool.New(workers),
		metrics: metrics,
		log:     log.With().Str("component", "verifier").Logger(),
	}
}

func (v *verifier) setView(height types.Height, votes *VoteAggregator, proposals *ProposalManager) {
	v.view.Store(&heightView{height: height, votes: votes, proposals: proposals})
}

func (v *verifier) stop() {
	v.mu.Lock()
	if v.stopped {
		v.mu.Unlock()
		return
	}
	v.stopped = true
	v.mu.Unlock()

	v.pool.StopWait()
}

func (v *verifier) submitTask(task func()) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.stopped {
		v.pool.Submit(task)
	}
}

// submit routes a consensus message by height: older ones are dropped,
// newer ones go to the controller's future buffer and current ones are
// verified on the pool.
func (v *verifier) submit(from types.Address, msg types.Message) {
	view := v.view.Load().(*heightView)
	height := messageHeight(msg)

	switch {
	case height < view.height:
		v.log.Debug().
			Stringer("type", msg.MsgType()).
			Uint64("msg_height", uint64(height)).
			Msg("dropping message for old height")
	case height > view.height:
		_ = v.cs.deliver(v.ctx, &futureEvent{msg: msg, height: height, from: from})
	default:
		v.submitTask(func() { v.verifyAndDeliver(view, from, msg) })
	}
}

func (v *verifier) verifyAndDeliver(view *heightView, from types.Address, msg types.Message) {
	var (
		ev  interface{}
		err error
	)
	switch m := msg.(type) {
	case *types.Proposal:
		err = view.proposals.ValidateProposal(m)
		ev = &proposalEvent{proposal: m}
	case *types.Vote:
		err = view.votes.VerifyVote(m)
		ev = &voteEvent{vote: m}
	case *types.QuorumCertificate:
		err = view.votes.VerifyQC(m)
		ev = &qcEvent{qc: m, from: from}
	default:
		return
	}
	if err != nil {
		v.metrics.InvalidMessage(msg.MsgType().String())
		v.log.Warn().Err(err).
			Stringer("type", msg.MsgType()).
			Str("peer", from.Short()).
			Msg("dropping invalid message")
		return
	}
	_ = v.cs.deliver(v.ctx, ev)
}

func messageHeight(msg types.Message) types.Height {
	switch m := msg.(type) {
	case *types.Proposal:
		return m.Height
	case *types.Vote:
		return m.Height
	case *types.QuorumCertificate:
		return m.Height
	}
	return 0
}

// --- Outbound queue ---

type outMsg struct {
	to        types.Address
	broadcast bool
	kind      types.MsgType
	data      []byte
}

// outbound sends encoded messages in order from its own goroutine, so a
// slow network never blocks the controller.
type outbound struct {
	config *Config
	net    Network
	log    zerolog.Logger
	queue  chan outMsg
}

func newOutbound(config *Config, net Network, log zerolog.Logger) *outbound {
	return &outbound{
		config: config,
		net:    net,
		log:    log.With().Str("component", "outbound").Logger(),
		queue:  make(chan outMsg, config.InboxSize),
	}
}

func (o *outbound) broadcast(msg types.Message) {
	o.enqueue(outMsg{broadcast: true}, msg)
}

func (o *outbound) unicast(to types.Address, msg types.Message) {
	o.enqueue(outMsg{to: to}, msg)
}

func (o *outbound) enqueue(m outMsg, msg types.Message) {
	data, err := types.EncodeMessage(msg)
	if err != nil {
		o.log.Error().Err(err).Stringer("type", msg.MsgType()).Msg("failed to encode message")
		return
	}
	m.kind = msg.MsgType()
	m.data = data

	select {
	case o.queue <- m:
	default:
		o.log.Warn().Stringer("type", m.kind).Msg("outbound queue full, dropping message")
	}
}

func (o *outbound) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-o.queue:
			o.send(ctx, m)
		}
	}
}

func (o *outbound) send(ctx context.Context, m outMsg) {
	err := retryAdapter(ctx, o.config, o.log, "send", func(ctx context.Context) error {
		if m.broadcast {
			return o.net.Broadcast(ctx, m.data)
		}
		return o.net.Unicast(ctx, m.to, m.data)
	})
	if err != nil && ctx.Err() == nil {
		o.log.Warn().Err(err).Stringer("type", m.kind).Msg("failed to send message")
	}
}

// retryAdapter calls fn until it succeeds, backing off exponentially up to
// the configured attempts.
func retryAdapter(ctx context.Context, config *Config, log zerolog.Logger, op string, fn func(context.Context) error) error {
	b := retry.NewExponential(config.RetryBaseDelay)
	if config.RetryMaxDelay > 0 {
		b = retry.WithCappedDuration(config.RetryMaxDelay, b)
	}
	b = retry.WithMaxRetries(config.RetryMaxAttempts, b)

	attempt := 0
	return retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		if err := fn(ctx); err != nil {
			log.Debug().Err(err).Str("op", op).Int("attempt", attempt).Msg("adapter call failed")
			return retry.RetryableError(err)
		}
		return nil
	})
}
