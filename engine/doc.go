// Package engine implements the Overlord BFT consensus core.
//
// For each height the engine runs rounds of three voting steps until a
// quorum of validators precommits one value:
//
//	Propose → Prevote → Precommit → Commit
//
// A leader chosen by the leader selector proposes content. Validators
// prevote it, and a prevote quorum certificate (QC) locks the value and
// makes validators precommit it. A precommit QC for a value decides the
// height. Rounds advance on precommit QCs for nil, on timeouts, and when
// validators holding more than a third of the weight are seen at a higher
// round. A validator leaving a round on timeout signs a choke for it; a
// quorum of chokes (a choke QC) pulls lagging validators past that round.
//
// # Core Components
//
// ConsensusState: the height-round controller. A single goroutine owns all
// consensus state and consumes one ordered input channel.
//
// VoteAggregator: per-height arena of votes keyed by (round, step). It emits
// a QC exactly once, on the vote that first crosses the quorum weight.
//
// ProposalManager: validates inbound proposals and builds local ones,
// re-proposing a locked or valid value with its proof of lock.
//
// TimeoutScheduler: one active step timer with linear or capped
// exponential backoff over rounds.
//
// Sync: fetches decided values from peers that are ahead and applies them
// through the same commit path as consensus.
//
// Replay: restores an interrupted height from the write-ahead log.
//
// # Usage Example
//
//	cfg := engine.DefaultConfig()
//	cfg.ChainID = "my-chain"
//
//	eng, err := engine.NewEngine(cfg, engine.Options{
//	    App:     app,
//	    Network: net,
//	    Crypto:  crypto.NewEd25519(),
//	    Signer:  privVal,
//	    Logger:  log,
//	})
//	if err != nil {
//	    return err
//	}
//	if err := eng.Start(ctx); err != nil {
//	    return err
//	}
//	defer eng.Stop()
//
//	// for every message from the network
//	_ = eng.HandleMessage(peer, data)
//
// # Thread Safety
//
// Engine methods are safe for concurrent use. Signature verification runs
// on a worker pool; its results re-enter the controller through the input
// channel.
//
// # Consensus Properties
//
// Safety: at most one value is committed per height while the Byzantine
// vote weight stays below a third.
//
// Liveness: under partial synchrony round timeouts grow until honest
// validators overlap in a round long enough to decide.
//
// Equivocation: the first vote or proposal seen wins; the second is kept
// as evidence and never counted.
package engine
