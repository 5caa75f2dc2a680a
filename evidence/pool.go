package evidence

import (
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"

	"github.com/blockberries/overlord/types"
)

// Errors
var (
	ErrInvalidEvidence   = errors.New("invalid evidence")
	ErrDuplicateEvidence = errors.New("duplicate evidence")
	ErrEvidenceExpired   = errors.New("evidence expired")
	ErrUnknownOffender   = errors.New("offender not in validator set")
	ErrPoolFull          = errors.New("evidence pool full")
)

// Config holds evidence pool configuration
type Config struct {
	// MaxAgeHeights is how many heights evidence stays relevant
	MaxAgeHeights uint64 `mapstructure:"max_age_heights"`
	// MaxPending bounds the pending list
	MaxPending int `mapstructure:"max_pending"`
	// CommittedCacheSize bounds the memory of already-committed evidence
	CommittedCacheSize int `mapstructure:"committed_cache_size"`
}

// DefaultConfig returns default evidence pool configuration
func DefaultConfig() Config {
	return Config{
		MaxAgeHeights:      100000,
		MaxPending:         10000,
		CommittedCacheSize: 10000,
	}
}

// Verifier checks a single signature
type Verifier interface {
	Verify(pub types.PublicKey, msg []byte, sig types.Signature) error
}

// Pool collects verified proof of equivocation. It is safe for concurrent use.
type Pool struct {
	mu       sync.RWMutex
	config   Config
	chainID  string
	verifier Verifier
	log      zerolog.Logger

	// Pending evidence in arrival order
	pending []types.Evidence
	byHash  map[types.Hash]struct{}

	// Recently committed evidence hashes
	committed *lru.Cache

	currentHeight types.Height
}

// NewPool creates a new evidence pool
func NewPool(config Config, chainID string, verifier Verifier, log zerolog.Logger) (*Pool, error) {
	if config.CommittedCacheSize <= 0 {
		config.CommittedCacheSize = DefaultConfig().CommittedCacheSize
	}
	committed, err := lru.New(config.CommittedCacheSize)
	if err != nil {
		return nil, err
	}
	return &Pool{
		config:    config,
		chainID:   chainID,
		verifier:  verifier,
		log:       log.With().Str("component", "evidence").Logger(),
		byHash:    make(map[types.Hash]struct{}),
		committed: committed,
	}, nil
}

// AddDuplicateVote verifies and stores duplicate-vote evidence. vs must be
// the validator set of the evidence height.
func (p *Pool) AddDuplicateVote(ev *types.DuplicateVoteEvidence, vs *types.ValidatorSet) error {
	if err := VerifyDuplicateVote(ev, p.chainID, vs, p.verifier); err != nil {
		return err
	}
	return p.add(ev)
}

// AddDuplicateProposal verifies and stores duplicate-proposal evidence
func (p *Pool) AddDuplicateProposal(ev *types.DuplicateProposalEvidence, vs *types.ValidatorSet) error {
	if err := VerifyDuplicateProposal(ev, p.chainID, vs, p.verifier); err != nil {
		return err
	}
	return p.add(ev)
}

func (p *Pool) add(ev types.Evidence) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := ev.Hash()
	if _, ok := p.byHash[key]; ok {
		return ErrDuplicateEvidence
	}
	if p.committed.Contains(key) {
		return ErrDuplicateEvidence
	}
	if p.isExpired(ev.Height()) {
		return ErrEvidenceExpired
	}
	if p.config.MaxPending > 0 && len(p.pending) >= p.config.MaxPending {
		return ErrPoolFull
	}

	p.pending = append(p.pending, ev)
	p.byHash[key] = struct{}{}

	p.log.Info().
		Str("offender", ev.Offender().Short()).
		Uint64("height", uint64(ev.Height())).
		Stringer("evidence", ev).
		Msg("recorded evidence")
	return nil
}

// Pending returns up to max pending evidence items, oldest first. max <= 0
// returns everything.
func (p *Pool) Pending(max int) []types.Evidence {
	p.mu.RLock()
	defer p.mu.RUnlock()

	n := len(p.pending)
	if max > 0 && max < n {
		n = max
	}
	out := make([]types.Evidence, n)
	copy(out, p.pending[:n])
	return out
}

// MarkCommitted removes evidence from pending and remembers it as committed
func (p *Pool) MarkCommitted(evidence []types.Evidence) {
	p.mu.Lock()
	defer p.mu.Unlock()

	remove := make(map[types.Hash]struct{}, len(evidence))
	for _, ev := range evidence {
		key := ev.Hash()
		remove[key] = struct{}{}
		p.committed.Add(key, struct{}{})
	}
	p.filter(func(ev types.Evidence) bool {
		_, ok := remove[ev.Hash()]
		return !ok
	})
}

// Update advances the pool's height and prunes evidence that aged out
func (p *Pool) Update(height types.Height) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.currentHeight = height
	p.filter(func(ev types.Evidence) bool {
		return !p.isExpired(ev.Height())
	})
}

// Size returns the number of pending evidence items
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.pending)
}

// filter keeps pending items for which keep returns true. Caller holds p.mu.
func (p *Pool) filter(keep func(types.Evidence) bool) {
	remaining := p.pending[:0]
	for _, ev := range p.pending {
		if keep(ev) {
			remaining = append(remaining, ev)
		} else {
			delete(p.byHash, ev.Hash())
		}
	}
	for i := len(remaining); i < len(p.pending); i++ {
		p.pending[i] = nil
	}
	p.pending = remaining
}

func (p *Pool) isExpired(h types.Height) bool {
	return p.currentHeight > h && uint64(p.currentHeight-h) > p.config.MaxAgeHeights
}

// VerifyDuplicateVote checks that ev is well formed and both votes carry a
// valid signature of a validator in vs.
func VerifyDuplicateVote(ev *types.DuplicateVoteEvidence, chainID string, vs *types.ValidatorSet, verifier Verifier) error {
	if err := ev.ValidateBasic(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvidence, err)
	}
	_, val := vs.GetByAddress(ev.Offender())
	if val == nil {
		return ErrUnknownOffender
	}
	if err := verifier.Verify(val.PubKey, ev.VoteA.SignBytes(chainID), ev.VoteA.Signature); err != nil {
		return fmt.Errorf("%w: vote A: %v", ErrInvalidEvidence, err)
	}
	if err := verifier.Verify(val.PubKey, ev.VoteB.SignBytes(chainID), ev.VoteB.Signature); err != nil {
		return fmt.Errorf("%w: vote B: %v", ErrInvalidEvidence, err)
	}
	return nil
}

// VerifyDuplicateProposal checks that ev is well formed and both proposals
// are signed by the same validator in vs.
func VerifyDuplicateProposal(ev *types.DuplicateProposalEvidence, chainID string, vs *types.ValidatorSet, verifier Verifier) error {
	if err := ev.ValidateBasic(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvidence, err)
	}
	_, val := vs.GetByAddress(ev.Offender())
	if val == nil {
		return ErrUnknownOffender
	}
	if err := verifier.Verify(val.PubKey, ev.ProposalA.SignBytes(chainID), ev.ProposalA.Signature); err != nil {
		return fmt.Errorf("%w: proposal A: %v", ErrInvalidEvidence, err)
	}
	if err := verifier.Verify(val.PubKey, ev.ProposalB.SignBytes(chainID), ev.ProposalB.Signature); err != nil {
		return fmt.Errorf("%w: proposal B: %v", ErrInvalidEvidence, err)
	}
	return nil
}
