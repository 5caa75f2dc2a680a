package engine

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/blockberries/overlord/types"
)

const (
	// timeoutChannelSize is the buffer size for timeout channels
	timeoutChannelSize = 100
)

// Backoff selects how step timeouts grow with the round
type Backoff string

const (
	// BackoffLinear: base + round*delta
	BackoffLinear Backoff = "linear"
	// BackoffExponential: base * 2^min(round, MaxBackoffRounds)
	BackoffExponential Backoff = "exponential"
)

// TimeoutInfo identifies the (height, round, step) a timer was armed for
type TimeoutInfo struct {
	Duration time.Duration
	Height   types.Height
	Round    types.Round
	Step     types.Step
}

// HRS returns the (height, round, step) the timer was armed for
func (ti TimeoutInfo) HRS() types.HRS {
	return types.HRS{Height: ti.Height, Round: ti.Round, Step: ti.Step}
}

func (ti TimeoutInfo) String() string {
	return fmt.Sprintf("%v@%s", ti.Duration, ti.HRS())
}

// TimeoutConfig holds timeout configuration. The Commit timeout is the pause
// between a commit and round 0 of the next height and does not grow.
type TimeoutConfig struct {
	Propose        time.Duration `mapstructure:"propose"`
	ProposeDelta   time.Duration `mapstructure:"propose_delta"`
	Prevote        time.Duration `mapstructure:"prevote"`
	PrevoteDelta   time.Duration `mapstructure:"prevote_delta"`
	Precommit      time.Duration `mapstructure:"precommit"`
	PrecommitDelta time.Duration `mapstructure:"precommit_delta"`
	Commit         time.Duration `mapstructure:"commit"`

	Backoff          Backoff       `mapstructure:"backoff"`
	MaxBackoffRounds uint32        `mapstructure:"max_backoff_rounds"`
	MaxTimeout       time.Duration `mapstructure:"max_timeout"`
}

// DefaultTimeoutConfig returns default timeout configuration
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		Propose:          3000 * time.Millisecond,
		ProposeDelta:     500 * time.Millisecond,
		Prevote:          1000 * time.Millisecond,
		PrevoteDelta:     500 * time.Millisecond,
		Precommit:        1000 * time.Millisecond,
		PrecommitDelta:   500 * time.Millisecond,
		Commit:           1000 * time.Millisecond,
		Backoff:          BackoffLinear,
		MaxBackoffRounds: 10,
		MaxTimeout:       time.Minute,
	}
}

// IntervalTimeoutConfig derives timeouts from a block interval using fixed
// step ratios (propose 1.5, prevote 1.0, precommit 0.7, commit 1.0), growing
// exponentially with the round and capped at 2^10 and one hour.
func IntervalTimeoutConfig(interval time.Duration) TimeoutConfig {
	return TimeoutConfig{
		Propose:          interval * 15 / 10,
		Prevote:          interval,
		Precommit:        interval * 7 / 10,
		Commit:           interval,
		Backoff:          BackoffExponential,
		MaxBackoffRounds: 10,
		MaxTimeout:       time.Hour,
	}
}

// Validate checks the configuration
func (tc TimeoutConfig) Validate() error {
	if tc.Propose <= 0 || tc.Prevote <= 0 || tc.Precommit <= 0 {
		return fmt.Errorf("%w: step timeouts must be positive", ErrInvalidConfig)
	}
	if tc.Commit < 0 || tc.ProposeDelta < 0 || tc.PrevoteDelta < 0 || tc.PrecommitDelta < 0 || tc.MaxTimeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidConfig)
	}
	switch tc.Backoff {
	case BackoffLinear, BackoffExponential, "":
	default:
		return fmt.Errorf("%w: unknown backoff %q", ErrInvalidConfig, tc.Backoff)
	}
	if tc.Backoff == BackoffExponential && tc.MaxBackoffRounds > 30 {
		return fmt.Errorf("%w: max_backoff_rounds %d too large", ErrInvalidConfig, tc.MaxBackoffRounds)
	}
	return nil
}

// Duration returns the timeout for step at round
func (tc TimeoutConfig) Duration(step types.Step, round types.Round) time.Duration {
	var base, delta time.Duration
	switch step {
	case types.StepPropose:
		base, delta = tc.Propose, tc.ProposeDelta
	case types.StepPrevote:
		base, delta = tc.Prevote, tc.PrevoteDelta
	case types.StepPrecommit:
		base, delta = tc.Precommit, tc.PrecommitDelta
	case types.StepCommit:
		return tc.Commit
	default:
		return time.Second
	}

	var d time.Duration
	if tc.Backoff == BackoffExponential {
		coef := uint32(round)
		if coef > tc.MaxBackoffRounds {
			coef = tc.MaxBackoffRounds
		}
		if coef >= 63 || base > math.MaxInt64>>coef {
			d = math.MaxInt64
		} else {
			d = base << coef
		}
	} else {
		// saturate instead of wrapping to a negative timeout
		if delta > 0 && time.Duration(round) > (math.MaxInt64-base)/delta {
			d = math.MaxInt64
		} else {
			d = base + time.Duration(round)*delta
		}
	}

	if tc.MaxTimeout > 0 && d > tc.MaxTimeout {
		d = tc.MaxTimeout
	}
	return d
}

// TimeoutScheduler keeps one active timer. Scheduling a new timeout replaces
// the previous one; a timer that fires after being superseded is discarded.
// The consumer still compares the delivered HRS with its own state, since a
// timer can fire just before being replaced.
type TimeoutScheduler struct {
	mu     sync.Mutex
	config TimeoutConfig
	log    zerolog.Logger

	timer   *time.Timer
	armed   types.HRS
	tickCh  chan TimeoutInfo
	tockCh  chan TimeoutInfo
	stopCh  chan struct{}
	running bool

	droppedTimeouts *atomic.Uint64
}

// NewTimeoutScheduler creates a new TimeoutScheduler
func NewTimeoutScheduler(config TimeoutConfig, log zerolog.Logger) *TimeoutScheduler {
	return &TimeoutScheduler{
		config:          config,
		log:             log.With().Str("component", "timeouts").Logger(),
		tickCh:          make(chan TimeoutInfo, timeoutChannelSize),
		tockCh:          make(chan TimeoutInfo, timeoutChannelSize),
		stopCh:          make(chan struct{}),
		droppedTimeouts: atomic.NewUint64(0),
	}
}

// Start starts the scheduler
func (ts *TimeoutScheduler) Start() {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.running {
		return
	}
	ts.running = true

	go ts.run()
}

// Stop stops the scheduler and cancels the active timer
func (ts *TimeoutScheduler) Stop() {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if !ts.running {
		return
	}
	ts.running = false

	close(ts.stopCh)
	if ts.timer != nil {
		ts.timer.Stop()
	}
}

// Chan returns the channel that delivers expired timeouts
func (ts *TimeoutScheduler) Chan() <-chan TimeoutInfo {
	return ts.tockCh
}

// Schedule arms a timeout for ti's (height, round, step). If ti.Duration is
// zero it is computed from the config.
func (ts *TimeoutScheduler) Schedule(ti TimeoutInfo) {
	if ti.Duration == 0 {
		ti.Duration = ts.config.Duration(ti.Step, ti.Round)
	}
	select {
	case ts.tickCh <- ti:
	case <-ts.stopCh:
	}
}

// Config returns the timeout configuration
func (ts *TimeoutScheduler) Config() TimeoutConfig {
	return ts.config
}

// DroppedTimeouts returns the number of timeouts dropped due to a full channel
func (ts *TimeoutScheduler) DroppedTimeouts() uint64 {
	return ts.droppedTimeouts.Load()
}

func (ts *TimeoutScheduler) run() {
	for {
		select {
		case <-ts.stopCh:
			return

		case ti := <-ts.tickCh:
			ts.mu.Lock()
			if ts.timer != nil {
				ts.timer.Stop()
			}
			ts.armed = ti.HRS()

			fired := ti
			ts.timer = time.AfterFunc(ti.Duration, func() { ts.fire(fired) })
			ts.mu.Unlock()

			ts.log.Debug().Stringer("timeout", ti).Msg("scheduled")
		}
	}
}

func (ts *TimeoutScheduler) fire(ti TimeoutInfo) {
	ts.mu.Lock()
	superseded := !ts.running || ts.armed != ti.HRS()
	ts.mu.Unlock()
	if superseded {
		return
	}

	select {
	case ts.tockCh <- ti:
	case <-ts.stopCh:
	default:
		count := ts.droppedTimeouts.Inc()
		ts.log.Warn().
			Stringer("timeout", ti).
			Uint64("total_dropped", count).
			Msg("dropped timeout due to full channel")
	}
}
