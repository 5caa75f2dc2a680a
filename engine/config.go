package engine

import (
	"fmt"
	"time"

	"github.com/blockberries/overlord/leader"
)

// Config holds configuration for the consensus engine
type Config struct {
	// ChainID is mixed into every signature
	ChainID string `mapstructure:"chain_id"`

	// LeaderMode selects the proposer rotation ("in_turn" or "random")
	LeaderMode leader.Mode `mapstructure:"leader_mode"`

	// Timeouts
	Timeouts TimeoutConfig `mapstructure:"timeouts"`

	// WAL configuration
	WALPath string `mapstructure:"wal_path"`
	WALSync bool   `mapstructure:"wal_sync"` // Force sync on every write

	// MaxFutureMessages bounds the buffer of messages for heights above ours
	MaxFutureMessages int `mapstructure:"max_future_messages"`

	// InboxSize is the capacity of the controller's event channel
	InboxSize int `mapstructure:"inbox_size"`

	// VerifyWorkers is the size of the signature verification pool
	VerifyWorkers int `mapstructure:"verify_workers"`

	// DedupCacheSize is the number of recently seen message digests kept
	DedupCacheSize int `mapstructure:"dedup_cache_size"`

	// Sync
	SyncBatchSize   uint64        `mapstructure:"sync_batch_size"`
	SyncRequestRate time.Duration `mapstructure:"sync_request_interval"`

	// Adapter retries
	RetryBaseDelay   time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay    time.Duration `mapstructure:"retry_max_delay"`
	RetryMaxAttempts uint64        `mapstructure:"retry_max_attempts"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		ChainID:           "overlord-chain",
		LeaderMode:        leader.ModeInTurn,
		Timeouts:          DefaultTimeoutConfig(),
		WALPath:           "data/cs.wal",
		WALSync:           true,
		MaxFutureMessages: 1024,
		InboxSize:         1024,
		VerifyWorkers:     4,
		DedupCacheSize:    8192,
		SyncBatchSize:     64,
		SyncRequestRate:   200 * time.Millisecond,
		RetryBaseDelay:    50 * time.Millisecond,
		RetryMaxDelay:     2 * time.Second,
		RetryMaxAttempts:  5,
	}
}

// ValidateBasic performs basic validation of the config
func (cfg *Config) ValidateBasic() error {
	if cfg.ChainID == "" {
		return fmt.Errorf("%w: empty chain_id", ErrInvalidConfig)
	}
	if _, err := leader.New(cfg.LeaderMode); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Timeouts.Validate(); err != nil {
		return err
	}
	if cfg.MaxFutureMessages <= 0 || cfg.InboxSize <= 0 {
		return fmt.Errorf("%w: buffer sizes must be positive", ErrInvalidConfig)
	}
	if cfg.VerifyWorkers <= 0 {
		return fmt.Errorf("%w: verify_workers must be positive", ErrInvalidConfig)
	}
	if cfg.DedupCacheSize <= 0 {
		return fmt.Errorf("%w: dedup_cache_size must be positive", ErrInvalidConfig)
	}
	if cfg.SyncBatchSize == 0 {
		return fmt.Errorf("%w: sync_batch_size must be positive", ErrInvalidConfig)
	}
	if cfg.SyncRequestRate <= 0 {
		return fmt.Errorf("%w: sync_request_interval must be positive", ErrInvalidConfig)
	}
	if cfg.RetryBaseDelay <= 0 {
		return fmt.Errorf("%w: retry_base_delay must be positive", ErrInvalidConfig)
	}
	return nil
}
