// Package config loads node configuration from a file, OVERLORD_*
// environment variables and command line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/blockberries/overlord/engine"
)

// EnvPrefix prefixes every environment variable, e.g.
// OVERLORD_CONSENSUS_TIMEOUTS_PROPOSE=2s
const EnvPrefix = "OVERLORD"

var ErrInvalidConfig = errors.New("invalid node config")

// NodeConfig is the configuration of a salon node
type NodeConfig struct {
	// Home holds the WAL, the committed store and key files
	Home     string `mapstructure:"home"`
	LogLevel string `mapstructure:"log_level"`

	// MetricsAddr serves Prometheus metrics when not empty
	MetricsAddr string `mapstructure:"metrics_addr"`

	Consensus *engine.Config `mapstructure:"consensus"`
	Salon     SalonConfig    `mapstructure:"salon"`
}

// SalonConfig shapes the in-process demo network
type SalonConfig struct {
	Validators int           `mapstructure:"validators"`
	Heights    uint64        `mapstructure:"heights"`
	Interval   time.Duration `mapstructure:"interval"`
	// DropRate is the share of messages the demo network loses
	DropRate float64 `mapstructure:"drop_rate"`
}

// Default returns the configuration used when nothing is set
func Default() *NodeConfig {
	return &NodeConfig{
		Home:      "salon-data",
		LogLevel:  zerolog.InfoLevel.String(),
		Consensus: engine.DefaultConfig(),
		Salon: SalonConfig{
			Validators: 4,
			Heights:    20,
			Interval:   0,
		},
	}
}

// Load reads path (optional), the environment and flags (optional) over
// the defaults.
func Load(path string, flags *pflag.FlagSet) (*NodeConfig, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, err
		}
	}

	cfg := &NodeConfig{Consensus: &engine.Config{}}
	err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the node settings and the consensus config
func (c *NodeConfig) Validate() error {
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level: %v", ErrInvalidConfig, err)
	}
	if c.Salon.Validators <= 0 {
		return fmt.Errorf("%w: salon.validators must be positive", ErrInvalidConfig)
	}
	if c.Salon.DropRate < 0 || c.Salon.DropRate >= 1 {
		return fmt.Errorf("%w: salon.drop_rate must be in [0, 1)", ErrInvalidConfig)
	}
	if c.Consensus == nil {
		return fmt.Errorf("%w: missing consensus section", ErrInvalidConfig)
	}
	return c.Consensus.ValidateBasic()
}

// Logger builds the root logger at the configured level
func (c *NodeConfig) Logger() zerolog.Logger {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.NewConsoleWriter()).Level(level).With().Timestamp().Logger()
}

// setDefaults registers every key so AutomaticEnv can resolve it
func setDefaults(v *viper.Viper, d *NodeConfig) {
	v.SetDefault("home", d.Home)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("metrics_addr", d.MetricsAddr)

	v.SetDefault("salon.validators", d.Salon.Validators)
	v.SetDefault("salon.heights", d.Salon.Heights)
	v.SetDefault("salon.interval", d.Salon.Interval)
	v.SetDefault("salon.drop_rate", d.Salon.DropRate)

	c := d.Consensus
	v.SetDefault("consensus.chain_id", c.ChainID)
	v.SetDefault("consensus.leader_mode", string(c.LeaderMode))
	v.SetDefault("consensus.wal_path", c.WALPath)
	v.SetDefault("consensus.wal_sync", c.WALSync)
	v.SetDefault("consensus.max_future_messages", c.MaxFutureMessages)
	v.SetDefault("consensus.inbox_size", c.InboxSize)
	v.SetDefault("consensus.verify_workers", c.VerifyWorkers)
	v.SetDefault("consensus.dedup_cache_size", c.DedupCacheSize)
	v.SetDefault("consensus.sync_batch_size", c.SyncBatchSize)
	v.SetDefault("consensus.sync_request_interval", c.SyncRequestRate)
	v.SetDefault("consensus.retry_base_delay", c.RetryBaseDelay)
	v.SetDefault("consensus.retry_max_delay", c.RetryMaxDelay)
	v.SetDefault("consensus.retry_max_attempts", c.RetryMaxAttempts)

	t := c.Timeouts
	v.SetDefault("consensus.timeouts.propose", t.Propose)
	v.SetDefault("consensus.timeouts.propose_delta", t.ProposeDelta)
	v.SetDefault("consensus.timeouts.prevote", t.Prevote)
	v.SetDefault("consensus.timeouts.prevote_delta", t.PrevoteDelta)
	v.SetDefault("consensus.timeouts.precommit", t.Precommit)
	v.SetDefault("consensus.timeouts.precommit_delta", t.PrecommitDelta)
	v.SetDefault("consensus.timeouts.commit", t.Commit)
	v.SetDefault("consensus.timeouts.backoff", string(t.Backoff))
	v.SetDefault("consensus.timeouts.max_backoff_rounds", t.MaxBackoffRounds)
	v.SetDefault("consensus.timeouts.max_timeout", t.MaxTimeout)
}
