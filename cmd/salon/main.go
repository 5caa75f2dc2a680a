// Command salon runs a network of Overlord validators in one process. Each
// height decides one line of salon chatter.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/blockberries/overlord/config"
	"github.com/blockberries/overlord/internal/salon"
)

var flagConfig string

var rootCmd = &cobra.Command{
	Use:          "salon",
	Short:        "Run an in-process Overlord demo network",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	d := config.Default()
	flags := rootCmd.Flags()
	flags.StringVarP(&flagConfig, "config", "c", "", "path to a node config file (yaml, toml or json)")
	flags.String("home", d.Home, "directory holding keys, stores and WALs")
	flags.String("log_level", d.LogLevel, "log level (debug, info, warn, error)")
	flags.String("metrics_addr", d.MetricsAddr, "serve Prometheus metrics on this address")
	flags.Int("salon.validators", d.Salon.Validators, "number of validators")
	flags.Uint64("salon.heights", d.Salon.Heights, "stop after every node committed this many heights (0 runs forever)")
	flags.Float64("salon.drop_rate", d.Salon.DropRate, "share of messages the network loses")
	flags.String("consensus.chain_id", d.Consensus.ChainID, "chain identifier")
	flags.String("consensus.leader_mode", string(d.Consensus.LeaderMode), "leader selection (in_turn or random)")
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfig, cmd.Flags())
	if err != nil {
		return err
	}
	log := cfg.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := salon.New(cfg, log)
	if err != nil {
		return fmt.Errorf("set up salon: %w", err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Error().Err(err).Msg("close salon")
		}
	}()

	log.Info().
		Int("validators", len(s.Nodes)).
		Uint64("heights", cfg.Salon.Heights).
		Str("home", cfg.Home).
		Msg("salon open")
	return s.Run(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
