/*
Package cli holds the buvle command tree.

COMMANDS:
  serve    Run the HTTP API and the refill scheduler
  refill   Apply the monthly credit refill (cron entry point)
  seed     Load the slot catalog from configuration

GLOBAL FLAGS:
  --config  Path to a TOML config file. Without it, defaults plus
            BUVLE_* environment variables are used.
*/
package cli

import (
	"github.com/danitaetsu/buvle/config"
	"github.com/danitaetsu/buvle/events"
	"github.com/danitaetsu/buvle/store/sqlite"
	"github.com/spf13/cobra"
)

// Execute runs the root command with os.Args.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:   "buvle",
		Short: "Class booking and credit ledger for a small academy",
		Long: `buvle runs the booking API for a weekly class schedule. Students
spend one credit per class, card payments grant their plan's credits
once per month, and a monthly refill tops up card-paying plans.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to TOML config file")

	load := func() (config.Config, error) {
		return config.Load(cfgPath)
	}

	root.AddCommand(newServeCmd(load))
	root.AddCommand(newRefillCmd(load))
	root.AddCommand(newSeedCmd(load))
	return root
}

type configLoader func() (config.Config, error)

func openStore(cfg config.Config) (*sqlite.Store, error) {
	return sqlite.New(cfg.Database.Path)
}

// newPublisher dials RabbitMQ when a URL is configured.
func newPublisher(cfg config.Config) (events.Publisher, error) {
	if cfg.Events.AMQPURL == "" {
		return events.Nop{}, nil
	}
	return events.NewAMQPPublisher(cfg.Events.AMQPURL, cfg.Events.Exchange)
}
