package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSeedCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Load the [[slots]] catalog into the database",
		Long: `Insert every configured slot, or update its capacity when a slot with
the same weekday and times already exists. Safe to run repeatedly.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			for _, sc := range cfg.Slots {
				sl, err := store.SaveSlot(cmd.Context(), sc.Slot())
				if err != nil {
					return fmt.Errorf("seed slot %s %s-%s: %w", sc.Slot().Weekday, sc.Start, sc.End, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "slot %d: %s %s-%s (capacity %d)\n",
					sl.ID, sl.Weekday, sl.Start, sl.End, sl.Capacity)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d slots seeded\n", len(cfg.Slots))
			return nil
		},
	}
}
