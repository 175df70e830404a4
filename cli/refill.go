package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/danitaetsu/buvle/billing"
	"github.com/danitaetsu/buvle/ledger"
	"github.com/spf13/cobra"
)

func newRefillCmd(load configLoader) *cobra.Command {
	var (
		period    string
		unguarded bool
	)

	cmd := &cobra.Command{
		Use:   "refill",
		Short: "Apply the monthly credit refill",
		Long: `Add plan_size credits to every card-paying student with a plan.

By default the refill is recorded against a month and a second run for
the same month does nothing, so the command is safe to schedule daily.
--unguarded skips the month record and grants on every call.`,
		Example: `  buvle refill
  buvle refill --period 2025-10
  buvle refill --unguarded`,
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

			pub, err := newPublisher(cfg)
			if err != nil {
				return err
			}
			defer pub.Close()

			refiller := billing.NewRefiller(store, pub)
			out := cmd.OutOrStdout()

			if unguarded {
				n, err := refiller.ApplyMonthlyRefill(cmd.Context(), billing.SourceCLI)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%d students refilled\n", n)
				return nil
			}

			month := time.Now()
			if period != "" {
				month, err = time.Parse("2006-01", period)
				if err != nil {
					return fmt.Errorf("--period must be YYYY-MM: %w", err)
				}
			}

			run, err := refiller.ApplyForPeriod(cmd.Context(), month.Year(), int(month.Month()), billing.SourceCLI)
			if errors.Is(err, ledger.ErrRefillAlreadyApplied) {
				fmt.Fprintf(out, "refill for %s already applied\n", month.Format("2006-01"))
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "refill for %s: %d students refilled\n", month.Format("2006-01"), run.StudentsUpdated)
			return nil
		},
	}

	cmd.Flags().StringVar(&period, "period", "", "month to refill as YYYY-MM (default: current month)")
	cmd.Flags().BoolVar(&unguarded, "unguarded", false, "refill without the once-per-month record")
	return cmd
}
