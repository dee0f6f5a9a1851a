package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/license-recon/internal/cost"
)

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Show enrichment credit usage for the current period",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "migrate")
		if err != nil {
			return err
		}
		defer env.Close()

		fmt.Printf("Period: %s\n\n", cost.Period(time.Now().UTC()))
		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "SOURCE\tLIMIT\tREMAINING")
		for _, src := range budgetSources() {
			remaining, err := env.Budget.Remaining(ctx, src)
			if err != nil {
				return err
			}
			fmt.Fprintf(tw, "%s\t%.2f\t%.2f\n", src, env.Budget.Limit(src), remaining)
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(budgetCmd)
}
