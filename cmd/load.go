package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/license-recon/internal/model"
	"github.com/sells-group/license-recon/internal/store"
)

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Inspect and control data loads",
	Long:  "Commands for listing loads, promoting validated loads and quarantining bad ones.",
}

// -- load list --

var loadListCmd = &cobra.Command{
	Use:   "list",
	Short: "List data loads",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "migrate")
		if err != nil {
			return err
		}
		defer env.Close()

		status, _ := cmd.Flags().GetString("status")
		source, _ := cmd.Flags().GetString("source")
		limit, _ := cmd.Flags().GetInt("limit")

		loads, err := env.Store.ListLoads(ctx, store.LoadFilter{
			SourceType: source,
			Status:     model.LoadStatus(status),
			Limit:      limit,
		})
		if err != nil {
			return eris.Wrap(err, "load list")
		}
		if len(loads) == 0 {
			fmt.Fprintln(os.Stderr, "No loads found.")
			return nil
		}
		formatLoads(os.Stdout, loads)
		return nil
	},
}

func formatLoads(w io.Writer, loads []model.DataLoad) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "LOAD ID\tSOURCE\tSTATUS\tROWS\tDELTA\tCREATED")
	for _, l := range loads {
		delta := "-"
		if l.RowCountDelta != nil {
			delta = fmt.Sprintf("%.1f%%", *l.RowCountDelta*100)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			l.LoadID, l.SourceType, l.Status, l.RowCount, delta, l.CreatedAt.Format("2006-01-02 15:04"))
	}
	_ = tw.Flush()
}

// -- load show --

var loadShowCmd = &cobra.Command{
	Use:   "show <load-id>",
	Short: "Show a load with its validation report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "migrate")
		if err != nil {
			return err
		}
		defer env.Close()

		load, err := env.Store.GetLoad(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "load show")
		}
		return printJSON(load)
	},
}

// -- load promote --

var loadPromoteCmd = &cobra.Command{
	Use:   "promote <load-id>",
	Short: "Promote a validated load so its records become exportable",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "migrate")
		if err != nil {
			return err
		}
		defer env.Close()

		actor, _ := cmd.Flags().GetString("actor")
		load, err := env.Loads.Promote(ctx, args[0], actor)
		if err != nil {
			return err
		}
		return printJSON(load)
	},
}

// -- load promote-due --

var loadPromoteDueCmd = &cobra.Command{
	Use:   "promote-due",
	Short: "Auto-promote validated loads whose hold period has elapsed",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "migrate")
		if err != nil {
			return err
		}
		defer env.Close()

		ids, err := env.Loads.PromoteDue(ctx)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"promoted": ids})
	},
}

// -- load quarantine --

var loadQuarantineCmd = &cobra.Command{
	Use:   "quarantine <load-id>",
	Short: "Quarantine a load and cancel its open exports",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "migrate")
		if err != nil {
			return err
		}
		defer env.Close()

		reason, _ := cmd.Flags().GetString("reason")
		actor, _ := cmd.Flags().GetString("actor")
		reverse, _ := cmd.Flags().GetBool("reverse-sent")

		res, err := env.Loads.Quarantine(ctx, args[0], reason, actor, reverse)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	loadListCmd.Flags().String("status", "", "filter by status (pending, validated, failed_validation, promoted, quarantined)")
	loadListCmd.Flags().String("source", "", "filter by source type")
	loadListCmd.Flags().Int("limit", 50, "max number of loads to display")

	loadPromoteCmd.Flags().String("actor", "", "operator promoting the load")
	_ = loadPromoteCmd.MarkFlagRequired("actor")

	loadQuarantineCmd.Flags().String("reason", "", "why the load is quarantined")
	loadQuarantineCmd.Flags().String("actor", "", "operator quarantining the load")
	loadQuarantineCmd.Flags().Bool("reverse-sent", false, "also reverse sent exports on reversible destinations")
	_ = loadQuarantineCmd.MarkFlagRequired("reason")
	_ = loadQuarantineCmd.MarkFlagRequired("actor")

	loadCmd.AddCommand(loadListCmd, loadShowCmd, loadPromoteCmd, loadPromoteDueCmd, loadQuarantineCmd)
	rootCmd.AddCommand(loadCmd)
}
