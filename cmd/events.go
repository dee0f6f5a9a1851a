package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/license-recon/internal/model"
	"github.com/sells-group/license-recon/internal/store"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect and acknowledge change events",
}

var eventsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List change events",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "migrate")
		if err != nil {
			return err
		}
		defer env.Close()

		filter := store.EventFilter{}
		filter.UnprocessedOnly, _ = cmd.Flags().GetBool("unprocessed")
		filter.EntityID, _ = cmd.Flags().GetString("entity")
		filter.Limit, _ = cmd.Flags().GetInt("limit")
		types, _ := cmd.Flags().GetStringSlice("type")
		for _, t := range types {
			filter.Types = append(filter.Types, model.EventType(t))
		}

		evts, err := env.Store.ListEvents(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "events list")
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(evts)
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "EVENT\tENTITY\tTYPE\tPRIORITY\tAT\tPROCESSED")
		for _, e := range evts {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\n",
				e.EventID, e.EntityID, e.EventType, e.Priority, e.EventTimestamp.Format("2006-01-02"), e.IsProcessed)
		}
		return tw.Flush()
	},
}

var eventsAckCmd = &cobra.Command{
	Use:   "ack <event-id...>",
	Short: "Mark events processed",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "migrate")
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Store.MarkEventsProcessed(ctx, args, time.Now().UTC())
		if err != nil {
			return eris.Wrap(err, "events ack")
		}
		fmt.Printf("Acknowledged %d of %d events\n", n, len(args))
		return nil
	},
}

func init() {
	eventsListCmd.Flags().Bool("unprocessed", false, "only unprocessed events")
	eventsListCmd.Flags().String("entity", "", "filter by entity id")
	eventsListCmd.Flags().StringSlice("type", nil, "filter by event type")
	eventsListCmd.Flags().Int("limit", 100, "max events")
	eventsListCmd.Flags().Bool("json", false, "print JSON instead of a table")

	eventsCmd.AddCommand(eventsListCmd, eventsAckCmd)
	rootCmd.AddCommand(eventsCmd)
}
