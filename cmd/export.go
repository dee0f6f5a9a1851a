package main

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/license-recon/internal/export"
	"github.com/sells-group/license-recon/internal/governance"
	"github.com/sells-group/license-recon/internal/model"
	"github.com/sells-group/license-recon/internal/monitoring"
	"github.com/sells-group/license-recon/internal/resilience"
	"github.com/sells-group/license-recon/internal/store"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Manage the outbound export queue",
	Long:  "Commands for queueing golden records to destinations, approving, sending, reversing and inspecting exports.",
}

// -- export queue --

var exportQueueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Queue exports from unprocessed change events",
	Long:  "Reads unprocessed change events of the selected types, loads each entity's golden record and enqueues it to the destination. Consumed events are acknowledged.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "export")
		if err != nil {
			return err
		}
		defer env.Close()

		destination, _ := cmd.Flags().GetString("destination")
		types, _ := cmd.Flags().GetStringSlice("event-type")
		limit, _ := cmd.Flags().GetInt("limit")
		ack, _ := cmd.Flags().GetBool("ack")

		filter := store.EventFilter{UnprocessedOnly: true, Limit: limit}
		for _, t := range types {
			filter.Types = append(filter.Types, model.EventType(t))
		}
		evts, err := env.Store.ListEvents(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "export queue: list events")
		}

		byLoad := make(map[string][]governance.Candidate)
		var consumed []string
		skipped := 0
		for _, e := range evts {
			consumed = append(consumed, e.EventID)
			g, err := env.Store.GetGolden(ctx, e.EntityID)
			if err != nil {
				zap.L().Warn("export queue: no golden record for event",
					zap.String("event_id", e.EventID), zap.String("entity_id", e.EntityID), zap.Error(err))
				skipped++
				continue
			}
			if g.OutreachReadiness == model.ReadinessNone {
				skipped++
				continue
			}
			byLoad[g.LoadID] = append(byLoad[g.LoadID], governance.Candidate{Record: *g, EventID: e.EventID})
		}

		loadIDs := make([]string, 0, len(byLoad))
		for id := range byLoad {
			loadIDs = append(loadIDs, id)
		}
		sort.Strings(loadIDs)

		total := governance.EnqueueResult{Skipped: skipped}
		for _, id := range loadIDs {
			res, err := env.Exports.Enqueue(ctx, destination, id, byLoad[id])
			if err != nil {
				return err
			}
			total.Queued += res.Queued
			total.AutoApproved += res.AutoApproved
			total.Suppressed += res.Suppressed
			total.Skipped += res.Skipped
		}

		if ack && len(consumed) > 0 {
			if _, err := env.Store.MarkEventsProcessed(ctx, consumed, time.Now().UTC()); err != nil {
				return eris.Wrap(err, "export queue: ack events")
			}
		}
		return printJSON(total)
	},
}

// -- export approve --

var exportApproveCmd = &cobra.Command{
	Use:   "approve [task-id...]",
	Short: "Approve queued exports",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "export")
		if err != nil {
			return err
		}
		defer env.Close()

		destination, _ := cmd.Flags().GetString("destination")
		minConf, _ := cmd.Flags().GetInt("min-confidence")
		approver, _ := cmd.Flags().GetString("approver")

		n, err := env.Exports.Approve(ctx, governance.ApproveRequest{
			TaskIDs:       args,
			Destination:   destination,
			MinConfidence: minConf,
			Approver:      approver,
		})
		if err != nil {
			return err
		}
		return printJSON(map[string]int{"approved": n})
	},
}

// -- export send --

var exportSendCmd = &cobra.Command{
	Use:   "send",
	Short: "Deliver approved exports to their destinations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "export")
		if err != nil {
			return err
		}
		defer env.Close()

		destination, _ := cmd.Flags().GetString("destination")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		dryRun = dryRun || cfg.Export.DryRun

		windows := export.WindowStore(export.NewMemoryWindows())
		if cfg.Export.RedisURL != "" {
			rw, err := export.DialRedisWindows(ctx, cfg.Export.RedisURL)
			if err != nil {
				return err
			}
			defer rw.Close() //nolint:errcheck
			windows = rw
		}

		breakerCfg := resilience.FromCircuitConfig(cfg.Export.Circuit)
		breakerCfg.OnStateChange = monitoring.BreakerStateChange

		sender := export.NewSender(env.Exports, env.Store, env.Clients,
			export.NewLimiter(cfg.Export.BurstPerSecond, windows),
			resilience.NewServiceBreakers(breakerCfg),
			costCalculator(env.Destinations), env.Alerter,
			export.SenderOptions{
				DryRun:        dryRun,
				BatchSize:     cfg.Export.BatchSize,
				Retry:         retryConfig(cfg.Export.Retry),
				DLQMaxRetries: cfg.Export.DLQMaxRetries,
			})

		var results []export.SendResult
		if destination != "" {
			res, err := sender.Send(ctx, destination)
			if err != nil {
				return err
			}
			results = append(results, res)
		} else if results, err = sender.SendAll(ctx); err != nil {
			return err
		}
		return printJSON(results)
	},
}

// -- export status --

var exportStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue counts by status and destination",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "migrate")
		if err != nil {
			return err
		}
		defer env.Close()

		st, err := env.Exports.QueueStatus(ctx)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "DESTINATION\tSTATUS\tCOUNT")
		dests := make([]string, 0, len(st.ByDestination))
		for d := range st.ByDestination {
			dests = append(dests, d)
		}
		sort.Strings(dests)
		for _, d := range dests {
			statuses := make([]string, 0, len(st.ByDestination[d]))
			for s := range st.ByDestination[d] {
				statuses = append(statuses, string(s))
			}
			sort.Strings(statuses)
			for _, s := range statuses {
				fmt.Fprintf(tw, "%s\t%s\t%d\n", d, s, st.ByDestination[d][model.ExportStatus(s)])
			}
		}
		_ = tw.Flush()
		fmt.Printf("\nSent last 24h: %d (est. $%.2f)\n", st.SentLast24h, st.EstimatedCost)
		return nil
	},
}

// -- export cancel --

var exportCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel an open export",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "migrate")
		if err != nil {
			return err
		}
		defer env.Close()

		reason, _ := cmd.Flags().GetString("reason")
		task, err := env.Exports.Cancel(ctx, args[0], reason)
		if err != nil {
			return err
		}
		return printJSON(task)
	},
}

// -- export reverse --

var exportReverseCmd = &cobra.Command{
	Use:   "reverse <task-id>",
	Short: "Reverse a sent export on a reversible destination",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "export")
		if err != nil {
			return err
		}
		defer env.Close()

		reason, _ := cmd.Flags().GetString("reason")
		task, err := env.Exports.Reverse(ctx, args[0], reason, env.Reverser)
		if err != nil {
			return err
		}
		return printJSON(task)
	},
}

// -- export dlq --

var exportDLQCmd = &cobra.Command{
	Use:   "dlq",
	Short: "List dead-lettered deliveries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "migrate")
		if err != nil {
			return err
		}
		defer env.Close()

		destination, _ := cmd.Flags().GetString("destination")
		errType, _ := cmd.Flags().GetString("error-type")
		limit, _ := cmd.Flags().GetInt("limit")

		entries, err := env.Store.ListDLQ(ctx, resilience.DLQFilter{Destination: destination, ErrorType: errType, Limit: limit})
		if err != nil {
			return eris.Wrap(err, "export dlq")
		}
		return printJSON(entries)
	},
}

func init() {
	exportQueueCmd.Flags().String("destination", "", "destination to queue to")
	exportQueueCmd.Flags().StringSlice("event-type", []string{string(model.EventNewRecord), string(model.EventStatusReinstated)}, "event types that trigger an export")
	exportQueueCmd.Flags().Int("limit", 1000, "max events to consume")
	exportQueueCmd.Flags().Bool("ack", true, "mark consumed events processed")
	_ = exportQueueCmd.MarkFlagRequired("destination")

	exportApproveCmd.Flags().String("destination", "", "approve queued tasks for this destination")
	exportApproveCmd.Flags().Int("min-confidence", 0, "only approve tasks at or above this match confidence")
	exportApproveCmd.Flags().String("approver", "", "operator approving the tasks")
	_ = exportApproveCmd.MarkFlagRequired("approver")

	exportSendCmd.Flags().String("destination", "", "send only this destination (default all)")
	exportSendCmd.Flags().Bool("dry-run", false, "select and price tasks without delivering")

	exportCancelCmd.Flags().String("reason", "cancelled by operator", "cancellation reason")
	exportReverseCmd.Flags().String("reason", "", "reversal reason")
	_ = exportReverseCmd.MarkFlagRequired("reason")

	exportDLQCmd.Flags().String("destination", "", "filter by destination")
	exportDLQCmd.Flags().String("error-type", "", "filter by error type (transient, permanent)")
	exportDLQCmd.Flags().Int("limit", 50, "max entries")

	exportCmd.AddCommand(exportQueueCmd, exportApproveCmd, exportSendCmd, exportStatusCmd,
		exportCancelCmd, exportReverseCmd, exportDLQCmd)
	rootCmd.AddCommand(exportCmd)
}
