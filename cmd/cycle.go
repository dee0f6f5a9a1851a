package main

import (
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/license-recon/internal/events"
	"github.com/sells-group/license-recon/internal/fetcher"
	"github.com/sells-group/license-recon/internal/golden"
	"github.com/sells-group/license-recon/internal/model"
	"github.com/sells-group/license-recon/internal/pipeline"
	"github.com/sells-group/license-recon/internal/waterfall"
	"github.com/sells-group/license-recon/internal/waterfall/provider"
)

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run one reconciliation cycle",
	Long:  "Downloads and validates every configured feed, matches licenses to the registry, rebuilds golden records, records history and derives change events.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		only, _ := cmd.Flags().GetStringSlice("only")
		noEnrich, _ := cmd.Flags().GetBool("no-enrich")
		if dry, _ := cmd.Flags().GetBool("dry-run"); dry {
			cfg.Budget.DryRun = true
		}

		env, err := initEnv(ctx, "cycle")
		if err != nil {
			return err
		}
		defer env.Close()

		wcfg := waterfall.DefaultConfig()
		if cfg.Governance.WaterfallFile != "" {
			if wcfg, err = waterfall.LoadConfig(cfg.Governance.WaterfallFile); err != nil {
				return err
			}
		}
		builder := golden.NewBuilder(golden.Config{NewLicenseeDays: cfg.Golden.NewLicenseeDays}, waterfall.NewMerger(wcfg))
		deriver := events.NewDeriver(events.Config{
			HorizonDays:          cfg.Events.ExpirationHorizonDays,
			CredentialPriorities: credentialPriorities(cfg.Events.CredentialPriorities),
		})

		var dispatcher *provider.Dispatcher
		if !noEnrich && len(cfg.Enrichment.Providers) > 0 {
			dispatcher = provider.NewDispatcher(enrichmentRegistry(), env.Budget, costCalculator(env.Destinations), retryConfig(cfg.Export.Retry))
		}

		f := fetcher.Router{
			HTTP: fetcher.NewHTTPFetcher(fetcher.HTTPOptions{}),
			FTP:  fetcher.NewFTPFetcher(fetcher.FTPOptions{}),
		}
		c := pipeline.NewCycle(env.Store, f, env.Loads, builder, deriver, dispatcher, pipeline.Options{
			Shards:           cfg.History.Shards,
			Workers:          cfg.Match.Workers,
			TrackHardDeletes: cfg.History.TrackHardDeletes,
			TempDir:          cfg.TempDir,
			Feeds:            cfg.Feeds,
			Only:             only,
		})

		res, err := c.Run(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func credentialPriorities(in map[string]string) map[string]model.Priority {
	out := make(map[string]model.Priority, len(in))
	for k, v := range in {
		out[k] = model.Priority(v)
	}
	return out
}

// enrichmentRegistry registers every configured JSON-over-HTTP provider.
func enrichmentRegistry() *provider.Registry {
	reg := provider.NewRegistry()
	for _, p := range cfg.Enrichment.Providers {
		fields := make([]model.Field, len(p.Fields))
		for i, f := range p.Fields {
			fields[i] = model.Field(f)
		}
		timeout := time.Duration(p.TimeoutSecs) * time.Second
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		reg.Register(provider.NewHTTPProvider(provider.HTTPConfig{
			Name:    p.Name,
			Source:  p.Source,
			URL:     p.URL,
			APIKey:  p.APIKey,
			Fields:  fields,
			Timeout: timeout,
		}, &http.Client{Timeout: timeout}))
	}
	return reg
}

func init() {
	cycleCmd.Flags().StringSlice("only", nil, "limit ingestion to these feed names")
	cycleCmd.Flags().Bool("no-enrich", false, "skip paid enrichment lookups")
	cycleCmd.Flags().Bool("dry-run", false, "run enrichment budget checks without spending credits")
	rootCmd.AddCommand(cycleCmd)
}
