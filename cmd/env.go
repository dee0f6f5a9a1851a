package main

import (
	"context"
	"maps"
	"net/http"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/license-recon/internal/config"
	"github.com/sells-group/license-recon/internal/cost"
	"github.com/sells-group/license-recon/internal/export"
	"github.com/sells-group/license-recon/internal/governance"
	"github.com/sells-group/license-recon/internal/model"
	"github.com/sells-group/license-recon/internal/monitoring"
	"github.com/sells-group/license-recon/internal/resilience"
	"github.com/sells-group/license-recon/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.SQLitePath)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// appEnv holds the store and governance services shared by commands.
type appEnv struct {
	Store        store.Store
	Validator    *governance.Validator
	Suppressions *governance.Suppressions
	Exports      *governance.Exports
	Loads        *governance.Loads
	Destinations map[string]model.Destination
	Clients      map[string]export.Client
	Reverser     *export.ClientReverser
	Budget       *cost.BudgetGuard
	Alerter      *monitoring.Alerter
}

// Close releases the store.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv validates cfg for mode, opens and migrates the store and wires
// governance. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	rulesets := governance.DefaultRulesets()
	if cfg.Governance.RulesFile != "" {
		if rulesets, err = governance.LoadRulesets(cfg.Governance.RulesFile); err != nil {
			_ = st.Close()
			return nil, err
		}
	}
	validator, err := governance.NewValidator(rulesets)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	destinations, err := governance.MergeDestinations(cfg.Export.Destinations)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	clients := destinationClients(destinations)
	sup := governance.NewSuppressions(st)
	exports := governance.NewExports(st, destinations, sup)
	reverser := export.NewClientReverser(clients, retryConfig(cfg.Export.Retry), cfg.Export.DryRun)

	return &appEnv{
		Store:        st,
		Validator:    validator,
		Suppressions: sup,
		Exports:      exports,
		Loads:        governance.NewLoads(st, validator, exports, reverser),
		Destinations: destinations,
		Clients:      clients,
		Reverser:     reverser,
		Budget: cost.NewBudgetGuard(cost.BudgetConfig{
			MonthlyCredits: cfg.Budget.MonthlyCredits,
			PerSource:      cfg.Budget.PerSource,
			WarnBelow:      cfg.Budget.WarnBelow,
			DryRun:         cfg.Budget.DryRun,
		}, st),
		Alerter: monitoring.NewAlerter(cfg.Monitoring),
	}, nil
}

// destinationClients builds a JSON-over-HTTP client for every destination
// with a URL.
func destinationClients(destinations map[string]model.Destination) map[string]export.Client {
	httpClient := &http.Client{Timeout: time.Duration(cfg.Export.TimeoutSecs) * time.Second}
	clients := make(map[string]export.Client)
	for name, d := range destinations {
		if d.URL == "" {
			zap.L().Debug("no url configured for destination", zap.String("destination", name))
			continue
		}
		clients[name] = export.NewHTTPClient(name, d.URL, cfg.Export.APIKeys[name], httpClient)
	}
	return clients
}

func retryConfig(c config.RetryConfig) resilience.RetryConfig {
	return resilience.FromRetryConfig(c)
}

// budgetSources lists the sources the budget guard reports on, sorted.
func budgetSources() []string {
	set := make(map[string]bool)
	for _, p := range cfg.Enrichment.Providers {
		set[p.Name] = true
	}
	for s := range cfg.Budget.PerSource {
		set[s] = true
	}
	return slices.Sorted(maps.Keys(set))
}

// costCalculator prices lookups and deliveries from configured credits and
// destination costs, falling back to the defaults.
func costCalculator(destinations map[string]model.Destination) *cost.Calculator {
	rates := cost.DefaultRates()
	for _, p := range cfg.Enrichment.Providers {
		if p.Credits > 0 {
			rates.Lookups[p.Name] = p.Credits
		}
	}
	for name, d := range destinations {
		rates.Destinations[name] = d.CostPerRecord
	}
	return cost.NewCalculator(rates)
}
