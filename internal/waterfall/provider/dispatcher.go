package provider

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/license-recon/internal/cost"
	"github.com/sells-group/license-recon/internal/model"
	"github.com/sells-group/license-recon/internal/resilience"
)

// Budget is the subset of cost.BudgetGuard the dispatcher needs.
type Budget interface {
	Reserve(ctx context.Context, source string, credits float64) error
	DryRun() bool
}

// Pricer returns the credits one lookup against a provider costs.
type Pricer interface {
	Lookup(provider string) float64
}

// DispatchResult summarizes one dispatch run.
type DispatchResult struct {
	Facts     []model.EnrichmentFact `json:"facts"`
	Calls     int                    `json:"calls"`
	Skipped   int                    `json:"skipped"`
	Failed    int                    `json:"failed"`
	Exhausted []string               `json:"exhausted,omitempty"`
	DryRun    bool                   `json:"dry_run"`
}

// Dispatcher fills missing contact fields from paid providers. Every call is
// reserved against the budget first.
type Dispatcher struct {
	registry *Registry
	budget   Budget
	pricer   Pricer
	retry    resilience.RetryConfig
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(registry *Registry, budget Budget, pricer Pricer, retry resilience.RetryConfig) *Dispatcher {
	return &Dispatcher{registry: registry, budget: budget, pricer: pricer, retry: retry}
}

// Missing lists the contact fields a golden record has not resolved.
func Missing(g model.GoldenRecord) []model.Field {
	var out []model.Field
	values := map[model.Field]*string{
		model.FieldEmail:       g.Email,
		model.FieldPhone:       g.Phone,
		model.FieldLinkedInURL: g.LinkedInURL,
		model.FieldWebsite:     g.Website,
		model.FieldCompanyName: g.CompanyName,
		model.FieldTitle:       g.Title,
	}
	for _, f := range model.ContactFields {
		if values[f] == nil {
			out = append(out, f)
		}
	}
	return out
}

// Dispatch queries providers for each record's missing fields. A provider
// whose budget is exhausted is skipped for the rest of the run. Per-record
// failures are logged and do not stop the run; only context cancellation does.
func (d *Dispatcher) Dispatch(ctx context.Context, records []model.GoldenRecord) (*DispatchResult, error) {
	res := &DispatchResult{DryRun: d.budget.DryRun()}
	exhausted := make(map[string]bool)

	for _, g := range records {
		if err := ctx.Err(); err != nil {
			return res, eris.Wrap(err, "provider: dispatch cancelled")
		}
		missing := Missing(g)
		if len(missing) == 0 {
			continue
		}
		lookup := LookupFor(g)

		for _, p := range d.registry.For(missing) {
			if exhausted[p.Name()] {
				res.Skipped++
				continue
			}
			if err := d.budget.Reserve(ctx, p.Name(), d.pricer.Lookup(p.Name())); err != nil {
				if cost.IsBudgetExhausted(err) {
					zap.L().Warn("provider: budget exhausted, skipping provider",
						zap.String("provider", p.Name()), zap.Error(err))
					exhausted[p.Name()] = true
					res.Exhausted = append(res.Exhausted, p.Name())
					res.Skipped++
					continue
				}
				return res, eris.Wrapf(err, "provider: reserve %s", p.Name())
			}
			if res.DryRun {
				res.Skipped++
				continue
			}

			res.Calls++
			fact, err := resilience.DoVal(ctx, d.retry, func(ctx context.Context) (*model.EnrichmentFact, error) {
				return p.Query(ctx, lookup)
			})
			if err != nil {
				res.Failed++
				zap.L().Warn("provider: lookup failed",
					zap.String("provider", p.Name()),
					zap.String("entity_id", g.EntityID),
					zap.Error(err))
				continue
			}
			if fact == nil || len(fact.Values) == 0 {
				continue
			}
			res.Facts = append(res.Facts, *fact)
		}
	}
	return res, nil
}
