package pipeline

import (
	"context"
	"errors"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/license-recon/internal/config"
	"github.com/sells-group/license-recon/internal/events"
	"github.com/sells-group/license-recon/internal/fetcher"
	"github.com/sells-group/license-recon/internal/golden"
	"github.com/sells-group/license-recon/internal/governance"
	"github.com/sells-group/license-recon/internal/history"
	"github.com/sells-group/license-recon/internal/match"
	"github.com/sells-group/license-recon/internal/model"
	"github.com/sells-group/license-recon/internal/monitoring"
	"github.com/sells-group/license-recon/internal/normalize"
	"github.com/sells-group/license-recon/internal/store"
	"github.com/sells-group/license-recon/internal/waterfall/provider"
)

// ErrNoRegistry is returned when no registry feed is configured.
var ErrNoRegistry = eris.New("pipeline: no registry feed configured")

// Options tunes a reconciliation cycle.
type Options struct {
	Shards           int
	Workers          int
	TrackHardDeletes bool
	TempDir          string
	Feeds            map[string]config.FeedConfig
	// Only limits ingestion to the named license feeds. Empty means all.
	Only []string
}

// LoadSummary reports one ingested license feed.
type LoadSummary struct {
	Feed       string           `json:"feed"`
	LoadID     string           `json:"load_id"`
	SourceType string           `json:"source_type"`
	Rows       int              `json:"rows"`
	Records    int              `json:"records"`
	Skipped    int              `json:"skipped"`
	Malformed  int              `json:"malformed"`
	Status     model.LoadStatus `json:"status"`
}

// Result summarizes a cycle.
type Result struct {
	AsOf            time.Time     `json:"as_of"`
	Loads           []LoadSummary `json:"loads"`
	Registry        int           `json:"registry"`
	Licenses        int           `json:"licenses"`
	Matched         int           `json:"matched"`
	Golden          int           `json:"golden"`
	VersionsOpened  int           `json:"versions_opened"`
	VersionsClosed  int           `json:"versions_closed"`
	EventsDerived   int           `json:"events_derived"`
	EventsStored    int           `json:"events_stored"`
	EnrichmentCalls int           `json:"enrichment_calls"`
	ObserveErrors   int           `json:"observe_errors"`
	Promoted        []string      `json:"promoted,omitempty"`
	Duration        time.Duration `json:"duration"`
}

// Cycle runs one full reconciliation: ingest feeds, match, build golden
// records, detect changes and derive events.
type Cycle struct {
	store      store.Store
	fetcher    fetcher.Fetcher
	loads      *governance.Loads
	builder    *golden.Builder
	deriver    *events.Deriver
	dispatcher *provider.Dispatcher
	opts       Options
	now        func() time.Time
}

// NewCycle creates a cycle. dispatcher may be nil to skip paid enrichment.
func NewCycle(st store.Store, f fetcher.Fetcher, loads *governance.Loads, builder *golden.Builder, deriver *events.Deriver, dispatcher *provider.Dispatcher, opts Options) *Cycle {
	if opts.Shards < 1 {
		opts.Shards = 1
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	return &Cycle{
		store:      st,
		fetcher:    f,
		loads:      loads,
		builder:    builder,
		deriver:    deriver,
		dispatcher: dispatcher,
		opts:       opts,
		now:        time.Now,
	}
}

// Run executes the cycle. Per-record failures are logged and skipped; only a
// missing registry, an unreadable feed or a store failure abort the run.
func (c *Cycle) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	asOf := c.now().UTC()
	res := &Result{AsOf: asOf}
	log := zap.L().With(zap.Time("as_of", asOf))
	log.Info("pipeline: cycle starting")

	registry, err := c.readRegistry(ctx)
	if err != nil {
		return nil, err
	}
	res.Registry = len(registry)

	licenses, retained, complete, err := c.ingest(ctx, res)
	if err != nil {
		return nil, err
	}
	res.Licenses = len(licenses)

	matcher := match.NewMatcher(registry)
	matches, err := matcher.MatchAll(ctx, licenses, c.opts.Workers)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: match")
	}
	for _, m := range matches {
		monitoring.MatchesTotal.WithLabelValues(m.Tier.String()).Inc()
		if m.Matched() {
			res.Matched++
		}
	}

	records, err := c.buildGolden(ctx, licenses, matches, registry, asOf, res)
	if err != nil {
		return nil, err
	}
	res.Golden = len(records)
	monitoring.GoldenBuilt.Add(float64(len(records)))

	hardDeletes := c.opts.TrackHardDeletes && complete && len(c.opts.Only) == 0
	if c.opts.TrackHardDeletes && !hardDeletes {
		log.Warn("pipeline: skipping hard-delete tracking for a partial cycle")
	}
	changes, err := c.detect(ctx, records, retained, asOf, hardDeletes)
	if err != nil {
		return nil, err
	}
	res.VersionsOpened = len(changes.opened)
	res.VersionsClosed = len(changes.closed)
	res.EventsDerived = len(changes.events)
	res.ObserveErrors = changes.errors

	if err := c.persist(ctx, records, changes, res); err != nil {
		return nil, err
	}

	promoted, err := c.loads.PromoteDue(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: promote due loads")
	}
	res.Promoted = promoted

	res.Duration = time.Since(start)
	monitoring.CycleDuration.Observe(res.Duration.Seconds())
	log.Info("pipeline: cycle complete",
		zap.Int("licenses", res.Licenses),
		zap.Int("matched", res.Matched),
		zap.Int("golden", res.Golden),
		zap.Int("versions_opened", res.VersionsOpened),
		zap.Int("versions_closed", res.VersionsClosed),
		zap.Int("events_stored", res.EventsStored),
		zap.Strings("promoted", res.Promoted),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

func (c *Cycle) feedNames(source func(string) bool) []string {
	var names []string
	for _, name := range slices.Sorted(maps.Keys(c.opts.Feeds)) {
		if source(c.opts.Feeds[name].Source) {
			names = append(names, name)
		}
	}
	return names
}

func toFeed(name string, fc config.FeedConfig) fetcher.Feed {
	return fetcher.Feed{
		Name:   name,
		URL:    fc.URL,
		Format: fetcher.Format(fc.Format),
		Sheet:  fc.Sheet,
		Entry:  fc.Entry,
	}
}

// readRegistry loads every npi feed. The registry is required.
func (c *Cycle) readRegistry(ctx context.Context) ([]model.RegistryIdentity, error) {
	names := c.feedNames(func(s string) bool { return s == normalize.SourceNPI })
	if len(names) == 0 {
		return nil, ErrNoRegistry
	}

	var out []model.RegistryIdentity
	for _, name := range names {
		feed := toFeed(name, c.opts.Feeds[name])
		dir := filepath.Join(c.opts.TempDir, name)
		snap, err := fetcher.DownloadSnapshot(ctx, c.fetcher, feed.URL, dir, name+".download", "")
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: download registry %s", name)
		}
		path := snap.Path
		isZip, err := fetcher.IsZIP(path)
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: inspect registry %s", name)
		}
		if isZip {
			entry := feed.Entry
			if entry == "" {
				entry = ".csv"
			}
			if path, err = fetcher.ExtractZIP(path, filepath.Join(dir, "extract"), entry); err != nil {
				return nil, eris.Wrapf(err, "pipeline: extract registry %s", name)
			}
		}

		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: open registry %s", name)
		}
		ids, stats, err := normalize.ReadRegistry(ctx, f, normalize.DentalTaxonomyPrefixes)
		_ = f.Close()
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: read registry %s", name)
		}
		zap.L().Info("pipeline: registry loaded",
			zap.String("feed", name),
			zap.Int("rows", stats.Rows),
			zap.Int("kept", stats.Kept),
			zap.Int("malformed", stats.Malformed),
		)
		out = append(out, ids...)
	}
	return out, nil
}

// ingest reads, registers and validates each license feed. Records are
// returned only from loads that passed validation. retained holds the entity
// ids of malformed rows whose key was readable; those licenses are still in
// the feed and must not be closed as deleted. complete is false when any feed
// failed validation.
func (c *Cycle) ingest(ctx context.Context, res *Result) (records []model.LicenseRecord, retained map[string]struct{}, complete bool, err error) {
	names := c.feedNames(func(s string) bool { return s != normalize.SourceNPI })
	if len(c.opts.Only) > 0 {
		names = slices.DeleteFunc(names, func(n string) bool { return !slices.Contains(c.opts.Only, n) })
	}

	retained = make(map[string]struct{})
	complete = true
	for _, name := range names {
		fc := c.opts.Feeds[name]
		adapter, err := normalize.For(fc.Source, fc.ProfessionalType)
		if err != nil {
			return nil, nil, false, eris.Wrapf(err, "pipeline: feed %s", name)
		}

		var rows []map[string]string
		fr, err := fetcher.ReadFeed(ctx, c.fetcher, toFeed(name, fc), filepath.Join(c.opts.TempDir, name), "",
			func(_ int, rec fetcher.Record) error {
				rows = append(rows, rec)
				return nil
			})
		if err != nil {
			return nil, nil, false, eris.Wrapf(err, "pipeline: read feed %s", name)
		}

		sourceFile := fr.Snapshot.Path
		if sourceFile == "" {
			sourceFile = fc.URL
		}
		load, err := c.loads.Register(ctx, fc.Source, sourceFile, len(rows))
		if err != nil {
			return nil, nil, false, err
		}
		load, err = c.loads.Validate(ctx, load.LoadID, governance.Batch{Columns: fr.Columns, Rows: rows})
		if err != nil {
			return nil, nil, false, err
		}

		sum := LoadSummary{Feed: name, LoadID: load.LoadID, SourceType: fc.Source, Rows: len(rows), Status: load.Status}
		if load.Status != model.LoadValidated {
			complete = false
			res.Loads = append(res.Loads, sum)
			continue
		}

		for i, row := range rows {
			rec, err := adapter.License(row)
			if err != nil {
				if eris.Is(err, normalize.ErrSkip) {
					sum.Skipped++
					continue
				}
				sum.Malformed++
				var re *normalize.RowError
				if errors.As(err, &re) {
					retained[re.Key.String()] = struct{}{}
				}
				zap.L().Warn("pipeline: skipping malformed row",
					zap.String("load_id", load.LoadID), zap.Int("row", i+1), zap.Error(err))
				continue
			}
			rec.LoadID = load.LoadID
			records = append(records, rec)
			sum.Records++
		}
		res.Loads = append(res.Loads, sum)
	}
	return records, retained, complete, nil
}

// buildGolden composes one golden record per matched license key, filling
// contact gaps from paid providers when a dispatcher is configured.
func (c *Cycle) buildGolden(ctx context.Context, licenses []model.LicenseRecord, matches []model.Match, registry []model.RegistryIdentity, asOf time.Time, res *Result) ([]model.GoldenRecord, error) {
	byKey := make(map[model.LicenseKey]model.LicenseRecord, len(licenses))
	for _, l := range licenses {
		if _, ok := byKey[l.Key]; !ok {
			byKey[l.Key] = l
		}
	}
	byID := make(map[string]*model.RegistryIdentity, len(registry))
	for i := range registry {
		byID[registry[i].RegistryID] = &registry[i]
	}
	if err := c.storeRegistryFacts(ctx, matches, byID); err != nil {
		return nil, err
	}
	facts, err := c.store.FactsByEntity(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load facts")
	}

	inputs := make([]golden.Input, len(matches))
	records := make([]model.GoldenRecord, len(matches))
	for i, m := range matches {
		in := golden.Input{License: byKey[m.LicenseKey], Match: m}
		if m.RegistryID != nil {
			in.Registry = byID[*m.RegistryID]
		}
		in.Facts = facts[m.LicenseKey.String()]
		inputs[i] = in
		records[i] = c.builder.Build(in, asOf)
	}

	if c.dispatcher == nil {
		return records, nil
	}
	dr, err := c.dispatcher.Dispatch(ctx, records)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: enrichment dispatch")
	}
	res.EnrichmentCalls = dr.Calls
	if len(dr.Facts) == 0 {
		return records, nil
	}
	if err := c.store.InsertFacts(ctx, dr.Facts); err != nil {
		return nil, eris.Wrap(err, "pipeline: store enrichment facts")
	}
	fresh := make(map[string][]model.EnrichmentFact)
	for _, f := range dr.Facts {
		fresh[f.EntityID] = append(fresh[f.EntityID], f)
	}
	for i := range records {
		if add, ok := fresh[records[i].EntityID]; ok {
			inputs[i].Facts = append(inputs[i].Facts, add...)
			records[i] = c.builder.Build(inputs[i], asOf)
		}
	}
	return records, nil
}

// storeRegistryFacts records each matched registry identity's contact data
// as a registry enrichment fact, so the waterfall only ever reads stored facts.
func (c *Cycle) storeRegistryFacts(ctx context.Context, matches []model.Match, byID map[string]*model.RegistryIdentity) error {
	var facts []model.EnrichmentFact
	for _, m := range matches {
		if m.RegistryID == nil {
			continue
		}
		reg, ok := byID[*m.RegistryID]
		if !ok {
			continue
		}
		if f, ok := golden.RegistryFact(m.LicenseKey.String(), *reg); ok {
			facts = append(facts, f)
		}
	}
	return eris.Wrap(c.store.InsertFacts(ctx, facts), "pipeline: store registry facts")
}

type changeSet struct {
	opened []model.EntityVersion
	closed []model.EntityVersion
	events []model.ChangeEvent
	errors int
}

// detect observes every record against its history shard. Each goroutine owns
// one shard and one bucket of records, so shards are never shared.
func (c *Cycle) detect(ctx context.Context, records []model.GoldenRecord, retained map[string]struct{}, asOf time.Time, hardDeletes bool) (changeSet, error) {
	current, err := c.store.CurrentVersions(ctx)
	if err != nil {
		return changeSet{}, eris.Wrap(err, "pipeline: load current versions")
	}
	retired, err := c.store.RetiredVersions(ctx)
	if err != nil {
		return changeSet{}, eris.Wrap(err, "pipeline: load retired versions")
	}
	arena := history.NewArena(c.opts.Shards)
	arena.Hydrate(current)
	arena.Hydrate(retired)

	buckets := make([][]model.GoldenRecord, arena.Size())
	for _, g := range records {
		i := arena.ShardFor(g.EntityID)
		buckets[i] = append(buckets[i], g)
	}

	results := make([]changeSet, arena.Size())
	g, gctx := errgroup.WithContext(ctx)
	for i := range buckets {
		g.Go(func() error {
			cs, err := c.observeShard(gctx, arena.Shard(i), buckets[i], retained, asOf, hardDeletes)
			results[i] = cs
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return changeSet{}, err
	}

	var all changeSet
	for _, r := range results {
		all.opened = append(all.opened, r.opened...)
		all.closed = append(all.closed, r.closed...)
		all.events = append(all.events, r.events...)
		all.errors += r.errors
	}
	return all, nil
}

func (c *Cycle) observeShard(ctx context.Context, shard *history.Shard, records []model.GoldenRecord, retained map[string]struct{}, asOf time.Time, hardDeletes bool) (changeSet, error) {
	var cs changeSet
	seen := make(map[string]struct{}, len(records)+len(retained))
	for id := range retained {
		seen[id] = struct{}{}
	}
	changed := make(map[string]bool)
	apply := func(tr history.Transition) {
		if tr.Closes() {
			cs.closed = append(cs.closed, *tr.Previous)
		}
		if tr.Opened != nil {
			cs.opened = append(cs.opened, *tr.Opened)
		}
		cs.events = append(cs.events, c.deriver.Derive(tr, asOf)...)
		changed[tr.EntityID] = true
	}

	for _, g := range records {
		if err := ctx.Err(); err != nil {
			return cs, eris.Wrap(err, "pipeline: detect cancelled")
		}
		seen[g.EntityID] = struct{}{}
		tr, ok, err := shard.Observe(g.EntityID, g.ProviderID, g.LoadID, golden.Project(g), asOf)
		if err != nil {
			cs.errors++
			zap.L().Warn("pipeline: observe failed", zap.String("entity_id", g.EntityID), zap.Error(err))
			continue
		}
		if ok {
			apply(tr)
		}
	}
	if hardDeletes {
		for _, tr := range shard.CloseMissing(seen, asOf) {
			apply(tr)
		}
	}

	var unchanged []model.EntityVersion
	for _, id := range shard.Entities() {
		if changed[id] {
			continue
		}
		if v, ok := shard.Current(id); ok {
			unchanged = append(unchanged, v)
		}
	}
	cs.events = append(cs.events, c.deriver.Sweep(unchanged, asOf)...)
	return cs, nil
}

func (c *Cycle) persist(ctx context.Context, records []model.GoldenRecord, cs changeSet, res *Result) error {
	if err := c.store.ApplyVersions(ctx, cs.closed, cs.opened); err != nil {
		return eris.Wrap(err, "pipeline: apply versions")
	}
	monitoring.VersionsOpened.Add(float64(len(cs.opened)))
	monitoring.VersionsClosed.Add(float64(len(cs.closed)))

	n, err := c.store.InsertEvents(ctx, cs.events)
	if err != nil {
		return eris.Wrap(err, "pipeline: insert events")
	}
	res.EventsStored = n
	for _, e := range cs.events {
		monitoring.EventsEmitted.WithLabelValues(string(e.EventType)).Inc()
	}

	if err := c.store.UpsertGolden(ctx, records); err != nil {
		return eris.Wrap(err, "pipeline: upsert golden records")
	}
	return nil
}
