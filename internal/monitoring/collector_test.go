package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/license-recon/internal/model"
	"github.com/sells-group/license-recon/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var t0 = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

// mockStore overrides the store methods the collector reads.
type mockStore struct {
	store.Store
	exports   map[model.ExportStatus]int
	loads     []model.DataLoad
	events    []model.ChangeEvent
	dlqCount  int
	exportErr error
	dlqErr    error
}

func (m *mockStore) CountExportsSince(_ context.Context, _ time.Time) (map[model.ExportStatus]int, error) {
	if m.exportErr != nil {
		return nil, m.exportErr
	}
	out := make(map[model.ExportStatus]int, len(m.exports))
	for k, v := range m.exports {
		out[k] = v
	}
	return out, nil
}

func (m *mockStore) ListLoads(_ context.Context, _ store.LoadFilter) ([]model.DataLoad, error) {
	return m.loads, nil
}

func (m *mockStore) ListEvents(_ context.Context, _ store.EventFilter) ([]model.ChangeEvent, error) {
	return m.events, nil
}

func (m *mockStore) CountDLQ(_ context.Context) (int, error) {
	return m.dlqCount, m.dlqErr
}

type fakeBudget map[string]float64

func (f fakeBudget) Remaining(_ context.Context, source string) (float64, error) {
	v, ok := f[source]
	if !ok {
		return 0, errors.New("unknown source")
	}
	return v, nil
}

func newCollector(st store.Store, budget BudgetReader, sources ...string) *Collector {
	c := NewCollector(st, budget, sources, 50, 72)
	c.now = func() time.Time { return t0 }
	return c
}

func TestCollector_Exports(t *testing.T) {
	st := &mockStore{exports: map[model.ExportStatus]int{
		model.ExportSent:     6,
		model.ExportReversed: 2,
		model.ExportFailed:   2,
		model.ExportQueued:   9,
	}}

	snap, err := newCollector(st, nil).Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Equal(t, 8, snap.ExportsSent)
	assert.Equal(t, 2, snap.ExportsFailed)
	assert.InDelta(t, 0.2, snap.ExportFailRate, 1e-9)
	assert.Equal(t, 9, snap.ExportsByStatus[model.ExportQueued])
	assert.Equal(t, 24, snap.LookbackHours)
	assert.Equal(t, t0, snap.CollectedAt)
}

func TestCollector_NoFinishedExports(t *testing.T) {
	snap, err := newCollector(&mockStore{}, nil).Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Zero(t, snap.ExportFailRate)
}

func TestCollector_Loads(t *testing.T) {
	validatedLongAgo := t0.Add(-100 * time.Hour)
	validatedRecently := t0.Add(-2 * time.Hour)
	st := &mockStore{loads: []model.DataLoad{
		{LoadID: "a", Status: model.LoadPromoted, CreatedAt: t0.Add(-time.Hour)},
		{LoadID: "b", Status: model.LoadFailedValidation, CreatedAt: t0.Add(-3 * time.Hour)},
		{LoadID: "c", Status: model.LoadQuarantined, CreatedAt: t0.Add(-5 * time.Hour)},
		{LoadID: "d", Status: model.LoadFailedValidation, CreatedAt: t0.Add(-48 * time.Hour)},
		{LoadID: "e", Status: model.LoadValidated, ValidatedAt: &validatedLongAgo, CreatedAt: validatedLongAgo},
		{LoadID: "f", Status: model.LoadValidated, ValidatedAt: &validatedRecently, CreatedAt: validatedRecently},
	}}

	snap, err := newCollector(st, nil).Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Equal(t, 4, snap.LoadsTotal)
	assert.Equal(t, 1, snap.LoadsPromoted)
	assert.Equal(t, 1, snap.LoadsFailedValidation)
	assert.Equal(t, 1, snap.LoadsQuarantined)
	assert.Equal(t, []string{"b"}, snap.FailedLoadIDs)
	assert.Equal(t, []string{"e"}, snap.StaleLoadIDs)
}

func TestCollector_DLQAndEvents(t *testing.T) {
	st := &mockStore{
		dlqCount: 7,
		events:   []model.ChangeEvent{{EventID: "1"}, {EventID: "2"}},
	}
	snap, err := newCollector(st, nil).Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Equal(t, 7, snap.DLQDepth)
	assert.Equal(t, 2, snap.UnprocessedEvents)
}

func TestCollector_BudgetLow(t *testing.T) {
	budget := fakeBudget{"apollo": 12, "clearbit": 900}
	snap, err := newCollector(&mockStore{}, budget, "apollo", "clearbit").Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"apollo": 12}, snap.BudgetLow)
}

func TestCollector_BudgetError(t *testing.T) {
	_, err := newCollector(&mockStore{}, fakeBudget{}, "missing").Collect(context.Background(), 24)
	assert.ErrorContains(t, err, "budget for missing")
}

func TestCollector_StoreErrors(t *testing.T) {
	_, err := newCollector(&mockStore{exportErr: errors.New("boom")}, nil).Collect(context.Background(), 24)
	assert.ErrorContains(t, err, "count exports")

	_, err = newCollector(&mockStore{dlqErr: errors.New("boom")}, nil).Collect(context.Background(), 24)
	assert.ErrorContains(t, err, "count dlq")
}
