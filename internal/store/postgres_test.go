package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/license-recon/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS data_loads`).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetLoad_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT load_id, .* FROM data_loads WHERE load_id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetLoad(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetLoad(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	prev := 90
	validation := []byte(`{"passed":true,"errors":[],"warnings":[],"checked":4}`)
	rows := pgxmock.NewRows([]string{"load_id", "source_type", "source_file", "row_count", "prev_row_count",
		"row_count_delta", "status", "validation", "validated_at", "promoted_at", "promoted_by", "quarantined_at",
		"quarantined_by", "quarantine_reason", "exports_cancelled", "exports_reversed", "created_at"}).
		AddRow("L1", "tx", "tx.csv", 100, &prev, (*float64)(nil), "validated", validation, &t0, (*time.Time)(nil), "",
			(*time.Time)(nil), "", "", 0, 0, t0)
	mock.ExpectQuery(`FROM data_loads WHERE load_id = \$1`).WithArgs("L1").WillReturnRows(rows)

	l, err := s.GetLoad(context.Background(), "L1")
	require.NoError(t, err)
	assert.Equal(t, model.LoadValidated, l.Status)
	require.NotNil(t, l.PrevRowCount)
	assert.Equal(t, 90, *l.PrevRowCount)
	require.NotNil(t, l.Validation)
	assert.Equal(t, 4, l.Validation.Checked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PreviousLoad_None(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM data_loads\s+WHERE source_type = \$1 AND load_id <> \$2 AND status = \$3`).
		WithArgs("tx", "L2", "promoted").
		WillReturnError(pgx.ErrNoRows)

	l, err := s.PreviousLoad(context.Background(), "tx", "L2")
	require.NoError(t, err)
	assert.Nil(t, l)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateExport_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE export_tasks SET`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateExport(context.Background(), &model.ExportTask{TaskID: "T1", Status: model.ExportCancelled})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListExports_StatusFilter(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	cols := []string{"task_id", "provider_id", "entity_id", "destination", "payload", "load_id", "event_id",
		"confidence", "status", "approved_by", "approved_at", "scheduled_for", "sent_at", "external_id", "attempts",
		"error_code", "error_message", "reversed_at", "reversal_reason", "email", "phone", "license_number",
		"registry_id", "created_at", "updated_at"}
	var nilTime *time.Time
	mock.ExpectQuery(`FROM export_tasks WHERE true AND load_id = \$1 AND status = ANY\(\$2\) ORDER BY created_at, task_id LIMIT \$3`).
		WithArgs("L1", []string{"queued", "approved", "scheduled"}, 1000).
		WillReturnRows(pgxmock.NewRows(cols).AddRow("T1", "P1", "E1", "ghl", []byte(`{"email":"a@b.com"}`), "L1", "",
			95, "queued", "", nilTime, nilTime, nilTime, "", 0, "", "", nilTime, "", "a@b.com", "", "", "", t0, t0))

	tasks, err := s.ListExports(context.Background(), ExportFilter{LoadID: "L1", Statuses: model.OpenExportStatuses})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, model.ExportQueued, tasks[0].Status)
	assert.Equal(t, "a@b.com", tasks[0].Payload["email"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertEvents_CountsNewOnly(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`(?s)INSERT INTO change_events .* ON CONFLICT \(event_id\) DO NOTHING`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`(?s)INSERT INTO change_events .* ON CONFLICT \(event_id\) DO NOTHING`).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectCommit()

	n, err := s.InsertEvents(context.Background(), []model.ChangeEvent{
		{EventID: "e1", EntityID: "E", EventType: model.EventNewRecord, EventTimestamp: t0, Priority: model.PriorityMedium},
		{EventID: "e2", EntityID: "E", EventType: model.EventNewRecord, EventTimestamp: t0, Priority: model.PriorityMedium},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkEventsProcessed(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE change_events SET is_processed = true`).
		WithArgs(t0, []string{"e1", "e2"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	n, err := s.MarkEventsProcessed(context.Background(), []string{"e1", "e2"}, t0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ApplyVersions(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	t1 := t0.Add(24 * time.Hour)
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE entity_versions SET valid_to = \$1 WHERE version_id = \$2 AND valid_to IS NULL`).
		WithArgs(&t1, "v1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCopyFrom(pgx.Identifier{"entity_versions"},
		[]string{"version_id", "entity_id", "provider_id", "projection", "valid_from", "valid_to", "load_id"}).
		WillReturnResult(1)
	mock.ExpectCommit()

	err := s.ApplyVersions(context.Background(),
		[]model.EntityVersion{{VersionID: "v1", EntityID: "E", ValidFrom: t0, ValidTo: &t1}},
		[]model.EntityVersion{{VersionID: "v2", EntityID: "E", ValidFrom: t1}})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ApplyVersions_AlreadyClosed(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	t1 := t0.Add(time.Hour)
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE entity_versions SET valid_to`).WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := s.ApplyVersions(context.Background(),
		[]model.EntityVersion{{VersionID: "v1", EntityID: "E", ValidFrom: t0, ValidTo: &t1}}, nil)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertGolden_DedupesByEntity(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_golden_records"},
		[]string{"entity_id", "provider_id", "load_id", "record", "updated_at"}).
		WillReturnResult(1)
	mock.ExpectExec(`INSERT INTO "golden_records"`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := s.UpsertGolden(context.Background(), []model.GoldenRecord{
		{EntityID: "E1", ProviderID: "P1", EnrichmentScore: 10},
		{EntityID: "E1", ProviderID: "P1", EnrichmentScore: 20},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetGolden_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT record FROM golden_records WHERE entity_id = \$1 OR provider_id = \$1`).
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetGolden(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AddBudgetUsage(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`(?s)INSERT INTO budget_usage .* ON CONFLICT \(source, period\) .* RETURNING credits`).
		WithArgs("b2b", "2025-03", 1.0).
		WillReturnRows(pgxmock.NewRows([]string{"credits"}).AddRow(42.0))

	total, err := s.AddBudgetUsage(context.Background(), "b2b", "2025-03", 1)
	require.NoError(t, err)
	assert.InDelta(t, 42.0, total, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetBudgetUsage_NoRow(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT credits FROM budget_usage`).
		WithArgs("social", "2025-03").
		WillReturnError(pgx.ErrNoRows)

	used, err := s.GetBudgetUsage(context.Background(), "social", "2025-03")
	require.NoError(t, err)
	assert.Zero(t, used)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RemoveDLQ_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DELETE FROM export_dlq WHERE id = \$1`).
		WithArgs("x").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	assert.ErrorIs(t, s.RemoveDLQ(context.Background(), "x"), ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountDLQ(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM export_dlq`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(3))

	n, err := s.CountDLQ(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Pool(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	assert.Equal(t, mock, s.Pool())
}

func TestPostgresStore_Close_NoCloseFn(t *testing.T) {
	s, _ := newMockPostgresStore(t)
	assert.NoError(t, s.Close())
}
