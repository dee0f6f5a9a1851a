package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/license-recon/internal/db"
	"github.com/sells-group/license-recon/internal/model"
	"github.com/sells-group/license-recon/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// the hottest paths of the send loop and the API.
var preparedStatements = map[string]string{
	"get_load":        `SELECT ` + pgLoadColumns + ` FROM data_loads WHERE load_id = $1`,
	"get_export":      `SELECT ` + pgExportColumns + ` FROM export_tasks WHERE task_id = $1`,
	"get_golden":      `SELECT record FROM golden_records WHERE entity_id = $1 OR provider_id = $1 ORDER BY entity_id LIMIT 1`,
	"get_budget":      `SELECT credits FROM budget_usage WHERE source = $1 AND period = $2`,
	"count_dlq":       `SELECT COUNT(*) FROM export_dlq`,
	"current_version": `SELECT ` + versionColumns + ` FROM entity_versions WHERE entity_id = $1 AND valid_to IS NULL`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for callers that need direct
// query access (health checks, ad hoc reporting).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS data_loads (
	load_id           TEXT PRIMARY KEY,
	source_type       TEXT NOT NULL,
	source_file       TEXT NOT NULL DEFAULT '',
	row_count         INTEGER NOT NULL DEFAULT 0,
	prev_row_count    INTEGER,
	row_count_delta   DOUBLE PRECISION,
	status            TEXT NOT NULL DEFAULT 'pending',
	validation        JSONB,
	validated_at      TIMESTAMPTZ,
	promoted_at       TIMESTAMPTZ,
	promoted_by       TEXT NOT NULL DEFAULT '',
	quarantined_at    TIMESTAMPTZ,
	quarantined_by    TEXT NOT NULL DEFAULT '',
	quarantine_reason TEXT NOT NULL DEFAULT '',
	exports_cancelled INTEGER NOT NULL DEFAULT 0,
	exports_reversed  INTEGER NOT NULL DEFAULT 0,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS export_tasks (
	task_id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	provider_id     TEXT NOT NULL,
	entity_id       TEXT NOT NULL DEFAULT '',
	destination     TEXT NOT NULL,
	payload         JSONB,
	load_id         TEXT NOT NULL REFERENCES data_loads(load_id),
	event_id        TEXT NOT NULL DEFAULT '',
	confidence      INTEGER NOT NULL DEFAULT 0,
	status          TEXT NOT NULL DEFAULT 'queued',
	approved_by     TEXT NOT NULL DEFAULT '',
	approved_at     TIMESTAMPTZ,
	scheduled_for   TIMESTAMPTZ,
	sent_at         TIMESTAMPTZ,
	external_id     TEXT NOT NULL DEFAULT '',
	attempts        INTEGER NOT NULL DEFAULT 0,
	error_code      TEXT NOT NULL DEFAULT '',
	error_message   TEXT NOT NULL DEFAULT '',
	reversed_at     TIMESTAMPTZ,
	reversal_reason TEXT NOT NULL DEFAULT '',
	email           TEXT NOT NULL DEFAULT '',
	phone           TEXT NOT NULL DEFAULT '',
	license_number  TEXT NOT NULL DEFAULT '',
	registry_id     TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS suppressions (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	email          TEXT NOT NULL DEFAULT '',
	phone          TEXT NOT NULL DEFAULT '',
	license_number TEXT NOT NULL DEFAULT '',
	registry_id    TEXT NOT NULL DEFAULT '',
	destination    TEXT NOT NULL DEFAULT '',
	reason         TEXT NOT NULL DEFAULT '',
	expires_at     TIMESTAMPTZ,
	is_active      BOOLEAN NOT NULL DEFAULT true,
	created_by     TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS entity_versions (
	version_id  TEXT PRIMARY KEY,
	entity_id   TEXT NOT NULL,
	provider_id TEXT NOT NULL DEFAULT '',
	projection  JSONB NOT NULL,
	valid_from  TIMESTAMPTZ NOT NULL,
	valid_to    TIMESTAMPTZ,
	load_id     TEXT NOT NULL DEFAULT '',
	CHECK (valid_to IS NULL OR valid_to > valid_from)
);

CREATE TABLE IF NOT EXISTS change_events (
	event_id           TEXT PRIMARY KEY,
	entity_id          TEXT NOT NULL,
	provider_id        TEXT NOT NULL DEFAULT '',
	event_type         TEXT NOT NULL,
	event_timestamp    TIMESTAMPTZ NOT NULL,
	description        TEXT NOT NULL DEFAULT '',
	previous_value     TEXT NOT NULL DEFAULT '',
	current_value      TEXT NOT NULL DEFAULT '',
	priority           TEXT NOT NULL,
	recommended_action TEXT NOT NULL DEFAULT '',
	load_id            TEXT NOT NULL DEFAULT '',
	is_processed       BOOLEAN NOT NULL DEFAULT false,
	processed_at       TIMESTAMPTZ,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS golden_records (
	entity_id   TEXT PRIMARY KEY,
	provider_id TEXT NOT NULL,
	load_id     TEXT NOT NULL DEFAULT '',
	record      JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS enrichment_facts (
	entity_id   TEXT NOT NULL,
	source      TEXT NOT NULL,
	observed_at TIMESTAMPTZ NOT NULL,
	fields      JSONB NOT NULL,
	PRIMARY KEY (entity_id, source, observed_at)
);

CREATE TABLE IF NOT EXISTS budget_usage (
	source     TEXT NOT NULL,
	period     TEXT NOT NULL,
	credits    DOUBLE PRECISION NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (source, period)
);

CREATE TABLE IF NOT EXISTS export_dlq (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	task_id        TEXT NOT NULL,
	destination    TEXT NOT NULL,
	task           JSONB NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_data_loads_source ON data_loads(source_type, status);
CREATE INDEX IF NOT EXISTS idx_export_tasks_load ON export_tasks(load_id);
CREATE INDEX IF NOT EXISTS idx_export_tasks_open ON export_tasks(provider_id, destination, status);
CREATE INDEX IF NOT EXISTS idx_export_tasks_status ON export_tasks(destination, status);
CREATE INDEX IF NOT EXISTS idx_entity_versions_entity ON entity_versions(entity_id, valid_from);
CREATE UNIQUE INDEX IF NOT EXISTS idx_entity_versions_current ON entity_versions(entity_id) WHERE valid_to IS NULL;
CREATE INDEX IF NOT EXISTS idx_change_events_unprocessed ON change_events(event_timestamp) WHERE NOT is_processed;
CREATE INDEX IF NOT EXISTS idx_golden_records_provider ON golden_records(provider_id);
CREATE INDEX IF NOT EXISTS idx_export_dlq_error_type ON export_dlq(error_type);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Loads

const pgLoadColumns = `load_id, source_type, source_file, row_count, prev_row_count, row_count_delta, status, validation, validated_at, promoted_at, promoted_by, quarantined_at, quarantined_by, quarantine_reason, exports_cancelled, exports_reversed, created_at`

func (s *PostgresStore) CreateLoad(ctx context.Context, l *model.DataLoad) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	validation, err := jsonOrNil(l.Validation)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal validation")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO data_loads (`+pgLoadColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		l.LoadID, l.SourceType, l.SourceFile, l.RowCount, l.PrevRowCount, l.RowCountDelta, string(l.Status),
		validation, l.ValidatedAt, l.PromotedAt, l.PromotedBy, l.QuarantinedAt, l.QuarantinedBy,
		l.QuarantineReason, l.ExportsCancelled, l.ExportsReversed, l.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert load %s", l.LoadID)
}

func (s *PostgresStore) UpdateLoad(ctx context.Context, l *model.DataLoad) error {
	validation, err := jsonOrNil(l.Validation)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal validation")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE data_loads SET row_count = $1, prev_row_count = $2, row_count_delta = $3, status = $4,
			validation = $5, validated_at = $6, promoted_at = $7, promoted_by = $8, quarantined_at = $9,
			quarantined_by = $10, quarantine_reason = $11, exports_cancelled = $12, exports_reversed = $13
		 WHERE load_id = $14`,
		l.RowCount, l.PrevRowCount, l.RowCountDelta, string(l.Status), validation, l.ValidatedAt, l.PromotedAt,
		l.PromotedBy, l.QuarantinedAt, l.QuarantinedBy, l.QuarantineReason, l.ExportsCancelled,
		l.ExportsReversed, l.LoadID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update load %s", l.LoadID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "load %s", l.LoadID)
	}
	return nil
}

func (s *PostgresStore) GetLoad(ctx context.Context, loadID string) (*model.DataLoad, error) {
	l, err := pgScanLoad(s.pool.QueryRow(ctx, `SELECT `+pgLoadColumns+` FROM data_loads WHERE load_id = $1`, loadID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "load %s", loadID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get load %s", loadID)
	}
	return l, nil
}

func (s *PostgresStore) ListLoads(ctx context.Context, filter LoadFilter) ([]model.DataLoad, error) {
	query := `SELECT ` + pgLoadColumns + ` FROM data_loads WHERE true`
	args := []any{}
	argIdx := 1

	if filter.SourceType != "" {
		query += fmt.Sprintf(` AND source_type = $%d`, argIdx)
		args = append(args, filter.SourceType)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, argIdx)
	args = append(args, limitOrDefault(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list loads")
	}
	defer rows.Close()

	var out []model.DataLoad
	for rows.Next() {
		l, err := pgScanLoad(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan load")
		}
		out = append(out, *l)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list loads iterate")
}

func (s *PostgresStore) PreviousLoad(ctx context.Context, sourceType, excludeID string) (*model.DataLoad, error) {
	l, err := pgScanLoad(s.pool.QueryRow(ctx,
		`SELECT `+pgLoadColumns+` FROM data_loads
		 WHERE source_type = $1 AND load_id <> $2 AND status = $3
		 ORDER BY created_at DESC LIMIT 1`,
		sourceType, excludeID, string(model.LoadPromoted)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: previous load")
	}
	return l, nil
}

func pgScanLoad(row pgx.Row) (*model.DataLoad, error) {
	var l model.DataLoad
	var status string
	var validation []byte
	if err := row.Scan(&l.LoadID, &l.SourceType, &l.SourceFile, &l.RowCount, &l.PrevRowCount, &l.RowCountDelta,
		&status, &validation, &l.ValidatedAt, &l.PromotedAt, &l.PromotedBy, &l.QuarantinedAt, &l.QuarantinedBy,
		&l.QuarantineReason, &l.ExportsCancelled, &l.ExportsReversed, &l.CreatedAt); err != nil {
		return nil, err
	}
	l.Status = model.LoadStatus(status)
	if len(validation) > 0 {
		l.Validation = &model.ValidationReport{}
		if err := json.Unmarshal(validation, l.Validation); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal validation")
		}
	}
	return &l, nil
}

// Exports

const pgExportColumns = `task_id, provider_id, entity_id, destination, payload, load_id, event_id, confidence, status, approved_by, approved_at, scheduled_for, sent_at, external_id, attempts, error_code, error_message, reversed_at, reversal_reason, email, phone, license_number, registry_id, created_at, updated_at`

func (s *PostgresStore) CreateExport(ctx context.Context, t *model.ExportTask) error {
	if t.TaskID == "" {
		t.TaskID = uuid.New().String()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	payload, err := jsonOrNil(t.Payload)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal payload")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO export_tasks (`+pgExportColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)`,
		t.TaskID, t.ProviderID, t.EntityID, t.Destination, payload, t.LoadID, t.EventID, t.Confidence, string(t.Status),
		t.ApprovedBy, t.ApprovedAt, t.ScheduledFor, t.SentAt, t.ExternalID, t.Attempts, t.ErrorCode, t.ErrorMessage,
		t.ReversedAt, t.ReversalReason, t.Email, t.Phone, t.LicenseNumber, t.RegistryID, t.CreatedAt, t.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: insert export %s", t.TaskID)
}

func (s *PostgresStore) UpdateExport(ctx context.Context, t *model.ExportTask) error {
	t.UpdatedAt = time.Now().UTC()
	payload, err := jsonOrNil(t.Payload)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal payload")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE export_tasks SET payload = $1, confidence = $2, status = $3, approved_by = $4, approved_at = $5,
			scheduled_for = $6, sent_at = $7, external_id = $8, attempts = $9, error_code = $10,
			error_message = $11, reversed_at = $12, reversal_reason = $13, updated_at = $14
		 WHERE task_id = $15`,
		payload, t.Confidence, string(t.Status), t.ApprovedBy, t.ApprovedAt, t.ScheduledFor, t.SentAt,
		t.ExternalID, t.Attempts, t.ErrorCode, t.ErrorMessage, t.ReversedAt, t.ReversalReason, t.UpdatedAt, t.TaskID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update export %s", t.TaskID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "export %s", t.TaskID)
	}
	return nil
}

func (s *PostgresStore) GetExport(ctx context.Context, taskID string) (*model.ExportTask, error) {
	t, err := pgScanExport(s.pool.QueryRow(ctx, `SELECT `+pgExportColumns+` FROM export_tasks WHERE task_id = $1`, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "export %s", taskID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get export %s", taskID)
	}
	return t, nil
}

func (s *PostgresStore) ListExports(ctx context.Context, filter ExportFilter) ([]model.ExportTask, error) {
	query := `SELECT ` + pgExportColumns + ` FROM export_tasks WHERE true`
	args := []any{}
	argIdx := 1

	if filter.LoadID != "" {
		query += fmt.Sprintf(` AND load_id = $%d`, argIdx)
		args = append(args, filter.LoadID)
		argIdx++
	}
	if filter.Destination != "" {
		query += fmt.Sprintf(` AND destination = $%d`, argIdx)
		args = append(args, filter.Destination)
		argIdx++
	}
	if filter.ProviderID != "" {
		query += fmt.Sprintf(` AND provider_id = $%d`, argIdx)
		args = append(args, filter.ProviderID)
		argIdx++
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		query += fmt.Sprintf(` AND status = ANY($%d)`, argIdx)
		args = append(args, statuses)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at, task_id LIMIT $%d`, argIdx)
	args = append(args, limitOrDefault(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list exports")
	}
	defer rows.Close()

	var out []model.ExportTask
	for rows.Next() {
		t, err := pgScanExport(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan export")
		}
		out = append(out, *t)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list exports iterate")
}

func (s *PostgresStore) CountExportsSince(ctx context.Context, since time.Time) (map[model.ExportStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM export_tasks WHERE updated_at >= $1 GROUP BY status`, since)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count exports")
	}
	defer rows.Close()

	out := make(map[model.ExportStatus]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan export count")
		}
		out[model.ExportStatus(st)] = n
	}
	return out, eris.Wrap(rows.Err(), "postgres: count exports iterate")
}

func pgScanExport(row pgx.Row) (*model.ExportTask, error) {
	var t model.ExportTask
	var status string
	var payload []byte
	if err := row.Scan(&t.TaskID, &t.ProviderID, &t.EntityID, &t.Destination, &payload, &t.LoadID, &t.EventID,
		&t.Confidence, &status, &t.ApprovedBy, &t.ApprovedAt, &t.ScheduledFor, &t.SentAt, &t.ExternalID,
		&t.Attempts, &t.ErrorCode, &t.ErrorMessage, &t.ReversedAt, &t.ReversalReason, &t.Email, &t.Phone,
		&t.LicenseNumber, &t.RegistryID, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = model.ExportStatus(status)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &t.Payload); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal payload")
		}
	}
	return &t, nil
}

// Suppressions

func (s *PostgresStore) AddSuppression(ctx context.Context, e *model.SuppressionEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO suppressions (id, email, phone, license_number, registry_id, destination, reason, expires_at,
			is_active, created_by, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.Email, e.Phone, e.LicenseNumber, e.RegistryID, e.Destination, e.Reason, e.ExpiresAt,
		e.Active, e.CreatedBy, e.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert suppression %s", e.ID)
}

func (s *PostgresStore) DeactivateSuppression(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE suppressions SET is_active = false WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: deactivate suppression %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "suppression %s", id)
	}
	return nil
}

func (s *PostgresStore) ListSuppressions(ctx context.Context, activeOnly bool) ([]model.SuppressionEntry, error) {
	query := `SELECT id, email, phone, license_number, registry_id, destination, reason, expires_at, is_active,
		created_by, created_at FROM suppressions`
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list suppressions")
	}
	defer rows.Close()

	var out []model.SuppressionEntry
	for rows.Next() {
		var e model.SuppressionEntry
		if err := rows.Scan(&e.ID, &e.Email, &e.Phone, &e.LicenseNumber, &e.RegistryID, &e.Destination,
			&e.Reason, &e.ExpiresAt, &e.Active, &e.CreatedBy, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan suppression")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list suppressions iterate")
}

// History

func (s *PostgresStore) CurrentVersions(ctx context.Context) ([]model.EntityVersion, error) {
	return s.queryVersions(ctx,
		`SELECT `+versionColumns+` FROM entity_versions WHERE valid_to IS NULL ORDER BY entity_id`)
}

func (s *PostgresStore) RetiredVersions(ctx context.Context) ([]model.EntityVersion, error) {
	return s.queryVersions(ctx,
		`SELECT `+versionColumns+` FROM entity_versions v
		 WHERE v.valid_to IS NOT NULL
		   AND NOT EXISTS (SELECT 1 FROM entity_versions c WHERE c.entity_id = v.entity_id AND c.valid_to IS NULL)
		   AND v.valid_to = (SELECT MAX(m.valid_to) FROM entity_versions m WHERE m.entity_id = v.entity_id)
		 ORDER BY v.entity_id`)
}

func (s *PostgresStore) VersionHistory(ctx context.Context, entityID string) ([]model.EntityVersion, error) {
	return s.queryVersions(ctx,
		`SELECT `+versionColumns+` FROM entity_versions WHERE entity_id = $1 ORDER BY valid_from`, entityID)
}

func (s *PostgresStore) queryVersions(ctx context.Context, query string, args ...any) ([]model.EntityVersion, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query versions")
	}
	defer rows.Close()

	var out []model.EntityVersion
	for rows.Next() {
		var v model.EntityVersion
		var projection []byte
		if err := rows.Scan(&v.VersionID, &v.EntityID, &v.ProviderID, &projection, &v.ValidFrom, &v.ValidTo, &v.LoadID); err != nil {
			return nil, eris.Wrap(err, "postgres: scan version")
		}
		if err := json.Unmarshal(projection, &v.Projection); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal projection")
		}
		v.ValidFrom = v.ValidFrom.UTC()
		if v.ValidTo != nil {
			t := v.ValidTo.UTC()
			v.ValidTo = &t
		}
		out = append(out, v)
	}
	return out, eris.Wrap(rows.Err(), "postgres: query versions iterate")
}

// ApplyVersions closes versions with UPDATE and COPYs the new ones, in one transaction.
func (s *PostgresStore) ApplyVersions(ctx context.Context, closed, opened []model.EntityVersion) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin versions tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, v := range closed {
		tag, err := tx.Exec(ctx,
			`UPDATE entity_versions SET valid_to = $1 WHERE version_id = $2 AND valid_to IS NULL`,
			v.ValidTo, v.VersionID)
		if err != nil {
			return eris.Wrapf(err, "postgres: close version %s", v.VersionID)
		}
		if tag.RowsAffected() == 0 {
			return eris.Wrapf(ErrNotFound, "open version %s", v.VersionID)
		}
	}

	rows := make([][]any, 0, len(opened))
	for _, v := range opened {
		projection, err := json.Marshal(v.Projection)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal projection")
		}
		rows = append(rows, []any{v.VersionID, v.EntityID, v.ProviderID, projection, v.ValidFrom, v.ValidTo, v.LoadID})
	}
	if _, err := db.CopyFrom(ctx, tx, "entity_versions",
		[]string{"version_id", "entity_id", "provider_id", "projection", "valid_from", "valid_to", "load_id"}, rows); err != nil {
		return eris.Wrap(err, "postgres: copy versions")
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit versions")
}

// Events

func (s *PostgresStore) InsertEvents(ctx context.Context, events []model.ChangeEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: begin events tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	inserted := 0
	for _, e := range events {
		tag, err := tx.Exec(ctx,
			`INSERT INTO change_events (`+eventColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, false, NULL, $12)
			 ON CONFLICT (event_id) DO NOTHING`,
			e.EventID, e.EntityID, e.ProviderID, string(e.EventType), e.EventTimestamp, e.Description,
			e.PreviousValue, e.CurrentValue, string(e.Priority), e.RecommendedAction, e.LoadID, now,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: insert event %s", e.EventID)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: commit events")
	}
	return inserted, nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, filter EventFilter) ([]model.ChangeEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM change_events WHERE true`
	args := []any{}
	argIdx := 1

	if filter.UnprocessedOnly {
		query += ` AND NOT is_processed`
	}
	if filter.EntityID != "" {
		query += fmt.Sprintf(` AND entity_id = $%d`, argIdx)
		args = append(args, filter.EntityID)
		argIdx++
	}
	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		query += fmt.Sprintf(` AND event_type = ANY($%d)`, argIdx)
		args = append(args, types)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY event_timestamp, event_id LIMIT $%d`, argIdx)
	args = append(args, limitOrDefault(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list events")
	}
	defer rows.Close()

	var out []model.ChangeEvent
	for rows.Next() {
		var e model.ChangeEvent
		var eventType, priority string
		if err := rows.Scan(&e.EventID, &e.EntityID, &e.ProviderID, &eventType, &e.EventTimestamp, &e.Description,
			&e.PreviousValue, &e.CurrentValue, &priority, &e.RecommendedAction, &e.LoadID, &e.IsProcessed,
			&e.ProcessedAt, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan event")
		}
		e.EventType = model.EventType(eventType)
		e.Priority = model.Priority(priority)
		e.EventTimestamp = e.EventTimestamp.UTC()
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list events iterate")
}

func (s *PostgresStore) MarkEventsProcessed(ctx context.Context, eventIDs []string, at time.Time) (int, error) {
	if len(eventIDs) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE change_events SET is_processed = true, processed_at = $1
		 WHERE NOT is_processed AND event_id = ANY($2)`, at, eventIDs)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: mark events processed")
	}
	return int(tag.RowsAffected()), nil
}

// Golden records

func (s *PostgresStore) UpsertGolden(ctx context.Context, records []model.GoldenRecord) error {
	if len(records) == 0 {
		return nil
	}
	now := time.Now().UTC()
	byEntity := make(map[string]int, len(records))
	rows := make([][]any, 0, len(records))
	for i := range records {
		data, err := records[i].Canonical()
		if err != nil {
			return eris.Wrapf(err, "postgres: marshal golden %s", records[i].EntityID)
		}
		row := []any{records[i].EntityID, records[i].ProviderID, records[i].LoadID, data, now}
		if j, ok := byEntity[records[i].EntityID]; ok {
			rows[j] = row
			continue
		}
		byEntity[records[i].EntityID] = len(rows)
		rows = append(rows, row)
	}
	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "golden_records",
		Columns:      []string{"entity_id", "provider_id", "load_id", "record", "updated_at"},
		ConflictKeys: []string{"entity_id"},
		CompareCols:  []string{"provider_id", "load_id", "record"},
	}, rows)
	return eris.Wrap(err, "postgres: upsert golden")
}

func (s *PostgresStore) GetGolden(ctx context.Context, id string) (*model.GoldenRecord, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT record FROM golden_records WHERE entity_id = $1 OR provider_id = $1 ORDER BY entity_id LIMIT 1`,
		id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "golden %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get golden %s", id)
	}
	var g model.GoldenRecord
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal golden")
	}
	return &g, nil
}

func (s *PostgresStore) ListGolden(ctx context.Context, limit, offset int) ([]model.GoldenRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT record FROM golden_records ORDER BY entity_id LIMIT $1 OFFSET $2`, limitOrDefault(limit), offset)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list golden")
	}
	defer rows.Close()

	var out []model.GoldenRecord
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan golden")
		}
		var g model.GoldenRecord
		if err := json.Unmarshal(data, &g); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal golden")
		}
		out = append(out, g)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list golden iterate")
}

// Enrichment facts

func (s *PostgresStore) InsertFacts(ctx context.Context, facts []model.EnrichmentFact) error {
	if len(facts) == 0 {
		return nil
	}
	type factKey struct {
		entity, source string
		at             time.Time
	}
	seen := make(map[factKey]int, len(facts))
	rows := make([][]any, 0, len(facts))
	for _, f := range facts {
		fields, err := json.Marshal(f.Values)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal fact fields")
		}
		at := f.ObservedAt.UTC()
		row := []any{f.EntityID, f.Source, at, fields}
		k := factKey{f.EntityID, f.Source, at}
		if j, ok := seen[k]; ok {
			rows[j] = row
			continue
		}
		seen[k] = len(rows)
		rows = append(rows, row)
	}
	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "enrichment_facts",
		Columns:      []string{"entity_id", "source", "observed_at", "fields"},
		ConflictKeys: []string{"entity_id", "source", "observed_at"},
	}, rows)
	return eris.Wrap(err, "postgres: insert facts")
}

func (s *PostgresStore) FactsByEntity(ctx context.Context) (map[string][]model.EnrichmentFact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT entity_id, source, observed_at, fields FROM enrichment_facts ORDER BY entity_id, source, observed_at`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list facts")
	}
	defer rows.Close()

	out := make(map[string][]model.EnrichmentFact)
	for rows.Next() {
		var f model.EnrichmentFact
		var fields []byte
		if err := rows.Scan(&f.EntityID, &f.Source, &f.ObservedAt, &fields); err != nil {
			return nil, eris.Wrap(err, "postgres: scan fact")
		}
		if err := json.Unmarshal(fields, &f.Values); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal fact fields")
		}
		f.ObservedAt = f.ObservedAt.UTC()
		out[f.EntityID] = append(out[f.EntityID], f)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list facts iterate")
}

// Budget

func (s *PostgresStore) GetBudgetUsage(ctx context.Context, source, period string) (float64, error) {
	var credits float64
	err := s.pool.QueryRow(ctx,
		`SELECT credits FROM budget_usage WHERE source = $1 AND period = $2`, source, period).Scan(&credits)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return credits, eris.Wrap(err, "postgres: get budget usage")
}

func (s *PostgresStore) AddBudgetUsage(ctx context.Context, source, period string, credits float64) (float64, error) {
	var total float64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO budget_usage (source, period, credits, updated_at) VALUES ($1, $2, $3, now())
		 ON CONFLICT (source, period) DO UPDATE SET credits = budget_usage.credits + EXCLUDED.credits,
			updated_at = now()
		 RETURNING credits`,
		source, period, credits).Scan(&total)
	return total, eris.Wrap(err, "postgres: add budget usage")
}

// Dead letter queue

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	taskJSON, err := json.Marshal(entry.Task)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal dlq task")
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO export_dlq
		 (id, task_id, destination, task, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
		   error = $5, error_type = $6, retry_count = $7, next_retry_at = $9, last_failed_at = $11`,
		entry.ID, entry.TaskID, entry.Destination, taskJSON, entry.Error, entry.ErrorType,
		entry.RetryCount, entry.MaxRetries, entry.NextRetryAt, entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrap(err, "postgres: enqueue dlq")
}

func (s *PostgresStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, task_id, destination, task, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM export_dlq WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Destination != "" {
		query += fmt.Sprintf(` AND destination = $%d`, argIdx)
		args = append(args, filter.Destination)
		argIdx++
	}
	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at ASC LIMIT $%d`, argIdx)
	args = append(args, limitOrDefault(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var taskJSON []byte
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Destination, &taskJSON, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		if err := json.Unmarshal(taskJSON, &e.Task); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal dlq task")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list dlq iterate")
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM export_dlq WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: remove dlq %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "dlq entry %s", id)
	}
	return nil
}

func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM export_dlq`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dlq")
}

func jsonOrNil(v any) ([]byte, error) {
	switch x := v.(type) {
	case *model.ValidationReport:
		if x == nil {
			return nil, nil
		}
	case map[string]any:
		if x == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}
