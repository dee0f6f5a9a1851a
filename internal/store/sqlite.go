package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/license-recon/internal/model"
	"github.com/sells-group/license-recon/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS data_loads (
	load_id           TEXT PRIMARY KEY,
	source_type       TEXT NOT NULL,
	source_file       TEXT NOT NULL DEFAULT '',
	row_count         INTEGER NOT NULL DEFAULT 0,
	prev_row_count    INTEGER,
	row_count_delta   REAL,
	status            TEXT NOT NULL DEFAULT 'pending',
	validation        TEXT,
	validated_at      DATETIME,
	promoted_at       DATETIME,
	promoted_by       TEXT NOT NULL DEFAULT '',
	quarantined_at    DATETIME,
	quarantined_by    TEXT NOT NULL DEFAULT '',
	quarantine_reason TEXT NOT NULL DEFAULT '',
	exports_cancelled INTEGER NOT NULL DEFAULT 0,
	exports_reversed  INTEGER NOT NULL DEFAULT 0,
	created_at        DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS export_tasks (
	task_id         TEXT PRIMARY KEY,
	provider_id     TEXT NOT NULL,
	entity_id       TEXT NOT NULL DEFAULT '',
	destination     TEXT NOT NULL,
	payload         TEXT,
	load_id         TEXT NOT NULL,
	event_id        TEXT NOT NULL DEFAULT '',
	confidence      INTEGER NOT NULL DEFAULT 0,
	status          TEXT NOT NULL DEFAULT 'queued',
	approved_by     TEXT NOT NULL DEFAULT '',
	approved_at     DATETIME,
	scheduled_for   DATETIME,
	sent_at         DATETIME,
	external_id     TEXT NOT NULL DEFAULT '',
	attempts        INTEGER NOT NULL DEFAULT 0,
	error_code      TEXT NOT NULL DEFAULT '',
	error_message   TEXT NOT NULL DEFAULT '',
	reversed_at     DATETIME,
	reversal_reason TEXT NOT NULL DEFAULT '',
	email           TEXT NOT NULL DEFAULT '',
	phone           TEXT NOT NULL DEFAULT '',
	license_number  TEXT NOT NULL DEFAULT '',
	registry_id     TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS suppressions (
	id             TEXT PRIMARY KEY,
	email          TEXT NOT NULL DEFAULT '',
	phone          TEXT NOT NULL DEFAULT '',
	license_number TEXT NOT NULL DEFAULT '',
	registry_id    TEXT NOT NULL DEFAULT '',
	destination    TEXT NOT NULL DEFAULT '',
	reason         TEXT NOT NULL DEFAULT '',
	expires_at     DATETIME,
	is_active      INTEGER NOT NULL DEFAULT 1,
	created_by     TEXT NOT NULL DEFAULT '',
	created_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS entity_versions (
	version_id  TEXT PRIMARY KEY,
	entity_id   TEXT NOT NULL,
	provider_id TEXT NOT NULL DEFAULT '',
	projection  TEXT NOT NULL,
	valid_from  DATETIME NOT NULL,
	valid_to    DATETIME,
	load_id     TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS change_events (
	event_id           TEXT PRIMARY KEY,
	entity_id          TEXT NOT NULL,
	provider_id        TEXT NOT NULL DEFAULT '',
	event_type         TEXT NOT NULL,
	event_timestamp    DATETIME NOT NULL,
	description        TEXT NOT NULL DEFAULT '',
	previous_value     TEXT NOT NULL DEFAULT '',
	current_value      TEXT NOT NULL DEFAULT '',
	priority           TEXT NOT NULL,
	recommended_action TEXT NOT NULL DEFAULT '',
	load_id            TEXT NOT NULL DEFAULT '',
	is_processed       INTEGER NOT NULL DEFAULT 0,
	processed_at       DATETIME,
	created_at         DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS golden_records (
	entity_id   TEXT PRIMARY KEY,
	provider_id TEXT NOT NULL,
	load_id     TEXT NOT NULL DEFAULT '',
	record      TEXT NOT NULL,
	updated_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS enrichment_facts (
	entity_id   TEXT NOT NULL,
	source      TEXT NOT NULL,
	observed_at DATETIME NOT NULL,
	fields      TEXT NOT NULL,
	PRIMARY KEY (entity_id, source, observed_at)
);

CREATE TABLE IF NOT EXISTS budget_usage (
	source     TEXT NOT NULL,
	period     TEXT NOT NULL,
	credits    REAL NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (source, period)
);

CREATE TABLE IF NOT EXISTS export_dlq (
	id             TEXT PRIMARY KEY,
	task_id        TEXT NOT NULL,
	destination    TEXT NOT NULL,
	task           TEXT NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  DATETIME NOT NULL,
	created_at     DATETIME NOT NULL,
	last_failed_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_data_loads_source ON data_loads(source_type, status);
CREATE INDEX IF NOT EXISTS idx_export_tasks_load ON export_tasks(load_id);
CREATE INDEX IF NOT EXISTS idx_export_tasks_open ON export_tasks(provider_id, destination, status);
CREATE INDEX IF NOT EXISTS idx_export_tasks_status ON export_tasks(destination, status);
CREATE INDEX IF NOT EXISTS idx_entity_versions_entity ON entity_versions(entity_id, valid_from);
CREATE UNIQUE INDEX IF NOT EXISTS idx_entity_versions_current ON entity_versions(entity_id) WHERE valid_to IS NULL;
CREATE INDEX IF NOT EXISTS idx_change_events_unprocessed ON change_events(is_processed, event_timestamp);
CREATE INDEX IF NOT EXISTS idx_golden_records_provider ON golden_records(provider_id);
`

// Migrate creates tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Loads

const loadColumns = `load_id, source_type, source_file, row_count, prev_row_count, row_count_delta, status,
	validation, validated_at, promoted_at, promoted_by, quarantined_at, quarantined_by, quarantine_reason,
	exports_cancelled, exports_reversed, created_at`

func (s *SQLiteStore) CreateLoad(ctx context.Context, l *model.DataLoad) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	validation, err := marshalNullable(l.Validation)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal validation")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO data_loads (`+loadColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.LoadID, l.SourceType, l.SourceFile, l.RowCount, l.PrevRowCount, l.RowCountDelta, string(l.Status),
		validation, nullTime(l.ValidatedAt), nullTime(l.PromotedAt), l.PromotedBy, nullTime(l.QuarantinedAt),
		l.QuarantinedBy, l.QuarantineReason, l.ExportsCancelled, l.ExportsReversed, l.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert load %s", l.LoadID)
}

func (s *SQLiteStore) UpdateLoad(ctx context.Context, l *model.DataLoad) error {
	validation, err := marshalNullable(l.Validation)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal validation")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE data_loads SET row_count = ?, prev_row_count = ?, row_count_delta = ?, status = ?, validation = ?,
			validated_at = ?, promoted_at = ?, promoted_by = ?, quarantined_at = ?, quarantined_by = ?,
			quarantine_reason = ?, exports_cancelled = ?, exports_reversed = ?
		 WHERE load_id = ?`,
		l.RowCount, l.PrevRowCount, l.RowCountDelta, string(l.Status), validation,
		nullTime(l.ValidatedAt), nullTime(l.PromotedAt), l.PromotedBy, nullTime(l.QuarantinedAt), l.QuarantinedBy,
		l.QuarantineReason, l.ExportsCancelled, l.ExportsReversed, l.LoadID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update load %s", l.LoadID)
	}
	return checkRowsAffected(res, "load", l.LoadID)
}

func (s *SQLiteStore) GetLoad(ctx context.Context, loadID string) (*model.DataLoad, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+loadColumns+` FROM data_loads WHERE load_id = ?`, loadID)
	l, err := scanLoad(row)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "load %s", loadID)
	}
	return l, err
}

func (s *SQLiteStore) ListLoads(ctx context.Context, filter LoadFilter) ([]model.DataLoad, error) {
	query := `SELECT ` + loadColumns + ` FROM data_loads WHERE 1=1`
	var args []any
	if filter.SourceType != "" {
		query += ` AND source_type = ?`
		args = append(args, filter.SourceType)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limitOrDefault(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list loads")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.DataLoad
	for rows.Next() {
		l, err := scanLoad(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list loads iterate")
}

func (s *SQLiteStore) PreviousLoad(ctx context.Context, sourceType, excludeID string) (*model.DataLoad, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+loadColumns+` FROM data_loads
		 WHERE source_type = ? AND load_id != ? AND status = ?
		 ORDER BY created_at DESC LIMIT 1`,
		sourceType, excludeID, string(model.LoadPromoted),
	)
	l, err := scanLoad(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return l, err
}

func scanLoad(row scannable) (*model.DataLoad, error) {
	var l model.DataLoad
	var prev sql.NullInt64
	var delta sql.NullFloat64
	var validation sql.NullString
	var validatedAt, promotedAt, quarantinedAt sql.NullTime

	err := row.Scan(&l.LoadID, &l.SourceType, &l.SourceFile, &l.RowCount, &prev, &delta, &l.Status,
		&validation, &validatedAt, &promotedAt, &l.PromotedBy, &quarantinedAt, &l.QuarantinedBy,
		&l.QuarantineReason, &l.ExportsCancelled, &l.ExportsReversed, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan load")
	}
	if prev.Valid {
		n := int(prev.Int64)
		l.PrevRowCount = &n
	}
	if delta.Valid {
		l.RowCountDelta = &delta.Float64
	}
	if validation.Valid && validation.String != "" {
		l.Validation = &model.ValidationReport{}
		if err := json.Unmarshal([]byte(validation.String), l.Validation); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal validation")
		}
	}
	l.ValidatedAt = timePtr(validatedAt)
	l.PromotedAt = timePtr(promotedAt)
	l.QuarantinedAt = timePtr(quarantinedAt)
	return &l, nil
}

// Exports

const exportColumns = `task_id, provider_id, entity_id, destination, payload, load_id, event_id, confidence, status,
	approved_by, approved_at, scheduled_for, sent_at, external_id, attempts, error_code, error_message,
	reversed_at, reversal_reason, email, phone, license_number, registry_id, created_at, updated_at`

func (s *SQLiteStore) CreateExport(ctx context.Context, t *model.ExportTask) error {
	if t.TaskID == "" {
		t.TaskID = uuid.New().String()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	payload, err := marshalNullable(t.Payload)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal payload")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO export_tasks (`+exportColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TaskID, t.ProviderID, t.EntityID, t.Destination, payload, t.LoadID, t.EventID, t.Confidence, string(t.Status),
		t.ApprovedBy, nullTime(t.ApprovedAt), nullTime(t.ScheduledFor), nullTime(t.SentAt), t.ExternalID, t.Attempts,
		t.ErrorCode, t.ErrorMessage, nullTime(t.ReversedAt), t.ReversalReason, t.Email, t.Phone, t.LicenseNumber,
		t.RegistryID, t.CreatedAt, t.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert export %s", t.TaskID)
}

func (s *SQLiteStore) UpdateExport(ctx context.Context, t *model.ExportTask) error {
	t.UpdatedAt = time.Now().UTC()
	payload, err := marshalNullable(t.Payload)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal payload")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE export_tasks SET payload = ?, confidence = ?, status = ?, approved_by = ?, approved_at = ?,
			scheduled_for = ?, sent_at = ?, external_id = ?, attempts = ?, error_code = ?, error_message = ?,
			reversed_at = ?, reversal_reason = ?, updated_at = ?
		 WHERE task_id = ?`,
		payload, t.Confidence, string(t.Status), t.ApprovedBy, nullTime(t.ApprovedAt),
		nullTime(t.ScheduledFor), nullTime(t.SentAt), t.ExternalID, t.Attempts, t.ErrorCode, t.ErrorMessage,
		nullTime(t.ReversedAt), t.ReversalReason, t.UpdatedAt, t.TaskID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update export %s", t.TaskID)
	}
	return checkRowsAffected(res, "export", t.TaskID)
}

func (s *SQLiteStore) GetExport(ctx context.Context, taskID string) (*model.ExportTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+exportColumns+` FROM export_tasks WHERE task_id = ?`, taskID)
	t, err := scanExport(row)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "export %s", taskID)
	}
	return t, err
}

func (s *SQLiteStore) ListExports(ctx context.Context, filter ExportFilter) ([]model.ExportTask, error) {
	query := `SELECT ` + exportColumns + ` FROM export_tasks WHERE 1=1`
	var args []any
	if filter.LoadID != "" {
		query += ` AND load_id = ?`
		args = append(args, filter.LoadID)
	}
	if filter.Destination != "" {
		query += ` AND destination = ?`
		args = append(args, filter.Destination)
	}
	if filter.ProviderID != "" {
		query += ` AND provider_id = ?`
		args = append(args, filter.ProviderID)
	}
	if len(filter.Statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(filter.Statuses)) + `)`
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at, task_id LIMIT ?`
	args = append(args, limitOrDefault(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list exports")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ExportTask
	for rows.Next() {
		t, err := scanExport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list exports iterate")
}

func (s *SQLiteStore) CountExportsSince(ctx context.Context, since time.Time) (map[model.ExportStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM export_tasks WHERE updated_at >= ? GROUP BY status`, since.UTC())
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count exports")
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[model.ExportStatus]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan export count")
		}
		out[model.ExportStatus(st)] = n
	}
	return out, eris.Wrap(rows.Err(), "sqlite: count exports iterate")
}

func scanExport(row scannable) (*model.ExportTask, error) {
	var t model.ExportTask
	var payload sql.NullString
	var approvedAt, scheduledFor, sentAt, reversedAt sql.NullTime

	err := row.Scan(&t.TaskID, &t.ProviderID, &t.EntityID, &t.Destination, &payload, &t.LoadID, &t.EventID,
		&t.Confidence, &t.Status, &t.ApprovedBy, &approvedAt, &scheduledFor, &sentAt, &t.ExternalID, &t.Attempts,
		&t.ErrorCode, &t.ErrorMessage, &reversedAt, &t.ReversalReason, &t.Email, &t.Phone, &t.LicenseNumber,
		&t.RegistryID, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan export")
	}
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &t.Payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal payload")
		}
	}
	t.ApprovedAt = timePtr(approvedAt)
	t.ScheduledFor = timePtr(scheduledFor)
	t.SentAt = timePtr(sentAt)
	t.ReversedAt = timePtr(reversedAt)
	return &t, nil
}

// Suppressions

func (s *SQLiteStore) AddSuppression(ctx context.Context, e *model.SuppressionEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO suppressions (id, email, phone, license_number, registry_id, destination, reason, expires_at,
			is_active, created_by, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Email, e.Phone, e.LicenseNumber, e.RegistryID, e.Destination, e.Reason, nullTime(e.ExpiresAt),
		e.Active, e.CreatedBy, e.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert suppression %s", e.ID)
}

func (s *SQLiteStore) DeactivateSuppression(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE suppressions SET is_active = 0 WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: deactivate suppression %s", id)
	}
	return checkRowsAffected(res, "suppression", id)
}

func (s *SQLiteStore) ListSuppressions(ctx context.Context, activeOnly bool) ([]model.SuppressionEntry, error) {
	query := `SELECT id, email, phone, license_number, registry_id, destination, reason, expires_at, is_active,
		created_by, created_at FROM suppressions`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list suppressions")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.SuppressionEntry
	for rows.Next() {
		var e model.SuppressionEntry
		var expires sql.NullTime
		if err := rows.Scan(&e.ID, &e.Email, &e.Phone, &e.LicenseNumber, &e.RegistryID, &e.Destination,
			&e.Reason, &expires, &e.Active, &e.CreatedBy, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan suppression")
		}
		e.ExpiresAt = timePtr(expires)
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list suppressions iterate")
}

// History

const versionColumns = `version_id, entity_id, provider_id, projection, valid_from, valid_to, load_id`

func (s *SQLiteStore) CurrentVersions(ctx context.Context) ([]model.EntityVersion, error) {
	return s.queryVersions(ctx, `SELECT `+versionColumns+` FROM entity_versions WHERE valid_to IS NULL ORDER BY entity_id`)
}

func (s *SQLiteStore) RetiredVersions(ctx context.Context) ([]model.EntityVersion, error) {
	return s.queryVersions(ctx,
		`SELECT `+versionColumns+` FROM entity_versions v
		 WHERE v.valid_to IS NOT NULL
		   AND NOT EXISTS (SELECT 1 FROM entity_versions c WHERE c.entity_id = v.entity_id AND c.valid_to IS NULL)
		   AND v.valid_to = (SELECT MAX(m.valid_to) FROM entity_versions m WHERE m.entity_id = v.entity_id)
		 ORDER BY v.entity_id`)
}

func (s *SQLiteStore) VersionHistory(ctx context.Context, entityID string) ([]model.EntityVersion, error) {
	return s.queryVersions(ctx,
		`SELECT `+versionColumns+` FROM entity_versions WHERE entity_id = ? ORDER BY valid_from`, entityID)
}

func (s *SQLiteStore) queryVersions(ctx context.Context, query string, args ...any) ([]model.EntityVersion, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query versions")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.EntityVersion
	for rows.Next() {
		var v model.EntityVersion
		var projection string
		var validTo sql.NullTime
		if err := rows.Scan(&v.VersionID, &v.EntityID, &v.ProviderID, &projection, &v.ValidFrom, &validTo, &v.LoadID); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan version")
		}
		if err := json.Unmarshal([]byte(projection), &v.Projection); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal projection")
		}
		v.ValidFrom = v.ValidFrom.UTC()
		v.ValidTo = timePtr(validTo)
		out = append(out, v)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: query versions iterate")
}

func (s *SQLiteStore) ApplyVersions(ctx context.Context, closed, opened []model.EntityVersion) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin versions tx")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, v := range closed {
		res, err := tx.ExecContext(ctx,
			`UPDATE entity_versions SET valid_to = ? WHERE version_id = ? AND valid_to IS NULL`,
			nullTime(v.ValidTo), v.VersionID)
		if err != nil {
			return eris.Wrapf(err, "sqlite: close version %s", v.VersionID)
		}
		if err := checkRowsAffected(res, "open version", v.VersionID); err != nil {
			return err
		}
	}
	for _, v := range opened {
		projection, err := json.Marshal(v.Projection)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal projection")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entity_versions (`+versionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			v.VersionID, v.EntityID, v.ProviderID, string(projection), v.ValidFrom.UTC(), nullTime(v.ValidTo), v.LoadID,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert version %s", v.VersionID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit versions")
}

// Events

const eventColumns = `event_id, entity_id, provider_id, event_type, event_timestamp, description, previous_value,
	current_value, priority, recommended_action, load_id, is_processed, processed_at, created_at`

func (s *SQLiteStore) InsertEvents(ctx context.Context, events []model.ChangeEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin events tx")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	inserted := 0
	for _, e := range events {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO change_events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, ?)
			 ON CONFLICT (event_id) DO NOTHING`,
			e.EventID, e.EntityID, e.ProviderID, string(e.EventType), e.EventTimestamp.UTC(), e.Description,
			e.PreviousValue, e.CurrentValue, string(e.Priority), e.RecommendedAction, e.LoadID, now,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert event %s", e.EventID)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: rows affected")
		}
		inserted += int(n)
	}
	return inserted, eris.Wrap(tx.Commit(), "sqlite: commit events")
}

func (s *SQLiteStore) ListEvents(ctx context.Context, filter EventFilter) ([]model.ChangeEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM change_events WHERE 1=1`
	var args []any
	if filter.UnprocessedOnly {
		query += ` AND is_processed = 0`
	}
	if filter.EntityID != "" {
		query += ` AND entity_id = ?`
		args = append(args, filter.EntityID)
	}
	if len(filter.Types) > 0 {
		query += ` AND event_type IN (` + placeholders(len(filter.Types)) + `)`
		for _, t := range filter.Types {
			args = append(args, string(t))
		}
	}
	query += ` ORDER BY event_timestamp, event_id LIMIT ?`
	args = append(args, limitOrDefault(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list events")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ChangeEvent
	for rows.Next() {
		var e model.ChangeEvent
		var processedAt sql.NullTime
		if err := rows.Scan(&e.EventID, &e.EntityID, &e.ProviderID, &e.EventType, &e.EventTimestamp, &e.Description,
			&e.PreviousValue, &e.CurrentValue, &e.Priority, &e.RecommendedAction, &e.LoadID, &e.IsProcessed,
			&processedAt, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan event")
		}
		e.EventTimestamp = e.EventTimestamp.UTC()
		e.ProcessedAt = timePtr(processedAt)
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list events iterate")
}

func (s *SQLiteStore) MarkEventsProcessed(ctx context.Context, eventIDs []string, at time.Time) (int, error) {
	if len(eventIDs) == 0 {
		return 0, nil
	}
	args := []any{at.UTC()}
	for _, id := range eventIDs {
		args = append(args, id)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE change_events SET is_processed = 1, processed_at = ?
		 WHERE is_processed = 0 AND event_id IN (`+placeholders(len(eventIDs))+`)`, args...)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: mark events processed")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// Golden records

func (s *SQLiteStore) UpsertGolden(ctx context.Context, records []model.GoldenRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin golden tx")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	for i := range records {
		data, err := records[i].Canonical()
		if err != nil {
			return eris.Wrapf(err, "sqlite: marshal golden %s", records[i].EntityID)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO golden_records (entity_id, provider_id, load_id, record, updated_at) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (entity_id) DO UPDATE SET provider_id = excluded.provider_id, load_id = excluded.load_id,
				record = excluded.record, updated_at = excluded.updated_at`,
			records[i].EntityID, records[i].ProviderID, records[i].LoadID, string(data), now,
		); err != nil {
			return eris.Wrapf(err, "sqlite: upsert golden %s", records[i].EntityID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit golden")
}

func (s *SQLiteStore) GetGolden(ctx context.Context, id string) (*model.GoldenRecord, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM golden_records WHERE entity_id = ? OR provider_id = ? ORDER BY entity_id LIMIT 1`,
		id, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "golden %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get golden %s", id)
	}
	var g model.GoldenRecord
	if err := json.Unmarshal([]byte(data), &g); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal golden")
	}
	return &g, nil
}

func (s *SQLiteStore) ListGolden(ctx context.Context, limit, offset int) ([]model.GoldenRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM golden_records ORDER BY entity_id LIMIT ? OFFSET ?`, limitOrDefault(limit), offset)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list golden")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.GoldenRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan golden")
		}
		var g model.GoldenRecord
		if err := json.Unmarshal([]byte(data), &g); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal golden")
		}
		out = append(out, g)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list golden iterate")
}

// Enrichment facts

func (s *SQLiteStore) InsertFacts(ctx context.Context, facts []model.EnrichmentFact) error {
	if len(facts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin facts tx")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, f := range facts {
		fields, err := json.Marshal(f.Values)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal fact fields")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO enrichment_facts (entity_id, source, observed_at, fields) VALUES (?, ?, ?, ?)
			 ON CONFLICT (entity_id, source, observed_at) DO UPDATE SET fields = excluded.fields`,
			f.EntityID, f.Source, f.ObservedAt.UTC(), string(fields),
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert fact for %s", f.EntityID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit facts")
}

func (s *SQLiteStore) FactsByEntity(ctx context.Context) (map[string][]model.EnrichmentFact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_id, source, observed_at, fields FROM enrichment_facts ORDER BY entity_id, source, observed_at`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list facts")
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[string][]model.EnrichmentFact)
	for rows.Next() {
		var f model.EnrichmentFact
		var fields string
		if err := rows.Scan(&f.EntityID, &f.Source, &f.ObservedAt, &fields); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan fact")
		}
		if err := json.Unmarshal([]byte(fields), &f.Values); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal fact fields")
		}
		f.ObservedAt = f.ObservedAt.UTC()
		out[f.EntityID] = append(out[f.EntityID], f)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list facts iterate")
}

// Budget

func (s *SQLiteStore) GetBudgetUsage(ctx context.Context, source, period string) (float64, error) {
	var credits float64
	err := s.db.QueryRowContext(ctx,
		`SELECT credits FROM budget_usage WHERE source = ? AND period = ?`, source, period).Scan(&credits)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return credits, eris.Wrap(err, "sqlite: get budget usage")
}

func (s *SQLiteStore) AddBudgetUsage(ctx context.Context, source, period string, credits float64) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO budget_usage (source, period, credits, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (source, period) DO UPDATE SET credits = budget_usage.credits + excluded.credits,
			updated_at = excluded.updated_at
		 RETURNING credits`,
		source, period, credits, time.Now().UTC()).Scan(&total)
	return total, eris.Wrap(err, "sqlite: add budget usage")
}

// Dead letter queue

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, e resilience.DLQEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	task, err := json.Marshal(e.Task)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal dlq task")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO export_dlq (id, task_id, destination, task, error, error_type, retry_count, max_retries,
			next_retry_at, created_at, last_failed_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TaskID, e.Destination, string(task), e.Error, e.ErrorType, e.RetryCount, e.MaxRetries,
		e.NextRetryAt.UTC(), e.CreatedAt.UTC(), e.LastFailedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: enqueue dlq")
}

func (s *SQLiteStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, task_id, destination, task, error, error_type, retry_count, max_retries, next_retry_at,
		created_at, last_failed_at FROM export_dlq WHERE 1=1`
	var args []any
	if filter.Destination != "" {
		query += ` AND destination = ?`
		args = append(args, filter.Destination)
	}
	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	query += ` ORDER BY created_at LIMIT ?`
	args = append(args, limitOrDefault(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dlq")
	}
	defer rows.Close() //nolint:errcheck

	var out []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var task string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Destination, &task, &e.Error, &e.ErrorType, &e.RetryCount,
			&e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq")
		}
		if err := json.Unmarshal([]byte(task), &e.Task); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal dlq task")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list dlq iterate")
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM export_dlq WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: remove dlq %s", id)
	}
	return checkRowsAffected(res, "dlq entry", id)
}

func (s *SQLiteStore) CountDLQ(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM export_dlq`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count dlq")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func marshalNullable(v any) (sql.NullString, error) {
	switch x := v.(type) {
	case nil:
		return sql.NullString{}, nil
	case *model.ValidationReport:
		if x == nil {
			return sql.NullString{}, nil
		}
	case map[string]any:
		if x == nil {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 1000
	}
	return limit
}
