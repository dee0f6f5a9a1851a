package db

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig describes a bulk merge into Table.
type UpsertConfig struct {
	Table        string   // target table, optionally schema-qualified
	Columns      []string // columns in row order
	ConflictKeys []string // unique constraint columns
	UpdateCols   []string // columns set on conflict; nil means every non-key column
	// CompareCols, when set, limits conflict updates to rows where at least
	// one of these columns differs from the stored row. Unchanged golden
	// records then keep their updated_at.
	CompareCols []string
}

func (c UpsertConfig) validate() error {
	switch {
	case c.Table == "":
		return eris.New("db: upsert: no table specified")
	case len(c.Columns) == 0:
		return eris.New("db: upsert: no columns specified")
	case len(c.ConflictKeys) == 0:
		return eris.New("db: upsert: no conflict keys specified")
	}
	for _, col := range slices.Concat(c.ConflictKeys, c.UpdateCols, c.CompareCols) {
		if !slices.Contains(c.Columns, col) {
			return eris.Errorf("db: upsert: column %q is not in the column list", col)
		}
	}
	return nil
}

func (c UpsertConfig) updateCols() []string {
	if c.UpdateCols != nil {
		return c.UpdateCols
	}
	var cols []string
	for _, col := range c.Columns {
		if !slices.Contains(c.ConflictKeys, col) {
			cols = append(cols, col)
		}
	}
	return cols
}

func (c UpsertConfig) tempTable() string {
	return "_tmp_upsert_" + strings.ReplaceAll(c.Table, ".", "_")
}

// mergeSQL builds the INSERT ... SELECT ... ON CONFLICT statement that moves
// the staged rows into the target.
func (c UpsertConfig) mergeSQL() string {
	cols := quoteAndJoin(c.Columns)
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s AS cur (%s) SELECT %s FROM %s ON CONFLICT (%s)",
		sanitizeTable(c.Table), cols, cols, pgx.Identifier{c.tempTable()}.Sanitize(), quoteAndJoin(c.ConflictKeys))

	update := c.updateCols()
	if len(update) == 0 {
		b.WriteString(" DO NOTHING")
		return b.String()
	}
	set := make([]string, len(update))
	for i, col := range update {
		q := pgx.Identifier{col}.Sanitize()
		set[i] = q + " = EXCLUDED." + q
	}
	b.WriteString(" DO UPDATE SET " + strings.Join(set, ", "))

	if len(c.CompareCols) > 0 {
		cur := make([]string, len(c.CompareCols))
		exc := make([]string, len(c.CompareCols))
		for i, col := range c.CompareCols {
			q := pgx.Identifier{col}.Sanitize()
			cur[i] = "cur." + q
			exc[i] = "EXCLUDED." + q
		}
		fmt.Fprintf(&b, " WHERE (%s) IS DISTINCT FROM (%s)", strings.Join(cur, ", "), strings.Join(exc, ", "))
	}
	return b.String()
}

// BulkUpsert stages rows with COPY in a transaction-scoped temp table shaped
// like the target, then merges them in one statement. It returns the rows
// inserted or changed. Golden records and enrichment facts go through here
// on Postgres.
func BulkUpsert(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := cfg.validate(); err != nil {
		return 0, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	temp := cfg.tempTable()
	create := fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{temp}.Sanitize(), sanitizeTable(cfg.Table))
	if _, err := tx.Exec(ctx, create); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: stage %s", cfg.Table)
	}
	if _, err := CopyFrom(ctx, tx, temp, cfg.Columns, rows); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: COPY staging rows for %s", cfg.Table)
	}

	tag, err := tx.Exec(ctx, cfg.mergeSQL())
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert: merge into %s", cfg.Table)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: upsert: commit tx")
	}
	return tag.RowsAffected(), nil
}

func identifier(table string) pgx.Identifier {
	if schema, name, ok := strings.Cut(table, "."); ok {
		return pgx.Identifier{schema, name}
	}
	return pgx.Identifier{table}
}

func sanitizeTable(table string) string {
	return identifier(table).Sanitize()
}

func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
