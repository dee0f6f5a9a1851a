package governance

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/license-recon/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

var txColumns = []string{"LIC_ID", "LIC_NBR", "LAST_NME", "FIRST_NME", "CITY", "LIC_ORIG_DTE", "LIC_STA_CDE"}

// txBatch builds n clean Texas rows.
func txBatch(n int) Batch {
	rows := make([]map[string]string, n)
	for i := range rows {
		rows[i] = map[string]string{
			"LIC_ID":       fmt.Sprintf("%d", 100000+i),
			"LIC_NBR":      fmt.Sprintf("%d", 20000+i),
			"LAST_NME":     "SMITH",
			"FIRST_NME":    "JANE",
			"CITY":         "AUSTIN",
			"LIC_ORIG_DTE": "06/15/2010",
			"LIC_STA_CDE":  "20",
		}
	}
	return Batch{Columns: txColumns, Rows: rows}
}

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator(nil)
	require.NoError(t, err)
	return v
}

func findResult(results []model.ValidationResult, rule string) (model.ValidationResult, bool) {
	for _, r := range results {
		if r.Rule == rule {
			return r, true
		}
	}
	return model.ValidationResult{}, false
}

func TestValidate_CleanBatchPasses(t *testing.T) {
	v := newValidator(t)
	report, err := v.Validate("tx_license", txBatch(1200), t0)
	require.NoError(t, err)
	assert.True(t, report.Passed)
	assert.Empty(t, report.Errors)
	assert.Equal(t, 9, report.Checked)

	// No previous load: the delta rule is skipped as a warning.
	w, ok := findResult(report.Warnings, "row_count_delta")
	require.True(t, ok)
	assert.True(t, w.Passed)
	assert.Equal(t, true, w.Details["skipped"])
}

func TestValidate_RowCountBelowMinimum(t *testing.T) {
	v := newValidator(t)
	report, err := v.Validate("tx_license", txBatch(500), t0)
	require.NoError(t, err)
	assert.False(t, report.Passed)
	r, ok := findResult(report.Errors, "row_count_min")
	require.True(t, ok)
	assert.Equal(t, "Row count 500 below minimum 1000", r.Message)
}

func TestValidate_RowCountDelta(t *testing.T) {
	v := newValidator(t)
	b := txBatch(1000)
	b.PrevRowCount = ptr(2000)
	report, err := v.Validate("tx_license", b, t0)
	require.NoError(t, err)
	assert.False(t, report.Passed)
	r, ok := findResult(report.Errors, "row_count_delta")
	require.True(t, ok)
	assert.InDelta(t, 0.5, r.Details["delta_pct"], 1e-9)
}

func TestValidate_MissingFieldIsError(t *testing.T) {
	v := newValidator(t)
	b := txBatch(1000)
	b.Columns = []string{"LIC_ID", "LIC_NBR", "LAST_NME", "FIRST_NME", "LIC_ORIG_DTE", "LIC_STA_CDE"}
	report, err := v.Validate("tx_license", b, t0)
	require.NoError(t, err)
	r, ok := findResult(report.Errors, "field_populated_CITY")
	require.True(t, ok)
	assert.Equal(t, "Field 'CITY' not found in data", r.Message)
}

func TestValidate_Duplicates(t *testing.T) {
	v := newValidator(t)
	b := txBatch(1000)
	b.Rows[1]["LIC_ID"] = b.Rows[0]["LIC_ID"]
	report, err := v.Validate("tx_license", b, t0)
	require.NoError(t, err)
	r, ok := findResult(report.Errors, "no_duplicates")
	require.True(t, ok)
	assert.Equal(t, 2, r.Details["duplicate_count"])
}

func TestValidate_DateRange(t *testing.T) {
	v := newValidator(t)
	b := txBatch(1000)
	b.Rows[0]["LIC_ORIG_DTE"] = "01/01/1850"
	b.Rows[1]["LIC_ORIG_DTE"] = "01/01/2030"
	b.Rows[2]["LIC_ORIG_DTE"] = "not a date"
	report, err := v.Validate("tx_license", b, t0)
	require.NoError(t, err)
	r, ok := findResult(report.Errors, "date_range_LIC_ORIG_DTE")
	require.True(t, ok)
	assert.Contains(t, r.Message, "1 dates before 1900-01-01")
	assert.Contains(t, r.Message, "1 dates after CURRENT_DATE")
}

func TestValidate_ValueDistribution(t *testing.T) {
	v := newValidator(t)
	b := txBatch(1000)
	for i := 0; i < 600; i++ {
		b.Rows[i]["LIC_STA_CDE"] = "45"
	}
	report, err := v.Validate("tx_license", b, t0)
	require.NoError(t, err)
	_, ok := findResult(report.Errors, "value_distribution_LIC_STA_CDE_20")
	assert.True(t, ok)
}

func TestValidate_UnknownSource(t *testing.T) {
	v := newValidator(t)
	_, err := v.Validate("zz_license", txBatch(1), t0)
	assert.Error(t, err)
}

func TestValidate_CustomRules(t *testing.T) {
	v, err := NewValidator(map[string]Ruleset{
		"custom": {Rules: []Rule{
			{Type: "bogus"},
			{Type: RuleFieldFormat, Field: "NPI", Pattern: `^\d{10}$`, MinPct: 1},
			{Type: RuleExpression, Name: "has_last", Expression: `row.LAST != ""`, MinPct: 0.5, Severity: model.SeverityWarning},
			{Type: RuleExpression, Name: "broken", Expression: `row.LAST +`},
		}},
	})
	require.NoError(t, err)

	b := Batch{
		Columns: []string{"NPI", "LAST"},
		Rows: []map[string]string{
			{"NPI": "1234567890", "LAST": "A"},
			{"NPI": "12345", "LAST": ""},
			{"NPI": "", "LAST": "B"},
		},
	}
	report, err := v.Validate("custom", b, t0)
	require.NoError(t, err)
	assert.False(t, report.Passed)

	unknown, ok := findResult(report.Warnings, "bogus")
	require.True(t, ok)
	assert.Equal(t, "Unknown rule: bogus", unknown.Message)

	format, ok := findResult(report.Errors, "field_format_NPI")
	require.True(t, ok)
	assert.InDelta(t, 0.5, format.Details["match_pct"], 1e-9)
	assert.Equal(t, []string{"12345"}, format.Details["sample_non_matching"])

	expr, ok := findResult(report.Warnings, "has_last")
	require.True(t, ok)
	assert.True(t, expr.Passed)

	_, ok = findResult(report.Errors, "broken")
	assert.True(t, ok)
}

func TestLoadRulesets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sources:
  tx_license:
    auto_promote: false
    hold_hours: 48
    rules:
      - type: row_count_min
        min_rows: 10
  ky_license:
    rules:
      - type: field_populated
        field: LICENSE
        min_pct: 0.9
        severity: warning
`), 0o600))

	rs, err := LoadRulesets(path)
	require.NoError(t, err)
	assert.False(t, rs["tx_license"].AutoPromote)
	assert.Equal(t, 48*time.Hour, rs["tx_license"].Hold())
	require.Len(t, rs["tx_license"].Rules, 1)
	assert.Equal(t, 10, rs["tx_license"].Rules[0].MinRows)
	assert.Equal(t, model.SeverityWarning, rs["ky_license"].Rules[0].Severity)
	assert.Contains(t, rs, "npi")

	_, err = LoadRulesets(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	def, err := LoadRulesets("")
	require.NoError(t, err)
	assert.Len(t, def, 4)
}

func ptr[T any](v T) *T { return &v }
