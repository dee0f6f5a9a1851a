// Package governance gates data loads and exports: batch validation, the
// load promotion state machine, the export queue and suppression.
package governance

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/license-recon/internal/model"
)

// Rule types.
const (
	RuleRowCountMin        = "row_count_min"
	RuleRowCountDelta      = "row_count_delta"
	RuleFieldPopulated     = "field_populated"
	RuleFieldFormat        = "field_format"
	RuleNoDuplicates       = "no_duplicates"
	RuleDateRange          = "date_range"
	RuleValueDistribution  = "value_distribution"
	RuleExpression         = "expression"
	currentDate            = "CURRENT_DATE"
	defaultDateLayoutInput = "01/02/2006"
)

// Rule is one configured validation check.
type Rule struct {
	Type       string         `yaml:"type" mapstructure:"type"`
	Severity   model.Severity `yaml:"severity,omitempty" mapstructure:"severity"`
	Field      string         `yaml:"field,omitempty" mapstructure:"field"`
	KeyFields  []string       `yaml:"key_fields,omitempty" mapstructure:"key_fields"`
	MinRows    int            `yaml:"min_rows,omitempty" mapstructure:"min_rows"`
	MaxDelta   float64        `yaml:"max_delta_pct,omitempty" mapstructure:"max_delta_pct"`
	MinPct     float64        `yaml:"min_pct,omitempty" mapstructure:"min_pct"`
	Pattern    string         `yaml:"pattern,omitempty" mapstructure:"pattern"`
	MinDate    string         `yaml:"min_date,omitempty" mapstructure:"min_date"`
	MaxDate    string         `yaml:"max_date,omitempty" mapstructure:"max_date"`
	DateLayout string         `yaml:"date_layout,omitempty" mapstructure:"date_layout"`
	Value      string         `yaml:"value,omitempty" mapstructure:"value"`
	Expression string         `yaml:"expression,omitempty" mapstructure:"expression"`
	Name       string         `yaml:"name,omitempty" mapstructure:"name"`
}

func (r Rule) severity() model.Severity {
	if r.Severity == "" {
		return model.SeverityError
	}
	return r.Severity
}

func (r Rule) label() string {
	if r.Name != "" {
		return r.Name
	}
	switch {
	case r.Type == RuleValueDistribution:
		return r.Type + "_" + r.Field + "_" + r.Value
	case r.Field != "":
		return r.Type + "_" + r.Field
	default:
		return r.Type
	}
}

// Ruleset is the validation and promotion policy for one source type.
type Ruleset struct {
	AutoPromote bool   `yaml:"auto_promote" mapstructure:"auto_promote"`
	HoldHours   int    `yaml:"hold_hours" mapstructure:"hold_hours"`
	Rules       []Rule `yaml:"rules" mapstructure:"rules"`
}

// Hold returns the promotion hold period.
func (rs Ruleset) Hold() time.Duration {
	return time.Duration(rs.HoldHours) * time.Hour
}

// Batch is a staged load as column-keyed rows.
type Batch struct {
	Columns      []string
	Rows         []map[string]string
	PrevRowCount *int
}

func (b Batch) hasColumn(name string) bool {
	for _, c := range b.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// Validator evaluates rulesets against batches.
type Validator struct {
	rulesets map[string]Ruleset
	env      *cel.Env
}

// NewValidator creates a validator. A nil map uses DefaultRulesets.
func NewValidator(rulesets map[string]Ruleset) (*Validator, error) {
	if rulesets == nil {
		rulesets = DefaultRulesets()
	}
	env, err := cel.NewEnv(cel.Variable("row", cel.MapType(cel.StringType, cel.StringType)))
	if err != nil {
		return nil, eris.Wrap(err, "governance: create cel env")
	}
	return &Validator{rulesets: rulesets, env: env}, nil
}

// Ruleset returns the policy for a source type.
func (v *Validator) Ruleset(sourceType string) (Ruleset, bool) {
	rs, ok := v.rulesets[sourceType]
	return rs, ok
}

// SourceTypes lists configured source types.
func (v *Validator) SourceTypes() []string {
	out := make([]string, 0, len(v.rulesets))
	for k := range v.rulesets {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Validate runs every rule for sourceType. Failed rules are grouped by
// severity; passing warning-severity results are kept as warnings. A rule
// that panics is recorded as an error result. Unknown rules are warnings.
func (v *Validator) Validate(sourceType string, b Batch, now time.Time) (*model.ValidationReport, error) {
	rs, ok := v.rulesets[sourceType]
	if !ok {
		return nil, eris.Errorf("governance: unknown source type %q", sourceType)
	}

	report := &model.ValidationReport{Errors: []model.ValidationResult{}, Warnings: []model.ValidationResult{}}
	for _, rule := range rs.Rules {
		res := v.run(rule, b, now)
		report.Checked++
		switch {
		case !res.Passed && res.Severity == model.SeverityError:
			report.Errors = append(report.Errors, res)
		case res.Severity == model.SeverityWarning:
			report.Warnings = append(report.Warnings, res)
		}
	}
	report.Passed = len(report.Errors) == 0
	return report, nil
}

func (v *Validator) run(rule Rule, b Batch, now time.Time) (res model.ValidationResult) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Warn("governance: rule panicked", zap.String("rule", rule.label()), zap.Any("panic", r))
			res = model.ValidationResult{
				Rule:     rule.label(),
				Severity: model.SeverityError,
				Message:  fmt.Sprintf("Rule execution failed: %v", r),
			}
		}
	}()

	var fn func(Rule, Batch, time.Time) model.ValidationResult
	switch rule.Type {
	case RuleRowCountMin:
		fn = rowCountMin
	case RuleRowCountDelta:
		fn = rowCountDelta
	case RuleFieldPopulated:
		fn = fieldPopulated
	case RuleFieldFormat:
		fn = fieldFormat
	case RuleNoDuplicates:
		fn = noDuplicates
	case RuleDateRange:
		fn = dateRange
	case RuleValueDistribution:
		fn = valueDistribution
	case RuleExpression:
		fn = v.expression
	default:
		return model.ValidationResult{
			Rule:     rule.label(),
			Severity: model.SeverityWarning,
			Message:  fmt.Sprintf("Unknown rule: %s", rule.Type),
		}
	}
	res = fn(rule, b, now)
	res.Rule = rule.label()
	if res.Severity == "" {
		res.Severity = rule.severity()
	}
	return res
}

func missingField(rule Rule, b Batch) model.ValidationResult {
	cols := b.Columns
	if len(cols) > 20 {
		cols = cols[:20]
	}
	return model.ValidationResult{
		Severity: model.SeverityError,
		Message:  fmt.Sprintf("Field '%s' not found in data", rule.Field),
		Details:  map[string]any{"field": rule.Field, "available_columns": cols},
	}
}

func pct(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

func verdict(passed bool, ok, bad string) string {
	if passed {
		return ok
	}
	return bad
}

func rowCountMin(rule Rule, b Batch, _ time.Time) model.ValidationResult {
	n := len(b.Rows)
	passed := n >= rule.MinRows
	return model.ValidationResult{
		Passed:  passed,
		Message: fmt.Sprintf("Row count %d %s minimum %d", n, verdict(passed, "meets", "below"), rule.MinRows),
		Details: map[string]any{"row_count": n, "min_required": rule.MinRows},
	}
}

func rowCountDelta(rule Rule, b Batch, _ time.Time) model.ValidationResult {
	if b.PrevRowCount == nil || *b.PrevRowCount == 0 {
		return model.ValidationResult{
			Passed:   true,
			Severity: model.SeverityWarning,
			Message:  "No previous data to compare - skipping delta check",
			Details:  map[string]any{"skipped": true},
		}
	}
	cur, prev := len(b.Rows), *b.PrevRowCount
	delta := float64(cur-prev) / float64(prev)
	if delta < 0 {
		delta = -delta
	}
	passed := delta <= rule.MaxDelta
	return model.ValidationResult{
		Passed: passed,
		Message: fmt.Sprintf("Row count delta %.1f%% %s %.0f%% threshold",
			delta*100, verdict(passed, "within", "exceeds"), rule.MaxDelta*100),
		Details: map[string]any{"current_count": cur, "previous_count": prev, "delta_pct": delta, "max_delta_pct": rule.MaxDelta},
	}
}

func fieldPopulated(rule Rule, b Batch, _ time.Time) model.ValidationResult {
	if !b.hasColumn(rule.Field) {
		return missingField(rule, b)
	}
	filled := 0
	for _, row := range b.Rows {
		if strings.TrimSpace(row[rule.Field]) != "" {
			filled++
		}
	}
	p := pct(filled, len(b.Rows))
	passed := p >= rule.MinPct
	return model.ValidationResult{
		Passed: passed,
		Message: fmt.Sprintf("Field '%s' %.1f%% populated %s %.0f%% threshold",
			rule.Field, p*100, verdict(passed, "meets", "below"), rule.MinPct*100),
		Details: map[string]any{"field": rule.Field, "populated_pct": p, "min_required": rule.MinPct},
	}
}

func fieldFormat(rule Rule, b Batch, _ time.Time) model.ValidationResult {
	if !b.hasColumn(rule.Field) {
		return missingField(rule, b)
	}
	re := regexp.MustCompile(rule.Pattern)
	var checked, matched int
	var sample []string
	for _, row := range b.Rows {
		v := strings.TrimSpace(row[rule.Field])
		if v == "" {
			continue
		}
		checked++
		if re.MatchString(v) {
			matched++
		} else if len(sample) < 5 {
			sample = append(sample, v)
		}
	}
	if checked == 0 {
		return model.ValidationResult{
			Message: fmt.Sprintf("Field '%s' has no non-null values to validate", rule.Field),
			Details: map[string]any{"field": rule.Field},
		}
	}
	p := pct(matched, checked)
	passed := p >= rule.MinPct
	return model.ValidationResult{
		Passed: passed,
		Message: fmt.Sprintf("Field '%s' %.1f%% match pattern %s %.0f%%",
			rule.Field, p*100, verdict(passed, "meets", "below"), rule.MinPct*100),
		Details: map[string]any{"field": rule.Field, "pattern": rule.Pattern, "match_pct": p,
			"min_required": rule.MinPct, "sample_non_matching": sample},
	}
}

func noDuplicates(rule Rule, b Batch, _ time.Time) model.ValidationResult {
	var missing []string
	for _, f := range rule.KeyFields {
		if !b.hasColumn(f) {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return model.ValidationResult{
			Severity: model.SeverityError,
			Message:  fmt.Sprintf("Key fields not found: %v", missing),
			Details:  map[string]any{"missing_fields": missing},
		}
	}

	counts := make(map[string]int, len(b.Rows))
	for _, row := range b.Rows {
		counts[compositeKey(row, rule.KeyFields)]++
	}
	dups := 0
	var sample []string
	for _, row := range b.Rows {
		k := compositeKey(row, rule.KeyFields)
		if counts[k] > 1 {
			dups++
			if len(sample) < 5 {
				sample = append(sample, k)
			}
		}
	}
	passed := dups == 0
	msg := "No duplicates found"
	if !passed {
		msg = fmt.Sprintf("%d duplicate records on %v", dups, rule.KeyFields)
	}
	return model.ValidationResult{
		Passed:  passed,
		Message: msg,
		Details: map[string]any{"key_fields": rule.KeyFields, "duplicate_count": dups, "sample_duplicates": sample},
	}
}

func compositeKey(row map[string]string, fields []string) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = strings.TrimSpace(row[f])
	}
	return strings.Join(parts, "|")
}

func parseBound(s string, now time.Time) (time.Time, bool, error) {
	switch {
	case s == "":
		return time.Time{}, false, nil
	case strings.HasPrefix(strings.ToUpper(s), currentDate):
		return now, true, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, false, eris.Wrapf(err, "governance: parse date bound %q", s)
	}
	return t, true, nil
}

// parseDate accepts the configured layout plus ISO dates.
func parseDate(v, layout string) (time.Time, bool) {
	for _, l := range []string{layout, time.DateOnly, time.RFC3339} {
		if t, err := time.Parse(l, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func dateRange(rule Rule, b Batch, now time.Time) model.ValidationResult {
	if !b.hasColumn(rule.Field) {
		return missingField(rule, b)
	}
	layout := rule.DateLayout
	if layout == "" {
		layout = defaultDateLayoutInput
	}
	minT, hasMin, minErr := parseBound(rule.MinDate, now)
	maxT, hasMax, maxErr := parseBound(rule.MaxDate, now)
	if err := errors.Join(minErr, maxErr); err != nil {
		return model.ValidationResult{
			Severity: model.SeverityError,
			Message:  fmt.Sprintf("Rule execution failed: %v", err),
			Details:  map[string]any{"field": rule.Field},
		}
	}

	var valid, tooOld, tooNew int
	var lo, hi time.Time
	for _, row := range b.Rows {
		t, ok := parseDate(strings.TrimSpace(row[rule.Field]), layout)
		if !ok {
			continue
		}
		valid++
		if lo.IsZero() || t.Before(lo) {
			lo = t
		}
		if t.After(hi) {
			hi = t
		}
		if hasMin && t.Before(minT) {
			tooOld++
		}
		if hasMax && t.After(maxT) {
			tooNew++
		}
	}
	if valid == 0 {
		return model.ValidationResult{
			Passed:   true,
			Severity: model.SeverityWarning,
			Message:  fmt.Sprintf("No valid dates in '%s' to validate", rule.Field),
			Details:  map[string]any{"field": rule.Field},
		}
	}

	var issues []string
	if tooOld > 0 {
		issues = append(issues, fmt.Sprintf("%d dates before %s", tooOld, rule.MinDate))
	}
	if tooNew > 0 {
		issues = append(issues, fmt.Sprintf("%d dates after %s", tooNew, rule.MaxDate))
	}
	msg := "all dates in range"
	if len(issues) > 0 {
		msg = strings.Join(issues, "; ")
	}
	return model.ValidationResult{
		Passed:  len(issues) == 0,
		Message: "Date range check: " + msg,
		Details: map[string]any{"field": rule.Field, "min_date": lo.Format(time.DateOnly),
			"max_date": hi.Format(time.DateOnly), "issues": issues},
	}
}

func valueDistribution(rule Rule, b Batch, _ time.Time) model.ValidationResult {
	if !b.hasColumn(rule.Field) {
		return missingField(rule, b)
	}
	hits := 0
	for _, row := range b.Rows {
		if strings.TrimSpace(row[rule.Field]) == rule.Value {
			hits++
		}
	}
	p := pct(hits, len(b.Rows))
	passed := p >= rule.MinPct
	return model.ValidationResult{
		Passed: passed,
		Message: fmt.Sprintf("Value '%s' in '%s' at %.1f%% %s %.0f%%",
			rule.Value, rule.Field, p*100, verdict(passed, "meets", "below"), rule.MinPct*100),
		Details: map[string]any{"field": rule.Field, "target_value": rule.Value, "actual_pct": p, "min_required": rule.MinPct},
	}
}

// expression counts rows for which a CEL predicate over `row` holds.
func (v *Validator) expression(rule Rule, b Batch, _ time.Time) model.ValidationResult {
	ast, issues := v.env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return model.ValidationResult{
			Severity: model.SeverityError,
			Message:  fmt.Sprintf("Expression does not compile: %v", issues.Err()),
			Details:  map[string]any{"expression": rule.Expression},
		}
	}
	prg, err := v.env.Program(ast, cel.CostLimit(10000))
	if err != nil {
		return model.ValidationResult{
			Severity: model.SeverityError,
			Message:  fmt.Sprintf("Expression program failed: %v", err),
		}
	}

	hits, evalErrs := 0, 0
	for _, row := range b.Rows {
		out, _, err := prg.Eval(map[string]any{"row": row})
		if err != nil {
			evalErrs++
			continue
		}
		if ok, isBool := out.Value().(bool); isBool && ok {
			hits++
		}
	}
	p := pct(hits, len(b.Rows))
	passed := p >= rule.MinPct
	return model.ValidationResult{
		Passed: passed,
		Message: fmt.Sprintf("Expression held for %.1f%% of rows %s %.0f%%",
			p*100, verdict(passed, "meets", "below"), rule.MinPct*100),
		Details: map[string]any{"expression": rule.Expression, "match_pct": p, "eval_errors": evalErrs, "min_required": rule.MinPct},
	}
}

type rulesetFile struct {
	Sources map[string]Ruleset `yaml:"sources"`
}

// LoadRulesets reads per-source rulesets from YAML. Sources missing from the
// file keep their defaults.
func LoadRulesets(path string) (map[string]Ruleset, error) {
	out := DefaultRulesets()
	if path == "" {
		return out, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "governance: read rulesets %s", path)
	}
	var f rulesetFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "governance: parse rulesets %s", path)
	}
	for k, v := range f.Sources {
		out[k] = v
	}
	return out, nil
}

// DefaultRulesets returns the built-in rules for the known license feeds.
func DefaultRulesets() map[string]Ruleset {
	return map[string]Ruleset{
		"tx_license": {
			AutoPromote: true,
			HoldHours:   24,
			Rules: []Rule{
				{Type: RuleRowCountMin, MinRows: 1000},
				{Type: RuleRowCountDelta, MaxDelta: 0.20},
				{Type: RuleFieldPopulated, Field: "LIC_NBR", MinPct: 0.99},
				{Type: RuleFieldPopulated, Field: "LAST_NME", MinPct: 0.99},
				{Type: RuleFieldPopulated, Field: "FIRST_NME", MinPct: 0.98},
				{Type: RuleFieldPopulated, Field: "CITY", MinPct: 0.90},
				{Type: RuleNoDuplicates, KeyFields: []string{"LIC_ID"}},
				{Type: RuleDateRange, Field: "LIC_ORIG_DTE", MinDate: "1900-01-01", MaxDate: currentDate},
				{Type: RuleValueDistribution, Field: "LIC_STA_CDE", Value: "20", MinPct: 0.50},
			},
		},
		"wa_license": {
			AutoPromote: true,
			HoldHours:   24,
			Rules: []Rule{
				{Type: RuleRowCountMin, MinRows: 1000},
				{Type: RuleRowCountDelta, MaxDelta: 0.20},
				{Type: RuleFieldPopulated, Field: "credential_number", MinPct: 0.99},
				{Type: RuleFieldPopulated, Field: "last_name", MinPct: 0.99},
				{Type: RuleNoDuplicates, KeyFields: []string{"credential_number"}},
			},
		},
		"co_license": {
			AutoPromote: true,
			HoldHours:   24,
			Rules: []Rule{
				{Type: RuleRowCountMin, MinRows: 500},
				{Type: RuleRowCountDelta, MaxDelta: 0.20},
				{Type: RuleFieldPopulated, Field: "license_number", MinPct: 0.99},
				{Type: RuleFieldPopulated, Field: "last_name", MinPct: 0.99},
				{Type: RuleNoDuplicates, KeyFields: []string{"license_number"}},
			},
		},
		"fl_license": {
			AutoPromote: true,
			HoldHours:   24,
			Rules: []Rule{
				{Type: RuleRowCountMin, MinRows: 1000},
				{Type: RuleRowCountDelta, MaxDelta: 0.20},
				{Type: RuleFieldPopulated, Field: "LicenseNumber", MinPct: 0.99},
				{Type: RuleFieldPopulated, Field: "Name", MinPct: 0.99},
				{Type: RuleNoDuplicates, KeyFields: []string{"ProfessionCode", "LicenseNumber"}},
				{Type: RuleDateRange, Field: "OriginalIssueDate", MinDate: "1900-01-01", MaxDate: currentDate},
			},
		},
		"npi": {
			AutoPromote: true,
			HoldHours:   0,
			Rules: []Rule{
				{Type: RuleRowCountMin, MinRows: 100000},
				{Type: RuleRowCountDelta, MaxDelta: 0.10},
				{Type: RuleFieldPopulated, Field: "NPI", MinPct: 0.9999},
				{Type: RuleFieldFormat, Field: "NPI", Pattern: `^\d{10}$`, MinPct: 0.99},
				{Type: RuleNoDuplicates, KeyFields: []string{"NPI"}},
			},
		},
	}
}
