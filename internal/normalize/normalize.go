// Package normalize turns raw jurisdiction and registry rows into model
// records. Each source has an Adapter keyed by its load source type.
package normalize

import (
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/license-recon/internal/model"
)

// ErrSkip marks a row that is valid but out of scope, such as a permit that
// is not a license. Callers drop it without logging a failure.
var ErrSkip = eris.New("normalize: row skipped")

// RowError is a malformed row whose license key was still readable. The
// caller can keep the license's history open even though the row is dropped.
type RowError struct {
	Key model.LicenseKey
	Err error
}

func (e *RowError) Error() string { return e.Key.String() + ": " + e.Err.Error() }

func (e *RowError) Unwrap() error { return e.Err }

func keyed(key model.LicenseKey, err error) error {
	return &RowError{Key: key, Err: err}
}

// Adapter maps one source's raw rows to LicenseRecords.
type Adapter interface {
	// Source is the load source type, e.g. "tx_license".
	Source() string
	// License converts one header-keyed row. A malformed row returns an
	// error for that row only.
	License(row map[string]string) (model.LicenseRecord, error)
}

// For returns the adapter for source. professionalType is required for
// sources whose files hold a single profession.
func For(source, professionalType string) (Adapter, error) {
	switch source {
	case SourceTexas:
		if professionalType == "" {
			return nil, eris.New("normalize: tx_license needs a professional type")
		}
		return Texas{ProfessionalType: professionalType}, nil
	case SourceWashington:
		return Washington{}, nil
	case SourceColorado:
		return Colorado{}, nil
	case SourceFlorida:
		return Florida{ProfessionalType: professionalType}, nil
	default:
		return nil, eris.Errorf("normalize: no adapter for source %q", source)
	}
}

// Sources lists the license sources with adapters.
func Sources() []string {
	s := []string{SourceTexas, SourceWashington, SourceColorado, SourceFlorida}
	sort.Strings(s)
	return s
}

// StatusFromText classifies a free-text status description.
func StatusFromText(s string) model.StatusCategory {
	u := strings.ToUpper(strings.TrimSpace(s))
	switch {
	case u == "":
		return model.StatusUnknown
	case strings.Contains(u, "DECEASED"):
		return model.StatusDeceased
	case strings.Contains(u, "SUSPEND"):
		return model.StatusSuspended
	case strings.Contains(u, "REVOK"), strings.Contains(u, "SURRENDER"),
		strings.Contains(u, "RETIRED"), strings.Contains(u, "CLOSED"):
		return model.StatusClosed
	case strings.Contains(u, "EXPIRED"):
		return model.StatusExpired
	case strings.Contains(u, "INACTIVE"), strings.Contains(u, "LAPSED"),
		strings.Contains(u, "DELINQUENT"), strings.Contains(u, "CANCEL"):
		return model.StatusLapsed
	case strings.HasPrefix(u, "ACTIVE"), u == "CURRENT":
		return model.StatusActive
	default:
		return model.StatusUnknown
	}
}

// parseDate tries each layout in turn. Empty input yields nil.
func parseDate(s string, layouts ...string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, eris.Errorf("normalize: unparseable date %q", s)
}

func clean(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func requireFields(row map[string]string, fields ...string) error {
	for _, f := range fields {
		if clean(row[f]) == "" {
			return eris.Errorf("normalize: missing %s", f)
		}
	}
	return nil
}
