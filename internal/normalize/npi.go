package normalize

import (
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/license-recon/internal/model"
)

// SourceNPI is the NPPES national provider registry snapshot.
const SourceNPI = "npi"

// DentalTaxonomyPrefixes select dentists (1223) and hygienists (124Q).
var DentalTaxonomyPrefixes = []string{"1223", "124Q"}

// npiRow is the subset of NPPES columns the registry needs. Columns not
// tagged here are ignored by the decoder.
type npiRow struct {
	NPI              string `csv:"NPI"`
	EntityType       string `csv:"Entity Type Code"`
	LastName         string `csv:"Provider Last Name (Legal Name)"`
	FirstName        string `csv:"Provider First Name"`
	Line1            string `csv:"Provider First Line Business Practice Location Address"`
	City             string `csv:"Provider Business Practice Location Address City Name"`
	State            string `csv:"Provider Business Practice Location Address State Name"`
	PostalCode       string `csv:"Provider Business Practice Location Address Postal Code"`
	Phone            string `csv:"Provider Business Practice Location Address Telephone Number"`
	Taxonomy         string `csv:"Healthcare Provider Taxonomy Code_1"`
	EnumerationDate  string `csv:"Provider Enumeration Date"`
	DeactivationDate string `csv:"NPI Deactivation Date"`
}

// RegistryStats counts what ReadRegistry kept and dropped.
type RegistryStats struct {
	Rows      int `json:"rows"`
	Kept      int `json:"kept"`
	Filtered  int `json:"filtered"`
	Malformed int `json:"malformed"`
}

// ReadRegistry decodes an NPPES CSV into registry identities. Only
// individual providers (entity type 1) that are not deactivated and whose
// primary taxonomy starts with one of taxonomyPrefixes are kept; an empty
// prefix list keeps every individual.
func ReadRegistry(ctx context.Context, r io.Reader, taxonomyPrefixes []string) ([]model.RegistryIdentity, RegistryStats, error) {
	var stats RegistryStats
	cr := csv.NewReader(r)
	cr.LazyQuotes = true
	cr.ReuseRecord = true
	cr.FieldsPerRecord = -1

	dec, err := csvutil.NewDecoder(cr)
	if err != nil {
		return nil, stats, eris.Wrap(err, "normalize: read registry header")
	}

	var out []model.RegistryIdentity
	for {
		if stats.Rows%10000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, stats, eris.Wrap(err, "normalize: read registry")
			}
		}

		var row npiRow
		if err := dec.Decode(&row); err != nil {
			if err == io.EOF {
				break
			}
			var perr *csv.ParseError
			if eris.As(err, &perr) {
				return nil, stats, eris.Wrapf(err, "normalize: registry csv line %d", perr.Line)
			}
			stats.Rows++
			stats.Malformed++
			zap.L().Debug("normalize: skipping registry row", zap.Error(err))
			continue
		}
		stats.Rows++

		if row.EntityType != "1" || clean(row.DeactivationDate) != "" || !hasPrefix(row.Taxonomy, taxonomyPrefixes) {
			stats.Filtered++
			continue
		}
		id, err := row.identity()
		if err != nil {
			stats.Malformed++
			zap.L().Debug("normalize: skipping registry row",
				zap.String("npi", row.NPI), zap.Error(err))
			continue
		}
		out = append(out, id)
		stats.Kept++
	}
	return out, stats, nil
}

func (r npiRow) identity() (model.RegistryIdentity, error) {
	npi := clean(r.NPI)
	if len(npi) != 10 {
		return model.RegistryIdentity{}, eris.Errorf("normalize: bad npi %q", r.NPI)
	}
	enumerated, err := parseDate(r.EnumerationDate, "01/02/2006", "2006-01-02")
	if err != nil {
		return model.RegistryIdentity{}, eris.Wrap(err, "enumeration date")
	}
	return model.RegistryIdentity{
		RegistryID: npi,
		FirstName:  clean(r.FirstName),
		LastName:   clean(r.LastName),
		Address: model.Address{
			Line1:      clean(r.Line1),
			City:       clean(r.City),
			Region:     strings.ToUpper(clean(r.State)),
			PostalCode: zip5(r.PostalCode),
		},
		Phone:           clean(r.Phone),
		TaxonomyCode:    clean(r.Taxonomy),
		EnumerationDate: enumerated,
	}, nil
}

func hasPrefix(s string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// zip5 trims NPPES nine-digit postal codes to five.
func zip5(s string) string {
	s = clean(s)
	if len(s) == 9 && !strings.ContainsAny(s, "- ") {
		return s[:5]
	}
	return s
}
