package normalize

import (
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/license-recon/internal/model"
)

// SourceColorado is the Colorado DORA professional license dataset.
const SourceColorado = "co_license"

var coloradoTypes = map[string]string{
	"DEN":   "dentist",
	"T-DEN": "dentist",
	"MSDEN": "dentist",
	"DH":    "hygienist",
	"T-DH":  "hygienist",
}

// Colorado reads rows from the data.colorado.gov Socrata resource.
type Colorado struct{}

// Source implements Adapter.
func (Colorado) Source() string { return SourceColorado }

// License implements Adapter.
func (Colorado) License(row map[string]string) (model.LicenseRecord, error) {
	ptype, ok := coloradoTypes[strings.ToUpper(clean(row["licensetype"]))]
	if !ok {
		return model.LicenseRecord{}, ErrSkip
	}
	if err := requireFields(row, "licensenumber"); err != nil {
		return model.LicenseRecord{}, err
	}

	status := clean(row["licensestatusdescription"])
	rec := model.LicenseRecord{
		Key: model.LicenseKey{
			Jurisdiction:     "CO",
			ProfessionalType: ptype,
			LicenseNumber:    clean(row["licensenumber"]),
		},
		StatusCode: status,
		Status:     StatusFromText(status),
		FirstName:  clean(row["firstname"]),
		LastName:   clean(row["lastname"]),
		Address: model.Address{
			City:       clean(row["city"]),
			Region:     strings.ToUpper(clean(row["state"])),
			PostalCode: clean(row["mailzipcode"]),
		},
	}

	if err := requireFields(row, "lastname"); err != nil {
		return model.LicenseRecord{}, keyed(rec.Key, err)
	}

	var err error
	layouts := []string{"2006-01-02T15:04:05.000", "2006-01-02T15:04:05", "2006-01-02"}
	if rec.IssueDate, err = parseDate(row["licensefirstissuedate"], layouts...); err != nil {
		return model.LicenseRecord{}, keyed(rec.Key, eris.Wrap(err, "licensefirstissuedate"))
	}
	if rec.ExpirationDate, err = parseDate(row["licenseexpirationdate"], layouts...); err != nil {
		return model.LicenseRecord{}, keyed(rec.Key, eris.Wrap(err, "licenseexpirationdate"))
	}
	return rec, nil
}
