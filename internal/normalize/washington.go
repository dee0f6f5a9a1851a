package normalize

import (
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/license-recon/internal/model"
)

// SourceWashington is the WA Department of Health credential dataset.
const SourceWashington = "wa_license"

// washingtonType maps a WA credential type to a professional type.
// Endorsements and non-dental credentials return false.
func washingtonType(credential string) (string, bool) {
	switch {
	case strings.HasSuffix(credential, "Endorsement"):
		return "", false
	case strings.HasPrefix(credential, "Dentist "):
		return "dentist", true
	case strings.HasPrefix(credential, "Dental Hygiene "):
		return "hygienist", true
	case strings.HasPrefix(credential, "Dental Assistant "),
		strings.HasPrefix(credential, "Dental Anesthesia Assistant "),
		credential == "Expanded Function Dental Auxiliary License":
		return "dental_assistant", true
	case strings.HasPrefix(credential, "Denturist "):
		return "denturist", true
	default:
		return "", false
	}
}

// Washington reads rows from the data.wa.gov Socrata resource.
type Washington struct{}

// Source implements Adapter.
func (Washington) Source() string { return SourceWashington }

// License implements Adapter.
func (Washington) License(row map[string]string) (model.LicenseRecord, error) {
	ptype, ok := washingtonType(clean(row["credentialtype"]))
	if !ok {
		return model.LicenseRecord{}, ErrSkip
	}
	if err := requireFields(row, "credentialnumber"); err != nil {
		return model.LicenseRecord{}, err
	}

	rec := model.LicenseRecord{
		Key: model.LicenseKey{
			Jurisdiction:     "WA",
			ProfessionalType: ptype,
			LicenseNumber:    clean(row["credentialnumber"]),
		},
		StatusCode:   clean(row["status"]),
		Status:       StatusFromText(row["status"]),
		FirstName:    clean(row["firstname"]),
		LastName:     clean(row["lastname"]),
		Address:      model.Address{Region: "WA"},
		Disciplinary: strings.EqualFold(clean(row["actiontaken"]), "yes"),
	}

	if err := requireFields(row, "lastname"); err != nil {
		return model.LicenseRecord{}, keyed(rec.Key, err)
	}

	var err error
	if rec.IssueDate, err = parseDate(row["firstissuedate"], "20060102", "2006-01-02T15:04:05.000", "2006-01-02"); err != nil {
		return model.LicenseRecord{}, keyed(rec.Key, eris.Wrap(err, "firstissuedate"))
	}
	if rec.ExpirationDate, err = parseDate(row["expirationdate"], "20060102", "2006-01-02T15:04:05.000", "2006-01-02"); err != nil {
		return model.LicenseRecord{}, keyed(rec.Key, eris.Wrap(err, "expirationdate"))
	}
	return rec, nil
}
