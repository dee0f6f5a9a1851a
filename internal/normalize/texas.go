package normalize

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/license-recon/internal/model"
)

// SourceTexas is the Texas State Board of Dental Examiners export.
const SourceTexas = "tx_license"

// Texas status codes. Codes outside these sets fall back to LIC_STA_DESC.
var (
	texasActive = map[int]bool{20: true, 46: true, 70: true} // active, active/probate, charity
	texasLapsed = map[int]bool{45: true, 48: true, 60: true} // expired, expired-nsf, cancelled
)

// TexasStatus maps a LIC_STA_CDE code and its description to a category.
func TexasStatus(code int, desc string) model.StatusCategory {
	switch {
	case texasActive[code]:
		return model.StatusActive
	case texasLapsed[code]:
		return model.StatusLapsed
	default:
		return StatusFromText(desc)
	}
}

// Texas reads one board CSV. The board publishes one file per profession.
type Texas struct {
	ProfessionalType string
}

// Source implements Adapter.
func (Texas) Source() string { return SourceTexas }

// License implements Adapter.
func (a Texas) License(row map[string]string) (model.LicenseRecord, error) {
	if err := requireFields(row, "LIC_NBR"); err != nil {
		return model.LicenseRecord{}, err
	}
	// The hygienist file misspells the last-name header.
	last := clean(row["LAST_NME"])
	if last == "" {
		last = clean(row["LAST_MNE"])
	}

	rec := model.LicenseRecord{
		Key: model.LicenseKey{
			Jurisdiction:     "TX",
			ProfessionalType: a.ProfessionalType,
			LicenseNumber:    clean(row["LIC_NBR"]),
		},
		StatusCode: clean(row["LIC_STA_CDE"]),
		FirstName:  clean(row["FIRST_NME"]),
		LastName:   last,
		Address: model.Address{
			Line1:      clean(row["ADDRESS1"]),
			City:       clean(row["CITY"]),
			Region:     strings.ToUpper(clean(row["STATE"])),
			PostalCode: clean(row["ZIP"]),
			County:     clean(row["COUNTY"]),
		},
		Specialty: clean(row["SPECIALTY"]),
	}

	code, err := strconv.Atoi(rec.StatusCode)
	if rec.StatusCode != "" && err != nil {
		return model.LicenseRecord{}, keyed(rec.Key, eris.Errorf("normalize: bad LIC_STA_CDE %q", rec.StatusCode))
	}
	rec.Status = TexasStatus(code, row["LIC_STA_DESC"])

	if rec.IssueDate, err = parseDate(row["LIC_ORIG_DTE"], "01/02/2006", "1/2/2006"); err != nil {
		return model.LicenseRecord{}, keyed(rec.Key, eris.Wrap(err, "LIC_ORIG_DTE"))
	}
	if rec.ExpirationDate, err = parseDate(row["LIC_EXPR_DTE"], "01/02/2006", "1/2/2006"); err != nil {
		return model.LicenseRecord{}, keyed(rec.Key, eris.Wrap(err, "LIC_EXPR_DTE"))
	}
	return rec, nil
}
