package normalize

import (
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/license-recon/internal/model"
)

// SourceFlorida is the Florida DOH MQA practitioner export.
const SourceFlorida = "fl_license"

var floridaTypes = map[string]string{
	"DEN": "dentist",
	"DH":  "hygienist",
	"DN":  "dental_lab",
}

// floridaStatus covers the MQA status labels StatusFromText misreads.
var floridaStatus = map[string]model.StatusCategory{
	"CLEAR/ACTIVE":  model.StatusActive,
	"NULL AND VOID": model.StatusClosed,
}

// FloridaStatus maps an MQA status label to a category.
func FloridaStatus(s string) model.StatusCategory {
	if c, ok := floridaStatus[strings.ToUpper(clean(s))]; ok {
		return c
	}
	return StatusFromText(s)
}

// Florida reads MQA rows. Files that mix professions carry ProfessionCode;
// single-profession downloads fall back to ProfessionalType.
type Florida struct {
	ProfessionalType string
}

// Source implements Adapter.
func (Florida) Source() string { return SourceFlorida }

// License implements Adapter.
func (a Florida) License(row map[string]string) (model.LicenseRecord, error) {
	ptype := a.ProfessionalType
	if code := strings.ToUpper(clean(row["ProfessionCode"])); code != "" {
		var ok bool
		if ptype, ok = floridaTypes[code]; !ok {
			return model.LicenseRecord{}, ErrSkip
		}
	}
	if ptype == "" {
		return model.LicenseRecord{}, eris.New("normalize: fl_license row has no ProfessionCode")
	}
	if err := requireFields(row, "LicenseNumber"); err != nil {
		return model.LicenseRecord{}, err
	}

	status := clean(row["Status"])
	rec := model.LicenseRecord{
		Key: model.LicenseKey{
			Jurisdiction:     "FL",
			ProfessionalType: ptype,
			LicenseNumber:    strings.ToUpper(clean(row["LicenseNumber"])),
		},
		StatusCode: status,
		Status:     FloridaStatus(status),
		Address: model.Address{
			Line1:      clean(row["Address"]),
			City:       clean(row["City"]),
			Region:     strings.ToUpper(clean(row["State"])),
			PostalCode: clean(row["ZipCode"]),
			County:     clean(row["County"]),
		},
	}
	rec.LastName, rec.FirstName = splitFloridaName(row["Name"])
	if rec.LastName == "" {
		return model.LicenseRecord{}, keyed(rec.Key, eris.New("normalize: missing Name"))
	}

	var err error
	layouts := []string{"01/02/2006", "1/2/2006", "2006-01-02"}
	if rec.IssueDate, err = parseDate(row["OriginalIssueDate"], layouts...); err != nil {
		return model.LicenseRecord{}, keyed(rec.Key, eris.Wrap(err, "OriginalIssueDate"))
	}
	if rec.ExpirationDate, err = parseDate(row["ExpirationDate"], layouts...); err != nil {
		return model.LicenseRecord{}, keyed(rec.Key, eris.Wrap(err, "ExpirationDate"))
	}
	return rec, nil
}

// splitFloridaName splits "LAST, FIRST MIDDLE". The middle name is dropped.
func splitFloridaName(s string) (last, first string) {
	last, rest, _ := strings.Cut(clean(s), ",")
	if f := strings.Fields(rest); len(f) > 0 {
		first = f[0]
	}
	return strings.TrimSpace(last), first
}
