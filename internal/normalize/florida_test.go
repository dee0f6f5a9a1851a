package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/license-recon/internal/model"
)

func floridaRow() map[string]string {
	return map[string]string{
		"ProfessionCode":    "DEN",
		"LicenseNumber":     "dn 12345",
		"Name":              "GARCIA, MARIA  ELENA",
		"Status":            "Clear/Active",
		"Address":           "200 Brickell Ave",
		"City":              "Miami",
		"State":             "fl",
		"ZipCode":           "33131",
		"County":            "Miami-Dade",
		"OriginalIssueDate": "06/01/2015",
		"ExpirationDate":    "02/28/2026",
	}
}

func TestFlorida_License(t *testing.T) {
	rec, err := Florida{}.License(floridaRow())
	require.NoError(t, err)

	assert.Equal(t, "FL:dentist:DN 12345", rec.Key.String())
	assert.Equal(t, "GARCIA", rec.LastName)
	assert.Equal(t, "MARIA", rec.FirstName)
	assert.Equal(t, model.StatusActive, rec.Status)
	assert.Equal(t, "Clear/Active", rec.StatusCode)
	assert.Equal(t, "FL", rec.Address.Region)
	assert.Equal(t, "Miami-Dade", rec.Address.County)
	require.NotNil(t, rec.IssueDate)
	assert.Equal(t, time.Date(2015, 6, 1, 0, 0, 0, 0, time.UTC), *rec.IssueDate)
}

func TestFlorida_ProfessionCodes(t *testing.T) {
	row := floridaRow()
	row["ProfessionCode"] = "DH"
	rec, err := Florida{}.License(row)
	require.NoError(t, err)
	assert.Equal(t, "hygienist", rec.Key.ProfessionalType)

	row["ProfessionCode"] = "MD"
	_, err = Florida{}.License(row)
	assert.ErrorIs(t, err, ErrSkip)

	delete(row, "ProfessionCode")
	_, err = Florida{}.License(row)
	assert.Error(t, err)

	rec, err = Florida{ProfessionalType: "dentist"}.License(row)
	require.NoError(t, err)
	assert.Equal(t, "dentist", rec.Key.ProfessionalType)
}

func TestFloridaStatus(t *testing.T) {
	tests := []struct {
		in   string
		want model.StatusCategory
	}{
		{"Clear/Active", model.StatusActive},
		{"Null and Void", model.StatusClosed},
		{"Voluntary Inactive", model.StatusLapsed},
		{"Expired", model.StatusExpired},
		{"Revoked", model.StatusClosed},
		{"Suspended", model.StatusSuspended},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FloridaStatus(tt.in), tt.in)
	}
}

func TestFlorida_MalformedRowKeepsKey(t *testing.T) {
	row := floridaRow()
	row["ExpirationDate"] = "2026-02-30"

	_, err := Florida{}.License(row)
	var re *RowError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "FL:dentist:DN 12345", re.Key.String())
}
