package normalize

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

const npiHeader = `"NPI","Entity Type Code","Provider Last Name (Legal Name)","Provider First Name","Provider First Line Business Practice Location Address","Provider Business Practice Location Address City Name","Provider Business Practice Location Address State Name","Provider Business Practice Location Address Postal Code","Provider Business Practice Location Address Telephone Number","Provider Enumeration Date","NPI Deactivation Date","Healthcare Provider Taxonomy Code_1"`

func TestReadRegistry(t *testing.T) {
	csvData := strings.Join([]string{
		npiHeader,
		`"1234567890","1","DOE","JANE","100 MAIN ST","AUSTIN","tx","787011234","5125550100","03/15/2019","","1223G0001X"`,
		`"1234567891","2","ACME DENTAL","","1 ELM","AUSTIN","TX","78701","","03/15/2019","","1223G0001X"`,
		`"1234567892","1","ROE","RICK","2 OAK","DALLAS","TX","75201","","03/15/2019","","207Q00000X"`,
		`"1234567893","1","GONE","GARY","3 PINE","DALLAS","TX","75201","","03/15/2019","01/01/2024","1223G0001X"`,
		`"123","1","SHORT","SAM","4 ASH","DALLAS","TX","75201","","03/15/2019","","124Q00000X"`,
		`"1234567894","1","SMITH","AMY","5 BIRCH","HOUSTON","TX","77001","","2019-03-15","","124Q00000X"`,
		`"1234567895","1","TOO","FEW"`,
	}, "\n")

	ids, stats, err := ReadRegistry(context.Background(), strings.NewReader(csvData), DentalTaxonomyPrefixes)
	require.NoError(t, err)

	require.Len(t, ids, 2)
	assert.Equal(t, "1234567890", ids[0].RegistryID)
	assert.Equal(t, "JANE", ids[0].FirstName)
	assert.Equal(t, "TX", ids[0].Address.Region)
	assert.Equal(t, "78701", ids[0].Address.PostalCode)
	assert.Equal(t, "5125550100", ids[0].Phone)
	require.NotNil(t, ids[0].EnumerationDate)
	assert.Equal(t, time.Date(2019, 3, 15, 0, 0, 0, 0, time.UTC), *ids[0].EnumerationDate)
	assert.Equal(t, "124Q00000X", ids[1].TaxonomyCode)

	assert.Equal(t, RegistryStats{Rows: 7, Kept: 2, Filtered: 3, Malformed: 2}, stats)
}

func TestReadRegistry_NoPrefixesKeepsIndividuals(t *testing.T) {
	csvData := npiHeader + "\n" +
		`"1234567892","1","ROE","RICK","2 OAK","DALLAS","TX","75201","","03/15/2019","","207Q00000X"` + "\n"

	ids, _, err := ReadRegistry(context.Background(), strings.NewReader(csvData), nil)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestReadRegistry_EmptyInput(t *testing.T) {
	_, _, err := ReadRegistry(context.Background(), strings.NewReader(""), nil)
	assert.Error(t, err)
}

func TestReadRegistry_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := ReadRegistry(ctx, strings.NewReader(npiHeader+"\n"), nil)
	assert.Error(t, err)
}
