package countries

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"circularity-platform/internal/models"
	"circularity-platform/pkg/logging"
)

func TestToISO(t *testing.T) {
	m := Default(logging.Discard())

	tests := []struct {
		source models.Source
		native string
		want   string
	}{
		{models.SourceProdcom, "004", "DE"},
		{models.SourceProdcom, "4", "DE"},
		{models.SourceProdcom, "DE", "DE"},
		{models.SourceProdcom, "EL", "GR"},
		{models.SourceProdcom, "2027", EUAggregate},
		{models.SourceComext, "DE", "DE"},
		{models.SourceComext, "de", "DE"},
		{models.SourceComext, "EL", "GR"},
		{models.SourceComext, "GR", "GR"},
		{models.SourceComext, "UK", "GB"},
		{models.SourceComext, "EU27_2020", EUAggregate},
	}
	for _, tt := range tests {
		t.Run(string(tt.source)+"/"+tt.native, func(t *testing.T) {
			assert.Equal(t, tt.want, m.ToISO(tt.source, tt.native))
		})
	}
}

func TestToISOUnknownPassesThroughWithWarning(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewStructuredLogger("test", "0", logging.DebugLevel)
	logger.SetOutput(&buf)
	m := Default(logger)

	assert.Equal(t, "XX", m.ToISO(models.SourceComext, "XX"))
	assert.Equal(t, "XX", m.ToISO(models.SourceComext, "XX"))
	assert.Equal(t, 1, strings.Count(buf.String(), "COUNTRY_UNMAPPED"))
}

func TestNewRejectsAmbiguousISO(t *testing.T) {
	_, err := New([]models.CountryMapping{
		{SourceSystem: models.SourceComext, NativeCode: "EL", ISOCode: "GR"},
		{SourceSystem: models.SourceComext, NativeCode: "GR", ISOCode: "GR"},
	}, logging.Discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "historical")

	m, err := New([]models.CountryMapping{
		{SourceSystem: models.SourceComext, NativeCode: "EL", ISOCode: "GR", DisplayName: "Greece"},
		{SourceSystem: models.SourceComext, NativeCode: "GR", ISOCode: "GR", Historical: true},
		// the same ISO in another source is independent
		{SourceSystem: models.SourceProdcom, NativeCode: "009", ISOCode: "GR"},
	}, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, "Greece", m.DisplayName("GR"))
	assert.Len(t, m.Mappings(), 3)
}

func TestNewRejectsDuplicateNativeCode(t *testing.T) {
	_, err := New([]models.CountryMapping{
		{SourceSystem: models.SourceProdcom, NativeCode: "004", ISOCode: "DE"},
		{SourceSystem: models.SourceProdcom, NativeCode: "4", ISOCode: "AT"},
	}, logging.Discard())
	require.Error(t, err)
}

func TestEUMembership(t *testing.T) {
	assert.True(t, IsEUAggregate(EUAggregate))
	assert.False(t, IsEUMember(EUAggregate))
	assert.True(t, IsEUMember("DE"))
	assert.False(t, IsEUMember("GB"))
	assert.False(t, IsEUMember("NO"))
}
