package params

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"circularity-platform/internal/config"
	"circularity-platform/internal/models"
	"circularity-platform/pkg/logging"
)

func pctOf(s string) config.Percent {
	return config.Percent{Decimal: decimal.RequireFromString(s)}
}

func fixture() (*config.CatalogueFile, *config.RatesFile) {
	w := 0.012
	cat := &config.CatalogueFile{
		Products: []config.ProductSpec{
			{
				ID: 1, Name: "Washing machines", ProductionCode: "28.21.13.30",
				TradeCodes: []string{"841869"}, ValidFrom: 2015, WeightPerUnitT: &w,
				Composition: []models.MaterialShare{{Material: "steel", Share: 0.6}, {Material: "copper", Share: 0.1}},
			},
			{
				ID: 2, Name: "Laptops", ProductionCode: "26201100",
				TradeCodes: []string{"847130"}, ValidFrom: 2015,
			},
		},
		UnitRules: []models.UnitConversionRule{{UnitLabel: "kg", FactorToTonnes: 0.001, Method: models.MethodDirect}},
		Materials: []config.MaterialSpec{{Name: "steel", RecoveryRate: 0.9}, {Name: "copper", RecoveryRate: 0.5}},
	}
	rates := &config.RatesFile{Rates: []config.RateSpec{
		{ProductCode: "28211330", Strategy: models.StrategyRecycling, CurrentRatePct: pctOf("40"), PotentialRatePct: pctOf("80")},
		{ProductCode: "28211330", Strategy: models.StrategyRefurbishment, CurrentRatePct: pctOf("5"), PotentialRatePct: pctOf("20")},
	}}
	return cat, rates
}

func sources() Sources {
	return Sources{ProdcomDataset: "DS-056120", ComextDataset: "DS-045409"}
}

func TestBuild(t *testing.T) {
	cat, rates := fixture()
	p, err := Build(sources(), cat, rates, logging.Discard())
	require.NoError(t, err)

	assert.Equal(t, "DS-056120", p.ProdcomDataset())
	assert.Equal(t, "DS-045409", p.ComextDataset())
	assert.Len(t, p.ConfigHash(), 16)

	r, ok := p.Rate("28211330", models.StrategyRefurbishment)
	require.True(t, ok)
	assert.True(t, r.PotentialRatePct.Equal(decimal.NewFromInt(20)))

	_, ok = p.Rate("26201100", models.StrategyRecycling)
	assert.False(t, ok)

	all := p.Rates()
	require.Len(t, all, 2)
	assert.Equal(t, models.StrategyRecycling, all[0].Strategy)
	assert.Equal(t, models.StrategyRefurbishment, all[1].Strategy)

	w, ok := p.Converter().UnitWeight("28211330")
	require.True(t, ok)
	assert.Equal(t, 0.012, w)
}

func TestConfigHashIsStableAndSensitive(t *testing.T) {
	cat, rates := fixture()
	a, err := Build(sources(), cat, rates, logging.Discard())
	require.NoError(t, err)
	b, err := Build(sources(), cat, rates, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, a.ConfigHash(), b.ConfigHash())

	rates.Rates[0].PotentialRatePct = pctOf("81")
	c, err := Build(sources(), cat, rates, logging.Discard())
	require.NoError(t, err)
	assert.NotEqual(t, a.ConfigHash(), c.ConfigHash())
}

func TestBuildCollectsEveryProblem(t *testing.T) {
	cat, rates := fixture()
	cat.Products[1].TradeCodes = nil
	rates.Rates[0].CurrentRatePct = pctOf("90")

	_, err := Build(sources(), cat, rates, logging.Discard())
	require.Error(t, err)

	var ve *models.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, err.Error(), "no trade codes")
	assert.Contains(t, err.Error(), "exceeds potential rate")
}

func TestRecoveryRate(t *testing.T) {
	cat, rates := fixture()
	p, err := Build(sources(), cat, rates, logging.Discard())
	require.NoError(t, err)

	got := p.RecoveryRate("28211330", 2020)
	require.True(t, got.Valid)
	assert.InDelta(t, 0.6*0.9+0.1*0.5, got.V, 1e-12)

	assert.False(t, p.RecoveryRate("26201100", 2020).Valid, "no composition")
	assert.False(t, p.RecoveryRate("28211330", 2010).Valid, "outside epoch")
	assert.False(t, p.RecoveryRate("99999999", 2020).Valid, "unknown product")
}

func TestShippedReferenceFilesBuild(t *testing.T) {
	cfg, err := config.LoadConfig("../../config.yaml")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	cat, err := config.LoadCatalogueFile("../../catalogue.yaml")
	require.NoError(t, err)
	rates, err := config.LoadRatesFile("../../rates.yaml")
	require.NoError(t, err)

	p, err := Build(Sources{
		ProdcomDataset: cfg.Pipeline.ProdcomDataset,
		ComextDataset:  cfg.Pipeline.ComextDataset,
		DeriveWeights:  cfg.Pipeline.DeriveWeights,
	}, cat, rates, logging.Discard())
	require.NoError(t, err)

	assert.Len(t, p.Rates(), 8)
	assert.False(t, p.RecoveryRate("26300000", 2020).Valid)

	phones := p.RecoveryRate("26.30.22.00", 2022)
	require.True(t, phones.Valid)
	assert.InDelta(t, 0.2*0.85+0.3*0.3+0.2*0.6+0.3*0.4, phones.V, 1e-12)
}
