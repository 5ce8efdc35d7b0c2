package harmonize

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"circularity-platform/internal/catalogue"
	"circularity-platform/internal/countries"
	"circularity-platform/internal/extract"
	"circularity-platform/internal/models"
	"circularity-platform/internal/units"
	"circularity-platform/pkg/logging"
)

func fact(product, iso string, m models.Metric, v models.Measure) extract.Fact {
	return extract.Fact{ProductCode: product, CountryISO: iso, Metric: m, Value: v}
}

func find(t *testing.T, res *Result, product, iso string, lvl models.Level) models.HarmonizedRow {
	t.Helper()
	for _, r := range res.Rows {
		if r.ProductCode == product && r.CountryISO == iso && r.Level == lvl {
			return r
		}
	}
	t.Fatalf("no %s row for %s/%s", lvl, product, iso)
	return models.HarmonizedRow{}
}

// scenario runs raw rows through extraction and harmonization.
func scenario(t *testing.T, prodcom, comext []models.RawObservation) *Result {
	t.Helper()
	log := logging.Discard()
	cat, err := catalogue.New([]models.ProductCatalogEntry{
		{ProductID: 1, ProductionCode: "28211330", TradeCodes: []string{"841869"}, ValidFrom: 2010},
	}, log)
	require.NoError(t, err)
	conv, err := units.NewConverter(nil, map[string]float64{"28211330": 0.1})
	require.NoError(t, err)

	ex := extract.New(cat, countries.Default(log), log)
	ctx := context.Background()
	pf, _ := ex.Production(ctx, prodcom, 2020, conv)
	tf, _ := ex.Trade(ctx, comext, 2020, conv)

	res, err := NewEngine(log).Harmonize(ctx, Input{Year: 2020, Production: pf.Production, OwnTrade: pf.OwnTrade, Trade: tf})
	require.NoError(t, err)
	return res
}

func raw(dataset, product, reporter, flow, indicator, value string) models.RawObservation {
	return models.RawObservation{DatasetID: dataset, TimePeriod: "2020", ProductCode: product,
		ReportingEntityCode: reporter, Flow: flow, Partner: "WORLD", IndicatorCode: indicator, Value: value}
}

func TestHarmonizeEndToEndScenario(t *testing.T) {
	prodcom := []models.RawObservation{
		raw("DS-056120", "28211330", "DE", "", "PRODQNT", "1000"),
		raw("DS-056120", "28211330", "DE", "", "QNTUNIT", "p/st"),
		// the production source's own export figure must not override a
		// trade-confirmed zero
		raw("DS-056120", "28211330", "DE", "", "EXPQNT", "200"),
	}
	comext := []models.RawObservation{
		raw("DS-045409", "841869", "DE", "1", "QUANTITY_IN_KG", "50000"),
		raw("DS-045409", "841869", "DE", "2", "QUANTITY_IN_KG", "0"),
	}

	res := scenario(t, prodcom, comext)
	row := find(t, res, "28211330", "DE", models.LevelCountry)

	assert.InDelta(t, 100.0, row.ProductionVolumeT.V, 1e-9)
	assert.InDelta(t, 50.0, row.ImportVolumeT.V, 1e-9)
	require.True(t, row.ExportVolumeT.Valid)
	assert.Equal(t, 0.0, row.ExportVolumeT.V)
	assert.Equal(t, models.ProvenanceComext, row.SourceFlags[models.ExportVolume])
	assert.Equal(t, models.ProvenanceProdcom, row.SourceFlags[models.ProductionVolume])
	assert.Empty(t, res.Fills)
}

func TestHarmonizeFallbackScenario(t *testing.T) {
	prodcom := []models.RawObservation{
		raw("DS-056120", "28211330", "DE", "", "PRODQNT", "1000"),
		raw("DS-056120", "28211330", "DE", "", "QNTUNIT", "p/st"),
		raw("DS-056120", "28211330", "DE", "", "EXPQNT", "200"),
	}
	comext := []models.RawObservation{
		raw("DS-045409", "841869", "DE", "1", "QUANTITY_IN_KG", "50000"),
	}

	res := scenario(t, prodcom, comext)
	row := find(t, res, "28211330", "DE", models.LevelCountry)

	assert.InDelta(t, 20.0, row.ExportVolumeT.V, 1e-9)
	assert.Equal(t, models.ProvenanceFallback, row.SourceFlags[models.ExportVolume])
	require.Len(t, res.Fills, 2, "country and synthesized EU rows each fill once")
	assert.Equal(t, models.LevelCountry, res.Fills[0].Level)
	assert.Equal(t, models.ExportVolume, res.Fills[0].Metric)
}

func TestHarmonizeMappingGapProducesNoRows(t *testing.T) {
	prodcom := []models.RawObservation{
		raw("DS-056120", "99999999", "DE", "", "PRODVAL", "10"),
	}
	res := scenario(t, prodcom, nil)
	assert.Empty(t, res.Rows)
}

func TestFallbackEligibility(t *testing.T) {
	const p = "28211330"
	own := []extract.Fact{
		fact(p, "DE", models.ExportVolume, models.Some(5)),
		fact(p, "DE", models.ImportVolume, models.Some(7)),
		fact(p, "DE", models.ImportValue, models.Some(9)),
		fact(p, "DE", models.ExportValue, models.Some(0)),
	}
	trade := []extract.Fact{
		// confidential: eligible
		fact(p, "DE", models.ExportVolume, models.Missing),
		// reported non-zero: authoritative
		fact(p, "DE", models.ImportVolume, models.Some(3)),
		// reported zero: authoritative
		fact(p, "DE", models.ImportValue, models.Some(0)),
	}

	res, err := NewEngine(logging.Discard()).Harmonize(context.Background(), Input{Year: 2020, OwnTrade: own, Trade: trade})
	require.NoError(t, err)
	row := find(t, res, p, "DE", models.LevelCountry)

	assert.Equal(t, models.Some(5), row.ExportVolumeT)
	assert.Equal(t, models.ProvenanceFallback, row.SourceFlags[models.ExportVolume])
	assert.Equal(t, models.Some(3), row.ImportVolumeT)
	assert.Equal(t, models.Some(0), row.ImportValueEUR)
	// placeholder with a zero own indicator keeps the trade default
	assert.Equal(t, models.Some(0), row.ExportValueEUR)
	assert.Equal(t, models.ProvenanceComext, row.SourceFlags[models.ExportValue])
}

func TestUnreportedTradeMetricDefaultsToZero(t *testing.T) {
	prodcom := []models.RawObservation{
		raw("DS-056120", "28211330", "DE", "", "PRODQNT", "1000"),
		raw("DS-056120", "28211330", "DE", "", "QNTUNIT", "p/st"),
	}
	comext := []models.RawObservation{
		raw("DS-045409", "841869", "DE", "1", "QUANTITY_IN_KG", "50000"),
	}

	res := scenario(t, prodcom, comext)
	row := find(t, res, "28211330", "DE", models.LevelCountry)

	assert.Equal(t, models.Some(0), row.ExportVolumeT)
	assert.Equal(t, models.Some(0), row.ImportValueEUR)
	assert.Equal(t, models.Some(0), row.ExportValueEUR)
	assert.Equal(t, models.ProvenanceComext, row.SourceFlags[models.ExportVolume])
	assert.InDelta(t, 50.0, row.ImportVolumeT.V, 1e-9)
	assert.InDelta(t, 100.0, row.ProductionVolumeT.V, 1e-9)
	assert.Empty(t, res.Fills)

	ac := row.ProductionVolumeT.Add(row.ImportVolumeT).Sub(row.ExportVolumeT)
	require.True(t, ac.Valid)
	assert.InDelta(t, 150.0, ac.V, 1e-9)
}

func TestNoSilentZeroCoercion(t *testing.T) {
	const p = "28211330"
	res, err := NewEngine(logging.Discard()).Harmonize(context.Background(), Input{
		Year: 2020,
		Trade: []extract.Fact{
			fact(p, "FR", models.ImportVolume, models.Some(12)),
			fact(p, "FR", models.ExportVolume, models.Missing),
		},
		Production: []extract.Fact{
			fact(p, "FR", models.ProductionVolume, models.Missing),
		},
	})
	require.NoError(t, err)

	row := find(t, res, p, "FR", models.LevelCountry)
	for _, m := range []models.Metric{models.ProductionVolume, models.ProductionValue, models.ExportVolume} {
		assert.False(t, row.Get(m).Valid, "%s should be NULL, got %v", m, row.Get(m))
	}
}

func TestCombineAcrossCodes(t *testing.T) {
	const p = "28211330"
	res, err := NewEngine(logging.Discard()).Harmonize(context.Background(), Input{
		Year: 2020,
		Trade: []extract.Fact{
			fact(p, "DE", models.ImportVolume, models.Some(10)),
			fact(p, "DE", models.ImportVolume, models.Some(5)),
			fact(p, "IT", models.ImportVolume, models.Some(10)),
			fact(p, "IT", models.ImportVolume, models.Missing),
		},
	})
	require.NoError(t, err)

	assert.Equal(t, models.Some(15), find(t, res, p, "DE", models.LevelCountry).ImportVolumeT)
	assert.False(t, find(t, res, p, "IT", models.LevelCountry).ImportVolumeT.Valid,
		"a suppressed contribution makes the sum unknown")
}

func TestEULevel(t *testing.T) {
	engine := NewEngine(logging.Discard())
	ctx := context.Background()

	t.Run("synthesized from members", func(t *testing.T) {
		res, err := engine.Harmonize(ctx, Input{
			Year: 2020,
			Trade: []extract.Fact{
				fact("A", "DE", models.ImportVolume, models.Some(10)),
				fact("A", "FR", models.ImportVolume, models.Some(5)),
				// not a member
				fact("A", "NO", models.ImportVolume, models.Some(100)),
			},
			Production: []extract.Fact{
				fact("A", "DE", models.ProductionVolume, models.Some(1)),
			},
		})
		require.NoError(t, err)
		eu := find(t, res, "A", countries.EUAggregate, models.LevelEUAggregate)
		assert.Equal(t, models.Some(15), eu.ImportVolumeT)
		assert.Equal(t, models.Some(1), eu.ProductionVolumeT)
	})

	t.Run("published aggregate wins", func(t *testing.T) {
		res, err := engine.Harmonize(ctx, Input{
			Year: 2020,
			Trade: []extract.Fact{
				fact("A", "DE", models.ImportVolume, models.Some(10)),
				fact("A", countries.EUAggregate, models.ImportVolume, models.Some(8)),
			},
		})
		require.NoError(t, err)
		assert.Equal(t, models.Some(8), find(t, res, "A", countries.EUAggregate, models.LevelEUAggregate).ImportVolumeT)
		for _, r := range res.Rows {
			assert.False(t, r.Level == models.LevelCountry && r.CountryISO == countries.EUAggregate,
				"EU rows never appear at country level")
		}
	})

	t.Run("fallback runs per level", func(t *testing.T) {
		res, err := engine.Harmonize(ctx, Input{
			Year: 2020,
			Trade: []extract.Fact{
				fact("A", "DE", models.ExportVolume, models.Some(4)),
				fact("A", "FR", models.ImportVolume, models.Some(6)),
				fact("A", "FR", models.ExportVolume, models.Missing),
			},
			OwnTrade: []extract.Fact{
				fact("A", countries.EUAggregate, models.ExportVolume, models.Some(30)),
			},
		})
		require.NoError(t, err)

		fr := find(t, res, "A", "FR", models.LevelCountry)
		assert.Equal(t, models.Some(6), fr.ImportVolumeT)
		assert.False(t, fr.ExportVolumeT.Valid, "no national own indicator for FR")

		eu := find(t, res, "A", countries.EUAggregate, models.LevelEUAggregate)
		assert.Equal(t, models.Some(30), eu.ExportVolumeT)
		assert.Equal(t, models.ProvenanceFallback, eu.SourceFlags[models.ExportVolume])
	})
}

func TestAllMissingRowsDropped(t *testing.T) {
	res, err := NewEngine(logging.Discard()).Harmonize(context.Background(), Input{
		Year: 2020,
		Production: []extract.Fact{
			fact("A", "CH", models.ProductionVolume, models.Missing),
		},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Rows)
	assert.Equal(t, 1, res.Dropped)
}

func TestHarmonizeIsDeterministic(t *testing.T) {
	in := Input{Year: 2020}
	for _, iso := range []string{"SE", "DE", "AT", "FR", "PL", "IT"} {
		for _, p := range []string{"B", "A", "C"} {
			in.Trade = append(in.Trade, fact(p, iso, models.ImportVolume, models.Some(1)))
			in.OwnTrade = append(in.OwnTrade, fact(p, iso, models.ExportVolume, models.Some(2)))
		}
	}
	engine := NewEngine(logging.Discard())
	first, err := engine.Harmonize(context.Background(), in)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := engine.Harmonize(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, "A", first.Rows[0].ProductCode)
	assert.Equal(t, "AT", first.Rows[0].CountryISO)
}

func TestCheckMonotone(t *testing.T) {
	before := metricSlots{models.ExportVolume: {state: reported, value: 7}}

	err := checkMonotone(before, metricSlots{models.ExportVolume: {state: filled, value: 9}})
	require.NotNil(t, err)
	assert.Equal(t, models.ExportVolume, err.Metric)

	err = checkMonotone(metricSlots{models.ProductionVolume: {state: absent}},
		metricSlots{models.ProductionVolume: {state: filled, value: 1}})
	require.NotNil(t, err)

	err = checkMonotone(metricSlots{models.ImportVolume: {state: placeholder}},
		metricSlots{models.ImportVolume: {state: reported, value: 1}})
	require.NotNil(t, err)

	assert.Nil(t, checkMonotone(before, cloneSlots(before)))

	var target *InvariantError
	var wrapped error = &InvariantError{Metric: models.ImportValue, Reason: "x"}
	assert.True(t, errors.As(wrapped, &target))
}
