package extract

import (
	"context"
	"errors"
	"sort"
	"strings"

	"circularity-platform/internal/catalogue"
	"circularity-platform/internal/codes"
	"circularity-platform/internal/countries"
	"circularity-platform/internal/models"
	"circularity-platform/internal/units"
	"circularity-platform/pkg/logging"
)

// PRODCOM indicator codes.
const (
	IndProductionQuantity = "PRODQNT"
	IndQuantityUnit       = "QNTUNIT"
	IndProductionValue    = "PRODVAL"
	IndExportQuantity     = "EXPQNT"
	IndExportValue        = "EXPVAL"
	IndImportQuantity     = "IMPQNT"
	IndImportValue        = "IMPVAL"
)

// COMEXT indicator codes.
const (
	IndTradeValue    = "VALUE_IN_EUROS"
	IndTradeMassKG   = "QUANTITY_IN_KG"
	IndTradeSupplQty = "SUPPLEMENTARY_QUANTITY"
)

// partner codes that denote the all-partners total
var totalPartners = map[string]bool{"": true, "WORLD": true, "WO": true, "WLD": true}

// aggregatePartner reports whether a partner code groups other partners
// (EU27_2020_INTRA, EXTRA_EU, EA19, ...). Such rows overlap the bilateral
// country rows and never enter a bilateral sum.
func aggregatePartner(partner string) bool {
	switch {
	case strings.Contains(partner, "INTRA"), strings.Contains(partner, "EXTRA"):
		return true
	case len(partner) > 2 && (strings.HasPrefix(partner, "EU") || strings.HasPrefix(partner, "EA")):
		return true
	}
	return partner == "EU" || partner == "EA"
}

// Observation is one raw row whose value has been classified.
type Observation struct {
	ProductCode string
	Reporter    string
	Flow        string
	Partner     string
	Indicator   string
	Value       Value
}

// Fact is a converted, mapped measurement ready for harmonization. A missing
// Value records a sentinel, which is distinct from an absent fact.
type Fact struct {
	ProductCode string
	CountryISO  string
	Metric      models.Metric
	Value       models.Measure
}

// ProductionFacts splits PRODCOM output into the production metrics proper
// and the source's own trade indicators, which only feed the fallback.
type ProductionFacts struct {
	Production []Fact
	OwnTrade   []Fact
}

// Report counts what an extraction excluded or marked missing.
type Report struct {
	Source        models.Source
	MappingGaps   []string
	Unconvertible map[string]int
	Sentinels     map[string]int
	Unparseable   int
	// OtherPeriod counts rows stamped with a time period outside the year.
	OtherPeriod int

	gapSeen map[string]bool
}

func newReport(src models.Source) *Report {
	return &Report{
		Source:        src,
		Unconvertible: map[string]int{},
		Sentinels:     map[string]int{},
		gapSeen:       map[string]bool{},
	}
}

// UnconvertibleTotal sums unit failures across units.
func (r *Report) UnconvertibleTotal() int {
	n := 0
	for _, v := range r.Unconvertible {
		n += v
	}
	return n
}

// SentinelTotal sums sentinel values across reasons.
func (r *Report) SentinelTotal() int {
	n := 0
	for _, v := range r.Sentinels {
		n += v
	}
	return n
}

// Extractor reconciles raw rows against the reference data.
type Extractor struct {
	catalogue *catalogue.Catalogue
	countries *countries.Mapper
	logger    *logging.StructuredLogger
}

// New creates an Extractor.
func New(cat *catalogue.Catalogue, mapper *countries.Mapper, logger *logging.StructuredLogger) *Extractor {
	return &Extractor{catalogue: cat, countries: mapper, logger: logger}
}

// Extract classifies the values of rows carrying indicator. Numeric and
// sentinel observations are returned; unparseable values are logged and
// dropped.
func (e *Extractor) Extract(ctx context.Context, rows []models.RawObservation, indicator string) ([]Observation, int) {
	var out []Observation
	dropped := 0
	for i := range rows {
		r := &rows[i]
		if !strings.EqualFold(strings.TrimSpace(r.IndicatorCode), indicator) {
			continue
		}
		v := ParseValue(r.Value)
		if v.Kind == Unparseable {
			dropped++
			e.logger.Warn(ctx, "[VALUE_UNPARSEABLE] Dropping raw value", logging.Fields{
				"dataset_id":   r.DatasetID,
				"indicator":    indicator,
				"product_code": r.ProductCode,
				"reporter":     r.ReportingEntityCode,
				"raw_value":    r.Value,
			})
			continue
		}
		out = append(out, Observation{
			ProductCode: codes.NormalizeProductCode(r.ProductCode),
			Reporter:    strings.TrimSpace(r.ReportingEntityCode),
			Flow:        strings.TrimSpace(r.Flow),
			Partner:     strings.ToUpper(strings.TrimSpace(r.Partner)),
			Indicator:   indicator,
			Value:       v,
		})
	}
	return out, dropped
}

// inYear keeps the rows whose time period falls in year. Rows without a time
// period belong to the table's year; rows stamped with another period, or an
// unreadable one, are counted and skipped.
func (e *Extractor) inYear(ctx context.Context, rep *Report, rows []models.RawObservation, year int) []models.RawObservation {
	out := make([]models.RawObservation, 0, len(rows))
	skipped := 0
	for i := range rows {
		r := &rows[i]
		if strings.TrimSpace(r.TimePeriod) != "" {
			if y, err := r.Year(); err != nil || y != year {
				skipped++
				continue
			}
		}
		out = append(out, *r)
	}
	if skipped == 0 {
		return rows
	}
	if rep != nil {
		rep.OtherPeriod += skipped
		e.logger.Warn(ctx, "[PERIOD_MISMATCH] Skipping rows outside the processed year", logging.Fields{
			"source": rep.Source,
			"year":   year,
			"rows":   skipped,
		})
	}
	return out
}

func (e *Extractor) gap(ctx context.Context, rep *Report, code string, year int) {
	if rep.gapSeen[code] {
		return
	}
	rep.gapSeen[code] = true
	rep.MappingGaps = append(rep.MappingGaps, code)
	e.logger.Warn(ctx, "[MAPPING_GAP] Product code not covered by the catalogue, excluded for the year", logging.Fields{
		"source":       rep.Source,
		"product_code": code,
		"year":         year,
	})
}

func (e *Extractor) unconvertible(ctx context.Context, rep *Report, err error) {
	var ue *units.UnconvertibleError
	if !errors.As(err, &ue) {
		return
	}
	rep.Unconvertible[units.NormalizeLabel(ue.Unit)]++
	e.logger.Warn(ctx, "[UNIT_UNCONVERTIBLE] Quantity excluded", logging.Fields{
		"source":       rep.Source,
		"unit":         ue.Unit,
		"product_code": ue.Product,
		"reason":       ue.Reason,
	})
}

func (rep *Report) sentinel(v Value) {
	rep.Sentinels[v.Reason]++
}

type prodcomIndicator struct {
	code     string
	metric   models.Metric
	quantity bool
	own      bool
}

var prodcomIndicators = []prodcomIndicator{
	{IndProductionQuantity, models.ProductionVolume, true, false},
	{IndProductionValue, models.ProductionValue, false, false},
	{IndImportQuantity, models.ImportVolume, true, true},
	{IndImportValue, models.ImportValue, false, true},
	{IndExportQuantity, models.ExportVolume, true, true},
	{IndExportValue, models.ExportValue, false, true},
}

// Production extracts PRODCOM facts for year. Quantities are converted with
// the unit reported in the co-located QNTUNIT row for the same product and
// reporter.
func (e *Extractor) Production(ctx context.Context, rows []models.RawObservation, year int, conv *units.Converter) (ProductionFacts, *Report) {
	rep := newReport(models.SourceProdcom)
	var out ProductionFacts
	rows = e.inYear(ctx, rep, rows, year)

	unitOf := make(map[string]string)
	for i := range rows {
		r := &rows[i]
		if strings.EqualFold(strings.TrimSpace(r.IndicatorCode), IndQuantityUnit) {
			unitOf[codes.NormalizeProductCode(r.ProductCode)+"|"+strings.TrimSpace(r.ReportingEntityCode)] = strings.TrimSpace(r.Value)
		}
	}

	for _, ind := range prodcomIndicators {
		obs, dropped := e.Extract(ctx, rows, ind.code)
		rep.Unparseable += dropped

		for _, o := range obs {
			if len(e.catalogue.ProductionToTradeCodes(o.ProductCode, year)) == 0 {
				e.gap(ctx, rep, o.ProductCode, year)
				continue
			}
			fact := Fact{
				ProductCode: o.ProductCode,
				CountryISO:  e.countries.ToISO(models.SourceProdcom, o.Reporter),
				Metric:      ind.metric,
			}

			switch {
			case o.Value.Kind == Sentinel:
				rep.sentinel(o.Value)
				fact.Value = models.Missing
			case ind.quantity:
				t, err := conv.ToTonnes(o.Value.Number, unitOf[o.ProductCode+"|"+o.Reporter], o.ProductCode)
				if err != nil {
					e.unconvertible(ctx, rep, err)
					continue
				}
				fact.Value = models.Some(t)
			default:
				fact.Value = models.Some(o.Value.Number)
			}

			if ind.own {
				out.OwnTrade = append(out.OwnTrade, fact)
			} else {
				out.Production = append(out.Production, fact)
			}
		}
	}

	sort.Strings(rep.MappingGaps)
	return out, rep
}

type tradeGroup struct {
	product, reporter, flow, indicator string
}

// Trade extracts COMEXT facts for year. For each product, reporter, flow and
// indicator the all-partners total is used when published, otherwise the
// bilateral country rows are summed downstream; partner aggregates are
// skipped.
func (e *Extractor) Trade(ctx context.Context, rows []models.RawObservation, year int, conv *units.Converter) ([]Fact, *Report) {
	rep := newReport(models.SourceComext)
	rows = e.inYear(ctx, rep, rows, year)

	var obs []Observation
	for _, ind := range []string{IndTradeMassKG, IndTradeValue} {
		o, dropped := e.Extract(ctx, rows, ind)
		rep.Unparseable += dropped
		obs = append(obs, o...)
	}

	hasTotal := make(map[tradeGroup]bool)
	for _, o := range obs {
		if totalPartners[o.Partner] {
			hasTotal[tradeGroup{o.ProductCode, o.Reporter, o.Flow, o.Indicator}] = true
		}
	}

	var facts []Fact
	for _, o := range obs {
		if !totalPartners[o.Partner] {
			if hasTotal[tradeGroup{o.ProductCode, o.Reporter, o.Flow, o.Indicator}] {
				continue
			}
			if aggregatePartner(o.Partner) {
				e.logger.Debug(ctx, "[TRADE_PARTNER_AGGREGATE] Skipping partner aggregate in bilateral sum", logging.Fields{
					"partner":      o.Partner,
					"product_code": o.ProductCode,
				})
				continue
			}
		}

		metric, ok := tradeMetric(o.Flow, o.Indicator)
		if !ok {
			e.logger.Debug(ctx, "[TRADE_FLOW_SKIPPED] Unknown trade flow", logging.Fields{
				"flow":         o.Flow,
				"product_code": o.ProductCode,
			})
			continue
		}

		production, ok := e.catalogue.TradeToProductionCode(o.ProductCode, year)
		if !ok {
			e.gap(ctx, rep, o.ProductCode, year)
			continue
		}

		fact := Fact{
			ProductCode: production,
			CountryISO:  e.countries.ToISO(models.SourceComext, o.Reporter),
			Metric:      metric,
		}
		switch {
		case o.Value.Kind == Sentinel:
			rep.sentinel(o.Value)
			fact.Value = models.Missing
		case o.Indicator == IndTradeMassKG:
			t, err := conv.ToTonnes(o.Value.Number, "kg", production)
			if err != nil {
				e.unconvertible(ctx, rep, err)
				continue
			}
			fact.Value = models.Some(t)
		default:
			fact.Value = models.Some(o.Value.Number)
		}
		facts = append(facts, fact)
	}

	sort.Strings(rep.MappingGaps)
	return facts, rep
}

func tradeMetric(flow, indicator string) (models.Metric, bool) {
	mass := indicator == IndTradeMassKG
	switch flow {
	case models.FlowImport:
		if mass {
			return models.ImportVolume, true
		}
		return models.ImportValue, true
	case models.FlowExport:
		if mass {
			return models.ExportVolume, true
		}
		return models.ExportValue, true
	}
	return "", false
}

// WeightSamples pairs COMEXT mass and supplementary quantities row by row,
// keyed by the production code each trade code maps to in year. EU aggregate
// rows are skipped so members are not counted twice.
func (e *Extractor) WeightSamples(ctx context.Context, rows []models.RawObservation, year int) []units.WeightSample {
	type key struct{ product, reporter, flow, partner string }
	mass := make(map[key]float64)
	pieces := make(map[key]float64)
	var order []key

	rows = e.inYear(ctx, nil, rows, year)
	for _, ind := range []string{IndTradeMassKG, IndTradeSupplQty} {
		obs, _ := e.Extract(ctx, rows, ind)
		for _, o := range obs {
			if o.Value.Kind != Numeric {
				continue
			}
			if countries.IsEUAggregate(e.countries.ToISO(models.SourceComext, o.Reporter)) {
				continue
			}
			k := key{o.ProductCode, o.Reporter, o.Flow, o.Partner}
			if ind == IndTradeMassKG {
				if _, seen := mass[k]; !seen {
					order = append(order, k)
				}
				mass[k] += o.Value.Number
			} else {
				pieces[k] += o.Value.Number
			}
		}
	}

	var out []units.WeightSample
	for _, k := range order {
		u, ok := pieces[k]
		if !ok {
			continue
		}
		production, ok := e.catalogue.TradeToProductionCode(k.product, year)
		if !ok {
			continue
		}
		out = append(out, units.WeightSample{ProductCode: production, MassKG: mass[k], Units: u})
	}
	return out
}
