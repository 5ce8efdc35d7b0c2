// Package harmonize merges production and trade facts onto a common
// (product, country, year) key and backfills trade metrics the trade source
// left empty from the production source's own trade indicators.
package harmonize

import (
	"context"
	"fmt"
	"sort"

	"circularity-platform/internal/countries"
	"circularity-platform/internal/extract"
	"circularity-platform/internal/models"
	"circularity-platform/pkg/logging"
)

// InvariantError reports a merge that would have changed a value the trade
// source reported. It fails the year.
type InvariantError struct {
	ProductCode string
	CountryISO  string
	Year        int
	Level       models.Level
	Metric      models.Metric
	Reason      string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("harmonization invariant violated for %s/%s/%d (%s) %s: %s",
		e.ProductCode, e.CountryISO, e.Year, e.Level, e.Metric, e.Reason)
}

// IsTransient returns false; the same inputs always violate the invariant.
func (e *InvariantError) IsTransient() bool {
	return false
}

// Input is everything extracted for one year.
type Input struct {
	Year int
	// Production holds the production metrics proper.
	Production []extract.Fact
	// OwnTrade holds the production source's trade indicators.
	OwnTrade []extract.Fact
	// Trade holds the trade source's facts.
	Trade []extract.Fact
}

// Fill records one fallback fill.
type Fill struct {
	ProductCode string
	CountryISO  string
	Level       models.Level
	Metric      models.Metric
	Value       float64
}

// Result is the merged output for one year.
type Result struct {
	Rows    []models.HarmonizedRow
	Fills   []Fill
	Dropped int
}

// Engine is stateless apart from its logger and safe for concurrent use.
type Engine struct {
	logger *logging.StructuredLogger
}

// NewEngine creates an Engine.
func NewEngine(logger *logging.StructuredLogger) *Engine {
	return &Engine{logger: logger}
}

func notEU(iso string) bool  { return !countries.IsEUAggregate(iso) }
func onlyEU(iso string) bool { return countries.IsEUAggregate(iso) }

// Harmonize merges one year's facts at country level and at EU level.
func (e *Engine) Harmonize(ctx context.Context, in Input) (*Result, error) {
	res := &Result{}

	countryTrade, countryProd, countryOwn := table{}, table{}, table{}
	countryTrade.addFacts(in.Trade, notEU)
	countryProd.addFacts(in.Production, notEU)
	countryOwn.addFacts(in.OwnTrade, notEU)

	if err := e.level(ctx, in.Year, models.LevelCountry, countryTrade, countryProd, countryOwn, res); err != nil {
		return nil, err
	}

	euTrade := euTable(in.Trade, countryTrade)
	euProd := euTable(in.Production, countryProd)
	euOwn := euTable(in.OwnTrade, countryOwn)

	if err := e.level(ctx, in.Year, models.LevelEUAggregate, euTrade, euProd, euOwn, res); err != nil {
		return nil, err
	}

	sort.SliceStable(res.Rows, func(i, j int) bool {
		a, b := &res.Rows[i], &res.Rows[j]
		if a.Level != b.Level {
			return a.Level == models.LevelCountry
		}
		if a.ProductCode != b.ProductCode {
			return a.ProductCode < b.ProductCode
		}
		return a.CountryISO < b.CountryISO
	})

	sort.SliceStable(res.Fills, func(i, j int) bool {
		a, b := &res.Fills[i], &res.Fills[j]
		if a.Level != b.Level {
			return a.Level == models.LevelCountry
		}
		if a.ProductCode != b.ProductCode {
			return a.ProductCode < b.ProductCode
		}
		return a.CountryISO < b.CountryISO
	})

	e.logger.Info(ctx, "[HARMONIZE] Year merged", logging.Fields{
		"year":           in.Year,
		"rows":           len(res.Rows),
		"fallback_fills": len(res.Fills),
		"dropped_empty":  res.Dropped,
	})
	return res, nil
}

// euTable builds one source's EU-level table: the source's own EU aggregate
// rows for a product when it published any, otherwise the sum over member
// states.
func euTable(facts []extract.Fact, byCountry table) table {
	reported := table{}
	reported.addFacts(facts, onlyEU)
	published := reported.products()

	out := table{}
	for k, ms := range reported {
		out[key{k.product, countries.EUAggregate}] = ms
	}
	for k, ms := range byCountry {
		if published[k.product] || !countries.IsEUMember(k.country) {
			continue
		}
		for m, s := range ms {
			out.add(key{k.product, countries.EUAggregate}, m, s)
		}
	}
	return out
}

func (e *Engine) level(ctx context.Context, year int, lvl models.Level, trade, prod, own table, res *Result) error {
	keys := make(map[key]bool)
	for _, t := range []table{trade, prod, own} {
		for k := range t {
			keys[k] = true
		}
	}

	for k := range keys {
		slots := seed(trade[k])
		for _, m := range []models.Metric{models.ProductionVolume, models.ProductionValue} {
			slots[m] = prod[k][m]
		}
		before := cloneSlots(slots)

		fills := fallback(slots, own[k])
		if err := checkMonotone(before, slots); err != nil {
			err.ProductCode, err.CountryISO, err.Year, err.Level = k.product, k.country, year, lvl
			e.logger.Error(ctx, "[HARMONIZE_INVARIANT] Fallback altered a reported trade value", logging.Fields{
				"product_code": k.product,
				"country":      k.country,
				"level":        lvl,
				"metric":       err.Metric,
			}, err)
			return err
		}

		row := toRow(k, year, lvl, slots)
		if row.AllMissing() {
			res.Dropped++
			continue
		}
		for _, m := range fills {
			res.Fills = append(res.Fills, Fill{
				ProductCode: k.product,
				CountryISO:  k.country,
				Level:       lvl,
				Metric:      m,
				Value:       slots[m].value,
			})
		}
		res.Rows = append(res.Rows, row)
	}
	return nil
}

// seed starts a row from the trade source. When the trade source has any
// fact for the key, trade metrics it did not report become placeholders,
// which default to 0 unless the fallback fills them.
func seed(trade metricSlots) metricSlots {
	out := metricSlots{}
	for _, m := range models.TradeMetrics {
		s := trade[m]
		if s.state == absent && trade != nil {
			s = slot{state: placeholder}
		}
		out[m] = s
	}
	return out
}

// fallback fills absent, placeholder and suppressed trade metrics from a
// strictly positive own-trade indicator. Reported values, zero included, are
// left alone. It returns the metrics it filled.
func fallback(slots metricSlots, own metricSlots) []models.Metric {
	var filledMetrics []models.Metric
	for _, m := range models.TradeMetrics {
		cur := slots[m]
		if cur.state == reported || cur.state == filled {
			continue
		}
		src, ok := own[m]
		if !ok || src.state != reported || !(src.value > 0) {
			continue
		}
		slots[m] = slot{state: filled, value: src.value}
		filledMetrics = append(filledMetrics, m)
	}
	return filledMetrics
}

// checkMonotone verifies that the fallback pass only moved empty slots to
// filled and left every reported value untouched.
func checkMonotone(before, after metricSlots) *InvariantError {
	for _, m := range models.AllMetrics {
		b, a := before[m], after[m]
		switch {
		case b.state == reported && (a.state != reported || a.value != b.value):
			return &InvariantError{Metric: m, Reason: fmt.Sprintf("reported %g became %s %g", b.value, a.state, a.value)}
		case a.state == filled && !m.IsTrade():
			return &InvariantError{Metric: m, Reason: "production metric filled from trade indicators"}
		case a.state == filled && !(a.value > 0):
			return &InvariantError{Metric: m, Reason: fmt.Sprintf("filled with non-positive %g", a.value)}
		case a.state != b.state && a.state != filled:
			return &InvariantError{Metric: m, Reason: fmt.Sprintf("moved from %s to %s", b.state, a.state)}
		}
	}
	return nil
}

func cloneSlots(s metricSlots) metricSlots {
	out := make(metricSlots, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// toRow renders slots. A placeholder is a trade metric the trade source
// simply did not report for a key it covers and renders as 0. Suppressed and
// unknown values become NULL, never zero.
func toRow(k key, year int, lvl models.Level, slots metricSlots) models.HarmonizedRow {
	row := models.HarmonizedRow{
		ProductCode: k.product,
		CountryISO:  k.country,
		Year:        year,
		Level:       lvl,
		SourceFlags: models.SourceFlags{},
	}
	for _, m := range models.AllMetrics {
		s := slots[m]
		switch s.state {
		case reported:
			prov := models.ProvenanceComext
			if !m.IsTrade() {
				prov = models.ProvenanceProdcom
			}
			row.Set(m, models.Some(s.value), prov)
		case placeholder:
			row.Set(m, models.Some(0), models.ProvenanceComext)
		case filled:
			row.Set(m, models.Some(s.value), models.ProvenanceFallback)
		default:
			row.Set(m, models.Missing, models.ProvenanceNone)
		}
	}
	return row
}
