// Package catalogue holds the hand-maintained product mapping between
// production codes and the trade codes that carry the same goods.
package catalogue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"circularity-platform/internal/codes"
	"circularity-platform/internal/models"
	"circularity-platform/pkg/logging"
)

// Catalogue answers epoch-aware code lookups. It is immutable after New and
// safe for concurrent use.
type Catalogue struct {
	entries      []models.ProductCatalogEntry
	byProduction map[string][]int
	byTrade      map[string][]int
	logger       *logging.StructuredLogger

	warned sync.Map
}

// New normalizes and validates entries. Every problem is reported, not just
// the first.
func New(entries []models.ProductCatalogEntry, logger *logging.StructuredLogger) (*Catalogue, error) {
	c := &Catalogue{
		byProduction: make(map[string][]int),
		byTrade:      make(map[string][]int),
		logger:       logger,
	}

	for _, e := range entries {
		e.ProductionCode = codes.NormalizeProductCode(e.ProductionCode)
		trade := make([]string, 0, len(e.TradeCodes))
		for _, tc := range e.TradeCodes {
			if n := codes.NormalizeProductCode(tc); n != "" {
				trade = append(trade, n)
			}
		}
		sort.Strings(trade)
		e.TradeCodes = trade
		c.entries = append(c.entries, e)
	}

	sort.SliceStable(c.entries, func(i, j int) bool {
		if c.entries[i].ProductID != c.entries[j].ProductID {
			return c.entries[i].ProductID < c.entries[j].ProductID
		}
		return c.entries[i].ValidFrom < c.entries[j].ValidFrom
	})

	if err := c.validate(); err != nil {
		return nil, err
	}

	for i, e := range c.entries {
		c.byProduction[e.ProductionCode] = append(c.byProduction[e.ProductionCode], i)
		for _, tc := range e.TradeCodes {
			c.byTrade[tc] = append(c.byTrade[tc], i)
		}
	}
	return c, nil
}

func (c *Catalogue) validate() error {
	var errs []error
	fail := func(e *models.ProductCatalogEntry, field, msg string, args ...interface{}) {
		errs = append(errs, &models.ValidationError{
			Field:   field,
			Value:   fmt.Sprint(e.ProductID),
			Message: fmt.Sprintf("product %d: ", e.ProductID) + fmt.Sprintf(msg, args...),
		})
	}

	for i := range c.entries {
		e := &c.entries[i]
		if e.ProductionCode == "" {
			fail(e, "production_code", "production code is empty")
		}
		if len(e.TradeCodes) == 0 {
			fail(e, "trade_codes", "no trade codes")
		}
		if e.ValidTo != 0 && e.ValidTo < e.ValidFrom {
			fail(e, "valid_to", "epoch ends (%d) before it starts (%d)", e.ValidTo, e.ValidFrom)
		}
		if e.WeightPerUnitT != nil && !(*e.WeightPerUnitT > 0) {
			fail(e, "weight_per_unit_t", "unit weight must be positive")
		}
		var total float64
		for _, ms := range e.Composition {
			if ms.Share < 0 || ms.Share > 1 {
				fail(e, "composition", "share of %s outside [0, 1]", ms.Material)
			}
			total += ms.Share
		}
		if total > 1+1e-9 {
			fail(e, "composition", "material shares sum to %.4f", total)
		}

		for j := 0; j < i; j++ {
			o := &c.entries[j]
			if o.ProductID == e.ProductID && o.Overlaps(e) {
				fail(e, "valid_from", "epochs starting %d and %d overlap", o.ValidFrom, e.ValidFrom)
			}
		}
	}
	return errors.Join(errs...)
}

// Entries returns every entry ordered by product id and epoch.
func (c *Catalogue) Entries() []models.ProductCatalogEntry {
	out := make([]models.ProductCatalogEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Lookup returns the entry for productionCode valid in year. When several
// products share the production code the lowest product id wins.
func (c *Catalogue) Lookup(productionCode string, year int) (models.ProductCatalogEntry, bool) {
	code := codes.NormalizeProductCode(productionCode)
	var found []int
	for _, i := range c.byProduction[code] {
		if c.entries[i].Covers(year) {
			found = append(found, i)
		}
	}
	if len(found) == 0 {
		return models.ProductCatalogEntry{}, false
	}
	if len(found) > 1 {
		c.warnOnce("production|"+code, year, "[CATALOGUE_AMBIGUOUS] Several products share a production code, using the lowest product id", logging.Fields{
			"production_code": code,
			"year":            year,
			"candidates":      len(found),
		})
	}
	return c.entries[found[0]], true
}

// ProductionToTradeCodes returns the trade codes mapped to productionCode in
// year, or nil when no epoch covers it. An empty result marks the product as
// unmappable for the year and is logged once.
func (c *Catalogue) ProductionToTradeCodes(productionCode string, year int) []string {
	e, ok := c.Lookup(productionCode, year)
	if !ok {
		code := codes.NormalizeProductCode(productionCode)
		c.warnOnce("unmapped|"+code, year, "[MAPPING_GAP] No catalogue entry covers production code", logging.Fields{
			"production_code": code,
			"year":            year,
		})
		return nil
	}
	out := make([]string, len(e.TradeCodes))
	copy(out, e.TradeCodes)
	return out
}

// TradeToProductionCode returns the production code a trade code belongs to
// in year. The narrowest covering epoch wins, then the lowest product id.
func (c *Catalogue) TradeToProductionCode(tradeCode string, year int) (string, bool) {
	code := codes.NormalizeProductCode(tradeCode)
	best := -1
	candidates := 0
	for _, i := range c.byTrade[code] {
		e := &c.entries[i]
		if !e.Covers(year) {
			continue
		}
		candidates++
		if best < 0 {
			best = i
			continue
		}
		b := &c.entries[best]
		if e.Width() < b.Width() || (e.Width() == b.Width() && e.ProductID < b.ProductID) {
			best = i
		}
	}
	if best < 0 {
		return "", false
	}
	if candidates > 1 {
		c.warnOnce("trade|"+code, year, "[CATALOGUE_AMBIGUOUS] Trade code maps to several products, using the most specific", logging.Fields{
			"trade_code":      code,
			"year":            year,
			"candidates":      candidates,
			"production_code": c.entries[best].ProductionCode,
		})
	}
	return c.entries[best].ProductionCode, true
}

// ProductionCodes lists the distinct production codes valid in year, sorted.
func (c *Catalogue) ProductionCodes(year int) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range c.entries {
		if e.Covers(year) && !seen[e.ProductionCode] {
			seen[e.ProductionCode] = true
			out = append(out, e.ProductionCode)
		}
	}
	sort.Strings(out)
	return out
}

func (c *Catalogue) warnOnce(key string, year int, msg string, fields logging.Fields) {
	if _, loaded := c.warned.LoadOrStore(fmt.Sprintf("%s|%d", key, year), true); loaded {
		return
	}
	c.logger.Warn(context.Background(), msg, fields)
}
