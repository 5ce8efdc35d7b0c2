// Package units converts reported quantities to tonnes.
package units

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"circularity-platform/internal/codes"
	"circularity-platform/internal/models"
)

// UnconvertibleError reports a quantity that could not be expressed in tonnes.
// The observation is excluded; it is never replaced by zero.
type UnconvertibleError struct {
	Unit    string
	Product string
	Reason  string
}

func (e *UnconvertibleError) Error() string {
	return fmt.Sprintf("cannot convert %q to tonnes for product %s: %s", e.Unit, e.Product, e.Reason)
}

// IsTransient returns false; retrying will not make a unit convertible.
func (e *UnconvertibleError) IsTransient() bool {
	return false
}

var massUnits = map[string]float64{
	"kg":     0.001,
	"kg_net": 0.001,
	"t":      1,
	"tonne":  1,
	"tonnes": 1,
	"g":      1e-6,
}

var countUnits = map[string]bool{
	"p/st": true, "pst": true, "p": true, "st": true,
	"piece": true, "pieces": true,
	"unit": true, "units": true,
	"item": true, "items": true,
	"pa":    true,
	"ce/el": true,
	"nr":    true,
}

// NormalizeLabel lower-cases and trims a unit label and collapses inner spaces.
func NormalizeLabel(label string) string {
	return strings.Join(strings.Fields(strings.ToLower(label)), " ")
}

// IsCountUnit reports whether label counts pieces rather than mass.
func IsCountUnit(label string) bool {
	return countUnits[NormalizeLabel(label)]
}

type ruleKey struct {
	unit, product string
}

// Converter resolves a unit for a product in a fixed order: exact
// (unit, product) rule, generic unit rule, built-in mass table, count unit
// times the product's unit weight. Converters are immutable.
type Converter struct {
	rules   map[ruleKey]models.UnitConversionRule
	static  map[string]float64
	derived map[string]float64
}

// NewConverter validates rules and static per-product unit weights (tonnes
// per piece, keyed by production code).
func NewConverter(rules []models.UnitConversionRule, weights map[string]float64) (*Converter, error) {
	c := &Converter{
		rules:   make(map[ruleKey]models.UnitConversionRule, len(rules)),
		static:  make(map[string]float64, len(weights)),
		derived: map[string]float64{},
	}

	var errs []error
	for _, r := range rules {
		k := ruleKey{NormalizeLabel(r.UnitLabel), codes.NormalizeProductCode(r.ProductCode)}
		if k.unit == "" {
			errs = append(errs, &models.ValidationError{Field: "unit", Message: "unit rule without a unit label"})
			continue
		}
		if r.Method == "" {
			r.Method = models.MethodDirect
		}
		if r.Method != models.MethodDirect && r.Method != models.MethodCount {
			errs = append(errs, &models.ValidationError{Field: "method", Value: string(r.Method),
				Message: fmt.Sprintf("unit rule %s/%s has unknown method %q", k.unit, k.product, r.Method)})
			continue
		}
		if !(r.FactorToTonnes > 0) || math.IsInf(r.FactorToTonnes, 0) {
			errs = append(errs, &models.ValidationError{Field: "factor_to_tonnes", Value: fmt.Sprint(r.FactorToTonnes),
				Message: fmt.Sprintf("%s rule %s/%s needs a positive factor", r.Method, k.unit, k.product)})
			continue
		}
		if _, dup := c.rules[k]; dup {
			errs = append(errs, &models.ValidationError{Field: "unit", Value: k.unit,
				Message: fmt.Sprintf("duplicate unit rule %s/%s", k.unit, k.product)})
			continue
		}
		c.rules[k] = r
	}

	for code, w := range weights {
		if !(w > 0) || math.IsInf(w, 0) {
			errs = append(errs, &models.ValidationError{Field: "weight_per_unit_t", Value: code,
				Message: fmt.Sprintf("unit weight for %s must be positive", code)})
			continue
		}
		c.static[codes.NormalizeProductCode(code)] = w
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return c, nil
}

// WithDerivedWeights returns a copy that falls back to data-derived unit
// weights for products without a configured one.
func (c *Converter) WithDerivedWeights(derived map[string]float64) *Converter {
	out := &Converter{rules: c.rules, static: c.static, derived: make(map[string]float64, len(derived))}
	for code, w := range derived {
		if w > 0 && !math.IsInf(w, 0) {
			out.derived[codes.NormalizeProductCode(code)] = w
		}
	}
	return out
}

// UnitWeight returns tonnes per piece for product and whether one is known.
func (c *Converter) UnitWeight(product string) (float64, bool) {
	p := codes.NormalizeProductCode(product)
	if w, ok := c.static[p]; ok {
		return w, true
	}
	w, ok := c.derived[p]
	return w, ok
}

// ToTonnes converts value expressed in unitLabel for productCode.
func (c *Converter) ToTonnes(value float64, unitLabel, productCode string) (float64, error) {
	unit := NormalizeLabel(unitLabel)
	product := codes.NormalizeProductCode(productCode)

	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, &UnconvertibleError{Unit: unitLabel, Product: productCode, Reason: "value is not finite"}
	}
	if value < 0 {
		return 0, &UnconvertibleError{Unit: unitLabel, Product: productCode, Reason: "value is negative"}
	}
	if unit == "" {
		return 0, &UnconvertibleError{Unit: unitLabel, Product: productCode, Reason: "no unit reported"}
	}

	if r, ok := c.rules[ruleKey{unit, product}]; ok {
		return value * r.FactorToTonnes, nil
	}
	if r, ok := c.rules[ruleKey{unit, ""}]; ok {
		return value * r.FactorToTonnes, nil
	}
	if f, ok := massUnits[unit]; ok {
		return value * f, nil
	}
	if IsCountUnit(unit) {
		w, ok := c.UnitWeight(product)
		if !ok {
			return 0, &UnconvertibleError{Unit: unitLabel, Product: productCode, Reason: "count unit without a known unit weight"}
		}
		return value * w, nil
	}
	return 0, &UnconvertibleError{Unit: unitLabel, Product: productCode, Reason: "no conversion rule"}
}

// WeightSample pairs a traded mass with the number of pieces it covered.
type WeightSample struct {
	ProductCode string
	MassKG      float64
	Units       float64
}

// DeriveWeights returns the average tonnes per piece for every product with
// at least one usable sample. Samples with a non-positive side are ignored.
func DeriveWeights(samples []WeightSample) map[string]float64 {
	type acc struct{ kg, units float64 }
	sums := make(map[string]*acc)
	var keys []string
	for _, s := range samples {
		if !(s.MassKG > 0) || !(s.Units > 0) || math.IsInf(s.MassKG, 0) || math.IsInf(s.Units, 0) {
			continue
		}
		p := codes.NormalizeProductCode(s.ProductCode)
		a, ok := sums[p]
		if !ok {
			a = &acc{}
			sums[p] = a
			keys = append(keys, p)
		}
		a.kg += s.MassKG
		a.units += s.Units
	}
	sort.Strings(keys)

	out := make(map[string]float64, len(keys))
	for _, k := range keys {
		out[k] = sums[k].kg / 1000 / sums[k].units
	}
	return out
}
