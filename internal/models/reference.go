package models

import (
	"github.com/shopspring/decimal"
)

// MaterialShare is one component of a product's material composition.
type MaterialShare struct {
	Material string  `json:"material" yaml:"material"`
	Share    float64 `json:"share" yaml:"share"`
}

// ProductCatalogEntry ties one production code to the trade codes that carry
// the same goods during a validity epoch. ValidTo of 0 means open-ended.
type ProductCatalogEntry struct {
	ProductID      int             `json:"product_id" db:"product_id"`
	ProductName    string          `json:"product_name" db:"product_name"`
	ProductionCode string          `json:"production_code" db:"production_code"`
	TradeCodes     []string        `json:"trade_codes" db:"-"`
	ValidFrom      int             `json:"valid_from_year" db:"valid_from_year"`
	ValidTo        int             `json:"valid_to_year" db:"valid_to_year"`
	WeightPerUnitT *float64        `json:"weight_per_unit_t,omitempty" db:"weight_per_unit_t"`
	Composition    []MaterialShare `json:"composition,omitempty" db:"-"`
}

// Covers reports whether year falls inside the entry's epoch.
func (e *ProductCatalogEntry) Covers(year int) bool {
	if year < e.ValidFrom {
		return false
	}
	return e.ValidTo == 0 || year <= e.ValidTo
}

// Overlaps reports whether two epochs share at least one year.
func (e *ProductCatalogEntry) Overlaps(o *ProductCatalogEntry) bool {
	endA, endB := e.ValidTo, o.ValidTo
	if endA == 0 {
		endA = int(^uint(0) >> 1)
	}
	if endB == 0 {
		endB = int(^uint(0) >> 1)
	}
	return e.ValidFrom <= endB && o.ValidFrom <= endA
}

// Width is the number of years in the epoch; open-ended epochs are widest.
func (e *ProductCatalogEntry) Width() int {
	if e.ValidTo == 0 {
		return int(^uint(0) >> 1)
	}
	return e.ValidTo - e.ValidFrom + 1
}

// CountryMapping maps one source system's native reporter code to ISO.
// Historical marks an older coding of a country that has a current code too.
type CountryMapping struct {
	SourceSystem Source `json:"source_system" db:"source_system"`
	NativeCode   string `json:"native_code" db:"native_code"`
	ISOCode      string `json:"iso_code" db:"iso_code"`
	DisplayName  string `json:"display_name" db:"display_name"`
	Historical   bool   `json:"historical,omitempty" db:"-"`
}

// ConversionMethod says how a unit rule converts to tonnes.
type ConversionMethod string

const (
	MethodDirect ConversionMethod = "direct"
	MethodCount  ConversionMethod = "count"
)

// UnitConversionRule converts quantities in UnitLabel to tonnes. An empty
// ProductCode makes the rule generic.
type UnitConversionRule struct {
	UnitLabel      string           `json:"unit_label" yaml:"unit"`
	ProductCode    string           `json:"product_code,omitempty" yaml:"product_code"`
	FactorToTonnes float64          `json:"factor_to_tonnes" yaml:"factor_to_tonnes"`
	Method         ConversionMethod `json:"method" yaml:"method"`
}

// Strategy is a circular-economy intervention.
type Strategy string

const (
	StrategyRefurbishment Strategy = "refurbishment"
	StrategyRecycling     Strategy = "recycling"
)

// RateParameters holds the current and achievable rate for one product and
// strategy, as percentages.
type RateParameters struct {
	ProductCode      string          `json:"product_code" db:"product_code"`
	Strategy         Strategy        `json:"strategy" db:"strategy"`
	CurrentRatePct   decimal.Decimal `json:"current_rate_pct" db:"current_rate_pct"`
	PotentialRatePct decimal.Decimal `json:"potential_rate_pct" db:"potential_rate_pct"`
}

var hundred = decimal.NewFromInt(100)

// Validate checks 0 <= current <= potential <= 100.
func (r *RateParameters) Validate() error {
	switch {
	case r.CurrentRatePct.IsNegative():
		return &ValidationError{Field: "current_rate_pct", Value: r.CurrentRatePct.String(),
			Message: "rate for " + r.ProductCode + "/" + string(r.Strategy) + " is negative"}
	case r.CurrentRatePct.GreaterThan(r.PotentialRatePct):
		return &ValidationError{Field: "current_rate_pct", Value: r.CurrentRatePct.String(),
			Message: "current rate for " + r.ProductCode + "/" + string(r.Strategy) + " exceeds potential rate " + r.PotentialRatePct.String()}
	case r.PotentialRatePct.GreaterThan(hundred):
		return &ValidationError{Field: "potential_rate_pct", Value: r.PotentialRatePct.String(),
			Message: "potential rate for " + r.ProductCode + "/" + string(r.Strategy) + " exceeds 100"}
	}
	return nil
}

// PotentialFraction returns the potential rate as a fraction in [0, 1].
func (r *RateParameters) PotentialFraction() float64 {
	f, _ := r.PotentialRatePct.Div(hundred).Float64()
	return f
}
