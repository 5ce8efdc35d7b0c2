package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"circularity-platform/internal/codes"
	"circularity-platform/internal/models"
)

// CatalogueFile is the hand-maintained product catalogue document.
type CatalogueFile struct {
	Products  []ProductSpec               `yaml:"products"`
	UnitRules []models.UnitConversionRule `yaml:"unit_rules"`
	Materials []MaterialSpec              `yaml:"materials"`
}

// ProductSpec is one catalogue epoch as written in YAML.
type ProductSpec struct {
	ID             int                    `yaml:"id"`
	Name           string                 `yaml:"name"`
	ProductionCode string                 `yaml:"production_code"`
	TradeCodes     []string               `yaml:"trade_codes"`
	ValidFrom      int                    `yaml:"valid_from"`
	ValidTo        int                    `yaml:"valid_to"`
	WeightPerUnitT *float64               `yaml:"weight_per_unit_t"`
	Composition    []models.MaterialShare `yaml:"composition"`
}

// MaterialSpec gives the recovery rate (fraction in [0, 1]) of a material.
type MaterialSpec struct {
	Name         string  `yaml:"name"`
	RecoveryRate float64 `yaml:"recovery_rate"`
}

// LoadCatalogueFile reads and structurally validates a catalogue document.
// Epoch and code checks happen when the catalogue is built.
func LoadCatalogueFile(path string) (*CatalogueFile, error) {
	f := &CatalogueFile{}
	if err := decodeFile(path, f); err != nil {
		return nil, err
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Validate checks ids, materials and composition references.
func (f *CatalogueFile) Validate() error {
	var errs []error
	if len(f.Products) == 0 {
		errs = append(errs, errors.New("catalogue: no products"))
	}

	materials := make(map[string]bool, len(f.Materials))
	for _, m := range f.Materials {
		name := strings.ToLower(strings.TrimSpace(m.Name))
		if name == "" {
			errs = append(errs, errors.New("catalogue: material without a name"))
			continue
		}
		if materials[name] {
			errs = append(errs, fmt.Errorf("catalogue: material %q defined twice", m.Name))
		}
		if m.RecoveryRate < 0 || m.RecoveryRate > 1 {
			errs = append(errs, fmt.Errorf("catalogue: recovery rate of %q must be within [0, 1]", m.Name))
		}
		materials[name] = true
	}

	for _, p := range f.Products {
		if p.ID <= 0 {
			errs = append(errs, fmt.Errorf("catalogue: product %q needs a positive id", p.Name))
		}
		for _, ms := range p.Composition {
			if !materials[strings.ToLower(strings.TrimSpace(ms.Material))] {
				errs = append(errs, fmt.Errorf("catalogue: product %d uses unknown material %q", p.ID, ms.Material))
			}
		}
	}
	return errors.Join(errs...)
}

// Entries converts the document into catalogue entries.
func (f *CatalogueFile) Entries() []models.ProductCatalogEntry {
	out := make([]models.ProductCatalogEntry, 0, len(f.Products))
	for _, p := range f.Products {
		comp := make([]models.MaterialShare, len(p.Composition))
		for i, ms := range p.Composition {
			comp[i] = models.MaterialShare{Material: strings.ToLower(strings.TrimSpace(ms.Material)), Share: ms.Share}
		}
		out = append(out, models.ProductCatalogEntry{
			ProductID:      p.ID,
			ProductName:    p.Name,
			ProductionCode: p.ProductionCode,
			TradeCodes:     append([]string(nil), p.TradeCodes...),
			ValidFrom:      p.ValidFrom,
			ValidTo:        p.ValidTo,
			WeightPerUnitT: p.WeightPerUnitT,
			Composition:    comp,
		})
	}
	return out
}

// RecoveryRates returns material recovery rates keyed by lower-case name.
func (f *CatalogueFile) RecoveryRates() map[string]float64 {
	out := make(map[string]float64, len(f.Materials))
	for _, m := range f.Materials {
		out[strings.ToLower(strings.TrimSpace(m.Name))] = m.RecoveryRate
	}
	return out
}

// Percent is a percentage decoded exactly from its YAML text.
type Percent struct {
	decimal.Decimal
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (p *Percent) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: percentage must be a scalar", node.Line)
	}
	d, err := decimal.NewFromString(strings.TrimSuffix(strings.TrimSpace(node.Value), "%"))
	if err != nil {
		return fmt.Errorf("line %d: invalid percentage %q: %w", node.Line, node.Value, err)
	}
	p.Decimal = d
	return nil
}

// RatesFile lists current and potential rates per product and strategy.
type RatesFile struct {
	Rates []RateSpec `yaml:"rates"`
}

// RateSpec is one rate row as written in YAML.
type RateSpec struct {
	ProductCode      string          `yaml:"product_code"`
	Strategy         models.Strategy `yaml:"strategy"`
	CurrentRatePct   Percent         `yaml:"current_rate_pct"`
	PotentialRatePct Percent         `yaml:"potential_rate_pct"`
}

// LoadRatesFile reads and validates a rates document.
func LoadRatesFile(path string) (*RatesFile, error) {
	f := &RatesFile{}
	if err := decodeFile(path, f); err != nil {
		return nil, err
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Validate enforces 0 <= current <= potential <= 100, known strategies and
// one row per product and strategy.
func (f *RatesFile) Validate() error {
	var errs []error
	seen := make(map[string]bool)
	for _, r := range f.Parameters() {
		if r.Strategy != models.StrategyRefurbishment && r.Strategy != models.StrategyRecycling {
			errs = append(errs, fmt.Errorf("rates: unknown strategy %q for %s", r.Strategy, r.ProductCode))
		}
		k := r.ProductCode + "|" + string(r.Strategy)
		if seen[k] {
			errs = append(errs, fmt.Errorf("rates: duplicate row for %s/%s", r.ProductCode, r.Strategy))
		}
		seen[k] = true
		if err := r.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("rates: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Parameters converts the document into rate parameters.
func (f *RatesFile) Parameters() []models.RateParameters {
	out := make([]models.RateParameters, 0, len(f.Rates))
	for _, r := range f.Rates {
		out = append(out, models.RateParameters{
			ProductCode:      codes.NormalizeProductCode(strings.TrimSpace(r.ProductCode)),
			Strategy:         models.Strategy(strings.ToLower(string(r.Strategy))),
			CurrentRatePct:   r.CurrentRatePct.Decimal,
			PotentialRatePct: r.PotentialRatePct.Decimal,
		})
	}
	return out
}
