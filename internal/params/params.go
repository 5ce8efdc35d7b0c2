// Package params builds the immutable parameter set one pipeline run uses.
package params

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"circularity-platform/internal/catalogue"
	"circularity-platform/internal/config"
	"circularity-platform/internal/countries"
	"circularity-platform/internal/models"
	"circularity-platform/internal/units"
	"circularity-platform/pkg/logging"
)

type rateKey struct {
	product  string
	strategy models.Strategy
}

// AnalysisParameters is built once per run and never mutated, so concurrent
// years always see the same catalogue, mappings, unit rules and rates.
type AnalysisParameters struct {
	catalogue *catalogue.Catalogue
	countries *countries.Mapper
	converter *units.Converter
	rates     map[rateKey]models.RateParameters
	recovery  map[string]float64

	prodcomDataset string
	comextDataset  string
	deriveWeights  bool
	hash           string
}

// Sources names the two raw datasets.
type Sources struct {
	ProdcomDataset string
	ComextDataset  string
	DeriveWeights  bool
}

// Build validates every input and assembles the parameter set. All problems
// are returned together.
func Build(src Sources, cat *config.CatalogueFile, rates *config.RatesFile, logger *logging.StructuredLogger) (*AnalysisParameters, error) {
	var errs []error

	if err := cat.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := rates.Validate(); err != nil {
		errs = append(errs, err)
	}

	entries := cat.Entries()
	c, err := catalogue.New(entries, logger)
	if err != nil {
		errs = append(errs, err)
	}

	weights := make(map[string]float64)
	for _, e := range entries {
		if e.WeightPerUnitT != nil {
			weights[e.ProductionCode] = *e.WeightPerUnitT
		}
	}
	conv, err := units.NewConverter(cat.UnitRules, weights)
	if err != nil {
		errs = append(errs, err)
	}

	mapper, err := countries.New(countries.DefaultMappings(), logger)
	if err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return nil, &models.ValidationError{Field: "configuration", Message: errors.Join(errs...).Error()}
	}

	p := &AnalysisParameters{
		catalogue:      c,
		countries:      mapper,
		converter:      conv,
		rates:          make(map[rateKey]models.RateParameters),
		recovery:       cat.RecoveryRates(),
		prodcomDataset: src.ProdcomDataset,
		comextDataset:  src.ComextDataset,
		deriveWeights:  src.DeriveWeights,
	}
	for _, r := range rates.Parameters() {
		p.rates[rateKey{r.ProductCode, r.Strategy}] = r
	}

	p.hash, err = fingerprint(src, c.Entries(), cat, p.Rates())
	if err != nil {
		return nil, err
	}
	return p, nil
}

func fingerprint(src Sources, entries []models.ProductCatalogEntry, cat *config.CatalogueFile, rates []models.RateParameters) (string, error) {
	doc := struct {
		Sources   Sources                      `json:"sources"`
		Entries   []models.ProductCatalogEntry `json:"entries"`
		UnitRules []models.UnitConversionRule  `json:"unit_rules"`
		Materials map[string]float64           `json:"materials"`
		Rates     []models.RateParameters      `json:"rates"`
	}{src, entries, cat.UnitRules, cat.RecoveryRates(), rates}

	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to fingerprint configuration: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8]), nil
}

// Catalogue returns the product catalogue.
func (p *AnalysisParameters) Catalogue() *catalogue.Catalogue { return p.catalogue }

// Countries returns the reporter mapper.
func (p *AnalysisParameters) Countries() *countries.Mapper { return p.countries }

// Converter returns the configured unit converter.
func (p *AnalysisParameters) Converter() *units.Converter { return p.converter }

// ProdcomDataset returns the production dataset id.
func (p *AnalysisParameters) ProdcomDataset() string { return p.prodcomDataset }

// ComextDataset returns the trade dataset id.
func (p *AnalysisParameters) ComextDataset() string { return p.comextDataset }

// DeriveWeights reports whether unit weights are derived from trade data.
func (p *AnalysisParameters) DeriveWeights() bool { return p.deriveWeights }

// ConfigHash identifies the configuration that produced a result.
func (p *AnalysisParameters) ConfigHash() string { return p.hash }

// Rate returns the rate for a product and strategy.
func (p *AnalysisParameters) Rate(productCode string, s models.Strategy) (models.RateParameters, bool) {
	r, ok := p.rates[rateKey{productCode, s}]
	return r, ok
}

// Rates returns every rate ordered by product and strategy.
func (p *AnalysisParameters) Rates() []models.RateParameters {
	out := make([]models.RateParameters, 0, len(p.rates))
	for _, r := range p.rates {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProductCode != out[j].ProductCode {
			return out[i].ProductCode < out[j].ProductCode
		}
		return out[i].Strategy < out[j].Strategy
	})
	return out
}

// RecoveryRate returns Σ(share × recovery rate) over the composition of the
// product valid in year. It is missing when the composition is unknown or
// names a material without a rate.
func (p *AnalysisParameters) RecoveryRate(productionCode string, year int) models.Measure {
	e, ok := p.catalogue.Lookup(productionCode, year)
	if !ok || len(e.Composition) == 0 {
		return models.Missing
	}
	var total float64
	for _, ms := range e.Composition {
		r, ok := p.recovery[ms.Material]
		if !ok {
			return models.Missing
		}
		total += ms.Share * r
	}
	return models.Some(total)
}
