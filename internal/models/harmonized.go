package models

import (
	"database/sql/driver"
	"fmt"
	"strings"
)

// Metric names one harmonized quantity. Its value is the storage column.
type Metric string

const (
	ProductionVolume Metric = "production_volume_t"
	ProductionValue  Metric = "production_value_eur"
	ImportVolume     Metric = "import_volume_t"
	ImportValue      Metric = "import_value_eur"
	ExportVolume     Metric = "export_volume_t"
	ExportValue      Metric = "export_value_eur"
)

// AllMetrics lists every metric in column order.
var AllMetrics = []Metric{
	ProductionVolume, ProductionValue,
	ImportVolume, ImportValue,
	ExportVolume, ExportValue,
}

// TradeMetrics are the metrics seeded from the trade source and eligible for fallback.
var TradeMetrics = []Metric{ImportVolume, ImportValue, ExportVolume, ExportValue}

// IsTrade reports whether m comes from the trade source.
func (m Metric) IsTrade() bool {
	return m != ProductionVolume && m != ProductionValue
}

// Level distinguishes national rows from the EU aggregate.
type Level string

const (
	LevelCountry     Level = "country"
	LevelEUAggregate Level = "eu_aggregate"
)

// Provenance records where a metric value came from.
type Provenance string

const (
	ProvenanceNone     Provenance = ""
	ProvenanceComext   Provenance = "comext"
	ProvenanceProdcom  Provenance = "prodcom"
	ProvenanceFallback Provenance = "prodcom-fallback"
)

// SourceFlags records the provenance of each populated metric.
type SourceFlags map[Metric]Provenance

// String encodes the flags as "metric=provenance" pairs in column order.
func (f SourceFlags) String() string {
	parts := make([]string, 0, len(f))
	for _, m := range AllMetrics {
		if p, ok := f[m]; ok && p != ProvenanceNone {
			parts = append(parts, string(m)+"="+string(p))
		}
	}
	return strings.Join(parts, ";")
}

// Value implements driver.Valuer.
func (f SourceFlags) Value() (driver.Value, error) {
	return f.String(), nil
}

// Scan implements sql.Scanner.
func (f *SourceFlags) Scan(src interface{}) error {
	var s string
	switch v := src.(type) {
	case nil:
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("cannot scan %T into SourceFlags", src)
	}
	out := SourceFlags{}
	for _, part := range strings.Split(s, ";") {
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return fmt.Errorf("malformed source flag %q", part)
		}
		out[Metric(k)] = Provenance(v)
	}
	*f = out
	return nil
}

// HarmonizedRow is the merged view of one product, country and year.
type HarmonizedRow struct {
	ProductCode        string      `json:"product_code" db:"product_code"`
	CountryISO         string      `json:"country_iso" db:"country_iso"`
	Year               int         `json:"year" db:"year"`
	Level              Level       `json:"level" db:"level"`
	ProductionVolumeT  Measure     `json:"production_volume_t" db:"production_volume_t"`
	ProductionValueEUR Measure     `json:"production_value_eur" db:"production_value_eur"`
	ImportVolumeT      Measure     `json:"import_volume_t" db:"import_volume_t"`
	ImportValueEUR     Measure     `json:"import_value_eur" db:"import_value_eur"`
	ExportVolumeT      Measure     `json:"export_volume_t" db:"export_volume_t"`
	ExportValueEUR     Measure     `json:"export_value_eur" db:"export_value_eur"`
	SourceFlags        SourceFlags `json:"source_flags" db:"source_flags"`
}

func (r *HarmonizedRow) slot(m Metric) *Measure {
	switch m {
	case ProductionVolume:
		return &r.ProductionVolumeT
	case ProductionValue:
		return &r.ProductionValueEUR
	case ImportVolume:
		return &r.ImportVolumeT
	case ImportValue:
		return &r.ImportValueEUR
	case ExportVolume:
		return &r.ExportVolumeT
	case ExportValue:
		return &r.ExportValueEUR
	}
	panic("unknown metric " + string(m))
}

// Get returns the value of metric m.
func (r *HarmonizedRow) Get(m Metric) Measure {
	return *r.slot(m)
}

// Set stores v for metric m with its provenance.
func (r *HarmonizedRow) Set(m Metric, v Measure, p Provenance) {
	*r.slot(m) = v
	if r.SourceFlags == nil {
		r.SourceFlags = SourceFlags{}
	}
	if p == ProvenanceNone {
		delete(r.SourceFlags, m)
		return
	}
	r.SourceFlags[m] = p
}

// AllMissing reports whether no metric carries a value.
func (r *HarmonizedRow) AllMissing() bool {
	for _, m := range AllMetrics {
		if r.Get(m).Valid {
			return false
		}
	}
	return true
}

// Key returns the natural key of the row.
func (r *HarmonizedRow) Key() string {
	return fmt.Sprintf("%s|%s|%d|%s", r.ProductCode, r.CountryISO, r.Year, r.Level)
}

// HarmonizedColumns lists the harmonized table columns in storage order.
var HarmonizedColumns = []string{
	"product_code", "country_iso", "year", "level",
	"production_volume_t", "production_value_eur",
	"import_volume_t", "import_value_eur",
	"export_volume_t", "export_value_eur",
	"source_flags",
}

// Args returns the row values in HarmonizedColumns order.
func (r *HarmonizedRow) Args() []interface{} {
	return []interface{}{
		r.ProductCode, r.CountryISO, r.Year, string(r.Level),
		r.ProductionVolumeT, r.ProductionValueEUR,
		r.ImportVolumeT, r.ImportValueEUR,
		r.ExportVolumeT, r.ExportValueEUR,
		r.SourceFlags.String(),
	}
}

// IndicatorRow extends a harmonized row with derived indicators and the
// rates that produced them.
type IndicatorRow struct {
	HarmonizedRow

	ApparentConsumptionT   Measure `json:"apparent_consumption_t" db:"apparent_consumption_t"`
	ApparentConsumptionEUR Measure `json:"apparent_consumption_eur" db:"apparent_consumption_eur"`
	TradeBalanceT          Measure `json:"trade_balance_t" db:"trade_balance_t"`
	TradeBalanceEUR        Measure `json:"trade_balance_eur" db:"trade_balance_eur"`

	RefurbCurrentRatePct    Measure `json:"refurbishment_current_rate_pct" db:"refurbishment_current_rate_pct"`
	RefurbPotentialRatePct  Measure `json:"refurbishment_potential_rate_pct" db:"refurbishment_potential_rate_pct"`
	RecycleCurrentRatePct   Measure `json:"recycling_current_rate_pct" db:"recycling_current_rate_pct"`
	RecyclePotentialRatePct Measure `json:"recycling_potential_rate_pct" db:"recycling_potential_rate_pct"`
	MaterialRecoveryRate    Measure `json:"material_recovery_rate" db:"material_recovery_rate"`

	RefurbishmentSavingsT   Measure `json:"refurbishment_savings_t" db:"refurbishment_savings_t"`
	RefurbishmentSavingsEUR Measure `json:"refurbishment_savings_eur" db:"refurbishment_savings_eur"`
	RecyclingSavingsT       Measure `json:"recycling_savings_t" db:"recycling_savings_t"`
	RecyclingSavingsEUR     Measure `json:"recycling_savings_eur" db:"recycling_savings_eur"`

	ConfigHash string `json:"config_hash" db:"config_hash"`
}

// IndicatorColumns lists the indicator table columns in storage order.
var IndicatorColumns = append(append([]string{}, HarmonizedColumns...),
	"apparent_consumption_t", "apparent_consumption_eur",
	"trade_balance_t", "trade_balance_eur",
	"refurbishment_current_rate_pct", "refurbishment_potential_rate_pct",
	"recycling_current_rate_pct", "recycling_potential_rate_pct",
	"material_recovery_rate",
	"refurbishment_savings_t", "refurbishment_savings_eur",
	"recycling_savings_t", "recycling_savings_eur",
	"config_hash",
)

// Args returns the row values in IndicatorColumns order.
func (r *IndicatorRow) Args() []interface{} {
	return append(r.HarmonizedRow.Args(),
		r.ApparentConsumptionT, r.ApparentConsumptionEUR,
		r.TradeBalanceT, r.TradeBalanceEUR,
		r.RefurbCurrentRatePct, r.RefurbPotentialRatePct,
		r.RecycleCurrentRatePct, r.RecyclePotentialRatePct,
		r.MaterialRecoveryRate,
		r.RefurbishmentSavingsT, r.RefurbishmentSavingsEUR,
		r.RecyclingSavingsT, r.RecyclingSavingsEUR,
		r.ConfigHash,
	)
}
