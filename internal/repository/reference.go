package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"circularity-platform/internal/models"
	"circularity-platform/pkg/database"
	"circularity-platform/pkg/logging"
)

// Reference is the configuration-owned content of the reference tables.
type Reference struct {
	Catalogue []models.ProductCatalogEntry
	Countries []models.CountryMapping
	Rates     []models.RateParameters
}

// SyncReference replaces the reference tables with ref in one transaction so
// the warehouse always mirrors the configuration a run used.
func (r *warehouseRepository) SyncReference(ctx context.Context, ref Reference) error {
	var catalogue, tradeCodes, countries, rates [][]interface{}
	for _, e := range ref.Catalogue {
		var weight interface{}
		if e.WeightPerUnitT != nil {
			weight = *e.WeightPerUnitT
		}
		catalogue = append(catalogue, []interface{}{e.ProductID, e.ProductName, e.ProductionCode, e.ValidFrom, e.ValidTo, weight})
		for _, tc := range e.TradeCodes {
			tradeCodes = append(tradeCodes, []interface{}{e.ProductID, e.ValidFrom, tc})
		}
	}
	for _, m := range ref.Countries {
		countries = append(countries, []interface{}{string(m.SourceSystem), m.NativeCode, m.ISOCode, m.DisplayName})
	}
	for _, p := range ref.Rates {
		rates = append(rates, []interface{}{p.ProductCode, string(p.Strategy), p.CurrentRatePct, p.PotentialRatePct})
	}

	tables := []struct {
		name    string
		columns []string
		rows    [][]interface{}
	}{
		{"product_catalogue", []string{"product_id", "product_name", "production_code", "valid_from_year", "valid_to_year", "weight_per_unit_t"}, catalogue},
		{"product_trade_codes", []string{"product_id", "valid_from_year", "trade_code"}, tradeCodes},
		{"country_mappings", []string{"source_system", "native_code", "iso_code", "display_name"}, countries},
		{"rate_parameters", []string{"product_code", "strategy", "current_rate_pct", "potential_rate_pct"}, rates},
	}

	err := r.db.RunTx(ctx, "sync_reference", func(tx *sqlx.Tx) error {
		for _, t := range tables {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+t.name); err != nil {
				return fmt.Errorf("failed to clear %s: %w", t.name, err)
			}
			if err := database.InsertRows(ctx, tx, t.name, t.columns, t.rows); err != nil {
				return fmt.Errorf("failed to fill %s: %w", t.name, err)
			}
		}
		return nil
	})
	if err != nil {
		return &PersistenceError{Table: "reference", Err: err}
	}

	r.logger.Info(ctx, "[REPO_SYNC_REFERENCE] Reference tables synchronized", logging.Fields{
		"products":  len(catalogue),
		"countries": len(countries),
		"rates":     len(rates),
	})
	return nil
}
