// Package indicators derives apparent consumption, trade balance and
// circular-economy savings from harmonized rows.
package indicators

import (
	"context"

	"circularity-platform/internal/models"
	"circularity-platform/internal/params"
	"circularity-platform/pkg/logging"
)

// Calculator computes indicator rows. It holds no mutable state.
type Calculator struct {
	params *params.AnalysisParameters
	logger *logging.StructuredLogger
}

// NewCalculator creates a Calculator bound to one run's parameters.
func NewCalculator(p *params.AnalysisParameters, logger *logging.StructuredLogger) *Calculator {
	return &Calculator{params: p, logger: logger}
}

// Compute derives one indicator row per harmonized row, preserving order.
// Missing inputs propagate; nothing is clamped.
func (c *Calculator) Compute(ctx context.Context, year int, rows []models.HarmonizedRow) []models.IndicatorRow {
	out := make([]models.IndicatorRow, 0, len(rows))
	noRates := make(map[string]bool)

	for _, h := range rows {
		r := models.IndicatorRow{HarmonizedRow: h, ConfigHash: c.params.ConfigHash()}

		r.ApparentConsumptionT = h.ProductionVolumeT.Add(h.ImportVolumeT).Sub(h.ExportVolumeT)
		r.ApparentConsumptionEUR = h.ProductionValueEUR.Add(h.ImportValueEUR).Sub(h.ExportValueEUR)
		r.TradeBalanceT = h.ExportVolumeT.Sub(h.ImportVolumeT)
		r.TradeBalanceEUR = h.ExportValueEUR.Sub(h.ImportValueEUR)

		r.MaterialRecoveryRate = c.params.RecoveryRate(h.ProductCode, year)

		refurb, okRefurb := c.params.Rate(h.ProductCode, models.StrategyRefurbishment)
		if okRefurb {
			r.RefurbCurrentRatePct = models.Some(refurb.CurrentRatePct.InexactFloat64())
			r.RefurbPotentialRatePct = models.Some(refurb.PotentialRatePct.InexactFloat64())
			f := refurb.PotentialFraction()
			r.RefurbishmentSavingsT = r.ApparentConsumptionT.Scale(f)
			r.RefurbishmentSavingsEUR = r.ApparentConsumptionEUR.Scale(f)
		}

		recycle, okRecycle := c.params.Rate(h.ProductCode, models.StrategyRecycling)
		if okRecycle {
			r.RecycleCurrentRatePct = models.Some(recycle.CurrentRatePct.InexactFloat64())
			r.RecyclePotentialRatePct = models.Some(recycle.PotentialRatePct.InexactFloat64())
			share := r.MaterialRecoveryRate.Scale(recycle.PotentialFraction())
			r.RecyclingSavingsT = r.ApparentConsumptionT.Mul(share)
			r.RecyclingSavingsEUR = r.ApparentConsumptionEUR.Mul(share)
		}

		if (!okRefurb || !okRecycle) && !noRates[h.ProductCode] {
			noRates[h.ProductCode] = true
			c.logger.Warn(ctx, "[RATES_MISSING] No rate parameters for product; savings left empty", logging.Fields{
				"product_code":  h.ProductCode,
				"year":          year,
				"refurbishment": okRefurb,
				"recycling":     okRecycle,
			})
		}

		out = append(out, r)
	}
	return out
}
