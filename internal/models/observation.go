package models

import (
	"strconv"
	"strings"
)

// Source identifies one of the two statistical systems.
type Source string

const (
	SourceProdcom Source = "prodcom"
	SourceComext  Source = "comext"
)

// Trade flow codes as published by COMEXT.
const (
	FlowImport = "1"
	FlowExport = "2"
)

// RawObservation is one line of a raw long table, stored as fetched.
// Rows are append-only; one table holds one (dataset, year).
type RawObservation struct {
	DatasetID           string `json:"dataset_id" db:"dataset_id"`
	TimePeriod          string `json:"time_period" db:"time_period"`
	ReportingEntityCode string `json:"reporting_entity_code" db:"reporting_entity_code"`
	ProductCode         string `json:"product_code" db:"product_code"`
	Flow                string `json:"flow" db:"flow"`
	Partner             string `json:"partner" db:"partner"`
	IndicatorCode       string `json:"indicator_code" db:"indicator_code"`
	Value               string `json:"value" db:"value"`
	FetchedAt           string `json:"fetched_at" db:"fetched_at"`
	OriginalCode        string `json:"original_code" db:"original_code"`
}

// Year parses the leading four digits of the time period ("2020", "2020M01").
func (r *RawObservation) Year() (int, error) {
	tp := strings.TrimSpace(r.TimePeriod)
	if len(tp) > 4 {
		tp = tp[:4]
	}
	y, err := strconv.Atoi(tp)
	if err != nil {
		return 0, &ValidationError{
			Field:   "time_period",
			Value:   r.TimePeriod,
			Message: "time period does not start with a four digit year",
		}
	}
	return y, nil
}

// RawColumns lists the raw table columns in storage order.
var RawColumns = []string{
	"dataset_id", "time_period", "reporting_entity_code", "product_code",
	"flow", "partner", "indicator_code", "value", "fetched_at", "original_code",
}

// Args returns the row values in RawColumns order.
func (r *RawObservation) Args() []interface{} {
	return []interface{}{
		r.DatasetID, r.TimePeriod, r.ReportingEntityCode, r.ProductCode,
		r.Flow, r.Partner, r.IndicatorCode, r.Value, r.FetchedAt, r.OriginalCode,
	}
}
