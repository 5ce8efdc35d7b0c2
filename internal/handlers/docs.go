package handlers

import (
	"encoding/json"
	"net/http"

	"circularity-platform/internal/models"
)

func queryParam(name, description string, schema map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"name":        name,
		"in":          "query",
		"description": description,
		"required":    false,
		"schema":      schema,
	}
}

var pageParams = []map[string]interface{}{
	queryParam("page", "Page number (default: 1)", map[string]interface{}{"type": "integer", "default": 1}),
	queryParam("limit", "Records per page (default: 100, max: 1000)", map[string]interface{}{"type": "integer", "default": defaultLimit}),
}

func paginated(item map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"data":        map[string]interface{}{"type": "array", "items": item},
			"total":       map[string]string{"type": "integer"},
			"page":        map[string]string{"type": "integer"},
			"limit":       map[string]string{"type": "integer"},
			"total_pages": map[string]string{"type": "integer"},
		},
	}
}

func jsonResponse(description string, schema map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"description": description,
		"content": map[string]interface{}{
			"application/json": map[string]interface{}{"schema": schema},
		},
	}
}

// indicatorSchema lists every indicator column; measures are nullable since
// an unknown value is never reported as zero.
func indicatorSchema() map[string]interface{} {
	props := map[string]interface{}{}
	for _, col := range models.IndicatorColumns {
		switch col {
		case "product_code", "country_iso", "config_hash":
			props[col] = map[string]string{"type": "string"}
		case "year":
			props[col] = map[string]string{"type": "integer"}
		case "level":
			props[col] = map[string]interface{}{"type": "string", "enum": []string{string(models.LevelCountry), string(models.LevelEUAggregate)}}
		case "source_flags":
			props[col] = map[string]interface{}{"type": "object", "additionalProperties": map[string]string{"type": "string"}}
		default:
			props[col] = map[string]interface{}{"type": "number", "nullable": true}
		}
	}
	return map[string]interface{}{"type": "object", "properties": props}
}

var runSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"run_id":          map[string]string{"type": "string"},
		"started_at":      map[string]string{"type": "string", "format": "date-time"},
		"finished_at":     map[string]string{"type": "string", "format": "date-time"},
		"status":          map[string]interface{}{"type": "string", "enum": []string{models.StatusRunning, models.StatusSucceeded, models.StatusFailed, models.StatusPartial}},
		"config_hash":     map[string]string{"type": "string"},
		"years_requested": map[string]string{"type": "integer"},
		"years_succeeded": map[string]string{"type": "integer"},
		"years_failed":    map[string]string{"type": "integer"},
	},
}

// OpenAPISpec returns the OpenAPI 3.0 specification for the Circularity Platform API
func OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	indicatorParams := append([]map[string]interface{}{
		queryParam("year", "Read one year's table instead of the multi-year table", map[string]interface{}{"type": "integer"}),
		queryParam("product_code", "PRODCOM code, dotted or plain", map[string]interface{}{"type": "string"}),
		queryParam("country", "ISO 3166-1 alpha-2 code or EU27_2020", map[string]interface{}{"type": "string"}),
		queryParam("level", "country or eu_aggregate", map[string]interface{}{"type": "string"}),
	}, pageParams...)

	spec := map[string]interface{}{
		"openapi": "3.0.0",
		"info": map[string]interface{}{
			"title":       "Circularity Platform API",
			"description": "Harmonized production and trade indicators with circular-economy savings estimates",
			"version":     "1.0.0",
			"contact": map[string]string{
				"name": "Circularity Platform Team",
			},
		},
		"servers": []map[string]string{
			{"url": "http://localhost:8080", "description": "Local development server"},
		},
		"paths": map[string]interface{}{
			"/api/indicators": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "Get indicator rows",
					"description": "Retrieve apparent consumption, trade balance and savings estimates with filtering and pagination",
					"parameters":  indicatorParams,
					"responses": map[string]interface{}{
						"200": jsonResponse("Successful response", paginated(indicatorSchema())),
						"400": jsonResponse("Invalid filter", map[string]interface{}{"type": "object"}),
					},
				},
			},
			"/api/indicators/export": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "Export indicators as CSV",
					"description": "Stream indicator rows for the listed years, or for every stored year",
					"parameters": []map[string]interface{}{
						queryParam("years", "Comma-separated years", map[string]interface{}{"type": "string"}),
					},
					"responses": map[string]interface{}{
						"200": map[string]interface{}{
							"description": "CSV document; missing values are empty cells",
							"content": map[string]interface{}{
								"text/csv": map[string]interface{}{"schema": map[string]string{"type": "string"}},
							},
						},
					},
				},
			},
			"/api/runs": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "List pipeline runs",
					"description": "Pipeline runs, newest first",
					"parameters":  pageParams,
					"responses": map[string]interface{}{
						"200": jsonResponse("Successful response", paginated(runSchema)),
					},
				},
			},
			"/api/runs/{run_id}": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "Get one pipeline run",
					"description": "A run with its per-year results",
					"parameters": []map[string]interface{}{
						{"name": "run_id", "in": "path", "required": true, "schema": map[string]string{"type": "string"}},
					},
					"responses": map[string]interface{}{
						"200": jsonResponse("Successful response", runSchema),
						"404": jsonResponse("Unknown run", map[string]interface{}{"type": "object"}),
					},
				},
			},
			"/health": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "Health check",
					"description": "Check that the API and its warehouse are reachable",
					"responses": map[string]interface{}{
						"200": jsonResponse("API is healthy", map[string]interface{}{
							"type":       "object",
							"properties": map[string]interface{}{"status": map[string]string{"type": "string"}},
						}),
						"503": jsonResponse("Warehouse unreachable", map[string]interface{}{"type": "object"}),
					},
				},
			},
			"/metrics": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "Prometheus metrics",
					"description": "Prometheus metrics endpoint for monitoring",
					"responses": map[string]interface{}{
						"200": map[string]interface{}{
							"description": "Prometheus metrics in text format",
							"content": map[string]interface{}{
								"text/plain": map[string]interface{}{
									"schema": map[string]string{"type": "string"},
								},
							},
						},
					},
				},
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(spec)
}
