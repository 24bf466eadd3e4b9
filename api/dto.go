/*
dto.go - Data Transfer Objects for API responses

PURPOSE:
  Request bodies decode straight into the engine's typed requests
  (inventory.*Request), which carry their own json and validate tags. This
  file only holds the shapes that differ from the domain types: error
  envelopes, health, job status, and drift reports.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Response: Envelopes

SEE ALSO:
  - handlers.go: Uses these types
  - inventory/errors.go: Error kinds behind ErrorResponse.Kind
*/
package api

import (
	"time"

	"github.com/warp/stock-ledger/inventory"
)

// ErrorResponse is the body of every non-2xx response.
// Retryable tells the UI that nothing was applied and the same call may be repeated.
type ErrorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Field     string `json:"field,omitempty"`
	Retryable bool   `json:"retryable"`
}

type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

// ImportJobDTO is an import job without its rows.
type ImportJobDTO struct {
	ID           string                    `json:"id"`
	Status       inventory.ImportJobStatus `json:"status"`
	Total        int                       `json:"total"`
	Processed    int                       `json:"processed"`
	SuccessCount int                       `json:"success_count"`
	ErrorCount   int                       `json:"error_count"`
	Errors       []inventory.RowError      `json:"errors,omitempty"`
	Failure      string                    `json:"failure,omitempty"`
	CreatedAt    time.Time                 `json:"created_at"`
	StartedAt    *time.Time                `json:"started_at,omitempty"`
	CompletedAt  *time.Time                `json:"completed_at,omitempty"`
}

func toImportJobDTO(j inventory.ImportJob) ImportJobDTO {
	return ImportJobDTO{
		ID:           j.ID,
		Status:       j.Status,
		Total:        j.Total,
		Processed:    j.Processed,
		SuccessCount: j.SuccessCount,
		ErrorCount:   j.ErrorCount,
		Errors:       j.Errors,
		Failure:      j.Failure,
		CreatedAt:    j.CreatedAt,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
	}
}

// DriftDTO reports one snapshot that differs from the ledger replay.
type DriftDTO struct {
	ProductID  string                  `json:"product_id"`
	LocationID string                  `json:"location_id"`
	Stored     inventory.StockSnapshot `json:"stored"`
	Replayed   inventory.StockSnapshot `json:"replayed"`
}

type DriftResponse struct {
	Consistent bool       `json:"consistent"`
	Drift      []DriftDTO `json:"drift"`
}

func toDriftResponse(drift []inventory.Drift) DriftResponse {
	out := DriftResponse{Consistent: len(drift) == 0, Drift: make([]DriftDTO, len(drift))}
	for i, d := range drift {
		out.Drift[i] = DriftDTO{
			ProductID:  d.Key.ProductID,
			LocationID: d.Key.LocationID,
			Stored:     d.Stored,
			Replayed:   d.Replayed,
		}
	}
	return out
}
