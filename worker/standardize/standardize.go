package standardize

import (
	"context"

	"leadpipe/internal/models"
)

// Standardizer normalizes raw spreadsheet rows into lead records. The
// actual normalization runs in an external LLM-backed service; this package
// only carries the contract and the HTTP client for it.
type Standardizer interface {
	Standardize(ctx context.Context, uploadID string, rows []models.RawLead) ([]models.Lead, error)
}
