package store

import (
	"context"
	"errors"
	"time"

	"leadpipe/internal/models"
)

var (
	ErrNotFound           = errors.New("status record not found")
	ErrAlreadyExists      = errors.New("status record already exists")
	ErrPreconditionFailed = errors.New("status record precondition failed")
)

// Mutation is a partial update: only non-nil fields are written. All fields
// of one mutation are applied atomically; readers never observe a partial
// write.
type Mutation struct {
	Status             *models.Status
	Stage              *models.Stage
	TotalBatches       *int
	CompletedBatches   *int
	TotalLeads         *int
	ProcessedLeads     *int
	CreatedLeads       *int
	UpdatedLeads       *int
	Percentage         *float64
	ProcessingRate     *float64
	EstimatedRemaining *int
	ShowEstimates      *bool
	CompletionTime     *time.Time
	CancellationTime   *time.Time
	CancellationReason *string
	ForcedCompletion   *bool
	RecoveryAction     *string
	Error              *models.ErrorInfo
	ClearError         bool

	// StatusIn, when non-empty, makes the update conditional: it applies
	// only while the record's current status is one of the listed values,
	// otherwise ErrPreconditionFailed is returned.
	StatusIn []models.Status
}

// ProgressDelta is one batch worker's contribution to the shared counters.
type ProgressDelta struct {
	CompletedBatches int
	ProcessedLeads   int
	CreatedLeads     int
	UpdatedLeads     int
}

// Store is the single-record-atomic persistence layer for status documents.
// It is the only coordination point between concurrently running batch
// workers, so IncrementProgress must be indivisible at the store level and
// must return the post-increment state from the same operation.
type Store interface {
	Get(ctx context.Context, uploadID string) (*models.StatusRecord, error)
	PutIfAbsent(ctx context.Context, record *models.StatusRecord) error
	Update(ctx context.Context, uploadID string, m Mutation) (*models.StatusRecord, error)

	// IncrementProgress atomically adds the given deltas to the progress
	// counters and returns the resulting record. Not a read-modify-write:
	// the increments and the read-back are one store operation.
	IncrementProgress(ctx context.Context, uploadID string, d ProgressDelta) (*models.StatusRecord, error)

	// ListStuck returns IDs of records whose counters reached their total
	// but whose status was never flipped to completed (a failed finalize).
	ListStuck(ctx context.Context) ([]string, error)

	// DeleteExpired removes records whose TTL has passed.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
