package status

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"leadpipe/internal/apperrors"
	"leadpipe/internal/models"
	"leadpipe/internal/store"
)

// CompletionAnalysis is derived from the counters on read; nothing in it is
// persisted.
type CompletionAnalysis struct {
	IsCompleted          bool    `json:"is_completed"`
	CompletionPercentage float64 `json:"completion_percentage"`
	RemainingBatches     int     `json:"remaining_batches"`
	IsStuck              bool    `json:"is_stuck"`
}

// BatchCompletion pairs a status record with its completion analysis.
type BatchCompletion struct {
	Record   *models.StatusRecord `json:"record"`
	Analysis CompletionAnalysis   `json:"completion_analysis"`
}

// BatchOutcome is what one finished batch contributes to the counters.
type BatchOutcome struct {
	LeadsProcessed int
	LeadsCreated   int
	LeadsUpdated   int
}

// IncrementBatchCompletion reports one finished batch. The increment and the
// read-back of the resulting counters are a single store operation, so any
// number of workers may race on it; the worker that observes the counter
// reach the total finalizes the record. A failed finalize does not fail the
// call: the increment already happened, and the stuck-state sweep repairs
// the status later.
func (s *Service) IncrementBatchCompletion(ctx context.Context, uploadID string, outcome BatchOutcome) (*models.StatusRecord, error) {
	if err := ValidateUploadID(uploadID); err != nil {
		return nil, err
	}
	if outcome.LeadsProcessed < 0 || outcome.LeadsCreated < 0 || outcome.LeadsUpdated < 0 {
		return nil, apperrors.Validation("batch outcome counts must not be negative")
	}

	record, err := s.store.IncrementProgress(ctx, uploadID, store.ProgressDelta{
		CompletedBatches: 1,
		ProcessedLeads:   outcome.LeadsProcessed,
		CreatedLeads:     outcome.LeadsCreated,
		UpdatedLeads:     outcome.LeadsUpdated,
	})
	if err != nil {
		return nil, s.translate("increment batch completion", uploadID, err)
	}

	total := record.Progress.TotalBatches
	completed := record.Progress.CompletedBatches

	// A zero total means the denominator is not known yet; there is no
	// "last batch" to finalize on.
	if total == 0 || completed < total {
		return record, nil
	}

	// Already terminal: a retried batch message landed after completion or
	// cancellation. The increment stands, but the counter must not read
	// past the total, and a cancelled record must not be resurrected.
	if record.Status.Terminal() {
		if completed > total {
			record = s.clampCompleted(ctx, uploadID, record, total)
		}
		return record, nil
	}

	finalized, err := s.finalize(ctx, uploadID, total)
	if err != nil {
		// The increment succeeded; report it and leave the repair to
		// ForceCompletionIfStuck.
		s.logger.Warn("finalize failed after batch increment, leaving record for stuck recovery",
			zap.String("upload_id", uploadID),
			zap.Int("completed_batches", completed),
			zap.Int("total_batches", total),
			zap.Error(err),
		)
		return record, nil
	}
	return finalized, nil
}

// clampCompleted resolves a counter overshoot caused by a redundant
// increment against a finished record. Best effort: the returned record is
// clamped even if the write back fails.
func (s *Service) clampCompleted(ctx context.Context, uploadID string, record *models.StatusRecord, total int) *models.StatusRecord {
	if _, err := s.store.Update(ctx, uploadID, store.Mutation{CompletedBatches: &total}); err != nil {
		s.logger.Warn("failed to clamp completed batch counter",
			zap.String("upload_id", uploadID),
			zap.Error(err),
		)
	}
	record = record.Clone()
	record.Progress.CompletedBatches = total
	return record
}

// finalize flips a fully-counted record to completed. Conditional on the
// status still being non-terminal: a late increment against a cancelled
// upload must never resurrect it, and a second racer finalizing after the
// first is a no-op error swallowed by the caller.
func (s *Service) finalize(ctx context.Context, uploadID string, total int) (*models.StatusRecord, error) {
	completed := models.StatusCompleted
	stage := models.StageCompleted
	pct := 100.0
	now := s.now().UTC()

	record, err := s.store.Update(ctx, uploadID, store.Mutation{
		Status:           &completed,
		Stage:            &stage,
		CompletedBatches: &total,
		Percentage:       &pct,
		CompletionTime:   &now,
		StatusIn:         nonTerminal,
	})
	if err != nil {
		if errors.Is(err, store.ErrPreconditionFailed) {
			// Already terminal: either another worker finalized first or
			// the upload was cancelled. Both are fine; return what is
			// there now.
			current, getErr := s.store.Get(ctx, uploadID)
			if getErr != nil {
				return nil, getErr
			}
			return current, nil
		}
		return nil, err
	}

	s.logger.Info("all batches completed",
		zap.String("upload_id", uploadID),
		zap.Int("total_batches", total),
	)
	return record, nil
}

// BatchCompletionStatus returns the record with its completion analysis.
func (s *Service) BatchCompletionStatus(ctx context.Context, uploadID string) (*BatchCompletion, error) {
	record, err := s.Get(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	return &BatchCompletion{Record: record, Analysis: Analyze(record)}, nil
}

// Analyze computes the completion analysis for a record. Stuck covers both
// the finalize-failed case (counters at or past the total, status never
// flipped) and the one-short case. Terminal cancelled records are never
// stuck: repairing them would overwrite an authoritative cancellation.
func Analyze(record *models.StatusRecord) CompletionAnalysis {
	p := record.Progress
	a := CompletionAnalysis{
		IsCompleted: p.TotalBatches > 0 && p.CompletedBatches >= p.TotalBatches,
	}
	if p.TotalBatches > 0 {
		a.CompletionPercentage = clampPercentage(float64(p.CompletedBatches) / float64(p.TotalBatches) * 100)
		if remaining := p.TotalBatches - p.CompletedBatches; remaining > 0 {
			a.RemainingBatches = remaining
		}
	}

	if record.Status != models.StatusCompleted && record.Status != models.StatusCancelled && p.TotalBatches > 0 {
		switch {
		case p.CompletedBatches >= p.TotalBatches:
			a.IsStuck = true
		case p.CompletedBatches == p.TotalBatches-1:
			a.IsStuck = true
		}
	}
	return a
}

// ForceCompletionIfStuck repairs a record whose counters indicate completion
// but whose finalize never landed. Idempotent: an already-completed record is
// returned untouched, and a record that is not stuck is left alone.
func (s *Service) ForceCompletionIfStuck(ctx context.Context, uploadID string) (*models.StatusRecord, error) {
	record, err := s.Get(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if record.Status == models.StatusCompleted {
		return record, nil
	}
	if !Analyze(record).IsStuck {
		return record, nil
	}

	total := record.Progress.TotalBatches
	completed := models.StatusCompleted
	stage := models.StageCompleted
	pct := 100.0
	forced := true
	now := s.now().UTC()
	reason := fmt.Sprintf("forced completion: %d/%d batches counted while status was %s",
		record.Progress.CompletedBatches, total, record.Status)

	repaired, err := s.store.Update(ctx, uploadID, store.Mutation{
		Status:           &completed,
		Stage:            &stage,
		CompletedBatches: &total,
		Percentage:       &pct,
		CompletionTime:   &now,
		ForcedCompletion: &forced,
		RecoveryAction:   &reason,
		ClearError:       true,
		StatusIn:         nonTerminal,
	})
	if err != nil {
		if errors.Is(err, store.ErrPreconditionFailed) {
			// Finished or cancelled in the meantime; nothing to repair.
			return s.Get(ctx, uploadID)
		}
		return nil, s.translate("force completion", uploadID, err)
	}

	s.logger.Warn("forced stuck upload to completed",
		zap.String("upload_id", uploadID),
		zap.String("reason", reason),
	)
	return repaired, nil
}
