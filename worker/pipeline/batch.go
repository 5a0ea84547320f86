package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"leadpipe/internal/models"
	"leadpipe/internal/queue"
	"leadpipe/internal/status"
	"leadpipe/worker/parser"
	"leadpipe/worker/standardize"
)

// CancellationChecker answers whether an upload has a drain marker. The
// status record remains the authoritative signal; the marker just avoids a
// store read on the fast path.
type CancellationChecker interface {
	IsCancelled(ctx context.Context, uploadID string) (bool, error)
}

// LeadWriter persists one batch of normalized leads.
type LeadWriter interface {
	UpsertBatch(ctx context.Context, leads []models.Lead) (created, updated int, err error)
}

// BatchProcessor handles one batch message end to end: drain check, fetch,
// standardize, persist, and the atomic completion increment.
type BatchProcessor struct {
	status       *status.Service
	objects      ObjectStore
	standardizer standardize.Standardizer
	leads        LeadWriter
	cancels      CancellationChecker
	logger       *zap.Logger
}

func NewBatchProcessor(
	statusSvc *status.Service,
	objects ObjectStore,
	standardizer standardize.Standardizer,
	leadWriter LeadWriter,
	cancels CancellationChecker,
	logger *zap.Logger,
) *BatchProcessor {
	return &BatchProcessor{
		status:       statusSvc,
		objects:      objects,
		standardizer: standardizer,
		leads:        leadWriter,
		cancels:      cancels,
		logger:       logger,
	}
}

func (p *BatchProcessor) HandleBatch(ctx context.Context, msg *queue.BatchMessage) error {
	drained, err := p.shouldDrain(ctx, msg.UploadID)
	if err != nil {
		return err
	}
	if drained {
		p.logger.Info("draining batch for cancelled upload",
			zap.String("upload_id", msg.UploadID),
			zap.Int("batch_index", msg.BatchIndex),
		)
		return nil
	}

	reader, err := p.objects.Get(ctx, msg.ObjectKey)
	if err != nil {
		p.setError(ctx, msg.UploadID, "could not read batch payload", "BATCH_READ_ERROR", true, 60)
		return nil
	}
	rows, err := parser.ParseCSV(reader)
	reader.Close()
	if err != nil {
		p.setError(ctx, msg.UploadID, "could not parse batch payload", "BATCH_READ_ERROR", true, 60)
		return nil
	}

	normalized, err := p.standardizer.Standardize(ctx, msg.UploadID, rows)
	if err != nil {
		// The standardization service throttles and recovers; let the
		// client decide between retry and abandon.
		p.setError(ctx, msg.UploadID, "lead standardization failed: "+err.Error(), "STANDARDIZE_ERROR", true, 30)
		return nil
	}

	created, updated, err := p.leads.UpsertBatch(ctx, normalized)
	if err != nil {
		p.setError(ctx, msg.UploadID, "could not store leads", "LEAD_STORE_ERROR", true, 60)
		return nil
	}

	record, err := p.status.IncrementBatchCompletion(ctx, msg.UploadID, status.BatchOutcome{
		LeadsProcessed: len(normalized),
		LeadsCreated:   created,
		LeadsUpdated:   updated,
	})
	if err != nil {
		return fmt.Errorf("report batch completion: %w", err)
	}

	p.logger.Info("batch processed",
		zap.String("upload_id", msg.UploadID),
		zap.String("trace_id", msg.TraceID),
		zap.Int("batch_index", msg.BatchIndex),
		zap.Int("leads", len(normalized)),
		zap.Int("completed_batches", record.Progress.CompletedBatches),
		zap.Int("total_batches", record.Progress.TotalBatches),
		zap.String("status", string(record.Status)),
	)
	return nil
}

// shouldDrain checks the cancellation marker first, then falls back to the
// status record. A marker lookup failure is not fatal; the record decides.
func (p *BatchProcessor) shouldDrain(ctx context.Context, uploadID string) (bool, error) {
	if cancelled, err := p.cancels.IsCancelled(ctx, uploadID); err == nil && cancelled {
		return true, nil
	}

	record, err := p.status.Get(ctx, uploadID)
	if err != nil {
		return false, fmt.Errorf("resolve upload for batch: %w", err)
	}
	return record.Status == models.StatusCancelled, nil
}

func (p *BatchProcessor) setError(ctx context.Context, uploadID, message, code string, recoverable bool, retryAfter int) {
	if _, err := p.status.SetError(ctx, uploadID, message, code, recoverable, retryAfter); err != nil {
		p.logger.Error("failed to record batch error",
			zap.String("upload_id", uploadID),
			zap.Error(err),
		)
	}
}
