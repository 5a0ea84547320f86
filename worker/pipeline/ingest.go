package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"leadpipe/internal/apperrors"
	"leadpipe/internal/models"
	"leadpipe/internal/queue"
	"leadpipe/internal/status"
	"leadpipe/worker/parser"
)

// ObjectStore is the slice of object storage the pipeline needs.
type ObjectStore interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// BatchDispatcher publishes batch messages to the work queue.
type BatchDispatcher interface {
	SendBatchMessage(ctx context.Context, msg *queue.BatchMessage) error
}

// BatchObjectKey names the payload object for one batch.
type BatchObjectKey func(uploadID string, batchIndex int) string

// Ingestor turns an uploaded spreadsheet into fixed-size batches: it parses
// the file, stores one payload object per batch, records the totals on the
// status record, and only then dispatches the batch messages so that every
// increment sees the final denominator.
type Ingestor struct {
	status    *status.Service
	objects   ObjectStore
	producer  BatchDispatcher
	batchKey  BatchObjectKey
	batchSize int
	logger    *zap.Logger
}

func NewIngestor(
	statusSvc *status.Service,
	objects ObjectStore,
	producer BatchDispatcher,
	batchKey BatchObjectKey,
	batchSize int,
	logger *zap.Logger,
) *Ingestor {
	return &Ingestor{
		status:    statusSvc,
		objects:   objects,
		producer:  producer,
		batchKey:  batchKey,
		batchSize: batchSize,
		logger:    logger,
	}
}

// HandleFile processes one file message. Business failures are recorded on
// the status record, not returned: the record is the only channel polling
// clients see. A file message for an already-finished upload is drained:
// both status updates carry a non-terminal precondition, so a cancellation
// that raced the queue can never be overwritten.
func (in *Ingestor) HandleFile(ctx context.Context, msg *queue.FileMessage) error {
	processing := models.StatusProcessing
	fileStage := models.StageFileProcessing
	if _, err := in.status.Update(ctx, msg.UploadID, status.UpdateInput{
		Status:     &processing,
		Stage:      &fileStage,
		ActiveOnly: true,
	}); err != nil {
		if apperrors.IsCode(err, apperrors.CodeConflict) {
			in.logger.Info("draining file message for finished upload",
				zap.String("upload_id", msg.UploadID),
			)
			return nil
		}
		return fmt.Errorf("mark file processing: %w", err)
	}

	rows, err := in.readRows(ctx, msg.ObjectKey)
	if err != nil {
		in.setError(ctx, msg.UploadID, "could not read the uploaded file: "+err.Error(), "PARSE_ERROR", false, 0)
		return nil
	}

	if len(rows) == 0 {
		// Nothing to batch; there is no "last batch" to finalize, so the
		// pipeline completes the upload explicitly. A cancellation that
		// landed meanwhile wins and the message is drained.
		if _, err := in.status.Complete(ctx, msg.UploadID, 0, 0, 0); err != nil {
			if apperrors.IsCode(err, apperrors.CodeValidation) {
				return nil
			}
			return fmt.Errorf("complete empty upload: %w", err)
		}
		in.logger.Info("upload contained no leads", zap.String("upload_id", msg.UploadID))
		return nil
	}

	batches := parser.SplitBatches(rows, in.batchSize)

	keys := make([]string, len(batches))
	for i, batch := range batches {
		var buf bytes.Buffer
		if err := parser.WriteCSV(&buf, batch); err != nil {
			in.setError(ctx, msg.UploadID, "could not prepare batch payloads", "BATCH_WRITE_ERROR", true, 60)
			return nil
		}
		keys[i] = in.batchKey(msg.UploadID, i)
		if err := in.objects.Put(ctx, keys[i], buf.Bytes(), "text/csv"); err != nil {
			in.setError(ctx, msg.UploadID, "could not store batch payloads", "BATCH_WRITE_ERROR", true, 60)
			return nil
		}
	}

	// Totals must be visible before any batch message is consumable,
	// otherwise an early increment sees a zero denominator. Counters are
	// reset to zero so a retried file starts a fresh count; lead upserts
	// make the reprocessing itself idempotent.
	totalBatches := len(batches)
	totalLeads := len(rows)
	zero := 0
	batchStage := models.StageBatchProcessing
	if _, err := in.status.Update(ctx, msg.UploadID, status.UpdateInput{
		Status:           &processing,
		Stage:            &batchStage,
		TotalBatches:     &totalBatches,
		TotalLeads:       &totalLeads,
		CompletedBatches: &zero,
		ProcessedLeads:   &zero,
		CreatedLeads:     &zero,
		UpdatedLeads:     &zero,
		ActiveOnly:       true,
	}); err != nil {
		// Cancelled while the file was being split: stop before any batch
		// message goes out.
		if apperrors.IsCode(err, apperrors.CodeConflict) {
			in.logger.Info("draining file message for finished upload",
				zap.String("upload_id", msg.UploadID),
			)
			return nil
		}
		return fmt.Errorf("record batch totals: %w", err)
	}

	for i, batch := range batches {
		err := in.producer.SendBatchMessage(ctx, &queue.BatchMessage{
			UploadID:   msg.UploadID,
			TraceID:    msg.TraceID,
			BatchIndex: i,
			ObjectKey:  keys[i],
			LeadCount:  len(batch),
		})
		if err != nil {
			in.setError(ctx, msg.UploadID, "could not queue batches for processing", "DISPATCH_ERROR", true, 60)
			return nil
		}
	}

	in.logger.Info("file split into batches",
		zap.String("upload_id", msg.UploadID),
		zap.String("trace_id", msg.TraceID),
		zap.Int("total_leads", totalLeads),
		zap.Int("total_batches", totalBatches),
	)
	return nil
}

func (in *Ingestor) readRows(ctx context.Context, objectKey string) ([]models.RawLead, error) {
	reader, err := in.objects.Get(ctx, objectKey)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return parser.ParseCSV(reader)
}

func (in *Ingestor) setError(ctx context.Context, uploadID, message, code string, recoverable bool, retryAfter int) {
	if _, err := in.status.SetError(ctx, uploadID, message, code, recoverable, retryAfter); err != nil {
		in.logger.Error("failed to record ingestion error",
			zap.String("upload_id", uploadID),
			zap.Error(err),
		)
	}
}
