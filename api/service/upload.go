package service

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"leadpipe/api/dto"
	"leadpipe/internal/cache"
	"leadpipe/internal/leads"
	"leadpipe/internal/models"
	"leadpipe/internal/queue"
	"leadpipe/internal/status"
	"leadpipe/internal/storage"
)

const presignExpiry = 15 * time.Minute

// UploadService ties the upload flow together: object storage for the raw
// spreadsheet, the status service for lifecycle state, Kafka for dispatching
// the file to the ingestion pipeline.
type UploadService struct {
	status   *status.Service
	cache    *cache.StatusCache
	objects  *storage.ObjectStore
	producer queue.Producer
	leads    leads.Repository
	logger   *zap.Logger
}

func NewUploadService(
	statusSvc *status.Service,
	statusCache *cache.StatusCache,
	objects *storage.ObjectStore,
	producer queue.Producer,
	leadRepo leads.Repository,
	logger *zap.Logger,
) *UploadService {
	return &UploadService{
		status:   statusSvc,
		cache:    statusCache,
		objects:  objects,
		producer: producer,
		leads:    leadRepo,
		logger:   logger,
	}
}

func (s *UploadService) CreateUpload(ctx context.Context, traceID, fileName string, fileSize int64, content io.Reader) (*dto.UploadResponse, error) {
	uploadID := uuid.NewString()

	record, err := s.status.Create(ctx, uploadID, fileName, fileSize)
	if err != nil {
		return nil, err
	}

	objectKey := storage.UploadObjectKey(uploadID, fileName)
	if err := s.objects.PutStream(ctx, objectKey, content, fileSize, "application/octet-stream"); err != nil {
		s.failUpload(ctx, uploadID, "failed to store uploaded file", "STORAGE_ERROR")
		return nil, fmt.Errorf("store upload object: %w", err)
	}

	uploaded := models.StatusUploaded
	record, err = s.status.Update(ctx, uploadID, status.UpdateInput{Status: &uploaded})
	if err != nil {
		return nil, err
	}

	msg := &queue.FileMessage{
		UploadID:  uploadID,
		TraceID:   traceID,
		ObjectKey: objectKey,
		FileName:  fileName,
		FileSize:  fileSize,
	}
	if err := s.producer.SendFileMessage(ctx, msg); err != nil {
		s.failUpload(ctx, uploadID, "failed to queue file for processing", "DISPATCH_ERROR")
		return nil, fmt.Errorf("dispatch file message: %w", err)
	}

	if err := s.cache.Set(ctx, record); err != nil {
		s.logger.Warn("status cache write failed", zap.String("upload_id", uploadID), zap.Error(err))
	}

	return &dto.UploadResponse{
		UploadID: uploadID,
		TraceID:  traceID,
		FileName: fileName,
		Status:   string(record.Status),
		Message:  "File received, processing will start shortly",
	}, nil
}

// failUpload records a dispatch/storage failure on the status record so the
// polling client sees it. Best effort; the original error is what gets
// returned to the caller.
func (s *UploadService) failUpload(ctx context.Context, uploadID, message, code string) {
	if _, err := s.status.SetError(ctx, uploadID, message, code, true, 60); err != nil {
		s.logger.Warn("failed to record upload error",
			zap.String("upload_id", uploadID),
			zap.Error(err),
		)
	}
}

// PresignUpload creates the status record up front and hands the client a
// presigned PUT so large files bypass the API process.
func (s *UploadService) PresignUpload(ctx context.Context, req *dto.PresignRequest) (*dto.PresignResponse, error) {
	uploadID := uuid.NewString()

	if _, err := s.status.Create(ctx, uploadID, req.FileName, req.FileSize); err != nil {
		return nil, err
	}

	objectKey := storage.UploadObjectKey(uploadID, req.FileName)
	url, err := s.objects.PresignPut(ctx, objectKey, presignExpiry)
	if err != nil {
		return nil, fmt.Errorf("presign upload: %w", err)
	}

	return &dto.PresignResponse{
		UploadID:  uploadID,
		URL:       url,
		ObjectKey: objectKey,
		ExpiresIn: int(presignExpiry.Seconds()),
	}, nil
}

func (s *UploadService) GetStatus(ctx context.Context, uploadID string) (*dto.StatusResponse, error) {
	if err := status.ValidateUploadID(uploadID); err != nil {
		return nil, err
	}

	if record, err := s.cache.Get(ctx, uploadID); err == nil {
		return s.toStatusResponse(record), nil
	}

	record, err := s.status.Get(ctx, uploadID)
	if err != nil {
		return nil, err
	}

	if err := s.cache.Set(ctx, record); err != nil {
		s.logger.Warn("status cache write failed", zap.String("upload_id", uploadID), zap.Error(err))
	}
	return s.toStatusResponse(record), nil
}

// Retry recovers an upload from a recoverable error and re-dispatches the
// stored file to the ingestion pipeline, which restarts the batch count from
// zero. Lead upserts make the reprocessing idempotent.
func (s *UploadService) Retry(ctx context.Context, traceID, uploadID, reason string) (*dto.StatusResponse, error) {
	if reason == "" {
		reason = "User requested retry"
	}

	record, err := s.status.RecoverFromError(ctx, uploadID, reason)
	if err != nil {
		return nil, err
	}

	msg := &queue.FileMessage{
		UploadID:  uploadID,
		TraceID:   traceID,
		ObjectKey: storage.UploadObjectKey(uploadID, record.Metadata.FileName),
		FileName:  record.Metadata.FileName,
		FileSize:  record.Metadata.FileSize,
	}
	if err := s.producer.SendFileMessage(ctx, msg); err != nil {
		s.failUpload(ctx, uploadID, "failed to queue file for reprocessing", "DISPATCH_ERROR")
		return nil, fmt.Errorf("dispatch retry message: %w", err)
	}

	if err := s.cache.Set(ctx, record); err != nil {
		s.logger.Warn("status cache write failed", zap.String("upload_id", uploadID), zap.Error(err))
	}

	s.logger.Info("upload retry dispatched",
		zap.String("upload_id", uploadID),
		zap.String("reason", reason),
	)
	return s.toStatusResponse(record), nil
}

// Cancel flips the record to cancelled and leaves the drain marker for the
// batch consumer. A marker failure does not fail the cancellation: the
// status record is the authoritative signal consumers check on receipt.
func (s *UploadService) Cancel(ctx context.Context, uploadID, reason string) (*dto.StatusResponse, error) {
	record, err := s.status.Cancel(ctx, uploadID, reason)
	if err != nil {
		return nil, err
	}

	if err := s.cache.MarkCancelled(ctx, uploadID); err != nil {
		s.logger.Warn("failed to mark upload cancelled in cache",
			zap.String("upload_id", uploadID),
			zap.Error(err),
		)
	}
	if err := s.cache.Set(ctx, record); err != nil {
		s.logger.Warn("status cache write failed", zap.String("upload_id", uploadID), zap.Error(err))
	}

	return s.toStatusResponse(record), nil
}

func (s *UploadService) ListLeads(ctx context.Context, uploadID string, limit, offset int) (*dto.LeadListResponse, error) {
	if err := status.ValidateUploadID(uploadID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	total, err := s.leads.CountByUpload(ctx, uploadID)
	if err != nil {
		return nil, fmt.Errorf("count leads: %w", err)
	}
	items, err := s.leads.List(ctx, uploadID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list leads: %w", err)
	}

	return &dto.LeadListResponse{
		UploadID: uploadID,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
		Leads:    items,
	}, nil
}

// ExportLeads streams the upload's leads as CSV.
func (s *UploadService) ExportLeads(ctx context.Context, uploadID string, w io.Writer) error {
	if err := status.ValidateUploadID(uploadID); err != nil {
		return err
	}

	writer := csv.NewWriter(w)
	if err := writer.Write([]string{"email", "first_name", "last_name", "company", "title", "phone", "country"}); err != nil {
		return err
	}

	err := s.leads.ForEach(ctx, uploadID, func(lead models.Lead) error {
		return writer.Write([]string{
			lead.Email, lead.FirstName, lead.LastName,
			lead.Company, lead.Title, lead.Phone, lead.Country,
		})
	})
	if err != nil {
		return err
	}

	writer.Flush()
	return writer.Error()
}

func (s *UploadService) toStatusResponse(record *models.StatusRecord) *dto.StatusResponse {
	enhanced := status.Enhance(record)
	analysis := status.Analyze(record)
	return dto.FromEnhanced(enhanced, &analysis)
}
