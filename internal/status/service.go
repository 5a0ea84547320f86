package status

import (
	"context"
	"errors"
	"regexp"
	"time"

	"go.uber.org/zap"

	"leadpipe/internal/apperrors"
	"leadpipe/internal/models"
	"leadpipe/internal/store"
)

const (
	maxUploadIDLength = 255

	// Estimates are suppressed until this much time has elapsed; early
	// rates are too noisy to show to a polling client.
	minEstimateWindow = 30 * time.Second

	// Retry hint handed to callers when the store is unavailable.
	storeRetryAfterSeconds = 30
)

var uploadIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateUploadID checks the caller-supplied identifier against the
// allow-listed character set and length bound.
func ValidateUploadID(uploadID string) error {
	if uploadID == "" {
		return apperrors.Validation("upload id is required")
	}
	if len(uploadID) > maxUploadIDLength {
		return apperrors.Validation("upload id exceeds %d characters", maxUploadIDLength)
	}
	if !uploadIDPattern.MatchString(uploadID) {
		return apperrors.Validation("upload id may only contain letters, digits, '-' and '_'")
	}
	return nil
}

// Service owns the status lifecycle state machine. It carries no mutable
// state of its own; all cross-worker coordination is delegated to the
// store's single-record atomicity.
type Service struct {
	store  store.Store
	logger *zap.Logger
	ttl    time.Duration
	now    func() time.Time
}

func NewService(st store.Store, logger *zap.Logger, ttl time.Duration) *Service {
	return &Service{
		store:  st,
		logger: logger,
		ttl:    ttl,
		now:    time.Now,
	}
}

// nonTerminal lists every status a record may still transition out of.
var nonTerminal = []models.Status{
	models.StatusUploading, models.StatusUploaded, models.StatusProcessing, models.StatusError,
}

func (s *Service) Create(ctx context.Context, uploadID, fileName string, fileSize int64) (*models.StatusRecord, error) {
	if err := ValidateUploadID(uploadID); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	record := &models.StatusRecord{
		UploadID: uploadID,
		Status:   models.StatusUploading,
		Stage:    models.StageFileUpload,
		Metadata: models.Metadata{
			FileName:  fileName,
			FileSize:  fileSize,
			StartTime: now,
		},
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	if err := s.store.PutIfAbsent(ctx, record); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, apperrors.Conflict("status record already exists for upload %s", uploadID)
		}
		return nil, s.storeFailure("create status", uploadID, err)
	}

	s.logger.Info("status record created",
		zap.String("upload_id", uploadID),
		zap.String("file_name", fileName),
		zap.Int64("file_size", fileSize),
	)
	return record, nil
}

// UpdateInput is a partial status update: nil fields are left untouched.
type UpdateInput struct {
	Status           *models.Status
	Stage            *models.Stage
	TotalBatches     *int
	CompletedBatches *int
	TotalLeads       *int
	ProcessedLeads   *int
	CreatedLeads     *int
	UpdatedLeads     *int

	// ActiveOnly makes the update conditional on the record still being in
	// a non-terminal status. A completed or cancelled record is left
	// untouched and the call returns a Conflict, so consumers of queued
	// messages can never resurrect a finished upload.
	ActiveOnly bool
}

func (in *UpdateInput) validate() error {
	if in.Status != nil && !in.Status.Valid() {
		return apperrors.Validation("invalid status %q", string(*in.Status))
	}
	if in.Stage != nil && !in.Stage.Valid() {
		return apperrors.Validation("invalid stage %q", string(*in.Stage))
	}
	for name, v := range map[string]*int{
		"total_batches":     in.TotalBatches,
		"completed_batches": in.CompletedBatches,
		"total_leads":       in.TotalLeads,
		"processed_leads":   in.ProcessedLeads,
		"created_leads":     in.CreatedLeads,
		"updated_leads":     in.UpdatedLeads,
	} {
		if v != nil && *v < 0 {
			return apperrors.Validation("%s must not be negative", name)
		}
	}
	return nil
}

// Update applies a partial update and recomputes the derived progress
// fields. A zero total is treated as an unknown denominator: the percentage
// keeps its last known value and no division happens.
func (s *Service) Update(ctx context.Context, uploadID string, in UpdateInput) (*models.StatusRecord, error) {
	if err := ValidateUploadID(uploadID); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	current, err := s.Get(ctx, uploadID)
	if err != nil {
		return nil, err
	}

	total := current.Progress.TotalBatches
	if in.TotalBatches != nil {
		total = *in.TotalBatches
	}
	completed := current.Progress.CompletedBatches
	if in.CompletedBatches != nil {
		completed = *in.CompletedBatches
	}

	m := store.Mutation{
		Status:           in.Status,
		Stage:            in.Stage,
		TotalBatches:     in.TotalBatches,
		CompletedBatches: in.CompletedBatches,
		TotalLeads:       in.TotalLeads,
		ProcessedLeads:   in.ProcessedLeads,
		CreatedLeads:     in.CreatedLeads,
		UpdatedLeads:     in.UpdatedLeads,
	}

	if total > 0 {
		pct := clampPercentage(float64(completed) / float64(total) * 100)
		m.Percentage = &pct
	}
	rate, remaining, show := s.estimate(current.Metadata.StartTime, total, completed)
	m.ProcessingRate = &rate
	m.EstimatedRemaining = &remaining
	m.ShowEstimates = &show

	if in.ActiveOnly {
		m.StatusIn = nonTerminal
	}

	record, err := s.store.Update(ctx, uploadID, m)
	if err != nil {
		if in.ActiveOnly && errors.Is(err, store.ErrPreconditionFailed) {
			return nil, apperrors.Conflict("upload %s is already finished", uploadID)
		}
		return nil, s.translate("update status", uploadID, err)
	}
	return record, nil
}

func (s *Service) Get(ctx context.Context, uploadID string) (*models.StatusRecord, error) {
	if err := ValidateUploadID(uploadID); err != nil {
		return nil, err
	}
	record, err := s.store.Get(ctx, uploadID)
	if err != nil {
		return nil, s.translate("get status", uploadID, err)
	}
	s.refreshEstimates(record)
	return record, nil
}

// refreshEstimates derives rate and remaining time from the live counters at
// read time. Batch increments bump counters in a single statement and never
// touch these fields, so a record fetched mid-processing would otherwise
// carry estimates frozen at the last full update.
func (s *Service) refreshEstimates(record *models.StatusRecord) {
	if record.Status.Terminal() {
		return
	}
	rate, remaining, show := s.estimate(
		record.Metadata.StartTime,
		record.Progress.TotalBatches,
		record.Progress.CompletedBatches,
	)
	record.Progress.ProcessingRate = rate
	record.Progress.EstimatedRemainingSeconds = remaining
	record.Progress.ShowEstimates = show
}

// SetError records a business-process failure into the status document.
// Progress counters are preserved so a recovery can resume where the
// pipeline stopped.
func (s *Service) SetError(ctx context.Context, uploadID, message, code string, recoverable bool, retryAfter int) (*models.StatusRecord, error) {
	if err := ValidateUploadID(uploadID); err != nil {
		return nil, err
	}
	if message == "" {
		return nil, apperrors.Validation("error message is required")
	}

	errStatus := models.StatusError
	record, err := s.store.Update(ctx, uploadID, store.Mutation{
		Status: &errStatus,
		Error: &models.ErrorInfo{
			Message:     message,
			Code:        code,
			Timestamp:   s.now().UTC(),
			Recoverable: recoverable,
			RetryAfter:  retryAfter,
		},
		StatusIn: nonTerminal,
	})
	if err != nil {
		if errors.Is(err, store.ErrPreconditionFailed) {
			return nil, apperrors.Validation("cannot set error on a terminal upload %s", uploadID)
		}
		return nil, s.translate("set error", uploadID, err)
	}

	s.logger.Warn("upload entered error state",
		zap.String("upload_id", uploadID),
		zap.String("code", code),
		zap.Bool("recoverable", recoverable),
	)
	return record, nil
}

// RecoverFromError transitions error back to processing. Only recoverable
// errors qualify; anything else needs a fresh upload.
func (s *Service) RecoverFromError(ctx context.Context, uploadID, reason string) (*models.StatusRecord, error) {
	current, err := s.Get(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if current.Status != models.StatusError {
		return nil, apperrors.Validation("upload %s is %s, only error status can recover", uploadID, current.Status)
	}
	if current.Error == nil || !current.Error.Recoverable {
		return nil, apperrors.Validation("upload %s has a non-recoverable error", uploadID)
	}

	processing := models.StatusProcessing
	stage := models.StageBatchProcessing
	record, err := s.store.Update(ctx, uploadID, store.Mutation{
		Status:         &processing,
		Stage:          &stage,
		RecoveryAction: &reason,
		ClearError:     true,
		StatusIn:       []models.Status{models.StatusError},
	})
	if err != nil {
		if errors.Is(err, store.ErrPreconditionFailed) {
			return nil, apperrors.Validation("upload %s left error status before recovery", uploadID)
		}
		return nil, s.translate("recover from error", uploadID, err)
	}

	s.logger.Info("upload recovered from error",
		zap.String("upload_id", uploadID),
		zap.String("reason", reason),
	)
	return record, nil
}

// Complete forces the terminal completed state with final lead counts. Used
// by the pipeline when it finishes outside the batch-counting path, e.g. an
// upload that produced zero batches.
func (s *Service) Complete(ctx context.Context, uploadID string, totalLeads, createdLeads, updatedLeads int) (*models.StatusRecord, error) {
	if err := ValidateUploadID(uploadID); err != nil {
		return nil, err
	}

	current, err := s.Get(ctx, uploadID)
	if err != nil {
		return nil, err
	}

	completed := models.StatusCompleted
	stage := models.StageCompleted
	pct := 100.0
	now := s.now().UTC()
	m := store.Mutation{
		Status:         &completed,
		Stage:          &stage,
		Percentage:     &pct,
		TotalLeads:     &totalLeads,
		CreatedLeads:   &createdLeads,
		UpdatedLeads:   &updatedLeads,
		CompletionTime: &now,
		ClearError:     true,
		StatusIn:       append([]models.Status{models.StatusCompleted}, nonTerminal...),
	}
	// completed implies completedBatches == totalBatches
	if total := current.Progress.TotalBatches; total > 0 {
		m.CompletedBatches = &total
	}

	record, err := s.store.Update(ctx, uploadID, m)
	if err != nil {
		if errors.Is(err, store.ErrPreconditionFailed) {
			return nil, apperrors.Validation("cannot complete a cancelled upload %s", uploadID)
		}
		return nil, s.translate("complete processing", uploadID, err)
	}

	s.logger.Info("upload processing completed",
		zap.String("upload_id", uploadID),
		zap.Int("total_leads", totalLeads),
		zap.Int("created_leads", createdLeads),
		zap.Int("updated_leads", updatedLeads),
	)
	return record, nil
}

// Cancel transitions a non-terminal upload to cancelled, preserving the
// progress counters as a snapshot. Cancelling finished work is a conflict,
// not a no-op.
func (s *Service) Cancel(ctx context.Context, uploadID, reason string) (*models.StatusRecord, error) {
	if err := ValidateUploadID(uploadID); err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "User requested cancellation"
	}

	cancelled := models.StatusCancelled
	stage := models.StageCancelled
	now := s.now().UTC()
	record, err := s.store.Update(ctx, uploadID, store.Mutation{
		Status:             &cancelled,
		Stage:              &stage,
		CancellationTime:   &now,
		CancellationReason: &reason,
		StatusIn:           nonTerminal,
	})
	if err != nil {
		if errors.Is(err, store.ErrPreconditionFailed) {
			return nil, apperrors.Conflict("upload %s is already finished", uploadID)
		}
		return nil, s.translate("cancel processing", uploadID, err)
	}

	s.logger.Info("upload cancelled",
		zap.String("upload_id", uploadID),
		zap.String("reason", reason),
	)
	return record, nil
}

func (s *Service) estimate(startTime time.Time, total, completed int) (rate float64, remainingSeconds int, show bool) {
	elapsed := s.now().Sub(startTime)
	if elapsed <= 0 || completed <= 0 {
		return 0, 0, false
	}

	rate = float64(completed) / elapsed.Seconds()
	if total > completed && rate > 0 {
		remainingSeconds = int(float64(total-completed) / rate)
	}
	show = elapsed >= minEstimateWindow
	return rate, remainingSeconds, show
}

func (s *Service) translate(op, uploadID string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperrors.NotFound("no status record for upload %s", uploadID)
	}
	return s.storeFailure(op, uploadID, err)
}

func (s *Service) storeFailure(op, uploadID string, err error) error {
	s.logger.Error("status store operation failed",
		zap.String("operation", op),
		zap.String("upload_id", uploadID),
		zap.Error(err),
	)
	return apperrors.Database("status store unavailable", storeRetryAfterSeconds, err)
}

func clampPercentage(pct float64) float64 {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
