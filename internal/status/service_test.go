package status

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"leadpipe/internal/apperrors"
	"leadpipe/internal/models"
	"leadpipe/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	return NewService(st, zaptest.NewLogger(t), 7*24*time.Hour), st
}

func intPtr(v int) *int { return &v }

func statusPtr(s models.Status) *models.Status { return &s }

func stagePtr(s models.Stage) *models.Stage { return &s }

func TestValidateUploadID(t *testing.T) {
	tests := []struct {
		name     string
		uploadID string
		wantErr  bool
	}{
		{"simple", "upload-123", false},
		{"uuid style", "550e8400-e29b-41d4-a716-446655440000", false},
		{"underscores", "batch_upload_1", false},
		{"empty", "", true},
		{"spaces", "upload 123", true},
		{"path traversal", "../etc/passwd", true},
		{"too long", strings.Repeat("a", 256), true},
		{"max length ok", strings.Repeat("a", 255), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUploadID(tt.uploadID)
			if tt.wantErr {
				assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCreateAndGet(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	record, err := svc.Create(ctx, "upload-1", "leads.csv", 2048)
	require.NoError(t, err)
	assert.Equal(t, models.StatusUploading, record.Status)
	assert.Equal(t, models.StageFileUpload, record.Stage)
	assert.Equal(t, "leads.csv", record.Metadata.FileName)
	assert.Equal(t, int64(2048), record.Metadata.FileSize)
	assert.False(t, record.ExpiresAt.IsZero())

	got, err := svc.Get(ctx, "upload-1")
	require.NoError(t, err)
	assert.Equal(t, record.UploadID, got.UploadID)
}

func TestCreateConflict(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "upload-1", "leads.csv", 100)
	require.NoError(t, err)

	_, err = svc.Create(ctx, "upload-1", "other.csv", 200)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeConflict))
}

func TestGetUnknownUpload(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Get(context.Background(), "missing")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))
}

func TestUpdatePartial(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "upload-1", "leads.csv", 100)
	require.NoError(t, err)

	record, err := svc.Update(ctx, "upload-1", UpdateInput{
		Status:       statusPtr(models.StatusProcessing),
		Stage:        stagePtr(models.StageBatchProcessing),
		TotalBatches: intPtr(10),
		TotalLeads:   intPtr(500),
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, record.Status)
	assert.Equal(t, 10, record.Progress.TotalBatches)
	assert.Equal(t, 500, record.Progress.TotalLeads)
	assert.Equal(t, 0.0, record.Progress.Percentage)

	// Untouched fields survive the next partial update.
	record, err = svc.Update(ctx, "upload-1", UpdateInput{CompletedBatches: intPtr(4)})
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, record.Status)
	assert.Equal(t, 10, record.Progress.TotalBatches)
	assert.InDelta(t, 40.0, record.Progress.Percentage, 0.01)
}

func TestUpdateZeroTotalKeepsPercentage(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "upload-1", "leads.csv", 100)
	require.NoError(t, err)

	// No totals recorded yet: a progress update must not divide by zero and
	// must not move the percentage.
	record, err := svc.Update(ctx, "upload-1", UpdateInput{CompletedBatches: intPtr(3)})
	require.NoError(t, err)
	assert.Equal(t, 0.0, record.Progress.Percentage)
	assert.Equal(t, 3, record.Progress.CompletedBatches)
}

func TestUpdateActiveOnlyRejectsTerminalRecord(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "upload-1", "leads.csv", 100)
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, "upload-1", "")
	require.NoError(t, err)

	processing := models.StatusProcessing
	_, err = svc.Update(ctx, "upload-1", UpdateInput{
		Status:     &processing,
		ActiveOnly: true,
	})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeConflict))

	record, err := svc.Get(ctx, "upload-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, record.Status)
}

func TestUpdateRejectsNegativeCounters(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "upload-1", "leads.csv", 100)
	require.NoError(t, err)

	_, err = svc.Update(ctx, "upload-1", UpdateInput{TotalBatches: intPtr(-1)})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))

	bad := models.Status("exploded")
	_, err = svc.Update(ctx, "upload-1", UpdateInput{Status: &bad})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))
}

func TestEstimatesSuppressedEarly(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	base := time.Now().UTC()
	svc.now = func() time.Time { return base }

	_, err := svc.Create(ctx, "upload-1", "leads.csv", 100)
	require.NoError(t, err)

	// Ten seconds in: a rate exists but is not yet shown.
	svc.now = func() time.Time { return base.Add(10 * time.Second) }
	record, err := svc.Update(ctx, "upload-1", UpdateInput{
		TotalBatches:     intPtr(10),
		CompletedBatches: intPtr(2),
	})
	require.NoError(t, err)
	assert.False(t, record.Progress.ShowEstimates)
	assert.Greater(t, record.Progress.ProcessingRate, 0.0)

	// Past the window the estimates become visible.
	svc.now = func() time.Time { return base.Add(50 * time.Second) }
	record, err = svc.Update(ctx, "upload-1", UpdateInput{CompletedBatches: intPtr(5)})
	require.NoError(t, err)
	assert.True(t, record.Progress.ShowEstimates)
	assert.InDelta(t, 0.1, record.Progress.ProcessingRate, 0.001)
	assert.Equal(t, 50, record.Progress.EstimatedRemainingSeconds)
}

func TestGetDerivesEstimatesFromLiveCounters(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	base := time.Now().UTC()
	svc.now = func() time.Time { return base }

	_, err := svc.Create(ctx, "upload-1", "leads.csv", 100)
	require.NoError(t, err)
	_, err = svc.Update(ctx, "upload-1", UpdateInput{
		Status:       statusPtr(models.StatusProcessing),
		Stage:        stagePtr(models.StageBatchProcessing),
		TotalBatches: intPtr(10),
		TotalLeads:   intPtr(100),
	})
	require.NoError(t, err)

	// Batch increments only bump the counters; a poll afterwards must still
	// see estimates derived from what those counters say now.
	for i := 0; i < 3; i++ {
		_, err = svc.IncrementBatchCompletion(ctx, "upload-1", BatchOutcome{LeadsProcessed: 10})
		require.NoError(t, err)
	}

	svc.now = func() time.Time { return base.Add(60 * time.Second) }
	record, err := svc.Get(ctx, "upload-1")
	require.NoError(t, err)
	assert.True(t, record.Progress.ShowEstimates)
	assert.InDelta(t, 0.05, record.Progress.ProcessingRate, 0.001)
	assert.Equal(t, 140, record.Progress.EstimatedRemainingSeconds)

	// A finished upload keeps whatever the final write recorded.
	_, err = svc.Complete(ctx, "upload-1", 100, 60, 40)
	require.NoError(t, err)
	svc.now = func() time.Time { return base.Add(10 * time.Minute) }
	record, err = svc.Get(ctx, "upload-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, record.Status)
	assert.False(t, record.Progress.ShowEstimates)
}

func TestSetErrorPreservesProgress(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "upload-1", "leads.csv", 100)
	require.NoError(t, err)
	_, err = svc.Update(ctx, "upload-1", UpdateInput{
		Status:           statusPtr(models.StatusProcessing),
		TotalBatches:     intPtr(10),
		CompletedBatches: intPtr(6),
	})
	require.NoError(t, err)

	record, err := svc.SetError(ctx, "upload-1", "connection reset by standardizer", "NETWORK_ERROR", true, 30)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, record.Status)
	require.NotNil(t, record.Error)
	assert.Equal(t, "NETWORK_ERROR", record.Error.Code)
	assert.True(t, record.Error.Recoverable)
	assert.Equal(t, 30, record.Error.RetryAfter)
	assert.Equal(t, 6, record.Progress.CompletedBatches)
	assert.Equal(t, 10, record.Progress.TotalBatches)
}

func TestSetErrorOnTerminalUpload(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "upload-1", "leads.csv", 100)
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, "upload-1", "")
	require.NoError(t, err)

	_, err = svc.SetError(ctx, "upload-1", "late failure", "NETWORK_ERROR", true, 30)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))
}

func TestRecoverFromError(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "upload-1", "leads.csv", 100)
	require.NoError(t, err)
	_, err = svc.SetError(ctx, "upload-1", "timeout", "NETWORK_ERROR", true, 30)
	require.NoError(t, err)

	record, err := svc.RecoverFromError(ctx, "upload-1", "manual retry")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, record.Status)
	assert.Equal(t, models.StageBatchProcessing, record.Stage)
	assert.Nil(t, record.Error)
	assert.Equal(t, "manual retry", record.Metadata.RecoveryAction)
}

func TestRecoverNonRecoverableError(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "upload-1", "leads.csv", 100)
	require.NoError(t, err)
	_, err = svc.SetError(ctx, "upload-1", "file is not a spreadsheet", "PARSE_ERROR", false, 0)
	require.NoError(t, err)

	_, err = svc.RecoverFromError(ctx, "upload-1", "manual retry")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))
}

func TestRecoverRequiresErrorStatus(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "upload-1", "leads.csv", 100)
	require.NoError(t, err)

	_, err = svc.RecoverFromError(ctx, "upload-1", "manual retry")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))
}

func TestComplete(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "upload-1", "leads.csv", 100)
	require.NoError(t, err)
	_, err = svc.Update(ctx, "upload-1", UpdateInput{TotalBatches: intPtr(4)})
	require.NoError(t, err)

	record, err := svc.Complete(ctx, "upload-1", 200, 150, 50)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, record.Status)
	assert.Equal(t, 100.0, record.Progress.Percentage)
	assert.Equal(t, 4, record.Progress.CompletedBatches)
	assert.Equal(t, 200, record.Progress.TotalLeads)
	assert.Equal(t, 150, record.Progress.CreatedLeads)
	assert.Equal(t, 50, record.Progress.UpdatedLeads)
	require.NotNil(t, record.Metadata.CompletionTime)
}

func TestCompleteCancelledUpload(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "upload-1", "leads.csv", 100)
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, "upload-1", "")
	require.NoError(t, err)

	_, err = svc.Complete(ctx, "upload-1", 0, 0, 0)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))
}

func TestCancel(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "upload-1", "leads.csv", 100)
	require.NoError(t, err)
	_, err = svc.Update(ctx, "upload-1", UpdateInput{
		TotalBatches:     intPtr(10),
		CompletedBatches: intPtr(3),
	})
	require.NoError(t, err)

	record, err := svc.Cancel(ctx, "upload-1", "duplicate upload")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, record.Status)
	assert.Equal(t, models.StageCancelled, record.Stage)
	assert.Equal(t, "duplicate upload", record.Metadata.CancellationReason)
	require.NotNil(t, record.Metadata.CancellationTime)
	// Progress stays as a snapshot of where processing stopped.
	assert.Equal(t, 3, record.Progress.CompletedBatches)
}

func TestCancelDefaultReason(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "upload-1", "leads.csv", 100)
	require.NoError(t, err)

	record, err := svc.Cancel(ctx, "upload-1", "")
	require.NoError(t, err)
	assert.Equal(t, "User requested cancellation", record.Metadata.CancellationReason)
}

func TestCancelFinishedUploadConflicts(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "upload-1", "leads.csv", 100)
	require.NoError(t, err)
	_, err = svc.Complete(ctx, "upload-1", 10, 10, 0)
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, "upload-1", "too late")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeConflict))

	record, err := svc.Get(ctx, "upload-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, record.Status)
}

func TestCancelFromErrorStatus(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "upload-1", "leads.csv", 100)
	require.NoError(t, err)
	_, err = svc.SetError(ctx, "upload-1", "timeout", "NETWORK_ERROR", true, 30)
	require.NoError(t, err)

	record, err := svc.Cancel(ctx, "upload-1", "giving up")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, record.Status)
}
