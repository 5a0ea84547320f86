package status

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadpipe/internal/models"
)

func TestEnhanceCompleted(t *testing.T) {
	enhanced := Enhance(&models.StatusRecord{
		Status: models.StatusCompleted,
		Progress: models.Progress{
			TotalBatches:     5,
			CompletedBatches: 5,
			ProcessedLeads:   250,
			CreatedLeads:     200,
			UpdatedLeads:     50,
			Percentage:       100,
		},
	})

	assert.Equal(t, "Processing complete: 250 leads processed (200 created, 50 updated)", enhanced.UserMessage)
	assert.Nil(t, enhanced.Recovery)
}

func TestEnhanceProcessingWithEstimates(t *testing.T) {
	enhanced := Enhance(&models.StatusRecord{
		Status: models.StatusProcessing,
		Stage:  models.StageBatchProcessing,
		Progress: models.Progress{
			TotalBatches:              10,
			CompletedBatches:          4,
			Percentage:                40,
			ProcessingRate:            0.5,
			EstimatedRemainingSeconds: 90,
			ShowEstimates:             true,
		},
	})

	assert.Equal(t, "Processing batch 5 of 10 (40%), about 2 minutes remaining", enhanced.UserMessage)
	assert.Equal(t, 0.5, enhanced.ProgressIndicators.ProcessingRate)
	assert.Equal(t, 90, enhanced.ProgressIndicators.EstimatedRemainingSeconds)
}

func TestEnhanceProcessingHidesEarlyEstimates(t *testing.T) {
	enhanced := Enhance(&models.StatusRecord{
		Status: models.StatusProcessing,
		Stage:  models.StageBatchProcessing,
		Progress: models.Progress{
			TotalBatches:              10,
			CompletedBatches:          1,
			Percentage:                10,
			ProcessingRate:            2.0,
			EstimatedRemainingSeconds: 5,
			ShowEstimates:             false,
		},
	})

	assert.Equal(t, "Processing batch 2 of 10 (10%)", enhanced.UserMessage)
	assert.Zero(t, enhanced.ProgressIndicators.ProcessingRate)
	assert.Zero(t, enhanced.ProgressIndicators.EstimatedRemainingSeconds)
	assert.False(t, enhanced.ProgressIndicators.ShowEstimates)
}

func TestEnhanceProcessingLastBatchMessage(t *testing.T) {
	// The "current batch" display never reads past the total.
	enhanced := Enhance(&models.StatusRecord{
		Status: models.StatusProcessing,
		Stage:  models.StageBatchProcessing,
		Progress: models.Progress{
			TotalBatches:     10,
			CompletedBatches: 10,
			Percentage:       100,
		},
	})

	assert.Equal(t, "Processing batch 10 of 10 (100%)", enhanced.UserMessage)
}

func TestEnhanceUploadingAndUploaded(t *testing.T) {
	enhanced := Enhance(&models.StatusRecord{
		Status:   models.StatusUploading,
		Metadata: models.Metadata{FileName: "leads.csv"},
	})
	assert.Equal(t, "Uploading leads.csv...", enhanced.UserMessage)

	enhanced = Enhance(&models.StatusRecord{Status: models.StatusUploaded})
	assert.Equal(t, "File received, waiting for processing to start", enhanced.UserMessage)
}

func TestEnhanceCancelled(t *testing.T) {
	enhanced := Enhance(&models.StatusRecord{
		Status: models.StatusCancelled,
		Progress: models.Progress{
			TotalBatches:     10,
			CompletedBatches: 3,
		},
		Metadata: models.Metadata{CancellationReason: "duplicate upload"},
	})

	assert.Equal(t, "Processing cancelled: duplicate upload (3 of 10 batches were processed)", enhanced.UserMessage)
}

func TestEnhanceRecoverableError(t *testing.T) {
	enhanced := Enhance(&models.StatusRecord{
		Status: models.StatusError,
		Error: &models.ErrorInfo{
			Message:     "standardization service unavailable",
			Code:        "STANDARDIZE_ERROR",
			Timestamp:   time.Now(),
			Recoverable: true,
			RetryAfter:  30,
		},
	})

	assert.Equal(t, "Processing failed: standardization service unavailable", enhanced.UserMessage)
	require.NotNil(t, enhanced.Recovery)
	assert.True(t, enhanced.Recovery.Available)
	require.Len(t, enhanced.Recovery.Options, 2)
	assert.Equal(t, RecoveryActionRetry, enhanced.Recovery.Options[0].Action)
	assert.Equal(t, 30, enhanced.Recovery.Options[0].RetryAfter)
	assert.Equal(t, "Retry processing in 30 seconds", enhanced.Recovery.Options[0].Description)
	assert.Equal(t, RecoveryActionCancel, enhanced.Recovery.Options[1].Action)
}

func TestEnhanceNonRecoverableError(t *testing.T) {
	enhanced := Enhance(&models.StatusRecord{
		Status: models.StatusError,
		Error: &models.ErrorInfo{
			Message:     "file is not a valid spreadsheet",
			Code:        "PARSE_ERROR",
			Recoverable: false,
		},
	})

	require.NotNil(t, enhanced.Recovery)
	assert.False(t, enhanced.Recovery.Available)
	require.Len(t, enhanced.Recovery.Options, 1)
	assert.Equal(t, RecoveryActionReupload, enhanced.Recovery.Options[0].Action)
}

func TestHumanSeconds(t *testing.T) {
	assert.Equal(t, "45 seconds", humanSeconds(45))
	assert.Equal(t, "1 minute", humanSeconds(60))
	assert.Equal(t, "1 minute", humanSeconds(75))
	assert.Equal(t, "2 minutes", humanSeconds(100))
	assert.Equal(t, "5 minutes", humanSeconds(300))
}
