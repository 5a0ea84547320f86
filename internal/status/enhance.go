package status

import (
	"fmt"

	"leadpipe/internal/models"
)

const (
	RecoveryActionRetry    = "retry"
	RecoveryActionReupload = "reupload"
	RecoveryActionCancel   = "cancel"
)

type RecoveryOption struct {
	Action      string `json:"action"`
	Description string `json:"description"`
	RetryAfter  int    `json:"retry_after,omitempty"`
}

type Recovery struct {
	Available bool             `json:"available"`
	Options   []RecoveryOption `json:"options,omitempty"`
	Message   string           `json:"message,omitempty"`
}

type ProgressIndicators struct {
	Percentage                float64 `json:"percentage"`
	CompletedBatches          int     `json:"completed_batches"`
	TotalBatches              int     `json:"total_batches"`
	ProcessedLeads            int     `json:"processed_leads"`
	TotalLeads                int     `json:"total_leads"`
	ProcessingRate            float64 `json:"processing_rate,omitempty"`
	EstimatedRemainingSeconds int     `json:"estimated_remaining_seconds,omitempty"`
	ShowEstimates             bool    `json:"show_estimates"`
}

// EnhancedStatus is the user-facing view of a status record.
type EnhancedStatus struct {
	Record             *models.StatusRecord `json:"record"`
	UserMessage        string               `json:"user_message"`
	ProgressIndicators ProgressIndicators   `json:"progress_indicators"`
	Recovery           *Recovery            `json:"recovery,omitempty"`
}

// Enhance is a pure function over a status record: it derives the
// human-readable message and, for error states, the recovery affordances.
// It never mutates the record.
func Enhance(record *models.StatusRecord) *EnhancedStatus {
	p := record.Progress
	enhanced := &EnhancedStatus{
		Record: record,
		ProgressIndicators: ProgressIndicators{
			Percentage:       p.Percentage,
			CompletedBatches: p.CompletedBatches,
			TotalBatches:     p.TotalBatches,
			ProcessedLeads:   p.ProcessedLeads,
			TotalLeads:       p.TotalLeads,
			ShowEstimates:    p.ShowEstimates,
		},
	}
	if p.ShowEstimates {
		enhanced.ProgressIndicators.ProcessingRate = p.ProcessingRate
		enhanced.ProgressIndicators.EstimatedRemainingSeconds = p.EstimatedRemainingSeconds
	}

	switch record.Status {
	case models.StatusUploading:
		enhanced.UserMessage = fmt.Sprintf("Uploading %s...", record.Metadata.FileName)
	case models.StatusUploaded:
		enhanced.UserMessage = "File received, waiting for processing to start"
	case models.StatusProcessing:
		enhanced.UserMessage = processingMessage(record)
	case models.StatusCompleted:
		enhanced.UserMessage = fmt.Sprintf("Processing complete: %d leads processed (%d created, %d updated)",
			p.ProcessedLeads, p.CreatedLeads, p.UpdatedLeads)
	case models.StatusCancelled:
		enhanced.UserMessage = cancelledMessage(record)
	case models.StatusError:
		enhanced.UserMessage, enhanced.Recovery = errorView(record)
	default:
		enhanced.UserMessage = fmt.Sprintf("Upload is %s", record.Status)
	}

	return enhanced
}

func processingMessage(record *models.StatusRecord) string {
	p := record.Progress
	switch record.Stage {
	case models.StageFileProcessing:
		return "Reading the file and splitting it into batches"
	case models.StageBatchProcessing:
		if p.TotalBatches == 0 {
			return "Processing batches..."
		}
		msg := fmt.Sprintf("Processing batch %d of %d (%.0f%%)",
			min(p.CompletedBatches+1, p.TotalBatches), p.TotalBatches, p.Percentage)
		if p.ShowEstimates && p.EstimatedRemainingSeconds > 0 {
			msg += fmt.Sprintf(", about %s remaining", humanSeconds(p.EstimatedRemainingSeconds))
		}
		return msg
	default:
		return "Processing your file..."
	}
}

func cancelledMessage(record *models.StatusRecord) string {
	p := record.Progress
	msg := "Processing cancelled"
	if record.Metadata.CancellationReason != "" {
		msg += ": " + record.Metadata.CancellationReason
	}
	if p.TotalBatches > 0 {
		msg += fmt.Sprintf(" (%d of %d batches were processed)", p.CompletedBatches, p.TotalBatches)
	}
	return msg
}

func errorView(record *models.StatusRecord) (string, *Recovery) {
	info := record.Error
	if info == nil {
		return "Processing failed", &Recovery{
			Available: true,
			Options: []RecoveryOption{
				{Action: RecoveryActionReupload, Description: "Upload the file again"},
			},
		}
	}

	msg := "Processing failed: " + info.Message
	if !info.Recoverable {
		return msg, &Recovery{
			Available: false,
			Message:   "This error cannot be retried automatically. Please upload the file again.",
			Options: []RecoveryOption{
				{Action: RecoveryActionReupload, Description: "Upload the file again"},
			},
		}
	}

	retry := RecoveryOption{
		Action:      RecoveryActionRetry,
		Description: "Retry processing from where it stopped",
	}
	if info.RetryAfter > 0 {
		retry.RetryAfter = info.RetryAfter
		retry.Description = fmt.Sprintf("Retry processing in %s", humanSeconds(info.RetryAfter))
	}
	return msg, &Recovery{
		Available: true,
		Options: []RecoveryOption{
			retry,
			{Action: RecoveryActionCancel, Description: "Cancel this upload"},
		},
	}
}

func humanSeconds(seconds int) string {
	if seconds < 60 {
		return fmt.Sprintf("%d seconds", seconds)
	}
	minutes := (seconds + 30) / 60
	if minutes == 1 {
		return "1 minute"
	}
	return fmt.Sprintf("%d minutes", minutes)
}
