package models

import (
	"time"
)

type Status string

const (
	StatusUploading  Status = "uploading"
	StatusUploaded   Status = "uploaded"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed out of s.
// Error is deliberately not terminal: it can recover back to processing or
// be cancelled.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s Status) Valid() bool {
	switch s {
	case StatusUploading, StatusUploaded, StatusProcessing, StatusCompleted, StatusError, StatusCancelled:
		return true
	}
	return false
}

type Stage string

const (
	StageFileUpload      Stage = "file_upload"
	StageFileProcessing  Stage = "file_processing"
	StageBatchProcessing Stage = "batch_processing"
	StageCompleted       Stage = "completed"
	StageCancelled       Stage = "cancelled"
)

func (s Stage) Valid() bool {
	switch s {
	case StageFileUpload, StageFileProcessing, StageBatchProcessing, StageCompleted, StageCancelled:
		return true
	}
	return false
}

// Progress tracks batch counters and the derived estimation fields. Counters
// are monotonically non-decreasing; CompletedBatches never exceeds
// TotalBatches once totals are known, except transiently inside the atomic
// increment which resolves the overshoot before returning.
type Progress struct {
	TotalBatches              int     `json:"total_batches"`
	CompletedBatches          int     `json:"completed_batches"`
	TotalLeads                int     `json:"total_leads"`
	ProcessedLeads            int     `json:"processed_leads"`
	CreatedLeads              int     `json:"created_leads"`
	UpdatedLeads              int     `json:"updated_leads"`
	Percentage                float64 `json:"percentage"`
	ProcessingRate            float64 `json:"processing_rate"`
	EstimatedRemainingSeconds int     `json:"estimated_remaining_seconds"`
	ShowEstimates             bool    `json:"show_estimates"`
}

type Metadata struct {
	FileName           string     `json:"file_name"`
	FileSize           int64      `json:"file_size"`
	StartTime          time.Time  `json:"start_time"`
	CompletionTime     *time.Time `json:"completion_time,omitempty"`
	CancellationTime   *time.Time `json:"cancellation_time,omitempty"`
	CancellationReason string     `json:"cancellation_reason,omitempty"`
	ForcedCompletion   bool       `json:"forced_completion"`
	RecoveryAction     string     `json:"recovery_action,omitempty"`
}

type ErrorInfo struct {
	Message     string    `json:"message"`
	Code        string    `json:"code"`
	Timestamp   time.Time `json:"timestamp"`
	Recoverable bool      `json:"recoverable"`
	RetryAfter  int       `json:"retry_after,omitempty"`
}

// StatusRecord is the single shared mutable document per upload. All
// cross-worker coordination happens through atomic store operations on it.
type StatusRecord struct {
	UploadID  string     `json:"upload_id"`
	Status    Status     `json:"status"`
	Stage     Stage      `json:"stage"`
	Progress  Progress   `json:"progress"`
	Metadata  Metadata   `json:"metadata"`
	Error     *ErrorInfo `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ExpiresAt time.Time  `json:"expires_at"`
}

// Clone returns a deep copy so callers can hand records across goroutines
// without sharing the Error pointer.
func (r *StatusRecord) Clone() *StatusRecord {
	cp := *r
	if r.Error != nil {
		errCopy := *r.Error
		cp.Error = &errCopy
	}
	return &cp
}
