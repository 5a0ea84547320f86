package dto

import (
	"leadpipe/internal/models"
	"leadpipe/internal/status"
)

type UploadResponse struct {
	UploadID string `json:"upload_id"`
	TraceID  string `json:"trace_id"`
	FileName string `json:"file_name"`
	Status   string `json:"status"`
	Message  string `json:"message"`
}

type PresignRequest struct {
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
}

type PresignResponse struct {
	UploadID  string `json:"upload_id"`
	URL       string `json:"url"`
	ObjectKey string `json:"object_key"`
	ExpiresIn int    `json:"expires_in_seconds"`
}

// StatusResponse is the polled status document: the record fields plus the
// user-facing enhancement.
type StatusResponse struct {
	UploadID           string                     `json:"upload_id"`
	Status             string                     `json:"status"`
	Stage              string                     `json:"stage"`
	Progress           models.Progress            `json:"progress"`
	Metadata           models.Metadata            `json:"metadata"`
	Error              *models.ErrorInfo          `json:"error,omitempty"`
	UserMessage        string                     `json:"user_message"`
	ProgressIndicators status.ProgressIndicators  `json:"progress_indicators"`
	Recovery           *status.Recovery           `json:"recovery,omitempty"`
	Analysis           *status.CompletionAnalysis `json:"completion_analysis,omitempty"`
	CreatedAt          string                     `json:"created_at"`
	UpdatedAt          string                     `json:"updated_at"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

type RetryRequest struct {
	Reason string `json:"reason"`
}

type LeadListResponse struct {
	UploadID string        `json:"upload_id"`
	Total    int           `json:"total"`
	Limit    int           `json:"limit"`
	Offset   int           `json:"offset"`
	Leads    []models.Lead `json:"leads"`
}

type ErrorResponse struct {
	Error      string `json:"error"`
	Code       string `json:"code,omitempty"`
	TraceID    string `json:"trace_id,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

const timeLayout = "2006-01-02T15:04:05Z"

// FromEnhanced flattens an enhanced record into the wire shape.
func FromEnhanced(enhanced *status.EnhancedStatus, analysis *status.CompletionAnalysis) *StatusResponse {
	record := enhanced.Record
	return &StatusResponse{
		UploadID:           record.UploadID,
		Status:             string(record.Status),
		Stage:              string(record.Stage),
		Progress:           record.Progress,
		Metadata:           record.Metadata,
		Error:              record.Error,
		UserMessage:        enhanced.UserMessage,
		ProgressIndicators: enhanced.ProgressIndicators,
		Recovery:           enhanced.Recovery,
		Analysis:           analysis,
		CreatedAt:          record.CreatedAt.UTC().Format(timeLayout),
		UpdatedAt:          record.UpdatedAt.UTC().Format(timeLayout),
	}
}
