package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"leadpipe/api/dto"
	"leadpipe/api/middleware"
	"leadpipe/internal/apperrors"
)

// UploadService is what the HTTP layer needs from the upload flow.
type UploadService interface {
	CreateUpload(ctx context.Context, traceID, fileName string, fileSize int64, content io.Reader) (*dto.UploadResponse, error)
	PresignUpload(ctx context.Context, req *dto.PresignRequest) (*dto.PresignResponse, error)
	GetStatus(ctx context.Context, uploadID string) (*dto.StatusResponse, error)
	Retry(ctx context.Context, traceID, uploadID, reason string) (*dto.StatusResponse, error)
	Cancel(ctx context.Context, uploadID, reason string) (*dto.StatusResponse, error)
	ListLeads(ctx context.Context, uploadID string, limit, offset int) (*dto.LeadListResponse, error)
	ExportLeads(ctx context.Context, uploadID string, w io.Writer) error
}

type UploadHandler struct {
	service UploadService
	logger  *zap.Logger
	maxSize int64
}

func NewUploadHandler(service UploadService, logger *zap.Logger, maxSize int64) *UploadHandler {
	return &UploadHandler{
		service: service,
		logger:  logger,
		maxSize: maxSize,
	}
}

func (h *UploadHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// handleError translates the typed taxonomy into HTTP responses; anything
// untyped is a 500 with a generic message.
func (h *UploadHandler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	traceID := middleware.GetTraceID(r.Context())

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		h.logger.Warn("request rejected",
			zap.String("trace_id", traceID),
			zap.String("code", appErr.Code),
			zap.String("message", appErr.Message),
		)
		h.respondJSON(w, appErr.MapToHTTPStatus(), dto.ErrorResponse{
			Error:      appErr.Message,
			Code:       appErr.Code,
			TraceID:    traceID,
			RetryAfter: appErr.RetryAfter,
		})
		return
	}

	h.logger.Error("request failed",
		zap.String("trace_id", traceID),
		zap.Error(err),
	)
	h.respondJSON(w, http.StatusInternalServerError, dto.ErrorResponse{
		Error:   "Internal server error",
		TraceID: traceID,
	})
}

func (h *UploadHandler) badRequest(w http.ResponseWriter, r *http.Request, message string, err error) {
	traceID := middleware.GetTraceID(r.Context())
	h.logger.Warn(message,
		zap.String("trace_id", traceID),
		zap.Error(err),
	)
	h.respondJSON(w, http.StatusBadRequest, dto.ErrorResponse{
		Error:   message,
		TraceID: traceID,
	})
}
