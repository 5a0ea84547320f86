package handlers

import (
	"encoding/json"
	"net/http"
	"path/filepath"

	"go.uber.org/zap"

	"leadpipe/api/dto"
	"leadpipe/api/middleware"
	"leadpipe/api/validation"
)

func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetTraceID(r.Context())

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		h.badRequest(w, r, "Failed to parse form", err)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		h.badRequest(w, r, "Failed to get file", err)
		return
	}
	defer file.Close()

	if _, err := validation.CheckUpload(header, file, h.maxSize); err != nil {
		h.badRequest(w, r, "Invalid file: "+err.Error(), err)
		return
	}

	fileName := filepath.Base(header.Filename)
	resp, err := h.service.CreateUpload(r.Context(), traceID, fileName, header.Size, file)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.logger.Info("file uploaded",
		zap.String("trace_id", traceID),
		zap.String("upload_id", resp.UploadID),
		zap.String("file_name", fileName),
		zap.Int64("file_size", header.Size),
	)

	h.respondJSON(w, http.StatusCreated, resp)
}

func (h *UploadHandler) Presign(w http.ResponseWriter, r *http.Request) {
	var req dto.PresignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, r, "Invalid request body", err)
		return
	}
	if req.FileName == "" {
		h.badRequest(w, r, "file_name is required", nil)
		return
	}
	if req.FileSize <= 0 || req.FileSize > h.maxSize {
		h.badRequest(w, r, "file_size is missing or exceeds the limit", nil)
		return
	}

	resp, err := h.service.PresignUpload(r.Context(), &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusCreated, resp)
}
