package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"leadpipe/api/dto"
	"leadpipe/api/middleware"
)

func (h *UploadHandler) Status(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "uploadID")
	if uploadID == "" {
		h.badRequest(w, r, "Upload ID is required", nil)
		return
	}

	resp, err := h.service.GetStatus(r.Context(), uploadID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, resp)
}

func (h *UploadHandler) Retry(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "uploadID")
	if uploadID == "" {
		h.badRequest(w, r, "Upload ID is required", nil)
		return
	}

	var req dto.RetryRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	resp, err := h.service.Retry(r.Context(), middleware.GetTraceID(r.Context()), uploadID, req.Reason)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, resp)
}

func (h *UploadHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "uploadID")
	if uploadID == "" {
		h.badRequest(w, r, "Upload ID is required", nil)
		return
	}

	// Body is optional; an empty reason gets the default.
	var req dto.CancelRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	resp, err := h.service.Cancel(r.Context(), uploadID, req.Reason)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, resp)
}

func (h *UploadHandler) ListLeads(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "uploadID")
	if uploadID == "" {
		h.badRequest(w, r, "Upload ID is required", nil)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	resp, err := h.service.ListLeads(r.Context(), uploadID, limit, offset)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, resp)
}

func (h *UploadHandler) ExportLeads(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "uploadID")
	if uploadID == "" {
		h.badRequest(w, r, "Upload ID is required", nil)
		return
	}

	// Resolve the upload before committing to a CSV response so unknown
	// IDs still get a proper 404.
	if _, err := h.service.GetStatus(r.Context(), uploadID); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="leads-`+uploadID+`.csv"`)

	if err := h.service.ExportLeads(r.Context(), uploadID, w); err != nil {
		// The response is already streaming; all we can do is log.
		h.logger.Error("lead export failed",
			zap.String("upload_id", uploadID),
			zap.Error(err),
		)
	}
}
