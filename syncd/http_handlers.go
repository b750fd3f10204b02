// Copyright 2025 The classync Authors
// SPDX-License-Identifier: Apache-2.0

package syncd

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// HTTPSyncHandlers exposes the sync service over HTTP.
type HTTPSyncHandlers struct {
	service       *Service
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPSyncHandlers creates the HTTP handler set.
func NewHTTPSyncHandlers(service *Service, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPSyncHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSyncHandlers{
		service:       service,
		authenticator: authenticator,
		logger:        logger,
	}
}

// Routes returns a mux with all sync endpoints registered.
func (h *HTTPSyncHandlers) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sync", h.HandleSnapshot)
	mux.HandleFunc("POST /sync", h.HandlePush)
	mux.HandleFunc("POST /sync/images", h.HandleImageUpload)
	mux.HandleFunc("GET /sync/images/{submissionID}", h.HandleImageDownload)
	mux.HandleFunc("POST /admin/compact-tombstones", h.HandleCompactTombstones)
	return mux
}

// HandleSnapshot serves GET /sync: the owner's full live state plus tombstones.
func (h *HTTPSyncHandlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	ownerID, err := h.authenticator.OwnerID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	payload, err := h.service.Snapshot(r.Context(), ownerID)
	if err != nil {
		h.logger.Error("failed to build snapshot", "error", err, "owner_id", ownerID)
		h.writeError(w, http.StatusInternalServerError, "snapshot_failed", "failed to build snapshot")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("failed to encode snapshot", "error", err, "owner_id", ownerID)
	}
}

// HandlePush serves POST /sync: applies deletions then upserts atomically.
// The response body is {"success":true} or {"error":"..."}.
func (h *HTTPSyncHandlers) HandlePush(w http.ResponseWriter, r *http.Request) {
	ownerID, err := h.authenticator.OwnerID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	var payload SyncPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writePushResult(w, http.StatusBadRequest, &PushResponse{Error: "failed to parse sync payload"})
		return
	}

	if err := h.service.ApplyPush(r.Context(), ownerID, &payload); err != nil {
		if errors.Is(err, ErrValidation) {
			h.writePushResult(w, http.StatusBadRequest, &PushResponse{Error: err.Error()})
			return
		}
		h.logger.Error("failed to apply push", "error", err, "owner_id", ownerID)
		h.writePushResult(w, http.StatusInternalServerError, &PushResponse{Error: "failed to apply push"})
		return
	}

	h.writePushResult(w, http.StatusOK, &PushResponse{Success: true})
}

// HandleImageUpload serves POST /sync/images.
func (h *HTTPSyncHandlers) HandleImageUpload(w http.ResponseWriter, r *http.Request) {
	ownerID, err := h.authenticator.OwnerID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	var req ImageUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse image upload request")
		return
	}

	path, err := h.service.StoreImage(r.Context(), ownerID, &req)
	if err != nil {
		switch {
		case errors.Is(err, ErrValidation):
			h.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		case errors.Is(err, ErrGone):
			h.writeError(w, http.StatusConflict, "submission_deleted", "submission id is tombstoned and must not be recreated")
		case errors.Is(err, ErrTooLarge):
			h.writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "image exceeds the size limit")
		default:
			h.logger.Error("failed to store image", "error", err, "owner_id", ownerID, "submission_id", req.SubmissionID)
			h.writeError(w, http.StatusInternalServerError, "image_upload_failed", "failed to store image")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(&ImageUploadResponse{Success: true, ImageURL: path}); err != nil {
		h.logger.Error("failed to encode image upload response", "error", err, "owner_id", ownerID)
	}
}

// HandleImageDownload serves GET /sync/images/{submissionID} for cache recovery.
func (h *HTTPSyncHandlers) HandleImageDownload(w http.ResponseWriter, r *http.Request) {
	ownerID, err := h.authenticator.OwnerID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	submissionID := r.PathValue("submissionID")
	if submissionID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "missing submission id")
		return
	}

	resp, err := h.service.LoadImage(r.Context(), ownerID, submissionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "image_not_found", "no stored image for this submission")
			return
		}
		h.logger.Error("failed to load image", "error", err, "owner_id", ownerID, "submission_id", submissionID)
		h.writeError(w, http.StatusInternalServerError, "image_download_failed", "failed to load image")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("failed to encode image download response", "error", err, "owner_id", ownerID)
	}
}

// HandleCompactTombstones runs a retention pass. Deployments keep /admin
// off the public listener; authentication is still required.
func (h *HTTPSyncHandlers) HandleCompactTombstones(w http.ResponseWriter, r *http.Request) {
	if _, err := h.authenticator.OwnerID(r); err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	removed, err := h.service.CompactTombstones(r.Context())
	if err != nil {
		h.logger.Error("failed to compact tombstones", "error", err)
		h.writeError(w, http.StatusInternalServerError, "compact_failed", "failed to compact tombstones")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(&CompactResponse{Removed: removed})
}

func (h *HTTPSyncHandlers) writePushResult(w http.ResponseWriter, statusCode int, resp *PushResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}

// writeError writes the standard JSON error envelope.
func (h *HTTPSyncHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(&ErrorResponse{Error: errorCode, Message: message})

	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
