// Copyright 2025 The classync Authors
// SPDX-License-Identifier: Apache-2.0

package synclite

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Sentinel errors for the cycle-level failure classes.
var (
	// ErrNetworkUnavailable means no connectivity; the cycle is skipped
	// silently and never surfaces as a user-visible error.
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrPermissionDenied means the backend rejected the caller's access.
	// It latches the orchestrator into Blocked and is never retried.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrPayloadTooLarge means the encoded image exceeds the backend limit
	// even after recompression down to the hard ceiling.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrImageGone means the submission is tombstoned server-side and its
	// image must not be recreated.
	ErrImageGone = errors.New("submission is deleted on the server")
)

// ValidationError reports a malformed request payload.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// PartialUploadError reports image uploads that failed without aborting the
// rest of the batch. Successful records still advance to synced.
type PartialUploadError struct {
	Failed int
	Total  int
}

func (e *PartialUploadError) Error() string {
	return fmt.Sprintf("%d of %d records failed to upload", e.Failed, e.Total)
}

// ServerError is any other non-fatal backend failure; eligible for retry on
// the next trigger.
type ServerError struct {
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server error (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("server error (%d)", e.StatusCode)
}

// permissionDeniedPatterns match backend policy failures that arrive with a
// misleading status code or inside an error message.
var permissionDeniedPatterns = []string{
	"permission denied",
	"permission_denied",
	"not authorized",
	"insufficient permissions",
}

// classifyStatusError maps a non-2xx sync response to the error taxonomy.
func classifyStatusError(statusCode int, body []byte) error {
	message := extractErrorMessage(body)

	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		if message != "" {
			return fmt.Errorf("%w: %s", ErrPermissionDenied, message)
		}
		return ErrPermissionDenied
	case http.StatusRequestEntityTooLarge:
		return ErrPayloadTooLarge
	case http.StatusConflict:
		return ErrImageGone
	case http.StatusBadRequest:
		return &ValidationError{Message: message}
	}

	if isPermissionDeniedMessage(message) {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, message)
	}
	return &ServerError{StatusCode: statusCode, Message: message}
}

func isPermissionDeniedMessage(message string) bool {
	lower := strings.ToLower(message)
	for _, pattern := range permissionDeniedPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// extractErrorMessage pulls a short message out of a JSON error body.
func extractErrorMessage(body []byte) string {
	var envelope struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		if len(body) > 200 {
			body = body[:200]
		}
		return strings.TrimSpace(string(body))
	}
	if envelope.Message != "" {
		return envelope.Message
	}
	return envelope.Error
}
