package server

import (
	"encoding/json"
	stdliberrors "errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/deckhand-sh/deckhand/pkg/errors"
	"github.com/deckhand-sh/deckhand/pkg/ratelimit"
)

const (
	maxBodyBytesTiny  int64 = 64 << 10
	maxBodyBytesSmall int64 = 1 << 20
)

// respondJSON sends a JSON response with appropriate headers.
func respondJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "no-referrer")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// respondError sends a structured JSON error response.
func respondError(w http.ResponseWriter, status int, err error) {
	respondErrorRetry(w, status, err, 0)
}

// respondErrorRetry is respondError with an optional retry-after hint
// carried in the body alongside the Retry-After header the caller sets.
func respondErrorRetry(w http.ResponseWriter, status int, err error, retryAfterSeconds int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.WriteHeader(status)

	response := struct {
		Error             string   `json:"error"`
		Status            int      `json:"status"`
		Code              string   `json:"code,omitempty"`
		Message           string   `json:"message"`
		Details           string   `json:"details,omitempty"`
		Remediation       []string `json:"remediation,omitempty"`
		Retryable         bool     `json:"retryable,omitempty"`
		RetryAfterSeconds int      `json:"retryAfterSeconds,omitempty"`
		Timestamp         string   `json:"timestamp"`
	}{
		Status:            status,
		Message:           http.StatusText(status),
		RetryAfterSeconds: retryAfterSeconds,
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
	}
	response.Error = response.Message

	var appErr *apperrors.Error
	if stdliberrors.As(err, &appErr) {
		response.Code = string(appErr.Code)
		if appErr.UserMessage != "" {
			response.Message = appErr.UserMessage
		} else if appErr.Message != "" {
			response.Message = appErr.Message
		}
		if len(appErr.Remediation) > 0 {
			response.Remediation = append([]string{}, appErr.Remediation...)
		}
		response.Retryable = appErr.Retryable
		response.Details = appErr.Error()
	} else if err != nil {
		response.Message = err.Error()
	}

	if response.Details == "" && err != nil {
		response.Details = fmt.Sprintf("%v", err)
	}

	response.Error = response.Message
	_ = json.NewEncoder(w).Encode(response)
}

// respondAppError maps an application error code to its HTTP status.
func respondAppError(w http.ResponseWriter, err error) {
	respondError(w, statusForCode(apperrors.GetCode(err)), err)
}

// respondRateLimited surfaces a denial with its retry-after hint, both as a
// Retry-After header and in the response body.
func respondRateLimited(w http.ResponseWriter, d ratelimit.Decision) {
	secs := int(d.RetryAfter / time.Second)
	if d.RetryAfter%time.Second != 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	err := apperrors.New(apperrors.ErrCodeRateLimited, "rate limit exceeded").
		WithRetryable(true).
		WithRemediation(fmt.Sprintf("retry in %d seconds", secs))
	respondErrorRetry(w, http.StatusTooManyRequests, err, secs)
}

func statusForCode(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeConflict:
		return http.StatusConflict
	case apperrors.ErrCodeInvalidCode, apperrors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case apperrors.ErrCodeExpired:
		return http.StatusGone
	case apperrors.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case apperrors.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case apperrors.ErrCodeCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, maxBytes int64, allowEOF bool) (int, error) {
	if r == nil || r.Body == nil {
		if allowEOF {
			return 0, nil
		}
		return http.StatusBadRequest, fmt.Errorf("request body required")
	}
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if allowEOF && stdliberrors.Is(err, io.EOF) {
			return 0, nil
		}
		var maxErr *http.MaxBytesError
		if stdliberrors.As(err, &maxErr) {
			if maxBytes > 0 {
				return http.StatusRequestEntityTooLarge, fmt.Errorf("request body too large (max %d bytes)", maxBytes)
			}
			return http.StatusRequestEntityTooLarge, fmt.Errorf("request body too large")
		}
		return http.StatusBadRequest, err
	}
	return 0, nil
}
