package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// Error codes assigned by the client.
const (
	CodeNetworkError = "NETWORK_ERROR"
	CodeTimeout      = "TIMEOUT"
	CodeUnknownError = "UNKNOWN_ERROR"
)

// APIError is the typed error returned by every client call.
type APIError struct {
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return e.Message
}

// Unwrap exposes the original error kept in Details.
func (e *APIError) Unwrap() error {
	if err, ok := e.Details.(error); ok {
		return err
	}
	return nil
}

// IsAuthError reports whether err is a 401/403 API error.
func IsAuthError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden
}

// IsNetworkError reports whether err is a transport-level failure.
func IsNetworkError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == CodeNetworkError
}

// IsTimeoutError reports whether err is a deadline or abort failure.
func IsTimeoutError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == CodeTimeout
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// classify maps an arbitrary error onto an APIError.
func classify(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &APIError{
			Message: "request timed out",
			Status:  http.StatusRequestTimeout,
			Code:    CodeTimeout,
			Details: err,
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &APIError{
			Message: "request timed out",
			Status:  http.StatusRequestTimeout,
			Code:    CodeTimeout,
			Details: err,
		}
	}

	var urlErr *url.Error
	var opErr *net.OpError
	if errors.As(err, &urlErr) || errors.As(err, &opErr) {
		return &APIError{
			Message: "network error: unable to reach server",
			Status:  0,
			Code:    CodeNetworkError,
			Details: err,
		}
	}

	return &APIError{
		Message: err.Error(),
		Status:  http.StatusInternalServerError,
		Code:    CodeUnknownError,
		Details: err,
	}
}

// errorFromResponse builds an APIError from a non-2xx response body.
func errorFromResponse(status int, contentType string, body []byte) *APIError {
	apiErr := &APIError{Status: status}

	if strings.Contains(contentType, "json") || looksLikeJSON(body) {
		var payload map[string]any
		if err := json.Unmarshal(body, &payload); err == nil {
			apiErr.Message = firstString(payload, "message", "error", "error_description", "msg")
			apiErr.Code = firstString(payload, "code", "error_code")
			if code, ok := payload["code"].(float64); ok && apiErr.Code == "" {
				apiErr.Code = http.StatusText(int(code))
			}
			apiErr.Details = payload
		}
	} else if text := strings.TrimSpace(string(body)); text != "" {
		apiErr.Message = text
	}

	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
		if apiErr.Message == "" {
			apiErr.Message = "request failed"
		}
	}
	return apiErr
}

func firstString(payload map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := payload[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func looksLikeJSON(body []byte) bool {
	trimmed := strings.TrimSpace(string(body))
	return strings.HasPrefix(trimmed, "{")
}
