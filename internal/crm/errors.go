package crm

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrBadRequest is returned for malformed requests (400)
	ErrBadRequest = errors.New("crm bad request")

	// ErrUnauthorized is returned when the org ID or API key is rejected (401)
	ErrUnauthorized = errors.New("crm authentication failed")

	// ErrForbidden is returned when the API user lacks permission (403)
	ErrForbidden = errors.New("crm access forbidden")

	// ErrNotFound is returned when a resource does not exist (404)
	ErrNotFound = errors.New("crm resource not found")

	// ErrConflict is returned when a write conflicts with current state (409)
	ErrConflict = errors.New("crm conflict")

	// ErrUnsupportedMedia is returned when the content type is rejected (415)
	ErrUnsupportedMedia = errors.New("crm unsupported media type")

	// ErrValidation is returned when the payload fails server-side validation (422)
	ErrValidation = errors.New("crm validation failed")

	// ErrRateLimited is returned when the API asks the client to slow down (429)
	ErrRateLimited = errors.New("crm rate limit exceeded")

	// ErrServerError is returned for 5xx responses
	ErrServerError = errors.New("crm server error")
)

// APIError carries the status, request and server messages of a failed call
type APIError struct {
	StatusCode int
	Method     string
	Path       string
	Messages   []string
	RetryAfter time.Duration
	Err        error
}

func (e *APIError) Error() string {
	msg := "no error details"
	if len(e.Messages) > 0 {
		msg = strings.Join(e.Messages, "; ")
	}
	return fmt.Sprintf("HTTP %d %s %s: %s", e.StatusCode, e.Method, e.Path, msg)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// apiErrorBody matches the CRM's error envelope: a list of {code, message}
type apiErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// newAPIError builds an APIError from a non-2xx response
func newAPIError(resp *http.Response, body []byte, method, path string) *APIError {
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Method:     method,
		Path:       path,
		Messages:   parseErrorMessages(body),
		Err:        mapStatus(resp.StatusCode),
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		apiErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return apiErr
}

func parseErrorMessages(body []byte) []string {
	var list []apiErrorBody
	if err := json.Unmarshal(body, &list); err != nil {
		var single apiErrorBody
		if err := json.Unmarshal(body, &single); err != nil || single.Message == "" {
			if text := strings.TrimSpace(string(body)); text != "" {
				return []string{truncate(text, 200)}
			}
			return nil
		}
		list = []apiErrorBody{single}
	}
	messages := make([]string, 0, len(list))
	for _, item := range list {
		if item.Code != "" {
			messages = append(messages, fmt.Sprintf("[Code %s] %s", item.Code, item.Message))
		} else {
			messages = append(messages, item.Message)
		}
	}
	return messages
}

func mapStatus(statusCode int) error {
	switch {
	case statusCode == http.StatusBadRequest:
		return ErrBadRequest
	case statusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case statusCode == http.StatusForbidden:
		return ErrForbidden
	case statusCode == http.StatusNotFound:
		return ErrNotFound
	case statusCode == http.StatusConflict:
		return ErrConflict
	case statusCode == http.StatusUnsupportedMediaType:
		return ErrUnsupportedMedia
	case statusCode == http.StatusUnprocessableEntity:
		return ErrValidation
	case statusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case statusCode >= 500:
		return ErrServerError
	default:
		return fmt.Errorf("unexpected status %d", statusCode)
	}
}

// parseRetryAfter accepts delay-seconds or an HTTP date
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// IsRetryableError reports whether a call may succeed if repeated
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrServerError) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return false
	}
	// Transport failures (timeouts, resets) carry no status and are retried
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") || strings.Contains(msg, "eof")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
