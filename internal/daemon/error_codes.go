package daemon

import (
	"errors"
	"net/http"
	"strings"

	"github.com/berth-dev/berth/internal/models"
	"github.com/berth-dev/berth/internal/runtime"
)

const daemonErrorCodeVersion = "v1"

const (
	// Validation domain
	daemonErrorCodeValidationBadRequest    = daemonErrorCodeVersion + "/validation/bad_request"
	daemonErrorCodeValidationMalformedJSON = daemonErrorCodeVersion + "/validation/malformed_json"
	daemonErrorCodeValidationMissingField  = daemonErrorCodeVersion + "/validation/missing_required_field"
	daemonErrorCodeValidationInvalidValue  = daemonErrorCodeVersion + "/validation/invalid_value"
	daemonErrorCodeValidationSchedule      = daemonErrorCodeVersion + "/validation/invalid_schedule"
	daemonErrorCodeValidationDuplicateRule = daemonErrorCodeVersion + "/validation/duplicate_rule"
	daemonErrorCodeValidationAutoRule      = daemonErrorCodeVersion + "/validation/auto_generated_rule"
	daemonErrorCodeValidationInvalidID     = daemonErrorCodeVersion + "/validation/invalid_id"

	// Runtime domain
	daemonErrorCodeRuntimeAdapter         = daemonErrorCodeVersion + "/runtime/adapter_error"
	daemonErrorCodeRuntimeWorkloadMissing = daemonErrorCodeVersion + "/runtime/workload_not_found"

	// Wake domain
	daemonErrorCodeWakeTimeout     = daemonErrorCodeVersion + "/wake/timeout"
	daemonErrorCodeWakeHealthCheck = daemonErrorCodeVersion + "/wake/health_check_failed"
	daemonErrorCodeWakeCancelled   = daemonErrorCodeVersion + "/wake/cancelled"
	daemonErrorCodeWakeRateLimited = daemonErrorCodeVersion + "/wake/rate_limited"

	// Generic fallbacks
	daemonErrorCodeResourceNotFound = daemonErrorCodeVersion + "/resource/not_found"
	daemonErrorCodeConflict         = daemonErrorCodeVersion + "/resource/conflict"
	daemonErrorCodeMethodNotAllowed = daemonErrorCodeVersion + "/resource/method_not_allowed"
	daemonErrorCodeInternalError    = daemonErrorCodeVersion + "/internal/error"
	daemonErrorCodeServerError      = daemonErrorCodeVersion + "/internal/server_error"
	daemonErrorCodeUnavailable      = daemonErrorCodeVersion + "/internal/unavailable"
)

// statusForError maps a domain error to its HTTP status.
func statusForError(err error) int {
	var ae *runtime.AdapterError
	switch {
	case err == nil:
		return http.StatusOK
	case models.IsValidation(err), errors.Is(err, models.ErrAutoGeneratedRule):
		return http.StatusBadRequest
	case models.IsNotFound(err), errors.Is(err, runtime.ErrWorkloadNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrWakeTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, models.ErrWakeCancelled):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrHealthCheck), errors.As(err, &ae):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// daemonErrorCodeForError returns the most specific code for a domain error,
// falling back to the message and status heuristics.
func daemonErrorCodeForError(status int, err error) string {
	var ae *runtime.AdapterError
	switch {
	case err == nil:
	case errors.Is(err, models.ErrInvalidSchedule):
		return daemonErrorCodeValidationSchedule
	case errors.Is(err, models.ErrDuplicateRule):
		return daemonErrorCodeValidationDuplicateRule
	case errors.Is(err, models.ErrAutoGeneratedRule):
		return daemonErrorCodeValidationAutoRule
	case errors.Is(err, models.ErrInvalidID):
		return daemonErrorCodeValidationInvalidID
	case errors.Is(err, runtime.ErrWorkloadNotFound):
		return daemonErrorCodeRuntimeWorkloadMissing
	case models.IsNotFound(err):
		return daemonErrorCodeResourceNotFound
	case errors.Is(err, models.ErrWakeTimeout):
		return daemonErrorCodeWakeTimeout
	case errors.Is(err, models.ErrHealthCheck):
		return daemonErrorCodeWakeHealthCheck
	case errors.Is(err, models.ErrWakeCancelled):
		return daemonErrorCodeWakeCancelled
	case errors.As(err, &ae):
		return daemonErrorCodeRuntimeAdapter
	}
	message := ""
	if err != nil {
		message = err.Error()
	}
	return daemonErrorCode(status, message)
}

func daemonErrorCode(status int, message string) string {
	normalized := strings.TrimSpace(strings.ToLower(message))
	if normalized != "" {
		if code := daemonErrorCodeFromMessage(normalized); code != "" {
			return code
		}
	}
	return daemonErrorCodeByStatus(status)
}

func daemonErrorCodeFromMessage(normalized string) string {
	switch {
	case strings.Contains(normalized, "request body is required"):
		return daemonErrorCodeValidationMissingField
	case strings.Contains(normalized, "invalid request body"),
		strings.Contains(normalized, "unexpected trailing data"),
		strings.Contains(normalized, "invalid json"):
		return daemonErrorCodeValidationMalformedJSON
	case strings.Contains(normalized, "rate limit exceeded"):
		return daemonErrorCodeWakeRateLimited
	case strings.Contains(normalized, "method not allowed"):
		return daemonErrorCodeMethodNotAllowed
	case strings.Contains(normalized, "not found"):
		return daemonErrorCodeResourceNotFound
	case strings.Contains(normalized, "is required") || strings.Contains(normalized, "must be set"):
		return daemonErrorCodeValidationMissingField
	case strings.Contains(normalized, "invalid "), strings.Contains(normalized, "must be"):
		return daemonErrorCodeValidationInvalidValue
	case strings.Contains(normalized, "unavailable"):
		return daemonErrorCodeUnavailable
	}
	return ""
}

func daemonErrorCodeByStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return daemonErrorCodeValidationBadRequest
	case http.StatusNotFound:
		return daemonErrorCodeResourceNotFound
	case http.StatusConflict:
		return daemonErrorCodeConflict
	case http.StatusMethodNotAllowed:
		return daemonErrorCodeMethodNotAllowed
	case http.StatusInternalServerError:
		return daemonErrorCodeServerError
	case http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusBadGateway:
		return daemonErrorCodeUnavailable
	default:
		if status >= http.StatusInternalServerError {
			return daemonErrorCodeServerError
		}
	}
	return daemonErrorCodeInternalError
}
