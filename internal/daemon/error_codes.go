package daemon

import (
	"net/http"
	"strings"
)

const apiErrorCodeVersion = "v1"

const (
	// Validation domain
	apiErrorCodeValidationBadRequest    = apiErrorCodeVersion + "/validation/bad_request"
	apiErrorCodeValidationMalformedJSON = apiErrorCodeVersion + "/validation/malformed_json"
	apiErrorCodeValidationMissingField  = apiErrorCodeVersion + "/validation/missing_required_field"
	apiErrorCodeValidationInvalidValue  = apiErrorCodeVersion + "/validation/invalid_value"

	// Session domain
	apiErrorCodeSessionNotFound     = apiErrorCodeVersion + "/session/not_found"
	apiErrorCodeSessionWrongState   = apiErrorCodeVersion + "/session/wrong_state"
	apiErrorCodeSessionIllegalState = apiErrorCodeVersion + "/session/illegal_transition"

	// Station and locker domain
	apiErrorCodeStationNotFound   = apiErrorCodeVersion + "/station/not_found"
	apiErrorCodeStationConflict   = apiErrorCodeVersion + "/station/conflict"
	apiErrorCodeLockerNotFound    = apiErrorCodeVersion + "/locker/not_found"
	apiErrorCodeLockerUnavailable = apiErrorCodeVersion + "/locker/unavailable"
	apiErrorCodeLockerWrongState  = apiErrorCodeVersion + "/locker/wrong_state"

	// Task domain
	apiErrorCodeTaskNotFound   = apiErrorCodeVersion + "/task/not_found"
	apiErrorCodeTaskWrongState = apiErrorCodeVersion + "/task/wrong_state"

	// Generic fallbacks
	apiErrorCodeResourceNotFound = apiErrorCodeVersion + "/resource/not_found"
	apiErrorCodeConflict         = apiErrorCodeVersion + "/resource/conflict"
	apiErrorCodeServerError      = apiErrorCodeVersion + "/internal/server_error"
)

func apiErrorCode(status int, message string) string {
	normalized := strings.TrimSpace(strings.ToLower(message))
	if normalized != "" {
		if code := apiErrorCodeFromMessage(normalized); code != "" {
			return code
		}
	}
	return apiErrorCodeByStatus(status)
}

func apiErrorCodeFromMessage(normalized string) string {
	switch {
	case strings.Contains(normalized, "invalid request body"):
		return apiErrorCodeValidationMalformedJSON
	case strings.Contains(normalized, "illegal transition"):
		return apiErrorCodeSessionIllegalState
	case strings.Contains(normalized, "no") && strings.Contains(normalized, "locker available"):
		return apiErrorCodeLockerUnavailable
	case strings.Contains(normalized, "locker") && strings.Contains(normalized, "expected state"):
		return apiErrorCodeLockerWrongState
	case strings.Contains(normalized, "session") && strings.Contains(normalized, "expected state"):
		return apiErrorCodeSessionWrongState
	case strings.Contains(normalized, "task") && strings.Contains(normalized, "expected state"):
		return apiErrorCodeTaskWrongState
	case strings.Contains(normalized, "expected state"):
		return apiErrorCodeConflict
	case strings.Contains(normalized, "not found"):
		switch {
		case strings.Contains(normalized, "session"):
			return apiErrorCodeSessionNotFound
		case strings.Contains(normalized, "station"):
			return apiErrorCodeStationNotFound
		case strings.Contains(normalized, "locker"):
			return apiErrorCodeLockerNotFound
		case strings.Contains(normalized, "task"):
			return apiErrorCodeTaskNotFound
		default:
			return apiErrorCodeResourceNotFound
		}
	case strings.Contains(normalized, "already exists"):
		return apiErrorCodeStationConflict
	case strings.Contains(normalized, "is required") || strings.Contains(normalized, "must be set"):
		return apiErrorCodeValidationMissingField
	case strings.Contains(normalized, "unknown payment method"),
		strings.Contains(normalized, "unknown station state"),
		strings.Contains(normalized, "unknown locker type"):
		return apiErrorCodeValidationInvalidValue
	case strings.Contains(normalized, "invalid"):
		return apiErrorCodeValidationBadRequest
	}
	return ""
}

func apiErrorCodeByStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return apiErrorCodeValidationBadRequest
	case http.StatusNotFound:
		return apiErrorCodeResourceNotFound
	case http.StatusConflict:
		return apiErrorCodeConflict
	default:
		if status >= http.StatusInternalServerError {
			return apiErrorCodeServerError
		}
	}
	return apiErrorCodeServerError
}
