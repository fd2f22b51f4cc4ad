package daemon

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAPIErrorCode(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		message string
		want    string
	}{
		{"session not found", http.StatusNotFound, "session se-1: not found", "v1/session/not_found"},
		{"station not found", http.StatusNotFound, "station MUCODE: not found", "v1/station/not_found"},
		{"locker unavailable", http.StatusNotFound, "no medium locker available: not found", "v1/locker/unavailable"},
		{"session wrong state", http.StatusConflict, "session se-1: expected state ACTIVE, found HOLD", "v1/session/wrong_state"},
		{"task wrong state", http.StatusConflict, "task t-1: expected state PENDING, found COMPLETED", "v1/task/wrong_state"},
		{"locker wrong state", http.StatusConflict, "locker lk-1: expected state LOCKED, found UNLOCKED", "v1/locker/wrong_state"},
		{"illegal transition", http.StatusConflict, "illegal transition from ACTIVE to CREATED", "v1/session/illegal_transition"},
		{"missing field", http.StatusBadRequest, "user_id is required", "v1/validation/missing_required_field"},
		{"invalid value", http.StatusBadRequest, `unknown payment method "BARTER"`, "v1/validation/invalid_value"},
		{"malformed json", http.StatusBadRequest, "invalid request body", "v1/validation/malformed_json"},
		{"status fallback conflict", http.StatusConflict, "", "v1/resource/conflict"},
		{"status fallback server error", http.StatusInternalServerError, "database is on fire", "v1/internal/server_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, apiErrorCode(tc.status, tc.message))
		})
	}
}
