package daemon

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berth-dev/berth/internal/models"
	"github.com/berth-dev/berth/internal/runtime"
)

func TestStatusAndCodeForError(t *testing.T) {
	adapterErr := &runtime.AdapterError{Op: "start", ID: "c1", Message: "no such image"}
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"schedule", fmt.Errorf("%w: bad field", models.ErrInvalidSchedule), http.StatusBadRequest, daemonErrorCodeValidationSchedule},
		{"duplicate rule", fmt.Errorf("%w: app.example.com", models.ErrDuplicateRule), http.StatusBadRequest, daemonErrorCodeValidationDuplicateRule},
		{"auto rule", fmt.Errorf("%w: auto-web", models.ErrAutoGeneratedRule), http.StatusBadRequest, daemonErrorCodeValidationAutoRule},
		{"invalid id", fmt.Errorf("rule id: %w", models.ErrInvalidID), http.StatusBadRequest, daemonErrorCodeValidationInvalidID},
		{"plain validation", fmt.Errorf("%w: subdomain is required", models.ErrValidation), http.StatusBadRequest, daemonErrorCodeValidationMissingField},
		{"task missing", fmt.Errorf("%w: t1", models.ErrTaskNotFound), http.StatusNotFound, daemonErrorCodeResourceNotFound},
		{"workload missing", fmt.Errorf("inspect: %w", runtime.ErrWorkloadNotFound), http.StatusNotFound, daemonErrorCodeRuntimeWorkloadMissing},
		{"wake timeout", models.ErrWakeTimeout, http.StatusGatewayTimeout, daemonErrorCodeWakeTimeout},
		{"wake cancelled", fmt.Errorf("%w: context canceled", models.ErrWakeCancelled), http.StatusServiceUnavailable, daemonErrorCodeWakeCancelled},
		{"health check", fmt.Errorf("%w: 4 failures", models.ErrHealthCheck), http.StatusBadGateway, daemonErrorCodeWakeHealthCheck},
		{"adapter", fmt.Errorf("run: %w", adapterErr), http.StatusBadGateway, daemonErrorCodeRuntimeAdapter},
		{"unknown", errors.New("disk I/O error"), http.StatusInternalServerError, daemonErrorCodeServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status := statusForError(tc.err)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.code, daemonErrorCodeForError(status, tc.err))
		})
	}
	assert.Equal(t, http.StatusOK, statusForError(nil))
}

func TestDaemonErrorCodeFromMessage(t *testing.T) {
	cases := map[string]string{
		"request body is required": daemonErrorCodeValidationMissingField,
		"unexpected trailing data": daemonErrorCodeValidationMalformedJSON,
		"rate limit exceeded":      daemonErrorCodeWakeRateLimited,
		"method not allowed":       daemonErrorCodeMethodNotAllowed,
		"task not found":           daemonErrorCodeResourceNotFound,
		"invalid timeout":          daemonErrorCodeValidationInvalidValue,
		"events are unavailable":   daemonErrorCodeUnavailable,
	}
	for msg, want := range cases {
		assert.Equal(t, want, daemonErrorCode(http.StatusBadRequest, msg), msg)
	}
	assert.Equal(t, daemonErrorCodeValidationBadRequest, daemonErrorCode(http.StatusBadRequest, "nope"))
	assert.Equal(t, daemonErrorCodeConflict, daemonErrorCode(http.StatusConflict, ""))
	assert.Equal(t, daemonErrorCodeUnavailable, daemonErrorCode(http.StatusBadGateway, ""))
	assert.Equal(t, daemonErrorCodeServerError, daemonErrorCode(http.StatusNotImplemented, ""))
	assert.Equal(t, daemonErrorCodeInternalError, daemonErrorCode(http.StatusTeapot, ""))
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}
	cases := []struct {
		body    string
		wantErr string
	}{
		{body: `{"name":"api"}`},
		{body: "  \n", wantErr: "request body is required"},
		{body: `{"name":"api","extra":1}`, wantErr: "unknown field"},
		{body: `{"name":"api"} {"name":"web"}`, wantErr: "unexpected trailing data"},
		{body: `{"name":`, wantErr: "unexpected EOF"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
		var got payload
		err := decodeJSON(httptest.NewRecorder(), req, &got)
		if tc.wantErr != "" {
			require.Error(t, err, tc.body)
			assert.Contains(t, err.Error(), tc.wantErr, tc.body)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, "api", got.Name)
	}

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	assert.EqualError(t, decodeJSON(httptest.NewRecorder(), req, &struct{}{}), "request body is required")
}
