package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/idsync/pkg/httputil"
	"github.com/platinummonkey/idsync/pkg/observability"

	"github.com/platinummonkey/idsync/pkg/accounts"
	"github.com/platinummonkey/idsync/pkg/identity"
	"github.com/platinummonkey/idsync/pkg/provisioning"
	"github.com/platinummonkey/idsync/pkg/reconcile"
)

func TestStatusFor(t *testing.T) {
	unavailable := &identity.IdentityProviderError{Operation: "get_user", StatusCode: http.StatusServiceUnavailable}
	forbidden := &identity.IdentityProviderError{Operation: "get_user", StatusCode: http.StatusForbidden}
	refused := &identity.IdentityProviderError{Operation: "get_user", Err: errors.New("connection refused")}

	tests := []struct {
		name      string
		err       error
		status    int
		retryable bool
	}{
		{"validation", identity.NewValidationError("email", "is required"), http.StatusBadRequest, false},
		{"invalid role", fmt.Errorf("%w: %q", identity.ErrInvalidRole, "Root"), http.StatusBadRequest, false},
		{"already exists", fmt.Errorf("%w: alice", identity.ErrAlreadyExists), http.StatusConflict, false},
		{"duplicate account", accounts.ErrDuplicate, http.StatusConflict, false},
		{"identity not found", fmt.Errorf("%w: %w", identity.ErrNotFound, forbidden), http.StatusNotFound, false},
		{"account not found", accounts.ErrNotFound, http.StatusNotFound, false},
		{"account busy", reconcile.ErrAccountBusy, http.StatusConflict, true},
		{"scan in progress", reconcile.ErrScanInProgress, http.StatusConflict, true},
		{"provisioning failed", &provisioning.ProvisioningFailedError{Username: "alice", Step: "assign_role", Cause: unavailable}, http.StatusBadGateway, true},
		{"transient provider error", unavailable, http.StatusBadGateway, true},
		{"transport error", refused, http.StatusBadGateway, true},
		{"permanent provider error", forbidden, http.StatusBadGateway, false},
		{"unexpected", errors.New("disk full"), http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, retryable := statusFor(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.retryable, retryable)
		})
	}
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		status    int
		retryable bool
		details   map[string]string
	}{
		{"validation", identity.NewValidationError("email", "is required"), http.StatusBadRequest, false, map[string]string{"email": "is required"}},
		{"invalid role", fmt.Errorf("%w: %q", identity.ErrInvalidRole, "Root"), http.StatusBadRequest, false, nil},
		{"not found", accounts.ErrNotFound, http.StatusNotFound, false, nil},
		{"conflict", fmt.Errorf("%w: alice", identity.ErrAlreadyExists), http.StatusConflict, false, nil},
		{"busy", reconcile.ErrAccountBusy, http.StatusConflict, true, nil},
		{"unexpected", errors.New("disk full"), http.StatusInternalServerError, false, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/accounts/x", nil)

			writeError(rec, req, observability.NewNopLogger(), tt.err)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			var body httputil.ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.err.Error(), body.Error)
			assert.Equal(t, tt.retryable, body.Retryable)
			assert.Equal(t, tt.details, body.Details)
		})
	}
}
