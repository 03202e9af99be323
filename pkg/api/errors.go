package api

import (
	"errors"
	"net/http"

	"github.com/platinummonkey/idsync/pkg/httputil"
	"github.com/platinummonkey/idsync/pkg/identity"
	"github.com/platinummonkey/idsync/pkg/observability"
	"github.com/platinummonkey/idsync/pkg/provisioning"
	"github.com/platinummonkey/idsync/pkg/reconcile"
)

// statusFor maps a domain error to an HTTP status and whether the caller may retry.
func statusFor(err error) (int, bool) {
	var (
		validationErr *identity.ValidationError
		failedErr     *provisioning.ProvisioningFailedError
		idpErr        *identity.IdentityProviderError
	)

	switch {
	case errors.As(err, &failedErr):
		return http.StatusBadGateway, true
	case errors.As(err, &validationErr), errors.Is(err, identity.ErrInvalidRole):
		return http.StatusBadRequest, false
	case errors.Is(err, identity.ErrAlreadyExists):
		return http.StatusConflict, false
	case errors.Is(err, identity.ErrNotFound):
		return http.StatusNotFound, false
	case errors.Is(err, reconcile.ErrAccountBusy), errors.Is(err, reconcile.ErrScanInProgress):
		return http.StatusConflict, true
	case errors.As(err, &idpErr):
		return http.StatusBadGateway, idpErr.Transient() || idpErr.StatusCode == 0
	default:
		return http.StatusInternalServerError, false
	}
}

// writeError writes err as a JSON error response and logs server side failures.
func writeError(w http.ResponseWriter, r *http.Request, logger *observability.Logger, err error) {
	status, retryable := statusFor(err)
	if status >= http.StatusInternalServerError {
		observability.FromContext(r.Context(), logger).
			WithError(err).
			WithField("status", status).
			Error("Request failed")
	}

	var validationErr *identity.ValidationError
	switch {
	case errors.As(err, &validationErr) && validationErr.Field != "":
		httputil.WriteErrorResponse(w, status, httputil.ErrorResponse{
			Error:   err.Error(),
			Details: map[string]string{validationErr.Field: validationErr.Message},
		})
	case retryable:
		httputil.WriteErrorResponse(w, status, httputil.ErrorResponse{Error: err.Error(), Retryable: true})
	case status == http.StatusBadRequest:
		httputil.WriteBadRequest(w, err.Error())
	case status == http.StatusNotFound:
		httputil.WriteNotFound(w, err.Error())
	case status == http.StatusConflict:
		httputil.WriteConflict(w, err.Error())
	case status == http.StatusInternalServerError:
		httputil.WriteInternalError(w, err)
	default:
		httputil.WriteError(w, status, err)
	}
}
