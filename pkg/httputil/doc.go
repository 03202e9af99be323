// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Response Helpers
//
//	httputil.WriteJSON(w, http.StatusOK, data)
//	httputil.WriteCreated(w, account)
//	httputil.WriteBadRequest(w, "invalid input")
//	httputil.WriteErrorResponse(w, http.StatusBadGateway, httputil.ErrorResponse{Error: msg, Retryable: true})
//
// # Request Parsing
//
//	var req CreateAccountRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//
//	username, ok := httputil.ParsePathStringOrError(w, r, "username")
//
// # Middleware
//
//	handler := httputil.Chain(
//		httputil.RequestIDMiddleware(logger),
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware(logger),
//		httputil.ContentTypeMiddleware,
//	)(router)
package httputil
