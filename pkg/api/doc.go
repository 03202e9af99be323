// Package api exposes the idsync admin HTTP API.
//
// Routes:
//
//	POST   /accounts                    provision an account
//	GET    /accounts?status=&limit=     list local accounts
//	GET    /accounts/{id}               get a local account
//	DELETE /accounts/{username}         deprovision an account
//	PUT    /accounts/{username}/role    replace the application role
//	POST   /accounts/{id}/reset         reset a failed account and retry it now
//	POST   /reconcile/scan              run a reconciliation scan
//	GET    /reconcile/stats             account counts by status
//	GET    /issues                      compensation failures needing attention
//	GET    /healthz, /readyz, /metrics
//
// Errors are JSON bodies of the form {"error": "...", "retryable": true}.
package api
