package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/idsync/pkg/accounts"
	"github.com/platinummonkey/idsync/pkg/httputil"
	"github.com/platinummonkey/idsync/pkg/observability"
	"github.com/platinummonkey/idsync/pkg/provisioning"
	"github.com/platinummonkey/idsync/pkg/reconcile"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	defaultIssues    = 50
)

// Provisioner runs the account sagas.
type Provisioner interface {
	Create(ctx context.Context, req provisioning.CreateRequest) (*accounts.Account, error)
	Delete(ctx context.Context, username string) error
	ChangeRole(ctx context.Context, username, roleName string) error
}

// Reconciler drives pending accounts.
type Reconciler interface {
	Scan(ctx context.Context) (reconcile.ScanResult, error)
	Trigger()
	Reset(ctx context.Context, id string) (*accounts.Account, error)
	Stats(ctx context.Context) (map[accounts.Status]int, error)
}

// AccountHandlers handles account and reconciliation requests
type AccountHandlers struct {
	provisioner Provisioner
	reconciler  Reconciler
	store       accounts.Store
	issues      accounts.IssueStore
	logger      *observability.Logger
}

// NewAccountHandlers creates AccountHandlers. issues may be nil.
func NewAccountHandlers(provisioner Provisioner, reconciler Reconciler, store accounts.Store, issues accounts.IssueStore, logger *observability.Logger) *AccountHandlers {
	return &AccountHandlers{
		provisioner: provisioner,
		reconciler:  reconciler,
		store:       store,
		issues:      issues,
		logger:      logger,
	}
}

// RegisterRoutes registers account routes
func (h *AccountHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/accounts", h.CreateAccount).Methods(http.MethodPost)
	router.HandleFunc("/accounts", h.ListAccounts).Methods(http.MethodGet)
	router.HandleFunc("/accounts/{id}", h.GetAccount).Methods(http.MethodGet)
	router.HandleFunc("/accounts/{username}", h.DeleteAccount).Methods(http.MethodDelete)
	router.HandleFunc("/accounts/{username}/role", h.ChangeRole).Methods(http.MethodPut)
	router.HandleFunc("/accounts/{id}/reset", h.ResetAccount).Methods(http.MethodPost)

	router.HandleFunc("/reconcile/scan", h.Scan).Methods(http.MethodPost)
	router.HandleFunc("/reconcile/stats", h.Stats).Methods(http.MethodGet)
	router.HandleFunc("/issues", h.ListIssues).Methods(http.MethodGet)
}

// CreateAccount provisions an identity and its local account
func (h *AccountHandlers) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req provisioning.CreateRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	account, err := h.provisioner.Create(r.Context(), req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	_ = httputil.WriteCreated(w, account)
}

// DeleteAccount deprovisions the account named by username
func (h *AccountHandlers) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	username, ok := httputil.ParsePathStringOrError(w, r, "username")
	if !ok {
		return
	}

	if err := h.provisioner.Delete(r.Context(), username); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	httputil.WriteNoContent(w)
}

type changeRoleRequest struct {
	Role string `json:"role"`
}

// ChangeRole replaces the application role of an account
func (h *AccountHandlers) ChangeRole(w http.ResponseWriter, r *http.Request) {
	username, ok := httputil.ParsePathStringOrError(w, r, "username")
	if !ok {
		return
	}
	var req changeRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	if err := h.provisioner.ChangeRole(r.Context(), username, req.Role); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	httputil.WriteNoContent(w)
}

// ListAccounts lists local accounts, optionally filtered by status
func (h *AccountHandlers) ListAccounts(w http.ResponseWriter, r *http.Request) {
	opts := accounts.ListOptions{}
	if raw := httputil.ParseQueryString(r, "status", ""); raw != "" {
		status, err := accounts.ParseStatus(raw)
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		opts.Status = status
	}

	limit, err := httputil.ParseQueryInt(r, "limit", defaultListLimit)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if limit == 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	offset, err := httputil.ParseQueryInt(r, "offset", 0)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	opts.Limit = limit
	opts.Offset = offset

	list, err := h.store.List(r.Context(), opts)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if list == nil {
		list = []*accounts.Account{}
	}
	_ = httputil.WriteSuccess(w, list)
}

// GetAccount returns one local account
func (h *AccountHandlers) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	account, err := h.store.FindByID(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	_ = httputil.WriteSuccess(w, account)
}

// ResetAccount resets a failed account and processes it once
func (h *AccountHandlers) ResetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	account, err := h.reconciler.Reset(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	_ = httputil.WriteSuccess(w, account)
}

// Scan runs a reconciliation scan. With ?wait=true the scan runs inline and
// its result is returned; otherwise it is started in the background.
func (h *AccountHandlers) Scan(w http.ResponseWriter, r *http.Request) {
	if httputil.ParseQueryString(r, "wait", "") != "true" {
		h.reconciler.Trigger()
		_ = httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
		return
	}

	result, err := h.reconciler.Scan(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	_ = httputil.WriteSuccess(w, result)
}

// Stats returns account counts by status
func (h *AccountHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.reconciler.Stats(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	counts := map[accounts.Status]int{
		accounts.StatusPending: 0,
		accounts.StatusActive:  0,
		accounts.StatusFailed:  0,
	}
	for status, n := range stats {
		counts[status] = n
	}
	_ = httputil.WriteSuccess(w, counts)
}

// ListIssues returns recorded compensation failures, newest first
func (h *AccountHandlers) ListIssues(w http.ResponseWriter, r *http.Request) {
	if h.issues == nil {
		_ = httputil.WriteSuccess(w, []*accounts.Issue{})
		return
	}
	limit, err := httputil.ParseQueryInt(r, "limit", defaultIssues)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	issues, err := h.issues.ListIssues(r.Context(), limit)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if issues == nil {
		issues = []*accounts.Issue{}
	}
	_ = httputil.WriteSuccess(w, issues)
}
