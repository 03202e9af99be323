package provisioning

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/idsync/pkg/accounts"
	"github.com/platinummonkey/idsync/pkg/identity"
	"github.com/platinummonkey/idsync/pkg/idp"
	"github.com/platinummonkey/idsync/pkg/observability"
)

const (
	sagaProvision   = "provision"
	sagaDeprovision = "deprovision"

	// OrganizationAttribute is the identity attribute carrying the organization name.
	OrganizationAttribute = "organization"
)

// ProvisioningFailedError is returned when provisioning failed after the
// identity was created and the saga deleted it again (or tried to).
type ProvisioningFailedError struct {
	Username string
	Step     string
	Cause    error
}

func (e *ProvisioningFailedError) Error() string {
	return fmt.Sprintf("provisioning %s failed at %s: %v", e.Username, e.Step, e.Cause)
}

func (e *ProvisioningFailedError) Unwrap() error {
	return e.Cause
}

// CreateRequest describes a new account.
type CreateRequest struct {
	Username          string `json:"username"`
	Email             string `json:"email"`
	Organization      string `json:"organization"`
	TemporaryPassword string `json:"temporary_password"`
	Role              string `json:"role"`
	// DeferActivation stores the account Pending so the reconciliation
	// scheduler completes activation.
	DeferActivation bool `json:"defer_activation"`
}

// Validate checks the request before any identity provider call.
func (r *CreateRequest) Validate() error {
	r.Username = strings.TrimSpace(r.Username)
	r.Email = strings.TrimSpace(r.Email)
	r.Organization = strings.TrimSpace(r.Organization)

	switch {
	case r.Username == "":
		return identity.NewValidationError("username", "is required")
	case len(r.Username) > 255:
		return identity.NewValidationError("username", "must be at most 255 characters")
	case strings.ContainsAny(r.Username, " \t\r\n/"):
		return identity.NewValidationError("username", "must not contain whitespace or slashes")
	case r.Email == "":
		return identity.NewValidationError("email", "is required")
	case r.TemporaryPassword == "":
		return identity.NewValidationError("temporary_password", "is required")
	case r.Role == "":
		return identity.NewValidationError("role", "is required")
	}
	if addr, err := mail.ParseAddress(r.Email); err != nil || addr.Address != r.Email {
		return identity.NewValidationError("email", "is not a valid address")
	}
	return nil
}

// Service runs the provisioning and deprovisioning sagas.
type Service struct {
	api     idp.AdminAPI
	roles   *RoleReplacer
	store   accounts.Store
	issues  accounts.IssueStore
	clock   clockwork.Clock
	logger  *observability.Logger
	metrics *observability.Metrics
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the wall clock used for registration timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

// WithIssueStore records failed compensations as dead-letter issues.
func WithIssueStore(issues accounts.IssueStore) Option {
	return func(s *Service) { s.issues = issues }
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Service) { s.metrics = metrics }
}

// NewService creates a Service.
func NewService(api idp.AdminAPI, store accounts.Store, logger *observability.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	s := &Service{
		api:    api,
		store:  store,
		clock:  clockwork.NewRealClock(),
		logger: logger.WithField("component", "provisioning"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.roles = NewRoleReplacer(api, s.logger)
	return s
}

// Roles returns the role replacer shared with the service.
func (s *Service) Roles() *RoleReplacer {
	return s.roles
}

// Create provisions an identity and its local account.
//
// Failures before the identity exists are returned as is. Once the identity
// exists (password, role or persistence failure) it is deleted and the cause
// is returned wrapped in *ProvisioningFailedError.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*accounts.Account, error) {
	ctx, span := observability.StartSpan(ctx, "provisioning.create", trace.WithAttributes(attribute.String("username", req.Username)))
	defer span.End()

	account, err := s.create(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "provisioning failed")
		return nil, err
	}
	span.SetAttributes(attribute.String("identity_id", account.ID))
	return account, nil
}

func (s *Service) create(ctx context.Context, req CreateRequest) (*accounts.Account, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	role, err := identity.ParseRole(req.Role)
	if err != nil {
		return nil, err
	}

	log := observability.WithTraceContext(ctx, observability.FromContext(ctx, s.logger)).WithField("username", req.Username)

	if _, found, err := s.findByUsername(ctx, req.Username); err != nil {
		return nil, err
	} else if found {
		return nil, fmt.Errorf("%w: %s", identity.ErrAlreadyExists, req.Username)
	}

	var identityID string
	account := &accounts.Account{Status: accounts.StatusActive}
	if req.DeferActivation {
		account.Status = accounts.StatusPending
	}

	sg := &saga{
		name:    sagaProvision,
		logger:  log,
		metrics: s.metrics,
		steps: []step{
			{
				name: "create_identity",
				action: func(ctx context.Context) error {
					// Created enabled, not disabled. The temporary password
					// only gets the user as far as UPDATE_PASSWORD on first login.
					user := idp.User{
						Username:        req.Username,
						Email:           req.Email,
						Enabled:         true,
						EmailVerified:   false,
						RequiredActions: []string{idp.RequiredActionUpdatePassword},
					}
					if req.Organization != "" {
						user.Attributes = map[string][]string{OrganizationAttribute: {req.Organization}}
					}
					return s.api.CreateUser(ctx, user)
				},
			},
			{
				name: "resolve_identity",
				action: func(ctx context.Context) error {
					user, found, err := s.findByUsername(ctx, req.Username)
					if err != nil {
						return err
					}
					if !found {
						return fmt.Errorf("created identity %s could not be resolved: %w", req.Username, identity.ErrNotFound)
					}
					identityID = user.ID
					return nil
				},
				compensate: func(ctx context.Context) error {
					return s.api.DeleteUser(ctx, identityID)
				},
			},
			{
				name: "set_password",
				action: func(ctx context.Context) error {
					return s.api.ResetPassword(ctx, identityID, idp.PasswordCredential(req.TemporaryPassword, true))
				},
			},
			{
				name: "assign_role",
				action: func(ctx context.Context) error {
					return s.roles.ReplaceRole(ctx, identityID, role.String())
				},
			},
			{
				name: "persist_account",
				action: func(ctx context.Context) error {
					account.ID = identityID
					account.RegisteredAt = s.clock.Now().UTC()
					return s.store.Create(ctx, account)
				},
			},
		},
	}

	if err := sg.run(ctx); err != nil {
		var stepErr *StepError
		if !errors.As(err, &stepErr) || !stepErr.Unwound {
			s.metrics.ObserveSaga(sagaProvision, "failed")
			log.WithError(err).Warn("Provisioning failed")
			if stepErr != nil {
				return nil, stepErr.Err
			}
			return nil, err
		}

		s.metrics.ObserveSaga(sagaProvision, "compensated")
		if stepErr.CompensationErr != nil {
			log.WithError(stepErr.Err).
				WithField("identity_id", identityID).
				WithField("compensation_error", stepErr.CompensationErr.Error()).
				Error("Provisioning failed and the identity could not be deleted")
			s.recordIssue(ctx, identityID, req.Username, sagaProvision, stepErr)
		} else {
			log.WithError(stepErr.Err).WithField("identity_id", identityID).Warn("Provisioning failed, identity deleted")
		}
		return nil, &ProvisioningFailedError{Username: req.Username, Step: stepErr.Step, Cause: stepErr.Err}
	}

	s.metrics.ObserveSaga(sagaProvision, "success")
	log.WithFields(map[string]interface{}{
		"identity_id": account.ID,
		"role":        role.String(),
		"status":      string(account.Status),
	}).Info("Account provisioned")
	return account, nil
}

// Delete removes the local account and then the identity. If the identity
// cannot be deleted the local row is restored and the error returned.
func (s *Service) Delete(ctx context.Context, username string) error {
	ctx, span := observability.StartSpan(ctx, "provisioning.delete", trace.WithAttributes(attribute.String("username", username)))
	defer span.End()

	if err := s.delete(ctx, username); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "deprovisioning failed")
		return err
	}
	return nil
}

func (s *Service) delete(ctx context.Context, username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return identity.NewValidationError("username", "is required")
	}
	log := observability.WithTraceContext(ctx, observability.FromContext(ctx, s.logger)).WithField("username", username)

	user, found, err := s.findByUsername(ctx, username)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", identity.ErrNotFound, username)
	}
	log = log.WithField("identity_id", user.ID)

	snapshot, err := s.store.FindByID(ctx, user.ID)
	if errors.Is(err, accounts.ErrNotFound) {
		snapshot = nil
	} else if err != nil {
		return fmt.Errorf("failed to load account: %w", err)
	}

	deleteAccount := step{
		name: "delete_account",
		action: func(ctx context.Context) error {
			if snapshot == nil {
				return nil
			}
			return s.store.DeleteByID(ctx, user.ID)
		},
	}
	if snapshot != nil {
		deleteAccount.compensate = func(ctx context.Context) error {
			return s.store.Create(ctx, snapshot)
		}
	}

	sg := &saga{
		name:    sagaDeprovision,
		logger:  log,
		metrics: s.metrics,
		steps: []step{
			deleteAccount,
			{
				name: "delete_identity",
				action: func(ctx context.Context) error {
					err := s.api.DeleteUser(ctx, user.ID)
					if errors.Is(err, identity.ErrNotFound) {
						log.Warn("Identity already deleted")
						return nil
					}
					return err
				},
			},
		},
	}

	if err := sg.run(ctx); err != nil {
		var stepErr *StepError
		if !errors.As(err, &stepErr) {
			return err
		}
		if stepErr.CompensationErr != nil {
			log.WithError(stepErr.Err).
				WithField("compensation_error", stepErr.CompensationErr.Error()).
				Error("Deprovisioning failed and the account row could not be restored")
			s.recordIssue(ctx, user.ID, username, sagaDeprovision, stepErr)
		} else if stepErr.Unwound {
			log.WithError(stepErr.Err).Warn("Deprovisioning failed, account restored")
		} else {
			log.WithError(stepErr.Err).Warn("Deprovisioning failed")
		}
		s.metrics.ObserveSaga(sagaDeprovision, "failed")
		return stepErr.Err
	}

	s.metrics.ObserveSaga(sagaDeprovision, "success")
	log.Info("Account deprovisioned")
	return nil
}

// ChangeRole replaces the application role of the identity named username.
func (s *Service) ChangeRole(ctx context.Context, username, roleName string) error {
	role, err := identity.ParseRole(roleName)
	if err != nil {
		return err
	}
	user, found, err := s.findByUsername(ctx, username)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", identity.ErrNotFound, username)
	}
	return s.roles.ReplaceRole(ctx, user.ID, role.String())
}

// findByUsername resolves the single identity with username. The exact
// search is filtered again because providers lowercase usernames.
func (s *Service) findByUsername(ctx context.Context, username string) (idp.User, bool, error) {
	users, err := s.api.FindUsersByUsername(ctx, username)
	if err != nil {
		return idp.User{}, false, err
	}
	for _, u := range users {
		if strings.EqualFold(u.Username, username) {
			return u, true, nil
		}
	}
	return idp.User{}, false, nil
}

func (s *Service) recordIssue(ctx context.Context, identityID, username, operation string, stepErr *StepError) {
	if s.issues == nil {
		return
	}
	issue := &accounts.Issue{
		IdentityID: identityID,
		Username:   username,
		Operation:  operation,
		Detail:     stepErr.Error(),
		CreatedAt:  s.clock.Now().UTC(),
	}
	if err := s.issues.RecordIssue(context.WithoutCancel(ctx), issue); err != nil {
		s.logger.WithError(err).WithField("identity_id", identityID).Error("Failed to record reconciliation issue")
	}
}
