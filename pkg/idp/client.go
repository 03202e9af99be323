package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/idsync/pkg/identity"
	"github.com/platinummonkey/idsync/pkg/observability"
)

const maxResponseBody = 1 << 20

// ClientConfig configures the admin API client.
type ClientConfig struct {
	BaseURL       string
	Realm         string
	HTTPClient    *http.Client
	RoleCacheSize int
	RoleCacheTTL  time.Duration
}

// TokenProvider supplies and invalidates admin bearer tokens. *SessionCache implements it.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// Client implements AdminAPI over HTTP.
type Client struct {
	adminURL string
	http     *http.Client
	tokens   TokenProvider
	retrier  *Retrier
	roles    *expirable.LRU[string, Role]
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewHTTPClient returns an HTTP client with tracing instrumentation and a request timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// NewClient creates an admin API client for cfg.Realm.
func NewClient(cfg ClientConfig, tokens TokenProvider, retrier *Retrier, logger *observability.Logger, metrics *observability.Metrics) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = NewHTTPClient(30 * time.Second)
	}
	if cfg.RoleCacheSize <= 0 {
		cfg.RoleCacheSize = 64
	}
	if cfg.RoleCacheTTL <= 0 {
		cfg.RoleCacheTTL = 5 * time.Minute
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	return &Client{
		adminURL: fmt.Sprintf("%s/admin/realms/%s", strings.TrimRight(cfg.BaseURL, "/"), url.PathEscape(cfg.Realm)),
		http:     cfg.HTTPClient,
		tokens:   tokens,
		retrier:  retrier,
		roles:    expirable.NewLRU[string, Role](cfg.RoleCacheSize, nil, cfg.RoleCacheTTL),
		logger:   logger.WithField("component", "idp_client"),
		metrics:  metrics,
	}
}

// FindUsersByUsername returns users whose username matches exactly.
func (c *Client) FindUsersByUsername(ctx context.Context, username string) ([]User, error) {
	var users []User
	query := url.Values{"username": {username}, "exact": {"true"}}
	if err := c.do(ctx, "find_users_by_username", http.MethodGet, "/users", query, nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// FindUsersByEmail returns users whose email matches exactly.
func (c *Client) FindUsersByEmail(ctx context.Context, email string) ([]User, error) {
	var users []User
	query := url.Values{"email": {email}, "exact": {"true"}}
	if err := c.do(ctx, "find_users_by_email", http.MethodGet, "/users", query, nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// GetUser fetches a user by id.
func (c *Client) GetUser(ctx context.Context, id string) (User, error) {
	var user User
	err := c.do(ctx, "get_user", http.MethodGet, "/users/"+url.PathEscape(id), nil, nil, &user)
	if err != nil {
		return User{}, notFound(err, "user "+id)
	}
	return user, nil
}

// CreateUser creates a user. A 409 maps to identity.ErrAlreadyExists.
func (c *Client) CreateUser(ctx context.Context, user User) error {
	err := c.do(ctx, "create_user", http.MethodPost, "/users", nil, user, nil)
	if identity.StatusCode(err) == http.StatusConflict {
		return fmt.Errorf("%w: %s: %w", identity.ErrAlreadyExists, user.Username, err)
	}
	return err
}

// ResetPassword sets the user's password credential.
func (c *Client) ResetPassword(ctx context.Context, id string, credential Credential) error {
	return c.do(ctx, "reset_password", http.MethodPut, "/users/"+url.PathEscape(id)+"/reset-password", nil, credential, nil)
}

// DeleteUser removes a user.
func (c *Client) DeleteUser(ctx context.Context, id string) error {
	if err := c.do(ctx, "delete_user", http.MethodDelete, "/users/"+url.PathEscape(id), nil, nil, nil); err != nil {
		return notFound(err, "user "+id)
	}
	return nil
}

// ListRealmRoleMappings returns the realm roles mapped to a user.
func (c *Client) ListRealmRoleMappings(ctx context.Context, id string) ([]Role, error) {
	var roles []Role
	if err := c.do(ctx, "list_role_mappings", http.MethodGet, roleMappingsPath(id), nil, nil, &roles); err != nil {
		return nil, notFound(err, "user "+id)
	}
	return roles, nil
}

// AddRealmRoleMappings maps roles to a user.
func (c *Client) AddRealmRoleMappings(ctx context.Context, id string, roles []Role) error {
	return c.do(ctx, "add_role_mappings", http.MethodPost, roleMappingsPath(id), nil, roles, nil)
}

// RemoveRealmRoleMappings unmaps roles from a user in one call.
func (c *Client) RemoveRealmRoleMappings(ctx context.Context, id string, roles []Role) error {
	return c.do(ctx, "remove_role_mappings", http.MethodDelete, roleMappingsPath(id), nil, roles, nil)
}

// GetRealmRole resolves a role by name. Results are cached for the configured TTL.
func (c *Client) GetRealmRole(ctx context.Context, name string) (Role, error) {
	if role, ok := c.roles.Get(name); ok {
		return role, nil
	}

	var role Role
	err := c.do(ctx, "get_role", http.MethodGet, "/roles/"+url.PathEscape(name), nil, nil, &role)
	if err != nil {
		if identity.StatusCode(err) == http.StatusNotFound {
			return Role{}, fmt.Errorf("%w: %q: %w", identity.ErrInvalidRole, name, err)
		}
		return Role{}, err
	}

	c.roles.Add(name, role)
	return role, nil
}

func roleMappingsPath(id string) string {
	return "/users/" + url.PathEscape(id) + "/role-mappings/realm"
}

func notFound(err error, what string) error {
	if identity.StatusCode(err) == http.StatusNotFound {
		return fmt.Errorf("%w: %s: %w", identity.ErrNotFound, what, err)
	}
	return err
}

// do performs one admin call through the retrier. Non-2xx responses become
// *identity.IdentityProviderError carrying the status and body.
func (c *Client) do(ctx context.Context, operation, method, path string, query url.Values, in, out interface{}) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return &identity.IdentityProviderError{Operation: operation, Err: fmt.Errorf("failed to encode request: %w", err)}
		}
	}

	target := c.adminURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	return c.retrier.Do(ctx, operation, func(ctx context.Context) error {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return err
		}

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, body)
		if err != nil {
			return &identity.IdentityProviderError{Operation: operation, Err: err}
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		start := time.Now()
		resp, err := c.http.Do(req)
		if err != nil {
			c.metrics.ObserveIdPCall(operation, 0, time.Since(start))
			return &identity.IdentityProviderError{Operation: operation, Err: err}
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		c.metrics.ObserveIdPCall(operation, resp.StatusCode, time.Since(start))
		if err != nil {
			return &identity.IdentityProviderError{Operation: operation, StatusCode: resp.StatusCode, Err: err}
		}

		if resp.StatusCode == http.StatusUnauthorized {
			c.tokens.Invalidate()
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &identity.IdentityProviderError{
				Operation:  operation,
				StatusCode: resp.StatusCode,
				Body:       strings.TrimSpace(string(respBody)),
			}
		}

		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return &identity.IdentityProviderError{
					Operation:  operation,
					StatusCode: resp.StatusCode,
					Err:        fmt.Errorf("failed to decode response: %w", err),
				}
			}
		}
		return nil
	})
}
