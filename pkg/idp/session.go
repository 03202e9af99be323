package idp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/platinummonkey/idsync/pkg/identity"
	"github.com/platinummonkey/idsync/pkg/observability"
)

// DefaultSafetyMargin is how long before expiry a cached token stops being served.
const DefaultSafetyMargin = 10 * time.Second

// TokenFunc performs one token request and reports the token's lifetime.
type TokenFunc func(ctx context.Context) (token string, expiresIn time.Duration, err error)

// SessionCache holds the admin session shared by every admin call.
// Concurrent callers serialize on one mutex, so a burst of misses produces a
// single token request.
type SessionCache struct {
	fetch   TokenFunc
	clock   clockwork.Clock
	margin  time.Duration
	logger  *observability.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	session *AdminSession
}

// SessionOption configures a SessionCache.
type SessionOption func(*SessionCache)

// WithClock replaces the wall clock.
func WithClock(clock clockwork.Clock) SessionOption {
	return func(c *SessionCache) { c.clock = clock }
}

// WithSafetyMargin overrides DefaultSafetyMargin.
func WithSafetyMargin(margin time.Duration) SessionOption {
	return func(c *SessionCache) { c.margin = margin }
}

// WithSessionLogger sets the logger.
func WithSessionLogger(logger *observability.Logger) SessionOption {
	return func(c *SessionCache) { c.logger = logger }
}

// WithSessionMetrics sets the metrics sink.
func WithSessionMetrics(metrics *observability.Metrics) SessionOption {
	return func(c *SessionCache) { c.metrics = metrics }
}

// NewSessionCache creates an empty cache that fetches tokens with fetch.
func NewSessionCache(fetch TokenFunc, opts ...SessionOption) *SessionCache {
	c := &SessionCache{
		fetch:  fetch,
		clock:  clockwork.NewRealClock(),
		margin: DefaultSafetyMargin,
		logger: observability.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns a bearer token valid for at least the safety margin.
func (c *SessionCache) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if c.session != nil && now.Before(c.session.ExpiresAt.Add(-c.margin)) {
		return c.session.Token, nil
	}

	token, expiresIn, err := c.fetch(ctx)
	if err != nil {
		c.logger.WithError(err).Warn("Admin token request failed")
		return "", err
	}
	c.metrics.IncTokenRefresh()

	c.session = &AdminSession{Token: token, ExpiresAt: now.Add(expiresIn)}
	c.logger.WithField("expires_at", c.session.ExpiresAt).Debug("Admin session refreshed")
	return token, nil
}

// Invalidate drops the cached session so the next Token call fetches a new one.
func (c *SessionCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = nil
}

// Session returns a copy of the cached session, if any.
func (c *SessionCache) Session() (AdminSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return AdminSession{}, false
	}
	return *c.session, true
}

// TokenURL is the conventional client-credentials endpoint for realm.
func TokenURL(baseURL, realm string) string {
	return fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token", strings.TrimRight(baseURL, "/"), realm)
}

// DiscoverTokenURL reads the token endpoint from the issuer's OpenID configuration.
func DiscoverTokenURL(ctx context.Context, issuerURL string, httpClient *http.Client) (string, error) {
	if httpClient != nil {
		ctx = oidc.ClientContext(ctx, httpClient)
	}
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return "", &identity.IdentityProviderError{Operation: "discovery", Err: err}
	}
	tokenURL := provider.Endpoint().TokenURL
	if tokenURL == "" {
		return "", &identity.IdentityProviderError{Operation: "discovery", Err: errors.New("issuer does not advertise a token endpoint")}
	}
	return tokenURL, nil
}

// ClientCredentialsTokenFunc requests admin tokens with the OAuth2 client-credentials grant.
// Failures are returned as *identity.IdentityProviderError with operation "token".
func ClientCredentialsTokenFunc(clientID, clientSecret, tokenURL string, httpClient *http.Client) TokenFunc {
	cfg := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}

	return func(ctx context.Context) (string, time.Duration, error) {
		if httpClient != nil {
			ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
		}
		tok, err := cfg.Token(ctx)
		if err != nil {
			return "", 0, tokenError(err)
		}

		var expiresIn time.Duration
		if !tok.Expiry.IsZero() {
			expiresIn = time.Until(tok.Expiry)
		}
		return tok.AccessToken, expiresIn, nil
	}
}

func tokenError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		return &identity.IdentityProviderError{
			Operation:  "token",
			StatusCode: status,
			Body:       string(retrieveErr.Body),
			Err:        err,
		}
	}
	return &identity.IdentityProviderError{Operation: "token", Err: err}
}
