// Package idp talks to the identity provider's administrative HTTP API.
//
// Three pieces cooperate on every call:
//
//   - SessionCache holds the single admin bearer token and refreshes it with a
//     client-credentials request once it is within the safety margin of expiry.
//   - Retrier retries transient faults (5xx, 429, connection refused, timeouts)
//     with capped exponential backoff and turns every final failure into an
//     *identity.IdentityProviderError.
//   - Client implements AdminAPI on top of both.
//
// Usage:
//
//	httpClient := idp.NewHTTPClient(10 * time.Second)
//	sessions := idp.NewSessionCache(
//		idp.ClientCredentialsTokenFunc(clientID, secret, idp.TokenURL(base, realm), httpClient),
//		idp.WithSessionLogger(logger),
//	)
//	client := idp.NewClient(idp.ClientConfig{BaseURL: base, Realm: realm, HTTPClient: httpClient},
//		sessions, idp.NewRetrier(idp.DefaultRetryConfig(), logger), logger, metrics)
//
// Package idptest provides an in-memory fake of the admin API for tests.
package idp
