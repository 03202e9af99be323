package idp_test

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/idsync/pkg/identity"
	"github.com/platinummonkey/idsync/pkg/idp"
	"github.com/platinummonkey/idsync/pkg/idp/idptest"
	"github.com/platinummonkey/idsync/pkg/observability"
)

func newTestClient(t *testing.T) (*idptest.Server, *idp.Client, *idp.SessionCache, *test.Hook) {
	t.Helper()
	srv := idptest.NewServer()
	t.Cleanup(srv.Close)
	base, hook := test.NewNullLogger()
	client, sessions := srv.NewClient(observability.NewLoggerFrom(base), observability.NewNopMetrics())
	return srv, client, sessions, hook
}

func TestClient_CreateAndFindUser(t *testing.T) {
	ctx := context.Background()
	_, client, _, _ := newTestClient(t)

	err := client.CreateUser(ctx, idp.User{
		Username:   "alice",
		Email:      "alice@example.com",
		Enabled:    true,
		Attributes: map[string][]string{"organization": {"Acme"}},
	})
	require.NoError(t, err)

	users, err := client.FindUsersByUsername(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "u-1", users[0].ID)
	assert.Equal(t, []string{"Acme"}, users[0].Attributes["organization"])

	byEmail, err := client.FindUsersByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	require.Len(t, byEmail, 1)

	user, err := client.GetUser(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)

	none, err := client.FindUsersByUsername(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestClient_CreateDuplicate(t *testing.T) {
	ctx := context.Background()
	_, client, _, _ := newTestClient(t)

	require.NoError(t, client.CreateUser(ctx, idp.User{Username: "alice"}))
	err := client.CreateUser(ctx, idp.User{Username: "alice"})

	assert.ErrorIs(t, err, identity.ErrAlreadyExists)
	assert.Equal(t, 409, identity.StatusCode(err))
}

func TestClient_NotFoundIsNotRetried(t *testing.T) {
	srv, client, _, hook := newTestClient(t)

	_, err := client.GetUser(context.Background(), "missing")

	assert.ErrorIs(t, err, identity.ErrNotFound)
	assert.Equal(t, 404, identity.StatusCode(err))
	assert.Equal(t, 1, srv.Count("GET", "/users/missing"))
	assert.Empty(t, retryEntries(hook))
}

func TestClient_RetriesServiceUnavailable(t *testing.T) {
	srv, client, _, hook := newTestClient(t)
	srv.Inject("GET", "/users", 503, 2)

	users, err := client.FindUsersByUsername(context.Background(), "alice")

	require.NoError(t, err)
	assert.Empty(t, users)
	assert.Equal(t, 3, srv.Count("GET", "/admin/realms/test/users"))
	assert.Len(t, retryEntries(hook), 2)
}

func TestClient_ExhaustedRetriesReturnProviderError(t *testing.T) {
	srv, client, _, hook := newTestClient(t)
	require.NoError(t, client.CreateUser(context.Background(), idp.User{Username: "alice"}))
	srv.Inject("DELETE", "/users/u-1", 500, 4)

	err := client.DeleteUser(context.Background(), "u-1")

	var idpErr *identity.IdentityProviderError
	require.True(t, errors.As(err, &idpErr))
	assert.Equal(t, "delete_user", idpErr.Operation)
	assert.Equal(t, 500, idpErr.StatusCode)
	assert.Contains(t, idpErr.Body, "injected fault")
	assert.Len(t, retryEntries(hook), 3)
	assert.Equal(t, 1, srv.UserCount())
}

func TestClient_ReusesAdminSession(t *testing.T) {
	ctx := context.Background()
	srv, client, _, _ := newTestClient(t)

	for i := 0; i < 3; i++ {
		_, err := client.FindUsersByUsername(ctx, "alice")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, srv.TokenRequests())
}

func TestClient_UnauthorizedInvalidatesSession(t *testing.T) {
	ctx := context.Background()
	srv, client, sessions, _ := newTestClient(t)
	srv.Inject("GET", "/users", 401, 1)

	_, err := client.FindUsersByUsername(ctx, "alice")
	assert.Equal(t, 401, identity.StatusCode(err))
	_, ok := sessions.Session()
	assert.False(t, ok)

	_, err = client.FindUsersByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, srv.TokenRequests())
}

func TestClient_ConnectionRefusedIsRetried(t *testing.T) {
	srv, client, _, hook := newTestClient(t)
	srv.Close()

	_, err := client.FindUsersByUsername(context.Background(), "alice")

	var idpErr *identity.IdentityProviderError
	require.True(t, errors.As(err, &idpErr))
	assert.Len(t, retryEntries(hook), 3)
}

func TestClient_RoleMappings(t *testing.T) {
	ctx := context.Background()
	srv, client, _, _ := newTestClient(t)
	id := srv.SeedUser(idp.User{Username: "alice"})
	srv.SetRoleMappings(id, "Client", "Interested")

	roles, err := client.ListRealmRoleMappings(ctx, id)
	require.NoError(t, err)
	assert.Len(t, roles, 2)

	require.NoError(t, client.RemoveRealmRoleMappings(ctx, id, roles))
	assert.Empty(t, srv.RoleNames(id))

	designer, err := client.GetRealmRole(ctx, "Designer")
	require.NoError(t, err)
	assert.Equal(t, "r-designer", designer.ID)

	require.NoError(t, client.AddRealmRoleMappings(ctx, id, []idp.Role{designer}))
	assert.Equal(t, []string{"Designer"}, srv.RoleNames(id))
}

func TestClient_GetRealmRole(t *testing.T) {
	ctx := context.Background()
	srv, client, _, _ := newTestClient(t)

	_, err := client.GetRealmRole(ctx, "Admin")
	require.NoError(t, err)
	_, err = client.GetRealmRole(ctx, "Admin")
	require.NoError(t, err)
	assert.Equal(t, 1, srv.Count("GET", "/roles/Admin"))

	_, err = client.GetRealmRole(ctx, "Superuser")
	assert.ErrorIs(t, err, identity.ErrInvalidRole)
	assert.Equal(t, 404, identity.StatusCode(err))
}

func TestClient_RecordsMetrics(t *testing.T) {
	srv := idptest.NewServer()
	defer srv.Close()
	metrics := observability.NewNopMetrics()
	client, _ := srv.NewClient(observability.NewNopLogger(), metrics)
	srv.Inject("GET", "/users", 503, 1)

	_, err := client.FindUsersByUsername(context.Background(), "alice")
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.IdPRequestsTotal.WithLabelValues("find_users_by_username", "503")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.IdPRequestsTotal.WithLabelValues("find_users_by_username", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.IdPRetriesTotal.WithLabelValues("find_users_by_username")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.IdPTokenRefreshes))
}
