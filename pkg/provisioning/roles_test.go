package provisioning

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/idsync/pkg/identity"
	"github.com/platinummonkey/idsync/pkg/idp"
	"github.com/platinummonkey/idsync/pkg/observability"
)

func TestReplaceRole_LeavesExactlyTargetRole(t *testing.T) {
	tests := []struct {
		name  string
		prior []string
	}{
		{"no prior roles", nil},
		{"one prior role", []string{"Client"}},
		{"many prior roles", []string{"Admin", "Client", "Interested", "default-roles-test", "offline_access"}},
		{"already designer", []string{"Designer"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			id := f.srv.SeedUser(idp.User{Username: "alice"})
			f.srv.SetRoleMappings(id, tt.prior...)
			replacer := NewRoleReplacer(f.api, observability.NewNopLogger())

			require.NoError(t, replacer.ReplaceRole(context.Background(), id, "Designer"))
			assert.Equal(t, []string{"Designer"}, f.srv.RoleNames(id))

			removals := 0
			if len(tt.prior) > 0 {
				removals = 1
			}
			assert.Equal(t, removals, f.srv.Count("DELETE", "/role-mappings/realm"))
		})
	}
}

func TestReplaceRole_OutsideCatalogMakesNoCalls(t *testing.T) {
	f := newFixture(t, nil)
	id := f.srv.SeedUser(idp.User{Username: "alice"})
	f.srv.SetRoleMappings(id, "Client")
	replacer := NewRoleReplacer(f.api, observability.NewNopLogger())

	err := replacer.ReplaceRole(context.Background(), id, "Superuser")

	assert.ErrorIs(t, err, identity.ErrInvalidRole)
	assert.Equal(t, 0, f.srv.Count("", "/admin/"))
	assert.Equal(t, []string{"Client"}, f.srv.RoleNames(id))
}

func TestReplaceRole_UnknownToProviderLeavesNoRoles(t *testing.T) {
	f := newFixture(t, nil)
	id := f.srv.SeedUser(idp.User{Username: "alice"})
	f.srv.SetRoleMappings(id, "Client")
	f.srv.RemoveRole("Designer")
	replacer := NewRoleReplacer(f.api, observability.NewNopLogger())

	err := replacer.ReplaceRole(context.Background(), id, "Designer")

	assert.ErrorIs(t, err, identity.ErrInvalidRole)
	// Replacement is not atomic: the prior role is already gone.
	assert.Empty(t, f.srv.RoleNames(id))
}

func TestReplaceRole_RemoveFailureKeepsRoles(t *testing.T) {
	f := newFixture(t, nil)
	id := f.srv.SeedUser(idp.User{Username: "alice"})
	f.srv.SetRoleMappings(id, "Client")
	f.srv.Inject("DELETE", "/role-mappings/realm", 403, 1)
	replacer := NewRoleReplacer(f.api, observability.NewNopLogger())

	err := replacer.ReplaceRole(context.Background(), id, "Designer")

	assert.Equal(t, 403, identity.StatusCode(err))
	assert.Equal(t, []string{"Client"}, f.srv.RoleNames(id))
}

func TestGrantRole_KeepsExistingRoles(t *testing.T) {
	f := newFixture(t, nil)
	id := f.srv.SeedUser(idp.User{Username: "alice"})
	f.srv.SetRoleMappings(id, "Client")
	replacer := NewRoleReplacer(f.api, observability.NewNopLogger())

	require.NoError(t, replacer.GrantRole(context.Background(), id, "interested"))
	assert.Equal(t, []string{"Client", "Interested"}, f.srv.RoleNames(id))
}
