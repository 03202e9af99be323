package provisioning

import (
	"context"
	"fmt"

	"github.com/platinummonkey/idsync/pkg/identity"
	"github.com/platinummonkey/idsync/pkg/idp"
	"github.com/platinummonkey/idsync/pkg/observability"
)

// RoleReplacer manages the single application role an identity holds.
type RoleReplacer struct {
	api    idp.AdminAPI
	logger *observability.Logger
}

// NewRoleReplacer creates a RoleReplacer.
func NewRoleReplacer(api idp.AdminAPI, logger *observability.Logger) *RoleReplacer {
	return &RoleReplacer{api: api, logger: logger}
}

// ReplaceRole removes every realm role mapped to the identity and maps roleName instead.
//
// The operation is not atomic. If the add fails after the bulk removal the
// identity is left with no roles; callers that need all-or-nothing behaviour
// must compensate themselves.
func (r *RoleReplacer) ReplaceRole(ctx context.Context, identityID, roleName string) error {
	name, err := identity.ParseRole(roleName)
	if err != nil {
		return err
	}

	current, err := r.api.ListRealmRoleMappings(ctx, identityID)
	if err != nil {
		return fmt.Errorf("failed to list role mappings: %w", err)
	}
	if len(current) > 0 {
		if err := r.api.RemoveRealmRoleMappings(ctx, identityID, current); err != nil {
			return fmt.Errorf("failed to remove role mappings: %w", err)
		}
	}

	role, err := r.api.GetRealmRole(ctx, name.String())
	if err != nil {
		return err
	}
	if err := r.api.AddRealmRoleMappings(ctx, identityID, []idp.Role{role}); err != nil {
		return fmt.Errorf("failed to add role %s: %w", name, err)
	}

	r.logger.WithFields(map[string]interface{}{
		"identity_id": identityID,
		"role":        name.String(),
		"removed":     len(current),
	}).Info("Role replaced")
	return nil
}

// GrantRole maps roleName in addition to whatever the identity already holds.
func (r *RoleReplacer) GrantRole(ctx context.Context, identityID, roleName string) error {
	name, err := identity.ParseRole(roleName)
	if err != nil {
		return err
	}
	role, err := r.api.GetRealmRole(ctx, name.String())
	if err != nil {
		return err
	}
	if err := r.api.AddRealmRoleMappings(ctx, identityID, []idp.Role{role}); err != nil {
		return fmt.Errorf("failed to add role %s: %w", name, err)
	}
	return nil
}
