package identity

import (
	"fmt"
	"strings"
)

// RoleName is an application role from the closed catalog.
type RoleName string

const (
	RoleAdmin      RoleName = "Admin"
	RoleClient     RoleName = "Client"
	RoleDesigner   RoleName = "Designer"
	RoleInterested RoleName = "Interested"
)

// Catalog lists every application role an identity may hold.
var Catalog = []RoleName{RoleAdmin, RoleClient, RoleDesigner, RoleInterested}

// ParseRole resolves name against the catalog, ignoring case.
// Unknown names return ErrInvalidRole.
func ParseRole(name string) (RoleName, error) {
	trimmed := strings.TrimSpace(name)
	for _, role := range Catalog {
		if strings.EqualFold(string(role), trimmed) {
			return role, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRole, name)
}

func (r RoleName) String() string {
	return string(r)
}
