package idp

import "context"

// AdminAPI is the subset of the identity provider admin API used by idsync.
//
// Lookups that find nothing return identity.ErrNotFound. GetRealmRole returns
// identity.ErrInvalidRole for unknown names. Every other failure is an
// *identity.IdentityProviderError.
type AdminAPI interface {
	FindUsersByUsername(ctx context.Context, username string) ([]User, error)
	FindUsersByEmail(ctx context.Context, email string) ([]User, error)
	GetUser(ctx context.Context, id string) (User, error)
	// CreateUser does not return the new id; resolve it by username.
	CreateUser(ctx context.Context, user User) error
	ResetPassword(ctx context.Context, id string, credential Credential) error
	DeleteUser(ctx context.Context, id string) error

	ListRealmRoleMappings(ctx context.Context, id string) ([]Role, error)
	AddRealmRoleMappings(ctx context.Context, id string, roles []Role) error
	RemoveRealmRoleMappings(ctx context.Context, id string, roles []Role) error
	GetRealmRole(ctx context.Context, name string) (Role, error)
}

var _ AdminAPI = (*Client)(nil)
