package idp

import "time"

// User is the identity provider's user representation.
type User struct {
	ID               string              `json:"id,omitempty"`
	Username         string              `json:"username"`
	Email            string              `json:"email,omitempty"`
	Enabled          bool                `json:"enabled"`
	EmailVerified    bool                `json:"emailVerified"`
	Attributes       map[string][]string `json:"attributes,omitempty"`
	RequiredActions  []string            `json:"requiredActions,omitempty"`
	CreatedTimestamp int64               `json:"createdTimestamp,omitempty"`
}

// Credential is the body of a password reset.
type Credential struct {
	Type      string `json:"type"`
	Value     string `json:"value"`
	Temporary bool   `json:"temporary"`
}

// PasswordCredential builds a password credential.
func PasswordCredential(value string, temporary bool) Credential {
	return Credential{Type: "password", Value: value, Temporary: temporary}
}

// Role is a realm role as returned by the role endpoints.
type Role struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Composite   bool   `json:"composite"`
	ClientRole  bool   `json:"clientRole"`
	ContainerID string `json:"containerId,omitempty"`
}

// AdminSession is the cached admin bearer token.
type AdminSession struct {
	Token     string
	ExpiresAt time.Time
}

// RequiredActionUpdatePassword forces a password change on first login.
const RequiredActionUpdatePassword = "UPDATE_PASSWORD"
