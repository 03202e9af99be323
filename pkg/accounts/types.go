package accounts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/idsync/pkg/identity"
)

// Status is the lifecycle state of a local account.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusFailed  Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusFailed:
		return true
	}
	return false
}

// ParseStatus parses a status name case-insensitively.
func ParseStatus(s string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(s)))
	if !status.Valid() {
		return "", identity.NewValidationError("status", fmt.Sprintf("unknown status %q", s))
	}
	return status, nil
}

var (
	// ErrNotFound is returned when no account has the requested id.
	ErrNotFound = fmt.Errorf("account %w", identity.ErrNotFound)
	// ErrDuplicate is returned when an account with the same id already exists.
	ErrDuplicate = fmt.Errorf("account %w", identity.ErrAlreadyExists)
)

// Account is the local record of a provisioned identity. ID is the identity
// provider's user id and never changes.
type Account struct {
	ID            string     `json:"id"`
	RegisteredAt  time.Time  `json:"registered_at"`
	Status        Status     `json:"status"`
	Attempts      int        `json:"attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	FailureReason *string    `json:"failure_reason,omitempty"`
}

// Clone returns a deep copy.
func (a *Account) Clone() *Account {
	c := *a
	if a.LastAttemptAt != nil {
		t := *a.LastAttemptAt
		c.LastAttemptAt = &t
	}
	if a.FailureReason != nil {
		r := *a.FailureReason
		c.FailureReason = &r
	}
	return &c
}

// ListOptions filters List results. A zero Status lists every account.
type ListOptions struct {
	Status Status
	Limit  int
	Offset int
}

// Store persists accounts.
type Store interface {
	// Create inserts a new account, returning ErrDuplicate if the id exists.
	Create(ctx context.Context, account *Account) error
	// Save overwrites the mutable fields of an existing account.
	Save(ctx context.Context, account *Account) error
	DeleteByID(ctx context.Context, id string) error
	FindByID(ctx context.Context, id string) (*Account, error)
	FindByStatus(ctx context.Context, status Status) ([]*Account, error)
	List(ctx context.Context, opts ListOptions) ([]*Account, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
}

// Issue records a side effect a saga failed to compensate, for manual follow-up.
type Issue struct {
	ID         string    `json:"id"`
	IdentityID string    `json:"identity_id"`
	Username   string    `json:"username"`
	Operation  string    `json:"operation"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

// IssueStore persists dead-letter issues.
type IssueStore interface {
	RecordIssue(ctx context.Context, issue *Issue) error
	ListIssues(ctx context.Context, limit int) ([]*Issue, error)
}
