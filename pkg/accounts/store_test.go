package accounts

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/idsync/pkg/identity"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE accounts (
			id TEXT PRIMARY KEY,
			registered_at TIMESTAMP NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_attempt_at TIMESTAMP,
			failure_reason TEXT,
			updated_at TIMESTAMP NOT NULL
		);

		CREATE TABLE reconciliation_issues (
			id TEXT PRIMARY KEY,
			identity_id TEXT NOT NULL,
			username TEXT NOT NULL,
			operation TEXT NOT NULL,
			detail TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		);
	`)
	require.NoError(t, err)
	return db
}

type fullStore interface {
	Store
	IssueStore
}

func storeImplementations() map[string]func(t *testing.T) fullStore {
	return map[string]func(t *testing.T) fullStore{
		"memory": func(t *testing.T) fullStore { return NewMemoryStore() },
		"sql":    func(t *testing.T) fullStore { return NewPostgresStore(setupTestDB(t)) },
	}
}

func TestStore_CRUD(t *testing.T) {
	for name, newStore := range storeImplementations() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)
			registered := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

			account := &Account{ID: "u-1", RegisteredAt: registered, Status: StatusActive}
			require.NoError(t, store.Create(ctx, account))
			assert.ErrorIs(t, store.Create(ctx, account), ErrDuplicate)
			assert.ErrorIs(t, store.Create(ctx, account), identity.ErrAlreadyExists)

			got, err := store.FindByID(ctx, "u-1")
			require.NoError(t, err)
			assert.Equal(t, StatusActive, got.Status)
			assert.Equal(t, 0, got.Attempts)
			assert.Nil(t, got.LastAttemptAt)
			assert.Nil(t, got.FailureReason)
			assert.True(t, registered.Equal(got.RegisteredAt))

			attemptAt := registered.Add(time.Minute)
			reason := "smtp unavailable"
			got.Status = StatusPending
			got.Attempts = 2
			got.LastAttemptAt = &attemptAt
			got.FailureReason = &reason
			require.NoError(t, store.Save(ctx, got))

			saved, err := store.FindByID(ctx, "u-1")
			require.NoError(t, err)
			assert.Equal(t, StatusPending, saved.Status)
			assert.Equal(t, 2, saved.Attempts)
			require.NotNil(t, saved.LastAttemptAt)
			assert.True(t, attemptAt.Equal(*saved.LastAttemptAt))
			require.NotNil(t, saved.FailureReason)
			assert.Equal(t, reason, *saved.FailureReason)

			require.NoError(t, store.DeleteByID(ctx, "u-1"))
			_, err = store.FindByID(ctx, "u-1")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, err, identity.ErrNotFound)
			assert.ErrorIs(t, store.DeleteByID(ctx, "u-1"), ErrNotFound)
			assert.ErrorIs(t, store.Save(ctx, saved), ErrNotFound)
		})
	}
}

func TestStore_FindByStatusAndList(t *testing.T) {
	for name, newStore := range storeImplementations() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)
			base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

			seed := []struct {
				id     string
				status Status
			}{
				{"u-3", StatusPending},
				{"u-1", StatusPending},
				{"u-2", StatusActive},
				{"u-4", StatusFailed},
			}
			for i, s := range seed {
				require.NoError(t, store.Create(ctx, &Account{
					ID:           s.id,
					RegisteredAt: base.Add(time.Duration(i) * time.Hour),
					Status:       s.status,
				}))
			}

			pending, err := store.FindByStatus(ctx, StatusPending)
			require.NoError(t, err)
			require.Len(t, pending, 2)
			assert.Equal(t, "u-3", pending[0].ID)
			assert.Equal(t, "u-1", pending[1].ID)

			all, err := store.List(ctx, ListOptions{})
			require.NoError(t, err)
			assert.Len(t, all, 4)

			page, err := store.List(ctx, ListOptions{Limit: 2, Offset: 1})
			require.NoError(t, err)
			require.Len(t, page, 2)
			assert.Equal(t, "u-1", page[0].ID)
			assert.Equal(t, "u-2", page[1].ID)

			counts, err := store.CountByStatus(ctx)
			require.NoError(t, err)
			assert.Equal(t, map[Status]int{StatusPending: 2, StatusActive: 1, StatusFailed: 1}, counts)
		})
	}
}

func TestStore_Issues(t *testing.T) {
	for name, newStore := range storeImplementations() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)
			base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

			first := &Issue{IdentityID: "u-1", Username: "alice", Operation: "provision", Detail: "delete failed", CreatedAt: base}
			require.NoError(t, store.RecordIssue(ctx, first))
			assert.NotEmpty(t, first.ID)

			second := &Issue{IdentityID: "u-2", Username: "bob", Operation: "deprovision", Detail: "restore failed", CreatedAt: base.Add(time.Minute)}
			require.NoError(t, store.RecordIssue(ctx, second))

			issues, err := store.ListIssues(ctx, 10)
			require.NoError(t, err)
			require.Len(t, issues, 2)
			assert.Equal(t, "bob", issues[0].Username)
			assert.Equal(t, "alice", issues[1].Username)

			limited, err := store.ListIssues(ctx, 1)
			require.NoError(t, err)
			assert.Len(t, limited, 1)
		})
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, &Account{ID: "u-1", Status: StatusPending}))

	got, err := store.FindByID(ctx, "u-1")
	require.NoError(t, err)
	got.Attempts = 4

	again, err := store.FindByID(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, 0, again.Attempts)
}

func TestParseStatus(t *testing.T) {
	status, err := ParseStatus("Pending")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, status)

	_, err = ParseStatus("archived")
	var validationErr *identity.ValidationError
	assert.ErrorAs(t, err, &validationErr)
}
