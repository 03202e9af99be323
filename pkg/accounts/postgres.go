package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const accountColumns = "id, registered_at, status, attempts, last_attempt_at, failure_reason"

// PostgresStore implements Store and IssueStore on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create inserts account, returning ErrDuplicate when the id is taken.
func (s *PostgresStore) Create(ctx context.Context, account *Account) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, registered_at, status, attempts, last_attempt_at, failure_reason, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`,
		account.ID,
		account.RegisteredAt.UTC(),
		string(account.Status),
		account.Attempts,
		nullTime(account.LastAttemptAt),
		nullString(account.FailureReason),
		time.Now().UTC(),
	)
	if err != nil {
		return dbError("create account", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrDuplicate
	}
	return nil
}

// Save updates status and retry bookkeeping of an existing account.
func (s *PostgresStore) Save(ctx context.Context, account *Account) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET status = $1, attempts = $2, last_attempt_at = $3, failure_reason = $4, updated_at = $5
		WHERE id = $6
	`,
		string(account.Status),
		account.Attempts,
		nullTime(account.LastAttemptAt),
		nullString(account.FailureReason),
		time.Now().UTC(),
		account.ID,
	)
	if err != nil {
		return dbError("save account", err)
	}
	return expectOneRow(result)
}

// DeleteByID deletes an account.
func (s *PostgresStore) DeleteByID(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM accounts WHERE id = $1", id)
	if err != nil {
		return dbError("delete account", err)
	}
	return expectOneRow(result)
}

// FindByID returns the account with id.
func (s *PostgresStore) FindByID(ctx context.Context, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1", id)
	account, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, dbError("find account", err)
	}
	return account, nil
}

// FindByStatus returns every account in status, oldest first.
func (s *PostgresStore) FindByStatus(ctx context.Context, status Status) ([]*Account, error) {
	return s.List(ctx, ListOptions{Status: status})
}

// List returns accounts ordered by registration time then id.
func (s *PostgresStore) List(ctx context.Context, opts ListOptions) ([]*Account, error) {
	query := "SELECT " + accountColumns + " FROM accounts"
	var args []interface{}
	if opts.Status != "" {
		args = append(args, string(opts.Status))
		query += fmt.Sprintf(" WHERE status = $%d", len(args))
	}
	query += " ORDER BY registered_at, id"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		if opts.Limit <= 0 {
			query += " LIMIT ALL"
		}
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbError("list accounts", err)
	}
	defer rows.Close()

	accounts := []*Account{}
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("list accounts", err)
	}
	return accounts, nil
}

// CountByStatus counts accounts per status. Every status is present in the result.
func (s *PostgresStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM accounts GROUP BY status")
	if err != nil {
		return nil, dbError("count accounts", err)
	}
	defer rows.Close()

	counts := map[Status]int{StatusPending: 0, StatusActive: 0, StatusFailed: 0}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

// RecordIssue inserts a dead-letter issue, assigning ID and CreatedAt when empty.
func (s *PostgresStore) RecordIssue(ctx context.Context, issue *Issue) error {
	if issue.ID == "" {
		issue.ID = uuid.NewString()
	}
	if issue.CreatedAt.IsZero() {
		issue.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reconciliation_issues (id, identity_id, username, operation, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, issue.ID, issue.IdentityID, issue.Username, issue.Operation, issue.Detail, issue.CreatedAt)
	if err != nil {
		return dbError("record issue", err)
	}
	return nil
}

// ListIssues returns the most recent issues first.
func (s *PostgresStore) ListIssues(ctx context.Context, limit int) ([]*Issue, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, identity_id, username, operation, detail, created_at
		FROM reconciliation_issues
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, dbError("list issues", err)
	}
	defer rows.Close()

	issues := []*Issue{}
	for rows.Next() {
		issue := &Issue{}
		if err := rows.Scan(&issue.ID, &issue.IdentityID, &issue.Username, &issue.Operation, &issue.Detail, &issue.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan issue: %w", err)
		}
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row scanner) (*Account, error) {
	var (
		account       Account
		status        string
		lastAttemptAt sql.NullTime
		failureReason sql.NullString
	)
	if err := row.Scan(&account.ID, &account.RegisteredAt, &status, &account.Attempts, &lastAttemptAt, &failureReason); err != nil {
		return nil, err
	}
	account.Status = Status(status)
	if lastAttemptAt.Valid {
		t := lastAttemptAt.Time
		account.LastAttemptAt = &t
	}
	if failureReason.Valid {
		r := failureReason.String
		account.FailureReason = &r
	}
	return &account, nil
}

func expectOneRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// dbError wraps err, surfacing the PostgreSQL error code when there is one.
func dbError(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code == "23505" {
			return fmt.Errorf("failed to %s: %w", op, ErrDuplicate)
		}
		return fmt.Errorf("failed to %s (%s %s): %w", op, pqErr.Code, pqErr.Code.Name(), err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
