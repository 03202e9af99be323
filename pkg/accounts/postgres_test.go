package accounts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/idsync/pkg/observability"
)

func TestPostgresStore_CreateConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO accounts").
		WithArgs("u-1", sqlmock.AnyArg(), "active", 0, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	store := NewPostgresStore(db)
	err = store.Create(context.Background(), &Account{ID: "u-1", RegisteredAt: time.Now(), Status: StatusActive})

	assert.ErrorIs(t, err, ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UniqueViolation(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO accounts").
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	store := NewPostgresStore(db)
	err = store.Create(context.Background(), &Account{ID: "u-1", Status: StatusActive})

	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestPostgresStore_DatabaseErrorCarriesCode(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	pqErr := &pq.Error{Code: "40001", Message: "could not serialize access"}
	mock.ExpectExec("UPDATE accounts").WillReturnError(pqErr)

	store := NewPostgresStore(db)
	err = store.Save(context.Background(), &Account{ID: "u-1", Status: StatusPending})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "40001")
	assert.Contains(t, err.Error(), "serialization_failure")
	var target *pq.Error
	assert.True(t, errors.As(err, &target))
}

func TestPostgresStore_SaveMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE accounts").
		WithArgs("failed", 5, sqlmock.AnyArg(), "gave up", sqlmock.AnyArg(), "u-9").
		WillReturnResult(sqlmock.NewResult(0, 0))

	reason := "gave up"
	store := NewPostgresStore(db)
	err = store.Save(context.Background(), &Account{ID: "u-9", Status: StatusFailed, Attempts: 5, FailureReason: &reason})

	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunMigrations_AppliesPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS idsync_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM idsync_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(1))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS reconciliation_issues").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO idsync_migrations").
		WithArgs(2, "Create reconciliation_issues table").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err = RunMigrations(context.Background(), db, observability.NewNopLogger())

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunMigrations_RollsBackOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS idsync_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM idsync_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS accounts").WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	err = RunMigrations(context.Background(), db, observability.NewNopLogger())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "migration 1")
	assert.NoError(t, mock.ExpectationsWereMet())
}
