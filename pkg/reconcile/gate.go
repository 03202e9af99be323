package reconcile

import (
	"time"

	"github.com/platinummonkey/idsync/pkg/accounts"
)

// Backoff returns base * 2^attempts.
func Backoff(attempts int, base time.Duration) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	return base * time.Duration(1<<uint(attempts))
}

// NextAttemptAt returns when account becomes eligible again, or nil if it
// has never been attempted.
func NextAttemptAt(account *accounts.Account, base time.Duration) *time.Time {
	if account.LastAttemptAt == nil {
		return nil
	}
	next := account.LastAttemptAt.Add(Backoff(account.Attempts, base))
	return &next
}

// Eligible reports whether account may be attempted at now.
func Eligible(account *accounts.Account, now time.Time, base time.Duration) bool {
	next := NextAttemptAt(account, base)
	return next == nil || !now.Before(*next)
}

// clearForReset puts a failed account back to a fresh pending state.
func clearForReset(account *accounts.Account) {
	account.Status = accounts.StatusPending
	account.Attempts = 0
	account.LastAttemptAt = nil
	account.FailureReason = nil
}
