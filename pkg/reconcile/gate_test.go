package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/platinummonkey/idsync/pkg/accounts"
)

func TestBackoff_Sequence(t *testing.T) {
	want := []time.Duration{1 * time.Minute, 2 * time.Minute, 4 * time.Minute, 8 * time.Minute, 16 * time.Minute}
	for attempts, expected := range want {
		assert.Equal(t, expected, Backoff(attempts, time.Minute), "attempts=%d", attempts)
	}
}

func TestEligible(t *testing.T) {
	last := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	assert.True(t, Eligible(&accounts.Account{}, last, time.Minute), "never attempted")

	for attempts := 0; attempts <= 4; attempts++ {
		account := &accounts.Account{Attempts: attempts, LastAttemptAt: &last}
		wait := Backoff(attempts, time.Minute)

		assert.False(t, Eligible(account, last.Add(wait-time.Second), time.Minute), "attempts=%d before backoff", attempts)
		assert.True(t, Eligible(account, last.Add(wait), time.Minute), "attempts=%d at backoff", attempts)
		assert.Equal(t, last.Add(wait), *NextAttemptAt(account, time.Minute))
	}
}

func TestClearForReset(t *testing.T) {
	last := time.Now()
	reason := "failed to fetch identity"
	account := &accounts.Account{
		ID:            "u-1",
		Status:        accounts.StatusFailed,
		Attempts:      5,
		LastAttemptAt: &last,
		FailureReason: &reason,
	}

	clearForReset(account)

	assert.Equal(t, &accounts.Account{ID: "u-1", Status: accounts.StatusPending}, account)
}
