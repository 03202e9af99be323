// Package reconcile drives pending accounts to active.
//
// A Scheduler scans pending accounts on a fixed period and runs the
// secondary activation step for each one whose backoff gate has opened:
// an account attempted n times is eligible again lastAttemptAt + 2^n
// minutes after its last attempt. After MaxAttempts failures the account
// becomes failed and is only retried through Reset.
//
// Scans never overlap. The scan lock is in-process by default and can be
// shared across replicas with a RedisLocker.
package reconcile
