// Package accounts stores the local account rows that mirror identities in
// the identity provider, plus the dead-letter issues recorded when a saga
// could not undo its own side effects.
//
// PostgresStore is the production implementation; MemoryStore backs tests and
// development mode. Both satisfy Store and IssueStore.
package accounts
