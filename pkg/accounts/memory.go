package accounts

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store and IssueStore.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	issues   []*Issue
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]*Account)}
}

// Create inserts account.
func (s *MemoryStore) Create(ctx context.Context, account *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[account.ID]; ok {
		return ErrDuplicate
	}
	s.accounts[account.ID] = account.Clone()
	return nil
}

// Save overwrites an existing account.
func (s *MemoryStore) Save(ctx context.Context, account *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[account.ID]; !ok {
		return ErrNotFound
	}
	s.accounts[account.ID] = account.Clone()
	return nil
}

// DeleteByID removes an account.
func (s *MemoryStore) DeleteByID(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[id]; !ok {
		return ErrNotFound
	}
	delete(s.accounts, id)
	return nil
}

// FindByID returns a copy of the account with id.
func (s *MemoryStore) FindByID(ctx context.Context, id string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return account.Clone(), nil
}

// FindByStatus returns accounts in status ordered by registration time.
func (s *MemoryStore) FindByStatus(ctx context.Context, status Status) ([]*Account, error) {
	return s.List(ctx, ListOptions{Status: status})
}

// List returns accounts ordered by registration time then id.
func (s *MemoryStore) List(ctx context.Context, opts ListOptions) ([]*Account, error) {
	s.mu.RLock()
	result := make([]*Account, 0, len(s.accounts))
	for _, account := range s.accounts {
		if opts.Status == "" || account.Status == opts.Status {
			result = append(result, account.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if !result[i].RegisteredAt.Equal(result[j].RegisteredAt) {
			return result[i].RegisteredAt.Before(result[j].RegisteredAt)
		}
		return result[i].ID < result[j].ID
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return []*Account{}, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// CountByStatus counts accounts per status.
func (s *MemoryStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := map[Status]int{StatusPending: 0, StatusActive: 0, StatusFailed: 0}
	for _, account := range s.accounts {
		counts[account.Status]++
	}
	return counts, nil
}

// RecordIssue appends a dead-letter issue, assigning ID and CreatedAt when empty.
func (s *MemoryStore) RecordIssue(ctx context.Context, issue *Issue) error {
	if issue.ID == "" {
		issue.ID = uuid.NewString()
	}
	if issue.CreatedAt.IsZero() {
		issue.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *issue
	s.issues = append(s.issues, &c)
	return nil
}

// ListIssues returns the most recent issues first.
func (s *MemoryStore) ListIssues(ctx context.Context, limit int) ([]*Issue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Issue, 0, len(s.issues))
	for i := len(s.issues) - 1; i >= 0; i-- {
		c := *s.issues[i]
		result = append(result, &c)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}
