package operator

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// MemoryStore provides an in-memory implementation of the Store interface,
// intended for development and single-node deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	byID     map[int64]*Subject
	nextID   int64
}

var (
	_ Store      = (*MemoryStore)(nil)
	_ SeedWriter = (*MemoryStore)(nil)
)

// NewMemoryStore constructs an empty account store. Seeds are applied by
// the service through the SeedWriter interface.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		byID:     make(map[int64]*Subject),
		nextID:   1,
	}
}

// ApplySeed upserts the seed account, replacing credentials and grants.
func (s *MemoryStore) ApplySeed(_ context.Context, seed Seed) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.TrimSpace(seed.Username)
	if username == "" {
		return errors.New("seed username cannot be empty")
	}
	hashed, err := HashPassword(seed.Password)
	if err != nil {
		return err
	}

	account, ok := s.accounts[username]
	if !ok {
		account = &Account{ID: s.nextID}
		s.nextID++
	}
	account.Username = username
	account.PasswordHash = hashed
	account.Disabled = seed.Disabled
	s.accounts[username] = account

	subject := &Subject{
		ID:          account.ID,
		Username:    username,
		Roles:       dedupeStrings(seed.Roles),
		Permissions: dedupeStrings(seed.Permissions),
		Disabled:    seed.Disabled,
	}
	subject.normalise()
	s.byID[account.ID] = subject
	return nil
}

// FindAccount retrieves the account record by username.
func (s *MemoryStore) FindAccount(_ context.Context, username string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if account, ok := s.accounts[strings.TrimSpace(username)]; ok {
		clone := *account
		return &clone, nil
	}
	return nil, errors.New("account not found")
}

// LoadSubject returns the subject with roles and permissions.
func (s *MemoryStore) LoadSubject(_ context.Context, accountID int64) (*Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if subject, ok := s.byID[accountID]; ok {
		return subject.Clone(), nil
	}
	return nil, errors.New("subject not found")
}

func dedupeStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		seen[strings.ToLower(value)] = struct{}{}
	}
	result := make([]string, 0, len(seen))
	for key := range seen {
		result = append(result, key)
	}
	sort.Strings(result)
	return result
}
