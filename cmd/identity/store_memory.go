package identity

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Directory for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	users  map[int64]User
	hashes map[int64]string
}

// NewMemoryStore returns a MemoryStore seeded with users.
func NewMemoryStore(users ...User) *MemoryStore {
	s := &MemoryStore{
		users:  make(map[int64]User, len(users)),
		hashes: make(map[int64]string),
	}
	for _, u := range users {
		u.Email = NormalizeEmail(u.Email)
		s.users[u.ID] = u
	}
	return s
}

// Put inserts or replaces a user.
func (s *MemoryStore) Put(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u.Email = NormalizeEmail(u.Email)
	s.users[u.ID] = u
}

// GetByEmail implements Directory.
func (s *MemoryStore) GetByEmail(ctx context.Context, email string) (User, error) {
	const op = "identity.GetByEmail"
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	email = NormalizeEmail(email)
	if email == "" {
		return User{}, invalid(op, "email is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return User{}, NotFoundError{Op: op, Resource: "user"}
}

// UpdatePasswordHash implements Directory.
func (s *MemoryStore) UpdatePasswordHash(ctx context.Context, userID int64, hash string) error {
	const op = "identity.UpdatePasswordHash"
	if err := ctx.Err(); err != nil {
		return err
	}
	if hash == "" {
		return invalid(op, "hash is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return NotFoundError{Op: op, Resource: "user"}
	}
	s.hashes[userID] = hash
	return nil
}

// PasswordHash returns the last hash stored for userID.
func (s *MemoryStore) PasswordHash(userID int64) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hashes[userID]
	return h, ok
}

var _ Directory = (*MemoryStore)(nil)
