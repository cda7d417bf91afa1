package otp

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps codes in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	rows   map[string][]Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string][]Record)}
}

func memKey(email string, purpose Purpose) string { return string(purpose) + "|" + email }

// Create implements Store.
func (s *MemoryStore) Create(ctx context.Context, in CreateRecord) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if in.Email == "" || in.CodeHash == "" || !in.Purpose.Valid() {
		return Record{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	rec := Record{
		ID:        s.nextID,
		Email:     in.Email,
		Purpose:   in.Purpose,
		CodeHash:  in.CodeHash,
		CreatedAt: in.CreatedAt,
	}
	k := memKey(in.Email, in.Purpose)
	s.rows[k] = append(s.rows[k], rec)
	return rec, nil
}

// FindLatest implements Store.
func (s *MemoryStore) FindLatest(ctx context.Context, email string, purpose Purpose, codeHash string, notBefore time.Time) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		best  Record
		found bool
	)
	for _, r := range s.rows[memKey(email, purpose)] {
		if r.CodeHash != codeHash || r.CreatedAt.Before(notBefore) {
			continue
		}
		if !found || r.CreatedAt.After(best.CreatedAt) || (r.CreatedAt.Equal(best.CreatedAt) && r.ID > best.ID) {
			best, found = r, true
		}
	}
	if !found {
		return Record{}, ErrNotFound
	}
	return best, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, email string, purpose Purpose, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := memKey(email, purpose)
	rows := s.rows[k]
	for i, r := range rows {
		if r.ID == id {
			s.rows[k] = append(rows[:i:i], rows[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// DeleteAll implements Store.
func (s *MemoryStore) DeleteAll(ctx context.Context, email string, purpose Purpose) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := memKey(email, purpose)
	n := int64(len(s.rows[k]))
	delete(s.rows, k)
	return n, nil
}

// Len reports how many codes are stored for (email, purpose).
func (s *MemoryStore) Len(email string, purpose Purpose) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows[memKey(email, purpose)])
}

var _ Store = (*MemoryStore)(nil)
