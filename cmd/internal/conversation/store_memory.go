package conversation

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memUser struct{ first, last string }

// MemoryStore is an in-process Store for development without a database and for tests.
type MemoryStore struct {
	mu sync.RWMutex

	now func() time.Time

	nextConv int64
	nextMsg  int64

	convs  map[int64]Conversation
	byUser map[int64]int64
	msgs   map[int64]Message
	users  map[int64]memUser
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:    func() time.Time { return time.Now().UTC() },
		convs:  make(map[int64]Conversation),
		byUser: make(map[int64]int64),
		msgs:   make(map[int64]Message),
		users:  make(map[int64]memUser),
	}
}

// PutUser records a display name used by ListAll.
func (s *MemoryStore) PutUser(id int64, first, last string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[id] = memUser{first: first, last: last}
}

// GetOrCreate implements Store.
func (s *MemoryStore) GetOrCreate(ctx context.Context, userID int64) (Conversation, bool, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, false, err
	}
	if userID <= 0 {
		return Conversation{}, false, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byUser[userID]; ok {
		return s.convs[id], false, nil
	}

	now := s.now()
	s.nextConv++
	c := Conversation{
		ID:        s.nextConv,
		UserID:    userID,
		Status:    StatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.convs[c.ID] = c
	s.byUser[userID] = c.ID
	return c, true, nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, id int64) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return c, nil
}

// ListAll implements Store.
func (s *MemoryStore) ListAll(ctx context.Context) ([]Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := make([]Summary, 0, len(s.convs))
	for _, c := range s.convs {
		u := s.users[c.UserID]
		out = append(out, Summary{Conversation: c, FirstName: u.first, LastName: u.last})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if cmp := compareNullsLast(a.LastMessageAt, b.LastMessageAt); cmp != 0 {
			return cmp < 0
		}
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID > b.ID
	})
	return out, nil
}

// compareNullsLast orders descending with nil after every value.
func compareNullsLast(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	case a.After(*b):
		return -1
	case b.After(*a):
		return 1
	}
	return 0
}

// InsertMessage implements Store.
func (s *MemoryStore) InsertMessage(ctx context.Context, in NewMessage) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[in.ConversationID]; !ok {
		return 0, ErrNotFound
	}
	s.nextMsg++
	s.msgs[s.nextMsg] = Message{
		ID:             s.nextMsg,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		SenderRole:     in.SenderRole,
		Content:        in.Content,
		CreatedAt:      s.now(),
	}
	return s.nextMsg, nil
}

// TouchConversation implements Store.
func (s *MemoryStore) TouchConversation(ctx context.Context, id int64, preview string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		return ErrNotFound
	}
	now := s.now()
	c.LastMessagePreview = &preview
	c.LastMessageAt = &now
	c.UpdatedAt = now
	s.convs[id] = c
	return nil
}

// GetMessage implements Store.
func (s *MemoryStore) GetMessage(ctx context.Context, id int64) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.msgs[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	return m, nil
}

// ListMessages implements Store.
func (s *MemoryStore) ListMessages(ctx context.Context, conversationID int64) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := make([]Message, 0)
	for _, m := range s.msgs {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// MarkRead implements Store.
func (s *MemoryStore) MarkRead(ctx context.Context, conversationID, readerID int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, m := range s.msgs {
		if m.ConversationID != conversationID || m.SenderID == readerID || m.IsRead {
			continue
		}
		m.IsRead = true
		s.msgs[id] = m
		n++
	}
	return n, nil
}

var _ Store = (*MemoryStore)(nil)
