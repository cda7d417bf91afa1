package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"pawfect/cmd/internal/auth"
	"pawfect/cmd/internal/moderation"
	rtv1 "pawfect/contracts/realtime/v1"
)

// Broadcaster delivers an event to every member of a room.
type Broadcaster interface {
	Broadcast(room, event string, payload any)
}

// NopBroadcaster drops every event.
type NopBroadcaster struct{}

func (NopBroadcaster) Broadcast(string, string, any) {}

// Screener vets message content before it is written.
type Screener interface {
	Screen(ctx context.Context, text string) error
}

// Service orchestrates the registry, the message log and room notifications.
type Service struct {
	store    Store
	bc       Broadcaster
	screener Screener
	log      *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithBroadcaster sets the room notifier.
func WithBroadcaster(b Broadcaster) Option {
	return func(s *Service) {
		if b != nil {
			s.bc = b
		}
	}
}

// WithScreener sets the moderation hook.
func WithScreener(sc Screener) Option {
	return func(s *Service) { s.screener = sc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// NewService builds a Service over store.
func NewService(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("conversation: nil store")
	}
	s := &Service{store: store, bc: NopBroadcaster{}, log: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// GetOrCreate returns the caller's own conversation.
func (s *Service) GetOrCreate(ctx context.Context, caller auth.Caller) (Conversation, bool, error) {
	if caller.UserID <= 0 {
		return Conversation{}, false, ErrInvalidInput
	}
	c, created, err := s.store.GetOrCreate(ctx, caller.UserID)
	if err != nil {
		return Conversation{}, false, err
	}
	if created {
		s.log.InfoContext(ctx, "conversation.created", "conversation_id", c.ID, "user_id", caller.UserID)
	}
	return c, created, nil
}

// ListAll returns every conversation. Admin only.
func (s *Service) ListAll(ctx context.Context, caller auth.Caller) ([]Summary, error) {
	if !caller.IsAdmin() {
		return nil, ErrForbidden
	}
	return s.store.ListAll(ctx)
}

// Authorize loads a conversation the caller may access: its owner or an admin.
func (s *Service) Authorize(ctx context.Context, caller auth.Caller, conversationID int64) (Conversation, error) {
	if conversationID <= 0 {
		return Conversation{}, ErrInvalidInput
	}
	c, err := s.store.Get(ctx, conversationID)
	if err != nil {
		return Conversation{}, err
	}
	if !caller.IsAdmin() && c.UserID != caller.UserID {
		return Conversation{}, ErrForbidden
	}
	return c, nil
}

// Messages lists a conversation's messages oldest first.
func (s *Service) Messages(ctx context.Context, caller auth.Caller, conversationID int64) ([]Message, error) {
	if _, err := s.Authorize(ctx, caller, conversationID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, conversationID)
}

// Send appends a message as the caller and announces it to the room.
func (s *Service) Send(ctx context.Context, caller auth.Caller, conversationID int64, content string) (Posted, error) {
	if _, err := s.Authorize(ctx, caller, conversationID); err != nil {
		return Posted{}, err
	}

	role := SenderRoleFor(caller.Role)
	p, err := s.Append(ctx, NewMessage{
		ConversationID: conversationID,
		SenderID:       caller.UserID,
		SenderRole:     role,
		Content:        content,
	})
	if err != nil {
		return Posted{}, err
	}

	messagesSent.WithLabelValues(role).Inc()

	// A partial result has no row to announce; clients pick it up from the message list.
	if !p.Partial {
		s.bc.Broadcast(RoomName(conversationID), rtv1.EventNewMessage, p.Message)
	}
	return p, nil
}

// Append validates, screens and stores a message, then refreshes the conversation preview.
// A failed preview update is logged only; a failed read-back yields a partial result.
func (s *Service) Append(ctx context.Context, in NewMessage) (Posted, error) {
	in.Content = strings.TrimSpace(in.Content)
	if in.Content == "" {
		return Posted{}, &InputError{Reason: "content must not be empty"}
	}
	if in.SenderRole != SenderAdmin && in.SenderRole != SenderPetOwner {
		return Posted{}, &InputError{Reason: "unknown sender role"}
	}

	if s.screener != nil {
		if err := s.screener.Screen(ctx, in.Content); err != nil {
			if errors.Is(err, moderation.ErrFlagged) {
				s.log.InfoContext(ctx, "conversation.message.rejected", "conversation_id", in.ConversationID, "sender_id", in.SenderID)
				return Posted{}, ErrRejected
			}
			return Posted{}, fmt.Errorf("conversation: moderation: %w", err)
		}
	}

	id, err := s.store.InsertMessage(ctx, in)
	if err != nil {
		return Posted{}, err
	}

	if err := s.store.TouchConversation(ctx, in.ConversationID, Preview(in.Content)); err != nil {
		s.log.ErrorContext(ctx, "conversation.touch.fail", "conversation_id", in.ConversationID, "err", err)
	}

	m, err := s.store.GetMessage(ctx, id)
	if err != nil {
		s.log.WarnContext(ctx, "conversation.message.readback.fail", "message_id", id, "err", err)
		return Posted{Message: Message{ID: id}, Partial: true}, nil
	}
	return Posted{Message: m}, nil
}

// MarkRead marks the counterpart's messages read for the caller and announces the receipt.
func (s *Service) MarkRead(ctx context.Context, caller auth.Caller, conversationID int64) (int64, error) {
	if _, err := s.Authorize(ctx, caller, conversationID); err != nil {
		return 0, err
	}

	n, err := s.store.MarkRead(ctx, conversationID, caller.UserID)
	if err != nil {
		return 0, err
	}
	messagesRead.Add(float64(n))

	s.bc.Broadcast(RoomName(conversationID), rtv1.EventMessagesRead, rtv1.MessagesReadPayload{
		ConversationID: rtv1.ConversationID(conversationID),
		ReaderID:       caller.UserID,
	})
	return n, nil
}
