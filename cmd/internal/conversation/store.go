package conversation

import "context"

// Store is the persistence boundary.
type Store interface {
	// GetOrCreate returns the user's conversation, creating an open one when absent.
	// created reports whether this call inserted it.
	GetOrCreate(ctx context.Context, userID int64) (c Conversation, created bool, err error)
	Get(ctx context.Context, id int64) (Conversation, error)
	// ListAll orders by last message time, then last update, newest first, nulls last.
	ListAll(ctx context.Context) ([]Summary, error)

	// InsertMessage writes an unread message. Unknown conversation -> ErrNotFound.
	InsertMessage(ctx context.Context, in NewMessage) (int64, error)
	// TouchConversation sets the preview and bumps last_message_at and updated_at to now.
	TouchConversation(ctx context.Context, id int64, preview string) error
	GetMessage(ctx context.Context, id int64) (Message, error)
	// ListMessages returns messages ascending by creation time, then id.
	ListMessages(ctx context.Context, conversationID int64) ([]Message, error)
	// MarkRead flags every unread message of the conversation not sent by readerID.
	MarkRead(ctx context.Context, conversationID, readerID int64) (int64, error)
}
