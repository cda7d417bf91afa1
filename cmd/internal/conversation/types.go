package conversation

import (
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Conversation status values. Status is informational only.
const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

// Sender roles stored on messages.
const (
	SenderAdmin    = "admin"
	SenderPetOwner = "pet owner"
)

const (
	previewMax  = 250
	previewKeep = 247
)

// Conversation is the thread owned by one user.
type Conversation struct {
	ID                 int64      `json:"conversation_id"`
	UserID             int64      `json:"user_id"`
	Status             string     `json:"status"`
	LastMessagePreview *string    `json:"last_message_preview"`
	LastMessageAt      *time.Time `json:"last_message_at"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Summary is a Conversation joined with its owner's name for staff listings.
type Summary struct {
	Conversation
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// Message is a stored chat message.
type Message struct {
	ID             int64     `json:"message_id"`
	ConversationID int64     `json:"conversation_id"`
	SenderID       int64     `json:"sender_id"`
	SenderRole     string    `json:"sender_role"`
	Content        string    `json:"content"`
	IsRead         bool      `json:"is_read"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewMessage is an insert payload.
type NewMessage struct {
	ConversationID int64
	SenderID       int64
	SenderRole     string
	Content        string
}

// Posted is the outcome of an append. When Partial is set only Message.ID is known:
// the row was written but could not be read back.
type Posted struct {
	Message Message
	Partial bool
}

// Preview returns the stored summary of content: verbatim up to 250 characters,
// otherwise the first 247 followed by "...".
func Preview(content string) string {
	if utf8.RuneCountInString(content) <= previewMax {
		return content
	}
	var b strings.Builder
	n := 0
	for _, r := range content {
		if n == previewKeep {
			break
		}
		b.WriteRune(r)
		n++
	}
	b.WriteString("...")
	return b.String()
}

// RoomName is the realtime room of a conversation.
func RoomName(conversationID int64) string {
	return "conversation:" + strconv.FormatInt(conversationID, 10)
}

// SenderRoleFor maps an account role to the stored sender role.
func SenderRoleFor(role string) string {
	if role == "admin" {
		return SenderAdmin
	}
	return SenderPetOwner
}
