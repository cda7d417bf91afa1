package conversation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgForeignKeyViolation = "23503"

// PostgresStore implements Store with pgx.
// The pool is owned by the caller.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema (default "public").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" || !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("conversation: invalid schema identifier %q", schema)
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "public"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("conversation: nil pool")
	}
	return st, nil
}

func (s *PostgresStore) t(name string) string {
	return pgx.Identifier{s.schema, name}.Sanitize()
}

const convCols = `conversation_id, user_id, status, last_message_preview, last_message_at, created_at, updated_at`

func scanConversation(row pgx.Row) (Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.UserID, &c.Status, &c.LastMessagePreview, &c.LastMessageAt, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

// GetOrCreate implements Store. The insert relies on UNIQUE(user_id); losing a concurrent
// race falls through to a second read of the winner's row.
func (s *PostgresStore) GetOrCreate(ctx context.Context, userID int64) (Conversation, bool, error) {
	if userID <= 0 {
		return Conversation{}, false, ErrInvalidInput
	}

	c, err := s.byUser(ctx, userID)
	if err == nil {
		return c, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Conversation{}, false, err
	}

	c, err = scanConversation(s.pool.QueryRow(ctx,
		`INSERT INTO `+s.t("conversations")+` (user_id, status)
		 VALUES ($1, $2)
		 ON CONFLICT (user_id) DO NOTHING
		 RETURNING `+convCols,
		userID, StatusOpen,
	))
	switch {
	case err == nil:
		return c, true, nil
	case errors.Is(err, pgx.ErrNoRows):
		c, err = s.byUser(ctx, userID)
		return c, false, err
	case isForeignKeyViolation(err):
		return Conversation{}, false, fmt.Errorf("conversation: unknown user %d: %w", userID, ErrNotFound)
	default:
		return Conversation{}, false, fmt.Errorf("conversation: insert: %w", err)
	}
}

func (s *PostgresStore) byUser(ctx context.Context, userID int64) (Conversation, error) {
	c, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+convCols+` FROM `+s.t("conversations")+` WHERE user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("conversation: select by user: %w", err)
	}
	return c, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id int64) (Conversation, error) {
	c, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+convCols+` FROM `+s.t("conversations")+` WHERE conversation_id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("conversation: select: %w", err)
	}
	return c, nil
}

// ListAll implements Store.
func (s *PostgresStore) ListAll(ctx context.Context) ([]Summary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT c.conversation_id, c.user_id, c.status, c.last_message_preview, c.last_message_at,
		        c.created_at, c.updated_at, COALESCE(u.first_name, ''), COALESCE(u.last_name, '')
		   FROM `+s.t("conversations")+` c
		   LEFT JOIN `+s.t("users")+` u ON u.user_id = c.user_id
		  ORDER BY c.last_message_at DESC NULLS LAST, c.updated_at DESC NULLS LAST, c.conversation_id DESC`)
	if err != nil {
		return nil, fmt.Errorf("conversation: list: %w", err)
	}
	defer rows.Close()

	out := make([]Summary, 0)
	for rows.Next() {
		var v Summary
		if err := rows.Scan(&v.ID, &v.UserID, &v.Status, &v.LastMessagePreview, &v.LastMessageAt,
			&v.CreatedAt, &v.UpdatedAt, &v.FirstName, &v.LastName); err != nil {
			return nil, fmt.Errorf("conversation: list scan: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation: list rows: %w", err)
	}
	return out, nil
}

// InsertMessage implements Store.
func (s *PostgresStore) InsertMessage(ctx context.Context, in NewMessage) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+s.t("messages")+` (conversation_id, sender_id, sender_role, content, is_read)
		 VALUES ($1, $2, $3, $4, false)
		 RETURNING message_id`,
		in.ConversationID, in.SenderID, in.SenderRole, in.Content,
	).Scan(&id)
	if isForeignKeyViolation(err) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("conversation: insert message: %w", err)
	}
	return id, nil
}

// TouchConversation implements Store.
func (s *PostgresStore) TouchConversation(ctx context.Context, id int64, preview string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.t("conversations")+`
		    SET last_message_preview = $2, last_message_at = now(), updated_at = now()
		  WHERE conversation_id = $1`,
		id, preview,
	)
	if err != nil {
		return fmt.Errorf("conversation: touch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const msgCols = `message_id, conversation_id, sender_id, sender_role, content, is_read, created_at`

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.SenderRole, &m.Content, &m.IsRead, &m.CreatedAt)
	return m, err
}

// GetMessage implements Store.
func (s *PostgresStore) GetMessage(ctx context.Context, id int64) (Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+msgCols+` FROM `+s.t("messages")+` WHERE message_id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("conversation: select message: %w", err)
	}
	return m, nil
}

// ListMessages implements Store.
func (s *PostgresStore) ListMessages(ctx context.Context, conversationID int64) ([]Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+msgCols+` FROM `+s.t("messages")+`
		  WHERE conversation_id = $1
		  ORDER BY created_at ASC, message_id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("conversation: list messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("conversation: list messages scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation: list messages rows: %w", err)
	}
	return out, nil
}

// MarkRead implements Store.
func (s *PostgresStore) MarkRead(ctx context.Context, conversationID, readerID int64) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.t("messages")+`
		    SET is_read = true
		  WHERE conversation_id = $1 AND sender_id <> $2 AND is_read = false`,
		conversationID, readerID,
	)
	if err != nil {
		return 0, fmt.Errorf("conversation: mark read: %w", err)
	}
	return tag.RowsAffected(), nil
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation
}

var _ Store = (*PostgresStore)(nil)
