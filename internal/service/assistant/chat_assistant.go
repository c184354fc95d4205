package assistant

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"coachchat/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const chatColumns = `id, project_id, user_id, title, visibility, created_at`

func scanChat(row rowScanner) (*models.Chat, error) {
	var c models.Chat
	if err := row.Scan(&c.ID, &c.ProjectID, &c.UserID, &c.Title, &c.Visibility, &c.CreatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetChat loads a chat by id regardless of owner. Returns sql.ErrNoRows when absent;
// callers compare UserID themselves.
func (s *Service) GetChat(ctx context.Context, chatID string) (*models.Chat, error) {
	c, err := scanChat(s.db.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE id = ?`, chatID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, errors.Wrap(err, "get chat")
	}
	return c, nil
}

// CreateChat inserts a chat with a caller-chosen id.
func (s *Service) CreateChat(ctx context.Context, chat models.Chat) (*models.Chat, error) {
	if strings.TrimSpace(chat.ID) == "" {
		return nil, errors.New("chat id is required")
	}
	if chat.UserID <= 0 || chat.ProjectID == "" {
		return nil, errors.New("chat owner and project are required")
	}
	if chat.Title == "" {
		chat.Title = models.PlaceholderTitle
	}
	if chat.Visibility == "" {
		chat.Visibility = models.VisibilityPrivate
	}
	chat.CreatedAt = time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (`+chatColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		chat.ID, chat.ProjectID, chat.UserID, chat.Title, chat.Visibility, chat.CreatedAt,
	); err != nil {
		return nil, errors.Wrap(err, "create chat")
	}
	return &chat, nil
}

// ListChats returns the user's chat history, newest first.
func (s *Service) ListChats(ctx context.Context, userID int64) ([]*models.Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chatColumns+` FROM chats WHERE user_id = ? ORDER BY created_at DESC`, userID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list chats")
	}
	defer rows.Close()

	chats := make([]*models.Chat, 0)
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan chat")
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// UpdateChatTitle renames a chat owned by the user.
func (s *Service) UpdateChatTitle(ctx context.Context, userID int64, chatID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title cannot be empty")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE chats SET title = ? WHERE id = ? AND user_id = ?`, title, chatID, userID,
	)
	if err != nil {
		return errors.Wrap(err, "update chat title")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "chat rows affected")
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteChat removes a chat owned by the user; messages cascade.
func (s *Service) DeleteChat(ctx context.Context, userID int64, chatID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chats WHERE id = ? AND user_id = ?`, chatID, userID)
	if err != nil {
		return errors.Wrap(err, "delete chat")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "chat rows affected")
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SaveMessages appends messages to their chats. Missing ids are generated.
func (s *Service) SaveMessages(ctx context.Context, msgs ...*models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	for _, m := range msgs {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now().UTC()
		}
		if m.Parts == nil {
			m.Parts = []models.MessagePart{}
		}
		if m.Attachments == nil {
			m.Attachments = []models.Attachment{}
		}
		parts, err := json.Marshal(m.Parts)
		if err != nil {
			return errors.Wrap(err, "encode message parts")
		}
		attachments, err := json.Marshal(m.Attachments)
		if err != nil {
			return errors.Wrap(err, "encode message attachments")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, chat_id, role, parts, attachments, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			m.ID, m.ChatID, m.Role, string(parts), string(attachments), m.CreatedAt,
		); err != nil {
			return errors.Wrap(err, "insert message")
		}
	}
	return errors.Wrap(tx.Commit(), "commit messages")
}

const messageColumns = `id, chat_id, role, parts, attachments, created_at`

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		m                  models.Message
		parts, attachments string
	)
	if err := row.Scan(&m.ID, &m.ChatID, &m.Role, &parts, &attachments, &m.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(parts), &m.Parts); err != nil {
		return nil, errors.Wrapf(err, "decode parts of message %s", m.ID)
	}
	if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
		return nil, errors.Wrapf(err, "decode attachments of message %s", m.ID)
	}
	return &m, nil
}

// GetMessage loads a message by id in any chat. Returns sql.ErrNoRows when absent.
func (s *Service) GetMessage(ctx context.Context, messageID string) (*models.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, messageID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, errors.Wrap(err, "get message")
	}
	return m, nil
}

// ListMessages returns a chat's messages in creation order.
func (s *Service) ListMessages(ctx context.Context, chatID string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE chat_id = ? ORDER BY created_at ASC`,
		chatID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list messages")
	}
	defer rows.Close()

	messages := make([]*models.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// DeleteMessagesAfter truncates a chat from ts onwards (inclusive).
func (s *Service) DeleteMessagesAfter(ctx context.Context, chatID string, ts time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE chat_id = ? AND created_at >= ?`, chatID, ts.UTC(),
	)
	if err != nil {
		return 0, errors.Wrap(err, "delete messages")
	}
	return res.RowsAffected()
}
