package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"livechat/internal/user"
)

// Repository is the Postgres-backed ConversationStore.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

var _ ConversationStore = (*Repository)(nil)

func (r *Repository) ConversationIDsFor(ctx context.Context, userID string) ([]string, error) {
	return r.strings(ctx, `SELECT conversation_id FROM participants WHERE user_id = $1`, userID)
}

func (r *Repository) Participants(ctx context.Context, conversationID string) ([]string, error) {
	ids, err := r.strings(ctx,
		`SELECT user_id FROM participants WHERE conversation_id = $1 ORDER BY joined_at, user_id`,
		conversationID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrNotFound
	}
	return ids, nil
}

func (r *Repository) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var ok bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM participants WHERE conversation_id = $1 AND user_id = $2)`,
		conversationID, userID).Scan(&ok)
	return ok, err
}

func (r *Repository) MarkAsRead(ctx context.Context, messageID, userID string) (string, error) {
	var conversationID string
	err := r.db.QueryRowContext(ctx, `SELECT conversation_id FROM messages WHERE id = $1`, messageID).
		Scan(&conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}

	ok, err := r.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrForbidden
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO message_reads (message_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		messageID, userID)
	if err != nil {
		return "", err
	}
	return conversationID, nil
}

func (r *Repository) MarkConversationRead(ctx context.Context, conversationID, userID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO message_reads (message_id, user_id)
		SELECT id, $2 FROM messages WHERE conversation_id = $1
		ON CONFLICT DO NOTHING`, conversationID, userID)
	return err
}

// CreateConversation inserts the conversation and its participant rows in one
// transaction. c.ID and the timestamps are filled in.
func (r *Repository) CreateConversation(ctx context.Context, c *Conversation) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	c.ID = uuid.NewString()
	err = tx.QueryRowContext(ctx, `
		INSERT INTO conversations (id, is_group, group_name, group_avatar)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`,
		c.ID, c.IsGroup, nullable(c.GroupName), nullable(c.GroupAvatar)).
		Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}

	for _, id := range c.ParticipantIDs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO participants (conversation_id, user_id, is_admin) VALUES ($1, $2, $3)`,
			c.ID, id, slices.Contains(c.AdminIDs, id))
		if err != nil {
			return participantErr(id, err)
		}
	}
	return tx.Commit()
}

// FindDirectConversation looks for the one-to-one conversation whose
// participants are exactly the two users.
func (r *Repository) FindDirectConversation(ctx context.Context, userA, userB string) (*Conversation, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `
		SELECT c.id FROM conversations c
		WHERE NOT c.is_group
		  AND EXISTS (SELECT 1 FROM participants WHERE conversation_id = c.id AND user_id = $1)
		  AND EXISTS (SELECT 1 FROM participants WHERE conversation_id = c.id AND user_id = $2)
		  AND (SELECT COUNT(*) FROM participants WHERE conversation_id = c.id) = 2
		ORDER BY c.created_at
		LIMIT 1`, userA, userB).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.GetConversation(ctx, id)
}

func (r *Repository) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	c := &Conversation{ID: id}
	var groupName, groupAvatar, lastMessageID sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT is_group, group_name, group_avatar, last_message_id, created_at, updated_at
		FROM conversations WHERE id = $1`, id).
		Scan(&c.IsGroup, &groupName, &groupAvatar, &lastMessageID, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.GroupName = groupName.String
	c.GroupAvatar = groupAvatar.String
	c.LastMessageID = lastMessageID.String

	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id, is_admin FROM participants WHERE conversation_id = $1 ORDER BY joined_at, user_id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var userID string
		var admin bool
		if err := rows.Scan(&userID, &admin); err != nil {
			return nil, err
		}
		c.ParticipantIDs = append(c.ParticipantIDs, userID)
		if admin {
			c.AdminIDs = append(c.AdminIDs, userID)
		}
	}
	return c, rows.Err()
}

func (r *Repository) GetConversationView(ctx context.Context, id string) (*ConversationView, error) {
	c, err := r.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}

	v := &ConversationView{
		ID:          c.ID,
		IsGroup:     c.IsGroup,
		GroupName:   c.GroupName,
		GroupAvatar: c.GroupAvatar,
		AdminIDs:    c.AdminIDs,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT u.id, u.username, u.avatar, u.is_online, u.last_seen
		FROM participants p JOIN users u ON u.id = p.user_id
		WHERE p.conversation_id = $1
		ORDER BY p.joined_at, u.id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	v.Participants = []user.Summary{}
	for rows.Next() {
		var s user.Summary
		var avatar sql.NullString
		if err := rows.Scan(&s.ID, &s.Username, &avatar, &s.IsOnline, &s.LastSeen); err != nil {
			return nil, err
		}
		s.Avatar = avatar.String
		v.Participants = append(v.Participants, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if c.LastMessageID != "" {
		last, err := r.GetMessageView(ctx, c.LastMessageID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		v.LastMessage = last
	}
	return v, nil
}

// ListConversationViews returns the user's conversations, most recently
// active first.
func (r *Repository) ListConversationViews(ctx context.Context, userID string) ([]ConversationView, error) {
	ids, err := r.strings(ctx, `
		SELECT c.id FROM conversations c
		JOIN participants p ON p.conversation_id = c.id
		WHERE p.user_id = $1
		ORDER BY c.updated_at DESC`, userID)
	if err != nil {
		return nil, err
	}

	views := make([]ConversationView, 0, len(ids))
	for _, id := range ids {
		v, err := r.GetConversationView(ctx, id)
		if err != nil {
			return nil, err
		}
		views = append(views, *v)
	}
	return views, nil
}

func (r *Repository) AddParticipants(ctx context.Context, conversationID string, userIDs []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, id := range userIDs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO participants (conversation_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			conversationID, id)
		if err != nil {
			return participantErr(id, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = NOW() WHERE id = $1`, conversationID); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *Repository) UpdateGroup(ctx context.Context, conversationID, name, avatar string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE conversations SET
			group_name = COALESCE(NULLIF($2, ''), group_name),
			group_avatar = COALESCE(NULLIF($3, ''), group_avatar),
			updated_at = NOW()
		WHERE id = $1 AND is_group`, conversationID, name, avatar)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateMessage stores the message, marks it read by its sender and makes it
// the conversation's last message.
func (r *Repository) CreateMessage(ctx context.Context, m *Message) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	m.ID = uuid.NewString()
	if m.Type == "" {
		m.Type = MessageText
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, content, type, file_url)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		m.ID, m.ConversationID, m.SenderID, m.Content, string(m.Type), nullable(m.FileURL)).
		Scan(&m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO message_reads (message_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		m.ID, m.SenderID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_message_id = $2, updated_at = NOW() WHERE id = $1`,
		m.ConversationID, m.ID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	m.ReadBy = []string{m.SenderID}
	return nil
}

const messageViewColumns = `
	SELECT m.id, m.conversation_id, m.sender_id, m.content, m.type, m.file_url, m.created_at,
	       u.username, u.avatar, u.is_online, u.last_seen
	FROM messages m JOIN users u ON u.id = m.sender_id`

func (r *Repository) GetMessageView(ctx context.Context, id string) (*MessageView, error) {
	row := r.db.QueryRowContext(ctx, messageViewColumns+` WHERE m.id = $1`, id)
	v, err := scanMessageView(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	v.ReadBy, err = r.strings(ctx,
		`SELECT user_id FROM message_reads WHERE message_id = $1 ORDER BY read_at, user_id`, id)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// ListMessages returns page (1-based) of the conversation's history. Pages
// count back from the newest message; each page is returned oldest first.
func (r *Repository) ListMessages(ctx context.Context, conversationID string, page, limit int) ([]MessageView, error) {
	if limit <= 0 {
		limit = 50
	}
	if page < 1 {
		page = 1
	}

	rows, err := r.db.QueryContext(ctx, messageViewColumns+`
		WHERE m.conversation_id = $1
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $2 OFFSET $3`, conversationID, limit, (page-1)*limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []MessageView{}
	index := map[string]int{}
	for rows.Next() {
		v, err := scanMessageView(rows)
		if err != nil {
			return nil, err
		}
		v.ReadBy = []string{}
		index[v.ID] = len(msgs)
		msgs = append(msgs, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return msgs, nil
	}

	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	reads, err := r.db.QueryContext(ctx,
		`SELECT message_id, user_id FROM message_reads WHERE message_id = ANY($1) ORDER BY read_at, user_id`, ids)
	if err != nil {
		return nil, err
	}
	defer reads.Close()
	for reads.Next() {
		var messageID, userID string
		if err := reads.Scan(&messageID, &userID); err != nil {
			return nil, err
		}
		i := index[messageID]
		msgs[i].ReadBy = append(msgs[i].ReadBy, userID)
	}
	if err := reads.Err(); err != nil {
		return nil, err
	}

	slices.Reverse(msgs)
	return msgs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessageView(s scanner) (*MessageView, error) {
	v := &MessageView{}
	var msgType string
	var fileURL, avatar sql.NullString
	err := s.Scan(&v.ID, &v.ConversationID, &v.SenderID, &v.Content, &msgType, &fileURL, &v.CreatedAt,
		&v.Sender.Username, &avatar, &v.Sender.IsOnline, &v.Sender.LastSeen)
	if err != nil {
		return nil, err
	}
	v.Type = MessageType(msgType)
	v.FileURL = fileURL.String
	v.Sender.ID = v.SenderID
	v.Sender.Avatar = avatar.String
	return v, nil
}

func (r *Repository) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// participantErr maps a foreign key violation on participants.user_id to
// ErrUnknownUser.
func participantErr(userID string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return fmt.Errorf("participant %s: %w", userID, ErrUnknownUser)
	}
	return fmt.Errorf("insert participant %s: %w", userID, err)
}
