package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"portalchat/internal/domain"
)

type MessageRepo struct {
	db *DB
}

func NewMessageRepo(db *DB) *MessageRepo {
	return &MessageRepo{db: db}
}

var _ domain.MessageRepository = (*MessageRepo)(nil)

const messageColumns = `id, conversation_id, seq, sender_id, type, content, reply_to_id, thread_id,
	metadata, is_encrypted, client_key, created_at, edited_at, is_edited, is_deleted`

type messageRow struct {
	ID             int64      `db:"id"`
	ConversationID int64      `db:"conversation_id"`
	Seq            int64      `db:"seq"`
	SenderID       int64      `db:"sender_id"`
	Type           string     `db:"type"`
	Content        string     `db:"content"`
	ReplyToID      *int64     `db:"reply_to_id"`
	ThreadID       *int64     `db:"thread_id"`
	Metadata       *string    `db:"metadata"`
	IsEncrypted    bool       `db:"is_encrypted"`
	ClientKey      *string    `db:"client_key"`
	CreatedAt      time.Time  `db:"created_at"`
	EditedAt       *time.Time `db:"edited_at"`
	IsEdited       bool       `db:"is_edited"`
	IsDeleted      bool       `db:"is_deleted"`
}

func (row *messageRow) toDomain() (*domain.Message, error) {
	m := &domain.Message{
		ID:             row.ID,
		ConversationID: row.ConversationID,
		Seq:            row.Seq,
		SenderID:       row.SenderID,
		Type:           domain.MessageType(row.Type),
		Content:        row.Content,
		ReplyToID:      row.ReplyToID,
		ThreadID:       row.ThreadID,
		IsEncrypted:    row.IsEncrypted,
		ClientKey:      row.ClientKey,
		CreatedAt:      row.CreatedAt.UTC(),
		IsEdited:       row.IsEdited,
		IsDeleted:      row.IsDeleted,
		Reactions:      []domain.Reaction{},
		Mentions:       []int64{},
		Attachments:    []domain.Attachment{},
	}
	if row.EditedAt != nil {
		t := row.EditedAt.UTC()
		m.EditedAt = &t
	}
	if row.Metadata != nil {
		md, err := domain.DecodeMetadata(m.Type, []byte(*row.Metadata))
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", row.ID, err)
		}
		m.Metadata = md
	}
	return m, nil
}

type mentionRow struct {
	MessageID int64 `db:"message_id"`
	UserID    int64 `db:"user_id"`
}

// Append assigns the next sequence number under the conversation row lock,
// so concurrent senders never observe the same last_seq.
func (r *MessageRepo) Append(ctx context.Context, m *domain.Message, now time.Time) (bool, error) {
	created := false
	err := r.db.withTx(ctx, func(tx *sql.Tx) error {
		if m.ClientKey != nil {
			prev, err := r.fetch(ctx, tx,
				`WHERE conversation_id = ? AND sender_id = ? AND client_key = ?`,
				m.ConversationID, m.SenderID, *m.ClientKey)
			if err != nil {
				return err
			}
			if len(prev) > 0 {
				*m = *prev[0]
				return nil
			}
		}

		var (
			lastSeq int64
			lastAt  sql.NullTime
		)
		if err := r.db.queryRow(ctx, tx,
			`SELECT last_seq, last_message_at FROM conversations WHERE id = ?`+r.db.forUpdate(),
			m.ConversationID,
		).Scan(&lastSeq, &lastAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrNotFound
			}
			return fmt.Errorf("lock conversation: %w", err)
		}

		createdAt := now.UTC()
		if lastAt.Valid && createdAt.Before(lastAt.Time) {
			createdAt = lastAt.Time.UTC()
		}
		seq := lastSeq + 1

		metadata, err := domain.EncodeMetadata(m.Metadata)
		if err != nil {
			return err
		}

		var id int64
		if err := r.db.queryRow(ctx, tx, `
			INSERT INTO messages (conversation_id, seq, sender_id, type, content, reply_to_id, thread_id,
				metadata, is_encrypted, client_key, created_at, is_edited, is_deleted)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id
		`, m.ConversationID, seq, m.SenderID, string(m.Type), m.Content, m.ReplyToID, m.ThreadID,
			metadata, m.IsEncrypted, m.ClientKey, createdAt, false, false,
		).Scan(&id); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		for i := range m.Attachments {
			a := &m.Attachments[i]
			if a.ID == "" {
				a.ID = uuid.NewString()
			}
			if a.UploadedAt.IsZero() {
				a.UploadedAt = createdAt
			}
			a.MessageID = id
			if _, err := r.db.exec(ctx, tx, `
				INSERT INTO attachments (id, message_id, filename, type, url, size_bytes, mime_type,
					thumbnail_url, download_url, version, is_encrypted, checksum, uploaded_by, uploaded_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, a.ID, id, a.Filename, string(a.Type), a.URL, a.SizeBytes, a.MimeType,
				a.ThumbnailURL, a.DownloadURL, a.Version, a.IsEncrypted, a.Checksum, a.UploadedBy, a.UploadedAt.UTC(),
			); err != nil {
				return fmt.Errorf("insert attachment: %w", err)
			}
		}

		for _, uid := range m.Mentions {
			if _, err := r.db.exec(ctx, tx,
				`INSERT INTO message_mentions (message_id, user_id) VALUES (?, ?) ON CONFLICT DO NOTHING`,
				id, uid,
			); err != nil {
				return fmt.Errorf("insert mention: %w", err)
			}
		}

		if _, err := r.db.exec(ctx, tx, `
			UPDATE conversations
			SET last_seq = ?, last_message_id = ?, last_message_at = ?, updated_at = ?
			WHERE id = ?
		`, seq, id, createdAt, createdAt, m.ConversationID); err != nil {
			return fmt.Errorf("update conversation: %w", err)
		}

		if _, err := r.db.exec(ctx, tx, `
			UPDATE conversation_participants
			SET unread_count = unread_count + 1
			WHERE conversation_id = ? AND user_id <> ?
		`, m.ConversationID, m.SenderID); err != nil {
			return fmt.Errorf("bump unread: %w", err)
		}

		m.ID = id
		m.Seq = seq
		m.CreatedAt = createdAt
		m.EditedAt = nil
		m.IsEdited = false
		m.IsDeleted = false
		if m.Reactions == nil {
			m.Reactions = []domain.Reaction{}
		}
		if m.Mentions == nil {
			m.Mentions = []int64{}
		}
		if m.Attachments == nil {
			m.Attachments = []domain.Attachment{}
		}
		created = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

func (r *MessageRepo) GetByID(ctx context.Context, id int64) (*domain.Message, error) {
	msgs, err := r.fetch(ctx, r.db, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, domain.ErrNotFound
	}
	return msgs[0], nil
}

func (r *MessageRepo) GetManyByIDs(ctx context.Context, ids []int64) ([]*domain.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	in, args := inClause(ids)
	return r.fetch(ctx, r.db, `WHERE id IN `+in+` ORDER BY conversation_id ASC, seq ASC`, args...)
}

func (r *MessageRepo) UpdateContent(ctx context.Context, id int64, content string, editedAt time.Time) error {
	res, err := r.db.exec(ctx, r.db, `
		UPDATE messages SET content = ?, edited_at = ?, is_edited = ?
		WHERE id = ? AND is_deleted = ?
	`, content, editedAt.UTC(), true, id, false)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrNotFound
	}
	return nil
}

// Tombstone clears a message's payload but keeps its row, seq and timestamp.
func (r *MessageRepo) Tombstone(ctx context.Context, id int64) error {
	return r.db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := r.db.exec(ctx, tx,
			`UPDATE messages SET content = '', metadata = NULL, is_deleted = ? WHERE id = ?`, true, id)
		if err != nil {
			return fmt.Errorf("tombstone message: %w", err)
		}
		ok, err := affected(res)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrNotFound
		}
		for _, table := range []string{"attachments", "message_mentions", "message_reactions"} {
			if _, err := r.db.exec(ctx, tx, `DELETE FROM `+table+` WHERE message_id = ?`, id); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		return nil
	})
}

func (r *MessageRepo) AddReaction(ctx context.Context, rc domain.Reaction) (bool, error) {
	if rc.CreatedAt.IsZero() {
		rc.CreatedAt = time.Now()
	}
	res, err := r.db.exec(ctx, r.db, `
		INSERT INTO message_reactions (message_id, user_id, emoji, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, rc.MessageID, rc.UserID, rc.Emoji, rc.CreatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("add reaction: %w", err)
	}
	return affected(res)
}

func (r *MessageRepo) RemoveReaction(ctx context.Context, messageID, userID int64, emoji string) (bool, error) {
	res, err := r.db.exec(ctx, r.db,
		`DELETE FROM message_reactions WHERE message_id = ? AND user_id = ? AND emoji = ?`,
		messageID, userID, emoji)
	if err != nil {
		return false, fmt.Errorf("remove reaction: %w", err)
	}
	return affected(res)
}

// List returns an ascending window of the log. With After set it reads
// forward from the cursor, otherwise it reads backward from Before (or the
// newest message when Before is zero).
func (r *MessageRepo) List(ctx context.Context, conversationID int64, page domain.PageRequest) ([]*domain.Message, bool, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 50
	}

	var (
		msgs []*domain.Message
		err  error
	)
	switch {
	case page.After > 0:
		msgs, err = r.fetch(ctx, r.db,
			`WHERE conversation_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?`,
			conversationID, page.After, limit+1)
	case page.Before > 0:
		msgs, err = r.fetch(ctx, r.db,
			`WHERE conversation_id = ? AND seq < ? ORDER BY seq DESC LIMIT ?`,
			conversationID, page.Before, limit+1)
	default:
		msgs, err = r.fetch(ctx, r.db,
			`WHERE conversation_id = ? ORDER BY seq DESC LIMIT ?`,
			conversationID, limit+1)
	}
	if err != nil {
		return nil, false, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	if page.After <= 0 {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}
	return msgs, hasMore, nil
}

func (r *MessageRepo) MarkRead(ctx context.Context, conversationID, userID, throughSeq int64) (bool, int, error) {
	var (
		advanced bool
		unread   int
	)
	err := r.db.withTx(ctx, func(tx *sql.Tx) error {
		var cursor int64
		if err := r.db.queryRow(ctx, tx, `
			SELECT last_read_seq, unread_count FROM conversation_participants
			WHERE conversation_id = ? AND user_id = ?`+r.db.forUpdate(),
			conversationID, userID,
		).Scan(&cursor, &unread); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrNotFound
			}
			return fmt.Errorf("load read cursor: %w", err)
		}
		if throughSeq <= cursor {
			return nil
		}

		if err := r.db.queryRow(ctx, tx, `
			SELECT COUNT(*) FROM messages
			WHERE conversation_id = ? AND seq > ? AND sender_id <> ?
		`, conversationID, throughSeq, userID).Scan(&unread); err != nil {
			return fmt.Errorf("count unread: %w", err)
		}

		if _, err := r.db.exec(ctx, tx, `
			UPDATE conversation_participants SET last_read_seq = ?, unread_count = ?
			WHERE conversation_id = ? AND user_id = ?
		`, throughSeq, unread, conversationID, userID); err != nil {
			return fmt.Errorf("advance read cursor: %w", err)
		}
		advanced = true
		return nil
	})
	if err != nil {
		return false, 0, err
	}
	return advanced, unread, nil
}

// fetch loads messages matching a WHERE/ORDER tail together with their
// reactions, mentions and attachments.
func (r *MessageRepo) fetch(ctx context.Context, q querier, tail string, args ...any) ([]*domain.Message, error) {
	rows, err := selectAll[messageRow](ctx, r.db, q, `SELECT `+messageColumns+` FROM messages `+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	msgs := make([]*domain.Message, 0, len(rows))
	byID := make(map[int64]*domain.Message, len(rows))
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		m, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
		byID[m.ID] = m
		ids = append(ids, m.ID)
	}

	in, inArgs := inClause(ids)

	reactions, err := selectAll[domain.Reaction](ctx, r.db, q,
		`SELECT message_id, emoji, user_id, created_at FROM message_reactions
		 WHERE message_id IN `+in+` ORDER BY created_at ASC, user_id ASC, emoji ASC`, inArgs...)
	if err != nil {
		return nil, fmt.Errorf("select reactions: %w", err)
	}
	for _, rc := range reactions {
		rc.CreatedAt = rc.CreatedAt.UTC()
		byID[rc.MessageID].Reactions = append(byID[rc.MessageID].Reactions, *rc)
	}

	mentions, err := selectAll[mentionRow](ctx, r.db, q,
		`SELECT message_id, user_id FROM message_mentions WHERE message_id IN `+in+` ORDER BY user_id ASC`, inArgs...)
	if err != nil {
		return nil, fmt.Errorf("select mentions: %w", err)
	}
	for _, mn := range mentions {
		byID[mn.MessageID].Mentions = append(byID[mn.MessageID].Mentions, mn.UserID)
	}

	attachments, err := selectAll[domain.Attachment](ctx, r.db, q, `
		SELECT id, message_id, filename, type, url, size_bytes, mime_type, thumbnail_url, download_url,
		       version, is_encrypted, checksum, uploaded_by, uploaded_at
		FROM attachments WHERE message_id IN `+in+` ORDER BY uploaded_at ASC, id ASC`, inArgs...)
	if err != nil {
		return nil, fmt.Errorf("select attachments: %w", err)
	}
	for _, a := range attachments {
		a.UploadedAt = a.UploadedAt.UTC()
		byID[a.MessageID].Attachments = append(byID[a.MessageID].Attachments, *a)
	}

	return msgs, nil
}
