package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"portalchat/internal/domain"
)

type ConversationRepo struct {
	db *DB
}

func NewConversationRepo(db *DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

var _ domain.ConversationRepository = (*ConversationRepo)(nil)

const conversationColumns = `c.id, c.name, c.type, c.created_by, c.is_encrypted, c.last_seq,
	c.last_message_id, c.last_message_at, c.metadata, c.created_at, c.updated_at`

const participantColumns = `conversation_id, user_id, joined_at, is_pinned, is_muted, is_archived,
	last_read_seq, unread_count`

// Create inserts the conversation and its participants in one transaction.
// A second direct conversation for the same pair fails with ErrConflict.
func (r *ConversationRepo) Create(ctx context.Context, c *domain.Conversation, participantIDs []int64) error {
	now := time.Now().UTC()
	key := directKey(c.Type, participantIDs)
	return r.db.withTx(ctx, func(tx *sql.Tx) error {
		err := r.db.queryRow(ctx, tx, `
			INSERT INTO conversations (name, type, created_by, is_encrypted, last_seq, metadata, direct_key, created_at, updated_at)
			VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)
			ON CONFLICT (direct_key) DO NOTHING
			RETURNING id
		`, c.Name, string(c.Type), c.CreatedBy, c.IsEncrypted, c.Metadata, key, now, now).Scan(&c.ID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: direct conversation already exists", domain.ErrConflict)
		}
		if err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}

		for _, uid := range participantIDs {
			if _, err := r.db.exec(ctx, tx, `
				INSERT INTO conversation_participants (conversation_id, user_id, joined_at)
				VALUES (?, ?, ?)
				ON CONFLICT DO NOTHING
			`, c.ID, uid, now); err != nil {
				return fmt.Errorf("insert participant %d: %w", uid, err)
			}
		}
		c.LastSeq = 0
		c.CreatedAt = now
		c.UpdatedAt = now
		return nil
	})
}

// directKey identifies the unordered user pair of a direct conversation.
// Other conversation types have none.
func directKey(t domain.ConversationType, participantIDs []int64) *string {
	if t != domain.ConversationDirect || len(participantIDs) != 2 {
		return nil
	}
	a, b := participantIDs[0], participantIDs[1]
	if a > b {
		a, b = b, a
	}
	key := fmt.Sprintf("%d:%d", a, b)
	return &key
}

func (r *ConversationRepo) GetByID(ctx context.Context, id int64) (*domain.Conversation, error) {
	c, err := selectOne[domain.Conversation](ctx, r.db, r.db,
		`SELECT `+conversationColumns+` FROM conversations c WHERE c.id = ?`, id)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, err
}

// FindDirect finds the direct conversation between two users, or returns nil.
func (r *ConversationRepo) FindDirect(ctx context.Context, userA, userB int64) (*domain.Conversation, error) {
	c, err := selectOne[domain.Conversation](ctx, r.db, r.db, `
		SELECT `+conversationColumns+`
		FROM conversations c
		WHERE c.type = ?
		  AND EXISTS (SELECT 1 FROM conversation_participants cp WHERE cp.conversation_id = c.id AND cp.user_id = ?)
		  AND EXISTS (SELECT 1 FROM conversation_participants cp WHERE cp.conversation_id = c.id AND cp.user_id = ?)
		ORDER BY c.id ASC
		LIMIT 1
	`, string(domain.ConversationDirect), userA, userB)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find direct conversation: %w", err)
	}
	return c, nil
}

type userConversationRow struct {
	domain.Conversation
	PJoinedAt    time.Time `db:"p_joined_at"`
	PIsPinned    bool      `db:"p_is_pinned"`
	PIsMuted     bool      `db:"p_is_muted"`
	PIsArchived  bool      `db:"p_is_archived"`
	PLastReadSeq int64     `db:"p_last_read_seq"`
	PUnreadCount int       `db:"p_unread_count"`
}

func (r *ConversationRepo) ListForUser(ctx context.Context, userID int64) ([]domain.UserConversation, error) {
	rows, err := selectAll[userConversationRow](ctx, r.db, r.db, `
		SELECT `+conversationColumns+`,
		       cp.joined_at AS p_joined_at, cp.is_pinned AS p_is_pinned, cp.is_muted AS p_is_muted,
		       cp.is_archived AS p_is_archived, cp.last_read_seq AS p_last_read_seq,
		       cp.unread_count AS p_unread_count
		FROM conversations c
		JOIN conversation_participants cp ON cp.conversation_id = c.id
		WHERE cp.user_id = ?
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	res := make([]domain.UserConversation, 0, len(rows))
	for _, row := range rows {
		conv := row.Conversation
		res = append(res, domain.UserConversation{
			Conversation: &conv,
			Participant: &domain.ConversationParticipant{
				ConversationID: conv.ID,
				UserID:         userID,
				JoinedAt:       row.PJoinedAt,
				IsPinned:       row.PIsPinned,
				IsMuted:        row.PIsMuted,
				IsArchived:     row.PIsArchived,
				LastReadSeq:    row.PLastReadSeq,
				UnreadCount:    row.PUnreadCount,
			},
		})
	}
	return res, nil
}

func (r *ConversationRepo) GetParticipant(ctx context.Context, conversationID, userID int64) (*domain.ConversationParticipant, error) {
	p, err := selectOne[domain.ConversationParticipant](ctx, r.db, r.db,
		`SELECT `+participantColumns+` FROM conversation_participants WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("get participant: %w", err)
	}
	return p, err
}

func (r *ConversationRepo) ListParticipants(ctx context.Context, conversationID int64) ([]*domain.ConversationParticipant, error) {
	ps, err := selectAll[domain.ConversationParticipant](ctx, r.db, r.db,
		`SELECT `+participantColumns+` FROM conversation_participants WHERE conversation_id = ? ORDER BY joined_at ASC, user_id ASC`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	return ps, nil
}

func (r *ConversationRepo) UpdateSettings(ctx context.Context, conversationID, userID int64, s domain.ConversationSettings) error {
	res, err := r.db.exec(ctx, r.db, `
		UPDATE conversation_participants
		SET is_pinned = ?, is_muted = ?, is_archived = ?
		WHERE conversation_id = ? AND user_id = ?
	`, s.Pinned, s.Muted, s.Archived, conversationID, userID)
	if err != nil {
		return fmt.Errorf("update settings: %w", err)
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

// AddParticipants joins users at the conversation's current position, so
// history sent before they joined does not count as unread.
func (r *ConversationRepo) AddParticipants(ctx context.Context, conversationID int64, userIDs []int64, at time.Time) error {
	return r.db.withTx(ctx, func(tx *sql.Tx) error {
		var lastSeq int64
		if err := r.db.queryRow(ctx, tx,
			`SELECT last_seq FROM conversations WHERE id = ?`+r.db.forUpdate(), conversationID,
		).Scan(&lastSeq); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrNotFound
			}
			return fmt.Errorf("lock conversation: %w", err)
		}
		for _, uid := range userIDs {
			if _, err := r.db.exec(ctx, tx, `
				INSERT INTO conversation_participants (conversation_id, user_id, joined_at, last_read_seq)
				VALUES (?, ?, ?, ?)
				ON CONFLICT DO NOTHING
			`, conversationID, uid, at.UTC(), lastSeq); err != nil {
				return fmt.Errorf("insert participant %d: %w", uid, err)
			}
		}
		if _, err := r.db.exec(ctx, tx,
			`UPDATE conversations SET updated_at = ? WHERE id = ?`, at.UTC(), conversationID,
		); err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}
		return nil
	})
}

func (r *ConversationRepo) RemoveParticipant(ctx context.Context, conversationID, userID int64, at time.Time) error {
	return r.db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := r.db.exec(ctx, tx,
			`DELETE FROM conversation_participants WHERE conversation_id = ? AND user_id = ?`,
			conversationID, userID)
		if err != nil {
			return fmt.Errorf("delete participant: %w", err)
		}
		ok, err := affected(res)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrNotFound
		}
		if _, err := r.db.exec(ctx, tx,
			`UPDATE conversations SET updated_at = ? WHERE id = ?`, at.UTC(), conversationID,
		); err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}
		return nil
	})
}

type contactRow struct {
	UserID int64 `db:"user_id"`
}

func (r *ConversationRepo) ListContactIDs(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := selectAll[contactRow](ctx, r.db, r.db, `
		SELECT DISTINCT other.user_id
		FROM conversation_participants me
		JOIN conversation_participants other ON other.conversation_id = me.conversation_id
		WHERE me.user_id = ? AND other.user_id <> ?
		ORDER BY other.user_id ASC
	`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	ids := make([]int64, len(rows))
	for i, row := range rows {
		ids[i] = row.UserID
	}
	return ids, nil
}
