package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"portalchat/internal/domain"
	"portalchat/internal/logger"
)

type MessageConfig struct {
	MaxLength       int
	DefaultPageSize int
	MaxPageSize     int
}

// MessageService owns the per-conversation message log. Every write to a
// conversation runs under its lock, and events for it are published before
// the lock is released, so all members see one order.
type MessageService struct {
	messages      domain.MessageRepository
	conversations domain.ConversationRepository
	users         domain.UserRepository
	locks         *ConversationLocks
	notifier      domain.Notifier
	cipher        ContentCipher
	present       presenter
	log           logger.Logger
	cfg           MessageConfig
	now           func() time.Time
}

func NewMessageService(
	messages domain.MessageRepository,
	conversations domain.ConversationRepository,
	users domain.UserRepository,
	locks *ConversationLocks,
	notifier domain.Notifier,
	cipher ContentCipher,
	log logger.Logger,
	cfg MessageConfig,
) *MessageService {
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = 5000
	}
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = 50
	}
	if cfg.MaxPageSize < cfg.DefaultPageSize {
		cfg.MaxPageSize = cfg.DefaultPageSize
	}
	return &MessageService{
		messages:      messages,
		conversations: conversations,
		users:         users,
		locks:         locks,
		notifier:      notifier,
		cipher:        cipher,
		present:       presenter{cipher: cipher, log: log},
		log:           log,
		cfg:           cfg,
		now:           time.Now,
	}
}

type SendMessageInput struct {
	ConversationID int64
	SenderID       int64
	Content        string
	Type           domain.MessageType
	Attachments    []domain.Attachment
	ReplyToID      *int64
	ThreadID       *int64
	Mentions       []int64
	Metadata       domain.MessageMetadata
	ClientKey      *string
}

// Send appends a message. A repeated ClientKey from the same sender returns
// the message stored the first time and publishes nothing.
func (s *MessageService) Send(ctx context.Context, in SendMessageInput) (*domain.Message, error) {
	conv, parts, err := loadMembership(ctx, s.conversations, in.ConversationID, in.SenderID)
	if err != nil {
		return nil, err
	}

	if in.Type == "" {
		in.Type = domain.MessageText
	}
	if !in.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown message type %q", domain.ErrInvalidInput, in.Type)
	}
	if strings.TrimSpace(in.Content) == "" && len(in.Attachments) == 0 {
		return nil, domain.ErrEmptyMessage
	}
	if err := s.checkLength(in.Content); err != nil {
		return nil, err
	}
	if err := domain.ValidateMetadata(in.Type, in.Metadata); err != nil {
		return nil, err
	}
	if in.ClientKey != nil {
		key, err := uuid.Parse(*in.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("%w: client_key must be a UUID", domain.ErrInvalidInput)
		}
		normalized := key.String()
		in.ClientKey = &normalized
	}
	attachments, err := validateAttachments(in.Attachments, in.SenderID)
	if err != nil {
		return nil, err
	}
	if in.ReplyToID != nil {
		if err := s.checkSameConversation(ctx, *in.ReplyToID, conv.ID, "reply_to"); err != nil {
			return nil, err
		}
	}
	if in.ThreadID != nil {
		if err := s.checkSameConversation(ctx, *in.ThreadID, conv.ID, "thread"); err != nil {
			return nil, err
		}
	}

	m := &domain.Message{
		ConversationID: conv.ID,
		SenderID:       in.SenderID,
		Type:           in.Type,
		Content:        in.Content,
		ReplyToID:      in.ReplyToID,
		ThreadID:       in.ThreadID,
		Metadata:       in.Metadata,
		ClientKey:      in.ClientKey,
		Attachments:    attachments,
		Mentions:       filterMentions(in.Mentions, parts),
	}
	if conv.IsEncrypted && s.cipher != nil {
		sealed, err := s.cipher.Encrypt(in.Content)
		if err != nil {
			return nil, fmt.Errorf("encrypt content: %w", err)
		}
		m.Content = sealed
		m.IsEncrypted = true
	}

	release, err := s.locks.Acquire(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	created, err := s.messages.Append(ctx, m, s.now())
	if err != nil {
		return nil, err
	}
	if !created {
		s.log.Debug("duplicate send", "conversation_id", conv.ID, "sender_id", in.SenderID, "message_id", m.ID)
		return s.present.message(m, in.SenderID, parts), nil
	}

	s.publish(parts, domain.EventMessageCreated, m)
	s.log.Debug("message sent", "conversation_id", conv.ID, "message_id", m.ID, "seq", m.Seq)
	return s.present.message(m, in.SenderID, parts), nil
}

// Edit replaces the content of the editor's own message.
func (s *MessageService) Edit(ctx context.Context, messageID, editorID int64, content string) (*domain.Message, error) {
	m, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	_, parts, err := loadMembership(ctx, s.conversations, m.ConversationID, editorID)
	if err != nil {
		return nil, err
	}
	if m.SenderID != editorID {
		return nil, domain.ErrForbidden
	}
	if m.IsDeleted {
		return nil, domain.ErrNotFound
	}
	if strings.TrimSpace(content) == "" && len(m.Attachments) == 0 {
		return nil, domain.ErrEmptyMessage
	}
	if err := s.checkLength(content); err != nil {
		return nil, err
	}
	stored := content
	if m.IsEncrypted && s.cipher != nil {
		if stored, err = s.cipher.Encrypt(content); err != nil {
			return nil, fmt.Errorf("encrypt content: %w", err)
		}
	}

	release, err := s.locks.Acquire(ctx, m.ConversationID)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := s.messages.UpdateContent(ctx, messageID, stored, s.now()); err != nil {
		return nil, err
	}
	if m, err = s.messages.GetByID(ctx, messageID); err != nil {
		return nil, err
	}
	s.publish(parts, domain.EventMessageEdited, m)
	return s.present.message(m, editorID, parts), nil
}

// Delete tombstones a message. Allowed for the sender, for moderator roles,
// and for the creator of a non-direct conversation. Deleting a tombstone
// again is a no-op.
func (s *MessageService) Delete(ctx context.Context, messageID, requesterID int64) (*domain.Message, error) {
	m, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	conv, err := s.conversations.GetByID(ctx, m.ConversationID)
	if err != nil {
		return nil, err
	}
	parts, err := s.conversations.ListParticipants(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	requester, err := s.users.GetByID(ctx, requesterID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrForbidden
		}
		return nil, err
	}
	if !canDelete(m, conv, requester, findParticipant(parts, requesterID) != nil) {
		return nil, domain.ErrForbidden
	}
	if m.IsDeleted {
		return s.present.message(m, requesterID, parts), nil
	}

	release, err := s.locks.Acquire(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := s.messages.Tombstone(ctx, messageID); err != nil {
		return nil, err
	}
	if m, err = s.messages.GetByID(ctx, messageID); err != nil {
		return nil, err
	}
	s.publish(parts, domain.EventMessageDeleted, m)
	s.log.Info("message deleted", "message_id", messageID, "requester_id", requesterID)
	return s.present.message(m, requesterID, parts), nil
}

func canDelete(m *domain.Message, conv *domain.Conversation, requester *domain.User, isParticipant bool) bool {
	if requester.Role.CanModerate() {
		return true
	}
	if !isParticipant {
		return false
	}
	if m.SenderID == requester.ID {
		return true
	}
	return conv.Type != domain.ConversationDirect && conv.CreatedBy == requester.ID
}

// AddReaction is idempotent: adding an existing (user, emoji) pair changes
// nothing and publishes nothing.
func (s *MessageService) AddReaction(ctx context.Context, messageID, userID int64, emoji string) (*domain.Message, error) {
	return s.react(ctx, messageID, userID, emoji, true)
}

// RemoveReaction is idempotent like AddReaction.
func (s *MessageService) RemoveReaction(ctx context.Context, messageID, userID int64, emoji string) (*domain.Message, error) {
	return s.react(ctx, messageID, userID, emoji, false)
}

func (s *MessageService) react(ctx context.Context, messageID, userID int64, emoji string, add bool) (*domain.Message, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" || len(emoji) > 64 {
		return nil, fmt.Errorf("%w: emoji must be 1-64 bytes", domain.ErrInvalidInput)
	}
	m, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	_, parts, err := loadMembership(ctx, s.conversations, m.ConversationID, userID)
	if err != nil {
		return nil, err
	}
	if m.IsDeleted {
		return nil, domain.ErrNotFound
	}

	release, err := s.locks.Acquire(ctx, m.ConversationID)
	if err != nil {
		return nil, err
	}
	defer release()

	rc := domain.Reaction{MessageID: messageID, UserID: userID, Emoji: emoji, CreatedAt: s.now().UTC()}
	var changed bool
	evType := domain.EventReactionAdded
	if add {
		changed, err = s.messages.AddReaction(ctx, rc)
	} else {
		evType = domain.EventReactionRemoved
		changed, err = s.messages.RemoveReaction(ctx, messageID, userID, emoji)
	}
	if err != nil {
		return nil, err
	}
	if m, err = s.messages.GetByID(ctx, messageID); err != nil {
		return nil, err
	}
	if changed {
		s.notifier.Publish(participantIDs(parts), domain.Event{
			Type:    evType,
			Payload: domain.ReactionEvent{ConversationID: m.ConversationID, MessageID: messageID, Reaction: rc},
		})
	}
	return s.present.message(m, userID, parts), nil
}

// List returns one ascending page of the viewer's conversation.
func (s *MessageService) List(ctx context.Context, conversationID, viewerID int64, page domain.PageRequest) (*domain.MessagePage, error) {
	if page.Before < 0 || page.After < 0 {
		return nil, fmt.Errorf("%w: cursors must not be negative", domain.ErrInvalidInput)
	}
	if page.Before > 0 && page.After > 0 {
		return nil, fmt.Errorf("%w: before and after are exclusive", domain.ErrInvalidInput)
	}
	switch {
	case page.Limit <= 0:
		page.Limit = s.cfg.DefaultPageSize
	case page.Limit > s.cfg.MaxPageSize:
		page.Limit = s.cfg.MaxPageSize
	}

	_, parts, err := loadMembership(ctx, s.conversations, conversationID, viewerID)
	if err != nil {
		return nil, err
	}
	msgs, hasMore, err := s.messages.List(ctx, conversationID, page)
	if err != nil {
		return nil, err
	}

	out := &domain.MessagePage{Messages: make([]*domain.Message, 0, len(msgs)), HasMore: hasMore}
	for _, m := range msgs {
		out.Messages = append(out.Messages, s.present.message(m, viewerID, parts))
	}
	if n := len(out.Messages); n > 0 {
		out.NextBefore = out.Messages[0].Seq
		out.NextAfter = out.Messages[n-1].Seq
	} else if page.After > 0 {
		out.NextAfter = page.After
	}
	return out, nil
}

type ReadReceipt struct {
	ConversationID int64 `json:"conversation_id"`
	UserID         int64 `json:"user_id"`
	LastReadSeq    int64 `json:"last_read_seq"`
	UnreadCount    int   `json:"unread_count"`
	Advanced       bool  `json:"advanced"`
}

// MarkRead moves the viewer's read cursor up to throughMessageID, or to the
// newest message when it is zero. Older cursors are ignored.
func (s *MessageService) MarkRead(ctx context.Context, conversationID, viewerID, throughMessageID int64) (*ReadReceipt, error) {
	conv, parts, err := loadMembership(ctx, s.conversations, conversationID, viewerID)
	if err != nil {
		return nil, err
	}

	through := conv.LastSeq
	msgID := int64(0)
	if conv.LastMessageID != nil {
		msgID = *conv.LastMessageID
	}
	if throughMessageID > 0 {
		m, err := s.messages.GetByID(ctx, throughMessageID)
		if err != nil {
			return nil, err
		}
		if m.ConversationID != conversationID {
			return nil, fmt.Errorf("%w: message %d is not in conversation %d", domain.ErrInvalidInput, throughMessageID, conversationID)
		}
		through, msgID = m.Seq, m.ID
	}

	release, err := s.locks.Acquire(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer release()

	advanced, unread, err := s.messages.MarkRead(ctx, conversationID, viewerID, through)
	if err != nil {
		return nil, err
	}
	receipt := &ReadReceipt{
		ConversationID: conversationID,
		UserID:         viewerID,
		LastReadSeq:    findParticipant(parts, viewerID).LastReadSeq,
		UnreadCount:    unread,
		Advanced:       advanced,
	}
	if advanced {
		receipt.LastReadSeq = through
		s.notifier.Publish(participantIDs(parts), domain.Event{
			Type: domain.EventMessagesRead,
			Payload: domain.ReadEvent{
				ConversationID: conversationID,
				UserID:         viewerID,
				LastReadSeq:    through,
				MessageID:      msgID,
			},
		})
	}
	return receipt, nil
}

func (s *MessageService) publish(parts []*domain.ConversationParticipant, t domain.EventType, m *domain.Message) {
	// Read state differs per member, so the broadcast copy carries none.
	out := s.present.message(m, 0, nil)
	out.IsRead = false
	s.notifier.Publish(participantIDs(parts), domain.Event{Type: t, Payload: out})
}

func (s *MessageService) checkLength(content string) error {
	if n := utf8.RuneCountInString(content); n > s.cfg.MaxLength {
		return fmt.Errorf("%w: content has %d characters, the limit is %d", domain.ErrInvalidInput, n, s.cfg.MaxLength)
	}
	return nil
}

func (s *MessageService) checkSameConversation(ctx context.Context, messageID, conversationID int64, field string) error {
	ref, err := s.messages.GetByID(ctx, messageID)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && ref.ConversationID != conversationID) {
		return fmt.Errorf("%w: %s message %d is not in this conversation", domain.ErrInvalidInput, field, messageID)
	}
	return err
}

func validateAttachments(in []domain.Attachment, uploaderID int64) ([]domain.Attachment, error) {
	out := make([]domain.Attachment, 0, len(in))
	for i, a := range in {
		if a.Filename == "" || a.URL == "" {
			return nil, fmt.Errorf("%w: attachment %d needs a filename and url", domain.ErrInvalidInput, i)
		}
		if a.Type == "" {
			a.Type = domain.AttachmentOther
		}
		if !a.Type.Valid() {
			return nil, fmt.Errorf("%w: unknown attachment type %q", domain.ErrInvalidInput, a.Type)
		}
		if a.SizeBytes < 0 {
			return nil, fmt.Errorf("%w: attachment size must not be negative", domain.ErrInvalidInput)
		}
		// An upload descriptor may be sent more than once; each message owns its own record.
		a.ID = uuid.NewString()
		if a.MimeType == "" {
			a.MimeType = "application/octet-stream"
		}
		a.UploadedBy = uploaderID
		out = append(out, a)
	}
	return out, nil
}

// filterMentions keeps participants only, deduplicated and sorted.
func filterMentions(ids []int64, parts []*domain.ConversationParticipant) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range uniqueIDs(ids) {
		if findParticipant(parts, id) != nil {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
