package domain

import (
	"context"
	"time"
)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id int64) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	ListByIDs(ctx context.Context, ids []int64) ([]*User, error)
	SetOnlineStatus(ctx context.Context, id int64, isOnline bool, at time.Time) error
}

// UserConversation pairs a conversation with one member's settings for it.
type UserConversation struct {
	Conversation *Conversation
	Participant  *ConversationParticipant
}

// ConversationRepository defines persistence operations for conversations
// and their membership.
type ConversationRepository interface {
	Create(ctx context.Context, c *Conversation, participantIDs []int64) error
	GetByID(ctx context.Context, id int64) (*Conversation, error)
	FindDirect(ctx context.Context, userA, userB int64) (*Conversation, error)
	ListForUser(ctx context.Context, userID int64) ([]UserConversation, error)
	GetParticipant(ctx context.Context, conversationID, userID int64) (*ConversationParticipant, error)
	ListParticipants(ctx context.Context, conversationID int64) ([]*ConversationParticipant, error)
	UpdateSettings(ctx context.Context, conversationID, userID int64, s ConversationSettings) error
	AddParticipants(ctx context.Context, conversationID int64, userIDs []int64, at time.Time) error
	RemoveParticipant(ctx context.Context, conversationID, userID int64, at time.Time) error
	// ListContactIDs returns every user sharing at least one conversation with userID.
	ListContactIDs(ctx context.Context, userID int64) ([]int64, error)
}

// MessageRepository defines persistence operations for the per-conversation
// message log and its unread accounting.
type MessageRepository interface {
	// Append stores m as the next message of its conversation. It assigns
	// ID, Seq and CreatedAt, moves the conversation's last-message pointer and
	// increments unread counts of every other participant, all atomically.
	// If m.ClientKey matches an earlier message from the same sender, m is
	// filled from the stored message and created is false.
	Append(ctx context.Context, m *Message, now time.Time) (created bool, err error)
	GetByID(ctx context.Context, id int64) (*Message, error)
	GetManyByIDs(ctx context.Context, ids []int64) ([]*Message, error)
	UpdateContent(ctx context.Context, id int64, content string, editedAt time.Time) error
	Tombstone(ctx context.Context, id int64) error
	AddReaction(ctx context.Context, r Reaction) (added bool, err error)
	RemoveReaction(ctx context.Context, messageID, userID int64, emoji string) (removed bool, err error)
	List(ctx context.Context, conversationID int64, page PageRequest) ([]*Message, bool, error)
	// MarkRead advances the reader's cursor to throughSeq and recounts their
	// unread messages. A cursor at or behind the stored one leaves state as is.
	MarkRead(ctx context.Context, conversationID, userID, throughSeq int64) (advanced bool, unread int, err error)
}
