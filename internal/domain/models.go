package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Role is the portal role of a user.
type Role string

const (
	RoleStudent   Role = "student"
	RoleMentor    Role = "mentor"
	RoleCompany   Role = "company"
	RoleOrganizer Role = "organizer"
	RoleAdmin     Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleMentor, RoleCompany, RoleOrganizer, RoleAdmin:
		return true
	}
	return false
}

// CanModerate reports whether the role may delete other users' messages.
func (r Role) CanModerate() bool {
	return r == RoleAdmin || r == RoleOrganizer
}

// User represents an application user.
type User struct {
	ID             int64     `db:"id" json:"id"`
	Username       string    `db:"username" json:"username"`
	DisplayName    string    `db:"display_name" json:"display_name"`
	Email          *string   `db:"email" json:"email,omitempty"`
	HashedPassword string    `db:"hashed_password" json:"-"`
	Role           Role      `db:"role" json:"role"`
	AvatarURL      *string   `db:"avatar_url" json:"avatar_url,omitempty"`
	Status         *string   `db:"status" json:"status,omitempty"`
	Timezone       *string   `db:"timezone" json:"timezone,omitempty"`
	Locale         *string   `db:"locale" json:"locale,omitempty"`
	IsActive       bool      `db:"is_active" json:"is_active"`
	IsOnline       bool      `db:"is_online" json:"is_online"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	LastSeen       time.Time `db:"last_seen" json:"last_seen"`
}

// Name returns the name shown to other users.
func (u *User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

// ConversationType classifies a conversation by what spawned it.
type ConversationType string

const (
	ConversationDirect     ConversationType = "direct"
	ConversationGroup      ConversationType = "group"
	ConversationProject    ConversationType = "project"
	ConversationMentorship ConversationType = "mentorship"
	ConversationEvent      ConversationType = "event"
	ConversationClass      ConversationType = "class"
	ConversationHackathon  ConversationType = "hackathon"
	ConversationCompany    ConversationType = "company"
)

func (t ConversationType) Valid() bool {
	switch t {
	case ConversationDirect, ConversationGroup, ConversationProject, ConversationMentorship,
		ConversationEvent, ConversationClass, ConversationHackathon, ConversationCompany:
		return true
	}
	return false
}

// ConversationMetadata links a conversation to the portal entity it belongs to.
// It is stored as a JSON document.
type ConversationMetadata struct {
	ProjectID       *string `json:"project_id,omitempty"`
	HackathonID     *string `json:"hackathon_id,omitempty"`
	MentorID        *string `json:"mentor_id,omitempty"`
	TeamID          *string `json:"team_id,omitempty"`
	EventID         *string `json:"event_id,omitempty"`
	ClassID         *string `json:"class_id,omitempty"`
	CompanyID       *string `json:"company_id,omitempty"`
	Description     *string `json:"description,omitempty"`
	AvatarURL       *string `json:"avatar_url,omitempty"`
	MaxParticipants *int    `json:"max_participants,omitempty"`
	IsPublic        bool    `json:"is_public,omitempty"`
	InviteCode      *string `json:"invite_code,omitempty"`
}

func (m ConversationMetadata) Value() (driver.Value, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *ConversationMetadata) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = ConversationMetadata{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("conversation metadata: unsupported type %T", src)
	}
	if len(raw) == 0 {
		*m = ConversationMetadata{}
		return nil
	}
	return json.Unmarshal(raw, m)
}

// Conversation represents a chat conversation shared by its participants.
type Conversation struct {
	ID            int64                `db:"id" json:"id"`
	Name          *string              `db:"name" json:"name,omitempty"`
	Type          ConversationType     `db:"type" json:"type"`
	CreatedBy     int64                `db:"created_by" json:"created_by"`
	IsEncrypted   bool                 `db:"is_encrypted" json:"is_encrypted"`
	LastSeq       int64                `db:"last_seq" json:"-"`
	LastMessageID *int64               `db:"last_message_id" json:"last_message_id,omitempty"`
	LastMessageAt *time.Time           `db:"last_message_at" json:"last_message_at,omitempty"`
	Metadata      ConversationMetadata `db:"metadata" json:"metadata"`
	CreatedAt     time.Time            `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time            `db:"updated_at" json:"updated_at"`
}

// ConversationParticipant is the membership of a user in a conversation,
// including the settings that only that user sees.
type ConversationParticipant struct {
	ConversationID int64     `db:"conversation_id" json:"conversation_id"`
	UserID         int64     `db:"user_id" json:"user_id"`
	JoinedAt       time.Time `db:"joined_at" json:"joined_at"`
	IsPinned       bool      `db:"is_pinned" json:"is_pinned"`
	IsMuted        bool      `db:"is_muted" json:"is_muted"`
	IsArchived     bool      `db:"is_archived" json:"is_archived"`
	LastReadSeq    int64     `db:"last_read_seq" json:"last_read_seq"`
	UnreadCount    int       `db:"unread_count" json:"unread_count"`
}

// ConversationFlag names a per-viewer boolean setting.
type ConversationFlag string

const (
	FlagPinned   ConversationFlag = "pinned"
	FlagMuted    ConversationFlag = "muted"
	FlagArchived ConversationFlag = "archived"
)

func (f ConversationFlag) Valid() bool {
	return f == FlagPinned || f == FlagMuted || f == FlagArchived
}

// ConversationSettings is the patchable view of a participant's flags.
type ConversationSettings struct {
	Pinned   bool `json:"pinned"`
	Muted    bool `json:"muted"`
	Archived bool `json:"archived"`
}

// ConversationView is a conversation as seen by one participant.
type ConversationView struct {
	*Conversation
	DisplayName  string   `json:"display_name"`
	Participants []*User  `json:"participants"`
	LastMessage  *Message `json:"last_message,omitempty"`
	UnreadCount  int      `json:"unread_count"`
	IsPinned     bool     `json:"is_pinned"`
	IsMuted      bool     `json:"is_muted"`
	IsArchived   bool     `json:"is_archived"`
}

// MessageType tells clients how to render a message and which metadata it carries.
type MessageType string

const (
	MessageText         MessageType = "text"
	MessageImage        MessageType = "image"
	MessageVideo        MessageType = "video"
	MessageDocument     MessageType = "document"
	MessageCode         MessageType = "code"
	MessageVoice        MessageType = "voice"
	MessageFile         MessageType = "file"
	MessagePoll         MessageType = "poll"
	MessageSystem       MessageType = "system"
	MessageAnnouncement MessageType = "announcement"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageVideo, MessageDocument, MessageCode,
		MessageVoice, MessageFile, MessagePoll, MessageSystem, MessageAnnouncement:
		return true
	}
	return false
}

// Message represents a single chat message. Deleted messages are kept as
// tombstones with empty content so that ordering and reply chains survive.
type Message struct {
	ID             int64           `json:"id"`
	ConversationID int64           `json:"conversation_id"`
	Seq            int64           `json:"seq"`
	SenderID       int64           `json:"sender_id"`
	Type           MessageType     `json:"type"`
	Content        string          `json:"content"`
	ReplyToID      *int64          `json:"reply_to_id,omitempty"`
	ThreadID       *int64          `json:"thread_id,omitempty"`
	Metadata       MessageMetadata `json:"metadata,omitempty"`
	IsEncrypted    bool            `json:"is_encrypted"`
	ClientKey      *string         `json:"client_key,omitempty"`
	CreatedAt      time.Time       `json:"timestamp"`
	EditedAt       *time.Time      `json:"edited_at,omitempty"`
	IsEdited       bool            `json:"is_edited"`
	IsDeleted      bool            `json:"is_deleted"`
	IsRead         bool            `json:"is_read"`
	Reactions      []Reaction      `json:"reactions"`
	Mentions       []int64         `json:"mentions"`
	Attachments    []Attachment    `json:"attachments"`
}

// Reaction is one user's emoji on a message. (Emoji, UserID) is unique per message.
type Reaction struct {
	MessageID int64     `db:"message_id" json:"-"`
	Emoji     string    `db:"emoji" json:"emoji"`
	UserID    int64     `db:"user_id" json:"user_id"`
	CreatedAt time.Time `db:"created_at" json:"timestamp"`
}

// AttachmentType classifies an uploaded file.
type AttachmentType string

const (
	AttachmentImage    AttachmentType = "image"
	AttachmentVideo    AttachmentType = "video"
	AttachmentDocument AttachmentType = "document"
	AttachmentAudio    AttachmentType = "audio"
	AttachmentCode     AttachmentType = "code"
	AttachmentOther    AttachmentType = "other"
)

func (t AttachmentType) Valid() bool {
	switch t {
	case AttachmentImage, AttachmentVideo, AttachmentDocument, AttachmentAudio, AttachmentCode, AttachmentOther:
		return true
	}
	return false
}

// Attachment is immutable once stored; a re-upload creates a new record.
type Attachment struct {
	ID           string         `db:"id" json:"id"`
	MessageID    int64          `db:"message_id" json:"-"`
	Filename     string         `db:"filename" json:"filename"`
	Type         AttachmentType `db:"type" json:"type"`
	URL          string         `db:"url" json:"url"`
	SizeBytes    int64          `db:"size_bytes" json:"size"`
	MimeType     string         `db:"mime_type" json:"mime_type"`
	ThumbnailURL *string        `db:"thumbnail_url" json:"thumbnail_url,omitempty"`
	DownloadURL  *string        `db:"download_url" json:"download_url,omitempty"`
	Version      *int           `db:"version" json:"version,omitempty"`
	IsEncrypted  bool           `db:"is_encrypted" json:"is_encrypted"`
	Checksum     *string        `db:"checksum" json:"checksum,omitempty"`
	UploadedBy   int64          `db:"uploaded_by" json:"uploaded_by"`
	UploadedAt   time.Time      `db:"uploaded_at" json:"uploaded_at"`
}

// TypingIndicator is the ephemeral signal that a user is composing a message.
type TypingIndicator struct {
	ConversationID int64     `json:"conversation_id"`
	UserID         int64     `json:"user_id"`
	DisplayName    string    `json:"display_name"`
	Timestamp      time.Time `json:"timestamp"`
}

// PageRequest selects a window of a conversation's log by sequence number.
// Before and After are exclusive; zero means unset.
type PageRequest struct {
	Before int64
	After  int64
	Limit  int
}

// MessagePage is an ascending window of messages plus cursors to continue from.
type MessagePage struct {
	Messages   []*Message `json:"messages"`
	HasMore    bool       `json:"has_more"`
	NextBefore int64      `json:"next_before,omitempty"`
	NextAfter  int64      `json:"next_after,omitempty"`
}
