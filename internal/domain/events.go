package domain

import "time"

// EventType names a server-to-client event.
type EventType string

const (
	EventAck                 EventType = "ack"
	EventError               EventType = "error"
	EventMessageCreated      EventType = "message_created"
	EventMessageEdited       EventType = "message_edited"
	EventMessageDeleted      EventType = "message_deleted"
	EventReactionAdded       EventType = "reaction_added"
	EventReactionRemoved     EventType = "reaction_removed"
	EventMessagesRead        EventType = "messages_read"
	EventTyping              EventType = "typing"
	EventUserOnline          EventType = "user_online"
	EventUserOffline         EventType = "user_offline"
	EventConversationCreated EventType = "conversation_created"
	EventParticipantsChanged EventType = "participants_changed"
)

// Event is a state change to deliver to connected users.
type Event struct {
	Type    EventType
	Payload any
}

// Notifier fans events out to every live connection of the given users.
// Delivery is best effort: users without connections are skipped.
type Notifier interface {
	Publish(userIDs []int64, ev Event)
}

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) Publish([]int64, Event) {}

type ReactionEvent struct {
	ConversationID int64    `json:"conversation_id"`
	MessageID      int64    `json:"message_id"`
	Reaction       Reaction `json:"reaction"`
}

type ReadEvent struct {
	ConversationID int64 `json:"conversation_id"`
	UserID         int64 `json:"user_id"`
	LastReadSeq    int64 `json:"last_read_seq"`
	MessageID      int64 `json:"message_id"`
}

type TypingEvent struct {
	ConversationID int64             `json:"conversation_id"`
	UserID         int64             `json:"user_id"`
	IsTyping       bool              `json:"is_typing"`
	Users          []TypingIndicator `json:"users"`
	Text           string            `json:"text"`
}

type PresenceEvent struct {
	UserID   int64     `json:"user_id"`
	IsOnline bool      `json:"is_online"`
	LastSeen time.Time `json:"last_seen"`
}

type ParticipantsEvent struct {
	ConversationID int64   `json:"conversation_id"`
	Added          []int64 `json:"added,omitempty"`
	Removed        []int64 `json:"removed,omitempty"`
	Participants   []int64 `json:"participants"`
}
