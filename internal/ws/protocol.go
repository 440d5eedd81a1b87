package ws

import (
	"encoding/json"
	"time"

	"portalchat/internal/domain"
)

// CommandType names a client-to-server command.
type CommandType string

const (
	CmdSendMessage    CommandType = "send_message"
	CmdEditMessage    CommandType = "edit_message"
	CmdDeleteMessage  CommandType = "delete_message"
	CmdAddReaction    CommandType = "add_reaction"
	CmdRemoveReaction CommandType = "remove_reaction"
	CmdMarkRead       CommandType = "mark_read"
	CmdTypingStart    CommandType = "typing_start"
	CmdTypingStop     CommandType = "typing_stop"
	CmdHeartbeat      CommandType = "heartbeat"
)

// ClientMessage is the envelope of every inbound frame.
type ClientMessage struct {
	Type      CommandType     `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// ServerMessage is the envelope of every outbound frame.
type ServerMessage struct {
	Type      domain.EventType `json:"type"`
	RequestID string           `json:"requestId,omitempty"`
	Payload   any              `json:"payload,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type SendMessagePayload struct {
	ConversationID int64               `json:"conversation_id"`
	Content        string              `json:"content"`
	Type           domain.MessageType  `json:"type"`
	Attachments    []domain.Attachment `json:"attachments"`
	ReplyToID      *int64              `json:"reply_to_id"`
	ThreadID       *int64              `json:"thread_id"`
	Mentions       []int64             `json:"mentions"`
	Metadata       json.RawMessage     `json:"metadata"`
	ClientKey      *string             `json:"client_key"`
}

type EditMessagePayload struct {
	MessageID int64  `json:"message_id"`
	Content   string `json:"content"`
}

type MessageRefPayload struct {
	MessageID int64 `json:"message_id"`
}

type ReactionPayload struct {
	MessageID int64  `json:"message_id"`
	Emoji     string `json:"emoji"`
}

type MarkReadPayload struct {
	ConversationID int64 `json:"conversation_id"`
	MessageID      int64 `json:"message_id"`
}

type ConversationRefPayload struct {
	ConversationID int64 `json:"conversation_id"`
}

func encode(msg ServerMessage) ([]byte, error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return json.Marshal(msg)
}
