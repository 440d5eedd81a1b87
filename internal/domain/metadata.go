package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MessageMetadata is the type-specific payload of a message. Each variant
// belongs to a fixed set of message types, see DecodeMetadata.
type MessageMetadata interface {
	isMessageMetadata()
}

type CodeMetadata struct {
	Language string `json:"language"`
}

// FileMetadata accompanies image, video, document and file messages.
type FileMetadata struct {
	FileSize int64 `json:"file_size"`
}

type VoiceMetadata struct {
	DurationSeconds float64 `json:"duration_seconds"`
}

type PollMetadata struct {
	PollID string `json:"poll_id"`
}

type AnnouncementMetadata struct {
	Severity string `json:"severity"`
	Priority string `json:"priority,omitempty"`
}

func (CodeMetadata) isMessageMetadata()         {}
func (FileMetadata) isMessageMetadata()         {}
func (VoiceMetadata) isMessageMetadata()        {}
func (PollMetadata) isMessageMetadata()         {}
func (AnnouncementMetadata) isMessageMetadata() {}

var announcementSeverities = map[string]struct{}{
	"info":     {},
	"warning":  {},
	"critical": {},
}

// DecodeMetadata parses raw JSON metadata for a message of type t.
// Empty input yields nil metadata.
func DecodeMetadata(t MessageType, raw []byte) (MessageMetadata, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}

	var md MessageMetadata
	switch t {
	case MessageText, MessageSystem:
		return nil, fmt.Errorf("%w: %s messages carry no metadata", ErrInvalidInput, t)
	case MessageCode:
		var m CodeMetadata
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%w: code metadata: %v", ErrInvalidInput, err)
		}
		md = m
	case MessageImage, MessageVideo, MessageDocument, MessageFile:
		var m FileMetadata
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%w: file metadata: %v", ErrInvalidInput, err)
		}
		md = m
	case MessageVoice:
		var m VoiceMetadata
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%w: voice metadata: %v", ErrInvalidInput, err)
		}
		md = m
	case MessagePoll:
		var m PollMetadata
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%w: poll metadata: %v", ErrInvalidInput, err)
		}
		md = m
	case MessageAnnouncement:
		var m AnnouncementMetadata
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%w: announcement metadata: %v", ErrInvalidInput, err)
		}
		md = m
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrInvalidInput, t)
	}

	if err := ValidateMetadata(t, md); err != nil {
		return nil, err
	}
	return md, nil
}

// ValidateMetadata checks that md is the variant t expects and that its
// required fields are set. Poll messages require metadata.
func ValidateMetadata(t MessageType, md MessageMetadata) error {
	if !t.Valid() {
		return fmt.Errorf("%w: unknown message type %q", ErrInvalidInput, t)
	}
	if md == nil {
		if t == MessagePoll {
			return fmt.Errorf("%w: poll messages require a poll_id", ErrInvalidInput)
		}
		return nil
	}

	switch m := md.(type) {
	case CodeMetadata:
		if t != MessageCode {
			return mismatch(t, "code")
		}
	case FileMetadata:
		if t != MessageImage && t != MessageVideo && t != MessageDocument && t != MessageFile {
			return mismatch(t, "file")
		}
		if m.FileSize < 0 {
			return fmt.Errorf("%w: file_size must not be negative", ErrInvalidInput)
		}
	case VoiceMetadata:
		if t != MessageVoice {
			return mismatch(t, "voice")
		}
		if m.DurationSeconds < 0 {
			return fmt.Errorf("%w: duration_seconds must not be negative", ErrInvalidInput)
		}
	case PollMetadata:
		if t != MessagePoll {
			return mismatch(t, "poll")
		}
		if m.PollID == "" {
			return fmt.Errorf("%w: poll messages require a poll_id", ErrInvalidInput)
		}
	case AnnouncementMetadata:
		if t != MessageAnnouncement {
			return mismatch(t, "announcement")
		}
		if _, ok := announcementSeverities[m.Severity]; !ok {
			return fmt.Errorf("%w: unknown announcement severity %q", ErrInvalidInput, m.Severity)
		}
	default:
		return fmt.Errorf("%w: unsupported metadata %T", ErrInvalidInput, md)
	}
	return nil
}

func mismatch(t MessageType, variant string) error {
	return fmt.Errorf("%w: %s metadata on a %s message", ErrInvalidInput, variant, t)
}

// EncodeMetadata serializes md for storage. Nil metadata encodes to nil.
func EncodeMetadata(md MessageMetadata) (*string, error) {
	if md == nil {
		return nil, nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	s := string(b)
	return &s, nil
}
