package service

import (
	"context"

	"portalchat/internal/domain"
	"portalchat/internal/logger"
	"portalchat/internal/presence"
)

type TypingState struct {
	ConversationID int64                    `json:"conversation_id"`
	Users          []domain.TypingIndicator `json:"users"`
	Text           string                   `json:"text"`
}

// TypingService relays typing indicators to the other members of a conversation.
type TypingService struct {
	conversations domain.ConversationRepository
	users         domain.UserRepository
	tracker       presence.Tracker
	notifier      domain.Notifier
	log           logger.Logger
}

func NewTypingService(
	conversations domain.ConversationRepository,
	users domain.UserRepository,
	tracker presence.Tracker,
	notifier domain.Notifier,
	log logger.Logger,
) *TypingService {
	return &TypingService{
		conversations: conversations,
		users:         users,
		tracker:       tracker,
		notifier:      notifier,
		log:           log,
	}
}

func (s *TypingService) Start(ctx context.Context, conversationID, userID int64) error {
	_, parts, err := loadMembership(ctx, s.conversations, conversationID, userID)
	if err != nil {
		return err
	}
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if _, err := s.tracker.StartTyping(ctx, conversationID, userID, u.Name()); err != nil {
		return err
	}
	return s.broadcast(ctx, conversationID, userID, true, parts)
}

// Stop clears the indicator at once. Stopping when not typing is a no-op.
func (s *TypingService) Stop(ctx context.Context, conversationID, userID int64) error {
	_, parts, err := loadMembership(ctx, s.conversations, conversationID, userID)
	if err != nil {
		return err
	}
	stopped, err := s.tracker.StopTyping(ctx, conversationID, userID)
	if err != nil || !stopped {
		return err
	}
	return s.broadcast(ctx, conversationID, userID, false, parts)
}

// List returns who is typing in the conversation, the viewer excluded.
func (s *TypingService) List(ctx context.Context, conversationID, viewerID int64) (*TypingState, error) {
	if _, _, err := loadMembership(ctx, s.conversations, conversationID, viewerID); err != nil {
		return nil, err
	}
	inds, err := s.tracker.TypingUsers(ctx, conversationID, viewerID)
	if err != nil {
		return nil, err
	}
	return &TypingState{ConversationID: conversationID, Users: inds, Text: presence.TypingText(inds)}, nil
}

// broadcast sends each other member the typing set as they see it.
func (s *TypingService) broadcast(ctx context.Context, conversationID, actorID int64, typing bool, parts []*domain.ConversationParticipant) error {
	all, err := s.tracker.TypingUsers(ctx, conversationID, 0)
	if err != nil {
		return err
	}
	for _, p := range parts {
		if p.UserID == actorID {
			continue
		}
		visible := make([]domain.TypingIndicator, 0, len(all))
		for _, ind := range all {
			if ind.UserID != p.UserID {
				visible = append(visible, ind)
			}
		}
		s.notifier.Publish([]int64{p.UserID}, domain.Event{
			Type: domain.EventTyping,
			Payload: domain.TypingEvent{
				ConversationID: conversationID,
				UserID:         actorID,
				IsTyping:       typing,
				Users:          visible,
				Text:           presence.TypingText(visible),
			},
		})
	}
	return nil
}
