package service

import (
	"context"
	"time"

	"portalchat/internal/domain"
	"portalchat/internal/logger"
	"portalchat/internal/presence"
)

// UserService serves user lookups and online presence.
type UserService struct {
	users         domain.UserRepository
	conversations domain.ConversationRepository
	tracker       presence.Tracker
	notifier      domain.Notifier
	log           logger.Logger
	now           func() time.Time
}

func NewUserService(
	users domain.UserRepository,
	conversations domain.ConversationRepository,
	tracker presence.Tracker,
	notifier domain.Notifier,
	log logger.Logger,
) *UserService {
	return &UserService{
		users:         users,
		conversations: conversations,
		tracker:       tracker,
		notifier:      notifier,
		log:           log,
		now:           time.Now,
	}
}

func (s *UserService) GetByID(ctx context.Context, id int64) (*domain.User, error) {
	u, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if online, err := s.tracker.IsOnline(ctx, id); err == nil {
		u.IsOnline = online
	}
	return u, nil
}

// ListOnline returns users with a fresh heartbeat.
func (s *UserService) ListOnline(ctx context.Context) ([]*domain.User, error) {
	ids, err := s.tracker.OnlineUsers(ctx)
	if err != nil {
		return nil, err
	}
	users, err := s.users.ListByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		u.IsOnline = true
	}
	return users, nil
}

// SetOnline records a presence transition and tells the user's contacts.
func (s *UserService) SetOnline(ctx context.Context, userID int64, online bool) error {
	if err := s.tracker.SetOnline(ctx, userID, online); err != nil {
		return err
	}
	return s.announce(ctx, userID, online)
}

// Heartbeat refreshes presence. A user whose presence had lapsed comes back
// online and their contacts are told.
func (s *UserService) Heartbeat(ctx context.Context, userID int64) error {
	online, err := s.tracker.IsOnline(ctx, userID)
	if err != nil {
		return err
	}
	if !online {
		return s.SetOnline(ctx, userID, true)
	}
	return s.tracker.Heartbeat(ctx, userID)
}

// ExpirePresence takes users whose heartbeat lapsed offline and returns
// how many there were.
func (s *UserService) ExpirePresence(ctx context.Context) (int, error) {
	gone, err := s.tracker.Expire(ctx)
	for _, id := range gone {
		if err := s.announce(ctx, id, false); err != nil {
			s.log.Warn("expire presence", "user_id", id, "error", err)
		}
	}
	return len(gone), err
}

// RunPresenceSweep calls ExpirePresence every interval until ctx ends.
func (s *UserService) RunPresenceSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.ExpirePresence(ctx)
			if err != nil {
				s.log.Warn("presence sweep", "error", err)
			}
			if n > 0 {
				s.log.Debug("presence expired", "users", n)
			}
		}
	}
}

func (s *UserService) announce(ctx context.Context, userID int64, online bool) error {
	now := s.now().UTC()
	if err := s.users.SetOnlineStatus(ctx, userID, online, now); err != nil {
		return err
	}

	contacts, err := s.conversations.ListContactIDs(ctx, userID)
	if err != nil {
		s.log.Warn("list contacts for presence", "user_id", userID, "error", err)
		return nil
	}
	ev := domain.Event{Type: domain.EventUserOffline}
	if online {
		ev.Type = domain.EventUserOnline
	}
	ev.Payload = domain.PresenceEvent{UserID: userID, IsOnline: online, LastSeen: now}
	s.notifier.Publish(contacts, ev)
	return nil
}
