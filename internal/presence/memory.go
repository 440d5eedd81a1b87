package presence

import (
	"context"
	"sync"
	"time"

	"portalchat/internal/domain"
)

// MemoryTracker keeps presence in process. Lapsed heartbeats stay until
// Expire reports them; stale typing indicators are dropped on read.
type MemoryTracker struct {
	opts Options

	mu     sync.Mutex
	seen   map[int64]time.Time
	typing map[int64]map[int64]domain.TypingIndicator
}

var _ Tracker = (*MemoryTracker)(nil)

func NewMemoryTracker(opts Options) *MemoryTracker {
	return &MemoryTracker{
		opts:   opts.withDefaults(),
		seen:   make(map[int64]time.Time),
		typing: make(map[int64]map[int64]domain.TypingIndicator),
	}
}

func (t *MemoryTracker) SetOnline(_ context.Context, userID int64, online bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if online {
		t.seen[userID] = t.opts.Now()
		return nil
	}
	delete(t.seen, userID)
	t.clearTyping(userID)
	return nil
}

func (t *MemoryTracker) clearTyping(userID int64) {
	for convID, users := range t.typing {
		delete(users, userID)
		if len(users) == 0 {
			delete(t.typing, convID)
		}
	}
}

func (t *MemoryTracker) Expire(_ context.Context) ([]int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.opts.Now()
	var gone []int64
	for id, at := range t.seen {
		if fresh(at, now, t.opts.PresenceTTL) {
			continue
		}
		delete(t.seen, id)
		t.clearTyping(id)
		gone = append(gone, id)
	}
	sortIDs(gone)
	return gone, nil
}

func (t *MemoryTracker) Heartbeat(ctx context.Context, userID int64) error {
	return t.SetOnline(ctx, userID, true)
}

func (t *MemoryTracker) IsOnline(_ context.Context, userID int64) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.seen[userID]
	return ok && fresh(at, t.opts.Now(), t.opts.PresenceTTL), nil
}

func (t *MemoryTracker) OnlineUsers(_ context.Context) ([]int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.opts.Now()
	ids := make([]int64, 0, len(t.seen))
	for id, at := range t.seen {
		if fresh(at, now, t.opts.PresenceTTL) {
			ids = append(ids, id)
		}
	}
	sortIDs(ids)
	return ids, nil
}

func (t *MemoryTracker) StartTyping(_ context.Context, conversationID, userID int64, displayName string) (domain.TypingIndicator, error) {
	ind := domain.TypingIndicator{
		ConversationID: conversationID,
		UserID:         userID,
		DisplayName:    displayName,
		Timestamp:      t.opts.Now().UTC(),
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	users, ok := t.typing[conversationID]
	if !ok {
		users = make(map[int64]domain.TypingIndicator)
		t.typing[conversationID] = users
	}
	users[userID] = ind
	return ind, nil
}

func (t *MemoryTracker) StopTyping(_ context.Context, conversationID, userID int64) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	users, ok := t.typing[conversationID]
	if !ok {
		return false, nil
	}
	ind, ok := users[userID]
	if !ok {
		return false, nil
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(t.typing, conversationID)
	}
	return fresh(ind.Timestamp, t.opts.Now(), t.opts.TypingTTL), nil
}

func (t *MemoryTracker) TypingUsers(_ context.Context, conversationID, excludingUserID int64) ([]domain.TypingIndicator, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.opts.Now()
	users := t.typing[conversationID]
	out := make([]domain.TypingIndicator, 0, len(users))
	for uid, ind := range users {
		if !fresh(ind.Timestamp, now, t.opts.TypingTTL) {
			delete(users, uid)
			continue
		}
		if uid == excludingUserID {
			continue
		}
		out = append(out, ind)
	}
	if len(users) == 0 {
		delete(t.typing, conversationID)
	}
	sortIndicators(out)
	return out, nil
}
