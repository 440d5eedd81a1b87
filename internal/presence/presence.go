// Package presence tracks who is online and who is typing where. Nothing
// here is persisted: state lives for the configured TTLs only.
package presence

import (
	"context"
	"fmt"
	"sort"
	"time"

	"portalchat/internal/domain"
)

const (
	DefaultPresenceTTL = 30 * time.Second
	DefaultTypingTTL   = 3 * time.Second
)

// Tracker is implemented by the in-process and redis backends.
type Tracker interface {
	SetOnline(ctx context.Context, userID int64, online bool) error
	Heartbeat(ctx context.Context, userID int64) error
	IsOnline(ctx context.Context, userID int64) (bool, error)
	OnlineUsers(ctx context.Context) ([]int64, error)
	// Expire forgets users whose heartbeat lapsed, together with their typing
	// indicators, and returns them. Each lapse is reported once.
	Expire(ctx context.Context) ([]int64, error)

	// StartTyping upserts the indicator and restarts its TTL.
	StartTyping(ctx context.Context, conversationID, userID int64, displayName string) (domain.TypingIndicator, error)
	// StopTyping reports whether an active indicator was removed.
	StopTyping(ctx context.Context, conversationID, userID int64) (bool, error)
	TypingUsers(ctx context.Context, conversationID, excludingUserID int64) ([]domain.TypingIndicator, error)
}

type Options struct {
	PresenceTTL time.Duration
	TypingTTL   time.Duration
	Now         func() time.Time
}

func (o Options) withDefaults() Options {
	if o.PresenceTTL <= 0 {
		o.PresenceTTL = DefaultPresenceTTL
	}
	if o.TypingTTL <= 0 {
		o.TypingTTL = DefaultTypingTTL
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

func fresh(at, now time.Time, ttl time.Duration) bool {
	return now.Before(at.Add(ttl))
}

func sortIndicators(in []domain.TypingIndicator) {
	sort.Slice(in, func(i, j int) bool {
		if !in[i].Timestamp.Equal(in[j].Timestamp) {
			return in[i].Timestamp.Before(in[j].Timestamp)
		}
		return in[i].UserID < in[j].UserID
	})
}

func sortIDs(ids []int64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

// TypingText renders the "is typing" line for a set of active indicators.
func TypingText(indicators []domain.TypingIndicator) string {
	switch len(indicators) {
	case 0:
		return ""
	case 1:
		return fmt.Sprintf("%s is typing…", indicators[0].DisplayName)
	case 2:
		return fmt.Sprintf("%s and %s are typing…", indicators[0].DisplayName, indicators[1].DisplayName)
	default:
		return fmt.Sprintf("%d people are typing…", len(indicators))
	}
}
