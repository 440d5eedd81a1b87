package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"portalchat/internal/domain"
)

const (
	onlineKey     = "presence:online"
	typingKeyFmt  = "presence:typing:%d"
	typingPattern = "presence:typing:*"
)

// expireScript deletes a heartbeat only if it still holds the stale value,
// so a heartbeat that lands during a sweep is kept.
var expireScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], ARGV[1]) == ARGV[2] then
	return redis.call("HDEL", KEYS[1], ARGV[1])
end
return 0
`)

// RedisTracker shares presence between server instances. Heartbeats live in
// one hash (user id -> unix millis) and typing indicators in one hash per
// conversation. Freshness is judged with the tracker's clock, so keys only
// carry a TTL for garbage collection.
type RedisTracker struct {
	rdb  *redis.Client
	opts Options
}

var _ Tracker = (*RedisTracker)(nil)

func NewRedisTracker(rdb *redis.Client, opts Options) *RedisTracker {
	return &RedisTracker{rdb: rdb, opts: opts.withDefaults()}
}

func typingKey(conversationID int64) string {
	return fmt.Sprintf(typingKeyFmt, conversationID)
}

func field(id int64) string {
	return strconv.FormatInt(id, 10)
}

func (t *RedisTracker) SetOnline(ctx context.Context, userID int64, online bool) error {
	if online {
		return t.Heartbeat(ctx, userID)
	}
	if err := t.rdb.HDel(ctx, onlineKey, field(userID)).Err(); err != nil {
		return fmt.Errorf("redis hdel presence: %w", err)
	}
	return t.clearTyping(ctx, userID)
}

// clearTyping removes the user's indicator from every conversation.
func (t *RedisTracker) clearTyping(ctx context.Context, userID int64) error {
	iter := t.rdb.Scan(ctx, 0, typingPattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := t.rdb.HDel(ctx, iter.Val(), field(userID)).Err(); err != nil {
			return fmt.Errorf("redis hdel typing: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan typing: %w", err)
	}
	return nil
}

func (t *RedisTracker) Expire(ctx context.Context) ([]int64, error) {
	all, err := t.rdb.HGetAll(ctx, onlineKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall presence: %w", err)
	}
	now := t.opts.Now()
	var gone []int64
	for f, v := range all {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err == nil && fresh(time.UnixMilli(ms), now, t.opts.PresenceTTL) {
			continue
		}
		n, err := expireScript.Run(ctx, t.rdb, []string{onlineKey}, f, v).Int()
		if err != nil {
			return gone, fmt.Errorf("redis expire presence: %w", err)
		}
		id, err := strconv.ParseInt(f, 10, 64)
		if n == 0 || err != nil {
			continue
		}
		if err := t.clearTyping(ctx, id); err != nil {
			return gone, err
		}
		gone = append(gone, id)
	}
	sortIDs(gone)
	return gone, nil
}

func (t *RedisTracker) Heartbeat(ctx context.Context, userID int64) error {
	now := t.opts.Now().UnixMilli()
	if err := t.rdb.HSet(ctx, onlineKey, field(userID), now).Err(); err != nil {
		return fmt.Errorf("redis hset presence: %w", err)
	}
	return nil
}

func (t *RedisTracker) IsOnline(ctx context.Context, userID int64) (bool, error) {
	v, err := t.rdb.HGet(ctx, onlineKey, field(userID)).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis hget presence: %w", err)
	}
	return fresh(time.UnixMilli(v), t.opts.Now(), t.opts.PresenceTTL), nil
}

func (t *RedisTracker) OnlineUsers(ctx context.Context) ([]int64, error) {
	all, err := t.rdb.HGetAll(ctx, onlineKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall presence: %w", err)
	}
	now := t.opts.Now()
	ids := make([]int64, 0, len(all))
	for f, v := range all {
		id, err1 := strconv.ParseInt(f, 10, 64)
		ms, err2 := strconv.ParseInt(v, 10, 64)
		if err1 == nil && err2 == nil && fresh(time.UnixMilli(ms), now, t.opts.PresenceTTL) {
			ids = append(ids, id)
		}
	}
	sortIDs(ids)
	return ids, nil
}

func (t *RedisTracker) StartTyping(ctx context.Context, conversationID, userID int64, displayName string) (domain.TypingIndicator, error) {
	ind := domain.TypingIndicator{
		ConversationID: conversationID,
		UserID:         userID,
		DisplayName:    displayName,
		Timestamp:      t.opts.Now().UTC(),
	}
	raw, err := json.Marshal(ind)
	if err != nil {
		return ind, err
	}
	key := typingKey(conversationID)
	_, err = t.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, field(userID), raw)
		pipe.Expire(ctx, key, 2*t.opts.TypingTTL)
		return nil
	})
	if err != nil {
		return ind, fmt.Errorf("redis start typing: %w", err)
	}
	return ind, nil
}

func (t *RedisTracker) StopTyping(ctx context.Context, conversationID, userID int64) (bool, error) {
	key := typingKey(conversationID)
	raw, err := t.rdb.HGet(ctx, key, field(userID)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis hget typing: %w", err)
	}
	if err := t.rdb.HDel(ctx, key, field(userID)).Err(); err != nil {
		return false, fmt.Errorf("redis hdel typing: %w", err)
	}
	var ind domain.TypingIndicator
	if err := json.Unmarshal(raw, &ind); err != nil {
		return false, nil
	}
	return fresh(ind.Timestamp, t.opts.Now(), t.opts.TypingTTL), nil
}

func (t *RedisTracker) TypingUsers(ctx context.Context, conversationID, excludingUserID int64) ([]domain.TypingIndicator, error) {
	key := typingKey(conversationID)
	all, err := t.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall typing: %w", err)
	}
	now := t.opts.Now()
	out := make([]domain.TypingIndicator, 0, len(all))
	var stale []string
	for f, v := range all {
		var ind domain.TypingIndicator
		if err := json.Unmarshal([]byte(v), &ind); err != nil || !fresh(ind.Timestamp, now, t.opts.TypingTTL) {
			stale = append(stale, f)
			continue
		}
		if ind.UserID == excludingUserID {
			continue
		}
		out = append(out, ind)
	}
	if len(stale) > 0 {
		t.rdb.HDel(ctx, key, stale...)
	}
	sortIndicators(out)
	return out, nil
}
