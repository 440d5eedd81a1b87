package ws

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portalchat/internal/domain"
	"portalchat/internal/logger"
)

func TestHubRegisterAndPublish(t *testing.T) {
	hub := NewHub(logger.Nop())
	a1 := NewClient(1, nil, 4)
	a2 := NewClient(1, nil, 4)
	b := NewClient(2, nil, 4)

	assert.True(t, hub.Register(a1))
	assert.False(t, hub.Register(a2))
	assert.True(t, hub.Register(b))
	assert.Equal(t, 3, hub.ConnectionCount())

	hub.Publish([]int64{1}, domain.Event{Type: domain.EventUserOnline, Payload: domain.PresenceEvent{UserID: 9, IsOnline: true}})
	require.Len(t, a1.send, 1)
	require.Len(t, a2.send, 1)
	assert.Len(t, b.send, 0)

	var msg struct {
		Type    domain.EventType     `json:"type"`
		Payload domain.PresenceEvent `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(<-a1.send, &msg))
	assert.Equal(t, domain.EventUserOnline, msg.Type)
	assert.Equal(t, int64(9), msg.Payload.UserID)

	assert.False(t, hub.Unregister(a1))
	assert.True(t, hub.Unregister(a2))
	assert.False(t, hub.Online(1))
	assert.True(t, hub.Online(2))
}

func TestHubDropsSlowConnection(t *testing.T) {
	hub := NewHub(logger.Nop())
	slow := NewClient(1, nil, 1)
	hub.Register(slow)

	ev := domain.Event{Type: domain.EventTyping}
	hub.Publish([]int64{1}, ev)
	hub.Publish([]int64{1}, ev)

	select {
	case <-slow.done:
	default:
		t.Fatal("slow connection was not closed")
	}
	// Publishing to a closed connection is a no-op.
	hub.Publish([]int64{1}, ev)
	assert.Len(t, slow.send, 1)
}

func TestCheckOriginAndToken(t *testing.T) {
	check := makeCheckOrigin([]string{"https://portal.example.com"})

	r := httptest.NewRequest("GET", "/ws", nil)
	assert.True(t, check(r), "requests without Origin are not browser requests")

	r.Header.Set("Origin", "https://portal.example.com")
	assert.True(t, check(r))
	r.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(r))

	assert.True(t, makeCheckOrigin([]string{"*"})(r))

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer abc")
	assert.Equal(t, "abc", tokenFromRequest(r))

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Sec-WebSocket-Protocol", "bearer, xyz")
	assert.Equal(t, "xyz", tokenFromRequest(r))

	assert.Empty(t, tokenFromRequest(httptest.NewRequest("GET", "/ws", nil)))
}
