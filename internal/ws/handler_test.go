package ws_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portalchat/internal/domain"
	"portalchat/internal/logger"
	"portalchat/internal/presence"
	"portalchat/internal/security"
	"portalchat/internal/service"
	"portalchat/internal/store/sqlite"
	"portalchat/internal/store/sqlstore"
	"portalchat/internal/ws"
)

type stack struct {
	hub     *ws.Hub
	gateway *ws.Gateway
	auth    *service.AuthService
	convs   *service.ConversationService
	tracker presence.Tracker
}

type stackConfig struct {
	presence presence.Options
	gateway  ws.GatewayOptions
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newStack(t *testing.T, opts ...func(*stackConfig)) *stack {
	t.Helper()
	cfg := stackConfig{gateway: ws.GatewayOptions{CommandTimeout: 5 * time.Second}}
	for _, o := range opts {
		o(&cfg)
	}
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, sqlite.Migrate(db))
	t.Cleanup(func() { db.Close() })

	log := logger.Nop()
	repos := sqlstore.NewRepositories(sqlstore.Wrap(db, sqlstore.SQLite, log))
	cipher, err := security.NewEncryptor([]byte("ws-test-key"), nil)
	require.NoError(t, err)
	tracker := presence.NewMemoryTracker(cfg.presence)
	hub := ws.NewHub(log)
	locks := service.NewConversationLocks()

	auth := service.NewAuthService(repos.Users, security.NewTokenService("secret", time.Hour, 24*time.Hour), security.NewPasswordHasher(4), log)
	users := service.NewUserService(repos.Users, repos.Conversations, tracker, hub, log)
	convs := service.NewConversationService(repos.Conversations, repos.Users, repos.Messages, locks, hub, cipher, log)
	msgs := service.NewMessageService(repos.Messages, repos.Conversations, repos.Users, locks, hub, cipher, log, service.MessageConfig{})
	typing := service.NewTypingService(repos.Conversations, repos.Users, tracker, hub, log)

	return &stack{
		hub:     hub,
		gateway: ws.NewGateway(hub, auth, users, msgs, typing, log, cfg.gateway),
		auth:    auth,
		convs:   convs,
		tracker: tracker,
	}
}

func (s *stack) login(t *testing.T, username string) (int64, string) {
	t.Helper()
	ctx := context.Background()
	_, err := s.auth.Register(ctx, service.RegisterInput{Username: username, Password: "Password1!"})
	require.NoError(t, err)
	resp, err := s.auth.Login(ctx, service.LoginInput{Username: username, Password: "Password1!"})
	require.NoError(t, err)
	return resp.User.ID, resp.AccessToken
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

type frame struct {
	Type      domain.EventType `json:"type"`
	RequestID string           `json:"requestId"`
	Payload   json.RawMessage  `json:"payload"`
}

func readUntil(t *testing.T, conn *websocket.Conn, want domain.EventType) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var f frame
		require.NoError(t, conn.ReadJSON(&f))
		if f.Type == want {
			return f
		}
	}
}

func TestGatewayRoundTrip(t *testing.T) {
	s := newStack(t)
	alice, aliceToken := s.login(t, "alice")
	bob, bobToken := s.login(t, "bob")
	conv, _, err := s.convs.Create(context.Background(), alice, service.CreateConversationInput{
		Type: domain.ConversationDirect, ParticipantIDs: []int64{bob},
	})
	require.NoError(t, err)

	srv := httptest.NewServer(s.gateway)
	defer srv.Close()

	aliceConn := dial(t, srv, aliceToken)
	bobConn := dial(t, srv, bobToken)
	require.Eventually(t, func() bool { return s.hub.ConnectionCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, aliceConn.WriteJSON(map[string]any{
		"type":      "send_message",
		"requestId": "r1",
		"payload":   map[string]any{"conversation_id": conv.ID, "content": "hello bob"},
	}))

	ack := readUntil(t, aliceConn, domain.EventAck)
	assert.Equal(t, "r1", ack.RequestID)
	var sent domain.Message
	require.NoError(t, json.Unmarshal(ack.Payload, &sent))
	assert.Equal(t, "hello bob", sent.Content)
	assert.Equal(t, int64(1), sent.Seq)

	created := readUntil(t, bobConn, domain.EventMessageCreated)
	var got domain.Message
	require.NoError(t, json.Unmarshal(created.Payload, &got))
	assert.Equal(t, sent.ID, got.ID)

	require.NoError(t, bobConn.WriteJSON(map[string]any{
		"type":      "mark_read",
		"requestId": "r2",
		"payload":   map[string]any{"conversation_id": conv.ID},
	}))
	read := readUntil(t, aliceConn, domain.EventMessagesRead)
	var receipt domain.ReadEvent
	require.NoError(t, json.Unmarshal(read.Payload, &receipt))
	assert.Equal(t, bob, receipt.UserID)
	assert.Equal(t, int64(1), receipt.LastReadSeq)
}

func TestPongKeepsUserOnline(t *testing.T) {
	clk := &clock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	s := newStack(t, func(c *stackConfig) {
		c.presence.Now = clk.Now
		c.gateway.PingInterval = 20 * time.Millisecond
	})
	aliceID, token := s.login(t, "alice")

	srv := httptest.NewServer(s.gateway)
	defer srv.Close()
	conn := dial(t, srv, token)
	// Reading lets the client answer pings.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ctx := context.Background()
	require.Eventually(t, func() bool {
		ok, _ := s.tracker.IsOnline(ctx, aliceID)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	clk.Advance(presence.DefaultPresenceTTL + time.Second)
	online, err := s.tracker.IsOnline(ctx, aliceID)
	require.NoError(t, err)
	require.False(t, online)

	// The next pong refreshes presence without any client command.
	require.Eventually(t, func() bool {
		ok, _ := s.tracker.IsOnline(ctx, aliceID)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGatewayRejectsMissingToken(t *testing.T) {
	s := newStack(t)
	srv := httptest.NewServer(s.gateway)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandleErrors(t *testing.T) {
	s := newStack(t)
	alice, _ := s.login(t, "alice")
	bob, _ := s.login(t, "bob")
	eve, _ := s.login(t, "eve")
	conv, _, err := s.convs.Create(context.Background(), alice, service.CreateConversationInput{
		Type: domain.ConversationDirect, ParticipantIDs: []int64{bob},
	})
	require.NoError(t, err)
	ctx := context.Background()

	code := func(reply ws.ServerMessage) string {
		require.Equal(t, domain.EventError, reply.Type)
		return reply.Payload.(ws.ErrorPayload).Code
	}

	assert.Equal(t, "invalid_input", code(s.gateway.Handle(ctx, alice, []byte(`{not json`))))
	assert.Equal(t, "invalid_input", code(s.gateway.Handle(ctx, alice, []byte(`{"type":"teleport","payload":{}}`))))

	cmd := func(typ string, payload any) []byte {
		b, err := json.Marshal(map[string]any{"type": typ, "requestId": "x", "payload": payload})
		require.NoError(t, err)
		return b
	}
	assert.Equal(t, "forbidden", code(s.gateway.Handle(ctx, eve, cmd("send_message", map[string]any{"conversation_id": conv.ID, "content": "hi"}))))
	assert.Equal(t, "empty_message", code(s.gateway.Handle(ctx, alice, cmd("send_message", map[string]any{"conversation_id": conv.ID, "content": " "}))))
	assert.Equal(t, "not_found", code(s.gateway.Handle(ctx, alice, cmd("edit_message", map[string]any{"message_id": 404, "content": "x"}))))

	reply := s.gateway.Handle(ctx, alice, cmd("heartbeat", map[string]any{}))
	assert.Equal(t, domain.EventAck, reply.Type)
	assert.Equal(t, "x", reply.RequestID)
}
