package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"portalchat/internal/domain"
	"portalchat/internal/logger"
	"portalchat/internal/service"
)

type GatewayOptions struct {
	AllowedOrigins []string
	CommandTimeout time.Duration
	QueueSize      int
	// PingInterval should be well under the presence TTL: every pong
	// counts as a heartbeat.
	PingInterval time.Duration
}

// Gateway upgrades authenticated requests to websocket connections and
// executes the commands they send.
type Gateway struct {
	hub      *Hub
	auth     *service.AuthService
	users    *service.UserService
	messages *service.MessageService
	typing   *service.TypingService
	log      logger.Logger
	opts     GatewayOptions

	checkOrigin func(r *http.Request) bool
	upgrader    websocket.Upgrader
}

func NewGateway(
	hub *Hub,
	auth *service.AuthService,
	users *service.UserService,
	messages *service.MessageService,
	typing *service.TypingService,
	log logger.Logger,
	opts GatewayOptions,
) *Gateway {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 10 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = pingPeriod
	}
	g := &Gateway{
		hub:         hub,
		auth:        auth,
		users:       users,
		messages:    messages,
		typing:      typing,
		log:         log,
		opts:        opts,
		checkOrigin: makeCheckOrigin(opts.AllowedOrigins),
	}
	g.upgrader = websocket.Upgrader{
		CheckOrigin:  g.checkOrigin,
		Subprotocols: []string{"bearer"},
	}
	return g
}

func normalizeAllowedOrigins(origins []string) map[string]struct{} {
	res := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		o := strings.TrimSpace(strings.ToLower(origin))
		if o != "" {
			res[o] = struct{}{}
		}
	}
	return res
}

// makeCheckOrigin allows listed origins. Requests without an Origin header
// come from non-browser clients and are allowed.
func makeCheckOrigin(allowedOrigins []string) func(r *http.Request) bool {
	allowed := normalizeAllowedOrigins(allowedOrigins)
	_, wildcard := allowed["*"]

	return func(r *http.Request) bool {
		origin := strings.TrimSpace(strings.ToLower(r.Header.Get("Origin")))
		if origin == "" || wildcard {
			return true
		}
		if _, ok := allowed[origin]; ok {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return false
		}
		_, ok := allowed[u.Scheme+"://"+u.Host]
		return ok
	}
}

// tokenFromRequest reads "Authorization: Bearer <t>" or, for browsers that
// cannot set headers, "Sec-WebSocket-Protocol: bearer, <t>".
func tokenFromRequest(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	parts := strings.Split(r.Header.Get("Sec-WebSocket-Protocol"), ",")
	if len(parts) >= 2 && strings.EqualFold(strings.TrimSpace(parts[0]), "bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !g.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	token := tokenFromRequest(r)
	if token == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	user, err := g.auth.Authenticate(r.Context(), token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Debug("ws upgrade failed", "user_id", user.ID, "error", err)
		return
	}

	c := NewClient(user.ID, conn, g.opts.QueueSize)
	c.pingPeriod = g.opts.PingInterval
	c.onPong = func() {
		ctx, cancel := context.WithTimeout(context.Background(), g.opts.CommandTimeout)
		defer cancel()
		if err := g.users.Heartbeat(ctx, user.ID); err != nil {
			g.log.Warn("ws heartbeat", "user_id", user.ID, "error", err)
		}
	}
	if g.hub.Register(c) {
		if err := g.users.SetOnline(r.Context(), user.ID, true); err != nil {
			g.log.Warn("ws set online", "user_id", user.ID, "error", err)
		}
	}
	g.log.Debug("ws connected", "user_id", user.ID)

	go c.WritePump()
	c.ReadPump(r.Context(), func(ctx context.Context, raw []byte) {
		reply := g.Handle(ctx, user.ID, raw)
		data, err := encode(reply)
		if err != nil {
			g.log.Error("encode reply", "error", err)
			return
		}
		c.enqueue(data)
	})

	if g.hub.Unregister(c) {
		if err := g.users.SetOnline(context.Background(), user.ID, false); err != nil {
			g.log.Warn("ws set offline", "user_id", user.ID, "error", err)
		}
	}
	g.log.Debug("ws disconnected", "user_id", user.ID)
}

// Handle executes one command frame for userID under the command timeout
// and returns the ack or error for the caller.
func (g *Gateway) Handle(ctx context.Context, userID int64, raw []byte) ServerMessage {
	var in ClientMessage
	if err := json.Unmarshal(raw, &in); err != nil {
		return errorReply("", fmt.Errorf("%w: malformed frame", domain.ErrInvalidInput))
	}

	ctx, cancel := context.WithTimeout(ctx, g.opts.CommandTimeout)
	defer cancel()

	payload, err := g.exec(ctx, userID, in)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, domain.ErrTimeout) {
			err = fmt.Errorf("%w: %v", domain.ErrTimeout, err)
		}
		if domain.ErrorCode(err) == "internal" {
			g.log.Error("ws command failed", "type", in.Type, "user_id", userID, "error", err)
		}
		return errorReply(in.RequestID, err)
	}
	return ServerMessage{Type: domain.EventAck, RequestID: in.RequestID, Payload: payload, Timestamp: time.Now().UTC()}
}

func (g *Gateway) exec(ctx context.Context, userID int64, in ClientMessage) (any, error) {
	switch in.Type {
	case CmdSendMessage:
		p, err := decode[SendMessagePayload](in.Payload)
		if err != nil {
			return nil, err
		}
		md, err := domain.DecodeMetadata(messageType(p.Type), p.Metadata)
		if err != nil {
			return nil, err
		}
		return g.messages.Send(ctx, service.SendMessageInput{
			ConversationID: p.ConversationID,
			SenderID:       userID,
			Content:        p.Content,
			Type:           p.Type,
			Attachments:    p.Attachments,
			ReplyToID:      p.ReplyToID,
			ThreadID:       p.ThreadID,
			Mentions:       p.Mentions,
			Metadata:       md,
			ClientKey:      p.ClientKey,
		})

	case CmdEditMessage:
		p, err := decode[EditMessagePayload](in.Payload)
		if err != nil {
			return nil, err
		}
		return g.messages.Edit(ctx, p.MessageID, userID, p.Content)

	case CmdDeleteMessage:
		p, err := decode[MessageRefPayload](in.Payload)
		if err != nil {
			return nil, err
		}
		return g.messages.Delete(ctx, p.MessageID, userID)

	case CmdAddReaction, CmdRemoveReaction:
		p, err := decode[ReactionPayload](in.Payload)
		if err != nil {
			return nil, err
		}
		if in.Type == CmdAddReaction {
			return g.messages.AddReaction(ctx, p.MessageID, userID, p.Emoji)
		}
		return g.messages.RemoveReaction(ctx, p.MessageID, userID, p.Emoji)

	case CmdMarkRead:
		p, err := decode[MarkReadPayload](in.Payload)
		if err != nil {
			return nil, err
		}
		return g.messages.MarkRead(ctx, p.ConversationID, userID, p.MessageID)

	case CmdTypingStart, CmdTypingStop:
		p, err := decode[ConversationRefPayload](in.Payload)
		if err != nil {
			return nil, err
		}
		if in.Type == CmdTypingStart {
			return nil, g.typing.Start(ctx, p.ConversationID, userID)
		}
		return nil, g.typing.Stop(ctx, p.ConversationID, userID)

	case CmdHeartbeat:
		return nil, g.users.Heartbeat(ctx, userID)
	}
	return nil, fmt.Errorf("%w: unknown command %q", domain.ErrInvalidInput, in.Type)
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	return v, nil
}

func messageType(t domain.MessageType) domain.MessageType {
	if t == "" {
		return domain.MessageText
	}
	return t
}

func errorReply(requestID string, err error) ServerMessage {
	msg := err.Error()
	code := domain.ErrorCode(err)
	if code == "internal" {
		msg = "internal error"
	}
	return ServerMessage{
		Type:      domain.EventError,
		RequestID: requestID,
		Payload:   ErrorPayload{Code: code, Message: msg},
		Timestamp: time.Now().UTC(),
	}
}
