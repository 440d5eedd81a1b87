package service_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"portalchat/internal/domain"
	"portalchat/internal/logger"
	"portalchat/internal/presence"
	"portalchat/internal/security"
	"portalchat/internal/service"
	"portalchat/internal/store/sqlite"
	"portalchat/internal/store/sqlstore"
)

type published struct {
	to []int64
	ev domain.Event
}

// recorder is a Notifier that keeps everything it is asked to publish.
type recorder struct {
	mu     sync.Mutex
	events []published
}

func (r *recorder) Publish(userIDs []int64, ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, published{to: append([]int64(nil), userIDs...), ev: ev})
}

func (r *recorder) ofType(t domain.EventType) []published {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []published
	for _, p := range r.events {
		if p.ev.Type == t {
			out = append(out, p)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

type env struct {
	repos   *sqlstore.Repositories
	events  *recorder
	tracker *presence.MemoryTracker
	convs   *service.ConversationService
	msgs    *service.MessageService
	typing  *service.TypingService
	users   *service.UserService
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, sqlite.Migrate(db))
	t.Cleanup(func() { db.Close() })

	log := logger.Nop()
	repos := sqlstore.NewRepositories(sqlstore.Wrap(db, sqlstore.SQLite, log))
	cipher, err := security.NewEncryptor([]byte("test-encryption-key"), nil)
	require.NoError(t, err)

	events := &recorder{}
	tracker := presence.NewMemoryTracker(presence.Options{})
	locks := service.NewConversationLocks()
	return &env{
		repos:   repos,
		events:  events,
		tracker: tracker,
		convs:   service.NewConversationService(repos.Conversations, repos.Users, repos.Messages, locks, events, cipher, log),
		msgs: service.NewMessageService(repos.Messages, repos.Conversations, repos.Users, locks, events, cipher, log,
			service.MessageConfig{MaxLength: 100, DefaultPageSize: 50, MaxPageSize: 200}),
		typing: service.NewTypingService(repos.Conversations, repos.Users, tracker, events, log),
		users:  service.NewUserService(repos.Users, repos.Conversations, tracker, events, log),
	}
}

func (e *env) user(t *testing.T, name string, role domain.Role) int64 {
	t.Helper()
	u := &domain.User{Username: name, DisplayName: name, HashedPassword: "x", Role: role}
	require.NoError(t, e.repos.Users.Create(context.Background(), u))
	return u.ID
}

func (e *env) conversation(t *testing.T, typ domain.ConversationType, creator int64, others ...int64) *domain.ConversationView {
	t.Helper()
	view, created, err := e.convs.Create(context.Background(), creator, service.CreateConversationInput{
		Type:           typ,
		ParticipantIDs: others,
	})
	require.NoError(t, err)
	require.True(t, created)
	return view
}

func (e *env) send(t *testing.T, convID, sender int64, content string) *domain.Message {
	t.Helper()
	m, err := e.msgs.Send(context.Background(), service.SendMessageInput{
		ConversationID: convID,
		SenderID:       sender,
		Content:        content,
	})
	require.NoError(t, err)
	return m
}
