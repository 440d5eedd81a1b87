package sqlstore_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portalchat/internal/domain"
	"portalchat/internal/logger"
	"portalchat/internal/store/sqlite"
	"portalchat/internal/store/sqlstore"
)

func newRepos(t *testing.T) *sqlstore.Repositories {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, sqlite.Migrate(db))
	t.Cleanup(func() { db.Close() })
	return sqlstore.NewRepositories(sqlstore.Wrap(db, sqlstore.SQLite, logger.Nop()))
}

func createUsers(t *testing.T, repos *sqlstore.Repositories, names ...string) []int64 {
	t.Helper()
	ids := make([]int64, 0, len(names))
	for _, name := range names {
		u := &domain.User{Username: name, HashedPassword: "x"}
		require.NoError(t, repos.Users.Create(context.Background(), u))
		ids = append(ids, u.ID)
	}
	return ids
}

func createConversation(t *testing.T, repos *sqlstore.Repositories, typ domain.ConversationType, members ...int64) *domain.Conversation {
	t.Helper()
	c := &domain.Conversation{Type: typ, CreatedBy: members[0]}
	require.NoError(t, repos.Conversations.Create(context.Background(), c, members))
	return c
}

func appendText(t *testing.T, repos *sqlstore.Repositories, convID, sender int64, content string, at time.Time) *domain.Message {
	t.Helper()
	m := &domain.Message{ConversationID: convID, SenderID: sender, Type: domain.MessageText, Content: content}
	created, err := repos.Messages.Append(context.Background(), m, at)
	require.NoError(t, err)
	require.True(t, created)
	return m
}

func TestUserRepo(t *testing.T) {
	repos := newRepos(t)
	ctx := context.Background()
	ids := createUsers(t, repos, "alice", "bob")

	u, err := repos.Users.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, ids[0], u.ID)
	assert.Equal(t, domain.RoleStudent, u.Role)
	assert.True(t, u.IsActive)

	_, err = repos.Users.GetByID(ctx, 999)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, repos.Users.SetOnlineStatus(ctx, ids[1], true, at))
	users, err := repos.Users.ListByIDs(ctx, []int64{ids[1], ids[0]})
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "alice", users[0].Username)
	assert.True(t, users[1].IsOnline)
	assert.True(t, users[1].LastSeen.Equal(at))
}

func TestConversationRepo(t *testing.T) {
	repos := newRepos(t)
	ctx := context.Background()
	ids := createUsers(t, repos, "alice", "bob", "carol")
	a, b, c := ids[0], ids[1], ids[2]

	direct := createConversation(t, repos, domain.ConversationDirect, a, b)
	group := createConversation(t, repos, domain.ConversationGroup, a, b, c)

	found, err := repos.Conversations.FindDirect(ctx, b, a)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, direct.ID, found.ID)

	none, err := repos.Conversations.FindDirect(ctx, a, c)
	require.NoError(t, err)
	assert.Nil(t, none)

	list, err := repos.Conversations.ListForUser(ctx, c)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, group.ID, list[0].Conversation.ID)
	assert.Equal(t, c, list[0].Participant.UserID)

	contacts, err := repos.Conversations.ListContactIDs(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, []int64{b, c}, contacts)

	require.NoError(t, repos.Conversations.UpdateSettings(ctx, group.ID, a, domain.ConversationSettings{Pinned: true, Archived: true}))
	p, err := repos.Conversations.GetParticipant(ctx, group.ID, a)
	require.NoError(t, err)
	assert.True(t, p.IsPinned)
	assert.False(t, p.IsMuted)
	assert.True(t, p.IsArchived)

	// Settings are per member.
	p, err = repos.Conversations.GetParticipant(ctx, group.ID, b)
	require.NoError(t, err)
	assert.False(t, p.IsPinned)

	assert.ErrorIs(t, repos.Conversations.UpdateSettings(ctx, direct.ID, c, domain.ConversationSettings{}), domain.ErrNotFound)
	assert.ErrorIs(t, repos.Conversations.RemoveParticipant(ctx, direct.ID, c, time.Now()), domain.ErrNotFound)

	require.NoError(t, repos.Conversations.RemoveParticipant(ctx, group.ID, c, time.Now()))
	parts, err := repos.Conversations.ListParticipants(ctx, group.ID)
	require.NoError(t, err)
	assert.Len(t, parts, 2)
}

func TestDirectPairIsUnique(t *testing.T) {
	repos := newRepos(t)
	ctx := context.Background()
	ids := createUsers(t, repos, "alice", "bob", "carol")
	a, b, c := ids[0], ids[1], ids[2]

	first := createConversation(t, repos, domain.ConversationDirect, a, b)

	dup := &domain.Conversation{Type: domain.ConversationDirect, CreatedBy: b}
	err := repos.Conversations.Create(ctx, dup, []int64{b, a})
	assert.ErrorIs(t, err, domain.ErrConflict)

	list, err := repos.Conversations.ListForUser(ctx, a)
	require.NoError(t, err)
	require.Len(t, list, 1, "the failed insert leaves no rows behind")
	assert.Equal(t, first.ID, list[0].Conversation.ID)

	// Groups with the same members are not deduplicated.
	createConversation(t, repos, domain.ConversationGroup, a, b)
	createConversation(t, repos, domain.ConversationGroup, a, b)
	createConversation(t, repos, domain.ConversationDirect, a, c)
}

func TestAppendAssignsSequenceAndUnread(t *testing.T) {
	repos := newRepos(t)
	ctx := context.Background()
	ids := createUsers(t, repos, "alice", "bob", "carol")
	a, b, c := ids[0], ids[1], ids[2]
	conv := createConversation(t, repos, domain.ConversationGroup, a, b, c)

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m1 := appendText(t, repos, conv.ID, a, "one", base)
	m2 := appendText(t, repos, conv.ID, b, "two", base.Add(time.Second))
	// A clock that steps backwards never reorders the log.
	m3 := appendText(t, repos, conv.ID, a, "three", base.Add(-time.Minute))

	assert.Equal(t, []int64{1, 2, 3}, []int64{m1.Seq, m2.Seq, m3.Seq})
	assert.False(t, m3.CreatedAt.Before(m2.CreatedAt))

	stored, err := repos.Conversations.GetByID(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stored.LastSeq)
	require.NotNil(t, stored.LastMessageID)
	assert.Equal(t, m3.ID, *stored.LastMessageID)

	unread := map[int64]int{}
	parts, err := repos.Conversations.ListParticipants(ctx, conv.ID)
	require.NoError(t, err)
	for _, p := range parts {
		unread[p.UserID] = p.UnreadCount
	}
	assert.Equal(t, map[int64]int{a: 1, b: 2, c: 3}, unread)
}

func TestAppendClientKeyIsIdempotent(t *testing.T) {
	repos := newRepos(t)
	ctx := context.Background()
	ids := createUsers(t, repos, "alice", "bob")
	conv := createConversation(t, repos, domain.ConversationDirect, ids...)

	key := "5f0c6f7e-0a43-4d55-9a33-2f1e0c6f7e11"
	first := &domain.Message{ConversationID: conv.ID, SenderID: ids[0], Type: domain.MessageText, Content: "hi", ClientKey: &key}
	created, err := repos.Messages.Append(ctx, first, time.Now())
	require.NoError(t, err)
	require.True(t, created)

	retry := &domain.Message{ConversationID: conv.ID, SenderID: ids[0], Type: domain.MessageText, Content: "hi", ClientKey: &key}
	created, err = repos.Messages.Append(ctx, retry, time.Now())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, retry.ID)
	assert.Equal(t, first.Seq, retry.Seq)

	p, err := repos.Conversations.GetParticipant(ctx, conv.ID, ids[1])
	require.NoError(t, err)
	assert.Equal(t, 1, p.UnreadCount)
}

func TestConcurrentAppendsGetDistinctSequences(t *testing.T) {
	repos := newRepos(t)
	ids := createUsers(t, repos, "alice", "bob")
	conv := createConversation(t, repos, domain.ConversationDirect, ids...)

	const n = 20
	var wg sync.WaitGroup
	seqs := make([]int64, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := &domain.Message{ConversationID: conv.ID, SenderID: ids[i%2], Type: domain.MessageText, Content: fmt.Sprint(i)}
			_, errs[i] = repos.Messages.Append(context.Background(), m, time.Now())
			seqs[i] = m.Seq
		}(i)
	}
	wg.Wait()

	seen := map[int64]bool{}
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.False(t, seen[seqs[i]], "duplicate seq %d", seqs[i])
		seen[seqs[i]] = true
	}
	for s := int64(1); s <= n; s++ {
		assert.True(t, seen[s], "missing seq %d", s)
	}
}

func TestListPages(t *testing.T) {
	repos := newRepos(t)
	ctx := context.Background()
	ids := createUsers(t, repos, "alice", "bob")
	conv := createConversation(t, repos, domain.ConversationDirect, ids...)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		appendText(t, repos, conv.ID, ids[i%2], fmt.Sprint(i), base.Add(time.Duration(i)*time.Second))
	}

	seqsOf := func(msgs []*domain.Message) []int64 {
		out := make([]int64, len(msgs))
		for i, m := range msgs {
			out[i] = m.Seq
		}
		return out
	}

	latest, more, err := repos.Messages.List(ctx, conv.ID, domain.PageRequest{Limit: 2})
	require.NoError(t, err)
	assert.True(t, more)
	assert.Equal(t, []int64{4, 5}, seqsOf(latest))

	older, more, err := repos.Messages.List(ctx, conv.ID, domain.PageRequest{Before: 4, Limit: 2})
	require.NoError(t, err)
	assert.True(t, more)
	assert.Equal(t, []int64{2, 3}, seqsOf(older))

	oldest, more, err := repos.Messages.List(ctx, conv.ID, domain.PageRequest{Before: 2, Limit: 2})
	require.NoError(t, err)
	assert.False(t, more)
	assert.Equal(t, []int64{1}, seqsOf(oldest))

	newer, more, err := repos.Messages.List(ctx, conv.ID, domain.PageRequest{After: 3, Limit: 10})
	require.NoError(t, err)
	assert.False(t, more)
	assert.Equal(t, []int64{4, 5}, seqsOf(newer))
}

func TestMarkReadRecountsAndNeverMovesBack(t *testing.T) {
	repos := newRepos(t)
	ctx := context.Background()
	ids := createUsers(t, repos, "alice", "bob")
	a, b := ids[0], ids[1]
	conv := createConversation(t, repos, domain.ConversationDirect, a, b)
	now := time.Now()
	for i := 0; i < 3; i++ {
		appendText(t, repos, conv.ID, a, fmt.Sprint(i), now)
	}
	appendText(t, repos, conv.ID, b, "reply", now)

	advanced, unread, err := repos.Messages.MarkRead(ctx, conv.ID, b, 2)
	require.NoError(t, err)
	assert.True(t, advanced)
	// Only alice's third message is left; bob's own reply never counts.
	assert.Equal(t, 1, unread)

	advanced, unread, err = repos.Messages.MarkRead(ctx, conv.ID, b, 1)
	require.NoError(t, err)
	assert.False(t, advanced)
	assert.Equal(t, 1, unread)

	p, err := repos.Conversations.GetParticipant(ctx, conv.ID, b)
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.LastReadSeq)

	_, _, err = repos.Messages.MarkRead(ctx, conv.ID, 999, 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReactionsEditsAndTombstones(t *testing.T) {
	repos := newRepos(t)
	ctx := context.Background()
	ids := createUsers(t, repos, "alice", "bob")
	conv := createConversation(t, repos, domain.ConversationDirect, ids...)

	m := &domain.Message{
		ConversationID: conv.ID, SenderID: ids[0], Type: domain.MessageText, Content: "hello",
		Mentions:    []int64{ids[1]},
		Attachments: []domain.Attachment{{Filename: "a.png", Type: domain.AttachmentImage, URL: "/u/a.png", SizeBytes: 10, MimeType: "image/png", UploadedBy: ids[0]}},
	}
	_, err := repos.Messages.Append(ctx, m, time.Now())
	require.NoError(t, err)
	require.NotEmpty(t, m.Attachments[0].ID)

	added, err := repos.Messages.AddReaction(ctx, domain.Reaction{MessageID: m.ID, UserID: ids[1], Emoji: "👍"})
	require.NoError(t, err)
	assert.True(t, added)
	added, err = repos.Messages.AddReaction(ctx, domain.Reaction{MessageID: m.ID, UserID: ids[1], Emoji: "👍"})
	require.NoError(t, err)
	assert.False(t, added)

	got, err := repos.Messages.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, got.Reactions, 1)
	assert.Equal(t, []int64{ids[1]}, got.Mentions)
	require.Len(t, got.Attachments, 1)
	assert.Equal(t, "a.png", got.Attachments[0].Filename)

	require.NoError(t, repos.Messages.UpdateContent(ctx, m.ID, "hello again", time.Now()))
	got, err = repos.Messages.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello again", got.Content)
	assert.True(t, got.IsEdited)
	assert.NotNil(t, got.EditedAt)

	require.NoError(t, repos.Messages.Tombstone(ctx, m.ID))
	got, err = repos.Messages.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, got.IsDeleted)
	assert.Empty(t, got.Content)
	assert.Empty(t, got.Reactions)
	assert.Empty(t, got.Mentions)
	assert.Empty(t, got.Attachments)
	assert.Equal(t, m.Seq, got.Seq)

	assert.ErrorIs(t, repos.Messages.UpdateContent(ctx, m.ID, "zombie", time.Now()), domain.ErrNotFound)

	removed, err := repos.Messages.RemoveReaction(ctx, m.ID, ids[1], "👍")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestAddParticipantsStartsAtCurrentPosition(t *testing.T) {
	repos := newRepos(t)
	ctx := context.Background()
	ids := createUsers(t, repos, "alice", "bob", "carol")
	conv := createConversation(t, repos, domain.ConversationGroup, ids[0], ids[1])
	appendText(t, repos, conv.ID, ids[0], "before carol", time.Now())
	appendText(t, repos, conv.ID, ids[0], "still before", time.Now())

	require.NoError(t, repos.Conversations.AddParticipants(ctx, conv.ID, []int64{ids[2]}, time.Now()))
	p, err := repos.Conversations.GetParticipant(ctx, conv.ID, ids[2])
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.LastReadSeq)
	assert.Equal(t, 0, p.UnreadCount)
}
