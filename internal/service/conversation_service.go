package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"portalchat/internal/domain"
	"portalchat/internal/logger"
)

// ConversationService owns conversations, their membership and each
// member's view settings.
type ConversationService struct {
	conversations domain.ConversationRepository
	users         domain.UserRepository
	messages      domain.MessageRepository
	locks         *ConversationLocks
	notifier      domain.Notifier
	present       presenter
	log           logger.Logger
	now           func() time.Time
}

func NewConversationService(
	conversations domain.ConversationRepository,
	users domain.UserRepository,
	messages domain.MessageRepository,
	locks *ConversationLocks,
	notifier domain.Notifier,
	cipher ContentCipher,
	log logger.Logger,
) *ConversationService {
	return &ConversationService{
		conversations: conversations,
		users:         users,
		messages:      messages,
		locks:         locks,
		notifier:      notifier,
		present:       presenter{cipher: cipher, log: log},
		log:           log,
		now:           time.Now,
	}
}

type CreateConversationInput struct {
	Type           domain.ConversationType
	Name           *string
	ParticipantIDs []int64
	Metadata       domain.ConversationMetadata
	IsEncrypted    bool
}

// Create starts a conversation. The creator is always a participant. A
// direct conversation between two users is unique: asking for it again
// returns the existing one with created=false.
func (s *ConversationService) Create(ctx context.Context, creatorID int64, in CreateConversationInput) (*domain.ConversationView, bool, error) {
	if !in.Type.Valid() {
		return nil, false, fmt.Errorf("%w: unknown conversation type %q", domain.ErrInvalidInput, in.Type)
	}
	ids := uniqueIDs(append([]int64{creatorID}, in.ParticipantIDs...))
	if len(ids) < 2 {
		return nil, false, fmt.Errorf("%w: at least two participants are required", domain.ErrInvalidParticipants)
	}
	if in.Type == domain.ConversationDirect && len(ids) != 2 {
		return nil, false, fmt.Errorf("%w: a direct conversation has exactly two participants", domain.ErrInvalidParticipants)
	}
	if limit := in.Metadata.MaxParticipants; limit != nil {
		if *limit < 2 {
			return nil, false, fmt.Errorf("%w: max_participants must be at least 2", domain.ErrInvalidInput)
		}
		if len(ids) > *limit {
			return nil, false, fmt.Errorf("%w: %d participants exceed the cap of %d", domain.ErrInvalidParticipants, len(ids), *limit)
		}
	}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if len([]rune(name)) > 100 {
			return nil, false, fmt.Errorf("%w: name exceeds 100 characters", domain.ErrInvalidInput)
		}
		in.Name = &name
		if name == "" || in.Type == domain.ConversationDirect {
			in.Name = nil
		}
	}

	users, err := s.activeUsers(ctx, ids)
	if err != nil {
		return nil, false, err
	}

	if in.Type == domain.ConversationDirect {
		if view, err := s.existingDirect(ctx, creatorID, ids); view != nil || err != nil {
			return view, false, err
		}
	}

	conv := &domain.Conversation{
		Name:        in.Name,
		Type:        in.Type,
		CreatedBy:   creatorID,
		IsEncrypted: in.IsEncrypted,
		Metadata:    in.Metadata,
	}
	if err := s.conversations.Create(ctx, conv, ids); err != nil {
		// A concurrent request created the pair's conversation first.
		if in.Type == domain.ConversationDirect && errors.Is(err, domain.ErrConflict) {
			view, err := s.existingDirect(ctx, creatorID, ids)
			if err == nil && view == nil {
				err = errors.New("direct conversation vanished after conflict")
			}
			return view, false, err
		}
		return nil, false, err
	}
	parts, err := s.conversations.ListParticipants(ctx, conv.ID)
	if err != nil {
		return nil, false, err
	}

	byID := indexUsers(users)
	for _, p := range parts {
		s.notifier.Publish([]int64{p.UserID}, domain.Event{
			Type:    domain.EventConversationCreated,
			Payload: s.buildView(conv, p.UserID, parts, byID, nil),
		})
	}
	s.log.Info("conversation created", "conversation_id", conv.ID, "type", conv.Type, "participants", len(ids))
	return s.buildView(conv, creatorID, parts, byID, nil), true, nil
}

func (s *ConversationService) existingDirect(ctx context.Context, viewerID int64, ids []int64) (*domain.ConversationView, error) {
	existing, err := s.conversations.FindDirect(ctx, ids[0], ids[1])
	if err != nil || existing == nil {
		return nil, err
	}
	return s.Get(ctx, existing.ID, viewerID)
}

// Get returns the conversation as seen by viewerID. Unknown ids are
// NotFound; existing conversations the viewer is not in are Forbidden.
func (s *ConversationService) Get(ctx context.Context, conversationID, viewerID int64) (*domain.ConversationView, error) {
	conv, parts, err := s.membership(ctx, conversationID, viewerID)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, conv, viewerID, parts)
}

// ListForUser returns the viewer's conversations: pinned first, then by
// latest message (empty conversations last), then newest created.
// archived filters on the viewer's archived flag when set.
func (s *ConversationService) ListForUser(ctx context.Context, userID int64, archived *bool) ([]*domain.ConversationView, error) {
	ucs, err := s.conversations.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	type entry struct {
		conv  *domain.Conversation
		parts []*domain.ConversationParticipant
	}
	entries := make([]entry, 0, len(ucs))
	userSet := map[int64]struct{}{}
	var lastIDs []int64
	for _, uc := range ucs {
		if archived != nil && uc.Participant.IsArchived != *archived {
			continue
		}
		parts, err := s.conversations.ListParticipants(ctx, uc.Conversation.ID)
		if err != nil {
			return nil, err
		}
		for _, p := range parts {
			userSet[p.UserID] = struct{}{}
		}
		if uc.Conversation.LastMessageID != nil {
			lastIDs = append(lastIDs, *uc.Conversation.LastMessageID)
		}
		entries = append(entries, entry{conv: uc.Conversation, parts: parts})
	}

	userIDs := make([]int64, 0, len(userSet))
	for id := range userSet {
		userIDs = append(userIDs, id)
	}
	users, err := s.users.ListByIDs(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	byID := indexUsers(users)

	lastByID := map[int64]*domain.Message{}
	if len(lastIDs) > 0 {
		msgs, err := s.messages.GetManyByIDs(ctx, lastIDs)
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			lastByID[m.ID] = m
		}
	}

	views := make([]*domain.ConversationView, 0, len(entries))
	for _, e := range entries {
		var last *domain.Message
		if e.conv.LastMessageID != nil {
			last = lastByID[*e.conv.LastMessageID]
		}
		views = append(views, s.buildView(e.conv, userID, e.parts, byID, last))
	}
	SortConversations(views)
	return views, nil
}

// SortConversations orders views for a conversation list.
func SortConversations(views []*domain.ConversationView) {
	sort.SliceStable(views, func(i, j int) bool {
		a, b := views[i], views[j]
		if a.IsPinned != b.IsPinned {
			return a.IsPinned
		}
		switch {
		case a.LastMessageAt != nil && b.LastMessageAt == nil:
			return true
		case a.LastMessageAt == nil && b.LastMessageAt != nil:
			return false
		case a.LastMessageAt != nil && !a.LastMessageAt.Equal(*b.LastMessageAt):
			return a.LastMessageAt.After(*b.LastMessageAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
}

// SetFlag sets one of the viewer's own flags on the conversation.
func (s *ConversationService) SetFlag(ctx context.Context, conversationID, userID int64, flag domain.ConversationFlag, value bool) (domain.ConversationSettings, error) {
	if !flag.Valid() {
		return domain.ConversationSettings{}, fmt.Errorf("%w: unknown flag %q", domain.ErrInvalidInput, flag)
	}
	_, parts, err := s.membership(ctx, conversationID, userID)
	if err != nil {
		return domain.ConversationSettings{}, err
	}
	settings := settingsOf(findParticipant(parts, userID))
	switch flag {
	case domain.FlagPinned:
		settings.Pinned = value
	case domain.FlagMuted:
		settings.Muted = value
	case domain.FlagArchived:
		settings.Archived = value
	}
	if err := s.conversations.UpdateSettings(ctx, conversationID, userID, settings); err != nil {
		return domain.ConversationSettings{}, err
	}
	return settings, nil
}

var patchablePaths = map[string]struct{}{
	"/pinned":   {},
	"/muted":    {},
	"/archived": {},
}

// PatchSettings applies an RFC 6902 patch to the viewer's
// {"pinned","muted","archived"} document.
func (s *ConversationService) PatchSettings(ctx context.Context, conversationID, userID int64, rawPatch []byte) (domain.ConversationSettings, error) {
	patch, err := jsonpatch.DecodePatch(rawPatch)
	if err != nil {
		return domain.ConversationSettings{}, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	for _, op := range patch {
		switch op.Kind() {
		case "replace", "add", "test":
		default:
			return domain.ConversationSettings{}, fmt.Errorf("%w: unsupported patch op %q", domain.ErrInvalidInput, op.Kind())
		}
		path, err := op.Path()
		if err != nil {
			return domain.ConversationSettings{}, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
		}
		if _, ok := patchablePaths[path]; !ok {
			return domain.ConversationSettings{}, fmt.Errorf("%w: path %q is not patchable", domain.ErrInvalidInput, path)
		}
	}

	_, parts, err := s.membership(ctx, conversationID, userID)
	if err != nil {
		return domain.ConversationSettings{}, err
	}
	current := settingsOf(findParticipant(parts, userID))
	doc, err := json.Marshal(current)
	if err != nil {
		return domain.ConversationSettings{}, err
	}
	patched, err := patch.Apply(doc)
	if err != nil {
		return domain.ConversationSettings{}, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	var next domain.ConversationSettings
	dec := json.NewDecoder(bytes.NewReader(patched))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&next); err != nil {
		return domain.ConversationSettings{}, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if next == current {
		return current, nil
	}
	if err := s.conversations.UpdateSettings(ctx, conversationID, userID, next); err != nil {
		return domain.ConversationSettings{}, err
	}
	return next, nil
}

// AddParticipants adds users to a non-direct conversation. New members
// start with nothing unread.
func (s *ConversationService) AddParticipants(ctx context.Context, conversationID, actorID int64, userIDs []int64) (*domain.ConversationView, error) {
	conv, parts, err := s.membership(ctx, conversationID, actorID)
	if err != nil {
		return nil, err
	}
	if conv.Type == domain.ConversationDirect {
		return nil, fmt.Errorf("%w: direct conversations have fixed participants", domain.ErrUnsupportedOperation)
	}

	var added []int64
	for _, id := range uniqueIDs(userIDs) {
		if findParticipant(parts, id) == nil {
			added = append(added, id)
		}
	}
	if len(added) == 0 {
		return s.view(ctx, conv, actorID, parts)
	}
	if limit := conv.Metadata.MaxParticipants; limit != nil && len(parts)+len(added) > *limit {
		return nil, fmt.Errorf("%w: conversation is limited to %d participants", domain.ErrInvalidParticipants, *limit)
	}
	if _, err := s.activeUsers(ctx, added); err != nil {
		return nil, err
	}

	release, err := s.locks.Acquire(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := s.conversations.AddParticipants(ctx, conversationID, added, s.now()); err != nil {
		return nil, err
	}
	parts, err = s.conversations.ListParticipants(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	all := participantIDs(parts)
	s.notifier.Publish(all, domain.Event{
		Type:    domain.EventParticipantsChanged,
		Payload: domain.ParticipantsEvent{ConversationID: conversationID, Added: added, Participants: all},
	})
	s.log.Info("participants added", "conversation_id", conversationID, "actor_id", actorID, "added", added)
	return s.view(ctx, conv, actorID, parts)
}

// RemoveParticipant removes userID from a non-direct conversation. Members
// may leave; the creator and moderators may remove anyone. The last member
// cannot be removed.
func (s *ConversationService) RemoveParticipant(ctx context.Context, conversationID, actorID, userID int64) error {
	actor, err := s.users.GetByID(ctx, actorID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrForbidden
		}
		return err
	}
	conv, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return err
	}
	parts, err := s.conversations.ListParticipants(ctx, conversationID)
	if err != nil {
		return err
	}
	if findParticipant(parts, actorID) == nil && !actor.Role.CanModerate() {
		return domain.ErrForbidden
	}
	if conv.Type == domain.ConversationDirect {
		return fmt.Errorf("%w: direct conversations have fixed participants", domain.ErrUnsupportedOperation)
	}
	if actorID != userID && conv.CreatedBy != actorID && !actor.Role.CanModerate() {
		return domain.ErrForbidden
	}
	if findParticipant(parts, userID) == nil {
		return domain.ErrNotFound
	}
	if len(parts) == 1 {
		return fmt.Errorf("%w: a conversation keeps at least one participant", domain.ErrInvalidParticipants)
	}

	release, err := s.locks.Acquire(ctx, conversationID)
	if err != nil {
		return err
	}
	defer release()

	if err := s.conversations.RemoveParticipant(ctx, conversationID, userID, s.now()); err != nil {
		return err
	}

	var remaining []int64
	for _, p := range parts {
		if p.UserID != userID {
			remaining = append(remaining, p.UserID)
		}
	}
	s.notifier.Publish(participantIDs(parts), domain.Event{
		Type:    domain.EventParticipantsChanged,
		Payload: domain.ParticipantsEvent{ConversationID: conversationID, Removed: []int64{userID}, Participants: remaining},
	})
	s.log.Info("participant removed", "conversation_id", conversationID, "actor_id", actorID, "user_id", userID)
	return nil
}

// membership loads a conversation and its participants, checking that
// userID is one of them.
func (s *ConversationService) membership(ctx context.Context, conversationID, userID int64) (*domain.Conversation, []*domain.ConversationParticipant, error) {
	return loadMembership(ctx, s.conversations, conversationID, userID)
}

func loadMembership(ctx context.Context, repo domain.ConversationRepository, conversationID, userID int64) (*domain.Conversation, []*domain.ConversationParticipant, error) {
	conv, err := repo.GetByID(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	parts, err := repo.ListParticipants(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	if findParticipant(parts, userID) == nil {
		return nil, nil, domain.ErrForbidden
	}
	return conv, parts, nil
}

func (s *ConversationService) view(ctx context.Context, conv *domain.Conversation, viewerID int64, parts []*domain.ConversationParticipant) (*domain.ConversationView, error) {
	users, err := s.users.ListByIDs(ctx, participantIDs(parts))
	if err != nil {
		return nil, err
	}
	var last *domain.Message
	if conv.LastMessageID != nil {
		last, err = s.messages.GetByID(ctx, *conv.LastMessageID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}
	return s.buildView(conv, viewerID, parts, indexUsers(users), last), nil
}

func (s *ConversationService) buildView(
	conv *domain.Conversation,
	viewerID int64,
	parts []*domain.ConversationParticipant,
	users map[int64]*domain.User,
	last *domain.Message,
) *domain.ConversationView {
	v := &domain.ConversationView{
		Conversation: conv,
		Participants: make([]*domain.User, 0, len(parts)),
	}
	for _, p := range parts {
		if u, ok := users[p.UserID]; ok {
			v.Participants = append(v.Participants, u)
		}
	}
	if me := findParticipant(parts, viewerID); me != nil {
		v.UnreadCount = me.UnreadCount
		v.IsPinned = me.IsPinned
		v.IsMuted = me.IsMuted
		v.IsArchived = me.IsArchived
	}
	if last != nil {
		v.LastMessage = s.present.message(last, viewerID, parts)
	}
	v.DisplayName = displayName(conv, viewerID, v.Participants)
	return v
}

// displayName derives a title: the other member for direct conversations,
// otherwise the stored name or the first few member names.
func displayName(conv *domain.Conversation, viewerID int64, users []*domain.User) string {
	if conv.Type != domain.ConversationDirect && conv.Name != nil && *conv.Name != "" {
		return *conv.Name
	}
	var names []string
	for _, u := range users {
		if u.ID != viewerID {
			names = append(names, u.Name())
		}
	}
	switch {
	case len(names) == 0:
		if conv.Name != nil {
			return *conv.Name
		}
		return "Conversation"
	case conv.Type == domain.ConversationDirect:
		return names[0]
	case len(names) > 3:
		return fmt.Sprintf("%s and %d others", strings.Join(names[:3], ", "), len(names)-3)
	}
	return strings.Join(names, ", ")
}

func (s *ConversationService) activeUsers(ctx context.Context, ids []int64) ([]*domain.User, error) {
	users, err := s.users.ListByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(users) != len(ids) {
		return nil, fmt.Errorf("%w: unknown user", domain.ErrInvalidParticipants)
	}
	for _, u := range users {
		if !u.IsActive {
			return nil, fmt.Errorf("%w: user %d is inactive", domain.ErrInvalidParticipants, u.ID)
		}
	}
	return users, nil
}

func settingsOf(p *domain.ConversationParticipant) domain.ConversationSettings {
	return domain.ConversationSettings{Pinned: p.IsPinned, Muted: p.IsMuted, Archived: p.IsArchived}
}

func indexUsers(users []*domain.User) map[int64]*domain.User {
	m := make(map[int64]*domain.User, len(users))
	for _, u := range users {
		m[u.ID] = u
	}
	return m
}

// uniqueIDs drops duplicates and non-positive ids, keeping first-seen order.
func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
