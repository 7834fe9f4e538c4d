package conversation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/npezzotti/go-messenger/internal/cache"
	"github.com/npezzotti/go-messenger/internal/database"
	"github.com/npezzotti/go-messenger/internal/observability"
	"github.com/npezzotti/go-messenger/internal/presence"
	"github.com/npezzotti/go-messenger/internal/server"
	"github.com/npezzotti/go-messenger/internal/types"
	"github.com/rs/zerolog"
	"github.com/teris-io/shortid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultMessageLimit = 50
	MaxMessageLimit     = 200
	DefaultSearchLimit  = 20
	MaxSearchLimit      = 50

	maxEmojiLength = 32
	unreadStatsTTL = 10 * time.Second
	directTimeout  = 10 * time.Second
)

// Broadcaster is the part of the chat server the manager drives. It is
// satisfied by *server.ChatServer.
type Broadcaster interface {
	Publish(ctx context.Context, req server.PublishRequest) (server.PublishResult, error)
	SyncMembers(ctx context.Context, conversationId string, users []types.User) error
	NotifyRoom(ctx context.Context, conversationId string, n *server.Notification) error
	NotifyUsers(ctx context.Context, userIds []int, n *server.Notification) error
	UnloadRoom(ctx context.Context, conversationId string, deleted bool) error
}

type Option func(*Manager)

func WithPresence(s presence.Store) Option {
	return func(m *Manager) { m.presence = s }
}

func WithCache(c cache.Cache) Option {
	return func(m *Manager) { m.cache = c }
}

// Manager owns conversation records and membership rules. Every operation
// takes the acting user's id and checks it against current membership
// before writing.
type Manager struct {
	log         zerolog.Logger
	db          database.ChatRepository
	broadcaster Broadcaster
	presence    presence.Store
	cache       cache.Cache
	directs     singleflight.Group
	newId       func() (string, error)
}

func NewManager(logger zerolog.Logger, db database.ChatRepository, b Broadcaster, opts ...Option) *Manager {
	m := &Manager{
		log:         logger.With().Str("component", "conversation").Logger(),
		db:          db,
		broadcaster: b,
		presence:    presence.NewMemoryStore(),
		cache:       cache.Noop{},
		newId:       shortid.Generate,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// AddParticipantsResult is returned by AddParticipants. Added and
// SystemMessage are empty when every requested user already was a member.
type AddParticipantsResult struct {
	Conversation  types.Conversation `json:"conversation"`
	Added         []types.User       `json:"added_users"`
	SystemMessage *types.Message     `json:"system_message,omitempty"`
}

type directResult struct {
	conv    database.Conversation
	created bool
}

// DirectKey is the unordered pair key of a direct conversation.
func DirectKey(a, b int) string {
	if a > b {
		a, b = b, a
	}
	return strconv.Itoa(a) + ":" + strconv.Itoa(b)
}

// CreateDirect returns the direct conversation between requesterId and
// recipientId, creating it when none exists. created reports whether this
// call (or a concurrent one it was collapsed with) inserted it.
func (m *Manager) CreateDirect(ctx context.Context, requesterId, recipientId int) (conv types.Conversation, created bool, err error) {
	ctx, span := observability.StartSpan(ctx, "conversation.CreateDirect",
		attribute.Int("requester.id", requesterId),
		attribute.Int("recipient.id", recipientId),
	)
	defer func() { observability.EndSpan(span, err) }()

	if recipientId <= 0 {
		return types.Conversation{}, false, types.NewValidationError("recipient_id is required")
	}
	if requesterId == recipientId {
		return types.Conversation{}, false, types.NewValidationError("cannot start a conversation with yourself")
	}

	if _, err := m.db.GetAccountById(ctx, recipientId); err != nil {
		return types.Conversation{}, false, notFound(err, "user")
	}

	key := DirectKey(requesterId, recipientId)
	v, err, _ := m.directs.Do(key, func() (any, error) {
		// shared by every collapsed caller, so it must outlive the one that started it
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), directTimeout)
		defer cancel()
		return m.findOrCreateDirect(ctx, key, requesterId, recipientId)
	})
	if err != nil {
		return types.Conversation{}, false, err
	}

	res := v.(directResult)
	return m.toType(ctx, res.conv), res.created, nil
}

func (m *Manager) findOrCreateDirect(ctx context.Context, key string, a, b int) (directResult, error) {
	conv, err := m.db.GetDirectConversation(ctx, key)
	if err == nil {
		return directResult{conv: conv}, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return directResult{}, fmt.Errorf("get direct conversation: %w", err)
	}

	externalId, err := m.newId()
	if err != nil {
		return directResult{}, fmt.Errorf("generate id: %w", err)
	}

	conv, err = m.db.CreateConversation(ctx, database.CreateConversationParams{
		ExternalId:     externalId,
		DirectKey:      key,
		ParticipantIds: []int{min(a, b), max(a, b)},
	})
	if errors.Is(err, database.ErrDuplicateKey) {
		// another process won the insert
		conv, err = m.db.GetDirectConversation(ctx, key)
		if err != nil {
			return directResult{}, fmt.Errorf("get direct conversation after conflict: %w", err)
		}
		return directResult{conv: conv}, nil
	}
	if err != nil {
		return directResult{}, fmt.Errorf("create direct conversation: %w", err)
	}

	m.log.Info().Str("conversation_id", conv.ExternalId).Str("direct_key", key).Msg("created direct conversation")
	return directResult{conv: conv, created: true}, nil
}

// CreateGroup creates a group administered by creatorId. The creator is
// always a participant.
func (m *Manager) CreateGroup(ctx context.Context, creatorId int, name, description string, participantIds []int) (conv types.Conversation, err error) {
	ctx, span := observability.StartSpan(ctx, "conversation.CreateGroup",
		attribute.Int("creator.id", creatorId),
		attribute.Int("participants", len(participantIds)),
	)
	defer func() { observability.EndSpan(span, err) }()

	name = strings.TrimSpace(name)
	if name == "" {
		return types.Conversation{}, types.NewValidationError("group name is required")
	}
	if len(uniqueIds(participantIds)) == 0 {
		return types.Conversation{}, types.NewValidationError("at least one participant is required")
	}

	ids := uniqueIds(append(slices.Clone(participantIds), creatorId))
	if _, err := m.accounts(ctx, ids); err != nil {
		return types.Conversation{}, err
	}

	externalId, err := m.newId()
	if err != nil {
		return types.Conversation{}, fmt.Errorf("generate id: %w", err)
	}

	dbConv, err := m.db.CreateConversation(ctx, database.CreateConversationParams{
		ExternalId:     externalId,
		IsGroup:        true,
		Name:           name,
		Description:    strings.TrimSpace(description),
		AdminId:        creatorId,
		ParticipantIds: ids,
	})
	if err != nil {
		return types.Conversation{}, fmt.Errorf("create group: %w", err)
	}

	m.log.Info().Str("conversation_id", dbConv.ExternalId).Int("admin_id", creatorId).Msg("created group")
	return m.toType(ctx, dbConv), nil
}

// AddParticipants adds users to a group. Only the admin may add. When at
// least one user is new, one system message is sent through the room and
// every participant, old and new, is told about the change.
func (m *Manager) AddParticipants(ctx context.Context, conversationId string, requesterId int, userIds []int) (res AddParticipantsResult, err error) {
	ctx, span := observability.StartSpan(ctx, "conversation.AddParticipants",
		attribute.String("conversation.id", conversationId),
		attribute.Int("requester.id", requesterId),
	)
	defer func() { observability.EndSpan(span, err) }()

	conv, err := m.conversation(ctx, conversationId)
	if err != nil {
		return AddParticipantsResult{}, err
	}

	if !conv.IsGroup || conv.AdminId != requesterId {
		return AddParticipantsResult{}, types.NewPermissionError("only the group admin can add participants")
	}

	ids := uniqueIds(userIds)
	if len(ids) == 0 {
		return AddParticipantsResult{}, types.NewValidationError("user_ids is required")
	}

	users, err := m.accounts(ctx, ids)
	if err != nil {
		return AddParticipantsResult{}, err
	}

	addedIds, err := m.db.AddParticipants(ctx, conv.Id, ids)
	if err != nil {
		return AddParticipantsResult{}, fmt.Errorf("add participants: %w", err)
	}

	if len(addedIds) == 0 {
		return AddParticipantsResult{Conversation: m.toType(ctx, conv)}, nil
	}

	var added []types.User
	for _, u := range users {
		if slices.Contains(addedIds, u.Id) {
			added = append(added, u.ToType())
		}
	}

	if err := m.broadcaster.SyncMembers(ctx, conv.ExternalId, added); err != nil {
		m.log.Warn().Err(err).Str("conversation_id", conv.ExternalId).Msg("sync room members")
	}

	res.Added = added
	pub, err := m.broadcaster.Publish(ctx, server.PublishRequest{
		ConversationId: conv.ExternalId,
		SenderId:       requesterId,
		Content:        addedContent(adminName(conv, requesterId), added),
		System:         true,
	})
	if err != nil {
		m.log.Error().Err(err).Str("conversation_id", conv.ExternalId).Msg("publish system message")
	} else {
		res.SystemMessage = &pub.Message
	}

	updated, err := m.conversation(ctx, conversationId)
	if err != nil {
		return AddParticipantsResult{}, err
	}
	res.Conversation = m.toType(ctx, updated)

	err = m.broadcaster.NotifyUsers(ctx, res.Conversation.ParticipantIds(), &server.Notification{
		ParticipantsAdded: &server.ParticipantsAdded{
			ConversationId: conv.ExternalId,
			AddedUsers:     added,
			SystemMessage:  res.SystemMessage,
		},
	})
	if err != nil {
		m.log.Warn().Err(err).Str("conversation_id", conv.ExternalId).Msg("notify participants added")
	}

	return res, nil
}

// DeleteConversation hard deletes a conversation. Any participant may
// delete. Joined sessions are evicted and every participant is notified.
func (m *Manager) DeleteConversation(ctx context.Context, conversationId string, requesterId int) (err error) {
	ctx, span := observability.StartSpan(ctx, "conversation.DeleteConversation",
		attribute.String("conversation.id", conversationId),
		attribute.Int("requester.id", requesterId),
	)
	defer func() { observability.EndSpan(span, err) }()

	conv, err := m.conversation(ctx, conversationId)
	if err != nil {
		return err
	}

	if !conv.HasParticipant(requesterId) {
		return types.NewPermissionError("not a participant of this conversation")
	}

	if err := m.db.DeleteConversation(ctx, conv.Id); err != nil {
		return notFound(err, "conversation")
	}

	if err := m.broadcaster.UnloadRoom(ctx, conv.ExternalId, true); err != nil {
		m.log.Warn().Err(err).Str("conversation_id", conv.ExternalId).Msg("unload deleted room")
	}

	participantIds := make([]int, len(conv.Participants))
	for i, p := range conv.Participants {
		participantIds[i] = p.AccountId
	}
	m.invalidateUnread(ctx, participantIds...)

	err = m.broadcaster.NotifyUsers(ctx, participantIds, &server.Notification{
		ConversationDeleted: &server.ConversationDeleted{
			ConversationId: conv.ExternalId,
			DeletedBy:      requesterId,
		},
	})
	if err != nil {
		m.log.Warn().Err(err).Str("conversation_id", conv.ExternalId).Msg("notify conversation deleted")
	}

	m.log.Info().Str("conversation_id", conv.ExternalId).Int("deleted_by", requesterId).Msg("deleted conversation")
	return nil
}

// ListConversations returns userId's conversations, most recently active
// first.
func (m *Manager) ListConversations(ctx context.Context, userId int) ([]types.Conversation, error) {
	convs, err := m.db.ListConversations(ctx, userId)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	out := make([]types.Conversation, len(convs))
	for i, c := range convs {
		out[i] = c.ToType()
	}

	var users []*types.User
	for i := range out {
		for j := range out[i].Participants {
			users = append(users, &out[i].Participants[j])
		}
	}
	m.annotate(ctx, users...)

	return out, nil
}

func (m *Manager) GetConversation(ctx context.Context, conversationId string, requesterId int) (types.Conversation, error) {
	conv, err := m.participantConversation(ctx, conversationId, requesterId)
	if err != nil {
		return types.Conversation{}, err
	}
	return m.toType(ctx, conv), nil
}

// ListMessages returns a page of messages in ascending seq order. before and
// after are exclusive seq bounds, zero means unbounded.
func (m *Manager) ListMessages(ctx context.Context, conversationId string, requesterId, before, after, limit int) ([]types.Message, error) {
	if before < 0 || after < 0 {
		return nil, types.NewValidationError("before and after must not be negative")
	}
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	limit = min(limit, MaxMessageLimit)

	conv, err := m.participantConversation(ctx, conversationId, requesterId)
	if err != nil {
		return nil, err
	}

	msgs, err := m.db.GetMessages(ctx, conv.Id, after, before, limit)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}

	out := make([]types.Message, len(msgs))
	for i, msg := range msgs {
		out[i] = msg.ToType(conv.ExternalId)
	}
	return out, nil
}

// SendMessage publishes on behalf of senderId through the conversation's room.
func (m *Manager) SendMessage(ctx context.Context, req server.PublishRequest) (res server.PublishResult, err error) {
	ctx, span := observability.StartSpan(ctx, "conversation.SendMessage",
		attribute.String("conversation.id", req.ConversationId),
		attribute.Int("sender.id", req.SenderId),
	)
	defer func() { observability.EndSpan(span, err) }()

	req.System = false
	return m.broadcaster.Publish(ctx, req)
}

// SearchUsers finds users by username or display name prefix.
func (m *Manager) SearchUsers(ctx context.Context, requesterId int, query string, limit int) ([]types.User, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []types.User{}, nil
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	limit = min(limit, MaxSearchLimit)

	accounts, err := m.db.SearchAccounts(ctx, query, requesterId, limit)
	if err != nil {
		return nil, fmt.Errorf("search accounts: %w", err)
	}

	users := make([]types.User, len(accounts))
	ptrs := make([]*types.User, len(accounts))
	for i, a := range accounts {
		users[i] = a.ToType()
		users[i].EmailAddress = ""
		ptrs[i] = &users[i]
	}
	m.annotate(ctx, ptrs...)

	return users, nil
}

// UnreadStats is served from the cache for a short while after it was
// computed, clients poll it.
func (m *Manager) UnreadStats(ctx context.Context, userId int) (types.UnreadStats, error) {
	return cache.Aside(ctx, m.cache, m.log, cache.UnreadStatsKey(userId), unreadStatsTTL,
		func(ctx context.Context) (types.UnreadStats, error) {
			s, err := m.db.GetUnreadStats(ctx, userId)
			if err != nil {
				return types.UnreadStats{}, fmt.Errorf("get unread stats: %w", err)
			}
			return types.UnreadStats{
				TotalUnread:             s.TotalUnread,
				ConversationsWithUnread: s.ConversationsWithUnread,
			}, nil
		})
}

// ToggleReaction adds userId's emoji reaction to a message, or removes it
// when present, and pushes the new aggregate to the conversation's room.
func (m *Manager) ToggleReaction(ctx context.Context, messageId, userId int, emoji string) (reactions []types.Reaction, err error) {
	ctx, span := observability.StartSpan(ctx, "conversation.ToggleReaction",
		attribute.Int("message.id", messageId),
		attribute.Int("user.id", userId),
	)
	defer func() { observability.EndSpan(span, err) }()

	emoji = strings.TrimSpace(emoji)
	if emoji == "" || len(emoji) > maxEmojiLength {
		return nil, types.NewValidationError("invalid emoji")
	}

	msg, err := m.db.GetMessage(ctx, messageId)
	if err != nil {
		return nil, notFound(err, "message")
	}

	conv, err := m.db.GetConversationById(ctx, msg.ConversationId)
	if err != nil {
		return nil, notFound(err, "conversation")
	}
	if !conv.HasParticipant(userId) {
		return nil, types.NewPermissionError("not a participant of this conversation")
	}

	dbReactions, err := m.db.ToggleReaction(ctx, messageId, userId, emoji)
	if err != nil {
		return nil, fmt.Errorf("toggle reaction: %w", err)
	}
	reactions = database.ReactionsToType(dbReactions)

	err = m.broadcaster.NotifyRoom(ctx, conv.ExternalId, &server.Notification{
		ReactionUpdate: &server.ReactionUpdate{
			ConversationId: conv.ExternalId,
			MessageId:      messageId,
			Reactions:      reactions,
		},
	})
	if err != nil {
		m.log.Warn().Err(err).Str("conversation_id", conv.ExternalId).Msg("notify reaction update")
	}

	return reactions, nil
}

func (m *Manager) conversation(ctx context.Context, conversationId string) (database.Conversation, error) {
	conv, err := m.db.GetConversationByExternalId(ctx, conversationId)
	if err != nil {
		return database.Conversation{}, notFound(err, "conversation")
	}
	return conv, nil
}

func (m *Manager) participantConversation(ctx context.Context, conversationId string, userId int) (database.Conversation, error) {
	conv, err := m.conversation(ctx, conversationId)
	if err != nil {
		return database.Conversation{}, err
	}
	if !conv.HasParticipant(userId) {
		return database.Conversation{}, types.NewPermissionError("not a participant of this conversation")
	}
	return conv, nil
}

// accounts loads ids and fails with a NotFoundError when any is unknown.
func (m *Manager) accounts(ctx context.Context, ids []int) ([]database.User, error) {
	users, err := m.db.GetAccountsByIds(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("get accounts: %w", err)
	}
	if len(users) != len(ids) {
		return nil, types.NewNotFoundError("user not found")
	}
	return users, nil
}

func (m *Manager) toType(ctx context.Context, conv database.Conversation) types.Conversation {
	out := conv.ToType()
	users := make([]*types.User, len(out.Participants))
	for i := range out.Participants {
		users[i] = &out.Participants[i]
	}
	m.annotate(ctx, users...)
	return out
}

// annotate sets IsOnline. A presence failure leaves users offline.
func (m *Manager) annotate(ctx context.Context, users ...*types.User) {
	if len(users) == 0 {
		return
	}

	ids := make([]int, len(users))
	for i, u := range users {
		ids[i] = u.Id
	}

	online, err := m.presence.Online(ctx, uniqueIds(ids)...)
	if err != nil {
		m.log.Warn().Err(err).Msg("read presence")
		return
	}

	for _, u := range users {
		u.IsOnline = online[u.Id]
	}
}

func (m *Manager) invalidateUnread(ctx context.Context, userIds ...int) {
	keys := make([]string, len(userIds))
	for i, id := range userIds {
		keys[i] = cache.UnreadStatsKey(id)
	}
	if err := m.cache.Delete(ctx, keys...); err != nil {
		m.log.Warn().Err(err).Msg("invalidate unread stats")
	}
}

func notFound(err error, what string) error {
	if errors.Is(err, database.ErrNotFound) {
		return types.NewNotFoundError(what + " not found")
	}
	return fmt.Errorf("get %s: %w", what, err)
}

// uniqueIds returns the sorted distinct positive ids.
func uniqueIds(ids []int) []int {
	out := slices.DeleteFunc(slices.Clone(ids), func(id int) bool { return id <= 0 })
	slices.Sort(out)
	return slices.Compact(out)
}

func adminName(conv database.Conversation, adminId int) string {
	for _, p := range conv.Participants {
		if p.AccountId == adminId {
			return p.Name()
		}
	}
	return "Someone"
}

func addedContent(admin string, added []types.User) string {
	names := make([]string, len(added))
	for i, u := range added {
		names[i] = u.Name()
	}
	return admin + " added " + strings.Join(names, ", ")
}
