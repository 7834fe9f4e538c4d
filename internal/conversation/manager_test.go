package conversation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/npezzotti/go-messenger/internal/cache"
	"github.com/npezzotti/go-messenger/internal/database"
	"github.com/npezzotti/go-messenger/internal/presence"
	"github.com/npezzotti/go-messenger/internal/server"
	"github.com/npezzotti/go-messenger/internal/testutil"
	"github.com/npezzotti/go-messenger/internal/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var _ Broadcaster = (*server.ChatServer)(nil)

type mockBroadcaster struct {
	mock.Mock
}

func (b *mockBroadcaster) Publish(ctx context.Context, req server.PublishRequest) (server.PublishResult, error) {
	args := b.Called(req)
	return args.Get(0).(server.PublishResult), args.Error(1)
}

func (b *mockBroadcaster) SyncMembers(ctx context.Context, conversationId string, users []types.User) error {
	return b.Called(conversationId, users).Error(0)
}

func (b *mockBroadcaster) NotifyRoom(ctx context.Context, conversationId string, n *server.Notification) error {
	return b.Called(conversationId, n).Error(0)
}

func (b *mockBroadcaster) NotifyUsers(ctx context.Context, userIds []int, n *server.Notification) error {
	return b.Called(userIds, n).Error(0)
}

func (b *mockBroadcaster) UnloadRoom(ctx context.Context, conversationId string, deleted bool) error {
	return b.Called(conversationId, deleted).Error(0)
}

var (
	alice = database.User{Id: 1, Username: "alice", DisplayName: "Alice", EmailAddress: "alice@example.com"}
	bob   = database.User{Id: 2, Username: "bob", DisplayName: "Bob", EmailAddress: "bob@example.com"}
	carol = database.User{Id: 3, Username: "carol", DisplayName: "Carol", EmailAddress: "carol@example.com"}
)

func participant(u database.User) database.Participant {
	return database.Participant{AccountId: u.Id, Username: u.Username, DisplayName: u.DisplayName}
}

func directConversation() database.Conversation {
	return database.Conversation{
		Id:           1,
		ExternalId:   "conv1",
		DirectKey:    "1:2",
		Participants: []database.Participant{participant(alice), participant(bob)},
	}
}

func designTeam(members ...database.User) database.Conversation {
	conv := database.Conversation{
		Id:         1,
		ExternalId: "conv1",
		IsGroup:    true,
		Name:       "Design Team",
		AdminId:    alice.Id,
	}
	for _, u := range members {
		conv.Participants = append(conv.Participants, participant(u))
	}
	return conv
}

func newTestManager(t *testing.T, db *database.MockChatRepository, b *mockBroadcaster, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(testutil.TestLogger(t), db, b, opts...)
	m.newId = func() (string, error) { return "conv1", nil }
	return m
}

// cancelingRepo cancels the caller's context while the direct conversation
// lookup is running and records the lookup context's state afterwards.
type cancelingRepo struct {
	*database.MockChatRepository
	cancel    context.CancelFunc
	lookupErr error
}

func (r *cancelingRepo) GetDirectConversation(ctx context.Context, directKey string) (database.Conversation, error) {
	r.cancel()
	r.lookupErr = ctx.Err()
	return r.MockChatRepository.GetDirectConversation(ctx, directKey)
}

func newTestCache(t *testing.T) (*miniredis.Miniredis, cache.Cache) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rc.Close() })
	return mr, cache.NewRedisCache(rc)
}

func TestDirectKey(t *testing.T) {
	assert.Equal(t, "1:2", DirectKey(1, 2))
	assert.Equal(t, "1:2", DirectKey(2, 1))
	assert.Equal(t, "7:10", DirectKey(10, 7), "expected numeric, not lexical, ordering")
}

func TestCreateDirect(t *testing.T) {
	t.Run("with yourself", func(t *testing.T) {
		db := &database.MockChatRepository{}
		m := newTestManager(t, db, &mockBroadcaster{})

		_, _, err := m.CreateDirect(context.Background(), 1, 1)
		assert.Equal(t, types.KindValidation, types.KindOf(err))
		db.AssertNotCalled(t, "GetAccountById", mock.Anything)
	})

	t.Run("missing recipient", func(t *testing.T) {
		m := newTestManager(t, &database.MockChatRepository{}, &mockBroadcaster{})
		_, _, err := m.CreateDirect(context.Background(), 1, 0)
		assert.Equal(t, types.KindValidation, types.KindOf(err))
	})

	t.Run("unknown recipient", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetAccountById", 9).Return(database.User{}, database.ErrNotFound).Once()
		defer db.AssertExpectations(t)

		m := newTestManager(t, db, &mockBroadcaster{})
		_, _, err := m.CreateDirect(context.Background(), 1, 9)
		assert.Equal(t, types.KindNotFound, types.KindOf(err))
	})

	t.Run("idempotent in either order", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetAccountById", 2).Return(bob, nil).Once()
		db.On("GetAccountById", 1).Return(alice, nil).Once()
		db.On("GetDirectConversation", "1:2").Return(directConversation(), nil).Twice()
		defer db.AssertExpectations(t)

		m := newTestManager(t, db, &mockBroadcaster{})

		first, created, err := m.CreateDirect(context.Background(), 1, 2)
		require.NoError(t, err)
		assert.False(t, created)

		second, created, err := m.CreateDirect(context.Background(), 2, 1)
		require.NoError(t, err)
		assert.False(t, created)

		assert.Equal(t, first.ExternalId, second.ExternalId)
		db.AssertNotCalled(t, "CreateConversation", mock.Anything)
	})

	t.Run("creates when missing", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetAccountById", 1).Return(alice, nil).Once()
		db.On("GetDirectConversation", "1:2").Return(database.Conversation{}, database.ErrNotFound).Once()
		db.On("CreateConversation", database.CreateConversationParams{
			ExternalId:     "conv1",
			DirectKey:      "1:2",
			ParticipantIds: []int{1, 2},
		}).Return(directConversation(), nil).Once()
		defer db.AssertExpectations(t)

		m := newTestManager(t, db, &mockBroadcaster{})
		conv, created, err := m.CreateDirect(context.Background(), 2, 1)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, "conv1", conv.ExternalId)
		assert.False(t, conv.IsGroup)
		assert.ElementsMatch(t, []int{1, 2}, conv.ParticipantIds())
	})

	t.Run("lost insert race returns the winner", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetAccountById", 2).Return(bob, nil).Once()
		db.On("GetDirectConversation", "1:2").Return(database.Conversation{}, database.ErrNotFound).Once()
		db.On("CreateConversation", mock.Anything).Return(database.Conversation{}, database.ErrDuplicateKey).Once()
		db.On("GetDirectConversation", "1:2").Return(directConversation(), nil).Once()
		defer db.AssertExpectations(t)

		m := newTestManager(t, db, &mockBroadcaster{})
		conv, created, err := m.CreateDirect(context.Background(), 1, 2)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, "conv1", conv.ExternalId)
	})

	t.Run("lookup outlives the caller that started it", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetAccountById", 2).Return(bob, nil).Once()
		db.On("GetDirectConversation", "1:2").Return(directConversation(), nil).Once()
		defer db.AssertExpectations(t)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		repo := &cancelingRepo{MockChatRepository: db, cancel: cancel}
		m := NewManager(testutil.TestLogger(t), repo, &mockBroadcaster{})

		_, _, err := m.CreateDirect(ctx, 1, 2)
		require.NoError(t, err)
		assert.ErrorIs(t, ctx.Err(), context.Canceled)
		assert.NoError(t, repo.lookupErr, "expected the shared lookup to keep running")
	})

	t.Run("db error", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetAccountById", 2).Return(bob, nil).Once()
		db.On("GetDirectConversation", "1:2").Return(database.Conversation{}, errors.New("db error")).Once()
		defer db.AssertExpectations(t)

		m := newTestManager(t, db, &mockBroadcaster{})
		_, _, err := m.CreateDirect(context.Background(), 1, 2)
		assert.Error(t, err)
		assert.Equal(t, types.KindInternal, types.KindOf(err))
	})
}

func TestCreateGroup(t *testing.T) {
	tcases := []struct {
		name         string
		groupName    string
		participants []int
	}{
		{name: "empty name", groupName: "", participants: []int{2}},
		{name: "blank name", groupName: "   ", participants: []int{2}},
		{name: "no participants", groupName: "Design Team", participants: nil},
		{name: "only invalid ids", groupName: "Design Team", participants: []int{0, -1}},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			db := &database.MockChatRepository{}
			m := newTestManager(t, db, &mockBroadcaster{})

			_, err := m.CreateGroup(context.Background(), 1, tc.groupName, "", tc.participants)
			assert.Equal(t, types.KindValidation, types.KindOf(err))
			db.AssertNotCalled(t, "CreateConversation", mock.Anything)
		})
	}

	t.Run("unknown participant", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetAccountsByIds", []int{1, 2, 9}).Return([]database.User{alice, bob}, nil).Once()
		defer db.AssertExpectations(t)

		m := newTestManager(t, db, &mockBroadcaster{})
		_, err := m.CreateGroup(context.Background(), 1, "Design Team", "", []int{2, 9})
		assert.Equal(t, types.KindNotFound, types.KindOf(err))
		db.AssertNotCalled(t, "CreateConversation", mock.Anything)
	})

	t.Run("creator is admin and member", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetAccountsByIds", []int{1, 2, 3}).Return([]database.User{alice, bob, carol}, nil).Once()
		db.On("CreateConversation", database.CreateConversationParams{
			ExternalId:     "conv1",
			IsGroup:        true,
			Name:           "Design Team",
			Description:    "pixels",
			AdminId:        1,
			ParticipantIds: []int{1, 2, 3},
		}).Return(designTeam(alice, bob, carol), nil).Once()
		defer db.AssertExpectations(t)

		store := presence.NewMemoryStore()
		require.NoError(t, store.Connect(context.Background(), 2, "s1"))

		m := newTestManager(t, db, &mockBroadcaster{}, WithPresence(store))
		conv, err := m.CreateGroup(context.Background(), 1, " Design Team ", " pixels ", []int{3, 2, 2})
		require.NoError(t, err)
		assert.True(t, conv.IsGroup)
		assert.Equal(t, 1, conv.AdminId)
		assert.Equal(t, []int{1, 2, 3}, conv.ParticipantIds())
		assert.False(t, conv.Participants[0].IsOnline)
		assert.True(t, conv.Participants[1].IsOnline, "expected connected participants to be marked online")
	})
}

func TestAddParticipants(t *testing.T) {
	t.Run("conversation not found", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetConversationByExternalId", "nope").Return(database.Conversation{}, database.ErrNotFound).Once()
		defer db.AssertExpectations(t)

		m := newTestManager(t, db, &mockBroadcaster{})
		_, err := m.AddParticipants(context.Background(), "nope", 1, []int{3})
		assert.Equal(t, types.KindNotFound, types.KindOf(err))
	})

	t.Run("non admin", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetConversationByExternalId", "conv1").Return(designTeam(alice, bob), nil).Once()
		defer db.AssertExpectations(t)

		b := &mockBroadcaster{}
		m := newTestManager(t, db, b)
		_, err := m.AddParticipants(context.Background(), "conv1", bob.Id, []int{3})
		assert.Equal(t, types.KindPermission, types.KindOf(err))
		db.AssertNotCalled(t, "AddParticipants", mock.Anything, mock.Anything)
		b.AssertNotCalled(t, "Publish", mock.Anything)
	})

	t.Run("direct conversation", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetConversationByExternalId", "conv1").Return(directConversation(), nil).Once()
		defer db.AssertExpectations(t)

		m := newTestManager(t, db, &mockBroadcaster{})
		_, err := m.AddParticipants(context.Background(), "conv1", alice.Id, []int{3})
		assert.Equal(t, types.KindPermission, types.KindOf(err))
	})

	t.Run("empty user ids", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetConversationByExternalId", "conv1").Return(designTeam(alice, bob), nil).Once()
		defer db.AssertExpectations(t)

		m := newTestManager(t, db, &mockBroadcaster{})
		_, err := m.AddParticipants(context.Background(), "conv1", alice.Id, nil)
		assert.Equal(t, types.KindValidation, types.KindOf(err))
	})

	t.Run("unknown user", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetConversationByExternalId", "conv1").Return(designTeam(alice, bob), nil).Once()
		db.On("GetAccountsByIds", []int{9}).Return([]database.User{}, nil).Once()
		defer db.AssertExpectations(t)

		m := newTestManager(t, db, &mockBroadcaster{})
		_, err := m.AddParticipants(context.Background(), "conv1", alice.Id, []int{9})
		assert.Equal(t, types.KindNotFound, types.KindOf(err))
		db.AssertNotCalled(t, "AddParticipants", mock.Anything, mock.Anything)
	})

	t.Run("already members emits nothing", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetConversationByExternalId", "conv1").Return(designTeam(alice, bob), nil).Once()
		db.On("GetAccountsByIds", []int{2}).Return([]database.User{bob}, nil).Once()
		db.On("AddParticipants", 1, []int{2}).Return([]int{}, nil).Once()
		defer db.AssertExpectations(t)

		b := &mockBroadcaster{}
		m := newTestManager(t, db, b)
		res, err := m.AddParticipants(context.Background(), "conv1", alice.Id, []int{2})
		require.NoError(t, err)
		assert.Empty(t, res.Added)
		assert.Nil(t, res.SystemMessage)
		b.AssertNotCalled(t, "Publish", mock.Anything)
		b.AssertNotCalled(t, "NotifyUsers", mock.Anything, mock.Anything)
	})

	t.Run("publish failure still notifies", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetConversationByExternalId", "conv1").Return(designTeam(alice, bob), nil).Once()
		db.On("GetAccountsByIds", []int{3}).Return([]database.User{carol}, nil).Once()
		db.On("AddParticipants", 1, []int{3}).Return([]int{3}, nil).Once()
		db.On("GetConversationByExternalId", "conv1").Return(designTeam(alice, bob, carol), nil).Once()
		defer db.AssertExpectations(t)

		b := &mockBroadcaster{}
		b.On("SyncMembers", "conv1", mock.Anything).Return(nil).Once()
		b.On("Publish", mock.Anything).Return(server.PublishResult{}, types.NewTransportError("busy", nil)).Once()
		b.On("NotifyUsers", []int{1, 2, 3}, mock.MatchedBy(func(n *server.Notification) bool {
			return n.ParticipantsAdded != nil && n.ParticipantsAdded.SystemMessage == nil
		})).Return(nil).Once()
		defer b.AssertExpectations(t)

		m := newTestManager(t, db, b)
		res, err := m.AddParticipants(context.Background(), "conv1", alice.Id, []int{3})
		require.NoError(t, err)
		assert.Len(t, res.Added, 1)
		assert.Nil(t, res.SystemMessage)
	})
}

func TestDesignTeamScenario(t *testing.T) {
	db := &database.MockChatRepository{}
	defer db.AssertExpectations(t)
	b := &mockBroadcaster{}
	defer b.AssertExpectations(t)

	m := newTestManager(t, db, b)
	ctx := context.Background()

	// alice creates the group with bob
	db.On("GetAccountsByIds", []int{1, 2}).Return([]database.User{alice, bob}, nil).Once()
	db.On("CreateConversation", mock.MatchedBy(func(p database.CreateConversationParams) bool {
		return p.IsGroup && p.Name == "Design Team" && p.AdminId == 1
	})).Return(designTeam(alice, bob), nil).Once()

	group, err := m.CreateGroup(ctx, alice.Id, "Design Team", "", []int{bob.Id})
	require.NoError(t, err)
	assert.Equal(t, alice.Id, group.AdminId)

	// bob is not the admin
	db.On("GetConversationByExternalId", "conv1").Return(designTeam(alice, bob), nil).Once()
	_, err = m.AddParticipants(ctx, group.ExternalId, bob.Id, []int{carol.Id})
	require.Equal(t, types.KindPermission, types.KindOf(err))
	db.AssertNotCalled(t, "AddParticipants", mock.Anything, mock.Anything)

	// alice adds carol
	systemMsg := types.Message{
		Id:             11,
		SeqId:          1,
		ConversationId: "conv1",
		Sender:         types.Sender{Id: 1, Name: "Alice"},
		Content:        "Alice added Carol",
		MessageType:    types.MessageTypeSystem,
	}
	db.On("GetConversationByExternalId", "conv1").Return(designTeam(alice, bob), nil).Once()
	db.On("GetAccountsByIds", []int{3}).Return([]database.User{carol}, nil).Once()
	db.On("AddParticipants", 1, []int{3}).Return([]int{3}, nil).Once()
	db.On("GetConversationByExternalId", "conv1").Return(designTeam(alice, bob, carol), nil).Once()

	carolUser := carol.ToType()
	b.On("SyncMembers", "conv1", []types.User{carolUser}).Return(nil).Once()
	b.On("Publish", server.PublishRequest{
		ConversationId: "conv1",
		SenderId:       1,
		Content:        "Alice added Carol",
		System:         true,
	}).Return(server.PublishResult{Message: systemMsg, Delivered: true}, nil).Once()
	b.On("NotifyUsers", []int{1, 2, 3}, &server.Notification{
		ParticipantsAdded: &server.ParticipantsAdded{
			ConversationId: "conv1",
			AddedUsers:     []types.User{carolUser},
			SystemMessage:  &systemMsg,
		},
	}).Return(nil).Once()

	res, err := m.AddParticipants(ctx, group.ExternalId, alice.Id, []int{carol.Id, carol.Id})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, res.Conversation.ParticipantIds())
	require.NotNil(t, res.SystemMessage)
	assert.Equal(t, types.MessageTypeSystem, res.SystemMessage.MessageType)
	assert.Equal(t, []types.User{carolUser}, res.Added)
}

func TestDeleteConversation(t *testing.T) {
	t.Run("not a participant", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetConversationByExternalId", "conv1").Return(directConversation(), nil).Once()
		defer db.AssertExpectations(t)

		b := &mockBroadcaster{}
		m := newTestManager(t, db, b)
		err := m.DeleteConversation(context.Background(), "conv1", carol.Id)
		assert.Equal(t, types.KindPermission, types.KindOf(err))
		db.AssertNotCalled(t, "DeleteConversation", mock.Anything)
		b.AssertNotCalled(t, "UnloadRoom", mock.Anything, mock.Anything)
	})

	t.Run("not found", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetConversationByExternalId", "conv1").Return(database.Conversation{}, database.ErrNotFound).Once()
		defer db.AssertExpectations(t)

		m := newTestManager(t, db, &mockBroadcaster{})
		err := m.DeleteConversation(context.Background(), "conv1", alice.Id)
		assert.Equal(t, types.KindNotFound, types.KindOf(err))
	})

	t.Run("concurrently deleted", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetConversationByExternalId", "conv1").Return(directConversation(), nil).Once()
		db.On("DeleteConversation", 1).Return(database.ErrNotFound).Once()
		defer db.AssertExpectations(t)

		b := &mockBroadcaster{}
		m := newTestManager(t, db, b)
		err := m.DeleteConversation(context.Background(), "conv1", alice.Id)
		assert.Equal(t, types.KindNotFound, types.KindOf(err))
		b.AssertNotCalled(t, "NotifyUsers", mock.Anything, mock.Anything)
	})

	t.Run("any participant deletes and everyone is told", func(t *testing.T) {
		mr, c := newTestCache(t)
		require.NoError(t, mr.Set(cache.UnreadStatsKey(1), "{}"))
		require.NoError(t, mr.Set(cache.UnreadStatsKey(2), "{}"))

		db := &database.MockChatRepository{}
		db.On("GetConversationByExternalId", "conv1").Return(designTeam(alice, bob), nil).Once()
		db.On("DeleteConversation", 1).Return(nil).Once()
		defer db.AssertExpectations(t)

		b := &mockBroadcaster{}
		b.On("UnloadRoom", "conv1", true).Return(nil).Once()
		b.On("NotifyUsers", []int{1, 2}, &server.Notification{
			ConversationDeleted: &server.ConversationDeleted{ConversationId: "conv1", DeletedBy: bob.Id},
		}).Return(nil).Once()
		defer b.AssertExpectations(t)

		m := newTestManager(t, db, b, WithCache(c))
		require.NoError(t, m.DeleteConversation(context.Background(), "conv1", bob.Id))

		assert.False(t, mr.Exists(cache.UnreadStatsKey(1)))
		assert.False(t, mr.Exists(cache.UnreadStatsKey(2)))
	})
}

func TestListConversations(t *testing.T) {
	now := time.Now().UTC()
	older := directConversation()
	older.LastActivity = now.Add(-time.Hour)
	newer := designTeam(alice, bob, carol)
	newer.ExternalId = "conv2"
	newer.LastActivity = now
	newer.UnreadCount = 3

	db := &database.MockChatRepository{}
	db.On("ListConversations", 1).Return([]database.Conversation{newer, older}, nil).Once()
	defer db.AssertExpectations(t)

	store := presence.NewMemoryStore()
	require.NoError(t, store.Connect(context.Background(), 3, "s1"))

	m := newTestManager(t, db, &mockBroadcaster{}, WithPresence(store))
	convs, err := m.ListConversations(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, "conv2", convs[0].ExternalId)
	assert.Equal(t, 3, convs[0].UnreadCount)
	assert.True(t, convs[0].Participants[2].IsOnline)
	assert.False(t, convs[1].Participants[1].IsOnline)
}

func TestGetConversation(t *testing.T) {
	db := &database.MockChatRepository{}
	db.On("GetConversationByExternalId", "conv1").Return(directConversation(), nil).Twice()
	defer db.AssertExpectations(t)

	m := newTestManager(t, db, &mockBroadcaster{})

	conv, err := m.GetConversation(context.Background(), "conv1", bob.Id)
	require.NoError(t, err)
	assert.Equal(t, "conv1", conv.ExternalId)

	_, err = m.GetConversation(context.Background(), "conv1", carol.Id)
	assert.Equal(t, types.KindPermission, types.KindOf(err))
}

func TestListMessages(t *testing.T) {
	msgs := []database.Message{
		{Id: 1, ConversationId: 1, SeqId: 1, SenderId: 1, SenderName: "Alice", Content: "hi", MessageType: "text"},
		{Id: 2, ConversationId: 1, SeqId: 2, SenderId: 2, SenderName: "Bob", Content: "hey", MessageType: "text",
			Reactions: []database.Reaction{{Emoji: "👍", AccountIds: []int{1}}}},
	}

	tcases := []struct {
		name          string
		limit         int
		expectedLimit int
	}{
		{name: "default limit", limit: 0, expectedLimit: DefaultMessageLimit},
		{name: "explicit limit", limit: 10, expectedLimit: 10},
		{name: "clamped limit", limit: 1000, expectedLimit: MaxMessageLimit},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			db := &database.MockChatRepository{}
			db.On("GetConversationByExternalId", "conv1").Return(directConversation(), nil).Once()
			db.On("GetMessages", 1, 0, 3, tc.expectedLimit).Return(msgs, nil).Once()
			defer db.AssertExpectations(t)

			m := newTestManager(t, db, &mockBroadcaster{})
			out, err := m.ListMessages(context.Background(), "conv1", alice.Id, 3, 0, tc.limit)
			require.NoError(t, err)
			require.Len(t, out, 2)
			assert.Equal(t, "conv1", out[0].ConversationId)
			assert.Less(t, out[0].SeqId, out[1].SeqId)
			assert.Equal(t, 1, out[1].Reactions[0].Count)
		})
	}

	t.Run("not a participant", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetConversationByExternalId", "conv1").Return(directConversation(), nil).Once()
		defer db.AssertExpectations(t)

		m := newTestManager(t, db, &mockBroadcaster{})
		_, err := m.ListMessages(context.Background(), "conv1", carol.Id, 0, 0, 0)
		assert.Equal(t, types.KindPermission, types.KindOf(err))
		db.AssertNotCalled(t, "GetMessages", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("negative bound", func(t *testing.T) {
		m := newTestManager(t, &database.MockChatRepository{}, &mockBroadcaster{})
		_, err := m.ListMessages(context.Background(), "conv1", alice.Id, -1, 0, 0)
		assert.Equal(t, types.KindValidation, types.KindOf(err))
	})
}

func TestSendMessage(t *testing.T) {
	req := server.PublishRequest{ConversationId: "conv1", SenderId: 1, Content: "hello", CorrelationId: "tmp-1"}
	msg := types.Message{Id: 5, SeqId: 5, ConversationId: "conv1", Content: "hello", CorrelationId: "tmp-1"}

	b := &mockBroadcaster{}
	b.On("Publish", req).Return(server.PublishResult{Message: msg, Delivered: true}, nil).Once()
	defer b.AssertExpectations(t)

	m := newTestManager(t, &database.MockChatRepository{}, b)

	spoofed := req
	spoofed.System = true
	res, err := m.SendMessage(context.Background(), spoofed)
	require.NoError(t, err)
	assert.Equal(t, "tmp-1", res.Message.CorrelationId)
	assert.True(t, res.Delivered)
}

func TestSearchUsers(t *testing.T) {
	t.Run("blank query", func(t *testing.T) {
		db := &database.MockChatRepository{}
		m := newTestManager(t, db, &mockBroadcaster{})

		users, err := m.SearchUsers(context.Background(), 1, "  ", 0)
		require.NoError(t, err)
		assert.Empty(t, users)
		db.AssertNotCalled(t, "SearchAccounts", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("annotates presence", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("SearchAccounts", "b", 1, DefaultSearchLimit).Return([]database.User{bob}, nil).Once()
		db.On("SearchAccounts", "b", 1, MaxSearchLimit).Return([]database.User{bob}, nil).Once()
		defer db.AssertExpectations(t)

		store := presence.NewMemoryStore()
		require.NoError(t, store.Connect(context.Background(), 2, "s1"))

		m := newTestManager(t, db, &mockBroadcaster{}, WithPresence(store))
		users, err := m.SearchUsers(context.Background(), 1, " b ", 0)
		require.NoError(t, err)
		require.Len(t, users, 1)
		assert.True(t, users[0].IsOnline)
		assert.Empty(t, users[0].EmailAddress, "expected email addresses to stay private")

		_, err = m.SearchUsers(context.Background(), 1, "b", 500)
		require.NoError(t, err)
	})
}

func TestUnreadStats(t *testing.T) {
	_, c := newTestCache(t)

	db := &database.MockChatRepository{}
	db.On("GetUnreadStats", 1).Return(database.UnreadStats{TotalUnread: 4, ConversationsWithUnread: 2}, nil).Once()
	defer db.AssertExpectations(t)

	m := newTestManager(t, db, &mockBroadcaster{}, WithCache(c))

	for range 2 {
		s, err := m.UnreadStats(context.Background(), 1)
		require.NoError(t, err)
		assert.Equal(t, types.UnreadStats{TotalUnread: 4, ConversationsWithUnread: 2}, s)
	}
}

func TestToggleReaction(t *testing.T) {
	msg := database.Message{Id: 7, ConversationId: 1, SeqId: 3, SenderId: 2}

	t.Run("invalid emoji", func(t *testing.T) {
		m := newTestManager(t, &database.MockChatRepository{}, &mockBroadcaster{})
		_, err := m.ToggleReaction(context.Background(), 7, 1, " ")
		assert.Equal(t, types.KindValidation, types.KindOf(err))
	})

	t.Run("message not found", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetMessage", 7).Return(database.Message{}, database.ErrNotFound).Once()
		defer db.AssertExpectations(t)

		m := newTestManager(t, db, &mockBroadcaster{})
		_, err := m.ToggleReaction(context.Background(), 7, 1, "👍")
		assert.Equal(t, types.KindNotFound, types.KindOf(err))
	})

	t.Run("not a participant", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetMessage", 7).Return(msg, nil).Once()
		db.On("GetConversationById", 1).Return(directConversation(), nil).Once()
		defer db.AssertExpectations(t)

		m := newTestManager(t, db, &mockBroadcaster{})
		_, err := m.ToggleReaction(context.Background(), 7, carol.Id, "👍")
		assert.Equal(t, types.KindPermission, types.KindOf(err))
		db.AssertNotCalled(t, "ToggleReaction", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("toggles and notifies the room", func(t *testing.T) {
		db := &database.MockChatRepository{}
		db.On("GetMessage", 7).Return(msg, nil).Once()
		db.On("GetConversationById", 1).Return(directConversation(), nil).Once()
		db.On("ToggleReaction", 7, 1, "👍").Return([]database.Reaction{{Emoji: "👍", AccountIds: []int{1, 2}}}, nil).Once()
		defer db.AssertExpectations(t)

		b := &mockBroadcaster{}
		b.On("NotifyRoom", "conv1", mock.MatchedBy(func(n *server.Notification) bool {
			return n.ReactionUpdate != nil &&
				n.ReactionUpdate.MessageId == 7 &&
				n.ReactionUpdate.Reactions[0].Count == 2
		})).Return(nil).Once()
		defer b.AssertExpectations(t)

		m := newTestManager(t, db, b)
		reactions, err := m.ToggleReaction(context.Background(), 7, 1, "👍")
		require.NoError(t, err)
		assert.Equal(t, []types.Reaction{{Emoji: "👍", Count: 2, UserIds: []int{1, 2}}}, reactions)
	})
}

func Test_uniqueIds(t *testing.T) {
	assert.Equal(t, []int{1, 2, 3}, uniqueIds([]int{3, 1, 2, 3, 0, -4, 1}))
	assert.Empty(t, uniqueIds(nil))
}

func Test_addedContent(t *testing.T) {
	assert.Equal(t, "Alice added Bob, Carol", addedContent("Alice", []types.User{bob.ToType(), carol.ToType()}))
	assert.Equal(t, "Someone", adminName(directConversation(), 42))
}
