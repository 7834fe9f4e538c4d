package chatclient

import (
	"testing"
	"time"

	"github.com/npezzotti/go-messenger/internal/server"
	"github.com/npezzotti/go-messenger/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testInbox() *Inbox {
	now := time.Now().UTC()
	return NewInbox(types.User{Id: 1, Username: "alice", DisplayName: "Alice"}, []types.Conversation{
		{
			Id:           1,
			ExternalId:   "direct",
			LastActivity: now.Add(-time.Hour),
			Participants: []types.User{{Id: 1}, {Id: 2, IsOnline: true}},
		},
		{
			Id:           2,
			ExternalId:   "group",
			IsGroup:      true,
			Name:         "Design Team",
			LastActivity: now,
			Participants: []types.User{{Id: 1}, {Id: 2, IsOnline: true}, {Id: 3}},
		},
	})
}

func TestInbox_Conversations(t *testing.T) {
	in := testInbox()
	convs := in.Conversations()
	require.Len(t, convs, 2)
	assert.Equal(t, "group", convs[0].ExternalId, "expected most recent activity first")
	assert.True(t, in.IsOnline(2))
}

func TestInbox_NewMessage(t *testing.T) {
	in := testInbox()
	m := types.Message{Id: 9, SeqId: 4, ConversationId: "direct", Sender: types.Sender{Id: 2, Name: "Bob"}, Content: "hi", CreatedAt: time.Now().UTC().Add(time.Minute)}

	refresh := in.Apply(&server.Notification{NewMessage: &m})
	assert.False(t, refresh)

	c, ok := in.Conversation("direct")
	require.True(t, ok)
	assert.Equal(t, 1, c.UnreadCount)
	assert.Equal(t, "hi", c.LastMessage.Content)
	assert.Equal(t, 4, c.SeqId)
	assert.Equal(t, "direct", in.Conversations()[0].ExternalId, "expected the conversation to move to the top")

	t.Run("open conversation gets the message instead of unread", func(t *testing.T) {
		tl := in.Open("direct")
		require.NotNil(t, tl)

		m2 := m
		m2.Id, m2.SeqId = 10, 5
		in.Apply(&server.Notification{NewMessage: &m2})

		c, _ := in.Conversation("direct")
		assert.Equal(t, 0, c.UnreadCount)
		assert.Len(t, tl.Entries(), 1)
	})

	t.Run("unknown conversation asks for a refresh", func(t *testing.T) {
		unknown := types.Message{Id: 1, ConversationId: "new"}
		assert.True(t, in.Apply(&server.Notification{NewMessage: &unknown}))
	})
}

func TestInbox_Typing(t *testing.T) {
	in := testInbox()

	in.Apply(&server.Notification{UserTyping: &server.UserTyping{ConversationId: "group", UserId: 3, UserName: "Carol", IsTyping: true}})
	in.Apply(&server.Notification{UserTyping: &server.UserTyping{ConversationId: "group", UserId: 2, UserName: "Bob", IsTyping: true}})
	in.Apply(&server.Notification{UserTyping: &server.UserTyping{ConversationId: "group", UserId: 1, UserName: "Alice", IsTyping: true}})
	assert.Equal(t, []string{"Bob", "Carol"}, in.Typing("group"))

	in.Apply(&server.Notification{UserTyping: &server.UserTyping{ConversationId: "group", UserId: 2, IsTyping: false}})
	assert.Equal(t, []string{"Carol"}, in.Typing("group"))

	m := types.Message{Id: 1, SeqId: 1, ConversationId: "group", Sender: types.Sender{Id: 3}}
	in.Apply(&server.Notification{NewMessage: &m})
	assert.Empty(t, in.Typing("group"), "expected a message to clear its sender's typing flag")
}

func TestInbox_Presence(t *testing.T) {
	in := testInbox()

	in.Apply(&server.Notification{UserOffline: &server.UserPresence{UserId: 2}})
	assert.False(t, in.IsOnline(2))
	c, _ := in.Conversation("group")
	assert.False(t, c.Participants[1].IsOnline)

	in.Apply(&server.Notification{UserOnline: &server.UserPresence{UserId: 3}})
	c, _ = in.Conversation("group")
	assert.True(t, c.Participants[2].IsOnline)
}

func TestInbox_ConversationDeleted(t *testing.T) {
	in := testInbox()
	require.NotNil(t, in.Open("group"))
	in.Apply(&server.Notification{UserTyping: &server.UserTyping{ConversationId: "group", UserId: 2, UserName: "Bob", IsTyping: true}})

	in.Apply(&server.Notification{ConversationDeleted: &server.ConversationDeleted{ConversationId: "group", DeletedBy: 2}})

	_, ok := in.Conversation("group")
	assert.False(t, ok, "expected the conversation to be evicted")
	assert.Nil(t, in.Current(), "expected the open view to be reset")
	assert.Empty(t, in.Typing("group"))
	assert.Nil(t, in.Open("group"))

	t.Run("other open conversation is kept", func(t *testing.T) {
		in := testInbox()
		tl := in.Open("direct")
		in.Apply(&server.Notification{ConversationDeleted: &server.ConversationDeleted{ConversationId: "group"}})
		assert.Same(t, tl, in.Current())
	})
}

func TestInbox_ParticipantsAdded(t *testing.T) {
	in := testInbox()
	system := &types.Message{Id: 30, SeqId: 7, ConversationId: "group", Sender: types.Sender{Id: 2}, Content: "Bob added Dave", MessageType: types.MessageTypeSystem}

	refresh := in.Apply(&server.Notification{ParticipantsAdded: &server.ParticipantsAdded{
		ConversationId: "group",
		AddedUsers:     []types.User{{Id: 4, Username: "dave"}, {Id: 3}},
		SystemMessage:  system,
	}})
	assert.False(t, refresh)

	c, _ := in.Conversation("group")
	assert.Equal(t, []int{1, 2, 3, 4}, c.ParticipantIds())
	assert.Equal(t, "Bob added Dave", c.LastMessage.Content)

	assert.True(t, in.Apply(&server.Notification{ParticipantsAdded: &server.ParticipantsAdded{ConversationId: "elsewhere"}}),
		"expected being added to an unknown conversation to ask for a refresh")
}

func TestInbox_ReadAndReactions(t *testing.T) {
	in := testInbox()
	tl := in.Open("direct")
	p := tl.AddProvisional("hello", nil)
	tl.Ack(serverCopy(p, 40, 2), true)

	in.Apply(&server.Notification{ReactionUpdate: &server.ReactionUpdate{
		ConversationId: "direct",
		MessageId:      40,
		Reactions:      []types.Reaction{{Emoji: "🎉", Count: 1, UserIds: []int{2}}},
	}})
	in.Apply(&server.Notification{MessagesRead: &server.MessagesRead{ConversationId: "direct", UserId: 2, SeqId: 2}})

	e := tl.Entries()[0]
	assert.Equal(t, StatusRead, e.Status)
	assert.Len(t, e.Message.Reactions, 1)
}

func TestInbox_Replace(t *testing.T) {
	in := testInbox()
	tl := in.Open("group")
	require.NotNil(t, tl)

	in.Replace([]types.Conversation{
		{Id: 2, ExternalId: "group", IsGroup: true, Name: "Design Team"},
		{Id: 5, ExternalId: "new", IsGroup: true, Name: "Launch", Participants: []types.User{{Id: 4, IsOnline: true}}},
	})

	assert.Same(t, tl, in.Current(), "open conversation still listed")
	_, ok := in.Conversation("direct")
	assert.False(t, ok)
	_, ok = in.Conversation("new")
	assert.True(t, ok)
	assert.True(t, in.IsOnline(4))

	in.Replace(nil)
	assert.Nil(t, in.Current())
}
