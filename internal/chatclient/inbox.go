package chatclient

import (
	"slices"
	"sync"

	"github.com/npezzotti/go-messenger/internal/server"
	"github.com/npezzotti/go-messenger/internal/types"
)

// Inbox is the client's conversation list plus the one open conversation.
// It is fed the notifications a session receives.
type Inbox struct {
	mu            sync.Mutex
	self          types.User
	conversations map[string]*types.Conversation
	typing        map[string]map[int]string
	online        map[int]bool
	open          *Timeline
}

func NewInbox(self types.User, conversations []types.Conversation) *Inbox {
	in := &Inbox{
		self:          self,
		conversations: make(map[string]*types.Conversation, len(conversations)),
		typing:        make(map[string]map[int]string),
		online:        make(map[int]bool),
	}
	for i := range conversations {
		c := conversations[i]
		in.conversations[c.ExternalId] = &c
		for _, p := range c.Participants {
			in.online[p.Id] = p.IsOnline
		}
	}
	return in
}

// Replace swaps in a freshly fetched conversation list. The open timeline
// is kept when its conversation is still listed.
func (in *Inbox) Replace(conversations []types.Conversation) {
	in.mu.Lock()
	defer in.mu.Unlock()

	in.conversations = make(map[string]*types.Conversation, len(conversations))
	for i := range conversations {
		c := conversations[i]
		in.conversations[c.ExternalId] = &c
		for _, p := range c.Participants {
			in.online[p.Id] = p.IsOnline
		}
	}
	if in.open != nil && in.conversations[in.open.ConversationId()] == nil {
		in.open = nil
	}
}

// Open makes conversationId the open conversation and returns its fresh
// timeline, or nil when the conversation is unknown.
func (in *Inbox) Open(conversationId string) *Timeline {
	in.mu.Lock()
	defer in.mu.Unlock()

	c, ok := in.conversations[conversationId]
	if !ok {
		return nil
	}
	c.UnreadCount = 0
	in.open = NewTimeline(conversationId, types.Sender{Id: in.self.Id, Name: in.self.Name()})
	return in.open
}

// Current returns the open timeline, nil when nothing is open.
func (in *Inbox) Current() *Timeline {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.open
}

// Conversations returns the list most recently active first.
func (in *Inbox) Conversations() []types.Conversation {
	in.mu.Lock()
	defer in.mu.Unlock()

	out := make([]types.Conversation, 0, len(in.conversations))
	for _, c := range in.conversations {
		out = append(out, *c)
	}
	slices.SortFunc(out, func(a, b types.Conversation) int {
		if n := b.LastActivity.Compare(a.LastActivity); n != 0 {
			return n
		}
		return b.Id - a.Id
	})
	return out
}

func (in *Inbox) Conversation(conversationId string) (types.Conversation, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()

	c, ok := in.conversations[conversationId]
	if !ok {
		return types.Conversation{}, false
	}
	return *c, true
}

// Typing returns the names of the users typing in conversationId.
func (in *Inbox) Typing(conversationId string) []string {
	in.mu.Lock()
	defer in.mu.Unlock()

	var names []string
	for _, name := range in.typing[conversationId] {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (in *Inbox) IsOnline(userId int) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.online[userId]
}

// Apply folds a notification into the inbox. It reports whether the
// conversation list is stale and should be fetched again, which happens
// when the user is added to a conversation it does not know yet.
func (in *Inbox) Apply(n *server.Notification) (refresh bool) {
	in.mu.Lock()
	defer in.mu.Unlock()

	switch {
	case n.NewMessage != nil:
		return in.applyMessage(*n.NewMessage)
	case n.UserTyping != nil:
		in.applyTyping(n.UserTyping)
	case n.UserOnline != nil:
		in.setOnline(n.UserOnline.UserId, true)
	case n.UserOffline != nil:
		in.setOnline(n.UserOffline.UserId, false)
	case n.ReactionUpdate != nil:
		if in.isOpen(n.ReactionUpdate.ConversationId) {
			in.open.UpdateReactions(n.ReactionUpdate.MessageId, n.ReactionUpdate.Reactions)
		}
	case n.ConversationDeleted != nil:
		id := n.ConversationDeleted.ConversationId
		delete(in.conversations, id)
		delete(in.typing, id)
		if in.isOpen(id) {
			in.open = nil
		}
	case n.ParticipantsAdded != nil:
		return in.applyParticipantsAdded(n.ParticipantsAdded)
	case n.MessagesRead != nil:
		if in.isOpen(n.MessagesRead.ConversationId) {
			in.open.MarkRead(n.MessagesRead.UserId, n.MessagesRead.SeqId)
		}
	}
	return false
}

func (in *Inbox) isOpen(conversationId string) bool {
	return in.open != nil && in.open.ConversationId() == conversationId
}

func (in *Inbox) applyMessage(m types.Message) bool {
	c, ok := in.conversations[m.ConversationId]
	if !ok {
		return true
	}

	c.LastMessage = &types.LastMessage{
		Content:     m.Content,
		SenderId:    m.Sender.Id,
		SenderName:  m.Sender.Name,
		MessageType: m.MessageType,
		CreatedAt:   m.CreatedAt,
	}
	if m.CreatedAt.After(c.LastActivity) {
		c.LastActivity = m.CreatedAt
	}
	c.SeqId = max(c.SeqId, m.SeqId)

	if typing, ok := in.typing[m.ConversationId]; ok {
		delete(typing, m.Sender.Id)
	}

	if in.isOpen(m.ConversationId) {
		in.open.Receive(m)
	} else if m.Sender.Id != in.self.Id {
		c.UnreadCount++
	}
	return false
}

func (in *Inbox) applyTyping(t *server.UserTyping) {
	if t.UserId == in.self.Id {
		return
	}
	if !t.IsTyping {
		delete(in.typing[t.ConversationId], t.UserId)
		return
	}
	if in.typing[t.ConversationId] == nil {
		in.typing[t.ConversationId] = make(map[int]string)
	}
	in.typing[t.ConversationId][t.UserId] = t.UserName
}

func (in *Inbox) setOnline(userId int, online bool) {
	in.online[userId] = online
	for _, c := range in.conversations {
		for i := range c.Participants {
			if c.Participants[i].Id == userId {
				c.Participants[i].IsOnline = online
			}
		}
	}
}

func (in *Inbox) applyParticipantsAdded(pa *server.ParticipantsAdded) bool {
	c, ok := in.conversations[pa.ConversationId]
	if !ok {
		return true
	}

	for _, u := range pa.AddedUsers {
		if !c.HasParticipant(u.Id) {
			c.Participants = append(c.Participants, u)
		}
	}

	if pa.SystemMessage != nil {
		in.applyMessage(*pa.SystemMessage)
	}
	return false
}
