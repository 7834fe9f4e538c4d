package chatclient

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/go-messenger/internal/types"
)

type Status int

const (
	StatusSending Status = iota
	StatusSent
	StatusDelivered
	StatusRead
	// StatusFailed sends are never retried.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSending:
		return "sending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Entry is one line of a conversation's timeline. Provisional entries have
// no server id yet.
type Entry struct {
	Message types.Message
	Status  Status
	Error   string
}

func (e Entry) Provisional() bool {
	return e.Message.Id == 0
}

// Timeline is the client side view of one conversation. Sends are shown
// immediately and later replaced in place by the server's copy, matched by
// correlation id.
type Timeline struct {
	mu             sync.Mutex
	conversationId string
	self           types.Sender
	entries        []Entry
	// index of provisional entries by correlation id
	pending map[string]int
	seen    map[int]struct{}
}

func NewTimeline(conversationId string, self types.Sender) *Timeline {
	return &Timeline{
		conversationId: conversationId,
		self:           self,
		pending:        make(map[string]int),
		seen:           make(map[int]struct{}),
	}
}

func (t *Timeline) ConversationId() string {
	return t.conversationId
}

// AddProvisional appends a message in the sending state and returns it with
// a fresh correlation id.
func (t *Timeline) AddProvisional(content string, attachment *types.Attachment) types.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg := types.Message{
		ConversationId: t.conversationId,
		Sender:         t.self,
		Content:        content,
		MessageType:    types.MessageTypeText,
		CorrelationId:  uuid.NewString(),
		CreatedAt:      time.Now().UTC(),
	}
	if attachment != nil {
		msg.Attachments = []types.Attachment{*attachment}
		msg.MessageType = types.MessageTypeImage
	}

	t.pending[msg.CorrelationId] = len(t.entries)
	t.entries = append(t.entries, Entry{Message: msg, Status: StatusSending})
	return msg
}

// Ack applies the server's response to a send.
func (t *Timeline) Ack(msg types.Message, delivered bool) {
	status := StatusSent
	if delivered {
		status = StatusDelivered
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.confirm(msg, status)
}

// Fail marks the provisional entry for correlationId as failed. The entry
// stays matchable so a broadcast proving the send was persisted after all
// replaces it instead of showing the message twice.
func (t *Timeline) Fail(correlationId string, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i, ok := t.pending[correlationId]
	if !ok {
		return
	}
	t.entries[i].Status = StatusFailed
	t.entries[i].Error = reason
}

// Receive applies a newMessage broadcast. Own sends replace their
// provisional entry, messages already shown are ignored and everything else
// is appended.
func (t *Timeline) Receive(msg types.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.confirm(msg, StatusSent)
}

func (t *Timeline) confirm(msg types.Message, status Status) {
	if _, ok := t.seen[msg.Id]; ok {
		for i := range t.entries {
			if t.entries[i].Message.Id == msg.Id {
				t.advance(i, status)
				return
			}
		}
		return
	}

	if msg.CorrelationId != "" {
		if i, ok := t.pending[msg.CorrelationId]; ok {
			delete(t.pending, msg.CorrelationId)
			t.entries[i].Message = msg
			t.seen[msg.Id] = struct{}{}
			t.advance(i, status)
			return
		}
	}

	t.seen[msg.Id] = struct{}{}
	t.entries = append(t.entries, Entry{Message: msg, Status: status})
}

// advance moves an entry forward, never back.
func (t *Timeline) advance(i int, status Status) {
	cur := t.entries[i].Status
	if cur == StatusFailed {
		// a late confirmation of a send already reported as failed
		if status != StatusFailed {
			t.entries[i].Status = status
			t.entries[i].Error = ""
		}
		return
	}
	if status > cur {
		t.entries[i].Status = status
	}
}

// MarkRead applies a messagesRead event: own messages up to seqId that
// another user has read move to read.
func (t *Timeline) MarkRead(readerId, seqId int) {
	if readerId == t.self.Id {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for i, e := range t.entries {
		if e.Provisional() || e.Message.Sender.Id != t.self.Id || e.Message.SeqId > seqId {
			continue
		}
		t.advance(i, StatusRead)
	}
}

// UpdateReactions replaces the reactions of a message.
func (t *Timeline) UpdateReactions(messageId int, reactions []types.Reaction) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.entries {
		if t.entries[i].Message.Id == messageId {
			t.entries[i].Message.Reactions = reactions
			return
		}
	}
}

// LastSeqId returns the highest confirmed seq id.
func (t *Timeline) LastSeqId() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var seq int
	for _, e := range t.entries {
		seq = max(seq, e.Message.SeqId)
	}
	return seq
}

// Entries returns a copy of the timeline in display order.
func (t *Timeline) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}
