package presence

import (
	"sync"
	"time"
)

type typingKey struct {
	conversationId string
	userId         int
}

type typingEntry struct {
	timer *time.Timer
	gen   uint64
}

// TypingTracker holds per conversation, per user typing flags. With a
// positive ttl a flag that is not refreshed within ttl is cleared and
// onExpire is called. With ttl <= 0 flags live until Stop.
type TypingTracker struct {
	ttl      time.Duration
	onExpire func(conversationId string, userId int)

	mu      sync.Mutex
	gen     uint64
	entries map[typingKey]*typingEntry
}

func NewTypingTracker(ttl time.Duration, onExpire func(conversationId string, userId int)) *TypingTracker {
	return &TypingTracker{
		ttl:      ttl,
		onExpire: onExpire,
		entries:  make(map[typingKey]*typingEntry),
	}
}

func (t *TypingTracker) TTL() time.Duration {
	return t.ttl
}

// Start marks userId as typing in conversationId, refreshing the expiry if
// it already was. It reports whether this was an idle to typing transition.
func (t *TypingTracker) Start(conversationId string, userId int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := typingKey{conversationId, userId}
	e, exists := t.entries[key]
	if !exists {
		e = &typingEntry{}
		t.entries[key] = e
	}

	if t.ttl > 0 {
		if e.timer != nil {
			e.timer.Stop()
		}
		t.gen++
		gen := t.gen
		e.gen = gen
		e.timer = time.AfterFunc(t.ttl, func() { t.expire(key, gen) })
	}

	return !exists
}

// Stop clears the flag and reports whether userId was typing.
func (t *TypingTracker) Stop(conversationId string, userId int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.remove(typingKey{conversationId, userId})
}

func (t *TypingTracker) remove(key typingKey) bool {
	e, ok := t.entries[key]
	if !ok {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(t.entries, key)
	return true
}

// expire runs on the timer goroutine. A refresh or stop since the timer was
// armed changes the generation, which turns this into a no-op.
func (t *TypingTracker) expire(key typingKey, gen uint64) {
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok || e.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.entries, key)
	t.mu.Unlock()

	if t.onExpire != nil {
		t.onExpire(key.conversationId, key.userId)
	}
}

func (t *TypingTracker) IsTyping(conversationId string, userId int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.entries[typingKey{conversationId, userId}]
	return ok
}

// Typing returns the users currently typing in conversationId.
func (t *TypingTracker) Typing(conversationId string) []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var users []int
	for k := range t.entries {
		if k.conversationId == conversationId {
			users = append(users, k.userId)
		}
	}
	return users
}

// ClearConversation drops every flag in conversationId without calling
// onExpire and returns the users that were typing.
func (t *TypingTracker) ClearConversation(conversationId string) []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var users []int
	for k := range t.entries {
		if k.conversationId == conversationId {
			t.remove(k)
			users = append(users, k.userId)
		}
	}
	return users
}
