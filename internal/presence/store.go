package presence

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store records which sessions each user has open. The chat server is the
// writer; request handlers read it to annotate users with their status.
type Store interface {
	Connect(ctx context.Context, userId int, sessionId string) error
	Disconnect(ctx context.Context, userId int, sessionId string) error
	Online(ctx context.Context, userIds ...int) (map[int]bool, error)
}

type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[int]map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[int]map[string]struct{})}
}

func (s *MemoryStore) Connect(_ context.Context, userId int, sessionId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sessions[userId] == nil {
		s.sessions[userId] = make(map[string]struct{})
	}
	s.sessions[userId][sessionId] = struct{}{}
	return nil
}

func (s *MemoryStore) Disconnect(_ context.Context, userId int, sessionId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sessions, ok := s.sessions[userId]; ok {
		delete(sessions, sessionId)
		if len(sessions) == 0 {
			delete(s.sessions, userId)
		}
	}
	return nil
}

func (s *MemoryStore) Online(_ context.Context, userIds ...int) (map[int]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	online := make(map[int]bool, len(userIds))
	for _, id := range userIds {
		online[id] = len(s.sessions[id]) > 0
	}
	return online, nil
}

const (
	redisKeyPrefix = "presence:user:"
	// sessionSetTTL bounds how long a crashed process can leave users
	// marked online. Each new session refreshes it.
	sessionSetTTL = 24 * time.Hour
)

// RedisStore keeps one set of session ids per user so other processes and
// request handlers can read presence without asking the chat server.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func redisKey(userId int) string {
	return redisKeyPrefix + strconv.Itoa(userId)
}

func (s *RedisStore) Connect(ctx context.Context, userId int, sessionId string) error {
	key := redisKey(userId)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, sessionId)
		pipe.Expire(ctx, key, sessionSetTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("presence connect: %w", err)
	}
	return nil
}

func (s *RedisStore) Disconnect(ctx context.Context, userId int, sessionId string) error {
	if err := s.client.SRem(ctx, redisKey(userId), sessionId).Err(); err != nil {
		return fmt.Errorf("presence disconnect: %w", err)
	}
	return nil
}

func (s *RedisStore) Online(ctx context.Context, userIds ...int) (map[int]bool, error) {
	online := make(map[int]bool, len(userIds))
	if len(userIds) == 0 {
		return online, nil
	}

	cmds := make([]*redis.IntCmd, len(userIds))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range userIds {
			cmds[i] = pipe.SCard(ctx, redisKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("presence online: %w", err)
	}

	for i, id := range userIds {
		online[id] = cmds[i].Val() > 0
	}
	return online, nil
}
