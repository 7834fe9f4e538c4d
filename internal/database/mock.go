package database

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) Ping(ctx context.Context) error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockChatRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (User, error) {
	args := m.Called(params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) GetAccountById(ctx context.Context, accountId int) (User, error) {
	args := m.Called(accountId)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) GetAccountsByIds(ctx context.Context, accountIds []int) ([]User, error) {
	args := m.Called(accountIds)
	users, _ := args.Get(0).([]User)
	return users, args.Error(1)
}
func (m *MockChatRepository) SearchAccounts(ctx context.Context, query string, excludeId, limit int) ([]User, error) {
	args := m.Called(query, excludeId, limit)
	users, _ := args.Get(0).([]User)
	return users, args.Error(1)
}
func (m *MockChatRepository) GetConversationByExternalId(ctx context.Context, externalId string) (Conversation, error) {
	args := m.Called(externalId)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockChatRepository) GetConversationById(ctx context.Context, id int) (Conversation, error) {
	args := m.Called(id)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockChatRepository) GetDirectConversation(ctx context.Context, directKey string) (Conversation, error) {
	args := m.Called(directKey)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockChatRepository) CreateConversation(ctx context.Context, params CreateConversationParams) (Conversation, error) {
	args := m.Called(params)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockChatRepository) AddParticipants(ctx context.Context, conversationId int, accountIds []int) ([]int, error) {
	args := m.Called(conversationId, accountIds)
	ids, _ := args.Get(0).([]int)
	return ids, args.Error(1)
}
func (m *MockChatRepository) DeleteConversation(ctx context.Context, conversationId int) error {
	args := m.Called(conversationId)
	return args.Error(0)
}
func (m *MockChatRepository) ListConversations(ctx context.Context, accountId int) ([]Conversation, error) {
	args := m.Called(accountId)
	conversations, _ := args.Get(0).([]Conversation)
	return conversations, args.Error(1)
}
func (m *MockChatRepository) ListPeerIds(ctx context.Context, accountId int) ([]int, error) {
	args := m.Called(accountId)
	ids, _ := args.Get(0).([]int)
	return ids, args.Error(1)
}
func (m *MockChatRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	args := m.Called(params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) GetMessage(ctx context.Context, messageId int) (Message, error) {
	args := m.Called(messageId)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) GetMessages(ctx context.Context, conversationId, after, before, limit int) ([]Message, error) {
	args := m.Called(conversationId, after, before, limit)
	messages, _ := args.Get(0).([]Message)
	return messages, args.Error(1)
}
func (m *MockChatRepository) UpdateLastReadSeqId(ctx context.Context, accountId, conversationId, seqId int) error {
	args := m.Called(accountId, conversationId, seqId)
	return args.Error(0)
}
func (m *MockChatRepository) ToggleReaction(ctx context.Context, messageId, accountId int, emoji string) ([]Reaction, error) {
	args := m.Called(messageId, accountId, emoji)
	reactions, _ := args.Get(0).([]Reaction)
	return reactions, args.Error(1)
}
func (m *MockChatRepository) GetUnreadStats(ctx context.Context, accountId int) (UnreadStats, error) {
	args := m.Called(accountId)
	return args.Get(0).(UnreadStats), args.Error(1)
}
