package database

import "context"

type ChatRepository interface {
	Ping(ctx context.Context) error
	CreateAccount(ctx context.Context, params CreateAccountParams) (User, error)
	GetAccountById(ctx context.Context, accountId int) (User, error)
	GetAccountsByIds(ctx context.Context, accountIds []int) ([]User, error)
	SearchAccounts(ctx context.Context, query string, excludeId, limit int) ([]User, error)
	GetConversationByExternalId(ctx context.Context, externalId string) (Conversation, error)
	GetConversationById(ctx context.Context, id int) (Conversation, error)
	GetDirectConversation(ctx context.Context, directKey string) (Conversation, error)
	CreateConversation(ctx context.Context, params CreateConversationParams) (Conversation, error)
	AddParticipants(ctx context.Context, conversationId int, accountIds []int) ([]int, error)
	DeleteConversation(ctx context.Context, conversationId int) error
	ListConversations(ctx context.Context, accountId int) ([]Conversation, error)
	ListPeerIds(ctx context.Context, accountId int) ([]int, error)
	CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error)
	GetMessage(ctx context.Context, messageId int) (Message, error)
	GetMessages(ctx context.Context, conversationId, after, before, limit int) ([]Message, error)
	UpdateLastReadSeqId(ctx context.Context, accountId, conversationId, seqId int) error
	ToggleReaction(ctx context.Context, messageId, accountId int, emoji string) ([]Reaction, error)
	GetUnreadStats(ctx context.Context, accountId int) (UnreadStats, error)
}
