package database

import "time"

type User struct {
	Id           int
	Username     string
	DisplayName  string
	EmailAddress string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Participant struct {
	AccountId     int
	Username      string
	DisplayName   string
	LastReadSeqId int
	JoinedAt      time.Time
}

type LastMessage struct {
	Content     string
	SenderId    int
	SenderName  string
	MessageType string
	CreatedAt   time.Time
}

type Conversation struct {
	Id           int
	ExternalId   string
	IsGroup      bool
	Name         string
	Description  string
	Avatar       string
	AdminId      int
	DirectKey    string
	SeqId        int
	LastMessage  *LastMessage
	LastActivity time.Time
	UnreadCount  int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Participants []Participant
}

func (c *Conversation) HasParticipant(accountId int) bool {
	for _, p := range c.Participants {
		if p.AccountId == accountId {
			return true
		}
	}
	return false
}

type Attachment struct {
	FileName string `json:"file_name"`
	FilePath string `json:"file_path"`
}

type Message struct {
	Id             int
	ConversationId int
	SeqId          int
	SenderId       int
	SenderName     string
	Content        string
	MessageType    string
	Attachments    []Attachment
	CorrelationId  string
	Reactions      []Reaction
	CreatedAt      time.Time
}

type Reaction struct {
	Emoji      string
	AccountIds []int
}

type UnreadStats struct {
	TotalUnread             int
	ConversationsWithUnread int
}

type CreateAccountParams struct {
	Username     string
	DisplayName  string
	EmailAddress string
}

type CreateConversationParams struct {
	ExternalId     string
	IsGroup        bool
	Name           string
	Description    string
	Avatar         string
	AdminId        int
	DirectKey      string
	ParticipantIds []int
}

type CreateMessageParams struct {
	ConversationId int
	SenderId       int
	SenderName     string
	Content        string
	MessageType    string
	Attachments    []Attachment
	CorrelationId  string
	CreatedAt      time.Time
}
