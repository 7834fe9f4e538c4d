package types

import (
	"time"
)

type User struct {
	Id           int       `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name"`
	EmailAddress string    `json:"email_address,omitempty"`
	IsOnline     bool      `json:"is_online"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

// Name returns the display name, falling back to the username.
func (u User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeImage  MessageType = "image"
	MessageTypeSystem MessageType = "system"
)

type Attachment struct {
	FileName string `json:"file_name"`
	FilePath string `json:"file_path"`
}

type Sender struct {
	Id   int    `json:"id"`
	Name string `json:"name"`
}

type Reaction struct {
	Emoji   string `json:"emoji"`
	Count   int    `json:"count"`
	UserIds []int  `json:"user_ids"`
}

type Message struct {
	Id             int          `json:"id"`
	SeqId          int          `json:"seq_id"`
	ConversationId string       `json:"conversation_id"`
	Sender         Sender       `json:"sender"`
	Content        string       `json:"content"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	MessageType    MessageType  `json:"message_type"`
	CorrelationId  string       `json:"correlation_id,omitempty"`
	Reactions      []Reaction   `json:"reactions,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

type LastMessage struct {
	Content     string      `json:"content"`
	SenderId    int         `json:"sender_id"`
	SenderName  string      `json:"sender_name"`
	MessageType MessageType `json:"message_type"`
	CreatedAt   time.Time   `json:"created_at"`
}

type Conversation struct {
	Id           int          `json:"id"`
	ExternalId   string       `json:"external_id"`
	IsGroup      bool         `json:"is_group"`
	Name         string       `json:"name,omitempty"`
	Description  string       `json:"description,omitempty"`
	Avatar       string       `json:"avatar,omitempty"`
	AdminId      int          `json:"admin_id,omitempty"`
	Participants []User       `json:"participants"`
	SeqId        int          `json:"seq_id"`
	LastMessage  *LastMessage `json:"last_message,omitempty"`
	LastActivity time.Time    `json:"last_activity"`
	UnreadCount  int          `json:"unread_count"`
	CreatedAt    time.Time    `json:"created_at,omitempty"`
}

func (c *Conversation) ParticipantIds() []int {
	ids := make([]int, len(c.Participants))
	for i, p := range c.Participants {
		ids[i] = p.Id
	}
	return ids
}

func (c *Conversation) HasParticipant(userId int) bool {
	for _, p := range c.Participants {
		if p.Id == userId {
			return true
		}
	}
	return false
}

type UnreadStats struct {
	TotalUnread             int `json:"total_unread"`
	ConversationsWithUnread int `json:"conversations_with_unread"`
}
