package database

import "github.com/npezzotti/go-messenger/internal/types"

func (u User) ToType() types.User {
	return types.User{
		Id:           u.Id,
		Username:     u.Username,
		DisplayName:  u.DisplayName,
		EmailAddress: u.EmailAddress,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

// Name returns the display name, falling back to the username.
func (p Participant) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Username
}

func (c Conversation) ToType() types.Conversation {
	conv := types.Conversation{
		Id:           c.Id,
		ExternalId:   c.ExternalId,
		IsGroup:      c.IsGroup,
		Name:         c.Name,
		Description:  c.Description,
		Avatar:       c.Avatar,
		AdminId:      c.AdminId,
		SeqId:        c.SeqId,
		LastActivity: c.LastActivity,
		UnreadCount:  c.UnreadCount,
		CreatedAt:    c.CreatedAt,
		Participants: make([]types.User, len(c.Participants)),
	}

	for i, p := range c.Participants {
		conv.Participants[i] = types.User{
			Id:          p.AccountId,
			Username:    p.Username,
			DisplayName: p.DisplayName,
		}
	}

	if c.LastMessage != nil {
		conv.LastMessage = &types.LastMessage{
			Content:     c.LastMessage.Content,
			SenderId:    c.LastMessage.SenderId,
			SenderName:  c.LastMessage.SenderName,
			MessageType: types.MessageType(c.LastMessage.MessageType),
			CreatedAt:   c.LastMessage.CreatedAt,
		}
	}

	return conv
}

// ToType converts m for the wire. conversationId is the conversation's
// external id.
func (m Message) ToType(conversationId string) types.Message {
	msg := types.Message{
		Id:             m.Id,
		SeqId:          m.SeqId,
		ConversationId: conversationId,
		Sender:         types.Sender{Id: m.SenderId, Name: m.SenderName},
		Content:        m.Content,
		MessageType:    types.MessageType(m.MessageType),
		CorrelationId:  m.CorrelationId,
		CreatedAt:      m.CreatedAt,
	}

	for _, a := range m.Attachments {
		msg.Attachments = append(msg.Attachments, types.Attachment{FileName: a.FileName, FilePath: a.FilePath})
	}

	msg.Reactions = ReactionsToType(m.Reactions)
	return msg
}

func ReactionsToType(reactions []Reaction) []types.Reaction {
	if len(reactions) == 0 {
		return nil
	}

	out := make([]types.Reaction, len(reactions))
	for i, r := range reactions {
		out[i] = types.Reaction{Emoji: r.Emoji, Count: len(r.AccountIds), UserIds: r.AccountIds}
	}
	return out
}
