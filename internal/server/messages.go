package server

import (
	"net/http"
	"time"

	"github.com/npezzotti/go-messenger/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ClientMessage struct {
	BaseMessage
	Publish *Publish `json:"publish,omitempty"`
	Join    *Join    `json:"join,omitempty"`
	Leave   *Leave   `json:"leave,omitempty"`
	Typing  *Typing  `json:"typing,omitempty"`
	Read    *Read    `json:"read,omitempty"`
	UserId  int      `json:"-"`
	client  *Client  `json:"-"`
}

// GetUserId returns the id of the user that sent the message.
func (cm *ClientMessage) GetUserId() int {
	if cm.UserId != 0 {
		return cm.UserId
	}

	if cm.client != nil {
		return cm.client.user.Id
	}

	return 0
}

// conversationId returns the conversation the request targets.
func (cm *ClientMessage) conversationId() string {
	switch {
	case cm.Join != nil:
		return cm.Join.ConversationId
	case cm.Leave != nil:
		return cm.Leave.ConversationId
	case cm.Publish != nil:
		return cm.Publish.ConversationId
	case cm.Typing != nil:
		return cm.Typing.ConversationId
	case cm.Read != nil:
		return cm.Read.ConversationId
	}
	return ""
}

type Publish struct {
	ConversationId string            `json:"conversation_id"`
	Content        string            `json:"content"`
	Attachment     *types.Attachment `json:"attachment,omitempty"`
	CorrelationId  string            `json:"correlation_id,omitempty"`
}

type Join struct {
	ConversationId string `json:"conversation_id"`
}

type Leave struct {
	ConversationId string `json:"conversation_id"`
}

type Typing struct {
	ConversationId string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

type Read struct {
	ConversationId string `json:"conversation_id"`
	SeqId          int    `json:"seq_id"`
}

type ServerMessage struct {
	BaseMessage
	Response     *Response     `json:"response,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
	// UserId targets every session of a user when sent through the chat server.
	UserId     int     `json:"-"`
	SkipClient *Client `json:"-"`
	// SkipUser excludes every session of a user from a room broadcast.
	SkipUser int `json:"-"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

type Notification struct {
	NewMessage          *types.Message       `json:"new_message,omitempty"`
	UserTyping          *UserTyping          `json:"user_typing,omitempty"`
	UserOnline          *UserPresence        `json:"user_online,omitempty"`
	UserOffline         *UserPresence        `json:"user_offline,omitempty"`
	ReactionUpdate      *ReactionUpdate      `json:"reaction_update,omitempty"`
	ConversationDeleted *ConversationDeleted `json:"conversation_deleted,omitempty"`
	ParticipantsAdded   *ParticipantsAdded   `json:"participants_added,omitempty"`
	MessagesRead        *MessagesRead        `json:"messages_read,omitempty"`
}

// Event returns the event name of the notification.
func (n *Notification) Event() string {
	switch {
	case n.NewMessage != nil:
		return "newMessage"
	case n.UserTyping != nil:
		return "userTyping"
	case n.UserOnline != nil:
		return "userOnline"
	case n.UserOffline != nil:
		return "userOffline"
	case n.ReactionUpdate != nil:
		return "reactionUpdate"
	case n.ConversationDeleted != nil:
		return "conversationDeleted"
	case n.ParticipantsAdded != nil:
		return "participantsAdded"
	case n.MessagesRead != nil:
		return "messagesRead"
	}
	return ""
}

type UserTyping struct {
	ConversationId string `json:"conversation_id"`
	UserId         int    `json:"user_id"`
	UserName       string `json:"user_name"`
	IsTyping       bool   `json:"is_typing"`
}

type UserPresence struct {
	UserId int `json:"user_id"`
}

type ReactionUpdate struct {
	ConversationId string           `json:"conversation_id"`
	MessageId      int              `json:"message_id"`
	Reactions      []types.Reaction `json:"reactions"`
}

type ConversationDeleted struct {
	ConversationId string `json:"conversation_id"`
	DeletedBy      int    `json:"deleted_by"`
}

type ParticipantsAdded struct {
	ConversationId string         `json:"conversation_id"`
	AddedUsers     []types.User   `json:"added_users"`
	SystemMessage  *types.Message `json:"system_message,omitempty"`
}

type MessagesRead struct {
	ConversationId string `json:"conversation_id"`
	UserId         int    `json:"user_id"`
	SeqId          int    `json:"seq_id"`
}

// PublishAck is the response data for a publish request.
type PublishAck struct {
	Message   types.Message `json:"message"`
	Delivered bool          `json:"delivered"`
}

// JoinResult is the response data for a join request.
type JoinResult struct {
	ConversationId string `json:"conversation_id"`
	SeqId          int    `json:"seq_id"`
	Typing         []int  `json:"typing,omitempty"`
}

func NewNotification(n *Notification) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Notification: n,
	}
}

func NoErrOK(id int, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

func NoErrAccepted(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusAccepted,
		},
	}
}

func errResponse(id, code int, msg string) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        msg,
		},
	}
}

func ErrConversationNotFound(id int) *ServerMessage {
	return errResponse(id, http.StatusNotFound, "conversation not found")
}

func ErrPermissionDenied(id int) *ServerMessage {
	return errResponse(id, http.StatusForbidden, "not a participant of this conversation")
}

func ErrInternalError(id int) *ServerMessage {
	return errResponse(id, http.StatusInternalServerError, "internal server error")
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return errResponse(id, http.StatusServiceUnavailable, "service unavailable")
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := errResponse(0, http.StatusBadRequest, "invalid message format")
	if id > 0 {
		msg.Id = id
	}
	return msg
}

// ErrFromError maps a classified error onto a response.
func ErrFromError(id int, err error) *ServerMessage {
	switch types.KindOf(err) {
	case types.KindNotFound:
		return errResponse(id, http.StatusNotFound, err.Error())
	case types.KindPermission:
		return errResponse(id, http.StatusForbidden, err.Error())
	case types.KindValidation:
		return errResponse(id, http.StatusBadRequest, err.Error())
	case types.KindAuthentication:
		return errResponse(id, http.StatusUnauthorized, err.Error())
	case types.KindTransport:
		return ErrServiceUnavailable(id)
	default:
		return ErrInternalError(id)
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
