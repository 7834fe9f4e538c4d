package server

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/npezzotti/go-messenger/internal/database"
	"github.com/npezzotti/go-messenger/internal/observability"
	"github.com/npezzotti/go-messenger/internal/types"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const (
	idleRoomTimeout = time.Second * 5
	dbTimeout       = 5 * time.Second
	// matches messages.correlation_id
	maxCorrelationIdLength = 64
)

type exitReq struct {
	deleted bool
	done    chan string
}

type publishRequest struct {
	PublishRequest
	result chan publishResult
}

type publishResult struct {
	PublishResult
	err error
}

// Room is the loaded state of one conversation. Its goroutine is the only
// writer of the conversation's messages, which keeps seq ids and broadcast
// order identical.
type Room struct {
	id            int
	externalId    string
	isGroup       bool
	seqId         int
	members       map[int]string
	cs            *ChatServer
	db            database.ChatRepository
	log           zerolog.Logger
	joinChan      chan *ClientMessage
	leaveChan     chan *ClientMessage
	clientMsgChan chan *ClientMessage
	publishChan   chan *publishRequest
	// memberChan is unbuffered so a sync is applied before SyncMembers returns
	memberChan    chan []types.User
	eventChan     chan *ServerMessage
	typingChan    chan int
	clients       map[*Client]struct{}
	userMap       map[int]map[*Client]struct{}
	clientLock    sync.RWMutex
	// killTimer unloads the room once no session has been joined for idleRoomTimeout
	killTimer *time.Timer
	exit      chan exitReq
	// stopped is closed when the room goroutine returns
	stopped chan struct{}
}

func newRoom(cs *ChatServer, conv database.Conversation) *Room {
	members := make(map[int]string, len(conv.Participants))
	for _, p := range conv.Participants {
		members[p.AccountId] = p.Name()
	}

	return &Room{
		id:            conv.Id,
		externalId:    conv.ExternalId,
		isGroup:       conv.IsGroup,
		seqId:         conv.SeqId,
		members:       members,
		cs:            cs,
		db:            cs.db,
		log:           cs.log.With().Str("conversation_id", conv.ExternalId).Logger(),
		joinChan:      make(chan *ClientMessage, 256),
		leaveChan:     make(chan *ClientMessage, 256),
		clientMsgChan: make(chan *ClientMessage, 256),
		publishChan:   make(chan *publishRequest, 64),
		memberChan:    make(chan []types.User),
		eventChan:     make(chan *ServerMessage, 64),
		typingChan:    make(chan int, 64),
		clients:       make(map[*Client]struct{}),
		userMap:       make(map[int]map[*Client]struct{}),
		exit:          make(chan exitReq),
		stopped:       make(chan struct{}),
	}
}

func (r *Room) start() {
	defer close(r.stopped)

	r.log.Debug().Msg("starting room")
	// armed until the first join so rooms loaded only to publish unload too
	r.killTimer = time.NewTimer(idleRoomTimeout)

	for {
		select {
		case join := <-r.joinChan:
			r.handleJoin(join)
		case leaveMsg := <-r.leaveChan:
			r.handleLeave(leaveMsg)
		case msg := <-r.clientMsgChan:
			switch {
			case msg.Publish != nil:
				r.handleClientPublish(msg)
			case msg.Typing != nil:
				r.handleTyping(msg)
			case msg.Read != nil:
				r.handleRead(msg)
			}
		case req := <-r.publishChan:
			r.handlePublishRequest(req)
		case users := <-r.memberChan:
			r.addMembers(users)
		case event := <-r.eventChan:
			r.broadcast(event)
		case userId := <-r.typingChan:
			r.handleTypingExpired(userId)
		case <-r.killTimer.C:
			r.handleRoomTimeout()
		case e := <-r.exit:
			r.handleRoomExit(e)
			return
		}
	}
}

func (r *Room) handleRoomTimeout() {
	r.log.Debug().Msg("room timed out")
	select {
	case r.cs.unloadRoomChan <- unloadRoomRequest{roomId: r.externalId, idle: true}:
	default:
		r.log.Warn().Msg("unloadRoomChan full, rescheduling unload")
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) handleRoomExit(e exitReq) {
	r.log.Debug().Bool("deleted", e.deleted).Msg("room is exiting")
	r.killTimer.Stop()

	if e.deleted {
		r.cs.typing.ClearConversation(r.externalId)
	}

	// remove the room for all clients
	r.clientLock.Lock()
	for c := range r.clients {
		c.delRoom(r.externalId)
	}
	r.clients = make(map[*Client]struct{})
	r.userMap = make(map[int]map[*Client]struct{})
	r.clientLock.Unlock()

	if e.done != nil {
		e.done <- r.externalId
	}
}

func (r *Room) handleJoin(join *ClientMessage) {
	c := join.client
	if !r.isMember(c.user.Id) {
		c.queueMessage(ErrPermissionDenied(join.Id))
		if r.numClients() == 0 {
			r.killTimer.Reset(idleRoomTimeout)
		}
		return
	}

	// stop the kill timer since we have a client
	r.killTimer.Stop()
	r.addClient(c)

	c.queueMessage(NoErrOK(join.Id, JoinResult{
		ConversationId: r.externalId,
		SeqId:          r.seqId,
		Typing:         r.cs.typing.Typing(r.externalId),
	}))
}

func (r *Room) handleLeave(leaveMsg *ClientMessage) {
	c := leaveMsg.client
	if !r.removeClient(c) {
		return
	}

	if leaveMsg.Id != 0 {
		c.queueMessage(NoErrOK(leaveMsg.Id, nil))
	}

	// the user's last session left, a typing flag can no longer be cleared by it
	if !r.hasUser(c.user.Id) && r.cs.typing.Stop(r.externalId, c.user.Id) {
		r.broadcastTyping(c.user.Id, false)
	}
}

func (r *Room) handleTyping(msg *ClientMessage) {
	userId := msg.GetUserId()

	var changed bool
	if msg.Typing.IsTyping {
		changed = r.cs.typing.Start(r.externalId, userId)
	} else {
		changed = r.cs.typing.Stop(r.externalId, userId)
	}

	if changed {
		r.broadcastTyping(userId, msg.Typing.IsTyping)
	}

	msg.client.queueMessage(NoErrAccepted(msg.Id))
}

func (r *Room) handleTypingExpired(userId int) {
	// a refresh may have raced the expiry
	if r.cs.typing.IsTyping(r.externalId, userId) {
		return
	}
	r.broadcastTyping(userId, false)
}

func (r *Room) broadcastTyping(userId int, isTyping bool) {
	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Notification: &Notification{
			UserTyping: &UserTyping{
				ConversationId: r.externalId,
				UserId:         userId,
				UserName:       r.members[userId],
				IsTyping:       isTyping,
			},
		},
		SkipUser: userId,
	})
}

func (r *Room) handleRead(msg *ClientMessage) {
	userId := msg.GetUserId()

	if msg.Read.SeqId < 0 {
		msg.client.queueMessage(ErrFromError(msg.Id, types.NewValidationError("seq_id must not be negative")))
		return
	}
	// a marker past the last message would hide messages not sent yet
	seqId := min(msg.Read.SeqId, r.seqId)

	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	if err := r.db.UpdateLastReadSeqId(ctx, userId, r.id, seqId); err != nil {
		r.log.Error().Err(err).Msg("UpdateLastReadSeqId")
		msg.client.queueMessage(ErrInternalError(msg.Id))
		return
	}

	r.cs.invalidateUnread(ctx, userId)
	msg.client.queueMessage(NoErrOK(msg.Id, nil))

	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Notification: &Notification{
			MessagesRead: &MessagesRead{
				ConversationId: r.externalId,
				UserId:         userId,
				SeqId:          seqId,
			},
		},
		SkipUser: userId,
	})
}

func (r *Room) handleClientPublish(msg *ClientMessage) {
	m, err := r.persist(PublishRequest{
		ConversationId: r.externalId,
		SenderId:       msg.GetUserId(),
		Content:        msg.Publish.Content,
		Attachment:     msg.Publish.Attachment,
		CorrelationId:  msg.Publish.CorrelationId,
	})
	if err != nil {
		msg.client.queueMessage(ErrFromError(msg.Id, err))
		return
	}

	delivered := r.reachesOtherParticipant(m.Sender.Id)
	msg.client.queueMessage(NoErrOK(msg.Id, PublishAck{Message: m, Delivered: delivered}))
	r.deliver(m)
}

func (r *Room) handlePublishRequest(req *publishRequest) {
	m, err := r.persist(req.PublishRequest)
	if err != nil {
		req.result <- publishResult{err: err}
		return
	}

	delivered := r.reachesOtherParticipant(m.Sender.Id)
	r.deliver(m)
	req.result <- publishResult{PublishResult: PublishResult{Message: m, Delivered: delivered}}

	if r.numClients() == 0 {
		r.killTimer.Reset(idleRoomTimeout)
	}
}

// submit sends req to the room goroutine and waits for the result. stopped
// reports that the room exited without handling req, so it is safe to send
// it elsewhere.
func (r *Room) submit(ctx context.Context, req PublishRequest) (res PublishResult, stopped bool, err error) {
	pr := &publishRequest{PublishRequest: req, result: make(chan publishResult, 1)}

	select {
	case r.publishChan <- pr:
	case <-r.stopped:
		return PublishResult{}, true, types.NewTransportError("conversation unavailable", nil)
	case <-ctx.Done():
		return PublishResult{}, false, types.NewTransportError("send not acknowledged", ctx.Err())
	}

	select {
	case out := <-pr.result:
		return out.PublishResult, false, out.err
	case <-r.stopped:
		// the result is written before the room goroutine returns, so an
		// empty channel here means the request was never handled
		select {
		case out := <-pr.result:
			return out.PublishResult, false, out.err
		default:
			return PublishResult{}, true, types.NewTransportError("conversation unavailable", nil)
		}
	case <-ctx.Done():
		return PublishResult{}, false, types.NewTransportError("send not acknowledged", ctx.Err())
	}
}

// persist validates req against the current membership and stores it. Seq
// ids come from the conversation row, so a failed insert leaves no gap.
func (r *Room) persist(req PublishRequest) (m types.Message, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	ctx, span := observability.StartSpan(ctx, "room.persist",
		attribute.String("conversation.id", r.externalId),
		attribute.Int("sender.id", req.SenderId),
	)
	defer func() { observability.EndSpan(span, err) }()

	senderName, ok := r.members[req.SenderId]
	if !ok {
		return types.Message{}, types.NewPermissionError("not a participant of this conversation")
	}

	if strings.TrimSpace(req.Content) == "" && req.Attachment == nil {
		return types.Message{}, types.NewValidationError("message must have content or an attachment")
	}

	if len(req.CorrelationId) > maxCorrelationIdLength {
		return types.Message{}, types.NewValidationError(fmt.Sprintf("correlation_id must be at most %d bytes", maxCorrelationIdLength))
	}

	params := database.CreateMessageParams{
		ConversationId: r.id,
		SenderId:       req.SenderId,
		SenderName:     senderName,
		Content:        req.Content,
		MessageType:    string(req.messageType()),
		CorrelationId:  req.CorrelationId,
		CreatedAt:      Now(),
	}
	if req.Attachment != nil {
		if req.Attachment.FilePath == "" {
			return types.Message{}, types.NewValidationError("attachment requires a file path")
		}
		params.Attachments = []database.Attachment{{
			FileName: req.Attachment.FileName,
			FilePath: req.Attachment.FilePath,
		}}
	}

	dbMsg, err := r.db.CreateMessage(ctx, params)
	if err != nil {
		return types.Message{}, fmt.Errorf("create message: %w", err)
	}

	r.seqId = dbMsg.SeqId
	return dbMsg.ToType(r.externalId), nil
}

// deliver broadcasts a persisted message to every joined session, the
// sender's other sessions included.
func (r *Room) deliver(m types.Message) {
	if r.cs.typing.Stop(r.externalId, m.Sender.Id) {
		r.broadcastTyping(m.Sender.Id, false)
	}

	r.broadcast(&ServerMessage{
		BaseMessage:  BaseMessage{Timestamp: Now()},
		Notification: &Notification{NewMessage: &m},
	})

	r.cs.stats.Incr("NumMessagesSent")

	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	others := slices.DeleteFunc(r.memberIds(), func(id int) bool { return id == m.Sender.Id })
	r.cs.invalidateUnread(ctx, others...)
}

func (r *Room) addMembers(users []types.User) {
	for _, u := range users {
		r.members[u.Id] = u.Name()
	}
}

// isMember checks the loaded membership first and rereads it on a miss, since
// participants added while the room was loading never reach memberChan.
func (r *Room) isMember(userId int) bool {
	if _, ok := r.members[userId]; ok {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	conv, err := r.db.GetConversationById(ctx, r.id)
	if err != nil {
		r.log.Warn().Err(err).Msg("reload members")
		return false
	}

	for _, p := range conv.Participants {
		r.members[p.AccountId] = p.Name()
	}
	_, ok := r.members[userId]
	return ok
}

func (r *Room) memberIds() []int {
	return slices.Sorted(maps.Keys(r.members))
}

// reachesOtherParticipant reports whether a broadcast from senderId lands on
// at least one session of another participant.
func (r *Room) reachesOtherParticipant(senderId int) bool {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	for userId := range r.userMap {
		if userId != senderId {
			return true
		}
	}
	return false
}

func (r *Room) numClients() int {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	return len(r.clients)
}

func (r *Room) hasUser(userId int) bool {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	return len(r.userMap[userId]) > 0
}

func (r *Room) addClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	r.clients[c] = struct{}{}
	if r.userMap[c.user.Id] == nil {
		r.userMap[c.user.Id] = make(map[*Client]struct{})
	}
	r.userMap[c.user.Id][c] = struct{}{}

	c.addRoom(r)
}

// removeClient reports whether c was joined.
func (r *Room) removeClient(c *Client) bool {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if _, ok := r.clients[c]; !ok {
		return false
	}

	delete(r.clients, c)
	c.delRoom(r.externalId)

	if userClients, ok := r.userMap[c.user.Id]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(r.userMap, c.user.Id)
		}
	}

	if len(r.clients) == 0 {
		r.log.Debug().Msg("no clients left, starting kill timer")
		r.killTimer.Reset(idleRoomTimeout)
	}

	return true
}

func (r *Room) broadcast(msg *ServerMessage) {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	for client := range r.clients {
		if client == msg.SkipClient {
			continue
		}
		if msg.SkipUser != 0 && client.user.Id == msg.SkipUser {
			continue
		}

		client.queueMessage(msg)
	}
}
