package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/npezzotti/go-messenger/internal/cache"
	"github.com/npezzotti/go-messenger/internal/config"
	"github.com/npezzotti/go-messenger/internal/database"
	"github.com/npezzotti/go-messenger/internal/presence"
	"github.com/npezzotti/go-messenger/internal/stats"
	"github.com/npezzotti/go-messenger/internal/types"
	"github.com/rs/zerolog"
)

const presenceTimeout = 3 * time.Second

var metrics = []string{
	"NumActiveClients",
	"NumActiveRooms",
	"NumOnlineUsers",
	"NumMessagesSent",
	"NumDroppedEvents",
}

// PublishRequest is a send on behalf of SenderId. ConversationId is the
// conversation's external id.
type PublishRequest struct {
	ConversationId string
	SenderId       int
	Content        string
	Attachment     *types.Attachment
	CorrelationId  string
	System         bool
}

func (p PublishRequest) messageType() types.MessageType {
	switch {
	case p.System:
		return types.MessageTypeSystem
	case p.Attachment != nil:
		return types.MessageTypeImage
	default:
		return types.MessageTypeText
	}
}

type PublishResult struct {
	Message types.Message
	// Delivered is set when the broadcast reached a session of another participant.
	Delivered bool
}

type unloadRoomRequest struct {
	roomId  string
	deleted bool
	// idle requests come from the room's kill timer and are dropped when
	// the room picked up work since
	idle bool
	done chan struct{}
}

type loadRoomRequest struct {
	roomId string
	result chan loadRoomResult
}

type loadRoomResult struct {
	room *Room
	err  error
}

type stopReq struct {
	done chan struct{}
}

type Option func(*ChatServer)

func WithPresenceStore(s presence.Store) Option {
	return func(cs *ChatServer) { cs.presence = s }
}

func WithCache(c cache.Cache) Option {
	return func(cs *ChatServer) { cs.cache = c }
}

// WithTypingTTL sets how long a typing flag lives without a refresh. Zero
// keeps flags until an explicit stop.
func WithTypingTTL(ttl time.Duration) Option {
	return func(cs *ChatServer) { cs.typingTTL = ttl }
}

type ChatServer struct {
	log            zerolog.Logger
	db             database.ChatRepository
	stats          stats.StatsProvider
	presence       presence.Store
	cache          cache.Cache
	typing         *presence.TypingTracker
	typingTTL      time.Duration
	clients        map[*Client]struct{}
	userMap        map[int]map[*Client]struct{}
	clientsLock    sync.RWMutex
	roomsMap       sync.Map
	numRooms       int
	joinChan       chan *ClientMessage
	loadRoomChan   chan loadRoomRequest
	unloadRoomChan chan unloadRoomRequest
	broadcastChan  chan *ServerMessage
	stop           chan stopReq
}

func NewChatServer(logger zerolog.Logger, db database.ChatRepository, su stats.StatsProvider, opts ...Option) (*ChatServer, error) {
	if db == nil {
		return nil, errors.New("chat server requires a repository")
	}

	cs := &ChatServer{
		log:            logger,
		db:             db,
		stats:          su,
		presence:       presence.NewMemoryStore(),
		cache:          cache.Noop{},
		typingTTL:      config.DefaultTypingTTL,
		clients:        make(map[*Client]struct{}),
		userMap:        make(map[int]map[*Client]struct{}),
		joinChan:       make(chan *ClientMessage, 256),
		loadRoomChan:   make(chan loadRoomRequest, 64),
		unloadRoomChan: make(chan unloadRoomRequest, 256),
		broadcastChan:  make(chan *ServerMessage, 256),
		stop:           make(chan stopReq),
	}

	for _, opt := range opts {
		opt(cs)
	}

	if cs.typingTTL < 0 {
		return nil, fmt.Errorf("invalid typing ttl %s", cs.typingTTL)
	}
	cs.typing = presence.NewTypingTracker(cs.typingTTL, cs.handleTypingExpired)

	for _, m := range metrics {
		cs.stats.RegisterMetric(m)
	}

	return cs, nil
}

func (cs *ChatServer) Run() {
	for {
		select {
		case joinMsg := <-cs.joinChan:
			cs.handleJoinRoom(joinMsg)
		case req := <-cs.loadRoomChan:
			r, err := cs.loadRoom(req.roomId)
			req.result <- loadRoomResult{room: r, err: err}
		case req := <-cs.unloadRoomChan:
			if req.idle && cs.roomBusy(req.roomId) {
				continue
			}
			cs.unloadRoom(req.roomId, req.deleted)
			if req.done != nil {
				close(req.done)
			}
		case msg := <-cs.broadcastChan:
			cs.handleBroadcast(msg)
		case req := <-cs.stop:
			cs.log.Info().Msg("shutting down rooms")
			cs.unloadAllRooms()
			cs.stopClients()
			close(req.done)
			return
		}
	}
}

// Shutdown unloads every room and closes every session.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	req := stopReq{done: make(chan struct{})}
	select {
	case cs.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegisterClient adds a session. The user's first session marks them online
// and notifies everyone sharing a conversation with them.
func (cs *ChatServer) RegisterClient(c *Client) {
	first := cs.addClient(c)

	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()

	if err := cs.presence.Connect(ctx, c.user.Id, c.id); err != nil {
		cs.log.Warn().Err(err).Int("user_id", c.user.Id).Msg("presence connect")
	}

	if first {
		cs.stats.Incr("NumOnlineUsers")
		cs.notifyPeers(ctx, c.user.Id, &Notification{UserOnline: &UserPresence{UserId: c.user.Id}})
	}
}

// DeRegisterClient removes a session. The user's last session marks them
// offline.
func (cs *ChatServer) DeRegisterClient(c *Client) {
	last, ok := cs.removeClient(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()

	if err := cs.presence.Disconnect(ctx, c.user.Id, c.id); err != nil {
		cs.log.Warn().Err(err).Int("user_id", c.user.Id).Msg("presence disconnect")
	}

	if last {
		cs.stats.Decr("NumOnlineUsers")
		cs.notifyPeers(ctx, c.user.Id, &Notification{UserOffline: &UserPresence{UserId: c.user.Id}})
	}
}

func (cs *ChatServer) notifyPeers(ctx context.Context, userId int, n *Notification) {
	peers, err := cs.db.ListPeerIds(ctx, userId)
	if err != nil {
		cs.log.Error().Err(err).Int("user_id", userId).Msg("ListPeerIds")
		return
	}

	for _, peer := range peers {
		msg := NewNotification(n)
		msg.UserId = peer
		cs.handleBroadcast(msg)
	}
}

// IsOnline reports whether userId has a session on this server.
func (cs *ChatServer) IsOnline(userId int) bool {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()

	return len(cs.userMap[userId]) > 0
}

// Presence returns the store backing online state.
func (cs *ChatServer) Presence() presence.Store {
	return cs.presence
}

// Publish persists and broadcasts a message through the conversation's room.
// ctx bounds the wait only; a request the room accepted is not cancelled.
func (cs *ChatServer) Publish(ctx context.Context, req PublishRequest) (PublishResult, error) {
	r, err := cs.room(ctx, req.ConversationId)
	if err != nil {
		return PublishResult{}, err
	}

	return cs.publish(ctx, r, req)
}

// publish hands req to r. When r stops before taking the request, which
// happens when an idle unload races the lookup, the room is resolved again
// and the request is handed over once more.
func (cs *ChatServer) publish(ctx context.Context, r *Room, req PublishRequest) (PublishResult, error) {
	res, stopped, err := r.submit(ctx, req)
	if !stopped {
		return res, err
	}

	cs.log.Debug().Str("conversation_id", req.ConversationId).Msg("room stopped before publish, reloading")
	if r, err = cs.room(ctx, req.ConversationId); err != nil {
		return PublishResult{}, err
	}

	res, _, err = r.submit(ctx, req)
	return res, err
}

// SyncMembers adds users to a loaded room's membership. Rooms that are not
// loaded read membership from the database when they load.
func (cs *ChatServer) SyncMembers(ctx context.Context, conversationId string, users []types.User) error {
	r, ok := cs.getRoom(conversationId)
	if !ok {
		return nil
	}

	select {
	case r.memberChan <- users:
		return nil
	case <-r.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NotifyRoom broadcasts n to every session joined to conversationId.
func (cs *ChatServer) NotifyRoom(ctx context.Context, conversationId string, n *Notification) error {
	r, ok := cs.getRoom(conversationId)
	if !ok {
		return nil
	}

	select {
	case r.eventChan <- NewNotification(n):
		return nil
	case <-r.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NotifyUsers sends n to every session of each user.
func (cs *ChatServer) NotifyUsers(ctx context.Context, userIds []int, n *Notification) error {
	for _, id := range userIds {
		msg := NewNotification(n)
		msg.UserId = id
		select {
		case cs.broadcastChan <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// UnloadRoom stops a loaded room and evicts its sessions. deleted drops the
// room's typing state as well.
func (cs *ChatServer) UnloadRoom(ctx context.Context, roomId string, deleted bool) error {
	if roomId == "" {
		return errors.New("roomId cannot be empty")
	}

	req := unloadRoomRequest{roomId: roomId, deleted: deleted, done: make(chan struct{})}
	select {
	case cs.unloadRoomChan <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// room returns the loaded room for roomId, loading it through the run loop.
func (cs *ChatServer) room(ctx context.Context, roomId string) (*Room, error) {
	if r, ok := cs.getRoom(roomId); ok {
		return r, nil
	}

	req := loadRoomRequest{roomId: roomId, result: make(chan loadRoomResult, 1)}
	select {
	case cs.loadRoomChan <- req:
	case <-ctx.Done():
		return nil, types.NewTransportError("load conversation", ctx.Err())
	}

	select {
	case res := <-req.result:
		return res.room, res.err
	case <-ctx.Done():
		return nil, types.NewTransportError("load conversation", ctx.Err())
	}
}

func (cs *ChatServer) handleJoinRoom(msg *ClientMessage) {
	r, err := cs.loadRoom(msg.Join.ConversationId)
	if err != nil {
		msg.client.queueMessage(ErrFromError(msg.Id, err))
		return
	}

	select {
	case r.joinChan <- msg:
	default:
		cs.log.Warn().Str("conversation_id", r.externalId).Msg("join channel full")
		msg.client.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

// loadRoom must only be called from the run loop.
func (cs *ChatServer) loadRoom(roomId string) (*Room, error) {
	if r, ok := cs.getRoom(roomId); ok {
		return r, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	conv, err := cs.db.GetConversationByExternalId(ctx, roomId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, types.NewNotFoundError("conversation not found")
		}
		return nil, fmt.Errorf("get conversation %q: %w", roomId, err)
	}

	r := newRoom(cs, conv)
	cs.addRoom(r.externalId, r)
	go r.start()

	return r, nil
}

func (cs *ChatServer) unloadRoom(roomId string, deleted bool) {
	r, ok := cs.getRoom(roomId)
	if !ok {
		return
	}

	cs.removeRoom(roomId)

	done := make(chan string, 1)
	r.exit <- exitReq{deleted: deleted, done: done}
	<-done

	cs.log.Debug().Str("conversation_id", roomId).Bool("deleted", deleted).Msg("unloaded room")
}

func (cs *ChatServer) roomBusy(roomId string) bool {
	r, ok := cs.getRoom(roomId)
	if !ok {
		return false
	}
	return r.numClients() > 0 || len(r.joinChan) > 0 || len(r.publishChan) > 0
}

func (cs *ChatServer) unloadAllRooms() {
	var rooms []*Room
	cs.roomsMap.Range(func(_, v any) bool {
		rooms = append(rooms, v.(*Room))
		return true
	})

	dones := make([]chan string, 0, len(rooms))
	for _, r := range rooms {
		cs.removeRoom(r.externalId)
		done := make(chan string, 1)
		r.exit <- exitReq{done: done}
		dones = append(dones, done)
	}

	for _, done := range dones {
		<-done
	}
}

func (cs *ChatServer) stopClients() {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()

	for c := range cs.clients {
		c.stopClient()
	}
}

func (cs *ChatServer) handleTypingExpired(conversationId string, userId int) {
	r, ok := cs.getRoom(conversationId)
	if !ok {
		return
	}

	select {
	case r.typingChan <- userId:
	case <-r.stopped:
	}
}

func (cs *ChatServer) invalidateUnread(ctx context.Context, userIds ...int) {
	if len(userIds) == 0 {
		return
	}

	keys := make([]string, len(userIds))
	for i, id := range userIds {
		keys[i] = cache.UnreadStatsKey(id)
	}

	if err := cs.cache.Delete(ctx, keys...); err != nil {
		cs.log.Warn().Err(err).Msg("invalidate unread stats")
	}
}

// handleBroadcast delivers msg to every session of msg.UserId.
func (cs *ChatServer) handleBroadcast(msg *ServerMessage) {
	for _, c := range cs.getClients(msg.UserId) {
		if c == msg.SkipClient {
			continue
		}
		c.queueMessage(msg)
	}
}

// addClient reports whether c is the user's first session.
func (cs *ChatServer) addClient(c *Client) bool {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	cs.clients[c] = struct{}{}
	first := len(cs.userMap[c.user.Id]) == 0
	if cs.userMap[c.user.Id] == nil {
		cs.userMap[c.user.Id] = make(map[*Client]struct{})
	}
	cs.userMap[c.user.Id][c] = struct{}{}
	cs.stats.Incr("NumActiveClients")

	return first
}

// removeClient reports whether c was the user's last session and whether
// it was registered at all.
func (cs *ChatServer) removeClient(c *Client) (last, ok bool) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; !ok {
		return false, false
	}

	delete(cs.clients, c)
	if userClients, ok := cs.userMap[c.user.Id]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(cs.userMap, c.user.Id)
			last = true
		}
	}
	cs.stats.Decr("NumActiveClients")

	return last, true
}

func (cs *ChatServer) getClients(userId int) []*Client {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()

	clients := make([]*Client, 0, len(cs.userMap[userId]))
	for c := range cs.userMap[userId] {
		clients = append(clients, c)
	}
	return clients
}

// addRoom and removeRoom are called from the run loop only, which owns numRooms.
func (cs *ChatServer) addRoom(id string, r *Room) {
	cs.roomsMap.Store(id, r)
	cs.numRooms++
	cs.stats.Incr("NumActiveRooms")
}

func (cs *ChatServer) getRoom(id string) (*Room, bool) {
	v, ok := cs.roomsMap.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Room), true
}

func (cs *ChatServer) removeRoom(id string) {
	if _, loaded := cs.roomsMap.LoadAndDelete(id); loaded {
		cs.numRooms--
		cs.stats.Decr("NumActiveRooms")
	}
}
