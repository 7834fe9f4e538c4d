package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-messenger/internal/server"
	"github.com/npezzotti/go-messenger/internal/types"
	"github.com/rs/zerolog"
)

const (
	writeWait       = 10 * time.Second
	eventBufferSize = 256
)

// Response is a server reply to a request sent on the connection.
type Response struct {
	ResponseCode int             `json:"response_code"`
	Error        string          `json:"error,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// Err classifies a non 2xx response.
func (r Response) Err() error {
	if r.ResponseCode >= 200 && r.ResponseCode < 300 {
		return nil
	}

	switch r.ResponseCode {
	case http.StatusBadRequest:
		return types.NewValidationError(r.Error)
	case http.StatusUnauthorized:
		return types.NewAuthenticationError(r.Error)
	case http.StatusForbidden:
		return types.NewPermissionError(r.Error)
	case http.StatusNotFound:
		return types.NewNotFoundError(r.Error)
	case http.StatusServiceUnavailable:
		return types.NewTransportError(r.Error, nil)
	}
	return fmt.Errorf("server error %d: %s", r.ResponseCode, r.Error)
}

type envelope struct {
	Id           int                  `json:"id"`
	Response     *Response            `json:"response"`
	Notification *server.Notification `json:"notification"`
}

// Conn is one authenticated session over a websocket. Requests are matched
// to their responses by id; notifications are delivered on Events.
type Conn struct {
	ws  *websocket.Conn
	log zerolog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	nextId  int
	pending map[int]chan Response

	events chan *server.Notification
	done   chan struct{}
	err    error
}

// Dial opens a session at url (ws:// or wss://) authenticated with token.
func Dial(ctx context.Context, url, token string, logger zerolog.Logger) (*Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, types.NewAuthenticationError("session token rejected")
		}
		return nil, types.NewTransportError("dial", err)
	}

	c := &Conn{
		ws:      ws,
		log:     logger,
		pending: make(map[int]chan Response),
		events:  make(chan *server.Notification, eventBufferSize),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	return c, nil
}

// Events is closed when the connection ends.
func (c *Conn) Events() <-chan *server.Notification {
	return c.events
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the read loop.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Conn) Close() error {
	c.writeMu.Lock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	return c.ws.Close()
}

func (c *Conn) readLoop() {
	defer func() {
		close(c.events)
		close(c.done)
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.err = err
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn().Err(err).Msg("decode server message")
			continue
		}

		if env.Response != nil {
			c.resolve(env.Id, *env.Response)
			continue
		}

		if env.Notification != nil {
			select {
			case c.events <- env.Notification:
			default:
				c.log.Warn().Str("event", env.Notification.Event()).Msg("event buffer full, dropping event")
			}
		}
	}
}

func (c *Conn) resolve(id int, resp Response) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if !ok {
		if err := resp.Err(); err != nil {
			c.log.Warn().Err(err).Int("id", id).Msg("unsolicited error response")
		}
		return
	}
	ch <- resp
}

// request sends msg and waits for its response.
func (c *Conn) request(ctx context.Context, msg *server.ClientMessage) (Response, error) {
	ch := make(chan Response, 1)

	c.mu.Lock()
	c.nextId++
	msg.Id = c.nextId
	c.pending[msg.Id] = ch
	c.mu.Unlock()

	cleanup := func() {
		c.mu.Lock()
		delete(c.pending, msg.Id)
		c.mu.Unlock()
	}

	msg.Timestamp = server.Now()
	data, err := json.Marshal(msg)
	if err != nil {
		cleanup()
		return Response{}, fmt.Errorf("encode request: %w", err)
	}

	c.writeMu.Lock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	err = c.ws.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		cleanup()
		return Response{}, types.NewTransportError("write request", err)
	}

	select {
	case resp := <-ch:
		return resp, resp.Err()
	case <-c.done:
		cleanup()
		return Response{}, types.NewTransportError("connection closed", c.err)
	case <-ctx.Done():
		cleanup()
		return Response{}, types.NewTransportError("no response", ctx.Err())
	}
}

func (c *Conn) Join(ctx context.Context, conversationId string) (server.JoinResult, error) {
	resp, err := c.request(ctx, &server.ClientMessage{Join: &server.Join{ConversationId: conversationId}})
	if err != nil {
		return server.JoinResult{}, err
	}

	var res server.JoinResult
	if err := json.Unmarshal(resp.Data, &res); err != nil {
		return server.JoinResult{}, fmt.Errorf("decode join result: %w", err)
	}
	return res, nil
}

func (c *Conn) Leave(ctx context.Context, conversationId string) error {
	_, err := c.request(ctx, &server.ClientMessage{Leave: &server.Leave{ConversationId: conversationId}})
	return err
}

func (c *Conn) Publish(ctx context.Context, p server.Publish) (server.PublishAck, error) {
	resp, err := c.request(ctx, &server.ClientMessage{Publish: &p})
	if err != nil {
		return server.PublishAck{}, err
	}

	var ack server.PublishAck
	if err := json.Unmarshal(resp.Data, &ack); err != nil {
		return server.PublishAck{}, fmt.Errorf("decode publish ack: %w", err)
	}
	return ack, nil
}

func (c *Conn) SetTyping(ctx context.Context, conversationId string, isTyping bool) error {
	_, err := c.request(ctx, &server.ClientMessage{Typing: &server.Typing{ConversationId: conversationId, IsTyping: isTyping}})
	return err
}

func (c *Conn) MarkRead(ctx context.Context, conversationId string, seqId int) error {
	_, err := c.request(ctx, &server.ClientMessage{Read: &server.Read{ConversationId: conversationId, SeqId: seqId}})
	return err
}

// Send shows content in tl right away and reconciles it with the server's
// ack. A failed send stays in the timeline as failed and is not retried.
func Send(ctx context.Context, c *Conn, tl *Timeline, content string, attachment *types.Attachment) (types.Message, error) {
	provisional := tl.AddProvisional(content, attachment)

	ack, err := c.Publish(ctx, server.Publish{
		ConversationId: tl.ConversationId(),
		Content:        content,
		Attachment:     attachment,
		CorrelationId:  provisional.CorrelationId,
	})
	if err != nil {
		tl.Fail(provisional.CorrelationId, errorReason(err))
		return provisional, err
	}

	tl.Ack(ack.Message, ack.Delivered)
	return ack.Message, nil
}

func errorReason(err error) string {
	var e *types.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
