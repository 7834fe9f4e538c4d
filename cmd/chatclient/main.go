// Command chatclient is a line based client for one conversation. Lines
// typed on stdin are sent as messages; lines starting with a slash are
// commands (/typing, /read, /history, /quit).
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/npezzotti/go-messenger/internal/chatclient"
	"github.com/npezzotti/go-messenger/internal/observability"
	"github.com/npezzotti/go-messenger/internal/server"
	"github.com/npezzotti/go-messenger/internal/types"
	"github.com/spf13/pflag"
)

const requestTimeout = 10 * time.Second

func main() {
	baseURL := pflag.String("url", "http://localhost:8000", "server base url")
	token := pflag.String("token", os.Getenv("GOCHAT_TOKEN"), "session token (defaults to $GOCHAT_TOKEN)")
	conversationId := pflag.StringP("conversation", "c", "", "conversation to open (lists conversations when empty)")
	history := pflag.Int("history", 20, "messages of history to show")
	logLevel := pflag.String("log-level", "warn", "log level")
	pflag.Parse()

	logger := observability.NewLogger(*logLevel, "development")

	if *token == "" {
		logger.Fatal().Msg("a token is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := chatclient.NewAPI(*baseURL, *token)

	me, err := api.Me(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("fetch account")
	}
	convs, err := api.Conversations(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("fetch conversations")
	}

	inbox := chatclient.NewInbox(me, convs)
	if *conversationId == "" {
		for _, c := range inbox.Conversations() {
			fmt.Printf("%s\t%s\t%d unread\n", c.ExternalId, title(c, me.Id), c.UnreadCount)
		}
		return
	}

	tl := inbox.Open(*conversationId)
	if tl == nil {
		logger.Fatal().Str("conversation_id", *conversationId).Msg("no such conversation")
	}

	msgs, err := api.Messages(ctx, *conversationId, 0, *history)
	if err != nil {
		logger.Fatal().Err(err).Msg("fetch history")
	}
	for _, m := range msgs {
		tl.Receive(m)
	}
	printEntries(tl.Entries())

	conn, err := chatclient.Dial(ctx, api.WebsocketURL(), *token, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect")
	}
	defer conn.Close()

	if _, err := conn.Join(ctx, *conversationId); err != nil {
		logger.Fatal().Err(err).Msg("join")
	}

	go func() {
		for n := range conn.Events() {
			if inbox.Apply(n) {
				refreshed, err := api.Conversations(ctx)
				if err != nil {
					logger.Warn().Err(err).Msg("refresh conversations")
				} else {
					inbox.Replace(refreshed)
				}
			}
			render(n, *conversationId, me.Id)
		}
		if err := conn.Err(); err != nil {
			logger.Error().Err(err).Msg("connection closed")
		}
		stop()
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := handleLine(ctx, conn, inbox, strings.TrimSpace(line)); quit {
				return
			}
		}
	}
}

func handleLine(ctx context.Context, conn *chatclient.Conn, inbox *chatclient.Inbox, line string) (quit bool) {
	tl := inbox.Current()
	if tl == nil {
		fmt.Println("* conversation is gone")
		return true
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var err error
	switch line {
	case "":
		return false
	case "/quit":
		return true
	case "/typing":
		err = conn.SetTyping(reqCtx, tl.ConversationId(), true)
	case "/read":
		err = conn.MarkRead(reqCtx, tl.ConversationId(), tl.LastSeqId())
	case "/history":
		printEntries(tl.Entries())
	default:
		var m types.Message
		if m, err = chatclient.Send(reqCtx, conn, tl, line, nil); err == nil {
			fmt.Printf("* sent #%d\n", m.SeqId)
		}
	}
	if err != nil {
		fmt.Printf("* %v\n", err)
	}
	return false
}

func render(n *server.Notification, open string, self int) {
	switch {
	case n.NewMessage != nil:
		m := n.NewMessage
		if m.ConversationId != open || m.Sender.Id == self {
			return
		}
		fmt.Printf("[%d] %s: %s\n", m.SeqId, m.Sender.Name, m.Content)
	case n.UserTyping != nil:
		if n.UserTyping.ConversationId == open && n.UserTyping.UserId != self && n.UserTyping.IsTyping {
			fmt.Printf("* %s is typing\n", n.UserTyping.UserName)
		}
	case n.UserOnline != nil:
		fmt.Printf("* user %d is online\n", n.UserOnline.UserId)
	case n.UserOffline != nil:
		fmt.Printf("* user %d is offline\n", n.UserOffline.UserId)
	case n.ConversationDeleted != nil:
		if n.ConversationDeleted.ConversationId == open {
			fmt.Println("* this conversation was deleted")
		}
	case n.MessagesRead != nil:
		if n.MessagesRead.ConversationId == open && n.MessagesRead.UserId != self {
			fmt.Printf("* read up to #%d by user %d\n", n.MessagesRead.SeqId, n.MessagesRead.UserId)
		}
	}
}

func printEntries(entries []chatclient.Entry) {
	for _, e := range entries {
		line := fmt.Sprintf("[%d] %s: %s (%s)", e.Message.SeqId, e.Message.Sender.Name, e.Message.Content, e.Status)
		if e.Error != "" {
			line += " " + e.Error
		}
		fmt.Println(line)
	}
}

// title names a group by its name and a direct conversation by the peer.
func title(c types.Conversation, self int) string {
	if c.IsGroup {
		return c.Name
	}
	for _, p := range c.Participants {
		if p.Id != self {
			return p.Name()
		}
	}
	return c.ExternalId
}
