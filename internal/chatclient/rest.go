package chatclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/npezzotti/go-messenger/internal/types"
)

// API is the HTTP side of the server: the account, the conversation list
// and message history.
type API struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewAPI(baseURL, token string) *API {
	return &API{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// WebsocketURL is the session endpoint for the API's server.
func (a *API) WebsocketURL() string {
	switch {
	case strings.HasPrefix(a.baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(a.baseURL, "https://") + "/ws"
	case strings.HasPrefix(a.baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(a.baseURL, "http://") + "/ws"
	}
	return a.baseURL + "/ws"
}

type apiError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
}

func (a *API) get(ctx context.Context, path string, query url.Values, v any) error {
	u := a.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return types.NewTransportError("request "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e apiError
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Message == "" {
			e.Message = strings.ToLower(http.StatusText(resp.StatusCode))
		}
		return Response{ResponseCode: resp.StatusCode, Error: e.Message}.Err()
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// Me returns the account the token belongs to.
func (a *API) Me(ctx context.Context) (types.User, error) {
	var u types.User
	err := a.get(ctx, "/api/me", nil, &u)
	return u, err
}

func (a *API) Conversations(ctx context.Context) ([]types.Conversation, error) {
	var convs []types.Conversation
	err := a.get(ctx, "/api/conversations", nil, &convs)
	return convs, err
}

// Messages returns up to limit messages of a conversation before seq id
// before, oldest first. Zero values use the server defaults.
func (a *API) Messages(ctx context.Context, conversationId string, before, limit int) ([]types.Message, error) {
	q := url.Values{}
	if before > 0 {
		q.Set("before", strconv.Itoa(before))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var msgs []types.Message
	err := a.get(ctx, "/api/conversations/"+url.PathEscape(conversationId)+"/messages", q, &msgs)
	return msgs, err
}
