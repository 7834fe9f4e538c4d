package api

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"slices"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-messenger/internal/auth"
	"github.com/npezzotti/go-messenger/internal/database"
	"github.com/npezzotti/go-messenger/internal/server"
	"github.com/npezzotti/go-messenger/internal/types"
)

const maxFormMemory = 1 << 20

type CreateDirectRequest struct {
	RecipientId int `json:"recipient_id"`
}

type CreateGroupRequest struct {
	Name           string `json:"name"`
	Description    string `json:"description"`
	ParticipantIds []int  `json:"participant_ids"`
}

type AddParticipantsRequest struct {
	UserIds []int `json:"user_ids"`
}

type SendMessageRequest struct {
	Content       string            `json:"content"`
	CorrelationId string            `json:"correlation_id"`
	Attachment    *types.Attachment `json:"attachment"`
}

type ReactionRequest struct {
	Emoji string `json:"emoji"`
}

type ReactionResponse struct {
	MessageId int              `json:"message_id"`
	Reactions []types.Reaction `json:"reactions"`
}

func (s *GoChatApp) writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("json encode")
	}
}

func (s *GoChatApp) writeError(w http.ResponseWriter, err error) {
	errResp := errorFrom(err)
	if errResp.StatusCode >= http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *GoChatApp) decodeJson(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return false
	}
	return true
}

// intParam reads an optional non-negative integer query parameter.
func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}

	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, types.NewValidationError(name + " must be a non-negative integer")
	}
	return n, nil
}

func (s *GoChatApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.log.Error().Err(err).Msg("health check")
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *GoChatApp) listConversations(w http.ResponseWriter, r *http.Request) {
	userId, _ := auth.UserId(r.Context())

	convs, err := s.mgr.ListConversations(r.Context(), userId)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, convs)
}

func (s *GoChatApp) getConversation(w http.ResponseWriter, r *http.Request) {
	userId, _ := auth.UserId(r.Context())

	conv, err := s.mgr.GetConversation(r.Context(), r.PathValue("id"), userId)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, conv)
}

func (s *GoChatApp) createDirect(w http.ResponseWriter, r *http.Request) {
	var req CreateDirectRequest
	if !s.decodeJson(w, r, &req) {
		return
	}

	userId, _ := auth.UserId(r.Context())

	conv, created, err := s.mgr.CreateDirect(r.Context(), userId, req.RecipientId)
	if err != nil {
		s.writeError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.writeJson(w, status, conv)
}

func (s *GoChatApp) createGroup(w http.ResponseWriter, r *http.Request) {
	var req CreateGroupRequest
	if !s.decodeJson(w, r, &req) {
		return
	}

	userId, _ := auth.UserId(r.Context())

	conv, err := s.mgr.CreateGroup(r.Context(), userId, req.Name, req.Description, req.ParticipantIds)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusCreated, conv)
}

func (s *GoChatApp) addParticipants(w http.ResponseWriter, r *http.Request) {
	var req AddParticipantsRequest
	if !s.decodeJson(w, r, &req) {
		return
	}

	userId, _ := auth.UserId(r.Context())

	res, err := s.mgr.AddParticipants(r.Context(), r.PathValue("id"), userId, req.UserIds)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, res)
}

func (s *GoChatApp) deleteConversation(w http.ResponseWriter, r *http.Request) {
	userId, _ := auth.UserId(r.Context())

	if err := s.mgr.DeleteConversation(r.Context(), r.PathValue("id"), userId); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *GoChatApp) getMessages(w http.ResponseWriter, r *http.Request) {
	var bounds [3]int
	for i, name := range []string{"before", "after", "limit"} {
		n, err := intParam(r, name)
		if err != nil {
			s.writeError(w, err)
			return
		}
		bounds[i] = n
	}

	userId, _ := auth.UserId(r.Context())

	msgs, err := s.mgr.ListMessages(r.Context(), r.PathValue("id"), userId, bounds[0], bounds[1], bounds[2])
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, msgs)
}

// sendMessage accepts a JSON body or multipart form fields. Attachments are
// references to files stored elsewhere.
func (s *GoChatApp) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "multipart/form-data", "application/x-www-form-urlencoded":
		if err := r.ParseMultipartForm(maxFormMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
		req.Content = r.FormValue("content")
		req.CorrelationId = r.FormValue("correlation_id")
		if path := r.FormValue("attachment_path"); path != "" {
			req.Attachment = &types.Attachment{
				FileName: r.FormValue("attachment_name"),
				FilePath: path,
			}
		}
	default:
		if !s.decodeJson(w, r, &req) {
			return
		}
	}

	userId, _ := auth.UserId(r.Context())

	res, err := s.mgr.SendMessage(r.Context(), server.PublishRequest{
		ConversationId: r.PathValue("id"),
		SenderId:       userId,
		Content:        req.Content,
		Attachment:     req.Attachment,
		CorrelationId:  req.CorrelationId,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusCreated, server.PublishAck{Message: res.Message, Delivered: res.Delivered})
}

func (s *GoChatApp) toggleReaction(w http.ResponseWriter, r *http.Request) {
	messageId, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || messageId <= 0 {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req ReactionRequest
	if !s.decodeJson(w, r, &req) {
		return
	}

	userId, _ := auth.UserId(r.Context())

	reactions, err := s.mgr.ToggleReaction(r.Context(), messageId, userId, req.Emoji)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, ReactionResponse{MessageId: messageId, Reactions: reactions})
}

func (s *GoChatApp) searchUsers(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit")
	if err != nil {
		s.writeError(w, err)
		return
	}

	userId, _ := auth.UserId(r.Context())

	users, err := s.mgr.SearchUsers(r.Context(), userId, r.URL.Query().Get("q"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, users)
}

func (s *GoChatApp) unreadStats(w http.ResponseWriter, r *http.Request) {
	userId, _ := auth.UserId(r.Context())

	stats, err := s.mgr.UnreadStats(r.Context(), userId)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, stats)
}

func (s *GoChatApp) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// non-browser clients
		return true
	}

	return slices.Contains(s.allowedOrigins, origin)
}

// currentAccount loads the account behind the request's token. It writes
// the error response itself when the lookup fails.
func (s *GoChatApp) currentAccount(w http.ResponseWriter, r *http.Request) (database.User, bool) {
	userId, _ := auth.UserId(r.Context())

	account, err := s.db.GetAccountById(r.Context(), userId)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, database.ErrNotFound) {
			// token for an account that no longer exists
			errResp = NewUnauthorizedError()
		} else {
			errResp = NewInternalServerError(err)
			s.log.Error().Err(err).Int("user_id", userId).Msg("error fetching account")
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return database.User{}, false
	}

	return account, true
}

func (s *GoChatApp) getAccount(w http.ResponseWriter, r *http.Request) {
	account, ok := s.currentAccount(w, r)
	if !ok {
		return
	}

	s.writeJson(w, http.StatusOK, account.ToType())
}

func (s *GoChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	account, ok := s.currentAccount(w, r)
	if !ok {
		return
	}
	userId := account.Id

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Int("user_id", userId).Msg("error upgrading connection")
		return
	}

	client := server.NewClient(account.ToType(), conn, s.cs, s.log, s.stats)

	s.cs.RegisterClient(client)
	go client.Write()
	go client.Read()
}
