package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"

	"github.com/b2bmarket/tradechat/internal/database"
	"github.com/b2bmarket/tradechat/internal/server"
	"github.com/b2bmarket/tradechat/internal/types"
	"github.com/gorilla/websocket"
)

type CreateRoomRequest struct {
	RetailerId   string `json:"retailerId"`
	WholesalerId string `json:"wholesalerId"`
}

type PostMessageRequest struct {
	ChatId   string `json:"chatId"`
	SenderId string `json:"senderId"`
	Text     string `json:"text"`
}

func (s *TradeChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

// isParty reports whether the session occupies its role's slot in the
// pair.
func isParty(userId string, role types.Role, retailerId, wholesalerId string) bool {
	switch role {
	case types.RoleRetailer:
		return userId == retailerId
	case types.RoleWholesaler:
		return userId == wholesalerId
	}
	return false
}

func (s *TradeChatApp) healthCheck(w http.ResponseWriter, _ *http.Request) {
	if err := s.db.Ping(); err != nil {
		s.log.Println("health check:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *TradeChatApp) createRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.RetailerId == "" || req.WholesalerId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	userId, ok := UserId(r.Context())
	role, roleOk := UserRole(r.Context())
	if !ok || !roleOk {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if !isParty(userId, role, req.RetailerId, req.WholesalerId) {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	dbRoom, err := s.cs.EnsureRoom(req.RetailerId, req.WholesalerId)
	if err != nil {
		var errResp *ApiError
		switch {
		case errors.Is(err, database.ErrUserNotFound), errors.Is(err, server.ErrRoleMismatch):
			errResp = NewBadRequestError()
		default:
			s.log.Println("ensure room:", err)
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, types.Room{
		Id:           dbRoom.ExternalId,
		RetailerId:   dbRoom.RetailerId,
		WholesalerId: dbRoom.WholesalerId,
		CreatedAt:    dbRoom.CreatedAt,
		UpdatedAt:    dbRoom.UpdatedAt,
	})
}

// postMessage appends a message to an existing room over plain HTTP.
// Unlike the websocket path it does not replicate through the fan-out
// bus, so live sessions see the message only after a history refetch.
func (s *TradeChatApp) postMessage(w http.ResponseWriter, r *http.Request) {
	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.ChatId == "" || req.Text == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.SenderId != "" && req.SenderId != userId {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	room, err := s.db.GetRoomByExternalId(req.ChatId)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, database.ErrRoomNotFound) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	msg, err := s.db.AppendMessage(database.AppendMessageParams{
		RoomId:   room.Id,
		SenderId: userId,
		Text:     req.Text,
	})
	if err != nil {
		var errResp *ApiError
		switch {
		case errors.Is(err, database.ErrNotParticipant):
			errResp = NewForbiddenError()
		case errors.Is(err, database.ErrRoomNotFound):
			errResp = NewNotFoundError()
		default:
			s.log.Println("append message:", err)
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, types.Message{
		RoomId:    room.ExternalId,
		SeqId:     msg.SeqId,
		SenderId:  msg.SenderId,
		Text:      msg.Text,
		CreatedAt: msg.CreatedAt,
	})
}

func (s *TradeChatApp) getMessages(w http.ResponseWriter, r *http.Request) {
	chatId := r.PathValue("chatId")
	if chatId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	room, err := s.db.GetRoomByExternalId(chatId)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, database.ErrRoomNotFound) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if userId != room.RetailerId && userId != room.WholesalerId {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	dbMessages, err := s.db.GetMessages(room.Id)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	messages := make([]types.Message, 0, len(dbMessages))
	for _, msg := range dbMessages {
		messages = append(messages, types.Message{
			RoomId:    room.ExternalId,
			SeqId:     msg.SeqId,
			SenderId:  msg.SenderId,
			Text:      msg.Text,
			CreatedAt: msg.CreatedAt,
		})
	}

	s.writeJson(w, http.StatusOK, messages)
}

// getRetailers lists the retailer side of the user directory, used by
// wholesalers to start a conversation.
func (s *TradeChatApp) getRetailers(w http.ResponseWriter, r *http.Request) {
	dbUsers, err := s.db.GetUsersByRole(string(types.RoleRetailer))
	if err != nil {
		s.log.Println("list retailers:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	users := make([]types.User, 0, len(dbUsers))
	for _, u := range dbUsers {
		users = append(users, types.User{
			Id:           u.Id,
			Name:         u.Name,
			EmailAddress: u.EmailAddress,
			Phone:        u.Phone,
			CompanyName:  u.CompanyName,
		})
	}

	s.writeJson(w, http.StatusOK, users)
}

func (s *TradeChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	id, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	user, err := s.db.GetUserById(id)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, database.ErrUserNotFound) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				// if no origin header, allow the request
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := server.NewClient(types.User{
		Id:           user.Id,
		Name:         user.Name,
		EmailAddress: user.EmailAddress,
		Phone:        user.Phone,
		CompanyName:  user.CompanyName,
		Role:         types.Role(user.Role),
		CreatedAt:    user.CreatedAt,
		UpdatedAt:    user.UpdatedAt,
	}, conn, s.cs, s.log)

	s.cs.RegisterClient(client)
	go client.Write()
	go client.Read()
}
