package server

import (
	"net/http"
	"time"

	"github.com/b2bmarket/tradechat/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is one event received from a connected client. Exactly
// one of the event variants is set.
type ClientMessage struct {
	BaseMessage
	CreateRoom  *RoomRequest `json:"createRoom,omitempty"`
	JoinRoom    *RoomRequest `json:"joinRoom,omitempty"`
	SendMessage *SendMessage `json:"sendMessage,omitempty"`
	client      *Client      `json:"-"`
}

type RoomRequest struct {
	RetailerId   string `json:"retailerId"`
	WholesalerId string `json:"wholesalerId"`
}

type SendMessage struct {
	RetailerId   string `json:"retailerId"`
	WholesalerId string `json:"wholesalerId"`
	SenderId     string `json:"senderId"`
	Text         string `json:"text"`
}

// ServerMessage is one event pushed to a connected client. Exactly one
// of the event variants is set.
type ServerMessage struct {
	BaseMessage
	RoomCreated *types.Room    `json:"roomCreated,omitempty"`
	RoomJoined  *types.Room    `json:"roomJoined,omitempty"`
	ChatHistory *ChatHistory   `json:"chatHistory,omitempty"`
	Message     *types.Message `json:"newChatMessage,omitempty"`
	Error       *ErrorEvent    `json:"error,omitempty"`
}

type ChatHistory struct {
	Messages []types.Message `json:"messages"`
}

type ErrorEvent struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func errEvent(id, code int, message string) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Error: &ErrorEvent{
			Code:    code,
			Message: message,
		},
	}
}

func ErrInvalidRequest(id int, reason string) *ServerMessage {
	return errEvent(id, http.StatusBadRequest, reason)
}

func ErrRoomNotFound(id int) *ServerMessage {
	return errEvent(id, http.StatusNotFound, "room not found")
}

func ErrInternalError(id int) *ServerMessage {
	return errEvent(id, http.StatusInternalServerError, "internal server error")
}

func ErrInvalidMessage(id int) *ServerMessage {
	return errEvent(id, http.StatusBadRequest, "invalid message format")
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
