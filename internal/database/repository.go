package database

import "errors"

var (
	ErrRoomNotFound   = errors.New("room not found")
	ErrUserNotFound   = errors.New("user not found")
	ErrNotParticipant = errors.New("sender is not a participant of the room")
)

type ChatRepository interface {
	Ping() error
	// EnsureRoom atomically finds or creates the room for a retailer,
	// wholesaler pair. Concurrent first-contact calls for the same pair
	// converge on a single room; the loser's ExternalId is discarded.
	EnsureRoom(params CreateRoomParams) (Room, error)
	GetRoomByPair(retailerId, wholesalerId string) (Room, error)
	GetRoomByExternalId(externalId string) (Room, error)
	// AppendMessage appends to the room's ordered log. Appends to the
	// same room are serialized by the store, so the stored sequence
	// reflects one definite order.
	AppendMessage(params AppendMessageParams) (Message, error)
	GetMessages(roomId int) ([]Message, error)
	GetUserById(id string) (User, error)
	GetUsersByRole(role string) ([]User, error)
}
