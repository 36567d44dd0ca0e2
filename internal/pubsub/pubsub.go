package pubsub

import (
	"context"
	"time"
)

// Envelope is the wire format for a message replicated across server
// instances. Field names match the client-facing newChatMessage event so
// subscribers can fan it out without reshaping.
type Envelope struct {
	RoomId    string    `json:"roomId"`
	SeqId     int       `json:"seqId"`
	SenderId  string    `json:"senderId"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// Bus delivers every published envelope once to each subscribed process,
// including the publisher. Delivery to connected clients always goes
// through the bus so the sender sees its own message exactly once, via
// the same path as everyone else.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(ctx context.Context) (<-chan Envelope, error)
	Close() error
}
