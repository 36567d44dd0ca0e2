package pubsub

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"
)

// Channel carries every chat message. A single channel keeps publish
// order intact for messages belonging to the same room, since Redis
// preserves per-channel publish order.
const Channel = "chat_channel"

const subscribeBufferSize = 256

type RedisBus struct {
	rdb *redis.Client
	log *log.Logger
}

func NewRedisBus(addr string, logger *log.Logger) (*RedisBus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}

	return &RedisBus{rdb: rdb, log: logger}, nil
}

func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}

	return b.rdb.Publish(ctx, Channel, payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context) (<-chan Envelope, error) {
	sub := b.rdb.Subscribe(ctx, Channel)
	// confirm the subscription before handing out the channel
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, err
	}

	out := make(chan Envelope, subscribeBufferSize)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.log.Println("pubsub: decode envelope:", err)
				continue
			}

			out <- env
		}
	}()

	return out, nil
}

func (b *RedisBus) Close() error {
	return b.rdb.Close()
}
