package pubsub

import (
	"context"
	"errors"
	"sync"
)

var ErrBusClosed = errors.New("bus is closed")

// MemoryBus is an in-process Bus used for single-instance deployments
// and tests. Published envelopes are looped back to subscribers in this
// process only.
type MemoryBus struct {
	mu     sync.Mutex
	subs   []chan Envelope
	closed bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

func (b *MemoryBus) Publish(_ context.Context, env Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}

	for _, ch := range b.subs {
		select {
		case ch <- env:
		default:
			// a subscriber that stopped draining loses messages rather
			// than blocking the publisher
		}
	}

	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context) (<-chan Envelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	ch := make(chan Envelope, subscribeBufferSize)
	b.subs = append(b.subs, ch)

	return ch, nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil

	return nil
}
