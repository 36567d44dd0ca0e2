package pubsub

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockBus struct {
	mock.Mock
}

func (m *MockBus) Publish(ctx context.Context, env Envelope) error {
	args := m.Called(ctx, env)
	return args.Error(0)
}

func (m *MockBus) Subscribe(ctx context.Context) (<-chan Envelope, error) {
	args := m.Called(ctx)
	if ch, ok := args.Get(0).(chan Envelope); ok {
		return ch, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockBus) Close() error {
	args := m.Called()
	return args.Error(0)
}
