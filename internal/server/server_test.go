package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/b2bmarket/tradechat/internal/database"
	"github.com/b2bmarket/tradechat/internal/pubsub"
	"github.com/b2bmarket/tradechat/internal/stats"
	"github.com/b2bmarket/tradechat/internal/testutil"
	"github.com/b2bmarket/tradechat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// newTestChatServer creates a new ChatServer instance for testing purposes
func newTestChatServer(t *testing.T, db database.ChatRepository, bus pubsub.Bus, su *stats.MockStatsUpdater) *ChatServer {
	su.On("RegisterMetric", mock.Anything).Return(nil).Times(4)

	logger := testutil.TestLogger(t)
	cs, err := NewChatServer(logger, db, bus, su)
	if err != nil {
		t.Fatalf("failed to create test ChatServer: %v", err)
	}
	return cs
}

func TestNewChatServer(t *testing.T) {
	db := &database.MockChatRepository{}
	defer db.AssertExpectations(t)

	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)
	su.On("RegisterMetric", mock.Anything).Return(nil).Times(4)

	logger := testutil.TestLogger(t)
	cs, err := NewChatServer(logger, db, pubsub.NewMemoryBus(), su)
	assert.NoError(t, err, "expected no error creating ChatServer")
	assert.NotNil(t, cs, "expected ChatServer to be non-nil")
	assert.Equal(t, logger, cs.log, "expected logger to be set")
	assert.Equal(t, db, cs.db, "expected database repository to be set")
	assert.NotNil(t, cs.joinChan, "expected joinChan to be initialized")
	assert.NotNil(t, cs.RegisterChan, "expected RegisterChan to be initialized")
	assert.NotNil(t, cs.deRegisterChan, "expected deRegisterChan to be initialized")
	assert.NotNil(t, cs.stop, "expected stop channel to be initialized")
	assert.NotNil(t, cs.clients, "expected clients map to be initialized")
	assert.NotNil(t, cs.roomSubs, "expected roomSubs map to be initialized")
	assert.NotNil(t, cs.generateShortId, "expected shortid generator to be initialized")
}

func TestChatServerShutdown(t *testing.T) {
	t.Run("successful shutdown", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockChatRepository{}, pubsub.NewMemoryBus(), &stats.MockStatsUpdater{})

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		go func() {
			select {
			case req := <-cs.stop:
				assert.NotNil(t, req.done, "expected done channel in stop request")
				close(req.done)
			case <-time.After(100 * time.Millisecond):
				t.Error("expected signal on stop chan")
			}
		}()

		err := cs.Shutdown(ctx)
		assert.NoError(t, err, "expected successful shutdown without error")
	})

	t.Run("fails with context deadline exceeded", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockChatRepository{}, pubsub.NewMemoryBus(), &stats.MockStatsUpdater{})

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		// nothing drains cs.stop, so Shutdown must time out
		err := cs.Shutdown(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded, "expected deadline exceeded error")
	})
}

func Test_handleJoin(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)
	cs := newTestChatServer(t, &database.MockChatRepository{}, pubsub.NewMemoryBus(), su)

	c := NewClient(types.User{Id: "r1", Role: types.RoleRetailer}, nil, cs, testutil.TestLogger(t))

	su.On("Incr", metricActiveRooms).Once()

	cs.handleJoin(&joinReq{client: c, roomId: "room1"})
	assert.Contains(t, cs.roomSubs, "room1", "expected room membership to be created")
	assert.Contains(t, cs.roomSubs["room1"], c, "expected client to be joined to room")
	assert.Contains(t, c.roomIds(), "room1", "expected client to track its membership")

	// joining the same room twice is a no-op
	cs.handleJoin(&joinReq{client: c, roomId: "room1"})
	assert.Len(t, cs.roomSubs["room1"], 1, "expected a single membership after duplicate join")
}

func Test_removeClient(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)
	cs := newTestChatServer(t, &database.MockChatRepository{}, pubsub.NewMemoryBus(), su)

	c := NewClient(types.User{Id: "r1", Role: types.RoleRetailer}, nil, cs, testutil.TestLogger(t))

	su.On("Incr", metricActiveClients).Once()
	su.On("Incr", metricActiveRooms).Once()
	su.On("Decr", metricActiveClients).Once()
	su.On("Decr", metricActiveRooms).Once()

	cs.addClient(c)
	cs.handleJoin(&joinReq{client: c, roomId: "room1"})

	cs.removeClient(c)
	assert.NotContains(t, cs.clients, c, "expected client to be removed")
	assert.NotContains(t, cs.roomSubs, "room1", "expected empty room to be dropped")

	// removing an unknown client is a no-op
	cs.removeClient(c)
}

func Test_deliverLocal(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)
	cs := newTestChatServer(t, &database.MockChatRepository{}, pubsub.NewMemoryBus(), su)

	joined := NewClient(types.User{Id: "r1", Role: types.RoleRetailer}, nil, cs, testutil.TestLogger(t))
	other := NewClient(types.User{Id: "r2", Role: types.RoleRetailer}, nil, cs, testutil.TestLogger(t))

	su.On("Incr", metricActiveRooms).Times(2)
	su.On("Incr", metricMessagesDelivered).Once()

	cs.handleJoin(&joinReq{client: joined, roomId: "room1"})
	cs.handleJoin(&joinReq{client: other, roomId: "room2"})

	env := pubsub.Envelope{
		RoomId:    "room1",
		SeqId:     3,
		SenderId:  "w1",
		Text:      "price list attached",
		CreatedAt: Now(),
	}
	cs.deliverLocal(env)

	select {
	case msg := <-joined.send:
		assert.NotNil(t, msg.Message, "expected a chat message event")
		assert.Equal(t, env.RoomId, msg.Message.RoomId, "expected room id to match")
		assert.Equal(t, env.SeqId, msg.Message.SeqId, "expected seq id to match")
		assert.Equal(t, env.SenderId, msg.Message.SenderId, "expected sender id to match")
		assert.Equal(t, env.Text, msg.Message.Text, "expected text to match")
	default:
		t.Error("expected message to be delivered to joined client")
	}

	select {
	case <-other.send:
		t.Error("expected no delivery to client in another room")
	default:
	}
}

func TestEnsureRoom(t *testing.T) {
	retailer := database.User{Id: "r1", Role: "retailer"}
	wholesaler := database.User{Id: "w1", Role: "wholesaler"}

	tcases := []struct {
		name         string
		retailerId   string
		wholesalerId string
		setupMock    func(db *database.MockChatRepository)
		expectedErr  error
	}{
		{
			name:         "creates room for valid pair",
			retailerId:   "r1",
			wholesalerId: "w1",
			setupMock: func(db *database.MockChatRepository) {
				db.On("GetUserById", "r1").Return(retailer, nil).Once()
				db.On("GetUserById", "w1").Return(wholesaler, nil).Once()
				db.On("EnsureRoom", mock.MatchedBy(func(p database.CreateRoomParams) bool {
					return p.RetailerId == "r1" && p.WholesalerId == "w1" && p.ExternalId != ""
				})).Return(database.Room{Id: 1, ExternalId: "abc123", RetailerId: "r1", WholesalerId: "w1"}, nil).Once()
			},
			expectedErr: nil,
		},
		{
			name:         "rejects wholesaler in retailer position",
			retailerId:   "w1",
			wholesalerId: "r1",
			setupMock: func(db *database.MockChatRepository) {
				db.On("GetUserById", "w1").Return(wholesaler, nil).Once()
			},
			expectedErr: ErrRoleMismatch,
		},
		{
			name:         "rejects unknown wholesaler",
			retailerId:   "r1",
			wholesalerId: "missing",
			setupMock: func(db *database.MockChatRepository) {
				db.On("GetUserById", "r1").Return(retailer, nil).Once()
				db.On("GetUserById", "missing").Return(database.User{}, database.ErrUserNotFound).Once()
			},
			expectedErr: database.ErrUserNotFound,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			db := &database.MockChatRepository{}
			defer db.AssertExpectations(t)
			tc.setupMock(db)

			cs := newTestChatServer(t, db, pubsub.NewMemoryBus(), &stats.MockStatsUpdater{})

			room, err := cs.EnsureRoom(tc.retailerId, tc.wholesalerId)
			if tc.expectedErr != nil {
				assert.ErrorIs(t, err, tc.expectedErr, "expected error to match")
				return
			}

			assert.NoError(t, err, "expected no error resolving room")
			assert.Equal(t, "abc123", room.ExternalId, "expected room external id to match")
		})
	}
}

func Test_publishMessage(t *testing.T) {
	t.Run("publishes and counts", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)
		su.On("Incr", metricMessagesPublished).Once()

		bus := pubsub.NewMemoryBus()
		cs := newTestChatServer(t, &database.MockChatRepository{}, bus, su)

		deliveries, err := bus.Subscribe(context.Background())
		assert.NoError(t, err, "expected subscribe to succeed")

		cs.publishMessage(pubsub.Envelope{RoomId: "room1", SeqId: 1, SenderId: "r1", Text: "hello"})

		select {
		case env := <-deliveries:
			assert.Equal(t, "room1", env.RoomId, "expected envelope room id to match")
		default:
			t.Error("expected envelope on the bus")
		}
	})

	t.Run("swallows publish errors", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		bus := &pubsub.MockBus{}
		defer bus.AssertExpectations(t)
		bus.On("Publish", mock.Anything, mock.Anything).Return(errors.New("bus down")).Once()

		cs := newTestChatServer(t, &database.MockChatRepository{}, bus, su)

		cs.publishMessage(pubsub.Envelope{RoomId: "room1"})
	})
}

// exercises the full loop: a message published on the bus reaches every
// local client joined to the room.
func TestChatServerRun(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", mock.Anything).Maybe()
	su.On("Decr", mock.Anything).Maybe()

	bus := pubsub.NewMemoryBus()
	defer bus.Close()

	cs := newTestChatServer(t, &database.MockChatRepository{}, bus, su)
	go cs.Run()

	retailer := NewClient(types.User{Id: "r1", Role: types.RoleRetailer}, nil, cs, testutil.TestLogger(t))
	wholesaler := NewClient(types.User{Id: "w1", Role: types.RoleWholesaler}, nil, cs, testutil.TestLogger(t))

	cs.RegisterClient(retailer)
	cs.RegisterClient(wholesaler)

	assert.True(t, cs.join(retailer, "room1"), "expected join to be accepted")
	assert.True(t, cs.join(wholesaler, "room1"), "expected join to be accepted")

	// wait for the loop to apply both memberships
	assert.Eventually(t, func() bool {
		return len(retailer.roomIds()) == 1 && len(wholesaler.roomIds()) == 1
	}, time.Second, 10*time.Millisecond, "expected both clients to be joined")

	err := bus.Publish(context.Background(), pubsub.Envelope{
		RoomId:   "room1",
		SeqId:    1,
		SenderId: "r1",
		Text:     "do you stock these in bulk?",
	})
	assert.NoError(t, err, "expected publish to succeed")

	for _, c := range []*Client{retailer, wholesaler} {
		select {
		case msg := <-c.send:
			assert.NotNil(t, msg.Message, "expected a chat message event")
			assert.Equal(t, "room1", msg.Message.RoomId, "expected room id to match")
			assert.Equal(t, 1, msg.Message.SeqId, "expected seq id to match")
		case <-time.After(time.Second):
			t.Errorf("expected client %s to receive the message", c.user.Id)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, cs.Shutdown(ctx), "expected clean shutdown")
}
