package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/b2bmarket/tradechat/internal/database"
	"github.com/b2bmarket/tradechat/internal/pubsub"
	"github.com/b2bmarket/tradechat/internal/stats"
	"github.com/b2bmarket/tradechat/internal/types"
	"github.com/teris-io/shortid"
)

const (
	metricActiveClients     = "NumActiveClients"
	metricActiveRooms       = "NumActiveRooms"
	metricMessagesPublished = "NumMessagesPublished"
	metricMessagesDelivered = "NumMessagesDelivered"
)

// ErrRoleMismatch is returned when a user id is passed in a pair
// position that does not match its directory role.
var ErrRoleMismatch = errors.New("user role does not match its position in the pair")

type joinReq struct {
	client *Client
	roomId string
}

type stopReq struct {
	done chan struct{}
}

// ChatServer owns the set of live client connections and their room
// memberships on this process. All membership state is mutated only
// inside the Run loop; clients talk to it over channels.
type ChatServer struct {
	log             *log.Logger
	db              database.ChatRepository
	bus             pubsub.Bus
	stats           stats.StatsProvider
	clients         map[*Client]struct{}
	roomSubs        map[string]map[*Client]struct{}
	joinChan        chan *joinReq
	RegisterChan    chan *Client
	deRegisterChan  chan *Client
	stop            chan *stopReq
	generateShortId func() (string, error)
}

func NewChatServer(logger *log.Logger, db database.ChatRepository, bus pubsub.Bus, su stats.StatsProvider) (*ChatServer, error) {
	sid, err := shortid.New(1, shortid.DefaultABC, uint64(time.Now().UnixNano()))
	if err != nil {
		return nil, fmt.Errorf("shortid: %w", err)
	}

	su.RegisterMetric(metricActiveClients)
	su.RegisterMetric(metricActiveRooms)
	su.RegisterMetric(metricMessagesPublished)
	su.RegisterMetric(metricMessagesDelivered)

	return &ChatServer{
		log:             logger,
		db:              db,
		bus:             bus,
		stats:           su,
		clients:         make(map[*Client]struct{}),
		roomSubs:        make(map[string]map[*Client]struct{}),
		joinChan:        make(chan *joinReq, 256),
		RegisterChan:    make(chan *Client),
		deRegisterChan:  make(chan *Client),
		stop:            make(chan *stopReq),
		generateShortId: sid.Generate,
	}, nil
}

func (cs *ChatServer) Run() {
	deliveries, err := cs.bus.Subscribe(context.Background())
	if err != nil {
		// without a subscription this instance still persists messages
		// but never delivers them live; keep serving and surface the
		// fault in logs
		cs.log.Println("bus subscribe:", err)
	}

	for {
		select {
		case req := <-cs.joinChan:
			cs.handleJoin(req)
		case client := <-cs.RegisterChan:
			cs.log.Printf("adding connection from %q", client.user.Id)
			cs.addClient(client)
		case client := <-cs.deRegisterChan:
			cs.log.Printf("removing connection from %q", client.user.Id)
			cs.removeClient(client)
		case env, ok := <-deliveries:
			if !ok {
				cs.log.Println("bus subscription closed, live delivery stopped")
				deliveries = nil
				continue
			}
			cs.deliverLocal(env)
		case req := <-cs.stop:
			for client := range cs.clients {
				client.stopClient()
			}
			close(req.done)
			return
		}
	}
}

// RegisterClient hands a new connection to the run loop.
func (cs *ChatServer) RegisterClient(c *Client) {
	cs.RegisterChan <- c
}

func (cs *ChatServer) Shutdown(ctx context.Context) error {
	req := &stopReq{done: make(chan struct{})}

	select {
	case cs.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clients[c] = struct{}{}
	cs.stats.Incr(metricActiveClients)
}

func (cs *ChatServer) removeClient(c *Client) {
	if _, ok := cs.clients[c]; !ok {
		return
	}

	delete(cs.clients, c)
	cs.stats.Decr(metricActiveClients)

	for _, roomId := range c.roomIds() {
		cs.dropMembership(c, roomId)
	}
}

func (cs *ChatServer) handleJoin(req *joinReq) {
	subs, ok := cs.roomSubs[req.roomId]
	if !ok {
		subs = make(map[*Client]struct{})
		cs.roomSubs[req.roomId] = subs
		cs.stats.Incr(metricActiveRooms)
	}

	// join is idempotent
	if _, ok := subs[req.client]; ok {
		return
	}

	subs[req.client] = struct{}{}
	req.client.addRoom(req.roomId)
}

func (cs *ChatServer) dropMembership(c *Client, roomId string) {
	subs, ok := cs.roomSubs[roomId]
	if !ok {
		return
	}

	delete(subs, c)
	if len(subs) == 0 {
		delete(cs.roomSubs, roomId)
		cs.stats.Decr(metricActiveRooms)
	}
}

// deliverLocal fans a bus envelope out to every client joined to the
// room on this process. Clients with a full send buffer are skipped
// rather than blocking the loop.
func (cs *ChatServer) deliverLocal(env pubsub.Envelope) {
	subs := cs.roomSubs[env.RoomId]
	if len(subs) == 0 {
		return
	}

	msg := &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Message: &types.Message{
			RoomId:    env.RoomId,
			SeqId:     env.SeqId,
			SenderId:  env.SenderId,
			Text:      env.Text,
			CreatedAt: env.CreatedAt,
		},
	}

	for client := range subs {
		if client.queueMessage(msg) {
			cs.stats.Incr(metricMessagesDelivered)
		}
	}
}

// join requests a room membership for the client; the run loop applies
// it. Reports whether the request was accepted.
func (cs *ChatServer) join(c *Client, roomId string) bool {
	select {
	case cs.joinChan <- &joinReq{client: c, roomId: roomId}:
		return true
	default:
		cs.log.Printf("join channel full, dropping join for room %q", roomId)
		return false
	}
}

// EnsureRoom resolves the single room for a retailer, wholesaler pair,
// creating it on first contact. Both ids are checked against the user
// directory so a wholesaler id cannot be passed in the retailer
// position, or vice versa.
func (cs *ChatServer) EnsureRoom(retailerId, wholesalerId string) (database.Room, error) {
	retailer, err := cs.db.GetUserById(retailerId)
	if err != nil {
		return database.Room{}, fmt.Errorf("retailer %q: %w", retailerId, err)
	}
	if types.Role(retailer.Role) != types.RoleRetailer {
		return database.Room{}, fmt.Errorf("retailer %q: %w", retailerId, ErrRoleMismatch)
	}

	wholesaler, err := cs.db.GetUserById(wholesalerId)
	if err != nil {
		return database.Room{}, fmt.Errorf("wholesaler %q: %w", wholesalerId, err)
	}
	if types.Role(wholesaler.Role) != types.RoleWholesaler {
		return database.Room{}, fmt.Errorf("wholesaler %q: %w", wholesalerId, ErrRoleMismatch)
	}

	sid, err := cs.generateShortId()
	if err != nil {
		return database.Room{}, fmt.Errorf("generate room id: %w", err)
	}

	return cs.db.EnsureRoom(database.CreateRoomParams{
		ExternalId:   sid,
		RetailerId:   retailerId,
		WholesalerId: wholesalerId,
	})
}

// publishMessage replicates a stored message through the fan-out bus. A
// publish failure is logged and swallowed: the message is already
// durable and readable via history, it just won't reach live
// subscribers until they refetch.
func (cs *ChatServer) publishMessage(env pubsub.Envelope) {
	if err := cs.bus.Publish(context.Background(), env); err != nil {
		cs.log.Printf("publish message for room %q: %v", env.RoomId, err)
		return
	}

	cs.stats.Incr(metricMessagesPublished)
}

func roomInfo(room database.Room) types.Room {
	return types.Room{
		Id:           room.ExternalId,
		RetailerId:   room.RetailerId,
		WholesalerId: room.WholesalerId,
		CreatedAt:    room.CreatedAt,
		UpdatedAt:    room.UpdatedAt,
	}
}
