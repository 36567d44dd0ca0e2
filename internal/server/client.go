package server

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/b2bmarket/tradechat/internal/database"
	"github.com/b2bmarket/tradechat/internal/pubsub"
	"github.com/b2bmarket/tradechat/internal/types"
	"github.com/gorilla/websocket"
)

const (
	// writeWait is the max time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// pongWait is the max time to wait for a pong from the peer.
	pongWait = 60 * time.Second
	// pingInterval is the interval at which pings are sent. Must be
	// less than pongWait.
	pingInterval = (pongWait * 9) / 10
	// maxMessageSize is the max size in bytes of an inbound message.
	maxMessageSize = 1024
)

// Client represents one authenticated websocket session.
type Client struct {
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *log.Logger
	user       types.User
	send       chan *ServerMessage
	rooms      map[string]struct{}
	roomsLock  sync.RWMutex
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewClient(user types.User, conn *websocket.Conn, chatServer *ChatServer, logger *log.Logger) *Client {
	return &Client{
		conn:       conn,
		chatServer: chatServer,
		log:        logger,
		user:       user,
		send:       make(chan *ServerMessage, 256),
		rooms:      make(map[string]struct{}),
		stop:       make(chan struct{}),
	}
}

// Write pumps messages from the send channel to the websocket
// connection and keeps the connection alive with pings.
func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(msg); err != nil {
				c.log.Printf("failed writing message to %q: %v", c.user.Id, err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.stop:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}

// Read pumps events from the websocket connection into the chat
// server until the connection drops.
func (c *Client) Read() {
	defer c.cleanup()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Printf("unexpected close from %q: %v", c.user.Id, err)
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.queueMessage(ErrInvalidMessage(0))
			continue
		}
		msg.client = c

		c.dispatch(&msg)
	}
}

// dispatch routes an event to its handler. A panic in one handler is
// contained to the event that caused it.
func (c *Client) dispatch(msg *ClientMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Printf("panic handling event from %q: %v", c.user.Id, r)
			c.queueMessage(ErrInternalError(msg.Id))
		}
	}()

	switch {
	case msg.CreateRoom != nil:
		c.handleCreateRoom(msg)
	case msg.JoinRoom != nil:
		c.handleJoinRoom(msg)
	case msg.SendMessage != nil:
		c.handleSendMessage(msg)
	default:
		c.queueMessage(ErrInvalidMessage(msg.Id))
	}
}

func (c *Client) handleCreateRoom(msg *ClientMessage) {
	req := msg.CreateRoom
	if req.RetailerId == "" || req.WholesalerId == "" {
		c.queueMessage(ErrInvalidRequest(msg.Id, "retailerId and wholesalerId are required"))
		return
	}
	if !c.isParty(req.RetailerId, req.WholesalerId) {
		c.queueMessage(ErrInvalidRequest(msg.Id, "authenticated user is not a participant of the pair"))
		return
	}

	dbRoom, err := c.chatServer.EnsureRoom(req.RetailerId, req.WholesalerId)
	if err != nil {
		c.log.Printf("ensure room for %q: %v", c.user.Id, err)
		c.queueMessage(roomErrEvent(msg.Id, err))
		return
	}

	c.chatServer.join(c, dbRoom.ExternalId)

	room := roomInfo(dbRoom)
	c.queueMessage(&ServerMessage{
		BaseMessage: BaseMessage{
			Id:        msg.Id,
			Timestamp: Now(),
		},
		RoomCreated: &room,
	})
}

// handleJoinRoom attaches the session to an existing room and replays
// its history. Unlike createRoom and sendMessage it never creates the
// room, so joining an unknown pair fails and leaves the session as it
// was.
func (c *Client) handleJoinRoom(msg *ClientMessage) {
	req := msg.JoinRoom
	if req.RetailerId == "" || req.WholesalerId == "" {
		c.queueMessage(ErrInvalidRequest(msg.Id, "retailerId and wholesalerId are required"))
		return
	}
	if !c.isParty(req.RetailerId, req.WholesalerId) {
		c.queueMessage(ErrInvalidRequest(msg.Id, "authenticated user is not a participant of the pair"))
		return
	}

	dbRoom, err := c.chatServer.db.GetRoomByPair(req.RetailerId, req.WholesalerId)
	if err != nil {
		if errors.Is(err, database.ErrRoomNotFound) {
			c.queueMessage(ErrRoomNotFound(msg.Id))
		} else {
			c.log.Printf("get room for %q: %v", c.user.Id, err)
			c.queueMessage(ErrInternalError(msg.Id))
		}
		return
	}

	stored, err := c.chatServer.db.GetMessages(dbRoom.Id)
	if err != nil {
		c.log.Printf("get messages for room %q: %v", dbRoom.ExternalId, err)
		c.queueMessage(ErrInternalError(msg.Id))
		return
	}

	c.chatServer.join(c, dbRoom.ExternalId)

	room := roomInfo(dbRoom)
	c.queueMessage(&ServerMessage{
		BaseMessage: BaseMessage{
			Id:        msg.Id,
			Timestamp: Now(),
		},
		RoomJoined: &room,
	})

	history := make([]types.Message, 0, len(stored))
	for _, m := range stored {
		history = append(history, types.Message{
			RoomId:    dbRoom.ExternalId,
			SeqId:     m.SeqId,
			SenderId:  m.SenderId,
			Text:      m.Text,
			CreatedAt: m.CreatedAt,
		})
	}
	c.queueMessage(&ServerMessage{
		BaseMessage: BaseMessage{
			Id:        msg.Id,
			Timestamp: Now(),
		},
		ChatHistory: &ChatHistory{Messages: history},
	})
}

// handleSendMessage appends a message to the pair's room, creating the
// room on first contact, then replicates it through the bus. The
// sender sees its own message only when the bus delivers it back.
func (c *Client) handleSendMessage(msg *ClientMessage) {
	req := msg.SendMessage
	if req.Text == "" {
		c.queueMessage(ErrInvalidRequest(msg.Id, "text is required"))
		return
	}
	if req.RetailerId == "" || req.WholesalerId == "" {
		c.queueMessage(ErrInvalidRequest(msg.Id, "retailerId and wholesalerId are required"))
		return
	}
	if req.SenderId != "" && req.SenderId != c.user.Id {
		c.queueMessage(ErrInvalidRequest(msg.Id, "senderId must match the authenticated user"))
		return
	}
	if !c.isParty(req.RetailerId, req.WholesalerId) {
		c.queueMessage(ErrInvalidRequest(msg.Id, "authenticated user is not a participant of the pair"))
		return
	}

	dbRoom, err := c.chatServer.EnsureRoom(req.RetailerId, req.WholesalerId)
	if err != nil {
		c.log.Printf("ensure room for %q: %v", c.user.Id, err)
		c.queueMessage(roomErrEvent(msg.Id, err))
		return
	}

	stored, err := c.chatServer.db.AppendMessage(database.AppendMessageParams{
		RoomId:   dbRoom.Id,
		SenderId: c.user.Id,
		Text:     req.Text,
	})
	if err != nil {
		c.log.Printf("append message for room %q: %v", dbRoom.ExternalId, err)
		c.queueMessage(roomErrEvent(msg.Id, err))
		return
	}

	c.chatServer.publishMessage(pubsub.Envelope{
		RoomId:    dbRoom.ExternalId,
		SeqId:     stored.SeqId,
		SenderId:  stored.SenderId,
		Text:      stored.Text,
		CreatedAt: stored.CreatedAt,
	})
}

func roomErrEvent(id int, err error) *ServerMessage {
	switch {
	case errors.Is(err, database.ErrUserNotFound),
		errors.Is(err, database.ErrNotParticipant),
		errors.Is(err, ErrRoleMismatch):
		return ErrInvalidRequest(id, err.Error())
	case errors.Is(err, database.ErrRoomNotFound):
		return ErrRoomNotFound(id)
	default:
		return ErrInternalError(id)
	}
}

// isParty reports whether the session user occupies its role's slot in
// the pair.
func (c *Client) isParty(retailerId, wholesalerId string) bool {
	switch c.user.Role {
	case types.RoleRetailer:
		return c.user.Id == retailerId
	case types.RoleWholesaler:
		return c.user.Id == wholesalerId
	}
	return false
}

// queueMessage enqueues a message for the write pump without blocking.
// Reports whether the message was queued.
func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
		return true
	default:
		c.log.Printf("send buffer full for %q, dropping message", c.user.Id)
		return false
	}
}

func (c *Client) cleanup() {
	c.chatServer.deRegisterChan <- c
	c.stopClient()
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

func (c *Client) addRoom(roomId string) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()
	c.rooms[roomId] = struct{}{}
}

func (c *Client) delRoom(roomId string) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()
	delete(c.rooms, roomId)
}

func (c *Client) roomIds() []string {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	ids := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		ids = append(ids, id)
	}
	return ids
}
