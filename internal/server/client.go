package server

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/chatrooms/internal/types"
	"github.com/teris-io/shortid"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 2 << 20
	sendBufferSize = 256
)

// Client is one live connection of an authenticated user.
type Client struct {
	id       string
	conn     *websocket.Conn
	cs       *ChatServer
	log      *slog.Logger
	identity types.Identity
	send     chan *ServerMessage
	closed   atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
}

func newClient(identity types.Identity, conn *websocket.Conn, cs *ChatServer, logger *slog.Logger) *Client {
	id, err := shortid.Generate()
	if err != nil {
		id = time.Now().Format("150405.000000")
	}

	return &Client{
		id:       id,
		conn:     conn,
		cs:       cs,
		log:      logger.With("client", id, "user_id", identity.UserId),
		identity: identity,
		send:     make(chan *ServerMessage, sendBufferSize),
		stop:     make(chan struct{}),
	}
}

func (c *Client) Id() string {
	return c.id
}

func (c *Client) Identity() types.Identity {
	return c.identity
}

func (c *Client) isClosed() bool {
	return c.closed.Load()
}

// Write pumps queued messages to the connection until the client is stopped,
// then flushes whatever is still queued.
func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug("write exiting")
	}()

	for {
		select {
		case msg := <-c.send:
			if !c.writeServerMessage(msg) {
				return
			}
		case <-c.stop:
			c.flush()
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) flush() {
	for {
		select {
		case msg := <-c.send:
			if !c.writeServerMessage(msg) {
				return
			}
		default:
			c.sendMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Client) writeServerMessage(msg *ServerMessage) bool {
	bytes, err := serializeMessage(msg)
	if err != nil {
		c.log.Error("failed to serialize message", "error", err)
		return true
	}

	return c.sendMessage(websocket.TextMessage, bytes)
}

// Read decodes inbound frames and hands them to the room workers. It
// disconnects the client when the connection fails.
func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cs.Disconnect(c)
		c.log.Debug("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn("ws read", "error", err)
			}
			return
		}

		c.handleFrame(raw)
	}
}

func (c *Client) handleFrame(raw []byte) {
	ev, err := parseClientMessage(raw)
	if err != nil {
		c.log.Debug("rejected inbound frame", "error", err)
		c.queueMessage(NewErrorMessage(err))
		return
	}

	task := &roomTask{
		ctx:    context.Background(),
		roomId: ev.roomId,
		client: c,
	}

	switch ev.kind {
	case EventJoinRoom:
		task.kind = taskJoin
	case EventLeaveRoom:
		task.kind = taskLeave
	case EventMessage:
		task.kind = taskSend
		task.publish = ev.publish
	}

	if err := c.cs.submit(task); err != nil {
		c.log.Warn("failed to submit room task", "room_id", ev.roomId, "error", err)
		c.queueMessage(NewErrorMessage(err))
	}
}

// queueMessage never blocks; it reports false when the outbound buffer is
// full.
func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Warn("failed to send message to client, channel is full")
		return false
	}

	return true
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn("write message", "error", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}
