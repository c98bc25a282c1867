package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/chatrooms/internal/database"
	"github.com/npezzotti/chatrooms/internal/stats"
	"github.com/npezzotti/chatrooms/internal/types"
)

const (
	DefaultIdleRoomTimeout = 30 * time.Second
	DefaultMaxRoomWorkers  = 10000
)

type TokenVerifier interface {
	Verify(token string) (types.Identity, error)
}

type stopReq struct {
	done chan struct{}
}

// ChatServer owns the room registry, the room workers and the set of live
// sessions.
type ChatServer struct {
	log            *slog.Logger
	store          database.Store
	verifier       TokenVerifier
	stats          stats.StatsProvider
	registry       *Registry
	idleTimeout    time.Duration
	maxRooms       int
	rooms          map[int]*roomWorker
	roomsLock      sync.Mutex
	closed         bool
	clients        map[*Client]struct{}
	userSessions   map[int]int
	clientsLock    sync.Mutex
	unloadRoomChan chan unloadReq
	stop           chan stopReq
}

func NewChatServer(logger *slog.Logger, store database.Store, verifier TokenVerifier, su stats.StatsProvider, idleTimeout time.Duration) (*ChatServer, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if verifier == nil {
		return nil, errors.New("token verifier is required")
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleRoomTimeout
	}

	su.RegisterMetric("NumActiveRooms")
	su.RegisterMetric("NumConnectedClients")
	su.RegisterCounter("MessagesPersisted")
	su.RegisterCounter("BroadcastDrops")

	return &ChatServer{
		log:            logger,
		store:          store,
		verifier:       verifier,
		stats:          su,
		registry:       NewRegistry(logger, su),
		idleTimeout:    idleTimeout,
		maxRooms:       DefaultMaxRoomWorkers,
		rooms:          make(map[int]*roomWorker),
		clients:        make(map[*Client]struct{}),
		userSessions:   make(map[int]int),
		unloadRoomChan: make(chan unloadReq, 64),
		stop:           make(chan stopReq),
	}, nil
}

// Run handles idle room unloads until Shutdown is called.
func (cs *ChatServer) Run() {
	for {
		select {
		case req := <-cs.unloadRoomChan:
			req.reply <- cs.unloadRoom(req.room)
		case req := <-cs.stop:
			cs.shutdownRooms()
			cs.stopClients()
			close(req.done)
			return
		}
	}
}

func (cs *ChatServer) unloadRoom(r *roomWorker) bool {
	cs.roomsLock.Lock()
	defer cs.roomsLock.Unlock()

	if cs.rooms[r.id] != r || len(r.queue) > 0 {
		return false
	}

	delete(cs.rooms, r.id)
	cs.stats.Decr("NumActiveRooms")
	cs.log.Debug("unloaded idle room", "room_id", r.id, "active_rooms", len(cs.rooms))

	return true
}

func (cs *ChatServer) shutdownRooms() {
	cs.roomsLock.Lock()
	cs.closed = true
	workers := make([]*roomWorker, 0, len(cs.rooms))
	for id, r := range cs.rooms {
		workers = append(workers, r)
		delete(cs.rooms, id)
	}
	cs.roomsLock.Unlock()

	for _, r := range workers {
		cs.log.Debug("shutting down room", "room_id", r.id)
		close(r.exit)
		<-r.done
		cs.stats.Decr("NumActiveRooms")
	}
}

// stopClients disconnects every live session, so the registry is empty and
// presence is cleared before Shutdown returns.
func (cs *ChatServer) stopClients() {
	cs.clientsLock.Lock()
	clients := make([]*Client, 0, len(cs.clients))
	for c := range cs.clients {
		clients = append(clients, c)
	}
	cs.clientsLock.Unlock()

	for _, c := range clients {
		cs.Disconnect(c)
	}
}

// Shutdown stops every room worker and live session. It returns ctx.Err()
// if Run does not finish in time.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Info("shutting down chat server")

	req := stopReq{done: make(chan struct{})}
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

// SetMaxRoomWorkers caps how many room workers may be loaded at once. Tasks
// for an unloaded room fail with ErrServiceUnavailable while at the cap.
func (cs *ChatServer) SetMaxRoomWorkers(n int) {
	cs.roomsLock.Lock()
	defer cs.roomsLock.Unlock()

	if n <= 0 {
		n = DefaultMaxRoomWorkers
	}
	cs.maxRooms = n
}

func (cs *ChatServer) Authenticate(token string) (types.Identity, error) {
	return cs.verifier.Verify(token)
}

// Connect registers a session for an authenticated identity. The caller
// starts the client's Read and Write pumps.
func (cs *ChatServer) Connect(identity types.Identity, conn *websocket.Conn) (*Client, error) {
	c := newClient(identity, conn, cs, cs.log)
	if err := cs.addClient(c); err != nil {
		return nil, err
	}

	c.log.Info("session connected", "username", identity.Username)
	return c, nil
}

func (cs *ChatServer) addClient(c *Client) error {
	cs.roomsLock.Lock()
	closed := cs.closed
	cs.roomsLock.Unlock()
	if closed {
		return ErrServerClosed
	}

	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	cs.clients[c] = struct{}{}
	cs.userSessions[c.identity.UserId]++
	cs.stats.Incr("NumConnectedClients")

	return nil
}

// removeClient reports whether c was the user's last live session.
func (cs *ChatServer) removeClient(c *Client) bool {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; !ok {
		return false
	}

	delete(cs.clients, c)
	cs.stats.Decr("NumConnectedClients")

	userId := c.identity.UserId
	cs.userSessions[userId]--
	if cs.userSessions[userId] > 0 {
		return false
	}

	delete(cs.userSessions, userId)
	return true
}

func (cs *ChatServer) hasSessions(userId int) bool {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	return cs.userSessions[userId] > 0
}

// syncPresence clears the online flag of a user with no live session.
func (cs *ChatServer) syncPresence(userId int) {
	if cs.hasSessions(userId) {
		return
	}

	if err := cs.store.SetOnline(context.Background(), userId, false); err != nil {
		cs.log.Error("failed to clear online flag", "user_id", userId, "error", err)
	}
}

// Disconnect drops the session from every room and stops it. Repeated
// calls are no-ops.
func (cs *ChatServer) Disconnect(c *Client) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}

	rooms := cs.registry.DropSession(c)
	if cs.removeClient(c) {
		cs.syncPresence(c.identity.UserId)
	}

	c.stopClient()
	c.log.Info("session disconnected", "rooms", rooms)
}

func (cs *ChatServer) Join(ctx context.Context, c *Client, roomId int) error {
	return cs.do(ctx, &roomTask{kind: taskJoin, roomId: roomId, client: c})
}

func (cs *ChatServer) Leave(ctx context.Context, c *Client, roomId int) error {
	return cs.do(ctx, &roomTask{kind: taskLeave, roomId: roomId, client: c})
}

func (cs *ChatServer) SendMessage(ctx context.Context, c *Client, roomId int, content string, image []byte) error {
	pub := &Publish{RoomId: roomId, Content: content, Image: image}
	if err := validatePublish(pub); err != nil {
		return err
	}

	return cs.do(ctx, &roomTask{kind: taskSend, roomId: roomId, client: c, publish: pub})
}

// NotifyRoomEvent broadcasts an already persisted message to the room's
// live subscribers through the room's worker.
func (cs *ChatServer) NotifyRoomEvent(ctx context.Context, roomId int, msg types.Message) error {
	if msg.RoomId != roomId {
		return fmt.Errorf("message belongs to room %d, not %d", msg.RoomId, roomId)
	}

	return cs.do(ctx, &roomTask{kind: taskNotify, roomId: roomId, message: msg})
}

// EvictRoom unsubscribes every live session from a deleted room and tells
// each of them the room is gone.
func (cs *ChatServer) EvictRoom(ctx context.Context, roomId int) error {
	return cs.do(ctx, &roomTask{kind: taskEvict, roomId: roomId})
}

func (cs *ChatServer) do(ctx context.Context, t *roomTask) error {
	t.ctx = ctx
	t.done = make(chan error, 1)

	if err := cs.submit(t); err != nil {
		return err
	}

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// submit queues t on its room's worker, starting the worker if needed. It
// never blocks.
func (cs *ChatServer) submit(t *roomTask) error {
	cs.roomsLock.Lock()
	defer cs.roomsLock.Unlock()

	if cs.closed {
		return ErrServerClosed
	}

	r, ok := cs.rooms[t.roomId]
	if !ok {
		if len(cs.rooms) >= cs.maxRooms {
			cs.log.Warn("room worker limit reached", "room_id", t.roomId, "active_rooms", len(cs.rooms))
			return ErrServiceUnavailable
		}
		r = newRoomWorker(t.roomId, cs)
		cs.rooms[t.roomId] = r
		cs.stats.Incr("NumActiveRooms")
		go r.start()
	}

	select {
	case r.queue <- t:
		return nil
	default:
		cs.log.Warn("room queue full", "room_id", t.roomId, "task", t.kind.String())
		return ErrServiceUnavailable
	}
}
