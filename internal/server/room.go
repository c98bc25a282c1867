package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/npezzotti/chatrooms/internal/database"
	"github.com/npezzotti/chatrooms/internal/types"
)

const roomQueueSize = 256

type taskKind int

const (
	taskJoin taskKind = iota
	taskLeave
	taskSend
	taskNotify
	taskEvict
)

func (k taskKind) String() string {
	switch k {
	case taskJoin:
		return "join"
	case taskLeave:
		return "leave"
	case taskSend:
		return "send"
	case taskNotify:
		return "notify"
	case taskEvict:
		return "evict"
	default:
		return fmt.Sprintf("taskKind(%d)", int(k))
	}
}

// roomTask is one room-scoped operation. client is nil for tasks that do
// not originate from a session.
type roomTask struct {
	kind    taskKind
	ctx     context.Context
	roomId  int
	client  *Client
	publish *Publish
	message types.Message
	done    chan error
}

func (t *roomTask) finish(err error) {
	if t.done != nil {
		t.done <- err
	}
}

type unloadReq struct {
	room  *roomWorker
	reply chan bool
}

// roomWorker serializes every operation on a single room. The registry
// owns subscriptions, so a worker can be unloaded whenever it is idle.
type roomWorker struct {
	id          int
	cs          *ChatServer
	log         *slog.Logger
	queue       chan *roomTask
	idleTimeout time.Duration
	// killTimer unloads the worker when no task arrives before it fires
	killTimer *time.Timer
	exit      chan struct{}
	done      chan struct{}
}

func newRoomWorker(id int, cs *ChatServer) *roomWorker {
	return &roomWorker{
		id:          id,
		cs:          cs,
		log:         cs.log.With("room_id", id),
		queue:       make(chan *roomTask, roomQueueSize),
		idleTimeout: cs.idleTimeout,
		exit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func (r *roomWorker) start() {
	defer close(r.done)

	r.log.Debug("starting room worker")
	r.killTimer = time.NewTimer(r.idleTimeout)
	defer r.killTimer.Stop()

	for {
		select {
		case t := <-r.queue:
			r.killTimer.Stop()
			err := r.handle(t)
			r.killTimer.Reset(r.lingerAfter(err))
		case <-r.killTimer.C:
			if r.requestUnload() {
				r.log.Debug("room worker unloaded")
				return
			}
			r.killTimer.Reset(r.idleTimeout)
		case <-r.exit:
			r.drain()
			r.log.Debug("room worker exiting")
			return
		}
	}
}

// requestUnload blocks until the chat server decides whether the worker
// may exit. The worker does not consume its queue meanwhile, so the
// decision sees every pending task.
func (r *roomWorker) requestUnload() bool {
	req := unloadReq{room: r, reply: make(chan bool, 1)}
	select {
	case r.cs.unloadRoomChan <- req:
	case <-r.exit:
		r.drain()
		return true
	}

	select {
	case ok := <-req.reply:
		return ok
	case <-r.exit:
		r.drain()
		return true
	}
}

func (r *roomWorker) drain() {
	for {
		select {
		case t := <-r.queue:
			t.finish(ErrServerClosed)
		default:
			return
		}
	}
}

// lingerAfter returns how long the worker stays loaded after a task. A room
// nobody is subscribed to is unloaded right after a rejected join or send,
// so frames naming foreign or unknown rooms do not pin a worker.
func (r *roomWorker) lingerAfter(err error) time.Duration {
	if errors.Is(err, ErrNotMember) && len(r.cs.registry.Subscribers(r.id)) == 0 {
		return 0
	}
	return r.idleTimeout
}

func (r *roomWorker) handle(t *roomTask) error {
	var err error
	switch t.kind {
	case taskJoin:
		err = r.handleJoin(t)
	case taskLeave:
		r.handleLeave(t)
	case taskSend:
		err = r.handleSend(t)
	case taskNotify:
		r.handleNotify(t)
	case taskEvict:
		r.handleEvict()
	}

	if err != nil {
		r.log.Info("room task failed", "task", t.kind.String(), "error", err)
		if t.client != nil {
			t.client.queueMessage(NewErrorMessage(err))
		}
	}

	t.finish(err)
	return err
}

func (r *roomWorker) handleJoin(t *roomTask) error {
	c := t.client
	userId := c.identity.UserId

	isMember, err := r.cs.store.IsMember(t.ctx, userId, r.id)
	if err != nil {
		return fmt.Errorf("check membership: %w", err)
	}
	if !isMember {
		return ErrNotMember
	}

	if err := r.cs.store.SetOnline(t.ctx, userId, true); err != nil {
		return fmt.Errorf("set online: %w", err)
	}

	if !r.cs.registry.Subscribe(r.id, c) {
		// the session disconnected while the join was in flight
		r.cs.syncPresence(userId)
		return ErrSessionClosed
	}

	r.log.Info("session subscribed", "client", c.id, "user_id", userId)
	return nil
}

func (r *roomWorker) handleLeave(t *roomTask) {
	r.cs.registry.Unsubscribe(r.id, t.client)
	r.log.Info("session unsubscribed", "client", t.client.id, "user_id", t.client.identity.UserId)
}

func (r *roomWorker) handleSend(t *roomTask) error {
	userId := t.client.identity.UserId

	isMember, err := r.cs.store.IsMember(t.ctx, userId, r.id)
	if err != nil {
		return fmt.Errorf("check membership: %w", err)
	}
	if !isMember {
		return ErrNotMember
	}

	saved, err := r.cs.store.AppendMessage(t.ctx, database.AppendMessageParams{
		Content:     t.publish.Content,
		UserId:      userId,
		RoomId:      r.id,
		MessageType: database.MessageTypeUser,
		Image:       t.publish.Image,
	})
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	r.cs.stats.Incr("MessagesPersisted")

	delivered := r.cs.registry.Broadcast(r.id, NewChatMessage(toMessage(saved)))
	r.log.Debug("broadcast message", "message_id", saved.Id, "delivered", delivered)

	return nil
}

func (r *roomWorker) handleNotify(t *roomTask) {
	delivered := r.cs.registry.Broadcast(r.id, NewChatMessage(t.message))
	r.log.Debug("broadcast room event", "message_id", t.message.Id, "delivered", delivered)
}

func (r *roomWorker) handleEvict() {
	evicted := r.cs.registry.RemoveRoom(r.id)
	notice := NewRoomDeletedMessage(r.id)
	for _, c := range evicted {
		c.queueMessage(notice)
	}

	r.log.Info("room evicted", "sessions", len(evicted))
}
