package server

import (
	"log/slog"
	"sync"

	"github.com/npezzotti/chatrooms/internal/stats"
)

// Registry maps rooms to the live sessions subscribed to them. It holds
// no membership data; callers confirm membership before subscribing.
type Registry struct {
	mu       sync.RWMutex
	rooms    map[int]map[*Client]struct{}
	sessions map[*Client]map[int]struct{}
	stats    stats.StatsProvider
	log      *slog.Logger
}

func NewRegistry(logger *slog.Logger, su stats.StatsProvider) *Registry {
	return &Registry{
		rooms:    make(map[int]map[*Client]struct{}),
		sessions: make(map[*Client]map[int]struct{}),
		stats:    su,
		log:      logger,
	}
}

// Subscribe adds c to roomId. It reports false, and changes nothing, when
// the session has already been disconnected.
func (r *Registry) Subscribe(roomId int, c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c.isClosed() {
		return false
	}

	subs, ok := r.rooms[roomId]
	if !ok {
		subs = make(map[*Client]struct{})
		r.rooms[roomId] = subs
	}
	subs[c] = struct{}{}

	joined, ok := r.sessions[c]
	if !ok {
		joined = make(map[int]struct{})
		r.sessions[c] = joined
	}
	joined[roomId] = struct{}{}

	return true
}

func (r *Registry) Unsubscribe(roomId int, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.unsubscribeLocked(roomId, c)
}

func (r *Registry) unsubscribeLocked(roomId int, c *Client) {
	if subs, ok := r.rooms[roomId]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(r.rooms, roomId)
		}
	}

	if joined, ok := r.sessions[c]; ok {
		delete(joined, roomId)
		if len(joined) == 0 {
			delete(r.sessions, c)
		}
	}
}

// Broadcast queues msg on every session subscribed to roomId and returns
// the number of sessions that accepted it. A session with a full outbound
// buffer misses the message; the others are unaffected.
func (r *Registry) Broadcast(roomId int, msg *ServerMessage) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	delivered := 0
	for c := range r.rooms[roomId] {
		if c.queueMessage(msg) {
			delivered++
			continue
		}

		r.stats.Incr("BroadcastDrops")
		r.log.Warn("dropped broadcast for slow session", "room_id", roomId, "client", c.id)
	}

	return delivered
}

// DropSession removes c from every room and returns the rooms it was in.
func (r *Registry) DropSession(c *Client) []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var dropped []int
	for roomId := range r.sessions[c] {
		dropped = append(dropped, roomId)
	}

	for _, roomId := range dropped {
		r.unsubscribeLocked(roomId, c)
	}

	return dropped
}

// RemoveRoom unsubscribes every session from roomId and returns them.
func (r *Registry) RemoveRoom(roomId int) []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []*Client
	for c := range r.rooms[roomId] {
		removed = append(removed, c)
	}

	for _, c := range removed {
		r.unsubscribeLocked(roomId, c)
	}

	return removed
}

func (r *Registry) Subscribers(roomId int) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := make([]*Client, 0, len(r.rooms[roomId]))
	for c := range r.rooms[roomId] {
		subs = append(subs, c)
	}

	return subs
}

func (r *Registry) IsSubscribed(roomId int, c *Client) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.rooms[roomId][c]
	return ok
}

func (r *Registry) Rooms(c *Client) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make([]int, 0, len(r.sessions[c]))
	for roomId := range r.sessions[c] {
		rooms = append(rooms, roomId)
	}

	return rooms
}
