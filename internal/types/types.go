package types

import (
	"time"
)

type MessageType string

const (
	MessageTypeUser   MessageType = "user"
	MessageTypeSystem MessageType = "system"
)

// Identity is the authenticated principal bound to a connection. It is
// obtained once, when the connection is established, and never changes.
type Identity struct {
	UserId   int    `json:"id"`
	Username string `json:"username"`
}

type User struct {
	Id        int        `json:"id"`
	Username  string     `json:"username"`
	IsOnline  bool       `json:"is_online"`
	CreatedAt time.Time  `json:"created_at,omitempty"`
	LastLogin *time.Time `json:"last_login,omitempty"`
}

type Room struct {
	Id        int       `json:"id"`
	Name      string    `json:"name"`
	IsPrivate bool      `json:"is_private"`
	OwnerId   int       `json:"owner"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

type RoomMember struct {
	User
	IsOwner bool `json:"is_owner"`
}

type RoomDetails struct {
	Room  Room         `json:"room"`
	Users []RoomMember `json:"users"`
}

type RoomList struct {
	JoinedRooms    []Room `json:"joined_rooms"`
	AvailableRooms []Room `json:"available_rooms"`
}

// Message is a persisted chat message. Id and CreatedAt are always assigned
// by the store.
type Message struct {
	Id          int         `json:"id"`
	Content     string      `json:"content"`
	CreatedAt   time.Time   `json:"created_at"`
	UserId      int         `json:"user_id"`
	RoomId      int         `json:"room_id"`
	MessageType MessageType `json:"message_type"`
	Image       []byte      `json:"image"`
}
