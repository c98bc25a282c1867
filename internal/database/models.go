package database

import (
	"database/sql"
	"time"
)

type User struct {
	Id           int
	Username     string
	PasswordHash string
	IsOnline     bool
	CreatedAt    time.Time
	LastLogin    sql.NullTime
}

type Room struct {
	Id           int
	Name         string
	IsPrivate    bool
	OwnerId      int
	PasswordHash string
	CreatedAt    time.Time
}

type Member struct {
	UserId    int
	Username  string
	IsOnline  bool
	CreatedAt time.Time
	LastLogin sql.NullTime
}

type Message struct {
	Id          int
	Content     string
	CreatedAt   time.Time
	UserId      int
	RoomId      int
	MessageType string
	Image       []byte
}

const (
	MessageTypeUser   = "user"
	MessageTypeSystem = "system"
)

type CreateUserParams struct {
	Username     string
	PasswordHash string
}

type CreateRoomParams struct {
	Name         string
	OwnerId      int
	IsPrivate    bool
	PasswordHash string
	// SystemContent is stored as the room's first message.
	SystemContent string
}

type AppendMessageParams struct {
	Content     string
	UserId      int
	RoomId      int
	MessageType string
	Image       []byte
}
