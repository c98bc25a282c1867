package database

import "context"

type GoChatRepository interface {
	Ping(ctx context.Context) error
	CreateUser(ctx context.Context, params CreateUserParams) (User, error)
	GetUserById(ctx context.Context, userId int) (User, error)
	GetUserByUsername(ctx context.Context, username string) (User, error)
	UpdateLastLogin(ctx context.Context, userId int) error
	SetOnline(ctx context.Context, userId int, online bool) error
	CreateRoom(ctx context.Context, params CreateRoomParams) (Room, Message, error)
	GetRoomById(ctx context.Context, roomId int) (Room, error)
	ListJoinedRooms(ctx context.Context, userId int) ([]Room, error)
	ListAvailableRooms(ctx context.Context, userId int) ([]Room, error)
	GetRoomMembers(ctx context.Context, roomId int) ([]Member, error)
	DeleteRoom(ctx context.Context, roomId int) error
	IsMember(ctx context.Context, userId, roomId int) (bool, error)
	JoinRoom(ctx context.Context, userId, roomId int, systemContent string) (Message, error)
	LeaveRoom(ctx context.Context, userId, roomId int, systemContent string) (Message, error)
	AppendMessage(ctx context.Context, params AppendMessageParams) (Message, error)
	GetMessages(ctx context.Context, roomId, before, limit int) ([]Message, error)
}
