package database

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockGoChatRepository struct {
	mock.Mock
}

func (m *MockGoChatRepository) Ping(ctx context.Context) error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockGoChatRepository) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	args := m.Called(params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockGoChatRepository) GetUserById(ctx context.Context, userId int) (User, error) {
	args := m.Called(userId)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockGoChatRepository) GetUserByUsername(ctx context.Context, username string) (User, error) {
	args := m.Called(username)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockGoChatRepository) UpdateLastLogin(ctx context.Context, userId int) error {
	args := m.Called(userId)
	return args.Error(0)
}
func (m *MockGoChatRepository) SetOnline(ctx context.Context, userId int, online bool) error {
	args := m.Called(userId, online)
	return args.Error(0)
}
func (m *MockGoChatRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (Room, Message, error) {
	args := m.Called(params)
	return args.Get(0).(Room), args.Get(1).(Message), args.Error(2)
}
func (m *MockGoChatRepository) GetRoomById(ctx context.Context, roomId int) (Room, error) {
	args := m.Called(roomId)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockGoChatRepository) ListJoinedRooms(ctx context.Context, userId int) ([]Room, error) {
	args := m.Called(userId)
	return args.Get(0).([]Room), args.Error(1)
}
func (m *MockGoChatRepository) ListAvailableRooms(ctx context.Context, userId int) ([]Room, error) {
	args := m.Called(userId)
	return args.Get(0).([]Room), args.Error(1)
}
func (m *MockGoChatRepository) GetRoomMembers(ctx context.Context, roomId int) ([]Member, error) {
	args := m.Called(roomId)
	return args.Get(0).([]Member), args.Error(1)
}
func (m *MockGoChatRepository) DeleteRoom(ctx context.Context, roomId int) error {
	args := m.Called(roomId)
	return args.Error(0)
}
func (m *MockGoChatRepository) IsMember(ctx context.Context, userId, roomId int) (bool, error) {
	args := m.Called(userId, roomId)
	return args.Bool(0), args.Error(1)
}
func (m *MockGoChatRepository) JoinRoom(ctx context.Context, userId, roomId int, systemContent string) (Message, error) {
	args := m.Called(userId, roomId, systemContent)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockGoChatRepository) LeaveRoom(ctx context.Context, userId, roomId int, systemContent string) (Message, error) {
	args := m.Called(userId, roomId, systemContent)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockGoChatRepository) AppendMessage(ctx context.Context, params AppendMessageParams) (Message, error) {
	args := m.Called(params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockGoChatRepository) GetMessages(ctx context.Context, roomId, before, limit int) ([]Message, error) {
	args := m.Called(roomId, before, limit)
	return args.Get(0).([]Message), args.Error(1)
}
