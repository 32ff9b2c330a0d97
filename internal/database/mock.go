package database

import (
	"context"

	"github.com/npezzotti/go-chatsync/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockChatRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (types.Room, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(types.Room), args.Error(1)
}
func (m *MockChatRepository) GetRoom(ctx context.Context, roomId string) (types.Room, error) {
	args := m.Called(ctx, roomId)
	return args.Get(0).(types.Room), args.Error(1)
}
func (m *MockChatRepository) JoinRoom(ctx context.Context, roomId string, user types.Identity) error {
	args := m.Called(ctx, roomId, user)
	return args.Error(0)
}
func (m *MockChatRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (types.Message, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(types.Message), args.Error(1)
}
func (m *MockChatRepository) GetMessage(ctx context.Context, messageId string) (types.Message, error) {
	args := m.Called(ctx, messageId)
	return args.Get(0).(types.Message), args.Error(1)
}
func (m *MockChatRepository) UpdateRoomOnMessage(ctx context.Context, roomId, preview string) error {
	args := m.Called(ctx, roomId, preview)
	return args.Error(0)
}
func (m *MockChatRepository) UpdateMessage(ctx context.Context, messageId, text string) error {
	args := m.Called(ctx, messageId, text)
	return args.Error(0)
}
func (m *MockChatRepository) DeleteMessage(ctx context.Context, messageId string) error {
	args := m.Called(ctx, messageId)
	return args.Error(0)
}
func (m *MockChatRepository) MarkRoomRead(ctx context.Context, userId, roomId string) error {
	args := m.Called(ctx, userId, roomId)
	return args.Error(0)
}
