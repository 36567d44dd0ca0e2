package database

import (
	"github.com/stretchr/testify/mock"
)

type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockChatRepository) EnsureRoom(params CreateRoomParams) (Room, error) {
	args := m.Called(params)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockChatRepository) GetRoomByPair(retailerId, wholesalerId string) (Room, error) {
	args := m.Called(retailerId, wholesalerId)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockChatRepository) GetRoomByExternalId(externalId string) (Room, error) {
	args := m.Called(externalId)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockChatRepository) AppendMessage(params AppendMessageParams) (Message, error) {
	args := m.Called(params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) GetMessages(roomId int) ([]Message, error) {
	args := m.Called(roomId)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockChatRepository) GetUserById(id string) (User, error) {
	args := m.Called(id)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) GetUsersByRole(role string) ([]User, error) {
	args := m.Called(role)
	return args.Get(0).([]User), args.Error(1)
}
