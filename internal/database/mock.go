package database

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockDMRepository struct {
	mock.Mock
}

func (m *MockDMRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockDMRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (User, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockDMRepository) GetAccountById(ctx context.Context, id int) (User, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockDMRepository) GetAccountByNickname(ctx context.Context, nickname string) (User, error) {
	args := m.Called(ctx, nickname)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockDMRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockDMRepository) MarkMessageReceived(ctx context.Context, id int) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}
func (m *MockDMRepository) GetConversation(ctx context.Context, userA, userB int) ([]Message, error) {
	args := m.Called(ctx, userA, userB)
	if msgs, ok := args.Get(0).([]Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockDMRepository) GetUnreceived(ctx context.Context, addresseeId, senderId int) ([]Message, error) {
	args := m.Called(ctx, addresseeId, senderId)
	if msgs, ok := args.Get(0).([]Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
