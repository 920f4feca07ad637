package database

import (
	"context"
	"errors"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrNicknameTaken = errors.New("nickname already taken")
)

// DMRepository is the durable store for accounts and direct messages.
type DMRepository interface {
	Ping(ctx context.Context) error
	CreateAccount(ctx context.Context, params CreateAccountParams) (User, error)
	GetAccountById(ctx context.Context, id int) (User, error)
	GetAccountByNickname(ctx context.Context, nickname string) (User, error)
	CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error)
	MarkMessageReceived(ctx context.Context, id int) (bool, error)
	GetConversation(ctx context.Context, userA, userB int) ([]Message, error)
	GetUnreceived(ctx context.Context, addresseeId, senderId int) ([]Message, error)
}
