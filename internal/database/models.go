package database

import "time"

type User struct {
	Id           int
	Nickname     string
	PasswordHash string
	CreatedAt    time.Time
}

type Message struct {
	Id          int
	Payload     string
	SenderId    int
	AddresseeId int
	CreatedAt   time.Time
	Received    bool
}

type CreateAccountParams struct {
	Nickname     string
	PasswordHash string
}

type CreateMessageParams struct {
	Payload     string
	SenderId    int
	AddresseeId int
}
