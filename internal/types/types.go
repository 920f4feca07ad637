package types

import (
	"time"
)

type User struct {
	Id        int       `json:"id"`
	Nickname  string    `json:"nickname"`
	Password  string    `json:"-"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

type Message struct {
	Id          int       `json:"id"`
	Payload     string    `json:"payload"`
	SenderId    int       `json:"sender_id"`
	AddresseeId int       `json:"addressee_id"`
	IsSender    bool      `json:"is_sender"`
	Received    bool      `json:"received"`
	Timestamp   time.Time `json:"timestamp"`
}
