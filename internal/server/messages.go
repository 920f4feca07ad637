package server

import (
	"encoding/json"
	"errors"
	"fmt"
)

type MessageType string

const (
	TypeInitChat        MessageType = "init_chat"
	TypeMsg             MessageType = "msg"
	TypeChatInitSuccess MessageType = "chat_init_success"
	TypeChatInitFailure MessageType = "chat_init_failure"
)

const (
	ReasonSelfChat          = "You can't chat with yourself"
	ReasonAddresseeNotFound = "Addressee not found"
	ReasonInternalError     = "Internal server error"
)

var (
	ErrInvalidMessage     = errors.New("invalid message")
	ErrUnknownMessageType = errors.New("unknown message type")
)

// ClientMessage is a frame sent by a client. Exactly one variant is set.
type ClientMessage struct {
	InitChat *InitChat
	Msg      *Msg
}

type InitChat struct {
	AddresseeNickname string `json:"addressee_nickname"`
}

type Msg struct {
	Msg string `json:"msg"`
}

func (m *ClientMessage) Type() MessageType {
	switch {
	case m.InitChat != nil:
		return TypeInitChat
	case m.Msg != nil:
		return TypeMsg
	}
	return ""
}

// DecodeClientMessage parses a client frame by its type discriminator and
// checks that the fields of that variant are present.
func DecodeClientMessage(raw []byte) (*ClientMessage, error) {
	var envelope struct {
		Type              MessageType `json:"type"`
		AddresseeNickname *string     `json:"addressee_nickname"`
		Msg               *string     `json:"msg"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}

	switch envelope.Type {
	case TypeInitChat:
		if envelope.AddresseeNickname == nil {
			return nil, fmt.Errorf("%w: missing addressee_nickname", ErrInvalidMessage)
		}
		return &ClientMessage{InitChat: &InitChat{AddresseeNickname: *envelope.AddresseeNickname}}, nil
	case TypeMsg:
		if envelope.Msg == nil {
			return nil, fmt.Errorf("%w: missing msg", ErrInvalidMessage)
		}
		return &ClientMessage{Msg: &Msg{Msg: *envelope.Msg}}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, envelope.Type)
	}
}

// ServerMessage is a frame sent to a client. Exactly one variant is set.
type ServerMessage struct {
	ChatInitSuccess *ChatInitSuccess
	ChatInitFailure *ChatInitFailure
	Msg             *MsgDelivery
}

type ChatInitSuccess struct{}

type ChatInitFailure struct {
	Error string `json:"error"`
}

type MsgDelivery struct {
	Msg      string `json:"msg"`
	IsSender bool   `json:"is_sender"`
}

func (m *ServerMessage) MarshalJSON() ([]byte, error) {
	switch {
	case m.ChatInitSuccess != nil:
		return json.Marshal(struct {
			Type MessageType `json:"type"`
		}{TypeChatInitSuccess})
	case m.ChatInitFailure != nil:
		return json.Marshal(struct {
			Type MessageType `json:"type"`
			*ChatInitFailure
		}{TypeChatInitFailure, m.ChatInitFailure})
	case m.Msg != nil:
		return json.Marshal(struct {
			Type MessageType `json:"type"`
			*MsgDelivery
		}{TypeMsg, m.Msg})
	}

	return nil, fmt.Errorf("%w: empty server message", ErrInvalidMessage)
}

func ChatInitSuccessMessage() *ServerMessage {
	return &ServerMessage{ChatInitSuccess: &ChatInitSuccess{}}
}

func ChatInitFailureMessage(reason string) *ServerMessage {
	return &ServerMessage{ChatInitFailure: &ChatInitFailure{Error: reason}}
}

func MsgMessage(payload string, isSender bool) *ServerMessage {
	return &ServerMessage{Msg: &MsgDelivery{Msg: payload, IsSender: isSender}}
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}
