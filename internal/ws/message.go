package ws

import (
	"errors"

	"github.com/socialchat/internal/apperr"
	"github.com/socialchat/internal/events"
	"github.com/socialchat/internal/model"
)

// Команды от клиента.
const (
	CmdSendMessage = "send_message"
	CmdMarkRead    = "mark_read"
	CmdTyping      = "typing"
)

// EventError — ответ на команду, которую не удалось выполнить.
const EventError = "error"

// IncomingMessage is what the client sends to the server.
type IncomingMessage struct {
	Type       string            `json:"type"`
	RequestID  string            `json:"request_id,omitempty"`
	ChatRoomID string            `json:"chat_room_id,omitempty"`
	Content    string            `json:"content,omitempty"`
	MsgType    model.MessageType `json:"message_type,omitempty"`
}

// OutgoingMessage is what the server sends to the client. Type is a domain event type
// (message.created, read.updated, ...) or "error".
type OutgoingMessage struct {
	Type      string `json:"type"`
	RoomID    string `json:"chat_room_id,omitempty"`
	ActorID   string `json:"actor_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

type ErrorPayload struct {
	Kind    apperr.Kind `json:"kind"`
	Message string      `json:"message"`
}

func fromEvent(e events.Event) OutgoingMessage {
	return OutgoingMessage{
		Type:      string(e.Type),
		RoomID:    e.RoomID,
		ActorID:   e.ActorID,
		MessageID: e.MessageID,
		Payload:   e.Payload,
	}
}

// errorMessage не раскрывает клиенту текст внутренних ошибок.
func errorMessage(requestID string, err error) OutgoingMessage {
	kind, msg := apperr.KindInternal, "internal error"
	var ae *apperr.Error
	if errors.As(err, &ae) {
		kind, msg = ae.Kind, ae.Message
		if msg == "" {
			msg = string(ae.Kind)
		}
	}
	return OutgoingMessage{
		Type:      EventError,
		RequestID: requestID,
		Payload:   ErrorPayload{Kind: kind, Message: msg},
	}
}
