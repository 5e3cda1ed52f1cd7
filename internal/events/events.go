// Package events describes what happened in the chat core after a write commits.
// Publishing is best-effort: a failed publish is logged and never undoes the write.
package events

import (
	"context"
	"errors"
	"time"
)

type Type string

const (
	RoomCreated    Type = "room.created"
	RoomUpdated    Type = "room.updated"
	RoomDeleted    Type = "room.deleted"
	MemberAdded    Type = "member.added"
	MemberRemoved  Type = "member.removed"
	MessageCreated Type = "message.created"
	MessageUpdated Type = "message.updated"
	MessageDeleted Type = "message.deleted"
	ReadUpdated    Type = "read.updated"
	Typing         Type = "typing"
)

// Event is one committed change. MemberIDs are the recipients at publish time
// (for member.removed and room.deleted they include the users who just left).
// Payload is the caller-facing DTO (plaintext MessageResponse, ChatRoom, ...);
// it stays inside the process and the internal fan-out, see Metadata.
type Event struct {
	Type      Type      `json:"type"`
	RoomID    string    `json:"room_id"`
	ActorID   string    `json:"actor_id,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	MemberIDs []string  `json:"member_ids,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	At        time.Time `json:"at"`
	// Origin identifies the instance that produced the event; fan-out consumers skip their own.
	Origin string `json:"origin,omitempty"`
}

// Metadata is the content-free projection sent to external consumers.
type Metadata struct {
	Type      Type      `json:"type"`
	RoomID    string    `json:"room_id"`
	ActorID   string    `json:"actor_id,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	MemberIDs []string  `json:"member_ids,omitempty"`
	At        time.Time `json:"at"`
}

func (e Event) Metadata() Metadata {
	return Metadata{
		Type:      e.Type,
		RoomID:    e.RoomID,
		ActorID:   e.ActorID,
		MessageID: e.MessageID,
		MemberIDs: e.MemberIDs,
		At:        e.At,
	}
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
