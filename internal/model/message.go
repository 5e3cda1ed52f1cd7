package model

import "time"

type MessageType string

const (
	MessageTypeText  MessageType = "TEXT"
	MessageTypeImage MessageType = "IMAGE"
	MessageTypeFile  MessageType = "FILE"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile:
		return true
	}
	return false
}

// Message is the persisted row. When IsEncrypted is true Content holds hex ciphertext
// and IV/Tag are set; otherwise Content is plaintext and IV/Tag are nil.
type Message struct {
	ID          string      `json:"id"`
	ChatRoomID  string      `json:"chat_room_id"`
	AuthorID    string      `json:"author_id"`
	Content     string      `json:"content"`
	Type        MessageType `json:"type"`
	IsEncrypted bool        `json:"is_encrypted"`
	IV          *string     `json:"iv,omitempty"`
	Tag         *string     `json:"tag,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// MessageResponse is what callers see: always plaintext, never iv/tag.
type MessageResponse struct {
	ID         string       `json:"id"`
	ChatRoomID string       `json:"chat_room_id"`
	AuthorID   string       `json:"author_id"`
	Author     *UserProfile `json:"author,omitempty"`
	Content    string       `json:"content"`
	Type       MessageType  `json:"type"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}
