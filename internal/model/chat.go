package model

import (
	"strconv"
	"strings"
	"time"
)

type RoomType string

const (
	RoomTypeDM    RoomType = "DM"
	RoomTypeGroup RoomType = "GROUP"
)

func (t RoomType) Valid() bool {
	return t == RoomTypeDM || t == RoomTypeGroup
}

type ChatRoom struct {
	ID        string    `json:"id"`
	Name      *string   `json:"name,omitempty"`
	Type      RoomType  `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChatRoomMember is one row per (ChatRoomID, UserID). LastReadAt is nil until the
// member sends or reads for the first time.
type ChatRoomMember struct {
	ID         string     `json:"id"`
	ChatRoomID string     `json:"chat_room_id"`
	UserID     string     `json:"user_id"`
	JoinedAt   time.Time  `json:"joined_at"`
	LastReadAt *time.Time `json:"last_read_at,omitempty"`
}

// MemberWithProfile is a member row joined at read time with the user directory.
type MemberWithProfile struct {
	ChatRoomMember
	User *UserProfile `json:"user,omitempty"`
}

// ChatRoomSummary is what the room list shows: the room plus three derived lookups.
type ChatRoomSummary struct {
	ChatRoom
	MemberCount int              `json:"member_count"`
	LastMessage *MessageResponse `json:"last_message,omitempty"`
	UnreadCount int              `json:"unread_count"`
}

// KeySegment кодирует часть составного ключа как "<len>:<value>". Сегмент никогда
// не является префиксом другого сегмента, поэтому склейки однозначны при любых
// символах в id, а префиксный поиск не захватывает соседние id.
func KeySegment(v string) string {
	return strconv.Itoa(len(v)) + ":" + v
}

// KeySegments склеивает сегменты всех частей.
func KeySegments(parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(KeySegment(p))
	}
	return b.String()
}

// SplitKeySegment reads one segment off the front of s.
func SplitKeySegment(s string) (v, rest string, ok bool) {
	i := strings.IndexByte(s, ':')
	if i <= 0 {
		return "", s, false
	}
	n, err := strconv.Atoi(s[:i])
	if err != nil || n < 0 || len(s)-i-1 < n {
		return "", s, false
	}
	return s[i+1 : i+1+n], s[i+1+n:], true
}

// DMKey returns the canonical key of an unordered user pair.
func DMKey(user1, user2 string) string {
	if user2 < user1 {
		user1, user2 = user2, user1
	}
	return KeySegments(user1, user2)
}
