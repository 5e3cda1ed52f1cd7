//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=../mocks/mock_store.go -package=mocks -exclude_interfaces=RoomStore,MessageStore
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/socialchat/internal/model"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyMember = errors.New("already a member")
	ErrInvalidCursor = errors.New("invalid cursor")
)

// Now is the timestamp every store writes: UTC, truncated to the microsecond
// precision PostgreSQL keeps, so both backends compare read cursors the same way.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// PastCursors returns at, moved to one microsecond after the latest cursor when it
// is not already later than every one of them.
func PastCursors(at time.Time, cursors ...*time.Time) time.Time {
	for _, c := range cursors {
		if c != nil && !at.After(*c) {
			at = c.Add(time.Microsecond)
		}
	}
	return at
}

// RoomStore persists rooms and their membership.
// Implementations: repository.RoomRepository (PostgreSQL), badger.Store (embedded).
type RoomStore interface {
	// FindOrCreateDM returns the single DM room of the unordered pair, creating it
	// with both members when absent. created reports which happened. Concurrent
	// callers for the same pair observe the same room.
	FindOrCreateDM(ctx context.Context, user1, user2 string) (room *model.ChatRoom, created bool, err error)
	// CreateGroupWithMembers creates the room and every membership row atomically.
	CreateGroupWithMembers(ctx context.Context, name *string, memberIDs []string) (*model.ChatRoom, error)
	FindByID(ctx context.Context, id string) (*model.ChatRoom, error)
	FindByMemberID(ctx context.Context, userID string) ([]model.ChatRoom, error)
	UpdateName(ctx context.Context, id, name string) (*model.ChatRoom, error)
	// Delete removes the room with its members and messages.
	Delete(ctx context.Context, id string) error

	AddMember(ctx context.Context, roomID, userID string) (*model.ChatRoomMember, error)
	// RemoveMember is idempotent: removing an absent member is not an error.
	RemoveMember(ctx context.Context, roomID, userID string) error
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
	ListMembers(ctx context.Context, roomID string) ([]model.ChatRoomMember, error)
	CountMembers(ctx context.Context, roomID string) (int, error)
	// UpdateLastRead sets the member's read cursor; a no-op for non-members.
	UpdateLastRead(ctx context.Context, roomID, userID string, at time.Time) error
	// GetUnreadCountForUser counts messages by other authors newer than the
	// member's read cursor (all of them when the cursor is unset).
	GetUnreadCountForUser(ctx context.Context, roomID, userID string) (int, error)
}

// MessageStore persists messages, newest first.
type MessageStore interface {
	// Create may move m.CreatedAt (and an equal UpdatedAt) forward so that it is
	// strictly after every read cursor of the room when the insert commits. Read
	// cursors and inserts of one room are serialized, so a message is either
	// committed before a cursor write or created after it.
	Create(ctx context.Context, m *model.Message) error
	GetByID(ctx context.Context, id string) (*model.Message, error)
	// ListByRoom returns up to limit messages ordered by (created_at, id) descending,
	// strictly older than the message whose id is cursor (from the start when empty).
	ListByRoom(ctx context.Context, roomID string, limit int, cursor string) ([]model.Message, error)
	// GetLast returns nil, nil for an empty room.
	GetLast(ctx context.Context, roomID string) (*model.Message, error)
	// Update rewrites content, iv, tag, is_encrypted and updated_at.
	Update(ctx context.Context, m *model.Message) error
	Delete(ctx context.Context, id string) error
}

// FollowOracle answers whether followerID follows followedID.
type FollowOracle interface {
	IsFollowing(ctx context.Context, followerID, followedID string) (bool, error)
}

// UserDirectory resolves public profiles; GetByID returns nil, nil for unknown ids.
type UserDirectory interface {
	GetByID(ctx context.Context, id string) (*model.UserProfile, error)
}
