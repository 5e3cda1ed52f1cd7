package service

import (
	"context"
	"errors"
	"time"

	"github.com/samber/lo"
	"github.com/socialchat/internal/apperr"
	"github.com/socialchat/internal/model"
	"github.com/socialchat/internal/storage"
)

// MembershipService decides who may join, leave and look into a room, and keeps
// each member's read cursor.
type MembershipService struct {
	rooms storage.RoomStore
	users storage.UserDirectory
}

func NewMembershipService(rooms storage.RoomStore, users storage.UserDirectory) *MembershipService {
	return &MembershipService{rooms: rooms, users: users}
}

func (s *MembershipService) requireMember(ctx context.Context, roomID, userID string) error {
	ok, err := s.rooms.IsMember(ctx, roomID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return notMember(roomID, userID)
	}
	return nil
}

// room loads the room and checks that requesterID belongs to it.
func (s *MembershipService) room(ctx context.Context, roomID, requesterID string) (*model.ChatRoom, error) {
	room, err := s.rooms.FindByID(ctx, roomID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, roomNotFound(roomID)
		}
		return nil, err
	}
	if err := s.requireMember(ctx, roomID, requesterID); err != nil {
		return nil, err
	}
	return room, nil
}

// authorizeAdd runs every check AddMember makes before touching the store.
func (s *MembershipService) authorizeAdd(ctx context.Context, roomID, userID, requesterID string) (*model.ChatRoom, error) {
	room, err := s.room(ctx, roomID, requesterID)
	if err != nil {
		return nil, err
	}
	if room.Type == model.RoomTypeDM {
		return nil, apperr.Validation("members cannot be added to a DM room")
	}
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, apperr.NotFound("user %s not found", userID)
	}
	return room, nil
}

func (s *MembershipService) AddMember(ctx context.Context, roomID, userID, requesterID string) (*model.ChatRoomMember, error) {
	if _, err := s.authorizeAdd(ctx, roomID, userID, requesterID); err != nil {
		return nil, err
	}
	m, err := s.rooms.AddMember(ctx, roomID, userID)
	if err != nil {
		return nil, storeErr(err, "user "+userID)
	}
	return m, nil
}

// RemoveMember allows self-removal only; there is no owner or admin role.
func (s *MembershipService) RemoveMember(ctx context.Context, roomID, userID, requesterID string) error {
	room, err := s.room(ctx, roomID, requesterID)
	if err != nil {
		return err
	}
	if userID != requesterID {
		return apperr.Forbidden("user %s may not remove user %s: only self-removal is allowed", requesterID, userID)
	}
	if room.Type == model.RoomTypeDM {
		return apperr.Validation("members cannot be removed from a DM room")
	}
	return s.rooms.RemoveMember(ctx, roomID, userID)
}

// GetMembers returns the member rows joined with the user directory at read time.
// A member unknown to the directory is returned without a profile.
func (s *MembershipService) GetMembers(ctx context.Context, roomID, requesterID string) ([]model.MemberWithProfile, error) {
	if err := s.requireMember(ctx, roomID, requesterID); err != nil {
		return nil, err
	}
	members, err := s.rooms.ListMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	out := make([]model.MemberWithProfile, 0, len(members))
	for _, m := range members {
		u, err := s.users.GetByID(ctx, m.UserID)
		if err != nil {
			return nil, err
		}
		out = append(out, model.MemberWithProfile{ChatRoomMember: m, User: u})
	}
	return out, nil
}

// MemberIDs lists the room's user ids without any access check.
func (s *MembershipService) MemberIDs(ctx context.Context, roomID string) ([]string, error) {
	members, err := s.rooms.ListMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return lo.Map(members, func(m model.ChatRoomMember, _ int) string { return m.UserID }), nil
}

// UpdateLastRead moves the read cursor without a membership check; it is the
// side effect of sending and reading. Non-members are a no-op at the store.
func (s *MembershipService) UpdateLastRead(ctx context.Context, roomID, userID string, at time.Time) error {
	return s.rooms.UpdateLastRead(ctx, roomID, userID, at)
}

// LeaveChatRoom removes userID unconditionally; leaving a room one is not in succeeds.
func (s *MembershipService) LeaveChatRoom(ctx context.Context, roomID, userID string) error {
	return s.rooms.RemoveMember(ctx, roomID, userID)
}
