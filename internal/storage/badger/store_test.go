package badger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/socialchat/internal/model"
	"github.com/socialchat/internal/storage"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newMessage(roomID, authorID, content string, at time.Time) *model.Message {
	return &model.Message{
		ID:         uuid.New().String(),
		ChatRoomID: roomID,
		AuthorID:   authorID,
		Content:    content,
		Type:       model.MessageTypeText,
		CreatedAt:  at,
		UpdatedAt:  at,
	}
}

func TestFindOrCreateDM_ConcurrentCallersShareOneRoom(t *testing.T) {
	req := require.New(t)
	s := openTestStore(t)
	ctx := context.Background()

	const n = 16
	ids := make([]string, n)
	created := make([]bool, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u1, u2 := "alice", "bob"
			if i%2 == 1 {
				u1, u2 = u2, u1
			}
			room, c, err := s.Rooms.FindOrCreateDM(ctx, u1, u2)
			errs[i] = err
			if err == nil {
				ids[i] = room.ID
				created[i] = c
			}
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		req.NoError(err)
	}
	req.Len(lo.Uniq(ids), 1)
	req.Equal(1, lo.Count(created, true))

	members, err := s.Rooms.ListMembers(ctx, ids[0])
	req.NoError(err)
	req.ElementsMatch([]string{"alice", "bob"}, lo.Map(members, func(m model.ChatRoomMember, _ int) string { return m.UserID }))

	rooms, err := s.Rooms.FindByMemberID(ctx, "alice")
	req.NoError(err)
	req.Len(rooms, 1)
	req.Equal(model.RoomTypeDM, rooms[0].Type)
}

func TestGroupMembership(t *testing.T) {
	ctx := context.Background()

	t.Run("should create the room with every member", func(t *testing.T) {
		req := require.New(t)
		s := openTestStore(t)
		room, err := s.Rooms.CreateGroupWithMembers(ctx, lo.ToPtr("friends"), []string{"alice", "bob", "carol"})
		req.NoError(err)
		req.Equal(model.RoomTypeGroup, room.Type)
		req.Equal("friends", *room.Name)

		n, err := s.Rooms.CountMembers(ctx, room.ID)
		req.NoError(err)
		req.Equal(3, n)
		ok, err := s.Rooms.IsMember(ctx, room.ID, "carol")
		req.NoError(err)
		req.True(ok)
	})

	t.Run("should reject a duplicate member", func(t *testing.T) {
		req := require.New(t)
		s := openTestStore(t)
		room, err := s.Rooms.CreateGroupWithMembers(ctx, nil, []string{"alice"})
		req.NoError(err)

		m, err := s.Rooms.AddMember(ctx, room.ID, "bob")
		req.NoError(err)
		req.Equal("bob", m.UserID)
		req.Nil(m.LastReadAt)

		_, err = s.Rooms.AddMember(ctx, room.ID, "bob")
		req.ErrorIs(err, storage.ErrAlreadyMember)
	})

	t.Run("should report missing rooms", func(t *testing.T) {
		req := require.New(t)
		s := openTestStore(t)
		_, err := s.Rooms.AddMember(ctx, "nope", "bob")
		req.ErrorIs(err, storage.ErrNotFound)
		_, err = s.Rooms.FindByID(ctx, "nope")
		req.ErrorIs(err, storage.ErrNotFound)
	})

	t.Run("should remove idempotently", func(t *testing.T) {
		req := require.New(t)
		s := openTestStore(t)
		room, err := s.Rooms.CreateGroupWithMembers(ctx, nil, []string{"alice", "bob"})
		req.NoError(err)

		req.NoError(s.Rooms.RemoveMember(ctx, room.ID, "bob"))
		req.NoError(s.Rooms.RemoveMember(ctx, room.ID, "bob"))
		ok, err := s.Rooms.IsMember(ctx, room.ID, "bob")
		req.NoError(err)
		req.False(ok)
		rooms, err := s.Rooms.FindByMemberID(ctx, "bob")
		req.NoError(err)
		req.Empty(rooms)
	})

	t.Run("should rename groups only", func(t *testing.T) {
		req := require.New(t)
		s := openTestStore(t)
		group, err := s.Rooms.CreateGroupWithMembers(ctx, nil, []string{"alice"})
		req.NoError(err)
		renamed, err := s.Rooms.UpdateName(ctx, group.ID, "renamed")
		req.NoError(err)
		req.Equal("renamed", *renamed.Name)
		req.False(renamed.UpdatedAt.Before(group.UpdatedAt))

		dm, _, err := s.Rooms.FindOrCreateDM(ctx, "alice", "bob")
		req.NoError(err)
		_, err = s.Rooms.UpdateName(ctx, dm.ID, "nope")
		req.ErrorIs(err, storage.ErrNotFound)
	})
}

func TestDeleteRoom_RemovesMembersMessagesAndPairKey(t *testing.T) {
	req := require.New(t)
	s := openTestStore(t)
	ctx := context.Background()

	dm, _, err := s.Rooms.FindOrCreateDM(ctx, "alice", "bob")
	req.NoError(err)
	msg := newMessage(dm.ID, "alice", "hi", storage.Now())
	req.NoError(s.Messages.Create(ctx, msg))

	req.NoError(s.Rooms.Delete(ctx, dm.ID))
	_, err = s.Rooms.FindByID(ctx, dm.ID)
	req.ErrorIs(err, storage.ErrNotFound)
	_, err = s.Messages.GetByID(ctx, msg.ID)
	req.ErrorIs(err, storage.ErrNotFound)
	rooms, err := s.Rooms.FindByMemberID(ctx, "alice")
	req.NoError(err)
	req.Empty(rooms)

	again, created, err := s.Rooms.FindOrCreateDM(ctx, "bob", "alice")
	req.NoError(err)
	req.True(created)
	req.NotEqual(dm.ID, again.ID)

	req.ErrorIs(s.Rooms.Delete(ctx, dm.ID), storage.ErrNotFound)
}

func TestListByRoom_NewestFirstWithCursor(t *testing.T) {
	req := require.New(t)
	s := openTestStore(t)
	ctx := context.Background()

	room, err := s.Rooms.CreateGroupWithMembers(ctx, nil, []string{"alice"})
	req.NoError(err)
	other, err := s.Rooms.CreateGroupWithMembers(ctx, nil, []string{"alice"})
	req.NoError(err)

	base := storage.Now()
	var want []string
	for i := 0; i < 5; i++ {
		m := newMessage(room.ID, "alice", "m", base.Add(time.Duration(i)*time.Second))
		req.NoError(s.Messages.Create(ctx, m))
		want = append([]string{m.ID}, want...)
	}
	// same timestamp: id breaks the tie
	tieA := newMessage(room.ID, "alice", "a", base.Add(10*time.Second))
	tieA.ID = "00000000-0000-0000-0000-00000000000a"
	tieB := newMessage(room.ID, "alice", "b", base.Add(10*time.Second))
	tieB.ID = "00000000-0000-0000-0000-00000000000b"
	req.NoError(s.Messages.Create(ctx, tieA))
	req.NoError(s.Messages.Create(ctx, tieB))
	want = append([]string{tieB.ID, tieA.ID}, want...)
	req.NoError(s.Messages.Create(ctx, newMessage(other.ID, "alice", "elsewhere", base)))

	ids := func(ms []model.Message) []string {
		return lo.Map(ms, func(m model.Message, _ int) string { return m.ID })
	}

	page1, err := s.Messages.ListByRoom(ctx, room.ID, 3, "")
	req.NoError(err)
	req.Equal(want[:3], ids(page1))

	page2, err := s.Messages.ListByRoom(ctx, room.ID, 3, page1[2].ID)
	req.NoError(err)
	req.Equal(want[3:6], ids(page2))

	page3, err := s.Messages.ListByRoom(ctx, room.ID, 3, page2[2].ID)
	req.NoError(err)
	req.Equal(want[6:], ids(page3))

	last, err := s.Messages.GetLast(ctx, room.ID)
	req.NoError(err)
	req.Equal(tieB.ID, last.ID)

	_, err = s.Messages.ListByRoom(ctx, room.ID, 3, "missing")
	req.ErrorIs(err, storage.ErrInvalidCursor)
	otherMsgs, err := s.Messages.ListByRoom(ctx, other.ID, 10, "")
	req.NoError(err)
	req.Len(otherMsgs, 1)
	_, err = s.Messages.ListByRoom(ctx, room.ID, 3, otherMsgs[0].ID)
	req.ErrorIs(err, storage.ErrInvalidCursor)
}

func TestGetLast_EmptyRoom(t *testing.T) {
	req := require.New(t)
	s := openTestStore(t)
	room, err := s.Rooms.CreateGroupWithMembers(context.Background(), nil, []string{"alice"})
	req.NoError(err)
	last, err := s.Messages.GetLast(context.Background(), room.ID)
	req.NoError(err)
	req.Nil(last)
}

func TestMessageUpdateAndDelete(t *testing.T) {
	req := require.New(t)
	s := openTestStore(t)
	ctx := context.Background()
	room, err := s.Rooms.CreateGroupWithMembers(ctx, nil, []string{"alice"})
	req.NoError(err)
	m := newMessage(room.ID, "alice", "first", storage.Now())
	req.NoError(s.Messages.Create(ctx, m))

	edited := *m
	edited.Content = "second"
	edited.UpdatedAt = m.UpdatedAt.Add(time.Second)
	req.NoError(s.Messages.Update(ctx, &edited))
	got, err := s.Messages.GetByID(ctx, m.ID)
	req.NoError(err)
	req.Equal("second", got.Content)
	req.True(got.CreatedAt.Equal(m.CreatedAt))

	req.NoError(s.Messages.Delete(ctx, m.ID))
	req.ErrorIs(s.Messages.Delete(ctx, m.ID), storage.ErrNotFound)
	req.ErrorIs(s.Messages.Update(ctx, &edited), storage.ErrNotFound)
	req.ErrorIs(s.Messages.Create(ctx, newMessage("nope", "alice", "x", storage.Now())), storage.ErrNotFound)
}

func TestUnreadCount(t *testing.T) {
	req := require.New(t)
	s := openTestStore(t)
	ctx := context.Background()
	room, _, err := s.Rooms.FindOrCreateDM(ctx, "alice", "bob")
	req.NoError(err)

	base := storage.Now()
	for i := 0; i < 3; i++ {
		req.NoError(s.Messages.Create(ctx, newMessage(room.ID, "alice", "x", base.Add(time.Duration(i)*time.Second))))
	}
	req.NoError(s.Messages.Create(ctx, newMessage(room.ID, "bob", "y", base.Add(3*time.Second))))

	n, err := s.Rooms.GetUnreadCountForUser(ctx, room.ID, "bob")
	req.NoError(err)
	req.Equal(3, n, "never read: every message by someone else")

	req.NoError(s.Rooms.UpdateLastRead(ctx, room.ID, "bob", base.Add(time.Second)))
	n, err = s.Rooms.GetUnreadCountForUser(ctx, room.ID, "bob")
	req.NoError(err)
	req.Equal(1, n, "strictly newer than the cursor")

	n, err = s.Rooms.GetUnreadCountForUser(ctx, room.ID, "alice")
	req.NoError(err)
	req.Equal(1, n)

	n, err = s.Rooms.GetUnreadCountForUser(ctx, room.ID, "carol")
	req.NoError(err)
	req.Zero(n)
	req.NoError(s.Rooms.UpdateLastRead(ctx, room.ID, "carol", base), "non-member is a no-op")
}

func TestUpdateLastRead_LaterWriteWins(t *testing.T) {
	req := require.New(t)
	s := openTestStore(t)
	ctx := context.Background()
	room, _, err := s.Rooms.FindOrCreateDM(ctx, "alice", "bob")
	req.NoError(err)

	t1 := storage.Now()
	t2 := t1.Add(time.Minute)
	req.NoError(s.Rooms.UpdateLastRead(ctx, room.ID, "bob", t1))
	req.NoError(s.Rooms.UpdateLastRead(ctx, room.ID, "bob", t2))

	members, err := s.Rooms.ListMembers(ctx, room.ID)
	req.NoError(err)
	bob, ok := lo.Find(members, func(m model.ChatRoomMember) bool { return m.UserID == "bob" })
	req.True(ok)
	req.True(bob.LastReadAt.Equal(t2))
}

func TestFollowsAndUsers(t *testing.T) {
	req := require.New(t)
	s := openTestStore(t)
	ctx := context.Background()

	req.NoError(s.Follows.Follow(ctx, "alice", "bob"))
	ok, err := s.Follows.IsFollowing(ctx, "alice", "bob")
	req.NoError(err)
	req.True(ok)
	ok, err = s.Follows.IsFollowing(ctx, "bob", "alice")
	req.NoError(err)
	req.False(ok)
	req.NoError(s.Follows.Unfollow(ctx, "alice", "bob"))
	ok, err = s.Follows.IsFollowing(ctx, "alice", "bob")
	req.NoError(err)
	req.False(ok)

	u, err := s.Users.GetByID(ctx, "alice")
	req.NoError(err)
	req.Nil(u)
	req.NoError(s.Users.Upsert(ctx, &model.UserProfile{ID: "alice", Username: "alice", Name: "Alice"}))
	u, err = s.Users.GetByID(ctx, "alice")
	req.NoError(err)
	req.Equal("Alice", u.Name)
}

func TestKeys_IDsContainingSeparatorStayDistinct(t *testing.T) {
	ctx := context.Background()

	t.Run("follow", func(t *testing.T) {
		req := require.New(t)
		s := openTestStore(t)
		req.NoError(s.Follows.Follow(ctx, "a:b", "c"))

		ok, err := s.Follows.IsFollowing(ctx, "a", "b:c")
		req.NoError(err)
		req.False(ok)
		ok, err = s.Follows.IsFollowing(ctx, "a:b", "c")
		req.NoError(err)
		req.True(ok)
	})

	t.Run("dm", func(t *testing.T) {
		req := require.New(t)
		s := openTestStore(t)
		first, created, err := s.Rooms.FindOrCreateDM(ctx, "a:b", "c")
		req.NoError(err)
		req.True(created)

		second, created, err := s.Rooms.FindOrCreateDM(ctx, "a", "b:c")
		req.NoError(err)
		req.True(created)
		req.NotEqual(first.ID, second.ID)

		members, err := s.Rooms.ListMembers(ctx, second.ID)
		req.NoError(err)
		req.ElementsMatch([]string{"a", "b:c"}, lo.Map(members, func(m model.ChatRoomMember, _ int) string { return m.UserID }))
	})

	t.Run("rooms of a user", func(t *testing.T) {
		req := require.New(t)
		s := openTestStore(t)
		short, err := s.Rooms.CreateGroupWithMembers(ctx, nil, []string{"a", "x"})
		req.NoError(err)
		_, err = s.Rooms.CreateGroupWithMembers(ctx, nil, []string{"a:b", "x"})
		req.NoError(err)

		rooms, err := s.Rooms.FindByMemberID(ctx, "a")
		req.NoError(err)
		req.Len(rooms, 1)
		req.Equal(short.ID, rooms[0].ID)

		req.NoError(s.Rooms.Delete(ctx, short.ID))
		rooms, err = s.Rooms.FindByMemberID(ctx, "x")
		req.NoError(err)
		req.Len(rooms, 1)
	})
}

func TestMessageCreate_StampedBeforeACursorStaysUnread(t *testing.T) {
	req := require.New(t)
	s := openTestStore(t)
	ctx := context.Background()
	room, _, err := s.Rooms.FindOrCreateDM(ctx, "alice", "bob")
	req.NoError(err)

	stamped := storage.Now()
	cursor := stamped.Add(time.Second)
	// bob reads after alice's message was stamped but before it was stored.
	req.NoError(s.Rooms.UpdateLastRead(ctx, room.ID, "bob", cursor))

	m := newMessage(room.ID, "alice", "late", stamped)
	req.NoError(s.Messages.Create(ctx, m))
	req.True(m.CreatedAt.After(cursor))
	req.True(m.UpdatedAt.Equal(m.CreatedAt))

	n, err := s.Rooms.GetUnreadCountForUser(ctx, room.ID, "bob")
	req.NoError(err)
	req.Equal(1, n)

	stored, err := s.Messages.GetByID(ctx, m.ID)
	req.NoError(err)
	req.True(stored.CreatedAt.Equal(m.CreatedAt))
}
