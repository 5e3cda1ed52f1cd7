package badger

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/socialchat/internal/logger"
	"github.com/socialchat/internal/model"
	"github.com/socialchat/internal/storage"
)

func roomKey(id string) string {
	return roomPrefix + id
}

func memberKey(roomID, userID string) string {
	return memberPrefix + model.KeySegments(roomID, userID)
}

func membersPrefix(roomID string) string {
	return memberPrefix + model.KeySegment(roomID)
}

func umemberKey(userID, roomID string) string {
	return umemberPrefix + model.KeySegments(userID, roomID)
}

// trailingID decodes the last segment of a key that starts with prefix.
func trailingID(key []byte, prefix string) (string, bool) {
	id, rest, ok := model.SplitKeySegment(strings.TrimPrefix(string(key), prefix))
	return id, ok && rest == ""
}

func putMember(txn *badger.Txn, roomID, userID string, at time.Time) (*model.ChatRoomMember, error) {
	m := &model.ChatRoomMember{
		ID:         uuid.New().String(),
		ChatRoomID: roomID,
		UserID:     userID,
		JoinedAt:   at,
	}
	if err := setJSON(txn, memberKey(roomID, userID), m); err != nil {
		return nil, err
	}
	if err := txn.Set([]byte(umemberKey(userID, roomID)), nil); err != nil {
		return nil, err
	}
	return m, nil
}

// FindOrCreateDM reads dm:{pair} and writes it in the same transaction. Two racing
// creators both read the key as absent; the second to commit gets ErrConflict and,
// on retry, finds the first one's room.
func (s *RoomStore) FindOrCreateDM(ctx context.Context, user1, user2 string) (*model.ChatRoom, bool, error) {
	defer logger.DeferLogDuration("room.FindOrCreateDM", time.Now())()
	dmKey := dmPrefix + model.DMKey(user1, user2)

	var (
		room    *model.ChatRoom
		created bool
	)
	err := s.update(func(txn *badger.Txn) error {
		room, created = nil, false
		item, err := txn.Get([]byte(dmKey))
		switch {
		case err == nil:
			id, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			room = &model.ChatRoom{}
			return getJSON(txn, roomKey(string(id)), room)
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		now := storage.Now()
		room = &model.ChatRoom{ID: uuid.New().String(), Type: model.RoomTypeDM, CreatedAt: now, UpdatedAt: now}
		if err := setJSON(txn, roomKey(room.ID), room); err != nil {
			return err
		}
		if err := txn.Set([]byte(dmKey), []byte(room.ID)); err != nil {
			return err
		}
		for _, uid := range []string{user1, user2} {
			if _, err := putMember(txn, room.ID, uid, now); err != nil {
				return err
			}
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return room, created, nil
}

func (s *RoomStore) CreateGroupWithMembers(ctx context.Context, name *string, memberIDs []string) (*model.ChatRoom, error) {
	defer logger.DeferLogDuration("room.CreateGroupWithMembers", time.Now())()
	var room *model.ChatRoom
	err := s.update(func(txn *badger.Txn) error {
		now := storage.Now()
		room = &model.ChatRoom{ID: uuid.New().String(), Name: name, Type: model.RoomTypeGroup, CreatedAt: now, UpdatedAt: now}
		if err := setJSON(txn, roomKey(room.ID), room); err != nil {
			return err
		}
		for _, uid := range memberIDs {
			if _, err := putMember(txn, room.ID, uid, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return room, nil
}

func (s *RoomStore) FindByID(ctx context.Context, id string) (*model.ChatRoom, error) {
	defer logger.DeferLogDuration("room.FindByID", time.Now())()
	room := &model.ChatRoom{}
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, roomKey(id), room)
	})
	if err != nil {
		return nil, err
	}
	return room, nil
}

func (s *RoomStore) FindByMemberID(ctx context.Context, userID string) ([]model.ChatRoom, error) {
	defer logger.DeferLogDuration("room.FindByMemberID", time.Now())()
	prefix := umemberPrefix + model.KeySegment(userID)
	rooms := make([]model.ChatRoom, 0, 16)
	err := s.db.View(func(txn *badger.Txn) error {
		for _, k := range keysWithPrefix(txn, prefix) {
			roomID, ok := trailingID(k, prefix)
			if !ok {
				continue
			}
			var c model.ChatRoom
			if err := getJSON(txn, roomKey(roomID), &c); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				return err
			}
			rooms = append(rooms, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(rooms, func(i, j int) bool {
		if !rooms[i].UpdatedAt.Equal(rooms[j].UpdatedAt) {
			return rooms[i].UpdatedAt.After(rooms[j].UpdatedAt)
		}
		return rooms[i].ID < rooms[j].ID
	})
	return rooms, nil
}

func (s *RoomStore) UpdateName(ctx context.Context, id, name string) (*model.ChatRoom, error) {
	defer logger.DeferLogDuration("room.UpdateName", time.Now())()
	var room *model.ChatRoom
	err := s.update(func(txn *badger.Txn) error {
		room = &model.ChatRoom{}
		if err := getJSON(txn, roomKey(id), room); err != nil {
			return err
		}
		if room.Type != model.RoomTypeGroup {
			return storage.ErrNotFound
		}
		room.Name = &name
		room.UpdatedAt = storage.Now()
		return setJSON(txn, roomKey(id), room)
	})
	if err != nil {
		return nil, err
	}
	return room, nil
}

func (s *RoomStore) Delete(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("room.Delete", time.Now())()
	return s.update(func(txn *badger.Txn) error {
		room := &model.ChatRoom{}
		if err := getJSON(txn, roomKey(id), room); err != nil {
			return err
		}
		var users []string
		mprefix := membersPrefix(id)
		for _, k := range keysWithPrefix(txn, mprefix) {
			uid, ok := trailingID(k, mprefix)
			if !ok {
				continue
			}
			users = append(users, uid)
			if err := txn.Delete(k); err != nil {
				return err
			}
			if err := txn.Delete([]byte(umemberKey(uid, id))); err != nil {
				return err
			}
		}
		if room.Type == model.RoomTypeDM && len(users) == 2 {
			if err := txn.Delete([]byte(dmPrefix + model.DMKey(users[0], users[1]))); err != nil {
				return err
			}
		}
		for _, k := range keysWithPrefix(txn, roomMessagesPrefix(id)) {
			if err := txn.Delete(k); err != nil {
				return err
			}
			if err := txn.Delete([]byte(msgIDPrefix + messageIDFromKey(k))); err != nil {
				return err
			}
		}
		return txn.Delete([]byte(roomKey(id)))
	})
}

func (s *RoomStore) AddMember(ctx context.Context, roomID, userID string) (*model.ChatRoomMember, error) {
	defer logger.DeferLogDuration("room.AddMember", time.Now())()
	var m *model.ChatRoomMember
	err := s.update(func(txn *badger.Txn) error {
		ok, err := exists(txn, roomKey(roomID))
		if err != nil {
			return err
		}
		if !ok {
			return storage.ErrNotFound
		}
		if ok, err = exists(txn, memberKey(roomID, userID)); err != nil {
			return err
		}
		if ok {
			return storage.ErrAlreadyMember
		}
		m, err = putMember(txn, roomID, userID, storage.Now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *RoomStore) RemoveMember(ctx context.Context, roomID, userID string) error {
	defer logger.DeferLogDuration("room.RemoveMember", time.Now())()
	return s.update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(memberKey(roomID, userID))); err != nil {
			return err
		}
		return txn.Delete([]byte(umemberKey(userID, roomID)))
	})
}

func (s *RoomStore) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	defer logger.DeferLogDuration("room.IsMember", time.Now())()
	var ok bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		ok, err = exists(txn, memberKey(roomID, userID))
		return err
	})
	return ok, err
}

func (s *RoomStore) ListMembers(ctx context.Context, roomID string) ([]model.ChatRoomMember, error) {
	defer logger.DeferLogDuration("room.ListMembers", time.Now())()
	members := make([]model.ChatRoomMember, 0, 8)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(membersPrefix(roomID))
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var m model.ChatRoomMember
			if err := it.Item().Value(func(val []byte) error { return unmarshal(val, &m) }); err != nil {
				return err
			}
			members = append(members, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(members, func(i, j int) bool {
		if !members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].JoinedAt.Before(members[j].JoinedAt)
		}
		return members[i].UserID < members[j].UserID
	})
	return members, nil
}

func (s *RoomStore) CountMembers(ctx context.Context, roomID string) (int, error) {
	defer logger.DeferLogDuration("room.CountMembers", time.Now())()
	var n int
	err := s.db.View(func(txn *badger.Txn) error {
		n = len(keysWithPrefix(txn, membersPrefix(roomID)))
		return nil
	})
	return n, err
}

func (s *RoomStore) UpdateLastRead(ctx context.Context, roomID, userID string, at time.Time) error {
	defer logger.DeferLogDuration("room.UpdateLastRead", time.Now())()
	at = at.UTC()
	return s.update(func(txn *badger.Txn) error {
		m := &model.ChatRoomMember{}
		err := getJSON(txn, memberKey(roomID, userID), m)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		m.LastReadAt = &at
		return setJSON(txn, memberKey(roomID, userID), m)
	})
}

// GetUnreadCountForUser walks the room newest first and stops at the read cursor.
func (s *RoomStore) GetUnreadCountForUser(ctx context.Context, roomID, userID string) (int, error) {
	defer logger.DeferLogDuration("room.GetUnreadCountForUser", time.Now())()
	var n int
	err := s.db.View(func(txn *badger.Txn) error {
		m := &model.ChatRoomMember{}
		err := getJSON(txn, memberKey(roomID, userID), m)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return walkNewestFirst(txn, roomID, "", func(msg *model.Message) bool {
			if m.LastReadAt != nil && !msg.CreatedAt.After(*m.LastReadAt) {
				return false
			}
			if msg.AuthorID != userID {
				n++
			}
			return true
		})
	})
	return n, err
}
