package badger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/socialchat/internal/logger"
	"github.com/socialchat/internal/model"
	"github.com/socialchat/internal/storage"
)

// messageKey is "msg:{room_id}{timestamp_padded}:{id}": the 19-digit padding keeps
// lexicographic order chronological and the id breaks ties between equal timestamps.
func messageKey(m *model.Message) string {
	return fmt.Sprintf("%s%019d:%s", roomMessagesPrefix(m.ChatRoomID), m.CreatedAt.UnixNano(), m.ID)
}

func roomMessagesPrefix(roomID string) string {
	return msgPrefix + model.KeySegment(roomID)
}

// messageIDFromKey skips the room segment and the timestamp; the id is the rest.
func messageIDFromKey(key []byte) string {
	_, rest, _ := model.SplitKeySegment(strings.TrimPrefix(string(key), msgPrefix))
	if len(rest) < 20 {
		return ""
	}
	return rest[20:]
}

func lookupMessageKey(txn *badger.Txn, id string) ([]byte, error) {
	item, err := txn.Get([]byte(msgIDPrefix + id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

// walkNewestFirst visits the room's messages in (created_at, id) descending order,
// starting strictly after fromKey when it is set, until visit returns false.
func walkNewestFirst(txn *badger.Txn, roomID string, fromKey string, visit func(*model.Message) bool) error {
	prefix := []byte(roomMessagesPrefix(roomID))
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	seek := append(append([]byte{}, prefix...), '~')
	if fromKey != "" {
		seek = []byte(fromKey)
	}
	it.Seek(seek)
	if fromKey != "" && it.Valid() && string(it.Item().Key()) == fromKey {
		it.Next()
	}
	for ; it.Valid(); it.Next() {
		var m model.Message
		if err := it.Item().Value(func(val []byte) error { return unmarshal(val, &m) }); err != nil {
			return err
		}
		if !visit(&m) {
			return nil
		}
	}
	return nil
}

func roomCursors(txn *badger.Txn, roomID string) ([]*time.Time, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(membersPrefix(roomID))
	it := txn.NewIterator(opts)
	defer it.Close()
	var cursors []*time.Time
	for it.Rewind(); it.Valid(); it.Next() {
		var mem model.ChatRoomMember
		if err := it.Item().Value(func(val []byte) error { return unmarshal(val, &mem) }); err != nil {
			return nil, err
		}
		cursors = append(cursors, mem.LastReadAt)
	}
	return cursors, nil
}

func (s *MessageStore) Create(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	created, sameStamp := m.CreatedAt, m.UpdatedAt.Equal(m.CreatedAt)
	return s.update(func(txn *badger.Txn) error {
		ok, err := exists(txn, roomKey(m.ChatRoomID))
		if err != nil {
			return err
		}
		if !ok {
			return storage.ErrNotFound
		}
		// Чтение курсоров попадает в read set транзакции: параллельный UpdateLastRead
		// даёт ErrConflict, и сообщение получает время уже после нового курсора.
		cursors, err := roomCursors(txn, m.ChatRoomID)
		if err != nil {
			return err
		}
		m.CreatedAt = storage.PastCursors(created, cursors...)
		if sameStamp {
			m.UpdatedAt = m.CreatedAt
		}
		key := messageKey(m)
		if err := setJSON(txn, key, m); err != nil {
			return err
		}
		return txn.Set([]byte(msgIDPrefix+m.ID), []byte(key))
	})
}

func (s *MessageStore) GetByID(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	m := &model.Message{}
	err := s.db.View(func(txn *badger.Txn) error {
		key, err := lookupMessageKey(txn, id)
		if err != nil {
			return err
		}
		return getJSON(txn, string(key), m)
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *MessageStore) ListByRoom(ctx context.Context, roomID string, limit int, cursor string) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.ListByRoom", time.Now())()
	messages := make([]model.Message, 0, limit)
	err := s.db.View(func(txn *badger.Txn) error {
		var from string
		if cursor != "" {
			key, err := lookupMessageKey(txn, cursor)
			if errors.Is(err, storage.ErrNotFound) {
				return storage.ErrInvalidCursor
			}
			if err != nil {
				return err
			}
			if !strings.HasPrefix(string(key), roomMessagesPrefix(roomID)) {
				return storage.ErrInvalidCursor
			}
			from = string(key)
		}
		return walkNewestFirst(txn, roomID, from, func(m *model.Message) bool {
			if len(messages) >= limit {
				return false
			}
			messages = append(messages, *m)
			return len(messages) < limit
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *MessageStore) GetLast(ctx context.Context, roomID string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetLast", time.Now())()
	var last *model.Message
	err := s.db.View(func(txn *badger.Txn) error {
		return walkNewestFirst(txn, roomID, "", func(m *model.Message) bool {
			last = m
			return false
		})
	})
	if err != nil {
		return nil, err
	}
	return last, nil
}

func (s *MessageStore) Update(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Update", time.Now())()
	return s.update(func(txn *badger.Txn) error {
		key, err := lookupMessageKey(txn, m.ID)
		if err != nil {
			return err
		}
		cur := &model.Message{}
		if err := getJSON(txn, string(key), cur); err != nil {
			return err
		}
		cur.Content = m.Content
		cur.IsEncrypted = m.IsEncrypted
		cur.IV = m.IV
		cur.Tag = m.Tag
		cur.UpdatedAt = m.UpdatedAt
		return setJSON(txn, string(key), cur)
	})
}

func (s *MessageStore) Delete(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("msg.Delete", time.Now())()
	return s.update(func(txn *badger.Txn) error {
		key, err := lookupMessageKey(txn, id)
		if err != nil {
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		return txn.Delete([]byte(msgIDPrefix + id))
	})
}
