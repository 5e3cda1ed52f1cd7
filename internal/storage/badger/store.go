// Package badger is the embedded single-node backend: every chat store on one
// Badger database. Serializable transactions stand in for the relational unique
// constraints; a transaction that lost a race is retried from scratch.
package badger

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/socialchat/internal/logger"
	"github.com/socialchat/internal/storage"
)

// Key layout; {x} is model.KeySegment(x), so ids may hold any character:
//
//	room:{roomID}                        -> ChatRoom
//	dm:{minUser}{maxUser}                -> roomID
//	member:{roomID}{userID}              -> ChatRoomMember
//	umember:{userID}{roomID}             -> (empty) rooms of a user
//	msg:{roomID}{unixnano %019d}:{id}    -> Message
//	msgid:{id}                           -> msg key
//	user:{userID}                        -> UserProfile
//	follow:{followerID}{followedID}      -> (empty)
const (
	roomPrefix    = "room:"
	dmPrefix      = "dm:"
	memberPrefix  = "member:"
	umemberPrefix = "umember:"
	msgPrefix     = "msg:"
	msgIDPrefix   = "msgid:"
	userPrefix    = "user:"
	followPrefix  = "follow:"

	maxConflictRetries = 16
)

// Store owns the database; the typed stores share it.
type Store struct {
	db *badger.DB

	Rooms    *RoomStore
	Messages *MessageStore
	Users    *UserStore
	Follows  *FollowStore
}

type kv struct {
	db *badger.DB
}

type (
	RoomStore    struct{ kv }
	MessageStore struct{ kv }
	UserStore    struct{ kv }
	FollowStore  struct{ kv }
)

var (
	_ storage.RoomStore     = (*RoomStore)(nil)
	_ storage.MessageStore  = (*MessageStore)(nil)
	_ storage.FollowOracle  = (*FollowStore)(nil)
	_ storage.UserDirectory = (*UserStore)(nil)
)

// Open opens (or creates) the database at path; an empty path keeps it in memory.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger open %q: %w", path, err)
	}
	logger.Infof("badger store opened (path=%q)", path)
	base := kv{db: db}
	return &Store{
		db:       db,
		Rooms:    &RoomStore{base},
		Messages: &MessageStore{base},
		Users:    &UserStore{base},
		Follows:  &FollowStore{base},
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// update runs fn in a read-write transaction, retrying on ErrConflict. fn must
// reset any state it captures because it may run more than once.
func (s kv) update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func getJSON(txn *badger.Txn, key string, v any) error {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return unmarshal(val, v)
	})
}

func unmarshal(val []byte, v any) error {
	return json.Unmarshal(val, v)
}

func setJSON(txn *badger.Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), data)
}

func exists(txn *badger.Txn, key string) (bool, error) {
	_, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// keysWithPrefix collects keys only; values are not prefetched.
func keysWithPrefix(txn *badger.Txn, prefix string) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys
}
