package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/socialchat/internal/config"
	"github.com/socialchat/internal/events"
	"github.com/socialchat/internal/model"
	"github.com/socialchat/internal/msgcrypt"
	badgerstore "github.com/socialchat/internal/storage/badger"
	"github.com/socialchat/internal/storage"
	"github.com/stretchr/testify/require"
)

const testKey = "test-master-key-for-chat"

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) ofType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	t     *testing.T
	store *badgerstore.Store
	chat  *Chat
	pub   *recorder
	cfg   config.ChatConfig
}

func chatConfig(key string) config.ChatConfig {
	return config.ChatConfig{EncryptionKey: key}.Normalize()
}

// newFixture wires the facade on an in-memory Badger store. oracle overrides the
// store's own follow graph when set.
func newFixture(t *testing.T, cfg config.ChatConfig, oracle storage.FollowOracle) *fixture {
	t.Helper()
	store, err := badgerstore.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cipher, err := msgcrypt.New(cfg)
	require.NoError(t, err)
	t.Cleanup(cipher.Close)

	if oracle == nil {
		oracle = store.Follows
	}
	pub := &recorder{}
	chat := NewChat(store.Rooms, store.Messages, store.Users, oracle, cipher, pub, cfg)
	chat.follows.retryInterval = time.Millisecond
	return &fixture{t: t, store: store, chat: chat, pub: pub, cfg: cfg}
}

// withCipher returns a second facade over the same store, e.g. a redeploy with another key.
func (f *fixture) withCipher(cfg config.ChatConfig) *Chat {
	f.t.Helper()
	cipher, err := msgcrypt.New(cfg)
	require.NoError(f.t, err)
	f.t.Cleanup(cipher.Close)
	return NewChat(f.store.Rooms, f.store.Messages, f.store.Users, f.store.Follows, cipher, f.pub, cfg)
}

func (f *fixture) users(ids ...string) {
	f.t.Helper()
	for _, id := range ids {
		require.NoError(f.t, f.store.Users.Upsert(context.Background(), &model.UserProfile{ID: id, Username: id, Name: "User " + id}))
	}
}

func (f *fixture) mutual(a, b string) {
	f.t.Helper()
	ctx := context.Background()
	require.NoError(f.t, f.store.Follows.Follow(ctx, a, b))
	require.NoError(f.t, f.store.Follows.Follow(ctx, b, a))
}

func (f *fixture) dm(a, b string) *model.ChatRoom {
	f.t.Helper()
	f.mutual(a, b)
	room, err := f.chat.FindOrCreateDMChatRoom(context.Background(), a, b)
	require.NoError(f.t, err)
	return room
}

func (f *fixture) group(ids ...string) *model.ChatRoom {
	f.t.Helper()
	for i := range ids {
		for j := i + 1; j < len(ids); j++ {
			f.mutual(ids[i], ids[j])
		}
	}
	room, err := f.chat.CreateChatRoom(context.Background(), CreateChatRoomInput{Type: model.RoomTypeGroup, MemberIDs: ids}, ids[0])
	require.NoError(f.t, err)
	return room
}

func (f *fixture) send(roomID, author, content string) *model.MessageResponse {
	f.t.Helper()
	resp, err := f.chat.SendMessage(context.Background(), SendMessageInput{ChatRoomID: roomID, AuthorID: author, Content: content})
	require.NoError(f.t, err)
	return resp
}
