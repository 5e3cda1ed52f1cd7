package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/socialchat/internal/apperr"
	"github.com/socialchat/internal/config"
	"github.com/socialchat/internal/events"
	"github.com/socialchat/internal/middleware"
	"github.com/socialchat/internal/model"
	"github.com/socialchat/internal/msgcrypt"
	"github.com/socialchat/internal/service"
	badgerstore "github.com/socialchat/internal/storage/badger"
	"github.com/stretchr/testify/require"
)

type api struct {
	t     *testing.T
	store *badgerstore.Store
	srv   http.Handler
}

func newAPI(t *testing.T) *api {
	t.Helper()
	store, err := badgerstore.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.ChatConfig{EncryptionKey: "handler-test-key"}.Normalize()
	cipher, err := msgcrypt.New(cfg)
	require.NoError(t, err)
	t.Cleanup(cipher.Close)

	chat := service.NewChat(store.Rooms, store.Messages, store.Users, store.Follows, cipher, events.Nop{}, cfg)
	r := chi.NewRouter()
	r.Use(middleware.RecoverJSON)
	r.Group(func(r chi.Router) {
		r.Use(middleware.BearerAuth(""))
		NewChatHandler(chat).Mount(r)
	})
	return &api{t: t, store: store, srv: r}
}

func (a *api) users(ids ...string) {
	a.t.Helper()
	ctx := context.Background()
	for _, id := range ids {
		require.NoError(a.t, a.store.Users.Upsert(ctx, &model.UserProfile{ID: id, Username: id, Name: id}))
	}
}

func (a *api) mutual(x, y string) {
	a.t.Helper()
	ctx := context.Background()
	require.NoError(a.t, a.store.Follows.Follow(ctx, x, y))
	require.NoError(a.t, a.store.Follows.Follow(ctx, y, x))
}

func (a *api) do(method, path, user string, body any, out any) int {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	r := httptest.NewRequest(method, path, &buf)
	if user != "" {
		r.Header.Set("X-User-ID", user)
	}
	w := httptest.NewRecorder()
	a.srv.ServeHTTP(w, r)
	if out != nil && w.Body.Len() > 0 {
		require.NoError(a.t, json.Unmarshal(w.Body.Bytes(), out))
	}
	return w.Code
}

func TestChatHandler(t *testing.T) {
	t.Run("should run a DM conversation end to end", func(t *testing.T) {
		req := require.New(t)
		a := newAPI(t)
		a.users("alice", "bob")
		a.mutual("alice", "bob")

		var room model.ChatRoom
		req.Equal(http.StatusOK, a.do(http.MethodPost, "/api/chat-rooms/dm", "alice", FindOrCreateDMRequest{UserID: "bob"}, &room))
		req.Equal(model.RoomTypeDM, room.Type)

		var again model.ChatRoom
		req.Equal(http.StatusOK, a.do(http.MethodPost, "/api/chat-rooms/dm", "bob", FindOrCreateDMRequest{UserID: "alice"}, &again))
		req.Equal(room.ID, again.ID)

		var msg model.MessageResponse
		req.Equal(http.StatusCreated, a.do(http.MethodPost, "/api/chat-rooms/"+room.ID+"/messages", "alice",
			SendMessageRequest{Content: "<b>hi</b><script>x</script>"}, &msg))
		req.Equal("<b>hi</b>", msg.Content)
		req.Equal(model.MessageTypeText, msg.Type)

		var unread unreadResponse
		req.Equal(http.StatusOK, a.do(http.MethodGet, "/api/chat-rooms/"+room.ID+"/unread", "bob", nil, &unread))
		req.Equal(1, unread.UnreadCount)

		var page []model.MessageResponse
		req.Equal(http.StatusOK, a.do(http.MethodGet, "/api/chat-rooms/"+room.ID+"/messages?limit=10", "bob", nil, &page))
		req.Len(page, 1)
		req.Equal("<b>hi</b>", page[0].Content)

		req.Equal(http.StatusOK, a.do(http.MethodGet, "/api/chat-rooms/"+room.ID+"/unread", "bob", nil, &unread))
		req.Equal(0, unread.UnreadCount)

		var list []model.ChatRoomSummary
		req.Equal(http.StatusOK, a.do(http.MethodGet, "/api/chat-rooms", "alice", nil, &list))
		req.Len(list, 1)
		req.Equal(2, list[0].MemberCount)
		req.NotNil(list[0].LastMessage)
	})

	t.Run("should map service errors to status codes", func(t *testing.T) {
		req := require.New(t)
		a := newAPI(t)
		a.users("alice", "bob", "carol")
		a.mutual("alice", "bob")

		var e errorResponse
		req.Equal(http.StatusForbidden, a.do(http.MethodPost, "/api/chat-rooms/dm", "alice", FindOrCreateDMRequest{UserID: "carol"}, &e))
		req.Equal(apperr.KindForbidden, e.Kind)

		req.Equal(http.StatusNotFound, a.do(http.MethodPost, "/api/chat-rooms/dm", "alice", FindOrCreateDMRequest{UserID: "nobody"}, &e))
		req.Equal(http.StatusBadRequest, a.do(http.MethodPost, "/api/chat-rooms/dm", "alice", FindOrCreateDMRequest{UserID: "alice"}, &e))
		req.Equal(http.StatusNotFound, a.do(http.MethodGet, "/api/chat-rooms/missing", "alice", nil, &e))
		req.Equal(http.StatusUnauthorized, a.do(http.MethodGet, "/api/chat-rooms", "", nil, &e))

		var room model.ChatRoom
		req.Equal(http.StatusOK, a.do(http.MethodPost, "/api/chat-rooms/dm", "alice", FindOrCreateDMRequest{UserID: "bob"}, &room))
		req.Equal(http.StatusForbidden, a.do(http.MethodGet, "/api/chat-rooms/"+room.ID+"/messages", "carol", nil, &e))
		req.Equal(http.StatusBadRequest, a.do(http.MethodGet, "/api/chat-rooms/"+room.ID+"/messages?cursor=nope", "alice", nil, &e))
		req.Equal(http.StatusBadRequest, a.do(http.MethodPost, "/api/chat-rooms/"+room.ID+"/leave", "alice", nil, &e))

		r := httptest.NewRequest(http.MethodPost, "/api/chat-rooms/dm", bytes.NewBufferString("{broken"))
		r.Header.Set("X-User-ID", "alice")
		w := httptest.NewRecorder()
		a.srv.ServeHTTP(w, r)
		req.Equal(http.StatusBadRequest, w.Code)
	})

	t.Run("should manage a group", func(t *testing.T) {
		req := require.New(t)
		a := newAPI(t)
		a.users("alice", "bob", "carol")
		a.mutual("alice", "bob")

		name := "  team  "
		var room model.ChatRoom
		req.Equal(http.StatusCreated, a.do(http.MethodPost, "/api/chat-rooms", "alice",
			CreateChatRoomRequest{Name: &name, Type: model.RoomTypeGroup, MemberIDs: []string{"alice", "bob"}}, &room))
		req.Equal("team", *room.Name)

		var e errorResponse
		req.Equal(http.StatusForbidden, a.do(http.MethodPost, "/api/chat-rooms/"+room.ID+"/members", "alice", AddMemberRequest{UserID: "carol"}, &e))
		a.mutual("alice", "carol")
		a.mutual("bob", "carol")
		req.Equal(http.StatusCreated, a.do(http.MethodPost, "/api/chat-rooms/"+room.ID+"/members", "alice", AddMemberRequest{UserID: "carol"}, nil))
		req.Equal(http.StatusConflict, a.do(http.MethodPost, "/api/chat-rooms/"+room.ID+"/members", "alice", AddMemberRequest{UserID: "carol"}, &e))

		var members []model.MemberWithProfile
		req.Equal(http.StatusOK, a.do(http.MethodGet, "/api/chat-rooms/"+room.ID+"/members", "bob", nil, &members))
		req.Len(members, 3)

		req.Equal(http.StatusForbidden, a.do(http.MethodDelete, "/api/chat-rooms/"+room.ID+"/members/bob", "alice", nil, &e))
		req.Equal(http.StatusNoContent, a.do(http.MethodDelete, "/api/chat-rooms/"+room.ID+"/members/carol", "carol", nil, nil))

		var renamed model.ChatRoom
		req.Equal(http.StatusOK, a.do(http.MethodPut, "/api/chat-rooms/"+room.ID, "bob", UpdateChatRoomRequest{Name: "core"}, &renamed))
		req.Equal("core", *renamed.Name)

		var msg model.MessageResponse
		req.Equal(http.StatusCreated, a.do(http.MethodPost, "/api/chat-rooms/"+room.ID+"/messages", "bob", SendMessageRequest{Content: "v1"}, &msg))
		req.Equal(http.StatusForbidden, a.do(http.MethodPut, "/api/messages/"+msg.ID, "alice", UpdateMessageRequest{Content: "hacked"}, &e))
		var edited model.MessageResponse
		req.Equal(http.StatusOK, a.do(http.MethodPut, "/api/messages/"+msg.ID, "bob", UpdateMessageRequest{Content: "v2"}, &edited))
		req.Equal("v2", edited.Content)
		req.Equal(http.StatusNoContent, a.do(http.MethodDelete, "/api/messages/"+msg.ID, "bob", nil, nil))
		req.Equal(http.StatusNotFound, a.do(http.MethodDelete, "/api/messages/"+msg.ID, "bob", nil, &e))

		req.Equal(http.StatusNoContent, a.do(http.MethodPost, "/api/chat-rooms/"+room.ID+"/read", "alice", nil, nil))
		req.Equal(http.StatusNoContent, a.do(http.MethodDelete, "/api/chat-rooms/"+room.ID, "alice", nil, nil))
		req.Equal(http.StatusNotFound, a.do(http.MethodGet, "/api/chat-rooms/"+room.ID, "alice", nil, &e))
	})
}

func TestWriteErr(t *testing.T) {
	cases := []struct {
		err    error
		status int
		body   string
	}{
		{apperr.RateLimit("slow down"), http.StatusTooManyRequests, "slow down"},
		{apperr.Unavailable(context.DeadlineExceeded, "follow oracle unavailable"), http.StatusServiceUnavailable, "follow oracle unavailable"},
		{apperr.ServerConfiguration("CHAT_ENCRYPTION_KEY is not set"), http.StatusInternalServerError, "server configuration error"},
		{context.Canceled, http.StatusInternalServerError, "internal server error"},
	}
	for _, tc := range cases {
		req := require.New(t)
		w := httptest.NewRecorder()
		writeErr(w, httptest.NewRequest(http.MethodGet, "/", nil), tc.err)
		req.Equal(tc.status, w.Code)
		var e errorResponse
		req.NoError(json.Unmarshal(w.Body.Bytes(), &e))
		req.Equal(tc.body, e.Error)
	}
}
