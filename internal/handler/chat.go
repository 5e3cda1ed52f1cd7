package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/socialchat/internal/middleware"
	"github.com/socialchat/internal/model"
	"github.com/socialchat/internal/service"
)

type ChatHandler struct {
	chat *service.Chat
}

func NewChatHandler(chat *service.Chat) *ChatHandler {
	return &ChatHandler{chat: chat}
}

// Mount регистрирует маршруты /api/chat-rooms и /api/messages. Ожидает BearerAuth выше по цепочке.
func (h *ChatHandler) Mount(r chi.Router) {
	r.Route("/api/chat-rooms", func(r chi.Router) {
		r.Get("/", h.GetUserChatRooms)
		r.Post("/", h.CreateChatRoom)
		r.Post("/dm", h.FindOrCreateDM)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetChatRoom)
			r.Put("/", h.UpdateChatRoom)
			r.Delete("/", h.DeleteChatRoom)
			r.Get("/members", h.GetMembers)
			r.Post("/members", h.AddMember)
			r.Delete("/members/{userId}", h.RemoveMember)
			r.Post("/leave", h.Leave)
			r.Get("/messages", h.GetMessages)
			r.Post("/messages", h.SendMessage)
			r.Post("/read", h.MarkAsRead)
			r.Get("/unread", h.GetUnreadCount)
		})
	})
	r.Put("/api/messages/{id}", h.UpdateMessage)
	r.Delete("/api/messages/{id}", h.DeleteMessage)
}

// requester возвращает user_id из контекста; пустой означает, что маршрут смонтирован без BearerAuth.
func requester(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	return userID, true
}

type CreateChatRoomRequest struct {
	Name      *string        `json:"name,omitempty"`
	Type      model.RoomType `json:"type"`
	MemberIDs []string       `json:"member_ids"`
}

func (h *ChatHandler) CreateChatRoom(w http.ResponseWriter, r *http.Request) {
	userID, ok := requester(w, r)
	if !ok {
		return
	}
	var req CreateChatRoomRequest
	if !decodeBody(w, r, &req) {
		return
	}
	room, err := h.chat.CreateChatRoom(r.Context(), service.CreateChatRoomInput{
		Name:      req.Name,
		Type:      req.Type,
		MemberIDs: req.MemberIDs,
	}, userID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, room)
}

type FindOrCreateDMRequest struct {
	UserID string `json:"user_id"`
}

// FindOrCreateDM всегда отвечает 200: повторный вызов возвращает ту же комнату.
func (h *ChatHandler) FindOrCreateDM(w http.ResponseWriter, r *http.Request) {
	userID, ok := requester(w, r)
	if !ok {
		return
	}
	var req FindOrCreateDMRequest
	if !decodeBody(w, r, &req) {
		return
	}
	room, err := h.chat.FindOrCreateDMChatRoom(r.Context(), userID, req.UserID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (h *ChatHandler) GetUserChatRooms(w http.ResponseWriter, r *http.Request) {
	userID, ok := requester(w, r)
	if !ok {
		return
	}
	rooms, err := h.chat.GetUserChatRooms(r.Context(), userID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if rooms == nil {
		rooms = []model.ChatRoomSummary{}
	}
	writeJSON(w, http.StatusOK, rooms)
}

func (h *ChatHandler) GetChatRoom(w http.ResponseWriter, r *http.Request) {
	userID, ok := requester(w, r)
	if !ok {
		return
	}
	room, err := h.chat.GetChatRoom(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

type UpdateChatRoomRequest struct {
	Name string `json:"name"`
}

func (h *ChatHandler) UpdateChatRoom(w http.ResponseWriter, r *http.Request) {
	userID, ok := requester(w, r)
	if !ok {
		return
	}
	var req UpdateChatRoomRequest
	if !decodeBody(w, r, &req) {
		return
	}
	room, err := h.chat.UpdateChatRoom(r.Context(), chi.URLParam(r, "id"), req.Name, userID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (h *ChatHandler) DeleteChatRoom(w http.ResponseWriter, r *http.Request) {
	userID, ok := requester(w, r)
	if !ok {
		return
	}
	if err := h.chat.DeleteChatRoom(r.Context(), chi.URLParam(r, "id"), userID); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ChatHandler) GetMembers(w http.ResponseWriter, r *http.Request) {
	userID, ok := requester(w, r)
	if !ok {
		return
	}
	members, err := h.chat.GetChatRoomMembers(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, members)
}

type AddMemberRequest struct {
	UserID string `json:"user_id"`
}

func (h *ChatHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	userID, ok := requester(w, r)
	if !ok {
		return
	}
	var req AddMemberRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	member, err := h.chat.AddMember(r.Context(), chi.URLParam(r, "id"), req.UserID, userID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, member)
}

func (h *ChatHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	userID, ok := requester(w, r)
	if !ok {
		return
	}
	err := h.chat.RemoveMember(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "userId"), userID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ChatHandler) Leave(w http.ResponseWriter, r *http.Request) {
	userID, ok := requester(w, r)
	if !ok {
		return
	}
	if err := h.chat.LeaveChatRoom(r.Context(), chi.URLParam(r, "id"), userID); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetMessages — страница истории (новые сначала), ?limit=&cursor=. Отмечает комнату прочитанной.
func (h *ChatHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := requester(w, r)
	if !ok {
		return
	}
	msgs, err := h.chat.GetChatRoomMessages(r.Context(), chi.URLParam(r, "id"), userID,
		queryInt(r, "limit", 0), r.URL.Query().Get("cursor"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []model.MessageResponse{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

type SendMessageRequest struct {
	Content string            `json:"content"`
	Type    model.MessageType `json:"type,omitempty"`
}

func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := requester(w, r)
	if !ok {
		return
	}
	var req SendMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	msg, err := h.chat.SendMessage(r.Context(), service.SendMessageInput{
		ChatRoomID: chi.URLParam(r, "id"),
		AuthorID:   userID,
		Content:    req.Content,
		Type:       req.Type,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *ChatHandler) MarkAsRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := requester(w, r)
	if !ok {
		return
	}
	if err := h.chat.UpdateLastRead(r.Context(), chi.URLParam(r, "id"), userID); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type unreadResponse struct {
	ChatRoomID  string `json:"chat_room_id"`
	UnreadCount int    `json:"unread_count"`
}

func (h *ChatHandler) GetUnreadCount(w http.ResponseWriter, r *http.Request) {
	userID, ok := requester(w, r)
	if !ok {
		return
	}
	roomID := chi.URLParam(r, "id")
	n, err := h.chat.GetUnreadCount(r.Context(), roomID, userID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, unreadResponse{ChatRoomID: roomID, UnreadCount: n})
}

type UpdateMessageRequest struct {
	Content string `json:"content"`
}

func (h *ChatHandler) UpdateMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := requester(w, r)
	if !ok {
		return
	}
	var req UpdateMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	msg, err := h.chat.UpdateMessage(r.Context(), chi.URLParam(r, "id"), req.Content, userID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *ChatHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := requester(w, r)
	if !ok {
		return
	}
	if err := h.chat.DeleteMessage(r.Context(), chi.URLParam(r, "id"), userID); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
