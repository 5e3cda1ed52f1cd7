package service

import (
	"context"
	"errors"
	"strconv"

	"github.com/google/uuid"
	"github.com/socialchat/internal/apperr"
	"github.com/socialchat/internal/config"
	"github.com/socialchat/internal/logger"
	"github.com/socialchat/internal/metrics"
	"github.com/socialchat/internal/model"
	"github.com/socialchat/internal/msgcrypt"
	"github.com/socialchat/internal/sanitize"
	"github.com/socialchat/internal/storage"
)

// DecryptFailedPlaceholder replaces the content of a stored message that no longer decrypts.
const DecryptFailedPlaceholder = "[message could not be decrypted]"

// MessageService sanitizes, encrypts and authorizes message writes and reads.
type MessageService struct {
	messages   storage.MessageStore
	users      storage.UserDirectory
	membership *MembershipService
	cipher     *msgcrypt.Cipher
	sanitizer  *sanitize.Sanitizer
	cfg        config.ChatConfig
}

func NewMessageService(
	messages storage.MessageStore,
	users storage.UserDirectory,
	membership *MembershipService,
	cipher *msgcrypt.Cipher,
	cfg config.ChatConfig,
) *MessageService {
	cfg = cfg.Normalize()
	return &MessageService{
		messages:   messages,
		users:      users,
		membership: membership,
		cipher:     cipher,
		sanitizer:  sanitize.New(cfg.MaxMessageLength),
		cfg:        cfg,
	}
}

// seal stores plaintext into m, encrypted when a key is configured. A deployment
// that requires encryption but has no key fails instead of storing plaintext.
func (s *MessageService) seal(m *model.Message, plaintext string) error {
	if !s.cipher.Enabled() {
		if s.cfg.RequireEncryption {
			return apperr.ServerConfiguration("message encryption is required but no encryption key is configured")
		}
		m.Content, m.IsEncrypted, m.IV, m.Tag = plaintext, false, nil, nil
		return nil
	}
	sealed, err := s.cipher.Encrypt(m.ChatRoomID, plaintext)
	if err != nil {
		return err
	}
	m.Content, m.IsEncrypted, m.IV, m.Tag = sealed.Content, true, &sealed.IV, &sealed.Tag
	return nil
}

func (s *MessageService) open(m *model.Message) (string, error) {
	if !m.IsEncrypted {
		return m.Content, nil
	}
	if m.IV == nil || m.Tag == nil {
		return "", msgcrypt.ErrDecrypt
	}
	return s.cipher.Decrypt(m.ChatRoomID, msgcrypt.Sealed{Content: m.Content, IV: *m.IV, Tag: *m.Tag})
}

// openOrPlaceholder contains per-message corruption; a missing key is a
// deployment error and still fails the call.
func (s *MessageService) openOrPlaceholder(m *model.Message) (string, error) {
	content, err := s.open(m)
	if err == nil {
		return content, nil
	}
	if errors.Is(err, apperr.ErrServerConfiguration) {
		return "", err
	}
	metrics.DecryptFailures.Inc()
	logger.Errorf("message %s in room %s: %v", m.ID, m.ChatRoomID, err)
	return DecryptFailedPlaceholder, nil
}

type profileCache map[string]*model.UserProfile

func (s *MessageService) author(ctx context.Context, cache profileCache, id string) *model.UserProfile {
	if u, ok := cache[id]; ok {
		return u
	}
	u, err := s.users.GetByID(ctx, id)
	if err != nil {
		logger.Errorf("author profile %s: %v", id, err)
	}
	cache[id] = u
	return u
}

func (s *MessageService) response(ctx context.Context, cache profileCache, m *model.Message, content string) model.MessageResponse {
	return model.MessageResponse{
		ID:         m.ID,
		ChatRoomID: m.ChatRoomID,
		AuthorID:   m.AuthorID,
		Author:     s.author(ctx, cache, m.AuthorID),
		Content:    content,
		Type:       m.Type,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

// CreateMessage persists a message from a member and moves the author's read
// cursor to it. The response always carries the plaintext.
func (s *MessageService) CreateMessage(ctx context.Context, roomID, authorID, content string, typ model.MessageType) (*model.MessageResponse, error) {
	if typ == "" {
		typ = model.MessageTypeText
	}
	if !typ.Valid() {
		return nil, apperr.Validation("unknown message type %q", typ)
	}
	if err := s.membership.requireMember(ctx, roomID, authorID); err != nil {
		return nil, err
	}
	clean, err := s.sanitizer.Clean(content)
	if err != nil {
		return nil, err
	}

	now := storage.Now()
	m := &model.Message{
		ID:         uuid.New().String(),
		ChatRoomID: roomID,
		AuthorID:   authorID,
		Type:       typ,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.seal(m, clean); err != nil {
		return nil, err
	}
	if err := s.messages.Create(ctx, m); err != nil {
		return nil, storeErr(err, "chat room "+roomID)
	}
	metrics.MessagesSent.WithLabelValues(strconv.FormatBool(m.IsEncrypted)).Inc()
	if err := s.membership.UpdateLastRead(ctx, roomID, authorID, m.CreatedAt); err != nil {
		logger.Errorf("last read after send room=%s user=%s: %v", roomID, authorID, err)
	}

	resp := s.response(ctx, profileCache{}, m, clean)
	return &resp, nil
}

func (s *MessageService) pageSize(limit int) int {
	switch {
	case limit <= 0:
		return s.cfg.DefaultPageSize
	case limit > s.cfg.MaxPageSize:
		return s.cfg.MaxPageSize
	}
	return limit
}

// GetChatRoomMessages returns a page newest first, strictly older than cursor
// (a message id) when one is given. Reading marks the room as read.
func (s *MessageService) GetChatRoomMessages(ctx context.Context, roomID, userID string, limit int, cursor string) ([]model.MessageResponse, error) {
	if err := s.membership.requireMember(ctx, roomID, userID); err != nil {
		return nil, err
	}
	if err := s.membership.UpdateLastRead(ctx, roomID, userID, storage.Now()); err != nil {
		return nil, err
	}
	page, err := s.messages.ListByRoom(ctx, roomID, s.pageSize(limit), cursor)
	if err != nil {
		return nil, storeErr(err, "chat room "+roomID)
	}

	cache := profileCache{}
	out := make([]model.MessageResponse, 0, len(page))
	for i := range page {
		content, err := s.openOrPlaceholder(&page[i])
		if err != nil {
			return nil, err
		}
		out = append(out, s.response(ctx, cache, &page[i], content))
	}
	return out, nil
}

// LastMessage is the room's newest message as a preview, nil for an empty room.
func (s *MessageService) LastMessage(ctx context.Context, roomID string) (*model.MessageResponse, error) {
	m, err := s.messages.GetLast(ctx, roomID)
	if err != nil || m == nil {
		return nil, err
	}
	content, err := s.openOrPlaceholder(m)
	if err != nil {
		return nil, err
	}
	resp := s.response(ctx, profileCache{}, m, content)
	return &resp, nil
}

func (s *MessageService) authored(ctx context.Context, id, userID string) (*model.Message, error) {
	m, err := s.messages.GetByID(ctx, id)
	if err != nil {
		return nil, storeErr(err, "message "+id)
	}
	if m.AuthorID != userID {
		return nil, apperr.Forbidden("user %s is not the author of message %s", userID, id)
	}
	return m, nil
}

// UpdateMessage lets the author replace the content; it is sanitized and sealed
// again exactly as on creation.
func (s *MessageService) UpdateMessage(ctx context.Context, id, content, userID string) (*model.MessageResponse, error) {
	m, err := s.authored(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	clean, err := s.sanitizer.Clean(content)
	if err != nil {
		return nil, err
	}
	if err := s.seal(m, clean); err != nil {
		return nil, err
	}
	m.UpdatedAt = storage.Now()
	if err := s.messages.Update(ctx, m); err != nil {
		return nil, storeErr(err, "message "+id)
	}
	resp := s.response(ctx, profileCache{}, m, clean)
	return &resp, nil
}

// DeleteMessage removes a message by its author and returns the removed row.
func (s *MessageService) DeleteMessage(ctx context.Context, id, userID string) (*model.Message, error) {
	m, err := s.authored(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if err := s.messages.Delete(ctx, id); err != nil {
		return nil, storeErr(err, "message "+id)
	}
	return m, nil
}
