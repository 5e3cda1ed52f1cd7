package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"github.com/socialchat/internal/apperr"
	"github.com/socialchat/internal/config"
	"github.com/socialchat/internal/events"
	"github.com/socialchat/internal/logger"
	"github.com/socialchat/internal/metrics"
	"github.com/socialchat/internal/model"
	"github.com/socialchat/internal/msgcrypt"
	"github.com/socialchat/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const maxRoomNameLength = 100

type CreateChatRoomInput struct {
	Name      *string        `json:"name,omitempty" validate:"omitempty,max=100"`
	Type      model.RoomType `json:"type" validate:"required,oneof=DM GROUP"`
	MemberIDs []string       `json:"member_ids" validate:"required,min=1,dive,required"`
}

type SendMessageInput struct {
	ChatRoomID string            `json:"chat_room_id" validate:"required"`
	AuthorID   string            `json:"author_id" validate:"required"`
	Content    string            `json:"content" validate:"required"`
	Type       model.MessageType `json:"type" validate:"omitempty,oneof=TEXT IMAGE FILE"`
}

// Chat is the facade the transport talks to. It composes the membership and
// message services with the mutual-follow gate and publishes an event after
// every committed change.
type Chat struct {
	rooms      storage.RoomStore
	users      storage.UserDirectory
	membership *MembershipService
	messages   *MessageService
	follows    *FollowValidator
	events     events.Publisher
	cfg        config.ChatConfig
	validate   *validator.Validate
	tracer     trace.Tracer
}

func NewChat(
	rooms storage.RoomStore,
	messages storage.MessageStore,
	users storage.UserDirectory,
	oracle storage.FollowOracle,
	cipher *msgcrypt.Cipher,
	pub events.Publisher,
	cfg config.ChatConfig,
) *Chat {
	cfg = cfg.Normalize()
	if pub == nil {
		pub = events.Nop{}
	}
	membership := NewMembershipService(rooms, users)
	return &Chat{
		rooms:      rooms,
		users:      users,
		membership: membership,
		messages:   NewMessageService(messages, users, membership, cipher, cfg),
		follows:    NewFollowValidator(oracle, cfg.FollowCheckAttempts),
		events:     pub,
		cfg:        cfg,
		validate:   validator.New(),
		tracer:     otel.Tracer("github.com/socialchat/internal/service"),
	}
}

func (c *Chat) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "chat."+op, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperr.KindOf(err)))
	}
	span.End()
}

func (c *Chat) validateInput(v any) error {
	if err := c.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := lo.Map(verrs, func(fe validator.FieldError, _ int) string {
				return fe.Field() + " (" + fe.Tag() + ")"
			})
			return apperr.Validation("invalid fields: %s", strings.Join(fields, ", "))
		}
		return apperr.Validation("%v", err)
	}
	return nil
}

func (c *Chat) requireUsers(ctx context.Context, ids ...string) error {
	for _, id := range ids {
		u, err := c.users.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if u == nil {
			return apperr.NotFound("user %s not found", id)
		}
	}
	return nil
}

func (c *Chat) publishRoom(ctx context.Context, typ events.Type, room *model.ChatRoom, actorID string, memberIDs []string) {
	publish(ctx, c.events, events.Event{
		Type:      typ,
		RoomID:    room.ID,
		ActorID:   actorID,
		MemberIDs: memberIDs,
		Payload:   room,
	})
}

// CreateChatRoom creates a DM or GROUP room. The requester must be listed, a DM
// needs exactly two distinct members, and every pair of members must follow each
// other before anything is written. A DM between an existing pair returns the
// existing room.
func (c *Chat) CreateChatRoom(ctx context.Context, in CreateChatRoomInput, requesterID string) (room *model.ChatRoom, err error) {
	ctx, span := c.start(ctx, "CreateChatRoom", attribute.String("room.type", string(in.Type)), attribute.Int("room.members", len(in.MemberIDs)))
	defer func() { endSpan(span, err) }()

	if err := c.validateInput(in); err != nil {
		return nil, err
	}
	ids := lo.Uniq(in.MemberIDs)
	if !lo.Contains(ids, requesterID) {
		return nil, apperr.Validation("requester %s must be one of the room members", requesterID)
	}
	if in.Type == model.RoomTypeDM && len(ids) != 2 {
		return nil, apperr.Validation("a DM room needs exactly 2 distinct members, got %d", len(ids))
	}
	if err := c.requireUsers(ctx, ids...); err != nil {
		return nil, err
	}
	if err := c.follows.RequireAllPairsMutual(ctx, ids); err != nil {
		return nil, err
	}

	if in.Type == model.RoomTypeDM {
		room, created, err := c.rooms.FindOrCreateDM(ctx, ids[0], ids[1])
		if err != nil {
			return nil, err
		}
		if created {
			metrics.RoomsCreated.WithLabelValues(string(model.RoomTypeDM)).Inc()
			c.publishRoom(ctx, events.RoomCreated, room, requesterID, ids)
		}
		return room, nil
	}

	var name *string
	if in.Name != nil {
		if trimmed := strings.TrimSpace(*in.Name); trimmed != "" {
			name = &trimmed
		}
	}
	room, err = c.rooms.CreateGroupWithMembers(ctx, name, ids)
	if err != nil {
		return nil, err
	}
	metrics.RoomsCreated.WithLabelValues(string(model.RoomTypeGroup)).Inc()
	c.publishRoom(ctx, events.RoomCreated, room, requesterID, ids)
	return room, nil
}

// FindOrCreateDMChatRoom returns the pair's DM room, creating it on first use.
// Concurrent calls for the same pair return the same room.
func (c *Chat) FindOrCreateDMChatRoom(ctx context.Context, user1, user2 string) (room *model.ChatRoom, err error) {
	ctx, span := c.start(ctx, "FindOrCreateDMChatRoom")
	defer func() { endSpan(span, err) }()

	if user1 == "" || user2 == "" || user1 == user2 {
		return nil, apperr.Validation("a DM room needs two distinct users")
	}
	if err := c.requireUsers(ctx, user1, user2); err != nil {
		return nil, err
	}
	if err := c.follows.RequireMutual(ctx, user1, user2); err != nil {
		return nil, err
	}
	room, created, err := c.rooms.FindOrCreateDM(ctx, user1, user2)
	if err != nil {
		return nil, err
	}
	if created {
		metrics.RoomsCreated.WithLabelValues(string(model.RoomTypeDM)).Inc()
		c.publishRoom(ctx, events.RoomCreated, room, user1, []string{user1, user2})
	}
	return room, nil
}

func lastActivity(s model.ChatRoomSummary) time.Time {
	if s.LastMessage != nil && s.LastMessage.CreatedAt.After(s.UpdatedAt) {
		return s.LastMessage.CreatedAt
	}
	return s.UpdatedAt
}

// GetUserChatRooms lists the user's rooms, each with member count, last message
// preview and unread count, most recently active first.
func (c *Chat) GetUserChatRooms(ctx context.Context, userID string) (out []model.ChatRoomSummary, err error) {
	ctx, span := c.start(ctx, "GetUserChatRooms")
	defer func() { endSpan(span, err) }()

	rooms, err := c.rooms.FindByMemberID(ctx, userID)
	if err != nil {
		return nil, err
	}
	out = make([]model.ChatRoomSummary, len(rooms))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.SummaryConcurrency)
	for i := range rooms {
		g.Go(func() error {
			s := model.ChatRoomSummary{ChatRoom: rooms[i]}
			var err error
			if s.MemberCount, err = c.rooms.CountMembers(gctx, rooms[i].ID); err != nil {
				return err
			}
			if s.LastMessage, err = c.messages.LastMessage(gctx, rooms[i].ID); err != nil {
				return err
			}
			if s.UnreadCount, err = c.rooms.GetUnreadCountForUser(gctx, rooms[i].ID, userID); err != nil {
				return err
			}
			out[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return lastActivity(out[i]).After(lastActivity(out[j]))
	})
	return out, nil
}

// GetChatRoom returns a room to one of its members.
func (c *Chat) GetChatRoom(ctx context.Context, roomID, userID string) (room *model.ChatRoom, err error) {
	ctx, span := c.start(ctx, "GetChatRoom")
	defer func() { endSpan(span, err) }()
	return c.membership.room(ctx, roomID, userID)
}

// UpdateChatRoom renames a GROUP room; any member may do it.
func (c *Chat) UpdateChatRoom(ctx context.Context, roomID, name, userID string) (room *model.ChatRoom, err error) {
	ctx, span := c.start(ctx, "UpdateChatRoom")
	defer func() { endSpan(span, err) }()

	name = strings.TrimSpace(name)
	if name == "" || len([]rune(name)) > maxRoomNameLength {
		return nil, apperr.Validation("room name must be 1 to %d characters", maxRoomNameLength)
	}
	room, err = c.membership.room(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	if room.Type != model.RoomTypeGroup {
		return nil, apperr.Validation("only GROUP rooms have a name")
	}
	if room, err = c.rooms.UpdateName(ctx, roomID, name); err != nil {
		return nil, storeErr(err, "chat room "+roomID)
	}
	ids, err := c.membership.MemberIDs(ctx, roomID)
	if err == nil {
		c.publishRoom(ctx, events.RoomUpdated, room, userID, ids)
	}
	return room, nil
}

// DeleteChatRoom removes the room with its members and messages; any member may do it.
func (c *Chat) DeleteChatRoom(ctx context.Context, roomID, userID string) (err error) {
	ctx, span := c.start(ctx, "DeleteChatRoom")
	defer func() { endSpan(span, err) }()

	room, err := c.membership.room(ctx, roomID, userID)
	if err != nil {
		return err
	}
	ids, err := c.membership.MemberIDs(ctx, roomID)
	if err != nil {
		return err
	}
	if err := c.rooms.Delete(ctx, roomID); err != nil {
		return storeErr(err, "chat room "+roomID)
	}
	c.publishRoom(ctx, events.RoomDeleted, room, userID, ids)
	return nil
}

// AddMember adds userID to a GROUP room. The requester must be a member and the
// new member must mutually follow everyone already in the room, the same rule
// CreateChatRoom applies to every pair.
func (c *Chat) AddMember(ctx context.Context, roomID, userID, requesterID string) (m *model.ChatRoomMember, err error) {
	ctx, span := c.start(ctx, "AddMember")
	defer func() { endSpan(span, err) }()

	if _, err := c.membership.authorizeAdd(ctx, roomID, userID, requesterID); err != nil {
		return nil, err
	}
	ids, err := c.membership.MemberIDs(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if lo.Contains(ids, userID) {
		return nil, apperr.Conflict("user %s is already a member of chat room %s", userID, roomID)
	}
	if err := c.follows.RequireMutualWithAll(ctx, userID, ids); err != nil {
		return nil, err
	}
	if m, err = c.membership.AddMember(ctx, roomID, userID, requesterID); err != nil {
		return nil, err
	}
	after, err := c.recheckAfterAdd(ctx, roomID, userID, ids)
	if err != nil {
		return nil, err
	}
	publish(ctx, c.events, events.Event{
		Type:      events.MemberAdded,
		RoomID:    roomID,
		ActorID:   requesterID,
		MemberIDs: after,
		Payload:   m,
	})
	return m, nil
}

// recheckAfterAdd закрывает гонку двух параллельных добавлений: оба прошли проверку
// против одного и того же старого состава. После вставки новый участник сверяется
// с теми, кто появился за это время; при отказе его строка удаляется. Хотя бы одна
// из двух вставок видит другую, поэтому непроверенная пара в комнате не остаётся.
func (c *Chat) recheckAfterAdd(ctx context.Context, roomID, userID string, checked []string) ([]string, error) {
	after, err := c.membership.MemberIDs(ctx, roomID)
	if err == nil {
		joined := lo.Without(lo.Without(after, checked...), userID)
		if len(joined) == 0 {
			return after, nil
		}
		err = c.follows.RequireMutualWithAll(ctx, userID, joined)
		if err == nil {
			return after, nil
		}
	}
	if rmErr := c.rooms.RemoveMember(ctx, roomID, userID); rmErr != nil {
		logger.Errorf("rollback member %s of room %s: %v", userID, roomID, rmErr)
	}
	return nil, err
}

// RemoveMember removes userID from a GROUP room; only self-removal is allowed.
func (c *Chat) RemoveMember(ctx context.Context, roomID, userID, requesterID string) (err error) {
	ctx, span := c.start(ctx, "RemoveMember")
	defer func() { endSpan(span, err) }()

	if err := c.membership.RemoveMember(ctx, roomID, userID, requesterID); err != nil {
		return err
	}
	c.publishMemberRemoved(ctx, roomID, userID)
	return nil
}

// LeaveChatRoom removes userID from a GROUP room without a membership check.
func (c *Chat) LeaveChatRoom(ctx context.Context, roomID, userID string) (err error) {
	ctx, span := c.start(ctx, "LeaveChatRoom")
	defer func() { endSpan(span, err) }()

	room, err := c.rooms.FindByID(ctx, roomID)
	if err != nil {
		return storeErr(err, "chat room "+roomID)
	}
	if room.Type == model.RoomTypeDM {
		return apperr.Validation("a DM room cannot be left")
	}
	if err := c.membership.LeaveChatRoom(ctx, roomID, userID); err != nil {
		return err
	}
	c.publishMemberRemoved(ctx, roomID, userID)
	return nil
}

func (c *Chat) publishMemberRemoved(ctx context.Context, roomID, userID string) {
	ids, err := c.membership.MemberIDs(ctx, roomID)
	if err != nil {
		return
	}
	publish(ctx, c.events, events.Event{
		Type:      events.MemberRemoved,
		RoomID:    roomID,
		ActorID:   userID,
		MemberIDs: append(ids, userID),
	})
}

// SendMessage stores a message from a member and fans it out to the room.
func (c *Chat) SendMessage(ctx context.Context, in SendMessageInput) (resp *model.MessageResponse, err error) {
	ctx, span := c.start(ctx, "SendMessage", attribute.String("room.id", in.ChatRoomID))
	defer func() { endSpan(span, err) }()

	if err := c.validateInput(in); err != nil {
		return nil, err
	}
	resp, err = c.messages.CreateMessage(ctx, in.ChatRoomID, in.AuthorID, in.Content, in.Type)
	if err != nil {
		return nil, err
	}
	c.publishMessage(ctx, events.MessageCreated, resp.ChatRoomID, resp.ID, in.AuthorID, resp)
	return resp, nil
}

func (c *Chat) publishMessage(ctx context.Context, typ events.Type, roomID, messageID, actorID string, payload any) {
	ids, err := c.membership.MemberIDs(ctx, roomID)
	if err != nil {
		return
	}
	publish(ctx, c.events, events.Event{
		Type:      typ,
		RoomID:    roomID,
		ActorID:   actorID,
		MessageID: messageID,
		MemberIDs: ids,
		Payload:   payload,
	})
}

// GetChatRoomMessages pages through a room newest first and marks it read.
func (c *Chat) GetChatRoomMessages(ctx context.Context, roomID, userID string, limit int, cursor string) (out []model.MessageResponse, err error) {
	ctx, span := c.start(ctx, "GetChatRoomMessages", attribute.String("room.id", roomID))
	defer func() { endSpan(span, err) }()
	return c.messages.GetChatRoomMessages(ctx, roomID, userID, limit, cursor)
}

// UpdateMessage lets the author edit a message.
func (c *Chat) UpdateMessage(ctx context.Context, messageID, content, userID string) (resp *model.MessageResponse, err error) {
	ctx, span := c.start(ctx, "UpdateMessage")
	defer func() { endSpan(span, err) }()

	resp, err = c.messages.UpdateMessage(ctx, messageID, content, userID)
	if err != nil {
		return nil, err
	}
	c.publishMessage(ctx, events.MessageUpdated, resp.ChatRoomID, resp.ID, userID, resp)
	return resp, nil
}

// DeleteMessage lets the author remove a message.
func (c *Chat) DeleteMessage(ctx context.Context, messageID, userID string) (err error) {
	ctx, span := c.start(ctx, "DeleteMessage")
	defer func() { endSpan(span, err) }()

	m, err := c.messages.DeleteMessage(ctx, messageID, userID)
	if err != nil {
		return err
	}
	c.publishMessage(ctx, events.MessageDeleted, m.ChatRoomID, m.ID, userID, nil)
	return nil
}

func (c *Chat) GetChatRoomMembers(ctx context.Context, roomID, userID string) (out []model.MemberWithProfile, err error) {
	ctx, span := c.start(ctx, "GetChatRoomMembers")
	defer func() { endSpan(span, err) }()
	return c.membership.GetMembers(ctx, roomID, userID)
}

// UpdateLastRead marks the room read up to now for a member.
func (c *Chat) UpdateLastRead(ctx context.Context, roomID, userID string) (err error) {
	ctx, span := c.start(ctx, "UpdateLastRead")
	defer func() { endSpan(span, err) }()

	if err := c.membership.requireMember(ctx, roomID, userID); err != nil {
		return err
	}
	at := storage.Now()
	if err := c.membership.UpdateLastRead(ctx, roomID, userID, at); err != nil {
		return err
	}
	publish(ctx, c.events, events.Event{
		Type:      events.ReadUpdated,
		RoomID:    roomID,
		ActorID:   userID,
		MemberIDs: []string{userID},
		At:        at,
	})
	return nil
}

func (c *Chat) GetUnreadCount(ctx context.Context, roomID, userID string) (n int, err error) {
	ctx, span := c.start(ctx, "GetUnreadCount")
	defer func() { endSpan(span, err) }()

	if err := c.membership.requireMember(ctx, roomID, userID); err != nil {
		return 0, err
	}
	return c.rooms.GetUnreadCountForUser(ctx, roomID, userID)
}

// MemberIDs lists the room's members for a requester who belongs to it.
func (c *Chat) MemberIDs(ctx context.Context, roomID, requesterID string) ([]string, error) {
	if err := c.membership.requireMember(ctx, roomID, requesterID); err != nil {
		return nil, err
	}
	return c.membership.MemberIDs(ctx, roomID)
}

// Typing tells the other members that userID is typing; nothing is stored.
func (c *Chat) Typing(ctx context.Context, roomID, userID string) error {
	ids, err := c.MemberIDs(ctx, roomID, userID)
	if err != nil {
		return err
	}
	publish(ctx, c.events, events.Event{
		Type:      events.Typing,
		RoomID:    roomID,
		ActorID:   userID,
		MemberIDs: lo.Without(ids, userID),
	})
	return nil
}
