package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/socialchat/internal/apperr"
	"github.com/socialchat/internal/logger"
	"github.com/socialchat/internal/model"
	"github.com/socialchat/internal/service"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
	sendBufSize    = 256
	commandTimeout = 5 * time.Second
)

// ChatService — команды, которые сокет может выполнить от имени своего пользователя.
type ChatService interface {
	SendMessage(ctx context.Context, in service.SendMessageInput) (*model.MessageResponse, error)
	UpdateLastRead(ctx context.Context, roomID, userID string) error
	Typing(ctx context.Context, roomID, userID string) error
}

// bufPool pools bytes.Buffer for JSON encoding in the hot-path (writePump).
var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Client — одно WebSocket-соединение пользователя.
// Жизненный цикл: NewClient -> Start -> [readPump, writePump] -> Close -> Wait.
type Client struct {
	hub    *Hub
	chat   ChatService
	conn   *websocket.Conn
	send   chan OutgoingMessage
	userID string

	// done is used as a non-blocking guard in sendToClient.
	done chan struct{}
	// cancel cancels the context passed to Start, triggering pump shutdown.
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

func NewClient(hub *Hub, chat ChatService, conn *websocket.Conn, userID string) *Client {
	return &Client{
		hub:    hub,
		chat:   chat,
		conn:   conn,
		send:   make(chan OutgoingMessage, sendBufSize),
		userID: userID,
		done:   make(chan struct{}),
	}
}

// Start launches ReadPump and WritePump goroutines with controlled lifecycle.
// ctx controls pump lifetime; cancel is stored for Close().
func (c *Client) Start(ctx context.Context, cancel context.CancelFunc) {
	c.cancel = cancel
	c.wg.Add(2)
	go c.writePump(ctx)
	go c.readPump(ctx)
}

// Wait blocks until both pump goroutines have exited.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Close signals the client to stop. Safe to call multiple times from any goroutine.
func (c *Client) Close() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
		// Force both pumps to unblock (ReadMessage / WriteMessage will error).
		c.conn.Close()
	})
}

// readPump читает команды клиента; выходит на ошибке чтения (в т.ч. после Close).
func (c *Client) readPump(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Errorf("ws set read deadline user=%s: %v", c.userID, err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("ws read error user=%s: %v", c.userID, err)
			}
			return
		}

		var msg IncomingMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.hub.sendToClient(c, errorMessage("", apperr.Validation("malformed message")))
			continue
		}

		if err := c.handle(ctx, msg); err != nil {
			if apperr.KindOf(err) == apperr.KindInternal {
				logger.Errorf("ws %s user=%s room=%s: %v", msg.Type, c.userID, msg.ChatRoomID, err)
			}
			c.hub.sendToClient(c, errorMessage(msg.RequestID, err))
		}
	}
}

// handle выполняет команду. Результат приходит клиенту событием через Hub, как и остальным участникам.
func (c *Client) handle(ctx context.Context, msg IncomingMessage) error {
	switch msg.Type {
	case CmdSendMessage, CmdMarkRead, CmdTyping:
	default:
		return apperr.Validation("unknown message type %q", msg.Type)
	}
	defer logger.DeferLogDuration("ws."+msg.Type, time.Now())()
	if msg.ChatRoomID == "" {
		return apperr.Validation("chat_room_id is required")
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	switch msg.Type {
	case CmdSendMessage:
		_, err := c.chat.SendMessage(ctx, service.SendMessageInput{
			ChatRoomID: msg.ChatRoomID,
			AuthorID:   c.userID,
			Content:    msg.Content,
			Type:       msg.MsgType,
		})
		return err
	case CmdMarkRead:
		return c.chat.UpdateLastRead(ctx, msg.ChatRoomID, c.userID)
	case CmdTyping:
		return c.chat.Typing(ctx, msg.ChatRoomID, c.userID)
	}
	return nil
}

// writePump пишет события в сокет и шлёт ping; выходит при отмене ctx или ошибке записи.
func (c *Client) writePump(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			// После Close соединение уже закрыто, ошибка здесь ожидаема.
			_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
			return
		case msg := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Errorf("ws set write deadline user=%s: %v", c.userID, err)
				return
			}
			buf := bufPool.Get().(*bytes.Buffer)
			buf.Reset()
			enc := json.NewEncoder(buf)
			if err := enc.Encode(msg); err != nil {
				bufPool.Put(buf)
				logger.Errorf("ws marshal error user=%s: %v", c.userID, err)
				continue
			}
			data := buf.Bytes()
			// json.Encoder appends '\n'; trim it for WebSocket text messages.
			if len(data) > 0 && data[len(data)-1] == '\n' {
				data = data[:len(data)-1]
			}
			writeErr := c.conn.WriteMessage(websocket.TextMessage, data)
			bufPool.Put(buf)
			if writeErr != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Errorf("ws set write deadline user=%s: %v", c.userID, err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
