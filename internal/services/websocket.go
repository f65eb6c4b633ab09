package services

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// 推送事件类型
const (
	EventNewMessage  = "new_message"
	EventMessageSent = "message_sent"
)

// Notifier 按账号所属用户推送实时事件，调用方不等待投递结果
type Notifier interface {
	Broadcast(ownerUserID uint, eventType string, payload interface{})
}

type WebSocketMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	UserID    uint        `json:"-"`
	Timestamp time.Time   `json:"timestamp"`
}

type WebSocketClient struct {
	ID     string
	UserID uint
	Conn   *websocket.Conn
	Send   chan WebSocketMessage
	Hub    *WebSocketHub
}

// WebSocketHub 进程内的连接注册表，按 user id 扇出
type WebSocketHub struct {
	clients    map[string]*WebSocketClient
	broadcast  chan WebSocketMessage
	register   chan *WebSocketClient
	unregister chan *WebSocketClient
	done       chan struct{}
	stopOnce   sync.Once
	mutex      sync.RWMutex
	dropped    uint64
	logger     *logrus.Logger
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 生产环境需要验证源
	},
}

func NewWebSocketHub(logger *logrus.Logger) *WebSocketHub {
	if logger == nil {
		logger = logrus.New()
	}
	return &WebSocketHub{
		clients:    make(map[string]*WebSocketClient),
		broadcast:  make(chan WebSocketMessage, 256),
		register:   make(chan *WebSocketClient),
		unregister: make(chan *WebSocketClient),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

func (h *WebSocketHub) Run() {
	for {
		select {
		case <-h.done:
			h.mutex.Lock()
			for id, client := range h.clients {
				close(client.Send)
				delete(h.clients, id)
			}
			h.mutex.Unlock()
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client.ID] = client
			h.mutex.Unlock()
			h.logger.Infof("Client %s connected for user %d", client.ID, client.UserID)

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.Send)
				h.logger.Infof("Client %s disconnected", client.ID)
			}
			h.mutex.Unlock()

		case message := <-h.broadcast:
			h.mutex.Lock()
			for _, client := range h.clients {
				if client.UserID != message.UserID {
					continue
				}
				select {
				case client.Send <- message:
				default:
					close(client.Send)
					delete(h.clients, client.ID)
				}
			}
			h.mutex.Unlock()
		}
	}
}

// Stop 关闭所有连接并退出 Run
func (h *WebSocketHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Stopped 是否已调用 Stop
func (h *WebSocketHub) Stopped() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Broadcast 非阻塞投递；队列满或 hub 已停止时丢弃
func (h *WebSocketHub) Broadcast(ownerUserID uint, eventType string, payload interface{}) {
	if h.Stopped() {
		h.mutex.Lock()
		h.dropped++
		h.mutex.Unlock()
		h.logger.WithFields(logrus.Fields{"user_id": ownerUserID, "event": eventType}).Warn("notification hub stopped, event dropped")
		return
	}
	msg := WebSocketMessage{
		Type:      eventType,
		Data:      payload,
		UserID:    ownerUserID,
		Timestamp: time.Now(),
	}
	select {
	case h.broadcast <- msg:
	default:
		h.mutex.Lock()
		h.dropped++
		h.mutex.Unlock()
		h.logger.WithFields(logrus.Fields{"user_id": ownerUserID, "event": eventType}).Warn("notification queue full, event dropped")
	}
}

// ContextUserIDKey 鉴权中间件写入 gin.Context 的用户 id 键
const ContextUserIDKey = "user_id"

// HandleWebSocket 升级连接；只订阅鉴权中间件确认的用户，不信任查询参数
func (h *WebSocketHub) HandleWebSocket(c *gin.Context) {
	userID := c.GetUint(ContextUserIDKey)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authenticated user is required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Errorf("WebSocket upgrade failed: %v", err)
		return
	}

	client := &WebSocketClient{
		ID:     uuid.NewString(),
		UserID: userID,
		Conn:   conn,
		Send:   make(chan WebSocketMessage, 64),
		Hub:    h,
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump 只处理心跳与关闭，客户端不通过 WS 发送业务消息
func (c *WebSocketClient) readPump() {
	defer func() {
		select {
		case c.Hub.unregister <- c:
		case <-c.Hub.done:
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(512)
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.logger.Errorf("WebSocket error: %v", err)
			}
			return
		}
	}
}

func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteJSON(message); err != nil {
				c.Hub.logger.Errorf("WriteJSON error: %v", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *WebSocketHub) GetClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Stats 连接数与丢弃数
func (h *WebSocketHub) Stats() map[string]interface{} {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	users := make(map[uint]struct{})
	for _, c := range h.clients {
		users[c.UserID] = struct{}{}
	}
	return map[string]interface{}{
		"clients": len(h.clients),
		"users":   len(users),
		"dropped": h.dropped,
	}
}
