// Package websocket 实现信箱实时推送：客户端按 ownerID 订阅信箱，
// 会话层的格子变更与新邮件事件通过 Hub 广播到所有订阅者。
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"postbox/backend/internal/access"
	"postbox/backend/internal/auth/jwt"
	"postbox/backend/internal/domain"
	"postbox/backend/internal/session"
)

// AccessChecker 判断观察者是否有权订阅他人信箱。
type AccessChecker interface {
	IsAuthorized(ctx context.Context, viewerID, ownerID string, capability access.Capability) (bool, error)
}

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			for _, origin := range allowedOrigins {
				if origin == "*" {
					return true
				}
			}

			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				// 没有 Origin 视为同源请求
				return true
			}

			for _, origin := range allowedOrigins {
				if requestOrigin == origin {
					return true
				}
			}

			return false
		},
	}
}

// MessageType 定义WebSocket消息类型
type MessageType string

const (
	MessageTypeSlotUpdate  MessageType = "slot_update"
	MessageTypeNewItem     MessageType = "new_item"
	MessageTypePing        MessageType = "ping"
	MessageTypePong        MessageType = "pong"
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
	MessageTypeSubscribed  MessageType = "subscribed"
	MessageTypeError       MessageType = "error"
)

// Message 定义WebSocket消息结构
type Message struct {
	Type      MessageType     `json:"type"`
	OwnerID   string          `json:"ownerId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Client 代表一个WebSocket客户端连接
type Client struct {
	ID       string
	UserID   string
	conn     *websocket.Conn
	send     chan []byte
	hub      *Hub
	ownerIDs map[string]bool // 订阅的信箱主人ID
	mu       sync.RWMutex
	log      *zap.Logger
}

// Hub 管理所有WebSocket连接
type Hub struct {
	clients        map[string]*Client            // clientID -> Client
	postboxes      map[string]map[string]*Client // ownerID -> clientID -> Client
	register       chan *Client
	unregister     chan *Client
	broadcast      chan *BroadcastMessage
	mu             sync.RWMutex
	log            *zap.Logger
	allowedOrigins []string

	verifier *jwt.Manager
	checker  AccessChecker
}

// BroadcastMessage 广播消息
type BroadcastMessage struct {
	OwnerID string
	Message *Message
}

// NewHub 创建WebSocket Hub
//
// 参数:
//   - allowedOrigins: 允许的 Origin 列表，用于 WebSocket 连接验证
//   - verifier: JWT 管理器，用于验证用户token
//   - checker: 访问授权服务，用于验证订阅他人信箱的权限
func NewHub(allowedOrigins []string, verifier *jwt.Manager, checker AccessChecker, log *zap.Logger) *Hub {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Hub{
		clients:        make(map[string]*Client),
		postboxes:      make(map[string]map[string]*Client),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan *BroadcastMessage, 256),
		log:            log,
		allowedOrigins: allowedOrigins,
		verifier:       verifier,
		checker:        checker,
	}
}

// Run 启动Hub
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Info("websocket hub stopped")
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			h.log.Info("client registered", zap.String("id", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				for ownerID := range client.ownerIDs {
					if clients, exists := h.postboxes[ownerID]; exists {
						delete(clients, client.ID)
						if len(clients) == 0 {
							delete(h.postboxes, ownerID)
						}
					}
				}
				delete(h.clients, client.ID)
				close(client.send)
				h.log.Info("client unregistered", zap.String("id", client.ID))
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.broadcastToPostbox(msg.OwnerID, msg.Message)

		case <-ticker.C:
			h.pingAllClients()
		}
	}
}

// SlotUpdateData 格子变更通知数据
type SlotUpdateData struct {
	OwnerID string            `json:"ownerId"`
	Handle  string            `json:"handle"`
	Slot    int               `json:"slot"`
	Stack   *domain.ItemStack `json:"stack"`
}

// NotifySlot 广播格子变更（session.Notifier 实现）。
func (h *Hub) NotifySlot(ownerID string, handle session.Handle, slot int, stack *domain.ItemStack) {
	data, err := json.Marshal(SlotUpdateData{
		OwnerID: ownerID,
		Handle:  string(handle),
		Slot:    slot,
		Stack:   stack,
	})
	if err != nil {
		h.log.Error("failed to marshal slot update", zap.Error(err))
		return
	}

	h.broadcast <- &BroadcastMessage{
		OwnerID: ownerID,
		Message: &Message{
			Type:      MessageTypeSlotUpdate,
			OwnerID:   ownerID,
			Data:      data,
			Timestamp: time.Now(),
		},
	}
}

// NewItemData 新物品到达通知数据
type NewItemData struct {
	OwnerID    string            `json:"ownerId"`
	SenderName string            `json:"senderName"`
	Slot       int               `json:"slot"`
	Stack      *domain.ItemStack `json:"stack"`
}

// NotifyNewItem 通知信箱主人有新物品送达
func (h *Hub) NotifyNewItem(ownerID, senderName string, slot int, stack *domain.ItemStack) {
	data, err := json.Marshal(NewItemData{
		OwnerID:    ownerID,
		SenderName: senderName,
		Slot:       slot,
		Stack:      stack,
	})
	if err != nil {
		h.log.Error("failed to marshal new item data", zap.Error(err))
		return
	}

	h.log.Info("broadcasting new item notification",
		zap.String("ownerID", ownerID),
		zap.String("sender", senderName),
		zap.Int("slot", slot))

	h.broadcast <- &BroadcastMessage{
		OwnerID: ownerID,
		Message: &Message{
			Type:      MessageTypeNewItem,
			OwnerID:   ownerID,
			Data:      data,
			Timestamp: time.Now(),
		},
	}
}

// broadcastToPostbox 向订阅特定信箱的客户端广播消息
func (h *Hub) broadcastToPostbox(ownerID string, msg *Message) {
	// readPump 协程会并发修改订阅表，遍历前先在锁内取快照。
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.postboxes[ownerID]))
	for _, client := range h.postboxes[ownerID] {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	if len(clients) == 0 {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("failed to marshal message", zap.Error(err))
		return
	}

	for _, client := range clients {
		select {
		case client.send <- data:
		default:
			// 客户端阻塞，跳过
			h.log.Warn("client channel blocked, skipping", zap.String("clientID", client.ID))
		}
	}
}

// pingAllClients 向所有客户端发送ping
func (h *Hub) pingAllClients() {
	msg := &Message{
		Type:      MessageTypePing,
		Timestamp: time.Now(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		select {
		case client.send <- data:
		default:
		}
	}
}

// closeAllClients 关闭所有客户端连接
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[string]*Client)
	h.postboxes = make(map[string]map[string]*Client)
}

// authenticateClient 认证客户端
func (h *Hub) authenticateClient(c *gin.Context) (*Client, error) {
	token := c.Query("token")
	if token == "" {
		authHeader := c.GetHeader("Authorization")
		if authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) == 2 && parts[0] == "Bearer" {
				token = parts[1]
			}
		}
	}

	if token == "" {
		return nil, errors.New("missing authentication token")
	}

	claims, err := h.verifier.Verify(token)
	if err != nil {
		return nil, fmt.Errorf("invalid authentication token: %w", err)
	}

	return &Client{
		ID:       uuid.NewString(),
		UserID:   claims.UserID,
		ownerIDs: make(map[string]bool),
		log:      h.log,
	}, nil
}

// HandleWebSocket 处理WebSocket连接
func HandleWebSocket(hub *Hub) gin.HandlerFunc {
	upgrader := upgraderFactory(hub.allowedOrigins)

	return func(c *gin.Context) {
		client, err := hub.authenticateClient(c)
		if err != nil {
			hub.log.Warn("websocket authentication failed",
				zap.Error(err),
				zap.String("remote_addr", c.ClientIP()))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.log.Error("failed to upgrade connection",
				zap.Error(err),
				zap.String("origin", c.Request.Header.Get("Origin")),
				zap.String("remote_addr", c.ClientIP()))
			return
		}

		client.conn = conn
		client.hub = hub
		client.send = make(chan []byte, 256)

		hub.register <- client

		go client.writePump()
		go client.readPump()
	}
}

// readPump 处理客户端消息
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		var msg Message
		err := c.conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Error("websocket error", zap.Error(err))
			}
			break
		}

		c.handleMessage(&msg)
	}
}

// writePump 发送消息给客户端
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			c.conn.WriteMessage(websocket.TextMessage, message)

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 处理接收到的消息
func (c *Client) handleMessage(msg *Message) {
	switch msg.Type {
	case MessageTypeSubscribe:
		c.subscribePostbox(msg.OwnerID)
	case MessageTypeUnsubscribe:
		c.unsubscribePostbox(msg.OwnerID)
	case MessageTypePong:
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	default:
		c.log.Warn("unknown message type", zap.String("type", string(msg.Type)))
	}
}

// subscribePostbox 订阅信箱。本人随时可订阅，他人信箱需要读权限。
func (c *Client) subscribePostbox(ownerID string) {
	if ownerID == "" {
		c.sendError("owner ID is required")
		return
	}

	if ownerID != c.UserID {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		ok, err := c.hub.checker.IsAuthorized(ctx, c.UserID, ownerID, access.CapabilityRead)
		cancel()
		if err != nil || !ok {
			c.log.Warn("subscription denied: no permission",
				zap.String("clientID", c.ID),
				zap.String("userID", c.UserID),
				zap.String("ownerID", ownerID))
			c.sendError(fmt.Sprintf("no permission to watch postbox: %s", ownerID))
			return
		}
	}

	c.mu.Lock()
	c.ownerIDs[ownerID] = true
	c.mu.Unlock()

	c.hub.mu.Lock()
	if c.hub.postboxes[ownerID] == nil {
		c.hub.postboxes[ownerID] = make(map[string]*Client)
	}
	c.hub.postboxes[ownerID][c.ID] = c
	c.hub.mu.Unlock()

	c.log.Info("subscribed to postbox",
		zap.String("clientID", c.ID),
		zap.String("ownerID", ownerID),
		zap.String("userID", c.UserID))

	c.sendMessage(&Message{
		Type:      MessageTypeSubscribed,
		OwnerID:   ownerID,
		Timestamp: time.Now(),
	})
}

// unsubscribePostbox 取消订阅信箱
func (c *Client) unsubscribePostbox(ownerID string) {
	c.mu.Lock()
	delete(c.ownerIDs, ownerID)
	c.mu.Unlock()

	c.hub.mu.Lock()
	if clients, exists := c.hub.postboxes[ownerID]; exists {
		delete(clients, c.ID)
		if len(clients) == 0 {
			delete(c.hub.postboxes, ownerID)
		}
	}
	c.hub.mu.Unlock()

	c.log.Info("unsubscribed from postbox",
		zap.String("clientID", c.ID),
		zap.String("ownerID", ownerID))
}

// sendError 发送错误消息给客户端
func (c *Client) sendError(errMsg string) {
	c.sendMessage(&Message{
		Type:      MessageTypeError,
		Error:     errMsg,
		Timestamp: time.Now(),
	})
}

// sendMessage 发送消息给客户端
func (c *Client) sendMessage(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("failed to marshal message", zap.Error(err))
		return
	}

	select {
	case c.send <- data:
	default:
		c.log.Warn("client channel blocked", zap.String("clientID", c.ID))
	}
}
