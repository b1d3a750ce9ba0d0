package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wfunc/token-hopper/internal/dispenser"
	"github.com/wfunc/token-hopper/internal/hardware"
	"go.uber.org/zap"
)

// Hub WebSocket连接管理中心，向所有客户端推送出币事件
type Hub struct {
	// 客户端连接池
	clients   map[string]*Client
	clientsMu sync.RWMutex

	// 消息广播通道
	broadcast chan *Message

	// 注册/注销通道
	register   chan *Client
	unregister chan *Client

	stopCh   chan struct{}
	stopOnce sync.Once

	pingInterval time.Duration
	status       func() interface{}

	logger *zap.Logger
}

// Client WebSocket客户端
type Client struct {
	ID   string          // 客户端ID
	Hub  *Hub            // Hub引用
	Conn *websocket.Conn // WebSocket连接
	Send chan []byte     // 发送通道
}

// Message WebSocket消息
type Message struct {
	Type      string          `json:"type"`           // 消息类型
	Data      json.RawMessage `json:"data,omitempty"` // 消息数据
	Timestamp int64           `json:"timestamp"`      // 时间戳
}

// MessageType 消息类型
const (
	// 系统消息
	MessageTypeConnected = "connected"
	MessageTypePing      = "ping"
	MessageTypePong      = "pong"
	MessageTypeError     = "error"
	MessageTypeStatus    = "status"

	// 出币消息
	MessageTypeDispense      = "dispense"
	MessageTypeHardwareError = "hardware_error"
)

// DispenseData 出币事件推送内容
type DispenseData struct {
	Event     string `json:"event"`
	TxID      string `json:"tx_id"`
	State     string `json:"state"`
	Previous  string `json:"previous"`
	Quantity  int    `json:"quantity"`
	Dispensed int    `json:"dispensed"`
}

// HardwareErrorData 硬件故障推送内容
type HardwareErrorData struct {
	Code        uint8  `json:"code"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Timestamp   int64  `json:"timestamp"`
}

// NewHub 创建Hub
func NewHub(logger *zap.Logger, pingInterval time.Duration) *Hub {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &Hub{
		clients:      make(map[string]*Client),
		broadcast:    make(chan *Message, 256),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		stopCh:       make(chan struct{}),
		pingInterval: pingInterval,
		logger:       logger,
	}
}

// SetStatusProvider 设置 status 请求的数据来源
func (h *Hub) SetStatusProvider(fn func() interface{}) {
	h.status = fn
}

// Run 运行Hub，Stop 后返回
func (h *Hub) Run() {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case message := <-h.broadcast:
			h.broadcastMessage(message)

		case <-ticker.C:
			h.broadcastMessage(newMessage(MessageTypePing, nil))

		case <-h.stopCh:
			h.closeAll()
			return
		}
	}
}

// Stop 停止Hub并断开所有客户端
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

func newMessage(msgType string, data interface{}) *Message {
	msg := &Message{Type: msgType, Timestamp: time.Now().Unix()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err == nil {
			msg.Data = raw
		}
	}
	return msg
}

// registerClient 注册客户端
func (h *Hub) registerClient(client *Client) {
	h.clientsMu.Lock()
	h.clients[client.ID] = client
	h.clientsMu.Unlock()

	h.logger.Info("WebSocket客户端连接", zap.String("client_id", client.ID))

	h.SendToClient(client.ID, newMessage(MessageTypeConnected, map[string]string{"client_id": client.ID}))
}

// unregisterClient 注销客户端
func (h *Hub) unregisterClient(client *Client) {
	h.clientsMu.Lock()
	if _, ok := h.clients[client.ID]; ok {
		delete(h.clients, client.ID)
		close(client.Send)
	}
	h.clientsMu.Unlock()

	h.logger.Info("WebSocket客户端断开", zap.String("client_id", client.ID))
}

func (h *Hub) closeAll() {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	for id, client := range h.clients {
		delete(h.clients, id)
		close(client.Send)
	}
}

// broadcastMessage 广播消息
func (h *Hub) broadcastMessage(message *Message) {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("序列化消息失败", zap.Error(err))
		return
	}

	h.clientsMu.RLock()
	for _, client := range h.clients {
		select {
		case client.Send <- data:
		default:
			h.logger.Warn("客户端发送缓冲区满", zap.String("client_id", client.ID))
		}
	}
	h.clientsMu.RUnlock()
}

// SendToClient 发送消息给指定客户端
func (h *Hub) SendToClient(clientID string, message *Message) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	client, ok := h.clients[clientID]
	if !ok {
		return ErrClientNotFound
	}

	select {
	case client.Send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// GetOnlineCount 获取在线连接数
func (h *Hub) GetOnlineCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Broadcast 广播消息，Hub 停止或通道满时丢弃
func (h *Hub) Broadcast(message *Message) {
	select {
	case h.broadcast <- message:
	case <-h.stopCh:
	default:
		h.logger.Warn("广播通道已满，丢弃消息", zap.String("type", message.Type))
	}
}

// Register 注册客户端
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.stopCh:
		client.Conn.Close()
	}
}

// Unregister 注销客户端
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.stopCh:
	}
}

// OnDispenseEvent 推送出币事件
func (h *Hub) OnDispenseEvent(ev dispenser.Event) {
	tx := ev.Transaction
	h.Broadcast(newMessage(MessageTypeDispense, DispenseData{
		Event:     string(ev.Kind),
		TxID:      tx.TxID,
		State:     tx.State.String(),
		Previous:  ev.Previous.String(),
		Quantity:  tx.Quantity,
		Dispensed: tx.Dispensed,
	}))
}

// OnHardwareError 推送硬件故障
func (h *Hub) OnHardwareError(rec hardware.ErrorRecord) {
	h.Broadcast(newMessage(MessageTypeHardwareError, HardwareErrorData{
		Code:        uint8(rec.Code),
		Name:        rec.Code.Name(),
		Description: rec.Code.Description(),
		Timestamp:   rec.Timestamp.UnixMilli(),
	}))
}
