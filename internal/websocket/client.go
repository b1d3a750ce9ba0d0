package websocket

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	ErrClientNotFound = errors.New("客户端未找到")
	ErrSendBufferFull = errors.New("发送缓冲区已满")
)

const (
	writeTimeout = 10 * time.Second
	readTimeout  = 60 * time.Second
	// keepalive 需小于 readTimeout，对端才能在超时前收到 ping
	keepalive = readTimeout * 9 / 10

	// 客户端只发 ping/status 这类短消息
	maxInbound = 4 * 1024
	sendQueue  = 256
)

// NewUpgrader 创建连接升级器
func NewUpgrader(readBufferSize, writeBufferSize int) *websocket.Upgrader {
	if readBufferSize <= 0 {
		readBufferSize = 1024
	}
	if writeBufferSize <= 0 {
		writeBufferSize = 1024
	}
	return &websocket.Upgrader{
		ReadBufferSize:  readBufferSize,
		WriteBufferSize: writeBufferSize,
		// 升级前已经过 API Key 校验
		CheckOrigin: func(*http.Request) bool { return true },
	}
}

// Serve 升级连接，注册到 Hub 后启动收发协程
func (h *Hub) Serve(upgrader *websocket.Upgrader, w http.ResponseWriter, r *http.Request) (*Client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket升级失败", zap.Error(err))
		return nil, err
	}

	c := &Client{
		ID:   uuid.NewString(),
		Hub:  h,
		Conn: conn,
		Send: make(chan []byte, sendQueue),
	}
	h.Register(c)

	go c.writeLoop()
	go c.readLoop()
	return c, nil
}

func (c *Client) extendRead() error {
	return c.Conn.SetReadDeadline(time.Now().Add(readTimeout))
}

// readLoop 读到错误即注销，Hub 随后关闭 Send 结束 writeLoop
func (c *Client) readLoop() {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxInbound)
	c.extendRead()
	c.Conn.SetPongHandler(func(string) error { return c.extendRead() })

	for {
		_, data, err := c.Conn.ReadMessage()
		if err == nil {
			c.dispatch(data)
			continue
		}
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
			c.Hub.logger.Warn("WebSocket连接异常断开", zap.String("client_id", c.ID), zap.Error(err))
		}
		return
	}
}

func (c *Client) write(messageType int, data []byte) error {
	c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.Conn.WriteMessage(messageType, data)
}

// writeLoop 独占写连接，每条消息单独一帧
func (c *Client) writeLoop() {
	ping := time.NewTicker(keepalive)
	defer func() {
		ping.Stop()
		c.Conn.Close()
	}()

	for {
		var err error
		select {
		case data, ok := <-c.Send:
			if !ok {
				c.write(websocket.CloseMessage, nil)
				return
			}
			err = c.write(websocket.TextMessage, data)
		case <-ping.C:
			err = c.write(websocket.PingMessage, nil)
		}
		if err != nil {
			return
		}
	}
}

// dispatch 处理客户端请求，只支持 ping 和 status
func (c *Client) dispatch(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
		c.reply(MessageTypeError, map[string]string{"error": "invalid message"})
		return
	}

	switch msg.Type {
	case MessageTypePing:
		c.reply(MessageTypePong, nil)
	case MessageTypePong:
	case MessageTypeStatus:
		if c.Hub.status == nil {
			c.reply(MessageTypeError, map[string]string{"error": "status unavailable"})
			return
		}
		c.reply(MessageTypeStatus, c.Hub.status())
	default:
		c.Hub.logger.Debug("忽略未知消息", zap.String("client_id", c.ID), zap.String("type", msg.Type))
		c.reply(MessageTypeError, map[string]string{"error": "unsupported message type: " + msg.Type})
	}
}

func (c *Client) reply(msgType string, data interface{}) {
	if err := c.Hub.SendToClient(c.ID, newMessage(msgType, data)); err != nil {
		c.Hub.logger.Debug("回复客户端失败", zap.String("client_id", c.ID), zap.Error(err))
	}
}
