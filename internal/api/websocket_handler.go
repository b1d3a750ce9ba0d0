package api

import (
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/wfunc/token-hopper/internal/middleware"
	ws "github.com/wfunc/token-hopper/internal/websocket"
	"go.uber.org/zap"
)

// WebSocketHandler WebSocket处理器
type WebSocketHandler struct {
	hub      *ws.Hub
	upgrader *websocket.Upgrader
	logger   *zap.Logger
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(hub *ws.Hub, readBufferSize, writeBufferSize int, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		hub:      hub,
		upgrader: ws.NewUpgrader(readBufferSize, writeBufferSize),
		logger:   logger,
	}
}

// Events 出币事件流
func (h *WebSocketHandler) Events(c *gin.Context) {
	client, err := h.hub.Serve(h.upgrader, c.Writer, c.Request)
	if err != nil {
		return
	}

	h.logger.Info("WebSocket连接建立",
		zap.String("client_id", client.ID),
		zap.String("ip", c.ClientIP()),
		zap.String("request_id", middleware.GetRequestID(c)))
}
