package api

import (
	"github.com/gin-gonic/gin"
	"github.com/wfunc/token-hopper/internal/errors"
	"github.com/wfunc/token-hopper/internal/metrics"
	"github.com/wfunc/token-hopper/internal/middleware"
	"github.com/wfunc/token-hopper/internal/repository"
	"github.com/wfunc/token-hopper/internal/service"
	ws "github.com/wfunc/token-hopper/internal/websocket"
	"go.uber.org/zap"
)

// RouterConfig 路由参数
type RouterConfig struct {
	Mode            string
	WebSocketPath   string
	ReadBufferSize  int
	WriteBufferSize int
	MetricsPath     string
}

// Deps 路由依赖，Journal/Hub/Metrics 为 nil 时不注册对应路由
type Deps struct {
	Hopper  *service.HopperService
	Auth    *middleware.APIKeyAuth
	Journal *repository.DispenseLogRepository
	Hub     *ws.Hub
	Metrics *metrics.Collector
}

// Router API路由器
type Router struct {
	engine *gin.Engine
	cfg    RouterConfig
	deps   Deps
	log    *zap.Logger

	dispense *DispenseHandler
	device   *DeviceHandler
	socket   *WebSocketHandler
}

// NewRouter 创建路由器
func NewRouter(cfg RouterConfig, deps Deps, log *zap.Logger) *Router {
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}
	if cfg.WebSocketPath == "" {
		cfg.WebSocketPath = "/ws/events"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}

	engine := gin.New()

	// 全局中间件
	engine.Use(gin.Recovery())
	engine.Use(middleware.RequestID())
	engine.Use(middleware.Logger())
	if deps.Metrics != nil {
		engine.Use(deps.Metrics.GinMiddleware())
	}

	r := &Router{
		engine:   engine,
		cfg:      cfg,
		deps:     deps,
		log:      log,
		dispense: NewDispenseHandler(deps.Hopper, log),
		device:   NewDeviceHandler(deps.Hopper, deps.Journal, log),
	}
	if deps.Hub != nil {
		r.socket = NewWebSocketHandler(deps.Hub, cfg.ReadBufferSize, cfg.WriteBufferSize, log)
	}

	r.setupRoutes()
	return r
}

// setupRoutes 设置路由
func (r *Router) setupRoutes() {
	// 健康检查（无需认证）
	r.engine.GET("/health", r.device.Health)

	if r.deps.Metrics != nil {
		r.engine.GET(r.cfg.MetricsPath, gin.WrapH(r.deps.Metrics.Handler()))
	}

	authed := r.engine.Group("")
	authed.Use(r.deps.Auth.RequireKey())
	{
		authed.POST("/dispense", r.dispense.Dispense)
		authed.GET("/dispense/:tx_id", r.dispense.GetTransaction)
		authed.POST("/reset", r.dispense.Reset)

		authed.GET("/errors", r.device.Errors)
		authed.POST("/errors/clear", r.device.ClearErrors)

		if r.deps.Journal != nil {
			authed.GET("/journal", r.device.Journal)
		}
	}

	if r.socket != nil {
		r.engine.GET(r.cfg.WebSocketPath, r.deps.Auth.RequireKeyOrQuery(), r.socket.Events)
	}

	// 404处理
	r.engine.NoRoute(func(c *gin.Context) {
		middleware.RespondError(c, errors.New(errors.ErrNotFound, "not found"), nil)
	})
}

// GetEngine 获取Gin引擎
func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}
