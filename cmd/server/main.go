package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/jonboulle/clockwork"
	"github.com/wfunc/token-hopper/internal/api"
	"github.com/wfunc/token-hopper/internal/config"
	"github.com/wfunc/token-hopper/internal/database"
	"github.com/wfunc/token-hopper/internal/dispenser"
	"github.com/wfunc/token-hopper/internal/errors"
	"github.com/wfunc/token-hopper/internal/hardware"
	"github.com/wfunc/token-hopper/internal/logger"
	"github.com/wfunc/token-hopper/internal/metrics"
	"github.com/wfunc/token-hopper/internal/middleware"
	"github.com/wfunc/token-hopper/internal/mqtt"
	"github.com/wfunc/token-hopper/internal/repository"
	"github.com/wfunc/token-hopper/internal/service"
	"github.com/wfunc/token-hopper/internal/storage"
	"github.com/wfunc/token-hopper/internal/utils"
	ws "github.com/wfunc/token-hopper/internal/websocket"
	"go.uber.org/zap"
)

// 版本信息
var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Server 服务器实例
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	clock  clockwork.Clock

	store     dispenser.Store
	hw        *hardware.HardwareManager
	hopper    *service.HopperService
	journal   *service.JournalService
	hub       *ws.Hub
	publisher *mqtt.Publisher
	collector *metrics.Collector
	http      *http.Server

	ctx    context.Context
	cancel context.CancelFunc
}

func main() {
	var (
		configPath  = flag.String("config", "", "配置文件路径")
		showVersion = flag.Bool("version", false, "显示版本信息")
		genKey      = flag.Bool("gen-key", false, "生成新的 API 密钥及其哈希")
	)
	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	if *genKey {
		if err := printNewKey(os.Stdout); err != nil {
			fmt.Printf("生成密钥失败: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if err := config.Init(*configPath); err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}
	cfg := config.Get()

	if err := logger.Init(&cfg.Log); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	server := NewServer(cfg)
	if err := server.Start(); err != nil {
		logger.LogError(err, "服务器启动失败")
		server.closeComponents()
		logger.Cleanup()
		os.Exit(1)
	}

	server.WaitForShutdown()

	if err := server.Shutdown(); err != nil {
		logger.Error("服务器关闭失败", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("服务器已安全关闭")
}

// NewServer 创建服务器实例
func NewServer(cfg *config.Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		logger: logger.GetLogger(),
		clock:  clockwork.NewRealClock(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start 启动服务器
func (s *Server) Start() error {
	s.logger.Info("正在启动出币控制器...",
		zap.String("version", Version),
		zap.String("config", config.ConfigFile()),
		zap.String("hardware", s.cfg.Hardware.Backend),
		zap.String("storage", s.cfg.Storage.Backend))

	if err := s.initComponents(); err != nil {
		return errors.Wrap(err, errors.ErrUnknown, "初始化组件失败")
	}

	// 掉电恢复在对外提供服务之前完成
	if err := s.hopper.Start(s.ctx); err != nil {
		return errors.Wrap(err, errors.ErrRecovery, "启动出币服务失败")
	}

	s.startHTTPServer()

	config.Watch(func(newCfg *config.Config) {
		s.logger.Info("配置已更新，正在重新加载...")
		s.reloadConfig(newCfg)
	})

	s.logger.Info("服务器启动成功",
		zap.String("http", s.http.Addr),
		zap.Bool("websocket", s.hub != nil),
		zap.Bool("mqtt", s.publisher != nil))
	return nil
}

// initComponents 按依赖顺序初始化组件
func (s *Server) initComponents() error {
	if err := s.initDatabase(); err != nil {
		return err
	}
	if err := s.initStore(); err != nil {
		return err
	}
	if err := s.initHardware(); err != nil {
		return err
	}

	s.hopper = service.NewHopperService(s.store, s.hw, s.clock, service.HopperConfig{
		PollInterval:    s.cfg.Hopper.PollInterval,
		FirmwareVersion: s.cfg.Hopper.FirmwareVersion,
		MaxTokens:       s.cfg.Hopper.MaxTokens,
	},
		dispenser.WithClearErrorOnBoot(s.cfg.Recovery.ClearErrorOnBoot),
		dispenser.WithLogger(logger.GetModuleLogger("dispenser")),
	)

	journalRepo := repository.NewDispenseLogRepository(database.GetDB())
	s.pruneJournal(journalRepo)
	s.journal = service.NewJournalService(journalRepo, s.clock)
	s.journal.LogBoot(fmt.Sprintf("version=%s hardware=%s storage=%s", Version, s.cfg.Hardware.Backend, s.cfg.Storage.Backend))
	s.hopper.AddSink(s.journal)

	if s.cfg.Monitor.Enabled {
		s.collector = metrics.NewCollector()
		s.hopper.AddSink(s.collector)
	}

	if s.cfg.WebSocket.Enabled {
		s.hub = ws.NewHub(logger.GetModuleLogger("websocket"), s.cfg.WebSocket.PingInterval)
		s.hub.SetStatusProvider(func() interface{} { return s.hopper.Status() })
		go s.hub.Run()
		s.hopper.AddSink(s.hub)
	}

	if s.cfg.MQTT.Enabled {
		s.initMQTT()
	}
	return nil
}

// initDatabase 初始化数据库，出币日志始终写入数据库
func (s *Server) initDatabase() error {
	if err := database.Init(&s.cfg.Database); err != nil {
		return errors.Wrap(err, errors.ErrDatabaseConnect, "初始化数据库连接失败")
	}
	if s.cfg.Database.AutoMigrate {
		if err := database.AutoMigrate(); err != nil {
			return errors.Wrap(err, errors.ErrDatabaseConnect, "数据库迁移失败")
		}
	}
	if !database.IsConnected() {
		return errors.New(errors.ErrDatabaseConnect, "数据库连接检查失败")
	}
	return nil
}

// initStore 选择交易记录存储后端
func (s *Server) initStore() error {
	switch s.cfg.Storage.Backend {
	case "leveldb":
		store, err := storage.OpenLevelStore(s.cfg.Storage.LevelDBPath)
		if err != nil {
			return err
		}
		s.store = store
	case "memory":
		s.logger.Warn("使用内存存储，掉电后无法恢复交易")
		s.store = dispenser.NewMemoryStore()
	default:
		s.store = repository.NewRecordStore(database.GetDB())
	}
	return nil
}

// initHardware 打开出币机硬件
func (s *Server) initHardware() error {
	hwCfg := hardware.ConfigFrom(s.cfg)
	board, err := hardware.OpenBoard(hwCfg, s.clock)
	if err != nil {
		return errors.Wrap(err, errors.ErrBoardOpen, s.cfg.Hardware.Backend)
	}
	hw, err := hardware.NewHardwareManager(board, s.clock, hwCfg.JamTimeout)
	if err != nil {
		board.Close()
		return errors.Wrap(err, errors.ErrBoardOpen, "初始化硬件管理器失败")
	}
	s.hw = hw
	return nil
}

// initMQTT 连接失败不影响出币，由 paho 自动重连
func (s *Server) initMQTT() {
	client := paho.NewClient(mqtt.NewClientOptions(s.cfg.MQTT))
	s.publisher = mqtt.NewPublisher(client, s.cfg.MQTT, s.clock)
	if err := s.publisher.Connect(); err != nil {
		s.logger.Warn("MQTT连接失败", zap.String("publisher", s.publisher.String()), zap.Error(err))
	}
	s.hopper.AddSink(s.publisher)
	s.publisher.StartStatusLoop(func() interface{} { return s.hopper.Status() })
}

// startHTTPServer 启动HTTP服务
func (s *Server) startHTTPServer() {
	router := api.NewRouter(api.RouterConfig{
		Mode:            s.cfg.Server.Mode,
		WebSocketPath:   s.cfg.WebSocket.Path,
		ReadBufferSize:  s.cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: s.cfg.WebSocket.WriteBufferSize,
		MetricsPath:     s.cfg.Monitor.Path,
	}, api.Deps{
		Hopper: s.hopper,
		// 每次请求读取最新配置，密钥轮换无需重启
		Auth:    middleware.NewAPIKeyAuth(func() config.SecurityConfig { return config.Get().Security }),
		Journal: repository.NewDispenseLogRepository(database.GetDB()),
		Hub:     s.hub,
		Metrics: s.collector,
	}, logger.GetModuleLogger("api"))

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:      router.GetEngine(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP服务异常退出", zap.Error(err))
			s.cancel()
		}
	}()
}

// WaitForShutdown 等待关闭信号
func (s *Server) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	select {
	case sig := <-sigCh:
		s.logger.Info("收到退出信号", zap.String("signal", sig.String()))
	case <-s.ctx.Done():
		s.logger.Warn("服务异常，准备退出")
	}
}

// Shutdown 优雅关闭服务器
func (s *Server) Shutdown() error {
	s.logger.Info("正在优雅关闭服务器...")

	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var shutdownErr error
	if s.http != nil {
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Wrap(err, errors.ErrTimeout, "HTTP服务关闭超时")
		}
	}

	s.cancel()
	s.closeComponents()

	logger.Cleanup()
	return shutdownErr
}

// pruneJournal 删除超过保留期的出币流水
func (s *Server) pruneJournal(repo *repository.DispenseLogRepository) {
	keep := s.cfg.Database.JournalRetention
	if keep <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()

	n, err := repo.DeleteBefore(ctx, s.clock.Now().Add(-keep))
	if err != nil {
		s.logger.Warn("清理出币流水失败", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("已清理过期出币流水", zap.Int64("count", n), zap.Duration("retention", keep))
	}
}

// closeComponents 按启动的逆序关闭组件，出币中的交易保持已落盘状态，下次启动时恢复
func (s *Server) closeComponents() {
	if s.hopper != nil {
		s.hopper.Stop()
	}
	if s.publisher != nil {
		s.publisher.Close()
	}
	if s.hub != nil {
		s.hub.Stop()
	}
	if s.journal != nil {
		s.journal.Close()
	}
	if s.hw != nil {
		if err := s.hw.Close(); err != nil {
			s.logger.Error("关闭硬件失败", zap.Error(err))
		}
	}
	if closer, ok := s.store.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			s.logger.Error("关闭存储失败", zap.Error(err))
		}
	}
	if err := database.Close(); err != nil {
		s.logger.Error("关闭数据库失败", zap.Error(err))
	}
}

// reloadConfig 应用可热更新的配置项，其余项重启后生效
func (s *Server) reloadConfig(newCfg *config.Config) {
	if newCfg.Log.Level != s.cfg.Log.Level {
		logger.SetLevel(newCfg.Log.Level)
		s.logger.Info("日志级别已更新", zap.String("level", newCfg.Log.Level))
	}
	s.cfg = newCfg
}

// printNewKey 输出随机密钥及对应的 api_key_hash
func printNewKey(w io.Writer) error {
	key, err := utils.GenerateKey(24)
	if err != nil {
		return err
	}
	hash, err := utils.HashKey(key)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "api_key:      %s\n", key)
	fmt.Fprintf(w, "api_key_hash: %s\n", hash)
	return nil
}

// printVersion 打印版本信息
func printVersion() {
	fmt.Printf("出币控制器\n")
	fmt.Printf("版本: %s\n", Version)
	fmt.Printf("构建时间: %s\n", BuildTime)
	fmt.Printf("Git提交: %s\n", GitCommit)
	fmt.Printf("Go版本: %s\n", runtime.Version())
	fmt.Printf("操作系统: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}
