package logger

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/wfunc/token-hopper/internal/config"
	"github.com/wfunc/token-hopper/internal/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	logger *zap.Logger
	level  = zap.NewAtomicLevel()
	once   sync.Once
	mu     sync.RWMutex

	// 模块日志器
	moduleLoggers map[string]*zap.Logger
)

// Init 初始化日志系统，只生效一次
func Init(cfg *config.LogConfig) error {
	var err error
	once.Do(func() {
		err = build(cfg)
	})
	return err
}

func build(cfg *config.LogConfig) error {
	level.SetLevel(parseLevel(cfg.Level))
	encoder := newEncoder(cfg.Format)

	var sinks []zapcore.WriteSyncer
	var cores []zapcore.Core

	switch cfg.Output {
	case "file", "both":
		if err := os.MkdirAll(cfg.File.Path, 0755); err != nil {
			return fmt.Errorf("创建日志目录失败: %w", err)
		}
		sinks = append(sinks, rotating(cfg.File, cfg.File.Filename))
		// error.log 单独保留，现场排查卡币时只看这一份
		cores = append(cores, zapcore.NewCore(encoder, rotating(cfg.File, "error.log"), zapcore.ErrorLevel))
	}
	if cfg.Output != "file" {
		sinks = append(sinks, zapcore.AddSync(os.Stdout))
	}

	for _, sink := range sinks {
		cores = append(cores, zapcore.NewCore(encoder, sink, level))
	}
	root := zap.New(zapcore.NewTee(cores...),
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)

	// 模块可单独设置级别，如 hardware: debug
	modules := make(map[string]*zap.Logger, len(cfg.Modules))
	for name, lvl := range cfg.Modules {
		core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(sinks...), parseLevel(lvl))
		modules[name] = zap.New(core, zap.AddCaller()).Named(name)
	}

	mu.Lock()
	logger = root
	moduleLoggers = modules
	mu.Unlock()
	return nil
}

func newEncoder(format string) zapcore.Encoder {
	ec := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if format == "json" {
		return zapcore.NewJSONEncoder(ec)
	}
	ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return zapcore.NewConsoleEncoder(ec)
}

// rotating 按大小轮转的日志文件
func rotating(f config.LogFileConfig, name string) zapcore.WriteSyncer {
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   filepath.Join(f.Path, name),
		MaxSize:    f.MaxSize,
		MaxAge:     f.MaxAge,
		MaxBackups: f.MaxBackups,
		Compress:   f.Compress,
	})
}

// parseLevel 解析日志级别
func parseLevel(levelStr string) zapcore.Level {
	switch levelStr {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// GetLogger 获取日志器
func GetLogger() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if logger == nil {
		// 未初始化时使用默认配置
		defaultLogger, _ := zap.NewProduction()
		return defaultLogger
	}
	return logger
}

// GetModuleLogger 获取模块日志器，未配置模块级别时返回带名字的全局日志器
func GetModuleLogger(module string) *zap.Logger {
	mu.RLock()
	moduleLogger, ok := moduleLoggers[module]
	mu.RUnlock()

	if ok {
		return moduleLogger
	}
	return GetLogger().Named(module)
}

// Sync 同步日志缓冲区
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	if logger != nil {
		return logger.Sync()
	}
	return nil
}

// SetLevel 动态设置日志级别（配置热加载时调用）
func SetLevel(levelStr string) {
	level.SetLevel(parseLevel(levelStr))
}

// Debug 输出调试日志
func Debug(msg string, fields ...zap.Field) {
	GetLogger().Debug(msg, fields...)
}

// Info 输出信息日志
func Info(msg string, fields ...zap.Field) {
	GetLogger().Info(msg, fields...)
}

// Warn 输出警告日志
func Warn(msg string, fields ...zap.Field) {
	GetLogger().Warn(msg, fields...)
}

// Error 输出错误日志
func Error(msg string, fields ...zap.Field) {
	GetLogger().Error(msg, fields...)
}

// LogRequest 记录请求日志
func LogRequest(method, path string, statusCode int, latency time.Duration, clientIP, requestID string) {
	GetModuleLogger("http").Info("request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", statusCode),
		zap.Duration("latency", latency),
		zap.String("client_ip", clientIP),
		zap.String("request_id", requestID),
	)
}

// LogError 记录错误日志，AppError 附带错误码和调用栈
func LogError(err error, msg string, fields ...zap.Field) {
	fields = append(fields, zap.Error(err))
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		fields = append(fields,
			zap.Int("code", int(appErr.Code)),
			zap.Bool("critical", errors.IsCritical(appErr)),
			zap.String("stack", appErr.GetStack()))
	}
	GetLogger().Error(msg, fields...)
}

// LogDispenseEvent 记录出币交易事件
func LogDispenseEvent(event, txID, state string, quantity, dispensed int) {
	GetModuleLogger("dispenser").Info("dispense_event",
		zap.String("event", event),
		zap.String("tx_id", txID),
		zap.String("state", state),
		zap.Int("quantity", quantity),
		zap.Int("dispensed", dispensed),
	)
}

// LogHardwareEvent 记录硬件故障信号
func LogHardwareEvent(code uint8, name, description string) {
	GetModuleLogger("hardware").Warn("hardware_error",
		zap.Uint8("code", code),
		zap.String("name", name),
		zap.String("description", description),
	)
}

// LogMQTTMessage 记录MQTT消息
func LogMQTTMessage(topic string, action string, payload interface{}) {
	GetModuleLogger("mqtt").Debug("mqtt_message",
		zap.String("topic", topic),
		zap.String("action", action), // "publish" or "receive"
		zap.Any("payload", payload),
	)
}

// LogDatabaseOperation 记录数据库操作
func LogDatabaseOperation(operation string, table string, duration time.Duration, err error) {
	log := GetModuleLogger("database")
	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("table", table),
		zap.Duration("duration", duration),
	}

	if err != nil {
		fields = append(fields, zap.Error(err))
		log.Error("database_operation_failed", fields...)
		return
	}
	log.Debug("database_operation", fields...)
}

// Cleanup 退出前刷新日志缓冲区
func Cleanup() {
	if err := Sync(); err != nil {
		fmt.Fprintf(os.Stderr, "同步日志失败: %v\n", err)
	}
}
