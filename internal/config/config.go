package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"github.com/wfunc/token-hopper/internal/errors"
)

// Config 全局配置结构体
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Hopper    HopperConfig    `mapstructure:"hopper"`
	Hardware  HardwareConfig  `mapstructure:"hardware"`
	Recovery  RecoveryConfig  `mapstructure:"recovery"`
	Security  SecurityConfig  `mapstructure:"security"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Log       LogConfig       `mapstructure:"log"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver           string        `mapstructure:"driver"`
	DSN              string        `mapstructure:"dsn"`
	MaxIdleConns     int           `mapstructure:"max_idle_conns"`
	MaxOpenConns     int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime  time.Duration `mapstructure:"conn_max_lifetime"`
	LogLevel         string        `mapstructure:"log_level"`
	AutoMigrate      bool          `mapstructure:"auto_migrate"`
	JournalRetention time.Duration `mapstructure:"journal_retention"` // 出币流水保留时长，0 不清理
}

// StorageConfig 交易记录持久化配置
type StorageConfig struct {
	Backend     string `mapstructure:"backend"` // database / leveldb / memory
	LevelDBPath string `mapstructure:"leveldb_path"`
}

// HopperConfig 出币机参数
type HopperConfig struct {
	MaxTokens       int           `mapstructure:"max_tokens"`
	JamTimeout      time.Duration `mapstructure:"jam_timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	FirmwareVersion string        `mapstructure:"firmware_version"`
}

// HardwareConfig 硬件接口配置
type HardwareConfig struct {
	Backend string       `mapstructure:"backend"` // sim / gpio / serial
	Pins    PinsConfig   `mapstructure:"pins"`
	Serial  SerialConfig `mapstructure:"serial"`
	Sim     SimConfig    `mapstructure:"sim"`
}

// PinsConfig GPIO引脚名（periph.io 名称，如 GPIO17）
type PinsConfig struct {
	Motor       string `mapstructure:"motor"`
	CoinPulse   string `mapstructure:"coin_pulse"`
	ErrorSignal string `mapstructure:"error_signal"`
	HopperLow   string `mapstructure:"hopper_low"`
}

// SerialConfig IO协处理器串口配置
type SerialConfig struct {
	Port              string        `mapstructure:"port"`
	DevicePattern     string        `mapstructure:"device_pattern"`
	BaudRate          int           `mapstructure:"baud_rate"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	AckTimeout        time.Duration `mapstructure:"ack_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// SimConfig 模拟出币机配置
type SimConfig struct {
	PulseInterval time.Duration `mapstructure:"pulse_interval"`
	JamAfter      int           `mapstructure:"jam_after"` // 0 表示不模拟卡币
	HopperLow     bool          `mapstructure:"hopper_low"`
}

// RecoveryConfig 掉电恢复策略
type RecoveryConfig struct {
	ClearErrorOnBoot bool `mapstructure:"clear_error_on_boot"`
}

// SecurityConfig 安全配置
type SecurityConfig struct {
	APIKey     string `mapstructure:"api_key"`
	APIKeyHash string `mapstructure:"api_key_hash"` // bcrypt
}

// WebSocketConfig WebSocket配置
type WebSocketConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Path            string        `mapstructure:"path"`
	ReadBufferSize  int           `mapstructure:"read_buffer_size"`
	WriteBufferSize int           `mapstructure:"write_buffer_size"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	Broker               string        `mapstructure:"broker"`
	ClientID             string        `mapstructure:"client_id"`
	Username             string        `mapstructure:"username"`
	Password             string        `mapstructure:"password"`
	QoS                  byte          `mapstructure:"qos"`
	Retained             bool          `mapstructure:"retained"`
	CleanSession         bool          `mapstructure:"clean_session"`
	AutoReconnect        bool          `mapstructure:"auto_reconnect"`
	MaxReconnectInterval time.Duration `mapstructure:"max_reconnect_interval"`
	KeepAlive            time.Duration `mapstructure:"keep_alive"`
	PingTimeout          time.Duration `mapstructure:"ping_timeout"`
	StatusInterval       time.Duration `mapstructure:"status_interval"`
	Topics               MQTTTopics    `mapstructure:"topics"`
}

// MQTTTopics MQTT主题配置
type MQTTTopics struct {
	Status string `mapstructure:"status"`
	Event  string `mapstructure:"event"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level   string            `mapstructure:"level"`
	Format  string            `mapstructure:"format"`
	Output  string            `mapstructure:"output"`
	File    LogFileConfig     `mapstructure:"file"`
	Modules map[string]string `mapstructure:"modules"`
}

// LogFileConfig 日志文件配置
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// MonitorConfig 监控配置
type MonitorConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// 轮询间隔上限：故障信号 200ms 静默判定需要的分辨率
const maxPollInterval = 20 * time.Millisecond

var (
	cfg  *Config
	once sync.Once
	mu   sync.RWMutex
	v    *viper.Viper
)

// Init 初始化配置
func Init(configPath string) error {
	var err error
	once.Do(func() {
		v = newViper(configPath)

		var loaded *Config
		if loaded, err = decode(v); err != nil {
			return
		}

		mu.Lock()
		cfg = loaded
		mu.Unlock()
	})

	return err
}

// Load 读取并校验一份独立的配置（不影响全局实例）
func Load(configPath string) (*Config, error) {
	return decode(newViper(configPath))
}

// newViper 创建viper实例并设置默认值
func newViper(configPath string) *viper.Viper {
	nv := viper.New()

	if configPath != "" {
		nv.SetConfigFile(configPath)
	} else {
		nv.SetConfigName("config")
		nv.SetConfigType("yaml")
		nv.AddConfigPath("./config")
		nv.AddConfigPath(".")
	}

	// 环境变量前缀 HOPPER_，如 HOPPER_SECURITY_API_KEY
	nv.SetEnvPrefix("HOPPER")
	nv.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	nv.AutomaticEnv()

	setDefaults(nv)
	return nv
}

// decode 读取配置文件并解析到结构体
func decode(nv *viper.Viper) (*Config, error) {
	if err := nv.ReadInConfig(); err != nil {
		// 配置文件不存在时使用默认配置
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, errors.ErrConfigLoad, "读取配置文件失败")
		}
	}

	loaded := &Config{}
	if err := nv.Unmarshal(loaded); err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigParse, "解析配置失败")
	}
	replaceMQTTTopics(loaded)

	if err := loaded.Validate(); err != nil {
		return nil, err
	}
	return loaded, nil
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/token-hopper.db")
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.journal_retention", "720h")

	v.SetDefault("storage.backend", "database")
	v.SetDefault("storage.leveldb_path", "./data/record.ldb")

	v.SetDefault("hopper.max_tokens", 20)
	v.SetDefault("hopper.jam_timeout", "5s")
	v.SetDefault("hopper.poll_interval", "5ms")
	v.SetDefault("hopper.firmware_version", "1.0.0")

	v.SetDefault("hardware.backend", "sim")
	v.SetDefault("hardware.pins.motor", "GPIO14")
	v.SetDefault("hardware.pins.coin_pulse", "GPIO12")
	v.SetDefault("hardware.pins.error_signal", "GPIO13")
	v.SetDefault("hardware.pins.hopper_low", "GPIO15")
	v.SetDefault("hardware.serial.port", "/dev/ttyUSB0")
	v.SetDefault("hardware.serial.device_pattern", "ttyUSB")
	v.SetDefault("hardware.serial.baud_rate", 115200)
	v.SetDefault("hardware.serial.read_timeout", "100ms")
	v.SetDefault("hardware.serial.ack_timeout", "500ms")
	v.SetDefault("hardware.serial.heartbeat_interval", "10s")
	v.SetDefault("hardware.sim.pulse_interval", "300ms")
	v.SetDefault("hardware.sim.jam_after", 0)

	v.SetDefault("recovery.clear_error_on_boot", false)

	// 空默认值让 AutomaticEnv 能覆盖这些键
	v.SetDefault("security.api_key", "")
	v.SetDefault("security.api_key_hash", "")

	v.SetDefault("websocket.enabled", true)
	v.SetDefault("websocket.path", "/ws/events")
	v.SetDefault("websocket.read_buffer_size", 1024)
	v.SetDefault("websocket.write_buffer_size", 1024)
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.write_timeout", "10s")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://127.0.0.1:1883")
	v.SetDefault("mqtt.client_id", "token-hopper")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.clean_session", true)
	v.SetDefault("mqtt.auto_reconnect", true)
	v.SetDefault("mqtt.max_reconnect_interval", "1m")
	v.SetDefault("mqtt.keep_alive", "30s")
	v.SetDefault("mqtt.ping_timeout", "10s")
	v.SetDefault("mqtt.status_interval", "30s")
	v.SetDefault("mqtt.topics.status", "hopper/{client_id}/status")
	v.SetDefault("mqtt.topics.event", "hopper/{client_id}/event")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file.path", "./logs")
	v.SetDefault("log.file.filename", "token-hopper.log")
	v.SetDefault("log.file.max_size", 50)
	v.SetDefault("log.file.max_age", 30)
	v.SetDefault("log.file.max_backups", 7)
	v.SetDefault("log.file.compress", true)

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.path", "/metrics")
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Hopper.PollInterval <= 0 || c.Hopper.PollInterval > maxPollInterval {
		return errors.Newf(errors.ErrConfigValidate, "hopper.poll_interval 必须在 (0, %s] 范围内: %s", maxPollInterval, c.Hopper.PollInterval)
	}
	if c.Hopper.MaxTokens < 1 || c.Hopper.MaxTokens > 255 {
		return errors.Newf(errors.ErrConfigValidate, "hopper.max_tokens 必须在 1..255 范围内: %d", c.Hopper.MaxTokens)
	}
	if c.Hopper.JamTimeout <= 0 {
		return errors.New(errors.ErrConfigValidate, "hopper.jam_timeout 必须大于0")
	}
	if c.Security.APIKey == "" && c.Security.APIKeyHash == "" {
		return errors.New(errors.ErrConfigMissing, "security.api_key 或 security.api_key_hash 必须配置")
	}
	switch c.Storage.Backend {
	case "database", "leveldb", "memory":
	default:
		return errors.Newf(errors.ErrConfigValidate, "不支持的存储后端: %s", c.Storage.Backend)
	}
	switch c.Hardware.Backend {
	case "sim", "gpio", "serial":
	default:
		return errors.Newf(errors.ErrConfigValidate, "不支持的硬件后端: %s", c.Hardware.Backend)
	}
	return nil
}

// replaceMQTTTopics 替换MQTT主题中的变量
func replaceMQTTTopics(c *Config) {
	if c == nil {
		return
	}
	clientID := c.MQTT.ClientID
	c.MQTT.Topics.Status = strings.ReplaceAll(c.MQTT.Topics.Status, "{client_id}", clientID)
	c.MQTT.Topics.Event = strings.ReplaceAll(c.MQTT.Topics.Event, "{client_id}", clientID)
}

// Get 获取配置实例
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// Watch 监听配置文件变化，校验失败时保留旧配置
func Watch(callback func(*Config)) {
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		newCfg := &Config{}
		if err := v.Unmarshal(newCfg); err != nil {
			fmt.Printf("配置重载失败: %v\n", err)
			return
		}
		replaceMQTTTopics(newCfg)
		if err := newCfg.Validate(); err != nil {
			fmt.Printf("配置重载校验失败: %v\n", err)
			return
		}

		mu.Lock()
		cfg = newCfg
		mu.Unlock()

		if callback != nil {
			callback(newCfg)
		}
		fmt.Printf("配置已重新加载: %s\n", e.Name)
	})
}

// GetString 获取字符串配置
func GetString(key string) string {
	return v.GetString(key)
}

// GetDuration 获取时间间隔配置
func GetDuration(key string) time.Duration {
	return v.GetDuration(key)
}

// ConfigFile 当前使用的配置文件路径
func ConfigFile() string {
	if v == nil {
		return ""
	}
	return v.ConfigFileUsed()
}
