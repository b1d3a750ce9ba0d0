package mqtt

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/jonboulle/clockwork"
	"github.com/wfunc/token-hopper/internal/config"
	"github.com/wfunc/token-hopper/internal/dispenser"
	"github.com/wfunc/token-hopper/internal/errors"
	"github.com/wfunc/token-hopper/internal/hardware"
	"github.com/wfunc/token-hopper/internal/logger"
	"go.uber.org/zap"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// Client 发布所需的 MQTT 客户端能力，paho.Client 满足该接口
type Client interface {
	Connect() paho.Token
	Disconnect(quiesce uint)
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// EventPayload 事件消息
type EventPayload struct {
	Type      string `json:"type"` // dispense / hardware_error
	Event     string `json:"event,omitempty"`
	TxID      string `json:"tx_id,omitempty"`
	State     string `json:"state,omitempty"`
	Quantity  int    `json:"quantity,omitempty"`
	Dispensed int    `json:"dispensed,omitempty"`
	Code      uint8  `json:"code,omitempty"`
	Name      string `json:"name,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Publisher 出币事件与状态的 MQTT 上报
type Publisher struct {
	client Client
	cfg    config.MQTTConfig
	clock  clockwork.Clock
	log    *zap.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewClientOptions 由配置生成 paho 连接参数
func NewClientOptions(cfg config.MQTTConfig) *paho.ClientOptions {
	log := logger.GetModuleLogger("mqtt")
	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetCleanSession(cfg.CleanSession).
		SetAutoReconnect(cfg.AutoReconnect).
		SetConnectTimeout(connectTimeout)
	if cfg.MaxReconnectInterval > 0 {
		opts.SetMaxReconnectInterval(cfg.MaxReconnectInterval)
	}
	if cfg.KeepAlive > 0 {
		opts.SetKeepAlive(cfg.KeepAlive)
	}
	if cfg.PingTimeout > 0 {
		opts.SetPingTimeout(cfg.PingTimeout)
	}
	opts.SetOnConnectHandler(func(paho.Client) {
		log.Info("MQTT已连接", zap.String("broker", cfg.Broker))
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		log.Warn("MQTT连接断开", zap.Error(err))
	})
	return opts
}

// NewPublisher 创建发布器
func NewPublisher(client Client, cfg config.MQTTConfig, clock clockwork.Clock) *Publisher {
	return &Publisher{
		client: client,
		cfg:    cfg,
		clock:  clock,
		log:    logger.GetModuleLogger("mqtt"),
		stopCh: make(chan struct{}),
	}
}

// Connect 连接 broker
func (p *Publisher) Connect() error {
	token := p.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return errors.Newf(errors.ErrMQTTConnect, "connect %s timeout", p.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return errors.Wrap(err, errors.ErrMQTTConnect, p.cfg.Broker)
	}
	return nil
}

// Publish 发布 JSON 消息，不等待确认
func (p *Publisher) Publish(topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, errors.ErrMessageFormat, "marshal mqtt payload")
	}
	if !p.client.IsConnected() {
		return errors.New(errors.ErrMQTTPublish, "not connected")
	}

	token := p.client.Publish(topic, p.cfg.QoS, p.cfg.Retained, data)
	logger.LogMQTTMessage(topic, "publish", payload)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if !token.WaitTimeout(publishTimeout) {
			p.log.Warn("MQTT发布超时", zap.String("topic", topic))
			return
		}
		if err := token.Error(); err != nil {
			p.log.Error("MQTT发布失败", zap.String("topic", topic), zap.Error(err))
		}
	}()
	return nil
}

func (p *Publisher) publishEvent(payload EventPayload) {
	if err := p.Publish(p.cfg.Topics.Event, payload); err != nil {
		p.log.Debug("事件未上报", zap.String("type", payload.Type), zap.Error(err))
	}
}

// OnDispenseEvent 上报出币事件，进度事件不上报
func (p *Publisher) OnDispenseEvent(ev dispenser.Event) {
	if ev.Kind == dispenser.EventProgress {
		return
	}
	tx := ev.Transaction
	p.publishEvent(EventPayload{
		Type:      "dispense",
		Event:     string(ev.Kind),
		TxID:      tx.TxID,
		State:     tx.State.String(),
		Quantity:  tx.Quantity,
		Dispensed: tx.Dispensed,
		Timestamp: p.clock.Now().UnixMilli(),
	})
}

// OnHardwareError 上报硬件故障
func (p *Publisher) OnHardwareError(rec hardware.ErrorRecord) {
	p.publishEvent(EventPayload{
		Type:      "hardware_error",
		Code:      uint8(rec.Code),
		Name:      rec.Code.Name(),
		Timestamp: rec.Timestamp.UnixMilli(),
	})
}

// StartStatusLoop 按 status_interval 周期上报状态
func (p *Publisher) StartStatusLoop(status func() interface{}) {
	interval := p.cfg.StatusInterval
	if interval <= 0 {
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := p.clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				if err := p.Publish(p.cfg.Topics.Status, status()); err != nil {
					p.log.Debug("状态未上报", zap.Error(err))
				}
			case <-p.stopCh:
				return
			}
		}
	}()
}

// Close 停止上报并断开连接
func (p *Publisher) Close() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	p.wg.Wait()
	if p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}

// String 便于日志输出
func (p *Publisher) String() string {
	return fmt.Sprintf("mqtt(%s, event=%s, status=%s)", p.cfg.Broker, p.cfg.Topics.Event, p.cfg.Topics.Status)
}
