package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"ProctorStream/internal/model"
)

// Config MQTT 转发配置
type Config struct {
	Enabled        bool          `mapstructure:"enabled"`
	Broker         string        `mapstructure:"broker"` // host:port
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	QoS            byte          `mapstructure:"qos"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		Broker:         "localhost:1883",
		ClientID:       "proctorstream",
		TopicPrefix:    "proctor",
		QoS:            1,
		ConnectTimeout: 5 * time.Second,
		PublishTimeout: 2 * time.Second,
	}
}

// ErrNotConnected broker 连接不可用
var ErrNotConnected = errors.New("mqtt not connected")

// Publisher mqtt.Client 中用到的部分
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
}

// Connect 连接 broker，断线后由客户端自动重连
func Connect(cfg Config, logger *slog.Logger) (mqtt.Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "notify", "broker", cfg.Broker)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		logger.Info("mqtt connection established", "client_id", cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		logger.Warn("mqtt connection lost, will auto-reconnect", "error", err)
	}

	client := mqtt.NewClient(opts)

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	return client, nil
}

// Topic 事件对应的主题：<prefix>/sessions/<id>/alerts|lifecycle
func Topic(prefix string, ev model.Event) string {
	leaf := "lifecycle"
	if ev.Type == model.EventAlert {
		leaf = "alerts"
	}
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		return fmt.Sprintf("sessions/%s/%s", ev.SessionID, leaf)
	}
	return fmt.Sprintf("%s/sessions/%s/%s", prefix, ev.SessionID, leaf)
}

// Stats 转发统计
type Stats struct {
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// MQTTSink 把会话事件以 JSON 发布到 MQTT
//
// 生命周期事件以 retained 发布，后连接的订阅者可以拿到会话的最新状态。
type MQTTSink struct {
	pub    Publisher
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	published map[string]uint64
	errors    uint64
}

// NewMQTTSink 创建转发目标
func NewMQTTSink(pub Publisher, cfg Config, logger *slog.Logger) *MQTTSink {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultConfig().PublishTimeout
	}
	return &MQTTSink{
		pub:       pub,
		cfg:       cfg,
		logger:    logger.With("component", "notify"),
		published: make(map[string]uint64),
	}
}

// Deliver 发布单个事件，等待 broker 确认或超时
func (s *MQTTSink) Deliver(ctx context.Context, ev model.Event) error {
	if s.pub == nil {
		return ErrNotConnected
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		s.fail()
		return fmt.Errorf("marshal event: %w", err)
	}

	topic := Topic(s.cfg.TopicPrefix, ev)
	retained := ev.Type == model.EventLifecycle

	token := s.pub.Publish(topic, s.cfg.QoS, retained, payload)

	timer := time.NewTimer(s.cfg.PublishTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
	case <-timer.C:
		s.fail()
		return fmt.Errorf("publish %s: timeout", topic)
	case <-ctx.Done():
		s.fail()
		return fmt.Errorf("publish %s: %w", topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		s.fail()
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	s.mu.Lock()
	s.published[topic]++
	s.mu.Unlock()

	s.logger.Debug("event published", "topic", topic, "event_id", ev.ID, "size", len(payload))
	return nil
}

func (s *MQTTSink) fail() {
	s.mu.Lock()
	s.errors++
	s.mu.Unlock()
}

// Stats 返回统计快照
func (s *MQTTSink) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	published := make(map[string]uint64, len(s.published))
	for k, v := range s.published {
		published[k] = v
	}
	return Stats{Published: published, Errors: s.errors}
}
