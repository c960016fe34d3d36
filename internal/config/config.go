package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"ProctorStream/internal/alert"
	"ProctorStream/internal/detection"
	"ProctorStream/internal/httpserver"
	"ProctorStream/internal/notify"
	"ProctorStream/internal/session"
	"ProctorStream/internal/store"
	"ProctorStream/internal/streamserver"
)

// 配置文件名（不含扩展名）与环境变量前缀
const (
	ConfigName = "proctor"
	EnvPrefix  = "PROCTOR"
)

// Config 服务配置
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Session   SessionConfig   `mapstructure:"session"`
	Alert     AlertConfig     `mapstructure:"alert"`
	Detection DetectionConfig `mapstructure:"detection"`
	Storage   store.Config    `mapstructure:"storage"`
	MQTT      notify.Config   `mapstructure:"mqtt"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig 对外接口
type ServerConfig struct {
	HTTPAddr       string        `mapstructure:"http_addr"`
	GRPCAddr       string        `mapstructure:"grpc_addr"` // 为空时不启动 gRPC
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	MaxUploadBytes int64         `mapstructure:"max_upload_bytes"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
	Stream         StreamConfig  `mapstructure:"stream"`
}

// StreamConfig websocket 推流端点
type StreamConfig struct {
	ReadBufferSize    int           `mapstructure:"read_buffer_size"`
	WriteBufferSize   int           `mapstructure:"write_buffer_size"`
	MaxFrameBytes     int64         `mapstructure:"max_frame_bytes"`
	JoinTimeout       time.Duration `mapstructure:"join_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	EnableCompression bool          `mapstructure:"enable_compression"`
}

// SessionConfig 会话运行参数
type SessionConfig struct {
	ChannelCapacity   int           `mapstructure:"channel_capacity"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	ReconnectGrace    time.Duration `mapstructure:"reconnect_grace"`
	ObserverQueueSize int           `mapstructure:"observer_queue_size"`
}

// AlertConfig 告警聚合
type AlertConfig struct {
	DebounceWindow time.Duration `mapstructure:"debounce_window"`
	EscalateAfter  int           `mapstructure:"escalate_after"`
}

// DetectionConfig 检测协作方与重试策略
type DetectionConfig struct {
	Backend        string        `mapstructure:"backend"` // seeded | scripted | http
	Seed           uint64        `mapstructure:"seed"`
	Endpoint       string        `mapstructure:"endpoint"`
	RetryBudget    int           `mapstructure:"retry_budget"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
	MinConfidence  float64       `mapstructure:"min_confidence"`
}

// LogConfig 日志
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text | json
}

// newViper 创建 viper 实例；path 为空时按默认路径搜索 proctor.yaml
func newViper(path string) *viper.Viper {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(ConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v
}

// Load 读取配置；未指定路径且找不到文件时使用默认值
func Load(path string) (*Config, error) {
	cfg, _, err := load(path)
	return cfg, err
}

func load(path string) (*Config, *viper.Viper, error) {
	v := newViper(path)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// setDefaults 默认值（不会覆盖文件和环境变量中的值）
func setDefaults(v *viper.Viper) {
	httpDefaults := httpserver.DefaultConfig()
	v.SetDefault("server.http_addr", httpDefaults.Addr)
	v.SetDefault("server.grpc_addr", ":9090")
	v.SetDefault("server.allowed_origins", httpDefaults.AllowedOrigins)
	v.SetDefault("server.read_timeout", httpDefaults.ReadTimeout)
	v.SetDefault("server.write_timeout", httpDefaults.WriteTimeout)
	v.SetDefault("server.idle_timeout", httpDefaults.IdleTimeout)
	v.SetDefault("server.max_upload_bytes", httpDefaults.MaxUploadBytes)
	v.SetDefault("server.shutdown_grace", 10*time.Second)

	streamDefaults := streamserver.DefaultConfig()
	v.SetDefault("server.stream.read_buffer_size", streamDefaults.ReadBufferSize)
	v.SetDefault("server.stream.write_buffer_size", streamDefaults.WriteBufferSize)
	v.SetDefault("server.stream.max_frame_bytes", streamDefaults.MaxFrameBytes)
	v.SetDefault("server.stream.join_timeout", streamDefaults.JoinTimeout)
	v.SetDefault("server.stream.read_timeout", streamDefaults.ReadTimeout)
	v.SetDefault("server.stream.write_timeout", streamDefaults.WriteTimeout)
	v.SetDefault("server.stream.enable_compression", streamDefaults.EnableCompression)

	tuning := session.DefaultTuning()
	v.SetDefault("session.channel_capacity", tuning.ChannelCapacity)
	v.SetDefault("session.heartbeat_timeout", tuning.HeartbeatTimeout)
	v.SetDefault("session.reconnect_grace", tuning.ReconnectGrace)
	v.SetDefault("session.observer_queue_size", tuning.ObserverQueueSize)

	v.SetDefault("alert.debounce_window", tuning.Alert.DebounceWindow)
	v.SetDefault("alert.escalate_after", tuning.Alert.EscalateAfter)

	v.SetDefault("detection.backend", "seeded")
	v.SetDefault("detection.seed", 1)
	v.SetDefault("detection.endpoint", "http://localhost:5000")
	v.SetDefault("detection.retry_budget", tuning.Detection.RetryBudget)
	v.SetDefault("detection.initial_backoff", tuning.Detection.InitialBackoff)
	v.SetDefault("detection.max_backoff", tuning.Detection.MaxBackoff)
	v.SetDefault("detection.call_timeout", tuning.Detection.CallTimeout)
	v.SetDefault("detection.min_confidence", tuning.Detection.MinConfidence)

	storage := store.DefaultConfig()
	v.SetDefault("storage.driver", storage.Driver)
	v.SetDefault("storage.sqlite_path", storage.SQLitePath)
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.host", storage.Postgres.Host)
	v.SetDefault("storage.postgres.port", storage.Postgres.Port)
	v.SetDefault("storage.postgres.user", storage.Postgres.User)
	v.SetDefault("storage.postgres.password", "")
	v.SetDefault("storage.postgres.dbname", storage.Postgres.DBName)
	v.SetDefault("storage.postgres.sslmode", storage.Postgres.SSLMode)
	v.SetDefault("storage.postgres.max_conns", storage.Postgres.MaxConns)

	mqtt := notify.DefaultConfig()
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", mqtt.Broker)
	v.SetDefault("mqtt.client_id", mqtt.ClientID)
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.topic_prefix", mqtt.TopicPrefix)
	v.SetDefault("mqtt.qos", mqtt.QoS)
	v.SetDefault("mqtt.connect_timeout", mqtt.ConnectTimeout)
	v.SetDefault("mqtt.publish_timeout", mqtt.PublishTimeout)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Validate 校验取值范围
func (c *Config) Validate() error {
	var errs []error

	if c.Session.ChannelCapacity < 1 {
		errs = append(errs, fmt.Errorf("session.channel_capacity must be >= 1, got %d", c.Session.ChannelCapacity))
	}
	if c.Session.HeartbeatTimeout <= 0 {
		errs = append(errs, fmt.Errorf("session.heartbeat_timeout must be positive, got %s", c.Session.HeartbeatTimeout))
	}
	if c.Session.ReconnectGrace < 0 {
		errs = append(errs, fmt.Errorf("session.reconnect_grace must not be negative"))
	}
	// 半开连接必须先由读超时发现，会话才不会以停滞中止
	if c.Server.Stream.ReadTimeout <= 0 || c.Server.Stream.ReadTimeout >= c.Session.HeartbeatTimeout {
		errs = append(errs, fmt.Errorf("server.stream.read_timeout must be positive and below session.heartbeat_timeout, got %s", c.Server.Stream.ReadTimeout))
	}
	if c.Session.ObserverQueueSize < 1 {
		errs = append(errs, fmt.Errorf("session.observer_queue_size must be >= 1, got %d", c.Session.ObserverQueueSize))
	}
	if c.Alert.DebounceWindow < 0 {
		errs = append(errs, fmt.Errorf("alert.debounce_window must not be negative"))
	}
	if c.Alert.EscalateAfter < 0 {
		errs = append(errs, fmt.Errorf("alert.escalate_after must not be negative"))
	}
	if c.Detection.RetryBudget < 1 {
		errs = append(errs, fmt.Errorf("detection.retry_budget must be >= 1, got %d", c.Detection.RetryBudget))
	}
	if c.Detection.MinConfidence < 0 || c.Detection.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("detection.min_confidence must be within [0,1], got %v", c.Detection.MinConfidence))
	}
	switch c.Detection.Backend {
	case "seeded", "scripted":
	case "http":
		if c.Detection.Endpoint == "" {
			errs = append(errs, fmt.Errorf("detection.endpoint is required for the http backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown detection.backend %q", c.Detection.Backend))
	}
	switch c.Storage.Driver {
	case "memory", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}

	return errors.Join(errs...)
}

// Tuning 转换为会话运行参数
func (c *Config) Tuning() session.Tuning {
	return session.Tuning{
		ChannelCapacity:   c.Session.ChannelCapacity,
		HeartbeatTimeout:  c.Session.HeartbeatTimeout,
		ReconnectGrace:    c.Session.ReconnectGrace,
		ObserverQueueSize: c.Session.ObserverQueueSize,
		Alert: alert.Config{
			DebounceWindow: c.Alert.DebounceWindow,
			EscalateAfter:  c.Alert.EscalateAfter,
		},
		Detection: c.DetectionConfig(),
	}
}

// DetectionConfig 转换为检测适配器配置
func (c *Config) DetectionConfig() detection.Config {
	return detection.Config{
		RetryBudget:    c.Detection.RetryBudget,
		InitialBackoff: c.Detection.InitialBackoff,
		MaxBackoff:     c.Detection.MaxBackoff,
		CallTimeout:    c.Detection.CallTimeout,
		MinConfidence:  c.Detection.MinConfidence,
	}
}

// Detector 按配置创建检测协作方
func (c *Config) Detector() detection.Detector {
	switch c.Detection.Backend {
	case "http":
		return detection.NewHTTPDetector(c.Detection.Endpoint, c.Detection.CallTimeout)
	case "scripted":
		return detection.NewScripted()
	default:
		return detection.NewSeeded(c.Detection.Seed)
	}
}

// HTTPConfig 转换为 REST 服务配置
func (c *Config) HTTPConfig() httpserver.Config {
	return httpserver.Config{
		Addr:           c.Server.HTTPAddr,
		ReadTimeout:    c.Server.ReadTimeout,
		WriteTimeout:   c.Server.WriteTimeout,
		IdleTimeout:    c.Server.IdleTimeout,
		AllowedOrigins: c.Server.AllowedOrigins,
		MaxUploadBytes: c.Server.MaxUploadBytes,
	}
}

// StreamConfig 转换为 websocket 服务配置
func (c *Config) StreamConfig() streamserver.Config {
	s := c.Server.Stream
	return streamserver.Config{
		ReadBufferSize:    s.ReadBufferSize,
		WriteBufferSize:   s.WriteBufferSize,
		MaxFrameBytes:     s.MaxFrameBytes,
		JoinTimeout:       s.JoinTimeout,
		ReadTimeout:       s.ReadTimeout,
		WriteTimeout:      s.WriteTimeout,
		EnableCompression: s.EnableCompression,
	}
}
