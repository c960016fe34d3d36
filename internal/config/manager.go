package config

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Manager 持有当前配置，可选监听文件变更并通知订阅者
type Manager struct {
	mu        sync.RWMutex
	path      string
	current   *Config
	v         *viper.Viper
	listeners []func(*Config)

	watchEnabled bool
	logger       *slog.Logger
}

// ManagerOption 管理器选项
type ManagerOption func(*Manager)

// WithPath 指定配置文件路径
func WithPath(path string) ManagerOption {
	return func(m *Manager) {
		m.path = path
	}
}

// WithWatchEnabled 启用配置文件监控
func WithWatchEnabled(enabled bool) ManagerOption {
	return func(m *Manager) {
		m.watchEnabled = enabled
	}
}

// WithLogger 设置日志
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager 创建配置管理器
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "config")
	return m
}

// Load 首次加载配置，启用监控时开始监听文件
func (m *Manager) Load() (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		return m.current, nil
	}

	cfg, v, err := load(m.path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	m.current = cfg
	m.v = v

	if m.watchEnabled && v.ConfigFileUsed() != "" {
		v.OnConfigChange(func(e fsnotify.Event) {
			m.reload(e)
		})
		v.WatchConfig()
		m.logger.Info("watching config file", "file", v.ConfigFileUsed())
	}
	return cfg, nil
}

// Current 当前配置，未加载时为 nil
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange 注册配置变更回调；非法的新配置不会触发回调
func (m *Manager) OnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// ConfigFile 实际使用的配置文件
func (m *Manager) ConfigFile() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.v == nil {
		return ""
	}
	return m.v.ConfigFileUsed()
}

func (m *Manager) reload(e fsnotify.Event) {
	m.mu.Lock()
	cfg, err := decode(m.v)
	if err != nil {
		m.mu.Unlock()
		m.logger.Warn("config change rejected, keeping previous", "file", e.Name, "error", err)
		return
	}
	m.current = cfg
	listeners := append(([]func(*Config))(nil), m.listeners...)
	m.mu.Unlock()

	m.logger.Info("config reloaded", "file", e.Name, "op", e.Op.String())
	for _, fn := range listeners {
		fn(cfg)
	}
}
