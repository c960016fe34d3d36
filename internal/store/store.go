package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"ProctorStream/internal/model"
)

// Store 会话记录与告警日志的持久化
type Store interface {
	// Save 写入完整会话记录（含告警日志），同一 id 覆盖
	Save(ctx context.Context, s model.Session) error
	// Load 读取完整会话记录，不存在时返回 model.ErrNotFound
	Load(ctx context.Context, id string) (model.Session, error)
	// List 按创建时间返回所有会话摘要（不含告警明细）
	List(ctx context.Context) ([]model.Session, error)
	Close() error
}

// Config 存储配置
type Config struct {
	Driver     string   `mapstructure:"driver"` // memory | sqlite | postgres
	SQLitePath string   `mapstructure:"sqlite_path"`
	Postgres   PGConfig `mapstructure:"postgres"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		Driver:     "sqlite",
		SQLitePath: "data/proctor.db",
		Postgres:   DefaultPGConfig(),
	}
}

// Open 按配置创建存储
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return OpenSQLite(cfg.SQLitePath)
	case "postgres":
		return OpenPostgres(ctx, cfg.Postgres)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// Memory 内存存储，进程退出后丢失
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]model.Session
}

// NewMemory 创建内存存储
func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]model.Session)}
}

func (m *Memory) Save(ctx context.Context, s model.Session) error {
	m.mu.Lock()
	m.sessions[s.ID] = s.Clone()
	m.mu.Unlock()
	return nil
}

func (m *Memory) Load(ctx context.Context, id string) (model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return model.Session{}, fmt.Errorf("load %s: %w", id, model.ErrNotFound)
	}
	return s.Clone(), nil
}

func (m *Memory) List(ctx context.Context) ([]model.Session, error) {
	m.mu.RLock()
	out := make([]model.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone().Summary())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) Close() error {
	return nil
}
