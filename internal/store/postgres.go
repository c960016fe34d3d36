package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ProctorStream/internal/model"
)

// PGConfig PostgreSQL 配置
type PGConfig struct {
	DSN      string `mapstructure:"dsn"` // 非空时忽略其余连接字段
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// DefaultPGConfig 默认配置
func DefaultPGConfig() PGConfig {
	return PGConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		DBName:   "proctor",
		SSLMode:  "disable",
		MaxConns: 10,
	}
}

// ConnString 连接串
func (c PGConfig) ConnString() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	candidate_name TEXT NOT NULL,
	candidate_email TEXT NOT NULL,
	duration_ms BIGINT NOT NULL,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	ended_at TIMESTAMPTZ,
	alert_count INTEGER NOT NULL DEFAULT 0,
	note TEXT NOT NULL DEFAULT '',
	reconnects INTEGER NOT NULL DEFAULT 0,
	last_seq BIGINT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS alerts (
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	kind TEXT NOT NULL,
	message TEXT NOT NULL,
	severity TEXT NOT NULL,
	first_seen TIMESTAMPTZ NOT NULL,
	last_seen TIMESTAMPTZ NOT NULL,
	occurrences INTEGER NOT NULL,
	position INTEGER NOT NULL,
	PRIMARY KEY (session_id, kind)
);
CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions(created_at);
`

// Postgres 基于 pgxpool 的存储
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres 创建连接池并初始化表结构
func OpenPostgres(ctx context.Context, cfg PGConfig) (*Postgres, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	slog.Info("postgres pool ready", "component", "store", "host", poolConfig.ConnConfig.Host)
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Save(ctx context.Context, sess model.Session) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO sessions (id, candidate_name, candidate_email, duration_ms, status, created_at,
				started_at, ended_at, alert_count, note, reconnects, last_seq)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (id) DO UPDATE SET
				status = EXCLUDED.status,
				started_at = EXCLUDED.started_at,
				ended_at = EXCLUDED.ended_at,
				alert_count = EXCLUDED.alert_count,
				note = EXCLUDED.note,
				reconnects = EXCLUDED.reconnects,
				last_seq = EXCLUDED.last_seq`,
			sess.ID, sess.CandidateName, sess.CandidateEmail, sess.Duration.Milliseconds(), string(sess.Status),
			sess.CreatedAt, sess.StartedAt, sess.EndedAt, sess.AlertCount, sess.Note, sess.Reconnects, int64(sess.LastSeq),
		)
		if err != nil {
			return fmt.Errorf("upsert session %s: %w", sess.ID, err)
		}

		if len(sess.Alerts) == 0 {
			return nil
		}

		batch := &pgx.Batch{}
		for i, a := range sess.Alerts {
			batch.Queue(`
				INSERT INTO alerts (session_id, kind, message, severity, first_seen, last_seen, occurrences, position)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT (session_id, kind) DO UPDATE SET
					severity = EXCLUDED.severity,
					last_seen = EXCLUDED.last_seen,
					occurrences = EXCLUDED.occurrences`,
				sess.ID, string(a.Kind), a.Message, string(a.Severity), a.FirstSeen, a.LastSeen, a.Occurrences, i,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("upsert alerts %s: %w", sess.ID, err)
		}
		return nil
	})
}

func (p *Postgres) Load(ctx context.Context, id string) (model.Session, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, candidate_name, candidate_email, duration_ms, status, created_at,
			started_at, ended_at, alert_count, note, reconnects, last_seq
		FROM sessions WHERE id = $1`, id)

	sess, err := scanPGSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Session{}, fmt.Errorf("load %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("load %s: %w", id, err)
	}

	rows, err := p.pool.Query(ctx, `
		SELECT kind, message, severity, first_seen, last_seen, occurrences
		FROM alerts WHERE session_id = $1 ORDER BY position`, id)
	if err != nil {
		return model.Session{}, fmt.Errorf("load alerts %s: %w", id, err)
	}

	alerts, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (model.Alert, error) {
		var (
			a              model.Alert
			kind, severity string
		)
		err := r.Scan(&kind, &a.Message, &severity, &a.FirstSeen, &a.LastSeen, &a.Occurrences)
		a.SessionID = id
		a.Kind = model.Kind(kind)
		a.Severity = model.Severity(severity)
		return a, err
	})
	if err != nil {
		return model.Session{}, fmt.Errorf("scan alerts %s: %w", id, err)
	}
	if len(alerts) > 0 {
		sess.Alerts = alerts
	}
	return sess, nil
}

func (p *Postgres) List(ctx context.Context) ([]model.Session, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, candidate_name, candidate_email, duration_ms, status, created_at,
			started_at, ended_at, alert_count, note, reconnects, last_seq
		FROM sessions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (model.Session, error) {
		return scanPGSession(r)
	})
}

// Stat 连接池统计
func (p *Postgres) Stat() *pgxpool.Stat {
	return p.pool.Stat()
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func scanPGSession(row pgx.Row) (model.Session, error) {
	var (
		sess       model.Session
		status     string
		durationMs int64
		lastSeq    int64
	)
	err := row.Scan(&sess.ID, &sess.CandidateName, &sess.CandidateEmail, &durationMs, &status, &sess.CreatedAt,
		&sess.StartedAt, &sess.EndedAt, &sess.AlertCount, &sess.Note, &sess.Reconnects, &lastSeq)
	if err != nil {
		return model.Session{}, err
	}
	sess.Duration = time.Duration(durationMs) * time.Millisecond
	sess.Status = model.Status(status)
	sess.LastSeq = uint64(lastSeq)
	return sess, nil
}
