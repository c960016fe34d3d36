package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"ProctorStream/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	candidate_name TEXT NOT NULL,
	candidate_email TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	started_at INTEGER,
	ended_at INTEGER,
	alert_count INTEGER NOT NULL DEFAULT 0,
	note TEXT NOT NULL DEFAULT '',
	reconnects INTEGER NOT NULL DEFAULT 0,
	last_seq INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS alerts (
	session_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	message TEXT NOT NULL,
	severity TEXT NOT NULL,
	first_seen INTEGER NOT NULL,
	last_seen INTEGER NOT NULL,
	occurrences INTEGER NOT NULL,
	position INTEGER NOT NULL,
	PRIMARY KEY (session_id, kind),
	FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions(created_at);
`

// SQLite 基于 mattn/go-sqlite3 的本地存储
type SQLite struct {
	db *sql.DB
}

// OpenSQLite 打开（必要时创建）数据库文件并初始化表结构
func OpenSQLite(path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) Save(ctx context.Context, sess model.Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, candidate_name, candidate_email, duration_ms, status, created_at,
			started_at, ended_at, alert_count, note, reconnects, last_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			alert_count = excluded.alert_count,
			note = excluded.note,
			reconnects = excluded.reconnects,
			last_seq = excluded.last_seq`,
		sess.ID, sess.CandidateName, sess.CandidateEmail, sess.Duration.Milliseconds(), string(sess.Status),
		sess.CreatedAt.UnixMilli(), nullableMillis(sess.StartedAt), nullableMillis(sess.EndedAt),
		sess.AlertCount, sess.Note, sess.Reconnects, int64(sess.LastSeq),
	)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", sess.ID, err)
	}

	for i, a := range sess.Alerts {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO alerts (session_id, kind, message, severity, first_seen, last_seen, occurrences, position)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id, kind) DO UPDATE SET
				severity = excluded.severity,
				last_seen = excluded.last_seen,
				occurrences = excluded.occurrences`,
			sess.ID, string(a.Kind), a.Message, string(a.Severity),
			a.FirstSeen.UnixMilli(), a.LastSeen.UnixMilli(), a.Occurrences, i,
		)
		if err != nil {
			return fmt.Errorf("upsert alert %s/%s: %w", sess.ID, a.Kind, err)
		}
	}

	return tx.Commit()
}

func (s *SQLite) Load(ctx context.Context, id string) (model.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, candidate_name, candidate_email, duration_ms, status, created_at,
			started_at, ended_at, alert_count, note, reconnects, last_seq
		FROM sessions WHERE id = ?`, id)

	sess, err := scanSQLiteSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, fmt.Errorf("load %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("load %s: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, message, severity, first_seen, last_seen, occurrences
		FROM alerts WHERE session_id = ? ORDER BY position`, id)
	if err != nil {
		return model.Session{}, fmt.Errorf("load alerts %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			a                   model.Alert
			kind, severity      string
			firstSeen, lastSeen int64
		)
		if err := rows.Scan(&kind, &a.Message, &severity, &firstSeen, &lastSeen, &a.Occurrences); err != nil {
			return model.Session{}, fmt.Errorf("scan alert: %w", err)
		}
		a.SessionID = id
		a.Kind = model.Kind(kind)
		a.Severity = model.Severity(severity)
		a.FirstSeen = time.UnixMilli(firstSeen).UTC()
		a.LastSeen = time.UnixMilli(lastSeen).UTC()
		sess.Alerts = append(sess.Alerts, a)
	}

	return sess, rows.Err()
}

func (s *SQLite) List(ctx context.Context) ([]model.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, candidate_name, candidate_email, duration_ms, status, created_at,
			started_at, ended_at, alert_count, note, reconnects, last_seq
		FROM sessions ORDER BY created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		sess, err := scanSQLiteSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteSession(row rowScanner) (model.Session, error) {
	var (
		sess                model.Session
		status              string
		durationMs, created int64
		started, ended      sql.NullInt64
		lastSeq             int64
	)
	err := row.Scan(&sess.ID, &sess.CandidateName, &sess.CandidateEmail, &durationMs, &status, &created,
		&started, &ended, &sess.AlertCount, &sess.Note, &sess.Reconnects, &lastSeq)
	if err != nil {
		return model.Session{}, err
	}

	sess.Duration = time.Duration(durationMs) * time.Millisecond
	sess.Status = model.Status(status)
	sess.CreatedAt = time.UnixMilli(created).UTC()
	sess.LastSeq = uint64(lastSeq)
	if started.Valid {
		t := time.UnixMilli(started.Int64).UTC()
		sess.StartedAt = &t
	}
	if ended.Valid {
		t := time.UnixMilli(ended.Int64).UTC()
		sess.EndedAt = &t
	}
	return sess, nil
}

func nullableMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
