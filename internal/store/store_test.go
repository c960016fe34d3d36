package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ProctorStream/internal/model"
)

func sampleSession(created time.Time) model.Session {
	started := created.Add(time.Second)
	return model.Session{
		ID:             uuid.NewString(),
		CandidateName:  "Ada",
		CandidateEmail: "ada@example.com",
		Duration:       30 * time.Minute,
		Status:         model.StatusActive,
		CreatedAt:      created,
		StartedAt:      &started,
		AlertCount:     1,
		Reconnects:     1,
		LastSeq:        42,
	}
}

// exerciseStore 所有实现共用的行为检查
func exerciseStore(t *testing.T, st Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	first := sampleSession(base)
	first.Alerts = []model.Alert{{
		SessionID: first.ID, Kind: model.KindMultipleFaces, Message: model.KindMessage(model.KindMultipleFaces),
		Severity: model.SeverityHigh, FirstSeen: base, LastSeen: base.Add(time.Second), Occurrences: 2,
	}}
	require.NoError(t, st.Save(ctx, first))

	second := sampleSession(base.Add(time.Minute))
	second.Status = model.StatusPending
	second.StartedAt = nil
	second.AlertCount = 0
	require.NoError(t, st.Save(ctx, second))

	// 覆盖写：状态推进并追加告警
	ended := base.Add(10 * time.Minute)
	first.Status = model.StatusCompleted
	first.EndedAt = &ended
	first.Note = "scheduled duration elapsed"
	first.Alerts[0].Occurrences = 3
	first.Alerts = append(first.Alerts, model.Alert{
		SessionID: first.ID, Kind: model.KindGazeAway, Message: model.KindMessage(model.KindGazeAway),
		Severity: model.SeverityLow, FirstSeen: base.Add(2 * time.Second), LastSeen: base.Add(2 * time.Second), Occurrences: 1,
	})
	first.AlertCount = 2
	require.NoError(t, st.Save(ctx, first))

	got, err := st.Load(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, 30*time.Minute, got.Duration)
	assert.Equal(t, "scheduled duration elapsed", got.Note)
	assert.Equal(t, uint64(42), got.LastSeq)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.EndedAt)
	assert.True(t, ended.Equal(*got.EndedAt))
	require.Len(t, got.Alerts, 2)
	assert.Equal(t, model.KindMultipleFaces, got.Alerts[0].Kind)
	assert.Equal(t, 3, got.Alerts[0].Occurrences)
	assert.Equal(t, model.KindGazeAway, got.Alerts[1].Kind)

	_, err = st.Load(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)

	list, err := st.List(ctx)
	require.NoError(t, err)
	var ids []string
	for _, s := range list {
		assert.Empty(t, s.Alerts)
		if s.ID == first.ID || s.ID == second.ID {
			ids = append(ids, s.ID)
		}
	}
	assert.Equal(t, []string{first.ID, second.ID}, ids)
}

// TestMemoryStore 内存存储
func TestMemoryStore(t *testing.T) {
	st := NewMemory()
	defer st.Close()
	exerciseStore(t, st)
}

// TestSQLiteStore 临时目录中的 SQLite 存储
func TestSQLiteStore(t *testing.T) {
	st, err := OpenSQLite(filepath.Join(t.TempDir(), "nested", "proctor.db"))
	require.NoError(t, err)
	defer st.Close()
	exerciseStore(t, st)
}

// TestPostgresStore 需要设置 PROCTOR_TEST_POSTGRES_DSN
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("PROCTOR_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PROCTOR_TEST_POSTGRES_DSN not set")
	}

	st, err := OpenPostgres(context.Background(), PGConfig{DSN: dsn})
	require.NoError(t, err)
	defer st.Close()
	exerciseStore(t, st)
}

// TestOpenUnknownDriver 未知驱动报错
func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "mongo"})
	assert.Error(t, err)

	st, err := Open(context.Background(), Config{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, st)
}
