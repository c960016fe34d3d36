package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"ProctorStream/internal/audit"
	"ProctorStream/internal/config"
	"ProctorStream/internal/detection"
	"ProctorStream/internal/grpcserver"
	"ProctorStream/internal/loadtest"
	"ProctorStream/internal/logger"
	"ProctorStream/internal/model"
	"ProctorStream/internal/session"
	"ProctorStream/internal/store"
	"ProctorStream/internal/testutil"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// TestSimulateAndExport 模拟候选人推流后导出审计记录
func TestSimulateAndExport(t *testing.T) {
	stack := testutil.NewStack(t, testutil.WithDetector(detection.NewScripted(detection.Kinds(model.KindGazeAway, model.KindNone)...)))

	out, err := run(t, "simulate", "--server", stack.URL(), "--frames", "3", "--interval", "10ms", "--duration", "1m")
	require.NoError(t, err)
	assert.Contains(t, out, "pushed 3 frames")
	assert.Contains(t, out, "status=completed")

	m := regexp.MustCompile(`created session (\S+)`).FindStringSubmatch(out)
	require.Len(t, m, 2)
	id := m[1]

	sess := stack.WaitStatus(t, id, model.StatusCompleted)
	assert.Equal(t, uint64(3), sess.LastSeq)
	require.Len(t, sess.Alerts, 1)
	assert.Equal(t, model.KindGazeAway, sess.Alerts[0].Kind)

	out, err = run(t, "export", id, "--server", stack.URL(), "-f", "json")
	require.NoError(t, err)
	var rec audit.Record
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, id, rec.Session.ID)
	assert.Equal(t, 1, rec.Occurrences)

	_, err = run(t, "export", "missing", "--server", stack.URL())
	assert.ErrorContains(t, err, "NOT_FOUND")
}

// TestSimulateUnknownSession 加入不存在的会话
func TestSimulateUnknownSession(t *testing.T) {
	stack := testutil.NewStack(t)

	_, err := run(t, "simulate", "--server", stack.URL(), "--session", "missing", "--frames", "1")
	assert.ErrorContains(t, err, "NOT_FOUND")
}

// TestLoadTestCommand 多个候选人并发推流，输出 JSON 报告
func TestLoadTestCommand(t *testing.T) {
	stack := testutil.NewStack(t)

	out, err := run(t, "loadtest", "--server", stack.URL(), "-c", "2", "--frames", "2",
		"--interval", "10ms", "--ramp-up", "0s", "--duration", "1m", "--json")
	require.NoError(t, err)

	var res loadtest.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 2, res.Candidates)
	assert.Equal(t, int64(2), res.Completed)
	assert.Equal(t, int64(4), res.FramesSent)
	assert.Zero(t, res.Failed)
	assert.Equal(t, 2, res.JoinLatency.Count)
}

// TestExportFromStore 直接从存储读取已移除的会话
func TestExportFromStore(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "proctor.db")

	st, err := store.OpenSQLite(dbPath)
	require.NoError(t, err)
	now := time.Now().UTC().Truncate(time.Millisecond)
	started := now.Add(-time.Minute)
	require.NoError(t, st.Save(context.Background(), model.Session{
		ID: "sess-1", CandidateName: "Ada", CandidateEmail: "ada@example.com",
		Duration: time.Hour, Status: model.StatusAborted, CreatedAt: started, StartedAt: &started, EndedAt: &now,
		AlertCount: 2, Note: "stream stalled",
		Alerts: []model.Alert{{
			SessionID: "sess-1", Kind: model.KindVoiceActivity, Message: model.KindMessage(model.KindVoiceActivity),
			Severity: model.SeverityMedium, FirstSeen: started, LastSeen: now, Occurrences: 2,
		}},
	}))
	require.NoError(t, st.Close())

	cfgPath := filepath.Join(dir, "proctor.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("storage:\n  driver: sqlite\n  sqlite_path: "+dbPath+"\n"), 0o644))

	outFile := filepath.Join(dir, "audit.yaml")
	_, err = run(t, "--config", cfgPath, "export", "sess-1", "--from-store", "-o", outFile)
	require.NoError(t, err)

	raw, err := os.ReadFile(outFile)
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, yaml.Unmarshal(raw, &rec))
	assert.Equal(t, 2, rec["total_occurrences"])
	assert.Equal(t, "aborted", rec["session"].(map[string]any)["status"])

	_, err = run(t, "--config", cfgPath, "export", "nope", "--from-store")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

// TestWatchList 通过 gRPC 列出会话
func TestWatchList(t *testing.T) {
	reg := session.NewRegistry(session.Options{})
	srv := grpcserver.NewServer(reg, nil)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(lis)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = reg.Shutdown(ctx)
		srv.Stop()
	})

	out, err := run(t, "watch", "--list", "--grpc", lis.Addr().String())
	require.NoError(t, err)
	assert.Contains(t, out, "no sessions")

	s, err := reg.Create(context.Background(), "Ada", "ada@example.com", time.Minute)
	require.NoError(t, err)
	out, err = run(t, "watch", "--list", "--grpc", lis.Addr().String())
	require.NoError(t, err)
	assert.Contains(t, out, s.ID)
	assert.Contains(t, out, "pending")

	_, err = run(t, "watch", "--grpc", lis.Addr().String())
	assert.Error(t, err)
}

// TestBuildApp 按配置装配全部组件并按顺序关闭
func TestBuildApp(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "proctor.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("storage:\n  driver: memory\ndetection:\n  backend: scripted\n"), 0o644))

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	a, err := buildApp(context.Background(), cfg, logger.New(&bytes.Buffer{}, "info", "text"))
	require.NoError(t, err)
	require.NotNil(t, a.grpc)
	assert.Nil(t, a.mqtt)

	s, err := a.registry.Create(context.Background(), "Ada", "ada@example.com", time.Minute)
	require.NoError(t, err)
	_, err = a.registry.Attach(s.ID)
	require.NoError(t, err)

	a.shutdown(5 * time.Second)

	got, err := a.registry.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAborted, got.Status)
	assert.Equal(t, model.ErrShutdown.Error(), got.Note)
}
