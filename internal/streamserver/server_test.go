package streamserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ProctorStream/internal/alert"
	"ProctorStream/internal/detection"
	"ProctorStream/internal/model"
	"ProctorStream/internal/session"
	"ProctorStream/internal/wsclient"
)

type harness struct {
	registry *session.Registry
	server   *Server
	http     *httptest.Server
	wsURL    string
}

func newHarness(t *testing.T, det detection.Detector) *harness {
	t.Helper()

	tuning := session.DefaultTuning()
	tuning.HeartbeatTimeout = 2 * time.Second
	tuning.ReconnectGrace = 2 * time.Second
	tuning.Alert = alert.Config{DebounceWindow: 5 * time.Second, EscalateAfter: 5}
	tuning.Detection = detection.Config{
		RetryBudget:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		CallTimeout:    time.Second,
	}

	reg := session.NewRegistry(session.Options{Detector: det, Tuning: tuning})
	srv := New(DefaultConfig(), reg, nil)
	hs := httptest.NewServer(srv)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = reg.Shutdown(ctx)
		_ = srv.Shutdown(ctx)
		hs.Close()
	})

	return &harness{
		registry: reg,
		server:   srv,
		http:     hs,
		wsURL:    "ws" + strings.TrimPrefix(hs.URL, "http"),
	}
}

func (h *harness) create(t *testing.T, duration time.Duration) model.Session {
	t.Helper()
	s, err := h.registry.Create(context.Background(), "Ada", "ada@example.com", duration)
	require.NoError(t, err)
	return s
}

func (h *harness) candidate(t *testing.T, sessionID string) *wsclient.Client {
	t.Helper()
	cfg := wsclient.DefaultClientConfig(h.wsURL+"/ws/candidate", sessionID)
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.ReconnectInterval = 20 * time.Millisecond
	cfg.MaxReconnectInterval = 100 * time.Millisecond
	c := wsclient.New(cfg, nil)
	t.Cleanup(func() { c.Close() })
	return c
}

func (h *harness) proctor(t *testing.T, sessionID string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(h.wsURL+"/ws/proctor?session_id="+sessionID, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

// readEvents 读取监考端消息直到连接关闭
func readEvents(t *testing.T, ws *websocket.Conn) []observerMessage {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))

	var out []observerMessage
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected close: %v", err)
			return out
		}
		var msg observerMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		out = append(out, msg)
	}
}

func phases(msgs []observerMessage) []model.Phase {
	var out []model.Phase
	for _, m := range msgs {
		if m.Type == model.EventLifecycle {
			out = append(out, m.Phase)
		}
	}
	return out
}

// TestCandidateStreamEndToEnd 推流、告警推送、正常结束
func TestCandidateStreamEndToEnd(t *testing.T) {
	det := detection.NewScripted(detection.Kinds(model.KindMultipleFaces, model.KindNone)...)
	h := newHarness(t, det)
	s := h.create(t, time.Minute)

	observer := h.proctor(t, s.ID)

	client := h.candidate(t, s.ID)
	require.NoError(t, client.Connect(context.Background()))

	for i := 0; i < 3; i++ {
		_, err := client.SendFrame([]byte("jpeg"), time.Now())
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return det.Calls() >= 3 }, 3*time.Second, 5*time.Millisecond)

	require.NoError(t, client.Close())
	select {
	case <-client.Ended():
	default:
		t.Fatal("candidate did not receive SESSION_ENDED")
	}
	status, reason := client.Result()
	assert.Equal(t, string(model.StatusCompleted), status)
	assert.Equal(t, model.ErrStreamClosed.Error(), reason)

	msgs := readEvents(t, observer)
	assert.Equal(t, []model.Phase{model.PhaseActivated, model.PhaseTerminated}, phases(msgs))

	var alerts []observerMessage
	for _, m := range msgs {
		if m.Type == model.EventAlert {
			alerts = append(alerts, m)
		}
	}
	require.Len(t, alerts, 1)
	assert.Equal(t, model.KindMultipleFaces, alerts[0].Kind)
	assert.Equal(t, model.ReasonNew, alerts[0].Reason)

	got, err := h.registry.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.AlertCount)
	assert.Equal(t, uint64(3), got.LastSeq)

	stats := h.server.Stats()
	assert.Equal(t, uint64(3), stats.FramesReceived)
}

// TestJoinRejected 未知会话与已结束会话
func TestJoinRejected(t *testing.T) {
	h := newHarness(t, nil)

	err := h.candidate(t, "missing").Connect(context.Background())
	var joinErr *wsclient.JoinError
	require.ErrorAs(t, err, &joinErr)
	assert.Equal(t, "NOT_FOUND", joinErr.Code)

	s := h.create(t, time.Minute)
	_, err = h.registry.End(context.Background(), s.ID)
	require.NoError(t, err)

	err = h.candidate(t, s.ID).Connect(context.Background())
	require.ErrorAs(t, err, &joinErr)
	assert.Equal(t, "SESSION_NOT_ACTIVE", joinErr.Code)
}

// TestProctorRejected 观察未知会话返回 HTTP 404
func TestProctorRejected(t *testing.T) {
	h := newHarness(t, nil)

	_, resp, err := websocket.DefaultDialer.Dial(h.wsURL+"/ws/proctor?session_id=missing", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(h.wsURL+"/ws/proctor", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// TestCandidateReconnect 断线后重新加入同一会话，序列号继续递增
func TestCandidateReconnect(t *testing.T) {
	h := newHarness(t, nil)
	s := h.create(t, time.Minute)
	observer := h.proctor(t, s.ID)

	client := h.candidate(t, s.ID)
	require.NoError(t, client.Connect(context.Background()))

	_, err := client.SendFrame([]byte("a"), time.Now())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, _ := h.registry.Get(context.Background(), s.ID)
		return got.LastSeq == 1
	}, 3*time.Second, 5*time.Millisecond)

	client.Drop()
	require.Eventually(t, func() bool {
		return client.Reconnects() == 1 && client.State() == wsclient.StateConnected
	}, 5*time.Second, 10*time.Millisecond)

	seq, err := client.SendFrame([]byte("b"), time.Now())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
	require.Eventually(t, func() bool {
		got, _ := h.registry.Get(context.Background(), s.ID)
		return got.LastSeq == 2
	}, 3*time.Second, 5*time.Millisecond)

	_, err = h.registry.End(context.Background(), s.ID)
	require.NoError(t, err)

	select {
	case <-client.Ended():
	case <-time.After(3 * time.Second):
		t.Fatal("candidate was not notified")
	}

	got, err := h.registry.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Reconnects)
	assert.Equal(t, model.StatusCompleted, got.Status)

	assert.Equal(t, []model.Phase{
		model.PhaseActivated,
		model.PhaseStreamLost,
		model.PhaseStreamResumed,
		model.PhaseTerminated,
	}, phases(readEvents(t, observer)))
}

// TestDurationElapsedNotifiesCandidate 时长到期后候选人收到 SESSION_ENDED
func TestDurationElapsedNotifiesCandidate(t *testing.T) {
	h := newHarness(t, nil)
	s := h.create(t, 200*time.Millisecond)

	var endedStatus string
	done := make(chan struct{})
	client := h.candidate(t, s.ID)
	client.SetEndedHandler(func(status, reason string) {
		endedStatus = status
		close(done)
	})
	require.NoError(t, client.Connect(context.Background()))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end")
	}
	assert.Equal(t, string(model.StatusCompleted), endedStatus)
	assert.Equal(t, wsclient.StateClosed, client.State())
}

// TestStatsEndpoint 统计接口
func TestStatsEndpoint(t *testing.T) {
	h := newHarness(t, nil)

	resp, err := http.Get(h.http.URL + "/ws/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	var stats Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, int32(0), stats.CandidateConnections)
	assert.GreaterOrEqual(t, stats.UptimeSeconds, 0.0)
}
