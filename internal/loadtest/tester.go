// Package loadtest 并发模拟多名候选人推流，统计延迟与吞吐
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"ProctorStream/internal/apiclient"
	"ProctorStream/internal/model"
)

// Config 负载测试配置
type Config struct {
	BaseURL         string
	Candidates      int
	RampUp          time.Duration // 所有候选人在该时间内均匀启动
	SessionDuration time.Duration
	Observe         bool // 每个会话附带一个 websocket 观察者
	Candidate       CandidateConfig
}

// DefaultConfig 默认配置
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:         baseURL,
		Candidates:      10,
		RampUp:          time.Second,
		SessionDuration: 10 * time.Minute,
		Observe:         true,
		Candidate: CandidateConfig{
			Frames:        50,
			FrameInterval: 100 * time.Millisecond,
			FrameSize:     16 << 10,
			Seed:          1,
		},
	}
}

// LatencyStats 延迟分布（毫秒）
type LatencyStats struct {
	Count int     `json:"count"`
	Min   float64 `json:"min_ms"`
	Avg   float64 `json:"avg_ms"`
	P50   float64 `json:"p50_ms"`
	P95   float64 `json:"p95_ms"`
	P99   float64 `json:"p99_ms"`
	Max   float64 `json:"max_ms"`
}

// Result 负载测试结果
type Result struct {
	Candidates int           `json:"candidates"`
	Duration   time.Duration `json:"duration"`

	SessionsCreated int64 `json:"sessions_created"`
	Joined          int64 `json:"joined"`
	Completed       int64 `json:"completed"`
	Aborted         int64 `json:"aborted"`
	Failed          int64 `json:"failed"`

	FramesSent      int64   `json:"frames_sent"`
	FramesFailed    int64   `json:"frames_failed"`
	FramesPerSecond float64 `json:"frames_per_second"`
	Reconnects      int64   `json:"reconnects"`

	EventsObserved int64 `json:"events_observed"`
	AlertsObserved int64 `json:"alerts_observed"`
	MissedEvents   int64 `json:"missed_events"`

	CreateLatency LatencyStats `json:"create_latency"`
	JoinLatency   LatencyStats `json:"join_latency"`
	RTT           LatencyStats `json:"rtt"`

	ErrorsByType map[string]int64 `json:"errors_by_type,omitempty"`
}

// metrics 运行期统计
type metrics struct {
	created, joined, completed, aborted, failed atomic.Int64
	framesSent, framesFailed, reconnects        atomic.Int64
	events, alerts, missed                      atomic.Int64

	mu     sync.Mutex
	create []time.Duration
	join   []time.Duration
	rtt    []time.Duration
	errors map[string]int64
}

func (m *metrics) recordError(err error) {
	kind := model.ErrorCode(err)
	if kind == "INTERNAL" {
		kind = "transport"
	}
	m.mu.Lock()
	m.errors[kind]++
	m.mu.Unlock()
}

// Tester 候选人负载测试器
type Tester struct {
	config Config
	api    *apiclient.Client
	logger *slog.Logger

	metrics *metrics

	ctx    context.Context
	cancel context.CancelFunc
}

// New 创建负载测试器
func New(config Config, logger *slog.Logger) *Tester {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tester{
		config:  config,
		api:     apiclient.New(config.BaseURL, nil),
		logger:  logger.With("component", "loadtest"),
		metrics: &metrics{errors: make(map[string]int64)},
	}
}

// Run 启动全部候选人并等待结束
func (t *Tester) Run(ctx context.Context) (*Result, error) {
	if t.config.Candidates <= 0 {
		return nil, fmt.Errorf("%w: candidates must be positive", model.ErrInvalidInput)
	}
	wsURL, err := t.api.CandidateURL()
	if err != nil {
		return nil, err
	}

	t.ctx, t.cancel = context.WithCancel(ctx)
	defer t.cancel()

	t.logger.Info("load test started",
		"candidates", t.config.Candidates,
		"frames", t.config.Candidate.Frames,
		"interval", t.config.Candidate.FrameInterval)

	var stagger time.Duration
	if t.config.Candidates > 1 {
		stagger = t.config.RampUp / time.Duration(t.config.Candidates)
	}

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < t.config.Candidates; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if !sleep(t.ctx, stagger*time.Duration(id)) {
				return
			}
			t.candidateWorker(id, wsURL)
		}(i)
	}
	wg.Wait()

	res := t.result(time.Since(start))
	t.logger.Info("load test finished",
		"completed", res.Completed,
		"failed", res.Failed,
		"frames_per_second", res.FramesPerSecond)
	return res, nil
}

// Stop 提前结束测试
func (t *Tester) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *Tester) candidateWorker(id int, wsURL string) {
	m := t.metrics

	start := time.Now()
	sessionID, err := t.api.CreateSession(t.ctx, fmt.Sprintf("Load Candidate %03d", id), fmt.Sprintf("candidate%03d@load.test", id), t.config.SessionDuration)
	if err != nil {
		m.failed.Add(1)
		m.recordError(err)
		t.logger.Warn("create session failed", "candidate", id, "error", err)
		return
	}
	m.created.Add(1)
	m.mu.Lock()
	m.create = append(m.create, time.Since(start))
	m.mu.Unlock()

	var observed sync.WaitGroup
	if t.config.Observe {
		conn, err := t.dialObserver(sessionID)
		if err != nil {
			m.recordError(err)
			t.logger.Warn("observer dial failed", "session_id", sessionID, "error", err)
		} else {
			observed.Add(1)
			go func() {
				defer observed.Done()
				t.observe(conn)
			}()
		}
	}

	cfg := t.config.Candidate
	cfg.Seed += uint64(id)
	res, err := RunCandidate(t.ctx, wsURL, sessionID, cfg, t.logger)
	if err != nil {
		m.failed.Add(1)
		m.recordError(err)
		t.logger.Warn("candidate join failed", "session_id", sessionID, "error", err)
		// 未能加入的会话仍是 pending，由测试器结束
		if _, endErr := t.api.EndSession(context.Background(), sessionID); endErr != nil {
			t.logger.Debug("end orphan session", "session_id", sessionID, "error", endErr)
		}
		observed.Wait()
		return
	}

	m.joined.Add(1)
	m.framesSent.Add(int64(res.FramesSent))
	m.framesFailed.Add(int64(res.FramesFailed))
	m.reconnects.Add(int64(res.Reconnects))

	switch model.Status(res.Status) {
	case model.StatusCompleted:
		m.completed.Add(1)
	case model.StatusAborted:
		m.aborted.Add(1)
	default:
		m.failed.Add(1)
	}

	m.mu.Lock()
	m.join = append(m.join, res.JoinLatency)
	m.rtt = append(m.rtt, res.RTTs...)
	m.mu.Unlock()

	observed.Wait()
}

func (t *Tester) dialObserver(sessionID string) (*websocket.Conn, error) {
	u, err := t.api.ProctorURL(sessionID)
	if err != nil {
		return nil, err
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(t.ctx, u, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial observer: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("dial observer: %w", err)
	}
	return conn, nil
}

// observe 读取事件直到服务端在终止事件后关闭连接
func (t *Tester) observe(conn *websocket.Conn) {
	defer conn.Close()

	stop := context.AfterFunc(t.ctx, func() { conn.Close() })
	defer stop()

	for {
		var msg struct {
			Type   model.EventType `json:"type"`
			Missed uint64          `json:"missed"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			var ce *websocket.CloseError
			if !errors.As(err, &ce) && t.ctx.Err() == nil {
				t.logger.Debug("observer read ended", "error", err)
			}
			return
		}
		t.metrics.events.Add(1)
		if msg.Type == model.EventAlert {
			t.metrics.alerts.Add(1)
		}
		t.metrics.missed.Add(int64(msg.Missed))
	}
}

func (t *Tester) result(elapsed time.Duration) *Result {
	m := t.metrics
	m.mu.Lock()
	defer m.mu.Unlock()

	res := &Result{
		Candidates:      t.config.Candidates,
		Duration:        elapsed,
		SessionsCreated: m.created.Load(),
		Joined:          m.joined.Load(),
		Completed:       m.completed.Load(),
		Aborted:         m.aborted.Load(),
		Failed:          m.failed.Load(),
		FramesSent:      m.framesSent.Load(),
		FramesFailed:    m.framesFailed.Load(),
		Reconnects:      m.reconnects.Load(),
		EventsObserved:  m.events.Load(),
		AlertsObserved:  m.alerts.Load(),
		MissedEvents:    m.missed.Load(),
		CreateLatency:   summarize(m.create),
		JoinLatency:     summarize(m.join),
		RTT:             summarize(m.rtt),
	}
	if secs := elapsed.Seconds(); secs > 0 {
		res.FramesPerSecond = float64(res.FramesSent) / secs
	}
	if len(m.errors) > 0 {
		res.ErrorsByType = make(map[string]int64, len(m.errors))
		for k, v := range m.errors {
			res.ErrorsByType[k] = v
		}
	}
	return res
}

// summarize 排序后计算百分位数
func summarize(samples []time.Duration) LatencyStats {
	if len(samples) == 0 {
		return LatencyStats{}
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	ms := func(d time.Duration) float64 { return float64(d.Nanoseconds()) / 1e6 }
	at := func(p float64) float64 {
		idx := int(float64(len(sorted)) * p)
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		return ms(sorted[idx])
	}

	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	return LatencyStats{
		Count: len(sorted),
		Min:   ms(sorted[0]),
		Avg:   ms(total) / float64(len(sorted)),
		P50:   at(0.50),
		P95:   at(0.95),
		P99:   at(0.99),
		Max:   ms(sorted[len(sorted)-1]),
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
