// Package testutil 测试用的进程内服务栈
package testutil

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ProctorStream/internal/detection"
	"ProctorStream/internal/httpserver"
	"ProctorStream/internal/model"
	"ProctorStream/internal/session"
	"ProctorStream/internal/streamserver"
)

// Stack REST + websocket 服务，挂在 httptest 上
type Stack struct {
	Server   *httptest.Server
	Registry *session.Registry
	Stream   *streamserver.Server
}

type stackOptions struct {
	detector detection.Detector
	analyzer detection.Detector
	tuning   session.Tuning
	stream   streamserver.Config
	sinks    []session.Sink
}

// Option 服务栈选项
type Option func(*stackOptions)

// WithDetector 会话使用的检测协作方
func WithDetector(d detection.Detector) Option {
	return func(o *stackOptions) { o.detector = d }
}

// WithAnalyzer 启用 /analyze 端点
func WithAnalyzer(d detection.Detector) Option {
	return func(o *stackOptions) { o.analyzer = d }
}

// WithTuning 会话运行参数
func WithTuning(t session.Tuning) Option {
	return func(o *stackOptions) { o.tuning = t }
}

// WithStreamConfig websocket 服务配置
func WithStreamConfig(c streamserver.Config) Option {
	return func(o *stackOptions) { o.stream = c }
}

// WithSinks 事件转发目标
func WithSinks(sinks ...session.Sink) Option {
	return func(o *stackOptions) { o.sinks = sinks }
}

// NewStack 启动服务栈，测试结束时按 registry -> websocket -> http 的顺序关闭
func NewStack(t testing.TB, opts ...Option) *Stack {
	t.Helper()

	o := stackOptions{stream: streamserver.DefaultConfig()}
	for _, opt := range opts {
		opt(&o)
	}

	reg := session.NewRegistry(session.Options{
		Detector: o.detector,
		Tuning:   o.tuning,
		Sinks:    o.sinks,
	})
	ws := streamserver.New(o.stream, reg, nil)

	var analyzer *detection.Adapter
	if o.analyzer != nil {
		analyzer = detection.NewAdapter(o.analyzer, detection.Config{RetryBudget: 1, CallTimeout: time.Second}, nil)
	}
	hs := httptest.NewServer(httpserver.NewAPIServer(httpserver.DefaultConfig(), reg, analyzer, ws, nil).Handler())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = reg.Shutdown(ctx)
		_ = ws.Shutdown(ctx)
		hs.Close()
	})
	return &Stack{Server: hs, Registry: reg, Stream: ws}
}

// URL HTTP 基地址
func (s *Stack) URL() string {
	return s.Server.URL
}

// CandidateURL 候选人 websocket 地址
func (s *Stack) CandidateURL() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http") + "/ws/candidate"
}

// ProctorURL 观察者 websocket 地址
func (s *Stack) ProctorURL(sessionID string) string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http") + "/ws/proctor?session_id=" + sessionID
}

// CreateSession 直接在注册表中创建会话
func (s *Stack) CreateSession(t testing.TB, duration time.Duration) model.Session {
	t.Helper()
	sess, err := s.Registry.Create(context.Background(), "Ada Lovelace", "ada@example.com", duration)
	require.NoError(t, err)
	return sess
}

// WaitStatus 等待会话进入指定状态并返回快照
func (s *Stack) WaitStatus(t testing.TB, id string, status model.Status) model.Session {
	t.Helper()

	var last model.Session
	require.Eventually(t, func() bool {
		sess, err := s.Registry.Get(context.Background(), id)
		if err != nil {
			return false
		}
		last = sess
		return sess.Status == status
	}, 5*time.Second, 5*time.Millisecond, "session %s never reached %s", id, status)
	return last
}
