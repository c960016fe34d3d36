package streamserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"ProctorStream/internal/framechan"
	"ProctorStream/internal/model"
	"ProctorStream/internal/protocol"
	"ProctorStream/internal/session"
)

// Config websocket 服务配置
type Config struct {
	ReadBufferSize    int
	WriteBufferSize   int
	MaxFrameBytes     int64
	JoinTimeout       time.Duration // 连接后等待 JoinReq 的时间
	ReadTimeout       time.Duration // 候选人连接的读超时，应大于客户端心跳间隔且小于会话心跳超时
	WriteTimeout      time.Duration
	EnableCompression bool
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		MaxFrameBytes:   protocol.MaxFrameSize,
		JoinTimeout:     10 * time.Second,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    5 * time.Second,
	}
}

// Stats 服务统计
type Stats struct {
	CandidateConnections int32   `json:"candidate_connections"`
	ProctorConnections   int32   `json:"proctor_connections"`
	TotalConnections     uint64  `json:"total_connections"`
	FramesReceived       uint64  `json:"frames_received"`
	FramesDropped        uint64  `json:"frames_dropped"`
	StaleFrames          uint64  `json:"stale_frames"`
	EventsSent           uint64  `json:"events_sent"`
	UptimeSeconds        float64 `json:"uptime_seconds"`
}

// conn 单个 websocket 连接，写操作由 mu 串行化
type conn struct {
	id string
	ws *websocket.Conn
	mu sync.Mutex

	stopChan  chan struct{}
	closeOnce sync.Once
}

func (c *conn) stop() {
	c.closeOnce.Do(func() {
		close(c.stopChan)
	})
}

func (c *conn) write(messageType int, data []byte, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(timeout))
	return c.ws.WriteMessage(messageType, data)
}

func (c *conn) writeJSON(v any, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(timeout))
	return c.ws.WriteJSON(v)
}

// closeWith 发送关闭帧并关闭底层连接
func (c *conn) closeWith(code int, reason string) {
	c.mu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
	c.ws.Close()
	c.mu.Unlock()
	c.stop()
}

// Server 候选人推流与监考观察的 websocket 端点
type Server struct {
	config   Config
	registry *session.Registry
	logger   *slog.Logger
	upgrader websocket.Upgrader
	mux      *http.ServeMux

	connections sync.Map // map[string]*conn
	connWg      sync.WaitGroup
	closing     atomic.Bool

	candidates       atomic.Int32
	proctors         atomic.Int32
	totalConnections atomic.Uint64
	framesReceived   atomic.Uint64
	framesDropped    atomic.Uint64
	staleFrames      atomic.Uint64
	eventsSent       atomic.Uint64
	startTime        time.Time
}

// New 创建 websocket 服务
func New(config Config, registry *session.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxFrameBytes <= 0 {
		config.MaxFrameBytes = protocol.MaxFrameSize
	}

	s := &Server{
		config:   config,
		registry: registry,
		logger:   logger.With("component", "streamserver"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:    config.ReadBufferSize,
			WriteBufferSize:   config.WriteBufferSize,
			EnableCompression: config.EnableCompression,
			CheckOrigin: func(r *http.Request) bool {
				return true // 监考面板与候选人页面可能部署在其他源
			},
		},
		startTime: time.Now(),
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/ws/candidate", s.handleCandidate)
	s.mux.HandleFunc("/ws/proctor", s.handleProctor)
	s.mux.HandleFunc("/ws/stats", s.handleStats)

	return s
}

// ServeHTTP 实现 http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) track(ws *websocket.Conn, kind string) *conn {
	c := &conn{
		id:       fmt.Sprintf("%s_%d_%d", kind, time.Now().UnixNano(), s.totalConnections.Add(1)),
		ws:       ws,
		stopChan: make(chan struct{}),
	}
	s.connections.Store(c.id, c)
	return c
}

func (s *Server) untrack(c *conn) {
	s.connections.Delete(c.id)
}

// handleCandidate 候选人连接：JoinReq 握手后持续接收帧和心跳
func (s *Server) handleCandidate(w http.ResponseWriter, r *http.Request) {
	if s.closing.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s.connWg.Add(1)
	defer s.connWg.Done()

	c := s.track(ws, "candidate")
	defer s.untrack(c)

	s.candidates.Add(1)
	defer s.candidates.Add(-1)

	ws.SetReadLimit(s.config.MaxFrameBytes)

	stream, err := s.join(c)
	if err != nil {
		s.logger.Info("join rejected", "conn_id", c.id, "remote", r.RemoteAddr, "error", err)
		s.sendError(c, err)
		c.closeWith(websocket.ClosePolicyViolation, model.ErrorCode(err))
		return
	}

	log := s.logger.With("conn_id", c.id, "session_id", stream.SessionID())
	log.Info("candidate joined", "remote", r.RemoteAddr)

	// 会话终止时通知候选人并关闭连接
	notified := make(chan struct{})
	go func() {
		defer close(notified)
		select {
		case <-stream.Done():
			snap := stream.Session()
			s.send(c, protocol.OpSessionEnded, protocol.SessionEnded{Status: string(snap.Status), Reason: snap.Note})
			c.closeWith(websocket.CloseNormalClosure, "session ended")
		case <-c.stopChan:
		}
	}()

	clean := s.readCandidate(c, stream, log)
	stream.Close(clean)
	if clean {
		select {
		case <-notified:
		case <-time.After(s.config.WriteTimeout):
		}
	}
	c.stop()
	ws.Close()
	<-notified
}

// join 读取并处理 JoinReq
func (s *Server) join(c *conn) (*session.Stream, error) {
	c.ws.SetReadDeadline(time.Now().Add(s.config.JoinTimeout))

	messageType, raw, err := c.ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read join: %w", err)
	}
	if messageType != websocket.BinaryMessage {
		return nil, fmt.Errorf("%w: expected binary join frame", model.ErrInvalidInput)
	}

	opcode, body, err := protocol.DecodeFrame(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidInput, err)
	}
	if opcode != protocol.OpJoinReq {
		return nil, fmt.Errorf("%w: expected JOIN_REQ, got %s", model.ErrInvalidInput, protocol.OpcodeToString(opcode))
	}

	var req protocol.JoinReq
	if err := protocol.Decode(body, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidInput, err)
	}
	if req.SessionID == "" {
		return nil, fmt.Errorf("%w: session_id is required", model.ErrInvalidInput)
	}

	stream, err := s.registry.Attach(req.SessionID)
	if err != nil {
		return nil, err
	}

	snap := stream.Session()
	resp := protocol.JoinResp{
		SessionID:  snap.ID,
		Status:     string(snap.Status),
		DurationMs: snap.Duration.Milliseconds(),
		LastSeq:    snap.LastSeq,
	}
	if snap.StartedAt != nil {
		resp.StartedAtMs = snap.StartedAt.UnixMilli()
	}
	if err := s.send(c, protocol.OpJoinResp, resp); err != nil {
		stream.Close(false)
		return nil, fmt.Errorf("send join response: %w", err)
	}
	return stream, nil
}

// readCandidate 读循环，返回候选人是否正常结束
func (s *Server) readCandidate(c *conn, stream *session.Stream, log *slog.Logger) bool {
	for {
		c.ws.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))

		messageType, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return true
			}
			select {
			case <-c.stopChan:
			default:
				log.Warn("candidate stream dropped", "error", err)
			}
			return false
		}

		if messageType != websocket.BinaryMessage {
			continue
		}

		opcode, body, err := protocol.DecodeFrame(raw)
		if err != nil {
			log.Warn("decode frame failed", "error", err)
			continue
		}

		switch opcode {
		case protocol.OpFramePush:
			var fp protocol.FramePush
			if err := protocol.Decode(body, &fp); err != nil {
				log.Warn("decode frame push failed", "error", err)
				continue
			}
			s.framesReceived.Add(1)
			frame := model.Frame{Seq: fp.Seq, Payload: fp.Payload}
			if fp.TimestampMs > 0 {
				frame.CapturedAt = time.UnixMilli(fp.TimestampMs)
			}
			res, err := stream.Push(frame)
			switch {
			case errors.Is(err, framechan.ErrStale):
				s.staleFrames.Add(1)
			case errors.Is(err, model.ErrSessionNotActive):
				return false
			case res == framechan.AcceptedDropped:
				s.framesDropped.Add(1)
			}

		case protocol.OpHeartbeat:
			var hb protocol.Heartbeat
			if err := protocol.Decode(body, &hb); err != nil {
				continue
			}
			stream.Heartbeat()
			s.send(c, protocol.OpHeartbeatResp, protocol.HeartbeatResp{ServerUnixMs: time.Now().UnixMilli(), PingSeq: hb.PingSeq})

		case protocol.OpEndStream:
			log.Info("candidate ended stream")
			return true

		default:
			log.Warn("unexpected opcode", "opcode", protocol.OpcodeToString(opcode))
		}
	}
}

func (s *Server) send(c *conn, opcode uint16, msg any) error {
	raw, err := protocol.Encode(opcode, msg)
	if err != nil {
		return err
	}
	return c.write(websocket.BinaryMessage, raw, s.config.WriteTimeout)
}

func (s *Server) sendError(c *conn, err error) {
	s.send(c, protocol.OpError, protocol.ErrorMsg{Code: model.ErrorCode(err), Message: err.Error()})
}

// observerMessage 推送给监考面板的 JSON 消息
type observerMessage struct {
	model.Event
	Missed uint64 `json:"missed,omitempty"`
}

// handleProctor 监考观察：每个事件一条 JSON 文本消息，终止事件后关闭
func (s *Server) handleProctor(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session_id")
	if id == "" {
		writeHTTPError(w, fmt.Errorf("%w: session_id is required", model.ErrInvalidInput))
		return
	}

	obs, err := s.registry.Subscribe(id)
	if err != nil {
		writeHTTPError(w, err)
		return
	}
	defer obs.Close()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s.connWg.Add(1)
	defer s.connWg.Done()

	c := s.track(ws, "proctor")
	defer s.untrack(c)

	s.proctors.Add(1)
	defer s.proctors.Add(-1)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// 观察端只需检测断开
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()
	go func() {
		select {
		case <-c.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		d, err := obs.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.closeWith(websocket.CloseNormalClosure, "session ended")
			} else {
				c.stop()
				ws.Close()
			}
			return
		}

		if err := c.writeJSON(observerMessage{Event: d.Event, Missed: d.Missed}, s.config.WriteTimeout); err != nil {
			s.logger.Warn("observer write failed", "conn_id", c.id, "error", err)
			c.stop()
			ws.Close()
			return
		}
		s.eventsSent.Add(1)
	}
}

// handleStats 服务统计
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.Stats())
}

// Stats 获取统计信息
func (s *Server) Stats() Stats {
	return Stats{
		CandidateConnections: s.candidates.Load(),
		ProctorConnections:   s.proctors.Load(),
		TotalConnections:     s.totalConnections.Load(),
		FramesReceived:       s.framesReceived.Load(),
		FramesDropped:        s.framesDropped.Load(),
		StaleFrames:          s.staleFrames.Load(),
		EventsSent:           s.eventsSent.Load(),
		UptimeSeconds:        time.Since(s.startTime).Seconds(),
	}
}

// Shutdown 关闭所有连接并等待处理协程退出
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}

	s.connections.Range(func(key, value any) bool {
		value.(*conn).closeWith(websocket.CloseGoingAway, "server shutdown")
		return true
	})

	done := make(chan struct{})
	go func() {
		s.connWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func writeHTTPError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrSessionNotActive), errors.Is(err, model.ErrSessionBusy):
		status = http.StatusConflict
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error(), "code": model.ErrorCode(err)})
}
