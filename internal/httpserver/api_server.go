package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"ProctorStream/internal/audit"
	"ProctorStream/internal/detection"
	"ProctorStream/internal/model"
	"ProctorStream/internal/session"
	"ProctorStream/internal/streamserver"
)

// Config HTTP 服务配置
type Config struct {
	Addr           string        `mapstructure:"addr"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	MaxUploadBytes int64         `mapstructure:"max_upload_bytes"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    60 * time.Second,
		AllowedOrigins: []string{"*"},
		MaxUploadBytes: 8 << 20,
	}
}

// APIServer 会话管理 REST API，同时挂载 websocket 端点
type APIServer struct {
	config   Config
	router   *mux.Router
	server   *http.Server
	registry *session.Registry
	analyzer *detection.Adapter
	stream   *streamserver.Server
	logger   *slog.Logger

	requestCount atomic.Uint64
	errorCount   atomic.Uint64
	responseTime []time.Duration
	mu           sync.RWMutex
	startTime    time.Time
}

// createSessionRequest POST /sessions 请求体
type createSessionRequest struct {
	Name            string `json:"name"`
	Email           string `json:"email"`
	DurationSeconds int64  `json:"duration_seconds"`
}

// errorResponse 错误响应
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// NewAPIServer 创建 API 服务器；analyzer 和 stream 可以为 nil
func NewAPIServer(config Config, registry *session.Registry, analyzer *detection.Adapter, stream *streamserver.Server, logger *slog.Logger) *APIServer {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = DefaultConfig().MaxUploadBytes
	}

	s := &APIServer{
		config:    config,
		router:    mux.NewRouter(),
		registry:  registry,
		analyzer:  analyzer,
		stream:    stream,
		logger:    logger.With("component", "httpserver"),
		startTime: time.Now(),
	}

	s.setupRoutes()

	// 监考面板可能部署在其他源
	c := cors.New(cors.Options{
		AllowedOrigins: config.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})

	s.server = &http.Server{
		Addr:         config.Addr,
		Handler:      c.Handler(s.router),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return s
}

// setupRoutes 设置路由
func (s *APIServer) setupRoutes() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.metricsMiddleware)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/sessions", s.createSessionHandler).Methods("POST")
	api.HandleFunc("/sessions", s.listSessionsHandler).Methods("GET")
	api.HandleFunc("/sessions/{id}", s.getSessionHandler).Methods("GET")
	api.HandleFunc("/sessions/{id}", s.deleteSessionHandler).Methods("DELETE")
	api.HandleFunc("/sessions/{id}/end", s.endSessionHandler).Methods("POST")
	api.HandleFunc("/sessions/{id}/export", s.exportSessionHandler).Methods("GET")

	api.HandleFunc("/analyze", s.analyzeHandler).Methods("POST")

	api.HandleFunc("/stats", s.statsHandler).Methods("GET")
	api.HandleFunc("/health", s.healthCheckHandler).Methods("GET")

	if s.stream != nil {
		s.router.PathPrefix("/ws/").Handler(s.stream)
	}
}

// statusRecorder 记录响应状态码，保留 Hijacker 以支持 websocket 升级
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// 中间件
func (s *APIServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			"method", r.Method,
			"uri", r.RequestURI,
			"remote", r.RemoteAddr,
			"status", rec.status,
			"duration", time.Since(start))
	})
}

func (s *APIServer) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// websocket 连接持续整个会话，不计入请求耗时
		if strings.HasPrefix(r.URL.Path, "/ws/") {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		next.ServeHTTP(w, r)
		duration := time.Since(start)

		s.requestCount.Add(1)
		s.mu.Lock()
		s.responseTime = append(s.responseTime, duration)
		// 保持最近1000个请求的响应时间
		if len(s.responseTime) > 1000 {
			s.responseTime = s.responseTime[1:]
		}
		s.mu.Unlock()
	})
}

// Handler 带 CORS 的根处理器
func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *APIServer) createSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("%w: invalid request body: %v", model.ErrInvalidInput, err))
		return
	}

	sess, err := s.registry.Create(r.Context(), req.Name, req.Email, time.Duration(req.DurationSeconds)*time.Second)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]any{
		"session_id": sess.ID,
		"status":     sess.Status,
	})
}

func (s *APIServer) listSessionsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := session.Filter{
		Status: model.Status(q.Get("status")),
		Query:  q.Get("q"),
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		s.writeError(w, fmt.Errorf("%w: unknown status %q", model.ErrInvalidInput, filter.Status))
		return
	}

	sessions, err := s.registry.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []model.Session{}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (s *APIServer) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

func (s *APIServer) endSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	status, err := s.registry.End(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"status":     status,
	})
}

func (s *APIServer) deleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.registry.Remove(id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"removed":    true,
	})
}

func (s *APIServer) exportSessionHandler(w http.ResponseWriter, r *http.Request) {
	format, err := audit.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	sess, err := s.registry.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "session-"+sess.ID+"."+string(format)))
	if err := audit.Render(w, sess, format); err != nil {
		s.logger.Error("export failed", "session_id", sess.ID, "error", err)
	}
}

// analyzeHandler 单帧分析，不关联会话
func (s *APIServer) analyzeHandler(w http.ResponseWriter, r *http.Request) {
	if s.analyzer == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "analysis is not configured", Code: "INTERNAL"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	file, _, err := r.FormFile("frame")
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: multipart field \"frame\" is required", model.ErrInvalidInput))
		return
	}
	defer file.Close()

	payload, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: read frame: %v", model.ErrInvalidInput, err))
		return
	}

	frame := model.Frame{CapturedAt: time.Now(), Payload: payload}
	dets, err := s.analyzer.Detect(r.Context(), frame, detection.SessionContext{})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"detections": dets,
		"alert":      detection.HasAlerts(dets),
	})
}

func (s *APIServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"sessions": s.registry.Stats(),
		"http":     s.GetStats(),
	}
	if s.stream != nil {
		out["stream"] = s.stream.Stats()
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *APIServer) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"uptime":    time.Since(s.startTime).Seconds(),
		"timestamp": time.Now().UnixMilli(),
	})
}

// writeError 按错误分类写出 {error, code}
func (s *APIServer) writeError(w http.ResponseWriter, err error) {
	s.errorCount.Add(1)

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrSessionNotActive), errors.Is(err, model.ErrSessionBusy):
		status = http.StatusConflict
	case errors.Is(err, model.ErrFatalPipeline):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}

	s.writeJSON(w, status, errorResponse{Error: err.Error(), Code: model.ErrorCode(err)})
}

func (s *APIServer) writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// Start 启动服务器，Shutdown 后返回 nil
func (s *APIServer) Start() error {
	s.logger.Info("starting HTTP API server", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 停止接收新请求并等待处理中的请求完成
func (s *APIServer) Shutdown(ctx context.Context) error {
	s.logger.Info("stopping HTTP API server")
	return s.server.Shutdown(ctx)
}

// GetStats 获取服务器统计信息
func (s *APIServer) GetStats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var avgResponseTime float64
	if len(s.responseTime) > 0 {
		var total time.Duration
		for _, rt := range s.responseTime {
			total += rt
		}
		avgResponseTime = float64(total.Nanoseconds()) / float64(len(s.responseTime)) / 1e6 // ms
	}

	return map[string]any{
		"uptime_seconds":       time.Since(s.startTime).Seconds(),
		"total_requests":       s.requestCount.Load(),
		"error_count":          s.errorCount.Load(),
		"avg_response_time_ms": avgResponseTime,
	}
}
