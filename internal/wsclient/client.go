package wsclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"ProctorStream/internal/model"
	"ProctorStream/internal/protocol"
)

// ClientState 客户端连接状态
type ClientState int32

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ErrNotConnected 当前没有可用连接
var ErrNotConnected = errors.New("client is not connected")

// JoinError 服务端拒绝加入
type JoinError struct {
	Code    string
	Message string
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("join rejected: %s: %s", e.Code, e.Message)
}

// Unwrap 还原为 model 中的错误分类
func (e *JoinError) Unwrap() error {
	return model.ErrorForCode(e.Code)
}

// retryable SESSION_BUSY 表示旧连接仍在宽限期内，可以稍后重试
func (e *JoinError) retryable() bool {
	return e.Code == "SESSION_BUSY"
}

// EndedHandler 会话终止回调
type EndedHandler func(status, reason string)

// StateChangeHandler 状态变化处理器
type StateChangeHandler func(oldState, newState ClientState)

// RTTHandler RTT变化处理器
type RTTHandler func(rtt time.Duration)

// ClientConfig 客户端配置
type ClientConfig struct {
	URL                  string
	SessionID            string
	HandshakeTimeout     time.Duration
	HeartbeatInterval    time.Duration
	WriteTimeout         time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration
	MaxReconnectTries    int
	EnableCompression    bool
	UserAgent            string
}

// DefaultClientConfig 返回默认配置
func DefaultClientConfig(url, sessionID string) *ClientConfig {
	return &ClientConfig{
		URL:                  url,
		SessionID:            sessionID,
		HandshakeTimeout:     10 * time.Second,
		HeartbeatInterval:    5 * time.Second,
		WriteTimeout:         5 * time.Second,
		ReconnectInterval:    500 * time.Millisecond,
		MaxReconnectInterval: 5 * time.Second,
		MaxReconnectTries:    10,
		UserAgent:            "ProctorStream-candidate/1.0",
	}
}

// Client 候选人推流客户端，支持断线重连（重新加入同一会话）和心跳
type Client struct {
	config *ClientConfig
	dialer *websocket.Dialer
	logger *slog.Logger
	conn   *websocket.Conn
	state  atomic.Int32

	onEnded       EndedHandler
	onStateChange StateChangeHandler
	onRTT         RTTHandler

	mu            sync.RWMutex
	writeMu       sync.Mutex
	stopChan      chan struct{}
	stopOnce      sync.Once
	reconnectChan chan struct{}

	// 帧序列号，重连后不会回退
	seq atomic.Uint64

	lastPingSeq  atomic.Uint64
	lastPingTime atomic.Int64 // unix nano
	avgRTT       atomic.Int64 // nano seconds

	reconnects atomic.Int32
	framesSent atomic.Uint64

	ended       chan struct{}
	endOnce     sync.Once
	endStatus   string
	endReason   string
	joinedAtSeq atomic.Uint64
}

// New 创建候选人客户端
func New(config *ClientConfig, logger *slog.Logger) *Client {
	if config == nil {
		panic("config cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = config.HandshakeTimeout
	dialer.EnableCompression = config.EnableCompression

	client := &Client{
		config:        config,
		dialer:        &dialer,
		logger:        logger.With("component", "wsclient", "session_id", config.SessionID),
		stopChan:      make(chan struct{}),
		reconnectChan: make(chan struct{}, 1),
		ended:         make(chan struct{}),
	}

	client.setState(StateDisconnected)
	return client
}

// SetEndedHandler 设置会话终止回调
func (c *Client) SetEndedHandler(handler EndedHandler) {
	c.onEnded = handler
}

// SetStateChangeHandler 设置状态变化处理器
func (c *Client) SetStateChangeHandler(handler StateChangeHandler) {
	c.onStateChange = handler
}

// SetRTTHandler 设置RTT变化处理器
func (c *Client) SetRTTHandler(handler RTTHandler) {
	c.onRTT = handler
}

// Connect 连接并加入会话
func (c *Client) Connect(ctx context.Context) error {
	if !c.compareAndSwapState(StateDisconnected, StateConnecting) {
		return errors.New("client is not in disconnected state")
	}

	conn, err := c.doConnect(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}

	c.setState(StateConnected)

	go c.heartbeatLoop()
	go c.readLoop(conn)
	go c.reconnectLoop()

	return nil
}

// doConnect 拨号并完成 JoinReq 握手
func (c *Client) doConnect(ctx context.Context) (*websocket.Conn, error) {
	headers := http.Header{
		"User-Agent": []string{c.config.UserAgent},
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.config.URL, headers)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	if err := c.doJoin(conn); err != nil {
		conn.Close()
		return nil, err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return conn, nil
}

// doJoin 发送 JoinReq 并等待 JoinResp
func (c *Client) doJoin(conn *websocket.Conn) error {
	raw, err := protocol.Encode(protocol.OpJoinReq, protocol.JoinReq{SessionID: c.config.SessionID})
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
		return fmt.Errorf("send join request failed: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(c.config.HandshakeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read join response failed: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	opcode, body, err := protocol.DecodeFrame(data)
	if err != nil {
		return fmt.Errorf("decode join response failed: %w", err)
	}

	switch opcode {
	case protocol.OpJoinResp:
		var resp protocol.JoinResp
		if err := protocol.Decode(body, &resp); err != nil {
			return err
		}
		c.raiseSeq(resp.LastSeq)
		c.joinedAtSeq.Store(resp.LastSeq)
		c.logger.Info("joined session", "status", resp.Status, "last_seq", resp.LastSeq)
		return nil
	case protocol.OpError:
		var msg protocol.ErrorMsg
		if err := protocol.Decode(body, &msg); err != nil {
			return err
		}
		return &JoinError{Code: msg.Code, Message: msg.Message}
	default:
		return fmt.Errorf("unexpected opcode for join response: %s", protocol.OpcodeToString(opcode))
	}
}

// raiseSeq 服务端已处理的序列号高于本地时跟进
func (c *Client) raiseSeq(floor uint64) {
	for {
		cur := c.seq.Load()
		if cur >= floor || c.seq.CompareAndSwap(cur, floor) {
			return
		}
	}
}

// SendFrame 推送一帧，返回分配的序列号
func (c *Client) SendFrame(payload []byte, capturedAt time.Time) (uint64, error) {
	if c.getState() != StateConnected {
		return 0, ErrNotConnected
	}

	seq := c.seq.Add(1)
	push := protocol.FramePush{
		SessionID:   c.config.SessionID,
		Seq:         seq,
		TimestampMs: capturedAt.UnixMilli(),
		Payload:     payload,
	}
	if err := c.sendMessage(protocol.OpFramePush, push); err != nil {
		c.triggerReconnect()
		return seq, err
	}
	c.framesSent.Add(1)
	return seq, nil
}

// sendMessage 编码并发送一条消息
func (c *Client) sendMessage(opcode uint16, msg any) error {
	frame, err := protocol.Encode(opcode, msg)
	if err != nil {
		return err
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

// heartbeatLoop 心跳循环
func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			if c.getState() == StateConnected {
				c.sendHeartbeat()
			}
		}
	}
}

// sendHeartbeat 发送心跳
func (c *Client) sendHeartbeat() {
	seq := c.lastPingSeq.Add(1)
	now := time.Now()
	c.lastPingTime.Store(now.UnixNano())

	heartbeat := protocol.Heartbeat{
		ClientUnixMs: now.UnixMilli(),
		PingSeq:      seq,
	}

	if err := c.sendMessage(protocol.OpHeartbeat, heartbeat); err != nil {
		c.logger.Warn("send heartbeat failed", "error", err)
		c.triggerReconnect()
	}
}

// readLoop 单个连接的读循环，连接失效时触发重连
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.stopChan:
			default:
				c.logger.Warn("read message failed", "error", err)
				c.triggerReconnect()
			}
			return
		}

		opcode, body, err := protocol.DecodeFrame(data)
		if err != nil {
			c.logger.Warn("decode frame failed", "error", err)
			continue
		}
		c.handleMessage(opcode, body)
	}
}

// handleMessage 处理服务端消息
func (c *Client) handleMessage(opcode uint16, body []byte) {
	switch opcode {
	case protocol.OpHeartbeatResp:
		var resp protocol.HeartbeatResp
		if err := protocol.Decode(body, &resp); err == nil {
			c.handleHeartbeatResp(resp)
		}
	case protocol.OpSessionEnded:
		var ended protocol.SessionEnded
		if err := protocol.Decode(body, &ended); err != nil {
			c.logger.Warn("decode session ended failed", "error", err)
			return
		}
		c.markEnded(ended.Status, ended.Reason)
	case protocol.OpError:
		var msg protocol.ErrorMsg
		if err := protocol.Decode(body, &msg); err == nil {
			c.logger.Warn("server error", "code", msg.Code, "message", msg.Message)
		}
	default:
		c.logger.Debug("ignored message", "opcode", protocol.OpcodeToString(opcode))
	}
}

// handleHeartbeatResp 更新 RTT
func (c *Client) handleHeartbeatResp(resp protocol.HeartbeatResp) {
	if resp.PingSeq != c.lastPingSeq.Load() {
		return
	}
	pingTime := time.Unix(0, c.lastPingTime.Load())
	rtt := time.Since(pingTime)
	if rtt <= 0 {
		return
	}

	// 简单移动平均
	oldAvg := time.Duration(c.avgRTT.Load())
	newAvg := rtt
	if oldAvg > 0 {
		newAvg = (oldAvg + rtt) / 2
	}
	c.avgRTT.Store(int64(newAvg))

	if c.onRTT != nil {
		c.onRTT(rtt)
	}
}

// markEnded 会话已终止，客户端随之关闭且不再重连
func (c *Client) markEnded(status, reason string) {
	c.endOnce.Do(func() {
		c.mu.Lock()
		c.endStatus = status
		c.endReason = reason
		c.mu.Unlock()

		c.logger.Info("session ended", "status", status, "reason", reason)
		c.setState(StateClosed)
		c.stop()
		close(c.ended)

		if c.onEnded != nil {
			c.onEnded(status, reason)
		}
	})
}

// reconnectLoop 重连循环
func (c *Client) reconnectLoop() {
	for {
		select {
		case <-c.stopChan:
			return
		case <-c.reconnectChan:
			c.doReconnect()
		}
	}
}

// triggerReconnect 触发重连
func (c *Client) triggerReconnect() {
	if c.compareAndSwapState(StateConnected, StateReconnecting) {
		select {
		case c.reconnectChan <- struct{}{}:
		default:
		}
	}
}

// doReconnect 指数退避重连，重新加入同一会话
func (c *Client) doReconnect() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.config.ReconnectInterval
	expo.MaxInterval = c.config.MaxReconnectInterval
	expo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(c.config.MaxReconnectTries)), ctx)

	attempt := 0
	var conn *websocket.Conn
	err := backoff.Retry(func() error {
		attempt++
		c.logger.Info("reconnecting", "attempt", attempt, "max", c.config.MaxReconnectTries)

		var err error
		conn, err = c.doConnect(ctx)
		var joinErr *JoinError
		if errors.As(err, &joinErr) && !joinErr.retryable() {
			return backoff.Permanent(err)
		}
		return err
	}, policy)

	if err != nil {
		c.logger.Warn("reconnect failed", "error", err)
		var joinErr *JoinError
		if errors.As(err, &joinErr) && joinErr.Code == "SESSION_NOT_ACTIVE" {
			c.markEnded("", joinErr.Message)
			return
		}
		if c.getState() != StateClosed {
			c.setState(StateDisconnected)
		}
		return
	}

	if !c.compareAndSwapState(StateReconnecting, StateConnected) {
		// 重连期间客户端已关闭
		conn.Close()
		return
	}
	c.reconnects.Add(1)
	c.logger.Info("reconnected", "last_seq", c.joinedAtSeq.Load())
	go c.readLoop(conn)
}

// Drop 直接断开底层连接而不发送关闭帧，模拟网络中断
func (c *Client) Drop() {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn != nil {
		conn.UnderlyingConn().Close()
	}
}

// Close 发送 EndStream 并等待服务端确认会话终止
func (c *Client) Close() error {
	if c.getState() == StateConnected {
		if err := c.sendMessage(protocol.OpEndStream, protocol.EndStream{Reason: "candidate finished"}); err == nil {
			select {
			case <-c.ended:
			case <-time.After(c.config.HandshakeTimeout):
			}
		}
	}

	c.setState(StateClosed)
	c.stop()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}

func (c *Client) stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
}

// Ended 会话终止时关闭
func (c *Client) Ended() <-chan struct{} {
	return c.ended
}

// Result 会话终止状态和原因，未终止时为空
func (c *Client) Result() (status, reason string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endStatus, c.endReason
}

// State 当前状态
func (c *Client) State() ClientState {
	return c.getState()
}

// LastSeq 最近分配的帧序列号
func (c *Client) LastSeq() uint64 {
	return c.seq.Load()
}

// getState 获取当前状态
func (c *Client) getState() ClientState {
	return ClientState(c.state.Load())
}

// setState 设置状态
func (c *Client) setState(newState ClientState) {
	oldState := ClientState(c.state.Swap(int32(newState)))
	if oldState != newState && c.onStateChange != nil {
		c.onStateChange(oldState, newState)
	}
}

// compareAndSwapState 原子性状态切换
func (c *Client) compareAndSwapState(oldState, newState ClientState) bool {
	swapped := c.state.CompareAndSwap(int32(oldState), int32(newState))
	if swapped && c.onStateChange != nil {
		c.onStateChange(oldState, newState)
	}
	return swapped
}

// Reconnects 成功重连次数
func (c *Client) Reconnects() int {
	return int(c.reconnects.Load())
}

// Stats 客户端统计快照
type Stats struct {
	State      ClientState
	LastSeq    uint64
	FramesSent uint64
	Reconnects int
	AvgRTT     time.Duration
}

// Stats 返回统计快照
func (c *Client) Stats() Stats {
	return Stats{
		State:      c.getState(),
		LastSeq:    c.seq.Load(),
		FramesSent: c.framesSent.Load(),
		Reconnects: int(c.reconnects.Load()),
		AvgRTT:     time.Duration(c.avgRTT.Load()),
	}
}
