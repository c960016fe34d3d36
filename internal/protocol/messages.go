package protocol

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// JoinReq 候选人加入会话
type JoinReq struct {
	SessionID string `msgpack:"session_id"`
}

// JoinResp 加入结果，LastSeq 为服务端已处理的最大序列号，重连后从其后继续
type JoinResp struct {
	SessionID   string `msgpack:"session_id"`
	Status      string `msgpack:"status"`
	StartedAtMs int64  `msgpack:"started_at_ms"`
	DurationMs  int64  `msgpack:"duration_ms"`
	LastSeq     uint64 `msgpack:"last_seq"`
}

// FramePush 一帧画面，原始字节直接放在 payload 中
//
// Seq 从 1 开始在会话内严格递增，重连后继续沿用；0 和不大于已接受序号的帧视为过期丢弃。
type FramePush struct {
	SessionID   string `msgpack:"session_id"`
	Seq         uint64 `msgpack:"seq"`
	TimestampMs int64  `msgpack:"timestamp_ms"`
	Payload     []byte `msgpack:"payload"`
}

// Heartbeat 心跳
type Heartbeat struct {
	ClientUnixMs int64  `msgpack:"client_unix_ms"`
	PingSeq      uint64 `msgpack:"ping_seq"`
}

// HeartbeatResp 心跳响应
type HeartbeatResp struct {
	ServerUnixMs int64  `msgpack:"server_unix_ms"`
	PingSeq      uint64 `msgpack:"ping_seq"`
}

// EndStream 候选人主动结束
type EndStream struct {
	Reason string `msgpack:"reason,omitempty"`
}

// SessionEnded 会话已终止
type SessionEnded struct {
	Status string `msgpack:"status"`
	Reason string `msgpack:"reason"`
}

// ErrorMsg 错误响应
type ErrorMsg struct {
	Code    string `msgpack:"code"`
	Message string `msgpack:"message"`
}

// Encode 序列化消息体并封装成帧
func Encode(opcode uint16, msg any) ([]byte, error) {
	body, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", OpcodeToString(opcode), err)
	}
	if len(body)+FrameHeaderSize > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return EncodeFrame(opcode, body), nil
}

// Decode 反序列化消息体
func Decode(body []byte, msg any) error {
	if err := msgpack.Unmarshal(body, msg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return nil
}
