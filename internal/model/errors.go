package model

import "errors"

// 对外错误分类
var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrNotFound           = errors.New("session not found")
	ErrSessionNotActive   = errors.New("session not active")
	ErrSessionBusy        = errors.New("session busy")
	ErrTransientDetection = errors.New("transient detection failure")
	ErrFatalPipeline      = errors.New("fatal pipeline failure")
	ErrChannelStalled     = errors.New("channel stalled")
)

// 会话结束原因（作为 context cause 使用）
var (
	ErrDurationElapsed = errors.New("scheduled duration elapsed")
	ErrEndRequested    = errors.New("session ended by request")
	ErrStreamClosed    = errors.New("candidate closed the stream before the scheduled end")
	ErrShutdown        = errors.New("server shutdown")
)

// ErrorCode 将错误映射为稳定的错误码（HTTP/WebSocket/gRPC 共用）
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return "INVALID_INPUT"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrSessionNotActive):
		return "SESSION_NOT_ACTIVE"
	case errors.Is(err, ErrSessionBusy):
		return "SESSION_BUSY"
	default:
		return "INTERNAL"
	}
}

// ErrorForCode ErrorCode 的逆映射，客户端用来还原错误分类；未知错误码返回 nil
func ErrorForCode(code string) error {
	switch code {
	case "INVALID_INPUT":
		return ErrInvalidInput
	case "NOT_FOUND":
		return ErrNotFound
	case "SESSION_NOT_ACTIVE":
		return ErrSessionNotActive
	case "SESSION_BUSY":
		return ErrSessionBusy
	default:
		return nil
	}
}
