package wsclient

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"ProctorStream/internal/model"
)

func TestClientStateString(t *testing.T) {
	tests := []struct {
		state ClientState
		want  string
	}{
		{StateDisconnected, "DISCONNECTED"},
		{StateConnecting, "CONNECTING"},
		{StateConnected, "CONNECTED"},
		{StateReconnecting, "RECONNECTING"},
		{StateClosed, "CLOSED"},
		{ClientState(42), "UNKNOWN"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}

// TestJoinError 拒绝原因还原为 model 错误
func TestJoinError(t *testing.T) {
	err := error(&JoinError{Code: "NOT_FOUND", Message: "no such session"})
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.Contains(t, err.Error(), "NOT_FOUND")

	var je *JoinError
	assert.True(t, errors.As(err, &je))
	assert.False(t, je.retryable())

	busy := &JoinError{Code: "SESSION_BUSY"}
	assert.True(t, busy.retryable())
	assert.ErrorIs(t, busy, model.ErrSessionBusy)

	assert.Nil(t, (&JoinError{Code: "INTERNAL"}).Unwrap())
}

func TestDefaultClientConfig(t *testing.T) {
	cfg := DefaultClientConfig("ws://localhost:8080/ws/candidate", "s1")
	assert.Equal(t, "s1", cfg.SessionID)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 10, cfg.MaxReconnectTries)
	assert.Less(t, cfg.ReconnectInterval, cfg.MaxReconnectInterval)
}

// TestSendBeforeConnect 未连接时不分配序列号
func TestSendBeforeConnect(t *testing.T) {
	c := New(DefaultClientConfig("ws://127.0.0.1:1/ws/candidate", "s1"), nil)
	assert.Equal(t, StateDisconnected, c.State())

	_, err := c.SendFrame([]byte("jpeg"), time.Now())
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Zero(t, c.LastSeq())

	st := c.Stats()
	assert.Equal(t, StateDisconnected, st.State)
	assert.Zero(t, st.FramesSent)
	assert.Zero(t, st.Reconnects)
}
