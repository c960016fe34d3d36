package loadtest

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"ProctorStream/internal/wsclient"
)

// FrameSource 可复现的伪随机帧内容
type FrameSource struct {
	rng  *rand.Rand
	size int
}

// NewFrameSource 按种子创建帧源
func NewFrameSource(seed uint64, size int) *FrameSource {
	return &FrameSource{
		rng:  rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		size: size,
	}
}

// Next 生成下一帧
func (f *FrameSource) Next() []byte {
	buf := make([]byte, f.size)
	for i := 0; i < len(buf); i += 8 {
		v := f.rng.Uint64()
		for j := 0; j < 8 && i+j < len(buf); j++ {
			buf[i+j] = byte(v >> (8 * j))
		}
	}
	return buf
}

// CandidateConfig 单个模拟候选人的推流参数
type CandidateConfig struct {
	Frames        int
	FrameInterval time.Duration
	FrameSize     int
	Seed          uint64
	KeepOpen      bool // 推完后保持连接直到会话结束

	// 覆盖 wsclient 默认值，零值表示不覆盖
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration

	// OnFrame 每次推送后回调，err 非 nil 表示推送失败
	OnFrame func(seq uint64, err error)
}

// CandidateResult 单个候选人的推流结果
type CandidateResult struct {
	SessionID    string
	JoinLatency  time.Duration
	ResumedAfter uint64 // 加入时服务端已消费的最大序列号
	FramesSent   int
	FramesFailed int
	Reconnects   int
	Status       string // 服务端通知的终止状态，未收到时为空
	Reason       string
	RTTs         []time.Duration
	AvgRTT       time.Duration
}

// RunCandidate 加入会话、推送帧，然后正常结束推流
func RunCandidate(ctx context.Context, wsURL, sessionID string, cfg CandidateConfig, logger *slog.Logger) (CandidateResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	res := CandidateResult{SessionID: sessionID}

	cc := wsclient.DefaultClientConfig(wsURL, sessionID)
	if cfg.HeartbeatInterval > 0 {
		cc.HeartbeatInterval = cfg.HeartbeatInterval
	}
	if cfg.HandshakeTimeout > 0 {
		cc.HandshakeTimeout = cfg.HandshakeTimeout
	}
	client := wsclient.New(cc, logger)

	var rttMu sync.Mutex
	client.SetRTTHandler(func(rtt time.Duration) {
		rttMu.Lock()
		res.RTTs = append(res.RTTs, rtt)
		rttMu.Unlock()
	})

	client.SetStateChangeHandler(func(from, to wsclient.ClientState) {
		logger.Debug("candidate state changed", "session_id", sessionID, "from", from.String(), "to", to.String())
	})

	start := time.Now()
	if err := client.Connect(ctx); err != nil {
		return res, err
	}
	res.JoinLatency = time.Since(start)
	res.ResumedAfter = client.LastSeq()

	frames := NewFrameSource(cfg.Seed, max(cfg.FrameSize, 1))
	interval := cfg.FrameInterval
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

push:
	for i := 0; i < cfg.Frames; i++ {
		seq, err := client.SendFrame(frames.Next(), time.Now())
		if err != nil {
			res.FramesFailed++
		} else {
			res.FramesSent++
		}
		if cfg.OnFrame != nil {
			cfg.OnFrame(seq, err)
		}

		select {
		case <-ticker.C:
		case <-client.Ended():
			break push
		case <-ctx.Done():
			break push
		}
	}

	if cfg.KeepOpen {
		select {
		case <-client.Ended():
		case <-ctx.Done():
		}
	}
	if err := client.Close(); err != nil {
		logger.Debug("close candidate connection", "session_id", sessionID, "error", err)
	}

	res.Status, res.Reason = client.Result()
	st := client.Stats()
	res.Reconnects = st.Reconnects
	res.AvgRTT = st.AvgRTT

	rttMu.Lock()
	res.RTTs = append([]time.Duration(nil), res.RTTs...)
	rttMu.Unlock()
	return res, nil
}
