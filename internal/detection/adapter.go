package detection

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	"ProctorStream/internal/model"
)

// Detector 外部检测协作方：帧 -> 零或多条原始检测结果
type Detector interface {
	Detect(ctx context.Context, frame model.Frame) ([]model.Detection, error)
}

// DetectorFunc 函数适配器
type DetectorFunc func(ctx context.Context, frame model.Frame) ([]model.Detection, error)

// Detect 实现 Detector
func (f DetectorFunc) Detect(ctx context.Context, frame model.Frame) ([]model.Detection, error) {
	return f(ctx, frame)
}

// SessionContext 检测时附带的会话上下文
type SessionContext struct {
	SessionID string
	StartedAt time.Time
}

// Config 适配器配置
type Config struct {
	RetryBudget    int           `json:"retry_budget"` // 单帧总尝试次数
	InitialBackoff time.Duration `json:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff"`
	CallTimeout    time.Duration `json:"call_timeout"`
	MinConfidence  float64       `json:"min_confidence"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		RetryBudget:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		CallTimeout:    5 * time.Second,
		MinConfidence:  0,
	}
}

// Adapter 调用检测协作方并规范化输出，不持有会话状态
type Adapter struct {
	detector Detector
	config   Config
	logger   *slog.Logger
}

// NewAdapter 创建适配器
func NewAdapter(detector Detector, config Config, logger *slog.Logger) *Adapter {
	if config.RetryBudget <= 0 {
		config.RetryBudget = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		detector: detector,
		config:   config,
		logger:   logger.With("component", "detection"),
	}
}

// Config 当前配置
func (a *Adapter) Config() Config {
	return a.config
}

// Detect 检测单帧
//
// 暂时性失败按指数退避重试，总尝试次数用尽后返回包装了 ErrFatalPipeline 的错误。
// 没有任何有效结果时返回一条显式的 none。
func (a *Adapter) Detect(ctx context.Context, frame model.Frame, sc SessionContext) ([]model.Detection, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = a.config.InitialBackoff
	if a.config.MaxBackoff > 0 {
		expo.MaxInterval = a.config.MaxBackoff
	}
	expo.MaxElapsedTime = 0

	policy := backoff.WithContext(
		backoff.WithMaxRetries(expo, uint64(a.config.RetryBudget-1)),
		ctx,
	)

	var (
		raw      []model.Detection
		attempts int
	)

	err := backoff.Retry(func() error {
		attempts++

		callCtx := ctx
		if a.config.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, a.config.CallTimeout)
			defer cancel()
		}

		out, err := a.detector.Detect(callCtx, frame)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			a.logger.Debug("detection attempt failed",
				"session_id", sc.SessionID, "seq", frame.Seq, "attempt", attempts, "error", err)
			return fmt.Errorf("%w: %v", model.ErrTransientDetection, err)
		}
		raw = out
		return nil
	}, policy)

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %d attempts exhausted: %v", model.ErrFatalPipeline, attempts, err)
	}

	return a.normalize(raw, frame), nil
}

func (a *Adapter) normalize(raw []model.Detection, frame model.Frame) []model.Detection {
	ts := frame.CapturedAt
	if ts.IsZero() {
		ts = time.Now()
	}

	out := make([]model.Detection, 0, len(raw))
	for _, d := range raw {
		if !d.Kind.IsValid() || d.Kind == model.KindNone {
			continue
		}
		d.Confidence = clamp(d.Confidence)
		if d.Confidence < a.config.MinConfidence {
			continue
		}
		d.Seq = frame.Seq
		d.Timestamp = ts
		out = append(out, d)
	}

	if len(out) == 0 {
		return []model.Detection{{Kind: model.KindNone, Confidence: 1, Seq: frame.Seq, Timestamp: ts}}
	}
	return out
}

func clamp(v float64) float64 {
	switch {
	case v < 0 || math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// HasAlerts 结果中是否包含非 none 的检测
func HasAlerts(ds []model.Detection) bool {
	for _, d := range ds {
		if d.Kind != model.KindNone {
			return true
		}
	}
	return false
}
