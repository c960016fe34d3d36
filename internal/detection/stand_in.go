package detection

import (
	"context"
	"errors"
	"hash/fnv"
	"math/rand/v2"
	"sync"

	"ProctorStream/internal/model"
)

// Step 脚本中的一步：返回检测结果或错误
type Step struct {
	Kinds []model.Kind
	Err   error
}

// Scripted 表驱动的检测协作方，按调用顺序依次返回脚本中的结果
//
// 每个会话各自从脚本开头读取，互不影响；脚本用尽后重复最后一步；空脚本始终返回 none。
type Scripted struct {
	mu      sync.Mutex
	steps   []Step
	calls   int
	cursors map[string]int // 会话 ID -> 已消费步数
}

// NewScripted 创建脚本检测器
func NewScripted(steps ...Step) *Scripted {
	return &Scripted{steps: steps, cursors: make(map[string]int)}
}

// Kinds 便捷构造：每次调用返回一个类型
func Kinds(kinds ...model.Kind) []Step {
	steps := make([]Step, len(kinds))
	for i, k := range kinds {
		steps[i] = Step{Kinds: []model.Kind{k}}
	}
	return steps
}

// Failing 便捷构造：连续 n 次失败
func Failing(n int, err error) []Step {
	if err == nil {
		err = errors.New("detector unavailable")
	}
	steps := make([]Step, n)
	for i := range steps {
		steps[i] = Step{Err: err}
	}
	return steps
}

// Detect 实现 Detector
func (s *Scripted) Detect(ctx context.Context, frame model.Frame) ([]model.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if len(s.steps) == 0 {
		return []model.Detection{{Kind: model.KindNone, Confidence: 1}}, nil
	}

	idx := s.cursors[frame.SessionID]
	s.cursors[frame.SessionID] = idx + 1
	if idx >= len(s.steps) {
		idx = len(s.steps) - 1
	}
	step := s.steps[idx]
	if step.Err != nil {
		return nil, step.Err
	}

	out := make([]model.Detection, len(step.Kinds))
	for i, k := range step.Kinds {
		out[i] = model.Detection{Kind: k, Confidence: 1}
	}
	return out, nil
}

// Calls 调用次数
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// seededDistribution 演示用分布：7 个槽位中 4 个为 none
var seededDistribution = []model.Kind{
	model.KindGazeAway,
	model.KindMultipleFaces,
	model.KindVoiceActivity,
	model.KindNone,
	model.KindNone,
	model.KindNone,
	model.KindNone,
}

// Seeded 固定种子的伪随机检测协作方
//
// 结果只取决于 (种子, 会话 ID, 帧序号)，与调用顺序和并发会话数无关。
type Seeded struct {
	seed uint64
}

// NewSeeded 创建伪随机检测器
func NewSeeded(seed uint64) *Seeded {
	return &Seeded{seed: seed}
}

// Detect 实现 Detector
func (s *Seeded) Detect(ctx context.Context, frame model.Frame) ([]model.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(frame.SessionID))
	rng := rand.New(rand.NewPCG(s.seed^h.Sum64(), frame.Seq^0x9e3779b97f4a7c15))

	kind := seededDistribution[rng.IntN(len(seededDistribution))]
	confidence := 0.5 + rng.Float64()/2

	return []model.Detection{{Kind: kind, Confidence: confidence}}, nil
}
