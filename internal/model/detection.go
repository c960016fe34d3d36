package model

import (
	"time"
)

// Kind 检测/告警类型
type Kind string

const (
	KindGazeAway      Kind = "gaze_away"
	KindMultipleFaces Kind = "multiple_faces"
	KindVoiceActivity Kind = "voice_activity"
	KindNone          Kind = "none"
)

// IsValid 检查类型是否有效（包含 none）
func (k Kind) IsValid() bool {
	switch k {
	case KindGazeAway, KindMultipleFaces, KindVoiceActivity, KindNone:
		return true
	default:
		return false
	}
}

// Priority 同一帧多个检测结果时的处理顺序，数值越小越先处理
func (k Kind) Priority() int {
	switch k {
	case KindMultipleFaces:
		return 0
	case KindGazeAway:
		return 1
	case KindVoiceActivity:
		return 2
	default:
		return 3
	}
}

// AlertKinds 所有会产生告警的类型，按优先级排列
var AlertKinds = []Kind{KindMultipleFaces, KindGazeAway, KindVoiceActivity}

// Frame 候选人上传的一帧画面
type Frame struct {
	SessionID  string
	Seq        uint64 // 会话内从 1 开始递增
	CapturedAt time.Time
	Payload    []byte
}

// Detection 检测协作方针对单帧的原始输出
type Detection struct {
	Kind       Kind      `json:"kind"`
	Confidence float64   `json:"confidence"`
	Seq        uint64    `json:"seq"`
	Timestamp  time.Time `json:"timestamp"`
}
