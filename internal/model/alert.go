package model

import (
	"time"
)

// Severity 告警级别
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Escalate 提升一级，最高为 high
func (s Severity) Escalate() Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	default:
		return SeverityHigh
	}
}

// Alert 合并后的告警记录，标识为 (session id, kind)
type Alert struct {
	SessionID   string    `json:"session_id" yaml:"session_id"`
	Kind        Kind      `json:"kind" yaml:"kind"`
	Message     string    `json:"message" yaml:"message"`
	Severity    Severity  `json:"severity" yaml:"severity"`
	FirstSeen   time.Time `json:"first_seen" yaml:"first_seen"`
	LastSeen    time.Time `json:"last_seen" yaml:"last_seen"`
	Occurrences int       `json:"occurrence_count" yaml:"occurrence_count"`
}

// EmissionReason 告警推送原因
type EmissionReason string

const (
	ReasonNew     EmissionReason = "new"
	ReasonRenewed EmissionReason = "renewed"
)

// KindMessage 面向人的告警文案
func KindMessage(k Kind) string {
	switch k {
	case KindMultipleFaces:
		return "Multiple faces detected in frame"
	case KindGazeAway:
		return "Please keep your eyes on the screen"
	case KindVoiceActivity:
		return "Background conversation detected"
	default:
		return ""
	}
}

// BaseSeverity 各类型的初始级别
func BaseSeverity(k Kind) Severity {
	switch k {
	case KindMultipleFaces:
		return SeverityHigh
	case KindVoiceActivity:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
