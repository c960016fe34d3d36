package model

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// EventType 事件类型
type EventType string

const (
	EventAlert     EventType = "alert"
	EventLifecycle EventType = "lifecycle"
)

// Phase 生命周期事件阶段
type Phase string

const (
	PhaseActivated     Phase = "activated"
	PhaseStreamLost    Phase = "stream_lost"
	PhaseStreamResumed Phase = "stream_resumed"
	PhaseTerminated    Phase = "terminated"
)

// Event 推送给观察者（监考面板）的事件
type Event struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`

	// 告警字段
	Kind            Kind           `json:"kind,omitempty"`
	Severity        Severity       `json:"severity,omitempty"`
	OccurrenceCount int            `json:"occurrence_count,omitempty"`
	Reason          EmissionReason `json:"emission_reason,omitempty"`

	// 生命周期字段
	Status Status `json:"status,omitempty"`
	Phase  Phase  `json:"phase,omitempty"`
}

// NewAlertEvent 根据告警记录构造推送事件
func NewAlertEvent(a Alert, reason EmissionReason) Event {
	return Event{
		ID:              ulid.Make().String(),
		SessionID:       a.SessionID,
		Type:            EventAlert,
		Timestamp:       a.LastSeen,
		Message:         a.Message,
		Kind:            a.Kind,
		Severity:        a.Severity,
		OccurrenceCount: a.Occurrences,
		Reason:          reason,
	}
}

// NewLifecycleEvent 构造生命周期事件
func NewLifecycleEvent(sessionID string, status Status, phase Phase, message string, at time.Time) Event {
	return Event{
		ID:        ulid.Make().String(),
		SessionID: sessionID,
		Type:      EventLifecycle,
		Timestamp: at,
		Message:   message,
		Status:    status,
		Phase:     phase,
	}
}

// IsTerminal 是否为会话终止事件
func (e Event) IsTerminal() bool {
	return e.Type == EventLifecycle && e.Phase == PhaseTerminated
}
