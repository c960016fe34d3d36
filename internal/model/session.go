package model

import (
	"time"
)

// Status 会话状态
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
)

// IsTerminal 判断是否为终止状态（终止状态不可再变更）
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusAborted
}

// IsValid 检查状态是否有效
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusActive, StatusCompleted, StatusAborted:
		return true
	default:
		return false
	}
}

// DefaultDuration 默认考试时长（60分钟）
const DefaultDuration = 60 * time.Minute

// Session 会话快照
//
// 由 Registry/Controller 生成的只读副本，调用方可以自由持有。
type Session struct {
	ID             string        `json:"id" yaml:"id"`
	CandidateName  string        `json:"candidate_name" yaml:"candidate_name"`
	CandidateEmail string        `json:"candidate_email" yaml:"candidate_email"`
	Duration       time.Duration `json:"duration" yaml:"duration"`
	Status         Status        `json:"status" yaml:"status"`
	CreatedAt      time.Time     `json:"created_at" yaml:"created_at"`
	StartedAt      *time.Time    `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	EndedAt        *time.Time    `json:"ended_at,omitempty" yaml:"ended_at,omitempty"`
	AlertCount     int           `json:"alert_count" yaml:"alert_count"`
	Note           string        `json:"note,omitempty" yaml:"note,omitempty"`
	Reconnects     int           `json:"reconnects" yaml:"reconnects"`
	LastSeq        uint64        `json:"last_seq" yaml:"last_seq"`
	Alerts         []Alert       `json:"alerts,omitempty" yaml:"alerts,omitempty"`
}

// Deadline 计划结束时间，未开始时返回零值
func (s Session) Deadline() time.Time {
	if s.StartedAt == nil {
		return time.Time{}
	}
	return s.StartedAt.Add(s.Duration)
}

// Elapsed 从首次开始计算的墙钟时长（重连不会重置）
func (s Session) Elapsed(now time.Time) time.Duration {
	if s.StartedAt == nil {
		return 0
	}
	end := now
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	return end.Sub(*s.StartedAt)
}

// Summary 返回不含告警明细的副本
func (s Session) Summary() Session {
	s.Alerts = nil
	return s
}

// Clone 深拷贝
func (s Session) Clone() Session {
	if s.Alerts != nil {
		alerts := make([]Alert, len(s.Alerts))
		copy(alerts, s.Alerts)
		s.Alerts = alerts
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		s.StartedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		s.EndedAt = &t
	}
	return s
}
