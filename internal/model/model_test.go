package model

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestErrorCodes 错误码双向映射
func TestErrorCodes(t *testing.T) {
	for _, sentinel := range []error{ErrInvalidInput, ErrNotFound, ErrSessionNotActive, ErrSessionBusy} {
		wrapped := fmt.Errorf("attach: %w", sentinel)
		code := ErrorCode(wrapped)
		assert.Equal(t, sentinel, ErrorForCode(code), code)
	}

	assert.Equal(t, "", ErrorCode(nil))
	assert.Equal(t, "INTERNAL", ErrorCode(ErrFatalPipeline))
	assert.Nil(t, ErrorForCode("INTERNAL"))
}

func TestStatus(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusActive.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusAborted.IsTerminal())

	assert.True(t, StatusActive.IsValid())
	assert.False(t, Status("paused").IsValid())
}

// TestSessionTiming 截止时间与已用时长
func TestSessionTiming(t *testing.T) {
	s := Session{Duration: 30 * time.Minute}
	assert.True(t, s.Deadline().IsZero())
	assert.Zero(t, s.Elapsed(time.Now()))

	started := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	s.StartedAt = &started
	assert.Equal(t, started.Add(30*time.Minute), s.Deadline())
	assert.Equal(t, 10*time.Minute, s.Elapsed(started.Add(10*time.Minute)))

	ended := started.Add(12 * time.Minute)
	s.EndedAt = &ended
	assert.Equal(t, 12*time.Minute, s.Elapsed(started.Add(time.Hour)))
}

func TestSessionCopies(t *testing.T) {
	started := time.Now()
	s := Session{
		ID:        "s1",
		StartedAt: &started,
		Alerts:    []Alert{{SessionID: "s1", Kind: KindGazeAway, Occurrences: 1}},
	}

	c := s.Clone()
	c.Alerts[0].Occurrences = 5
	*c.StartedAt = started.Add(time.Hour)
	assert.Equal(t, 1, s.Alerts[0].Occurrences)
	assert.Equal(t, started, *s.StartedAt)

	sum := s.Summary()
	assert.Nil(t, sum.Alerts)
	assert.Len(t, s.Alerts, 1)
}

func TestSeverity(t *testing.T) {
	assert.Equal(t, SeverityMedium, SeverityLow.Escalate())
	assert.Equal(t, SeverityHigh, SeverityMedium.Escalate())
	assert.Equal(t, SeverityHigh, SeverityHigh.Escalate())

	assert.Equal(t, SeverityHigh, BaseSeverity(KindMultipleFaces))
	assert.Equal(t, SeverityMedium, BaseSeverity(KindVoiceActivity))
	assert.Equal(t, SeverityLow, BaseSeverity(KindGazeAway))

	for _, k := range AlertKinds {
		assert.NotEmpty(t, KindMessage(k), k)
	}
	assert.Empty(t, KindMessage(KindNone))
}

// TestKindPriority AlertKinds 按优先级排列
func TestKindPriority(t *testing.T) {
	for i, k := range AlertKinds {
		assert.True(t, k.IsValid())
		assert.Equal(t, i, k.Priority())
	}
	assert.True(t, KindNone.IsValid())
	assert.Greater(t, KindNone.Priority(), KindVoiceActivity.Priority())
	assert.False(t, Kind("blink").IsValid())
}

func TestEvents(t *testing.T) {
	now := time.Now()
	a := Alert{
		SessionID: "s1", Kind: KindVoiceActivity, Message: KindMessage(KindVoiceActivity),
		Severity: SeverityMedium, LastSeen: now, Occurrences: 2,
	}
	ev := NewAlertEvent(a, ReasonRenewed)
	require.NotEmpty(t, ev.ID)
	assert.Equal(t, EventAlert, ev.Type)
	assert.Equal(t, 2, ev.OccurrenceCount)
	assert.Equal(t, ReasonRenewed, ev.Reason)
	assert.False(t, ev.IsTerminal())

	end := NewLifecycleEvent("s1", StatusCompleted, PhaseTerminated, "", now)
	assert.True(t, end.IsTerminal())
	assert.NotEqual(t, ev.ID, end.ID)

	act := NewLifecycleEvent("s1", StatusActive, PhaseActivated, "", now)
	assert.False(t, act.IsTerminal())
}
