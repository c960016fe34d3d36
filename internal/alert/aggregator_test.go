package alert

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ProctorStream/internal/model"
)

var t0 = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

func det(kind model.Kind, offset time.Duration) model.Detection {
	return model.Detection{Kind: kind, Confidence: 0.9, Timestamp: t0.Add(offset)}
}

// TestDebounceWindow 窗口内重复检测只推送一次
func TestDebounceWindow(t *testing.T) {
	agg := New("s1", Config{DebounceWindow: 5 * time.Second})

	em := agg.Observe(det(model.KindGazeAway, 0))
	require.NotNil(t, em)
	assert.Equal(t, model.ReasonNew, em.Reason)
	assert.Equal(t, "Please keep your eyes on the screen", em.Alert.Message)

	for i := 1; i <= 4; i++ {
		assert.Nil(t, agg.Observe(det(model.KindGazeAway, time.Duration(i)*time.Second)))
	}

	alerts := agg.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, 5, alerts[0].Occurrences)
	assert.Equal(t, t0, alerts[0].FirstSeen)
	assert.Equal(t, t0.Add(4*time.Second), alerts[0].LastSeen)

	// 距离上次观察超过窗口
	em = agg.Observe(det(model.KindGazeAway, 10*time.Second))
	require.NotNil(t, em)
	assert.Equal(t, model.ReasonRenewed, em.Reason)
	assert.Equal(t, 6, em.Alert.Occurrences)
	assert.Equal(t, 1, agg.Count())
}

// TestWindowMeasuredFromLastObservation 持续的行为一直被合并
func TestWindowMeasuredFromLastObservation(t *testing.T) {
	agg := New("s1", Config{DebounceWindow: 5 * time.Second})

	require.NotNil(t, agg.Observe(det(model.KindVoiceActivity, 0)))
	for i := 1; i <= 20; i++ {
		assert.Nil(t, agg.Observe(det(model.KindVoiceActivity, time.Duration(i)*3*time.Second)))
	}
	assert.Equal(t, 21, agg.Alerts()[0].Occurrences)
}

// TestAlertCountIsDistinctKinds 告警数量等于不同类型数量
func TestAlertCountIsDistinctKinds(t *testing.T) {
	agg := New("s1", DefaultConfig())

	kinds := []model.Kind{
		model.KindGazeAway, model.KindNone, model.KindGazeAway,
		model.KindMultipleFaces, model.KindNone, model.KindGazeAway,
		model.KindMultipleFaces, model.KindVoiceActivity,
	}
	for i, k := range kinds {
		agg.Observe(det(k, time.Duration(i)*time.Second))
	}

	assert.Equal(t, 3, agg.Count())
	total := 0
	for _, a := range agg.Alerts() {
		assert.GreaterOrEqual(t, a.Occurrences, 1)
		total += a.Occurrences
	}
	assert.Equal(t, 6, total)
}

// TestSameFramePriority 同一帧多个检测按优先级推送
func TestSameFramePriority(t *testing.T) {
	agg := New("s1", DefaultConfig())

	ems := agg.ObserveAll([]model.Detection{
		det(model.KindVoiceActivity, 0),
		det(model.KindGazeAway, 0),
		det(model.KindNone, 0),
		det(model.KindMultipleFaces, 0),
	})

	require.Len(t, ems, 3)
	assert.Equal(t, model.KindMultipleFaces, ems[0].Alert.Kind)
	assert.Equal(t, model.KindGazeAway, ems[1].Alert.Kind)
	assert.Equal(t, model.KindVoiceActivity, ems[2].Alert.Kind)

	alerts := agg.Alerts()
	assert.Equal(t, model.KindMultipleFaces, alerts[0].Kind)
}

// TestSeverityEscalation 达到阈值后级别提升
func TestSeverityEscalation(t *testing.T) {
	agg := New("s1", Config{DebounceWindow: time.Minute, EscalateAfter: 3})

	em := agg.Observe(det(model.KindGazeAway, 0))
	require.NotNil(t, em)
	assert.Equal(t, model.SeverityLow, em.Alert.Severity)

	agg.Observe(det(model.KindGazeAway, time.Second))
	agg.Observe(det(model.KindGazeAway, 2*time.Second))
	agg.Observe(det(model.KindGazeAway, 3*time.Second))

	assert.Equal(t, model.SeverityMedium, agg.Alerts()[0].Severity)
}

// TestRestore 恢复历史告警后继续合并
func TestRestore(t *testing.T) {
	agg := New("s1", DefaultConfig())
	agg.Restore([]model.Alert{{
		SessionID: "s1", Kind: model.KindGazeAway, Message: "m",
		Severity: model.SeverityLow, FirstSeen: t0, LastSeen: t0, Occurrences: 2,
	}})

	assert.Nil(t, agg.Observe(det(model.KindGazeAway, time.Second)))
	assert.Equal(t, 3, agg.Alerts()[0].Occurrences)
	assert.Equal(t, 1, agg.Count())
}
