package alert

import (
	"sort"
	"time"

	"ProctorStream/internal/model"
)

// Config 聚合器配置
type Config struct {
	DebounceWindow time.Duration `json:"debounce_window"`
	EscalateAfter  int           `json:"escalate_after"` // 出现次数达到该值时级别提升一级，0 表示不提升
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		DebounceWindow: 5 * time.Second,
		EscalateAfter:  5,
	}
}

// Emission 需要推送给观察者的告警
type Emission struct {
	Alert  model.Alert
	Reason model.EmissionReason
}

// Aggregator 单会话告警聚合器
//
// 非并发安全，只由会话的消费循环调用。
type Aggregator struct {
	sessionID string
	config    Config

	byKind map[model.Kind]int // kind -> log 下标
	log    []model.Alert
}

// New 创建聚合器
func New(sessionID string, config Config) *Aggregator {
	if config.DebounceWindow < 0 {
		config.DebounceWindow = 0
	}
	return &Aggregator{
		sessionID: sessionID,
		config:    config,
		byKind:    make(map[model.Kind]int),
	}
}

// Restore 用已持久化的告警记录恢复状态
func (a *Aggregator) Restore(alerts []model.Alert) {
	for _, al := range alerts {
		if _, ok := a.byKind[al.Kind]; ok {
			continue
		}
		a.byKind[al.Kind] = len(a.log)
		a.log = append(a.log, al)
	}
}

// Observe 处理单条检测结果，返回需要推送的告警（可能为 nil）
func (a *Aggregator) Observe(d model.Detection) *Emission {
	if d.Kind == model.KindNone || !d.Kind.IsValid() {
		return nil
	}

	idx, ok := a.byKind[d.Kind]
	if !ok {
		al := model.Alert{
			SessionID:   a.sessionID,
			Kind:        d.Kind,
			Message:     model.KindMessage(d.Kind),
			Severity:    model.BaseSeverity(d.Kind),
			FirstSeen:   d.Timestamp,
			LastSeen:    d.Timestamp,
			Occurrences: 1,
		}
		a.escalate(&al)
		a.byKind[d.Kind] = len(a.log)
		a.log = append(a.log, al)
		return &Emission{Alert: al, Reason: model.ReasonNew}
	}

	al := &a.log[idx]
	elapsed := d.Timestamp.Sub(al.LastSeen)

	al.Occurrences++
	if d.Timestamp.After(al.LastSeen) {
		al.LastSeen = d.Timestamp
	}
	a.escalate(al)

	if elapsed < a.config.DebounceWindow {
		return nil
	}
	return &Emission{Alert: *al, Reason: model.ReasonRenewed}
}

// ObserveAll 处理同一帧的多条检测结果，按固定优先级处理保证推送顺序确定
func (a *Aggregator) ObserveAll(ds []model.Detection) []Emission {
	if len(ds) == 0 {
		return nil
	}

	sorted := make([]model.Detection, len(ds))
	copy(sorted, ds)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Kind.Priority() < sorted[j].Kind.Priority()
	})

	var out []Emission
	for _, d := range sorted {
		if em := a.Observe(d); em != nil {
			out = append(out, *em)
		}
	}
	return out
}

func (a *Aggregator) escalate(al *model.Alert) {
	if a.config.EscalateAfter <= 0 {
		return
	}
	if al.Occurrences >= a.config.EscalateAfter && al.Severity == model.BaseSeverity(al.Kind) {
		al.Severity = al.Severity.Escalate()
	}
}

// Alerts 告警记录副本（按首次出现顺序）
func (a *Aggregator) Alerts() []model.Alert {
	out := make([]model.Alert, len(a.log))
	copy(out, a.log)
	return out
}

// Count 不同告警类型的数量
func (a *Aggregator) Count() int {
	return len(a.log)
}
