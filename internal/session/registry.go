package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"ProctorStream/internal/detection"
	"ProctorStream/internal/model"
	"ProctorStream/internal/store"
)

// Sink 会话事件的外部转发目标（如 MQTT）
type Sink interface {
	Deliver(ctx context.Context, event model.Event) error
}

// Options 注册表依赖
type Options struct {
	Store    store.Store
	Detector detection.Detector
	Tuning   Tuning
	Logger   *slog.Logger
	Sinks    []Sink
}

// Filter 列表过滤条件
type Filter struct {
	Status model.Status // 为空表示不过滤
	Query  string       // 对姓名/邮箱做不区分大小写的包含匹配
}

func (f Filter) match(s model.Session) bool {
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(f.Query)); q != "" {
		return strings.Contains(strings.ToLower(s.CandidateName), q) ||
			strings.Contains(strings.ToLower(s.CandidateEmail), q)
	}
	return true
}

// Stats 注册表统计
type Stats struct {
	Sessions     int                  `json:"sessions"`
	ByStatus     map[model.Status]int `json:"by_status"`
	AlertsByKind map[model.Kind]int   `json:"alerts_by_kind"`
	Occurrences  int                  `json:"occurrences"`
	Frames       uint64               `json:"frames"`
	Observers    int                  `json:"observers"`
}

// Registry 进程内的会话表，所有会话生命周期操作的入口
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Controller
	order    []string

	store    store.Store
	detector detection.Detector
	tuning   atomic.Pointer[Tuning]
	logger   *slog.Logger
	sinks    []Sink

	forwarders sync.WaitGroup
}

// NewRegistry 创建注册表
func NewRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Store == nil {
		opts.Store = store.NewMemory()
	}
	if opts.Detector == nil {
		opts.Detector = detection.NewScripted()
	}
	if opts.Tuning == (Tuning{}) {
		opts.Tuning = DefaultTuning()
	}

	r := &Registry{
		sessions: make(map[string]*Controller),
		store:    opts.Store,
		detector: opts.Detector,
		logger:   opts.Logger.With("component", "session"),
		sinks:    opts.Sinks,
	}
	t := opts.Tuning
	r.tuning.Store(&t)
	return r
}

// Tuning 当前运行参数
func (r *Registry) Tuning() Tuning {
	return *r.tuning.Load()
}

// SetTuning 更新运行参数，只影响之后创建的会话
func (r *Registry) SetTuning(t Tuning) {
	r.tuning.Store(&t)
	r.logger.Info("session tuning updated",
		"debounce_window", t.Alert.DebounceWindow,
		"heartbeat_timeout", t.HeartbeatTimeout,
		"retry_budget", t.Detection.RetryBudget)
}

// Create 创建 pending 会话；duration 为 0 时使用默认时长
func (r *Registry) Create(ctx context.Context, name, email string, duration time.Duration) (model.Session, error) {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)

	switch {
	case name == "":
		return model.Session{}, fmt.Errorf("%w: candidate name is required", model.ErrInvalidInput)
	case email == "":
		return model.Session{}, fmt.Errorf("%w: candidate email is required", model.ErrInvalidInput)
	case duration < 0:
		return model.Session{}, fmt.Errorf("%w: duration must not be negative", model.ErrInvalidInput)
	case duration == 0:
		duration = model.DefaultDuration
	}

	rec := model.Session{
		ID:             uuid.NewString(),
		CandidateName:  name,
		CandidateEmail: email,
		Duration:       duration,
		Status:         model.StatusPending,
		CreatedAt:      time.Now().UTC(),
	}

	if err := r.store.Save(ctx, rec); err != nil {
		return model.Session{}, fmt.Errorf("save session: %w", err)
	}

	ctrl := newController(rec, r.Tuning(), r.detector, r.store, r.logger)
	for _, sink := range r.sinks {
		r.forward(ctrl, sink)
	}

	r.mu.Lock()
	r.sessions[rec.ID] = ctrl
	r.order = append(r.order, rec.ID)
	r.mu.Unlock()

	r.logger.Info("session created", "session_id", rec.ID, "duration", duration)
	return rec, nil
}

// forward 把会话事件转发到外部目标，直到会话结束
func (r *Registry) forward(ctrl *Controller, sink Sink) {
	obs, err := ctrl.Subscribe()
	if err != nil {
		return
	}

	r.forwarders.Add(1)
	go func() {
		defer r.forwarders.Done()
		defer obs.Close()

		for {
			d, err := obs.Next(context.Background())
			if err != nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := sink.Deliver(ctx, d.Event); err != nil {
				r.logger.Warn("event relay failed", "session_id", ctrl.ID(), "event_id", d.Event.ID, "error", err)
			}
			cancel()
		}
	}()
}

func (r *Registry) lookup(id string) (*Controller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctrl, ok := r.sessions[id]
	return ctrl, ok
}

// Get 返回含告警日志的会话快照；已从内存移除的会话从存储读取
func (r *Registry) Get(ctx context.Context, id string) (model.Session, error) {
	if ctrl, ok := r.lookup(id); ok {
		return ctrl.Snapshot(), nil
	}

	s, err := r.store.Load(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.Session{}, fmt.Errorf("get %s: %w", id, model.ErrNotFound)
		}
		return model.Session{}, fmt.Errorf("get %s: %w", id, err)
	}
	return s, nil
}

// List 按创建顺序返回会话摘要
//
// 存储中存在但已不在内存的会话排在前面。
func (r *Registry) List(ctx context.Context, f Filter) ([]model.Session, error) {
	r.mu.RLock()
	live := make([]*Controller, 0, len(r.order))
	for _, id := range r.order {
		live = append(live, r.sessions[id])
	}
	r.mu.RUnlock()

	var out []model.Session

	stored, err := r.store.List(ctx)
	if err != nil {
		r.logger.Warn("list stored sessions failed", "error", err)
	}
	for _, s := range stored {
		if _, ok := r.lookup(s.ID); ok {
			continue
		}
		if f.match(s) {
			out = append(out, s.Summary())
		}
	}

	for _, ctrl := range live {
		s := ctrl.Snapshot()
		if f.match(s) {
			out = append(out, s.Summary())
		}
	}
	return out, nil
}

// End 结束会话（幂等），返回终止状态
func (r *Registry) End(ctx context.Context, id string) (model.Status, error) {
	ctrl, ok := r.lookup(id)
	if !ok {
		s, err := r.Get(ctx, id)
		if err != nil {
			return "", err
		}
		return s.Status, nil
	}
	return ctrl.stop(ctx, model.ErrEndRequested)
}

// Attach 候选人加入会话
func (r *Registry) Attach(id string) (*Stream, error) {
	ctrl, ok := r.lookup(id)
	if !ok {
		return nil, r.missing(id)
	}
	return ctrl.Attach()
}

// Subscribe 观察者订阅会话事件
func (r *Registry) Subscribe(id string) (*Observer, error) {
	ctrl, ok := r.lookup(id)
	if !ok {
		return nil, r.missing(id)
	}
	return ctrl.Subscribe()
}

// missing 区分不存在和已从内存移除（已终止）的会话
func (r *Registry) missing(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := r.store.Load(ctx, id); err == nil {
		return fmt.Errorf("session %s: %w", id, model.ErrSessionNotActive)
	}
	return fmt.Errorf("session %s: %w", id, model.ErrNotFound)
}

// Remove 从内存移除已终止的会话，记录仍保留在存储中
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctrl, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("remove %s: %w", id, model.ErrNotFound)
	}
	if !ctrl.Status().IsTerminal() {
		return fmt.Errorf("remove %s: %w: session is not terminal", id, model.ErrSessionBusy)
	}

	delete(r.sessions, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Stats 统计内存中的会话
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	ctrls := make([]*Controller, 0, len(r.sessions))
	for _, ctrl := range r.sessions {
		ctrls = append(ctrls, ctrl)
	}
	r.mu.RUnlock()

	st := Stats{
		ByStatus:     make(map[model.Status]int),
		AlertsByKind: make(map[model.Kind]int),
	}
	for _, ctrl := range ctrls {
		s := ctrl.Snapshot()
		st.Sessions++
		st.ByStatus[s.Status]++
		for _, a := range s.Alerts {
			st.AlertsByKind[a.Kind]++
			st.Occurrences += a.Occurrences
		}
		st.Frames += ctrl.Frames()
		st.Observers += ctrl.bus.Subscribers()
	}
	return st
}

// Shutdown 中止所有活跃会话并等待资源释放
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	ctrls := make([]*Controller, 0, len(r.sessions))
	for _, ctrl := range r.sessions {
		ctrls = append(ctrls, ctrl)
	}
	r.mu.RUnlock()

	var (
		wg   sync.WaitGroup
		errs = make(chan error, len(ctrls))
	)
	for _, ctrl := range ctrls {
		if ctrl.Status() != model.StatusActive {
			continue
		}
		wg.Add(1)
		go func(c *Controller) {
			defer wg.Done()
			if _, err := c.stop(ctx, model.ErrShutdown); err != nil {
				errs <- fmt.Errorf("stop %s: %w", c.ID(), err)
			}
		}(ctrl)
	}
	wg.Wait()
	close(errs)

	var joined []error
	for err := range errs {
		joined = append(joined, err)
	}

	// 未结束的 pending 会话的转发协程由 Close 释放
	for _, ctrl := range ctrls {
		if !ctrl.Status().IsTerminal() {
			ctrl.bus.Close()
		}
	}

	done := make(chan struct{})
	go func() {
		r.forwarders.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		joined = append(joined, ctx.Err())
	}

	r.logger.Info("registry shut down", "sessions", len(ctrls))
	return errors.Join(joined...)
}
