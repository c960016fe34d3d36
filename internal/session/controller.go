package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"ProctorStream/internal/alert"
	"ProctorStream/internal/broadcast"
	"ProctorStream/internal/detection"
	"ProctorStream/internal/framechan"
	"ProctorStream/internal/model"
	"ProctorStream/internal/store"
)

// Tuning 会话运行参数，创建会话时固化
type Tuning struct {
	ChannelCapacity   int
	HeartbeatTimeout  time.Duration
	ReconnectGrace    time.Duration
	ObserverQueueSize int
	Alert             alert.Config
	Detection         detection.Config
}

// DefaultTuning 默认运行参数
func DefaultTuning() Tuning {
	return Tuning{
		ChannelCapacity:   framechan.DefaultCapacity,
		HeartbeatTimeout:  15 * time.Second,
		ReconnectGrace:    10 * time.Second,
		ObserverQueueSize: broadcast.DefaultQueueSize,
		Alert:             alert.DefaultConfig(),
		Detection:         detection.DefaultConfig(),
	}
}

// Controller 单会话的状态机与消费循环
//
// 活跃期间只有消费循环修改告警状态；mu 只保护供快照读取的记录字段和当前流。
type Controller struct {
	id      string
	tuning  Tuning
	adapter *detection.Adapter
	store   store.Store
	logger  *slog.Logger

	bus *broadcast.Broadcaster
	agg *alert.Aggregator // 仅消费循环访问

	mu      sync.Mutex
	record  model.Session
	stream  *Stream
	runCtx  context.Context
	cancel  context.CancelCauseFunc
	version uint64 // 每次取快照递增

	saveMu sync.Mutex
	saved  uint64 // 已写入存储的最新快照版本

	rebind  chan struct{}
	done    chan struct{}
	lastSeq atomic.Uint64
	frames  atomic.Uint64
}

func newController(rec model.Session, tuning Tuning, detector detection.Detector, st store.Store, logger *slog.Logger) *Controller {
	logger = logger.With("session_id", rec.ID)
	c := &Controller{
		id:      rec.ID,
		tuning:  tuning,
		adapter: detection.NewAdapter(detector, tuning.Detection, logger),
		store:   st,
		logger:  logger,
		bus:     broadcast.New(tuning.ObserverQueueSize),
		agg:     alert.New(rec.ID, tuning.Alert),
		record:  rec,
		rebind:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	return c
}

// ID 会话 ID
func (c *Controller) ID() string {
	return c.id
}

// Snapshot 当前会话记录副本
func (c *Controller) Snapshot() model.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.record.Clone()
}

// Status 当前状态
func (c *Controller) Status() model.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.record.Status
}

// Done 会话进入终止状态且资源释放后关闭
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Frames 已处理帧数
func (c *Controller) Frames() uint64 {
	return c.frames.Load()
}

// Subscribe 注册观察者
func (c *Controller) Subscribe() (*Observer, error) {
	sub, err := c.bus.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", c.id, model.ErrSessionNotActive)
	}
	return &Observer{sub: sub, bus: c.bus}, nil
}

// Attach 绑定候选人流
//
// 首次绑定时 pending -> active 并启动消费循环；之后的绑定替换已断开的旧通道，告警历史和开始时间保持不变。
// 旧流未断开时一律返回 ErrSessionBusy，半开连接由读超时和心跳超时清理。
func (c *Controller) Attach() (*Stream, error) {
	c.mu.Lock()

	// 已发出终止原因但 finalize 尚未完成
	if c.record.Status.IsTerminal() || (c.runCtx != nil && c.runCtx.Err() != nil) {
		c.mu.Unlock()
		return nil, fmt.Errorf("attach %s: %w", c.id, model.ErrSessionNotActive)
	}

	if old := c.stream; old != nil && !old.detached.Load() {
		c.mu.Unlock()
		return nil, fmt.Errorf("attach %s: %w", c.id, model.ErrSessionBusy)
	}

	s := &Stream{
		ctrl: c,
		ch:   framechan.New(c.tuning.ChannelCapacity, framechan.WithFloor(c.lastSeq.Load())),
	}
	c.stream = s

	now := time.Now()
	var ev model.Event
	if c.record.Status == model.StatusPending {
		c.record.Status = model.StatusActive
		c.record.StartedAt = &now
		ev = model.NewLifecycleEvent(c.id, model.StatusActive, model.PhaseActivated, "candidate stream attached", now)
		c.start(c.record.Deadline())
	} else {
		c.record.Reconnects++
		ev = model.NewLifecycleEvent(c.id, model.StatusActive, model.PhaseStreamResumed, "candidate stream resumed", now)
		select {
		case c.rebind <- struct{}{}:
		default:
		}
	}
	snap, ver := c.snapshotLocked()
	c.mu.Unlock()

	c.bus.Publish(ev)
	c.persist(snap, ver)
	c.logger.Info("stream attached", "phase", ev.Phase, "reconnects", snap.Reconnects)

	return s, nil
}

// start 启动消费循环，调用方持有 mu
func (c *Controller) start(deadline time.Time) {
	base, cancel := context.WithCancelCause(context.Background())
	ctx, cancelDeadline := context.WithDeadlineCause(base, deadline, model.ErrDurationElapsed)
	c.runCtx = ctx
	c.cancel = cancel

	go func() {
		defer cancelDeadline()
		c.run(ctx)
	}()
}

// detach 传输层断开；clean 表示候选人主动结束
func (c *Controller) detach(s *Stream, clean bool) {
	c.mu.Lock()
	if c.stream != s || c.record.Status.IsTerminal() || s.detached.Load() {
		c.mu.Unlock()
		return
	}

	s.detached.Store(true)
	if clean {
		c.cancel(model.ErrStreamClosed)
		c.mu.Unlock()
		s.ch.Close()
		return
	}

	s.ch.Close()
	c.mu.Unlock()

	c.bus.Publish(model.NewLifecycleEvent(c.id, model.StatusActive, model.PhaseStreamLost, "candidate stream lost", time.Now()))
	c.logger.Warn("stream lost, waiting for reconnect", "window", c.reconnectWindow())
}

// reconnectWindow 流断开后等待重连的时长，未配置宽限期时沿用心跳超时
func (c *Controller) reconnectWindow() time.Duration {
	if c.tuning.ReconnectGrace > 0 {
		return c.tuning.ReconnectGrace
	}
	return c.tuning.HeartbeatTimeout
}

// stop 以给定原因终止会话并等待资源释放
func (c *Controller) stop(ctx context.Context, cause error) (model.Status, error) {
	c.mu.Lock()
	switch {
	case c.record.Status.IsTerminal():
		st := c.record.Status
		c.mu.Unlock()
		return st, nil

	case c.record.Status == model.StatusPending:
		if errors.Is(cause, model.ErrShutdown) {
			// 未开始的会话没有需要释放的资源
			st := c.record.Status
			c.mu.Unlock()
			return st, nil
		}
		now := time.Now()
		c.record.Status = model.StatusCompleted
		c.record.EndedAt = &now
		c.record.Note = "ended before the stream attached"
		snap, ver := c.snapshotLocked()
		c.mu.Unlock()

		c.persist(snap, ver)
		c.bus.Publish(model.NewLifecycleEvent(c.id, snap.Status, model.PhaseTerminated, snap.Note, now))
		c.bus.Close()
		close(c.done)
		return snap.Status, nil
	}

	cancel := c.cancel
	c.mu.Unlock()

	cancel(cause)

	select {
	case <-c.done:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return c.Status(), nil
}

// run 消费循环：取帧 -> 检测 -> 聚合 -> 推送
func (c *Controller) run(ctx context.Context) {
	defer c.finalize(ctx)

	c.mu.Lock()
	ch := c.stream.ch
	started := *c.record.StartedAt
	c.mu.Unlock()

	sc := detection.SessionContext{SessionID: c.id, StartedAt: started}

	for {
		frame, err := c.nextFrame(ctx, &ch)
		if err != nil {
			return
		}

		// 乱序或重复的帧不进入检测
		if frame.Seq <= c.lastSeq.Load() {
			continue
		}
		c.lastSeq.Store(frame.Seq)
		c.frames.Add(1)

		dets, err := c.adapter.Detect(ctx, frame, sc)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Error("detection pipeline failed", "seq", frame.Seq, "error", err)
				c.cancel(err)
			}
			return
		}

		if ctx.Err() != nil {
			return
		}

		emissions := c.agg.ObserveAll(dets)

		c.mu.Lock()
		c.record.LastSeq = frame.Seq
		c.record.AlertCount = c.agg.Count()
		c.record.Alerts = c.agg.Alerts()
		snap, ver := c.snapshotLocked()
		c.mu.Unlock()

		for _, em := range emissions {
			c.bus.Publish(model.NewAlertEvent(em.Alert, em.Reason))
		}

		if detection.HasAlerts(dets) {
			c.persist(snap, ver)
		}
	}
}

// nextFrame 等待下一帧；通道断开时等待重连，超过心跳超时视为停滞
func (c *Controller) nextFrame(ctx context.Context, ch **framechan.Channel) (model.Frame, error) {
	timeout := c.tuning.HeartbeatTimeout

	for {
		idle := time.Since((*ch).LastActivity())
		if timeout > 0 && idle >= timeout {
			c.cancel(fmt.Errorf("%w: no frames or heartbeats for %s", model.ErrChannelStalled, timeout))
			return model.Frame{}, model.ErrChannelStalled
		}

		waitCtx, cancel := ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			waitCtx, cancel = context.WithTimeout(ctx, timeout-idle)
		}
		frame, err := (*ch).Next(waitCtx)
		cancel()

		switch {
		case err == nil:
			return frame, nil
		case ctx.Err() != nil:
			return model.Frame{}, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			continue
		case errors.Is(err, framechan.ErrClosed):
			next, err := c.awaitRebind(ctx, *ch)
			if err != nil {
				return model.Frame{}, err
			}
			*ch = next
		default:
			return model.Frame{}, err
		}
	}
}

func (c *Controller) awaitRebind(ctx context.Context, old *framechan.Channel) (*framechan.Channel, error) {
	window := c.reconnectWindow()
	var expired <-chan time.Time
	if window > 0 {
		timer := time.NewTimer(window)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		c.mu.Lock()
		s := c.stream
		c.mu.Unlock()

		if s != nil && s.ch != old && !s.ch.Closed() {
			return s.ch, nil
		}

		select {
		case <-c.rebind:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-expired:
			c.cancel(fmt.Errorf("%w: stream not resumed within %s", model.ErrChannelStalled, window))
			return nil, model.ErrChannelStalled
		}
	}
}

// finalize 根据取消原因确定终止状态，释放通道并推送唯一的终止事件
func (c *Controller) finalize(ctx context.Context) {
	status, note := classify(context.Cause(ctx))
	now := time.Now()

	c.mu.Lock()
	c.record.Status = status
	c.record.Note = note
	c.record.EndedAt = &now
	c.record.AlertCount = c.agg.Count()
	c.record.Alerts = c.agg.Alerts()
	c.record.LastSeq = c.lastSeq.Load()
	stream := c.stream
	snap, ver := c.snapshotLocked()
	c.mu.Unlock()

	if stream != nil {
		stream.ch.Close()
	}

	c.persist(snap, ver)

	c.bus.Publish(model.NewLifecycleEvent(c.id, status, model.PhaseTerminated, note, now))
	c.bus.Close()

	if status == model.StatusAborted {
		c.logger.Warn("session aborted", "reason", note, "alerts", snap.AlertCount)
	} else {
		c.logger.Info("session completed", "note", note, "alerts", snap.AlertCount)
	}

	close(c.done)
}

func classify(cause error) (model.Status, string) {
	switch {
	case cause == nil:
		return model.StatusCompleted, ""
	case errors.Is(cause, model.ErrDurationElapsed),
		errors.Is(cause, model.ErrEndRequested),
		errors.Is(cause, model.ErrStreamClosed):
		return model.StatusCompleted, cause.Error()
	default:
		return model.StatusAborted, cause.Error()
	}
}

// snapshotLocked 取记录副本并分配版本号，调用方持有 mu
func (c *Controller) snapshotLocked() (model.Session, uint64) {
	c.version++
	return c.record.Clone(), c.version
}

// persist 写入存储；写入串行化，版本不高于已写入版本的快照直接丢弃
func (c *Controller) persist(s model.Session, version uint64) {
	if c.store == nil {
		return
	}

	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	if version <= c.saved {
		c.logger.Debug("skip stale snapshot", "version", version, "saved", c.saved)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.store.Save(ctx, s); err != nil {
		c.logger.Error("persist session failed", "error", err)
		return
	}
	c.saved = version
}

// Stream 候选人流句柄，由传输层持有
type Stream struct {
	ctrl     *Controller
	ch       *framechan.Channel
	detached atomic.Bool
	closed   atomic.Bool
}

// SessionID 会话 ID
func (s *Stream) SessionID() string {
	return s.ctrl.id
}

// Push 推送一帧（不阻塞）
//
// 返回 framechan.ErrStale 表示帧被丢弃；流已失效时返回 model.ErrSessionNotActive。
func (s *Stream) Push(frame model.Frame) (framechan.PushResult, error) {
	frame.SessionID = s.ctrl.id
	if frame.CapturedAt.IsZero() {
		frame.CapturedAt = time.Now()
	}

	res, err := s.ch.Push(frame)
	if errors.Is(err, framechan.ErrClosed) {
		return res, fmt.Errorf("push %s: %w", s.ctrl.id, model.ErrSessionNotActive)
	}
	return res, err
}

// Heartbeat 记录心跳
func (s *Stream) Heartbeat() {
	s.ch.Touch()
}

// Close 传输层断开；clean 为 true 表示候选人主动结束流，只有第一次调用生效
func (s *Stream) Close(clean bool) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.ctrl.detach(s, clean)
}

// Done 会话结束时关闭
func (s *Stream) Done() <-chan struct{} {
	return s.ctrl.done
}

// Session 会话快照
func (s *Stream) Session() model.Session {
	return s.ctrl.Snapshot()
}

// Stats 通道统计
func (s *Stream) Stats() framechan.Stats {
	return s.ch.Stats()
}

// Observer 观察者句柄
type Observer struct {
	sub *broadcast.Subscription
	bus *broadcast.Broadcaster
}

// Next 等待下一条事件，会话结束且事件取完后返回 broadcast.ErrClosed
func (o *Observer) Next(ctx context.Context) (broadcast.Delivery, error) {
	return o.sub.Next(ctx)
}

// Close 注销观察者
func (o *Observer) Close() {
	o.bus.Unsubscribe(o.sub)
}
