package framechan

import (
	"context"
	"errors"
	"sync"
	"time"

	"ProctorStream/internal/model"
)

// DefaultCapacity 默认队列容量
const DefaultCapacity = 4

var (
	ErrClosed = errors.New("frame channel closed")
	ErrStale  = errors.New("stale frame sequence")
)

// PushResult 入队结果
type PushResult int

const (
	Accepted        PushResult = iota
	AcceptedDropped            // 队列已满，丢弃了最旧的一帧
)

// Stats 通道统计
type Stats struct {
	Pushed       uint64    `json:"pushed"`
	Consumed     uint64    `json:"consumed"`
	Dropped      uint64    `json:"dropped"`
	StaleRejects uint64    `json:"stale_rejects"`
	Queued       int       `json:"queued"`
	LastActivity time.Time `json:"last_activity"`
}

// Channel 单会话的有界帧队列
//
// 生产者（候选人连接）永不阻塞：队列满时丢弃最旧的未处理帧。
// 消费者（Controller 循环）通过 Next 阻塞等待，Close 后先取完剩余帧再返回 ErrClosed。
type Channel struct {
	mu   sync.Mutex
	cond *sync.Cond

	buf      []model.Frame // 环形缓冲
	head     int
	size     int
	closed   bool
	floorSeq uint64 // 已接受的最大序列号，初始为 0，因此序号从 1 开始

	pushed       uint64
	consumed     uint64
	dropped      uint64
	staleRejects uint64
	lastActivity time.Time
}

// Option 通道选项
type Option func(*Channel)

// WithFloor 设置序列号下限，小于等于该值的帧会被拒绝（重连时沿用旧通道进度）
func WithFloor(seq uint64) Option {
	return func(c *Channel) {
		c.floorSeq = seq
	}
}

// New 创建新的帧通道
func New(capacity int, opts ...Option) *Channel {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	c := &Channel{
		buf:          make([]model.Frame, capacity),
		lastActivity: time.Now(),
	}
	c.cond = sync.NewCond(&c.mu)

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Push 非阻塞入队
func (c *Channel) Push(frame model.Frame) (PushResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return Accepted, ErrClosed
	}

	c.lastActivity = time.Now()

	// 乱序或重复的帧直接丢弃
	if frame.Seq <= c.floorSeq {
		c.staleRejects++
		return Accepted, ErrStale
	}
	c.floorSeq = frame.Seq
	c.pushed++

	result := Accepted
	if c.size == len(c.buf) {
		// drop-oldest
		c.buf[c.head] = model.Frame{}
		c.head = (c.head + 1) % len(c.buf)
		c.size--
		c.dropped++
		result = AcceptedDropped
	}

	c.buf[(c.head+c.size)%len(c.buf)] = frame
	c.size++

	c.cond.Signal()
	return result, nil
}

// Next 阻塞等待下一帧
//
// 返回 ErrClosed 表示流结束；ctx 取消时返回 ctx.Err()。
func (c *Channel) Next(ctx context.Context) (model.Frame, error) {
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()

	for c.size == 0 && !c.closed && ctx.Err() == nil {
		c.cond.Wait()
	}

	if err := ctx.Err(); err != nil {
		return model.Frame{}, err
	}

	if c.size == 0 {
		return model.Frame{}, ErrClosed
	}

	frame := c.buf[c.head]
	c.buf[c.head] = model.Frame{}
	c.head = (c.head + 1) % len(c.buf)
	c.size--
	c.consumed++

	return frame, nil
}

// Touch 记录心跳活动
func (c *Channel) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// LastActivity 最近一次入队或心跳时间
func (c *Channel) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Close 关闭通道并唤醒消费者（幂等）
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.cond.Broadcast()
}

// Closed 是否已关闭
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Len 当前排队帧数
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Capacity 队列容量
func (c *Channel) Capacity() int {
	return len(c.buf)
}

// Stats 获取统计信息
func (c *Channel) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Pushed:       c.pushed,
		Consumed:     c.consumed,
		Dropped:      c.dropped,
		StaleRejects: c.staleRejects,
		Queued:       c.size,
		LastActivity: c.lastActivity,
	}
}
