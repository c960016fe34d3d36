package broadcast

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"ProctorStream/internal/model"
)

// DefaultQueueSize 每个观察者的默认队列长度
const DefaultQueueSize = 64

var ErrClosed = errors.New("broadcaster closed")

// Delivery 投递给观察者的一条事件
//
// Missed 大于 0 表示在该事件之前因队列溢出丢失了若干事件。
type Delivery struct {
	Event  model.Event
	Missed uint64
}

// Stats 观察者统计
type Stats struct {
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Queued    int    `json:"queued"`
}

// Broadcaster 单会话的发布/订阅中心
type Broadcaster struct {
	mu        sync.RWMutex
	subs      map[uint64]*Subscription
	nextID    uint64
	queueSize int
	closed    bool

	published atomic.Uint64
}

// New 创建广播器
func New(queueSize int) *Broadcaster {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Broadcaster{
		subs:      make(map[uint64]*Subscription),
		queueSize: queueSize,
	}
}

// Subscribe 注册观察者，只接收订阅之后发布的事件
func (b *Broadcaster) Subscribe() (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	b.nextID++
	sub := &Subscription{
		id:    b.nextID,
		owner: b,
		queue: make([]Delivery, 0, b.queueSize),
		limit: b.queueSize,
	}
	sub.cond = sync.NewCond(&sub.mu)
	b.subs[sub.id] = sub

	return sub, nil
}

// Publish 向当前所有观察者投递事件（永不阻塞）
func (b *Broadcaster) Publish(event model.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	b.published.Add(1)
	for _, sub := range b.subs {
		sub.enqueue(event)
	}
}

// Unsubscribe 注销观察者（幂等）
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	delete(b.subs, sub.id)
	b.mu.Unlock()

	sub.close(true)
}

// Close 关闭广播器，观察者取完剩余事件后收到 ErrClosed
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for id, sub := range b.subs {
		sub.close(false)
		delete(b.subs, id)
	}
}

// Closed 是否已关闭
func (b *Broadcaster) Closed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Subscribers 当前观察者数量
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Published 已发布事件总数
func (b *Broadcaster) Published() uint64 {
	return b.published.Load()
}

// Subscription 观察者句柄，Next 只能由单个 goroutine 调用
type Subscription struct {
	id    uint64
	owner *Broadcaster

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []Delivery
	limit     int
	closed    bool
	delivered uint64
	dropped   uint64
}

// ID 观察者编号
func (s *Subscription) ID() uint64 {
	return s.id
}

// enqueue 入队，溢出时丢弃最旧事件并在新的队首记录缺口
func (s *Subscription) enqueue(event model.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	if len(s.queue) == s.limit {
		oldest := s.queue[0]
		s.queue = s.queue[1:]
		s.dropped++
		if len(s.queue) > 0 {
			s.queue[0].Missed += oldest.Missed + 1
			s.queue = append(s.queue, Delivery{Event: event})
		} else {
			s.queue = append(s.queue, Delivery{Event: event, Missed: oldest.Missed + 1})
		}
	} else {
		s.queue = append(s.queue, Delivery{Event: event})
	}

	s.cond.Signal()
}

// close 标记关闭；discard 为 true 时丢弃未读事件
func (s *Subscription) close(discard bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if discard {
		s.queue = nil
	}
	s.cond.Broadcast()
}

// Next 阻塞等待下一条事件
func (s *Subscription) Next(ctx context.Context) (Delivery, error) {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) == 0 && !s.closed && ctx.Err() == nil {
		s.cond.Wait()
	}

	if err := ctx.Err(); err != nil {
		return Delivery{}, err
	}

	if len(s.queue) == 0 {
		return Delivery{}, ErrClosed
	}

	d := s.queue[0]
	s.queue[0] = Delivery{}
	s.queue = s.queue[1:]
	s.delivered++

	return d, nil
}

// Stats 获取观察者统计
func (s *Subscription) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Delivered: s.delivered,
		Dropped:   s.dropped,
		Queued:    len(s.queue),
	}
}
