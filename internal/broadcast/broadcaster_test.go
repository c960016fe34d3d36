package broadcast

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ProctorStream/internal/model"
)

func event(n int) model.Event {
	return model.Event{ID: fmt.Sprintf("e%d", n), SessionID: "s1", Type: model.EventAlert}
}

// TestDeliveryOrder 所有观察者按发布顺序收到事件
func TestDeliveryOrder(t *testing.T) {
	b := New(16)
	s1, err := b.Subscribe()
	require.NoError(t, err)
	s2, err := b.Subscribe()
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		b.Publish(event(i))
	}

	ctx := context.Background()
	for _, sub := range []*Subscription{s1, s2} {
		for i := 0; i < 5; i++ {
			d, err := sub.Next(ctx)
			require.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("e%d", i), d.Event.ID)
			assert.Zero(t, d.Missed)
		}
	}
	assert.Equal(t, uint64(5), b.Published())
}

// TestLateSubscriberGetsNoHistory 后订阅者不接收历史事件
func TestLateSubscriberGetsNoHistory(t *testing.T) {
	b := New(4)
	b.Publish(event(1))

	sub, err := b.Subscribe()
	require.NoError(t, err)
	b.Publish(event(2))

	d, err := sub.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "e2", d.Event.ID)
}

// TestSlowObserverGapMark 慢观察者丢弃最旧事件并标记缺口，不影响其他观察者
func TestSlowObserverGapMark(t *testing.T) {
	b := New(3)
	slow, err := b.Subscribe()
	require.NoError(t, err)
	fast, err := b.Subscribe()
	require.NoError(t, err)

	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 6; i++ {
			b.Publish(event(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked by a slow observer")
	}

	d, err := slow.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "e3", d.Event.ID)
	assert.Equal(t, uint64(3), d.Missed)

	d, err = slow.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "e4", d.Event.ID)
	assert.Zero(t, d.Missed)

	assert.Equal(t, uint64(3), slow.Stats().Dropped)

	// 另一个观察者的队列互不影响
	b.Close()
	n := 0
	for {
		if _, err := fast.Next(ctx); err != nil {
			assert.ErrorIs(t, err, ErrClosed)
			break
		}
		n++
	}
	assert.Equal(t, 3, n)
}

// TestCloseDrainsThenEnds 关闭后先取完剩余事件再结束
func TestCloseDrainsThenEnds(t *testing.T) {
	b := New(4)
	sub, err := b.Subscribe()
	require.NoError(t, err)

	b.Publish(event(1))
	b.Close()
	b.Publish(event(2))

	d, err := sub.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "e1", d.Event.ID)

	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	_, err = b.Subscribe()
	assert.ErrorIs(t, err, ErrClosed)
	assert.True(t, b.Closed())
}

// TestUnsubscribe 注销后不再投递，阻塞的 Next 被唤醒
func TestUnsubscribe(t *testing.T) {
	b := New(4)
	sub, err := b.Subscribe()
	require.NoError(t, err)
	assert.Equal(t, 1, b.Subscribers())

	errCh := make(chan error, 1)
	go func() {
		_, err := sub.Next(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Next not released by Unsubscribe")
	}
	assert.Equal(t, 0, b.Subscribers())
}

// TestNextContextCancel ctx 取消时返回
func TestNextContextCancel(t *testing.T) {
	b := New(4)
	sub, err := b.Subscribe()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
