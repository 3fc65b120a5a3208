package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalDelayedQueueFires(t *testing.T) {
	q := NewLocalDelayedQueue()
	defer q.Stop()

	var fired int32
	q.Register("test", func(ctx context.Context, task Task) {
		assert.Equal(t, "task-1", task.ID)
		assert.Equal(t, "v", task.Payload["k"])
		atomic.AddInt32(&fired, 1)
	})
	q.Start()

	require.NoError(t, q.Schedule(context.Background(), "task-1", "test", map[string]string{"k": "v"}, 20*time.Millisecond))
	time.Sleep(100 * time.Millisecond) // 等待触发

	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
}

func TestLocalDelayedQueueCancel(t *testing.T) {
	q := NewLocalDelayedQueue()
	defer q.Stop()

	var fired int32
	q.Register("test", func(ctx context.Context, task Task) {
		atomic.AddInt32(&fired, 1)
	})
	q.Start()

	ctx := context.Background()
	require.NoError(t, q.Schedule(ctx, "task-1", "test", nil, 50*time.Millisecond))
	require.NoError(t, q.Cancel(ctx, "task-1"))
	// 重复取消必须无害
	require.NoError(t, q.Cancel(ctx, "task-1"))

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))
}

func TestLocalDelayedQueueReschedule(t *testing.T) {
	q := NewLocalDelayedQueue()
	defer q.Stop()

	var fired int32
	q.Register("test", func(ctx context.Context, task Task) {
		atomic.AddInt32(&fired, 1)
	})
	q.Start()

	ctx := context.Background()
	// 同 ID 重复调度只保留最后一次
	require.NoError(t, q.Schedule(ctx, "task-1", "test", nil, 20*time.Millisecond))
	require.NoError(t, q.Schedule(ctx, "task-1", "test", nil, 40*time.Millisecond))

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
}

func TestLocalDelayedQueueScheduleBeforeStart(t *testing.T) {
	q := NewLocalDelayedQueue()
	defer q.Stop()

	var fired int32
	q.Register("test", func(ctx context.Context, task Task) {
		atomic.AddInt32(&fired, 1)
	})

	// Start 之前调度的任务在 Start 后仍会触发
	require.NoError(t, q.Schedule(context.Background(), "task-1", "test", nil, 10*time.Millisecond))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))

	q.Start()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
}
