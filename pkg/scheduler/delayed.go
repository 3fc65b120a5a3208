package scheduler

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Task 延迟任务。ID 即关联 id：同一告警的同类定时器用同一 ID 调度和取消。
type Task struct {
	ID      string            `json:"id"`
	Kind    string            `json:"kind"`
	Payload map[string]string `json:"payload"`
}

// TaskHandler 任务处理函数。处理器必须自行校验前置条件：
// 任务落地后状态可能已经变化，不满足时静默返回即可。
type TaskHandler func(ctx context.Context, task Task)

// DelayedQueue 持久化延迟任务队列：按关联 id 调度/取消，进程重启后任务仍在。
type DelayedQueue interface {
	// Register 注册某类任务的处理器，需在 Start 之前调用
	Register(kind string, handler TaskHandler)

	// Schedule 延迟 delay 后执行；同 ID 重复调度会覆盖旧的触发时间
	Schedule(ctx context.Context, id, kind string, payload map[string]string, delay time.Duration) error

	// Cancel 按关联 id 取消，任务不存在时为无害 no-op，可重复调用
	Cancel(ctx context.Context, id string) error

	Start()
	Stop()
}

// ---------------------------------------------------------------------------
// Redis 实现：due zset（score = 触发时间）+ 每任务 hash。
// 多个 worker 同时轮询时用 ZRem 抢占，只有删除成功的 worker 执行任务。
// ---------------------------------------------------------------------------

type redisDelayedQueue struct {
	client   *redis.Client
	prefix   string
	interval time.Duration

	mu       sync.RWMutex
	handlers map[string]TaskHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisDelayedQueue 创建 Redis 延迟队列
func NewRedisDelayedQueue(client *redis.Client, prefix string, pollInterval time.Duration) DelayedQueue {
	if prefix == "" {
		prefix = "delayed"
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &redisDelayedQueue{
		client:   client,
		prefix:   prefix,
		interval: pollInterval,
		handlers: make(map[string]TaskHandler),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (q *redisDelayedQueue) dueKey() string           { return q.prefix + ":due" }
func (q *redisDelayedQueue) taskKey(id string) string { return q.prefix + ":task:" + id }

func (q *redisDelayedQueue) Register(kind string, handler TaskHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = handler
}

func (q *redisDelayedQueue) Schedule(ctx context.Context, id, kind string, payload map[string]string, delay time.Duration) error {
	data, err := json.Marshal(Task{ID: id, Kind: kind, Payload: payload})
	if err != nil {
		return err
	}

	runAt := float64(time.Now().Add(delay).UnixMilli())
	pipe := q.client.Pipeline()
	pipe.Set(ctx, q.taskKey(id), data, 0)
	pipe.ZAdd(ctx, q.dueKey(), redis.Z{Score: runAt, Member: id})
	_, err = pipe.Exec(ctx)
	return err
}

func (q *redisDelayedQueue) Cancel(ctx context.Context, id string) error {
	pipe := q.client.Pipeline()
	pipe.ZRem(ctx, q.dueKey(), id)
	pipe.Del(ctx, q.taskKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

func (q *redisDelayedQueue) Start() {
	q.wg.Add(1)
	go q.poll()
}

func (q *redisDelayedQueue) Stop() {
	q.cancel()
	q.wg.Wait()
}

func (q *redisDelayedQueue) poll() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			q.drainDue()
		}
	}
}

func (q *redisDelayedQueue) drainDue() {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := q.client.ZRangeByScore(q.ctx, q.dueKey(), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil || len(ids) == 0 {
		return
	}

	for _, id := range ids {
		// ZRem 抢占：返回 1 的 worker 获得任务
		n, err := q.client.ZRem(q.ctx, q.dueKey(), id).Result()
		if err != nil || n == 0 {
			continue
		}

		data, err := q.client.GetDel(q.ctx, q.taskKey(id)).Result()
		if err != nil {
			continue // 已被 Cancel 删除
		}

		var task Task
		if err := json.Unmarshal([]byte(data), &task); err != nil {
			continue
		}
		q.dispatch(task)
	}
}

func (q *redisDelayedQueue) dispatch(task Task) {
	q.mu.RLock()
	handler, ok := q.handlers[task.Kind]
	q.mu.RUnlock()
	if !ok {
		return
	}
	go handler(q.ctx, task)
}

// ---------------------------------------------------------------------------
// 进程内实现：单机部署和测试用，契约与 Redis 实现一致（不含跨重启持久性）。
// ---------------------------------------------------------------------------

type localDelayedQueue struct {
	mu       sync.Mutex
	handlers map[string]TaskHandler
	timers   map[string]*time.Timer
	started  bool
	pending  []pendingTask
}

type pendingTask struct {
	task  Task
	runAt time.Time
}

// NewLocalDelayedQueue 创建进程内延迟队列
func NewLocalDelayedQueue() DelayedQueue {
	return &localDelayedQueue{
		handlers: make(map[string]TaskHandler),
		timers:   make(map[string]*time.Timer),
	}
}

func (q *localDelayedQueue) Register(kind string, handler TaskHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = handler
}

func (q *localDelayedQueue) Schedule(ctx context.Context, id, kind string, payload map[string]string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task := Task{ID: id, Kind: kind, Payload: payload}
	if !q.started {
		q.pending = append(q.pending, pendingTask{task: task, runAt: time.Now().Add(delay)})
		return nil
	}
	q.armLocked(task, delay)
	return nil
}

func (q *localDelayedQueue) armLocked(task Task, delay time.Duration) {
	if old, ok := q.timers[task.ID]; ok {
		old.Stop()
	}
	if delay < 0 {
		delay = 0
	}
	q.timers[task.ID] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, task.ID)
		handler, ok := q.handlers[task.Kind]
		q.mu.Unlock()
		if ok {
			handler(context.Background(), task)
		}
	})
}

func (q *localDelayedQueue) Cancel(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if timer, ok := q.timers[id]; ok {
		timer.Stop()
		delete(q.timers, id)
	}
	for i := range q.pending {
		if q.pending[i].task.ID == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	return nil
}

func (q *localDelayedQueue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.started = true
	for _, p := range q.pending {
		q.armLocked(p.task, time.Until(p.runAt))
	}
	q.pending = nil
}

func (q *localDelayedQueue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for id, timer := range q.timers {
		timer.Stop()
		delete(q.timers, id)
	}
	q.started = false
}
