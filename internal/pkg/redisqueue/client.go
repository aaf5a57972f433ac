package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"marketfeed/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

const (
	KeyTaskQueue           = "marketfeed:queue:tasks"
	KeyTaskProcessingQueue = "marketfeed:queue:tasks:processing"
	KeyResultQueue         = "marketfeed:queue:results"
	KeyTaskPendingSet      = "marketfeed:queue:tasks:pending" // 去重集合
	KeyTaskStartedHash     = "marketfeed:queue:tasks:started" // 任务开始处理时间 (task_id -> unix timestamp)
)

var (
	ErrNoTask     = errors.New("no task available")
	ErrNoResult   = errors.New("no result available")
	ErrTaskExists = errors.New("task already in queue") // 任务已存在
)

// Task 是一条阶段任务：对某个存储文件执行某个阶段。
type Task struct {
	ID        string `json:"id"`
	Stage     string `json:"stage"`
	Path      string `json:"path"`
	CreatedAt int64  `json:"created_at"`
}

// NewTask 创建任务，ID 由阶段与路径决定，因此同一文件同一阶段在队列中只会出现一次。
func NewTask(stage, path string) *Task {
	return &Task{ID: stage + ":" + path, Stage: stage, Path: path, CreatedAt: time.Now().Unix()}
}

// Result 是阶段任务的执行结果。
type Result struct {
	TaskID  string   `json:"task_id"`
	Stage   string   `json:"stage"`
	Path    string   `json:"path"`
	Outputs []string `json:"outputs,omitempty"` // 新写入的文件
	Error   string   `json:"error,omitempty"`
}

// Client wraps Redis List operations for task/result queues.
type Client struct {
	rdb *redis.Client
}

// NewClient creates a redisqueue client with address/password.
func NewClient(addr, password string) *Client {
	return &Client{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       0,
		}),
	}
}

// NewClientWithRedis creates a redisqueue client from an existing redis.Client.
func NewClientWithRedis(rdb *redis.Client) (*Client, error) {
	if rdb == nil {
		return nil, errors.New("redis client is nil")
	}
	return &Client{rdb: rdb}, nil
}

// pushTaskScript 原子性地执行 SADD + LPUSH，避免中间状态不一致。
// KEYS[1] = pending set, KEYS[2] = task queue
// ARGV[1] = task_id, ARGV[2] = task JSON
// 返回: 1 = 成功推送, 0 = 任务已存在
var pushTaskScript = redis.NewScript(`
	local added = redis.call('SADD', KEYS[1], ARGV[1])
	if added == 0 then
		return 0
	end
	redis.call('LPUSH', KEYS[2], ARGV[1] .. '\n' .. ARGV[2])
	return 1
`)

// decodeTask 解析 "id\njson" 形式的队列条目。Ack 按 id 前缀匹配，不依赖 JSON 序列化细节。
func decodeTask(raw string) (*Task, error) {
	_, body, ok := strings.Cut(raw, "\n")
	if !ok {
		return nil, errors.New("malformed task entry")
	}
	var t Task
	if err := json.Unmarshal([]byte(body), &t); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return &t, nil
}

// PushTask 把任务推入队列。
// 使用 Lua 脚本原子执行 SADD + LPUSH，确保一致性。
// 如果任务已在队列中（或正在处理），返回 ErrTaskExists。
func (c *Client) PushTask(ctx context.Context, task *Task) error {
	if task == nil {
		return errors.New("task is nil")
	}
	if c == nil || c.rdb == nil {
		return errors.New("redis client is not initialized")
	}
	if task.ID == "" {
		return errors.New("task id is empty")
	}

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	result, err := pushTaskScript.Run(ctx, c.rdb,
		[]string{KeyTaskPendingSet, KeyTaskQueue},
		task.ID, string(data),
	).Int()
	if err != nil {
		return fmt.Errorf("push task script: %w", err)
	}

	if result == 0 {
		metrics.StageQueueTotal.WithLabelValues(task.Stage, "skipped").Inc()
		return ErrTaskExists
	}

	metrics.StageQueueTotal.WithLabelValues(task.Stage, "pushed").Inc()
	return nil
}

// PopTask blocks until a task is available or timeout is reached.
// 同时记录任务开始处理的时间到 KeyTaskStartedHash。
func (c *Client) PopTask(ctx context.Context, timeout time.Duration) (*Task, error) {
	if c == nil || c.rdb == nil {
		return nil, errors.New("redis client is not initialized")
	}
	result, err := c.rdb.BRPopLPush(ctx, KeyTaskQueue, KeyTaskProcessingQueue, timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoTask
	}
	if err != nil {
		return nil, fmt.Errorf("brpoplpush task: %w", err)
	}

	task, err := decodeTask(result)
	if err != nil {
		return nil, err
	}

	// 记录任务开始处理的时间（用于 Janitor 判断超时）
	c.rdb.HSet(ctx, KeyTaskStartedHash, task.ID, time.Now().Unix())

	metrics.StageQueueTotal.WithLabelValues(task.Stage, "popped").Inc()
	return task, nil
}

// PushResult pushes a stage result into the result queue.
func (c *Client) PushResult(ctx context.Context, res *Result) error {
	if res == nil {
		return errors.New("result is nil")
	}
	if c == nil || c.rdb == nil {
		return errors.New("redis client is not initialized")
	}
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := c.rdb.LPush(ctx, KeyResultQueue, string(data)).Err(); err != nil {
		return fmt.Errorf("lpush result: %w", err)
	}
	return nil
}

// PopResult blocks until a result is available or timeout is reached.
func (c *Client) PopResult(ctx context.Context, timeout time.Duration) (*Result, error) {
	if c == nil || c.rdb == nil {
		return nil, errors.New("redis client is not initialized")
	}
	result, err := c.rdb.BRPop(ctx, timeout, KeyResultQueue).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoResult
	}
	if err != nil {
		return nil, fmt.Errorf("brpop result: %w", err)
	}
	if len(result) < 2 {
		return nil, fmt.Errorf("invalid brpop response: %v", result)
	}

	var res Result
	if err := json.Unmarshal([]byte(result[1]), &res); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return &res, nil
}

// ackTaskScript 原子性地从 processing queue 中找到并删除匹配 task_id 的任务。
// KEYS[1] = processing queue, KEYS[2] = pending set, KEYS[3] = started hash
// ARGV[1] = task_id
// 返回: 删除的任务数量
var ackTaskScript = redis.NewScript(`
	local queue = KEYS[1]
	local pending = KEYS[2]
	local started = KEYS[3]
	local prefix = ARGV[1] .. '\n'

	local tasks = redis.call('LRANGE', queue, 0, -1)
	local removed = 0
	for _, task in ipairs(tasks) do
		if string.sub(task, 1, string.len(prefix)) == prefix then
			redis.call('LREM', queue, 1, task)
			removed = removed + 1
			break
		end
	end

	redis.call('SREM', pending, ARGV[1])
	redis.call('HDEL', started, ARGV[1])

	return removed
`)

// AckTask removes a processed task from the processing queue, pending set, and started hash.
// 这允许该任务在下一个扫描周期被重新推送。
func (c *Client) AckTask(ctx context.Context, task *Task) error {
	if task == nil {
		return errors.New("task is nil")
	}
	if c == nil || c.rdb == nil {
		return errors.New("redis client is not initialized")
	}
	if task.ID == "" {
		return errors.New("task id is empty")
	}

	if _, err := ackTaskScript.Run(ctx, c.rdb,
		[]string{KeyTaskProcessingQueue, KeyTaskPendingSet, KeyTaskStartedHash},
		task.ID,
	).Int(); err != nil {
		return fmt.Errorf("ack task script: %w", err)
	}
	return nil
}

// QueueDepth returns the current length of task and result queues.
func (c *Client) QueueDepth(ctx context.Context) (int64, int64, error) {
	if c == nil || c.rdb == nil {
		return 0, 0, errors.New("redis client is not initialized")
	}
	tasks, err := c.rdb.LLen(ctx, KeyTaskQueue).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("llen tasks: %w", err)
	}
	results, err := c.rdb.LLen(ctx, KeyResultQueue).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("llen results: %w", err)
	}
	return tasks, results, nil
}

// PendingSetSize returns the number of unique tasks currently pending.
func (c *Client) PendingSetSize(ctx context.Context) (int64, error) {
	if c == nil || c.rdb == nil {
		return 0, errors.New("redis client is not initialized")
	}
	size, err := c.rdb.SCard(ctx, KeyTaskPendingSet).Result()
	if err != nil {
		return 0, fmt.Errorf("scard pending set: %w", err)
	}
	return size, nil
}

// rescueScript 是用于原子性 rescue 任务的 Lua 脚本。
// 只有当 LREM 成功移除了任务时，才执行 LPUSH，防止多个 Janitor 重复添加。
// KEYS[1] = processing queue, KEYS[2] = task queue, KEYS[3] = started hash
// ARGV[1] = task entry, ARGV[2] = task_id
// 返回: 1 = 成功 rescue, 0 = 任务不存在
var rescueScript = redis.NewScript(`
	local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
	if removed > 0 then
		redis.call('LPUSH', KEYS[2], ARGV[1])
		redis.call('HDEL', KEYS[3], ARGV[2])
		return 1
	end
	return 0
`)

// RescueStuckTasks scans processing queue and requeues tasks that exceed timeout.
// 使用 KeyTaskStartedHash 中记录的开始时间判断超时，没有记录时退回到 CreatedAt。
func (c *Client) RescueStuckTasks(ctx context.Context, timeout time.Duration) (int, error) {
	if c == nil || c.rdb == nil {
		return 0, errors.New("redis client is not initialized")
	}

	startedTimes, err := c.rdb.HGetAll(ctx, KeyTaskStartedHash).Result()
	if err != nil {
		return 0, fmt.Errorf("hgetall started: %w", err)
	}

	tasksRaw, err := c.rdb.LRange(ctx, KeyTaskProcessingQueue, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("lrange processing: %w", err)
	}
	if len(tasksRaw) == 0 {
		// processing queue 为空，但 started hash 有记录，清理孤立记录
		for taskID := range startedTimes {
			c.rdb.HDel(ctx, KeyTaskStartedHash, taskID)
		}
		return 0, nil
	}

	now := time.Now().Unix()
	threshold := int64(timeout.Seconds())
	rescued := 0

	for _, raw := range tasksRaw {
		task, err := decodeTask(raw)
		if err != nil || task.ID == "" {
			continue
		}

		started := task.CreatedAt
		if s, ok := startedTimes[task.ID]; ok {
			if v, err := strconv.ParseInt(s, 10, 64); err == nil {
				started = v
			}
		}
		if started == 0 || now-started <= threshold {
			continue
		}

		result, err := rescueScript.Run(ctx, c.rdb,
			[]string{KeyTaskProcessingQueue, KeyTaskQueue, KeyTaskStartedHash},
			raw, task.ID,
		).Int()
		if err != nil {
			continue
		}
		if result == 1 {
			metrics.StageQueueTotal.WithLabelValues(task.Stage, "rescued").Inc()
			rescued++
		}
	}

	return rescued, nil
}

// RemoveFromPendingSet 从 pending set 中移除指定的 task_id。
func (c *Client) RemoveFromPendingSet(ctx context.Context, taskID string) error {
	if c == nil || c.rdb == nil {
		return errors.New("redis client is not initialized")
	}
	if taskID == "" {
		return errors.New("task id is empty")
	}
	return c.rdb.SRem(ctx, KeyTaskPendingSet, taskID).Err()
}
