// Package chopqueue 延迟 Lot 抽取，直到消息的所有图片都有描述且冷却期已过。
//
// 相册的各部分会陆续到达，每次更新都会重置冷却期，因此只有在消息稳定后才会派发。
// 状态转换：idle → waiting（有未完成描述或冷却中）→ ready → dispatched（从队列移除）。
package chopqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"marketfeed/internal/model"
	"marketfeed/internal/moderation"
	"marketfeed/internal/pkg/metrics"
	"marketfeed/internal/store"
)

const (
	DefaultCooldown      = 20 * time.Second
	DefaultCheckInterval = 5 * time.Second

	stateFile = "chop_queue.json"
)

// ErrFlushTimeout 表示 Flush 超时后仍有条目未派发。
var ErrFlushTimeout = errors.New("chop queue flush timed out")

// DispatchFunc 把一条消息交给抽取阶段。实现应尽快返回（例如投递到工作池）。
type DispatchFunc func(ctx context.Context, rawPath string) error

// Debounce 是显式的截止时间对象。
type Debounce struct {
	cooldown time.Duration
	deadline time.Time
}

// NewDebounce 创建 Debounce。
func NewDebounce(cooldown time.Duration) Debounce {
	return Debounce{cooldown: cooldown}
}

// Reset 把截止时间推迟到 now + cooldown。
func (d *Debounce) Reset(now time.Time) { d.deadline = now.Add(d.cooldown) }

// Ready 判断冷却期是否已过。
func (d Debounce) Ready(now time.Time) bool { return !now.Before(d.deadline) }

// Deadline 返回当前截止时间。
func (d Debounce) Deadline() time.Time { return d.deadline }

type entry struct {
	pending  map[string]struct{}
	debounce Debounce
}

// Options 配置队列。
type Options struct {
	Cooldown      time.Duration
	CheckInterval time.Duration
	Dispatch      DispatchFunc
}

// Queue 是进程内的抽取等待队列，所有方法并发安全。
type Queue struct {
	store    *store.Store
	gate     *moderation.Gate
	dispatch DispatchFunc
	cooldown time.Duration
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	running bool
}

// New 创建队列。
//
// 参数:
//
//	st: 存储（用于检查描述是否完成以及持久化队列）
//	gate: 审核规则
//	opts: 冷却期、检查间隔与派发函数
//	logger: 日志器
func New(st *store.Store, gate *moderation.Gate, opts Options, logger *slog.Logger) *Queue {
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultCheckInterval
	}
	if opts.Dispatch == nil {
		opts.Dispatch = func(context.Context, string) error { return nil }
	}
	if gate == nil {
		gate = moderation.New(nil, nil, nil)
	}
	if logger == nil {
		logger = st.Logger()
	}
	return &Queue{
		store:    st,
		gate:     gate,
		dispatch: opts.Dispatch,
		cooldown: opts.Cooldown,
		interval: opts.CheckInterval,
		logger:   logger,
		entries:  make(map[string]*entry),
	}
}

// Len 返回等待中的消息数。
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Enqueue 把消息加入队列（或更新已有条目）。
//
// 未通过审核的消息不会入队。待描述集合只包含图片，并与已有条目合并；每次变更都重置冷却期。
//
// 返回值:
//
//	bool: 是否入队
func (q *Queue) Enqueue(rawPath string, p *model.Post) bool {
	return q.enqueueAt(rawPath, p, time.Now())
}

func (q *Queue) enqueueAt(rawPath string, p *model.Post, now time.Time) bool {
	if reason := q.gate.MessageSkipReason(p); reason != "" {
		q.logger.Debug("skipping chop due to moderation", slog.String("file", rawPath), slog.String("reason", reason))
		return false
	}
	pending := make(map[string]struct{})
	for _, rel := range p.Files {
		media := q.store.MediaPath(rel)
		if store.IsImage(media) && !store.HasCaption(media) {
			pending[media] = struct{}{}
		}
	}

	q.mu.Lock()
	e, ok := q.entries[rawPath]
	if !ok {
		e = &entry{pending: make(map[string]struct{}), debounce: NewDebounce(q.cooldown)}
		q.entries[rawPath] = e
	}
	for m := range pending {
		e.pending[m] = struct{}{}
	}
	e.debounce.Reset(now)
	size := len(q.entries)
	q.mu.Unlock()

	metrics.ChopQueueDepth.Set(float64(size))
	q.logger.Debug("queued chop", slog.String("file", rawPath), slog.Int("pending", len(pending)), slog.Int("queue", size))
	return true
}

// Process 检查所有条目，派发已就绪的条目并移除。
//
// 返回值:
//
//	int: 本次派发数
func (q *Queue) Process(ctx context.Context, now time.Time) int {
	return q.process(ctx, now, false)
}

// process 在 force 为 true 时忽略冷却期，只要求描述已完成。
func (q *Queue) process(ctx context.Context, now time.Time, force bool) int {
	q.mu.Lock()
	var ready []string
	for path, e := range q.entries {
		for m := range e.pending {
			if store.HasCaption(m) {
				delete(e.pending, m)
			}
		}
		if len(e.pending) == 0 && (force || e.debounce.Ready(now)) {
			ready = append(ready, path)
			delete(q.entries, path)
		}
	}
	size := len(q.entries)
	q.mu.Unlock()

	metrics.ChopQueueDepth.Set(float64(size))
	sort.Strings(ready)
	for _, path := range ready {
		q.logger.Debug("chop cooldown complete", slog.String("file", path))
		if err := q.dispatch(ctx, path); err != nil {
			// 条目已出队；抽取阶段的定期扫描会重新发现它。
			q.logger.Error("dispatch chop failed", slog.String("file", path), slog.String("error", err.Error()))
		}
	}
	return len(ready)
}

// Start 在后台启动 Run（如果尚未运行）。
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()
	go q.Run(ctx)
}

// Run 按检查间隔处理队列，队列为空或 ctx 取消时返回。
func (q *Queue) Run(ctx context.Context) {
	defer func() {
		q.mu.Lock()
		q.running = false
		q.mu.Unlock()
	}()
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()
	for {
		q.Process(ctx, time.Now())
		if q.Len() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Flush 在关闭前排空队列：忽略冷却期，只等待描述完成。
//
// 超时后剩余条目写入 state/chop_queue.json，下次启动时由 Restore 恢复。
func (q *Queue) Flush(ctx context.Context, timeout time.Duration) error {
	q.logger.Info("flushing chop queue", slog.Int("queue", q.Len()))
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()
loop:
	for {
		q.process(ctx, time.Now(), true)
		if q.Len() == 0 {
			q.store.Remove(q.statePath())
			return nil
		}
		if !time.Now().Before(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
		}
	}
	left := q.Len()
	if err := q.Save(); err != nil {
		return fmt.Errorf("persist chop queue: %w", err)
	}
	q.logger.Warn("chop queue not drained", slog.Int("remaining", left))
	return fmt.Errorf("%w: %d remaining", ErrFlushTimeout, left)
}

type savedEntry struct {
	Path    string   `json:"path"`
	Pending []string `json:"pending,omitempty"`
}

func (q *Queue) statePath() string {
	return filepath.Join(q.store.Dir(store.StateDir), stateFile)
}

// Save 持久化当前队列。
func (q *Queue) Save() error {
	q.mu.Lock()
	saved := make([]savedEntry, 0, len(q.entries))
	for path, e := range q.entries {
		se := savedEntry{Path: path}
		for m := range e.pending {
			se.Pending = append(se.Pending, m)
		}
		sort.Strings(se.Pending)
		saved = append(saved, se)
	}
	q.mu.Unlock()
	sort.Slice(saved, func(i, j int) bool { return saved[i].Path < saved[j].Path })
	return q.store.WriteJSON(q.statePath(), saved)
}

// Restore 加载上次未排空的条目，冷却期从现在重新计算。
//
// 返回值:
//
//	int: 恢复的条目数
func (q *Queue) Restore() int {
	var saved []savedEntry
	path := q.statePath()
	if !q.store.ReadJSON(path, &saved) {
		return 0
	}
	now := time.Now()
	q.mu.Lock()
	for _, se := range saved {
		if !store.Exists(se.Path) {
			continue
		}
		e := &entry{pending: make(map[string]struct{}), debounce: NewDebounce(q.cooldown)}
		for _, m := range se.Pending {
			e.pending[m] = struct{}{}
		}
		e.debounce.Reset(now)
		q.entries[se.Path] = e
	}
	size := len(q.entries)
	q.mu.Unlock()
	q.store.Remove(path)
	metrics.ChopQueueDepth.Set(float64(size))
	q.logger.Info("restored chop queue", slog.Int("count", size))
	return size
}
