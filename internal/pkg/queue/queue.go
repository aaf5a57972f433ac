// Package queue 提供进程内的阶段任务池：固定数量的 worker、有界队列，以及按文件去重的在途集合。
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"marketfeed/internal/pkg/metrics"
)

var (
	ErrClosed   = errors.New("queue is closed")
	ErrFull     = errors.New("queue is full")
	ErrInFlight = errors.New("item already queued")
)

// Func 处理一个条目。
type Func func(ctx context.Context) error

// Job 是一条阶段任务。同一 (Stage, Key) 在队列中或处理中时不会被再次接受。
type Job struct {
	Stage string
	Key   string
	Run   Func
}

func (j Job) id() string { return j.Stage + "\x00" + j.Key }

// ErrorHandler 错误处理回调函数。
type ErrorHandler func(err error, job Job)

// Queue 是有界任务队列与固定 worker 池。
type Queue struct {
	logger       *slog.Logger
	workers      int
	jobs         chan Job
	errorHandler ErrorHandler

	mu       sync.Mutex
	inflight map[string]struct{}

	// 优雅关闭
	wg     sync.WaitGroup
	closed atomic.Bool

	stats queueStats
}

// queueStats 队列内部统计信息（使用 atomic 类型）。
type queueStats struct {
	TotalEnqueued  atomic.Int64
	TotalProcessed atomic.Int64
	TotalSucceeded atomic.Int64
	TotalFailed    atomic.Int64
	TotalDropped   atomic.Int64 // 队列满或重复
	TotalPanics    atomic.Int64
}

// Stats 是统计信息快照。
type Stats struct {
	TotalEnqueued  int64
	TotalProcessed int64
	TotalSucceeded int64
	TotalFailed    int64
	TotalDropped   int64
	TotalPanics    int64
}

// NewQueue 创建一个新的任务队列。
//
// 参数:
//   - logger: 日志记录器
//   - workers: worker 数量（至少为 1）
//   - capacity: 队列容量（至少为 1）
func NewQueue(logger *slog.Logger, workers int, capacity int) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		logger:   logger,
		workers:  workers,
		jobs:     make(chan Job, capacity),
		inflight: make(map[string]struct{}),
	}
}

// SetErrorHandler 设置错误处理回调函数。
func (q *Queue) SetErrorHandler(handler ErrorHandler) {
	q.errorHandler = handler
}

// Workers 返回 worker 数量。
func (q *Queue) Workers() int { return q.workers }

// Start 启动 worker 池，直到 ctx 被取消或调用 Shutdown。
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			q.logger.Debug("worker stopped", slog.Int("worker_id", id))
			return

		case job, ok := <-q.jobs:
			if !ok {
				q.logger.Debug("worker exit on closed channel", slog.Int("worker_id", id))
				return
			}
			q.executeJob(ctx, job, id)
		}
	}
}

// executeJob 执行单个任务，带 panic 恢复、指标记录和错误处理。
func (q *Queue) executeJob(ctx context.Context, job Job, workerID int) {
	start := time.Now()
	defer func() {
		q.release(job)
		metrics.StageDuration.WithLabelValues(job.Stage).Observe(time.Since(start).Seconds())
	}()
	defer func() {
		if r := recover(); r != nil {
			q.stats.TotalPanics.Add(1)
			metrics.StageRunsTotal.WithLabelValues(job.Stage, "panic").Inc()
			q.logger.Error("job panic recovered",
				slog.Int("worker_id", workerID),
				slog.String("stage", job.Stage),
				slog.String("key", job.Key),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	err := job.Run(ctx)
	q.stats.TotalProcessed.Add(1)

	if err != nil {
		q.stats.TotalFailed.Add(1)
		metrics.StageRunsTotal.WithLabelValues(job.Stage, "error").Inc()
		q.logger.Warn("job failed",
			slog.Int("worker_id", workerID),
			slog.String("stage", job.Stage),
			slog.String("key", job.Key),
			slog.String("error", err.Error()))

		if q.errorHandler != nil {
			q.errorHandler(err, job)
		}
		return
	}
	q.stats.TotalSucceeded.Add(1)
	metrics.StageRunsTotal.WithLabelValues(job.Stage, "ok").Inc()
}

// claim 把任务加入在途集合，已存在时返回 false。
func (q *Queue) claim(job Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[job.id()]; ok {
		return false
	}
	q.inflight[job.id()] = struct{}{}
	return true
}

func (q *Queue) release(job Job) {
	q.mu.Lock()
	delete(q.inflight, job.id())
	q.mu.Unlock()
}

// Enqueue 非阻塞入队。
//
// 返回值:
//
//	error: ErrClosed、ErrInFlight（同一条目已在队列或处理中）或 ErrFull
func (q *Queue) Enqueue(job Job) error {
	if job.Run == nil {
		return fmt.Errorf("job is nil")
	}
	if q.closed.Load() {
		return ErrClosed
	}
	if !q.claim(job) {
		q.stats.TotalDropped.Add(1)
		return ErrInFlight
	}

	select {
	case q.jobs <- job:
		q.stats.TotalEnqueued.Add(1)
		return nil
	default:
		q.release(job)
		q.stats.TotalDropped.Add(1)
		q.logger.Warn("queue full, drop job",
			slog.String("stage", job.Stage),
			slog.Int("capacity", cap(q.jobs)),
			slog.Int("pending", len(q.jobs)))
		return ErrFull
	}
}

// EnqueueBlocking 阻塞式入队，直到成功或 ctx 被取消。
func (q *Queue) EnqueueBlocking(ctx context.Context, job Job) error {
	if job.Run == nil {
		return fmt.Errorf("job is nil")
	}
	if q.closed.Load() {
		return ErrClosed
	}
	if !q.claim(job) {
		q.stats.TotalDropped.Add(1)
		return ErrInFlight
	}

	select {
	case q.jobs <- job:
		q.stats.TotalEnqueued.Add(1)
		return nil
	case <-ctx.Done():
		q.release(job)
		return ctx.Err()
	}
}

// Shutdown 优雅关闭队列：
//  1. 标记为已关闭（拒绝新任务）
//  2. 关闭任务通道
//  3. 等待所有 worker 完成当前任务
func (q *Queue) Shutdown() {
	if q.closed.CompareAndSwap(false, true) {
		close(q.jobs)
		q.logger.Info("queue shutdown initiated, waiting for workers to finish")
		q.wg.Wait()
		q.logger.Info("queue shutdown completed")
	}
}

// ShutdownWithTimeout 带超时的优雅关闭。
func (q *Queue) ShutdownWithTimeout(timeout time.Duration) error {
	if !q.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("queue already closed")
	}

	close(q.jobs)
	q.logger.Info("queue shutdown initiated with timeout",
		slog.String("timeout", timeout.String()))

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info("queue shutdown completed")
		return nil
	case <-time.After(timeout):
		q.logger.Error("queue shutdown timeout")
		return fmt.Errorf("shutdown timeout after %s", timeout)
	}
}

// Stats 获取队列统计信息的快照。
func (q *Queue) Stats() Stats {
	return Stats{
		TotalEnqueued:  q.stats.TotalEnqueued.Load(),
		TotalProcessed: q.stats.TotalProcessed.Load(),
		TotalSucceeded: q.stats.TotalSucceeded.Load(),
		TotalFailed:    q.stats.TotalFailed.Load(),
		TotalDropped:   q.stats.TotalDropped.Load(),
		TotalPanics:    q.stats.TotalPanics.Load(),
	}
}

// Len 返回当前队列中待处理的任务数量。
func (q *Queue) Len() int {
	return len(q.jobs)
}

// IsClosed 返回队列是否已关闭。
func (q *Queue) IsClosed() bool {
	return q.closed.Load()
}
