// Package scheduler 通过 Redis 阶段队列驱动逐条处理的阶段，并按固定周期运行批量阶段。
//
// 逐条阶段（captions / lots / vectors）由待处理扫描或采集服务派发到 Redis List，
// 本进程的 worker 池消费并执行；批量阶段（prices / similar / publish / retention）
// 各自拥有一个 ticker。
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"marketfeed/internal/enrich"
	"marketfeed/internal/pkg/metrics"
	"marketfeed/internal/pkg/queue"
	"marketfeed/internal/pkg/redisqueue"
	"marketfeed/internal/stage"
)

// Processor 执行逐条阶段。
type Processor interface {
	Caption(ctx context.Context, mediaPath string) error
	Chop(ctx context.Context, rawPath string) (string, error)
	Embed(ctx context.Context, lotPath string) error
}

// Lister 按阶段列出待处理条目。
type Lister interface {
	Pending(name string) ([]string, error)
}

// Batch 是一个周期运行的批量阶段。
type Batch struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Options 是调度参数。
type Options struct {
	Workers      int
	Capacity     int
	ScanInterval time.Duration // 待处理扫描周期，0 表示只在启动时扫描一次
	StuckTimeout time.Duration // 处理中任务超过该时长被重新入队
	PopTimeout   time.Duration
	Batches      []Batch
}

// ItemStages 是逐条阶段，按派发顺序排列。
var ItemStages = []string{stage.Captions, stage.Lots, stage.Embeddings}

// Dispatcher 把条目推入 Redis 阶段队列，供采集服务与切分队列使用。
type Dispatcher struct {
	redisQueue *redisqueue.Client
}

// NewDispatcher 创建派发器。
func NewDispatcher(rq *redisqueue.Client) *Dispatcher {
	return &Dispatcher{redisQueue: rq}
}

// Dispatch 把一个条目推入 Redis 阶段队列；条目已在队列中时视为成功。
func (d *Dispatcher) Dispatch(ctx context.Context, stageName, path string) error {
	if d.redisQueue == nil {
		return errors.New("redis queue client is not initialized")
	}
	err := d.redisQueue.PushTask(ctx, redisqueue.NewTask(stageName, path))
	if errors.Is(err, redisqueue.ErrTaskExists) {
		return nil
	}
	return err
}

// DispatchChop 派发切分任务，供 chopqueue 在冷却结束后调用。
func (d *Dispatcher) DispatchChop(ctx context.Context, rawPath string) error {
	return d.Dispatch(ctx, stage.Lots, rawPath)
}

// Scheduler 负责阶段任务的派发、消费与批量阶段的定时运行。
type Scheduler struct {
	*Dispatcher

	logger  *slog.Logger
	queue   *queue.Queue
	proc    Processor
	lister  Lister
	opts    Options
	batches map[string]Batch
}

// New 创建调度器。
//
// 参数:
//   - rq: Redis 阶段队列
//   - proc: 逐条阶段执行器（通常是 *enrich.Enricher）
//   - lister: 待处理扫描（通常是 *stage.Detector），为空时不扫描
//   - opts: 调度参数
//   - logger: 日志记录器
func New(rq *redisqueue.Client, proc Processor, lister Lister, opts Options, logger *slog.Logger) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Capacity <= 0 {
		opts.Capacity = 1000
	}
	if opts.StuckTimeout <= 0 {
		opts.StuckTimeout = 10 * time.Minute
	}
	if opts.PopTimeout <= 0 {
		opts.PopTimeout = 2 * time.Second
	}

	q := queue.NewQueue(logger, opts.Workers, opts.Capacity)
	q.SetErrorHandler(func(err error, job queue.Job) {
		logger.Error("stage task failed",
			slog.String("stage", job.Stage),
			slog.String("path", job.Key),
			slog.String("error", err.Error()))
	})

	batches := make(map[string]Batch, len(opts.Batches))
	for _, b := range opts.Batches {
		batches[b.Name] = b
	}

	return &Scheduler{
		Dispatcher: NewDispatcher(rq),
		logger:     logger,
		queue:      q,
		proc:       proc,
		lister:     lister,
		opts:       opts,
		batches:    batches,
	}
}

// Scan 扫描所有逐条阶段的待处理条目并派发。
//
// 返回值:
//
//	int: 新推入队列的条目数
//	error: 扫描失败或 Redis 错误
func (s *Scheduler) Scan(ctx context.Context) (int, error) {
	if s.lister == nil {
		return 0, nil
	}
	pushed := 0
	for _, name := range ItemStages {
		items, err := s.lister.Pending(name)
		if err != nil {
			return pushed, err
		}
		for _, path := range items {
			err := s.redisQueue.PushTask(ctx, redisqueue.NewTask(name, path))
			if errors.Is(err, redisqueue.ErrTaskExists) {
				continue
			}
			if err != nil {
				return pushed, fmt.Errorf("dispatch %s %s: %w", name, path, err)
			}
			pushed++
		}
	}
	if pushed > 0 {
		s.logger.Info("pending items dispatched", slog.Int("count", pushed))
	}
	return pushed, nil
}

// Run 启动全部循环，阻塞直到 ctx 被取消。
func (s *Scheduler) Run(ctx context.Context) error {
	if s.redisQueue == nil {
		return errors.New("redis queue client is not initialized")
	}
	s.logger.Info("scheduler started",
		slog.Int("workers", s.queue.Workers()),
		slog.String("scan_interval", s.opts.ScanInterval.String()),
		slog.Int("batches", len(s.opts.Batches)))

	s.queue.Start(ctx)
	s.StartJanitor(ctx)
	go s.monitorQueueDepth(ctx)
	go func() {
		if err := s.StartResultListener(ctx); err != nil {
			s.logger.Error("result listener stopped", slog.String("error", err.Error()))
		}
	}()
	go s.consume(ctx)
	for _, b := range s.opts.Batches {
		go s.runBatchLoop(ctx, b)
	}

	if _, err := s.Scan(ctx); err != nil {
		s.logger.Error("pending scan failed", slog.String("error", err.Error()))
	}

	var scanC <-chan time.Time
	if s.opts.ScanInterval > 0 {
		ticker := time.NewTicker(s.opts.ScanInterval)
		defer ticker.Stop()
		scanC = ticker.C
	}
	statsTicker := time.NewTicker(time.Minute)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			if err := s.queue.ShutdownWithTimeout(30 * time.Second); err != nil {
				s.logger.Error("queue shutdown timeout", slog.String("error", err.Error()))
			}
			s.logger.Info("scheduler stopped")
			return nil

		case <-scanC:
			if _, err := s.Scan(ctx); err != nil {
				s.logger.Error("pending scan failed", slog.String("error", err.Error()))
			}

		case <-statsTicker.C:
			s.printQueueStats()
		}
	}
}

// consume 从 Redis 拉取任务并交给本地 worker 池。
func (s *Scheduler) consume(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		task, err := s.redisQueue.PopTask(ctx, s.opts.PopTimeout)
		if err != nil {
			if errors.Is(err, redisqueue.ErrNoTask) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			s.logger.Error("pop stage task failed", slog.String("error", err.Error()))
			time.Sleep(200 * time.Millisecond)
			continue
		}

		job := queue.Job{
			Stage: task.Stage,
			Key:   task.Path,
			Run: func(jobCtx context.Context) error {
				return s.execute(jobCtx, task)
			},
		}
		if err := s.queue.EnqueueBlocking(ctx, job); err != nil {
			if errors.Is(err, queue.ErrInFlight) {
				s.ack(ctx, task)
				continue
			}
			// 未确认的任务留在 processing 队列，由 janitor 重新入队。
			s.logger.Warn("enqueue stage task failed",
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()))
			return
		}
	}
}

// execute 执行单个阶段任务并回写结果。
//
// 失败的条目不在进程内重试：任务被确认，条目在下一次待处理扫描中重新出现。
func (s *Scheduler) execute(ctx context.Context, task *redisqueue.Task) error {
	var outputs []string
	var err error
	switch task.Stage {
	case stage.Captions:
		err = s.proc.Caption(ctx, task.Path)
	case stage.Lots:
		var out string
		out, err = s.proc.Chop(ctx, task.Path)
		if err == nil && out != "" {
			outputs = append(outputs, out)
		}
	case stage.Embeddings:
		err = s.proc.Embed(ctx, task.Path)
	default:
		err = fmt.Errorf("unknown stage %q", task.Stage)
	}
	if errors.Is(err, enrich.ErrSkipped) {
		err = nil
	}

	s.ack(ctx, task)
	res := &redisqueue.Result{TaskID: task.ID, Stage: task.Stage, Path: task.Path, Outputs: outputs}
	if err != nil {
		res.Error = err.Error()
	}
	if perr := s.redisQueue.PushResult(ctx, res); perr != nil {
		s.logger.Warn("push stage result failed", slog.String("task_id", task.ID), slog.String("error", perr.Error()))
	}
	return err
}

func (s *Scheduler) ack(ctx context.Context, task *redisqueue.Task) {
	if err := s.redisQueue.AckTask(ctx, task); err != nil {
		s.logger.Warn("ack stage task failed", slog.String("task_id", task.ID), slog.String("error", err.Error()))
	}
}

// StartResultListener 监听结果队列：新写出的 Lot 文件立即派发向量阶段。
func (s *Scheduler) StartResultListener(ctx context.Context) error {
	if s.redisQueue == nil {
		return errors.New("redis queue client is not initialized")
	}
	s.logger.Info("result listener started")
	for {
		res, err := s.redisQueue.PopResult(ctx, s.opts.PopTimeout)
		if err != nil {
			if errors.Is(err, redisqueue.ErrNoResult) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			s.logger.Error("pop stage result failed", slog.String("error", err.Error()))
			time.Sleep(200 * time.Millisecond)
			continue
		}
		s.handleResult(ctx, res)
	}
}

func (s *Scheduler) handleResult(ctx context.Context, res *redisqueue.Result) {
	if res.Error != "" {
		s.logger.Warn("stage task failed",
			slog.String("stage", res.Stage),
			slog.String("path", res.Path),
			slog.String("error", res.Error))
		return
	}
	s.logger.Debug("stage task done", slog.String("stage", res.Stage), slog.String("path", res.Path))
	if res.Stage != stage.Lots {
		return
	}
	for _, out := range res.Outputs {
		if err := s.Dispatch(ctx, stage.Embeddings, out); err != nil {
			s.logger.Warn("dispatch embedding failed", slog.String("path", out), slog.String("error", err.Error()))
		}
	}
}

// StartJanitor 周期性地把卡在 processing 队列中的任务重新入队。
func (s *Scheduler) StartJanitor(ctx context.Context) {
	interval := s.opts.StuckTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	s.logger.Info("janitor started", slog.String("timeout", s.opts.StuckTimeout.String()))

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runRescue(ctx)
			}
		}
	}()
}

func (s *Scheduler) runRescue(ctx context.Context) {
	rescueCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	count, err := s.redisQueue.RescueStuckTasks(rescueCtx, s.opts.StuckTimeout)
	if err != nil {
		s.logger.Error("janitor failed to rescue tasks", slog.String("error", err.Error()))
		return
	}
	if count > 0 {
		s.logger.Info("janitor rescued stuck tasks", slog.Int("count", count))
	}
}

func (s *Scheduler) monitorQueueDepth(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tasks, results, err := s.redisQueue.QueueDepth(ctx)
			if err != nil {
				s.logger.Warn("queue depth probe failed", slog.String("error", err.Error()))
				continue
			}
			metrics.StageQueueDepth.WithLabelValues("tasks").Set(float64(tasks))
			metrics.StageQueueDepth.WithLabelValues("results").Set(float64(results))
		}
	}
}

func (s *Scheduler) runBatchLoop(ctx context.Context, b Batch) {
	if b.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(b.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.runBatch(ctx, b); err != nil && ctx.Err() == nil {
				s.logger.Error("batch stage failed", slog.String("stage", b.Name), slog.String("error", err.Error()))
			}
		}
	}
}

// RunBatch 立即运行指定的批量阶段。
func (s *Scheduler) RunBatch(ctx context.Context, name string) error {
	b, ok := s.batches[name]
	if !ok {
		return fmt.Errorf("unknown batch stage %q", name)
	}
	return s.runBatch(ctx, b)
}

// Batches 返回已注册的批量阶段名。
func (s *Scheduler) Batches() []string {
	names := make([]string, 0, len(s.batches))
	for name := range s.batches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Scheduler) runBatch(ctx context.Context, b Batch) error {
	start := time.Now()
	err := b.Run(ctx)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.StageRunsTotal.WithLabelValues(b.Name, "batch_"+status).Inc()
	s.logger.Info("batch stage finished",
		slog.String("stage", b.Name),
		slog.String("status", status),
		slog.String("duration", time.Since(start).String()))
	return err
}

// printQueueStats 打印队列统计信息。
func (s *Scheduler) printQueueStats() {
	stats := s.queue.Stats()
	s.logger.Info("queue statistics",
		slog.Int("pending", s.queue.Len()),
		slog.Int("workers", s.queue.Workers()),
		slog.Int64("total_enqueued", stats.TotalEnqueued),
		slog.Int64("total_processed", stats.TotalProcessed),
		slog.Int64("total_succeeded", stats.TotalSucceeded),
		slog.Int64("total_failed", stats.TotalFailed),
		slog.Int64("total_dropped", stats.TotalDropped),
		slog.Int64("total_panics", stats.TotalPanics),
	)
	if stats.TotalDropped > 100 {
		s.logger.Warn("high task drop rate detected, consider increasing workers or queue capacity",
			slog.Int64("total_dropped", stats.TotalDropped))
	}
}
