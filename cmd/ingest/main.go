package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketfeed/internal/app"
	"marketfeed/internal/chopqueue"
	"marketfeed/internal/config"
	"marketfeed/internal/ingest"
	"marketfeed/internal/pkg/dedup"
	"marketfeed/internal/pkg/logger"
	"marketfeed/internal/scheduler"
	"marketfeed/internal/source"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// main 是采集服务的入口函数。
//
// 它负责：
// 1. 加载配置并初始化日志
// 2. 加入聊天、补抓离线期间的消息
// 3. 监听实时更新，并把待抽取的消息按冷却期派发
// 4. 启动 Metrics 服务
// 5. 优雅关闭：排空抽取队列
func main() {
	configPath := flag.String("config", "", "path to config.json")
	noBackfill := flag.Bool("no-backfill", false, "skip fetching messages missed while offline")
	removeDeleted := flag.Bool("remove-deleted", false, "delete local copies of messages removed upstream, then exit")
	refetch := flag.Bool("refetch", false, "refetch posts with missing media or author info, then exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	appLogger := logger.NewDefault(cfg.App.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := app.New(ctx, cfg, appLogger)
	defer func() {
		if err := a.Close(); err != nil {
			appLogger.Error("close resources failed", slog.String("error", err.Error()))
		}
	}()

	svc, err := newService(a)
	if err != nil {
		appLogger.Error("init ingest service failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	switch {
	case *removeDeleted:
		if err := svc.RemoveDeleted(ctx); err != nil {
			appLogger.Error("remove deleted failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		return
	case *refetch:
		if err := svc.Refetch(ctx); err != nil {
			appLogger.Error("refetch failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		flushChop(svc, cfg, appLogger)
		return
	}

	if n := svc.ChopQueue().Restore(); n > 0 {
		appLogger.Info("chop queue restored", slog.Int("entries", n))
	}
	svc.JoinAll(ctx)
	if !*noBackfill {
		if err := svc.FetchMissing(ctx); err != nil {
			appLogger.Error("backfill failed", slog.String("error", err.Error()))
		}
	}

	metricsServer := &http.Server{
		Addr:    cfg.App.MetricsAddr,
		Handler: promhttp.Handler(),
	}
	go func() {
		appLogger.Info("ingest metrics server started", slog.String("addr", cfg.App.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("metrics server stopped with error", slog.String("error", err.Error()))
		}
	}()

	go runChopTicker(ctx, svc.ChopQueue(), cfg.Pipeline.ChopCheckInterval)

	if err := svc.Listen(ctx); err != nil && !errors.Is(err, context.Canceled) {
		appLogger.Error("listen stopped", slog.String("error", err.Error()))
	}
	appLogger.Info("shutting down ingest service...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("metrics shutdown error", slog.String("error", err.Error()))
	}
	flushChop(svc, cfg, appLogger)
	appLogger.Info("ingest service stopped gracefully")
}

// newService 按配置选择消息来源并创建采集服务。Redis 可用时启用去重、共享限流与阶段派发。
func newService(a *app.App) (*ingest.Service, error) {
	cfg := a.Config
	spool := source.NewSpool(cfg.Source.SpoolDir, cfg.Source.PollInterval, a.Logger)
	var src source.Source = spool
	if cfg.Source.BridgeURL != "" {
		src = source.NewBridge(cfg.Source.BridgeURL, spool, a.Logger)
	}

	deps := ingest.Deps{
		Store:   a.Store,
		Gate:    a.Gate,
		Source:  src,
		Limiter: a.Limiter(),
	}
	chopOpts := chopqueue.Options{
		Cooldown:      cfg.Pipeline.ChopCooldown,
		CheckInterval: cfg.Pipeline.ChopCheckInterval,
	}
	if a.Redis != nil && !cfg.App.TestMode {
		rq, err := a.RedisQueue()
		if err != nil {
			return nil, err
		}
		disp := scheduler.NewDispatcher(rq)
		deps.Dispatch = disp
		deps.Dedup = dedup.NewDeduplicator(a.Redis, time.Duration(cfg.Pipeline.DedupWindow)*time.Second)
		chopOpts.Dispatch = disp.DispatchChop
	} else {
		a.Logger.Warn("redis unavailable, stages must be run by the pipeline scanner")
	}
	deps.Chop = chopqueue.New(a.Store, a.Gate, chopOpts, a.Logger)
	return ingest.New(cfg, deps, a.Logger)
}

// runChopTicker 定期唤醒抽取队列；队列在排空后自行退出。
func runChopTicker(ctx context.Context, q *chopqueue.Queue, interval time.Duration) {
	if interval <= 0 {
		interval = chopqueue.DefaultCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if q.Len() > 0 {
				q.Start(ctx)
			}
		}
	}
}

func flushChop(svc *ingest.Service, cfg *config.Config, appLogger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Pipeline.FlushTimeout+5*time.Second)
	defer cancel()
	if err := svc.ChopQueue().Flush(ctx, cfg.Pipeline.FlushTimeout); err != nil {
		appLogger.Error("chop queue flush failed", slog.String("error", err.Error()))
	}
}
