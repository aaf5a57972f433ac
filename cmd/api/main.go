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

	"marketfeed/internal/api"
	"marketfeed/internal/app"
	"marketfeed/internal/config"
	"marketfeed/internal/pkg/events"
	"marketfeed/internal/pkg/logger"
	"marketfeed/internal/publish"
	"marketfeed/internal/scheduler"

	"github.com/google/uuid"
)

// indexGroup 是 API 进程维护全文索引所用的消费者组。
const indexGroup = "search-index"

// main 是 API 服务的入口函数。
//
// 它负责：
// 1. 加载配置、初始化日志
// 2. 打开目录库与全文索引（本进程独占索引目录）
// 3. 按 Lot 事件同步索引，没有 Redis 时定期全量重建
// 4. 启动 HTTP 服务并优雅关闭
func main() {
	configPath := flag.String("config", "", "path to config.json")
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

	cat, err := a.Catalog()
	if err != nil {
		appLogger.Error("open catalog failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	idx, err := a.Index()
	if err != nil {
		appLogger.Error("open search index failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 管理接口只手动触发批量阶段，周期运行由 pipeline 负责。
	batches := append(a.Batches(true), scheduler.Batch{
		Name: "reindex",
		Run: func(ctx context.Context) error {
			return reindex(ctx, a)
		},
	})
	runner := scheduler.New(nil, nil, nil, scheduler.Options{Batches: batches}, appLogger)

	srv := api.NewServer(cfg, cat, api.Options{
		Store:   a.Store,
		Index:   idx,
		Redis:   a.Redis,
		Batches: runner,
	}, appLogger)
	if err := srv.SeedAdmin(ctx); err != nil {
		appLogger.Error("seed admin failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if n, err := idx.Count(); err == nil && n == 0 {
		if err := reindex(ctx, a); err != nil {
			appLogger.Error("initial reindex failed", slog.String("error", err.Error()))
		}
	}
	go syncIndex(ctx, a)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTPAddr,
		Handler: srv.Router(),
	}
	go func() {
		appLogger.Info("api server listening", slog.String("addr", cfg.App.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("server run failed", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	appLogger.Info("shutting down api server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("http shutdown failed", slog.String("error", err.Error()))
	}
}

func reindex(ctx context.Context, a *app.App) error {
	p, err := a.Publisher(true)
	if err != nil {
		return err
	}
	n, err := p.Reindex(ctx)
	if err != nil {
		return err
	}
	a.Logger.Info("search index rebuilt", slog.Int("lots", n))
	return nil
}

// syncIndex 有 Redis 时消费 Lot 事件增量更新索引，否则按批量周期全量重建。
func syncIndex(ctx context.Context, a *app.App) {
	if a.Redis != nil {
		cat, err := a.Catalog()
		if err != nil {
			a.Logger.Error("index sync disabled", slog.String("error", err.Error()))
			return
		}
		idx, err := a.Index()
		if err != nil {
			a.Logger.Error("index sync disabled", slog.String("error", err.Error()))
			return
		}
		consumer, err := events.NewConsumer(a.Redis, a.Logger, a.Config.Pipeline.EventStream, indexGroup, "api-"+uuid.NewString()[:8])
		if err != nil {
			a.Logger.Error("index sync disabled", slog.String("error", err.Error()))
			return
		}
		if err := publish.NewIndexer(cat, idx, a.Logger).Consume(ctx, consumer); err != nil {
			a.Logger.Error("index consumer stopped", slog.String("error", err.Error()))
		}
		return
	}

	interval := a.Config.Pipeline.BatchInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := reindex(ctx, a); err != nil {
				a.Logger.Error("reindex failed", slog.String("error", err.Error()))
			}
		}
	}
}
