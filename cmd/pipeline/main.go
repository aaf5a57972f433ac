package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"marketfeed/internal/app"
	"marketfeed/internal/config"
	"marketfeed/internal/enrich"
	"marketfeed/internal/pkg/events"
	"marketfeed/internal/pkg/logger"
	"marketfeed/internal/pkg/metrics"
	"marketfeed/internal/pkg/oom"
	"marketfeed/internal/price"
	"marketfeed/internal/scheduler"
	"marketfeed/internal/stage"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	globalFlags := flag.NewFlagSet("global", flag.ExitOnError)
	configPath := globalFlags.String("config", "", "path to config.json")

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	commandIdx := len(os.Args)
	for i := 1; i < len(os.Args); i++ {
		if !strings.HasPrefix(os.Args[i], "-") {
			commandIdx = i
			break
		}
	}
	if commandIdx > 1 {
		_ = globalFlags.Parse(os.Args[1:commandIdx])
	}
	if commandIdx >= len(os.Args) {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[commandIdx]
	args := os.Args[commandIdx+1:]

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	appLogger := logger.NewDefault(cfg.App.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := app.New(ctx, cfg, appLogger)
	code := run(ctx, a, command, args)
	if err := a.Close(); err != nil {
		appLogger.Error("close resources failed", slog.String("error", err.Error()))
	}
	stop()
	os.Exit(code)
}

// run 执行子命令并返回退出码。
func run(ctx context.Context, a *app.App, command string, args []string) int {
	switch command {
	case "pending":
		if len(args) != 1 {
			fmt.Fprintln(os.Stderr, "Usage: pipeline pending <captions|lots|embeddings>")
			return 1
		}
		return runPending(a, args[0])
	case "validate":
		return runValidate(a, args)
	case "caption", "chop", "embed":
		return runItems(ctx, a, command, args)
	case "train-prices":
		preferKill(a)
		if _, err := price.NewStage(a.Store, a.Gate, a.Config, a.Logger).Train(ctx); err != nil {
			a.Logger.Error("train prices failed", slog.String("error", err.Error()))
			return 1
		}
		return 0
	case app.BatchPrices, app.BatchSimilar, app.BatchPublish, app.BatchClean, app.BatchModerate, app.BatchOntology:
		preferKill(a)
		return runBatch(ctx, a, command)
	case "run":
		runFlags := flag.NewFlagSet("run", flag.ExitOnError)
		workers := runFlags.Int("workers", a.Config.App.WorkerCount, "number of stage workers")
		_ = runFlags.Parse(args)
		return runScheduler(ctx, a, *workers)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Println("pipeline - marketplace enrichment stages")
	fmt.Println()
	fmt.Println("Usage: pipeline [--config=<path>] <command> [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  pending <stage>      print NUL-separated inputs needing work (captions, lots, embeddings)")
	fmt.Println("  validate [checks]    report missing stage outputs, exit 1 if any")
	fmt.Println("  caption [paths]      caption images (all pending when no paths)")
	fmt.Println("  chop [paths]         extract lots from raw posts")
	fmt.Println("  embed [paths]        compute lot embeddings")
	fmt.Println("  train-prices         fit the price model")
	fmt.Println("  prices               predict prices and refresh rates")
	fmt.Println("  similar              rebuild similar and same-seller caches")
	fmt.Println("  publish              sync lots into the catalog")
	fmt.Println("  clean                apply retention")
	fmt.Println("  moderate             remove content matching moderation rules")
	fmt.Println("  ontology             collect field statistics")
	fmt.Println("  run [--workers=N]    consume the stage queue and run batches periodically")
}

func runPending(a *app.App, name string) int {
	if name == "vectors" {
		name = stage.Embeddings
	}
	paths, err := a.Detector().Pending(name)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := stage.WriteNUL(os.Stdout, paths); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func runValidate(a *app.App, checks []string) int {
	issues, err := a.Detector().Validate(checks...)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	for _, is := range issues {
		fmt.Printf("%s\t%s\t%s\n", is.Check, is.Source, is.Output)
	}
	if len(issues) > 0 {
		return 1
	}
	return 0
}

// runItems 对给定路径（为空时为全部待处理条目）执行逐条阶段。
func runItems(ctx context.Context, a *app.App, command string, paths []string) int {
	stageName := map[string]string{
		"caption": stage.Captions,
		"chop":    stage.Lots,
		"embed":   stage.Embeddings,
	}[command]
	if len(paths) == 0 {
		var err error
		if paths, err = a.Detector().Pending(stageName); err != nil {
			a.Logger.Error("list pending failed", slog.String("error", err.Error()))
			return 1
		}
	}
	e := a.Enricher()
	failed := 0
	for _, p := range paths {
		if ctx.Err() != nil {
			break
		}
		var err error
		switch stageName {
		case stage.Captions:
			err = e.Caption(ctx, p)
		case stage.Lots:
			_, err = e.Chop(ctx, p)
		case stage.Embeddings:
			err = e.Embed(ctx, p)
		}
		if err != nil && !errors.Is(err, enrich.ErrSkipped) {
			failed++
			a.Logger.Error("stage item failed",
				slog.String("stage", stageName),
				slog.String("path", p),
				slog.String("error", err.Error()))
		}
	}
	a.Logger.Info("stage finished",
		slog.String("stage", stageName),
		slog.Int("items", len(paths)),
		slog.Int("failed", failed))
	if failed > 0 {
		return 1
	}
	return 0
}

func runBatch(ctx context.Context, a *app.App, name string) int {
	for _, b := range a.Batches(false) {
		if b.Name != name {
			continue
		}
		if err := b.Run(ctx); err != nil {
			a.Logger.Error("batch failed", slog.String("batch", name), slog.String("error", err.Error()))
			return 1
		}
		return 0
	}
	return 1
}

// runScheduler 启动阶段队列消费者与批量 ticker，并在启用 Redis 事件流时消费提醒事件。
func runScheduler(ctx context.Context, a *app.App, workers int) int {
	rq, err := a.RedisQueue()
	if err != nil {
		a.Logger.Error("scheduler unavailable", slog.String("error", err.Error()))
		return 1
	}
	metrics.InitMetrics(workers)
	sched := scheduler.New(rq, a.Enricher(), a.Detector(), scheduler.Options{
		Workers:      workers,
		Capacity:     a.Config.App.QueueCapacity,
		ScanInterval: a.Config.Pipeline.ScanInterval,
		StuckTimeout: a.Config.Pipeline.StuckTimeout,
		Batches:      a.Batches(false),
	}, a.Logger)

	alerter, err := a.Alerter()
	if err != nil {
		a.Logger.Error("init alerter failed", slog.String("error", err.Error()))
		return 1
	}
	if alerter != nil {
		consumerID := "pipeline-" + uuid.NewString()[:8]
		consumer, err := events.NewConsumer(a.Redis, a.Logger, a.Config.Pipeline.EventStream, a.Config.Pipeline.EventGroup, consumerID)
		if err != nil {
			a.Logger.Error("init event consumer failed", slog.String("error", err.Error()))
			return 1
		}
		go func() {
			if err := alerter.Consume(ctx, consumer); err != nil {
				a.Logger.Error("alert consumer stopped", slog.String("error", err.Error()))
			}
		}()
	} else {
		a.Logger.Warn("smtp not configured, subscription alerts disabled")
	}

	metricsServer := &http.Server{
		Addr:    a.Config.App.MetricsAddr,
		Handler: promhttp.Handler(),
	}
	go func() {
		a.Logger.Info("pipeline metrics server started", slog.String("addr", a.Config.App.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("metrics server stopped with error", slog.String("error", err.Error()))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("scheduler stopped", slog.String("error", err.Error()))
		return 1
	}
	return 0
}

func preferKill(a *app.App) {
	if err := oom.PreferKill(); err != nil {
		a.Logger.Warn("set oom score failed", slog.String("error", err.Error()))
	}
}
