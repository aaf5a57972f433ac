// Package app 按配置组装各进程共用的组件。
package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"marketfeed/internal/catalog"
	"marketfeed/internal/config"
	"marketfeed/internal/enrich"
	"marketfeed/internal/moderation"
	"marketfeed/internal/ontology"
	"marketfeed/internal/pkg/events"
	"marketfeed/internal/pkg/notify"
	"marketfeed/internal/pkg/ratelimit"
	"marketfeed/internal/pkg/redisqueue"
	"marketfeed/internal/price"
	"marketfeed/internal/provider"
	"marketfeed/internal/publish"
	"marketfeed/internal/retention"
	"marketfeed/internal/scheduler"
	"marketfeed/internal/search"
	"marketfeed/internal/similar"
	"marketfeed/internal/stage"
	"marketfeed/internal/store"

	"github.com/redis/go-redis/v9"
)

// 批量阶段名。
const (
	BatchPrices   = "prices"
	BatchSimilar  = "similar"
	BatchPublish  = "publish"
	BatchClean    = "clean"
	BatchModerate = "moderate"
	BatchOntology = "ontology"
)

// App 持有一个进程的共享依赖。目录库与索引按需打开。
type App struct {
	Config *config.Config
	Logger *slog.Logger
	Store  *store.Store
	Gate   *moderation.Gate
	Redis  *redis.Client // Redis 不可用时为 nil

	mu      sync.Mutex
	catalog *catalog.Catalog
	index   *search.Index
}

// New 创建 App。Redis 连接失败时降级为无 Redis 运行。
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) *App {
	a := &App{
		Config: cfg,
		Logger: logger,
		Store:  store.New(cfg.Store.DataDir, logger),
		Gate:   moderation.New(cfg.Moderation.Blacklist, cfg.Moderation.BannedSubstrings, cfg.Store.Langs),
	}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       0,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Warn("redis unavailable, running without shared queue",
				slog.String("addr", cfg.Redis.Addr),
				slog.String("error", err.Error()))
			_ = rdb.Close()
		} else {
			a.Redis = rdb
		}
	}
	return a
}

// Langs 返回 Lot 必须具备的语言列表。
func (a *App) Langs() []string {
	if len(a.Config.Store.Langs) == 0 {
		return []string{"en"}
	}
	return a.Config.Store.Langs
}

// Catalog 打开（或返回已打开的）目录库。
func (a *App) Catalog() (*catalog.Catalog, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.catalog != nil {
		return a.catalog, nil
	}
	cat, err := catalog.Open(a.Config.Catalog)
	if err != nil {
		return nil, err
	}
	a.catalog = cat
	return cat, nil
}

// Index 打开（或返回已打开的）全文索引。同一时间只能有一个进程打开索引目录。
func (a *App) Index() (*search.Index, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.index != nil {
		return a.index, nil
	}
	idx, err := search.Open(a.Config.Catalog.IndexPath)
	if err != nil {
		return nil, err
	}
	a.index = idx
	return idx, nil
}

// Limiter 返回模型服务共享限流器。
func (a *App) Limiter() ratelimit.Limiter {
	p := a.Config.Providers
	return ratelimit.New(a.Redis, a.Logger, ratelimit.ProviderKey("openai"), p.RateLimit, int(p.RateBurst))
}

// Enricher 创建逐条阶段执行器；测试模式下不调用外部服务。
func (a *App) Enricher() *enrich.Enricher {
	if a.Config.App.TestMode {
		return enrich.New(a.Store, a.Gate, provider.Disabled{}, provider.Disabled{}, a.Config, a.Logger)
	}
	client := provider.NewClient(a.Config.Providers, a.Limiter(), a.Logger)
	return enrich.New(a.Store, a.Gate, client, client, a.Config, a.Logger)
}

// Detector 创建待处理扫描器。
func (a *App) Detector() *stage.Detector {
	return stage.NewDetector(a.Store, a.Gate, a.Logger)
}

// RedisQueue 返回 Redis 阶段队列；没有 Redis 时返回错误。
func (a *App) RedisQueue() (*redisqueue.Client, error) {
	if a.Redis == nil {
		return nil, errors.New("redis is required for the stage queue")
	}
	return redisqueue.NewClientWithRedis(a.Redis)
}

// Notifier 返回邮件通知器；SMTP 未配置时返回 nil。
func (a *App) Notifier() notify.Notifier {
	n := notify.NewEmailNotifier(&a.Config.Email, a.Config.Catalog.SiteURL, a.Logger)
	if !n.Configured() {
		return nil
	}
	return n
}

// Alerter 返回订阅提醒器；SMTP 未配置时返回 nil。
func (a *App) Alerter() (*publish.Alerter, error) {
	n := a.Notifier()
	if n == nil {
		return nil, nil
	}
	cat, err := a.Catalog()
	if err != nil {
		return nil, err
	}
	return publish.NewAlerter(cat, n, a.Logger), nil
}

// Producer 返回 Lot 事件生产者；没有 Redis 时返回 nil。
func (a *App) Producer() *events.Producer {
	if a.Redis == nil {
		return nil
	}
	return events.NewProducer(a.Redis, a.Logger, a.Config.Pipeline.EventStream)
}

// Publisher 创建发布阶段。withIndex 为 true 时同时维护全文索引。
func (a *App) Publisher(withIndex bool) (*publish.Stage, error) {
	cat, err := a.Catalog()
	if err != nil {
		return nil, err
	}
	var opts publish.Options
	if withIndex {
		if opts.Index, err = a.Index(); err != nil {
			return nil, err
		}
	}
	if p := a.Producer(); p != nil {
		opts.Events = p
	} else if opts.Alerter, err = a.Alerter(); err != nil {
		return nil, err
	}
	return publish.NewStage(a.Store, a.Gate, cat, a.Langs(), opts, a.Logger), nil
}

// Batches 返回批量阶段列表。interval 为 0 的阶段只能手动触发。
func (a *App) Batches(withIndex bool) []scheduler.Batch {
	cfg := a.Config
	cleaner := retention.NewCleaner(a.Store, a.Gate, cfg, a.Logger)
	return []scheduler.Batch{
		{
			Name:     BatchPrices,
			Interval: cfg.Pipeline.BatchInterval,
			Run:      price.NewStage(a.Store, a.Gate, cfg, a.Logger).Run,
		},
		{
			Name:     BatchSimilar,
			Interval: cfg.Pipeline.BatchInterval,
			Run:      similar.NewStage(a.Store, a.Gate, a.Logger).Run,
		},
		{
			Name:     BatchPublish,
			Interval: cfg.Pipeline.BatchInterval,
			Run: func(ctx context.Context) error {
				p, err := a.Publisher(withIndex)
				if err != nil {
					return err
				}
				_, err = p.Run(ctx)
				return err
			},
		},
		{
			Name:     BatchClean,
			Interval: cfg.Pipeline.CleanInterval,
			Run: func(ctx context.Context) error {
				_, err := cleaner.Run(ctx)
				return err
			},
		},
		{
			Name:     BatchModerate,
			Interval: cfg.Pipeline.CleanInterval,
			Run: func(ctx context.Context) error {
				_, err := cleaner.ApplyModeration(ctx)
				return err
			},
		},
		{
			Name: BatchOntology,
			Run: func(ctx context.Context) error {
				_, err := ontology.NewScanner(a.Store, a.Langs(), a.Logger).Run(ctx)
				return err
			},
		},
	}
}

// Close 关闭已打开的连接。
func (a *App) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var errs []error
	if a.index != nil {
		errs = append(errs, a.index.Close())
		a.index = nil
	}
	if a.catalog != nil {
		errs = append(errs, a.catalog.Close())
		a.catalog = nil
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	return errors.Join(errs...)
}
