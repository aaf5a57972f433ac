// Package enrich 实现三个依赖外部模型的阶段：图片描述、切分（消息 → Lot）与向量化。
//
// 每个阶段只处理一个文件，输出整体写入存储。外部调用失败时返回错误并保留源文件不变，
// 由下一次扫描重试。
package enrich

import (
	_ "embed"
	"errors"
	"log/slog"

	"marketfeed/internal/config"
	"marketfeed/internal/moderation"
	"marketfeed/internal/provider"
	"marketfeed/internal/store"
)

var (
	//go:embed prompts/captioner.md
	captionPrompt string
	//go:embed prompts/chopper.md
	chopBlueprint string
)

// ErrSkipped 表示条目被有意跳过（审核、缺少依赖或输出已是最新），不需要重试。
var ErrSkipped = errors.New("item skipped")

// Enricher 持有各阶段共享的依赖。
type Enricher struct {
	store    *store.Store
	gate     *moderation.Gate
	complete provider.Completer
	embed    provider.Embedder
	langs    []string
	cfg      config.ProviderConfig
	logger   *slog.Logger
}

// New 创建 Enricher。
//
// 参数:
//   - st: 内容存储
//   - gate: 审核规则
//   - c: 补全服务（测试模式下传 provider.Disabled）
//   - e: 向量服务
//   - cfg: 全局配置（语言列表与模型列表）
//   - logger: 日志记录器
func New(st *store.Store, gate *moderation.Gate, c provider.Completer, e provider.Embedder, cfg *config.Config, logger *slog.Logger) *Enricher {
	langs := cfg.Store.Langs
	if len(langs) == 0 {
		langs = []string{"en"}
	}
	if gate == nil {
		gate = moderation.New(cfg.Moderation.Blacklist, cfg.Moderation.BannedSubstrings, langs)
	}
	return &Enricher{
		store:    st,
		gate:     gate,
		complete: c,
		embed:    e,
		langs:    langs,
		cfg:      cfg.Providers,
		logger:   logger,
	}
}
