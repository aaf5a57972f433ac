// Package retention 删除过期与孤立的存储条目。
//
// 顺序固定：原始消息 → 无描述的过期媒体 → Lot → 孤立向量与缓存 → 空目录。
// 每一步只依赖前一步的结果，所以一次运行就能让存储收敛。
package retention

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"marketfeed/internal/config"
	"marketfeed/internal/model"
	"marketfeed/internal/moderation"
	"marketfeed/internal/pkg/metrics"
	"marketfeed/internal/store"
)

// Report 汇总一次清理删除的数量。
type Report struct {
	Raw      int
	Media    int
	Lots     int
	Vectors  int
	Caches   int
	EmptyDir int
}

// Cleaner 执行保留策略。
type Cleaner struct {
	store  *store.Store
	gate   *moderation.Gate
	langs  []string
	keep   time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewCleaner 创建 Cleaner。gate 为 nil 时按配置构建。
func NewCleaner(st *store.Store, gate *moderation.Gate, cfg *config.Config, logger *slog.Logger) *Cleaner {
	langs := cfg.Store.Langs
	if len(langs) == 0 {
		langs = []string{"en"}
	}
	if gate == nil {
		gate = moderation.New(cfg.Moderation.Blacklist, cfg.Moderation.BannedSubstrings, langs)
	}
	return &Cleaner{
		store:  st,
		gate:   gate,
		langs:  langs,
		keep:   cfg.Store.KeepDuration(),
		now:    time.Now,
		logger: logger,
	}
}

// Cutoff 返回当前的保留截止时间。
func (c *Cleaner) Cutoff() time.Time {
	return c.now().Add(-c.keep)
}

// Run 按固定顺序执行一次完整清理。
func (c *Cleaner) Run(ctx context.Context) (Report, error) {
	var r Report
	cutoff := c.Cutoff()
	c.logger.Info("retention started", slog.String("cutoff", cutoff.Format(time.RFC3339)))

	steps := []func(time.Time, *Report){
		c.cleanRaw,
		c.cleanMedia,
		c.cleanLots,
		c.cleanOrphans,
		c.pruneDirs,
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		step(cutoff, &r)
	}

	metrics.RetentionDeletedTotal.WithLabelValues("raw").Add(float64(r.Raw))
	metrics.RetentionDeletedTotal.WithLabelValues("media").Add(float64(r.Media))
	metrics.RetentionDeletedTotal.WithLabelValues("lots").Add(float64(r.Lots))
	metrics.RetentionDeletedTotal.WithLabelValues("vectors").Add(float64(r.Vectors))
	metrics.RetentionDeletedTotal.WithLabelValues("caches").Add(float64(r.Caches))
	c.logger.Info("retention finished",
		slog.Int("raw", r.Raw),
		slog.Int("media", r.Media),
		slog.Int("lots", r.Lots),
		slog.Int("vectors", r.Vectors),
		slog.Int("caches", r.Caches),
		slog.Int("dirs", r.EmptyDir))
	return r, nil
}

// cleanRaw 删除 date 早于 cutoff 的原始消息。没有可解析日期的消息保留。
func (c *Cleaner) cleanRaw(cutoff time.Time, r *Report) {
	for _, path := range c.store.WalkRaw(false) {
		ts, ok := model.ParseTimestamp(store.ReadHeader(path)["date"])
		if !ok || !ts.Before(cutoff) {
			continue
		}
		if c.store.Remove(path) {
			r.Raw++
			c.logger.Info("deleted raw post", slog.String("file", path))
		}
	}
}

// cleanMedia 删除过期且没有描述的媒体。日期取元数据，缺失时取 mtime。
func (c *Cleaner) cleanMedia(cutoff time.Time, r *Report) {
	for _, path := range c.store.WalkMedia(false) {
		if store.HasCaption(path) {
			continue
		}
		ts, ok := c.mediaTime(path)
		if !ok || !ts.Before(cutoff) {
			continue
		}
		if c.store.RemoveMedia(path) > 0 {
			r.Media++
		}
	}
}

func (c *Cleaner) mediaTime(path string) (time.Time, bool) {
	if meta, ok := c.store.ReadMediaMeta(path); ok {
		if ts, ok := model.ParseTimestamp(meta.Date); ok {
			return ts, true
		}
	}
	return store.ModTime(path)
}

// cleanLots 删除源消息已不存在的 Lot 文件，以及翻译不全且未标记欺诈的 Lot。
//
// 文件中只有部分 Lot 被删除时整体重写，并删除旧向量与派生缓存让它们重新生成。
func (c *Cleaner) cleanLots(_ time.Time, r *Report) {
	for _, path := range c.store.WalkLots(false) {
		lots := c.store.ReadLots(path)
		if lots == nil {
			continue
		}
		if len(lots) == 0 || c.sourceMissing(lots[0]) {
			c.store.RemoveLotFile(path)
			r.Lots++
			continue
		}
		kept := lots[:0:0]
		for _, l := range lots {
			if l.Fraud != "" || l.Complete(c.langs) {
				kept = append(kept, l)
			}
		}
		switch {
		case len(kept) == len(lots):
		case len(kept) == 0:
			c.logger.Info("lot file has no complete lots", slog.String("file", path))
			c.store.RemoveLotFile(path)
			r.Lots++
		default:
			if err := c.store.WriteLots(path, kept); err != nil {
				c.logger.Error("rewrite lot file failed", slog.String("file", path), slog.String("error", err.Error()))
				continue
			}
			if vec := c.store.EmbeddingPathForLot(path); c.store.Remove(vec) {
				r.Vectors++
			}
			// 缓存按下标引用 Lot ID，重写后已错位，交给 similar 与 prices 重新生成。
			for _, cache := range []string{
				c.store.SimilarPathForLot(path),
				c.store.MoreUserPathForLot(path),
				c.store.PricePathForLot(path),
			} {
				if c.store.Remove(cache) {
					r.Caches++
				}
			}
			c.logger.Info("dropped incomplete lots",
				slog.String("file", path),
				slog.Int("removed", len(lots)-len(kept)))
		}
	}
}

func (c *Cleaner) sourceMissing(l *model.Lot) bool {
	if l.Source.Path == "" {
		return false
	}
	return !store.Exists(c.store.RawFromRel(l.Source.Path))
}

// cleanOrphans 删除对应 Lot 文件已不存在的向量与派生缓存。
func (c *Cleaner) cleanOrphans(_ time.Time, r *Report) {
	for _, path := range c.store.Walk(store.VectorsDir, store.WalkOptions{Ext: ".json"}) {
		if store.Exists(c.store.LotPathForEmbedding(path)) {
			continue
		}
		if c.store.Remove(path) {
			r.Vectors++
			c.logger.Info("deleted orphan embedding", slog.String("file", path))
		}
	}
	rates := filepath.Join(c.store.Dir(store.PricesDir), store.RatesFile)
	for _, dir := range []string{store.SimilarDir, store.MoreUserDir, store.PricesDir} {
		for _, path := range c.store.Walk(dir, store.WalkOptions{Ext: ".json"}) {
			if path == rates || store.Exists(c.store.LotPathForCache(dir, path)) {
				continue
			}
			if c.store.Remove(path) {
				r.Caches++
				c.logger.Debug("deleted orphan cache", slog.String("file", path))
			}
		}
	}
}

func (c *Cleaner) pruneDirs(_ time.Time, r *Report) {
	for _, dir := range []string{
		store.RawDir, store.MediaDir, store.LotsDir, store.VectorsDir,
		store.SimilarDir, store.MoreUserDir, store.PricesDir,
	} {
		r.EmptyDir += c.store.PruneEmptyDirs(dir)
	}
}

// ApplyModeration 用当前规则重新审核已保存的 Lot。
//
// 源消息被规则拒绝，或任一 Lot 使用示例联系方式时，删除整个 Lot 文件及其向量。
// 欺诈标记不在这里处理，这些 Lot 需要保留以便复核。
//
// 返回值:
//   - int: 删除的 Lot 文件数
func (c *Cleaner) ApplyModeration(ctx context.Context) (int, error) {
	removed := 0
	for _, path := range c.store.WalkLots(false) {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		lots := c.store.ReadLots(path)
		if len(lots) == 0 {
			continue
		}
		reason := c.moderationReason(lots)
		if reason == "" {
			continue
		}
		c.logger.Info("removing moderated lots", slog.String("file", path), slog.String("reason", reason))
		c.store.RemoveLotFile(path)
		removed++
	}
	metrics.RetentionDeletedTotal.WithLabelValues("moderated").Add(float64(removed))
	return removed, nil
}

func (c *Cleaner) moderationReason(lots []*model.Lot) string {
	if src := lots[0].Source.Path; src != "" {
		raw := c.store.RawFromRel(src)
		if store.Exists(raw) {
			if reason := c.gate.MessageSkipReason(c.store.ReadPost(raw)); reason != "" && reason != moderation.ReasonEmpty {
				return reason
			}
		}
	}
	for _, l := range lots {
		if moderation.HasPlaceholderContact(l) {
			return moderation.ReasonPlaceholder
		}
	}
	return ""
}
