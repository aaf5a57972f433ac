package similar

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"marketfeed/internal/pkg/metrics"
	"marketfeed/internal/store"
)

// StageName 是相似度阶段在指标中的名称。
const StageName = "similar"

// Stage 刷新 similar/ 与 more_user/ 缓存。
type Stage struct {
	store  *store.Store
	gate   store.Gate
	logger *slog.Logger
}

// NewStage 创建相似度阶段。gate 可以为 nil。
func NewStage(st *store.Store, gate store.Gate, logger *slog.Logger) *Stage {
	return &Stage{store: st, gate: gate, logger: logger}
}

// Run 加载缓存 → 清理失效条目 → 计算新条目 → 重建卖家索引 → 保存。
func (s *Stage) Run(ctx context.Context) error {
	start := time.Now()
	lots := s.store.LoadLiveLots(s.gate)
	all := s.store.LoadAllEmbeddings()

	live := make(map[string]struct{}, len(lots))
	vecs := make(map[string][]float64, len(lots))
	for _, l := range lots {
		live[l.ID] = struct{}{}
		if v := all[l.ID]; len(v) > 0 {
			vecs[l.ID] = v
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	cache := NewCache(s.store.LoadSimilar())
	pruned := cache.Prune(live)
	newIDs := NewIDs(cache, live, vecs)
	Compute(cache, newIDs, vecs)
	more := ByUser(lots, vecs)

	if err := s.store.SaveSimilar(cache.Entries()); err != nil {
		metrics.StageRunsTotal.WithLabelValues(StageName, "failed").Inc()
		return fmt.Errorf("similar stage: %w", err)
	}
	if err := s.store.SaveMoreUser(more); err != nil {
		metrics.StageRunsTotal.WithLabelValues(StageName, "failed").Inc()
		return fmt.Errorf("similar stage: %w", err)
	}
	metrics.StageRunsTotal.WithLabelValues(StageName, "success").Inc()
	metrics.StageDuration.WithLabelValues(StageName).Observe(time.Since(start).Seconds())
	s.logger.Info("similar cache updated",
		slog.Int("lots", len(lots)),
		slog.Int("vectors", len(vecs)),
		slog.Int("pruned", pruned),
		slog.Int("computed", len(newIDs)),
		slog.Int("more_user", len(more)))
	return nil
}
