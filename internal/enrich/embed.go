package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"marketfeed/internal/model"
	"marketfeed/internal/pkg/metrics"
	"marketfeed/internal/stage"
)

// Embed 为 Lot 文件中的每个 Lot 生成向量，写入 vectors/ 下的镜像路径。
//
// 向量的输入是键排序后的 Lot JSON，ID 与 store.LotID 一致。
func (e *Enricher) Embed(ctx context.Context, lotPath string) error {
	start := time.Now()
	out := e.store.EmbeddingPathForLot(lotPath)
	log := e.logger.With(slog.String("stage", stage.Embeddings), slog.String("file", lotPath))
	if out == "" {
		return fmt.Errorf("not a lot path: %s", lotPath)
	}
	if !stage.Stale(lotPath, out) {
		log.Debug("vector up to date")
		return ErrSkipped
	}

	lots := e.store.ReadLots(lotPath)
	if len(lots) == 0 {
		return fmt.Errorf("read lots %s: empty or unreadable", lotPath)
	}
	texts := make([]string, len(lots))
	for i, l := range lots {
		// map 序列化时键按字母序排列
		data, err := json.Marshal(l.ToMap())
		if err != nil {
			return fmt.Errorf("marshal lot %d: %w", i, err)
		}
		texts[i] = string(data)
	}

	log.Debug("embedding", slog.Int("count", len(texts)))
	vecs, err := e.embed.Embed(ctx, e.cfg.EmbedModel, texts)
	if err != nil {
		metrics.StageRunsTotal.WithLabelValues(stage.Embeddings, "failed").Inc()
		return fmt.Errorf("embed %s: %w", lotPath, err)
	}
	if len(vecs) != len(lots) {
		return fmt.Errorf("embed %s: expected %d vectors, got %d", lotPath, len(lots), len(vecs))
	}
	recs := make([]model.EmbeddingRecord, len(lots))
	for i := range lots {
		recs[i] = model.EmbeddingRecord{ID: e.store.LotID(lotPath, i), Vec: vecs[i]}
	}
	if err := e.store.WriteEmbeddings(out, recs); err != nil {
		return err
	}
	metrics.StageRunsTotal.WithLabelValues(stage.Embeddings, "success").Inc()
	metrics.StageDuration.WithLabelValues(stage.Embeddings).Observe(time.Since(start).Seconds())
	log.Debug("vector written", slog.String("path", out), slog.Int("count", len(recs)))
	return nil
}
