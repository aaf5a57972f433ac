package price

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"marketfeed/internal/config"
	"marketfeed/internal/model"
	"marketfeed/internal/pkg/metrics"
	"marketfeed/internal/store"
)

// StageName 是价格阶段在指标中的名称。
const StageName = "prices"

// Stage 负责训练价格模型和刷新 prices/ 缓存。
type Stage struct {
	store    *store.Store
	gate     store.Gate
	cfg      config.PriceConfig
	testMode bool
	http     *http.Client
	logger   *slog.Logger
}

// NewStage 创建价格阶段。
//
// 参数:
//   - st: 内容存储
//   - gate: 审核规则，用于过滤参与预测的 Lot（可以为 nil）
//   - cfg: 全局配置
//   - logger: 日志记录器
func NewStage(st *store.Store, gate store.Gate, cfg *config.Config, logger *slog.Logger) *Stage {
	return &Stage{
		store:    st,
		gate:     gate,
		cfg:      cfg.Price,
		testMode: cfg.App.TestMode,
		http:     &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}
}

// ModelPath 返回模型文件路径。
func (s *Stage) ModelPath() string {
	return filepath.Join(s.store.Root(), ModelFile)
}

// Train 用全部 Lot 重新训练模型并保存。
func (s *Stage) Train(ctx context.Context) (*Model, error) {
	lots := s.store.LoadLiveLots(nil)
	vecs := s.store.LoadAllEmbeddings()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := Train(lots, vecs)
	if err != nil {
		return nil, err
	}
	if m == nil {
		s.logger.Error("no training samples", slog.Int("lots", len(lots)))
		return nil, nil
	}
	if err := m.Save(s.ModelPath()); err != nil {
		return nil, err
	}
	s.logger.Info("price model saved",
		slog.String("path", s.ModelPath()),
		slog.Int("dim", m.Dim),
		slog.Int("currencies", len(m.Currencies)))
	return m, nil
}

// Run 预测 ai_price、补全币种，写入 prices/ 缓存与 rates.json。
//
// 没有模型时只记录日志并返回 nil；官方汇率获取失败时不做币种推断。
func (s *Stage) Run(ctx context.Context) error {
	start := time.Now()
	m, err := Load(s.ModelPath())
	if err != nil {
		metrics.StageRunsTotal.WithLabelValues(StageName, "failed").Inc()
		return err
	}
	if m == nil {
		s.logger.Warn("no price model, skipping", slog.String("path", s.ModelPath()))
		return nil
	}

	lots := s.store.LoadLiveLots(s.gate)
	vecs := s.store.LoadAllEmbeddings()
	official := s.officialRates(ctx)

	rates := Apply(m, lots, vecs, official, s.cfg.MinSamples)
	if err := s.store.SavePrices(Entries(withVectors(lots, vecs))); err != nil {
		metrics.StageRunsTotal.WithLabelValues(StageName, "failed").Inc()
		return fmt.Errorf("price stage: %w", err)
	}
	if err := s.store.SaveRates(rates); err != nil {
		metrics.StageRunsTotal.WithLabelValues(StageName, "failed").Inc()
		return fmt.Errorf("price stage: %w", err)
	}
	metrics.StageRunsTotal.WithLabelValues(StageName, "success").Inc()
	metrics.StageDuration.WithLabelValues(StageName).Observe(time.Since(start).Seconds())
	s.logger.Info("price cache updated", slog.Int("lots", len(lots)), slog.Int("rates", len(rates)))
	return nil
}

func (s *Stage) officialRates(ctx context.Context) map[string]float64 {
	if s.testMode || s.cfg.OfficialRatesURL == "" {
		return nil
	}
	rates, err := FetchOfficialRates(ctx, s.http, s.cfg.OfficialRatesURL)
	if err != nil {
		s.logger.Warn("official rates unavailable", slog.String("error", err.Error()))
		return nil
	}
	return rates
}

// withVectors 只保留有向量的 Lot。
func withVectors(lots []*model.Lot, vecs map[string][]float64) []*model.Lot {
	out := lots[:0:0]
	for _, l := range lots {
		if len(vecs[l.ID]) > 0 {
			out = append(out, l)
		}
	}
	return out
}
