// Package publish 把存储中的在架 Lot 同步到目录库与全文索引，并通知订阅者。
package publish

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"marketfeed/internal/catalog"
	"marketfeed/internal/pkg/events"
	"marketfeed/internal/pkg/metrics"
	"marketfeed/internal/search"
	"marketfeed/internal/store"
)

// StageName 是发布阶段在指标中的名称。
const StageName = "publish"

// eventSource 写入事件的 source 字段。
const eventSource = "publish"

// Events 发布 Lot 上架与下架事件。
type Events interface {
	LotPublished(ctx context.Context, lotID, source string) error
	LotRemoved(ctx context.Context, lotID, source string) error
}

// Report 汇总一次发布。
type Report struct {
	Created int
	Updated int
	Removed int
	Failed  int
}

// Stage 是发布阶段。
type Stage struct {
	store   *store.Store
	gate    store.Gate
	catalog *catalog.Catalog
	index   *search.Index
	events  Events
	alerter *Alerter
	langs   []string
	logger  *slog.Logger
}

// Options 是 Stage 的可选依赖。
type Options struct {
	Index   *search.Index // 为空时不维护全文索引
	Events  Events        // 为空时新 Lot 直接交给 Alerter
	Alerter *Alerter      // 为空时不发送提醒
}

// NewStage 创建发布阶段。
func NewStage(st *store.Store, gate store.Gate, cat *catalog.Catalog, langs []string, opts Options, logger *slog.Logger) *Stage {
	return &Stage{
		store:   st,
		gate:    gate,
		catalog: cat,
		index:   opts.Index,
		events:  opts.Events,
		alerter: opts.Alerter,
		langs:   langs,
		logger:  logger,
	}
}

// Run 同步一次。
//
// 新出现的 Lot 先写目录库，再进索引，最后发出上架事件（或直接提醒）；
// 目录库中已不在架的 Lot 被删除并发出下架事件。
func (s *Stage) Run(ctx context.Context) (Report, error) {
	start := time.Now()
	var r Report

	lots := s.store.LoadLiveLots(s.gate)
	prices := s.store.LoadPrices()
	rates := s.store.LoadRates()
	live := make(map[string]struct{}, len(lots))
	docs := make([]*search.Document, 0, len(lots))
	var created []string

	for _, l := range lots {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		live[l.ID] = struct{}{}
		row := catalog.FromLot(l, prices[l.ID], rates, s.langs)
		isNew, err := s.catalog.UpsertLot(ctx, row)
		if err != nil {
			r.Failed++
			s.logger.Error("catalog upsert failed", slog.String("lot_id", l.ID), slog.String("error", err.Error()))
			continue
		}
		if isNew {
			r.Created++
			created = append(created, l.ID)
		} else {
			r.Updated++
		}
		docs = append(docs, search.FromCatalog(row))
	}

	if s.index != nil {
		if err := s.index.IndexBatch(docs); err != nil {
			metrics.StageRunsTotal.WithLabelValues(StageName, "error").Inc()
			return r, fmt.Errorf("index lots: %w", err)
		}
	}

	for _, id := range created {
		s.announce(ctx, id)
	}

	removed, err := s.removeStale(ctx, live)
	r.Removed = removed
	if err != nil {
		metrics.StageRunsTotal.WithLabelValues(StageName, "error").Inc()
		return r, err
	}

	metrics.CatalogLotsTotal.WithLabelValues("created").Add(float64(r.Created))
	metrics.CatalogLotsTotal.WithLabelValues("updated").Add(float64(r.Updated))
	metrics.CatalogLotsTotal.WithLabelValues("removed").Add(float64(r.Removed))
	metrics.StageRunsTotal.WithLabelValues(StageName, "ok").Inc()
	metrics.StageDuration.WithLabelValues(StageName).Observe(time.Since(start).Seconds())
	s.logger.Info("publish finished",
		slog.Int("live", len(lots)),
		slog.Int("created", r.Created),
		slog.Int("updated", r.Updated),
		slog.Int("removed", r.Removed),
		slog.Int("failed", r.Failed))
	return r, nil
}

func (s *Stage) announce(ctx context.Context, lotID string) {
	if s.events != nil {
		if err := s.events.LotPublished(ctx, lotID, eventSource); err != nil {
			s.logger.Warn("publish event failed", slog.String("lot_id", lotID), slog.String("error", err.Error()))
		}
		return
	}
	if s.alerter != nil {
		if _, err := s.alerter.Alert(ctx, lotID); err != nil {
			s.logger.Warn("alert failed", slog.String("lot_id", lotID), slog.String("error", err.Error()))
		}
	}
}

func (s *Stage) removeStale(ctx context.Context, live map[string]struct{}) (int, error) {
	ids, err := s.catalog.LotIDs(ctx)
	if err != nil {
		return 0, err
	}
	var stale []string
	for _, id := range ids {
		if _, ok := live[id]; !ok {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	deleted, err := s.catalog.DeleteLots(ctx, stale)
	if err != nil {
		return 0, err
	}
	for _, id := range stale {
		if s.index != nil {
			if err := s.index.Delete(id); err != nil {
				s.logger.Warn("index delete failed", slog.String("lot_id", id), slog.String("error", err.Error()))
			}
		}
		if s.events != nil {
			if err := s.events.LotRemoved(ctx, id, eventSource); err != nil {
				s.logger.Warn("remove event failed", slog.String("lot_id", id), slog.String("error", err.Error()))
			}
		}
	}
	return int(deleted), nil
}

// Reindex 用目录库全量重建全文索引。
func (s *Stage) Reindex(ctx context.Context) (int, error) {
	if s.index == nil {
		return 0, nil
	}
	total := 0
	for offset := 0; ; offset += 200 {
		rows, _, err := s.catalog.ListLots(ctx, catalog.LotFilter{Limit: 200, Offset: offset})
		if err != nil {
			return total, err
		}
		docs := make([]*search.Document, len(rows))
		for i := range rows {
			docs[i] = search.FromCatalog(&rows[i])
		}
		if err := s.index.IndexBatch(docs); err != nil {
			return total, err
		}
		total += len(rows)
		if len(rows) < 200 {
			return total, nil
		}
	}
}

var _ Events = (*events.Producer)(nil)
