package publish

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"marketfeed/internal/catalog"
	"marketfeed/internal/pkg/events"
	"marketfeed/internal/search"
)

// Indexer 按 Lot 事件增量维护全文索引。
//
// 索引目录只能被一个进程打开，发布阶段在别的进程运行时由持有索引的进程消费事件。
type Indexer struct {
	catalog *catalog.Catalog
	index   *search.Index
	logger  *slog.Logger
}

// NewIndexer 创建索引同步器。
func NewIndexer(cat *catalog.Catalog, idx *search.Index, logger *slog.Logger) *Indexer {
	return &Indexer{catalog: cat, index: idx, logger: logger}
}

// Apply 把一条事件应用到索引。目录中已不存在的 Lot 从索引删除。
func (x *Indexer) Apply(ctx context.Context, ev *events.LotEvent) error {
	switch ev.Action {
	case events.ActionPublished:
		lot, err := x.catalog.GetLot(ctx, ev.LotID)
		if errors.Is(err, catalog.ErrNotFound) {
			return x.index.Delete(ev.LotID)
		}
		if err != nil {
			return err
		}
		return x.index.IndexDocument(search.FromCatalog(lot))
	case events.ActionRemoved:
		return x.index.Delete(ev.LotID)
	}
	return nil
}

// Consume 读取事件并更新索引，直到 ctx 结束。
func (x *Indexer) Consume(ctx context.Context, consumer *events.Consumer) error {
	x.logger.Info("index consumer started", slog.String("group", consumer.GroupName()))
	for {
		if ctx.Err() != nil {
			return nil
		}
		msgs, err := consumer.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			x.logger.Error("read events failed", slog.String("error", err.Error()))
			time.Sleep(time.Second)
			continue
		}
		for _, msg := range msgs {
			if err := x.Apply(ctx, msg.Message); err != nil {
				if _, ferr := consumer.HandleFailure(ctx, msg, err); ferr != nil {
					x.logger.Error("handle event failure failed", slog.String("error", ferr.Error()))
				}
				x.logger.Warn("index event failed",
					slog.String("lot_id", msg.Message.LotID),
					slog.String("error", err.Error()))
				continue
			}
			if err := consumer.Ack(ctx, msg.ID); err != nil {
				x.logger.Warn("ack event failed", slog.String("msg_id", msg.ID), slog.String("error", err.Error()))
			}
		}
	}
}
