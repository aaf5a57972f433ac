package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"marketfeed/internal/catalog"
	"marketfeed/internal/pkg/events"
	"marketfeed/internal/pkg/metrics"
	"marketfeed/internal/pkg/notify"
)

// Alerter 给命中新 Lot 的订阅发送提醒。
type Alerter struct {
	catalog  *catalog.Catalog
	notifier notify.Notifier
	logger   *slog.Logger
}

// NewAlerter 创建 Alerter。
func NewAlerter(cat *catalog.Catalog, notifier notify.Notifier, logger *slog.Logger) *Alerter {
	return &Alerter{catalog: cat, notifier: notifier, logger: logger}
}

// Alert 处理一个新上架的 Lot。
//
// 每个订阅对同一 Lot 最多提醒一次，只有发送成功才记录。Lot 已不在目录中时直接返回。
//
// 返回值:
//
//	int: 发送的提醒数
//	error: 查询失败或任一发送失败时返回错误
func (a *Alerter) Alert(ctx context.Context, lotID string) (int, error) {
	lot, err := a.catalog.GetLot(ctx, lotID)
	if errors.Is(err, catalog.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	subs, err := a.catalog.MatchSubscriptions(ctx, lot)
	if err != nil {
		return 0, err
	}

	sent := 0
	var firstErr error
	for i := range subs {
		sub := &subs[i]
		if done, err := a.catalog.HasHit(ctx, sub.ID, lotID); err != nil || done {
			continue
		}
		if err := a.notifier.Send(ctx, lot, sub); err != nil {
			metrics.AlertsTotal.WithLabelValues("error").Inc()
			a.logger.Error("send alert failed",
				slog.Uint64("subscription_id", uint64(sub.ID)),
				slog.String("lot_id", lotID),
				slog.String("error", err.Error()))
			if firstErr == nil {
				firstErr = fmt.Errorf("send alert %d: %w", sub.ID, err)
			}
			continue
		}
		isNew, err := a.catalog.RecordHit(ctx, sub.ID, lotID)
		if err != nil {
			a.logger.Warn("record alert failed", slog.String("lot_id", lotID), slog.String("error", err.Error()))
		}
		if isNew {
			sent++
			metrics.AlertsTotal.WithLabelValues("sent").Inc()
		}
	}
	if sent > 0 {
		a.logger.Info("alerts sent", slog.String("lot_id", lotID), slog.Int("count", sent))
	}
	return sent, firstErr
}

// Consume 从事件流读取上架事件并发送提醒，直到 ctx 结束。
//
// 处理失败的事件按消费者的重试策略重新入流或进入死信流。
func (a *Alerter) Consume(ctx context.Context, consumer *events.Consumer) error {
	a.logger.Info("alert consumer started", slog.String("group", consumer.GroupName()))
	for {
		if ctx.Err() != nil {
			return nil
		}
		msgs, err := consumer.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.logger.Error("read events failed", slog.String("error", err.Error()))
			time.Sleep(time.Second)
			continue
		}
		for _, msg := range msgs {
			a.handle(ctx, consumer, msg)
		}
	}
}

func (a *Alerter) handle(ctx context.Context, consumer *events.Consumer, msg *events.MessageWithID) {
	if msg.Message.Action != events.ActionPublished {
		if err := consumer.Ack(ctx, msg.ID); err != nil {
			a.logger.Warn("ack event failed", slog.String("msg_id", msg.ID), slog.String("error", err.Error()))
		}
		return
	}
	if _, err := a.Alert(ctx, msg.Message.LotID); err != nil {
		action, ferr := consumer.HandleFailure(ctx, msg, err)
		a.logger.Warn("alert event failed",
			slog.String("lot_id", msg.Message.LotID),
			slog.String("action", string(action)),
			slog.String("error", err.Error()))
		if ferr != nil {
			a.logger.Error("handle event failure failed", slog.String("error", ferr.Error()))
		}
		return
	}
	if err := consumer.Ack(ctx, msg.ID); err != nil {
		a.logger.Warn("ack event failed", slog.String("msg_id", msg.ID), slog.String("error", err.Error()))
	}
}
