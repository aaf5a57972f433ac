package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Producer 事件生产者，由发布阶段和保留清理使用。
type Producer struct {
	queue  *EventStream
	logger *slog.Logger
}

// NewProducer 创建事件生产者。
//
// 参数:
//   - rdb: Redis 客户端
//   - logger: 日志记录器
//   - streamName: Stream 名称（可选，默认为 DefaultStream）
func NewProducer(rdb *redis.Client, logger *slog.Logger, streamName ...string) *Producer {
	stream := DefaultStream
	if len(streamName) > 0 && streamName[0] != "" {
		stream = streamName[0]
	}

	return &Producer{
		queue:  NewEventStream(rdb, logger, stream),
		logger: logger,
	}
}

// LotPublished 发送 Lot 上架事件。
func (p *Producer) LotPublished(ctx context.Context, lotID, source string) error {
	return p.send(ctx, NewPublishedMessage(lotID, source))
}

// LotRemoved 发送 Lot 下架事件。
func (p *Producer) LotRemoved(ctx context.Context, lotID, source string) error {
	return p.send(ctx, NewRemovedMessage(lotID, source))
}

func (p *Producer) send(ctx context.Context, msg *LotEvent) error {
	if p == nil {
		return nil
	}
	if msg.LotID == "" {
		return fmt.Errorf("invalid lot id")
	}
	if msg.Source == "" {
		msg.Source = "unknown"
	}
	if err := p.queue.Publish(ctx, msg); err != nil {
		p.logger.Error("publish lot event failed",
			slog.String("lot_id", msg.LotID),
			slog.String("action", msg.Action),
			slog.String("error", err.Error()))
		return err
	}
	p.logger.Debug("lot event sent",
		slog.String("lot_id", msg.LotID),
		slog.String("action", msg.Action),
		slog.String("source", msg.Source))
	return nil
}

// QueueLength 获取当前事件流长度。
func (p *Producer) QueueLength(ctx context.Context) (int64, error) {
	return p.queue.StreamInfo(ctx)
}
