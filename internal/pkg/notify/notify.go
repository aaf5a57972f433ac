package notify

import (
	"context"

	"marketfeed/internal/model"
)

// Notifier 定义通知接口。
type Notifier interface {
	// Send 发送新 Lot 提醒。
	//
	// 参数:
	//   ctx: 上下文
	//   lot: 目录中的 Lot 镜像
	//   sub: 命中的订阅
	Send(ctx context.Context, lot *model.CatalogLot, sub *model.Subscription) error
}
